package sshd

import (
	"fmt"
	"sync"
	"time"
)

// Rate-limit tuning for the SSH accept path, independent of the
// control-plane auth rate limiter. A sliding window bounds attempts per
// source address; consecutive handshake failures trip an escalating
// block, same shape as the control plane's limiter but keyed by address
// rather than client id.
const (
	acceptWindow          = 1 * time.Minute
	acceptMaxAttempts     = 10
	acceptFailureThresh   = 5
	acceptInitialBlock    = 30 * time.Second
	acceptMaxBlock        = 5 * time.Minute
)

// ErrRateLimited is returned by AcceptLimiter.Allow when a source address
// must be refused without attempting the SSH handshake.
type ErrRateLimited struct {
	Addr       string
	Reason     string
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited %s: %s (retry after %s)", e.Addr, e.Reason, e.RetryAfter)
}

type addrRateState struct {
	attempts            []time.Time
	consecutiveFailures int
	blockedUntil        time.Time
	blockDuration       time.Duration
}

// AcceptLimiter enforces a sliding-window attempt cap plus an escalating
// block on repeated failed handshakes, per source address.
type AcceptLimiter struct {
	mu     sync.Mutex
	states map[string]*addrRateState
	now    func() time.Time
}

func NewAcceptLimiter() *AcceptLimiter {
	return &AcceptLimiter{
		states: make(map[string]*addrRateState),
		now:    time.Now,
	}
}

func (rl *AcceptLimiter) getOrCreate(addr string) *addrRateState {
	s, ok := rl.states[addr]
	if !ok {
		s = &addrRateState{}
		rl.states[addr] = s
	}
	return s
}

// Allow reports whether a new connection attempt from addr may proceed
// to the SSH handshake.
func (rl *AcceptLimiter) Allow(addr string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	s := rl.getOrCreate(addr)

	if !s.blockedUntil.IsZero() && now.Before(s.blockedUntil) {
		return &ErrRateLimited{
			Addr:       addr,
			Reason:     fmt.Sprintf("blocked after %d consecutive failures", s.consecutiveFailures),
			RetryAfter: s.blockedUntil.Sub(now),
		}
	}

	cutoff := now.Add(-acceptWindow)
	recent := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	s.attempts = recent

	if len(s.attempts) >= acceptMaxAttempts {
		retryAfter := s.attempts[0].Add(acceptWindow).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &ErrRateLimited{
			Addr:       addr,
			Reason:     fmt.Sprintf("exceeded %d attempts in %s", acceptMaxAttempts, acceptWindow),
			RetryAfter: retryAfter,
		}
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordFailure registers a failed handshake/register for addr, tripping
// an escalating block once acceptFailureThresh consecutive failures
// accumulate.
func (rl *AcceptLimiter) RecordFailure(addr string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	s := rl.getOrCreate(addr)
	s.consecutiveFailures++

	if s.consecutiveFailures >= acceptFailureThresh {
		if s.blockDuration == 0 {
			s.blockDuration = acceptInitialBlock
		} else {
			s.blockDuration *= 2
			if s.blockDuration > acceptMaxBlock {
				s.blockDuration = acceptMaxBlock
			}
		}
		s.blockedUntil = now.Add(s.blockDuration)
	}
}

// RecordSuccess clears the failure streak and any active block for addr.
func (rl *AcceptLimiter) RecordSuccess(addr string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s, ok := rl.states[addr]
	if !ok {
		return
	}
	s.consecutiveFailures = 0
	s.blockedUntil = time.Time{}
	s.blockDuration = 0
}
