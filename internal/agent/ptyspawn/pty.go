// Package ptyspawn allocates a pseudo-terminal and spawns the session's
// shell on it, the agent side of spec §4.2's SessionCreate handling.
// One Session wraps one os/exec.Cmd plus its pty master file.
package ptyspawn

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// DefaultShell is used when SessionCreate.Shell is empty.
const DefaultShell = "/bin/sh"

// GracePeriod is the cooperative-cancellation window a session's process
// group gets after SIGTERM before Close escalates to SIGKILL.
const GracePeriod = 500 * time.Millisecond

// Session is one spawned shell attached to a pty master.
type Session struct {
	SessionID uint32
	Pid       int

	cmd *exec.Cmd
	f   *os.File

	closeOnce sync.Once
	closed    chan struct{}

	waitOnce sync.Once
	waitDone chan struct{}
	waitErr  error
}

// Spawn starts shell (falling back to DefaultShell) under a new pty
// sized cols x rows, with env appended to the process's own
// environment. The returned Session's Read/Write operate on the pty
// master; closing it terminates the process.
func Spawn(sessionID uint32, shell string, env map[string]string, cols, rows uint16) (*Session, error) {
	if shell == "" {
		shell = DefaultShell
	}

	cmd := exec.Command(shell)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ws := &pty.Winsize{Cols: cols, Rows: rows}
	f, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		return nil, fmt.Errorf("start pty for session %d: %w", sessionID, err)
	}

	return &Session{
		SessionID: sessionID,
		Pid:       cmd.Process.Pid,
		cmd:       cmd,
		f:         f,
		closed:    make(chan struct{}),
		waitDone:  make(chan struct{}),
	}, nil
}

// Read reads raw pty output. It returns io.EOF once the shell exits
// and the pty master has been fully drained.
func (s *Session) Read(p []byte) (int, error) {
	return s.f.Read(p)
}

// Write sends input bytes to the shell.
func (s *Session) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

// Resize applies a new terminal size.
func (s *Session) Resize(cols, rows uint16) error {
	return pty.Setsize(s.f, &pty.Winsize{Cols: cols, Rows: rows})
}

// Wait blocks until the shell process exits and returns its exit error
// (nil on a clean exit). Safe to call more than once, and safe to call
// concurrently with Close, which waits on the same process.
func (s *Session) Wait() error {
	s.wait()
	return s.waitErr
}

// wait runs cmd.Wait exactly once, however many callers (Wait, Close)
// ask for it, and closes waitDone when the process has exited.
func (s *Session) wait() {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
		close(s.waitDone)
	})
}

// Closed is closed once Close has run, for callers selecting on
// process-exit-vs-other-events.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// Close asks the shell process (if still running) to exit, gives it
// GracePeriod to do so cooperatively, and only then kills it outright,
// before closing the pty master. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			pid := s.cmd.Process.Pid

			// cmd was started with Setsid, so pid is also its process
			// group's id; signalling -pid reaches the shell and anything
			// it forked, not just the shell itself.
			_ = syscall.Kill(-pid, syscall.SIGTERM)

			go s.wait()

			select {
			case <-s.waitDone:
			case <-time.After(GracePeriod):
				_ = syscall.Kill(-pid, syscall.SIGKILL)
				<-s.waitDone
			}
		}
		err = s.f.Close()
		close(s.closed)
	})
	return err
}
