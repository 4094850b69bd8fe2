package peerverify

import (
	"context"
	"encoding/json"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// tailscaleStatus mirrors the subset of `tailscale status --json` that
// peer verification needs: which peers exist, their Tailscale IPs, and
// whether the local node is actually logged in to a tailnet.
type tailscaleStatus struct {
	BackendState string                       `json:"BackendState"`
	Peer         map[string]tailscalePeerNode `json:"Peer"`
}

type tailscalePeerNode struct {
	DNSName      string   `json:"DNSName"`
	TailscaleIPs []string `json:"TailscaleIPs"`
	Online       bool     `json:"Online"`
	HostName     string   `json:"HostName"`
}

// TailscalePeer is one member of the tailnet, resolved from the cached
// status output.
type TailscalePeer struct {
	DeviceName string
	DNSName    string
	IPs        []string
	Online     bool
}

type peerCache struct {
	peers       []TailscalePeer
	lastRefresh time.Time
}

// TailscaleVerifier verifies a peer address by checking it against the
// local node's Tailscale peer list, so only machines sharing the same
// tailnet are trusted over the tunnel's SSH endpoint. It shells out to
// the tailscale CLI rather than speaking its control-protocol directly,
// and caches the peer list for CacheDuration since `tailscale status`
// is an out-of-process call this code does not want to make on every
// connection attempt.
type TailscaleVerifier struct {
	// Binary is the tailscale executable to invoke. Defaults to
	// "tailscale" (resolved via PATH) when empty.
	Binary string

	mu    sync.RWMutex
	cache peerCache
}

// CacheDuration is how long a fetched peer list is trusted before the
// next Verify call triggers a fresh `tailscale status --json`.
const CacheDuration = 30 * time.Second

// NewTailscaleVerifier returns a verifier with an already-expired cache,
// so the first Verify call always refreshes.
func NewTailscaleVerifier() *TailscaleVerifier {
	return &TailscaleVerifier{cache: peerCache{lastRefresh: time.Now().Add(-CacheDuration)}}
}

// Verify implements peerverify.Verifier: peerAddr's host must match an
// IP belonging to a peer in the cached tailnet peer list.
func (v *TailscaleVerifier) Verify(peerAddr string) Result {
	host := peerAddr
	if h, _, err := net.SplitHostPort(peerAddr); err == nil {
		host = h
	}
	if net.ParseIP(host) == nil {
		return Result{Outcome: Rejected}
	}

	peer, ok := v.verifyPeer(host)
	if !ok {
		return Result{Outcome: Rejected}
	}
	return Result{Outcome: Verified, DeviceName: peer.DeviceName}
}

// verifyPeer reports the tailnet peer whose Tailscale IPs include ip, if
// any, refreshing the cache first when it has gone stale.
func (v *TailscaleVerifier) verifyPeer(ip string) (TailscalePeer, bool) {
	v.mu.RLock()
	fresh := time.Since(v.cache.lastRefresh) < CacheDuration
	peers := v.cache.peers
	v.mu.RUnlock()

	if !fresh {
		v.refresh()
		v.mu.RLock()
		peers = v.cache.peers
		v.mu.RUnlock()
	}

	for _, p := range peers {
		for _, pip := range p.IPs {
			if pip == ip {
				return p, true
			}
		}
	}
	return TailscalePeer{}, false
}

func (v *TailscaleVerifier) refresh() {
	peers, err := v.fetchPeers()
	if err != nil {
		// Leave the stale cache in place; the next Verify call tries
		// again rather than locking every peer out because the CLI
		// hiccuped once.
		return
	}
	v.mu.Lock()
	v.cache = peerCache{peers: peers, lastRefresh: time.Now()}
	v.mu.Unlock()
}

func (v *TailscaleVerifier) binary() string {
	if v.Binary != "" {
		return v.Binary
	}
	return "tailscale"
}

func (v *TailscaleVerifier) fetchPeers() ([]TailscalePeer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, v.binary(), "status", "--json").Output()
	if err != nil {
		return nil, err
	}

	var status tailscaleStatus
	if err := json.Unmarshal(out, &status); err != nil {
		return nil, err
	}

	peers := make([]TailscalePeer, 0, len(status.Peer))
	for _, node := range status.Peer {
		dnsName := strings.TrimSuffix(node.DNSName, ".")
		deviceName := dnsName
		if i := strings.IndexByte(dnsName, '.'); i >= 0 {
			deviceName = dnsName[:i]
		}
		peers = append(peers, TailscalePeer{
			DeviceName: deviceName,
			DNSName:    dnsName,
			IPs:        node.TailscaleIPs,
			Online:     node.Online,
		})
	}
	return peers, nil
}

// IsAvailable reports whether the tailscale CLI is installed and the
// local node is logged in to a tailnet (BackendState "Running").
func (v *TailscaleVerifier) IsAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, v.binary(), "status", "--json").Output()
	if err != nil {
		return false
	}
	var status tailscaleStatus
	if err := json.Unmarshal(out, &status); err != nil {
		return false
	}
	return status.BackendState == "Running"
}
