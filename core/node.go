/*
Core contains the state shared by every hub connection of a worker node.
*/
package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// AgentVersion is overridden at build time with -ldflags "-X".
var AgentVersion = "0.1.0"

// UnknownNodeName is reported until the hub assigns a name during AUTH.
const UnknownNodeName = "Unknown"

// HiveNode is the process wide context of the agent. It is created once and
// handed to every session and supervisor by reference.
type HiveNode struct {
	// Key authenticates the node with the hub.
	Key string
	// Nonce is generated once per process and sent with every AUTH.
	Nonce        uint64
	AgentVersion string

	mu          sync.RWMutex
	name        string
	lastRefresh time.Time

	reboot       atomic.Bool
	shutdown     atomic.Bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

func NewHiveNode(key string, nonce uint64, agentVersion string) *HiveNode {
	return &HiveNode{
		Key:          key,
		Nonce:        nonce,
		AgentVersion: agentVersion,
		name:         UnknownNodeName,
		lastRefresh:  time.Now(),
		shutdownCh:   make(chan struct{}),
	}
}

func (n *HiveNode) Name() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.name
}

func (n *HiveNode) SetName(name string) {
	n.mu.Lock()
	n.name = name
	n.mu.Unlock()
}

// RefreshEpoch is the time the backend model catalog last changed.
func (n *HiveNode) RefreshEpoch() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastRefresh
}

// AdvanceRefresh marks the catalog as changed. The epoch is strictly
// increasing even if the wall clock is not.
func (n *HiveNode) AdvanceRefresh() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	if !now.After(n.lastRefresh) {
		now = n.lastRefresh.Add(time.Nanosecond)
	}
	n.lastRefresh = now
	return now
}

func (n *HiveNode) RequestReboot() {
	n.reboot.Store(true)
}

func (n *HiveNode) RebootRequested() bool {
	return n.reboot.Load()
}

// ConsumeReboot clears the reboot flag, reporting whether it was set.
func (n *HiveNode) ConsumeReboot() bool {
	return n.reboot.Swap(false)
}

// RequestShutdown is terminal: sessions exit and are not restarted.
func (n *HiveNode) RequestShutdown() {
	n.shutdown.Store(true)
	n.shutdownOnce.Do(func() { close(n.shutdownCh) })
}

func (n *HiveNode) ShutdownRequested() bool {
	return n.shutdown.Load()
}

// Done is closed once shutdown has been requested.
func (n *HiveNode) Done() <-chan struct{} {
	return n.shutdownCh
}

// ShouldExit reports whether a session loop must stop at its next iteration.
func (n *HiveNode) ShouldExit() bool {
	return n.ShutdownRequested() || n.RebootRequested()
}
