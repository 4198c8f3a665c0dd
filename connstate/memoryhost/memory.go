// Package memoryhost provides the process-local connstate.Host, suited to a
// single-process deployment.
package memoryhost

import (
	"context"
	"sync"

	"github.com/webstreams/webstreams-go/connstate"
)

// Host implements connstate.Host with a mutex-guarded map.
type Host struct {
	mu    sync.RWMutex
	conns map[string]connstate.Connection
}

var _ connstate.Host = (*Host)(nil)

// New returns an empty host.
func New() *Host {
	return &Host{conns: make(map[string]connstate.Connection)}
}

func (h *Host) ConnectionOpened(ctx context.Context, c connstate.Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID] = c
	return nil
}

func (h *Host) ConnectionClosed(ctx context.Context, c connstate.Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.ID)
	return nil
}

func (h *Host) ActiveCount(ctx context.Context) (int64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return int64(len(h.conns)), nil
}

// Active returns a snapshot of the live connections.
func (h *Host) Active() []connstate.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]connstate.Connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns = make(map[string]connstate.Connection)
	return nil
}
