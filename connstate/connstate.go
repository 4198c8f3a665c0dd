// Package connstate records live streaming connections for observation. The
// middleware reports open and close events through a Host; backends range
// from a process-local map to Redis keys shared by a fleet. Stream state is
// never persisted here, only presence.
package connstate

import (
	"context"
	"time"
)

// Connection describes one live connection.
type Connection struct {
	ID        string    `json:"id"`
	Route     string    `json:"route"`
	Transport string    `json:"transport"`
	OpenedAt  time.Time `json:"opened_at"`
}

// Host tracks connection presence. Implementations must be safe for
// concurrent use.
type Host interface {
	// ConnectionOpened records c as live.
	ConnectionOpened(ctx context.Context, c Connection) error

	// ConnectionClosed removes c.
	ConnectionClosed(ctx context.Context, c Connection) error

	// ActiveCount reports the number of live connections.
	ActiveCount(ctx context.Context) (int64, error)

	// Close releases backend resources.
	Close() error
}
