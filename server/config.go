package server

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config carries transport tuning. Values are normally read from the
// environment via ConfigFromEnv; WithServerConfig overrides programmatically.
type Config struct {
	// ReadBufferSize and WriteBufferSize size the WebSocket I/O buffers.
	ReadBufferSize  int `env:"WEBSTREAMS_READ_BUFFER_SIZE,default=4096"`
	WriteBufferSize int `env:"WEBSTREAMS_WRITE_BUFFER_SIZE,default=4096"`

	// HandshakeTimeout bounds the WebSocket upgrade handshake.
	HandshakeTimeout time.Duration `env:"WEBSTREAMS_HANDSHAKE_TIMEOUT,default=10s"`

	// MaxMessageSize caps one inbound frame in bytes. Zero disables the cap.
	MaxMessageSize int64 `env:"WEBSTREAMS_MAX_MESSAGE_SIZE,default=1048576"`

	// AllowAnyOrigin disables the upgrader's same-origin check.
	AllowAnyOrigin bool `env:"WEBSTREAMS_ALLOW_ANY_ORIGIN,default=false"`
}

// DefaultConfig returns the built-in defaults without consulting the
// environment.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		MaxMessageSize:   1 << 20,
	}
}

// ConfigFromEnv decodes Config from the process environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("server: decode config from env: %w", err)
	}
	return cfg, nil
}
