package server

import (
	"crypto/tls"
	"time"
)

// Config bounds a single node's connection handling, independent of the
// underlying storage configuration in internal/storage.
type Config struct {
	BindAddr        string
	HTTPAddr        string
	IdleTimeout     time.Duration
	MaxConnections  int
	MaxBatchOps     int
	MaxRequestIDLen int
	ServerName      string
	ServerVersion   string
	Features        []string

	// TLS, when non-nil, wraps the listener before the session layer ever
	// sees a connection. The protocol is byte-identical over TLS: nothing
	// downstream of Serve's listener construction is aware TLS is in play.
	TLS *tls.Config
}

// DefaultConfig mirrors the reference implementation's ServerConfig defaults.
func DefaultConfig() Config {
	return Config{
		BindAddr:        "127.0.0.1:7401",
		HTTPAddr:        "127.0.0.1:7402",
		IdleTimeout:     300 * time.Second,
		MaxConnections:  1000,
		MaxBatchOps:     100,
		MaxRequestIDLen: 256,
		ServerName:      "rcpxd",
		ServerVersion:   "0.1.0",
		Features:        []string{"idempotency", "batch", "watch_all"},
	}
}
