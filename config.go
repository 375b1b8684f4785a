package vr

import (
	"log"
	"os"
	"time"
)

// Config collects every tunable named in spec §6 plus the ambient pieces
// (logger, PRNG seed) design notes §9 says should be threaded through a
// constructor instead of living in package-global state.
type Config struct {
	MessageTimeout          time.Duration
	HandshakeTimeout        time.Duration
	PrimaryKeepaliveTimeout time.Duration
	ViewChangeTimeout       time.Duration
	RetransmitLogTimeout    time.Duration
	ClientMessageTimeout    time.Duration

	// Seed drives every per-replica PRNG (jitter, view-change backoff) so
	// a test run is reproducible with a fixed seed (design notes §9).
	Seed uint64

	Logger *log.Logger

	// Store persists the log/header; defaults to a MemStore.
	Store Store
}

// DefaultConfig returns the timeouts design notes §5 lists as defaults.
func DefaultConfig() Config {
	return Config{
		MessageTimeout:          time.Second,
		HandshakeTimeout:        5 * time.Second,
		PrimaryKeepaliveTimeout: time.Second,
		ViewChangeTimeout:       500 * time.Millisecond,
		RetransmitLogTimeout:    time.Second,
		ClientMessageTimeout:    time.Second,
		Seed:                    1,
		Logger:                  log.New(os.Stderr, "vr: ", log.LstdFlags|log.Lmicroseconds),
		Store:                   NewMemStore(),
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.MessageTimeout == 0 {
		c.MessageTimeout = d.MessageTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.PrimaryKeepaliveTimeout == 0 {
		c.PrimaryKeepaliveTimeout = d.PrimaryKeepaliveTimeout
	}
	if c.ViewChangeTimeout == 0 {
		c.ViewChangeTimeout = d.ViewChangeTimeout
	}
	if c.RetransmitLogTimeout == 0 {
		c.RetransmitLogTimeout = d.RetransmitLogTimeout
	}
	if c.ClientMessageTimeout == 0 {
		c.ClientMessageTimeout = d.ClientMessageTimeout
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.Store == nil {
		c.Store = d.Store
	}
}
