// Package netmon reports network connectivity transitions by periodically
// dialing a well-known TCP endpoint.
package netmon

import (
	"context"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// DialFunc opens a connection. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config configures a Monitor.
type Config struct {
	// ProbeAddr is the host:port dialed to test connectivity.
	ProbeAddr string
	// Interval between probes (default: 15s).
	Interval time.Duration
	// Timeout per probe (default: 3s).
	Timeout time.Duration
	// Dial overrides the dialer (tests).
	Dial DialFunc
	// Logger defaults to stderr with a [netmon] prefix.
	Logger *log.Logger
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		ProbeAddr: "api.dropboxapi.com:443",
		Interval:  15 * time.Second,
		Timeout:   3 * time.Second,
	}
}

// Monitor tracks whether the probe endpoint is reachable.
type Monitor struct {
	cfg    Config
	logger *log.Logger
	online atomic.Bool
}

// New creates a Monitor. It assumes the network is up until a probe says
// otherwise.
func New(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.ProbeAddr == "" {
		cfg.ProbeAddr = def.ProbeAddr
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Dial == nil {
		d := &net.Dialer{}
		cfg.Dial = d.DialContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}

	m := &Monitor{cfg: cfg, logger: logger}
	m.online.Store(true)
	return m
}

// Online returns the result of the last probe.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Probe dials the probe address once and returns whether it succeeded.
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	conn, err := m.cfg.Dial(ctx, "tcp", m.cfg.ProbeAddr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Run probes every Interval until ctx is canceled, calling onChange on
// each transition between online and offline.
func (m *Monitor) Run(ctx context.Context, onChange func(online bool)) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.check(ctx, onChange)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, onChange)
		}
	}
}

func (m *Monitor) check(ctx context.Context, onChange func(online bool)) {
	up := m.Probe(ctx)
	if ctx.Err() != nil {
		return
	}
	if m.online.Swap(up) == up {
		return
	}
	if up {
		m.logger.Printf("Network is back online")
	} else {
		m.logger.Printf("Network is offline (%s unreachable)", m.cfg.ProbeAddr)
	}
	if onChange != nil {
		onChange(up)
	}
}
