package netmon

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedDial succeeds or fails according to up.
func scriptedDial(up *atomic.Bool) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !up.Load() {
			return nil, errors.New("unreachable")
		}
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}
}

func TestProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	addr := ln.Addr().String()

	m := New(Config{ProbeAddr: addr, Timeout: time.Second, Logger: log.New(io.Discard, "", 0)})
	if !m.Probe(context.Background()) {
		t.Error("Probe() = false with a listener up")
	}

	ln.Close()
	if m.Probe(context.Background()) {
		t.Error("Probe() = true after the listener closed")
	}
}

func TestRun_ReportsTransitions(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	m := New(Config{
		Interval: 10 * time.Millisecond,
		Dial:     scriptedDial(&up),
		Logger:   log.New(io.Discard, "", 0),
	})

	var (
		mu  sync.Mutex
		got []bool
	)
	changed := make(chan struct{}, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx, func(online bool) {
			mu.Lock()
			got = append(got, online)
			mu.Unlock()
			changed <- struct{}{}
		})
	}()

	wait := func() {
		t.Helper()
		select {
		case <-changed:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for a transition")
		}
	}

	up.Store(false)
	wait()
	if m.Online() {
		t.Error("Online() = true after going offline")
	}
	up.Store(true)
	wait()

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] || !got[1] {
		t.Errorf("transitions = %v, want [false true]", got)
	}
}
