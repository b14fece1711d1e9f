// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/mongocore/driver/address"
)

// pipeDialer returns the client half of an in-memory pipe for every dial.
type pipeDialer struct {
	servers []net.Conn
}

func (d *pipeDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	client, server := net.Pipe()
	d.servers = append(d.servers, server)
	return client, nil
}

func newTestPool(t *testing.T, maxSize uint64) (*pool, *pipeDialer) {
	t.Helper()
	dialer := &pipeDialer{}
	p := newPool(poolConfig{
		Address:     address.Address("test:27017"),
		MaxPoolSize: maxSize,
	}, WithDialer(func(Dialer) Dialer { return dialer }))
	t.Cleanup(p.close)
	if err := p.ready(); err != nil {
		t.Fatalf("error readying pool: %v", err)
	}
	return p, dialer
}

func TestPool_checkOutAndCheckIn(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 10)

	conn, err := p.checkOut(context.Background())
	if err != nil {
		t.Fatalf("unexpected checkout error: %v", err)
	}
	if conn.Generation() != 0 {
		t.Fatalf("expected generation 0, got %d", conn.Generation())
	}

	first := conn.connection
	if err := conn.Close(); err != nil {
		t.Fatalf("unexpected checkin error: %v", err)
	}

	// A subsequent checkout must reuse the idle connection.
	conn, err = p.checkOut(context.Background())
	if err != nil {
		t.Fatalf("unexpected checkout error: %v", err)
	}
	if conn.connection != first {
		t.Fatal("expected the idle connection to be reused")
	}
	_ = conn.Close()
}

func TestPool_clearMarksConnectionsStale(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 10)

	conn, err := p.checkOut(context.Background())
	if err != nil {
		t.Fatalf("unexpected checkout error: %v", err)
	}

	p.clear(errors.New("not primary"), nil)

	if gen := p.generation.getGeneration(nil); gen != 1 {
		t.Fatalf("expected generation 1 after clear, got %d", gen)
	}
	if !p.stale(conn.connection) {
		t.Fatal("expected the checked out connection to be stale")
	}

	// A stale connection is closed on checkin rather than returned to the
	// idle list.
	if err := conn.Close(); err != nil {
		t.Fatalf("unexpected checkin error: %v", err)
	}
	p.mu.Lock()
	idle := len(p.idleConns)
	total := len(p.conns)
	p.mu.Unlock()
	if idle != 0 || total != 0 {
		t.Fatalf("expected the stale connection to be closed, idle=%d total=%d", idle, total)
	}

	// The paused pool fails fast with a retryable error.
	_, err = p.checkOut(context.Background())
	var pce poolClearedError
	if !errors.As(err, &pce) {
		t.Fatalf("expected a poolClearedError, got %v", err)
	}
	if !pce.Retryable() {
		t.Fatal("expected the pool cleared error to be retryable")
	}

	// Marking the pool ready again allows new checkouts at the new
	// generation.
	if err := p.ready(); err != nil {
		t.Fatalf("error readying pool: %v", err)
	}
	conn, err = p.checkOut(context.Background())
	if err != nil {
		t.Fatalf("unexpected checkout error: %v", err)
	}
	if conn.Generation() != 1 {
		t.Fatalf("expected generation 1, got %d", conn.Generation())
	}
	_ = conn.Close()
}

func TestPool_waitQueueTimeout(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 1)

	conn, err := p.checkOut(context.Background())
	if err != nil {
		t.Fatalf("unexpected checkout error: %v", err)
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = p.checkOut(ctx)
	var wqte WaitQueueTimeoutError
	if !errors.As(err, &wqte) {
		t.Fatalf("expected a WaitQueueTimeoutError, got %v", err)
	}
}

func TestPool_closedPoolFailsCheckOut(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 1)
	p.close()

	if _, err := p.checkOut(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}
