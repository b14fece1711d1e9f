// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"io"
	"testing"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/driver"
)

// testServerConnection implements driver.Connection for SDAM error handling
// tests.
type testServerConnection struct {
	desc  description.Server
	stale bool
}

func (c *testServerConnection) WriteWireMessage(context.Context, []byte) error { return nil }
func (c *testServerConnection) ReadWireMessage(context.Context) ([]byte, error) {
	return nil, nil
}
func (c *testServerConnection) Description() description.Server { return c.desc }
func (c *testServerConnection) Close() error                    { return nil }
func (c *testServerConnection) ID() string                      { return "test[-1]" }
func (c *testServerConnection) ServerConnectionID() *int64      { return nil }
func (c *testServerConnection) DriverConnectionID() uint64      { return 1 }
func (c *testServerConnection) Address() address.Address        { return c.desc.Addr }
func (c *testServerConnection) Stale() bool                     { return c.stale }

func newTestServer(t *testing.T, wireMax int32) (*Server, *testServerConnection) {
	t.Helper()
	s := NewServer(address.Address("a:27017"), "topology-1")
	wv := description.NewVersionRange(6, wireMax)
	conn := &testServerConnection{
		desc: description.Server{
			Addr:        address.Address("a:27017"),
			Kind:        description.RSPrimary,
			WireVersion: &wv,
		},
	}
	return s, conn
}

func TestServerProcessError_networkError(t *testing.T) {
	t.Parallel()

	s, conn := newTestServer(t, 14)

	err := driver.Error{
		Message: "connection reset",
		Labels:  []string{driver.NetworkError},
		Wrapped: ConnectionError{ConnectionID: "test[-1]", Wrapped: io.EOF},
	}

	result := s.ProcessError(err, conn)
	if result != driver.ConnectionPoolCleared {
		t.Fatalf("expected ConnectionPoolCleared, got %v", result)
	}
	if s.Description().Kind != description.Unknown {
		t.Fatalf("expected the server to be marked Unknown, got %s", s.Description().Kind)
	}
	if gen := s.pool.generation.getGeneration(nil); gen != 1 {
		t.Fatalf("expected the pool generation to be bumped exactly once, got %d", gen)
	}
}

func TestServerProcessError_notPrimary(t *testing.T) {
	t.Parallel()

	t.Run("modern server keeps pool", func(t *testing.T) {
		t.Parallel()

		s, conn := newTestServer(t, 14)
		err := driver.Error{Code: 10107, Message: "not primary"}

		result := s.ProcessError(err, conn)
		if result != driver.ServerMarkedUnknown {
			t.Fatalf("expected ServerMarkedUnknown, got %v", result)
		}
		if s.Description().Kind != description.Unknown {
			t.Fatalf("expected the server to be marked Unknown, got %s", s.Description().Kind)
		}
		if gen := s.pool.generation.getGeneration(nil); gen != 0 {
			t.Fatalf("expected the pool generation to be unchanged, got %d", gen)
		}
	})

	t.Run("pre-4.2 server clears pool", func(t *testing.T) {
		t.Parallel()

		s, conn := newTestServer(t, 7)
		err := driver.Error{Code: 10107, Message: "not primary"}

		if result := s.ProcessError(err, conn); result != driver.ConnectionPoolCleared {
			t.Fatalf("expected ConnectionPoolCleared, got %v", result)
		}
	})

	t.Run("shutdown error clears pool", func(t *testing.T) {
		t.Parallel()

		s, conn := newTestServer(t, 14)
		err := driver.Error{Code: 11600, Message: "interrupted at shutdown"}

		if result := s.ProcessError(err, conn); result != driver.ConnectionPoolCleared {
			t.Fatalf("expected ConnectionPoolCleared, got %v", result)
		}
	})
}

func TestServerProcessError_staleInputsIgnored(t *testing.T) {
	t.Parallel()

	t.Run("stale connection", func(t *testing.T) {
		t.Parallel()

		s, conn := newTestServer(t, 14)
		conn.stale = true
		err := driver.Error{Code: 10107, Message: "not primary"}

		if result := s.ProcessError(err, conn); result != driver.NoChange {
			t.Fatalf("expected NoChange for a stale connection, got %v", result)
		}
	})

	t.Run("stale topology version", func(t *testing.T) {
		t.Parallel()

		s, conn := newTestServer(t, 14)

		// The server already knows about a newer topology version than the
		// one attached to the error.
		pid := description.ObjectID{0x01}
		current := s.Description()
		current.TopologyVersion = &description.TopologyVersion{ProcessID: pid, Counter: 5}
		s.desc.Store(current)

		err := driver.Error{
			Code:            10107,
			Message:         "not primary",
			TopologyVersion: &description.TopologyVersion{ProcessID: pid, Counter: 3},
		}

		if result := s.ProcessError(err, conn); result != driver.NoChange {
			t.Fatalf("expected NoChange for a stale error, got %v", result)
		}
	})

	t.Run("transient timeout", func(t *testing.T) {
		t.Parallel()

		s, conn := newTestServer(t, 14)
		err := driver.Error{
			Message: "timeout",
			Labels:  []string{driver.NetworkError},
			Wrapped: ConnectionError{Wrapped: context.DeadlineExceeded},
		}

		if result := s.ProcessError(err, conn); result != driver.NoChange {
			t.Fatalf("expected NoChange for a context deadline error, got %v", result)
		}
	})
}
