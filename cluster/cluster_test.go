// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/driver/topology"
)

func commandNameDoc(t *testing.T) bsoncore.Document {
	t.Helper()
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendStringElement(doc, "find", "coll")
	doc = bsoncore.AppendInt32Element(doc, "batchSize", 2)
	doc, err := bsoncore.AppendDocumentEnd(doc, idx)
	if err != nil {
		t.Fatalf("error building command: %v", err)
	}
	return doc
}

func TestCluster_runCommandValidation(t *testing.T) {
	cfg, err := NewConfig(WithHosts("localhost:27017"))
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected cluster error: %v", err)
	}

	// Running a command against a cluster that was never started fails
	// without touching the network.
	if _, err := c.RunCommand(context.Background(), "admin", commandNameDoc(t), nil); !errors.Is(err, ErrClusterDisconnected) {
		t.Fatalf("expected ErrClusterDisconnected, got %v", err)
	}
}

func TestCluster_selectionFailsFastWithNoServer(t *testing.T) {
	// Seed one unreachable server with a tiny selection timeout: selection
	// must fail with a server selection error well before the heartbeat
	// cadence.
	cfg, err := NewConfig(
		WithHosts("localhost:0"),
		func(cfg *Config) error {
			cfg.ServerSelectionTimeout = 100 * time.Millisecond
			return nil
		},
	)
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected cluster error: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer func() { _ = c.Disconnect(context.Background()) }()

	start := time.Now()
	_, err = c.RunCommand(context.Background(), "admin", commandNameDoc(t), nil)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected selection to fail")
	}
	var sse topology.ServerSelectionError
	if !errors.As(err, &sse) {
		t.Fatalf("expected a ServerSelectionError, got %v", err)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("selection took too long: %v", elapsed)
	}
}

func TestCluster_countersStartAtZero(t *testing.T) {
	cfg, err := NewConfig(WithHosts("localhost:27017"))
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected cluster error: %v", err)
	}

	counters := c.Counters()
	if counters.OpEgressMsg != 0 || counters.OpIngressMsg != 0 || counters.StreamsActive != 0 {
		t.Fatalf("expected zeroed counters, got %+v", counters)
	}
}
