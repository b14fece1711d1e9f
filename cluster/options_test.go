// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package cluster

import (
	"testing"
	"time"

	"github.com/mongocore/driver/readpref"
)

func TestNewConfig_defaults(t *testing.T) {
	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Hosts != "localhost:27017" {
		t.Errorf("expected default host, got %q", cfg.Hosts)
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("expected 10s connect timeout, got %v", cfg.ConnectTimeout)
	}
	if cfg.ServerSelectionTimeout != 30*time.Second {
		t.Errorf("expected 30s selection timeout, got %v", cfg.ServerSelectionTimeout)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Errorf("expected 10s heartbeat interval, got %v", cfg.HeartbeatInterval)
	}
	if cfg.LocalThreshold != 15*time.Millisecond {
		t.Errorf("expected 15ms local threshold, got %v", cfg.LocalThreshold)
	}
	if cfg.MaxPoolSize != 100 {
		t.Errorf("expected max pool size 100, got %d", cfg.MaxPoolSize)
	}
	if !cfg.RetryReads || !cfg.RetryWrites {
		t.Error("expected retries to be enabled by default")
	}
	if !cfg.ServerSelectionTryOnce {
		t.Error("expected serverSelectionTryOnce to default to true")
	}
	if cfg.readPref().Mode() != readpref.PrimaryMode {
		t.Errorf("expected primary read preference, got %v", cfg.readPref().Mode())
	}
}

func TestNewConfig_env(t *testing.T) {
	t.Setenv("MONGOCORE_HOSTS", "HostA:27018,hostb")
	t.Setenv("MONGOCORE_COMPRESSORS", "snappy,zstd")
	t.Setenv("MONGOCORE_REPLICA_SET", "rs0")

	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hosts := cfg.hosts()
	if len(hosts) != 2 || hosts[0].String() != "hosta:27018" || hosts[1].String() != "hostb:27017" {
		t.Fatalf("unexpected hosts: %v", hosts)
	}
	comps := cfg.compressors()
	if len(comps) != 2 || comps[0] != "snappy" || comps[1] != "zstd" {
		t.Fatalf("unexpected compressors: %v", comps)
	}
	if cfg.ReplicaSet != "rs0" {
		t.Fatalf("unexpected replica set: %q", cfg.ReplicaSet)
	}
}

func TestNewConfig_validation(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{
			name: "no hosts",
			opts: []Option{func(cfg *Config) error { cfg.Hosts = ""; return nil }},
		},
		{
			name: "invalid compressor",
			opts: []Option{WithCompressors("lz4")},
		},
		{
			name: "direct connection with multiple hosts",
			opts: []Option{WithHosts("a:27017", "b:27017"), WithDirectConnection(true)},
		},
		{
			name: "invalid read preference",
			opts: []Option{func(cfg *Config) error { cfg.ReadPreference = "sideways"; return nil }},
		},
		{
			name: "invalid write concern",
			opts: []Option{func(cfg *Config) error { cfg.WriteConcern = "most"; return nil }},
		},
		{
			name: "heartbeat below minimum",
			opts: []Option{func(cfg *Config) error { cfg.HeartbeatInterval = 100 * time.Millisecond; return nil }},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			if _, err := NewConfig(test.opts...); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestCommandName(t *testing.T) {
	t.Parallel()

	cmd := commandNameDoc(t)
	if name := commandName(cmd); name != "find" {
		t.Fatalf("expected command name %q, got %q", "find", name)
	}
}
