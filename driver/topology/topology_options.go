// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"errors"
	"time"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/internal/logger"
)

// Config is used to construct a topology.
type Config struct {
	// SeedList is the list of addresses the topology begins monitoring.
	SeedList []address.Address

	// ReplicaSetName, when set, requires every member to report the same set
	// name; a mismatch removes the reporting server.
	ReplicaSetName string

	// Mode determines how the topology is initialized: automatic discovery
	// or a forced single shape. Load balancing is set by LoadBalanced.
	Mode MonitorMode

	// ServerOpts configures each monitored server.
	ServerOpts []ServerOption

	// ServerSelectionTimeout is the maximum amount of time to block waiting
	// for a suitable server.
	ServerSelectionTimeout time.Duration

	// ServerSelectionTryOnce controls single-threaded selection: when true,
	// selection performs one synchronous scan and fails fast.
	ServerSelectionTryOnce bool

	// SingleThreaded disables background monitoring goroutines; topology
	// scans are driven by the selecting caller.
	SingleThreaded bool

	// LoadBalanced forces the topology to LoadBalanced kind.
	LoadBalanced bool

	Logger *logger.Logger
}

// MonitorMode represents the way in which a topology is monitored.
type MonitorMode uint8

// These constants are the available monitoring modes.
const (
	// AutomaticMode discovers the deployment shape from hello responses.
	AutomaticMode MonitorMode = iota
	// SingleMode forces a Single topology (directConnection=true).
	SingleMode
)

// defaultServerSelectionTimeout is the maximum amount of time to block waiting
// for a suitable server when the config does not specify one.
const defaultServerSelectionTimeout = 30 * time.Second

// NewConfig initializes a new topology Config with defaults applied.
func NewConfig() *Config {
	return &Config{
		ServerSelectionTimeout: defaultServerSelectionTimeout,
		ServerSelectionTryOnce: true,
	}
}

// Validate checks the config for required fields.
func (cfg *Config) Validate() error {
	if len(cfg.SeedList) == 0 {
		return errors.New("a topology requires at least one seed address")
	}
	if cfg.LoadBalanced && len(cfg.SeedList) > 1 {
		return errors.New("a load balanced topology must have exactly one host")
	}
	return nil
}
