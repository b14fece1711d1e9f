// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package event is a library for monitoring events from the driver. Command,
// heartbeat, pool, and topology events are emitted synchronously on the
// goroutine that produced them; handlers must not block.
package event

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/description"
)

// CommandStartedEvent represents an event generated when a command is sent to
// a server.
type CommandStartedEvent struct {
	Command      bson.Raw
	DatabaseName string
	CommandName  string
	RequestID    int64
	OperationID  string
	ConnectionID string
	// ServiceID contains the ID of the server to which the command was sent if
	// it is running behind a load balancer. Otherwise, it is unset.
	ServiceID *description.ObjectID
}

// CommandFinishedEvent represents a generic command finishing.
type CommandFinishedEvent struct {
	Duration     time.Duration
	CommandName  string
	DatabaseName string
	RequestID    int64
	OperationID  string
	ConnectionID string
	ServiceID    *description.ObjectID
}

// CommandSucceededEvent represents an event generated when a command's
// execution succeeds.
type CommandSucceededEvent struct {
	CommandFinishedEvent
	Reply bson.Raw
}

// CommandFailedEvent represents an event generated when a command's execution
// fails.
type CommandFailedEvent struct {
	CommandFinishedEvent
	Failure error
}

// CommandMonitor represents a monitor that is triggered for different events.
type CommandMonitor struct {
	Started   func(context.Context, *CommandStartedEvent)
	Succeeded func(context.Context, *CommandSucceededEvent)
	Failed    func(context.Context, *CommandFailedEvent)
}

// strings for pool command monitoring reasons
const (
	ReasonIdle              = "idle"
	ReasonPoolClosed        = "poolClosed"
	ReasonStale             = "stale"
	ReasonConnectionErrored = "connectionError"
	ReasonTimedOut          = "timeout"
	ReasonError             = "error"
)

// strings for pool command monitoring types
const (
	ConnectionClosed   = "ConnectionClosed"
	PoolCreated        = "ConnectionPoolCreated"
	ConnectionCreated  = "ConnectionCreated"
	ConnectionReady    = "ConnectionReady"
	GetFailed          = "ConnectionCheckOutFailed"
	GetStarted         = "ConnectionCheckOutStarted"
	GetSucceeded       = "ConnectionCheckedOut"
	ConnectionReturned = "ConnectionCheckedIn"
	PoolCleared        = "ConnectionPoolCleared"
	PoolReady          = "ConnectionPoolReady"
	PoolClosedEvent    = "ConnectionPoolClosed"
)

// MonitorPoolOptions contains pool options as formatted in a PoolEvent.
type MonitorPoolOptions struct {
	MaxPoolSize   uint64 `json:"maxPoolSize"`
	MinPoolSize   uint64 `json:"minPoolSize"`
	MaxIdleTimeMS uint64 `json:"maxIdleTimeMS"`
}

// PoolEvent contains all information summarizing a pool event.
type PoolEvent struct {
	Type         string
	Address      string
	ConnectionID uint64
	PoolOptions  *MonitorPoolOptions
	Duration     time.Duration
	Reason       string
	// ServiceID is only set if the Type is PoolCleared and the server is
	// deployed behind a load balancer.
	ServiceID *description.ObjectID
	Error     error
}

// PoolMonitor is a function that allows the user to gain access to events
// occurring in the pool.
type PoolMonitor struct {
	Event func(*PoolEvent)
}

// ServerDescriptionChangedEvent represents a server description change.
type ServerDescriptionChangedEvent struct {
	Address             address.Address
	TopologyID          string
	PreviousDescription description.Server
	NewDescription      description.Server
}

// ServerOpeningEvent is an event generated when the server is initialized.
type ServerOpeningEvent struct {
	Address    address.Address
	TopologyID string
}

// ServerClosedEvent is an event generated when the server is closed.
type ServerClosedEvent struct {
	Address    address.Address
	TopologyID string
}

// TopologyDescriptionChangedEvent represents a topology description change.
type TopologyDescriptionChangedEvent struct {
	TopologyID          string
	PreviousDescription description.Topology
	NewDescription      description.Topology
}

// TopologyOpeningEvent is an event generated when the topology is initialized.
type TopologyOpeningEvent struct {
	TopologyID string
}

// TopologyClosedEvent is an event generated when the topology is closed.
type TopologyClosedEvent struct {
	TopologyID string
}

// ServerHeartbeatStartedEvent is an event generated when the heartbeat is
// started.
type ServerHeartbeatStartedEvent struct {
	ConnectionID string
	Awaited      bool
}

// ServerHeartbeatSucceededEvent is an event generated when the heartbeat
// succeeds.
type ServerHeartbeatSucceededEvent struct {
	Duration     time.Duration
	Reply        description.Server
	ConnectionID string
	Awaited      bool
}

// ServerHeartbeatFailedEvent is an event generated when the heartbeat fails.
type ServerHeartbeatFailedEvent struct {
	Duration     time.Duration
	Failure      error
	ConnectionID string
	Awaited      bool
}

// ServerMonitor represents a monitor that is triggered for different server
// events.
type ServerMonitor struct {
	ServerDescriptionChanged   func(*ServerDescriptionChangedEvent)
	ServerOpening              func(*ServerOpeningEvent)
	ServerClosed               func(*ServerClosedEvent)
	TopologyDescriptionChanged func(*TopologyDescriptionChangedEvent)
	TopologyOpening            func(*TopologyOpeningEvent)
	TopologyClosed             func(*TopologyClosedEvent)
	ServerHeartbeatStarted     func(*ServerHeartbeatStartedEvent)
	ServerHeartbeatSucceeded   func(*ServerHeartbeatSucceededEvent)
	ServerHeartbeatFailed      func(*ServerHeartbeatFailedEvent)
}
