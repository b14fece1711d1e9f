// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver is intended for internal use only. It contains the building
// blocks for executing commands against a MongoDB deployment: server
// selection, connection management interfaces, wire message construction, and
// result decoding.
package driver

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/description"
)

// Deployment is implemented by types that can select a server from a
// deployment.
type Deployment interface {
	SelectServer(context.Context, description.ServerSelector) (Server, error)
	Kind() description.TopologyKind
}

// Server represents a MongoDB server. Implementations should pool connections
// and handle the retrieving and returning of connections.
type Server interface {
	Connection(context.Context) (Connection, error)

	// RTTMonitor returns the round-trip time monitor associated with this
	// server.
	RTTMonitor() RTTMonitor
}

// Connection represents a connection to a MongoDB server.
type Connection interface {
	WriteWireMessage(context.Context, []byte) error
	ReadWireMessage(ctx context.Context) ([]byte, error)
	Description() description.Server

	// Close closes any underlying connection and returns or frees any
	// resources held by the connection. Close is idempotent and can be called
	// multiple times, although subsequent calls to Close may return an error.
	// A connection cannot be used after it is closed.
	Close() error

	ID() string
	ServerConnectionID() *int64
	DriverConnectionID() uint64
	Address() address.Address
	Stale() bool
}

// Subscription represents a subscription to topology updates. A subscriber
// can receive updates through the Updates field.
type Subscription struct {
	Updates <-chan description.Topology
	ID      uint64
}

// Subscriber represents a type to which another type can subscribe. A
// subscription contains a channel that is updated with topology descriptions.
type Subscriber interface {
	Subscribe() (*Subscription, error)
	Unsubscribe(*Subscription) error
}

// RetryablePoolError is an error returned from a connection pool that can be
// retried while executing an operation.
type RetryablePoolError interface {
	error
	Retryable() bool
}

// RTTMonitor represents a round-trip-time monitor.
type RTTMonitor interface {
	// EWMA returns the exponentially weighted moving average observed
	// round-trip time.
	EWMA() time.Duration

	// Min returns the minimum observed round-trip time over the window
	// period.
	Min() time.Duration

	// P90 returns the 90th percentile observed round-trip time over the
	// window period.
	P90() time.Duration

	// Stats returns stringified stats of the current state of the monitor.
	Stats() string
}

// Expirable represents an expirable object.
type Expirable interface {
	// Expire marks the object as expired. Expired objects are considered
	// stale and will not be reused.
	Expire() error

	// Alive returns true if the object is not expired.
	Alive() bool
}

// StreamerConnection represents a Connection that supports streaming wire
// protocol messages using the moreToCome and exhaustAllowed flags.
//
// The SetStreaming and CurrentlyStreaming functions correspond to the
// moreToCome flag on server responses. If a response has moreToCome set,
// SetStreaming(true) will be called and CurrentlyStreaming should return true.
//
// CanStream corresponds to the exhaustAllowed flag. The operations layer will
// set exhaustAllowed on outgoing wire messages to inform the server that the
// driver supports streaming.
type StreamerConnection interface {
	Connection
	SetStreaming(bool)
	CurrentlyStreaming() bool
	SupportsStreaming() bool
}

// Compressor is an interface used to compress wire messages. If a Connection
// supports compression it should implement this interface as well. The
// CompressWireMessage method will be called during the execution of an
// operation if the wire message is allowed to be compressed.
type Compressor interface {
	CompressWireMessage(src, dst []byte) ([]byte, error)
}

// ProcessErrorResult represents the result of a ErrorProcessor.ProcessError()
// call. SDAM error handling can be broken down into two parts: monitoring and
// connection pool management.
type ProcessErrorResult int

const (
	// NoChange indicates that the error did not affect the state of the
	// server.
	NoChange ProcessErrorResult = iota
	// ServerMarkedUnknown indicates that the error only resulted in the
	// server being marked as Unknown.
	ServerMarkedUnknown
	// ConnectionPoolCleared indicates that the error resulted in the server
	// being marked as Unknown and the connection pool being cleared.
	ConnectionPoolCleared
)

// ErrorProcessor implementations can handle processing errors, which may
// modify their internal state. If this type is implemented by a Server, then
// Operation.Execute will call it's ProcessError method after it decodes a wire
// message.
type ErrorProcessor interface {
	ProcessError(err error, conn Connection) ProcessErrorResult
}

// HandshakeInformation contains information extracted from a MongoDB
// connection handshake. This is a helper type that augments description.Server
// by also tracking server connection ID and SASL related fields that are only
// relevant to the initial handshake.
type HandshakeInformation struct {
	Description             description.Server
	SpeculativeAuthenticate bsoncore.Document
	ServerConnectionID      *int64
	SaslSupportedMechs      []string
}

// Handshaker is the interface implemented by types that can perform a MongoDB
// handshake over a provided driver.Connection. This is used during connection
// initialization. Implementations must be goroutine safe.
type Handshaker interface {
	GetHandshakeInformation(context.Context, address.Address, Connection) (HandshakeInformation, error)
	FinishHandshake(context.Context, Connection) error
}

// SingleServerDeployment is an implementation of Deployment that always
// returns a single server.
type SingleServerDeployment struct{ Server Server }

var _ Deployment = SingleServerDeployment{}

// SelectServer implements the Deployment interface. This method does not use
// the description.SelectedServer provided and instead returns the embedded
// Server.
func (ssd SingleServerDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return ssd.Server, nil
}

// Kind implements the Deployment interface. It always returns
// description.Single.
func (SingleServerDeployment) Kind() description.TopologyKind { return description.Single }

// SingleConnectionDeployment is an implementation of Deployment that always
// returns the same Connection. This implementation should only be used for
// connection handshakes and server heartbeats as it does not implement
// ErrorProcessor, which is necessary for application operations.
type SingleConnectionDeployment struct{ C Connection }

var _ Deployment = SingleConnectionDeployment{}
var _ Server = SingleConnectionDeployment{}

// SelectServer implements the Deployment interface. This method does not use
// the description.SelectedServer provided and instead returns itself. The
// Connections returned from the Connection method have a no-op Close method.
func (scd SingleConnectionDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return scd, nil
}

// Kind implements the Deployment interface. It always returns
// description.Single.
func (SingleConnectionDeployment) Kind() description.TopologyKind { return description.Single }

// Connection implements the Server interface. It always returns the embedded
// connection.
func (scd SingleConnectionDeployment) Connection(context.Context) (Connection, error) {
	return nopCloserConnection{scd.C}, nil
}

// RTTMonitor implements the driver.Server interface.
func (scd SingleConnectionDeployment) RTTMonitor() RTTMonitor {
	return &zeroRTTMonitor{}
}

// nopCloserConnection is an adapter used in a SingleConnectionDeployment. It
// overrides the Close method of an underlying connection to do nothing.
type nopCloserConnection struct{ Connection }

func (ncc nopCloserConnection) Close() error { return nil }

// zeroRTTMonitor implements the RTTMonitor interface and is used internally
// for deployments whose RTT is not tracked.
type zeroRTTMonitor struct{}

func (zrm *zeroRTTMonitor) EWMA() time.Duration { return 0 }
func (zrm *zeroRTTMonitor) Min() time.Duration  { return 0 }
func (zrm *zeroRTTMonitor) P90() time.Duration  { return 0 }
func (zrm *zeroRTTMonitor) Stats() string       { return "" }

// RetryMode specifies the way that retries are handled for retryable
// operations.
type RetryMode uint

// These are the modes available for retrying.
const (
	// RetryNone disables retrying.
	RetryNone RetryMode = iota
	// RetryOnce will enable retrying the entire operation once.
	RetryOnce
	// RetryOncePerCommand will enable retrying each command associated with
	// an operation. For example, if an insert is batch split into 4 commands
	// then each of those commands is eligible for one retry.
	RetryOncePerCommand
	// RetryContext will enable retrying until the context.Context's deadline
	// is exceeded or it is cancelled.
	RetryContext
)

// Enabled returns if this RetryMode enables retrying.
func (rm RetryMode) Enabled() bool {
	return rm == RetryOnce || rm == RetryOncePerCommand || rm == RetryContext
}

// Type specifies whether an operation is a read, write, or unknown.
type Type uint

// These are the availables types of Type.
const (
	_ Type = iota
	Write
	Read
)
