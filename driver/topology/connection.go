// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/driver"
	"github.com/mongocore/driver/wiremessage"
)

// Connection state constants.
const (
	connDisconnected int64 = iota
	connConnected
	connInitialized
)

// defaultMaxMessageSize is the default maximum message size for replies read
// before the handshake has reported the server's limit.
const defaultMaxMessageSize uint32 = 48000000

// errResponseTooLarge is returned when the server replies with a message
// longer than the negotiated maximum.
var errResponseTooLarge = errors.New("length of read message too large")

// ErrConnectionClosed is returned when attempting to use an already closed
// connection.
var ErrConnectionClosed = ConnectionError{ConnectionID: "<closed>", message: "connection is closed"}

var globalConnectionID uint64 = 1

func nextConnectionID() uint64 { return atomic.AddUint64(&globalConnectionID, 1) }

type connection struct {
	// state must be accessed using the atomic package and should be at the
	// beginning of the struct.
	state int64

	id                   string
	nc                   net.Conn // When nil, the connection is closed.
	addr                 address.Address
	idleTimeout          time.Duration
	idleStart            atomic.Value // Stores a time.Time
	desc                 description.Server
	helloRTT             time.Duration
	compressor           wiremessage.CompressorID
	zliblevel            int
	zstdLevel            int
	connectDone          chan struct{}
	config               *connectionConfig
	cancelConnectContext context.CancelFunc
	connectContextMade   chan struct{}
	canStream            bool
	currentlyStreaming   bool
	connectContextMutex  sync.Mutex
	cancellationListener *cancellationListener
	serverConnectionID   *int64 // the server's ID for this client's connection

	// pool related fields
	pool *pool

	driverConnectionID uint64
	generation         uint64

	// awaitRemainingBytes indicates the size of server response that was not
	// completely read before the read timed out.
	awaitRemainingBytes *int32
}

// newConnection handles the creation of a connection. It does not connect the
// connection.
func newConnection(addr address.Address, opts ...ConnectionOption) *connection {
	cfg := newConnectionConfig(opts...)

	id := fmt.Sprintf("%s[-%d]", addr, nextConnectionID())

	c := &connection{
		id:                   id,
		addr:                 addr,
		idleTimeout:          cfg.idleTimeout,
		connectDone:          make(chan struct{}),
		config:               cfg,
		connectContextMade:   make(chan struct{}),
		cancellationListener: newCancellationListener(),
	}
	// Connections to non-load balanced deployments should eagerly set the
	// generation numbers so errors encountered at any point during connection
	// establishment can be processed against the correct generation.
	if !c.config.loadBalanced {
		c.setGenerationNumber()
	}
	atomic.StoreInt64(&c.state, connInitialized)

	return c
}

// setGenerationNumber sets the connection's generation number if a callback
// has been provided to do so in connection configuration.
func (c *connection) setGenerationNumber() {
	if c.config.getGenerationFn != nil {
		c.generation = c.config.getGenerationFn(c.desc.ServiceID)
	}
}

// hasGenerationNumber returns true if the connection has set its generation
// number. If so, this indicates that the generationNumberFn provided via the
// connection options has been called exactly once.
func (c *connection) hasGenerationNumber() bool {
	if !c.config.loadBalanced {
		// The generation is known for non-LB clusters before the connection
		// has been established.
		return true
	}

	// For LB clusters, the generation is set after the initial handshake, so
	// it is known once the description reports a service ID.
	return c.desc.ServiceID != nil
}

// connect handles the I/O for a connection. It will dial, configure TLS, and
// perform initialization handshakes. All errors returned by connect are
// considered "before the handshake completes" and must be handled by calling
// the appropriate SDAM handshake error handler.
func (c *connection) connect(ctx context.Context) (err error) {
	if !atomic.CompareAndSwapInt64(&c.state, connInitialized, connConnected) {
		return nil
	}

	defer close(c.connectDone)

	// If connect returns an error, set the connection status as disconnected
	// and close the underlying net.Conn if it was created.
	defer func() {
		if err != nil {
			atomic.StoreInt64(&c.state, connDisconnected)

			if c.nc != nil {
				_ = c.nc.Close()
			}
		}
	}()

	// Create separate contexts for dialing a connection and doing the
	// MongoDB/auth handshakes.
	//
	// handshakeCtx is simply a cancellable version of ctx because there's no
	// default timeout that must be applied to the full handshake. The cancel
	// from this context is stored so cancellation of all blocking operations
	// is possible during shutdown.
	//
	// dialCtx is equal to handshakeCtx with connectTimeoutMS applied.
	var handshakeCtx, dialCtx context.Context
	var handshakeCancel, dialCancel context.CancelFunc

	c.connectContextMutex.Lock()
	handshakeCtx, handshakeCancel = context.WithCancel(ctx)
	c.cancelConnectContext = handshakeCancel
	c.connectContextMutex.Unlock()

	dialCtx = handshakeCtx
	dialCancel = func() {}
	if c.config.connectTimeout != 0 {
		dialCtx, dialCancel = context.WithTimeout(handshakeCtx, c.config.connectTimeout)
	}

	defer func() {
		dialCancel()

		c.connectContextMutex.Lock()
		c.cancelConnectContext = nil
		handshakeCancel()
		c.connectContextMutex.Unlock()

		close(c.connectContextMade)
	}()

	// Assign the result of DialContext to a temporary net.Conn to ensure that
	// c.nc is not set in an error case.
	tempNc, err := c.config.dialer.DialContext(dialCtx, c.addr.Network(), c.addr.String())
	if err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err, init: true}
	}
	c.nc = tempNc

	if c.config.tlsConfig != nil {
		tlsConfig := c.config.tlsConfig.Clone()

		// store the result of configureTLS in a separate variable than c.nc to
		// avoid overwriting c.nc with nil in error cases.
		ocspOpts := &ocspVerificationOptions{
			disableEndpointChecking: c.config.ocspInsecure,
		}
		tlsNc, err := configureTLS(dialCtx, c.config.tlsConnectionSource, c.nc, c.addr, tlsConfig, ocspOpts)
		if err != nil {
			return ConnectionError{ConnectionID: c.id, Wrapped: err, init: true}
		}
		c.nc = tlsNc
	}

	// running hello and authentication is handled by a handshaker on the
	// configuration instance.
	handshaker := c.config.handshaker
	if handshaker == nil {
		return nil
	}

	var handshakeInfo driver.HandshakeInformation
	handshakeStartTime := time.Now()

	handshakeConn := initConnection{c}
	handshakeInfo, err = handshaker.GetHandshakeInformation(handshakeCtx, c.addr, handshakeConn)
	if err == nil {
		// We only need to retain the Description field as the connection's
		// description. The authentication-related fields in handshakeInfo are
		// tracked by the handshaker if necessary.
		c.desc = handshakeInfo.Description
		c.serverConnectionID = handshakeInfo.ServerConnectionID
		c.helloRTT = time.Since(handshakeStartTime)

		// If the application has indicated that the cluster is load balanced,
		// ensure the server has included serviceId in its handshake response
		// to prove it's a load balancer.
		if c.config.loadBalanced && c.desc.ServiceID == nil {
			err = fmt.Errorf(
				"driver attempted to initialize in load balancing mode, but the server does not support this mode")
		}
	}

	// We have a failed handshake here.
	if err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err, init: true}
	}

	// For load-balanced connections, the generation number depends on the
	// service ID reported in the handshake, so it can only be set now.
	if c.config.loadBalanced {
		c.setGenerationNumber()
	}

	// If the connection is streamable, indicate that by setting canStream.
	if c.desc.WireVersion != nil && c.desc.WireVersion.Max >= 9 {
		c.canStream = true
	}

	if len(c.desc.Compression) > 0 {
	clientMethodLoop:
		for _, method := range c.config.compressors {
			for _, serverMethod := range c.desc.Compression {
				if method != serverMethod {
					continue
				}

				switch strings.ToLower(method) {
				case "snappy":
					c.compressor = wiremessage.CompressorSnappy
				case "zlib":
					c.compressor = wiremessage.CompressorZLib
					c.zliblevel = wiremessage.DefaultZlibLevel
					if c.config.zlibLevel != nil {
						c.zliblevel = *c.config.zlibLevel
					}
				case "zstd":
					c.compressor = wiremessage.CompressorZstd
					c.zstdLevel = wiremessage.DefaultZstdLevel
					if c.config.zstdLevel != nil {
						c.zstdLevel = *c.config.zstdLevel
					}
				}
				break clientMethodLoop
			}
		}
	}

	if handshaker != nil {
		if err := handshaker.FinishHandshake(handshakeCtx, handshakeConn); err != nil {
			return ConnectionError{ConnectionID: c.id, Wrapped: err, init: true}
		}
	}

	return nil
}

func (c *connection) wait() {
	if c.connectDone != nil {
		<-c.connectDone
	}
}

func (c *connection) closeConnectContext() {
	<-c.connectContextMade
	var cancelFn context.CancelFunc

	c.connectContextMutex.Lock()
	cancelFn = c.cancelConnectContext
	c.cancelConnectContext = nil
	c.connectContextMutex.Unlock()

	if cancelFn != nil {
		cancelFn()
	}
}

func (c *connection) cancellationListenerCallback() {
	_ = c.close()
}

func transformNetworkError(ctx context.Context, originalError error, contextDeadlineUsed bool) error {
	if originalError == nil {
		return nil
	}

	// If there was an error and the context was cancelled, assume it happened
	// due to the cancellation.
	if ctx.Err() == context.Canceled {
		return context.Canceled
	}

	// If there was a timeout error and the context deadline was used, assume
	// it happened due to the context deadline.
	if netErr, ok := originalError.(net.Error); ok && netErr.Timeout() && contextDeadlineUsed {
		return context.DeadlineExceeded
	}

	return originalError
}

func (c *connection) writeWireMessage(ctx context.Context, wm []byte) error {
	var err error
	if atomic.LoadInt64(&c.state) != connConnected {
		return ConnectionError{
			ConnectionID: c.id,
			message:      "connection is closed",
		}
	}

	var deadline time.Time
	if c.config.writeTimeout != 0 {
		deadline = time.Now().Add(c.config.writeTimeout)
	}

	var contextDeadlineUsed bool
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		contextDeadlineUsed = true
		deadline = dl
	}

	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to set write deadline"}
	}

	err = c.write(ctx, wm)
	if err != nil {
		c.close()
		return ConnectionError{
			ConnectionID: c.id,
			Wrapped:      transformNetworkError(ctx, err, contextDeadlineUsed),
			message:      "unable to write wire message to network",
		}
	}

	return nil
}

func (c *connection) write(ctx context.Context, wm []byte) (err error) {
	go c.cancellationListener.Listen(ctx, c.cancellationListenerCallback)
	defer func() {
		// There is a possible race condition between Listen and StopListening
		// so aborted is checked here as well.
		if aborted := c.cancellationListener.StopListening(); aborted && err == nil {
			err = context.Canceled
		}
	}()

	_, err = c.nc.Write(wm)
	return err
}

// readWireMessage reads a wiremessage from the connection and returns it in a
// newly allocated slice.
func (c *connection) readWireMessage(ctx context.Context) ([]byte, error) {
	if atomic.LoadInt64(&c.state) != connConnected {
		return nil, ConnectionError{
			ConnectionID: c.id,
			message:      "connection is closed",
		}
	}

	var deadline time.Time
	if c.config.readTimeout != 0 {
		deadline = time.Now().Add(c.config.readTimeout)
	}

	var contextDeadlineUsed bool
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		contextDeadlineUsed = true
		deadline = dl
	}

	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to set read deadline"}
	}

	dst, errMsg, err := c.read(ctx)
	if err != nil {
		c.close()

		message := errMsg
		if errors.Is(err, io.EOF) {
			message = "socket was unexpectedly closed"
		}
		return nil, ConnectionError{
			ConnectionID: c.id,
			Wrapped:      transformNetworkError(ctx, err, contextDeadlineUsed),
			message:      message,
		}
	}

	return dst, nil
}

func (c *connection) parseWmSizeBytes(wmSizeBytes [4]byte) (int32, error) {
	// read the length as an int32
	size := int32(binary.LittleEndian.Uint32(wmSizeBytes[:]))

	if size < 4 {
		return 0, fmt.Errorf("malformed message length: %d", size)
	}
	// In the case of a hello response where MaxMessageSize has not yet been
	// set, use the hard-coded defaultMaxMessageSize instead.
	maxMessageSize := c.desc.MaxMessageSize
	if maxMessageSize == 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	if uint32(size) > maxMessageSize {
		return 0, errResponseTooLarge
	}

	return size, nil
}

func (c *connection) read(ctx context.Context) (bytesRead []byte, errMsg string, err error) {
	go c.cancellationListener.Listen(ctx, c.cancellationListenerCallback)
	defer func() {
		// If the context is cancelled after we finish reading the server
		// response, the cancellation listener could fire even though the
		// socket reads succeeded. To account for this, we overwrite err to be
		// context.Canceled if the abortedForCancellation flag was set.
		if aborted := c.cancellationListener.StopListening(); aborted && err == nil {
			errMsg = "unable to read server response"
			err = context.Canceled
		}
	}()

	isCSOTTimeout := func(err error) bool {
		// If the error was a timeout error, instead of closing the
		// connection mark it as awaiting response, so the pool can read the
		// response before making it available to other operations.
		nerr := net.Error(nil)
		return errors.As(err, &nerr) && nerr.Timeout()
	}

	// We use an array here because it only costs 4 bytes on the stack and
	// means we'll only need to reslice dst once instead of twice.
	var sizeBuf [4]byte

	// We do a ReadFull into an array here instead of doing an opportunistic
	// ReadAtLeast into dst because there might be more than one wire message
	// waiting to be read, for example when reading messages from an exhaust
	// cursor.
	n, err := io.ReadFull(c.nc, sizeBuf[:])
	if err != nil {
		if l := int32(n); l == 0 && isCSOTTimeout(err) {
			c.awaitRemainingBytes = &l
		}
		return nil, "incomplete read of message header", err
	}
	size, err := c.parseWmSizeBytes(sizeBuf)
	if err != nil {
		return nil, err.Error(), err
	}

	dst := make([]byte, size)
	copy(dst, sizeBuf[:])

	n, err = io.ReadFull(c.nc, dst[4:])
	if err != nil {
		remainingBytes := size - 4 - int32(n)
		if remainingBytes > 0 && isCSOTTimeout(err) {
			c.awaitRemainingBytes = &remainingBytes
		}
		return dst, "incomplete read of full message", err
	}

	return dst, "", nil
}

func (c *connection) close() error {
	// Overwrite the connection state as the first step so only the first
	// close call will execute.
	if !atomic.CompareAndSwapInt64(&c.state, connConnected, connDisconnected) {
		return nil
	}

	var err error
	if c.nc != nil {
		err = c.nc.Close()
	}

	return err
}

// closed returns true if the connection has been closed by the driver.
func (c *connection) closed() bool {
	return atomic.LoadInt64(&c.state) == connDisconnected
}

// isAlive returns true if the connection is alive and ready to be used for an
// operation.
func (c *connection) isAlive() bool {
	if c.nc == nil {
		return false
	}

	// If the connection has been idle for less than 10 seconds, skip the
	// liveness check.
	idleStart, ok := c.idleStart.Load().(time.Time)
	if !ok || idleStart.Add(10*time.Second).After(time.Now()) {
		return true
	}

	// Set a 1ms read deadline and attempt to read 1 byte from the connection.
	// Expect it to block for 1ms then return a deadline exceeded error. If it
	// returns any other error, the connection is not usable, so return false.
	// If it doesn't return an error and actually reads data, the connection is
	// also not usable, so return false.
	err := c.nc.SetReadDeadline(time.Now().Add(1 * time.Millisecond))
	if err != nil {
		return false
	}
	var b [1]byte
	_, err = c.nc.Read(b[:])
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func (c *connection) idleTimeoutExpired() bool {
	if c.idleTimeout == 0 {
		return false
	}

	idleStart, ok := c.idleStart.Load().(time.Time)
	return ok && idleStart.Add(c.idleTimeout).Before(time.Now())
}

func (c *connection) bumpIdleStart() {
	if c.idleTimeout > 0 {
		c.idleStart.Store(time.Now())
	}
}

func (c *connection) setCanStream(canStream bool) {
	c.canStream = canStream
}

func (c *connection) setStreaming(streaming bool) {
	c.currentlyStreaming = streaming
}

func (c *connection) getCurrentlyStreaming() bool {
	return c.currentlyStreaming
}

func (c *connection) ID() string {
	return c.id
}

func (c *connection) DriverConnectionID() uint64 {
	return c.driverConnectionID
}

func (c *connection) ServerConnectionID() *int64 {
	return c.serverConnectionID
}

// initConnection is an adapter used during connection initialization. It has
// the minimum functionality necessary to implement the driver.Connection
// interface, which is required to pass the connection to a Handshaker.
type initConnection struct{ *connection }

var _ driver.Connection = initConnection{}
var _ driver.StreamerConnection = initConnection{}

func (c initConnection) Description() description.Server {
	if c.connection == nil {
		return description.Server{}
	}
	return c.connection.desc
}
func (c initConnection) Close() error             { return nil }
func (c initConnection) ID() string               { return c.id }
func (c initConnection) Address() address.Address { return c.addr }
func (c initConnection) Stale() bool              { return false }
func (c initConnection) DriverConnectionID() uint64 {
	return c.connection.DriverConnectionID()
}
func (c initConnection) WriteWireMessage(ctx context.Context, wm []byte) error {
	return c.writeWireMessage(ctx, wm)
}
func (c initConnection) ReadWireMessage(ctx context.Context) ([]byte, error) {
	return c.readWireMessage(ctx)
}
func (c initConnection) SetStreaming(streaming bool) {
	c.setStreaming(streaming)
}
func (c initConnection) CurrentlyStreaming() bool {
	return c.getCurrentlyStreaming()
}
func (c initConnection) SupportsStreaming() bool {
	return c.canStream
}

// Connection implements the driver.Connection interface to allow reading and
// writing wire messages and the driver.Expirable interface to allow expiring.
type Connection struct {
	*connection
	refCount      int
	cleanupPoolFn func()

	mu sync.RWMutex
}

var _ driver.Connection = (*Connection)(nil)
var _ driver.Expirable = (*Connection)(nil)
var _ driver.Compressor = (*Connection)(nil)

// WriteWireMessage handles writing a wire message to the underlying
// connection.
func (c *Connection) WriteWireMessage(ctx context.Context, wm []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return ErrConnectionClosed
	}
	return c.writeWireMessage(ctx, wm)
}

// ReadWireMessage handles reading a wire message from the underlying
// connection.
func (c *Connection) ReadWireMessage(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return nil, ErrConnectionClosed
	}
	return c.readWireMessage(ctx)
}

// CompressWireMessage handles compressing the provided wire message using the
// underlying connection's compressor. The dst parameter will be overwritten
// with the new wire message.
func (c *Connection) CompressWireMessage(src, dst []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return dst, ErrConnectionClosed
	}
	if c.connection.compressor == wiremessage.CompressorNoOp {
		return append(dst, src...), nil
	}
	_, reqid, respto, origcode, rem, ok := wiremessage.ReadHeader(src)
	if !ok {
		return dst, errors.New("wiremessage is too short to compress, less than 16 bytes")
	}
	idx, dst := wiremessage.AppendHeaderStart(dst, reqid, respto, wiremessage.OpCompressed)
	dst = wiremessage.AppendCompressedOriginalOpCode(dst, origcode)
	dst = wiremessage.AppendCompressedUncompressedSize(dst, int32(len(rem)))
	dst = wiremessage.AppendCompressedCompressorID(dst, c.connection.compressor)
	opts := driver.CompressionOpts{
		Compressor: c.connection.compressor,
		ZlibLevel:  c.connection.zliblevel,
		ZstdLevel:  c.connection.zstdLevel,
	}
	compressed, err := driver.CompressPayload(rem, opts)
	if err != nil {
		return nil, err
	}
	dst = wiremessage.AppendCompressedCompressedMessage(dst, compressed)
	return bsoncore.UpdateLength(dst, idx, int32(len(dst[idx:]))), nil
}

// Description returns the server description of the server this connection is
// connected to.
func (c *Connection) Description() description.Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return description.Server{}
	}
	return c.desc
}

// Close returns this connection to the connection pool. This method may not
// closeConnection the underlying socket.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil || c.refCount > 0 {
		return nil
	}

	return c.cleanupReferences()
}

// Expire closes this connection and will closeConnection the underlying
// socket.
func (c *Connection) Expire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil {
		return nil
	}

	_ = c.close()
	return c.cleanupReferences()
}

func (c *Connection) cleanupReferences() error {
	err := c.pool.checkIn(c.connection)
	if c.cleanupPoolFn != nil {
		c.cleanupPoolFn()
		c.cleanupPoolFn = nil
	}
	c.connection = nil
	return err
}

// Alive returns if the connection is still alive.
func (c *Connection) Alive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connection != nil
}

// ID returns the ID of this connection.
func (c *Connection) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return "<closed>"
	}
	return c.id
}

// Stale returns if the connection is stale.
func (c *Connection) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return true
	}
	return c.pool.stale(c.connection)
}

// Address returns the address of this connection.
func (c *Connection) Address() address.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return address.Address("0.0.0.0")
	}
	return c.addr
}

// Generation returns the connection's generation.
func (c *Connection) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return 0
	}
	return c.generation
}

// ServerConnectionID returns the server's identifier for this connection.
func (c *Connection) ServerConnectionID() *int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return nil
	}
	return c.serverConnectionID
}

// DriverConnectionID returns the driver-created identifier for this
// connection.
func (c *Connection) DriverConnectionID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return 0
	}
	return c.driverConnectionID
}

// SetStreaming sets the streaming state of the connection.
func (c *Connection) SetStreaming(streaming bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return
	}
	c.setStreaming(streaming)
}

// CurrentlyStreaming returns if the connection is currently streaming.
func (c *Connection) CurrentlyStreaming() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return false
	}
	return c.getCurrentlyStreaming()
}

// SupportsStreaming returns if the connection supports streaming.
func (c *Connection) SupportsStreaming() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return false
	}
	return c.canStream
}
