// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/driver"
	"github.com/mongocore/driver/driver/operation"
	"github.com/mongocore/driver/event"
)

const minHeartbeatInterval = 500 * time.Millisecond

// cooldownInterval is the minimum wait between probes of a server that failed
// its previous probe and is not known to be a replica set member.
const cooldownInterval = 5 * time.Second

// ErrServerClosed occurs when an attempt to Get a connection is made after
// the server has been closed.
var ErrServerClosed = errors.New("server is closed")

// ErrServerConnected occurs when at attempt to Connect is made after a server
// has already been connected.
var ErrServerConnected = errors.New("server is connected")

// ErrSubscribeAfterClosed occurs when a subscription is requested from a
// closed server or topology.
var ErrSubscribeAfterClosed = errors.New("cannot subscribe after closeConnection")

// SelectedServer represents a specific server that was selected during server
// selection. It contains the kind of the topology it was selected from.
type SelectedServer struct {
	*Server

	Kind description.TopologyKind
}

// Description returns a description of the server as of the last heartbeat.
func (ss *SelectedServer) Description() description.SelectedServer {
	sdesc := ss.Server.Description()
	return description.SelectedServer{
		Server: sdesc,
		Kind:   ss.Kind,
	}
}

// These constants represent the connection states of a server.
const (
	serverDisconnected int64 = iota
	serverDisconnecting
	serverConnected
)

func serverStateString(state int64) string {
	switch state {
	case serverDisconnected:
		return "Disconnected"
	case serverDisconnecting:
		return "Disconnecting"
	case serverConnected:
		return "Connected"
	}

	return ""
}

// Server is a single server within a topology.
type Server struct {
	// state must be accessed using the atomic package and should be at the
	// beginning of the struct.
	state int64

	cfg     *serverConfig
	address address.Address

	// connection related fields
	pool *pool

	// goroutine management fields
	done     chan struct{}
	checkNow chan struct{}
	closewg  sync.WaitGroup

	// description related fields
	desc                   atomic.Value // holds a description.Server
	updateTopologyCallback atomic.Value
	topologyID             string

	// heartbeat-related fields
	conn          *connection
	averageRTT    time.Duration
	averageRTTSet bool
	rttMonitor    *rttMonitor

	// subscriber related fields
	subLock             sync.Mutex
	subscribers         map[uint64]chan description.Server
	currentSubscriberID uint64
	subscriptionsClosed bool

	processErrorLock sync.Mutex
}

var _ driver.Server = (*Server)(nil)
var _ driver.ErrorProcessor = (*Server)(nil)

// updateTopologyCallback is a callback used to create a server that should be
// called when the parent Topology instance should be updated based on a new
// server description. The callback must return the server description that
// should be stored by the server.
type updateTopologyCallback func(description.Server) description.Server

// ConnectServer creates a new Server and then initializes it using the Connect
// method.
func ConnectServer(
	addr address.Address,
	updateCallback updateTopologyCallback,
	topologyID string,
	opts ...ServerOption,
) (*Server, error) {
	srvr := NewServer(addr, topologyID, opts...)
	err := srvr.Connect(updateCallback)
	if err != nil {
		return nil, err
	}
	return srvr, nil
}

// NewServer creates a new server. The mongodb server at the address will be
// monitored on an internal monitoring goroutine.
func NewServer(addr address.Address, topologyID string, opts ...ServerOption) *Server {
	cfg := newServerConfig(opts...)
	s := &Server{
		cfg:     cfg,
		address: addr,

		done:     make(chan struct{}),
		checkNow: make(chan struct{}, 1),

		topologyID: topologyID,

		subscribers: make(map[uint64]chan description.Server),
	}
	s.desc.Store(description.NewDefaultServer(addr))
	rttCfg := &rttConfig{
		interval:           cfg.heartbeatInterval,
		minRTTWindow:       5 * time.Minute,
		createConnectionFn: s.createConnection,
		createOperationFn:  s.createBaseOperation,
	}
	s.rttMonitor = newRTTMonitor(rttCfg)

	pc := poolConfig{
		Address:          addr,
		MinPoolSize:      cfg.minConns,
		MaxPoolSize:      cfg.maxConns,
		MaxConnecting:    cfg.maxConnecting,
		MaxIdleTime:      cfg.poolMaxIdleTime,
		MaintainInterval: cfg.poolMaintainInterval,
		LoadBalanced:     cfg.loadBalanced,
		PoolMonitor:      cfg.poolMonitor,
		Logger:           cfg.logger,
		handshakeErrFn:   s.ProcessHandshakeError,
	}

	connectionOpts := copyConnectionOpts(cfg.connectionOpts)
	connectionOpts = append(connectionOpts, WithConnectionLoadBalanced(func(bool) bool { return cfg.loadBalanced }))
	s.pool = newPool(pc, connectionOpts...)
	s.publishServerOpeningEvent(s.address)

	return s
}

func copyConnectionOpts(opts []ConnectionOption) []ConnectionOption {
	optsCopy := make([]ConnectionOption, len(opts))
	copy(optsCopy, opts)
	return optsCopy
}

// Connect initializes the Server by starting background monitoring goroutines.
// This method must be called before a Server can be used.
func (s *Server) Connect(updateCallback updateTopologyCallback) error {
	if !atomic.CompareAndSwapInt64(&s.state, serverDisconnected, serverConnected) {
		return ErrServerConnected
	}

	desc := description.NewDefaultServer(s.address)
	if s.cfg.loadBalanced {
		// LBs are not monitored, so the server description is always
		// LoadBalancer type.
		desc.Kind = description.LoadBalancer
	}
	s.desc.Store(desc)
	s.updateTopologyCallback.Store(updateCallback)

	if !s.cfg.monitoringDisabled && !s.cfg.loadBalanced {
		s.closewg.Add(1)
		go s.update()

		s.rttMonitor.connect()
	}

	if s.cfg.loadBalanced {
		// Load balancers are always considered ready.
		_ = s.pool.ready()
	}

	return nil
}

// Disconnect closes sockets to the server referenced by this Server.
// Subscriptions to this Server will be closed. Disconnect will shutdown any
// monitoring goroutines and close the connection pool. Idle and in use
// connections are closed at once, without waiting for in use connections to
// be returned, so any in flight read or write operations fail; the context is
// not used. If this method returns with no errors, all connections associated
// with this Server have been closed.
func (s *Server) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt64(&s.state, serverConnected, serverDisconnecting) {
		return ErrServerClosed
	}

	s.updateTopologyCallback.Store((updateTopologyCallback)(nil))

	if !s.cfg.monitoringDisabled && !s.cfg.loadBalanced {
		s.rttMonitor.disconnect()
		// Cancel any in-flight check so the monitor goroutine observes the
		// closed done channel promptly.
		s.cancelCheck()
		close(s.done)
	}

	s.pool.close()

	s.closewg.Wait()
	s.publishServerClosedEvent(s.address)
	atomic.StoreInt64(&s.state, serverDisconnected)

	return nil
}

// Connection gets a connection to the server.
func (s *Server) Connection(ctx context.Context) (driver.Connection, error) {
	if atomic.LoadInt64(&s.state) != serverConnected {
		return nil, ErrServerClosed
	}

	conn, err := s.pool.checkOut(ctx)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// ProcessHandshakeError implements SDAM error handling for errors that occur
// before a connection finishes handshaking.
func (s *Server) ProcessHandshakeError(err error, startingGenerationNumber uint64, serviceID *description.ObjectID) {
	// Ignore the error if the server is behind a load balancer but the
	// service ID is unknown. This indicates that the error happened when
	// dialing the connection or during the MongoDB handshake, so we don't
	// know the service ID to use for clearing the pool.
	if err == nil || s.cfg.loadBalanced && serviceID == nil {
		return
	}
	// Ignore the error if the connection is stale.
	if generation := s.pool.generation.getGeneration(serviceID); startingGenerationNumber < generation {
		return
	}

	wrappedConnErr := unwrapConnectionError(err)
	if wrappedConnErr == nil {
		return
	}

	// Must hold the processErrorLock while updating the server description
	// and clearing the pool. Not holding the lock leads to possible out-of-
	// order processing of pool.clear() and pool.ready() calls from concurrent
	// server description updates.
	s.processErrorLock.Lock()
	defer s.processErrorLock.Unlock()

	// Since the only kind of ConnectionError we receive from pool.checkOut
	// will be an initialization error, we should set the description.Server
	// appropriately. The description should not have a TopologyVersion
	// because the staleness checking logic above has already determined that
	// this description is not stale.
	s.updateDescription(description.NewServerFromError(s.address, wrappedConnErr, nil))
	s.pool.clear(err, serviceID)
	s.cancelCheck()
}

// Description returns a description of the server as of the last heartbeat.
func (s *Server) Description() description.Server {
	return s.desc.Load().(description.Server)
}

// SelectedDescription returns a description.SelectedServer with a Kind of
// Single. This can be used when performing tasks like monitoring a batch of
// servers and you want to run one off commands against those servers.
func (s *Server) SelectedDescription() description.SelectedServer {
	sdesc := s.Description()
	return description.SelectedServer{
		Server: sdesc,
		Kind:   description.Single,
	}
}

// Subscribe returns a ServerSubscription which has a channel on which all
// updated server descriptions will be sent. The channel will have a buffer
// size of one, and will be pre-populated with the current description.
func (s *Server) Subscribe() (*ServerSubscription, error) {
	if atomic.LoadInt64(&s.state) != serverConnected {
		return nil, ErrSubscribeAfterClosed
	}
	ch := make(chan description.Server, 1)
	ch <- s.desc.Load().(description.Server)

	s.subLock.Lock()
	defer s.subLock.Unlock()
	if s.subscriptionsClosed {
		return nil, ErrSubscribeAfterClosed
	}
	id := s.currentSubscriberID
	s.subscribers[id] = ch
	s.currentSubscriberID++

	ss := &ServerSubscription{
		C:  ch,
		s:  s,
		id: id,
	}

	return ss, nil
}

// RequestImmediateCheck will cause the server to send a heartbeat immediately
// instead of waiting for the heartbeat timeout.
func (s *Server) RequestImmediateCheck() {
	select {
	case s.checkNow <- struct{}{}:
	default:
	}
}

// getWriteConcernErrorForProcessing extracts a driver.WriteConcernError from
// the provided error. This function returns (error, true) if the error is a
// WriteConcernError and the falls under the requirements for SDAM error
// handling and (nil, false) otherwise.
func getWriteConcernErrorForProcessing(err error) (*driver.WriteConcernError, bool) {
	var writeCmdErr driver.WriteCommandError
	if !errors.As(err, &writeCmdErr) {
		return nil, false
	}

	wcerr := writeCmdErr.WriteConcernError
	if wcerr != nil && (wcerr.NodeIsRecovering() || wcerr.NotPrimary()) {
		return wcerr, true
	}
	return nil, false
}

// ProcessError handles SDAM error handling and implements the
// driver.ErrorProcessor interface.
func (s *Server) ProcessError(err error, conn driver.Connection) driver.ProcessErrorResult {
	// Ignore nil errors.
	if err == nil {
		return driver.NoChange
	}

	// Ignore errors from stale connections because the error came from a
	// previous generation of the connection pool. The root cause of the error
	// has already been handled, which is what caused the pool generation to
	// increment. Processing errors for stale connections could result in
	// handling the same error root cause multiple times (e.g. a temporary
	// network interrupt causing all connections to the same server to return
	// errors).
	if conn.Stale() {
		return driver.NoChange
	}

	// Must hold the processErrorLock while updating the server description
	// and clearing the pool.
	s.processErrorLock.Lock()
	defer s.processErrorLock.Unlock()

	// Get the wire version and service ID from the connection description
	// because they will never change for the lifetime of a connection and can
	// possibly be different between connections to the same server.
	connDesc := conn.Description()
	wireVersion := connDesc.WireVersion
	serviceID := connDesc.ServiceID

	// Get the topology version from the Server description because the
	// Server description is updated by heartbeats and errors, so the
	// topologyVersion on the Server description is the most up-to-date.
	topologyVersion := s.Description().TopologyVersion

	cerr, ok := err.(driver.Error)
	if ok && (cerr.NodeIsRecovering() || cerr.NotPrimary()) {
		// ignore stale error
		if description.CompareTopologyVersion(topologyVersion, cerr.TopologyVersion) >= 0 {
			return driver.NoChange
		}

		// updates description to unknown
		s.updateDescription(description.NewServerFromError(s.address, err, cerr.TopologyVersion))
		s.RequestImmediateCheck()

		res := driver.ServerMarkedUnknown
		// If the node is shutting down or is older than 4.2, we synchronously
		// clear the pool
		if cerr.NodeIsShuttingDown() || wireVersion == nil || wireVersion.Max < 8 {
			res = driver.ConnectionPoolCleared
			s.pool.clear(err, serviceID)
		}

		return res
	}
	if wcerr, ok := getWriteConcernErrorForProcessing(err); ok {
		// ignore stale error
		if description.CompareTopologyVersion(topologyVersion, wcerr.TopologyVersion) >= 0 {
			return driver.NoChange
		}

		// updates description to unknown
		s.updateDescription(description.NewServerFromError(s.address, err, wcerr.TopologyVersion))
		s.RequestImmediateCheck()

		res := driver.ServerMarkedUnknown
		// If the node is shutting down or is older than 4.2, we synchronously
		// clear the pool
		if wcerr.NodeIsShuttingDown() || wireVersion == nil || wireVersion.Max < 8 {
			res = driver.ConnectionPoolCleared
			s.pool.clear(err, serviceID)
		}

		return res
	}

	wrappedConnErr := unwrapConnectionError(err)
	if wrappedConnErr == nil {
		return driver.NoChange
	}

	// Ignore transient timeout errors.
	if netErr, ok := wrappedConnErr.(net.Error); ok && netErr.Timeout() {
		return driver.NoChange
	}
	if errors.Is(wrappedConnErr, context.Canceled) || errors.Is(wrappedConnErr, context.DeadlineExceeded) {
		return driver.NoChange
	}

	// For a non-timeout network error, we clear the pool, set the description
	// to Unknown, and cancel the in-progress monitoring check. The check is
	// cancelled last to avoid a post-cancellation reconnect racing with
	// updateDescription.
	s.updateDescription(description.NewServerFromError(s.address, err, nil))
	s.pool.clear(err, serviceID)
	s.cancelCheck()
	return driver.ConnectionPoolCleared
}

// update handles performing heartbeats and updating any subscribers of the
// newest description.Server retrieved.
func (s *Server) update() {
	defer s.closewg.Done()
	heartbeatTicker := time.NewTicker(s.cfg.heartbeatInterval)
	rateLimiter := time.NewTicker(minHeartbeatInterval)
	defer heartbeatTicker.Stop()
	defer rateLimiter.Stop()
	checkNow := s.checkNow
	done := s.done

	defer func() {
		_ = recover()
	}()

	closeServer := func() {
		s.subLock.Lock()
		for id, c := range s.subscribers {
			close(c)
			delete(s.subscribers, id)
		}
		s.subscriptionsClosed = true
		s.subLock.Unlock()

		// We don't need to take s.subLock for s.conn here because closeServer is
		// called synchronously when the select checks below detect that the
		// server is being closed, so we can be sure that the connection isn't
		// being used.
		if s.conn != nil {
			_ = s.conn.close()
		}
	}

	waitUntilNextCheck := func() {
		// Wait until heartbeatFrequency elapses, an application operation
		// requests an immediate check, or the server is disconnecting.
		select {
		case <-heartbeatTicker.C:
		case <-checkNow:
		case <-done:
			// Return because the next update iteration will check the done
			// channel again and clean up.
			return
		}

		// Ensure we only return if minHeartbeatFrequency has elapsed or the
		// server is disconnecting.
		select {
		case <-rateLimiter.C:
		case <-done:
			return
		}
	}

	for {
		// Check if the server is disconnecting. Even if waitUntilNextCheck has
		// already read from the done channel, we still need to check here in
		// case the server is disconnecting.
		select {
		case <-done:
			closeServer()
			return
		default:
		}

		previousDescription := s.Description()

		// Perform the next check.
		desc, err := s.check()
		if errors.Is(err, errCheckCancelled) {
			if atomic.LoadInt64(&s.state) != serverConnected {
				continue
			}

			// If the server is not disconnecting, the check was cancelled by
			// an application operation after an error. Wait before running
			// the next check.
			waitUntilNextCheck()
			continue
		}

		s.updateDescription(desc)
		if err := desc.LastError; err != nil {
			// Clear the pool once the description has been updated to Unknown.
			// Pass in a nil service id to clear because the monitoring routine
			// only runs for non-load balanced deployments in which servers
			// don't return IDs.
			s.pool.clear(err, nil)
		}

		// A failed probe of a server that is not a known replica set member
		// enters cooldown: selection pressure must not drive probes of such
		// a server more often than once per cooldownInterval.
		inCooldown := desc.Kind == description.Unknown &&
			previousDescription.Kind != description.RSPrimary &&
			previousDescription.Kind != description.RSSecondary &&
			previousDescription.Kind != description.RSArbiter

		if inCooldown {
			select {
			case <-time.After(cooldownInterval - minHeartbeatInterval):
			case <-done:
			}
		}

		waitUntilNextCheck()
	}
}

// updateDescription handles updating the description on the Server, notifying
// subscribers, and marking the connection pool ready when the new description
// is not Unknown.
func (s *Server) updateDescription(desc description.Server) {
	if s.cfg.loadBalanced {
		// In load balanced mode, there are no updates from the monitoring
		// routine. For errors encountered in operations, updateDescription is
		// called, but the server description shouldn't be changed.
		return
	}

	defer func() {
		// ¯\_(ツ)_/¯
		_ = recover()
	}()

	// A Server's description is stale if the server was once connected and
	// the most recent heartbeat succeeded, so the pool is ready whenever the
	// new description is not Unknown.
	if desc.Kind != description.Unknown {
		_ = s.pool.ready()
	}

	// Use the updateTopologyCallback to update the parent Topology and get
	// the description that should be stored.
	callback, ok := s.updateTopologyCallback.Load().(updateTopologyCallback)
	if ok && callback != nil {
		desc = callback(desc)
	}
	prev := s.Description()
	s.desc.Store(desc)
	s.publishServerDescriptionChangedEvent(prev, desc)

	s.subLock.Lock()
	for _, c := range s.subscribers {
		select {
		// drain the channel if it isn't empty
		case <-c:
		default:
		}
		c <- desc
	}
	s.subLock.Unlock()
}

// createConnection creates a new connection instance but does not call connect
// on it. The caller must call connect before the connection can be used for
// network operations.
func (s *Server) createConnection() *connection {
	opts := copyConnectionOpts(s.cfg.connectionOpts)
	opts = append(opts,
		WithConnectTimeout(func(time.Duration) time.Duration { return s.cfg.heartbeatTimeout }),
		WithReadTimeout(func(time.Duration) time.Duration { return s.cfg.heartbeatTimeout }),
		WithWriteTimeout(func(time.Duration) time.Duration { return s.cfg.heartbeatTimeout }),
		// We override whatever handshaker is currently attached to the
		// options with a basic one because need to make sure we don't do
		// auth.
		WithHandshaker(func(h driver.Handshaker) driver.Handshaker {
			return operation.NewHello().
				AppName(s.cfg.appname).
				Compressors(s.cfg.compressionOpts).
				ClusterClock(s.cfg.clock)
		}),
	)

	return newConnection(s.address, opts...)
}

func (s *Server) createBaseOperation(conn driver.Connection) *operation.Hello {
	return operation.
		NewHello().
		ClusterClock(s.cfg.clock).
		Deployment(driver.SingleConnectionDeployment{C: conn})
}

var errCheckCancelled = errors.New("server check cancelled")

// cancelCheck cancels in-progress connection dials and reads. It does not set
// the server state to Disconnected.
func (s *Server) cancelCheck() {
	var conn *connection

	// Take subLock, which guards s.conn, for mutual exclusion with the checks
	// in the update function.
	s.subLock.Lock()
	conn = s.conn
	s.subLock.Unlock()

	if conn == nil {
		return
	}

	// If the connection exists, we need to wait for it to be connected
	// because conn.connect() and conn.close() cannot be called concurrently.
	// If the connection wasn't successfully opened, its state was set back to
	// disconnected, so calling conn.close() will be a no-op.
	conn.closeConnectContext()
	conn.wait()
	_ = conn.close()
}

// check runs a single heartbeat against the server, applying the immediate
// re-scan rule: a network failure during or before the reply makes the server
// Unknown and is retried once before the normal cadence resumes.
func (s *Server) check() (description.Server, error) {
	var previousDescription description.Server
	var descPtr *description.Server
	var err error

	const maxRetry = 2
	for attempt := 1; attempt <= maxRetry; attempt++ {
		descPtr, err = s.checkOnce()
		if descPtr != nil {
			break
		}

		if s.checkWasCancelledDuring() {
			return description.Server{}, errCheckCancelled
		}

		previousDescription = s.Description()

		// Publish the Unknown description before the immediate retry so
		// waiting selections observe the failure.
		if attempt < maxRetry {
			s.updateDescription(description.NewServerFromError(s.address, err, previousDescription.TopologyVersion))
			s.pool.clear(err, nil)
		}
	}

	if descPtr == nil {
		return description.NewServerFromError(s.address, err, s.Description().TopologyVersion), nil
	}

	return *descPtr, nil
}

func (s *Server) checkWasCancelledDuring() bool {
	s.subLock.Lock()
	conn := s.conn
	s.subLock.Unlock()
	return conn != nil && conn.closed() && atomic.LoadInt64(&s.state) != serverConnected
}

// checkOnce performs a single heartbeat probe. It returns a description
// pointer on success and an error on failure.
func (s *Server) checkOnce() (*description.Server, error) {
	var err error

	s.subLock.Lock()
	conn := s.conn
	s.subLock.Unlock()

	if conn != nil && (conn.closed() || conn.idleTimeoutExpired()) {
		_ = conn.close()
		conn = nil
	}

	start := time.Now()
	if conn == nil {
		// Create a new connection; the handshake on connect doubles as the
		// heartbeat.
		s.publishServerHeartbeatStartedEvent("", false)
		conn = s.createConnection()
		err = conn.connect(context.Background())
		duration := time.Since(start)

		s.subLock.Lock()
		s.conn = conn
		s.subLock.Unlock()

		if err == nil {
			s.publishServerHeartbeatSucceededEvent(conn.ID(), duration, conn.desc, false)
			desc := conn.desc
			desc = desc.SetAverageRTT(s.updateAverageRTT(duration))
			desc.HeartbeatInterval = s.cfg.heartbeatInterval
			s.rttMonitor.addSample(duration)
			return &desc, nil
		}
		s.publishServerHeartbeatFailedEvent(conn.ID(), duration, err, false)
		return nil, err
	}

	// Use the existing connection to run a hello command.
	s.publishServerHeartbeatStartedEvent(conn.ID(), false)

	op := s.createBaseOperation(initConnection{conn})
	err = op.Execute(context.Background())
	duration := time.Since(start)

	if err == nil {
		desc := op.Result(s.address)
		desc = desc.SetAverageRTT(s.updateAverageRTT(duration))
		desc.HeartbeatInterval = s.cfg.heartbeatInterval
		s.rttMonitor.addSample(duration)
		s.publishServerHeartbeatSucceededEvent(conn.ID(), duration, desc, false)
		return &desc, nil
	}

	// Close the connection here rather than below to avoid calling close on
	// a net.Conn that was not successfully created.
	_ = conn.close()
	s.subLock.Lock()
	s.conn = nil
	s.subLock.Unlock()
	s.publishServerHeartbeatFailedEvent(conn.ID(), duration, err, false)
	return nil, err
}

// updateAverageRTT calculates the EWMA of the round trip time.
func (s *Server) updateAverageRTT(delay time.Duration) time.Duration {
	if !s.averageRTTSet {
		s.averageRTT = delay
		s.averageRTTSet = true
	} else {
		alpha := 0.2
		s.averageRTT = time.Duration(alpha*float64(delay) + (1-alpha)*float64(s.averageRTT))
	}
	return s.averageRTT
}

// RTTMonitor returns this server's round-trip-time monitor.
func (s *Server) RTTMonitor() driver.RTTMonitor {
	return s.rttMonitor
}

// OperationCount returns the amount of currently running operations.
func (s *Server) OperationCount() int64 {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return int64(s.pool.checkedOut)
}

// PoolGeneration returns the server pool's current generation, used to pin
// cursors to the pool state they were created under.
func (s *Server) PoolGeneration() uint64 {
	return s.pool.generation.getGeneration(nil)
}

// String implements the Stringer interface.
func (s *Server) String() string {
	desc := s.Description()
	state := atomic.LoadInt64(&s.state)
	str := fmt.Sprintf("Addr: %s, Type: %s, State: %s",
		s.address, desc.Kind, serverStateString(state))
	if len(desc.Tags) != 0 {
		str += fmt.Sprintf(", Tag sets: %v", desc.Tags)
	}
	if state == serverConnected {
		str += fmt.Sprintf(", Average RTT: %d", desc.AverageRTT)
	}
	if desc.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", desc.LastError)
	}

	return str
}

// ServerSubscription represents a subscription to the description.Server
// updates for a specific server.
type ServerSubscription struct {
	C  <-chan description.Server
	s  *Server
	id uint64
}

// Unsubscribe unsubscribes this ServerSubscription from updates and closes the
// subscription channel.
func (ss *ServerSubscription) Unsubscribe() error {
	ss.s.subLock.Lock()
	defer ss.s.subLock.Unlock()
	if ss.s.subscriptionsClosed {
		return nil
	}

	ch, ok := ss.s.subscribers[ss.id]
	if !ok {
		return nil
	}

	close(ch)
	delete(ss.s.subscribers, ss.id)

	return nil
}

// publishes a ServerDescriptionChangedEvent to indicate the server description
// has changed.
func (s *Server) publishServerDescriptionChangedEvent(prev description.Server, current description.Server) {
	serverDescriptionChanged := &event.ServerDescriptionChangedEvent{
		Address:             s.address,
		TopologyID:          s.topologyID,
		PreviousDescription: prev,
		NewDescription:      current,
	}

	if s.cfg.serverMonitor != nil && s.cfg.serverMonitor.ServerDescriptionChanged != nil {
		s.cfg.serverMonitor.ServerDescriptionChanged(serverDescriptionChanged)
	}
}

// publishes a ServerOpeningEvent to indicate the server is being initialized.
func (s *Server) publishServerOpeningEvent(addr address.Address) {
	if s == nil {
		return
	}

	serverOpening := &event.ServerOpeningEvent{
		Address:    addr,
		TopologyID: s.topologyID,
	}

	if s.cfg.serverMonitor != nil && s.cfg.serverMonitor.ServerOpening != nil {
		s.cfg.serverMonitor.ServerOpening(serverOpening)
	}
}

// publishes a ServerClosedEvent to indicate the server is being closed.
func (s *Server) publishServerClosedEvent(addr address.Address) {
	serverClosed := &event.ServerClosedEvent{
		Address:    addr,
		TopologyID: s.topologyID,
	}

	if s.cfg.serverMonitor != nil && s.cfg.serverMonitor.ServerClosed != nil {
		s.cfg.serverMonitor.ServerClosed(serverClosed)
	}
}

// publishes a ServerHeartbeatStartedEvent to indicate a hello command has
// started.
func (s *Server) publishServerHeartbeatStartedEvent(connectionID string, await bool) {
	serverHeartbeatStarted := &event.ServerHeartbeatStartedEvent{
		ConnectionID: connectionID,
		Awaited:      await,
	}

	if s.cfg.serverMonitor != nil && s.cfg.serverMonitor.ServerHeartbeatStarted != nil {
		s.cfg.serverMonitor.ServerHeartbeatStarted(serverHeartbeatStarted)
	}
}

// publishes a ServerHeartbeatSucceededEvent to indicate hello has succeeded.
func (s *Server) publishServerHeartbeatSucceededEvent(connectionID string,
	duration time.Duration,
	desc description.Server,
	await bool,
) {
	serverHeartbeatSucceeded := &event.ServerHeartbeatSucceededEvent{
		Duration:     duration,
		Reply:        desc,
		ConnectionID: connectionID,
		Awaited:      await,
	}

	if s.cfg.serverMonitor != nil && s.cfg.serverMonitor.ServerHeartbeatSucceeded != nil {
		s.cfg.serverMonitor.ServerHeartbeatSucceeded(serverHeartbeatSucceeded)
	}
}

// publishes a ServerHeartbeatFailedEvent to indicate hello has failed.
func (s *Server) publishServerHeartbeatFailedEvent(connectionID string,
	duration time.Duration,
	err error,
	await bool,
) {
	serverHeartbeatFailed := &event.ServerHeartbeatFailedEvent{
		Duration:     duration,
		Failure:      err,
		ConnectionID: connectionID,
		Awaited:      await,
	}

	if s.cfg.serverMonitor != nil && s.cfg.serverMonitor.ServerHeartbeatFailed != nil {
		s.cfg.serverMonitor.ServerHeartbeatFailed(serverHeartbeatFailed)
	}
}

// unwrapConnectionError returns the connection error wrapped by err, or nil if
// err does not wrap a connection error.
func unwrapConnectionError(err error) error {
	connErr, ok := err.(ConnectionError)
	if ok {
		return connErr.Wrapped
	}

	driverErr, ok := err.(driver.Error)
	if !ok || !driverErr.NetworkError() {
		return nil
	}

	connErr, ok = driverErr.Wrapped.(ConnectionError)
	if ok {
		return connErr.Wrapped
	}

	return driverErr.Wrapped
}
