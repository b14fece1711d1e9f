// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/event"
	"github.com/mongocore/driver/internal/logger"
)

// Connection pool state constants.
const (
	poolPaused int = iota
	poolReady
	poolClosed
)

// ErrPoolConnected is returned from an attempt to connect an already connected
// pool.
var ErrPoolConnected = PoolError("attempted to Connect to an already connected pool")

// ErrPoolClosed is returned from an attempt to use a closed pool.
var ErrPoolClosed = PoolError("attempted to use a closed pool")

// ErrWrongPool is returned when a pool is handed a connection that does not
// belong to it.
var ErrWrongPool = PoolError("connection does not belong to this pool")

// PoolError is an error returned from a Pool method.
type PoolError string

func (pe PoolError) Error() string { return string(pe) }

// poolClearedError is an error returned when the connection pool is cleared or
// currently paused. It is a retryable error.
type poolClearedError struct {
	err     error
	address address.Address
}

func (pce poolClearedError) Error() string {
	return fmt.Sprintf(
		"connection pool for %v was cleared because another operation failed with: %v",
		pce.address,
		pce.err)
}

// Retryable returns true. All poolClearedErrors are retryable.
func (poolClearedError) Retryable() bool { return true }

// Unwrap returns the underlying error.
func (pce poolClearedError) Unwrap() error { return pce.err }

// poolConfig contains all aspects of the pool that can be configured.
type poolConfig struct {
	Address          address.Address
	MinPoolSize      uint64
	MaxPoolSize      uint64 // zero means unlimited
	MaxConnecting    int64
	MaxIdleTime      time.Duration
	MaintainInterval time.Duration
	LoadBalanced     bool
	PoolMonitor      *event.PoolMonitor
	Logger           *logger.Logger
	handshakeErrFn   func(error, uint64, *description.ObjectID)
}

// defaultMaxConnecting bounds the number of simultaneous connection
// establishments per pool.
const defaultMaxConnecting int64 = 2

type pool struct {
	// The following integer field is guarded by mu.
	nextID uint64 // nextID is the next pool ID for a new connection.

	address      address.Address
	minSize      uint64
	maxSize      uint64
	loadBalanced bool
	monitor      *event.PoolMonitor
	logger       *logger.Logger
	connOpts     []ConnectionOption
	generation   *poolGenerationMap
	idleTimeout  time.Duration

	// handshakeErrFn is used to handle any errors that happen during
	// connection establishment and handshaking.
	handshakeErrFn func(error, uint64, *description.ObjectID)

	// connecting limits the number of simultaneous handshakes.
	connecting *semaphore.Weighted

	maintainInterval time.Duration
	maintainStop     chan struct{}
	backgroundDone   *sync.WaitGroup

	stateMu      sync.Mutex
	state        int
	lastClearErr error

	// mu guards conns, idleConns, and the wait queue.
	mu         sync.Mutex
	conns      map[uint64]*connection // conns includes all created connections
	idleConns  []*connection
	checkedOut uint64
	waiters    []chan *connection
}

// newPool creates a new pool. It will use the provided options when creating
// connections.
func newPool(config poolConfig, connOpts ...ConnectionOption) *pool {
	if config.MaxIdleTime != 0 {
		connOpts = append(connOpts, WithIdleTimeout(func(_ time.Duration) time.Duration { return config.MaxIdleTime }))
	}

	maxConnecting := config.MaxConnecting
	if maxConnecting <= 0 {
		maxConnecting = defaultMaxConnecting
	}

	maintainInterval := config.MaintainInterval
	if maintainInterval == 0 {
		maintainInterval = 10 * time.Second
	}

	p := &pool{
		address:          config.Address,
		minSize:          config.MinPoolSize,
		maxSize:          config.MaxPoolSize,
		loadBalanced:     config.LoadBalanced,
		monitor:          config.PoolMonitor,
		logger:           config.Logger,
		handshakeErrFn:   config.handshakeErrFn,
		connecting:       semaphore.NewWeighted(maxConnecting),
		generation:       newPoolGenerationMap(),
		connOpts:         connOpts,
		idleTimeout:      config.MaxIdleTime,
		maintainInterval: maintainInterval,
		maintainStop:     make(chan struct{}),
		backgroundDone:   &sync.WaitGroup{},
		state:            poolPaused,
		conns:            make(map[uint64]*connection),
	}
	p.connOpts = append(p.connOpts, withGenerationNumberFn(func(_ generationNumberFn) generationNumberFn {
		return p.getGenerationForNewConnection
	}))

	if p.maintainInterval > 0 {
		p.backgroundDone.Add(1)
		go p.maintain()
	}

	if p.monitor != nil {
		p.monitor.Event(&event.PoolEvent{
			Type: event.PoolCreated,
			PoolOptions: &event.MonitorPoolOptions{
				MaxPoolSize: config.MaxPoolSize,
				MinPoolSize: config.MinPoolSize,
			},
			Address: p.address.String(),
		})
	}

	return p
}

// stale checks if a given connection's generation is below the generation of
// the pool.
func (p *pool) stale(conn *connection) bool {
	if conn == nil {
		return true
	}
	return p.generation.stale(conn.desc.ServiceID, conn.generation)
}

// ready puts the pool into the "ready" state. ready must be called before
// connections can be checked out. The background maintenance goroutine is
// started by newPool, not by ready.
func (p *pool) ready() error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	switch p.state {
	case poolReady:
		return nil
	case poolClosed:
		return ErrPoolClosed
	}
	p.state = poolReady

	if p.monitor != nil {
		p.monitor.Event(&event.PoolEvent{
			Type:    event.PoolReady,
			Address: p.address.String(),
		})
	}

	return nil
}

// close closes the pool, closes all connections associated with the pool, and
// stops all background goroutines.
func (p *pool) close() {
	p.stateMu.Lock()
	if p.state == poolClosed {
		p.stateMu.Unlock()
		return
	}
	p.state = poolClosed
	close(p.maintainStop)
	p.stateMu.Unlock()

	p.backgroundDone.Wait()

	p.mu.Lock()
	// Fail any in-progress waiters.
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil

	idle := p.idleConns
	p.idleConns = nil
	conns := make([]*connection, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.mu.Unlock()

	// Close all idle connections first, then any remaining created
	// connections (which are checked out or still connecting).
	for _, conn := range idle {
		_ = p.closeConnection(conn)
	}

	for _, conn := range conns {
		// Interrupt any in-progress connects.
		conn.closeConnectContext()
		_ = p.removeConnection(conn, event.ReasonPoolClosed, nil)
		_ = p.closeConnection(conn)
	}

	if p.monitor != nil {
		p.monitor.Event(&event.PoolEvent{
			Type:    event.PoolClosedEvent,
			Address: p.address.String(),
		})
	}
}

// getGenerationForNewConnection is the generationNumberFn provided to new
// connections.
func (p *pool) getGenerationForNewConnection(serviceID *description.ObjectID) uint64 {
	return p.generation.addConnection(serviceID)
}

// checkOut checks out a connection from the pool. If an idle connection is not
// available, the checkOut enters a queue waiting for either the next idle or
// new connection. If the Context is timed out, canceled, or closed before a
// connection is available, checkOut returns a WaitQueueTimeoutError.
func (p *pool) checkOut(ctx context.Context) (conn *Connection, err error) {
	if p.monitor != nil {
		p.monitor.Event(&event.PoolEvent{
			Type:    event.GetStarted,
			Address: p.address.String(),
		})
	}
	start := time.Now()

	// Check the pool state while holding stateMu.
	p.stateMu.Lock()
	switch p.state {
	case poolClosed:
		p.stateMu.Unlock()
		if p.monitor != nil {
			p.monitor.Event(&event.PoolEvent{
				Type:     event.GetFailed,
				Address:  p.address.String(),
				Duration: time.Since(start),
				Reason:   event.ReasonPoolClosed,
			})
		}
		return nil, ErrPoolClosed
	case poolPaused:
		err := poolClearedError{err: p.lastClearErr, address: p.address}
		p.stateMu.Unlock()
		if p.monitor != nil {
			p.monitor.Event(&event.PoolEvent{
				Type:     event.GetFailed,
				Address:  p.address.String(),
				Duration: time.Since(start),
				Reason:   event.ReasonConnectionErrored,
				Error:    err,
			})
		}
		return nil, err
	}
	p.stateMu.Unlock()

	for {
		// Try to return an idle connection first.
		p.mu.Lock()
		for len(p.idleConns) > 0 {
			c := p.idleConns[len(p.idleConns)-1]
			p.idleConns = p.idleConns[:len(p.idleConns)-1]

			if reason, perished := connectionPerished(c, p); perished {
				p.mu.Unlock()
				_ = p.removeConnection(c, reason, nil)
				_ = p.closeConnection(c)
				p.mu.Lock()
				continue
			}

			p.checkedOut++
			p.mu.Unlock()
			return p.wrapConnection(c, start)
		}

		// If there is room, create a new connection.
		if p.maxSize == 0 || uint64(len(p.conns)) < p.maxSize {
			c := newConnection(p.address, p.connOpts...)
			c.pool = p
			c.driverConnectionID = p.nextID
			p.nextID++
			p.conns[c.driverConnectionID] = c
			p.checkedOut++
			p.mu.Unlock()

			if p.monitor != nil {
				p.monitor.Event(&event.PoolEvent{
					Type:         event.ConnectionCreated,
					Address:      p.address.String(),
					ConnectionID: c.driverConnectionID,
				})
			}

			if err := p.establish(ctx, c); err != nil {
				if p.monitor != nil {
					p.monitor.Event(&event.PoolEvent{
						Type:     event.GetFailed,
						Address:  p.address.String(),
						Duration: time.Since(start),
						Reason:   event.ReasonConnectionErrored,
						Error:    err,
					})
				}
				p.mu.Lock()
				p.checkedOut--
				p.mu.Unlock()
				return nil, err
			}

			if p.monitor != nil {
				p.monitor.Event(&event.PoolEvent{
					Type:         event.ConnectionReady,
					Address:      p.address.String(),
					ConnectionID: c.driverConnectionID,
					Duration:     time.Since(start),
				})
			}
			return p.wrapConnection(c, start)
		}

		// The pool is at capacity: wait for a connection to be checked in.
		w := make(chan *connection, 1)
		p.waiters = append(p.waiters, w)
		waitStart := time.Now()
		available := len(p.idleConns)
		total := len(p.conns)
		p.mu.Unlock()

		select {
		case c, ok := <-w:
			if !ok {
				return nil, ErrPoolClosed
			}
			if reason, perished := connectionPerished(c, p); perished {
				_ = p.removeConnection(c, reason, nil)
				_ = p.closeConnection(c)
				continue
			}
			p.mu.Lock()
			p.checkedOut++
			p.mu.Unlock()
			return p.wrapConnection(c, start)
		case <-ctx.Done():
			p.removeWaiter(w)
			// A checkin may have raced the cancellation and delivered a
			// connection; return it to the idle list.
			select {
			case c, ok := <-w:
				if ok && c != nil {
					p.mu.Lock()
					p.idleConns = append(p.idleConns, c)
					p.mu.Unlock()
				}
			default:
			}
			err := WaitQueueTimeoutError{
				Wrapped:              ctx.Err(),
				maxPoolSize:          p.maxSize,
				totalConnections:     total,
				availableConnections: available,
				waitDuration:         time.Since(waitStart),
			}
			if p.monitor != nil {
				p.monitor.Event(&event.PoolEvent{
					Type:     event.GetFailed,
					Address:  p.address.String(),
					Duration: time.Since(start),
					Reason:   event.ReasonTimedOut,
					Error:    err,
				})
			}
			return nil, err
		}
	}
}

// establish runs the connection handshake, bounded by the pool's
// maxConnecting semaphore.
func (p *pool) establish(ctx context.Context, c *connection) error {
	if err := p.connecting.Acquire(ctx, 1); err != nil {
		_ = p.removeConnection(c, event.ReasonTimedOut, nil)
		return err
	}
	defer p.connecting.Release(1)

	err := c.connect(ctx)
	if err != nil {
		// If the handshake error callback is set, process the error before
		// removing the connection so the server can clear its pool and mark
		// itself Unknown exactly once.
		if p.handshakeErrFn != nil {
			p.handshakeErrFn(err, c.generation, c.desc.ServiceID)
		}

		_ = p.removeConnection(c, event.ReasonConnectionErrored, err)
		_ = p.closeConnection(c)
		return err
	}

	return nil
}

func (p *pool) wrapConnection(c *connection, start time.Time) (*Connection, error) {
	if p.monitor != nil {
		p.monitor.Event(&event.PoolEvent{
			Type:         event.GetSucceeded,
			Address:      p.address.String(),
			ConnectionID: c.driverConnectionID,
			Duration:     time.Since(start),
		})
	}
	return &Connection{connection: c}, nil
}

func (p *pool) removeWaiter(w chan *connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, waiter := range p.waiters {
		if waiter == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
}

// connectionPerished checks if a given connection is perished and should be
// removed from the pool.
func connectionPerished(conn *connection, p *pool) (string, bool) {
	switch {
	case conn.closed() || !conn.isAlive():
		return event.ReasonConnectionErrored, true
	case conn.idleTimeoutExpired():
		return event.ReasonIdle, true
	case p.stale(conn):
		return event.ReasonStale, true
	}
	return "", false
}

// checkIn returns an idle connection to the pool. If the connection is
// perished or the pool is closed, it is removed from the connection pool and
// closed.
func (p *pool) checkIn(conn *connection) error {
	if conn == nil {
		return nil
	}
	if conn.pool != p {
		return ErrWrongPool
	}

	if p.monitor != nil {
		p.monitor.Event(&event.PoolEvent{
			Type:         event.ConnectionReturned,
			ConnectionID: conn.driverConnectionID,
			Address:      conn.addr.String(),
		})
	}

	return p.checkInNoEvent(conn)
}

func (p *pool) checkInNoEvent(conn *connection) error {
	if conn == nil {
		return nil
	}
	if conn.pool != p {
		return ErrWrongPool
	}

	// Bump the connection idle start time only for connections that are
	// being returned to the idle list.
	conn.bumpIdleStart()

	p.mu.Lock()
	p.checkedOut--

	if reason, perished := connectionPerished(conn, p); perished {
		p.mu.Unlock()
		_ = p.removeConnection(conn, reason, nil)
		_ = p.closeConnection(conn)
		return nil
	}

	p.stateMu.Lock()
	state := p.state
	p.stateMu.Unlock()
	if state == poolClosed {
		p.mu.Unlock()
		_ = p.removeConnection(conn, event.ReasonPoolClosed, nil)
		_ = p.closeConnection(conn)
		return nil
	}

	// Deliver the connection to a waiter if there is one, otherwise return
	// it to the idle list.
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w <- conn
		p.mu.Unlock()
		return nil
	}

	p.idleConns = append(p.idleConns, conn)
	p.mu.Unlock()
	return nil
}

// clear increments the pool's generation, closes all idle connections, and
// marks all current connections stale. If serviceID is provided (for load
// balanced deployments), only connections for that service are affected and
// the pool is not paused.
func (p *pool) clear(err error, serviceID *description.ObjectID) {
	if p.monitor != nil {
		p.monitor.Event(&event.PoolEvent{
			Type:      event.PoolCleared,
			Address:   p.address.String(),
			ServiceID: serviceID,
			Error:     err,
		})
	}

	p.generation.clear(serviceID)

	// If serviceID is nil (i.e. not in load balancer mode), transition the
	// pool to a paused state; checkOut fails fast and the background
	// maintenance does no work until the pool is marked ready again after a
	// successful heartbeat.
	if serviceID == nil {
		p.stateMu.Lock()
		if p.state == poolReady {
			p.state = poolPaused
			p.lastClearErr = err
		}
		p.stateMu.Unlock()
	}

	// Close all idle connections from stale generations.
	p.mu.Lock()
	var keep []*connection
	var stale []*connection
	for _, conn := range p.idleConns {
		if p.stale(conn) {
			stale = append(stale, conn)
			continue
		}
		keep = append(keep, conn)
	}
	p.idleConns = keep
	p.mu.Unlock()

	for _, conn := range stale {
		_ = p.removeConnection(conn, event.ReasonStale, err)
		_ = p.closeConnection(conn)
	}
}

// closeConnection closes a connection.
func (p *pool) closeConnection(conn *connection) error {
	if conn.pool != p {
		return ErrWrongPool
	}

	if conn.closed() {
		return nil
	}

	err := conn.close()
	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}

	return nil
}

// removeConnection removes a connection from the pool and emits a
// ConnectionClosed event.
func (p *pool) removeConnection(conn *connection, reason string, err error) error {
	if conn == nil {
		return nil
	}
	if conn.pool != p {
		return ErrWrongPool
	}

	p.mu.Lock()
	_, ok := p.conns[conn.driverConnectionID]
	if !ok {
		// If the connection has already been removed from the pool, exit
		// without doing any additional state changes.
		p.mu.Unlock()
		return nil
	}
	delete(p.conns, conn.driverConnectionID)
	p.mu.Unlock()

	// Only update the generation numbers map if the connection has retrieved
	// its generation number.
	if conn.hasGenerationNumber() {
		p.generation.removeConnection(conn.desc.ServiceID)
	}

	if p.monitor != nil {
		p.monitor.Event(&event.PoolEvent{
			Type:         event.ConnectionClosed,
			Address:      p.address.String(),
			ConnectionID: conn.driverConnectionID,
			Reason:       reason,
			Error:        err,
		})
	}

	return nil
}

// maintain runs in a background goroutine, removing perished idle connections
// and creating new connections until the pool holds minPoolSize connections.
func (p *pool) maintain() {
	defer p.backgroundDone.Done()

	ticker := time.NewTicker(p.maintainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-p.maintainStop:
			return
		}

		p.stateMu.Lock()
		state := p.state
		p.stateMu.Unlock()
		if state != poolReady {
			continue
		}

		// Remove perished idle connections.
		p.mu.Lock()
		var keep []*connection
		var perished []*connection
		var perishedReasons []string
		for _, conn := range p.idleConns {
			if reason, bad := connectionPerished(conn, p); bad {
				perished = append(perished, conn)
				perishedReasons = append(perishedReasons, reason)
				continue
			}
			keep = append(keep, conn)
		}
		p.idleConns = keep
		total := uint64(len(p.conns))
		p.mu.Unlock()

		for i, conn := range perished {
			_ = p.removeConnection(conn, perishedReasons[i], nil)
			_ = p.closeConnection(conn)
		}

		// Top the pool up to minPoolSize.
		for total < p.minSize {
			ctx, cancel := context.WithTimeout(context.Background(), p.maintainInterval)
			c := newConnection(p.address, p.connOpts...)
			c.pool = p

			p.mu.Lock()
			c.driverConnectionID = p.nextID
			p.nextID++
			p.conns[c.driverConnectionID] = c
			p.mu.Unlock()

			if err := p.establish(ctx, c); err != nil {
				cancel()
				break
			}
			cancel()

			// checkInNoEvent decrements checkedOut, so account for the
			// maintained connection never having been checked out.
			p.mu.Lock()
			p.checkedOut++
			p.mu.Unlock()
			_ = p.checkInNoEvent(c)

			p.mu.Lock()
			total = uint64(len(p.conns))
			p.mu.Unlock()
		}
	}
}
