// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package cluster exposes the driver core as a single facade: it discovers
// and monitors a deployment, selects servers, and multiplexes commands over
// pooled connections. Commands are raw BSON documents; results are returned
// as raw BSON or as a Cursor for cursor-producing commands.
package cluster

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cloudresty/ulid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/driver"
	"github.com/mongocore/driver/driver/auth"
	"github.com/mongocore/driver/driver/session"
	"github.com/mongocore/driver/driver/topology"
	"github.com/mongocore/driver/event"
	"github.com/mongocore/driver/internal/logger"
	"github.com/mongocore/driver/readconcern"
	"github.com/mongocore/driver/readpref"
	"github.com/mongocore/driver/writeconcern"
)

// ErrClusterDisconnected is returned when an operation is run against a
// cluster that has been disconnected.
var ErrClusterDisconnected = errors.New("cluster is disconnected")

// Counters tracks wire-level totals for observability and tests. All fields
// are updated atomically.
type Counters struct {
	OpEgressMsg     int64
	OpIngressMsg    int64
	OpEgressTotal   int64
	StreamsActive   int64
	StreamsDisposed int64
}

// Cluster is a logical connection to a MongoDB deployment.
type Cluster struct {
	cfg      *Config
	topology *topology.Topology
	clock    *session.ClusterClock
	logger   *logger.Logger

	monitor     *event.CommandMonitor
	poolMonitor *event.PoolMonitor

	defaultRP *readpref.ReadPref
	defaultWC *writeconcern.WriteConcern

	localThreshold time.Duration
	socketTimeout  time.Duration
	retryReads     bool
	retryWrites    bool

	counters Counters

	connected int32
}

// Connect creates a cluster from the provided options and starts monitoring.
func Connect(opts ...Option) (*Cluster, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Start(); err != nil {
		return nil, err
	}
	return c, nil
}

// New creates a Cluster from a Config without starting topology monitoring.
func New(cfg *Config) (*Cluster, error) {
	log, err := logger.New(cfg.LogSink, 0, cfg.LogComponentLevels)
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		cfg:            cfg,
		clock:          new(session.ClusterClock),
		logger:         log,
		defaultRP:      cfg.readPref(),
		localThreshold: cfg.LocalThreshold,
		socketTimeout:  cfg.SocketTimeout,
		retryReads:     cfg.RetryReads,
		retryWrites:    cfg.RetryWrites,
	}
	c.defaultWC, _ = cfg.writeConcern()
	c.monitor = c.chainCommandMonitor(cfg.CommandMonitor)
	c.poolMonitor = c.chainPoolMonitor(cfg.PoolMonitor)

	topoCfg, err := c.topologyConfig()
	if err != nil {
		return nil, err
	}
	topo, err := topology.New(topoCfg)
	if err != nil {
		return nil, err
	}
	c.topology = topo

	return c, nil
}

// Start begins monitoring the deployment.
func (c *Cluster) Start() error {
	if !atomic.CompareAndSwapInt32(&c.connected, 0, 1) {
		return errors.New("cluster is already connected")
	}
	return c.topology.Connect()
}

// Disconnect stops monitoring and closes all sockets. In-flight operations
// are allowed to complete until ctx expires.
func (c *Cluster) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.connected, 1, 0) {
		return ErrClusterDisconnected
	}
	return c.topology.Disconnect(ctx)
}

// Topology exposes the underlying topology. It is primarily useful for
// observability and tests.
func (c *Cluster) Topology() *topology.Topology { return c.topology }

// Counters returns a snapshot of the wire counters.
func (c *Cluster) Counters() Counters {
	return Counters{
		OpEgressMsg:     atomic.LoadInt64(&c.counters.OpEgressMsg),
		OpIngressMsg:    atomic.LoadInt64(&c.counters.OpIngressMsg),
		OpEgressTotal:   atomic.LoadInt64(&c.counters.OpEgressTotal),
		StreamsActive:   atomic.LoadInt64(&c.counters.StreamsActive),
		StreamsDisposed: atomic.LoadInt64(&c.counters.StreamsDisposed),
	}
}

// CommandOptions configures a single RunCommand or RunCursorCommand call.
type CommandOptions struct {
	// ReadPreference overrides the cluster default.
	ReadPreference *readpref.ReadPref

	// Write marks the command as a write operation: selection targets
	// writable servers and the retryable-write policy applies.
	Write bool

	ReadConcern  *readconcern.ReadConcern
	WriteConcern *writeconcern.WriteConcern

	// MaxTime bounds server-side execution via maxTimeMS.
	MaxTime *time.Duration

	// BatchSize, MaxAwaitTime, Tailable, and AwaitData only apply to
	// RunCursorCommand.
	BatchSize    int32
	MaxAwaitTime *time.Duration
	Tailable     bool
	AwaitData    bool

	// Session attaches an explicit session. When nil, an implicit session is
	// created if the deployment supports sessions.
	Session *session.Client
}

// RunCommand runs a single command against a selected server and returns the
// server's reply document.
func (c *Cluster) RunCommand(ctx context.Context, db string, cmd bsoncore.Document, opts *CommandOptions) (bson.Raw, error) {
	var response bsoncore.Document
	op, cleanup, err := c.createOperation(db, cmd, opts)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	op.ProcessResponseFn = func(_ context.Context, info driver.ResponseInfo) error {
		response = info.ServerResponse
		return nil
	}

	if err := op.Execute(ctx); err != nil {
		return nil, err
	}
	return bson.Raw(response), nil
}

// RunCursorCommand runs a cursor-producing command (find, aggregate,
// listCollections, ...) and returns a Cursor over the result set. The cursor
// is pinned to the server and pool generation that produced the first batch.
func (c *Cluster) RunCursorCommand(ctx context.Context, db string, cmd bsoncore.Document, opts *CommandOptions) (*Cursor, error) {
	if opts == nil {
		opts = &CommandOptions{}
	}
	op, cleanup, err := c.createOperation(db, cmd, opts)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var bc *driver.BatchCursor
	op.ProcessResponseFn = func(_ context.Context, info driver.ResponseInfo) error {
		curresp, err := driver.NewCursorResponse(info)
		if err != nil {
			return err
		}
		cursorOpts := driver.CursorOptions{
			BatchSize:      opts.BatchSize,
			MaxAwaitTime:   opts.MaxAwaitTime,
			Tailable:       opts.Tailable,
			AwaitData:      opts.AwaitData,
			CommandMonitor: c.monitor,
			Logger:         c.logger,
		}
		bc, err = driver.NewBatchCursor(curresp, op.Client, c.clock, cursorOpts)
		return err
	}

	if err := op.Execute(ctx); err != nil {
		return nil, err
	}
	if bc == nil {
		return nil, errors.New("command did not return a cursor")
	}

	return newCursor(bc), nil
}

// Ping checks whether a server satisfying the read preference is reachable.
func (c *Cluster) Ping(ctx context.Context, rp *readpref.ReadPref) error {
	cmd := bsoncore.NewDocumentBuilder().AppendInt32("ping", 1).Build()
	_, err := c.RunCommand(ctx, "admin", cmd, &CommandOptions{ReadPreference: rp})
	return err
}

// createOperation assembles the driver.Operation shared by RunCommand and
// RunCursorCommand, including session, retry policy, and selection settings.
func (c *Cluster) createOperation(db string, cmd bsoncore.Document, opts *CommandOptions) (*driver.Operation, func(), error) {
	if atomic.LoadInt32(&c.connected) != 1 {
		return nil, nil, ErrClusterDisconnected
	}
	if opts == nil {
		opts = &CommandOptions{}
	}
	if err := cmd.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid command document: %w", err)
	}
	if len(cmd) <= 5 {
		return nil, nil, errors.New("command document must have at least one element")
	}

	opType := driver.Read
	if opts.Write {
		opType = driver.Write
	}

	rp := opts.ReadPreference
	if rp == nil {
		rp = c.defaultRP
	}
	wc := opts.WriteConcern
	if wc == nil && opts.Write {
		wc = c.defaultWC
	}
	if err := wc.Validate(); err != nil {
		return nil, nil, err
	}

	var selector description.ServerSelector
	if opts.Write {
		selector = description.CompositeSelector([]description.ServerSelector{
			description.WriteSelector(),
			description.LatencySelector(c.localThreshold),
		})
	} else {
		selector = description.CompositeSelector([]description.ServerSelector{
			description.ReadPrefSelector(rp),
			description.LatencySelector(c.localThreshold),
		})
	}

	// Create an implicit session so lsid and txnNumber flow through to the
	// server, enabling write de-duplication on retry.
	sess := opts.Session
	cleanup := func() {}
	if sess == nil {
		var err error
		sess, err = session.NewImplicitClientSession()
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { sess.EndSession() }
	}

	var retry driver.RetryMode
	if (opts.Write && c.retryWrites) || (!opts.Write && c.retryReads) {
		retry = driver.RetryOnce
	}

	operationID, err := ulid.New()
	if err != nil {
		return nil, nil, err
	}

	op := &driver.Operation{
		CommandFn: func(dst []byte, _ description.SelectedServer) ([]byte, error) {
			elems, err := cmd.Elements()
			if err != nil {
				return dst, err
			}
			for _, elem := range elems {
				dst = append(dst, elem...)
			}
			return dst, nil
		},
		Database:       db,
		Deployment:     c.topology,
		Selector:       selector,
		ReadPreference: rp,
		ReadConcern:    opts.ReadConcern,
		WriteConcern:   wc,
		Client:         sess,
		Clock:          c.clock,
		RetryMode:      &retry,
		Type:           opType,
		CommandMonitor: c.monitor,
		MaxTime:        opts.MaxTime,
		Logger:         c.logger,
		Name:           commandName(cmd),
		OperationID:    operationID,
	}

	return op, cleanup, nil
}

// commandName returns the first key of a command document.
func commandName(cmd bsoncore.Document) string {
	elems, err := cmd.Elements()
	if err != nil || len(elems) == 0 {
		return ""
	}
	return elems[0].Key()
}

// topologyConfig converts the cluster Config into a topology Config.
func (c *Cluster) topologyConfig() (*topology.Config, error) {
	cfg := c.cfg

	topoCfg := topology.NewConfig()
	topoCfg.SeedList = cfg.hosts()
	topoCfg.ReplicaSetName = cfg.ReplicaSet
	topoCfg.ServerSelectionTimeout = cfg.ServerSelectionTimeout
	topoCfg.ServerSelectionTryOnce = cfg.ServerSelectionTryOnce
	topoCfg.SingleThreaded = cfg.SingleThreaded
	topoCfg.LoadBalanced = cfg.LoadBalanced
	topoCfg.Logger = c.logger
	if cfg.DirectConnection {
		topoCfg.Mode = topology.SingleMode
	}

	connOpts, err := c.connectionOptions()
	if err != nil {
		return nil, err
	}

	serverOpts := []topology.ServerOption{
		topology.WithServerAppName(func(string) string { return cfg.AppName }),
		topology.WithHeartbeatInterval(func(time.Duration) time.Duration { return cfg.HeartbeatInterval }),
		topology.WithHeartbeatTimeout(func(time.Duration) time.Duration { return cfg.ConnectTimeout }),
		topology.WithCompressionOptions(func(...string) []string { return cfg.compressors() }),
		topology.WithConnectionOptions(func(...topology.ConnectionOption) []topology.ConnectionOption { return connOpts }),
		topology.WithMaxConnections(func(uint64) uint64 { return cfg.MaxPoolSize }),
		topology.WithMinConnections(func(uint64) uint64 { return cfg.MinPoolSize }),
		topology.WithConnectionPoolMaxIdleTime(func(time.Duration) time.Duration { return cfg.MaxIdleTime }),
		topology.WithConnectionPoolMonitor(func(*event.PoolMonitor) *event.PoolMonitor { return c.poolMonitor }),
		topology.WithServerMonitor(func(*event.ServerMonitor) *event.ServerMonitor { return cfg.ServerMonitor }),
		topology.WithClock(func(*session.ClusterClock) *session.ClusterClock { return c.clock }),
		topology.WithServerLoadBalanced(func(bool) bool { return cfg.LoadBalanced }),
		topology.WithLogger(func() *logger.Logger { return c.logger }),
	}
	topoCfg.ServerOpts = serverOpts

	return topoCfg, nil
}

// connectionOptions builds the per-connection options, including the
// authenticating handshaker.
func (c *Cluster) connectionOptions() ([]topology.ConnectionOption, error) {
	cfg := c.cfg

	connOpts := []topology.ConnectionOption{
		topology.WithConnectTimeout(func(time.Duration) time.Duration { return cfg.ConnectTimeout }),
		topology.WithReadTimeout(func(time.Duration) time.Duration { return cfg.SocketTimeout }),
		topology.WithWriteTimeout(func(time.Duration) time.Duration { return cfg.SocketTimeout }),
		topology.WithCompressors(func([]string) []string { return cfg.compressors() }),
		topology.WithConnectionLoadBalanced(func(bool) bool { return cfg.LoadBalanced }),
	}

	if cfg.ZlibCompressionLevel != 0 {
		level := cfg.ZlibCompressionLevel
		connOpts = append(connOpts, topology.WithZlibLevel(func(*int) *int { return &level }))
	}
	if cfg.ZstdCompressionLevel != 0 {
		level := cfg.ZstdCompressionLevel
		connOpts = append(connOpts, topology.WithZstdLevel(func(*int) *int { return &level }))
	}

	tlsCfg, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		connOpts = append(connOpts, topology.WithTLSConfig(func(*tls.Config) *tls.Config { return tlsCfg }))
	}

	authenticator, err := cfg.credential()
	if err != nil {
		return nil, err
	}

	handshakeOpts := &auth.HandshakeOptions{
		AppName:       cfg.AppName,
		Authenticator: authenticator,
		Compressors:   cfg.compressors(),
		ClusterClock:  c.clock,
		LoadBalanced:  cfg.LoadBalanced,
	}
	if cfg.AuthMechanism == "" && authenticator != nil {
		// Negotiate default auth mechanism based on server's advertised
		// mechanisms for the user.
		handshakeOpts.DBUser = cfg.AuthSource + "." + cfg.Username
	}
	handshaker := auth.Handshaker(nil, handshakeOpts)
	connOpts = append(connOpts, topology.WithHandshaker(func(driver.Handshaker) driver.Handshaker {
		return handshaker
	}))

	return connOpts, nil
}

// chainCommandMonitor wraps the user's command monitor with the cluster's
// wire counters.
func (c *Cluster) chainCommandMonitor(user *event.CommandMonitor) *event.CommandMonitor {
	return &event.CommandMonitor{
		Started: func(ctx context.Context, evt *event.CommandStartedEvent) {
			atomic.AddInt64(&c.counters.OpEgressMsg, 1)
			atomic.AddInt64(&c.counters.OpEgressTotal, 1)
			if user != nil && user.Started != nil {
				user.Started(ctx, evt)
			}
		},
		Succeeded: func(ctx context.Context, evt *event.CommandSucceededEvent) {
			atomic.AddInt64(&c.counters.OpIngressMsg, 1)
			if user != nil && user.Succeeded != nil {
				user.Succeeded(ctx, evt)
			}
		},
		Failed: func(ctx context.Context, evt *event.CommandFailedEvent) {
			if user != nil && user.Failed != nil {
				user.Failed(ctx, evt)
			}
		},
	}
}

// chainPoolMonitor wraps the user's pool monitor with the stream counters.
func (c *Cluster) chainPoolMonitor(user *event.PoolMonitor) *event.PoolMonitor {
	return &event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				atomic.AddInt64(&c.counters.StreamsActive, 1)
			case event.ConnectionClosed:
				atomic.AddInt64(&c.counters.StreamsActive, -1)
				atomic.AddInt64(&c.counters.StreamsDisposed, 1)
			}
			if user != nil && user.Event != nil {
				user.Event(evt)
			}
		},
	}
}
