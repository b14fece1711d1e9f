// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology contains types that handles the discovery, monitoring and
// selection of servers. This package is designed to expose enough inner
// workings of service discovery and monitoring to allow low level applications
// to have fine grained control, while hiding most of the detailed
// implementation of the algorithms.
package topology

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudresty/ulid"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/driver"
	"github.com/mongocore/driver/event"
	"github.com/mongocore/driver/internal/csot"
	"github.com/mongocore/driver/internal/logger"
)

// Topology state constants.
const (
	topologyDisconnected int64 = iota
	topologyDisconnecting
	topologyConnected
	topologyConnecting
)

// ErrTopologyClosed is returned when a user attempts to call a method on a
// closed Topology.
var ErrTopologyClosed = errors.New("topology is closed")

// ErrTopologyConnected is returned when a user attempts to Connect to an
// already connected Topology.
var ErrTopologyConnected = errors.New("topology is connected or connecting")

// ErrServerSelectionTimeout is returned from server selection when the server
// selection process took longer than allowed by the timeout.
var ErrServerSelectionTimeout = errors.New("server selection timeout")

// Topology represents a MongoDB deployment.
type Topology struct {
	state int64

	cfg *Config

	desc atomic.Value // holds a description.Topology

	id string

	done chan struct{}

	pollingRequired bool

	fsm *fsm

	// This mutex guards access to the fsm when applying server description
	// updates, serializing SDAM transitions.
	fsmLock sync.Mutex

	serversLock   sync.Mutex
	serversClosed bool
	servers       map[address.Address]*Server

	// lastScan tracks the most recent single-threaded scan, bounding rescans
	// by minHeartbeatInterval.
	lastScanLock sync.Mutex
	lastScan     time.Time

	subLock             sync.Mutex
	subscribers         map[uint64]chan description.Topology
	currentSubscriberID uint64
	subscriptionsClosed bool
}

var _ driver.Deployment = &Topology{}

// New creates a new topology. A "nil" config is interpreted as the default
// configuration.
func New(cfg *Config) (*Topology, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id, err := ulid.New()
	if err != nil {
		return nil, err
	}

	t := &Topology{
		cfg:         cfg,
		done:        make(chan struct{}),
		fsm:         newFSM(),
		id:          id,
		subscribers: make(map[uint64]chan description.Topology),
		servers:     make(map[address.Address]*Server),
	}
	t.desc.Store(description.Topology{})

	t.publishTopologyOpeningEvent()

	return t, nil
}

func (t *Topology) serverMonitor() *event.ServerMonitor {
	cfg := newServerConfig(t.cfg.ServerOpts...)
	return cfg.serverMonitor
}

// Connect initializes a Topology and starts the monitoring process. This
// function must be called to properly monitor the topology.
func (t *Topology) Connect() error {
	if !atomic.CompareAndSwapInt64(&t.state, topologyDisconnected, topologyConnecting) {
		return ErrTopologyConnected
	}

	t.desc.Store(description.Topology{})
	t.done = make(chan struct{})
	var err error
	t.serversLock.Lock()

	// Determine the initial kind from the configuration.
	switch {
	case t.cfg.LoadBalanced:
		t.fsm.Kind = description.LoadBalanced
	case t.cfg.Mode == SingleMode:
		t.fsm.Kind = description.Single
	case t.cfg.ReplicaSetName != "":
		t.fsm.Kind = description.ReplicaSetNoPrimary
		t.fsm.SetName = t.cfg.ReplicaSetName
	}

	for _, addr := range t.cfg.SeedList {
		canon := addr.Canonicalize()
		t.fsm.Servers = append(t.fsm.Servers, description.NewDefaultServer(canon))
	}

	var lbDesc *description.Server
	switch {
	case t.cfg.LoadBalanced:
		// In load balanced mode, the topology doesn't monitor servers, so
		// the server description is directly LoadBalancer.
		addr := t.cfg.SeedList[0].Canonicalize()
		desc := description.Server{Addr: addr, Kind: description.LoadBalancer}
		t.fsm.Servers = []description.Server{desc}

		if err := t.addServer(addr); err != nil {
			t.serversLock.Unlock()
			return err
		}

		lbDesc = &desc
	default:
		for _, a := range t.cfg.SeedList {
			addr := address.Address(a.String()).Canonicalize()
			if err = t.addServer(addr); err != nil {
				break
			}
		}
		t.desc.Store(t.fsm.Topology)
		t.publishTopologyDescriptionChangedEvent(description.Topology{}, t.fsm.Topology)
	}

	t.serversClosed = false
	t.serversLock.Unlock()
	if err != nil {
		return err
	}

	// The load balancer description is applied after releasing serversLock
	// because apply synchronizes monitored servers itself.
	if lbDesc != nil {
		t.apply(*lbDesc)
	}

	t.pollingRequired = t.cfg.SingleThreaded

	atomic.StoreInt64(&t.state, topologyConnected)
	return nil
}

// Disconnect closes the topology. It stops the monitoring thread and closes
// all open subscriptions.
func (t *Topology) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt64(&t.state, topologyConnected, topologyDisconnecting) {
		return ErrTopologyClosed
	}

	servers := make(map[address.Address]*Server)
	t.serversLock.Lock()
	t.serversClosed = true
	for addr, server := range t.servers {
		servers[addr] = server
	}
	t.serversLock.Unlock()

	for _, server := range servers {
		_ = server.Disconnect(ctx)
	}

	t.subLock.Lock()
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
	t.subscriptionsClosed = true
	t.subLock.Unlock()

	t.desc.Store(description.Topology{})
	close(t.done)

	atomic.StoreInt64(&t.state, topologyDisconnected)
	t.publishTopologyClosedEvent()
	return nil
}

// Description returns a description of the topology.
func (t *Topology) Description() description.Topology {
	td, ok := t.desc.Load().(description.Topology)
	if !ok {
		td = description.Topology{}
	}
	return td
}

// Kind returns the topology kind of this Topology.
func (t *Topology) Kind() description.TopologyKind { return t.Description().Kind }

// ID returns the unique identifier for this topology.
func (t *Topology) ID() string { return t.id }

// Subscribe returns a Subscription on which all updated description.
// Topologys will be sent. The channel of the subscription will have a buffer
// size of one, and will be pre-populated with the current
// description.Topology.
func (t *Topology) Subscribe() (*driver.Subscription, error) {
	if atomic.LoadInt64(&t.state) != topologyConnected {
		return nil, errors.New("cannot subscribe to Topology that is not connected")
	}
	ch := make(chan description.Topology, 1)
	td, ok := t.desc.Load().(description.Topology)
	if !ok {
		td = description.Topology{}
	}
	ch <- td

	t.subLock.Lock()
	defer t.subLock.Unlock()
	if t.subscriptionsClosed {
		return nil, ErrSubscribeAfterClosed
	}
	id := t.currentSubscriberID
	t.subscribers[id] = ch
	t.currentSubscriberID++

	return &driver.Subscription{
		Updates: ch,
		ID:      id,
	}, nil
}

// Unsubscribe unsubscribes the given subscription from the topology and closes
// the subscription channel.
func (t *Topology) Unsubscribe(sub *driver.Subscription) error {
	t.subLock.Lock()
	defer t.subLock.Unlock()

	if t.subscriptionsClosed {
		return nil
	}

	ch, ok := t.subscribers[sub.ID]
	if !ok {
		return nil
	}

	close(ch)
	delete(t.subscribers, sub.ID)
	return nil
}

// RequestImmediateCheck will send heartbeats to all the servers in the
// topology right away, instead of waiting for the heartbeat timeout.
func (t *Topology) RequestImmediateCheck() {
	t.serversLock.Lock()
	for _, server := range t.servers {
		server.RequestImmediateCheck()
	}
	t.serversLock.Unlock()
}

// SelectServer selects a server with given a selector. SelectServer complies
// with the server selection spec, and will time out after
// serverSelectionTimeout or when the parent context is done.
func (t *Topology) SelectServer(ctx context.Context, ss description.ServerSelector) (driver.Server, error) {
	if atomic.LoadInt64(&t.state) != topologyConnected {
		return nil, ErrTopologyClosed
	}

	ctx, cancel := csot.WithServerSelectionTimeout(ctx, t.cfg.ServerSelectionTimeout)
	defer cancel()

	var doneOnce bool
	var sub *driver.Subscription
	selectionState := newServerSelectionState(ss)

	// Count rescans for the single-threaded tryOnce bound.
	tryOnce := t.cfg.SingleThreaded && t.cfg.ServerSelectionTryOnce
	attempts := 0

	for {
		var suitable []description.Server
		var selectErr error

		if !doneOnce {
			if t.pollingRequired {
				if err := t.pollSingleThreaded(ctx); err != nil {
					return nil, t.singleThreadedSelectionError(err, tryOnce)
				}
			}

			// for the first pass, select a server from the current
			// description. this improves selection speed for up-to-date
			// topology descriptions.
			suitable, selectErr = t.selectServerFromDescription(t.Description(), selectionState)
			doneOnce = true
		} else if t.pollingRequired {
			attempts++
			if tryOnce && attempts > 1 {
				return nil, t.singleThreadedSelectionError(ErrServerSelectionTimeout, tryOnce)
			}
			if err := t.pollSingleThreaded(ctx); err != nil {
				return nil, t.singleThreadedSelectionError(err, tryOnce)
			}
			suitable, selectErr = t.selectServerFromDescription(t.Description(), selectionState)
		} else {
			// if the first pass didn't select a server, the previous
			// description did not include a suitable server, so monitor the
			// topology changes.
			if sub == nil {
				var err error
				sub, err = t.Subscribe()
				if err != nil {
					return nil, err
				}
				defer func() { _ = t.Unsubscribe(sub) }()
			}

			suitable, selectErr = t.selectServerFromSubscription(ctx, sub.Updates, selectionState)
		}
		if selectErr != nil {
			return nil, selectErr
		}

		if len(suitable) == 0 {
			// try again if there are no servers available
			continue
		}

		// If there's only one suitable server description, try to find the
		// associated server and return it. This is an optimization primarily
		// for standalone and load-balanced deployments.
		if len(suitable) == 1 {
			server, err := t.FindServer(suitable[0])
			if server == nil || err != nil {
				continue
			}
			return server, nil
		}

		// Pick a random server from the suitable servers.
		selected := suitable[rand.Intn(len(suitable))]
		selectedServer, err := t.FindServer(selected)
		if selectedServer == nil || err != nil {
			continue
		}

		return selectedServer, nil
	}
}

// FindServer will attempt to find a server that fits the given server
// description. This method will return nil, nil if a matching server could
// not be found.
func (t *Topology) FindServer(selected description.Server) (*SelectedServer, error) {
	if atomic.LoadInt64(&t.state) != topologyConnected {
		return nil, ErrTopologyClosed
	}
	t.serversLock.Lock()
	defer t.serversLock.Unlock()
	server, ok := t.servers[selected.Addr]
	if !ok {
		return nil, nil
	}

	desc := t.Description()
	return &SelectedServer{
		Server: server,
		Kind:   desc.Kind,
	}, nil
}

// serverSelectionState holds the selection-pressure state for one call to
// SelectServer.
type serverSelectionState struct {
	selector description.ServerSelector
}

func newServerSelectionState(selector description.ServerSelector) serverSelectionState {
	return serverSelectionState{selector: selector}
}

// selectServerFromSubscription loops until a topology description is available
// for server selection. It returns an error if the topology is disconnected.
func (t *Topology) selectServerFromSubscription(
	ctx context.Context,
	subscriptionCh <-chan description.Topology,
	selectionState serverSelectionState,
) ([]description.Server, error) {
	current := t.Description()
	for {
		// Check for a suitable server before waiting: updates may have
		// raced the subscription.
		suitable, err := t.selectServerFromDescription(current, selectionState)
		if err != nil {
			return nil, err
		}
		if len(suitable) > 0 {
			return suitable, nil
		}

		// No server is suitable yet; ask the monitors to re-check sooner
		// than the heartbeat cadence and wait for a topology change.
		t.RequestImmediateCheck()

		select {
		case <-ctx.Done():
			return nil, ServerSelectionError{Wrapped: ctx.Err(), Desc: current}
		case current = <-subscriptionCh:
		case <-t.done:
			return nil, ServerSelectionError{Wrapped: ErrTopologyClosed, Desc: current}
		}
	}
}

// selectServerFromDescription process the given topology description and
// returns a slice of suitable servers.
func (t *Topology) selectServerFromDescription(
	desc description.Topology,
	selectionState serverSelectionState,
) ([]description.Server, error) {
	// Unlike selectServerFromSubscription, this code path does not check
	// ctx.Done or the selection timeout because it only runs logic.

	if desc.CompatibilityErr != nil {
		return nil, desc.CompatibilityErr
	}

	var allowed []description.Server
	for _, s := range desc.Servers {
		if s.Kind != description.Unknown {
			allowed = append(allowed, s)
		}
	}

	suitable, err := selectionState.selector.SelectServer(desc, allowed)
	if err != nil {
		return nil, ServerSelectionError{Wrapped: err, Desc: desc}
	}
	return suitable, nil
}

// singleThreadedSelectionError builds the selection error for the
// single-threaded scan path, mentioning serverSelectionTryOnce when that
// mode bounded the attempt.
func (t *Topology) singleThreadedSelectionError(err error, tryOnce bool) error {
	if tryOnce {
		err = fmt.Errorf("server selection failed with serverSelectionTryOnce set: %w", err)
	}
	return ServerSelectionError{Wrapped: err, Desc: t.Description()}
}

// pollSingleThreaded synchronously probes every monitored server, subject to
// the minHeartbeatInterval rate limit. It is only used when the topology was
// configured without background monitoring.
func (t *Topology) pollSingleThreaded(ctx context.Context) error {
	t.lastScanLock.Lock()
	sinceLast := time.Since(t.lastScan)
	if sinceLast < minHeartbeatInterval {
		wait := minHeartbeatInterval - sinceLast
		t.lastScanLock.Unlock()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		t.lastScanLock.Lock()
	}
	t.lastScan = time.Now()
	t.lastScanLock.Unlock()

	t.serversLock.Lock()
	servers := make([]*Server, 0, len(t.servers))
	for _, server := range t.servers {
		servers = append(servers, server)
	}
	t.serversLock.Unlock()

	for _, server := range servers {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Servers that failed their last probe less than cooldownInterval
		// ago are skipped. Replica set members are not exempt.
		desc := server.Description()
		if desc.Kind == description.Unknown && desc.LastError != nil &&
			time.Since(desc.LastUpdateTime) < cooldownInterval {
			continue
		}

		heartbeatDesc, err := server.check()
		if err != nil {
			continue
		}
		server.updateDescription(heartbeatDesc)
		if heartbeatDesc.LastError != nil {
			server.pool.clear(heartbeatDesc.LastError, nil)
		}
	}

	return nil
}

// apply applies an updated description.Server to the topology, running the
// SDAM state machine and publishing the new topology snapshot atomically. It
// returns the server description that should be stored by the caller.
func (t *Topology) apply(desc description.Server) description.Server {
	t.fsmLock.Lock()
	defer t.fsmLock.Unlock()

	ind, ok := t.fsm.findServer(desc.Addr)
	if t.serversClosed || !ok {
		return desc
	}

	prev := t.fsm.Topology
	oldDesc := t.fsm.Servers[ind]
	if description.CompareTopologyVersion(oldDesc.TopologyVersion, desc.TopologyVersion) > 0 {
		return oldDesc
	}

	var current description.Topology
	current, desc = t.fsm.apply(desc)

	if !serverDescriptionsEqual(oldDesc, desc) || oldDesc.Kind != desc.Kind {
		t.publishServerDescriptionChangedEventForTopology(desc.Addr, oldDesc, desc)
	}

	diff := diffTopology(prev, current)

	for _, removed := range diff.Removed {
		t.serversLock.Lock()
		if server, ok := t.servers[removed.Addr]; ok {
			go func() {
				cancelCtx, cancel := context.WithCancel(context.Background())
				cancel()
				_ = server.Disconnect(cancelCtx)
			}()
			delete(t.servers, removed.Addr)
		}
		t.serversLock.Unlock()
	}

	for _, added := range diff.Added {
		t.serversLock.Lock()
		if !t.serversClosed {
			_ = t.addServer(added.Addr)
		}
		t.serversLock.Unlock()
	}

	t.desc.Store(current)
	if !topologyDescriptionsEqual(prev, current) {
		t.publishTopologyDescriptionChangedEvent(prev, current)
	}

	t.subLock.Lock()
	for _, ch := range t.subscribers {
		// drain the channel if it isn't empty
		select {
		case <-ch:
		default:
		}
		ch <- current
	}
	t.subLock.Unlock()

	return desc
}

// addServer creates a server for the given address and starts monitoring it.
// The caller must hold serversLock.
func (t *Topology) addServer(addr address.Address) error {
	if _, ok := t.servers[addr]; ok {
		return nil
	}

	opts := make([]ServerOption, len(t.cfg.ServerOpts))
	copy(opts, t.cfg.ServerOpts)
	if t.cfg.SingleThreaded {
		opts = append(opts, withMonitoringDisabled(func(bool) bool { return true }))
	}

	svr, err := ConnectServer(addr, t.apply, t.id, opts...)
	if err != nil {
		return err
	}

	t.servers[addr] = svr

	return nil
}

// diff the two topology descriptions and return the difference.
type topologyDiff struct {
	Added   []description.Server
	Removed []description.Server
}

func diffTopology(old, new description.Topology) topologyDiff {
	var diff topologyDiff

	oldServers := make(map[string]bool)
	for _, s := range old.Servers {
		oldServers[s.Addr.String()] = true
	}

	for _, s := range new.Servers {
		addr := s.Addr.String()
		if oldServers[addr] {
			delete(oldServers, addr)
		} else {
			diff.Added = append(diff.Added, s)
		}
	}

	for _, s := range old.Servers {
		if oldServers[s.Addr.String()] {
			diff.Removed = append(diff.Removed, s)
		}
	}

	return diff
}

// serverDescriptionsEqual compares the fields of two server descriptions that
// are relevant for SDAM equality.
func serverDescriptionsEqual(a, b description.Server) bool {
	return a.Addr == b.Addr &&
		a.Kind == b.Kind &&
		a.SetName == b.SetName &&
		a.SetVersion == b.SetVersion &&
		a.ElectionID == b.ElectionID &&
		a.Primary == b.Primary &&
		addressesEqual(a.Members, b.Members) &&
		((a.LastError == nil) == (b.LastError == nil))
}

func topologyDescriptionsEqual(a, b description.Topology) bool {
	if a.Kind != b.Kind || a.SetName != b.SetName || len(a.Servers) != len(b.Servers) {
		return false
	}
	for i := range a.Servers {
		if !serverDescriptionsEqual(a.Servers[i], b.Servers[i]) {
			return false
		}
	}
	return true
}

func addressesEqual(a, b []address.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String implements the Stringer interface.
func (t *Topology) String() string {
	desc := t.Description()

	serversStr := ""
	t.serversLock.Lock()
	defer t.serversLock.Unlock()
	for _, s := range t.servers {
		serversStr += "{ " + s.String() + " }, "
	}
	return fmt.Sprintf("Type: %s, Servers: [%s]", desc.Kind, serversStr)
}

// publishes a ServerDescriptionChangedEvent for a server whose description
// changed while applying a new server description to the topology.
func (t *Topology) publishServerDescriptionChangedEventForTopology(
	addr address.Address,
	prev description.Server,
	current description.Server,
) {
	if mon := t.serverMonitor(); mon != nil && mon.ServerDescriptionChanged != nil {
		mon.ServerDescriptionChanged(&event.ServerDescriptionChangedEvent{
			Address:             addr,
			TopologyID:          t.id,
			PreviousDescription: prev,
			NewDescription:      current,
		})
	}
}

// publishes a TopologyDescriptionChangedEvent to indicate the topology
// description has changed.
func (t *Topology) publishTopologyDescriptionChangedEvent(prev description.Topology, current description.Topology) {
	if mon := t.serverMonitor(); mon != nil && mon.TopologyDescriptionChanged != nil {
		mon.TopologyDescriptionChanged(&event.TopologyDescriptionChangedEvent{
			TopologyID:          t.id,
			PreviousDescription: prev,
			NewDescription:      current,
		})
	}

	if t.cfg.Logger != nil {
		t.cfg.Logger.Print(logger.LevelDebug, logger.ComponentTopology,
			logger.TopologyDescChanged,
			logger.KeyTopologyDescription, current.String(),
		)
	}
}

// publishes a TopologyOpeningEvent to indicate the topology is being
// initialized.
func (t *Topology) publishTopologyOpeningEvent() {
	if mon := t.serverMonitor(); mon != nil && mon.TopologyOpening != nil {
		mon.TopologyOpening(&event.TopologyOpeningEvent{
			TopologyID: t.id,
		})
	}
}

// publishes a TopologyClosedEvent to indicate the topology has been closed.
func (t *Topology) publishTopologyClosedEvent() {
	if mon := t.serverMonitor(); mon != nil && mon.TopologyClosed != nil {
		mon.TopologyClosed(&event.TopologyClosedEvent{
			TopologyID: t.id,
		})
	}
}
