// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/driver/session"
	"github.com/mongocore/driver/wiremessage"
)

func sessionSupportedDesc(addr string) description.Server {
	// Wire version 8 (4.2) exercises the code-based retryability rules; 4.4+
	// servers communicate retryability via error labels instead.
	wv := description.NewVersionRange(6, 8)
	timeout := int64(30)
	return description.Server{
		Addr:                  address.Address(addr),
		Kind:                  description.RSPrimary,
		WireVersion:           &wv,
		SessionTimeoutMinutes: &timeout,
		MaxDocumentSize:       16777216,
		MaxMessageSize:        48000000,
		MaxBatchCount:         100000,
	}
}

// buildReply constructs an OP_MSG server reply wire message carrying the
// given command document.
func buildReply(t *testing.T, elems func([]byte) []byte) []byte {
	t.Helper()
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = elems(doc)
	doc, err := bsoncore.AppendDocumentEnd(doc, idx)
	if err != nil {
		t.Fatalf("error building reply document: %v", err)
	}

	wmIdx, wm := wiremessage.AppendHeaderStart(nil, 0, wiremessage.NextRequestID(), wiremessage.OpMsg)
	wm = wiremessage.AppendMsgFlags(wm, 0)
	wm = wiremessage.AppendMsgSectionType(wm, wiremessage.SingleDocument)
	wm = append(wm, doc...)
	return wiremessage.UpdateLength(wm, wmIdx, int32(len(wm)))
}

func okReply(t *testing.T) []byte {
	return buildReply(t, func(dst []byte) []byte {
		return bsoncore.AppendInt32Element(dst, "ok", 1)
	})
}

func notPrimaryReply(t *testing.T) []byte {
	return buildReply(t, func(dst []byte) []byte {
		dst = bsoncore.AppendInt32Element(dst, "ok", 0)
		dst = bsoncore.AppendStringElement(dst, "errmsg", "not master")
		return bsoncore.AppendInt32Element(dst, "code", 10107)
	})
}

type mockConnection struct {
	desc      description.Server
	written   [][]byte
	responses [][]byte
	readIdx   int
	writeErr  error
}

func (m *mockConnection) WriteWireMessage(_ context.Context, wm []byte) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	cp := make([]byte, len(wm))
	copy(cp, wm)
	m.written = append(m.written, cp)
	return nil
}

func (m *mockConnection) ReadWireMessage(context.Context) ([]byte, error) {
	if m.readIdx >= len(m.responses) {
		return nil, errors.New("no response queued")
	}
	res := m.responses[m.readIdx]
	m.readIdx++
	return res, nil
}

func (m *mockConnection) Description() description.Server { return m.desc }
func (m *mockConnection) Close() error                    { return nil }
func (m *mockConnection) ID() string                      { return "test[-1]" }
func (m *mockConnection) ServerConnectionID() *int64      { return nil }
func (m *mockConnection) DriverConnectionID() uint64      { return 1 }
func (m *mockConnection) Address() address.Address        { return m.desc.Addr }
func (m *mockConnection) Stale() bool                     { return false }

type mockServer struct {
	conn      *mockConnection
	processed []error
}

func (m *mockServer) Connection(context.Context) (Connection, error) { return m.conn, nil }
func (m *mockServer) RTTMonitor() RTTMonitor                         { return &zeroRTTMonitor{} }
func (m *mockServer) ProcessError(err error, _ Connection) ProcessErrorResult {
	m.processed = append(m.processed, err)
	return ServerMarkedUnknown
}

type mockDeployment struct {
	servers []*mockServer
	idx     int
}

func (m *mockDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	if m.idx >= len(m.servers) {
		return nil, errors.New("no more servers")
	}
	srvr := m.servers[m.idx]
	m.idx++
	return srvr, nil
}

func (m *mockDeployment) Kind() description.TopologyKind { return description.ReplicaSetWithPrimary }

// commandFromWireMessage extracts the section-0 command document from an
// OP_MSG request.
func commandFromWireMessage(t *testing.T, wm []byte) bsoncore.Document {
	t.Helper()
	_, _, _, opcode, rem, ok := wiremessage.ReadHeader(wm)
	if !ok || opcode != wiremessage.OpMsg {
		t.Fatalf("expected an OP_MSG request, got %v", opcode)
	}
	_, rem, ok = wiremessage.ReadMsgFlags(rem)
	if !ok {
		t.Fatal("malformed request: missing flags")
	}
	stype, rem, ok := wiremessage.ReadMsgSectionType(rem)
	if !ok || stype != wiremessage.SingleDocument {
		t.Fatalf("expected a single-document section, got %v", stype)
	}
	doc, _, ok := wiremessage.ReadMsgSectionSingleDocument(rem)
	if !ok {
		t.Fatal("malformed request: could not read command document")
	}
	return doc
}

func pingOperation(d Deployment, sess *session.Client, clock *session.ClusterClock, retry *RetryMode, opType Type) Operation {
	return Operation{
		CommandFn: func(dst []byte, _ description.SelectedServer) ([]byte, error) {
			return bsoncore.AppendInt32Element(dst, "ping", 1), nil
		},
		Database:   "admin",
		Deployment: d,
		Client:     sess,
		Clock:      clock,
		RetryMode:  retry,
		Type:       opType,
	}
}

func TestOperationExecute_clusterTimePropagates(t *testing.T) {
	t.Parallel()

	firstReply := buildReply(t, func(dst []byte) []byte {
		dst = bsoncore.AppendInt32Element(dst, "ok", 1)
		var idx int32
		idx, dst = bsoncore.AppendDocumentElementStart(dst, "$clusterTime")
		dst = bsoncore.AppendTimestampElement(dst, "clusterTime", 2, 1)
		dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
		return dst
	})

	conn := &mockConnection{
		desc:      sessionSupportedDesc("a:27017"),
		responses: [][]byte{firstReply, okReply(t)},
	}
	srvr := &mockServer{conn: conn}
	deployment := &mockDeployment{servers: []*mockServer{srvr, srvr}}

	clock := new(session.ClusterClock)

	op := pingOperation(deployment, nil, clock, nil, Read)
	if err := op.Execute(context.Background()); err != nil {
		t.Fatalf("first execute errored: %v", err)
	}
	if err := op.Execute(context.Background()); err != nil {
		t.Fatalf("second execute errored: %v", err)
	}

	if len(conn.written) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(conn.written))
	}

	// The first command cannot carry a cluster time; the second must carry
	// the time from the first reply.
	firstCmd := commandFromWireMessage(t, conn.written[0])
	if _, err := firstCmd.LookupErr("$clusterTime"); err == nil {
		t.Fatal("did not expect $clusterTime on the first command")
	}

	secondCmd := commandFromWireMessage(t, conn.written[1])
	val, err := secondCmd.LookupErr("$clusterTime", "clusterTime")
	if err != nil {
		t.Fatalf("expected $clusterTime on the second command: %v", err)
	}
	tt, ii, ok := val.TimestampOK()
	if !ok || tt != 2 || ii != 1 {
		t.Fatalf("expected timestamp (2, 1), got (%d, %d)", tt, ii)
	}
}

func TestOperationExecute_retriesOnceOnNotPrimary(t *testing.T) {
	t.Parallel()

	failingConn := &mockConnection{
		desc:      sessionSupportedDesc("a:27017"),
		responses: [][]byte{notPrimaryReply(t)},
	}
	failingServer := &mockServer{conn: failingConn}

	healthyConn := &mockConnection{
		desc:      sessionSupportedDesc("b:27017"),
		responses: [][]byte{okReply(t)},
	}
	healthyServer := &mockServer{conn: healthyConn}

	deployment := &mockDeployment{servers: []*mockServer{failingServer, healthyServer}}

	sess, err := session.NewImplicitClientSession()
	if err != nil {
		t.Fatalf("error creating session: %v", err)
	}
	retry := RetryOnce

	op := pingOperation(deployment, sess, nil, &retry, Write)
	if err := op.Execute(context.Background()); err != nil {
		t.Fatalf("expected the retried operation to succeed, got %v", err)
	}

	if len(failingConn.written) != 1 || len(healthyConn.written) != 1 {
		t.Fatalf("expected one attempt per server, got %d and %d",
			len(failingConn.written), len(healthyConn.written))
	}
	if len(failingServer.processed) == 0 {
		t.Fatal("expected the error to be processed for SDAM")
	}

	// Both attempts must carry the same transaction number so the server can
	// de-duplicate the write.
	firstTxn, err := commandFromWireMessage(t, failingConn.written[0]).LookupErr("txnNumber")
	if err != nil {
		t.Fatalf("expected txnNumber on the first attempt: %v", err)
	}
	secondTxn, err := commandFromWireMessage(t, healthyConn.written[0]).LookupErr("txnNumber")
	if err != nil {
		t.Fatalf("expected txnNumber on the retry: %v", err)
	}
	if firstTxn.Int64() != secondTxn.Int64() {
		t.Fatalf("expected matching txnNumbers, got %d and %d", firstTxn.Int64(), secondTxn.Int64())
	}
}

func TestOperationExecute_atMostOneRetry(t *testing.T) {
	t.Parallel()

	servers := make([]*mockServer, 0, 3)
	for _, addr := range []string{"a:27017", "b:27017", "c:27017"} {
		servers = append(servers, &mockServer{conn: &mockConnection{
			desc:      sessionSupportedDesc(addr),
			responses: [][]byte{notPrimaryReply(t)},
		}})
	}
	deployment := &mockDeployment{servers: servers}

	sess, err := session.NewImplicitClientSession()
	if err != nil {
		t.Fatalf("error creating session: %v", err)
	}
	retry := RetryOnce

	op := pingOperation(deployment, sess, nil, &retry, Write)
	err = op.Execute(context.Background())
	if err == nil {
		t.Fatal("expected the operation to fail after one retry")
	}

	attempts := 0
	for _, srvr := range servers {
		attempts += len(srvr.conn.written)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts (1 retry), got %d", attempts)
	}

	var derr Error
	if !errors.As(err, &derr) || derr.Code != 10107 {
		t.Fatalf("expected the original server error to surface, got %v", err)
	}
}

func TestOperationExecute_oversizedMessageRejected(t *testing.T) {
	t.Parallel()

	desc := sessionSupportedDesc("a:27017")
	desc.MaxMessageSize = 32

	conn := &mockConnection{desc: desc}
	deployment := &mockDeployment{servers: []*mockServer{{conn: conn}}}

	op := pingOperation(deployment, nil, nil, nil, Read)
	err := op.Execute(context.Background())
	if err == nil {
		t.Fatal("expected an error for an oversized message")
	}
	var derr Error
	if !errors.As(err, &derr) || derr.Name != "InvalidArgument" {
		t.Fatalf("expected an InvalidArgument error, got %v", err)
	}
	if len(conn.written) != 0 {
		t.Fatal("expected the oversized message to be rejected before dispatch")
	}
}

func TestOperationExecute_networkErrorLabels(t *testing.T) {
	t.Parallel()

	conn := &mockConnection{
		desc:     sessionSupportedDesc("a:27017"),
		writeErr: errors.New("connection reset by peer"),
	}
	deployment := &mockDeployment{servers: []*mockServer{{conn: conn}}}

	op := pingOperation(deployment, nil, nil, nil, Read)
	err := op.Execute(context.Background())
	if err == nil {
		t.Fatal("expected a network error")
	}
	if !IsNetworkError(err) {
		t.Fatalf("expected the error to carry the NetworkError label, got %v", err)
	}
}
