// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/event"
	"github.com/mongocore/driver/internal/csot"
	"github.com/mongocore/driver/internal/logger"
	"github.com/mongocore/driver/driver/session"
	"github.com/mongocore/driver/readconcern"
	"github.com/mongocore/driver/readpref"
	"github.com/mongocore/driver/wiremessage"
	"github.com/mongocore/driver/writeconcern"
)

const defaultLocalThreshold = 15 * time.Millisecond

var dollarCmd = [...]byte{'.', '$', 'c', 'm', 'd'}

var (
	// ErrNoDocCommandResponse occurs when the server indicated a response
	// existed, but none was found.
	ErrNoDocCommandResponse = errors.New("command returned no documents")
	// ErrMultiDocCommandResponse occurs when the server sent multiple
	// documents in response to a command.
	ErrMultiDocCommandResponse = errors.New("command returned multiple documents")
	// ErrReplyDocumentMismatch occurs when the number of documents returned in
	// an OP_REPLY does not match the numberReturned field.
	ErrReplyDocumentMismatch = errors.New("number of documents returned does not match numberReturned field")
)

// InvalidOperationError is returned from Validate and indicates that a
// required field is missing from an instance of Operation.
type InvalidOperationError struct{ MissingField string }

func (err InvalidOperationError) Error() string {
	return "the " + err.MissingField + " field must be set on Operation"
}

// opReply stores information returned in an OP_REPLY response from the server.
type opReply struct {
	responseFlags wiremessage.ReplyFlag
	cursorID      int64
	startingFrom  int32
	numReturned   int32
	documents     []bsoncore.Document
	err           error
}

// startedInformation keeps track of all of the information necessary for
// monitoring started events.
type startedInformation struct {
	cmd                      bsoncore.Document
	requestID                int32
	cmdName                  string
	documentSequenceIncluded bool
	connID                   string
	driverConnectionID       uint64
	serverConnID             *int64
	redacted                 bool
	serviceID                *description.ObjectID
}

// finishedInformation keeps track of all of the information necessary for
// monitoring success and failure events.
type finishedInformation struct {
	cmdName            string
	requestID          int32
	response           bsoncore.Document
	cmdErr             error
	connID             string
	driverConnectionID uint64
	serverConnID       *int64
	startTime          time.Time
	duration           time.Duration
	redacted           bool
	serviceID          *description.ObjectID
}

// success returns true if there was no command error or the command error is a
// "WriteCommandError". Commands that executed on the server and return a
// status of { ok: 1.0 } are considered successful commands and MUST generate a
// CommandSucceededEvent and "command succeeded" log message. Commands that
// have write errors are included since the actual command did succeed, only
// writes failed.
func (info finishedInformation) success() bool {
	if _, ok := info.cmdErr.(WriteCommandError); ok {
		return true
	}

	return info.cmdErr == nil
}

// ResponseInfo contains the context required to parse a server response.
type ResponseInfo struct {
	ServerResponse        bsoncore.Document
	Server                Server
	Connection            Connection
	ConnectionDescription description.Server
	CurrentIndex          int
}

// Operation is used to execute an operation. It contains all of the common
// code required to select a server, transform an operation into a command,
// write the command to a connection from the selected server, read a response
// from that connection, process the response, and potentially retry.
//
// The required fields are Database, CommandFn, and Deployment. All other
// fields are optional.
type Operation struct {
	// CommandFn is used to create the command that will be wrapped in a wire
	// message and sent to the server. This function should only add the
	// elements of the command and not start or end the enclosing BSON
	// document. Per the command API, the first element must be the name of the
	// command to run. This field is required.
	CommandFn func(dst []byte, desc description.SelectedServer) ([]byte, error)

	// Database is the database that the command will be run against. This
	// field is required.
	Database string

	// Deployment is the MongoDB Deployment to use. While most of the time this
	// will be multiple servers, commands that need to run against a single,
	// preselected server can use the SingleServerDeployment type. Commands
	// that need to run on a preselected connection can use the
	// SingleConnectionDeployment type.
	Deployment Deployment

	// ProcessResponseFn is called after a response to the command is returned.
	// The server is provided for types like Cursor that are required to run
	// subsequent commands using the same server.
	ProcessResponseFn func(context.Context, ResponseInfo) error

	// Selector is the server selector that's used during both initial server
	// selection and subsequent selection for retries. Depending on the
	// Deployment implementation, the latter case may not apply.
	Selector description.ServerSelector

	// ReadPreference is the read preference that will be attached to the
	// command. If this field is not specified, primary read preference will be
	// used.
	ReadPreference *readpref.ReadPref

	// ReadConcern is the read concern used when running read commands. This
	// field should not be set for write operations. If this field is set, it
	// will be encoded onto the commands sent to the server.
	ReadConcern *readconcern.ReadConcern

	// MinimumReadConcernWireVersion specifies the minimum wire version to add
	// the read concern to the command being executed.
	MinimumReadConcernWireVersion int32

	// WriteConcern is the write concern used when running write commands. This
	// field should not be set for read operations. If this field is set, it
	// will be encoded onto the commands sent to the server.
	WriteConcern *writeconcern.WriteConcern

	// MinimumWriteConcernWireVersion specifies the minimum wire version to add
	// the write concern to the command being executed.
	MinimumWriteConcernWireVersion int32

	// Client is the session used with this operation. This can be a client or
	// implicit session. If the server selected does not support sessions and
	// Client is specified the behavior depends on the session type. If the
	// session is implicit, the session fields will not be encoded onto the
	// command.
	Client *session.Client

	// Clock is a cluster clock, different from a client clock, to be used with
	// this operation.
	Clock *session.ClusterClock

	// RetryMode specifies how to retry. There are three modes that enable
	// retry: RetryOnce, RetryOncePerCommand, and RetryContext. For commands
	// that are not run as part of a write batch, RetryOnce and
	// RetryOncePerCommand are equivalent.
	RetryMode *RetryMode

	// Type specifies the kind of operation this Operation is. STRICTLY
	// REQUIRED when RetryMode is set.
	Type Type

	// Batches contains the documents that are split when executing a write
	// command that potentially has more documents than can fit in a single
	// command.
	Batches *Batches

	// CommandMonitor specifies the monitor to use for APM events. If this
	// field is not set, no events will be reported.
	CommandMonitor *event.CommandMonitor

	// MaxTime specifies the maximum amount of time to allow the operation to
	// run on the server.
	MaxTime *time.Duration

	// Logger is the logger for this operation.
	Logger *logger.Logger

	// Name is the name of the operation. This is used when serializing
	// OP_MSG as well as for logging server selection data and generating
	// APM events.
	Name string

	// OperationID is an identifier used to correlate all APM events produced
	// by a single logical operation.
	OperationID string

	// omitReadPreference is a boolean that indicates whether to omit the
	// read preference from the command. This omition includes the case
	// where a default read preference is used when the operation
	// ReadPreference is not specified.
	omitReadPreference bool
}

// memoryPool recycles wire message buffers across operations.
var memoryPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 256)
		return &b
	},
}

func memoryPoolGet() *[]byte { return memoryPool.Get().(*[]byte) }

func memoryPoolPut(b *[]byte) {
	// Discard over-large buffers so one oversized message does not pin
	// memory for the life of the pool.
	if cap(*b) > 16*1024*1024 {
		return
	}
	memoryPool.Put(b)
}

// selectServer handles performing server selection for an operation.
func (op Operation) selectServer(ctx context.Context) (Server, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	selector := op.Selector
	if selector == nil {
		rp := op.ReadPreference
		if rp == nil {
			rp = readpref.Primary()
		}
		selector = description.CompositeSelector([]description.ServerSelector{
			description.ReadPrefSelector(rp),
			description.LatencySelector(defaultLocalThreshold),
		})
	}

	return op.Deployment.SelectServer(ctx, selector)
}

// getServerAndConnection should be used to retrieve a Server and Connection to
// execute an operation.
func (op Operation) getServerAndConnection(ctx context.Context) (Server, Connection, error) {
	server, err := op.selectServer(ctx)
	if err != nil {
		if op.Client != nil && !op.Client.Terminated {
			err = Error{
				Message: err.Error(),
				Labels:  []string{TransientTransactionError},
				Wrapped: err,
			}
		}
		return nil, nil, err
	}

	conn, err := server.Connection(ctx)
	if err != nil {
		return nil, nil, err
	}

	return server, conn, nil
}

// Validate validates this operation, ensuring the fields are set properly.
func (op Operation) Validate() error {
	if op.CommandFn == nil {
		return InvalidOperationError{MissingField: "CommandFn"}
	}
	if op.Deployment == nil {
		return InvalidOperationError{MissingField: "Deployment"}
	}
	if op.Database == "" {
		return InvalidOperationError{MissingField: "Database"}
	}
	if op.Client != nil && !op.WriteConcern.Acknowledged() {
		return errors.New("session provided for an unacknowledged write")
	}
	return nil
}

// Execute runs this operation.
func (op Operation) Execute(ctx context.Context) error {
	err := op.Validate()
	if err != nil {
		return err
	}

	if op.MaxTime != nil && *op.MaxTime < 0 {
		return fmt.Errorf("maxTimeMS must be a non-negative duration")
	}

	// RetryOnce and RetryOncePerCommand allow at most one retry per command
	// regardless of how many intermediate errors occur; RetryContext retries
	// until the context is done.
	retries := 0
	if op.RetryMode != nil && op.RetryMode.Enabled() {
		switch *op.RetryMode {
		case RetryOnce, RetryOncePerCommand:
			retries = 1
		case RetryContext:
			retries = -1
		}
	}

	var srvr Server
	var conn Connection
	var prevErr error
	var prevIndefiniteErr error
	currIndex := 0
	first := true

	// resetForRetry records the error that caused the retry, bumps the retry
	// budget down, and releases the previous connection so a new server and
	// connection will be selected.
	resetForRetry := func(err error) {
		prevErr = err
		first = false

		// Set the previous indefinite error to be returned in any case where a
		// retryable error fails to work.
		switch currErr := err.(type) {
		case labeledError:
			if prevIndefiniteErr == nil || currErr.HasErrorLabel(NoWritesPerformed) {
				prevIndefiniteErr = err
			}
		}

		if retries > 0 {
			retries--
		}
		if conn != nil {
			conn.Close()
			conn = nil
		}
		srvr = nil
	}

	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		// If the server or connection are nil, try to select a new server and
		// get a new connection.
		if srvr == nil || conn == nil {
			srvr, conn, err = op.getServerAndConnection(ctx)
			if err != nil {
				// If the returned error is retryable and there are retries
				// remaining (negative retries means retry indefinitely), then
				// retry the operation. Set the server and connection to nil to
				// request a new server and connection.
				if rp, ok := err.(RetryablePoolError); ok && rp.Retryable() && retries != 0 {
					resetForRetry(err)
					continue
				}
				if rerr, ok := err.(Error); ok && rerr.RetryableRead() && !first && retries != 0 {
					resetForRetry(err)
					continue
				}

				// If this is a retry and there's an error from a previous
				// attempt, return the previous error instead of the current
				// one.
				if prevErr != nil {
					return prevErr
				}
				return err
			}
		}

		desc := description.SelectedServer{
			Server: conn.Description(),
			Kind:   op.Deployment.Kind(),
		}

		retryable := op.retryable(desc.Server)
		if retryable && retries != 0 && op.Client != nil && first {
			op.Client.RetryWrite = false
			if op.Type == Write {
				op.Client.RetryWrite = true
				op.Client.IncrementTxnNumber()
			}
		}

		if op.Batches != nil {
			targetBatchSize := int(desc.MaxMessageSize)
			maxDocSize := int(desc.MaxDocumentSize)
			err = op.Batches.AdvanceBatch(int(desc.MaxBatchCount), targetBatchSize, maxDocSize)
			if err != nil {
				return err
			}
		}

		wm, startedInfo, err := op.createWireMessage(ctx, nil, desc, conn)
		if err != nil {
			return err
		}

		// Fill out the rest of the started information and publish the
		// started event.
		startedInfo.connID = conn.ID()
		startedInfo.driverConnectionID = conn.DriverConnectionID()
		startedInfo.cmdName = startedInfo.cmd.Index(0).Key()
		startedInfo.redacted = op.redactCommand(startedInfo.cmdName, startedInfo.cmd)
		startedInfo.serviceID = conn.Description().ServiceID
		startedInfo.serverConnID = conn.ServerConnectionID()
		op.publishStartedEvent(ctx, conn, startedInfo)

		// get the moreToCome flag information before we compress
		moreToCome := wiremessage.IsMsgMoreToCome(wm)

		// compress wiremessage if allowed
		if compressor, ok := conn.(Compressor); ok && op.canCompress(startedInfo.cmdName) {
			b := memoryPoolGet()
			compressed, err := compressor.CompressWireMessage(wm, (*b)[:0])
			if err != nil {
				return err
			}
			*b = compressed
			wm = compressed
			defer memoryPoolPut(b)
		}

		finishedInfo := finishedInformation{
			cmdName:            startedInfo.cmdName,
			requestID:          startedInfo.requestID,
			connID:             startedInfo.connID,
			driverConnectionID: startedInfo.driverConnectionID,
			serverConnID:       startedInfo.serverConnID,
			redacted:           startedInfo.redacted,
			serviceID:          startedInfo.serviceID,
			startTime:          time.Now(),
		}

		var res bsoncore.Document
		res, err = op.roundTrip(ctx, conn, wm, moreToCome)

		finishedInfo.response = res
		finishedInfo.cmdErr = err
		finishedInfo.duration = time.Since(finishedInfo.startTime)
		op.publishFinishedEvent(ctx, finishedInfo)

		switch tt := err.(type) {
		case WriteCommandError:
			if e := err.(WriteCommandError); retryable && op.Type == Write && e.UnsupportedStorageEngine() {
				return ErrUnsupportedStorageEngine
			}

			connDesc := conn.Description()
			retryableErr := tt.Retryable(connDesc.WireVersion)
			preRetryWriteLabelVersion := connDesc.WireVersion != nil && connDesc.WireVersion.Max < 9
			// Add a RetryableWriteError label for retryable errors from
			// pre-4.4 servers.
			if retryableErr && preRetryWriteLabelVersion && retryable {
				tt.Labels = append(tt.Labels, RetryableWriteError)
			}

			// If retries are supported for the current operation on the first
			// server description, the error is considered retryable, and there
			// are retries remaining (negative retries means retry
			// indefinitely), then retry the operation.
			if retryable && retryableErr && retries != 0 {
				op.processErr(ctx, srvr, conn, err)
				resetForRetry(tt)
				continue
			}

			// If the error is no longer retryable and has the
			// NoWritesPerformed label, then we should return the most recent
			// error.
			if tt.HasErrorLabel(NoWritesPerformed) && prevIndefiniteErr != nil {
				err = prevIndefiniteErr
			}

			op.processErr(ctx, srvr, conn, err)
		case Error:
			if op.Client != nil && (tt.HasErrorLabel(TransientTransactionError) || tt.HasErrorLabel(UnknownTransactionCommitResult)) {
				if err := op.Client.AdvanceClusterTime(bson.Raw(responseClusterTime(res))); err != nil {
					return err
				}
			}

			if e := err.(Error); retryable && op.Type == Write && e.UnsupportedStorageEngine() {
				return ErrUnsupportedStorageEngine
			}

			connDesc := conn.Description()
			var retryableErr bool
			if op.Type == Write {
				retryableErr = tt.RetryableWrite(connDesc.WireVersion)
				preRetryWriteLabelVersion := connDesc.WireVersion != nil && connDesc.WireVersion.Max < 9
				// If retryWrites is enabled, add a RetryableWriteError label
				// for network errors and retryable errors from pre-4.4
				// servers.
				if retryable && (tt.NetworkError() || (retryableErr && preRetryWriteLabelVersion)) {
					tt.Labels = append(tt.Labels, RetryableWriteError)
				}
			} else {
				retryableErr = tt.RetryableRead()
			}

			if retryable && retryableErr && retries != 0 {
				op.processErr(ctx, srvr, conn, err)
				resetForRetry(tt)
				continue
			}

			// If the error is no longer retryable and has the
			// NoWritesPerformed label, then we should return the most recent
			// error.
			if tt.HasErrorLabel(NoWritesPerformed) && prevIndefiniteErr != nil {
				err = prevIndefiniteErr
			}

			op.processErr(ctx, srvr, conn, err)
		case nil:
			if moreToCome {
				return ErrUnacknowledgedWrite
			}
		default:
			op.processErr(ctx, srvr, conn, err)
		}

		if op.ProcessResponseFn != nil {
			info := ResponseInfo{
				ServerResponse:        res,
				Server:                srvr,
				Connection:            conn,
				ConnectionDescription: desc.Server,
				CurrentIndex:          currIndex,
			}
			if perr := op.ProcessResponseFn(ctx, info); perr != nil && err == nil {
				err = perr
			}
		}

		if err != nil {
			return err
		}

		if op.Batches != nil && len(op.Batches.Documents) > 0 {
			// More batches remain: clear the current batch and, if retries are
			// per-command, replenish the retry budget.
			currIndex += len(op.Batches.Current)
			op.Batches.ClearBatch()
			if retries == 0 && op.RetryMode != nil && *op.RetryMode == RetryOncePerCommand {
				retries = 1
			}
			prevErr = nil
			first = false
			continue
		}

		return nil
	}
}

type labeledError interface {
	error
	HasErrorLabel(string) bool
}

// retryable returns if the operation can be retried against the provided
// server description.
func (op Operation) retryable(desc description.Server) bool {
	switch op.Type {
	case Write:
		if op.Client != nil && (op.Client.Terminated) {
			return false
		}
		if op.WriteConcern != nil && !op.WriteConcern.Acknowledged() {
			return false
		}
		if description.SessionsSupported(desc.WireVersion) && desc.SessionTimeoutMinutes != nil {
			return true
		}
	case Read:
		if op.Client != nil && op.Client.Terminated {
			return false
		}
		if description.SessionsSupported(desc.WireVersion) {
			return true
		}
	}
	return false
}

// roundTrip writes a wiremessage to the connection and then reads a
// wiremessage. If moreToCome is set on the request, no reply is read and a nil
// document is returned.
func (op Operation) roundTrip(ctx context.Context, conn Connection, wm []byte, moreToCome bool) (bsoncore.Document, error) {
	err := conn.WriteWireMessage(ctx, wm)
	if err != nil {
		return nil, op.networkError(err)
	}
	if moreToCome {
		// The server is not expected to respond.
		return nil, nil
	}

	return op.readWireMessage(ctx, conn)
}

func (op Operation) readWireMessage(ctx context.Context, conn Connection) (bsoncore.Document, error) {
	wm, err := conn.ReadWireMessage(ctx)
	if err != nil {
		return nil, op.networkError(err)
	}

	// Compressed replies are inflated before decoding.
	wm, err = DecompressWireMessage(wm)
	if err != nil {
		return nil, err
	}

	// If we're using a streamable connection, we set its streaming state based
	// on the moreToCome flag in the server response.
	if streamer, ok := conn.(StreamerConnection); ok {
		streamer.SetStreaming(wiremessage.IsMsgMoreToCome(wm))
	}

	res, err := op.decodeResult(ctx, wm)
	// Update cluster/operation time and recovery tokens before handling the
	// error to ensure we're properly updating everything.
	op.updateClusterTimes(res)
	op.updateOperationTime(res)

	return res, err
}

// networkError wraps the provided error in an Error with the NetworkError and,
// when a session is present, TransientTransactionError labels.
func (op Operation) networkError(err error) error {
	if err == nil {
		return nil
	}

	labels := []string{NetworkError}
	if op.Client != nil {
		labels = append(labels, TransientTransactionError)
	}
	return Error{Message: err.Error(), Labels: labels, Wrapped: err}
}

// ExecuteExhaust reads a response from the provided StreamerConnection. This
// will error if the connection's CurrentlyStreaming function returns false.
func (op Operation) ExecuteExhaust(ctx context.Context, conn StreamerConnection) error {
	if !conn.CurrentlyStreaming() {
		return errors.New("exhaust read must be done with a connection that is currently streaming")
	}

	res, err := op.readWireMessage(ctx, conn)
	if err != nil {
		return err
	}
	if op.ProcessResponseFn != nil {
		info := ResponseInfo{
			ServerResponse:        res,
			Connection:            conn,
			ConnectionDescription: conn.Description(),
		}
		if err := op.ProcessResponseFn(ctx, info); err != nil {
			return err
		}
	}

	return nil
}

func (op Operation) createWireMessage(
	ctx context.Context,
	dst []byte,
	desc description.SelectedServer,
	conn Connection,
) ([]byte, startedInformation, error) {
	if isLegacyHandshake(desc) {
		return op.createQueryWireMessage(ctx, dst, desc)
	}
	return op.createMsgWireMessage(ctx, dst, desc, conn)
}

// isLegacyHandshake returns true if the operation is the first message of the
// initial handshake and should use a legacy hello.
func isLegacyHandshake(desc description.SelectedServer) bool {
	return desc.WireVersion == nil || desc.WireVersion.Max < 6
}

func (op Operation) createQueryWireMessage(ctx context.Context, dst []byte, desc description.SelectedServer) ([]byte, startedInformation, error) {
	var info startedInformation
	flags := op.secondaryOK(desc)
	var wmindex int32
	info.requestID = wiremessage.NextRequestID()
	wmindex, dst = wiremessage.AppendHeaderStart(dst, info.requestID, 0, wiremessage.OpQuery)
	dst = wiremessage.AppendQueryFlags(dst, flags)

	dollarCmdStr := string(dollarCmd[:])
	dst = wiremessage.AppendQueryFullCollectionName(dst, op.getFullCollectionName(dollarCmdStr))
	dst = wiremessage.AppendQueryNumberToSkip(dst, 0)
	dst = wiremessage.AppendQueryNumberToReturn(dst, -1)

	wrapper := int32(-1)
	rp, err := op.createReadPref(desc, true)
	if err != nil {
		return dst, info, err
	}
	if len(rp) > 0 {
		wrapper, dst = bsoncore.AppendDocumentStart(dst)
		dst = bsoncore.AppendHeader(dst, bsoncore.TypeEmbeddedDocument, "$query")
	}
	idx, dst := bsoncore.AppendDocumentStart(dst)
	dst, err = op.CommandFn(dst, desc)
	if err != nil {
		return dst, info, err
	}

	if op.Batches != nil && len(op.Batches.Current) > 0 {
		var aidx int32
		aidx, dst = bsoncore.AppendArrayElementStart(dst, op.Batches.Identifier)
		for i, doc := range op.Batches.Current {
			dst = bsoncore.AppendDocumentElement(dst, strconv.Itoa(i), doc)
		}
		dst, _ = bsoncore.AppendArrayEnd(dst, aidx)
	}

	dst, err = op.addReadConcern(dst, desc)
	if err != nil {
		return dst, info, err
	}

	dst, err = op.addWriteConcern(ctx, dst, desc)
	if err != nil {
		return dst, info, err
	}

	dst, err = op.addSession(dst, desc)
	if err != nil {
		return dst, info, err
	}

	dst = op.addClusterTime(dst, desc)

	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	// Command monitoring only reports the document inside $query
	info.cmd = dst[idx:]

	if len(rp) > 0 {
		var err error
		dst = bsoncore.AppendDocumentElement(dst, "$readPreference", rp)
		dst, err = bsoncore.AppendDocumentEnd(dst, wrapper)
		if err != nil {
			return dst, info, err
		}
	}

	return bsoncore.UpdateLength(dst, wmindex, int32(len(dst[wmindex:]))), info, nil
}

func (op Operation) createMsgWireMessage(
	ctx context.Context,
	dst []byte,
	desc description.SelectedServer,
	conn Connection,
) ([]byte, startedInformation, error) {
	var info startedInformation
	var flags wiremessage.MsgFlag
	var wmindex int32
	// We set the MoreToCome bit if we have a write concern and the write
	// concern is unacknowledged.
	if op.WriteConcern != nil && !op.WriteConcern.Acknowledged() {
		flags = wiremessage.MoreToCome
	}
	// Set the ExhaustAllowed flag if the connection supports streaming. This
	// will tell the server that it can respond with the MoreToCome flag and
	// then stream responses over this connection.
	if streamer, ok := conn.(StreamerConnection); ok && streamer.SupportsStreaming() {
		flags |= wiremessage.ExhaustAllowed
	}

	info.requestID = wiremessage.NextRequestID()
	wmindex, dst = wiremessage.AppendHeaderStart(dst, info.requestID, 0, wiremessage.OpMsg)
	dst = wiremessage.AppendMsgFlags(dst, flags)
	// Body
	dst = wiremessage.AppendMsgSectionType(dst, wiremessage.SingleDocument)

	idx, dst := bsoncore.AppendDocumentStart(dst)

	dst, err := op.addCommandFields(ctx, dst, desc)
	if err != nil {
		return dst, info, err
	}
	dst, err = op.addReadConcern(dst, desc)
	if err != nil {
		return dst, info, err
	}
	dst, err = op.addWriteConcern(ctx, dst, desc)
	if err != nil {
		return dst, info, err
	}
	dst, err = op.addSession(dst, desc)
	if err != nil {
		return dst, info, err
	}

	dst = op.addClusterTime(dst, desc)

	if op.MaxTime != nil && !csot.IsSkipMaxTimeContext(ctx) {
		dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", int64(*op.MaxTime/time.Millisecond))
	}

	dst = bsoncore.AppendStringElement(dst, "$db", op.Database)
	rp, err := op.createReadPref(desc, false)
	if err != nil {
		return dst, info, err
	}
	if len(rp) > 0 {
		dst = bsoncore.AppendDocumentElement(dst, "$readPreference", rp)
	}

	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	// The command document for monitoring shouldn't include the type 1 payload
	// as a document sequence
	info.cmd = dst[idx:]

	// add the current batch, if any, as a document sequence
	if op.Batches != nil && len(op.Batches.Current) > 0 {
		info.documentSequenceIncluded = true
		dst = wiremessage.AppendMsgSectionType(dst, wiremessage.DocumentSequence)
		idx, dst = bsoncore.ReserveLength(dst)

		dst = append(dst, op.Batches.Identifier...)
		dst = append(dst, 0x00)

		for _, doc := range op.Batches.Current {
			dst = append(dst, doc...)
		}

		dst = bsoncore.UpdateLength(dst, idx, int32(len(dst[idx:])))
	}

	dst = bsoncore.UpdateLength(dst, wmindex, int32(len(dst[wmindex:])))

	// The message must fit the server's message size limit before dispatch.
	if desc.MaxMessageSize != 0 && len(dst[wmindex:]) > int(desc.MaxMessageSize) {
		return dst, info, Error{
			Message: fmt.Sprintf("wire message size %d exceeds the server's maxMessageSizeBytes %d",
				len(dst[wmindex:]), desc.MaxMessageSize),
			Name: "InvalidArgument",
		}
	}

	return dst, info, nil
}

// addCommandFields adds the fields for a command to the wire message in dst.
func (op Operation) addCommandFields(ctx context.Context, dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst, err := op.CommandFn(dst, desc)
	return dst, err
}

func (op Operation) addReadConcern(dst []byte, desc description.SelectedServer) ([]byte, error) {
	if op.MinimumReadConcernWireVersion > 0 && (desc.WireVersion == nil || !desc.WireVersion.Includes(op.MinimumReadConcernWireVersion)) {
		return dst, nil
	}
	rc := op.ReadConcern
	if rc == nil {
		return dst, nil
	}

	_, data, err := rc.MarshalBSONValue() // always returns a document
	if err != nil {
		return dst, err
	}

	// Do not append an empty read concern document.
	if len(data) <= 5 {
		return dst, nil
	}

	return bsoncore.AppendDocumentElement(dst, "readConcern", data), nil
}

func (op Operation) addWriteConcern(ctx context.Context, dst []byte, desc description.SelectedServer) ([]byte, error) {
	if op.MinimumWriteConcernWireVersion > 0 && (desc.WireVersion == nil || !desc.WireVersion.Includes(op.MinimumWriteConcernWireVersion)) {
		return dst, nil
	}
	wc := op.WriteConcern
	if wc == nil {
		return dst, nil
	}

	t, data, err := wc.MarshalBSONValue()
	if errors.Is(err, writeconcern.ErrEmptyWriteConcern) {
		return dst, nil
	}
	if err != nil {
		return dst, err
	}

	return append(bsoncore.AppendHeader(dst, bsoncore.Type(t), "writeConcern"), data...), nil
}

func (op Operation) addSession(dst []byte, desc description.SelectedServer) ([]byte, error) {
	client := op.Client

	if client == nil || !description.SessionsSupported(desc.WireVersion) || desc.SessionTimeoutMinutes == nil {
		return dst, nil
	}
	if client.Terminated {
		return dst, session.ErrSessionEnded
	}
	dst = bsoncore.AppendDocumentElement(dst, "lsid", client.SessionID)

	if client.RetryWrite {
		dst = bsoncore.AppendInt64Element(dst, "txnNumber", client.TxnNumber)
	}

	return dst, client.UpdateUseTime()
}

func (op Operation) addClusterTime(dst []byte, desc description.SelectedServer) []byte {
	client, clock := op.Client, op.Clock
	if (clock == nil && client == nil) || !description.SessionsSupported(desc.WireVersion) {
		return dst
	}
	var clusterTime bson.Raw
	if clock != nil {
		clusterTime = clock.GetClusterTime()
	}
	if client != nil {
		clusterTime = session.MaxClusterTime(clusterTime, client.ClusterTime)
	}
	if clusterTime == nil {
		return dst
	}
	val, err := clusterTime.LookupErr("$clusterTime")
	if err != nil {
		return dst
	}
	return append(bsoncore.AppendHeader(dst, bsoncore.Type(val.Type), "$clusterTime"), val.Value...)
}

// updateClusterTimes updates the cluster times for the session and cluster
// clock attached to this operation. While cluster times are only configured
// for sessions, the cluster clock is only updated if the response contains a
// cluster time.
func (op Operation) updateClusterTimes(response bsoncore.Document) {
	clusterTime := responseClusterTime(response)
	if clusterTime == nil {
		return
	}

	if session := op.Client; session != nil {
		_ = session.AdvanceClusterTime(bson.Raw(clusterTime))
	}

	if clock := op.Clock; clock != nil {
		clock.AdvanceClusterTime(bson.Raw(clusterTime))
	}
}

func responseClusterTime(response bsoncore.Document) bsoncore.Document {
	clusterTime, err := response.LookupErr("$clusterTime")
	if err != nil {
		// $clusterTime not included by the server
		return nil
	}
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendHeader(doc, clusterTime.Type, "$clusterTime")
	doc = append(doc, clusterTime.Data...)
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc
}

// updateOperationTime updates the operation time on the session attached to
// this operation.
func (op Operation) updateOperationTime(response bsoncore.Document) {
	sess := op.Client
	if sess == nil {
		return
	}

	opTimeElem, err := response.LookupErr("operationTime")
	if err != nil {
		// operationTime not included by the server
		return
	}

	t, i := opTimeElem.Timestamp()
	_ = sess.AdvanceOperationTime(&session.Timestamp{
		T: t,
		I: i,
	})
}

// createReadPref will attempt to create a document with the "mode",
// "tags", "maxStalenessSeconds", and "hedge" fields based on the read
// preference.
func (op Operation) createReadPref(desc description.SelectedServer, isOpQuery bool) (bsoncore.Document, error) {
	if op.omitReadPreference {
		return nil, nil
	}

	idx, doc := bsoncore.AppendDocumentStart(nil)
	rp := op.ReadPreference

	if rp == nil {
		if desc.Kind == description.Single && desc.Server.Kind != description.Mongos {
			doc = bsoncore.AppendStringElement(doc, "mode", "primaryPreferred")
			doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
			return doc, nil
		}
		return nil, nil
	}

	switch rp.Mode() {
	case readpref.PrimaryMode:
		if desc.Server.Kind == description.Mongos {
			return nil, nil
		}
		if desc.Kind == description.Single {
			doc = bsoncore.AppendStringElement(doc, "mode", "primaryPreferred")
			doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
			return doc, nil
		}
		doc = bsoncore.AppendStringElement(doc, "mode", "primary")
	case readpref.PrimaryPreferredMode:
		doc = bsoncore.AppendStringElement(doc, "mode", "primaryPreferred")
	case readpref.SecondaryPreferredMode:
		_, ok := rp.MaxStaleness()
		if desc.Server.Kind == description.Mongos && isOpQuery && !ok && len(rp.TagSets()) == 0 && rp.HedgeEnabled() == nil {
			return nil, nil
		}
		doc = bsoncore.AppendStringElement(doc, "mode", "secondaryPreferred")
	case readpref.SecondaryMode:
		doc = bsoncore.AppendStringElement(doc, "mode", "secondary")
	case readpref.NearestMode:
		doc = bsoncore.AppendStringElement(doc, "mode", "nearest")
	}

	sets := make([]bsoncore.Document, 0, len(rp.TagSets()))
	for _, ts := range rp.TagSets() {
		i, set := bsoncore.AppendDocumentStart(nil)
		for _, t := range ts {
			set = bsoncore.AppendStringElement(set, t.Name, t.Value)
		}
		set, _ = bsoncore.AppendDocumentEnd(set, i)
		sets = append(sets, set)
	}
	if len(sets) > 0 {
		var aidx int32
		aidx, doc = bsoncore.AppendArrayElementStart(doc, "tags")
		for i, set := range sets {
			doc = bsoncore.AppendDocumentElement(doc, strconv.Itoa(i), set)
		}
		doc, _ = bsoncore.AppendArrayEnd(doc, aidx)
	}

	if d, ok := rp.MaxStaleness(); ok {
		doc = bsoncore.AppendInt32Element(doc, "maxStalenessSeconds", int32(d.Seconds()))
	}

	if hedgeEnabled := rp.HedgeEnabled(); hedgeEnabled != nil {
		var hedgeIdx int32
		hedgeIdx, doc = bsoncore.AppendDocumentElementStart(doc, "hedge")
		doc = bsoncore.AppendBooleanElement(doc, "enabled", *hedgeEnabled)
		doc, _ = bsoncore.AppendDocumentEnd(doc, hedgeIdx)
	}

	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc, nil
}

func (op Operation) secondaryOK(desc description.SelectedServer) wiremessage.QueryFlag {
	if desc.Kind == description.Single && desc.Server.Kind != description.Mongos {
		return wiremessage.SecondaryOK
	}

	if rp := op.ReadPreference; rp != nil && rp.Mode() != readpref.PrimaryMode {
		return wiremessage.SecondaryOK
	}

	return 0
}

func (op Operation) getFullCollectionName(coll string) string {
	return op.Database + coll
}

// decodeOpReply extracts the necessary information from an OP_REPLY wire
// message.
func (op Operation) decodeOpReply(wm []byte) opReply {
	var reply opReply
	var ok bool

	reply.responseFlags, wm, ok = wiremessage.ReadReplyFlags(wm)
	if !ok {
		reply.err = errors.New("malformed OP_REPLY: missing flags")
		return reply
	}
	reply.cursorID, wm, ok = wiremessage.ReadReplyCursorID(wm)
	if !ok {
		reply.err = errors.New("malformed OP_REPLY: missing cursorID")
		return reply
	}
	reply.startingFrom, wm, ok = wiremessage.ReadReplyStartingFrom(wm)
	if !ok {
		reply.err = errors.New("malformed OP_REPLY: missing startingFrom")
		return reply
	}
	reply.numReturned, wm, ok = wiremessage.ReadReplyNumberReturned(wm)
	if !ok {
		reply.err = errors.New("malformed OP_REPLY: missing numberReturned")
		return reply
	}
	var docs [][]byte
	docs, wm, ok = wiremessage.ReadReplyDocuments(wm)
	if !ok {
		reply.err = errors.New("malformed OP_REPLY: could not read documents from reply")
		return reply
	}
	for _, doc := range docs {
		reply.documents = append(reply.documents, bsoncore.Document(doc))
	}

	if reply.numReturned != int32(len(reply.documents)) {
		reply.err = ErrReplyDocumentMismatch
		return reply
	}

	return reply
}

func (op Operation) decodeResult(ctx context.Context, wm []byte) (bsoncore.Document, error) {
	wmLength := len(wm)
	length, _, _, opcode, wm, ok := wiremessage.ReadHeader(wm)
	if !ok || int(length) > wmLength {
		return nil, errors.New("malformed wire message: insufficient bytes")
	}

	wm = wm[:wmLength-16] // constrain to just this wiremessage, incase there are multiple in the slice

	switch opcode {
	case wiremessage.OpReply:
		reply := op.decodeOpReply(wm)
		if reply.err != nil {
			return nil, reply.err
		}
		if reply.numReturned == 0 {
			return nil, ErrNoDocCommandResponse
		}
		if reply.numReturned > 1 {
			return nil, ErrMultiDocCommandResponse
		}
		rdr := reply.documents[0]
		if err := rdr.Validate(); err != nil {
			return nil, NewCommandResponseError("malformed OP_REPLY: invalid document", err)
		}
		if reply.responseFlags&wiremessage.QueryFailure == wiremessage.QueryFailure {
			return nil, QueryFailureError{
				Message:  "command failure",
				Response: reply.documents[0],
			}
		}

		return rdr, ExtractErrorFromServerResponse(ctx, rdr)
	case wiremessage.OpMsg:
		var flags wiremessage.MsgFlag
		flags, wm, ok = wiremessage.ReadMsgFlags(wm)
		if !ok {
			return nil, errors.New("malformed wire message: missing OP_MSG flags")
		}
		if flags&wiremessage.ChecksumPresent == wiremessage.ChecksumPresent {
			if len(wm) < 4 {
				return nil, errors.New("malformed OP_MSG: checksum bit set with no checksum present")
			}
			wm = wm[:len(wm)-4]
		}

		var res bsoncore.Document
		for len(wm) > 0 {
			var stype wiremessage.SectionType
			stype, wm, ok = wiremessage.ReadMsgSectionType(wm)
			if !ok {
				return nil, errors.New("malformed wire message: insufficient bytes to read section type")
			}

			switch stype {
			case wiremessage.SingleDocument:
				res, wm, ok = wiremessage.ReadMsgSectionSingleDocument(wm)
				if !ok {
					return nil, errors.New("malformed wire message: insufficient bytes to read single document")
				}
			case wiremessage.DocumentSequence:
				_, _, wm, ok = wiremessage.ReadMsgSectionDocumentSequence(wm)
				if !ok {
					return nil, errors.New("malformed wire message: insufficient bytes to read document sequence")
				}
			default:
				return nil, fmt.Errorf("malformed wire message: unknown section type %v", stype)
			}
		}

		err := res.Validate()
		if err != nil {
			return nil, NewCommandResponseError("malformed OP_MSG: invalid document", err)
		}

		return res, ExtractErrorFromServerResponse(ctx, res)
	default:
		return nil, fmt.Errorf("cannot decode result from %s", opcode)
	}
}

// canCompress returns true if the provided command can be compressed.
func (op Operation) canCompress(cmd string) bool {
	if cmd == "isMaster" || cmd == "ismaster" || cmd == "hello" || cmd == "saslStart" ||
		cmd == "saslContinue" || cmd == "getnonce" || cmd == "authenticate" ||
		cmd == "createUser" || cmd == "updateUser" || cmd == "copydbSaslStart" ||
		cmd == "copydbgetnonce" || cmd == "copydb" {
		return false
	}
	return true
}

// redactCommand determines whether or not a command should be redacted in
// command monitoring and logging. A command is redacted if it's in the
// sensitive commands list or if it is a hello command with speculative
// authentication.
func (op Operation) redactCommand(cmd string, doc bsoncore.Document) bool {
	if cmd == "authenticate" || cmd == "saslStart" || cmd == "saslContinue" || cmd == "getnonce" ||
		cmd == "createUser" || cmd == "updateUser" || cmd == "copydbgetnonce" ||
		cmd == "copydbsaslstart" || cmd == "copydb" {
		return true
	}

	if strings.ToLower(cmd) != "ismaster" && cmd != "hello" {
		return false
	}

	// A hello without speculative authentication can be monitored.
	_, err := doc.LookupErr("speculativeAuthenticate")
	return err == nil
}

// publishStartedEvent publishes a CommandStartedEvent to the operation's
// command monitor if possible.
func (op Operation) publishStartedEvent(ctx context.Context, conn Connection, info startedInformation) {
	// If logging is enabled for the command component at the debug level,
	// log the command.
	if op.canLogCommandMessage() {
		host, port, _ := splitHostPort(conn.Address().String())

		op.Logger.Print(logger.LevelDebug,
			logger.ComponentCommand,
			logger.CommandStarted,
			logger.KeyCommand, redactStartedInformationCmd(op, info).String(),
			logger.KeyCommandName, info.cmdName,
			logger.KeyDatabaseName, op.Database,
			logger.KeyDriverConnectionID, info.driverConnectionID,
			logger.KeyOperationID, op.OperationID,
			logger.KeyRequestID, int64(info.requestID),
			logger.KeyServerHost, host,
			logger.KeyServerPort, port,
		)
	}

	if op.CommandMonitor == nil || op.CommandMonitor.Started == nil {
		return
	}

	started := &event.CommandStartedEvent{
		Command:      bson.Raw(redactStartedInformationCmd(op, info)),
		DatabaseName: op.Database,
		CommandName:  info.cmdName,
		RequestID:    int64(info.requestID),
		OperationID:  op.OperationID,
		ConnectionID: info.connID,
		ServiceID:    info.serviceID,
	}
	op.CommandMonitor.Started(ctx, started)
}

// publishFinishedEvent publishes either a CommandSucceededEvent or a
// CommandFailedEvent to the operation's command monitor if possible.
func (op Operation) publishFinishedEvent(ctx context.Context, info finishedInformation) {
	if op.canLogCommandMessage() && info.success() {
		host, port, _ := splitHostPort(info.connID)

		op.Logger.Print(logger.LevelDebug,
			logger.ComponentCommand,
			logger.CommandSucceeded,
			logger.KeyDurationMS, info.duration.Milliseconds(),
			logger.KeyCommandName, info.cmdName,
			logger.KeyDatabaseName, op.Database,
			logger.KeyDriverConnectionID, info.driverConnectionID,
			logger.KeyOperationID, op.OperationID,
			logger.KeyRequestID, int64(info.requestID),
			logger.KeyServerHost, host,
			logger.KeyServerPort, port,
			logger.KeyReply, redactFinishedInformationResponse(info).String(),
		)
	}

	if op.canLogCommandMessage() && !info.success() {
		host, port, _ := splitHostPort(info.connID)

		op.Logger.Print(logger.LevelDebug,
			logger.ComponentCommand,
			logger.CommandFailed,
			logger.KeyDurationMS, info.duration.Milliseconds(),
			logger.KeyCommandName, info.cmdName,
			logger.KeyDatabaseName, op.Database,
			logger.KeyDriverConnectionID, info.driverConnectionID,
			logger.KeyOperationID, op.OperationID,
			logger.KeyRequestID, int64(info.requestID),
			logger.KeyServerHost, host,
			logger.KeyServerPort, port,
			logger.KeyFailure, info.cmdErr.Error(),
		)
	}

	if op.CommandMonitor == nil {
		return
	}

	durationNanos := info.duration
	finished := event.CommandFinishedEvent{
		CommandName:  info.cmdName,
		DatabaseName: op.Database,
		RequestID:    int64(info.requestID),
		ConnectionID: info.connID,
		Duration:     durationNanos,
		OperationID:  op.OperationID,
		ServiceID:    info.serviceID,
	}

	if info.success() {
		if op.CommandMonitor.Succeeded == nil {
			return
		}
		successEvent := &event.CommandSucceededEvent{
			Reply:                bson.Raw(redactFinishedInformationResponse(info)),
			CommandFinishedEvent: finished,
		}
		op.CommandMonitor.Succeeded(ctx, successEvent)
		return
	}

	if op.CommandMonitor.Failed == nil {
		return
	}
	failedEvent := &event.CommandFailedEvent{
		Failure:              info.cmdErr,
		CommandFinishedEvent: finished,
	}
	op.CommandMonitor.Failed(ctx, failedEvent)
}

// canLogCommandMessage returns true if the command IDs and command messages
// can be logged.
func (op Operation) canLogCommandMessage() bool {
	return op.Logger != nil && op.Logger.LevelComponentEnabled(logger.LevelDebug, logger.ComponentCommand)
}

func redactStartedInformationCmd(op Operation, info startedInformation) bsoncore.Document {
	var cmdCopy bsoncore.Document

	// Make a copy of the command. Redact if the command is security
	// sensitive and cannot be monitored. If there was a type 1 payload for
	// the current batch, convert it to a BSON array
	if !info.redacted {
		cmdCopy = make([]byte, 0, len(info.cmd))
		cmdCopy = append(cmdCopy, info.cmd...)

		if info.documentSequenceIncluded {
			// remove 0 byte at end
			cmdCopy = cmdCopy[:len(info.cmd)-1]
			cmdCopy = opBatchesAppendDocSequence(op, cmdCopy)
			cmdCopy, _ = bsoncore.AppendDocumentEnd(cmdCopy, 0)
		}
	}

	return cmdCopy
}

func opBatchesAppendDocSequence(op Operation, dst []byte) []byte {
	if op.Batches == nil {
		return dst
	}
	aidx, dst := bsoncore.AppendArrayElementStart(dst, op.Batches.Identifier)
	for i, doc := range op.Batches.Current {
		dst = bsoncore.AppendDocumentElement(dst, strconv.Itoa(i), doc)
	}
	dst, _ = bsoncore.AppendArrayEnd(dst, aidx)
	return dst
}

func redactFinishedInformationResponse(info finishedInformation) bsoncore.Document {
	if !info.redacted {
		return info.response
	}

	return bsoncore.NewDocumentBuilder().Build()
}

// processErr updates the topology's view of the server's state via the
// ErrorProcessor interface, when the selected server implements it.
func (op Operation) processErr(_ context.Context, srvr Server, conn Connection, err error) ProcessErrorResult {
	ep, ok := srvr.(ErrorProcessor)
	if !ok {
		return NoChange
	}

	return ep.ProcessError(err, conn)
}

// splitHostPort splits an address into its host and port parts for logging.
func splitHostPort(hostport string) (string, int64, error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return hostport, 0, fmt.Errorf("no port in address %q", hostport)
	}
	port, err := strconv.ParseInt(hostport[idx+1:], 10, 64)
	if err != nil {
		return hostport[:idx], 0, err
	}
	return hostport[:idx], port, nil
}
