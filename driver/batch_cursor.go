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
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/event"
	"github.com/mongocore/driver/internal/logger"
	"github.com/mongocore/driver/driver/session"
)

// ErrCursorStale is returned when a getMore is attempted after the pool that
// produced the cursor's original connection has been cleared. The server has
// already torn the cursor down, so no killCursors is issued.
var ErrCursorStale = errors.New("cursor is stale: the server connection pool was cleared after cursor creation")

// PoolGenerationer is implemented by Server types whose connection pool tracks
// a generation counter.
type PoolGenerationer interface {
	PoolGeneration() uint64
}

// BatchCursor is a batch implementation of a cursor. It returns documents in
// entire batches instead of one at a time. An individual document cursor can
// be built on top of this batch cursor.
type BatchCursor struct {
	clientSession     *session.Client
	clock             *session.ClusterClock
	comment           bsoncore.Value
	database          string
	collection        string
	id                int64
	err               error
	server            Server
	serverDescription description.Server
	batchSize         int32
	maxTimeMS         int64
	maxAwaitTime      *time.Duration
	currentBatch      []bsoncore.Document
	firstBatch        bool
	cmdMonitor        *event.CommandMonitor
	logger            *logger.Logger

	// generation pins the cursor to the connection pool generation its
	// first batch arrived on. A getMore after the pool cycled fails
	// without issuing killCursors.
	generation uint64

	// tailable and awaitData are used to determine cursor behavior for
	// capped collections.
	tailable  bool
	awaitData bool

	// limit and numReturned track how many documents the cursor may still
	// return.
	limit       int32
	numReturned int32

	killed bool
}

// CursorOptions are extra options that are required to construct a
// BatchCursor.
type CursorOptions struct {
	BatchSize      int32
	Comment        bsoncore.Value
	MaxTimeMS      int64
	MaxAwaitTime   *time.Duration
	Limit          int32
	Tailable       bool
	AwaitData      bool
	CommandMonitor *event.CommandMonitor
	Logger         *logger.Logger
}

// CursorResponse represents the response from a command the results in a
// cursor. A BatchCursor can be constructed from a CursorResponse.
type CursorResponse struct {
	Server     Server
	Desc       description.Server
	FirstBatch []bsoncore.Document
	Database   string
	Collection string
	ID         int64
	generation uint64
}

// NewCursorResponse constructs a cursor response from the given response and
// server. If the provided database is "db" and the provided collection is
// "coll", the NS field of the response must be "db.coll".
func NewCursorResponse(info ResponseInfo) (CursorResponse, error) {
	response := info.ServerResponse
	cur, err := response.LookupErr("cursor")
	if err != nil {
		return CursorResponse{}, fmt.Errorf("cursor should be an embedded document but it is a BSON %s", cur.Type)
	}
	curDoc, ok := cur.DocumentOK()
	if !ok {
		return CursorResponse{}, fmt.Errorf("cursor should be an embedded document but it is a BSON %s", cur.Type)
	}
	curresp := CursorResponse{Server: info.Server, Desc: info.ConnectionDescription}

	if gen, ok := info.Server.(PoolGenerationer); ok {
		curresp.generation = gen.PoolGeneration()
	}

	elems, err := curDoc.Elements()
	if err != nil {
		return CursorResponse{}, err
	}
	for _, elem := range elems {
		switch elem.Key() {
		case "firstBatch":
			arr, ok := elem.Value().ArrayOK()
			if !ok {
				return CursorResponse{}, fmt.Errorf("firstBatch should be an array but it is a BSON %s", elem.Value().Type)
			}
			curresp.FirstBatch, err = arrayToDocuments(arr)
			if err != nil {
				return CursorResponse{}, err
			}
		case "ns":
			ns, ok := elem.Value().StringValueOK()
			if !ok {
				return CursorResponse{}, fmt.Errorf("ns should be a string but it is a BSON %s", elem.Value().Type)
			}
			index := strings.Index(ns, ".")
			if index == -1 {
				return CursorResponse{}, errors.New("ns field must contain a valid namespace, but is missing '.'")
			}
			curresp.Database = ns[:index]
			curresp.Collection = ns[index+1:]
		case "id":
			curresp.ID, ok = elem.Value().Int64OK()
			if !ok {
				return CursorResponse{}, fmt.Errorf("id should be an int64 but it is a BSON %s", elem.Value().Type)
			}
		}
	}

	return curresp, nil
}

// NewBatchCursor creates a new BatchCursor from the provided parameters.
func NewBatchCursor(
	cr CursorResponse,
	clientSession *session.Client,
	clock *session.ClusterClock,
	opts CursorOptions,
) (*BatchCursor, error) {
	bc := &BatchCursor{
		clientSession:     clientSession,
		clock:             clock,
		comment:           opts.Comment,
		database:          cr.Database,
		collection:        cr.Collection,
		id:                cr.ID,
		server:            cr.Server,
		serverDescription: cr.Desc,
		batchSize:         opts.BatchSize,
		maxTimeMS:         opts.MaxTimeMS,
		maxAwaitTime:      opts.MaxAwaitTime,
		cmdMonitor:        opts.CommandMonitor,
		logger:            opts.Logger,
		firstBatch:        true,
		generation:        cr.generation,
		tailable:          opts.Tailable,
		awaitData:         opts.AwaitData,
		limit:             opts.Limit,
	}

	bc.numReturned = int32(len(cr.FirstBatch))
	bc.currentBatch = cr.FirstBatch

	return bc, nil
}

// NewEmptyBatchCursor returns a batch cursor that is already exhausted.
func NewEmptyBatchCursor() *BatchCursor {
	return &BatchCursor{}
}

// ID returns the cursor ID for this batch cursor.
func (bc *BatchCursor) ID() int64 {
	return bc.id
}

// Batch returns the current data batch. The batch is only valid until the
// next call to Next or Close.
func (bc *BatchCursor) Batch() []bsoncore.Document {
	return bc.currentBatch
}

// Err returns the latest error encountered.
func (bc *BatchCursor) Err() error {
	return bc.err
}

// Server returns the server for this cursor.
func (bc *BatchCursor) Server() Server {
	return bc.server
}

// Next indicates if there is another batch available. Returning false does
// not necessarily indicate that the cursor is closed. This method will return
// false when an empty batch is returned.
//
// If Next returns true, there is a valid batch of documents available. If
// Next returns false, there is not a valid batch of documents available.
func (bc *BatchCursor) Next(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if bc.firstBatch {
		bc.firstBatch = false
		return len(bc.currentBatch) != 0
	}

	if bc.id == 0 || bc.server == nil || bc.killed {
		bc.clearBatch()
		return false
	}

	bc.getMore(ctx)

	return len(bc.currentBatch) != 0
}

// Close closes this batch cursor.
func (bc *BatchCursor) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	err := bc.KillCursor(ctx)
	bc.id = 0
	bc.currentBatch = nil
	bc.killed = true

	return err
}

// Exhausted reports whether the server-side result set has been fully
// consumed.
func (bc *BatchCursor) Exhausted() bool {
	return bc.id == 0 && len(bc.currentBatch) == 0
}

// stale reports whether the pool that produced this cursor's pinned server
// has cycled its generation since cursor creation. A stale cursor's server
// side state is already gone.
func (bc *BatchCursor) stale() bool {
	gen, ok := bc.server.(PoolGenerationer)
	if !ok {
		return false
	}
	return gen.PoolGeneration() != bc.generation
}

// KillCursor kills cursor on server without closing batch cursor. The kill is
// best effort: network failures do not surface.
func (bc *BatchCursor) KillCursor(ctx context.Context) error {
	if bc.server == nil || bc.id == 0 || bc.killed {
		return nil
	}
	if bc.stale() {
		// The server forgot the cursor when the pool was torn down.
		return nil
	}

	err := Operation{
		CommandFn: func(dst []byte, desc description.SelectedServer) ([]byte, error) {
			dst = bsoncore.AppendStringElement(dst, "killCursors", bc.collection)
			dst = bsoncore.BuildArrayElement(dst, "cursors", bsoncore.Value{Type: bsoncore.TypeInt64, Data: bsoncore.AppendInt64(nil, bc.id)})
			return dst, nil
		},
		Database:       bc.database,
		Deployment:     SingleServerDeployment{Server: bc.server},
		Client:         bc.clientSession,
		Clock:          bc.clock,
		CommandMonitor: bc.cmdMonitor,
		Logger:         bc.logger,
		Name:           "killCursors",
	}.Execute(ctx)
	if err != nil && !IsNetworkError(err) {
		return err
	}
	return nil
}

// calcGetMoreBatchSize calculates the number of documents to return in the
// response of a getMore operation based on the given limit, batchSize, and
// number of documents already returned. Returns false if a non-trivial limit
// is lower than or equal to the number of documents already returned.
func calcGetMoreBatchSize(bc BatchCursor) (int32, bool) {
	gmBatchSize := bc.batchSize

	// Account for legacy operations that don't support setting limit.
	if bc.limit != 0 && bc.numReturned+bc.batchSize >= bc.limit {
		gmBatchSize = bc.limit - bc.numReturned
		if gmBatchSize <= 0 {
			return gmBatchSize, false
		}
	}

	return gmBatchSize, true
}

func (bc *BatchCursor) getMore(ctx context.Context) {
	bc.clearBatch()
	if bc.id == 0 {
		return
	}

	// The cursor must issue getMore against the same (server, generation)
	// pair recorded at creation; a cleared pool means the server side
	// cursor no longer exists.
	if bc.stale() {
		bc.err = ErrCursorStale
		bc.id = 0
		return
	}

	numToReturn, ok := calcGetMoreBatchSize(*bc)
	if !ok {
		if err := bc.Close(ctx); err != nil {
			bc.err = err
		}
		return
	}

	bc.err = Operation{
		CommandFn: func(dst []byte, desc description.SelectedServer) ([]byte, error) {
			dst = bsoncore.AppendInt64Element(dst, "getMore", bc.id)
			dst = bsoncore.AppendStringElement(dst, "collection", bc.collection)
			if numToReturn > 0 {
				dst = bsoncore.AppendInt32Element(dst, "batchSize", numToReturn)
			}
			if bc.maxAwaitTime != nil {
				dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", int64(*bc.maxAwaitTime/time.Millisecond))
			} else if bc.maxTimeMS > 0 {
				dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", bc.maxTimeMS)
			}

			comment := bc.comment
			if comment.Type != 0x00 {
				dst = bsoncore.AppendValueElement(dst, "comment", comment)
			}

			return dst, nil
		},
		Database:   bc.database,
		Deployment: SingleServerDeployment{Server: bc.server},
		ProcessResponseFn: func(_ context.Context, info ResponseInfo) error {
			response := info.ServerResponse
			id, ok := response.Lookup("cursor", "id").Int64OK()
			if !ok {
				return fmt.Errorf("cursor.id should be an int64 but it is a BSON %s",
					response.Lookup("cursor", "id").Type)
			}
			bc.id = id

			batch, ok := response.Lookup("cursor", "nextBatch").ArrayOK()
			if !ok {
				return fmt.Errorf("cursor.nextBatch should be an array but it is a BSON %s",
					response.Lookup("cursor", "nextBatch").Type)
			}
			docs, err := arrayToDocuments(batch)
			if err != nil {
				return err
			}
			bc.currentBatch = docs
			bc.numReturned += int32(len(docs))

			return nil
		},
		Client:         bc.clientSession,
		Clock:          bc.clock,
		CommandMonitor: bc.cmdMonitor,
		Logger:         bc.logger,
		Name:           "getMore",
	}.Execute(ctx)

	// Once the cursor has been drained, we can unpin the cursor's server.
	if bc.id == 0 {
		bc.server = nil
	}
}

// SetBatchSize sets the batchSize for future getMore operations.
func (bc *BatchCursor) SetBatchSize(size int32) {
	bc.batchSize = size
}

// SetMaxTime will set the maximum amount of time the server will allow the
// operations to execute. The server will error if this field is set but the
// cursor is not configured with awaitData=true.
//
// The time.Duration value passed by this setter will be converted and rounded
// down to the nearest millisecond.
func (bc *BatchCursor) SetMaxTime(dur time.Duration) {
	bc.maxTimeMS = int64(dur / time.Millisecond)
}

// SetComment sets the comment for future getMore operations.
func (bc *BatchCursor) SetComment(comment bsoncore.Value) {
	bc.comment = comment
}

func (bc *BatchCursor) clearBatch() {
	bc.currentBatch = bc.currentBatch[:0]
}

// arrayToDocuments converts a bsoncore array of documents into a slice of
// documents.
func arrayToDocuments(arr bsoncore.Array) ([]bsoncore.Document, error) {
	vals, err := arr.Values()
	if err != nil {
		return nil, err
	}
	docs := make([]bsoncore.Document, 0, len(vals))
	for _, val := range vals {
		doc, ok := val.DocumentOK()
		if !ok {
			return nil, fmt.Errorf("expected an array of documents, but found a BSON %s", val.Type)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
