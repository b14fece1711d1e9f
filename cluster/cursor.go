// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package cluster

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/driver"
)

// ErrCursorClosed is returned when Next or TryNext is called on a closed
// Cursor.
var ErrCursorClosed = errors.New("cursor is closed")

// Cursor iterates a server-side result set document by document. Batches are
// pulled from the server via getMore as the buffered batch drains. A Cursor
// is not goroutine safe; it must be used from a single goroutine.
type Cursor struct {
	// Current contains the BSON bytes of the current document. This property
	// is only valid until the next call to Next or TryNext.
	Current bson.Raw

	bc     *driver.BatchCursor
	batch  []bsoncore.Document
	pos    int
	err    error
	closed bool
}

func newCursor(bc *driver.BatchCursor) *Cursor {
	// The first call to BatchCursor.Next yields the buffered first batch, so
	// iteration starts with an empty local buffer.
	return &Cursor{bc: bc}
}

// ID returns the ID of this cursor, or 0 if the cursor has been closed or
// exhausted.
func (c *Cursor) ID() int64 {
	if c.closed {
		return 0
	}
	return c.bc.ID()
}

// Next gets the next document for this cursor. It returns true if there were
// no errors and the cursor has not been exhausted.
//
// Next blocks until a document is available or an error occurs. For a
// tailable, await-data cursor an empty batch from the server keeps the cursor
// live and Next issues another getMore, so Next can block indefinitely;
// bound it with the context deadline.
func (c *Cursor) Next(ctx context.Context) bool {
	return c.next(ctx, false)
}

// TryNext attempts to get the next document for this cursor. It returns true
// if a document is available, and false if the current batch is exhausted and
// the next getMore returned an empty batch. TryNext should be used for
// tailable cursors to poll without blocking.
func (c *Cursor) TryNext(ctx context.Context) bool {
	return c.next(ctx, true)
}

func (c *Cursor) next(ctx context.Context, nonBlocking bool) bool {
	if c.closed {
		c.err = ErrCursorClosed
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// Return the next buffered document, if there is one.
	if c.pos < len(c.batch) {
		c.Current = bson.Raw(c.batch[c.pos])
		c.pos++
		return true
	}

	for {
		if !c.bc.Next(ctx) {
			if err := c.bc.Err(); err != nil {
				c.err = err
				return false
			}
			if c.bc.Exhausted() {
				return false
			}
			// The server returned an empty, non-final batch. Tailable
			// cursors stay live; poll again unless the caller asked for a
			// non-blocking attempt or the context has expired.
			if nonBlocking {
				return false
			}
			if ctx.Err() != nil {
				c.err = ctx.Err()
				return false
			}
			continue
		}

		c.batch = c.bc.Batch()
		c.pos = 0
		if len(c.batch) == 0 {
			continue
		}

		c.Current = bson.Raw(c.batch[c.pos])
		c.pos++
		return true
	}
}

// Err returns the last error seen by the Cursor, or nil if no error has
// occurred.
func (c *Cursor) Err() error { return c.err }

// Close closes this cursor. Next and TryNext must not be called after Close
// has been called. If the cursor is not exhausted, a best-effort killCursors
// is run against the pinned server.
func (c *Cursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.bc.Close(ctx)
}

// All iterates the cursor to completion, decoding each document into a slice
// element, and closes the cursor.
func (c *Cursor) All(ctx context.Context, results *[]bson.Raw) error {
	defer func() {
		_ = c.Close(ctx)
	}()

	for c.Next(ctx) {
		doc := make(bson.Raw, len(c.Current))
		copy(doc, c.Current)
		*results = append(*results, doc)
	}

	return c.Err()
}

// RemainingBatchLength returns the number of documents left in the current
// batch. If this returns zero, the subsequent call to Next or TryNext will do
// a network request to fetch the next batch.
func (c *Cursor) RemainingBatchLength() int {
	return len(c.batch) - c.pos
}
