// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

func TestBatchCursor(t *testing.T) {
	t.Parallel()

	t.Run("setBatchSize", func(t *testing.T) {
		t.Parallel()

		var size int32
		bc := &BatchCursor{
			batchSize: size,
		}
		if bc.batchSize != size {
			t.Fatalf("expected batchSize %v, got %v", size, bc.batchSize)
		}

		size = int32(4)
		bc.SetBatchSize(size)
		if bc.batchSize != size {
			t.Fatalf("expected batchSize %v, got %v", size, bc.batchSize)
		}
	})

	t.Run("calcGetMoreBatchSize", func(t *testing.T) {
		t.Parallel()

		for _, tcase := range []struct {
			name                               string
			size, limit, numReturned, expected int32
			ok                                 bool
		}{
			{
				name:     "empty",
				expected: 0,
				ok:       true,
			},
			{
				name:     "batchSize NEQ 0",
				size:     4,
				expected: 4,
				ok:       true,
			},
			{
				name:     "limit NEQ 0",
				limit:    4,
				expected: 0,
				ok:       true,
			},
			{
				name:        "limit NEQ and batchSize + numReturned EQ limit",
				size:        4,
				limit:       8,
				numReturned: 4,
				expected:    4,
				ok:          true,
			},
			{
				name:        "limit makes batchSize negative",
				numReturned: 4,
				limit:       2,
				expected:    -2,
				ok:          false,
			},
		} {
			tcase := tcase
			t.Run(tcase.name, func(t *testing.T) {
				t.Parallel()

				bc := &BatchCursor{
					limit:       tcase.limit,
					batchSize:   tcase.size,
					numReturned: tcase.numReturned,
				}

				bc.SetBatchSize(tcase.size)

				size, ok := calcGetMoreBatchSize(*bc)
				if size != tcase.expected {
					t.Fatalf("expected batchSize %v, got %v", tcase.expected, size)
				}
				if ok != tcase.ok {
					t.Fatalf("expected ok %v, got %v", tcase.ok, ok)
				}
			})
		}
	})
}

func TestBatchCursorSetMaxTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dur  time.Duration
		want int64
	}{
		{
			name: "empty",
			dur:  0,
			want: 0,
		},
		{
			name: "non-specified (nanosecond) input",
			// 10 million nanoseconds = 10 milliseconds
			dur:  time.Duration(10_000_000),
			want: 10,
		},
		{
			name: "non-millisecond input",
			dur:  10_000 * time.Microsecond,
			want: 10,
		},
		{
			name: "millisecond input",
			dur:  10 * time.Millisecond,
			want: 10,
		},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			bc := BatchCursor{}
			bc.SetMaxTime(test.dur)

			got := bc.maxTimeMS
			if got != test.want {
				t.Fatalf("bc.maxTimeMS=%v, want %v", got, test.want)
			}
		})
	}
}

// generationServer wraps a mockServer with a controllable pool generation.
type generationServer struct {
	mockServer
	generation uint64
}

func (g *generationServer) PoolGeneration() uint64 { return g.generation }

func cursorFirstBatchResponse(t *testing.T, id int64, ns string, docs ...bsoncore.Document) bsoncore.Document {
	t.Helper()
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendInt32Element(doc, "ok", 1)
	var cursorIdx int32
	cursorIdx, doc = bsoncore.AppendDocumentElementStart(doc, "cursor")
	doc = bsoncore.AppendInt64Element(doc, "id", id)
	doc = bsoncore.AppendStringElement(doc, "ns", ns)
	var batchIdx int32
	batchIdx, doc = bsoncore.AppendArrayElementStart(doc, "firstBatch")
	for i, d := range docs {
		doc = bsoncore.AppendDocumentElement(doc, string(rune('0'+i)), d)
	}
	doc, _ = bsoncore.AppendArrayEnd(doc, batchIdx)
	doc, _ = bsoncore.AppendDocumentEnd(doc, cursorIdx)
	doc, err := bsoncore.AppendDocumentEnd(doc, idx)
	if err != nil {
		t.Fatalf("error building cursor response: %v", err)
	}
	return doc
}

func TestBatchCursor_staleGeneration(t *testing.T) {
	t.Parallel()

	srvr := &generationServer{generation: 1}
	info := ResponseInfo{
		ServerResponse: cursorFirstBatchResponse(t, 42, "db.coll", testDocument(t, 1)),
		Server:         srvr,
	}
	curresp, err := NewCursorResponse(info)
	if err != nil {
		t.Fatalf("error creating cursor response: %v", err)
	}
	if curresp.ID != 42 || curresp.Database != "db" || curresp.Collection != "coll" {
		t.Fatalf("unexpected cursor response: %+v", curresp)
	}

	bc, err := NewBatchCursor(curresp, nil, nil, CursorOptions{})
	if err != nil {
		t.Fatalf("error creating batch cursor: %v", err)
	}

	// First batch is buffered.
	if !bc.Next(context.Background()) {
		t.Fatal("expected the first batch to be available")
	}

	// Cycle the pool generation: the next getMore must fail fatally without
	// issuing killCursors.
	srvr.generation = 2
	if bc.Next(context.Background()) {
		t.Fatal("expected no batch after the pool was cleared")
	}
	if !errors.Is(bc.Err(), ErrCursorStale) {
		t.Fatalf("expected ErrCursorStale, got %v", bc.Err())
	}
	if bc.ID() != 0 {
		t.Fatal("expected a stale cursor to be closed")
	}
}

func TestBatchCursor_exhaustedOnZeroID(t *testing.T) {
	t.Parallel()

	srvr := &generationServer{}
	info := ResponseInfo{
		ServerResponse: cursorFirstBatchResponse(t, 0, "db.coll", testDocument(t, 1), testDocument(t, 2)),
		Server:         srvr,
	}
	curresp, err := NewCursorResponse(info)
	if err != nil {
		t.Fatalf("error creating cursor response: %v", err)
	}
	bc, err := NewBatchCursor(curresp, nil, nil, CursorOptions{})
	if err != nil {
		t.Fatalf("error creating batch cursor: %v", err)
	}

	// The cursor is exhausted before the documents are consumed, so closing
	// it later must not issue killCursors.
	if !bc.Next(context.Background()) {
		t.Fatal("expected the first batch to be available")
	}
	if got := len(bc.Batch()); got != 2 {
		t.Fatalf("expected 2 documents, got %d", got)
	}

	if bc.Next(context.Background()) {
		t.Fatal("expected no more batches")
	}
	if !bc.Exhausted() {
		t.Fatal("expected the cursor to be exhausted")
	}
	if err := bc.Close(context.Background()); err != nil {
		t.Fatalf("closing an exhausted cursor must not error: %v", err)
	}
}
