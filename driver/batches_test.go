// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"testing"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

func testDocument(t *testing.T, n int32) bsoncore.Document {
	t.Helper()
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendInt32Element(doc, "x", n)
	doc, err := bsoncore.AppendDocumentEnd(doc, idx)
	if err != nil {
		t.Fatalf("error building document: %v", err)
	}
	return doc
}

func TestBatches(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		t.Parallel()

		batches := &Batches{}
		if batches.Valid() {
			t.Fatal("empty batches should not be valid")
		}
		batches.Identifier = "documents"
		if batches.Valid() {
			t.Fatal("batches without documents should not be valid")
		}
		batches.Documents = []bsoncore.Document{testDocument(t, 0)}
		if !batches.Valid() {
			t.Fatal("expected batches to be valid")
		}
	})

	t.Run("split by count", func(t *testing.T) {
		t.Parallel()

		docs := make([]bsoncore.Document, 5)
		for i := range docs {
			docs[i] = testDocument(t, int32(i))
		}
		batches := &Batches{Identifier: "documents", Documents: docs}

		var total int
		for batches.Valid() {
			if err := batches.AdvanceBatch(2, 1024*1024, 1024*1024); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(batches.Current) > 2 {
				t.Fatalf("batch exceeds maxCount: %d", len(batches.Current))
			}
			total += len(batches.Current)
			batches.ClearBatch()
		}
		if total != 5 {
			t.Fatalf("expected all 5 documents to be batched, got %d", total)
		}
	})

	t.Run("split by size", func(t *testing.T) {
		t.Parallel()

		docs := make([]bsoncore.Document, 4)
		for i := range docs {
			docs[i] = testDocument(t, int32(i))
		}
		docSize := len(docs[0])
		batches := &Batches{Identifier: "documents", Documents: docs}

		// A target batch size of two documents splits the batch in half.
		if err := batches.AdvanceBatch(100, docSize*2, docSize); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(batches.Current) != 2 || len(batches.Documents) != 2 {
			t.Fatalf("expected a 2/2 split, got %d/%d", len(batches.Current), len(batches.Documents))
		}
	})

	t.Run("document too large", func(t *testing.T) {
		t.Parallel()

		batches := &Batches{Identifier: "documents", Documents: []bsoncore.Document{testDocument(t, 1)}}
		err := batches.AdvanceBatch(100, 1024, 4)
		if err != ErrDocumentTooLarge {
			t.Fatalf("expected ErrDocumentTooLarge, got %v", err)
		}
	})

	t.Run("always advances at least one document", func(t *testing.T) {
		t.Parallel()

		// A document larger than the target size is still sent alone as long
		// as it fits the per-document maximum.
		docs := []bsoncore.Document{testDocument(t, 1), testDocument(t, 2)}
		batches := &Batches{Identifier: "documents", Documents: docs}
		if err := batches.AdvanceBatch(100, 1, 1024); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(batches.Current) != 1 {
			t.Fatalf("expected a single-document batch, got %d", len(batches.Current))
		}
	})
}
