// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"testing"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/description"
)

func buildErrorDoc(t *testing.T, elems func([]byte) []byte) bsoncore.Document {
	t.Helper()
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = elems(doc)
	doc, err := bsoncore.AppendDocumentEnd(doc, idx)
	if err != nil {
		t.Fatalf("error building document: %v", err)
	}
	return doc
}

func TestExtractErrorFromServerResponse(t *testing.T) {
	t.Parallel()

	t.Run("ok response", func(t *testing.T) {
		t.Parallel()

		doc := buildErrorDoc(t, func(dst []byte) []byte {
			return bsoncore.AppendInt32Element(dst, "ok", 1)
		})
		if err := ExtractErrorFromServerResponse(context.Background(), doc); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("command error preserves code and message", func(t *testing.T) {
		t.Parallel()

		doc := buildErrorDoc(t, func(dst []byte) []byte {
			dst = bsoncore.AppendInt32Element(dst, "ok", 0)
			dst = bsoncore.AppendStringElement(dst, "errmsg", "not master")
			dst = bsoncore.AppendStringElement(dst, "codeName", "NotWritablePrimary")
			return bsoncore.AppendInt32Element(dst, "code", 10107)
		})
		err := ExtractErrorFromServerResponse(context.Background(), doc)
		derr, ok := err.(Error)
		if !ok {
			t.Fatalf("expected a driver.Error, got %T", err)
		}
		if derr.Code != 10107 || derr.Message != "not master" || derr.Name != "NotWritablePrimary" {
			t.Fatalf("error fields not preserved: %+v", derr)
		}
		if !derr.NotPrimary() {
			t.Fatal("expected NotPrimary to be true")
		}
	})

	t.Run("write concern error", func(t *testing.T) {
		t.Parallel()

		doc := buildErrorDoc(t, func(dst []byte) []byte {
			dst = bsoncore.AppendInt32Element(dst, "ok", 1)
			var idx int32
			idx, dst = bsoncore.AppendDocumentElementStart(dst, "writeConcernError")
			dst = bsoncore.AppendInt32Element(dst, "code", 91)
			dst = bsoncore.AppendStringElement(dst, "errmsg", "Replication is being shut down")
			dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
			return dst
		})
		err := ExtractErrorFromServerResponse(context.Background(), doc)
		wce, ok := err.(WriteCommandError)
		if !ok {
			t.Fatalf("expected a WriteCommandError, got %T", err)
		}
		if wce.WriteConcernError == nil || wce.WriteConcernError.Code != 91 {
			t.Fatalf("unexpected write concern error: %+v", wce.WriteConcernError)
		}
		if !wce.WriteConcernError.Retryable() {
			t.Fatal("expected ShutdownInProgress write concern error to be retryable")
		}
	})

	t.Run("write errors array", func(t *testing.T) {
		t.Parallel()

		doc := buildErrorDoc(t, func(dst []byte) []byte {
			dst = bsoncore.AppendInt32Element(dst, "ok", 1)
			var aidx int32
			aidx, dst = bsoncore.AppendArrayElementStart(dst, "writeErrors")
			var didx int32
			didx, dst = bsoncore.AppendDocumentElementStart(dst, "0")
			dst = bsoncore.AppendInt32Element(dst, "index", 0)
			dst = bsoncore.AppendInt32Element(dst, "code", 11000)
			dst = bsoncore.AppendStringElement(dst, "errmsg", "duplicate key")
			dst, _ = bsoncore.AppendDocumentEnd(dst, didx)
			dst, _ = bsoncore.AppendArrayEnd(dst, aidx)
			return dst
		})
		err := ExtractErrorFromServerResponse(context.Background(), doc)
		wce, ok := err.(WriteCommandError)
		if !ok {
			t.Fatalf("expected a WriteCommandError, got %T", err)
		}
		if len(wce.WriteErrors) != 1 || wce.WriteErrors[0].Code != 11000 {
			t.Fatalf("unexpected write errors: %+v", wce.WriteErrors)
		}
	})
}

func TestErrorRetryability(t *testing.T) {
	t.Parallel()

	oldWV := description.NewVersionRange(6, 8)
	newWV := description.NewVersionRange(6, 14)

	tests := []struct {
		name           string
		err            Error
		wireVersion    *description.VersionRange
		retryableRead  bool
		retryableWrite bool
	}{
		{
			name:           "not primary on 4.2",
			err:            Error{Code: 10107},
			wireVersion:    &oldWV,
			retryableRead:  true,
			retryableWrite: true,
		},
		{
			name:           "not primary on 4.4 without label",
			err:            Error{Code: 10107},
			wireVersion:    &newWV,
			retryableRead:  true,
			retryableWrite: false,
		},
		{
			name:           "labeled retryable write on 4.4",
			err:            Error{Code: 10107, Labels: []string{RetryableWriteError}},
			wireVersion:    &newWV,
			retryableRead:  true,
			retryableWrite: true,
		},
		{
			name:           "network error",
			err:            Error{Labels: []string{NetworkError}},
			wireVersion:    &newWV,
			retryableRead:  true,
			retryableWrite: true,
		},
		{
			name:           "ordinary command error",
			err:            Error{Code: 11000},
			wireVersion:    &oldWV,
			retryableRead:  false,
			retryableWrite: false,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if got := test.err.RetryableRead(); got != test.retryableRead {
				t.Errorf("RetryableRead() = %v, want %v", got, test.retryableRead)
			}
			if got := test.err.RetryableWrite(test.wireVersion); got != test.retryableWrite {
				t.Errorf("RetryableWrite() = %v, want %v", got, test.retryableWrite)
			}
		})
	}
}

func TestErrorRecoveryClassification(t *testing.T) {
	t.Parallel()

	recovering := Error{Code: 11600}
	if !recovering.NodeIsRecovering() || !recovering.NodeIsShuttingDown() {
		t.Fatal("InterruptedAtShutdown should be recovering and shutting down")
	}

	legacy := Error{Message: "node is recovering"}
	if !legacy.NodeIsRecovering() {
		t.Fatal("legacy message-matched error should be recovering")
	}

	legacyNotPrimary := Error{Message: LegacyNotPrimaryErrMsg}
	if !legacyNotPrimary.NotPrimary() {
		t.Fatal("legacy not-master message should classify as not primary")
	}
}
