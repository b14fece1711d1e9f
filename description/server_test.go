// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/address"
)

func buildHelloResponse(t *testing.T, elems func(dst []byte) []byte) bsoncore.Document {
	t.Helper()
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendInt32Element(doc, "ok", 1)
	doc = elems(doc)
	doc, err := bsoncore.AppendDocumentEnd(doc, idx)
	if err != nil {
		t.Fatalf("error building hello response: %v", err)
	}
	return doc
}

func TestNewServer_primary(t *testing.T) {
	t.Parallel()

	response := buildHelloResponse(t, func(dst []byte) []byte {
		dst = bsoncore.AppendBooleanElement(dst, "isWritablePrimary", true)
		dst = bsoncore.AppendBooleanElement(dst, "helloOk", true)
		dst = bsoncore.AppendStringElement(dst, "setName", "rs0")
		dst = bsoncore.AppendInt32Element(dst, "setVersion", 2)
		dst = bsoncore.AppendInt32Element(dst, "minWireVersion", 6)
		dst = bsoncore.AppendInt32Element(dst, "maxWireVersion", 14)
		dst = bsoncore.AppendInt32Element(dst, "logicalSessionTimeoutMinutes", 30)
		var idx int32
		idx, dst = bsoncore.AppendArrayElementStart(dst, "hosts")
		dst = bsoncore.AppendStringElement(dst, "0", "a:27017")
		dst = bsoncore.AppendStringElement(dst, "1", "b:27017")
		dst, _ = bsoncore.AppendArrayEnd(dst, idx)
		idx, dst = bsoncore.AppendArrayElementStart(dst, "arbiters")
		dst = bsoncore.AppendStringElement(dst, "0", "c:27017")
		dst, _ = bsoncore.AppendArrayEnd(dst, idx)
		idx, dst = bsoncore.AppendDocumentElementStart(dst, "tags")
		dst = bsoncore.AppendStringElement(dst, "dc", "ny")
		dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
		return dst
	})

	desc := NewServer(address.Address("a:27017"), response)
	if desc.LastError != nil {
		t.Fatalf("unexpected parse error: %v", desc.LastError)
	}
	if desc.Kind != RSPrimary {
		t.Fatalf("expected kind RSPrimary, got %s", desc.Kind)
	}
	if desc.SetName != "rs0" || desc.SetVersion != 2 {
		t.Fatalf("unexpected set identity: %s/%d", desc.SetName, desc.SetVersion)
	}
	if !desc.HelloOK {
		t.Fatal("expected helloOk to be recorded")
	}
	wantMembers := []address.Address{"a:27017", "b:27017", "c:27017"}
	if diff := cmp.Diff(wantMembers, desc.Members); diff != "" {
		t.Fatalf("members mismatch (-want +got):\n%s", diff)
	}
	if !desc.Tags.Contains("dc", "ny") {
		t.Fatalf("expected tags to contain dc=ny, got %v", desc.Tags)
	}
	if desc.WireVersion == nil || !desc.WireVersion.Includes(14) {
		t.Fatalf("unexpected wire version range: %v", desc.WireVersion)
	}
	if desc.SessionTimeoutMinutes == nil || *desc.SessionTimeoutMinutes != 30 {
		t.Fatalf("unexpected session timeout: %v", desc.SessionTimeoutMinutes)
	}
}

func TestNewServer_kinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		elems    func(dst []byte) []byte
		expected ServerKind
	}{
		{
			"standalone",
			func(dst []byte) []byte {
				return bsoncore.AppendBooleanElement(dst, "isWritablePrimary", true)
			},
			Standalone,
		},
		{
			"mongos",
			func(dst []byte) []byte {
				dst = bsoncore.AppendBooleanElement(dst, "isWritablePrimary", true)
				return bsoncore.AppendStringElement(dst, "msg", "isdbgrid")
			},
			Mongos,
		},
		{
			"secondary",
			func(dst []byte) []byte {
				dst = bsoncore.AppendBooleanElement(dst, "secondary", true)
				return bsoncore.AppendStringElement(dst, "setName", "rs0")
			},
			RSSecondary,
		},
		{
			"arbiter",
			func(dst []byte) []byte {
				dst = bsoncore.AppendBooleanElement(dst, "arbiterOnly", true)
				return bsoncore.AppendStringElement(dst, "setName", "rs0")
			},
			RSArbiter,
		},
		{
			"hidden member",
			func(dst []byte) []byte {
				dst = bsoncore.AppendBooleanElement(dst, "secondary", true)
				dst = bsoncore.AppendBooleanElement(dst, "hidden", true)
				return bsoncore.AppendStringElement(dst, "setName", "rs0")
			},
			RSMember,
		},
		{
			"ghost",
			func(dst []byte) []byte {
				return bsoncore.AppendBooleanElement(dst, "isreplicaset", true)
			},
			RSGhost,
		},
		{
			"primary with mismatched me",
			func(dst []byte) []byte {
				dst = bsoncore.AppendBooleanElement(dst, "isWritablePrimary", true)
				dst = bsoncore.AppendStringElement(dst, "setName", "rs0")
				return bsoncore.AppendStringElement(dst, "me", "other:27017")
			},
			Unknown,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			desc := NewServer(address.Address("a:27017"), buildHelloResponse(t, test.elems))
			if desc.LastError != nil {
				t.Fatalf("unexpected parse error: %v", desc.LastError)
			}
			if desc.Kind != test.expected {
				t.Fatalf("expected kind %s, got %s", test.expected, desc.Kind)
			}
		})
	}
}

func TestNewServerFromError(t *testing.T) {
	t.Parallel()

	desc := NewServerFromError(address.Address("a:27017"), errTest, nil)
	if desc.Kind != Unknown {
		t.Fatalf("expected kind Unknown, got %s", desc.Kind)
	}
	if desc.AverageRTTSet || len(desc.Tags) != 0 || len(desc.Members) != 0 {
		t.Fatal("unknown description must not carry RTT, tags, or members")
	}
	if desc.LastError != errTest {
		t.Fatalf("expected error to be retained, got %v", desc.LastError)
	}
}
