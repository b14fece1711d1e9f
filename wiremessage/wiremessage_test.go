// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"bytes"
	"testing"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

func buildDoc(t *testing.T, elems func([]byte) []byte) bsoncore.Document {
	t.Helper()
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = elems(doc)
	doc, err := bsoncore.AppendDocumentEnd(doc, idx)
	if err != nil {
		t.Fatalf("error building document: %v", err)
	}
	return doc
}

func TestMsgRoundTrip(t *testing.T) {
	t.Parallel()

	cmd := buildDoc(t, func(dst []byte) []byte {
		dst = bsoncore.AppendInt32Element(dst, "ping", 1)
		return bsoncore.AppendStringElement(dst, "$db", "admin")
	})

	reqid := NextRequestID()
	idx, wm := AppendHeaderStart(nil, reqid, 0, OpMsg)
	wm = AppendMsgFlags(wm, 0)
	wm = AppendMsgSectionType(wm, SingleDocument)
	wm = append(wm, cmd...)
	wm = UpdateLength(wm, idx, int32(len(wm)))

	length, gotReqID, respTo, opcode, rem, ok := ReadHeader(wm)
	if !ok {
		t.Fatal("expected to read header")
	}
	if length != int32(len(wm)) || gotReqID != reqid || respTo != 0 || opcode != OpMsg {
		t.Fatalf("unexpected header: (%d %d %d %v)", length, gotReqID, respTo, opcode)
	}

	flags, rem, ok := ReadMsgFlags(rem)
	if !ok || flags != 0 {
		t.Fatalf("unexpected flags: %v", flags)
	}
	stype, rem, ok := ReadMsgSectionType(rem)
	if !ok || stype != SingleDocument {
		t.Fatalf("unexpected section type: %v", stype)
	}
	doc, rem, ok := ReadMsgSectionSingleDocument(rem)
	if !ok || len(rem) != 0 {
		t.Fatal("expected to read a single document section")
	}
	if !bytes.Equal(doc, cmd) {
		t.Fatalf("round trip mismatch: %v != %v", bsoncore.Document(doc), cmd)
	}
}

func TestMsgDocumentSequence(t *testing.T) {
	t.Parallel()

	docOne := buildDoc(t, func(dst []byte) []byte {
		return bsoncore.AppendInt32Element(dst, "x", 1)
	})
	docTwo := buildDoc(t, func(dst []byte) []byte {
		return bsoncore.AppendInt32Element(dst, "x", 2)
	})

	var section []byte
	section = AppendMsgSectionType(section, DocumentSequence)
	sizeIdx := len(section)
	section = append(section, 0, 0, 0, 0)
	section = append(section, "documents"...)
	section = append(section, 0x00)
	section = append(section, docOne...)
	section = append(section, docTwo...)
	UpdateLength(section, int32(sizeIdx), int32(len(section)-sizeIdx))

	stype, rem, ok := ReadMsgSectionType(section)
	if !ok || stype != DocumentSequence {
		t.Fatalf("unexpected section type: %v", stype)
	}
	identifier, data, rem, ok := ReadMsgSectionDocumentSequence(rem)
	if !ok || len(rem) != 0 {
		t.Fatal("expected to read a document sequence section")
	}
	if identifier != "documents" {
		t.Fatalf("unexpected identifier %q", identifier)
	}

	var docs [][]byte
	for len(data) > 0 {
		var doc []byte
		doc, data, ok = ReadDocument(data)
		if !ok {
			t.Fatal("expected to read document from sequence")
		}
		docs = append(docs, doc)
	}
	if len(docs) != 2 || !bytes.Equal(docs[0], docOne) || !bytes.Equal(docs[1], docTwo) {
		t.Fatalf("unexpected documents: %v", docs)
	}
}

func TestMsgChecksum(t *testing.T) {
	t.Parallel()

	cmd := buildDoc(t, func(dst []byte) []byte {
		return bsoncore.AppendInt32Element(dst, "ping", 1)
	})

	idx, wm := AppendHeaderStart(nil, NextRequestID(), 0, OpMsg)
	wm = AppendMsgFlags(wm, ChecksumPresent)
	wm = AppendMsgSectionType(wm, SingleDocument)
	wm = append(wm, cmd...)
	// the checksum is part of the message length
	wm = UpdateLength(wm, idx, int32(len(wm)+4))
	wm = AppendMsgChecksum(wm)

	if !ValidateMsgChecksum(wm) {
		t.Fatal("expected checksum to validate")
	}

	wm[20] ^= 0xFF
	if ValidateMsgChecksum(wm) {
		t.Fatal("expected corrupted message to fail checksum validation")
	}
}

func TestReplyRead(t *testing.T) {
	t.Parallel()

	doc := buildDoc(t, func(dst []byte) []byte {
		return bsoncore.AppendInt32Element(dst, "ok", 1)
	})

	idx, wm := AppendHeaderStart(nil, 2, 1, OpReply)
	wm = AppendReplyFlags(wm, AwaitCapable)
	wm = AppendReplyCursorID(wm, 42)
	wm = AppendReplyStartingFrom(wm, 0)
	wm = AppendReplyNumberReturned(wm, 1)
	wm = append(wm, doc...)
	wm = UpdateLength(wm, idx, int32(len(wm)))

	_, _, respTo, opcode, rem, ok := ReadHeader(wm)
	if !ok || opcode != OpReply || respTo != 1 {
		t.Fatalf("unexpected header: %v %d", opcode, respTo)
	}
	flags, rem, ok := ReadReplyFlags(rem)
	if !ok || flags != AwaitCapable {
		t.Fatalf("unexpected flags: %v", flags)
	}
	cursorID, rem, ok := ReadReplyCursorID(rem)
	if !ok || cursorID != 42 {
		t.Fatalf("unexpected cursor id: %d", cursorID)
	}
	if _, rem, ok = ReadReplyStartingFrom(rem); !ok {
		t.Fatal("expected startingFrom")
	}
	numReturned, rem, ok := ReadReplyNumberReturned(rem)
	if !ok || numReturned != 1 {
		t.Fatalf("unexpected numberReturned: %d", numReturned)
	}
	docs, _, ok := ReadReplyDocuments(rem)
	if !ok || len(docs) != 1 || !bytes.Equal(docs[0], doc) {
		t.Fatalf("unexpected documents: %v", docs)
	}
}

func TestReadDocument_invalid(t *testing.T) {
	t.Parallel()

	// Declared length shorter than the minimum document size.
	if _, _, ok := ReadDocument([]byte{0x03, 0x00, 0x00, 0x00, 0x00}); ok {
		t.Fatal("expected ReadDocument to fail for a declared length < 5")
	}
	// Declared length longer than the source.
	if _, _, ok := ReadDocument([]byte{0xFF, 0x00, 0x00, 0x00, 0x00}); ok {
		t.Fatal("expected ReadDocument to fail for truncated source")
	}
}
