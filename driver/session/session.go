// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"crypto/rand"
	"errors"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/description"
)

// ErrSessionEnded is returned when a client session is used after calling
// EndSession.
var ErrSessionEnded = errors.New("ended session was used")

// Client is a session for clients to run commands. The core attaches its
// SessionID as "lsid" and, for retryable writes, its TxnNumber as "txnNumber"
// to outgoing commands.
type Client struct {
	SessionID     bsoncore.Document
	ClusterTime   bson.Raw
	OperationTime *Timestamp
	TxnNumber     int64
	Terminated    bool

	// RetryWrite indicates whether the next operation run with this session
	// is eligible for transparent retry.
	RetryWrite bool
	// RetryRead indicates whether reads run with this session are eligible
	// for transparent retry.
	RetryRead bool
}

// Timestamp is a BSON timestamp value.
type Timestamp struct {
	T uint32
	I uint32
}

// After reports whether t is a later cluster time than other.
func (t Timestamp) After(other Timestamp) bool {
	return t.T > other.T || (t.T == other.T && t.I > other.I)
}

// NewImplicitClientSession creates a new implicit client-side session with a
// random 16-byte (UUID-shaped) session id.
func NewImplicitClientSession() (*Client, error) {
	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, err
	}
	// RFC 4122 variant and version 4 bits.
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80

	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendBinaryElement(doc, "id", 0x04, id[:])
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)

	return &Client{SessionID: doc}, nil
}

// AdvanceClusterTime updates the session's cluster time.
func (c *Client) AdvanceClusterTime(clusterTime bson.Raw) error {
	if c.Terminated {
		return ErrSessionEnded
	}
	c.ClusterTime = MaxClusterTime(c.ClusterTime, clusterTime)
	return nil
}

// AdvanceOperationTime updates the session's operation time.
func (c *Client) AdvanceOperationTime(opTime *Timestamp) error {
	if c.Terminated {
		return ErrSessionEnded
	}
	if opTime == nil {
		return nil
	}
	if c.OperationTime == nil || opTime.After(*c.OperationTime) {
		c.OperationTime = opTime
	}
	return nil
}

// IncrementTxnNumber increments the session's transaction number. It is
// called once per retryable operation, so the initial attempt and its retry
// carry the same number.
func (c *Client) IncrementTxnNumber() {
	atomic.AddInt64(&c.TxnNumber, 1)
}

// UpdateUseTime is called whenever the session is attached to a command. It
// returns ErrSessionEnded for an ended session; the session does not record a
// last used time.
func (c *Client) UpdateUseTime() error {
	if c.Terminated {
		return ErrSessionEnded
	}
	return nil
}

// EndSession ends the session.
func (c *Client) EndSession() {
	c.Terminated = true
}

// RetryableServer returns true if retryable operations can run against the
// provided server description.
func (c *Client) RetryableServer(desc description.Server) bool {
	return description.SessionsSupported(desc.WireVersion)
}
