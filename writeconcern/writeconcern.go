// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package writeconcern defines write concerns for MongoDB operations. The
// core treats a write concern as an opaque fragment appended to command
// bodies; only combinations the server would reject outright are refused
// client side.
package writeconcern

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

// ErrInconsistent indicates that an inconsistent write concern was specified.
var ErrInconsistent = errors.New("a write concern cannot have both w=0 and j=true")

// ErrNegativeW indicates that a negative integer `w` field was specified.
var ErrNegativeW = errors.New("write concern `w` field cannot be a negative number")

// ErrNegativeWTimeout indicates that the wtimeout field was specified as a negative duration.
var ErrNegativeWTimeout = errors.New("write concern `wtimeout` field cannot be negative")

// ErrEmptyWriteConcern indicates that a write concern has no fields set.
var ErrEmptyWriteConcern = errors.New("a write concern must have at least one field set")

// WriteConcern describes the level of acknowledgement requested from MongoDB
// for write operations.
type WriteConcern struct {
	// W requests acknowledgement that the write operation has propagated to a
	// specific number of mongod instances (int) or to mongod instances with
	// specified tags (string).
	W interface{}

	// Journal requests acknowledgement that the write operation has been
	// written to the on-disk journal.
	Journal *bool

	// WTimeout specifies a time limit for the write concern. It sets the
	// wtimeout field on the command.
	WTimeout time.Duration
}

// Majority returns a WriteConcern that requests acknowledgement that write
// operations have propagated to the calculated majority of the data-bearing
// voting members.
func Majority() *WriteConcern {
	return &WriteConcern{W: "majority"}
}

// Journaled returns a WriteConcern that requests acknowledgement that write
// operations have been written to the on-disk journal.
func Journaled() *WriteConcern {
	journal := true
	return &WriteConcern{Journal: &journal}
}

// Unacknowledged returns a WriteConcern that requests no acknowledgment of
// write operations.
func Unacknowledged() *WriteConcern {
	return &WriteConcern{W: 0}
}

// W1 returns a WriteConcern that requests acknowledgement that write
// operations have been written to memory on one node (e.g. the standalone
// mongod or the primary in a replica set).
func W1() *WriteConcern {
	return &WriteConcern{W: 1}
}

// Acknowledged indicates whether or not a write concern expects an
// acknowledged write.
func (wc *WriteConcern) Acknowledged() bool {
	return wc == nil || wc.W != 0 || (wc.Journal != nil && *wc.Journal)
}

// Validate checks that the write concern is a combination the server would
// accept.
func (wc *WriteConcern) Validate() error {
	if wc == nil {
		return nil
	}
	if w, ok := wc.W.(int); ok {
		if w < 0 {
			return ErrNegativeW
		}
		if w == 0 && wc.Journal != nil && *wc.Journal {
			return ErrInconsistent
		}
	}
	if wc.WTimeout < 0 {
		return ErrNegativeWTimeout
	}
	return nil
}

// MarshalBSONValue implements the bson.ValueMarshaler interface, producing the
// document appended to commands as "writeConcern".
func (wc *WriteConcern) MarshalBSONValue() (byte, []byte, error) {
	if wc == nil {
		return 0, nil, ErrEmptyWriteConcern
	}
	if err := wc.Validate(); err != nil {
		return 0, nil, err
	}

	var elems []byte
	switch w := wc.W.(type) {
	case int:
		elems = bsoncore.AppendInt32Element(elems, "w", int32(w))
	case string:
		elems = bsoncore.AppendStringElement(elems, "w", w)
	case nil:
	default:
		return 0, nil, errors.New("write concern `w` field must be an integer or string")
	}

	if wc.Journal != nil {
		elems = bsoncore.AppendBooleanElement(elems, "j", *wc.Journal)
	}

	if wc.WTimeout != 0 {
		elems = bsoncore.AppendInt64Element(elems, "wtimeout", int64(wc.WTimeout/time.Millisecond))
	}

	if len(elems) == 0 {
		return 0, nil, ErrEmptyWriteConcern
	}

	return byte(bsoncore.TypeEmbeddedDocument), bsoncore.BuildDocument(nil, elems), nil
}
