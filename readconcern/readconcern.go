// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readconcern defines read concerns for MongoDB operations. The core
// treats a read concern as an opaque fragment appended to command bodies.
package readconcern

import (
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

// ReadConcern for replica sets and replica set shards determines which data
// to return from a query.
type ReadConcern struct {
	Level string
}

// Local returns a ReadConcern that requests data from the instance with no
// guarantee that the data has been written to a majority of the replica set
// members (i.e. may be rolled back).
func Local() *ReadConcern {
	return &ReadConcern{Level: "local"}
}

// Majority returns a ReadConcern that requests data that has been acknowledged
// by a majority of the replica set members (i.e. the documents read are
// durable and guaranteed not to roll back).
func Majority() *ReadConcern {
	return &ReadConcern{Level: "majority"}
}

// Linearizable returns a ReadConcern that requests data that reflects all
// successful writes issued with a write concern of "majority" and acknowledged
// prior to the start of the read operation.
func Linearizable() *ReadConcern {
	return &ReadConcern{Level: "linearizable"}
}

// Available returns a ReadConcern that requests data from an instance with no
// guarantee that the data has been written to a majority of the replica set
// members.
func Available() *ReadConcern {
	return &ReadConcern{Level: "available"}
}

// Snapshot returns a ReadConcern used with transactions.
func Snapshot() *ReadConcern {
	return &ReadConcern{Level: "snapshot"}
}

// MarshalBSONValue implements the bson.ValueMarshaler interface, producing the
// document appended to commands as "readConcern". A read concern with no
// level marshals to an empty document so causal-consistency fields can still
// be appended by the operation layer.
func (rc *ReadConcern) MarshalBSONValue() (byte, []byte, error) {
	var elems []byte
	if rc != nil && rc.Level != "" {
		elems = bsoncore.AppendStringElement(elems, "level", rc.Level)
	}

	return byte(bsoncore.TypeEmbeddedDocument), bsoncore.BuildDocument(nil, elems), nil
}
