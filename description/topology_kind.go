// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

// TopologyKind represents a specific topology configuration.
type TopologyKind uint32

// These constants are the available topology configurations.
const (
	// Single is a topology with a single, directly connected server.
	Single TopologyKind = 1
	// ReplicaSet is a vague replica set, primary presence unknown.
	ReplicaSet TopologyKind = 2
	// ReplicaSetNoPrimary is a replica set with no writable member.
	ReplicaSetNoPrimary TopologyKind = 4 + ReplicaSet
	// ReplicaSetWithPrimary is a replica set with a writable member.
	ReplicaSetWithPrimary TopologyKind = 8 + ReplicaSet
	// Sharded is a sharded cluster reached through mongos routers.
	Sharded TopologyKind = 256
	// LoadBalanced is a topology reached through a load balancer.
	LoadBalanced TopologyKind = 512
)

// String returns the string representation of a kind.
func (kind TopologyKind) String() string {
	switch kind {
	case Single:
		return "Single"
	case ReplicaSet:
		return "ReplicaSet"
	case ReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case ReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case Sharded:
		return "Sharded"
	case LoadBalanced:
		return "LoadBalanced"
	}

	return "Unknown"
}
