// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

// ServerKind represents the type of a single server in a topology.
type ServerKind uint32

// These constants are the possible types of servers.
const (
	// Standalone is a single, non-replica-set server.
	Standalone ServerKind = 1
	// RSMember is a vague replica set member, the exact role is unknown.
	RSMember ServerKind = 2
	// RSPrimary is the writable member of a replica set.
	RSPrimary ServerKind = 4 + RSMember
	// RSSecondary is a read-only member of a replica set.
	RSSecondary ServerKind = 8 + RSMember
	// RSArbiter is a replica set arbiter, it holds no data.
	RSArbiter ServerKind = 16 + RSMember
	// RSGhost is a replica set member that answered hello without a setName.
	RSGhost ServerKind = 32 + RSMember
	// PossiblePrimary is a not-yet-checked member another member named as
	// primary. Produced in both single-threaded and background monitoring.
	PossiblePrimary ServerKind = 64 + RSMember
	// Mongos is a sharded cluster router.
	Mongos ServerKind = 256
	// LoadBalancer is a load balancer in front of a cluster.
	LoadBalancer ServerKind = 512
)

// Unknown is an unknown server or topology kind.
const Unknown = 0

// String returns the string representation of a kind.
func (kind ServerKind) String() string {
	switch kind {
	case Standalone:
		return "Standalone"
	case RSMember:
		return "RSOther"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case RSGhost:
		return "RSGhost"
	case PossiblePrimary:
		return "PossiblePrimary"
	case Mongos:
		return "Mongos"
	case LoadBalancer:
		return "LoadBalancer"
	}

	return "Unknown"
}

// DataBearing indicates whether servers of this kind can hold data.
func (kind ServerKind) DataBearing() bool {
	switch kind {
	case Standalone, RSPrimary, RSSecondary, Mongos, LoadBalancer:
		return true
	}
	return false
}
