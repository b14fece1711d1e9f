// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/readpref"
)

// Topology contains information about a MongoDB cluster.
type Topology struct {
	Servers               []Server
	SetName               string
	Kind                  TopologyKind
	SessionTimeoutMinutes *int64
	CompatibilityErr      error
}

// Server returns the server for the given address. The second return value
// indicates whether a server with the provided address was found.
func (t Topology) Server(addr address.Address) (Server, bool) {
	for _, server := range t.Servers {
		if server.Addr.String() == addr.String() {
			return server, true
		}
	}
	return Server{}, false
}

// HasReadableServer returns true if a topology has a server available for
// reading with the given read preference.
func (t Topology) HasReadableServer(mode readpref.Mode) bool {
	switch t.Kind {
	case Single, Sharded, LoadBalanced:
		return hasAvailableServer(t.Servers, 0)
	case ReplicaSetWithPrimary:
		return hasAvailableServer(t.Servers, mode)
	case ReplicaSetNoPrimary, ReplicaSet:
		if mode == readpref.PrimaryMode {
			return false
		}
		// invalid read preference
		if !mode.IsValid() {
			return false
		}

		return hasAvailableServer(t.Servers, mode)
	}
	return false
}

// HasWritableServer returns true if a topology has a server available for
// writing.
func (t Topology) HasWritableServer() bool {
	switch t.Kind {
	case ReplicaSetNoPrimary, ReplicaSet:
		return false
	}
	return hasAvailableServer(t.Servers, readpref.PrimaryMode)
}

// hasAvailableServer returns true if any server in the slice satisfies the
// read preference mode. A mode of zero indicates any data-bearing server will
// do.
func hasAvailableServer(servers []Server, mode readpref.Mode) bool {
	switch mode {
	case readpref.PrimaryMode:
		for _, s := range servers {
			if s.Kind == RSPrimary {
				return true
			}
		}
		return false
	case readpref.SecondaryMode:
		for _, s := range servers {
			if s.Kind == RSSecondary {
				return true
			}
		}
		return false
	// PrimaryPreferred, SecondaryPreferred, Nearest, or zero.
	default:
		for _, s := range servers {
			if s.DataBearing() {
				return true
			}
		}
		return false
	}
}

// String implements the Stringer interface.
func (t Topology) String() string {
	var serversStr string
	for _, s := range t.Servers {
		serversStr += "{ " + s.String() + " }, "
	}
	return fmt.Sprintf("Type: %s, Servers: [%s]", t.Kind, serversStr)
}

// SelectedServer augments the Server type by also including the topology kind
// of the topology that includes the server. This type should be used to track
// the state of a server that was selected to perform an operation.
type SelectedServer struct {
	Server
	Kind TopologyKind
}

// SessionsSupported returns true of the given server version indicates that it
// supports sessions.
func SessionsSupported(wireVersion *VersionRange) bool {
	return wireVersion != nil && wireVersion.Max >= 6
}
