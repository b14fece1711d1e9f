// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"fmt"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/description"
)

// minSupportedMongoDBVersion is the version string for the lowest MongoDB
// version supported by the driver.
const minSupportedMongoDBVersion = description.MinSupportedMongoDBVersion

type fsm struct {
	description.Topology
	maxElectionID    description.ObjectID
	maxSetVersion    uint32
	compatible       bool
	compatibilityErr error
}

func newFSM() *fsm {
	f := fsm{}
	f.compatible = true
	return &f
}

// selectFSMSessionTimeout selects the timeout to return for the topology's
// logical session timeout. If the server is data-bearing and has a smaller
// timeout than the FSM's timeout, or if the FSM has no timeout yet, the
// server's timeout is chosen. A data-bearing server with no timeout makes the
// topology's timeout nil.
func selectFSMSessionTimeout(f *fsm, s description.Server) *int64 {
	oldMinutes := f.SessionTimeoutMinutes
	comparedMinutes := s.SessionTimeoutMinutes

	if s.DataBearing() && (oldMinutes == nil || comparedMinutes == nil) {
		if f.Kind == description.Unknown && comparedMinutes != nil {
			return comparedMinutes
		}
		// A data-bearing server with no timeout means the deployment cannot
		// guarantee session support.
		if s.DataBearing() && comparedMinutes == nil {
			return nil
		}
	}

	if oldMinutes == nil {
		return comparedMinutes
	}
	if comparedMinutes != nil && *comparedMinutes < *oldMinutes {
		return comparedMinutes
	}
	return oldMinutes
}

// apply takes a new server description and modifies the FSM's topology
// description based on it. It returns the updated topology description as
// well as a server description. The returned server description is either the
// same one that was passed in, or a new one in the case that it had to be
// changed.
func (f *fsm) apply(s description.Server) (description.Topology, description.Server) {
	newServers := make([]description.Server, len(f.Servers))
	copy(newServers, f.Servers)

	// Reset the logicalSessionTimeoutMinutes to the minimum of the FSM
	// and the description.server
	f.SessionTimeoutMinutes = selectFSMSessionTimeout(f, s)
	f.Topology = description.Topology{
		Kind:                  f.Kind,
		Servers:               newServers,
		SetName:               f.SetName,
		SessionTimeoutMinutes: f.SessionTimeoutMinutes,
	}

	if _, ok := f.findServer(s.Addr); !ok {
		return f.Topology, s
	}

	updatedDesc := s
	switch f.Kind {
	case description.Unknown:
		updatedDesc = f.applyToUnknown(s)
	case description.Sharded:
		updatedDesc = f.applyToSharded(s)
	case description.ReplicaSetNoPrimary:
		updatedDesc = f.applyToReplicaSetNoPrimary(s)
	case description.ReplicaSetWithPrimary:
		updatedDesc = f.applyToReplicaSetWithPrimary(s)
	case description.Single:
		updatedDesc = f.applyToSingle(s)
	case description.LoadBalanced:
		// Load balanced topologies are not updated from server responses.
		updatedDesc = s
	}

	for _, server := range f.Servers {
		if server.WireVersion != nil {
			if server.WireVersion.Max < description.SupportedWireVersionMin {
				f.compatible = false
				f.compatibilityErr = fmt.Errorf(
					"server at %s reports wire version %d, but this version of the driver requires "+
						"at least %d (MongoDB %s)",
					server.Addr.String(),
					server.WireVersion.Max,
					description.SupportedWireVersionMin,
					minSupportedMongoDBVersion,
				)
				f.Topology.CompatibilityErr = f.compatibilityErr
				return f.Topology, s
			}

			if server.WireVersion.Min > description.SupportedWireVersionMax {
				f.compatible = false
				f.compatibilityErr = fmt.Errorf(
					"server at %s requires wire version %d, but this version of the driver only supports up to %d",
					server.Addr.String(),
					server.WireVersion.Min,
					description.SupportedWireVersionMax,
				)
				f.Topology.CompatibilityErr = f.compatibilityErr
				return f.Topology, s
			}
		}
	}

	f.compatible = true
	f.compatibilityErr = nil
	f.Topology.CompatibilityErr = nil

	return f.Topology, updatedDesc
}

func (f *fsm) applyToReplicaSetNoPrimary(s description.Server) description.Server {
	switch s.Kind {
	case description.Standalone, description.Mongos:
		f.removeServerByAddr(s.Addr)
	case description.RSPrimary:
		f.updateRSFromPrimary(s)
	case description.RSSecondary, description.RSArbiter, description.RSMember:
		f.updateRSWithoutPrimary(s)
	case description.Unknown, description.RSGhost:
		// no-op
	}

	return s
}

func (f *fsm) applyToReplicaSetWithPrimary(s description.Server) description.Server {
	switch s.Kind {
	case description.Standalone, description.Mongos:
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
	case description.RSPrimary:
		f.updateRSFromPrimary(s)
	case description.RSSecondary, description.RSArbiter, description.RSMember:
		f.updateRSWithPrimaryFromMember(s)
	case description.Unknown, description.RSGhost:
		f.replaceServer(s)
		f.checkIfHasPrimary()
	}

	return s
}

func (f *fsm) applyToSharded(s description.Server) description.Server {
	switch s.Kind {
	case description.Mongos, description.Unknown:
		f.replaceServer(s)
	case description.Standalone, description.RSPrimary, description.RSSecondary,
		description.RSArbiter, description.RSMember, description.RSGhost:
		f.removeServerByAddr(s.Addr)
	}

	return s
}

func (f *fsm) applyToSingle(s description.Server) description.Server {
	switch s.Kind {
	case description.Unknown:
		f.replaceServer(s)
	case description.RSGhost:
		// A replica set member in startup or maintenance mode; keep
		// monitoring but do not use it.
		f.replaceServer(s)
	default:
		if f.SetName != "" && f.SetName != s.SetName {
			f.removeServerByAddr(s.Addr)
			break
		}

		f.replaceServer(s)
	}

	return s
}

func (f *fsm) applyToUnknown(s description.Server) description.Server {
	switch s.Kind {
	case description.Mongos:
		f.setKind(description.Sharded)
		f.replaceServer(s)
	case description.RSPrimary:
		f.updateRSFromPrimary(s)
	case description.RSSecondary, description.RSArbiter, description.RSMember:
		f.setKind(description.ReplicaSetNoPrimary)
		f.updateRSWithoutPrimary(s)
	case description.Standalone:
		f.updateUnknownWithStandalone(s)
	case description.Unknown, description.RSGhost:
		// no-op
	}

	return s
}

func (f *fsm) checkIfHasPrimary() {
	if _, ok := f.findPrimary(); ok {
		f.setKind(description.ReplicaSetWithPrimary)
	} else {
		f.setKind(description.ReplicaSetNoPrimary)
	}
}

// higherThanMaxSetVersionElectionID returns true if both the provided
// setVersion and electionID are higher than the set's current maximums.
func (f *fsm) higherThanMaxSetVersionElectionID(setVersion uint32, electionID description.ObjectID) bool {
	if f.maxSetVersion > setVersion {
		return false
	}
	if f.maxSetVersion == setVersion && f.maxElectionID.Compare(electionID) > 0 {
		return false
	}
	return true
}

func (f *fsm) updateRSFromPrimary(s description.Server) {
	if f.SetName == "" {
		f.SetName = s.SetName
	} else if f.SetName != s.SetName {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
		return
	}

	if s.SetVersion != 0 && s.ElectionIDSet {
		if !f.higherThanMaxSetVersionElectionID(s.SetVersion, s.ElectionID) {
			// Stale primary: the set has seen a newer election. Replace the
			// reporter with an Unknown description.
			f.replaceServer(description.NewServerFromError(s.Addr, fmt.Errorf(
				"was a primary, but its set version or election id is stale"), nil))
			f.checkIfHasPrimary()
			return
		}

		f.maxElectionID = s.ElectionID
	}

	if s.SetVersion > f.maxSetVersion {
		f.maxSetVersion = s.SetVersion
	}

	if j, ok := f.findPrimary(); ok && f.Servers[j].Addr.String() != s.Addr.String() {
		// The previous primary did not step down gracefully; mark it Unknown.
		f.Servers[j] = description.NewServerFromError(f.Servers[j].Addr, fmt.Errorf(
			"was a primary, but a newer primary was discovered"), nil)
	}

	f.replaceServer(s)

	// Adopt the primary's member list as the authoritative view of the set.
	for j := len(f.Servers) - 1; j >= 0; j-- {
		server := f.Servers[j]
		found := false
		for _, member := range s.Members {
			if member.String() == server.Addr.String() {
				found = true
				break
			}
		}
		if !found {
			f.removeServer(j)
		}
	}

	for _, member := range s.Members {
		if _, ok := f.findServer(member); !ok {
			f.addServer(member)
		}
	}

	f.checkIfHasPrimary()
}

func (f *fsm) updateRSWithPrimaryFromMember(s description.Server) {
	if f.SetName != s.SetName {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
		return
	}

	if s.Addr.String() != s.CanonicalAddr.String() {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
		return
	}

	f.replaceServer(s)

	if _, ok := f.findPrimary(); !ok {
		f.setKind(description.ReplicaSetNoPrimary)
		f.labelPossiblePrimary(s.Primary)
	}
}

func (f *fsm) updateRSWithoutPrimary(s description.Server) {
	if f.SetName == "" {
		f.SetName = s.SetName
	} else if f.SetName != s.SetName {
		f.removeServerByAddr(s.Addr)
		return
	}

	for _, member := range s.Members {
		if _, ok := f.findServer(member); !ok {
			f.addServer(member)
		}
	}

	if s.Addr.String() != s.CanonicalAddr.String() {
		f.removeServerByAddr(s.Addr)
		return
	}

	f.replaceServer(s)
	f.labelPossiblePrimary(s.Primary)
}

// labelPossiblePrimary marks the member another member named as primary as a
// PossiblePrimary. Single-threaded scans do not probe such servers first.
func (f *fsm) labelPossiblePrimary(primary address.Address) {
	if primary == "" {
		return
	}
	i, ok := f.findServer(primary)
	if !ok {
		return
	}
	if f.Servers[i].Kind == description.Unknown {
		f.Servers[i].Kind = description.PossiblePrimary
	}
}

func (f *fsm) updateUnknownWithStandalone(s description.Server) {
	if len(f.Servers) > 1 {
		f.removeServerByAddr(s.Addr)
		return
	}

	f.setKind(description.Single)
	f.replaceServer(s)
}

func (f *fsm) addServer(addr address.Address) {
	f.Servers = append(f.Servers, description.Server{
		Addr: addr.Canonicalize(),
	})
}

func (f *fsm) findPrimary() (int, bool) {
	for i, s := range f.Servers {
		if s.Kind == description.RSPrimary {
			return i, true
		}
	}

	return 0, false
}

func (f *fsm) findServer(addr address.Address) (int, bool) {
	canon := addr.Canonicalize()
	for i, s := range f.Servers {
		if canon == s.Addr {
			return i, true
		}
	}

	return 0, false
}

func (f *fsm) removeServer(i int) {
	f.Servers = append(f.Servers[:i], f.Servers[i+1:]...)
}

func (f *fsm) removeServerByAddr(addr address.Address) {
	if i, ok := f.findServer(addr); ok {
		f.removeServer(i)
	}
}

func (f *fsm) replaceServer(s description.Server) {
	if i, ok := f.findServer(s.Addr); ok {
		f.setServer(i, s)
	}
}

func (f *fsm) setServer(i int, s description.Server) {
	f.Servers[i] = s
}

func (f *fsm) setKind(k description.TopologyKind) {
	f.Kind = k
}
