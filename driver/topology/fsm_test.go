// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/description"
)

// helloResponse builds a hello reply document from the given mutators.
type helloResponse struct {
	isWritablePrimary bool
	secondary         bool
	arbiterOnly       bool
	isdbgrid          bool
	setName           string
	setVersion        int32
	electionID        *description.ObjectID
	hosts             []string
	primary           string
	minWireVersion    int32
	maxWireVersion    int32
}

func (hr helloResponse) build(t *testing.T) bsoncore.Document {
	t.Helper()
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendInt32Element(doc, "ok", 1)
	doc = bsoncore.AppendBooleanElement(doc, "isWritablePrimary", hr.isWritablePrimary)
	if hr.secondary {
		doc = bsoncore.AppendBooleanElement(doc, "secondary", true)
	}
	if hr.arbiterOnly {
		doc = bsoncore.AppendBooleanElement(doc, "arbiterOnly", true)
	}
	if hr.isdbgrid {
		doc = bsoncore.AppendStringElement(doc, "msg", "isdbgrid")
	}
	if hr.setName != "" {
		doc = bsoncore.AppendStringElement(doc, "setName", hr.setName)
	}
	if hr.setVersion != 0 {
		doc = bsoncore.AppendInt32Element(doc, "setVersion", hr.setVersion)
	}
	if hr.electionID != nil {
		doc = bsoncore.AppendHeader(doc, bsoncore.TypeObjectID, "electionId")
		doc = append(doc, hr.electionID[:]...)
	}
	if len(hr.hosts) > 0 {
		var aidx int32
		aidx, doc = bsoncore.AppendArrayElementStart(doc, "hosts")
		for i, host := range hr.hosts {
			doc = bsoncore.AppendStringElement(doc, string(rune('0'+i)), host)
		}
		doc, _ = bsoncore.AppendArrayEnd(doc, aidx)
	}
	if hr.primary != "" {
		doc = bsoncore.AppendStringElement(doc, "primary", hr.primary)
	}
	maxWV := hr.maxWireVersion
	if maxWV == 0 {
		maxWV = 14
	}
	doc = bsoncore.AppendInt32Element(doc, "minWireVersion", hr.minWireVersion)
	doc = bsoncore.AppendInt32Element(doc, "maxWireVersion", maxWV)
	doc, err := bsoncore.AppendDocumentEnd(doc, idx)
	if err != nil {
		t.Fatalf("error building hello response: %v", err)
	}
	return doc
}

func seedFSM(kind description.TopologyKind, setName string, seeds ...string) *fsm {
	f := newFSM()
	f.Kind = kind
	f.SetName = setName
	for _, seed := range seeds {
		f.Servers = append(f.Servers, description.NewDefaultServer(address.Address(seed).Canonicalize()))
	}
	return f
}

func applyHello(t *testing.T, f *fsm, addr string, hr helloResponse) description.Topology {
	t.Helper()
	desc := description.NewServer(address.Address(addr).Canonicalize(), hr.build(t))
	topo, _ := f.apply(desc)
	return topo
}

func applyError(f *fsm, addr string) description.Topology {
	desc := description.NewServerFromError(address.Address(addr).Canonicalize(), errors.New("connection refused"), nil)
	topo, _ := f.apply(desc)
	return topo
}

func TestFSM_replicaSetDiscovery(t *testing.T) {
	t.Parallel()

	f := seedFSM(description.Unknown, "", "a:27017")

	// A secondary response discovers the rest of the set.
	topo := applyHello(t, f, "a:27017", helloResponse{
		secondary: true,
		setName:   "rs0",
		hosts:     []string{"a:27017", "b:27017", "c:27017"},
		primary:   "b:27017",
	})
	if topo.Kind != description.ReplicaSetNoPrimary {
		t.Fatalf("expected ReplicaSetNoPrimary, got %s", topo.Kind)
	}
	if len(topo.Servers) != 3 {
		t.Fatalf("expected 3 servers, got %d", len(topo.Servers))
	}
	if s, ok := f.Server(address.Address("b:27017")); !ok || s.Kind != description.PossiblePrimary {
		t.Fatalf("expected b:27017 to be PossiblePrimary, got %v", s.Kind)
	}

	// The primary confirms itself and the topology transitions.
	topo = applyHello(t, f, "b:27017", helloResponse{
		isWritablePrimary: true,
		setName:           "rs0",
		setVersion:        1,
		hosts:             []string{"a:27017", "b:27017", "c:27017"},
	})
	if topo.Kind != description.ReplicaSetWithPrimary {
		t.Fatalf("expected ReplicaSetWithPrimary, got %s", topo.Kind)
	}
	if topo.SetName != "rs0" {
		t.Fatalf("expected set name rs0, got %q", topo.SetName)
	}
}

func TestFSM_primaryBecomesUnknownOnError(t *testing.T) {
	t.Parallel()

	f := seedFSM(description.Unknown, "", "a:27017")
	applyHello(t, f, "a:27017", helloResponse{
		isWritablePrimary: true,
		setName:           "rs0",
		hosts:             []string{"a:27017", "b:27017"},
	})
	applyHello(t, f, "b:27017", helloResponse{
		secondary: true,
		setName:   "rs0",
		hosts:     []string{"a:27017", "b:27017"},
	})

	topo := applyError(f, "a:27017")
	if topo.Kind != description.ReplicaSetNoPrimary {
		t.Fatalf("expected ReplicaSetNoPrimary after primary error, got %s", topo.Kind)
	}
	if s, ok := f.Server(address.Address("a:27017")); !ok || s.Kind != description.Unknown {
		t.Fatalf("expected a:27017 to be Unknown, got %v", s.Kind)
	}
}

func TestFSM_stalePrimaryIsCoercedToUnknown(t *testing.T) {
	t.Parallel()

	newer := description.ObjectID{0x02}
	older := description.ObjectID{0x01}

	f := seedFSM(description.Unknown, "", "a:27017")
	applyHello(t, f, "a:27017", helloResponse{
		isWritablePrimary: true,
		setName:           "rs0",
		setVersion:        1,
		electionID:        &newer,
		hosts:             []string{"a:27017", "b:27017"},
	})

	// A second server claims primacy with an older election id.
	topo := applyHello(t, f, "b:27017", helloResponse{
		isWritablePrimary: true,
		setName:           "rs0",
		setVersion:        1,
		electionID:        &older,
		hosts:             []string{"a:27017", "b:27017"},
	})

	if s, ok := f.Server(address.Address("b:27017")); !ok || s.Kind != description.Unknown {
		t.Fatalf("expected stale primary to be coerced to Unknown, got %v", s.Kind)
	}
	if topo.Kind != description.ReplicaSetWithPrimary {
		t.Fatalf("expected topology to keep its primary, got %s", topo.Kind)
	}
}

func TestFSM_newPrimaryDisplacesOld(t *testing.T) {
	t.Parallel()

	f := seedFSM(description.Unknown, "", "a:27017")
	applyHello(t, f, "a:27017", helloResponse{
		isWritablePrimary: true,
		setName:           "rs0",
		setVersion:        1,
		hosts:             []string{"a:27017", "b:27017"},
	})
	applyHello(t, f, "b:27017", helloResponse{
		isWritablePrimary: true,
		setName:           "rs0",
		setVersion:        2,
		hosts:             []string{"a:27017", "b:27017"},
	})

	if s, ok := f.Server(address.Address("a:27017")); !ok || s.Kind != description.Unknown {
		t.Fatalf("expected the old primary to be marked Unknown, got %v", s.Kind)
	}
	if s, ok := f.Server(address.Address("b:27017")); !ok || s.Kind != description.RSPrimary {
		t.Fatalf("expected b:27017 to be the primary, got %v", s.Kind)
	}
}

func TestFSM_mongosDiscovery(t *testing.T) {
	t.Parallel()

	f := seedFSM(description.Unknown, "", "a:27017", "b:27017")
	topo := applyHello(t, f, "a:27017", helloResponse{isWritablePrimary: true, isdbgrid: true})
	if topo.Kind != description.Sharded {
		t.Fatalf("expected Sharded, got %s", topo.Kind)
	}

	// A non-mongos response removes the server from a sharded topology.
	topo = applyHello(t, f, "b:27017", helloResponse{isWritablePrimary: true})
	if len(topo.Servers) != 1 {
		t.Fatalf("expected the standalone to be removed, got %v", topo.Servers)
	}
}

func TestFSM_setNameMismatchRemovesServer(t *testing.T) {
	t.Parallel()

	f := seedFSM(description.ReplicaSetNoPrimary, "rs0", "a:27017", "b:27017")
	topo := applyHello(t, f, "b:27017", helloResponse{
		secondary: true,
		setName:   "other",
		hosts:     []string{"b:27017"},
	})
	if _, ok := f.Server(address.Address("b:27017")); ok {
		t.Fatal("expected mismatched member to be removed")
	}
	if topo.Kind != description.ReplicaSetNoPrimary {
		t.Fatalf("expected ReplicaSetNoPrimary, got %s", topo.Kind)
	}
}

func TestFSM_primaryMemberListIsAuthoritative(t *testing.T) {
	t.Parallel()

	f := seedFSM(description.Unknown, "", "a:27017", "d:27017")
	topo := applyHello(t, f, "a:27017", helloResponse{
		isWritablePrimary: true,
		setName:           "rs0",
		hosts:             []string{"a:27017", "b:27017"},
	})

	if _, ok := f.Server(address.Address("d:27017")); ok {
		t.Fatal("expected server not in the primary's host list to be removed")
	}
	if _, ok := f.Server(address.Address("b:27017")); !ok {
		t.Fatal("expected new member from the primary's host list to be added")
	}
	if len(topo.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(topo.Servers))
	}
}

func TestFSM_standaloneInference(t *testing.T) {
	t.Parallel()

	// A single seed that responds as a standalone becomes a Single topology.
	f := seedFSM(description.Unknown, "", "a:27017")
	topo := applyHello(t, f, "a:27017", helloResponse{isWritablePrimary: true})
	if topo.Kind != description.Single {
		t.Fatalf("expected Single, got %s", topo.Kind)
	}

	// A standalone in a multi-seed topology is removed.
	f = seedFSM(description.Unknown, "", "a:27017", "b:27017")
	topo = applyHello(t, f, "a:27017", helloResponse{isWritablePrimary: true})
	if _, ok := f.Server(address.Address("a:27017")); ok {
		t.Fatal("expected standalone to be removed from multi-seed topology")
	}
	if topo.Kind != description.Unknown {
		t.Fatalf("expected Unknown, got %s", topo.Kind)
	}
}

func TestFSM_compatibilityError(t *testing.T) {
	t.Parallel()

	f := seedFSM(description.Unknown, "", "a:27017")
	topo := applyHello(t, f, "a:27017", helloResponse{
		isWritablePrimary: true,
		minWireVersion:    0,
		maxWireVersion:    2,
	})
	if topo.CompatibilityErr == nil {
		t.Fatal("expected a compatibility error for an ancient server")
	}
}

func TestFSM_invariantPrimaryMatchesKind(t *testing.T) {
	t.Parallel()

	// For all states reached here, Kind == ReplicaSetWithPrimary iff a server
	// with Kind RSPrimary and a matching set name exists.
	f := seedFSM(description.Unknown, "", "a:27017")
	applyHello(t, f, "a:27017", helloResponse{
		isWritablePrimary: true,
		setName:           "rs0",
		hosts:             []string{"a:27017", "b:27017"},
	})
	checkPrimaryInvariant(t, f)

	applyError(f, "a:27017")
	checkPrimaryInvariant(t, f)

	applyHello(t, f, "b:27017", helloResponse{
		isWritablePrimary: true,
		setName:           "rs0",
		setVersion:        2,
		hosts:             []string{"a:27017", "b:27017"},
	})
	checkPrimaryInvariant(t, f)
}

func checkPrimaryInvariant(t *testing.T, f *fsm) {
	t.Helper()
	var hasPrimary bool
	for _, s := range f.Servers {
		if s.Kind == description.RSPrimary && s.SetName == f.SetName {
			hasPrimary = true
		}
	}
	if hasPrimary != (f.Kind == description.ReplicaSetWithPrimary) {
		t.Fatalf("primary invariant violated: hasPrimary=%v kind=%s", hasPrimary, f.Kind)
	}
}
