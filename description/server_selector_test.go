// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"errors"
	"testing"
	"time"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/readpref"
	"github.com/mongocore/driver/tag"
)

var errTest = errors.New("test error")

func rsTopology(servers ...Server) Topology {
	kind := ReplicaSetNoPrimary
	for _, s := range servers {
		if s.Kind == RSPrimary {
			kind = ReplicaSetWithPrimary
		}
	}
	return Topology{Kind: kind, SetName: "rs0", Servers: servers}
}

func member(addr string, kind ServerKind, opts ...func(*Server)) Server {
	wv := NewVersionRange(6, 14)
	s := Server{
		Addr:              address.Address(addr),
		Kind:              kind,
		SetName:           "rs0",
		WireVersion:       &wv,
		HeartbeatInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func withTags(pairs ...string) func(*Server) {
	return func(s *Server) {
		for i := 1; i < len(pairs); i += 2 {
			s.Tags = append(s.Tags, tag.Tag{Name: pairs[i-1], Value: pairs[i]})
		}
	}
}

func withRTT(rtt time.Duration) func(*Server) {
	return func(s *Server) {
		s.AverageRTT = rtt
		s.AverageRTTSet = true
	}
}

func addrs(servers []Server) []string {
	var out []string
	for _, s := range servers {
		out = append(out, s.Addr.String())
	}
	return out
}

func TestWriteSelector(t *testing.T) {
	t.Parallel()

	primary := member("a:27017", RSPrimary)
	secondary := member("b:27017", RSSecondary)
	topo := rsTopology(primary, secondary)

	selected, err := WriteSelector().SelectServer(topo, topo.Servers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(selected) != 1 || selected[0].Addr != primary.Addr {
		t.Fatalf("expected only the primary, got %v", addrs(selected))
	}
}

func TestReadPrefSelector_modes(t *testing.T) {
	t.Parallel()

	primary := member("a:27017", RSPrimary)
	secondaryOne := member("b:27017", RSSecondary)
	secondaryTwo := member("c:27017", RSSecondary)
	arbiter := member("d:27017", RSArbiter)

	mustPref := func(mode readpref.Mode, opts ...readpref.Option) *readpref.ReadPref {
		rp, err := readpref.New(mode, opts...)
		if err != nil {
			t.Fatalf("error building read pref: %v", err)
		}
		return rp
	}

	tests := []struct {
		name     string
		topo     Topology
		pref     *readpref.ReadPref
		expected []string
	}{
		{
			"primary",
			rsTopology(primary, secondaryOne, arbiter),
			readpref.Primary(),
			[]string{"a:27017"},
		},
		{
			"primaryPreferred with primary",
			rsTopology(primary, secondaryOne),
			mustPref(readpref.PrimaryPreferredMode),
			[]string{"a:27017"},
		},
		{
			"primaryPreferred without primary",
			rsTopology(secondaryOne, secondaryTwo),
			mustPref(readpref.PrimaryPreferredMode),
			[]string{"b:27017", "c:27017"},
		},
		{
			"secondary",
			rsTopology(primary, secondaryOne, secondaryTwo),
			mustPref(readpref.SecondaryMode),
			[]string{"b:27017", "c:27017"},
		},
		{
			"secondaryPreferred falls back to primary",
			rsTopology(primary, arbiter),
			mustPref(readpref.SecondaryPreferredMode),
			[]string{"a:27017"},
		},
		{
			"nearest",
			rsTopology(primary, secondaryOne, arbiter),
			mustPref(readpref.NearestMode),
			[]string{"a:27017", "b:27017"},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			selected, err := ReadPrefSelector(test.pref).SelectServer(test.topo, test.topo.Servers)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := addrs(selected)
			if len(got) != len(test.expected) {
				t.Fatalf("expected %v, got %v", test.expected, got)
			}
			for i := range got {
				if got[i] != test.expected[i] {
					t.Fatalf("expected %v, got %v", test.expected, got)
				}
			}
		})
	}
}

func TestReadPrefSelector_tagSets(t *testing.T) {
	t.Parallel()

	secondaryNY := member("a:27017", RSSecondary, withTags("dc", "ny"))
	secondarySF := member("b:27017", RSSecondary, withTags("dc", "sf"))
	topo := rsTopology(secondaryNY, secondarySF)

	// The first tag set matching at least one candidate wins.
	rp, err := readpref.Secondary(readpref.WithTagSets(
		tag.Set{{Name: "dc", Value: "chi"}},
		tag.Set{{Name: "dc", Value: "sf"}},
	))
	if err != nil {
		t.Fatalf("error building read pref: %v", err)
	}

	selected, err := ReadPrefSelector(rp).SelectServer(topo, topo.Servers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(selected) != 1 || selected[0].Addr != secondarySF.Addr {
		t.Fatalf("expected only b:27017, got %v", addrs(selected))
	}

	// An empty tag set matches everything.
	rp, err = readpref.Secondary(readpref.WithTagSets(
		tag.Set{{Name: "dc", Value: "chi"}},
		tag.Set{},
	))
	if err != nil {
		t.Fatalf("error building read pref: %v", err)
	}
	selected, err = ReadPrefSelector(rp).SelectServer(topo, topo.Servers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(selected) != 2 {
		t.Fatalf("expected both secondaries, got %v", addrs(selected))
	}
}

func TestReadPrefSelector_maxStaleness(t *testing.T) {
	t.Parallel()

	now := time.Now()
	primary := member("a:27017", RSPrimary, func(s *Server) {
		s.LastUpdateTime = now
		s.LastWriteTime = now
	})
	fresh := member("b:27017", RSSecondary, func(s *Server) {
		s.LastUpdateTime = now
		s.LastWriteTime = now.Add(-30 * time.Second)
	})
	stale := member("c:27017", RSSecondary, func(s *Server) {
		s.LastUpdateTime = now
		s.LastWriteTime = now.Add(-5 * time.Minute)
	})
	topo := rsTopology(primary, fresh, stale)

	rp, err := readpref.Secondary(readpref.WithMaxStaleness(90 * time.Second))
	if err != nil {
		t.Fatalf("error building read pref: %v", err)
	}
	selected, err := ReadPrefSelector(rp).SelectServer(topo, topo.Servers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(selected) != 1 || selected[0].Addr != fresh.Addr {
		t.Fatalf("expected only the fresh secondary, got %v", addrs(selected))
	}

	// Below the smallest allowed bound the selector must reject the request.
	rp, err = readpref.Secondary(readpref.WithMaxStaleness(10 * time.Second))
	if err != nil {
		t.Fatalf("error building read pref: %v", err)
	}
	if _, err = ReadPrefSelector(rp).SelectServer(topo, topo.Servers); err == nil {
		t.Fatal("expected an error for a too-small max staleness")
	}

	// Old servers do not support the option at all.
	oldWV := NewVersionRange(2, 4)
	oldSecondary := member("d:27017", RSSecondary, func(s *Server) { s.WireVersion = &oldWV })
	oldTopo := rsTopology(primary, oldSecondary)
	rp, err = readpref.Secondary(readpref.WithMaxStaleness(90 * time.Second))
	if err != nil {
		t.Fatalf("error building read pref: %v", err)
	}
	if _, err = ReadPrefSelector(rp).SelectServer(oldTopo, oldTopo.Servers); err == nil {
		t.Fatal("expected an error for unsupported wire version")
	}
}

func TestLatencySelector(t *testing.T) {
	t.Parallel()

	fast := member("a:27017", RSSecondary, withRTT(5*time.Millisecond))
	near := member("b:27017", RSSecondary, withRTT(15*time.Millisecond))
	far := member("c:27017", RSSecondary, withRTT(100*time.Millisecond))
	topo := rsTopology(fast, near, far)

	selected, err := LatencySelector(15*time.Millisecond).SelectServer(topo, topo.Servers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(selected) != 2 {
		t.Fatalf("expected the two servers in the latency window, got %v", addrs(selected))
	}
}

func TestCompositeSelector(t *testing.T) {
	t.Parallel()

	primary := member("a:27017", RSPrimary, withRTT(5*time.Millisecond))
	secondary := member("b:27017", RSSecondary, withRTT(50*time.Millisecond))
	topo := rsTopology(primary, secondary)

	rp, err := readpref.Nearest()
	if err != nil {
		t.Fatalf("error building read pref: %v", err)
	}
	selector := CompositeSelector([]ServerSelector{
		ReadPrefSelector(rp),
		LatencySelector(15 * time.Millisecond),
	})

	selected, err := selector.SelectServer(topo, topo.Servers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(selected) != 1 || selected[0].Addr != primary.Addr {
		t.Fatalf("expected only the fast primary, got %v", addrs(selected))
	}
}
