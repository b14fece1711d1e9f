// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package readpref

import (
	"testing"
	"time"
)

func TestPrimary(t *testing.T) {
	t.Parallel()

	subject := Primary()

	if subject.Mode() != PrimaryMode {
		t.Fatalf("expected primary mode, got %v", subject.Mode())
	}
	if _, set := subject.MaxStaleness(); set {
		t.Fatal("expected max staleness to be unset")
	}
}

func TestPrimary_with_options(t *testing.T) {
	t.Parallel()

	_, err := New(PrimaryMode, WithMaxStaleness(10*time.Second))
	if err == nil {
		t.Fatal("expected an error with options on primary mode")
	}

	_, err = New(PrimaryMode, WithTags("a", "1"))
	if err == nil {
		t.Fatal("expected an error with tags on primary mode")
	}
}

func TestSecondary_with_options(t *testing.T) {
	t.Parallel()

	subject, err := Secondary(WithMaxStaleness(10*time.Second), WithTags("a", "1", "b", "2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ms, set := subject.MaxStaleness()
	if !set || ms != 10*time.Second {
		t.Fatalf("expected max staleness 10s, got (%v, %v)", ms, set)
	}
	if len(subject.TagSets()) != 1 || len(subject.TagSets()[0]) != 2 {
		t.Fatalf("expected one tag set of two tags, got %v", subject.TagSets())
	}
}

func TestWithTags_invalid(t *testing.T) {
	t.Parallel()

	if _, err := Secondary(WithTags("a")); err == nil {
		t.Fatal("expected an error for an odd number of tags")
	}
	if _, err := Secondary(WithTags()); err == nil {
		t.Fatal("expected an error for an empty tag list")
	}
}

func TestModeFromString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		expected Mode
	}{
		{"primary", PrimaryMode},
		{"primaryPreferred", PrimaryPreferredMode},
		{"secondary", SecondaryMode},
		{"secondaryPreferred", SecondaryPreferredMode},
		{"nearest", NearestMode},
	}
	for _, test := range tests {
		mode, err := ModeFromString(test.in)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", test.in, err)
		}
		if mode != test.expected {
			t.Errorf("expected %v, got %v", test.expected, mode)
		}
		if mode.String() != test.in {
			t.Errorf("round trip of %q produced %q", test.in, mode.String())
		}
	}

	if _, err := ModeFromString("sideways"); err == nil {
		t.Fatal("expected an error for an unknown mode")
	}
}
