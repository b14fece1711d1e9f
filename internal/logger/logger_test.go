// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"sync"
	"testing"
)

type mockLogSink struct {
	mu       sync.Mutex
	messages []string
}

func (s *mockLogSink) Info(_ int, msg string, _ ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *mockLogSink) Error(_ error, msg string, _ ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func TestLoggerLevelComponentEnabled(t *testing.T) {
	t.Parallel()

	sink := &mockLogSink{}
	log, err := New(sink, 0, map[Component]Level{
		ComponentCommand:  LevelDebug,
		ComponentTopology: LevelOff,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !log.LevelComponentEnabled(LevelDebug, ComponentCommand) {
		t.Error("expected command debug logging to be enabled")
	}
	if log.LevelComponentEnabled(LevelInfo, ComponentTopology) {
		t.Error("expected topology logging to be disabled")
	}

	log.Print(LevelDebug, ComponentCommand, "Command started")
	log.Print(LevelDebug, ComponentTopology, "Topology description changed")

	if len(sink.messages) != 1 || sink.messages[0] != "Command started" {
		t.Fatalf("unexpected messages: %v", sink.messages)
	}
}

func TestLoggerComponentAll(t *testing.T) {
	t.Parallel()

	sink := &mockLogSink{}
	log, err := New(sink, 0, map[Component]Level{ComponentAll: LevelDebug})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !log.LevelComponentEnabled(LevelDebug, ComponentConnection) {
		t.Error("expected ComponentAll to enable all components")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		arg      string
		width    uint
		expected string
	}{
		{"empty", "", 0, ""},
		{"short", "foo", 1000, "foo"},
		{"long", "foo bar baz", 9, "foo bar b" + TruncationSuffix},
		{"multi-byte", "你好", 4, "你" + TruncationSuffix},
		{"zero width", "foo bar baz", 0, "foo bar baz"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if got := Truncate(test.arg, test.width); got != test.expected {
				t.Fatalf("Truncate(%q, %d) = %q, want %q", test.arg, test.width, got, test.expected)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	if ParseLevel("debug") != LevelDebug {
		t.Error("expected debug to parse as LevelDebug")
	}
	if ParseLevel("warn") != LevelInfo {
		t.Error("expected warn to parse as LevelInfo")
	}
	if ParseLevel("nonsense") != LevelOff {
		t.Error("expected unknown literal to parse as LevelOff")
	}
}
