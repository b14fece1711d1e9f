// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import "testing"

func TestVersionRange_Includes(t *testing.T) {
	t.Parallel()

	subject := NewVersionRange(1, 3)

	tests := []struct {
		n        int32
		expected bool
	}{
		{0, false},
		{1, true},
		{2, true},
		{3, true},
		{4, false},
		{10, false},
	}

	for _, test := range tests {
		actual := subject.Includes(test.n)
		if actual != test.expected {
			t.Fatalf("expected Includes(%v) to be %t", test.n, test.expected)
		}
	}
}

func TestCompareTopologyVersion(t *testing.T) {
	t.Parallel()

	pid := ObjectID{0x01}
	otherPid := ObjectID{0x02}

	tests := []struct {
		name     string
		current  *TopologyVersion
		response *TopologyVersion
		expected int
	}{
		{"nil current", nil, &TopologyVersion{pid, 1}, -1},
		{"nil response", &TopologyVersion{pid, 1}, nil, -1},
		{"different process id", &TopologyVersion{pid, 2}, &TopologyVersion{otherPid, 1}, -1},
		{"older counter", &TopologyVersion{pid, 1}, &TopologyVersion{pid, 2}, -1},
		{"equal counter", &TopologyVersion{pid, 2}, &TopologyVersion{pid, 2}, 0},
		{"newer counter", &TopologyVersion{pid, 3}, &TopologyVersion{pid, 2}, 1},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if got := CompareTopologyVersion(test.current, test.response); got != test.expected {
				t.Fatalf("expected %d, got %d", test.expected, got)
			}
		})
	}
}
