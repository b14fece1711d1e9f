// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package writeconcern

import (
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

func TestWriteConcern_Validate(t *testing.T) {
	t.Parallel()

	journal := true
	tests := []struct {
		name     string
		wc       *WriteConcern
		expected error
	}{
		{"nil", nil, nil},
		{"majority", Majority(), nil},
		{"w1", W1(), nil},
		{"unacknowledged", Unacknowledged(), nil},
		{"w=0 with j=true", &WriteConcern{W: 0, Journal: &journal}, ErrInconsistent},
		{"negative w", &WriteConcern{W: -1}, ErrNegativeW},
		{"negative wtimeout", &WriteConcern{W: 1, WTimeout: -1}, ErrNegativeWTimeout},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if err := test.wc.Validate(); !errors.Is(err, test.expected) {
				t.Fatalf("expected %v, got %v", test.expected, err)
			}
		})
	}
}

func TestWriteConcern_Acknowledged(t *testing.T) {
	t.Parallel()

	if Unacknowledged().Acknowledged() {
		t.Fatal("w=0 should be unacknowledged")
	}
	if !Majority().Acknowledged() {
		t.Fatal("majority should be acknowledged")
	}
	journal := true
	wc := &WriteConcern{W: 0, Journal: &journal}
	if !wc.Acknowledged() {
		t.Fatal("j=true should be acknowledged regardless of w")
	}
	var nilWC *WriteConcern
	if !nilWC.Acknowledged() {
		t.Fatal("the default write concern is acknowledged")
	}
}

func TestWriteConcern_MarshalBSONValue(t *testing.T) {
	t.Parallel()

	_, data, err := Majority().MarshalBSONValue()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w, ok := bsoncore.Document(data).Lookup("w").StringValueOK()
	if !ok || w != "majority" {
		t.Fatalf("expected w: majority, got %v", bsoncore.Document(data))
	}

	if _, _, err := (&WriteConcern{}).MarshalBSONValue(); !errors.Is(err, ErrEmptyWriteConcern) {
		t.Fatalf("expected ErrEmptyWriteConcern, got %v", err)
	}

	if _, _, err := (&WriteConcern{W: 1.5}).MarshalBSONValue(); err == nil {
		t.Fatal("expected an error for a non-integer, non-string w")
	}
}
