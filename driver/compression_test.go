// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mongocore/driver/wiremessage"
)

func TestCompression(t *testing.T) {
	t.Parallel()

	payload := []byte("abcdefghijklmnopqrstuvwxyz abcdefghijklmnopqrstuvwxyz abcdefghijklmnopqrstuvwxyz")

	compressors := []struct {
		name string
		opts CompressionOpts
	}{
		{"snappy", CompressionOpts{Compressor: wiremessage.CompressorSnappy}},
		{"zlib", CompressionOpts{Compressor: wiremessage.CompressorZLib, ZlibLevel: wiremessage.DefaultZlibLevel}},
		{"zstd", CompressionOpts{Compressor: wiremessage.CompressorZstd, ZstdLevel: wiremessage.DefaultZstdLevel}},
		{"noop", CompressionOpts{Compressor: wiremessage.CompressorNoOp}},
	}

	for _, tc := range compressors {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			compressed, err := CompressPayload(payload, tc.opts)
			if err != nil {
				t.Fatalf("unexpected compress error: %v", err)
			}

			opts := tc.opts
			opts.UncompressedSize = int32(len(payload))
			decompressed, err := DecompressPayload(compressed, opts)
			if err != nil {
				t.Fatalf("unexpected decompress error: %v", err)
			}

			if diff := cmp.Diff(payload, decompressed); diff != "" {
				t.Fatalf("roundtrip mismatch (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("unknown compressor", func(t *testing.T) {
		t.Parallel()

		if _, err := CompressPayload(payload, CompressionOpts{Compressor: 42}); err == nil {
			t.Fatal("expected an error for an unknown compressor id")
		}
	})
}

func TestDecompressWireMessage(t *testing.T) {
	t.Parallel()

	// Build an OP_MSG, compress it into OP_COMPRESSED, and decompress it
	// back.
	original := okReply(t)
	_, reqid, respto, _, body, ok := wiremessage.ReadHeader(original)
	if !ok {
		t.Fatal("could not read original header")
	}

	compressed, err := CompressPayload(body, CompressionOpts{Compressor: wiremessage.CompressorSnappy})
	if err != nil {
		t.Fatalf("unexpected compress error: %v", err)
	}

	idx, wm := wiremessage.AppendHeaderStart(nil, reqid, respto, wiremessage.OpCompressed)
	wm = wiremessage.AppendCompressedOriginalOpCode(wm, wiremessage.OpMsg)
	wm = wiremessage.AppendCompressedUncompressedSize(wm, int32(len(body)))
	wm = wiremessage.AppendCompressedCompressorID(wm, wiremessage.CompressorSnappy)
	wm = wiremessage.AppendCompressedCompressedMessage(wm, compressed)
	wm = wiremessage.UpdateLength(wm, idx, int32(len(wm)))

	decompressed, err := DecompressWireMessage(wm)
	if err != nil {
		t.Fatalf("unexpected decompress error: %v", err)
	}
	if !bytes.Equal(decompressed, original) {
		t.Fatal("decompressed message does not match the original")
	}

	// A non-compressed message passes through untouched.
	passthrough, err := DecompressWireMessage(original)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(passthrough, original) {
		t.Fatal("uncompressed message should pass through unchanged")
	}
}
