// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package meshlink

import (
	"bytes"
	"testing"
)

// FuzzFrameAccumulator checks that a clean frame survives any chunking of
// the byte stream, including payloads that contain the magic bytes.
func FuzzFrameAccumulator(f *testing.F) {
	f.Add([]byte("hello"), uint8(3))
	f.Add([]byte{}, uint8(1))
	f.Add([]byte{frameStart1, frameStart2, 0x00, 0x01}, uint8(2))
	f.Add(bytes.Repeat([]byte{frameStart1}, 40), uint8(5))

	f.Fuzz(func(t *testing.T, payload []byte, step uint8) {
		if len(payload) > maxFramePayload {
			t.Skip()
		}
		frame := encodeFrame(payload)
		n := int(step)%7 + 1
		var acc frameAccumulator
		var got [][]byte
		for i := 0; i < len(frame); i += n {
			end := min(i+n, len(frame))
			got = append(got, acc.Push(frame[i:end])...)
		}
		if len(got) != 1 {
			t.Fatalf("chunked feed produced %d frames, want 1", len(got))
		}
		if !bytes.Equal(got[0], payload) {
			t.Errorf("payload = %v, want %v", got[0], payload)
		}
		if skipped := acc.TakeSkipped(); skipped != 0 {
			t.Errorf("clean frame counted %d skipped bytes", skipped)
		}
	})
}
