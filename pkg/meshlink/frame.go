// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package meshlink

import (
	"bytes"
	"encoding/binary"
)

const (
	frameStart1    = 0x94
	frameStart2    = 0xc3
	frameHeaderLen = 4
	// maxFramePayload bounds the length field. A larger value means the
	// header bytes were really mid-stream noise and the scanner must resync.
	maxFramePayload = 512
)

// wakeSequence flushes the device's serial console so it switches to framed
// protobuf output. The byte value doubles as the second magic byte, which
// the device ignores outside a frame.
var wakeSequence = bytes.Repeat([]byte{frameStart2}, 32)

// encodeFrame wraps a marshaled protobuf in the stream framing header.
func encodeFrame(payload []byte) []byte {
	frame := make([]byte, frameHeaderLen+len(payload))
	frame[0] = frameStart1
	frame[1] = frameStart2
	binary.BigEndian.PutUint16(frame[2:frameHeaderLen], uint16(len(payload)))
	copy(frame[frameHeaderLen:], payload)
	return frame
}

// frameAccumulator reassembles frames from arbitrarily chunked serial reads.
// Bytes that cannot open a plausible frame are skipped and counted so the
// caller can log line noise without treating it as fatal.
type frameAccumulator struct {
	buf     []byte
	skipped int
}

// Push appends a read chunk and returns the payloads of every frame it
// completes, in order. Returned slices are copies and stay valid after
// further pushes.
func (a *frameAccumulator) Push(chunk []byte) [][]byte {
	a.buf = append(a.buf, chunk...)

	var payloads [][]byte
	for {
		start := bytes.IndexByte(a.buf, frameStart1)
		if start < 0 {
			a.skipped += len(a.buf)
			a.buf = a.buf[:0]
			return payloads
		}
		if start > 0 {
			a.skipped += start
			a.discard(start)
		}
		if len(a.buf) < frameHeaderLen {
			return payloads
		}
		if a.buf[1] != frameStart2 {
			a.skipped++
			a.discard(1)
			continue
		}
		length := int(binary.BigEndian.Uint16(a.buf[2:frameHeaderLen]))
		if length > maxFramePayload {
			// Not a real header. Drop one byte and rescan so a frame
			// starting inside the garbage is still found.
			a.skipped++
			a.discard(1)
			continue
		}
		if len(a.buf) < frameHeaderLen+length {
			return payloads
		}
		payload := make([]byte, length)
		copy(payload, a.buf[frameHeaderLen:frameHeaderLen+length])
		payloads = append(payloads, payload)
		a.discard(frameHeaderLen + length)
	}
}

// TakeSkipped returns the number of noise bytes skipped since the last call
// and resets the counter.
func (a *frameAccumulator) TakeSkipped() int {
	n := a.skipped
	a.skipped = 0
	return n
}

func (a *frameAccumulator) discard(n int) {
	a.buf = append(a.buf[:0], a.buf[n:]...)
}
