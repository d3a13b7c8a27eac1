// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import "fmt"

// FramingError is returned when the byte stream cannot be split into frames.
// It is unrecoverable: the stream position is unreliable once raised and the
// owning connection must be torn down.
type FramingError struct {
	Length int32
	Reason string
}

// Error implements the error interface.
func (e FramingError) Error() string {
	return fmt.Sprintf("framing error: %s (declared length %d)", e.Reason, e.Length)
}

// Framer splits an append-only byte stream into discrete wire messages. Bytes
// are handed in via Feed as they arrive from the transport; Next emits one
// complete frame at a time and never emits a partial frame.
type Framer struct {
	buf []byte
	max int32
}

// NewFramer returns a Framer that rejects frames whose declared length
// exceeds max. A non-positive max falls back to DefaultMaxMessageSize.
func NewFramer(max int32) *Framer {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	return &Framer{max: max}
}

// Feed appends bytes read from the transport to the decode buffer.
func (f *Framer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
}

// Buffered returns the number of bytes waiting to be framed.
func (f *Framer) Buffered() int { return len(f.buf) }

// Next returns the next complete frame, or (nil, nil) if the buffer does not
// yet hold one. The declared length is validated before any allocation
// proportional to it happens, so a hostile length prefix cannot cause
// unbounded buffering.
func (f *Framer) Next() (WireMessage, error) {
	if len(f.buf) < 4 {
		return nil, nil
	}
	length, _, _ := readi32(f.buf, 0)
	if length < HeaderSize {
		return nil, FramingError{Length: length, Reason: "declared length smaller than header"}
	}
	if length > f.max {
		return nil, FramingError{Length: length, Reason: fmt.Sprintf("declared length exceeds maximum of %d", f.max)}
	}
	if int32(len(f.buf)) < length {
		return nil, nil
	}

	wm := make(WireMessage, length)
	copy(wm, f.buf[:length])
	f.buf = f.buf[length:]
	return wm, nil
}

// Reset discards any buffered bytes.
func (f *Framer) Reset() { f.buf = f.buf[:0] }
