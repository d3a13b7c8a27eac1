// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// CompressionError is returned for unknown or corrupt compressed payloads.
// Like FramingError it is fatal to the connection that produced it.
type CompressionError struct {
	Compressor CompressorID
	Wrapped    error
	Reason     string
}

// Error implements the error interface.
func (e CompressionError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("compression error (%s): %s: %v", e.Compressor, e.Reason, e.Wrapped)
	}
	return fmt.Sprintf("compression error (%s): %s", e.Compressor, e.Reason)
}

// Unwrap returns the underlying error.
func (e CompressionError) Unwrap() error { return e.Wrapped }

// CompressionOpts holds settings for how to compress a payload.
type CompressionOpts struct {
	Compressor       CompressorID
	ZlibLevel        int
	ZstdLevel        int
	UncompressedSize int32
}

var zstdEncoders sync.Map // zstd.EncoderLevel -> *zstd.Encoder

func getZstdEncoder(level zstd.EncoderLevel) (*zstd.Encoder, error) {
	if v, ok := zstdEncoders.Load(level); ok {
		return v.(*zstd.Encoder), nil
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	zstdEncoders.Store(level, encoder)
	return encoder, nil
}

// CompressPayload takes a byte slice and compresses it according to the
// options passed. The NoOp compressor always succeeds and returns its input
// unchanged.
func CompressPayload(in []byte, opts CompressionOpts) ([]byte, error) {
	switch opts.Compressor {
	case CompressorNoOp:
		return in, nil
	case CompressorSnappy:
		return snappy.Encode(nil, in), nil
	case CompressorZLib:
		var b bytes.Buffer
		w, err := zlib.NewWriterLevel(&b, opts.ZlibLevel)
		if err != nil {
			return nil, CompressionError{Compressor: CompressorZLib, Wrapped: err, Reason: "encoder setup"}
		}
		if _, err = w.Write(in); err != nil {
			return nil, CompressionError{Compressor: CompressorZLib, Wrapped: err, Reason: "write"}
		}
		if err = w.Close(); err != nil {
			return nil, CompressionError{Compressor: CompressorZLib, Wrapped: err, Reason: "flush"}
		}
		return b.Bytes(), nil
	case CompressorZstd:
		encoder, err := getZstdEncoder(zstd.EncoderLevelFromZstd(opts.ZstdLevel))
		if err != nil {
			return nil, CompressionError{Compressor: CompressorZstd, Wrapped: err, Reason: "encoder setup"}
		}
		return encoder.EncodeAll(in, nil), nil
	default:
		return nil, CompressionError{Compressor: opts.Compressor, Reason: "unknown compressor ID"}
	}
}

// DecompressPayload takes a byte slice that has been compressed and undoes it
// according to the options passed.
func DecompressPayload(in []byte, opts CompressionOpts) ([]byte, error) {
	switch opts.Compressor {
	case CompressorNoOp:
		return in, nil
	case CompressorSnappy:
		l, err := snappy.DecodedLen(in)
		if err != nil {
			return nil, CompressionError{Compressor: CompressorSnappy, Wrapped: err, Reason: "decoded length"}
		}
		if int32(l) != opts.UncompressedSize {
			return nil, CompressionError{
				Compressor: CompressorSnappy,
				Reason:     fmt.Sprintf("decoded length %d does not match declared size %d", l, opts.UncompressedSize),
			}
		}
		out, err := snappy.Decode(make([]byte, opts.UncompressedSize), in)
		if err != nil {
			return nil, CompressionError{Compressor: CompressorSnappy, Wrapped: err, Reason: "decode"}
		}
		return out, nil
	case CompressorZLib:
		r, err := zlib.NewReader(bytes.NewReader(in))
		if err != nil {
			return nil, CompressionError{Compressor: CompressorZLib, Wrapped: err, Reason: "decoder setup"}
		}
		defer func() { _ = r.Close() }()
		out := make([]byte, opts.UncompressedSize)
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, CompressionError{Compressor: CompressorZLib, Wrapped: err, Reason: "decode"}
		}
		return out, nil
	case CompressorZstd:
		r, err := zstd.NewReader(nil)
		if err != nil {
			return nil, CompressionError{Compressor: CompressorZstd, Wrapped: err, Reason: "decoder setup"}
		}
		defer r.Close()
		out, err := r.DecodeAll(in, make([]byte, 0, opts.UncompressedSize))
		if err != nil {
			return nil, CompressionError{Compressor: CompressorZstd, Wrapped: err, Reason: "decode"}
		}
		return out, nil
	default:
		return nil, CompressionError{Compressor: opts.Compressor, Reason: "unknown compressor ID"}
	}
}

// CompressMessage wraps a complete wire message into an OP_COMPRESSED frame
// carrying the original opcode, the uncompressed body size, and the
// compressor ID ahead of the compressed body. The request and response IDs
// are preserved. A NoOp compressor returns the message unchanged.
func CompressMessage(wm WireMessage, opts CompressionOpts) (WireMessage, error) {
	if opts.Compressor == CompressorNoOp {
		return wm, nil
	}
	_, reqid, respto, origcode, ok := ParseHeader(wm)
	if !ok {
		return nil, FramingError{Length: int32(len(wm)), Reason: "message too short to compress"}
	}

	body := wm[HeaderSize:]
	compressed, err := CompressPayload(body, opts)
	if err != nil {
		return nil, err
	}

	idx, dst := AppendHeaderStart(nil, reqid, respto, OpCompressed)
	dst = appendi32(dst, int32(origcode))
	dst = appendi32(dst, int32(len(body)))
	dst = append(dst, byte(opts.Compressor))
	dst = append(dst, compressed...)
	UpdateLength(dst, idx, int32(len(dst)))
	return dst, nil
}

// DecompressMessage reverses CompressMessage. Frames that do not carry the
// OP_COMPRESSED opcode are returned unchanged. The declared uncompressed
// size is validated against max before any allocation.
func DecompressMessage(wm WireMessage, max int32) (WireMessage, error) {
	length, reqid, respto, opcode, ok := ParseHeader(wm)
	if !ok {
		return nil, FramingError{Length: int32(len(wm)), Reason: "message too short to decompress"}
	}
	if opcode != OpCompressed {
		return wm, nil
	}
	if max <= 0 {
		max = DefaultMaxMessageSize
	}

	rem := wm[HeaderSize:length]
	origcode, rem, ok := ReadCompressedOriginalOpCode(rem)
	if !ok {
		return nil, FramingError{Length: length, Reason: "missing original opcode"}
	}
	size, rem, ok := ReadCompressedUncompressedSize(rem)
	if !ok {
		return nil, FramingError{Length: length, Reason: "missing uncompressed size"}
	}
	if size < 0 || size > max {
		return nil, CompressionError{
			Reason: fmt.Sprintf("declared uncompressed size %d outside of [0, %d]", size, max),
		}
	}
	id, rem, ok := ReadCompressedCompressorID(rem)
	if !ok {
		return nil, FramingError{Length: length, Reason: "missing compressor ID"}
	}

	body, err := DecompressPayload(rem, CompressionOpts{Compressor: id, UncompressedSize: size})
	if err != nil {
		return nil, err
	}

	idx, dst := AppendHeaderStart(nil, reqid, respto, origcode)
	dst = append(dst, body...)
	UpdateLength(dst, idx, int32(len(dst)))
	return dst, nil
}
