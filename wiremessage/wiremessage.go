// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wiremessage handles the low level encoding and decoding of length
// prefixed protocol frames. A frame is a 16 byte header (total length,
// request id, response-to id, and opcode, all little-endian int32s) followed
// by an opcode specific body.
package wiremessage

import (
	"strings"
	"sync/atomic"
)

// WireMessage represents one protocol frame in binary form.
type WireMessage []byte

// HeaderSize is the size of a wire message header in bytes.
const HeaderSize = 16

// DefaultMaxMessageSize is the frame size cap used before a handshake has
// told us what the server accepts.
const DefaultMaxMessageSize = 48000000

var globalRequestID int32

// CurrentRequestID returns the current request ID.
func CurrentRequestID() int32 { return atomic.LoadInt32(&globalRequestID) }

// NextRequestID returns the next request ID.
func NextRequestID() int32 { return atomic.AddInt32(&globalRequestID, 1) }

// OpCode represents a wire protocol opcode.
type OpCode int32

// These constants are the valid opcodes for the version of the wire protocol
// supported by this library. The skipped values are historical opcodes that
// are no longer used but may still be seen on the wire from old peers, so
// they keep their names for decode errors.
const (
	OpReply       OpCode = 1
	OpUpdate      OpCode = 2001
	OpInsert      OpCode = 2002
	OpQuery       OpCode = 2004
	OpGetMore     OpCode = 2005
	OpDelete      OpCode = 2006
	OpKillCursors OpCode = 2007
	OpCompressed  OpCode = 2012
	OpMsg         OpCode = 2013
)

// String implements the fmt.Stringer interface.
func (oc OpCode) String() string {
	switch oc {
	case OpReply:
		return "OP_REPLY"
	case OpUpdate:
		return "OP_UPDATE"
	case OpInsert:
		return "OP_INSERT"
	case OpQuery:
		return "OP_QUERY"
	case OpGetMore:
		return "OP_GET_MORE"
	case OpDelete:
		return "OP_DELETE"
	case OpKillCursors:
		return "OP_KILL_CURSORS"
	case OpCompressed:
		return "OP_COMPRESSED"
	case OpMsg:
		return "OP_MSG"
	default:
		return "<invalid opcode>"
	}
}

// MsgFlag represents the flags on an OP_MSG message.
type MsgFlag uint32

// These constants represent the individual flags on an OP_MSG message.
const (
	ChecksumPresent MsgFlag = 1 << iota
	MoreToCome

	ExhaustAllowed MsgFlag = 1 << 16
)

// String implements the fmt.Stringer interface.
func (mf MsgFlag) String() string {
	strs := make([]string, 0)
	if mf&ChecksumPresent == ChecksumPresent {
		strs = append(strs, "ChecksumPresent")
	}
	if mf&MoreToCome == MoreToCome {
		strs = append(strs, "MoreToCome")
	}
	if mf&ExhaustAllowed == ExhaustAllowed {
		strs = append(strs, "ExhaustAllowed")
	}
	return "[" + strings.Join(strs, ", ") + "]"
}

// SectionType represents the type for 1 section in an OP_MSG.
type SectionType uint8

// These constants represent the individual section types for a section in an
// OP_MSG.
const (
	SingleDocument SectionType = iota
	DocumentSequence
)

// CompressorID is the ID for each type of compressor.
type CompressorID uint8

// These constants represent the individual compressor IDs for an
// OP_COMPRESSED frame.
const (
	CompressorNoOp CompressorID = iota
	CompressorSnappy
	CompressorZLib
	CompressorZstd
)

// String implements the fmt.Stringer interface.
func (id CompressorID) String() string {
	switch id {
	case CompressorNoOp:
		return "CompressorNoOp"
	case CompressorSnappy:
		return "CompressorSnappy"
	case CompressorZLib:
		return "CompressorZLib"
	case CompressorZstd:
		return "CompressorZstd"
	default:
		return "CompressorInvalid"
	}
}

const (
	// DefaultZlibLevel is the default level for zlib compression.
	DefaultZlibLevel = 6
	// DefaultZstdLevel is the default level for zstd compression.
	DefaultZstdLevel = 6
)

// ParseHeader parses a wire message header.
func ParseHeader(hdr []byte) (length, requestID, responseTo int32, opcode OpCode, ok bool) {
	if len(hdr) < HeaderSize {
		return 0, 0, 0, 0, false
	}
	length, _, _ = readi32(hdr, 0)
	requestID, _, _ = readi32(hdr, 4)
	responseTo, _, _ = readi32(hdr, 8)
	op, _, _ := readi32(hdr, 12)
	return length, requestID, responseTo, OpCode(op), true
}

// AppendHeaderStart appends a header to dst with a zero length placeholder
// and returns the index at which the length must be patched once the body is
// complete, along with the updated slice.
func AppendHeaderStart(dst []byte, reqid, responseTo int32, opcode OpCode) (index int32, b []byte) {
	index = int32(len(dst))
	dst = appendi32(dst, 0)
	dst = appendi32(dst, reqid)
	dst = appendi32(dst, responseTo)
	dst = appendi32(dst, int32(opcode))
	return index, dst
}

// UpdateLength writes length into dst at index. It is used to back-patch the
// total length of a frame after its body has been appended.
func UpdateLength(dst []byte, index, length int32) {
	if int(index)+4 > len(dst) {
		return
	}
	dst[index] = byte(length)
	dst[index+1] = byte(length >> 8)
	dst[index+2] = byte(length >> 16)
	dst[index+3] = byte(length >> 24)
}

// AppendMsgFlags appends the flags for an OP_MSG wire message.
func AppendMsgFlags(dst []byte, flags MsgFlag) []byte {
	return appendi32(dst, int32(flags))
}

// AppendMsgSectionType appends the section type to dst.
func AppendMsgSectionType(dst []byte, stype SectionType) []byte {
	return append(dst, byte(stype))
}

// ReadMsgFlags reads the OP_MSG flags from src.
func ReadMsgFlags(src []byte) (flags MsgFlag, rem []byte, ok bool) {
	i32, rem, ok := readi32src(src)
	return MsgFlag(i32), rem, ok
}

// ReadMsgSectionType reads the section type from src.
func ReadMsgSectionType(src []byte) (stype SectionType, rem []byte, ok bool) {
	if len(src) < 1 {
		return 0, src, false
	}
	return SectionType(src[0]), src[1:], true
}

// ReadMsgSectionSingleDocument reads a single document from src. The document
// bytes are not validated beyond their length prefix.
func ReadMsgSectionSingleDocument(src []byte) (doc []byte, rem []byte, ok bool) {
	length, _, ok := readi32src(src)
	if !ok || length < 5 || int(length) > len(src) {
		return nil, src, false
	}
	return src[:length], src[length:], true
}

// ReadCompressedOriginalOpCode reads the original opcode from a compressed
// wire message body.
func ReadCompressedOriginalOpCode(src []byte) (opcode OpCode, rem []byte, ok bool) {
	i32, rem, ok := readi32src(src)
	return OpCode(i32), rem, ok
}

// ReadCompressedUncompressedSize reads the uncompressed size of a compressed
// wire message body.
func ReadCompressedUncompressedSize(src []byte) (size int32, rem []byte, ok bool) {
	return readi32src(src)
}

// ReadCompressedCompressorID reads the compressor ID of a compressed wire
// message body.
func ReadCompressedCompressorID(src []byte) (id CompressorID, rem []byte, ok bool) {
	if len(src) < 1 {
		return 0, src, false
	}
	return CompressorID(src[0]), src[1:], true
}

func appendi32(dst []byte, i32 int32) []byte {
	return append(dst, byte(i32), byte(i32>>8), byte(i32>>16), byte(i32>>24))
}

func readi32(src []byte, pos int32) (int32, int32, bool) {
	if int32(len(src)) < pos+4 {
		return 0, pos, false
	}
	return int32(src[pos]) | int32(src[pos+1])<<8 | int32(src[pos+2])<<16 | int32(src[pos+3])<<24, pos + 4, true
}

func readi32src(src []byte) (int32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return int32(src[0]) | int32(src[1])<<8 | int32(src[2])<<16 | int32(src[3])<<24, src[4:], true
}
