// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description holds the immutable snapshot of what was learned about
// a server during the connection handshake. A Server value is built exactly
// once, when the handshake reply arrives, and is passed by value afterwards;
// nothing mutates it once the connection is established.
package description

import (
	"github.com/tychoish/birch"

	"github.com/ikmak/wirecore/address"
)

// ServerKind is the type of a remote server.
type ServerKind uint32

// Kinds of servers. Unknown is the zero value: a connection that has not
// completed its handshake reports an Unknown server.
const (
	Unknown ServerKind = 0
	// Standalone is a lone server not forwarding to anything.
	Standalone ServerKind = 1
	// Primary is the writable member of a replicated deployment.
	Primary ServerKind = 2
	// Secondary is a read-only member of a replicated deployment.
	Secondary ServerKind = 4
	// Proxy fronts a deployment and forwards requests to backing servers of
	// any kind.
	Proxy ServerKind = 8
)

// String implements the fmt.Stringer interface.
func (k ServerKind) String() string {
	switch k {
	case Standalone:
		return "Standalone"
	case Primary:
		return "Primary"
	case Secondary:
		return "Secondary"
	case Proxy:
		return "Proxy"
	default:
		return "Unknown"
	}
}

// VersionRange represents a range of wire protocol versions.
type VersionRange struct {
	Min int32
	Max int32
}

// Includes returns a bool indicating whether the supplied integer is included
// in the range.
func (vr VersionRange) Includes(v int32) bool {
	return v >= vr.Min && v <= vr.Max
}

// SessionsMinWireVersion is the lowest wire version carrying session and
// cluster time fields.
const SessionsMinWireVersion = 6

const (
	defaultMaxDocumentSize uint32 = 16777216
	defaultMaxMessageSize  uint32 = 48000000
	defaultMaxBatchCount   uint32 = 100000
)

// Server holds the negotiated facts about one remote endpoint.
type Server struct {
	Addr address.Address

	Kind                  ServerKind
	WireVersion           VersionRange
	MaxDocumentSize       uint32
	MaxMessageSize        uint32
	MaxBatchCount         uint32
	SessionTimeoutMinutes uint32
	Compression           []string
	SpeculativeAuthenticate *birch.Document
}

// SessionsSupported returns true when the server's wire version range allows
// session and cluster time metadata on commands.
func (s Server) SessionsSupported() bool {
	return s.WireVersion.Max >= SessionsMinWireVersion && s.SessionTimeoutMinutes != 0
}

// DataBearing returns true for kinds that can service commands themselves.
func (s Server) DataBearing() bool {
	return s.Kind == Standalone || s.Kind == Primary || s.Kind == Secondary || s.Kind == Proxy
}

// FromHello builds a Server from a handshake reply document. Unknown fields
// are ignored; missing size limits fall back to protocol defaults.
func FromHello(addr address.Address, reply *birch.Document) Server {
	s := Server{
		Addr:            addr.Canonicalize(),
		Kind:            Standalone,
		MaxDocumentSize: defaultMaxDocumentSize,
		MaxMessageSize:  defaultMaxMessageSize,
		MaxBatchCount:   defaultMaxBatchCount,
	}
	if reply == nil {
		s.Kind = Unknown
		return s
	}

	var isWritablePrimary, secondary bool
	for _, elem := range reply.Elements() {
		switch elem.Key() {
		case "isWritablePrimary", "ismaster":
			if b, ok := elem.Value().BooleanOK(); ok {
				isWritablePrimary = b
			}
		case "secondary":
			if b, ok := elem.Value().BooleanOK(); ok {
				secondary = b
			}
		case "msg":
			if str, ok := elem.Value().StringValueOK(); ok && str == "isdbgrid" {
				s.Kind = Proxy
			}
		case "setName":
			// any replica set name means this member is part of a
			// replicated deployment
			if _, ok := elem.Value().StringValueOK(); ok && s.Kind == Standalone {
				s.Kind = Unknown // resolved below from the role flags
			}
		case "minWireVersion":
			if v, ok := asInt32(elem.Value()); ok {
				s.WireVersion.Min = v
			}
		case "maxWireVersion":
			if v, ok := asInt32(elem.Value()); ok {
				s.WireVersion.Max = v
			}
		case "maxBsonObjectSize":
			if v, ok := asInt32(elem.Value()); ok && v > 0 {
				s.MaxDocumentSize = uint32(v)
			}
		case "maxMessageSizeBytes":
			if v, ok := asInt32(elem.Value()); ok && v > 0 {
				s.MaxMessageSize = uint32(v)
			}
		case "maxWriteBatchSize":
			if v, ok := asInt32(elem.Value()); ok && v > 0 {
				s.MaxBatchCount = uint32(v)
			}
		case "logicalSessionTimeoutMinutes":
			if v, ok := asInt32(elem.Value()); ok && v > 0 {
				s.SessionTimeoutMinutes = uint32(v)
			}
		case "compression":
			if arr, ok := elem.Value().MutableArrayOK(); ok {
				for _, v := range arr.Interface() {
					if str, ok := v.(string); ok {
						s.Compression = append(s.Compression, str)
					}
				}
			}
		case "speculativeAuthenticate":
			if doc, ok := elem.Value().MutableDocumentOK(); ok {
				s.SpeculativeAuthenticate = doc.Copy()
			}
		}
	}

	if s.Kind == Unknown {
		switch {
		case isWritablePrimary:
			s.Kind = Primary
		case secondary:
			s.Kind = Secondary
		}
	}

	return s
}

func asInt32(v *birch.Value) (int32, bool) {
	if i, ok := v.Int32OK(); ok {
		return i, true
	}
	if i, ok := v.Int64OK(); ok {
		return int32(i), true
	}
	if f, ok := v.DoubleOK(); ok {
		return int32(f), true
	}
	return 0, false
}
