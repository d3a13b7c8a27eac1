// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wirecore

import (
	"github.com/pkg/errors"
	"github.com/tychoish/birch"

	"github.com/ikmak/wirecore/description"
	"github.com/ikmak/wirecore/readpref"
	"github.com/ikmak/wirecore/session"
	"github.com/ikmak/wirecore/wiremessage"
)

// ErrSessionsNotSupported is returned when an explicit session is attached to
// a command bound for a server that does not support sessions.
var ErrSessionsNotSupported = errors.New("the server does not support sessions")

type commandOptions struct {
	session        *session.Client
	readPref       *readpref.ReadPref
	moreToCome     bool
	exhaustAllowed bool
}

// CommandOption configures one command execution.
type CommandOption func(*commandOptions)

// WithSession attaches a client session to the command. The session's id and
// highest observed cluster time travel with the command.
func WithSession(s *session.Client) CommandOption {
	return func(o *commandOptions) { o.session = s }
}

// WithReadPreference attaches a read preference to the command.
func WithReadPreference(rp *readpref.ReadPref) CommandOption {
	return func(o *commandOptions) { o.readPref = rp }
}

func withMoreToCome() CommandOption {
	return func(o *commandOptions) { o.moreToCome = true }
}

func withExhaustAllowed() CommandOption {
	return func(o *commandOptions) { o.exhaustAllowed = true }
}

// createWireMessage assembles the full request message for one command:
// metadata fields appended to a copy of the caller's document, wrapped in a
// message section with the right flags. The caller's document is never
// mutated. Returns the message and its request id.
func createWireMessage(
	cmd *birch.Document,
	db string,
	desc description.Server,
	serverAPI *ServerAPIOptions,
	clock *session.ClusterClock,
	opts *commandOptions,
) (wiremessage.WireMessage, int32, error) {
	if cmd == nil || cmd.Len() == 0 {
		return nil, 0, errors.New("command document must not be empty")
	}
	if db == "" {
		return nil, 0, errors.New("database name must not be empty")
	}

	full := cmd.Copy()
	if err := addSessionFields(full, desc, clock, opts.session); err != nil {
		return nil, 0, err
	}
	if rpDoc := readPrefDocument(desc, opts.readPref); rpDoc != nil {
		full.Append(birch.EC.SubDocument("$readPreference", rpDoc))
	}
	if serverAPI != nil {
		full.Append(birch.EC.String("apiVersion", serverAPI.ServerAPIVersion))
		if serverAPI.Strict != nil {
			full.Append(birch.EC.Boolean("apiStrict", *serverAPI.Strict))
		}
		if serverAPI.DeprecationErrors != nil {
			full.Append(birch.EC.Boolean("apiDeprecationErrors", *serverAPI.DeprecationErrors))
		}
	}
	full.Append(birch.EC.String("$db", db))

	body, err := full.MarshalBSON()
	if err != nil {
		return nil, 0, errors.Wrap(err, "marshaling command")
	}

	var flags wiremessage.MsgFlag
	if opts.moreToCome {
		flags |= wiremessage.MoreToCome
	}
	if opts.exhaustAllowed {
		flags |= wiremessage.ExhaustAllowed
	}

	requestID := wiremessage.NextRequestID()
	idx, msg := wiremessage.AppendHeaderStart(nil, requestID, 0, wiremessage.OpMsg)
	msg = wiremessage.AppendMsgFlags(msg, flags)
	msg = wiremessage.AppendMsgSectionType(msg, wiremessage.SingleDocument)
	msg = append(msg, body...)
	wiremessage.UpdateLength(msg, idx, int32(len(msg)))

	return msg, requestID, nil
}

// addSessionFields appends the session id and the merged cluster time. The
// cluster time sent is the maximum of the connection clock's and the
// session's, so a client never tells a server less than it knows.
func addSessionFields(cmd *birch.Document, desc description.Server, clock *session.ClusterClock, sess *session.Client) error {
	if sess != nil {
		if !desc.SessionsSupported() {
			if sess.SessionType == session.Explicit {
				return ErrSessionsNotSupported
			}
			sess = nil // implicit sessions are silently dropped
		}
	}

	if sess != nil {
		if err := sess.UpdateUseTime(); err != nil {
			return err
		}
		cmd.Append(birch.EC.SubDocument("lsid", sess.SessionID))
	}

	if desc.WireVersion.Max < description.SessionsMinWireVersion {
		return nil
	}

	var clusterTime *birch.Document
	if clock != nil {
		clusterTime = clock.GetClusterTime()
	}
	if sess != nil {
		clusterTime = session.MaxClusterTime(clusterTime, sess.ClusterTime)
	}
	if inner := clusterTimeBody(clusterTime); inner != nil {
		cmd.Append(birch.EC.SubDocument("$clusterTime", inner.Copy()))
	}
	return nil
}

// clusterTimeBody unwraps {"$clusterTime": {...}} to its inner document.
func clusterTimeBody(clusterTime *birch.Document) *birch.Document {
	if clusterTime == nil {
		return nil
	}
	elem, err := clusterTime.Search("$clusterTime")
	if err != nil {
		return nil
	}
	inner, ok := elem.Value().MutableDocumentOK()
	if !ok {
		return nil
	}
	return inner
}

// responseClusterTime extracts the cluster time gossip from a reply, in the
// same {"$clusterTime": {...}} shape commands carry it.
func responseClusterTime(reply *birch.Document) *birch.Document {
	inner := clusterTimeBody(reply)
	if inner == nil {
		return nil
	}
	return birch.DC.Elements(birch.EC.SubDocument("$clusterTime", inner.Copy()))
}

// readPrefDocument resolves the effective read preference for the target
// server. Primary reads carry no preference document at all. On a direct
// connection to anything but a proxy, an absent or primary preference is
// upgraded to primaryPreferred so that a secondary will still service the
// command.
func readPrefDocument(desc description.Server, rp *readpref.ReadPref) *birch.Document {
	if rp == nil || rp.Mode() == readpref.PrimaryMode {
		if desc.Kind == description.Proxy || desc.Kind == description.Unknown {
			return nil
		}
		rp = readpref.PrimaryPreferred()
	}

	doc := birch.DC.Elements(birch.EC.String("mode", rp.Mode().String()))
	if maxStaleness, set := rp.MaxStaleness(); set {
		doc.Append(birch.EC.Int32("maxStalenessSeconds", int32(maxStaleness.Seconds())))
	}
	return doc
}

// canCompress returns false for commands that negotiate the channel itself:
// handshakes and authentication run uncompressed regardless of policy.
func canCompress(cmd string) bool {
	switch cmd {
	case "hello", "isMaster", "ismaster",
		"saslStart", "saslContinue", "getnonce", "authenticate",
		"createUser", "updateUser", "copydbsaslstart", "copydbgetnonce", "copydb":
		return false
	}
	return true
}

// commandName returns the key of the command document's first element, which
// names the operation on the wire.
func commandName(cmd *birch.Document) string {
	elems := cmd.Elements()
	if len(elems) == 0 {
		return ""
	}
	return elems[0].Key()
}
