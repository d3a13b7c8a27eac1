// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"

	"github.com/tychoish/birch"
)

// SaslClient is the client piece of a sasl conversation.
type SaslClient interface {
	Start() (string, []byte, error)
	Next(challenge []byte) ([]byte, error)
	Completed() bool
}

// SaslClientCloser is a SaslClient that has resources to clean up.
type SaslClientCloser interface {
	SaslClient
	Close()
}

// ExtraOptionsSaslClient is a SaslClient that appends options to the
// conversation's first command.
type ExtraOptionsSaslClient interface {
	StartCommandOptions() *birch.Document
}

// saslConversation runs one sasl exchange. It implements the
// SpeculativeConversation interface so the first round trip can ride along
// with the connection handshake.
type saslConversation struct {
	client      SaslClient
	source      string
	mechanism   string
	speculative bool
}

var _ SpeculativeConversation = (*saslConversation)(nil)

func newSaslConversation(client SaslClient, source string, speculative bool) *saslConversation {
	if source == "" {
		source = defaultAuthDB
	}
	return &saslConversation{
		client:      client,
		source:      source,
		speculative: speculative,
	}
}

// FirstMessage returns the saslStart document. The "db" field is included
// only for speculative attempts: the handshake runs against admin, so the
// server needs to be told the real auth source. A direct conversation runs
// its commands against the auth source already.
func (sc *saslConversation) FirstMessage() (*birch.Document, error) {
	mech, payload, err := sc.client.Start()
	if err != nil {
		return nil, err
	}
	sc.mechanism = mech

	cmd := birch.DC.Elements(
		birch.EC.Int32("saslStart", 1),
		birch.EC.String("mechanism", mech),
		birch.EC.Binary("payload", payload),
	)
	if sc.speculative {
		cmd.Append(birch.EC.String("db", sc.source))
	}
	if extra, ok := sc.client.(ExtraOptionsSaslClient); ok {
		cmd.Append(birch.EC.SubDocument("options", extra.StartCommandOptions()))
	}
	return cmd, nil
}

type saslResponse struct {
	conversationID int32
	done           bool
	payload        []byte
}

func parseSaslResponse(doc *birch.Document) saslResponse {
	var resp saslResponse
	if doc == nil {
		return resp
	}
	for _, elem := range doc.Elements() {
		switch elem.Key() {
		case "conversationId":
			if v, ok := elem.Value().Int32OK(); ok {
				resp.conversationID = v
			} else if v, ok := elem.Value().Int64OK(); ok {
				resp.conversationID = int32(v)
			}
		case "done":
			if b, ok := elem.Value().BooleanOK(); ok {
				resp.done = b
			}
		case "payload":
			_, data := elem.Value().Binary()
			resp.payload = data
		}
	}
	return resp
}

// Finish drives the conversation to completion starting from the server's
// reply to the first message.
func (sc *saslConversation) Finish(ctx context.Context, cfg *Config, firstResponse *birch.Document) error {
	if closer, ok := sc.client.(SaslClientCloser); ok {
		defer closer.Close()
	}

	resp := parseSaslResponse(firstResponse)
	for {
		if resp.done && sc.client.Completed() {
			return nil
		}

		payload, err := sc.client.Next(resp.payload)
		if err != nil {
			return newError(err, sc.mechanism)
		}

		if resp.done && sc.client.Completed() {
			return nil
		}

		cmd := birch.DC.Elements(
			birch.EC.Int32("saslContinue", 1),
			birch.EC.Int32("conversationId", resp.conversationID),
			birch.EC.Binary("payload", payload),
		)
		reply, err := cfg.Conn.RunCommand(ctx, sc.source, cmd)
		if err != nil {
			return newError(err, sc.mechanism)
		}
		resp = parseSaslResponse(reply)
	}
}

// ConductSaslConversation runs a complete sasl conversation against the auth
// source, without any speculative shortcut.
func ConductSaslConversation(ctx context.Context, cfg *Config, source string, client SaslClient) error {
	conversation := newSaslConversation(client, source, false)

	cmd, err := conversation.FirstMessage()
	if err != nil {
		return newError(err, conversation.mechanism)
	}
	reply, err := cfg.Conn.RunCommand(ctx, conversation.source, cmd)
	if err != nil {
		return newError(err, conversation.mechanism)
	}

	return conversation.Finish(ctx, cfg, reply)
}
