// Copyright (C) MongoDB, Inc. 2018-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"

	"github.com/tychoish/birch"
	"github.com/xdg-go/scram"
	"github.com/xdg-go/stringprep"
)

// SCRAMSHA1 is the mechanism name for SCRAM-SHA-1.
const SCRAMSHA1 = "SCRAM-SHA-1"

// SCRAMSHA256 is the mechanism name for SCRAM-SHA-256.
const SCRAMSHA256 = "SCRAM-SHA-256"

func newScramSHA1Authenticator(cred *Cred) (Authenticator, error) {
	passdigest := legacyPasswordDigest(cred.Username, cred.Password)
	client, err := scram.SHA1.NewClientUnprepped(cred.Username, passdigest, "")
	if err != nil {
		return nil, newAuthError("error initializing SCRAM-SHA-1 client", err)
	}
	client.WithMinIterations(4096)
	return &ScramAuthenticator{
		mechanism: SCRAMSHA1,
		source:    cred.Source,
		client:    client,
	}, nil
}

func newScramSHA256Authenticator(cred *Cred) (Authenticator, error) {
	passprep, err := stringprep.SASLprep.Prepare(cred.Password)
	if err != nil {
		return nil, newAuthError(fmt.Sprintf("error SASLprepping password '%s'", cred.Password), err)
	}
	client, err := scram.SHA256.NewClientUnprepped(cred.Username, passprep, "")
	if err != nil {
		return nil, newAuthError("error initializing SCRAM-SHA-256 client", err)
	}
	client.WithMinIterations(4096)
	return &ScramAuthenticator{
		mechanism: SCRAMSHA256,
		source:    cred.Source,
		client:    client,
	}, nil
}

// legacyPasswordDigest computes the md5 credential hash that SCRAM-SHA-1
// keys are derived from.
func legacyPasswordDigest(username, password string) string {
	h := md5.New()
	io.WriteString(h, username)
	io.WriteString(h, ":mongo:")
	io.WriteString(h, password)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// ScramAuthenticator uses the SCRAM algorithm over SASL to authenticate a
// connection.
type ScramAuthenticator struct {
	mechanism string
	source    string
	client    *scram.Client
}

var (
	_ Authenticator            = (*ScramAuthenticator)(nil)
	_ SpeculativeAuthenticator = (*ScramAuthenticator)(nil)
)

// Auth authenticates the connection. Listed in the server's handshake reply
// or not, the conversation is run in full here when no speculative reply is
// available.
func (a *ScramAuthenticator) Auth(ctx context.Context, cfg *Config) error {
	err := ConductSaslConversation(ctx, cfg, a.source, a.newSaslClient())
	if err != nil {
		return newAuthError("sasl conversation error", err)
	}
	return nil
}

// Reauth re-runs the conversation from scratch.
func (a *ScramAuthenticator) Reauth(ctx context.Context, cfg *Config) error {
	return a.Auth(ctx, cfg)
}

// CreateSpeculativeConversation creates a conversation whose first message
// can be embedded in the connection handshake.
func (a *ScramAuthenticator) CreateSpeculativeConversation() (SpeculativeConversation, error) {
	return newSaslConversation(a.newSaslClient(), a.source, true), nil
}

func (a *ScramAuthenticator) newSaslClient() SaslClient {
	return &scramSaslAdapter{
		mechanism:    a.mechanism,
		conversation: a.client.NewConversation(),
	}
}

type scramSaslAdapter struct {
	mechanism    string
	conversation *scram.ClientConversation
}

var _ ExtraOptionsSaslClient = (*scramSaslAdapter)(nil)

func (a *scramSaslAdapter) Start() (string, []byte, error) {
	step, err := a.conversation.Step("")
	if err != nil {
		return a.mechanism, nil, err
	}
	return a.mechanism, []byte(step), nil
}

func (a *scramSaslAdapter) Next(challenge []byte) ([]byte, error) {
	step, err := a.conversation.Step(string(challenge))
	if err != nil {
		return nil, err
	}
	return []byte(step), nil
}

func (a *scramSaslAdapter) Completed() bool {
	return a.conversation.Done()
}

// StartCommandOptions asks the server to skip the empty final exchange,
// saving one round trip.
func (a *scramSaslAdapter) StartCommandOptions() *birch.Document {
	return birch.DC.Elements(birch.EC.Boolean("skipEmptyExchange", true))
}
