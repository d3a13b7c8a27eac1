// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth implements the pluggable authentication workflows that run
// against a freshly established connection before it is handed to callers.
package auth

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/tychoish/birch"

	"github.com/ikmak/wirecore/address"
	"github.com/ikmak/wirecore/description"
)

const defaultAuthDB = "admin"

// Conn is the surface an authenticator needs from a connection: an identity,
// the negotiated server facts, and the ability to run one command at a time.
type Conn interface {
	Address() address.Address
	Description() description.Server
	RunCommand(ctx context.Context, db string, cmd *birch.Document) (*birch.Document, error)
	TokenGenID() uint64
	SetTokenGenID(uint64)
}

// Cred is a credential.
type Cred struct {
	Source      string
	Username    string
	Password    string
	PasswordSet bool
	Props       map[string]string

	// TokenCallback supplies access tokens for the token-callback mechanism.
	TokenCallback TokenCallback
}

// Config holds the information necessary to perform an authentication attempt.
type Config struct {
	Conn        Conn
	Description description.Server

	// HandshakeResponse carries the server's speculative authentication reply
	// when the first message of the conversation rode along with the
	// handshake. Nil when no speculative attempt was made or the server
	// ignored it.
	HandshakeResponse *birch.Document
}

// Authenticator handles authenticating a connection.
type Authenticator interface {
	// Auth authenticates the connection.
	Auth(ctx context.Context, cfg *Config) error
	// Reauth re-authenticates an established connection after the server
	// signals that its credentials have gone stale.
	Reauth(ctx context.Context, cfg *Config) error
}

// SpeculativeAuthenticator represents an authenticator that can perform
// speculative authentication during the connection handshake.
type SpeculativeAuthenticator interface {
	CreateSpeculativeConversation() (SpeculativeConversation, error)
}

// SpeculativeConversation represents an authentication conversation that can
// begin inside the connection handshake.
type SpeculativeConversation interface {
	// FirstMessage returns the document to embed in the handshake command.
	FirstMessage() (*birch.Document, error)
	// Finish completes the conversation using the server's speculative reply.
	Finish(ctx context.Context, cfg *Config, firstResponse *birch.Document) error
}

// AuthenticatorFactory constructs an authenticator for a credential.
type AuthenticatorFactory func(*Cred) (Authenticator, error)

var authFactories = make(map[string]AuthenticatorFactory)

func init() {
	RegisterAuthenticatorFactory("", newDefaultAuthenticator)
	RegisterAuthenticatorFactory(SCRAMSHA1, newScramSHA1Authenticator)
	RegisterAuthenticatorFactory(SCRAMSHA256, newScramSHA256Authenticator)
	RegisterAuthenticatorFactory(PLAIN, newPlainAuthenticator)
	RegisterAuthenticatorFactory(ExternalJWT, newTokenAuthenticator)
}

// RegisterAuthenticatorFactory registers the authenticator factory for the
// named mechanism. An empty name registers the default mechanism.
func RegisterAuthenticatorFactory(name string, factory AuthenticatorFactory) {
	authFactories[name] = factory
}

// CreateAuthenticator creates an authenticator for the named mechanism.
func CreateAuthenticator(name string, cred *Cred) (Authenticator, error) {
	if f, ok := authFactories[name]; ok {
		return f(cred)
	}
	return nil, newAuthError(fmt.Sprintf("unknown authentication mechanism %q", name), nil)
}

func newDefaultAuthenticator(cred *Cred) (Authenticator, error) {
	return &DefaultAuthenticator{Cred: cred}, nil
}

// DefaultAuthenticator uses SCRAM-SHA-256 or SCRAM-SHA-1 depending on the
// server's wire version.
type DefaultAuthenticator struct {
	Cred *Cred
}

var _ SpeculativeAuthenticator = (*DefaultAuthenticator)(nil)

const scramSHA256MinWireVersion = 7

func (a *DefaultAuthenticator) chooseFor(desc description.Server) (Authenticator, error) {
	if desc.WireVersion.Max >= scramSHA256MinWireVersion {
		return newScramSHA256Authenticator(a.Cred)
	}
	return newScramSHA1Authenticator(a.Cred)
}

// CreateSpeculativeConversation begins a SCRAM-SHA-256 conversation. The wire
// version is not known before the handshake, so the stronger mechanism is
// assumed; servers that cannot continue it simply ignore the speculative
// field and authentication falls back to the post-handshake path.
func (a *DefaultAuthenticator) CreateSpeculativeConversation() (SpeculativeConversation, error) {
	actual, err := newScramSHA256Authenticator(a.Cred)
	if err != nil {
		return nil, err
	}
	return actual.(SpeculativeAuthenticator).CreateSpeculativeConversation()
}

// Auth authenticates the connection.
func (a *DefaultAuthenticator) Auth(ctx context.Context, cfg *Config) error {
	actual, err := a.chooseFor(cfg.Description)
	if err != nil {
		return newAuthError("error creating authenticator", err)
	}
	return actual.Auth(ctx, cfg)
}

// Reauth re-runs the full conversation with the same credential.
func (a *DefaultAuthenticator) Reauth(ctx context.Context, cfg *Config) error {
	actual, err := a.chooseFor(cfg.Description)
	if err != nil {
		return newAuthError("error creating authenticator", err)
	}
	return actual.Reauth(ctx, cfg)
}

// Error is an error that occurred during authentication.
type Error struct {
	message string
	inner   error
}

func newAuthError(msg string, inner error) *Error {
	return &Error{message: msg, inner: inner}
}

func newError(err error, mech string) *Error {
	return &Error{
		message: fmt.Sprintf("unable to authenticate using mechanism %q", mech),
		inner:   err,
	}
}

func (e *Error) Error() string {
	if e.inner != nil {
		return fmt.Sprintf("%s: %v", e.message, e.inner)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.inner }

// CredentialsError marks failures caused by the credential material itself
// rather than the conversation. Callers should not retry these with the same
// credential.
type CredentialsError struct {
	Reason string
}

func (e *CredentialsError) Error() string {
	return "invalid credentials: " + e.Reason
}

// IsCredentialsError reports whether err is, or wraps, a CredentialsError.
func IsCredentialsError(err error) bool {
	var ce *CredentialsError
	return errors.As(err, &ce)
}
