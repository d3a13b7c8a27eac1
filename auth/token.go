// Copyright (C) MongoDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"sync"
	"time"

	"github.com/tychoish/birch"
	"golang.org/x/sync/singleflight"
)

// ExternalJWT is the mechanism name for token-callback authentication.
const ExternalJWT = "EXTERNAL-JWT"

const (
	// tokenCallbackTimeout bounds a single callback invocation when the
	// caller's context carries no deadline of its own.
	tokenCallbackTimeout = 1 * time.Minute
	// invalidateSleepTimeout is the minimum spacing between callback
	// invocations. It also serves as the backoff before a retry after a
	// server-side rejection, so a broken token source cannot hot-loop.
	invalidateSleepTimeout = 100 * time.Millisecond
)

// Token is an access token returned by a TokenCallback.
type Token struct {
	// AccessToken is the token itself. Required.
	AccessToken string
	// ExpiresIn optionally reports the token's remaining lifetime.
	ExpiresIn *time.Duration
}

// TokenArgs are the arguments for the TokenCallback.
type TokenArgs struct {
	// Timeout is the deadline by which the callback must return.
	Timeout time.Time
	// Version is the version of the callback contract.
	Version int
}

// TokenCallback is a user-supplied source of access tokens.
type TokenCallback func(ctx context.Context, args *TokenArgs) (*Token, error)

func newTokenAuthenticator(cred *Cred) (Authenticator, error) {
	if cred.TokenCallback == nil {
		return nil, newAuthError("token mechanism requires a token callback", nil)
	}
	return &TokenAuthenticator{cred: cred}, nil
}

// TokenAuthenticator authenticates with a bearer token obtained from a
// user-supplied callback. Tokens are cached and shared across connections of
// one authenticator; the callback runs under a singleflight group so
// concurrent connections trigger at most one invocation.
type TokenAuthenticator struct {
	cred *Cred

	mu           sync.Mutex // guards the fields below
	accessToken  string
	tokenGenID   uint64
	lastCallTime time.Time

	group singleflight.Group
}

var _ Authenticator = (*TokenAuthenticator)(nil)

func validateToken(t *Token) error {
	if t == nil {
		return &CredentialsError{Reason: "token callback returned a nil token"}
	}
	if t.AccessToken == "" {
		return &CredentialsError{Reason: "token callback returned an empty access token"}
	}
	return nil
}

// getAccessToken returns the cached token or invokes the callback for a new
// one. Only one callback invocation is in flight at a time, and successive
// invocations are spaced at least invalidateSleepTimeout apart.
func (a *TokenAuthenticator) getAccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.accessToken != "" {
		token := a.accessToken
		a.mu.Unlock()
		return token, nil
	}
	a.mu.Unlock()

	result, err, _ := a.group.Do("token", func() (interface{}, error) {
		a.mu.Lock()
		if a.accessToken != "" {
			token := a.accessToken
			a.mu.Unlock()
			return token, nil
		}
		sinceLast := time.Since(a.lastCallTime)
		a.mu.Unlock()

		if sinceLast < invalidateSleepTimeout {
			select {
			case <-time.After(invalidateSleepTimeout - sinceLast):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		callbackCtx, cancel := context.WithTimeout(ctx, tokenCallbackTimeout)
		defer cancel()
		deadline, _ := callbackCtx.Deadline()

		token, err := a.cred.TokenCallback(callbackCtx, &TokenArgs{
			Timeout: deadline,
			Version: 1,
		})

		a.mu.Lock()
		a.lastCallTime = time.Now()
		a.mu.Unlock()

		if err != nil {
			return "", newAuthError("token callback failed", err)
		}
		if err := validateToken(token); err != nil {
			return "", err
		}

		a.mu.Lock()
		a.accessToken = token.AccessToken
		a.tokenGenID++
		a.mu.Unlock()

		return token.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// invalidate drops the cached token if it still matches the one that failed.
func (a *TokenAuthenticator) invalidate(token string) {
	a.mu.Lock()
	if a.accessToken == token {
		a.accessToken = ""
	}
	a.mu.Unlock()
}

func (a *TokenAuthenticator) currentGenID() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokenGenID
}

func jwtStepRequest(token string) ([]byte, error) {
	return birch.DC.Elements(birch.EC.String("jwt", token)).MarshalBSON()
}

func (a *TokenAuthenticator) runConversation(ctx context.Context, cfg *Config, token string) error {
	payload, err := jwtStepRequest(token)
	if err != nil {
		return newAuthError("error building token payload", err)
	}
	err = ConductSaslConversation(ctx, cfg, "$external", &tokenSaslClient{payload: payload})
	if err == nil {
		cfg.Conn.SetTokenGenID(a.currentGenID())
	}
	return err
}

// Auth authenticates the connection with a one-step sasl exchange carrying
// the token. A cached token that the server rejects is invalidated and the
// exchange is retried once with a fresh token.
func (a *TokenAuthenticator) Auth(ctx context.Context, cfg *Config) error {
	a.mu.Lock()
	cached := a.accessToken
	a.mu.Unlock()

	token, err := a.getAccessToken(ctx)
	if err != nil {
		return err
	}
	err = a.runConversation(ctx, cfg, token)
	if err == nil || cached == "" {
		return err
	}

	// The rejected token came from the cache and may simply have expired.
	a.invalidate(token)
	select {
	case <-time.After(invalidateSleepTimeout):
	case <-ctx.Done():
		return ctx.Err()
	}
	token, tokenErr := a.getAccessToken(ctx)
	if tokenErr != nil {
		return tokenErr
	}
	return a.runConversation(ctx, cfg, token)
}

// Reauth discards the cached token and authenticates again. It is a no-op
// when another connection has already refreshed the token since this
// connection last authenticated.
func (a *TokenAuthenticator) Reauth(ctx context.Context, cfg *Config) error {
	a.mu.Lock()
	stale := cfg.Conn.TokenGenID() >= a.tokenGenID
	if stale {
		a.accessToken = ""
	}
	a.mu.Unlock()

	token, err := a.getAccessToken(ctx)
	if err != nil {
		return err
	}
	return a.runConversation(ctx, cfg, token)
}

type tokenSaslClient struct {
	payload []byte
}

func (c *tokenSaslClient) Start() (string, []byte, error) {
	return ExternalJWT, c.payload, nil
}

func (c *tokenSaslClient) Next([]byte) ([]byte, error) {
	return nil, newAuthError("unexpected server challenge during token conversation", nil)
}

func (c *tokenSaslClient) Completed() bool {
	return true
}
