// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wirecore

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/ikmak/wirecore/auth"
	"github.com/ikmak/wirecore/session"
)

// Dialer is used to make network connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc is a type implemented by functions that can be used as a Dialer.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext implements the Dialer interface.
func (df DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return df(ctx, network, address)
}

// DefaultDialer is the Dialer implementation that is used by default.
func DefaultDialer() Dialer {
	return &net.Dialer{}
}

const defaultConnectTimeout = 30 * time.Second

type config struct {
	appName        string
	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
	dialer         Dialer
	tlsConfig      *tls.Config

	compressors []string
	zlibLevel   *int
	zstdLevel   *int

	maxMessageSize uint32

	logger        zerolog.Logger
	serverAPI     *ServerAPIOptions
	clock         *session.ClusterClock
	authenticator auth.Authenticator
}

func newConfig(opts ...Option) (*config, error) {
	cfg := &config{
		connectTimeout: defaultConnectTimeout,
		dialer:         DefaultDialer(),
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Option configures a connection.
type Option func(*config) error

// WithAppName sets the application name reported to the server during the
// handshake.
func WithAppName(name string) Option {
	return func(c *config) error {
		c.appName = name
		return nil
	}
}

// WithConnectTimeout configures the maximum amount of time a dial will wait
// for a connection to become established. 0 means no timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.connectTimeout = d
		return nil
	}
}

// WithReadTimeout configures the default maximum amount of time to wait for
// a reply when the operation's context carries no deadline.
func WithReadTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.readTimeout = d
		return nil
	}
}

// WithWriteTimeout configures the default maximum amount of time to spend
// writing a request when the operation's context carries no deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.writeTimeout = d
		return nil
	}
}

// WithIdleTimeout configures how long a connection may sit unused before it
// reports itself expired. 0 disables idle expiry.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.idleTimeout = d
		return nil
	}
}

// WithDialer configures the Dialer used to create the underlying network
// connection.
func WithDialer(d Dialer) Option {
	return func(c *config) error {
		c.dialer = d
		return nil
	}
}

// WithTLSConfig configures TLS for the connection. Nil leaves the connection
// in cleartext.
func WithTLSConfig(tlsCfg *tls.Config) Option {
	return func(c *config) error {
		c.tlsConfig = tlsCfg
		return nil
	}
}

// WithCompressors sets the compressors offered to the server during the
// handshake, in preference order.
func WithCompressors(comps []string) Option {
	return func(c *config) error {
		c.compressors = comps
		return nil
	}
}

// WithZlibLevel sets the zlib compression level.
func WithZlibLevel(level int) Option {
	return func(c *config) error {
		c.zlibLevel = &level
		return nil
	}
}

// WithZstdLevel sets the zstd compression level.
func WithZstdLevel(level int) Option {
	return func(c *config) error {
		c.zstdLevel = &level
		return nil
	}
}

// WithMaxMessageSize overrides the maximum inbound message size used before
// the handshake establishes the server's own limit.
func WithMaxMessageSize(size uint32) Option {
	return func(c *config) error {
		c.maxMessageSize = size
		return nil
	}
}

// WithLogger sets the structured logger for connection lifecycle events.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) error {
		c.logger = logger
		return nil
	}
}

// WithServerAPIOptions pins the server API version for every command run on
// the connection.
func WithServerAPIOptions(opts *ServerAPIOptions) Option {
	return func(c *config) error {
		c.serverAPI = opts
		return nil
	}
}

// WithClusterClock sets the cluster clock shared by the connections and
// sessions of one logical client.
func WithClusterClock(clock *session.ClusterClock) Option {
	return func(c *config) error {
		c.clock = clock
		return nil
	}
}

// WithAuthenticator sets the authenticator that runs after the handshake.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *config) error {
		c.authenticator = a
		return nil
	}
}
