// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wirecore

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tychoish/birch"

	"github.com/ikmak/wirecore/address"
	"github.com/ikmak/wirecore/auth"
	"github.com/ikmak/wirecore/description"
	"github.com/ikmak/wirecore/internal/csot"
	"github.com/ikmak/wirecore/wiremessage"
)

// Connection states.
const (
	connPending int64 = iota
	connEstablished
	connClosed
)

var globalConnectionID uint64

func nextConnectionID() uint64 { return atomic.AddUint64(&globalConnectionID, 1) }

// Connection is a single connection to a server. It supports one logical
// exchange at a time; concurrent callers are serialized, except that a
// connection occupied by an open response stream rejects new commands with
// ErrConnectionBusy.
type Connection struct {
	id    string
	addr  address.Address
	cfg   *config
	state int64

	nc      net.Conn
	desc    description.Server
	framer  *wiremessage.Framer
	readBuf []byte

	// compressor is the id negotiated during the handshake. NoOp until the
	// handshake completes, and forever if the server shares no algorithm
	// with the client.
	compressor wiremessage.CompressorID

	exchangeMu sync.Mutex
	streaming  int32 // atomic; 1 while a response stream is open

	rtt *rttMonitor

	tokenGenID uint64 // atomic

	closeOnce sync.Once
	closeErr  error

	mu          sync.Mutex // guards lastUseTime
	lastUseTime time.Time
}

// NewConnection creates an unconnected Connection to the address. Connect
// must be called before the connection can be used.
func NewConnection(addr address.Address, opts ...Option) (*Connection, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	maxSize := cfg.maxMessageSize
	if maxSize == 0 {
		maxSize = wiremessage.DefaultMaxMessageSize
	}
	c := &Connection{
		id:          fmt.Sprintf("%s[-%d]", addr, nextConnectionID()),
		addr:        addr.Canonicalize(),
		cfg:         cfg,
		state:       connPending,
		framer:      wiremessage.NewFramer(int32(maxSize)),
		readBuf:     make([]byte, 4096),
		compressor:  wiremessage.CompressorNoOp,
		rtt:         newRTTMonitor(),
		lastUseTime: time.Now(),
	}
	return c, nil
}

// ID returns the connection's identifier.
func (c *Connection) ID() string { return c.id }

// Address returns the address this connection is bound to.
func (c *Connection) Address() address.Address { return c.addr }

// Description returns the server facts learned during the handshake. Before
// Connect completes it reports an Unknown server.
func (c *Connection) Description() description.Server { return c.desc }

// Alive reports whether the connection has not been closed. A pending
// connection is alive.
func (c *Connection) Alive() bool {
	return atomic.LoadInt64(&c.state) != connClosed
}

// Established reports whether the handshake has completed and the connection
// has not been closed.
func (c *Connection) Established() bool {
	return atomic.LoadInt64(&c.state) == connEstablished
}

// Expired reports whether the connection is closed or has outlived the
// configured idle window.
func (c *Connection) Expired() bool {
	if !c.Alive() {
		return true
	}
	if c.cfg.idleTimeout == 0 {
		return false
	}
	c.mu.Lock()
	idle := time.Since(c.lastUseTime)
	c.mu.Unlock()
	return idle >= c.cfg.idleTimeout
}

func (c *Connection) bumpUse() {
	c.mu.Lock()
	c.lastUseTime = time.Now()
	c.mu.Unlock()
}

// TokenGenID implements the authenticator's view of the connection.
func (c *Connection) TokenGenID() uint64 { return atomic.LoadUint64(&c.tokenGenID) }

// SetTokenGenID implements the authenticator's view of the connection.
func (c *Connection) SetTokenGenID(genID uint64) { atomic.StoreUint64(&c.tokenGenID, genID) }

var _ auth.Conn = (*Connection)(nil)

// Connect dials the server, performs the handshake, negotiates compression,
// and authenticates. On any failure the connection is closed and a
// ConnectionError flagged as an initialization failure is returned.
func (c *Connection) Connect(ctx context.Context) error {
	if atomic.LoadInt64(&c.state) != connPending {
		return ConnectionError{ConnectionID: c.id, message: "connection has already been used"}
	}

	if c.cfg.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.connectTimeout)
		defer cancel()
	}

	nc, err := c.cfg.dialer.DialContext(ctx, c.addr.Network(), c.addr.String())
	if err != nil {
		return c.closeWithError(ConnectionError{ConnectionID: c.id, Wrapped: err, init: true, message: "failed to connect"})
	}
	c.nc = nc

	if c.cfg.tlsConfig != nil {
		tlsCfg := c.cfg.tlsConfig.Clone()
		if tlsCfg.ServerName == "" {
			hostname, _, herr := net.SplitHostPort(c.addr.String())
			if herr != nil {
				hostname = c.addr.String()
			}
			tlsCfg.ServerName = hostname
		}
		tlsConn := tls.Client(nc, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return c.closeWithError(ConnectionError{ConnectionID: c.id, Wrapped: err, init: true, message: "TLS handshake failed"})
		}
		c.nc = tlsConn
	}

	if err := c.handshake(ctx); err != nil {
		return c.closeWithError(ConnectionError{ConnectionID: c.id, Wrapped: err, init: true, message: "handshake failed"})
	}

	atomic.StoreInt64(&c.state, connEstablished)
	c.cfg.logger.Debug().
		Str("connection", c.id).
		Str("server", c.desc.Kind.String()).
		Int32("maxWireVersion", c.desc.WireVersion.Max).
		Str("compressor", c.compressor.String()).
		Msg("connection established")
	return nil
}

// handshake runs the hello exchange and post-handshake authentication.
func (c *Connection) handshake(ctx context.Context) error {
	var speculative auth.SpeculativeConversation
	cmd := birch.DC.Elements(
		birch.EC.Int32("hello", 1),
		birch.EC.Boolean("helloOk", true),
		birch.EC.SubDocument("client", c.clientMetadata()),
	)
	if len(c.cfg.compressors) > 0 {
		comps := birch.NewArray()
		for _, comp := range c.cfg.compressors {
			comps.Append(birch.VC.String(comp))
		}
		cmd.Append(birch.EC.Array("compression", comps))
	}
	if sa, ok := c.cfg.authenticator.(auth.SpeculativeAuthenticator); ok {
		conversation, err := sa.CreateSpeculativeConversation()
		if err != nil {
			return err
		}
		first, err := conversation.FirstMessage()
		if err != nil {
			return err
		}
		cmd.Append(birch.EC.SubDocument("speculativeAuthenticate", first))
		speculative = conversation
	}

	reply, err := c.runExchange(ctx, cmd, "admin", &commandOptions{})
	if err != nil {
		return err
	}
	c.desc = description.FromHello(c.addr, reply)
	c.framer = wiremessage.NewFramer(int32(c.desc.MaxMessageSize))
	c.negotiateCompressor()

	if c.cfg.authenticator == nil {
		return nil
	}

	authCfg := &auth.Config{
		Conn:              c,
		Description:       c.desc,
		HandshakeResponse: c.desc.SpeculativeAuthenticate,
	}
	if speculative != nil && c.desc.SpeculativeAuthenticate != nil {
		return speculative.Finish(ctx, authCfg, c.desc.SpeculativeAuthenticate)
	}
	return c.cfg.authenticator.Auth(ctx, authCfg)
}

func (c *Connection) clientMetadata() *birch.Document {
	doc := birch.DC.Elements(
		birch.EC.SubDocumentFromElements("driver",
			birch.EC.String("name", "wirecore"),
			birch.EC.String("version", Version),
		),
		birch.EC.SubDocumentFromElements("os",
			birch.EC.String("type", runtime.GOOS),
			birch.EC.String("architecture", runtime.GOARCH),
		),
	)
	if c.cfg.appName != "" {
		doc.Append(birch.EC.SubDocumentFromElements("application",
			birch.EC.String("name", c.cfg.appName)))
	}
	if hostname, err := os.Hostname(); err == nil {
		doc.Append(birch.EC.String("hostname", hostname))
	}
	return doc
}

// negotiateCompressor picks the first client-preferred algorithm the server
// also advertises.
func (c *Connection) negotiateCompressor() {
	for _, name := range c.cfg.compressors {
		for _, offered := range c.desc.Compression {
			if name != offered {
				continue
			}
			switch name {
			case "snappy":
				c.compressor = wiremessage.CompressorSnappy
			case "zlib":
				c.compressor = wiremessage.CompressorZLib
			case "zstd":
				c.compressor = wiremessage.CompressorZstd
			}
			return
		}
	}
}

// Command runs one command and returns the final reply document. When the
// server streams intermediate replies, they are drained and the last
// document is returned. A server-side error is returned as *Error* while the
// connection stays usable; transport failures close the connection.
func (c *Connection) Command(ctx context.Context, db string, cmd *birch.Document, opts ...CommandOption) (*birch.Document, error) {
	co := &commandOptions{}
	for _, opt := range opts {
		opt(co)
	}

	reply, err := c.lockedExchange(ctx, cmd, db, co)
	if err == nil || c.cfg.authenticator == nil {
		return reply, err
	}

	srvErr, ok := err.(Error)
	if !ok || !srvErr.ReauthenticationRequired() {
		return reply, err
	}

	authCfg := &auth.Config{Conn: c, Description: c.desc}
	if rerr := c.cfg.authenticator.Reauth(ctx, authCfg); rerr != nil {
		return nil, rerr
	}
	return c.lockedExchange(ctx, cmd, db, co)
}

// SendCommand writes a command flagged fire-and-forget. The server sends no
// reply; any reply-dependent command option is rejected.
func (c *Connection) SendCommand(ctx context.Context, db string, cmd *birch.Document, opts ...CommandOption) error {
	co := &commandOptions{}
	for _, opt := range opts {
		opt(co)
	}
	withMoreToCome()(co)

	if err := c.acquireExchange(); err != nil {
		return err
	}
	defer c.exchangeMu.Unlock()
	if err := c.checkEstablished(); err != nil {
		return err
	}

	msg, _, err := createWireMessage(cmd, db, c.desc, c.cfg.serverAPI, c.cfg.clock, co)
	if err != nil {
		return err
	}
	msg, err = c.maybeCompress(msg, commandName(cmd))
	if err != nil {
		return err
	}
	c.bumpUse()
	return c.writeWireMessage(ctx, msg)
}

// ExhaustCommand runs a command with streamed replies enabled and returns a
// ResponseStream. The connection is dedicated to the stream until the server
// sends its final reply or the stream is closed; other commands fail with
// ErrConnectionBusy in the meantime.
func (c *Connection) ExhaustCommand(ctx context.Context, db string, cmd *birch.Document, opts ...CommandOption) (*ResponseStream, error) {
	co := &commandOptions{}
	for _, opt := range opts {
		opt(co)
	}
	withExhaustAllowed()(co)

	if err := c.acquireExchange(); err != nil {
		return nil, err
	}
	if err := c.checkEstablished(); err != nil {
		c.exchangeMu.Unlock()
		return nil, err
	}

	msg, requestID, err := createWireMessage(cmd, db, c.desc, c.cfg.serverAPI, c.cfg.clock, co)
	if err != nil {
		c.exchangeMu.Unlock()
		return nil, err
	}
	msg, err = c.maybeCompress(msg, commandName(cmd))
	if err != nil {
		c.exchangeMu.Unlock()
		return nil, err
	}
	c.bumpUse()
	if err := c.writeWireMessage(ctx, msg); err != nil {
		c.exchangeMu.Unlock()
		return nil, err
	}

	atomic.StoreInt32(&c.streaming, 1)
	return &ResponseStream{conn: c, responseTo: requestID, session: co.session}, nil
}

// RunCommand runs a bare command without session or preference metadata. It
// is the surface authentication workflows use, and works on a pending
// connection during the handshake.
func (c *Connection) RunCommand(ctx context.Context, db string, cmd *birch.Document) (*birch.Document, error) {
	return c.runExchange(ctx, cmd, db, &commandOptions{})
}

// acquireExchange claims the connection for one exchange. A connection
// occupied by a response stream is reported busy instead of waited on.
func (c *Connection) acquireExchange() error {
	if atomic.LoadInt32(&c.streaming) == 1 {
		return ErrConnectionBusy
	}
	c.exchangeMu.Lock()
	if atomic.LoadInt32(&c.streaming) == 1 {
		c.exchangeMu.Unlock()
		return ErrConnectionBusy
	}
	return nil
}

func (c *Connection) checkEstablished() error {
	if atomic.LoadInt64(&c.state) != connEstablished {
		return ErrConnectionClosed
	}
	return nil
}

func (c *Connection) lockedExchange(ctx context.Context, cmd *birch.Document, db string, co *commandOptions) (*birch.Document, error) {
	if err := c.acquireExchange(); err != nil {
		return nil, err
	}
	defer c.exchangeMu.Unlock()
	if err := c.checkEstablished(); err != nil {
		return nil, err
	}
	return c.runExchange(ctx, cmd, db, co)
}

// runExchange performs one write and drains replies until the server stops
// streaming. The caller must hold the exchange claim.
func (c *Connection) runExchange(ctx context.Context, cmd *birch.Document, db string, co *commandOptions) (*birch.Document, error) {
	if minRTT := c.rtt.Min(); csot.WouldExceed(ctx, minRTT) {
		return nil, ErrDeadlineWouldBeExceeded
	}

	msg, requestID, err := createWireMessage(cmd, db, c.desc, c.cfg.serverAPI, c.cfg.clock, co)
	if err != nil {
		return nil, err
	}
	msg, err = c.maybeCompress(msg, commandName(cmd))
	if err != nil {
		return nil, err
	}

	c.bumpUse()
	start := time.Now()
	if err := c.writeWireMessage(ctx, msg); err != nil {
		return nil, err
	}

	expected := requestID
	for {
		reply, flags, replyID, err := c.readReply(ctx, expected)
		if err != nil {
			return nil, err
		}
		c.rtt.addSample(time.Since(start))
		c.observeReply(reply, co)

		if flags&wiremessage.MoreToCome != 0 {
			// an intermediate reply; the final document follows and answers
			// this reply's id
			expected = replyID
			continue
		}
		if cmdErr := extractError(reply); cmdErr != nil {
			return reply, cmdErr
		}
		return reply, nil
	}
}

// observeReply advances the connection clock and the session from a reply's
// cluster time gossip.
func (c *Connection) observeReply(reply *birch.Document, co *commandOptions) {
	ct := responseClusterTime(reply)
	if ct == nil {
		return
	}
	if c.cfg.clock != nil {
		c.cfg.clock.AdvanceClusterTime(ct)
	}
	if co.session != nil {
		co.session.AdvanceClusterTime(ct)
	}
}

func (c *Connection) maybeCompress(msg wiremessage.WireMessage, cmd string) (wiremessage.WireMessage, error) {
	if c.compressor == wiremessage.CompressorNoOp || !canCompress(cmd) {
		return msg, nil
	}
	opts := wiremessage.CompressionOpts{Compressor: c.compressor}
	if c.cfg.zlibLevel != nil {
		opts.ZlibLevel = *c.cfg.zlibLevel
	} else {
		opts.ZlibLevel = wiremessage.DefaultZlibLevel
	}
	if c.cfg.zstdLevel != nil {
		opts.ZstdLevel = *c.cfg.zstdLevel
	} else {
		opts.ZstdLevel = wiremessage.DefaultZstdLevel
	}
	compressed, err := wiremessage.CompressMessage(msg, opts)
	if err != nil {
		return nil, c.closeWithError(ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to compress message"})
	}
	return compressed, nil
}

// readReply reads, decompresses, and decodes the next reply, validating that
// it answers the given request. The reply's own request id is returned so
// streamed replies can be chained: each subsequent reply answers the one
// before it.
func (c *Connection) readReply(ctx context.Context, requestID int32) (*birch.Document, wiremessage.MsgFlag, int32, error) {
	wm, err := c.readWireMessage(ctx)
	if err != nil {
		return nil, 0, 0, err
	}

	maxSize := c.desc.MaxMessageSize
	if maxSize == 0 {
		maxSize = wiremessage.DefaultMaxMessageSize
	}
	wm, err = wiremessage.DecompressMessage(wm, int32(maxSize))
	if err != nil {
		return nil, 0, 0, c.closeWithError(ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to decompress reply"})
	}

	_, replyID, responseTo, opcode, ok := wiremessage.ParseHeader(wm)
	if !ok {
		return nil, 0, 0, c.closeWithError(ConnectionError{ConnectionID: c.id, message: "malformed reply: truncated header"})
	}
	if responseTo != requestID {
		err := fmt.Errorf("reply answers request %d, expected %d", responseTo, requestID)
		return nil, 0, 0, c.closeWithError(ConnectionError{ConnectionID: c.id, Wrapped: err, message: "out of order reply"})
	}
	if opcode != wiremessage.OpMsg {
		err := fmt.Errorf("unexpected opcode %v", opcode)
		return nil, 0, 0, c.closeWithError(ConnectionError{ConnectionID: c.id, Wrapped: err, message: "malformed reply"})
	}

	body := wm[wiremessage.HeaderSize:]
	flags, body, ok := wiremessage.ReadMsgFlags(body)
	if !ok {
		return nil, 0, 0, c.closeWithError(ConnectionError{ConnectionID: c.id, message: "malformed reply: missing flags"})
	}
	st, body, ok := wiremessage.ReadMsgSectionType(body)
	if !ok || st != wiremessage.SingleDocument {
		return nil, 0, 0, c.closeWithError(ConnectionError{ConnectionID: c.id, message: "malformed reply: missing body section"})
	}
	raw, _, ok := wiremessage.ReadMsgSectionSingleDocument(body)
	if !ok {
		return nil, 0, 0, c.closeWithError(ConnectionError{ConnectionID: c.id, message: "malformed reply: truncated body"})
	}
	doc, err := birch.ReadDocument(raw)
	if err != nil {
		return nil, 0, 0, c.closeWithError(ConnectionError{ConnectionID: c.id, Wrapped: err, message: "malformed reply: invalid document"})
	}
	return doc, flags, replyID, nil
}

// cancellationListener forces the socket deadline into the past when the
// context is cancelled mid I/O, so a blocked read or write returns promptly.
// The returned func must be called when the I/O completes; it reports whether
// the listener fired.
func (c *Connection) cancellationListener(ctx context.Context) func() bool {
	done := make(chan struct{})
	fired := make(chan bool, 1)
	go func() {
		select {
		case <-ctx.Done():
			c.nc.SetDeadline(time.Unix(1, 0))
			fired <- true
		case <-done:
			fired <- false
		}
	}()
	return func() bool {
		close(done)
		return <-fired
	}
}

func (c *Connection) writeWireMessage(ctx context.Context, msg wiremessage.WireMessage) error {
	if err := ctx.Err(); err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to write"}
	}
	if err := c.nc.SetWriteDeadline(csot.MinDeadline(ctx, c.cfg.writeTimeout)); err != nil {
		return c.closeWithError(ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to set write deadline"})
	}

	stop := c.cancellationListener(ctx)
	_, err := c.nc.Write(msg)
	stop()
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
		}
		return c.closeWithError(ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to write"})
	}
	return nil
}

func (c *Connection) readWireMessage(ctx context.Context) (wiremessage.WireMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to read"}
	}
	if err := c.nc.SetReadDeadline(csot.MinDeadline(ctx, c.cfg.readTimeout)); err != nil {
		return nil, c.closeWithError(ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to set read deadline"})
	}

	stop := c.cancellationListener(ctx)
	wm, err := c.readFramed()
	stop()
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
		}
		return nil, c.closeWithError(ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to read"})
	}
	return wm, nil
}

// readFramed feeds the framer from the socket until one whole message is
// buffered.
func (c *Connection) readFramed() (wiremessage.WireMessage, error) {
	for {
		wm, err := c.framer.Next()
		if err != nil {
			return nil, err
		}
		if wm != nil {
			return wm, nil
		}
		n, err := c.nc.Read(c.readBuf)
		if n > 0 {
			c.framer.Feed(c.readBuf[:n])
		}
		if err != nil {
			return nil, err
		}
	}
}

// closeWithError closes the connection, remembering the first fatal error,
// and returns err for convenient chaining.
func (c *Connection) closeWithError(err error) error {
	c.closeOnce.Do(func() {
		atomic.StoreInt64(&c.state, connClosed)
		c.closeErr = err
		if c.nc != nil {
			c.nc.Close()
		}
		if err != nil {
			c.cfg.logger.Debug().Str("connection", c.id).Err(err).Msg("connection closed")
		}
	})
	return err
}

// Close closes the connection. In-flight reads and writes will fail. Close
// is idempotent.
func (c *Connection) Close() error {
	c.closeWithError(nil)
	return nil
}
