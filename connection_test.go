// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wirecore

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tychoish/birch"

	"github.com/ikmak/wirecore/address"
	"github.com/ikmak/wirecore/session"
	"github.com/ikmak/wirecore/wiremessage"
)

// testServer drives the server end of a net.Pipe for connection tests. Its
// methods run on the server goroutine and report failures through t.Errorf,
// never FailNow.
type testServer struct {
	t      *testing.T
	nc     net.Conn
	framer *wiremessage.Framer
	buf    []byte
}

type received struct {
	doc        *birch.Document
	requestID  int32
	flags      wiremessage.MsgFlag
	compressed bool
}

func (s *testServer) read() (received, bool) {
	var r received
	for {
		wm, err := s.framer.Next()
		if err != nil {
			s.t.Errorf("server framing: %v", err)
			return r, false
		}
		if wm != nil {
			return s.decode(wm)
		}
		n, err := s.nc.Read(s.buf)
		if n > 0 {
			s.framer.Feed(s.buf[:n])
		}
		if err != nil {
			return r, false
		}
	}
}

func (s *testServer) decode(wm wiremessage.WireMessage) (received, bool) {
	var r received
	_, _, _, opcode, _ := wiremessage.ParseHeader(wm)
	r.compressed = opcode == wiremessage.OpCompressed

	wm, err := wiremessage.DecompressMessage(wm, 0)
	if err != nil {
		s.t.Errorf("server decompress: %v", err)
		return r, false
	}
	_, requestID, _, opcode, ok := wiremessage.ParseHeader(wm)
	if !ok || opcode != wiremessage.OpMsg {
		s.t.Errorf("server: unexpected opcode %v", opcode)
		return r, false
	}
	r.requestID = requestID

	rem := wm[wiremessage.HeaderSize:]
	r.flags, rem, _ = wiremessage.ReadMsgFlags(rem)
	st, rem, _ := wiremessage.ReadMsgSectionType(rem)
	if st != wiremessage.SingleDocument {
		s.t.Errorf("server: unexpected section type %d", st)
		return r, false
	}
	raw, _, ok := wiremessage.ReadMsgSectionSingleDocument(rem)
	if !ok {
		s.t.Error("server: truncated body section")
		return r, false
	}
	doc, err := birch.ReadDocument(raw)
	if err != nil {
		s.t.Errorf("server: invalid document: %v", err)
		return r, false
	}
	r.doc = doc
	return r, true
}

// reply writes a response document and returns the response's own request
// id, which streamed follow-ups must answer.
func (s *testServer) reply(doc *birch.Document, responseTo int32, flags wiremessage.MsgFlag) int32 {
	body, err := doc.MarshalBSON()
	if err != nil {
		s.t.Errorf("server marshal: %v", err)
		return 0
	}
	requestID := wiremessage.NextRequestID()
	idx, msg := wiremessage.AppendHeaderStart(nil, requestID, responseTo, wiremessage.OpMsg)
	msg = wiremessage.AppendMsgFlags(msg, flags)
	msg = wiremessage.AppendMsgSectionType(msg, wiremessage.SingleDocument)
	msg = append(msg, body...)
	wiremessage.UpdateLength(msg, idx, int32(len(msg)))
	if _, err := s.nc.Write(msg); err != nil {
		s.t.Errorf("server write: %v", err)
	}
	return requestID
}

func helloReply(compressors ...string) *birch.Document {
	doc := birch.DC.Elements(
		birch.EC.Boolean("isWritablePrimary", true),
		birch.EC.Int32("minWireVersion", 0),
		birch.EC.Int32("maxWireVersion", 17),
		birch.EC.Int32("logicalSessionTimeoutMinutes", 30),
	)
	if len(compressors) > 0 {
		arr := birch.NewArray()
		for _, comp := range compressors {
			arr.Append(birch.VC.String(comp))
		}
		doc.Append(birch.EC.Array("compression", arr))
	}
	doc.Append(birch.EC.Double("ok", 1))
	return doc
}

// serveHello consumes the handshake command and answers it.
func (s *testServer) serveHello(reply *birch.Document) bool {
	r, ok := s.read()
	if !ok {
		return false
	}
	if name := commandName(r.doc); name != "hello" {
		s.t.Errorf("server: expected hello, got %q", name)
		return false
	}
	if r.compressed {
		s.t.Error("server: handshake must not be compressed")
		return false
	}
	s.reply(reply, r.requestID, 0)
	return true
}

// dialConn builds a Connection backed by one end of a net.Pipe and hands the
// other end to a server function running on its own goroutine.
func dialConn(t *testing.T, server func(*testServer), opts ...Option) *Connection {
	t.Helper()
	clientNC, serverNC := net.Pipe()
	t.Cleanup(func() {
		clientNC.Close()
		serverNC.Close()
	})

	opts = append(opts, WithDialer(DialerFunc(func(context.Context, string, string) (net.Conn, error) {
		return clientNC, nil
	})))
	conn, err := NewConnection(address.Address("pipe.test:27017"), opts...)
	require.NoError(t, err)

	srvDone := make(chan struct{})
	srv := &testServer{t: t, nc: serverNC, framer: wiremessage.NewFramer(0), buf: make([]byte, 4096)}
	go func() {
		defer close(srvDone)
		server(srv)
	}()
	t.Cleanup(func() {
		serverNC.Close()
		<-srvDone
	})
	return conn
}

func TestConnectHandshake(t *testing.T) {
	conn := dialConn(t, func(s *testServer) {
		s.serveHello(helloReply())
	}, WithAppName("handshake-test"))

	require.NoError(t, conn.Connect(context.Background()))
	assert.True(t, conn.Established())

	desc := conn.Description()
	assert.EqualValues(t, 17, desc.WireVersion.Max)
	assert.True(t, desc.SessionsSupported())
	assert.Equal(t, wiremessage.CompressorNoOp, conn.compressor)
}

func TestConnectNegotiatesCompression(t *testing.T) {
	conn := dialConn(t, func(s *testServer) {
		if !s.serveHello(helloReply("zlib", "snappy")) {
			return
		}
		// ping must now arrive compressed with the client's first preference
		r, ok := s.read()
		if !ok {
			return
		}
		assert.True(s.t, r.compressed)
		s.reply(birch.DC.Elements(birch.EC.Double("ok", 1)), r.requestID, 0)
	}, WithCompressors([]string{"snappy", "zlib"}))

	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, wiremessage.CompressorSnappy, conn.compressor)

	_, err := conn.Command(context.Background(), "admin", birch.DC.Elements(birch.EC.Int32("ping", 1)))
	require.NoError(t, err)
}

func TestCommand(t *testing.T) {
	clock := &session.ClusterClock{}
	clock.AdvanceClusterTime(clusterTimeDoc(5, 0))

	sess, err := session.NewClientSession(session.Explicit)
	require.NoError(t, err)
	sess.AdvanceClusterTime(clusterTimeDoc(3, 0))

	conn := dialConn(t, func(s *testServer) {
		if !s.serveHello(helloReply()) {
			return
		}
		r, ok := s.read()
		if !ok {
			return
		}
		assert.Equal(s.t, "ping", commandName(r.doc))

		if elem, err := r.doc.Search("$db"); assert.NoError(s.t, err) {
			db, _ := elem.Value().StringValueOK()
			assert.Equal(s.t, "admin", db)
		}
		if _, err := r.doc.Search("lsid"); err != nil {
			s.t.Errorf("server: missing lsid: %v", err)
		}
		// the client knew (5, 0) on its clock and (3, 0) on the session;
		// the larger value must arrive
		if elem, err := r.doc.Search("$clusterTime"); assert.NoError(s.t, err) {
			inner, _ := elem.Value().MutableDocumentOK()
			tsElem, err := inner.Search("clusterTime")
			if assert.NoError(s.t, err) {
				epoch, _, _ := tsElem.Value().TimestampOK()
				assert.EqualValues(s.t, 5, epoch)
			}
		}

		reply := birch.DC.Elements(
			birch.EC.Double("ok", 1),
			birch.EC.SubDocumentFromElements("$clusterTime",
				birch.EC.Timestamp("clusterTime", 7, 0),
			),
		)
		s.reply(reply, r.requestID, 0)
	}, WithClusterClock(clock))

	require.NoError(t, conn.Connect(context.Background()))

	reply, err := conn.Command(context.Background(), "admin",
		birch.DC.Elements(birch.EC.Int32("ping", 1)), WithSession(sess))
	require.NoError(t, err)
	require.NotNil(t, reply)

	// both clocks advanced from the reply's gossip
	assert.Equal(t, clusterTimeDoc(7, 0), clock.GetClusterTime())
	assert.Equal(t, clusterTimeDoc(7, 0), sess.ClusterTime)
}

func TestCommandServerError(t *testing.T) {
	conn := dialConn(t, func(s *testServer) {
		if !s.serveHello(helloReply()) {
			return
		}
		r, ok := s.read()
		if !ok {
			return
		}
		s.reply(birch.DC.Elements(
			birch.EC.Int32("ok", 0),
			birch.EC.String("errmsg", "no such command"),
			birch.EC.Int32("code", 59),
			birch.EC.String("codeName", "CommandNotFound"),
			birch.EC.Array("errorLabels", birch.NewArray(birch.VC.String("NonResumableChangeStreamError"))),
		), r.requestID, 0)

		// the connection survives a command error
		r, ok = s.read()
		if !ok {
			return
		}
		s.reply(birch.DC.Elements(birch.EC.Double("ok", 1)), r.requestID, 0)
	})

	require.NoError(t, conn.Connect(context.Background()))

	reply, err := conn.Command(context.Background(), "admin", birch.DC.Elements(birch.EC.String("bogus", "x")))
	require.Error(t, err)
	require.NotNil(t, reply, "the raw reply travels with the error")

	var srvErr Error
	require.ErrorAs(t, err, &srvErr)
	assert.EqualValues(t, 59, srvErr.Code)
	assert.Equal(t, "CommandNotFound", srvErr.Name)
	assert.Equal(t, "no such command", srvErr.Message)
	assert.True(t, srvErr.HasErrorLabel("NonResumableChangeStreamError"))
	assert.True(t, conn.Established())

	_, err = conn.Command(context.Background(), "admin", birch.DC.Elements(birch.EC.Int32("ping", 1)))
	assert.NoError(t, err)
}

func TestCommandReplyMismatchClosesConnection(t *testing.T) {
	conn := dialConn(t, func(s *testServer) {
		if !s.serveHello(helloReply()) {
			return
		}
		r, ok := s.read()
		if !ok {
			return
		}
		s.reply(birch.DC.Elements(birch.EC.Double("ok", 1)), r.requestID+100, 0)
	})

	require.NoError(t, conn.Connect(context.Background()))

	_, err := conn.Command(context.Background(), "admin", birch.DC.Elements(birch.EC.Int32("ping", 1)))
	require.Error(t, err)
	var connErr ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.False(t, conn.Alive())
}

func TestSendCommandFireAndForget(t *testing.T) {
	got := make(chan received, 1)
	conn := dialConn(t, func(s *testServer) {
		if !s.serveHello(helloReply()) {
			return
		}
		r, ok := s.read()
		if !ok {
			return
		}
		got <- r
	})

	require.NoError(t, conn.Connect(context.Background()))

	err := conn.SendCommand(context.Background(), "admin",
		birch.DC.Elements(birch.EC.String("unsetSharding", "1")))
	require.NoError(t, err)

	select {
	case r := <-got:
		assert.NotZero(t, r.flags&wiremessage.MoreToCome, "fire-and-forget requests must set moreToCome")
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the request")
	}

	// the connection is immediately reusable
	assert.True(t, conn.Established())
}

func TestExhaustCommand(t *testing.T) {
	conn := dialConn(t, func(s *testServer) {
		if !s.serveHello(helloReply()) {
			return
		}
		r, ok := s.read()
		if !ok {
			return
		}
		assert.NotZero(s.t, r.flags&wiremessage.ExhaustAllowed)

		mkReply := func(seq int32, last bool) *birch.Document {
			doc := birch.DC.Elements(birch.EC.Int32("seq", seq))
			if last {
				doc.Append(birch.EC.Double("ok", 1))
			}
			return doc
		}
		// each streamed reply answers the previous one
		id := s.reply(mkReply(0, false), r.requestID, wiremessage.MoreToCome)
		id = s.reply(mkReply(1, false), id, wiremessage.MoreToCome)
		s.reply(mkReply(2, true), id, 0)
	})

	require.NoError(t, conn.Connect(context.Background()))

	stream, err := conn.ExhaustCommand(context.Background(), "admin",
		birch.DC.Elements(birch.EC.Int32("watch", 1)))
	require.NoError(t, err)

	// the connection is dedicated to the stream
	_, err = conn.Command(context.Background(), "admin", birch.DC.Elements(birch.EC.Int32("ping", 1)))
	assert.ErrorIs(t, err, ErrConnectionBusy)

	for seq := int32(0); seq < 3; seq++ {
		doc, err := stream.Next(context.Background())
		require.NoError(t, err, "reply %d", seq)
		elem, err := doc.Search("seq")
		require.NoError(t, err)
		v, _ := elem.Value().Int32OK()
		assert.Equal(t, seq, v)
	}
	assert.True(t, stream.Done())

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, stream.Close(), "closing a finished stream is a no-op")
	assert.True(t, conn.Established())
}

func TestExhaustStreamAbandonClosesConnection(t *testing.T) {
	conn := dialConn(t, func(s *testServer) {
		if !s.serveHello(helloReply()) {
			return
		}
		r, ok := s.read()
		if !ok {
			return
		}
		s.reply(birch.DC.Elements(birch.EC.Int32("seq", 0)), r.requestID, wiremessage.MoreToCome)
	})

	require.NoError(t, conn.Connect(context.Background()))

	stream, err := conn.ExhaustCommand(context.Background(), "admin",
		birch.DC.Elements(birch.EC.Int32("watch", 1)))
	require.NoError(t, err)

	_, err = stream.Next(context.Background())
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	assert.False(t, conn.Alive(), "abandoning a live stream must close the connection")
}

func TestCommandContextDeadlineClosesConnection(t *testing.T) {
	conn := dialConn(t, func(s *testServer) {
		if !s.serveHello(helloReply()) {
			return
		}
		// swallow the ping and never answer
		s.read()
	})

	require.NoError(t, conn.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.Command(ctx, "admin", birch.DC.Elements(birch.EC.Int32("ping", 1)))
	require.Error(t, err)

	var connErr ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.Timeout())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, conn.Alive(), "a timed out connection cannot be reused")
}

func TestCommandMinRTTGuard(t *testing.T) {
	conn := dialConn(t, func(s *testServer) {
		s.serveHello(helloReply())
	})
	require.NoError(t, conn.Connect(context.Background()))

	conn.rtt.addSample(time.Second)
	conn.rtt.addSample(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := conn.Command(ctx, "admin", birch.DC.Elements(birch.EC.Int32("ping", 1)))
	assert.ErrorIs(t, err, ErrDeadlineWouldBeExceeded)
	assert.True(t, conn.Alive(), "a guarded command never touches the socket")
}

func TestCommandOnClosedConnection(t *testing.T) {
	conn := dialConn(t, func(s *testServer) {
		s.serveHello(helloReply())
	})
	require.NoError(t, conn.Connect(context.Background()))
	require.NoError(t, conn.Close())

	_, err := conn.Command(context.Background(), "admin", birch.DC.Elements(birch.EC.Int32("ping", 1)))
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.True(t, conn.Expired())
}

func TestConnectDialFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	conn, err := NewConnection(address.Address("unreachable:27017"),
		WithDialer(DialerFunc(func(context.Context, string, string) (net.Conn, error) {
			return nil, dialErr
		})))
	require.NoError(t, err)

	err = conn.Connect(context.Background())
	require.Error(t, err)
	var connErr ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.init)
	assert.ErrorIs(t, err, dialErr)
	assert.False(t, conn.Alive())
}
