// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wirecore

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tychoish/birch"

	"github.com/ikmak/wirecore/session"
	"github.com/ikmak/wirecore/wiremessage"
)

// ResponseStream is a sequence of replies to one exhaust command. The stream
// owns the connection until the server's final reply has been consumed or
// Close abandons it.
type ResponseStream struct {
	conn       *Connection
	responseTo int32
	session    *session.Client

	mu   sync.Mutex
	done bool
	err  error
}

// Next returns the next reply in the stream. When the final reply has been
// returned, subsequent calls return io.EOF. A reply that reports a server
// error ends the stream and is returned alongside the error; the connection
// stays usable. Transport failures close the connection.
func (s *ResponseStream) Next(ctx context.Context) (*birch.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}

	reply, flags, replyID, err := s.conn.readReply(ctx, s.responseTo)
	if err != nil {
		// the connection is already torn down; just release the claim
		s.err = err
		s.finish()
		return nil, err
	}
	s.conn.observeReply(reply, &commandOptions{session: s.session})

	if flags&wiremessage.MoreToCome != 0 {
		s.responseTo = replyID
		return reply, nil
	}

	s.finish()
	if cmdErr := extractError(reply); cmdErr != nil {
		return reply, cmdErr
	}
	return reply, nil
}

// Done reports whether the stream has delivered its final reply.
func (s *ResponseStream) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Close releases the stream's claim on the connection. Closing a stream the
// server is still feeding abandons replies mid-flight, which poisons the
// byte stream, so the connection is closed with it. Closing a finished
// stream is a no-op.
func (s *ResponseStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil
	}
	s.conn.closeWithError(ConnectionError{
		ConnectionID: s.conn.id,
		message:      "response stream abandoned before the final reply",
	})
	s.finish()
	return nil
}

// finish marks the stream done and returns the connection to general use.
// Callers must hold s.mu; finish must run exactly once per stream.
func (s *ResponseStream) finish() {
	s.done = true
	atomic.StoreInt32(&s.conn.streaming, 0)
	s.conn.exchangeMu.Unlock()
}
