// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wirecore

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/tychoish/birch"
)

// ReauthenticationRequiredCode is the server error code signalling that the
// connection's credentials have gone stale and the authenticator should run
// again on the same connection.
const ReauthenticationRequiredCode = 391

// ErrConnectionBusy is returned when a command is issued while a previous
// exchange on the same connection is still in flight.
var ErrConnectionBusy = errors.New("connection busy with an in-progress exchange")

// ErrConnectionClosed is returned when an operation is attempted on a closed
// connection.
var ErrConnectionClosed = errors.New("connection is closed")

// ErrDeadlineWouldBeExceeded is returned when a round trip is not attempted
// because the context's remaining budget is smaller than the connection's
// observed minimum round-trip time. It wraps context.DeadlineExceeded so
// callers' deadline checks keep working.
var ErrDeadlineWouldBeExceeded = fmt.Errorf(
	"operation not sent to server, as the remaining timeout is less than the minimum observed round-trip time: %w",
	context.DeadlineExceeded)

// Error is a command execution error from the server: the reply arrived and
// parsed cleanly but reported failure. The connection stays usable.
type Error struct {
	Code    int32
	Message string
	Name    string
	Labels  []string
	Raw     *birch.Document
}

func (e Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("(%v) %v", e.Name, e.Message)
	}
	return e.Message
}

// HasErrorLabel returns true if the error contains the specified label.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ReauthenticationRequired reports whether the server asked the client to
// authenticate again on this connection.
func (e Error) ReauthenticationRequired() bool {
	return e.Code == ReauthenticationRequiredCode
}

// extractError converts a reply document with {ok: 0} into an Error. A nil
// return means the reply reports success.
func extractError(reply *birch.Document) error {
	if reply == nil {
		return nil
	}

	ok := false
	errmsg := "command failed"
	srvErr := Error{Raw: reply.Copy()}
	for _, elem := range reply.Elements() {
		switch elem.Key() {
		case "ok":
			if v, okInt := elem.Value().Int32OK(); okInt {
				ok = v == 1
			} else if v, okInt := elem.Value().Int64OK(); okInt {
				ok = v == 1
			} else if v, okF := elem.Value().DoubleOK(); okF {
				ok = v == 1
			}
		case "errmsg":
			if str, okStr := elem.Value().StringValueOK(); okStr {
				errmsg = str
			}
		case "code":
			if v, okInt := elem.Value().Int32OK(); okInt {
				srvErr.Code = v
			} else if v, okInt := elem.Value().Int64OK(); okInt {
				srvErr.Code = int32(v)
			}
		case "codeName":
			if str, okStr := elem.Value().StringValueOK(); okStr {
				srvErr.Name = str
			}
		case "errorLabels":
			if arr, okArr := elem.Value().MutableArrayOK(); okArr {
				for _, v := range arr.Interface() {
					if str, okStr := v.(string); okStr {
						srvErr.Labels = append(srvErr.Labels, str)
					}
				}
			}
		}
	}

	if ok {
		return nil
	}
	srvErr.Message = errmsg
	return srvErr
}

// ConnectionError represents a transport failure on a connection. The
// connection is unusable after one of these.
type ConnectionError struct {
	ConnectionID string
	Wrapped      error

	// init is true when the failure happened while establishing the
	// connection rather than using it.
	init    bool
	message string
}

func (e ConnectionError) Error() string {
	message := e.message
	if e.Wrapped != nil {
		message = fmt.Sprintf("%s: %v", message, e.Wrapped)
	}
	return fmt.Sprintf("connection(%s) %s", e.ConnectionID, message)
}

// Unwrap returns the underlying error.
func (e ConnectionError) Unwrap() error { return e.Wrapped }

// Timeout reports whether the underlying failure was a deadline expiry.
func (e ConnectionError) Timeout() bool {
	if e.Wrapped == nil {
		return false
	}
	if errors.Is(e.Wrapped, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(e.Wrapped, &netErr) {
		return netErr.Timeout()
	}
	return false
}
