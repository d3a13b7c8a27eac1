// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package csot implements the client-side operation timeout: one deadline
// budget threaded through every step of a logical call. The remaining budget
// is always recomputed from the deadline rather than counted down, so long
// lived operations do not drift.
package csot

import (
	"context"
	"time"
)

type clientLevel struct{}

// AsClientLevel marks the context as carrying a client-level timeout, even a
// zero (unlimited) one. A context marked this way is never re-wrapped by
// WithTimeout.
func AsClientLevel(parent context.Context) context.Context {
	return context.WithValue(parent, clientLevel{}, true)
}

// IsClientLevel checks if the provided context has been marked by
// AsClientLevel.
func IsClientLevel(ctx context.Context) bool {
	val := ctx.Value(clientLevel{})
	if val == nil {
		return false
	}
	return val.(bool)
}

// IsTimeoutContext checks if the provided context has been assigned a
// deadline or carries an explicit unlimited client-level budget.
func IsTimeoutContext(ctx context.Context) bool {
	if _, ok := ctx.Deadline(); ok {
		return true
	}
	return IsClientLevel(ctx)
}

// WithTimeout applies the given timeout to the context if no budget has been
// applied already. A nil timeout leaves the context untouched; a zero timeout
// marks the context client-level without a deadline (unlimited).
//
// The budget is applied at most once for the lifetime of a logical call:
// nested calls through this function never extend an existing deadline.
func WithTimeout(parent context.Context, timeout *time.Duration) (context.Context, context.CancelFunc) {
	cancel := func() {}

	if IsTimeoutContext(parent) || timeout == nil {
		return parent, cancel
	}

	parent = AsClientLevel(parent)

	if *timeout == 0 {
		return parent, cancel
	}

	return context.WithTimeout(parent, *timeout)
}

// RemainingTime reports how much of the context's budget is left. The bool
// return is false when the context has no deadline.
func RemainingTime(ctx context.Context) (time.Duration, bool) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0, false
	}
	return time.Until(deadline), true
}

// Expired reports whether the context's budget is exhausted. Once true it is
// true forever; a budget is never implicitly extended.
func Expired(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	rem, ok := RemainingTime(ctx)
	return ok && rem <= 0
}

// WouldExceed reports whether starting an operation expected to take at
// least needed would blow the context's remaining budget. Contexts without a
// deadline never exceed.
func WouldExceed(ctx context.Context, needed time.Duration) bool {
	if needed <= 0 {
		return false
	}
	rem, ok := RemainingTime(ctx)
	return ok && rem < needed
}

// MinDeadline returns the earlier of the context's deadline and now+timeout.
// A non-positive timeout defers entirely to the context; a context without a
// deadline defers entirely to the timeout. The zero time means no deadline
// at all.
func MinDeadline(ctx context.Context, timeout time.Duration) time.Time {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok {
		if deadline.IsZero() || ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
	}
	return deadline
}
