// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package csot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDuration(d time.Duration) *time.Duration { return &d }

func TestWithTimeout(t *testing.T) {
	t.Run("NilTimeoutLeavesContextBare", func(t *testing.T) {
		ctx, cancel := WithTimeout(context.Background(), nil)
		defer cancel()
		_, ok := ctx.Deadline()
		assert.False(t, ok)
		assert.False(t, IsTimeoutContext(ctx))
	})

	t.Run("ZeroTimeoutMarksClientLevel", func(t *testing.T) {
		ctx, cancel := WithTimeout(context.Background(), newDuration(0))
		defer cancel()
		_, ok := ctx.Deadline()
		assert.False(t, ok)
		assert.True(t, IsClientLevel(ctx))
		assert.True(t, IsTimeoutContext(ctx))
	})

	t.Run("PositiveTimeoutSetsDeadline", func(t *testing.T) {
		ctx, cancel := WithTimeout(context.Background(), newDuration(time.Minute))
		defer cancel()
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
	})

	t.Run("AppliedAtMostOnce", func(t *testing.T) {
		outer, cancel := WithTimeout(context.Background(), newDuration(time.Minute))
		defer cancel()
		outerDeadline, ok := outer.Deadline()
		require.True(t, ok)

		inner, cancel2 := WithTimeout(outer, newDuration(time.Millisecond))
		defer cancel2()
		innerDeadline, ok := inner.Deadline()
		require.True(t, ok)
		assert.Equal(t, outerDeadline, innerDeadline)
	})

	t.Run("DoesNotRewrapUnlimited", func(t *testing.T) {
		outer, cancel := WithTimeout(context.Background(), newDuration(0))
		defer cancel()
		inner, cancel2 := WithTimeout(outer, newDuration(time.Minute))
		defer cancel2()
		_, ok := inner.Deadline()
		assert.False(t, ok)
	})

	t.Run("RespectsExistingDeadline", func(t *testing.T) {
		parent, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		parentDeadline, _ := parent.Deadline()

		ctx, cancel2 := WithTimeout(parent, newDuration(time.Hour))
		defer cancel2()
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.Equal(t, parentDeadline, deadline)
	})
}

func TestRemainingTime(t *testing.T) {
	_, ok := RemainingTime(context.Background())
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	rem, ok := RemainingTime(ctx)
	require.True(t, ok)
	assert.Greater(t, rem, 50*time.Second)
}

func TestExpired(t *testing.T) {
	assert.False(t, Expired(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, Expired(ctx))

	deadlineCtx, cancel2 := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel2()
	assert.True(t, Expired(deadlineCtx))
}

func TestWouldExceed(t *testing.T) {
	assert.False(t, WouldExceed(context.Background(), time.Hour), "no deadline never exceeds")
	assert.False(t, WouldExceed(context.Background(), 0))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.True(t, WouldExceed(ctx, time.Minute))
	assert.False(t, WouldExceed(ctx, 0))
}

func TestMinDeadline(t *testing.T) {
	t.Run("NoInputs", func(t *testing.T) {
		assert.True(t, MinDeadline(context.Background(), 0).IsZero())
	})
	t.Run("TimeoutOnly", func(t *testing.T) {
		deadline := MinDeadline(context.Background(), time.Minute)
		assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, time.Second)
	})
	t.Run("ContextWins", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ctxDeadline, _ := ctx.Deadline()
		assert.Equal(t, ctxDeadline, MinDeadline(ctx, time.Hour))
	})
	t.Run("TimeoutWins", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		deadline := MinDeadline(ctx, time.Second)
		assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 500*time.Millisecond)
	})
}
