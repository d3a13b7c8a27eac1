// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wirecore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tychoish/birch"
)

func TestExtractError(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		for _, doc := range []*birch.Document{
			birch.DC.Elements(birch.EC.Double("ok", 1)),
			birch.DC.Elements(birch.EC.Int32("ok", 1)),
			birch.DC.Elements(birch.EC.Int64("ok", 1)),
		} {
			assert.NoError(t, extractError(doc))
		}
	})

	t.Run("Failure", func(t *testing.T) {
		reply := birch.DC.Elements(
			birch.EC.Double("ok", 0),
			birch.EC.String("errmsg", "not authorized"),
			birch.EC.Int32("code", 13),
			birch.EC.String("codeName", "Unauthorized"),
		)
		err := extractError(reply)
		require.Error(t, err)

		var srvErr Error
		require.ErrorAs(t, err, &srvErr)
		assert.EqualValues(t, 13, srvErr.Code)
		assert.Equal(t, "Unauthorized", srvErr.Name)
		assert.Equal(t, "not authorized", srvErr.Message)
		assert.Equal(t, "(Unauthorized) not authorized", srvErr.Error())
		assert.NotNil(t, srvErr.Raw)
	})

	t.Run("MissingOkIsFailure", func(t *testing.T) {
		err := extractError(birch.DC.Elements(birch.EC.String("errmsg", "weird reply")))
		require.Error(t, err)
	})

	t.Run("NilReply", func(t *testing.T) {
		assert.NoError(t, extractError(nil))
	})

	t.Run("ReauthenticationRequired", func(t *testing.T) {
		reply := birch.DC.Elements(
			birch.EC.Int32("ok", 0),
			birch.EC.String("errmsg", "access token expired"),
			birch.EC.Int32("code", ReauthenticationRequiredCode),
		)
		err := extractError(reply)
		var srvErr Error
		require.ErrorAs(t, err, &srvErr)
		assert.True(t, srvErr.ReauthenticationRequired())
	})
}

func TestConnectionError(t *testing.T) {
	inner := errors.New("broken pipe")
	err := ConnectionError{ConnectionID: "host:1[-4]", Wrapped: inner, message: "failed to write"}
	assert.Contains(t, err.Error(), "host:1[-4]")
	assert.Contains(t, err.Error(), "broken pipe")
	assert.ErrorIs(t, err, inner)
	assert.False(t, err.Timeout())

	timeoutErr := ConnectionError{Wrapped: context.DeadlineExceeded}
	assert.True(t, timeoutErr.Timeout())
}

func TestErrDeadlineWouldBeExceeded(t *testing.T) {
	assert.ErrorIs(t, ErrDeadlineWouldBeExceeded, context.DeadlineExceeded)
}
