// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package readpref

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeFromString(t *testing.T) {
	for _, mode := range []Mode{PrimaryMode, PrimaryPreferredMode, SecondaryMode, SecondaryPreferredMode, NearestMode} {
		got, err := ModeFromString(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, got)
	}

	_, err := ModeFromString("sometimes")
	assert.Error(t, err)
}

func TestConstructors(t *testing.T) {
	assert.Equal(t, PrimaryMode, Primary().Mode())
	assert.Equal(t, PrimaryPreferredMode, PrimaryPreferred().Mode())
	assert.Equal(t, SecondaryMode, Secondary().Mode())
	assert.Equal(t, SecondaryPreferredMode, SecondaryPreferred().Mode())
	assert.Equal(t, NearestMode, Nearest().Mode())
	assert.Equal(t, SecondaryMode, New(SecondaryMode).Mode())
}

func TestWithMaxStaleness(t *testing.T) {
	base := Secondary()
	_, set := base.MaxStaleness()
	assert.False(t, set)

	bounded := base.WithMaxStaleness(90 * time.Second)
	d, set := bounded.MaxStaleness()
	assert.True(t, set)
	assert.Equal(t, 90*time.Second, d)

	// the original is unchanged
	_, set = base.MaxStaleness()
	assert.False(t, set)
}
