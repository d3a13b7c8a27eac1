// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddressString(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"localhost", "localhost:27017"},
		{"localhost:27018", "localhost:27018"},
		{"LOCALHOST:27018", "localhost:27018"},
		{"10.0.0.4", "10.0.0.4:27017"},
		{"/tmp/server.sock", "/tmp/server.sock"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Address(tc.in).String(), "input %q", tc.in)
	}
}

func TestAddressNetwork(t *testing.T) {
	assert.Equal(t, "tcp", Address("localhost:27017").Network())
	assert.Equal(t, "unix", Address("/tmp/server.sock").Network())
}

func TestAddressCanonicalize(t *testing.T) {
	assert.Equal(t, Address("example.com:27017"), Address("EXAMPLE.com").Canonicalize())
}
