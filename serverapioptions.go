// Copyright (C) MongoDB, Inc. 2021-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wirecore

// ServerAPIVersion1 is the first stable server API version.
const ServerAPIVersion1 = "1"

// ServerAPIOptions pins the command dialect: every command on a connection
// configured with these options carries the version pragmas.
type ServerAPIOptions struct {
	ServerAPIVersion  string
	Strict            *bool
	DeprecationErrors *bool
}

// NewServerAPIOptions creates a new ServerAPIOptions configured with the
// provided version.
func NewServerAPIOptions(version string) *ServerAPIOptions {
	return &ServerAPIOptions{ServerAPIVersion: version}
}

// SetStrict specifies whether the server should return errors for features
// that are not part of the declared API version.
func (s *ServerAPIOptions) SetStrict(strict bool) *ServerAPIOptions {
	s.Strict = &strict
	return s
}

// SetDeprecationErrors specifies whether the server should return errors for
// deprecated features.
func (s *ServerAPIOptions) SetDeprecationErrors(deprecationErrors bool) *ServerAPIOptions {
	s.DeprecationErrors = &deprecationErrors
	return s
}
