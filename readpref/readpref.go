// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readpref defines read preferences for commands: which kind of
// server a read oriented command is willing to be serviced by.
package readpref

import (
	"fmt"
	"time"
)

// Mode indicates the user's preference on reads.
type Mode uint8

// Mode constants.
const (
	_ Mode = iota
	// PrimaryMode indicates that only a primary is considered for reading.
	PrimaryMode
	// PrimaryPreferredMode indicates that if a primary is available, use it;
	// otherwise, eligible secondaries will be considered.
	PrimaryPreferredMode
	// SecondaryMode indicates that only secondaries should be considered.
	SecondaryMode
	// SecondaryPreferredMode indicates that only secondaries should be
	// considered when one is available.
	SecondaryPreferredMode
	// NearestMode indicates that all primaries and secondaries will be
	// considered.
	NearestMode
)

// String implements the fmt.Stringer interface.
func (m Mode) String() string {
	switch m {
	case PrimaryMode:
		return "primary"
	case PrimaryPreferredMode:
		return "primaryPreferred"
	case SecondaryMode:
		return "secondary"
	case SecondaryPreferredMode:
		return "secondaryPreferred"
	case NearestMode:
		return "nearest"
	default:
		return "unknown"
	}
}

// ModeFromString returns a mode corresponding to mode.
func ModeFromString(mode string) (Mode, error) {
	switch mode {
	case "primary":
		return PrimaryMode, nil
	case "primaryPreferred":
		return PrimaryPreferredMode, nil
	case "secondary":
		return SecondaryMode, nil
	case "secondaryPreferred":
		return SecondaryPreferredMode, nil
	case "nearest":
		return NearestMode, nil
	}
	return Mode(0), fmt.Errorf("unknown read preference %v", mode)
}

// ReadPref determines which kind of server is considered suitable for a read
// oriented command.
type ReadPref struct {
	maxStaleness    time.Duration
	maxStalenessSet bool
	mode            Mode
}

// Primary constructs a read preference with a PrimaryMode.
func Primary() *ReadPref {
	return &ReadPref{mode: PrimaryMode}
}

// PrimaryPreferred constructs a read preference with a PrimaryPreferredMode.
func PrimaryPreferred() *ReadPref {
	return &ReadPref{mode: PrimaryPreferredMode}
}

// Secondary constructs a read preference with a SecondaryMode.
func Secondary() *ReadPref {
	return &ReadPref{mode: SecondaryMode}
}

// SecondaryPreferred constructs a read preference with a
// SecondaryPreferredMode.
func SecondaryPreferred() *ReadPref {
	return &ReadPref{mode: SecondaryPreferredMode}
}

// Nearest constructs a read preference with a NearestMode.
func Nearest() *ReadPref {
	return &ReadPref{mode: NearestMode}
}

// New creates a new ReadPref with the given mode.
func New(mode Mode) *ReadPref {
	return &ReadPref{mode: mode}
}

// WithMaxStaleness returns a copy of r bounded by the given maximum
// replication lag.
func (r *ReadPref) WithMaxStaleness(d time.Duration) *ReadPref {
	cp := *r
	cp.maxStaleness = d
	cp.maxStalenessSet = true
	return &cp
}

// MaxStaleness is the maximum amount of time to allow a server to be
// considered eligible for selection. The second return value indicates if
// this value has been set.
func (r *ReadPref) MaxStaleness() (time.Duration, bool) {
	return r.maxStaleness, r.maxStalenessSet
}

// Mode indicates the mode of the read preference.
func (r *ReadPref) Mode() Mode {
	return r.mode
}
