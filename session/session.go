// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session implements client sessions and the cluster clock: the
// logical timestamp gossiped between client and server that orders causally
// related operations.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/tychoish/birch"

	"github.com/ikmak/wirecore/internal/uuid"
)

// ErrSessionEnded is returned when a client session is used after EndSession.
var ErrSessionEnded = errors.New("ended session was used in an operation")

// Type describes the type of the session.
type Type uint8

// These constants are the valid types for a client session.
const (
	Explicit Type = iota
	Implicit
)

// Client is a session for clients to run commands. It carries the session id
// attached to every command and the highest cluster time this session has
// observed.
type Client struct {
	ClusterTime *birch.Document
	SessionID   *birch.Document
	SessionType Type
	Terminated  bool

	lastUsed time.Time
}

// NewClientSession creates a Client with a fresh random session id.
func NewClientSession(sessionType Type) (*Client, error) {
	id, err := uuid.New()
	if err != nil {
		return nil, err
	}

	return &Client{
		SessionID:   birch.DC.Elements(birch.EC.BinaryWithSubtype("id", id[:], 0x04)),
		SessionType: sessionType,
		lastUsed:    time.Now(),
	}, nil
}

// AdvanceClusterTime updates the session's cluster time. Older values are
// ignored; the session's cluster time never moves backwards.
func (c *Client) AdvanceClusterTime(clusterTime *birch.Document) {
	c.ClusterTime = MaxClusterTime(c.ClusterTime, clusterTime)
}

// UpdateUseTime marks the session as used. Must be called whenever the
// session is attached to an outgoing command. Using an ended session is an
// error.
func (c *Client) UpdateUseTime() error {
	if c.Terminated {
		return ErrSessionEnded
	}
	c.lastUsed = time.Now()
	return nil
}

// LastUsed returns the last time the session was attached to a command.
func (c *Client) LastUsed() time.Time { return c.lastUsed }

// EndSession ends the session. Ending twice is a no-op.
func (c *Client) EndSession() {
	c.Terminated = true
}

// ClusterClock represents a logical clock for keeping track of cluster time.
// It is shared by every session and connection of one logical client and is
// safe for concurrent use.
type ClusterClock struct {
	clusterTime *birch.Document
	lock        sync.Mutex
}

// GetClusterTime returns the cluster's current time.
func (cc *ClusterClock) GetClusterTime() *birch.Document {
	cc.lock.Lock()
	ct := cc.clusterTime
	cc.lock.Unlock()

	return ct
}

// AdvanceClusterTime updates the cluster's current time.
func (cc *ClusterClock) AdvanceClusterTime(clusterTime *birch.Document) {
	cc.lock.Lock()
	cc.clusterTime = MaxClusterTime(cc.clusterTime, clusterTime)
	cc.lock.Unlock()
}

// getClusterTime decodes the timestamp out of a document shaped like
// {"$clusterTime": {"clusterTime": <timestamp>, ...}}.
func getClusterTime(clusterTime *birch.Document) (uint32, uint32) {
	if clusterTime == nil {
		return 0, 0
	}

	outer, err := clusterTime.Search("$clusterTime")
	if err != nil {
		return 0, 0
	}

	inner, ok := outer.Value().MutableDocumentOK()
	if !ok {
		return 0, 0
	}

	tsElem, err := inner.Search("clusterTime")
	if err != nil {
		return 0, 0
	}

	t, i, ok := tsElem.Value().TimestampOK()
	if !ok {
		return 0, 0
	}
	return t, i
}

// MaxClusterTime compares 2 cluster time documents and returns the document
// representing the highest cluster time.
func MaxClusterTime(ct1, ct2 *birch.Document) *birch.Document {
	epoch1, ord1 := getClusterTime(ct1)
	epoch2, ord2 := getClusterTime(ct2)

	switch {
	case epoch1 > epoch2:
		return ct1
	case epoch1 < epoch2:
		return ct2
	case ord1 > ord2:
		return ct1
	case ord1 < ord2:
		return ct2
	}

	return ct1
}
