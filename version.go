// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wirecore implements single connections speaking a binary
// command/reply wire protocol: framing, compression, command construction,
// authentication, and the per-exchange state machine.
package wirecore

// Version is the driver version reported to servers during the handshake.
const Version = "0.3.0"
