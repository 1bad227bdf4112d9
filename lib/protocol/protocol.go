// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package protocol defines the LocalSend v2 wire types: device
// descriptors, discovery announcements, file descriptors and the chunk
// range header. It knows nothing about sockets; the discovery and
// transfer packages move these types around.
package protocol

const (
	// Version is the protocol version advertised in descriptors.
	Version = "2.0"

	// DefaultPort is the standard port, for both the HTTP endpoint and
	// the discovery datagrams.
	DefaultPort = 53317

	// MulticastGroup is the IPv4 group on which nodes announce
	// themselves. The group port is always DefaultPort, regardless of
	// which port the HTTP endpoint uses.
	MulticastGroup = "224.0.0.167"

	// APIPrefix is the URL prefix of every protocol endpoint.
	APIPrefix = "/api/localsend/v2"
)
