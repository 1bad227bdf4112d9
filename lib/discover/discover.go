// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"fmt"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/landrop/landrop/lib/protocol"
)

// A Peer is a device seen on the local network, when we last heard from it
// and through which mechanism.
type Peer struct {
	protocol.DeviceInfo
	LastSeen time.Time `json:"lastSeen"`
	Source   string    `json:"source"`
}

// Peer sources, in rough order of trustworthiness of the address.
const (
	SourceRegister  = "register"
	SourceMulticast = "multicast"
	SourceScan      = "scan"
)

// The Finder interface is implemented by things that can answer "who is
// around" and "who is this fingerprint" questions, i.e. the registry.
type Finder interface {
	Lookup(fingerprint string) (Peer, bool)
	Peers() []Peer
}

// A FinderService is a discovery mechanism that must be run for its
// registrations to happen. Refresh asks it to look again right away,
// without waiting for the next scheduled round.
type FinderService interface {
	suture.Service
	fmt.Stringer
	Error() error
	Refresh()
}
