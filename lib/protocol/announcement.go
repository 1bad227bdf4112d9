// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import "encoding/json"

// MaxDatagramSize is the largest announcement datagram we send or accept.
// One Ethernet frame; anything larger is not a LocalSend announcement.
const MaxDatagramSize = 1500

// Announcement is the discovery datagram: a device descriptor plus the
// solicitation marker. A solicitation asks peers to make themselves known,
// by HTTP register or by a response datagram with the marker cleared.
type Announcement struct {
	DeviceInfo
	Announce bool
}

// announcementWire is the on-the-wire shape. The solicitation marker has
// two spellings: "announce" and the legacy "announcement". We accept
// either on receive and emit both on send, so that both protocol
// generations understand us.
type announcementWire struct {
	DeviceInfo
	Announce     *bool `json:"announce,omitempty"`
	Announcement *bool `json:"announcement,omitempty"`
}

func (a Announcement) MarshalJSON() ([]byte, error) {
	return json.Marshal(announcementWire{
		DeviceInfo:   a.DeviceInfo,
		Announce:     &a.Announce,
		Announcement: &a.Announce,
	})
}

func (a *Announcement) UnmarshalJSON(data []byte) error {
	var w announcementWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	a.DeviceInfo = w.DeviceInfo
	a.Announce = w.Announce != nil && *w.Announce || w.Announcement != nil && *w.Announcement
	return nil
}

// ParseAnnouncement decodes and validates one datagram. Errors mean the
// datagram should be dropped; the UDP channel is lossy anyway and the
// caller should not care beyond a debug log.
func ParseAnnouncement(data []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return Announcement{}, err
	}
	a.Normalize()
	if err := a.Validate(); err != nil {
		return Announcement{}, err
	}
	return a, nil
}
