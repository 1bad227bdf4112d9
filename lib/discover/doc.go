// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

/*
Package discover finds peers on the local network. Two mechanisms run side
by side and feed the same registry: multicast announcements and an HTTP
subnet scan.

Multicast
=========

A device announces itself with a JSON datagram to the group 224.0.0.167 on
port 53317. The payload is the device descriptor plus an announcement
marker:

	{
	  "alias": "Nice Orange",
	  "version": "2.0",
	  "deviceModel": "Samsung",
	  "deviceType": "mobile",
	  "fingerprint": "...",
	  "port": 53317,
	  "protocol": "http",
	  "download": false,
	  "announce": true
	}

Receivers register the sender under its fingerprint, using the datagram's
source IP as the contact address; the descriptor itself carries no
address. When the marker is true the receiver answers so that the newcomer
learns about existing devices too, preferably with an HTTP POST to the
sender's register endpoint, or by multicasting its own descriptor with the
marker set to false when that fails. Datagrams carrying our own
fingerprint are our own echoes and are dropped, as are datagrams that do
not parse.

Older implementations spell the marker "announcement"; both spellings are
sent and either is accepted.

Subnet scan
===========

Multicast is blocked on some networks, so on a schedule we also derive the
/24 neighborhood of every local interface address and probe each other
host in it with a GET of the info endpoint, using the same port we serve
on ourselves. Responders are registered exactly like multicast announcers.
The sweep is bounded by a concurrency limit and each probe by a short
timeout, so a full sweep of a quiet subnet finishes in a few seconds.
*/
package discover
