// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package osutil

import (
	"net"
	"testing"
)

func TestIPFromString(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"192.0.2.1:53317", "192.0.2.1"},
		{"192.0.2.1", "192.0.2.1"},
		{"[2001:db8::1]:53317", "2001:db8::1"},
		{"2001:db8::1", "2001:db8::1"},
		{"[fe80::1%eth0]:53317", "fe80::1"},
		{"not an ip", ""},
		{"", ""},
	}
	for _, tc := range cases {
		got := IPFromString(tc.in)
		if tc.want == "" {
			if got != nil {
				t.Errorf("IPFromString(%q) = %v, expected nil", tc.in, got)
			}
			continue
		}
		if !got.Equal(net.ParseIP(tc.want)) {
			t.Errorf("IPFromString(%q) = %v, expected %s", tc.in, got, tc.want)
		}
	}
}

func TestIPFromAddr(t *testing.T) {
	tcp := &net.TCPAddr{IP: net.ParseIP("192.0.2.8"), Port: 53317}
	if ip, err := IPFromAddr(tcp); err != nil || !ip.Equal(tcp.IP) {
		t.Errorf("IPFromAddr(%v) = %v, %v", tcp, ip, err)
	}

	udp := &net.UDPAddr{IP: net.ParseIP("2001:db8::9"), Port: 53317}
	if ip, err := IPFromAddr(udp); err != nil || !ip.Equal(udp.IP) {
		t.Errorf("IPFromAddr(%v) = %v, %v", udp, ip, err)
	}
}
