// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/landrop/landrop/lib/rand"
)

// DeviceType is the kind of device a descriptor advertises. It only
// affects how peers render us.
type DeviceType string

const (
	DeviceTypeMobile   DeviceType = "mobile"
	DeviceTypeDesktop  DeviceType = "desktop"
	DeviceTypeWeb      DeviceType = "web"
	DeviceTypeHeadless DeviceType = "headless"
	DeviceTypeServer   DeviceType = "server"
)

// Protocol selects the transport of a peer's HTTP endpoint.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// fingerprintBytes is the entropy of a locally generated fingerprint. The
// hex rendering is twice this long.
const fingerprintBytes = 32

// DeviceInfo is the descriptor a node advertises about itself, and what we
// store about peers. The IP is never on the wire; discovery fills it in
// from the transport when the descriptor arrives.
type DeviceInfo struct {
	Alias       string     `json:"alias"`
	Version     string     `json:"version"`
	DeviceModel string     `json:"deviceModel,omitempty"`
	DeviceType  DeviceType `json:"deviceType"`
	Fingerprint string     `json:"fingerprint"`
	Port        int        `json:"port"`
	Protocol    Protocol   `json:"protocol"`
	Download    bool       `json:"download"`

	IP net.IP `json:"-"`
}

var ErrNoFingerprint = errors.New("descriptor without fingerprint")

// NewLocalDevice returns the descriptor for this process, with a fresh
// random fingerprint. The fingerprint identifies the node for the duration
// of the run; it is regenerated on every start.
func NewLocalDevice(alias, model string, deviceType DeviceType, port int, proto Protocol, download bool) DeviceInfo {
	return DeviceInfo{
		Alias:       alias,
		Version:     Version,
		DeviceModel: model,
		DeviceType:  deviceType,
		Fingerprint: rand.HexString(fingerprintBytes),
		Port:        port,
		Protocol:    proto,
		Download:    download,
	}
}

// Validate returns an error for descriptors we should not act on. The
// fingerprint is the identity; everything else we can live without or
// default.
func (d *DeviceInfo) Validate() error {
	if d.Fingerprint == "" {
		return ErrNoFingerprint
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("descriptor with port %d outside [1, 65535]", d.Port)
	}
	return nil
}

// Normalize fills in defaults for fields older peers leave out.
func (d *DeviceInfo) Normalize() {
	if d.Version == "" {
		d.Version = Version
	}
	if d.Port == 0 {
		d.Port = DefaultPort
	}
	if d.Protocol == "" {
		d.Protocol = ProtocolHTTP
	}
	if d.DeviceType == "" {
		d.DeviceType = DeviceTypeDesktop
	}
}

// Addr returns the host:port of the peer's HTTP endpoint.
func (d *DeviceInfo) Addr() string {
	return net.JoinHostPort(d.IP.String(), strconv.Itoa(d.Port))
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s (%s, %s://%s)", d.Alias, shortFingerprint(d.Fingerprint), d.Protocol, d.Addr())
}

func shortFingerprint(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}
