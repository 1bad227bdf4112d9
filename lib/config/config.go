// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config holds the node options, their defaults and validation,
// and the environment toggles read once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/landrop/landrop/lib/build"
	"github.com/landrop/landrop/lib/protocol"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	DefaultPort            = 53317
	DefaultSaveDirectory   = "./received_files"
	DefaultScanInterval    = 30 * time.Second
	DefaultScanConcurrency = 50
	DefaultSessionIdleTTL  = 10 * time.Minute
	DefaultMaxBodySize     = 5 << 30 // 5 GiB
)

// Options describes one node. The zero value is not usable; start from
// New() and adjust.
type Options struct {
	Alias             string
	DeviceModel       string
	DeviceType        protocol.DeviceType
	Port              int
	Protocol          protocol.Protocol
	EnableDownloadAPI bool

	SaveDirectory string
	PIN           string

	MulticastEnabled bool
	ScanEnabled      bool
	ScanInterval     time.Duration
	ScanConcurrency  int

	SessionIdleTTL time.Duration
	MaxBodySize    int64

	// Environment-derived toggles, see FromEnv.
	InsecureTLS    bool
	DebugDiscovery bool
}

// New returns the default options for the given alias. The device type is
// inferred from the environment; everything else matches the protocol
// defaults.
func New(alias string) Options {
	opts := Options{
		Alias:            alias,
		DeviceModel:      "landrop " + build.Version,
		DeviceType:       inferDeviceType(),
		Port:             DefaultPort,
		Protocol:         protocol.ProtocolHTTP,
		SaveDirectory:    DefaultSaveDirectory,
		MulticastEnabled: true,
		ScanEnabled:      true,
		ScanInterval:     DefaultScanInterval,
		ScanConcurrency:  DefaultScanConcurrency,
		SessionIdleTTL:   DefaultSessionIdleTTL,
		MaxBodySize:      DefaultMaxBodySize,
		InsecureTLS:      true,
	}
	return opts.FromEnv()
}

// FromEnv returns a copy of the options with the environment toggles
// applied. LOCALSEND_INSECURE_TLS unset or "1" allows self-signed peers,
// "0" enforces verification. LOCALSEND_DEBUG_DISCOVERY=1 enables discovery
// tracing.
func (o Options) FromEnv() Options {
	switch os.Getenv("LOCALSEND_INSECURE_TLS") {
	case "", "1":
		o.InsecureTLS = true
	case "0":
		o.InsecureTLS = false
	}
	o.DebugDiscovery = os.Getenv("LOCALSEND_DEBUG_DISCOVERY") == "1"
	return o
}

// Validate checks the options for values the node cannot run with. All
// errors wrap ErrInvalidConfig.
func (o Options) Validate() error {
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("%w: port %d outside [1, 65535]", ErrInvalidConfig, o.Port)
	}
	if o.Protocol != protocol.ProtocolHTTP && o.Protocol != protocol.ProtocolHTTPS {
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidConfig, o.Protocol)
	}
	if o.Alias == "" {
		return fmt.Errorf("%w: empty alias", ErrInvalidConfig)
	}
	if o.SaveDirectory == "" {
		return fmt.Errorf("%w: empty save directory", ErrInvalidConfig)
	}
	if o.ScanConcurrency < 1 {
		return fmt.Errorf("%w: scan concurrency %d < 1", ErrInvalidConfig, o.ScanConcurrency)
	}
	if o.ScanInterval <= 0 {
		return fmt.Errorf("%w: scan interval %v <= 0", ErrInvalidConfig, o.ScanInterval)
	}
	if o.SessionIdleTTL <= 0 {
		return fmt.Errorf("%w: session idle TTL %v <= 0", ErrInvalidConfig, o.SessionIdleTTL)
	}
	if o.MaxBodySize < 1 {
		return fmt.Errorf("%w: max body size %d < 1", ErrInvalidConfig, o.MaxBodySize)
	}
	switch o.DeviceType {
	case protocol.DeviceTypeMobile, protocol.DeviceTypeDesktop, protocol.DeviceTypeWeb,
		protocol.DeviceTypeHeadless, protocol.DeviceTypeServer:
	default:
		return fmt.Errorf("%w: unknown device type %q", ErrInvalidConfig, o.DeviceType)
	}
	return nil
}

// DeviceInfo produces the node's own descriptor, with a fresh random
// fingerprint. Call once per process; the fingerprint identifies this run.
func (o Options) DeviceInfo() protocol.DeviceInfo {
	return protocol.NewLocalDevice(o.Alias, o.DeviceModel, o.DeviceType, o.Port, o.Protocol, o.EnableDownloadAPI)
}
