// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"os"
	"runtime"

	"github.com/landrop/landrop/lib/protocol"
)

// inferDeviceType guesses what kind of device we are running on. A desktop
// OS without a display server is taken to be headless; an SSH session on
// such a box suggests a server. The guess only affects how peers render
// us, nothing functional.
func inferDeviceType() protocol.DeviceType {
	switch runtime.GOOS {
	case "android", "ios":
		return protocol.DeviceTypeMobile
	case "linux", "freebsd", "netbsd", "openbsd", "solaris":
		if os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "" {
			if os.Getenv("SSH_CONNECTION") != "" {
				return protocol.DeviceTypeServer
			}
			return protocol.DeviceTypeHeadless
		}
	}
	return protocol.DeviceTypeDesktop
}
