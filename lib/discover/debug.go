// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"os"

	"github.com/landrop/landrop/lib/logger"
)

var l = logger.DefaultLogger.NewFacility("discover", "Peer discovery")

func init() {
	// The upstream protocol documents this toggle, so honor it alongside
	// the usual trace variable.
	if os.Getenv("LOCALSEND_DEBUG_DISCOVERY") == "1" {
		logger.DefaultLogger.SetDebug("discover", true)
	}
}
