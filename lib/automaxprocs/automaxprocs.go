// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package automaxprocs adjusts GOMAXPROCS to match any container CPU quota
// when imported.
package automaxprocs

import (
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/landrop/landrop/lib/logger"
)

var l = logger.DefaultLogger.NewFacility("automaxprocs", "Adjustment of GOMAXPROCS to container limits")

func init() {
	maxprocs.Set(maxprocs.Logger(l.Debugf))
}
