// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"github.com/landrop/landrop/lib/logger"
)

var (
	l     = logger.DefaultLogger.NewFacility("api", "Transfer protocol endpoints")
	httpl = logger.DefaultLogger.NewFacility("http", "HTTP request tracing")
)

func shouldDebugHTTP() bool {
	return httpl.ShouldDebug("http")
}
