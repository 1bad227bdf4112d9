// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package build

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"
)

var (
	// Injected by build script
	Version = "unknown-dev"
	Host    = "unknown"
	User    = "unknown"
	Stamp   = "0"

	// Set by init()
	Date        time.Time
	IsRelease   bool
	IsBeta      bool
	LongVersion string
)

func init() {
	// A release is a plain tag like "v1.2.3", optionally with a suffix of
	// letters and dot separated numbers like "-beta3.47". Anything with a
	// dash in it is some sort of beta or special build, which enables some
	// extra debugging (the deadlock detector).
	IsRelease = !strings.Contains(Version, "+")
	IsBeta = strings.Contains(Version, "-")

	stamp, _ := strconv.Atoi(Stamp)
	Date = time.Unix(int64(stamp), 0)

	date := Date.UTC().Format("2006-01-02 15:04:05 MST")
	LongVersion = fmt.Sprintf(`landrop %s (%s %s-%s) %s@%s %s`, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH, User, Host, date)
}
