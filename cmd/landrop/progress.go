// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/landrop/landrop/lib/node"
	"github.com/landrop/landrop/lib/protocol"
)

// consoleProgress renders upload progress, one line per piece going out
// and a summary line with the rate once a file is through.
func consoleProgress(w io.Writer) node.SendProgressFunc {
	started := make(map[string]time.Time)
	return func(file protocol.FileInfo, sent, total int64, finished bool) {
		t0, ok := started[file.ID]
		if !ok {
			t0 = time.Now()
			started[file.ID] = t0
		}
		switch {
		case finished:
			rate := 0.0
			if elapsed := time.Since(t0).Seconds(); elapsed > 0 {
				rate = float64(total) / elapsed / 1024 / 1024
			}
			fmt.Fprintf(w, "%s: %.01f MiB, done (%.01f MiB/s)\n", file.FileName, mib(total), rate)
			delete(started, file.ID)
		case total > 0:
			fmt.Fprintf(w, "%s: %d%% (%.01f of %.01f MiB)\n", file.FileName, 100*sent/total, mib(sent), mib(total))
		}
	}
}

func mib(n int64) float64 {
	return float64(n) / 1024 / 1024
}
