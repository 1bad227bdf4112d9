// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "landrop",
		Subsystem: "session",
		Name:      "sessions_started_total",
		Help:      "Number of receive sessions admitted.",
	})
	metricSessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "landrop",
		Subsystem: "session",
		Name:      "sessions_ended_total",
		Help:      "Number of receive sessions ended, by status.",
	}, []string{"status"})
	metricFilesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "landrop",
		Subsystem: "session",
		Name:      "files_received_total",
		Help:      "Number of files received completely.",
	})
	metricReceivedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "landrop",
		Subsystem: "session",
		Name:      "received_bytes_total",
		Help:      "Number of file payload bytes written to disk.",
	})
)
