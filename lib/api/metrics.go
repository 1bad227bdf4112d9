// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "landrop",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Number of protocol requests handled, by endpoint",
	}, []string{"endpoint"})
	metricPINRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "landrop",
		Subsystem: "api",
		Name:      "pin_rejected_total",
		Help:      "Number of prepare-upload requests turned away by the PIN gate",
	})
)
