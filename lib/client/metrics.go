// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricUploadedBytes = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "landrop",
	Subsystem: "client",
	Name:      "uploaded_bytes_total",
	Help:      "Total file content bytes sent to peers",
})
