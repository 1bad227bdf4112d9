// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAnnouncementsRecv = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "landrop",
		Subsystem: "discover",
		Name:      "announcements_recv_total",
		Help:      "Total number of multicast announcements received, by result (ok/self/invalid)",
	}, []string{"result"})
	metricAnnouncementsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "landrop",
		Subsystem: "discover",
		Name:      "announcements_sent_total",
		Help:      "Total number of multicast announcements sent",
	})
	metricReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "landrop",
		Subsystem: "discover",
		Name:      "register_replies_total",
		Help:      "Total number of answers to soliciting announcements, by transport (http/multicast)",
	}, []string{"transport"})

	metricScans = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "landrop",
		Subsystem: "discover",
		Name:      "scans_total",
		Help:      "Total number of subnet sweeps",
	})
	metricScanHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "landrop",
		Subsystem: "discover",
		Name:      "scan_hits_total",
		Help:      "Total number of scan probes that turned up a new or moved device",
	})

	metricPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "landrop",
		Subsystem: "discover",
		Name:      "known_peers",
		Help:      "Number of peers currently in the registry",
	})
)

const (
	metricResultOK      = "ok"
	metricResultSelf    = "self"
	metricResultInvalid = "invalid"

	metricTransportHTTP      = "http"
	metricTransportMulticast = "multicast"
)
