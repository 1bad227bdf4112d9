// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"context"
	"fmt"
	"net"
	stdsync "sync"
	"time"

	"github.com/landrop/landrop/lib/osutil"
	"github.com/landrop/landrop/lib/protocol"
	"github.com/landrop/landrop/lib/semaphore"
)

// probeTimeout is per candidate address. Anything on a LAN answers well
// within this; anything slower is not worth waiting for.
const probeTimeout = time.Second

// A ProbeFunc asks one address for its device descriptor, typically with a
// GET of the info endpoint.
type ProbeFunc func(ctx context.Context, ip net.IP, port int) (protocol.DeviceInfo, error)

type scanner struct {
	device      protocol.DeviceInfo
	registry    *Registry
	interval    time.Duration
	concurrency int
	probe       ProbeFunc
	addrs       func() ([]net.IP, error)
	forced      chan struct{}
}

// NewScanner returns the subnet sweep service. Every interval it probes the
// /24 neighborhoods of the local interface addresses on our own port,
// at most concurrency probes in flight. The first sweep starts immediately.
func NewScanner(device protocol.DeviceInfo, registry *Registry, interval time.Duration, concurrency int, probe ProbeFunc) FinderService {
	return &scanner{
		device:      device,
		registry:    registry,
		interval:    interval,
		concurrency: concurrency,
		probe:       probe,
		addrs:       osutil.LocalIPv4Addrs,
		forced:      make(chan struct{}, 1),
	}
}

func (s *scanner) String() string {
	return fmt.Sprintf("scanner@%p", s)
}

func (*scanner) Error() error { return nil }

// Refresh queues an extra sweep. Sweeps never overlap; a refresh during a
// running sweep means one more afterwards.
func (s *scanner) Refresh() {
	select {
	case s.forced <- struct{}{}:
	default:
	}
}

func (s *scanner) Serve(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-s.forced:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		s.scan(ctx)
		timer.Reset(s.interval)
	}
}

func (s *scanner) scan(ctx context.Context) {
	t0 := time.Now()
	metricScans.Inc()

	own, err := s.addrs()
	if err != nil {
		l.Debugln("discover: enumerating interfaces:", err)
		return
	}
	candidates := scanCandidates(own)

	sem := semaphore.New(s.concurrency)
	var wg stdsync.WaitGroup
	for _, ip := range candidates {
		if err := sem.TakeWithContext(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(ip net.IP) {
			defer wg.Done()
			defer sem.Give(1)

			ctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			device, err := s.probe(ctx, ip, s.device.Port)
			if err != nil {
				// The usual case; nothing lives there.
				return
			}
			if device.Fingerprint == s.device.Fingerprint {
				return
			}
			device.IP = ip
			if s.registry.Register(device, SourceScan) {
				metricScanHits.Inc()
				l.Debugf("discover: %s found at %s by scan", device, ip)
			}
		}(ip)
	}
	wg.Wait()

	l.Debugf("discover: swept %d addresses in %v", len(candidates), time.Since(t0))
}

// scanCandidates derives the /24 around each own address, whatever the
// actual prefix length, and returns every other host address in those
// networks. Home networks are almost always /24s, and probing 254
// addresses is cheap; following a wider real prefix would not be.
func scanCandidates(own []net.IP) []net.IP {
	ownSet := make(map[string]struct{}, len(own))
	for _, ip := range own {
		ownSet[ip.String()] = struct{}{}
	}

	seen := make(map[string]struct{})
	var out []net.IP
	for _, ip := range own {
		ip = ip.To4()
		if ip == nil {
			continue
		}
		prefix := ip.Mask(net.CIDRMask(24, 32))
		if _, ok := seen[prefix.String()]; ok {
			continue
		}
		seen[prefix.String()] = struct{}{}

		for host := 1; host <= 254; host++ {
			cand := net.IPv4(prefix[0], prefix[1], prefix[2], byte(host)).To4()
			if _, ok := ownSet[cand.String()]; ok {
				continue
			}
			out = append(out, cand)
		}
	}
	return out
}
