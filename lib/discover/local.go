// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/thejerf/suture/v4"
	"golang.org/x/time/rate"

	"github.com/landrop/landrop/lib/beacon"
	"github.com/landrop/landrop/lib/osutil"
	"github.com/landrop/landrop/lib/protocol"
	"github.com/landrop/landrop/lib/svcutil"
)

const (
	// BroadcastInterval is how often we re-announce ourselves between the
	// forced announcements. Peers judge liveness by how recently they
	// heard from us, so this keeps our entry fresh in their registries.
	BroadcastInterval = 30 * time.Second

	// replyTimeout caps the HTTP register we send back to a soliciting
	// peer.
	replyTimeout = 5 * time.Second
)

// A RegisterFunc delivers our descriptor to an announcing peer over HTTP.
type RegisterFunc func(ctx context.Context, peer Peer) error

type localClient struct {
	*suture.Supervisor
	device   protocol.DeviceInfo
	registry *Registry
	reply    RegisterFunc

	beacon          beacon.Interface
	localBcastTick  <-chan time.Time
	forcedBcastTick chan time.Time
	replyLimiter    *rate.Limiter
}

// NewLocal returns the multicast announcer and listener for the given
// group address, e.g. "224.0.0.167:53317". reply, when non-nil, answers
// solicitations over HTTP; when it is nil or fails the answer goes out
// over multicast instead.
func NewLocal(device protocol.DeviceInfo, mcAddr string, registry *Registry, reply RegisterFunc) FinderService {
	c := &localClient{
		Supervisor:      suture.New("local", svcutil.SpecWithDebugLogger(l)),
		device:          device,
		registry:        registry,
		reply:           reply,
		beacon:          beacon.NewMulticast(mcAddr),
		localBcastTick:  time.NewTicker(BroadcastInterval).C,
		forcedBcastTick: make(chan time.Time, 1),
		// Enough for a burst of curious peers at startup, slow enough
		// that an announcement storm cannot make us one.
		replyLimiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
	}
	c.Add(c.beacon)
	c.Add(svcutil.AsService(c.recvAnnouncements, fmt.Sprintf("%s/recv", c)))
	c.Add(svcutil.AsService(c.sendAnnouncements, fmt.Sprintf("%s/send", c)))
	return c
}

func (c *localClient) String() string {
	return fmt.Sprintf("localClient@%p", c)
}

func (c *localClient) Error() error {
	return c.beacon.Error()
}

// Refresh queues an extra announcement right away, e.g. because the user
// asked or because our listener just came up.
func (c *localClient) Refresh() {
	select {
	case c.forcedBcastTick <- time.Now():
	default:
	}
}

// announcementPkt returns our descriptor as a datagram payload. Not ok
// when it does not fit, which takes a heroically long alias.
func (c *localClient) announcementPkt(announce bool) ([]byte, bool) {
	msg, err := json.Marshal(protocol.Announcement{DeviceInfo: c.device, Announce: announce})
	if err != nil {
		l.Warnln("Failed to marshal announcement:", err)
		return nil, false
	}
	if len(msg) > protocol.MaxDatagramSize {
		l.Warnf("Announcement is %d bytes, over the %d byte datagram limit; use a shorter alias", len(msg), protocol.MaxDatagramSize)
		return nil, false
	}
	return msg, true
}

func (c *localClient) sendAnnouncements(ctx context.Context) error {
	msg, ok := c.announcementPkt(true)
	if !ok {
		return svcutil.NoRestartErr(errors.New("announcement does not fit in a datagram"))
	}

	// Three sends at 100/500/2000 ms after start; a single datagram is
	// easily lost while interfaces are still coming up.
	for _, gap := range []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1500 * time.Millisecond} {
		select {
		case <-time.After(gap):
		case <-ctx.Done():
			return ctx.Err()
		}
		c.beacon.Send(msg)
		metricAnnouncementsSent.Inc()
	}

	for {
		select {
		case <-c.localBcastTick:
		case <-c.forcedBcastTick:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.beacon.Send(msg)
		metricAnnouncementsSent.Inc()
	}
}

func (c *localClient) recvAnnouncements(ctx context.Context) error {
	b := c.beacon
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		buf, addr := b.Recv()
		if buf == nil {
			// The beacon is down, possibly restarting after a socket
			// error. Don't spin while it gets back on its feet.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		ann, err := protocol.ParseAnnouncement(buf)
		if err != nil {
			metricAnnouncementsRecv.WithLabelValues(metricResultInvalid).Inc()
			l.Debugf("discover: invalid announcement from %s: %v", addr, err)
			continue
		}

		src, err := osutil.IPFromAddr(addr)
		if err != nil || src == nil {
			l.Debugf("discover: no usable source address on announcement from %v", addr)
			continue
		}

		c.handleAnnouncement(ctx, ann, src)
	}
}

func (c *localClient) handleAnnouncement(ctx context.Context, ann protocol.Announcement, src net.IP) {
	if ann.Fingerprint == c.device.Fingerprint {
		metricAnnouncementsRecv.WithLabelValues(metricResultSelf).Inc()
		return
	}
	metricAnnouncementsRecv.WithLabelValues(metricResultOK).Inc()

	ann.IP = src
	if c.registry.Register(ann.DeviceInfo, SourceMulticast) {
		l.Debugf("discover: %s announced from %s", ann.DeviceInfo, src)
	}

	if !ann.Announce {
		// A response, not a solicitation.
		return
	}
	if !c.replyLimiter.Allow() {
		l.Debugln("discover: reply budget exhausted, not answering", ann.DeviceInfo)
		return
	}
	go c.answer(ctx, Peer{DeviceInfo: ann.DeviceInfo, LastSeen: time.Now(), Source: SourceMulticast})
}

// answer tells a soliciting peer about us, preferring a directed HTTP
// register over shouting on the group again.
func (c *localClient) answer(ctx context.Context, peer Peer) {
	if c.reply != nil {
		ctx, cancel := context.WithTimeout(ctx, replyTimeout)
		defer cancel()
		if err := c.reply(ctx, peer); err == nil {
			metricReplies.WithLabelValues(metricTransportHTTP).Inc()
			return
		} else if ctx.Err() != nil {
			return
		} else {
			l.Debugf("discover: register with %s failed: %v, answering over multicast", peer.DeviceInfo, err)
		}
	}
	if msg, ok := c.announcementPkt(false); ok {
		c.beacon.Send(msg)
		metricReplies.WithLabelValues(metricTransportMulticast).Inc()
	}
}
