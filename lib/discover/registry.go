// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"sort"
	"strings"
	"time"

	"github.com/landrop/landrop/lib/events"
	"github.com/landrop/landrop/lib/protocol"
	"github.com/landrop/landrop/lib/sync"
)

// The Registry remembers peers seen by any discovery mechanism, keyed by
// fingerprint. Entries are never evicted within a run: a stale peer costs
// one failed connection attempt to find out, and the next sighting
// refreshes it.
type Registry struct {
	self     string
	evLogger *events.Logger

	mut   sync.RWMutex
	peers map[string]Peer
}

// NewRegistry returns a registry that drops descriptors carrying the
// given own fingerprint.
func NewRegistry(self string, evLogger *events.Logger) *Registry {
	return &Registry{
		self:     self,
		evLogger: evLogger,
		mut:      sync.NewRWMutex(),
		peers:    make(map[string]Peer),
	}
}

// Register records a peer seen just now through the given source. The
// descriptor must carry the address it was seen at in its IP field.
// Every sighting, repeat or not, updates the entry and emits a
// PeerDiscovered event so subscribers can keep freshness timestamps
// current. The return value is true when the peer is new or has moved.
// Invalid descriptors and our own fingerprint are dropped.
func (r *Registry) Register(device protocol.DeviceInfo, source string) bool {
	if device.Fingerprint == r.self {
		return false
	}
	if err := device.Validate(); err != nil {
		l.Debugf("discover: not registering %s: %v", device, err)
		return false
	}
	if device.IP == nil {
		l.Debugf("discover: not registering %s: no address", device)
		return false
	}

	r.mut.Lock()
	old, known := r.peers[device.Fingerprint]
	r.peers[device.Fingerprint] = Peer{DeviceInfo: device, LastSeen: time.Now(), Source: source}
	metricPeers.Set(float64(len(r.peers)))
	r.mut.Unlock()

	r.evLogger.Log(events.PeerDiscovered, map[string]interface{}{
		"alias":       device.Alias,
		"fingerprint": device.Fingerprint,
		"address":     device.Addr(),
		"deviceType":  device.DeviceType,
		"source":      source,
	})
	return !known || !old.IP.Equal(device.IP) || old.Port != device.Port
}

// Lookup returns the peer with exactly the given fingerprint.
func (r *Registry) Lookup(fingerprint string) (Peer, bool) {
	r.mut.RLock()
	p, ok := r.peers[fingerprint]
	r.mut.RUnlock()
	return p, ok
}

// LookupPrefix returns the single peer whose fingerprint starts with the
// given prefix. When no peer or more than one peer matches, ok is false.
func (r *Registry) LookupPrefix(prefix string) (Peer, bool) {
	if prefix == "" {
		return Peer{}, false
	}
	var found Peer
	matches := 0
	r.mut.RLock()
	for fp, p := range r.peers {
		if strings.HasPrefix(fp, prefix) {
			found = p
			matches++
		}
	}
	r.mut.RUnlock()
	if matches != 1 {
		return Peer{}, false
	}
	return found, true
}

// Peers returns all known peers, sorted by alias for stable listings.
func (r *Registry) Peers() []Peer {
	r.mut.RLock()
	ps := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		ps = append(ps, p)
	}
	r.mut.RUnlock()

	sort.Slice(ps, func(a, b int) bool {
		if ps[a].Alias != ps[b].Alias {
			return ps[a].Alias < ps[b].Alias
		}
		return ps[a].Fingerprint < ps[b].Fingerprint
	})
	return ps
}
