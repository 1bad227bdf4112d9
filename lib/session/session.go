// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package session owns the receive side of a transfer: admitting one
// sender at a time, minting file tokens, writing chunks to disk and
// cleaning up whatever does not complete.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/landrop/landrop/lib/events"
	"github.com/landrop/landrop/lib/protocol"
	"github.com/landrop/landrop/lib/rand"
	"github.com/landrop/landrop/lib/sync"
)

const (
	// Session ids and file tokens are 128 bit random strings.
	sessionIDBytes = 16
	tokenBytes     = 16

	// DefaultIdleTTL ends sessions whose sender went away without
	// cancelling.
	DefaultIdleTTL = 10 * time.Minute

	sweepInterval = 30 * time.Second
)

// How a session ended, as carried on the SessionEnded event.
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusReplaced  = "replaced"
	StatusExpired   = "expired"
	StatusShutdown  = "shutdown"
)

var (
	// ErrBlocked means another sender's session is active.
	ErrBlocked = errors.New("blocked by another session")
	// ErrSessionNotFound means the id names no active session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrFileNotFound means the file id was not accepted in this session.
	ErrFileNotFound = errors.New("file not found in session")
	// ErrBadToken means the token does not match the file.
	ErrBadToken = errors.New("invalid file token")
	// ErrIPMismatch means a request came from an address other than the
	// one that opened the session.
	ErrIPMismatch = errors.New("request from a different address")
	// ErrFileComplete means all of the file's bytes already arrived.
	ErrFileComplete = errors.New("file already received")
	// ErrFileBusy means another chunk for the same file is in flight.
	ErrFileBusy = errors.New("another chunk for this file is in flight")
	// ErrOutOfOrder means the chunk does not start where the last one
	// ended.
	ErrOutOfOrder = errors.New("chunk out of order")
	// ErrSizeMismatch means the range or the body disagrees with the
	// declared file size.
	ErrSizeMismatch = errors.New("size does not match the declared file size")
)

// A Session is one sender delivering one accepted batch of files.
type Session struct {
	ID        string
	Sender    protocol.DeviceInfo
	ClientIP  net.IP
	CreatedAt time.Time

	lastActive time.Time
	files      map[string]*fileState
}

// fileState tracks one accepted file through its upload. The manager's
// lock guards all fields; the handle is only written through a
// ChunkWriter while busy is set.
type fileState struct {
	info     protocol.FileInfo
	token    string
	path     string
	received int64
	busy     bool
	complete bool
	started  time.Time
	handle   *os.File
}

// The Manager admits at most one session at a time and owns all file
// handles below the save directory.
type Manager struct {
	saveDir  string
	idleTTL  time.Duration
	evLogger *events.Logger

	mut     sync.Mutex
	current *Session
}

func NewManager(saveDir string, idleTTL time.Duration, evLogger *events.Logger) *Manager {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Manager{
		saveDir:  saveDir,
		idleTTL:  idleTTL,
		evLogger: evLogger,
		mut:      sync.NewMutex(),
	}
}

// CreateSession admits a sender and mints tokens for the accepted files.
// Only one session runs at a time: a different address asking while one
// is active gets ErrBlocked, while the same address asking again starts
// over and voids whatever was in flight.
func (m *Manager) CreateSession(sender protocol.DeviceInfo, from net.IP, accepted map[string]protocol.FileInfo) (string, map[string]string, error) {
	if len(accepted) == 0 {
		return "", nil, errors.New("no files accepted")
	}
	if from == nil {
		return "", nil, errors.New("no client address")
	}
	if err := os.MkdirAll(m.saveDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating save directory: %w", err)
	}

	m.mut.Lock()
	defer m.mut.Unlock()

	if s := m.current; s != nil {
		if !from.Equal(s.ClientIP) {
			return "", nil, ErrBlocked
		}
		m.endLocked(s, StatusReplaced)
	}

	now := time.Now()
	s := &Session{
		ID:         rand.HexString(sessionIDBytes),
		Sender:     sender,
		ClientIP:   from,
		CreatedAt:  now,
		lastActive: now,
		files:      make(map[string]*fileState, len(accepted)),
	}

	tokens := make(map[string]string, len(accepted))
	claimed := make(map[string]struct{}, len(accepted))
	var totalBytes int64
	for id, info := range accepted {
		name, err := DestinationName(info.FileName)
		if err != nil {
			return "", nil, fmt.Errorf("file %s: %w", id, err)
		}
		token := rand.HexString(tokenBytes)
		s.files[id] = &fileState{
			info:  info,
			token: token,
			path:  batchPath(m.saveDir, name, claimed),
		}
		tokens[id] = token
		totalBytes += info.Size
	}

	m.current = s
	metricSessionsStarted.Inc()
	m.evLogger.Log(events.SessionStarted, map[string]interface{}{
		"session":     s.ID,
		"alias":       sender.Alias,
		"fingerprint": sender.Fingerprint,
		"address":     from.String(),
		"files":       len(accepted),
		"bytes":       totalBytes,
	})
	l.Infof("Receiving %d file(s), %d bytes, from %s [%s]", len(accepted), totalBytes, sender.Alias, from)
	return s.ID, tokens, nil
}

// BlockedFor reports whether a prepare from this address would be turned
// away because another sender's session is running. The authoritative
// check is in CreateSession; this exists to answer early, before anyone
// is asked to approve a transfer that cannot be admitted.
func (m *Manager) BlockedFor(from net.IP) bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.current != nil && (from == nil || !from.Equal(m.current.ClientIP))
}

// Cancel ends the identified session no matter who asks. Unknown ids are
// fine; cancelling is idempotent.
func (m *Manager) Cancel(sessionID string) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if m.current == nil || m.current.ID != sessionID {
		return
	}
	m.endLocked(m.current, StatusCancelled)
}

// CancelFrom is Cancel with the address check applied to requests coming
// off the wire: only the address that opened a session may cancel it.
func (m *Manager) CancelFrom(sessionID string, from net.IP) {
	m.mut.Lock()
	defer m.mut.Unlock()
	s := m.current
	if s == nil || s.ID != sessionID {
		return
	}
	if from == nil || !from.Equal(s.ClientIP) {
		l.Debugf("session: ignoring cancel of %s from %v", sessionID, from)
		return
	}
	m.endLocked(s, StatusCancelled)
}

// CancelAll ends the active session, if any, with the given status.
func (m *Manager) CancelAll(status string) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if m.current != nil {
		m.endLocked(m.current, status)
	}
}

// endLocked tears the session down: handles are closed and the end event
// emitted. Partial files stay on disk; there is no rename-on-commit to
// undo. The caller holds the lock.
func (m *Manager) endLocked(s *Session, status string) {
	completed := 0
	var received int64
	for _, file := range s.files {
		received += file.received
		if file.handle != nil {
			file.handle.Close()
			file.handle = nil
		}
		if file.complete {
			completed++
		}
	}
	m.current = nil
	metricSessionsEnded.WithLabelValues(status).Inc()
	m.evLogger.Log(events.SessionEnded, map[string]interface{}{
		"session":        s.ID,
		"status":         status,
		"files":          len(s.files),
		"filesCompleted": completed,
		"bytesReceived":  received,
	})
	l.Infof("Session from %s ended: %s (%d/%d files)", s.Sender.Alias, status, completed, len(s.files))
}

// expire ends the session when nothing has moved for the idle TTL. An
// open chunk counts as movement even when it is slow.
func (m *Manager) expire(now time.Time) {
	m.mut.Lock()
	defer m.mut.Unlock()
	s := m.current
	if s == nil {
		return
	}
	for _, file := range s.files {
		if file.busy {
			return
		}
	}
	if now.Sub(s.lastActive) > m.idleTTL {
		l.Infof("Session from %s idle for %v, expiring", s.Sender.Alias, now.Sub(s.lastActive).Truncate(time.Second))
		m.endLocked(s, StatusExpired)
	}
}

// Serve sweeps for idle sessions until the context ends, then cancels
// whatever is still active.
func (m *Manager) Serve(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.CancelAll(StatusShutdown)
			return ctx.Err()
		case now := <-ticker.C:
			m.expire(now)
		}
	}
}

func (m *Manager) String() string {
	return fmt.Sprintf("sessionManager@%p", m)
}
