// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/landrop/landrop/lib/events"
	"github.com/landrop/landrop/lib/protocol"
)

// A ChunkWriter streams one chunk's bytes to disk. It accepts exactly
// the declared range; finish with Commit on success or Abort after a
// failed body read.
type ChunkWriter struct {
	m       *Manager
	session *Session
	file    *fileState
	rng     protocol.ContentRange
	handle  *os.File
	started time.Time
	written int64
	done    bool
}

// ChunkResult tells the caller how far the file and the session got, so
// the response can be phrased accordingly.
type ChunkResult struct {
	FileReceived int64
	FileSize     int64
	FileComplete bool
	Path         string
	SessionDone  bool
}

// FileName is the sender's name for the file, for progress reporting.
func (w *ChunkWriter) FileName() string {
	return w.file.info.FileName
}

// FileSize is the declared size of the whole file.
func (w *ChunkWriter) FileSize() int64 {
	return w.rng.Total
}

// Received is how many bytes of the file are on disk including this
// chunk so far. Only valid from the goroutine driving the writer.
func (w *ChunkWriter) Received() int64 {
	return w.rng.Start + w.written
}

// Started is when the file's first byte arrived.
func (w *ChunkWriter) Started() time.Time {
	return w.started
}

// BeginChunk authorizes one incoming chunk and stages a writer for it.
// A nil range means the whole file arrives in this one request. The
// checks run in a fixed order so the caller can map each error to a
// status code: unknown session, unknown file, bad token, wrong address,
// then range problems.
func (m *Manager) BeginChunk(sessionID, fileID, token string, from net.IP, rng *protocol.ContentRange) (*ChunkWriter, error) {
	m.mut.Lock()
	s := m.current
	if s == nil || s.ID != sessionID {
		m.mut.Unlock()
		return nil, ErrSessionNotFound
	}
	file, ok := s.files[fileID]
	if !ok {
		m.mut.Unlock()
		return nil, ErrFileNotFound
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(file.token)) != 1 {
		m.mut.Unlock()
		return nil, ErrBadToken
	}
	if from == nil || !from.Equal(s.ClientIP) {
		m.mut.Unlock()
		return nil, ErrIPMismatch
	}
	if file.complete {
		m.mut.Unlock()
		return nil, ErrFileComplete
	}
	if file.busy {
		m.mut.Unlock()
		return nil, ErrFileBusy
	}
	r := protocol.WholeFileRange(file.info.Size)
	if rng != nil {
		r = *rng
	}
	if r.Total != file.info.Size {
		m.mut.Unlock()
		return nil, ErrSizeMismatch
	}
	// A restart from zero is always allowed; anything else must pick up
	// exactly where the previous chunk ended.
	if r.Start != 0 && r.Start != file.received {
		m.mut.Unlock()
		return nil, ErrOutOfOrder
	}
	file.busy = true
	path := file.path
	oldHandle := file.handle
	m.mut.Unlock()

	handle, err := openChunk(path, oldHandle, r.Start)
	if err != nil {
		m.mut.Lock()
		file.busy = false
		if file.handle == oldHandle && r.Start == 0 {
			file.handle = nil // closed by openChunk
		}
		m.mut.Unlock()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	m.mut.Lock()
	if m.current != s {
		// The session went away while we opened the file.
		m.mut.Unlock()
		handle.Close()
		return nil, ErrSessionNotFound
	}
	file.handle = handle
	if r.Start == 0 {
		file.received = 0
		file.started = time.Now()
	}
	s.lastActive = time.Now()
	started := file.started
	m.mut.Unlock()

	return &ChunkWriter{
		m:       m,
		session: s,
		file:    file,
		rng:     r,
		handle:  handle,
		started: started,
	}, nil
}

// openChunk readies a file handle positioned at start. Start zero
// truncates; otherwise the handle kept from the previous chunk is
// already positioned and gets reused.
func openChunk(path string, oldHandle *os.File, start int64) (*os.File, error) {
	if start == 0 {
		if oldHandle != nil {
			oldHandle.Close()
		}
		return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	}
	if oldHandle != nil {
		return oldHandle, nil
	}
	handle, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := handle.Seek(start, io.SeekStart); err != nil {
		handle.Close()
		return nil, err
	}
	return handle, nil
}

func (w *ChunkWriter) Write(p []byte) (int, error) {
	if w.written+int64(len(p)) > w.rng.Size() {
		return 0, ErrSizeMismatch
	}
	n, err := w.handle.Write(p)
	w.written += int64(n)
	return n, err
}

// Commit records the chunk and reports where the file and session stand.
// A short body counts as a failed chunk and rolls back like Abort.
func (w *ChunkWriter) Commit() (ChunkResult, error) {
	if w.done {
		return ChunkResult{}, fmt.Errorf("chunk already finished")
	}
	w.done = true

	if w.written != w.rng.Size() {
		w.rollback()
		return ChunkResult{}, ErrSizeMismatch
	}

	m := w.m
	m.mut.Lock()
	defer m.mut.Unlock()

	w.file.busy = false
	if m.current != w.session {
		w.handle.Close()
		return ChunkResult{}, ErrSessionNotFound
	}

	w.file.received = w.rng.Start + w.written
	w.session.lastActive = time.Now()
	metricReceivedBytes.Add(float64(w.written))

	res := ChunkResult{
		FileReceived: w.file.received,
		FileSize:     w.file.info.Size,
	}
	if !w.rng.Terminal() {
		return res, nil
	}

	if err := w.handle.Close(); err != nil {
		// The close flushed and failed; the tail of the file is suspect.
		// Roll back so the sender can retry the chunk.
		w.file.handle = nil
		w.file.received = w.rng.Start
		if terr := os.Truncate(w.file.path, w.rng.Start); terr != nil {
			l.Debugln("truncate after failed close:", terr)
		}
		return ChunkResult{}, fmt.Errorf("closing %s: %w", w.file.path, err)
	}
	w.file.handle = nil
	w.file.complete = true
	res.FileComplete = true
	res.Path = w.file.path
	metricFilesReceived.Inc()
	m.evLogger.Log(events.FileCompleted, map[string]interface{}{
		"session": w.session.ID,
		"file":    fileIDOf(w.session, w.file),
		"name":    w.file.info.FileName,
		"path":    w.file.path,
		"bytes":   w.file.info.Size,
	})
	l.Infof("Received %s (%d bytes) from %s", w.file.info.FileName, w.file.info.Size, w.session.Sender.Alias)

	for _, other := range w.session.files {
		if !other.complete {
			return res, nil
		}
	}
	res.SessionDone = true
	m.endLocked(w.session, StatusCompleted)
	return res, nil
}

// Abort discards the chunk after a failed body read and rolls the file
// back to the chunk start so the sender can retry it.
func (w *ChunkWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.rollback()
}

func (w *ChunkWriter) rollback() {
	w.handle.Close()
	m := w.m
	m.mut.Lock()
	defer m.mut.Unlock()
	w.file.busy = false
	if m.current != w.session {
		return
	}
	if w.file.handle == w.handle {
		w.file.handle = nil
	}
	w.file.received = w.rng.Start
	if err := os.Truncate(w.file.path, w.rng.Start); err != nil && !os.IsNotExist(err) {
		l.Debugln("truncate after failed chunk:", err)
	}
}

// fileIDOf recovers the map key for an event; sessions are small enough
// that a scan beats carrying the id around.
func fileIDOf(s *Session, file *fileState) string {
	for id, f := range s.files {
		if f == file {
			return id
		}
	}
	return ""
}
