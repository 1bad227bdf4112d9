// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/landrop/landrop/lib/discover"
	"github.com/landrop/landrop/lib/events"
	"github.com/landrop/landrop/lib/osutil"
	"github.com/landrop/landrop/lib/protocol"
	"github.com/landrop/landrop/lib/session"
)

const (
	// Metadata bodies are tiny; a prepare-upload for thousands of files
	// still fits with room to spare.
	maxJSONBody = 4 << 20

	// Progress reports fire at most this often while a chunk streams in,
	// plus once at every chunk boundary.
	progressInterval = 100 * time.Millisecond

	// Upload bodies stream through a bounded buffer; disk speed throttles
	// the sender through TCP backpressure.
	copyBufferSize = 1 << 20
)

type message struct {
	Message string `json:"message"`
}

type chunkReceived struct {
	Message       string `json:"message"`
	BytesReceived int64  `json:"bytesReceived"`
	TotalBytes    int64  `json:"totalBytes"`
}

func sendError(w http.ResponseWriter, code int, msg string) {
	bs, _ := json.Marshal(message{msg})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(append(bs, '\n'))
}

func (s *service) getInfo(w http.ResponseWriter, _ *http.Request) {
	metricRequests.WithLabelValues("info").Inc()
	sendJSON(w, s.device)
}

// postRegister records the peer that introduced itself and answers with
// our own descriptor, completing the two way exchange.
func (s *service) postRegister(w http.ResponseWriter, r *http.Request) {
	metricRequests.WithLabelValues("register").Inc()

	var peer protocol.DeviceInfo
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&peer); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid body")
		return
	}
	peer.Normalize()
	if err := peer.Validate(); err != nil {
		l.Debugln("register:", err)
		sendError(w, http.StatusBadRequest, "Invalid body")
		return
	}
	peer.IP = osutil.IPFromString(r.RemoteAddr)
	s.registry.Register(peer, discover.SourceRegister)
	sendJSON(w, s.device)
}

func (s *service) postPrepareUpload(w http.ResponseWriter, r *http.Request) {
	metricRequests.WithLabelValues("prepare-upload").Inc()

	if !s.checkPIN(w, r) {
		return
	}

	var req protocol.PrepareUploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid body")
		return
	}
	req.Info.Normalize()
	if err := req.Validate(); err != nil {
		l.Debugln("prepare-upload:", err)
		sendError(w, http.StatusBadRequest, "Invalid body")
		return
	}

	from := osutil.IPFromString(r.RemoteAddr)
	req.Info.IP = from
	s.registry.Register(req.Info, discover.SourceRegister)

	s.evLogger.Log(events.TransferRequested, map[string]interface{}{
		"alias":       req.Info.Alias,
		"fingerprint": req.Info.Fingerprint,
		"address":     req.Info.Addr(),
		"files":       len(req.Files),
	})

	// Answer 409 before bothering anyone with an approval prompt for a
	// transfer that cannot be admitted anyway.
	if s.sessions.BlockedFor(from) {
		sendError(w, http.StatusConflict, "Blocked by another session")
		return
	}

	// A matching PIN stands in for consent, so the observer is only
	// consulted when no PIN is configured.
	if s.cfg.PIN == "" && !s.observer.OnTransferRequest(req.Info, req.Files) {
		s.evLogger.Log(events.TransferRejected, map[string]interface{}{
			"alias":       req.Info.Alias,
			"fingerprint": req.Info.Fingerprint,
			"files":       len(req.Files),
		})
		sendError(w, http.StatusForbidden, "Rejected")
		return
	}

	id, tokens, err := s.sessions.CreateSession(req.Info, from, req.Files)
	switch {
	case errors.Is(err, session.ErrBlocked):
		sendError(w, http.StatusConflict, "Blocked by another session")
		return
	case errors.Is(err, session.ErrBadFileName):
		sendError(w, http.StatusBadRequest, "Invalid body")
		return
	case err != nil:
		l.Warnln("Creating session:", err)
		sendError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	sendJSON(w, protocol.PrepareUploadResponse{SessionID: id, Files: tokens})
}

// checkPIN enforces the PIN gate on prepare-upload. When the node requires
// a PIN, 401 tells the sender to ask its user and retry; nothing else about
// the request is looked at first.
func (s *service) checkPIN(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.PIN == "" {
		return true
	}
	pin := r.URL.Query().Get("pin")
	if subtle.ConstantTimeCompare([]byte(pin), []byte(s.cfg.PIN)) == 1 {
		return true
	}
	metricPINRejected.Inc()
	l.Debugf("api: pin mismatch from %s", r.RemoteAddr)
	sendError(w, http.StatusUnauthorized, "PIN required")
	return false
}

func (s *service) postUpload(w http.ResponseWriter, r *http.Request) {
	metricRequests.WithLabelValues("upload").Inc()

	query := r.URL.Query()
	sessionID := query.Get("sessionId")
	fileID := query.Get("fileId")
	token := query.Get("token")
	if sessionID == "" || fileID == "" || token == "" {
		sendError(w, http.StatusBadRequest, "Missing parameters")
		return
	}

	var rng *protocol.ContentRange
	if hdr := r.Header.Get(protocol.ContentRangeHeader); hdr != "" {
		parsed, err := protocol.ParseContentRange(hdr)
		if err != nil {
			sendError(w, http.StatusBadRequest, "Malformed content range")
			return
		}
		rng = &parsed
	}

	from := osutil.IPFromString(r.RemoteAddr)
	cw, err := s.sessions.BeginChunk(sessionID, fileID, token, from, rng)
	if err != nil {
		sendChunkError(w, err)
		return
	}

	pw := newProgressWriter(s, sessionID, fileID, cw)
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)
	if _, err := io.CopyBuffer(pw, body, make([]byte, copyBufferSize)); err != nil {
		cw.Abort()
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			sendError(w, http.StatusRequestEntityTooLarge, "Body too large")
		case errors.Is(err, session.ErrSizeMismatch):
			sendError(w, http.StatusBadRequest, "Body exceeds the declared size")
		default:
			l.Infoln("Upload interrupted:", err)
			sendError(w, http.StatusInternalServerError, "Upload interrupted")
		}
		return
	}

	res, err := cw.Commit()
	if err != nil {
		sendChunkError(w, err)
		return
	}

	if res.FileComplete {
		pw.finish(res)
		sendJSON(w, message{"File received"})
		return
	}
	pw.report(false, nil)
	sendJSON(w, chunkReceived{
		Message:       "Chunk received",
		BytesReceived: res.FileReceived,
		TotalBytes:    res.FileSize,
	})
}

// sendChunkError maps the session error taxonomy onto status codes: gone
// things are 404, identity problems 403, protocol misuse 400.
func sendChunkError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		sendError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, session.ErrFileNotFound):
		sendError(w, http.StatusNotFound, "File not found in session")
	case errors.Is(err, session.ErrFileComplete):
		sendError(w, http.StatusNotFound, "File already received")
	case errors.Is(err, session.ErrBadToken):
		sendError(w, http.StatusForbidden, "Invalid token")
	case errors.Is(err, session.ErrIPMismatch):
		sendError(w, http.StatusForbidden, "Invalid address")
	case errors.Is(err, session.ErrFileBusy):
		sendError(w, http.StatusBadRequest, "Chunk already in flight")
	case errors.Is(err, session.ErrOutOfOrder):
		sendError(w, http.StatusBadRequest, "Chunk out of order")
	case errors.Is(err, session.ErrSizeMismatch):
		sendError(w, http.StatusBadRequest, "Size mismatch")
	default:
		l.Warnln("Upload:", err)
		sendError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *service) postCancel(w http.ResponseWriter, r *http.Request) {
	metricRequests.WithLabelValues("cancel").Inc()

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sendError(w, http.StatusBadRequest, "Missing parameters")
		return
	}
	s.sessions.CancelFrom(sessionID, osutil.IPFromString(r.RemoteAddr))
	// Cancelling is idempotent; an unknown or already ended session is
	// still a success.
	sendJSON(w, message{"Session canceled"})
}

// A progressWriter feeds the observer and the event bus while a chunk body
// streams through it, rate limited so a fast sender does not turn progress
// into a firehose.
type progressWriter struct {
	svc       *service
	sessionID string
	fileID    string
	cw        *session.ChunkWriter
	limiter   *rate.Limiter
}

func newProgressWriter(svc *service, sessionID, fileID string, cw *session.ChunkWriter) *progressWriter {
	return &progressWriter{
		svc:       svc,
		sessionID: sessionID,
		fileID:    fileID,
		cw:        cw,
		limiter:   rate.NewLimiter(rate.Every(progressInterval), 1),
	}
}

func (p *progressWriter) Write(bs []byte) (int, error) {
	n, err := p.cw.Write(bs)
	if err == nil && p.limiter.Allow() {
		p.report(false, nil)
	}
	return n, err
}

// report tells the observer and the bus where the file stands. The speed
// is averaged since the file's first byte; zero elapsed reports zero.
func (p *progressWriter) report(finished bool, completion *CompletionInfo) {
	received := p.cw.Received()
	total := p.cw.FileSize()
	elapsed := time.Since(p.cw.Started()).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(received) / elapsed
	}

	p.svc.observer.OnTransferProgress(TransferProgress{
		SessionID:     p.sessionID,
		FileID:        p.fileID,
		FileName:      p.cw.FileName(),
		BytesReceived: received,
		TotalBytes:    total,
		BytesPerSec:   speed,
		Finished:      finished,
		Completion:    completion,
	})

	data := map[string]interface{}{
		"session":       p.sessionID,
		"file":          p.fileID,
		"name":          p.cw.FileName(),
		"bytesReceived": received,
		"totalBytes":    total,
		"bytesPerSec":   speed,
		"finished":      finished,
	}
	if completion != nil {
		data["path"] = completion.FilePath
		data["totalTimeSeconds"] = completion.TotalTimeSeconds
		data["averageSpeed"] = completion.AverageSpeed
	}
	p.svc.evLogger.Log(events.TransferProgress, data)
}

func (p *progressWriter) finish(res session.ChunkResult) {
	elapsed := time.Since(p.cw.Started()).Seconds()
	var avg float64
	if elapsed > 0 {
		avg = float64(res.FileSize) / elapsed
	}
	p.report(true, &CompletionInfo{
		FilePath:         res.Path,
		TotalTimeSeconds: elapsed,
		AverageSpeed:     avg,
	})
}
