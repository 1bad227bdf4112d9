// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/landrop/landrop/lib/client"
	"github.com/landrop/landrop/lib/config"
	"github.com/landrop/landrop/lib/discover"
	"github.com/landrop/landrop/lib/events"
	"github.com/landrop/landrop/lib/protocol"
	"github.com/landrop/landrop/lib/session"
	"github.com/landrop/landrop/lib/svcutil"
	"github.com/landrop/landrop/lib/sync"
)

const (
	senderAddr = "192.0.2.7:52011"
	otherAddr  = "192.0.2.99:52012"
)

func senderDevice(alias string) protocol.DeviceInfo {
	d := protocol.DeviceInfo{
		Alias:       alias,
		Fingerprint: hex.EncodeToString([]byte(strings.Repeat(alias, 32)))[:64],
	}
	d.Normalize()
	return d
}

// recordingObserver captures the callbacks so tests can assert on who asked
// and what progressed.
type recordingObserver struct {
	mut      sync.Mutex
	accept   bool
	requests []string
	progress []TransferProgress
}

func newRecordingObserver(accept bool) *recordingObserver {
	return &recordingObserver{mut: sync.NewMutex(), accept: accept}
}

func (o *recordingObserver) OnTransferRequest(sender protocol.DeviceInfo, _ map[string]protocol.FileInfo) bool {
	o.mut.Lock()
	defer o.mut.Unlock()
	o.requests = append(o.requests, sender.Alias)
	return o.accept
}

func (o *recordingObserver) OnTransferProgress(p TransferProgress) {
	o.mut.Lock()
	defer o.mut.Unlock()
	o.progress = append(o.progress, p)
}

func (o *recordingObserver) setAccept(accept bool) {
	o.mut.Lock()
	defer o.mut.Unlock()
	o.accept = accept
}

func (o *recordingObserver) requestCount() int {
	o.mut.Lock()
	defer o.mut.Unlock()
	return len(o.requests)
}

func (o *recordingObserver) lastProgress() (TransferProgress, bool) {
	o.mut.Lock()
	defer o.mut.Unlock()
	if len(o.progress) == 0 {
		return TransferProgress{}, false
	}
	return o.progress[len(o.progress)-1], true
}

func newTestService(t *testing.T, mutate func(*config.Options), obs Observer) (*service, *events.Logger) {
	t.Helper()
	cfg := config.New("receiver")
	cfg.Port = 0
	cfg.SaveDirectory = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	evLogger := events.NewLogger()
	device := cfg.DeviceInfo()
	sessions := session.NewManager(cfg.SaveDirectory, cfg.SessionIdleTTL, evLogger)
	registry := discover.NewRegistry(device.Fingerprint, evLogger)
	return New(cfg, device, sessions, registry, obs, evLogger).(*service), evLogger
}

func doPrepare(t *testing.T, svc *service, sender protocol.DeviceInfo, remote, pin string, files map[string]protocol.FileInfo) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(protocol.PrepareUploadRequest{Info: sender, Files: files})
	if err != nil {
		t.Fatal(err)
	}
	target := protocol.APIPrefix + "/prepare-upload"
	if pin != "" {
		target += "?pin=" + url.QueryEscape(pin)
	}
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	svc.postPrepareUpload(rec, req)
	return rec
}

func uploadURL(sessionID, fileID, token string) string {
	q := url.Values{}
	q.Set("sessionId", sessionID)
	q.Set("fileId", fileID)
	q.Set("token", token)
	return protocol.APIPrefix + "/upload?" + q.Encode()
}

func doUpload(t *testing.T, svc *service, remote, target, rng, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.RemoteAddr = remote
	if rng != "" {
		req.Header.Set(protocol.ContentRangeHeader, rng)
	}
	rec := httptest.NewRecorder()
	svc.postUpload(rec, req)
	return rec
}

func doCancel(t *testing.T, svc *service, remote, sessionID string) *httptest.ResponseRecorder {
	t.Helper()
	target := protocol.APIPrefix + "/cancel"
	if sessionID != "" {
		target += "?sessionId=" + url.QueryEscape(sessionID)
	}
	req := httptest.NewRequest(http.MethodPost, target, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	svc.postCancel(rec, req)
	return rec
}

func checkStatus(t *testing.T, rec *httptest.ResponseRecorder, code int, msg string) {
	t.Helper()
	if rec.Code != code {
		t.Fatalf("got status %d (%s), want %d", rec.Code, strings.TrimSpace(rec.Body.String()), code)
	}
	if msg == "" {
		return
	}
	var m message
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("undecodable body %q: %v", rec.Body.String(), err)
	}
	if m.Message != msg {
		t.Fatalf("got message %q, want %q", m.Message, msg)
	}
}

func TestGetInfo(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil, nil)
	rec := httptest.NewRecorder()
	svc.getInfo(rec, httptest.NewRequest(http.MethodGet, protocol.APIPrefix+"/info", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("got content type %q", ct)
	}
	var device protocol.DeviceInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &device); err != nil {
		t.Fatal(err)
	}
	if device.Alias != svc.device.Alias || device.Fingerprint != svc.device.Fingerprint {
		t.Errorf("got device %v, want %v", device, svc.device)
	}
	if device.Version != protocol.Version {
		t.Errorf("got version %q", device.Version)
	}
}

func TestPostRegister(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil, nil)
	peer := senderDevice("n1")

	body, _ := json.Marshal(peer)
	req := httptest.NewRequest(http.MethodPost, protocol.APIPrefix+"/register", bytes.NewReader(body))
	req.RemoteAddr = senderAddr
	rec := httptest.NewRecorder()
	svc.postRegister(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d (%s)", rec.Code, rec.Body.String())
	}
	var us protocol.DeviceInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &us); err != nil {
		t.Fatal(err)
	}
	if us.Fingerprint != svc.device.Fingerprint {
		t.Errorf("response carries fingerprint %q, want our own", us.Fingerprint)
	}

	// The peer is now known under the address it called from.
	found, ok := svc.registry.Lookup(peer.Fingerprint)
	if !ok {
		t.Fatal("peer not registered")
	}
	if want := net.IPv4(192, 0, 2, 7); !found.IP.Equal(want) {
		t.Errorf("peer registered at %v, want %v", found.IP, want)
	}

	// Garbage and descriptors without identity are both 400.
	for name, body := range map[string]string{
		"nonJSON":       "{nope",
		"noFingerprint": `{"alias": "x", "port": 53317}`,
	} {
		req := httptest.NewRequest(http.MethodPost, protocol.APIPrefix+"/register", strings.NewReader(body))
		req.RemoteAddr = senderAddr
		rec := httptest.NewRecorder()
		svc.postRegister(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: got status %d, want 400", name, rec.Code)
		}
	}
}

func TestTransferFlow(t *testing.T) {
	t.Parallel()

	obs := newRecordingObserver(true)
	svc, evLogger := newTestService(t, nil, obs)
	sub := evLogger.Subscribe(events.TransferRequested | events.SessionStarted | events.FileCompleted | events.SessionEnded)
	defer evLogger.Unsubscribe(sub)

	files := map[string]protocol.FileInfo{
		"doc": {ID: "doc", FileName: "report.pdf", Size: 11, FileType: "application/pdf"},
		"pic": {ID: "pic", FileName: "photo.jpg", Size: 10, FileType: "image/jpeg"},
	}
	rec := doPrepare(t, svc, senderDevice("n1"), senderAddr, "", files)
	if rec.Code != http.StatusOK {
		t.Fatalf("prepare: got status %d (%s)", rec.Code, rec.Body.String())
	}
	var resp protocol.PrepareUploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.SessionID) != 32 {
		t.Errorf("session id %q is not 32 hex chars", resp.SessionID)
	}
	if len(resp.Files) != 2 {
		t.Fatalf("got %d tokens, want 2", len(resp.Files))
	}
	for id, token := range resp.Files {
		if len(token) != 32 {
			t.Errorf("token for %s is %q", id, token)
		}
	}

	// One file arrives whole, the other in two ranged chunks.
	rec = doUpload(t, svc, senderAddr, uploadURL(resp.SessionID, "doc", resp.Files["doc"]), "", "hello world")
	checkStatus(t, rec, http.StatusOK, "File received")

	rec = doUpload(t, svc, senderAddr, uploadURL(resp.SessionID, "pic", resp.Files["pic"]), "bytes 0-4/10", "01234")
	if rec.Code != http.StatusOK {
		t.Fatalf("chunk 1: got status %d (%s)", rec.Code, rec.Body.String())
	}
	var chunk chunkReceived
	if err := json.Unmarshal(rec.Body.Bytes(), &chunk); err != nil {
		t.Fatal(err)
	}
	if chunk.Message != "Chunk received" || chunk.BytesReceived != 5 || chunk.TotalBytes != 10 {
		t.Errorf("unexpected chunk response %+v", chunk)
	}
	rec = doUpload(t, svc, senderAddr, uploadURL(resp.SessionID, "pic", resp.Files["pic"]), "bytes 5-9/10", "56789")
	checkStatus(t, rec, http.StatusOK, "File received")

	for name, want := range map[string]string{"report.pdf": "hello world", "photo.jpg": "0123456789"} {
		bs, err := os.ReadFile(filepath.Join(svc.cfg.SaveDirectory, name))
		if err != nil {
			t.Fatal(err)
		}
		if string(bs) != want {
			t.Errorf("%s contains %q, want %q", name, bs, want)
		}
	}

	// The session completed and is gone; repeating a chunk answers 404.
	rec = doUpload(t, svc, senderAddr, uploadURL(resp.SessionID, "doc", resp.Files["doc"]), "", "hello world")
	checkStatus(t, rec, http.StatusNotFound, "Session not found")

	for _, want := range []events.EventType{
		events.TransferRequested,
		events.SessionStarted,
		events.FileCompleted,
		events.FileCompleted,
		events.SessionEnded,
	} {
		ev, err := sub.Poll(time.Second)
		if err != nil {
			t.Fatalf("waiting for %v: %v", want, err)
		}
		if ev.Type != want {
			t.Fatalf("got event %v, want %v", ev.Type, want)
		}
	}

	if got := obs.requestCount(); got != 1 {
		t.Errorf("observer consulted %d times, want 1", got)
	}
	last, ok := obs.lastProgress()
	if !ok {
		t.Fatal("no progress reported")
	}
	if !last.Finished || last.Completion == nil {
		t.Fatalf("final progress not marked finished: %+v", last)
	}
	if want := filepath.Join(svc.cfg.SaveDirectory, "photo.jpg"); last.Completion.FilePath != want {
		t.Errorf("completion path %q, want %q", last.Completion.FilePath, want)
	}
	if last.BytesReceived != 10 || last.TotalBytes != 10 {
		t.Errorf("final progress counts %d/%d, want 10/10", last.BytesReceived, last.TotalBytes)
	}
}

func TestPINGate(t *testing.T) {
	t.Parallel()

	obs := newRecordingObserver(true)
	svc, _ := newTestService(t, func(cfg *config.Options) { cfg.PIN = "123456" }, obs)
	files := map[string]protocol.FileInfo{
		"a": {ID: "a", FileName: "a.txt", Size: 1},
	}

	rec := doPrepare(t, svc, senderDevice("n1"), senderAddr, "000000", files)
	checkStatus(t, rec, http.StatusUnauthorized, "PIN required")

	rec = doPrepare(t, svc, senderDevice("n1"), senderAddr, "", files)
	checkStatus(t, rec, http.StatusUnauthorized, "PIN required")

	if got := obs.requestCount(); got != 0 {
		t.Fatalf("observer consulted %d times despite failing PIN", got)
	}

	// A matching PIN replaces the interactive approval entirely.
	rec = doPrepare(t, svc, senderDevice("n1"), senderAddr, "123456", files)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d (%s)", rec.Code, rec.Body.String())
	}
	if got := obs.requestCount(); got != 0 {
		t.Errorf("observer consulted %d times despite matching PIN", got)
	}
}

func TestObserverRejects(t *testing.T) {
	t.Parallel()

	obs := newRecordingObserver(false)
	svc, evLogger := newTestService(t, nil, obs)
	sub := evLogger.Subscribe(events.TransferRejected)
	defer evLogger.Unsubscribe(sub)

	files := map[string]protocol.FileInfo{
		"a": {ID: "a", FileName: "a.txt", Size: 1},
	}
	rec := doPrepare(t, svc, senderDevice("n1"), senderAddr, "", files)
	checkStatus(t, rec, http.StatusForbidden, "Rejected")

	if _, err := sub.Poll(time.Second); err != nil {
		t.Fatal("no rejection event:", err)
	}

	// A rejection leaves no session behind; the next ask can succeed.
	obs.setAccept(true)
	rec = doPrepare(t, svc, senderDevice("n1"), senderAddr, "", files)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry after rejection: got status %d", rec.Code)
	}
}

func TestBlockedBySession(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil, nil)
	files := map[string]protocol.FileInfo{
		"a": {ID: "a", FileName: "a.txt", Size: 5},
	}

	rec := doPrepare(t, svc, senderDevice("n1"), senderAddr, "", files)
	if rec.Code != http.StatusOK {
		t.Fatalf("first prepare: got status %d", rec.Code)
	}
	var first protocol.PrepareUploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatal(err)
	}

	rec = doPrepare(t, svc, senderDevice("n3"), otherAddr, "", files)
	checkStatus(t, rec, http.StatusConflict, "Blocked by another session")

	// Once the owner cancels, the other sender gets its turn.
	rec = doCancel(t, svc, senderAddr, first.SessionID)
	checkStatus(t, rec, http.StatusOK, "Session canceled")

	rec = doPrepare(t, svc, senderDevice("n3"), otherAddr, "", files)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry after cancel: got status %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestUploadErrors(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil, nil)
	files := map[string]protocol.FileInfo{
		"a": {ID: "a", FileName: "a.txt", Size: 5},
	}
	rec := doPrepare(t, svc, senderDevice("n1"), senderAddr, "", files)
	if rec.Code != http.StatusOK {
		t.Fatalf("prepare: got status %d", rec.Code)
	}
	var resp protocol.PrepareUploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	id, token := resp.SessionID, resp.Files["a"]

	cases := []struct {
		name     string
		target   string
		remote   string
		rng      string
		body     string
		wantCode int
		wantMsg  string
	}{
		{"missingParams", protocol.APIPrefix + "/upload", senderAddr, "", "hello", http.StatusBadRequest, "Missing parameters"},
		{"malformedRange", uploadURL(id, "a", token), senderAddr, "bytes five-9/10", "hello", http.StatusBadRequest, "Malformed content range"},
		{"totalMismatch", uploadURL(id, "a", token), senderAddr, "bytes 0-9/10", "0123456789", http.StatusBadRequest, "Size mismatch"},
		{"unknownSession", uploadURL("f00df00df00df00df00df00df00df00d", "a", token), senderAddr, "", "hello", http.StatusNotFound, "Session not found"},
		{"unknownFile", uploadURL(id, "nope", token), senderAddr, "", "hello", http.StatusNotFound, "File not found in session"},
		{"badToken", uploadURL(id, "a", "deadbeefdeadbeefdeadbeefdeadbeef"), senderAddr, "", "hello", http.StatusForbidden, "Invalid token"},
		{"wrongAddress", uploadURL(id, "a", token), otherAddr, "", "hello", http.StatusForbidden, "Invalid address"},
		{"outOfOrder", uploadURL(id, "a", token), senderAddr, "bytes 2-4/5", "llo", http.StatusBadRequest, "Chunk out of order"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doUpload(t, svc, tc.remote, tc.target, tc.rng, tc.body)
			checkStatus(t, rec, tc.wantCode, tc.wantMsg)
		})
	}

	// None of that poisoned the session; the upload still goes through.
	rec = doUpload(t, svc, senderAddr, uploadURL(id, "a", token), "", "hello")
	checkStatus(t, rec, http.StatusOK, "File received")
}

func TestUploadBodyDisagreesWithSize(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil, nil)
	files := map[string]protocol.FileInfo{
		"a": {ID: "a", FileName: "a.txt", Size: 5},
	}
	rec := doPrepare(t, svc, senderDevice("n1"), senderAddr, "", files)
	var resp protocol.PrepareUploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	target := uploadURL(resp.SessionID, "a", resp.Files["a"])

	// Too many bytes are refused as they stream in.
	rec = doUpload(t, svc, senderAddr, target, "", "toolong")
	checkStatus(t, rec, http.StatusBadRequest, "Body exceeds the declared size")

	// Too few bytes fail the commit.
	rec = doUpload(t, svc, senderAddr, target, "", "he")
	checkStatus(t, rec, http.StatusBadRequest, "Size mismatch")

	// Both roll back cleanly; the exact body completes the file.
	rec = doUpload(t, svc, senderAddr, target, "", "hello")
	checkStatus(t, rec, http.StatusOK, "File received")

	bs, err := os.ReadFile(filepath.Join(svc.cfg.SaveDirectory, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(bs) != "hello" {
		t.Errorf("a.txt contains %q", bs)
	}
}

func TestUploadBodyLimit(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, func(cfg *config.Options) { cfg.MaxBodySize = 4 }, nil)
	files := map[string]protocol.FileInfo{
		"big": {ID: "big", FileName: "big.bin", Size: 100},
	}
	rec := doPrepare(t, svc, senderDevice("n1"), senderAddr, "", files)
	var resp protocol.PrepareUploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	rec = doUpload(t, svc, senderAddr, uploadURL(resp.SessionID, "big", resp.Files["big"]), "", strings.Repeat("x", 100))
	checkStatus(t, rec, http.StatusRequestEntityTooLarge, "Body too large")
}

func TestTinyFiles(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil, nil)
	files := map[string]protocol.FileInfo{
		"zero": {ID: "zero", FileName: "empty.txt", Size: 0},
		"one":  {ID: "one", FileName: "byte.txt", Size: 1},
	}
	rec := doPrepare(t, svc, senderDevice("n1"), senderAddr, "", files)
	var resp protocol.PrepareUploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	rec = doUpload(t, svc, senderAddr, uploadURL(resp.SessionID, "zero", resp.Files["zero"]), "", "")
	checkStatus(t, rec, http.StatusOK, "File received")

	rec = doUpload(t, svc, senderAddr, uploadURL(resp.SessionID, "one", resp.Files["one"]), "bytes 0-0/1", "x")
	checkStatus(t, rec, http.StatusOK, "File received")

	fi, err := os.Stat(filepath.Join(svc.cfg.SaveDirectory, "empty.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 0 {
		t.Errorf("empty.txt has %d bytes", fi.Size())
	}
	bs, err := os.ReadFile(filepath.Join(svc.cfg.SaveDirectory, "byte.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(bs) != "x" {
		t.Errorf("byte.txt contains %q", bs)
	}
}

func TestCancelSemantics(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, nil, nil)
	files := map[string]protocol.FileInfo{
		"a": {ID: "a", FileName: "a.txt", Size: 5},
	}
	rec := doPrepare(t, svc, senderDevice("n1"), senderAddr, "", files)
	var resp protocol.PrepareUploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	target := uploadURL(resp.SessionID, "a", resp.Files["a"])

	rec = doUpload(t, svc, senderAddr, target, "bytes 0-2/5", "hel")
	if rec.Code != http.StatusOK {
		t.Fatalf("chunk: got status %d", rec.Code)
	}

	// Missing sessionId is the one cancel error.
	rec = doCancel(t, svc, senderAddr, "")
	checkStatus(t, rec, http.StatusBadRequest, "Missing parameters")

	// A cancel from elsewhere answers 200, as cancels do, but changes
	// nothing: only the address that opened the session may end it.
	rec = doCancel(t, svc, otherAddr, resp.SessionID)
	checkStatus(t, rec, http.StatusOK, "Session canceled")
	rec = doUpload(t, svc, senderAddr, target, "bytes 3-4/5", "lo")
	checkStatus(t, rec, http.StatusOK, "File received")

	// A fresh session, cancelled by its owner, is gone for chunks but
	// cancelling again stays a success.
	rec = doPrepare(t, svc, senderDevice("n1"), senderAddr, "", files)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	rec = doCancel(t, svc, senderAddr, resp.SessionID)
	checkStatus(t, rec, http.StatusOK, "Session canceled")
	rec = doUpload(t, svc, senderAddr, uploadURL(resp.SessionID, "a", resp.Files["a"]), "", "hello")
	checkStatus(t, rec, http.StatusNotFound, "Session not found")
	rec = doCancel(t, svc, senderAddr, resp.SessionID)
	checkStatus(t, rec, http.StatusOK, "Session canceled")
}

func startAPI(t *testing.T, cfg config.Options, obs Observer) (*service, int) {
	t.Helper()

	evLogger := events.NewLogger()
	device := cfg.DeviceInfo()
	sessions := session.NewManager(cfg.SaveDirectory, cfg.SessionIdleTTL, evLogger)
	registry := discover.NewRegistry(device.Fingerprint, evLogger)
	svc := New(cfg, device, sessions, registry, obs, evLogger).(*service)

	sup := suture.New("test", svcutil.SpecWithDebugLogger(l))
	sup.Add(svc)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sup.ServeBackground(ctx)

	if err := svc.WaitForStart(); err != nil {
		t.Fatal(err)
	}
	tcpAddr, ok := svc.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("weird listener address %v", svc.Addr())
	}
	return svc, tcpAddr.Port
}

func TestServeEndToEnd(t *testing.T) {
	t.Parallel()

	cfg := config.New("receiver")
	cfg.Port = 0
	cfg.SaveDirectory = t.TempDir()
	obs := newRecordingObserver(true)
	svc, port := startAPI(t, cfg, obs)

	cli := client.New(senderDevice("n1"), true)
	target := client.Target{IP: net.IPv4(127, 0, 0, 1), Port: port, Protocol: protocol.ProtocolHTTP}
	ctx := context.Background()

	info, err := cli.Info(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if info.Alias != "receiver" {
		t.Errorf("info answered alias %q", info.Alias)
	}

	peer, err := cli.Register(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if peer.Fingerprint != svc.device.Fingerprint {
		t.Errorf("register answered fingerprint %q", peer.Fingerprint)
	}

	content := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	file := protocol.FileInfo{ID: "blob", FileName: "blob.bin", Size: int64(len(content)), FileType: "application/octet-stream"}
	resp, err := cli.PrepareUpload(ctx, target, map[string]protocol.FileInfo{"blob": file}, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := cli.UploadFile(ctx, target, resp.SessionID, file, resp.Files["blob"], bytes.NewReader(content), nil); err != nil {
		t.Fatal(err)
	}

	bs, err := os.ReadFile(filepath.Join(cfg.SaveDirectory, "blob.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(bs, content) {
		t.Errorf("blob.bin has %d bytes, want %d", len(bs), len(content))
	}

	last, ok := obs.lastProgress()
	if !ok || !last.Finished {
		t.Errorf("no finished progress after end to end transfer: %+v", last)
	}

	// The metrics endpoint rides on the same listener.
	res, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", port))
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("metrics answered %d", res.StatusCode)
	}
}

func TestServeTLS(t *testing.T) {
	t.Parallel()

	cfg := config.New("tls-receiver")
	cfg.Port = 0
	cfg.Protocol = protocol.ProtocolHTTPS
	cfg.SaveDirectory = t.TempDir()
	_, port := startAPI(t, cfg, nil)

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	res, err := httpClient.Get(fmt.Sprintf("https://127.0.0.1:%d%s/info", port, protocol.APIPrefix))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var device protocol.DeviceInfo
	if err := json.NewDecoder(res.Body).Decode(&device); err != nil {
		t.Fatal(err)
	}
	if device.Alias != "tls-receiver" {
		t.Errorf("got alias %q", device.Alias)
	}
}

func TestStartupFailure(t *testing.T) {
	t.Parallel()

	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer blocker.Close()

	cfg := config.New("receiver")
	cfg.Port = blocker.Addr().(*net.TCPAddr).Port
	cfg.SaveDirectory = t.TempDir()

	evLogger := events.NewLogger()
	device := cfg.DeviceInfo()
	sessions := session.NewManager(cfg.SaveDirectory, cfg.SessionIdleTTL, evLogger)
	registry := discover.NewRegistry(device.Fingerprint, evLogger)
	svc := New(cfg, device, sessions, registry, nil, evLogger).(*service)

	sup := suture.New("test", svcutil.SpecWithDebugLogger(l))
	sup.Add(svc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.ServeBackground(ctx)

	if err := svc.WaitForStart(); err == nil {
		t.Fatal("expected a startup error with the port taken")
	}
	if !svc.Complete() {
		t.Error("a service that never started should report complete")
	}
}
