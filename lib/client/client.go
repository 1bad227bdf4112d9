// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package client speaks the HTTP side of the transfer protocol to other
// devices: probing, registering, offering files and streaming their
// content.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/landrop/landrop/lib/protocol"
)

const (
	// Files above ChunkThreshold are sent in ChunkSize pieces, each
	// carrying a content range header; smaller files go in one request.
	ChunkThreshold = 50 << 20
	ChunkSize      = 10 << 20

	infoTimeout     = time.Second
	registerTimeout = 2 * time.Second
	prepareTimeout  = 5 * time.Second
	chunkTimeout    = 30 * time.Second
	cancelTimeout   = 5 * time.Second

	// Responses to our requests are small JSON documents.
	maxResponseSize = 1 << 20
)

var (
	// ErrPINRequired means the receiver wants a PIN we did not supply, or
	// rejected the one we did.
	ErrPINRequired = errors.New("pin required or invalid")
	// ErrRejected means the receiving user declined the transfer.
	ErrRejected = errors.New("transfer rejected")
	// ErrBlocked means the receiver is busy with another sender.
	ErrBlocked = errors.New("blocked by another session")
	// ErrTooManyRequests means we should back off before offering again.
	ErrTooManyRequests = errors.New("too many requests")
	// ErrSessionGone means the receiver no longer knows the session or
	// file, e.g. after a cancel on their side.
	ErrSessionGone = errors.New("session or file unknown at receiver")
)

// A Target is where a peer's HTTP API lives and which scheme it claims to
// speak.
type Target struct {
	IP       net.IP
	Port     int
	Protocol protocol.Protocol
}

// TargetOf returns the request target for a discovered device.
func TargetOf(device protocol.DeviceInfo) Target {
	return Target{IP: device.IP, Port: device.Port, Protocol: device.Protocol}
}

func (t Target) hostport() string {
	return net.JoinHostPort(t.IP.String(), strconv.Itoa(t.Port))
}

func (t Target) String() string {
	return t.hostport()
}

// A ProgressFunc is called before each piece of an upload goes out with
// the bytes confirmed so far, and once more with finished set when the
// whole file is through.
type ProgressFunc func(sent, total int64, finished bool)

// The Client is safe for concurrent use by any number of goroutines.
type Client struct {
	device  protocol.DeviceInfo
	http    *http.Client
	schemes *xsync.MapOf[string, protocol.Protocol]
}

// New returns a client that presents the given descriptor as ourselves.
// With insecureTLS, peer certificates are not verified; devices on this
// protocol identify by fingerprint and their certificates are usually
// self-signed.
func New(device protocol.DeviceInfo, insecureTLS bool) *Client {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if insecureTLS {
		tlsCfg.InsecureSkipVerify = true
	}
	return &Client{
		device: device,
		http: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsCfg,
				// Chunked uploads reuse the connection.
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     time.Minute,
			},
		},
		schemes: xsync.NewMapOf[string, protocol.Protocol](),
	}
}

// scheme returns the scheme to try first for the target: whatever worked
// last time, else what the descriptor claims.
func (c *Client) scheme(t Target) protocol.Protocol {
	if s, ok := c.schemes.Load(t.hostport()); ok {
		return s
	}
	if t.Protocol == protocol.ProtocolHTTPS {
		return protocol.ProtocolHTTPS
	}
	return protocol.ProtocolHTTP
}

func otherScheme(s protocol.Protocol) protocol.Protocol {
	if s == protocol.ProtocolHTTP {
		return protocol.ProtocolHTTPS
	}
	return protocol.ProtocolHTTP
}

// Info fetches the descriptor of whatever lives at the target address.
// The returned descriptor carries the address and port we actually
// reached, not what the peer claims.
func (c *Client) Info(ctx context.Context, t Target) (protocol.DeviceInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, infoTimeout)
	defer cancel()

	var info protocol.DeviceInfo
	status, err := c.doJSON(ctx, t, http.MethodGet, "/info", nil, nil, &info)
	if err != nil {
		return protocol.DeviceInfo{}, err
	}
	if status != http.StatusOK {
		return protocol.DeviceInfo{}, fmt.Errorf("info: unexpected status %d", status)
	}
	info.IP = t.IP
	info.Port = t.Port
	info.Normalize()
	if err := info.Validate(); err != nil {
		return protocol.DeviceInfo{}, err
	}
	return info, nil
}

// Register announces our descriptor directly to the target. The returned
// descriptor is the peer's own, when it sends one; callers should check
// it has a fingerprint before trusting it.
func (c *Client) Register(ctx context.Context, t Target) (protocol.DeviceInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	body, err := json.Marshal(c.device)
	if err != nil {
		return protocol.DeviceInfo{}, err
	}

	var info protocol.DeviceInfo
	status, err := c.doJSON(ctx, t, http.MethodPost, "/register", nil, body, &info)
	if err != nil {
		return protocol.DeviceInfo{}, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return protocol.DeviceInfo{}, fmt.Errorf("register: unexpected status %d", status)
	}
	info.IP = t.IP
	info.Port = t.Port
	info.Normalize()
	return info, nil
}

// PrepareUpload offers files to the target and returns the session and
// per-file tokens for those accepted. Success with an empty response
// means everything was declined, which is not an error.
func (c *Client) PrepareUpload(ctx context.Context, t Target, files map[string]protocol.FileInfo, pin string) (protocol.PrepareUploadResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, prepareTimeout)
	defer cancel()

	body, err := json.Marshal(protocol.PrepareUploadRequest{Info: c.device, Files: files})
	if err != nil {
		return protocol.PrepareUploadResponse{}, err
	}
	var query url.Values
	if pin != "" {
		query = url.Values{"pin": []string{pin}}
	}

	var out protocol.PrepareUploadResponse
	status, err := c.doJSON(ctx, t, http.MethodPost, "/prepare-upload", query, body, &out)
	if err != nil {
		return protocol.PrepareUploadResponse{}, err
	}
	switch status {
	case http.StatusOK:
		return out, nil
	case http.StatusNoContent:
		return protocol.PrepareUploadResponse{}, nil
	case http.StatusUnauthorized:
		return protocol.PrepareUploadResponse{}, ErrPINRequired
	case http.StatusForbidden:
		return protocol.PrepareUploadResponse{}, ErrRejected
	case http.StatusConflict:
		return protocol.PrepareUploadResponse{}, ErrBlocked
	case http.StatusTooManyRequests:
		return protocol.PrepareUploadResponse{}, ErrTooManyRequests
	default:
		return protocol.PrepareUploadResponse{}, fmt.Errorf("prepare-upload: unexpected status %d", status)
	}
}

// UploadFile streams one file's content to the target, in pieces when it
// is large. The reader must cover file.Size bytes.
func (c *Client) UploadFile(ctx context.Context, t Target, sessionID string, file protocol.FileInfo, token string, r io.ReaderAt, progress ProgressFunc) error {
	scheme := c.scheme(t)

	if file.Size <= ChunkThreshold {
		if progress != nil {
			progress(0, file.Size, false)
		}
		section := io.NewSectionReader(r, 0, file.Size)
		if err := c.uploadChunk(ctx, t, scheme, sessionID, file.ID, token, nil, section, file.Size); err != nil {
			return err
		}
		metricUploadedBytes.Add(float64(file.Size))
		if progress != nil {
			progress(file.Size, file.Size, true)
		}
		return nil
	}

	for start := int64(0); start < file.Size; start += ChunkSize {
		end := start + ChunkSize - 1
		if end >= file.Size {
			end = file.Size - 1
		}
		if progress != nil {
			progress(start, file.Size, false)
		}
		rng := protocol.ContentRange{Start: start, End: end, Total: file.Size}
		section := io.NewSectionReader(r, start, rng.Size())
		if err := c.uploadChunk(ctx, t, scheme, sessionID, file.ID, token, &rng, section, rng.Size()); err != nil {
			return fmt.Errorf("chunk %s: %w", rng, err)
		}
		metricUploadedBytes.Add(float64(rng.Size()))
	}
	if progress != nil {
		progress(file.Size, file.Size, true)
	}
	return nil
}

func (c *Client) uploadChunk(ctx context.Context, t Target, scheme protocol.Protocol, sessionID, fileID, token string, rng *protocol.ContentRange, body io.Reader, length int64) error {
	ctx, cancel := context.WithTimeout(ctx, chunkTimeout)
	defer cancel()

	query := url.Values{
		"sessionId": []string{sessionID},
		"fileId":    []string{fileID},
		"token":     []string{token},
	}
	u := url.URL{
		Scheme:   string(scheme),
		Host:     t.hostport(),
		Path:     protocol.APIPrefix + "/upload",
		RawQuery: query.Encode(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return err
	}
	req.ContentLength = length
	req.Header.Set("Content-Type", "application/octet-stream")
	if rng != nil {
		req.Header.Set(protocol.ContentRangeHeader, rng.String())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrSessionGone
	default:
		return fmt.Errorf("upload: unexpected status %d", resp.StatusCode)
	}
}

// Cancel tells the target to drop the session. Safe to call for sessions
// the target has already forgotten.
func (c *Client) Cancel(ctx context.Context, t Target, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	query := url.Values{"sessionId": []string{sessionID}}
	status, err := c.doJSON(ctx, t, http.MethodPost, "/cancel", query, nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("cancel: unexpected status %d", status)
	}
	return nil
}

// doJSON performs a request with a replayable body, trying the expected
// scheme first and the other one when the transport fails. Descriptors on
// this protocol routinely claim the wrong scheme, so a working answer is
// remembered per address.
func (c *Client) doJSON(ctx context.Context, t Target, method, path string, query url.Values, body []byte, out any) (int, error) {
	scheme := c.scheme(t)

	status, err := c.attempt(ctx, t, scheme, method, path, query, body, out)
	if err == nil {
		c.schemes.Store(t.hostport(), scheme)
		return status, nil
	}
	if ctx.Err() != nil {
		return 0, err
	}
	l.Debugf("client: %s %s over %s failed (%v), trying %s", method, path, scheme, err, otherScheme(scheme))

	status, err2 := c.attempt(ctx, t, otherScheme(scheme), method, path, query, body, out)
	if err2 == nil {
		c.schemes.Store(t.hostport(), otherScheme(scheme))
		return status, nil
	}
	// Report the error from the scheme the peer told us to use.
	return 0, err
}

func (c *Client) attempt(ctx context.Context, t Target, scheme protocol.Protocol, method, path string, query url.Values, body []byte, out any) (int, error) {
	u := url.URL{
		Scheme:   string(scheme),
		Host:     t.hostport(),
		Path:     protocol.APIPrefix + path,
		RawQuery: query.Encode(),
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		// Drain a little so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return resp.StatusCode, nil
	}
	if out != nil && resp.StatusCode != http.StatusNoContent && resp.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
