// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/landrop/landrop/lib/client"
	"github.com/landrop/landrop/lib/protocol"
	"github.com/landrop/landrop/lib/rand"
)

const resolvePollInterval = 500 * time.Millisecond

// A SendProgressFunc is called as file data goes out: before each piece
// with the bytes confirmed so far, and once more per file with finished
// set.
type SendProgressFunc func(file protocol.FileInfo, sent, total int64, finished bool)

// ResolveTarget turns a recipient argument into a request target.
// Accepted forms are "ip:port", a bare IP with the default port implied,
// and a fingerprint prefix of a discovered peer. Fingerprint resolution
// pokes the discovery mechanisms once and then waits for the peer to
// show up, until the context expires.
func (a *App) ResolveTarget(ctx context.Context, to string) (client.Target, error) {
	if host, portStr, err := net.SplitHostPort(to); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			port, err := strconv.Atoi(portStr)
			if err != nil || port < 1 || port > 65535 {
				return client.Target{}, fmt.Errorf("bad port in target %q", to)
			}
			return client.Target{IP: ip, Port: port, Protocol: a.cfg.Protocol}, nil
		}
	}
	if ip := net.ParseIP(to); ip != nil {
		return client.Target{IP: ip, Port: protocol.DefaultPort, Protocol: a.cfg.Protocol}, nil
	}
	return a.awaitPeer(ctx, to)
}

func (a *App) awaitPeer(ctx context.Context, prefix string) (client.Target, error) {
	for _, f := range a.finders {
		f.Refresh()
	}

	ticker := time.NewTicker(resolvePollInterval)
	defer ticker.Stop()
	for {
		if peer, ok := a.registry.LookupPrefix(prefix); ok {
			l.Debugln("Resolved", prefix, "to", peer.Alias, "at", peer.IP)
			return client.TargetOf(peer.DeviceInfo), nil
		}
		select {
		case <-ctx.Done():
			return client.Target{}, fmt.Errorf("no discovered peer matches %q: %w", prefix, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Send offers the given files to the target and uploads those the
// receiver accepted. It returns once every accepted file is through, or
// with the first failure, after telling the receiver to drop the
// session. A receiver declining everything is success with nothing sent.
func (a *App) Send(ctx context.Context, target client.Target, paths []string, pin string, progress SendProgressFunc) error {
	if len(paths) == 0 {
		return fmt.Errorf("nothing to send")
	}

	files := make(map[string]protocol.FileInfo, len(paths))
	handles := make(map[string]*os.File, len(paths))
	defer func() {
		for _, fd := range handles {
			fd.Close()
		}
	}()
	for _, path := range paths {
		info, fd, err := describeFile(path)
		if err != nil {
			return err
		}
		files[info.ID] = info
		handles[info.ID] = fd
	}

	resp, err := a.client.PrepareUpload(ctx, target, files, pin)
	if err != nil {
		return err
	}
	if len(resp.Files) == 0 {
		l.Infoln("Receiver declined all files")
		return nil
	}

	// Stable order keeps console output and receiver logs aligned.
	ids := make([]string, 0, len(resp.Files))
	for id := range resp.Files {
		if _, ok := files[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return files[ids[i]].FileName < files[ids[j]].FileName
	})

	for _, id := range ids {
		file := files[id]
		var pf client.ProgressFunc
		if progress != nil {
			pf = func(sent, total int64, finished bool) {
				progress(file, sent, total, finished)
			}
		}
		if err := a.client.UploadFile(ctx, target, resp.SessionID, file, resp.Files[id], handles[id], pf); err != nil {
			a.dropSession(target, resp.SessionID)
			return fmt.Errorf("sending %s: %w", file.FileName, err)
		}
		l.Infof("Sent %s (%d bytes) to %s", file.FileName, file.Size, target)
	}
	return nil
}

// dropSession tells the receiver to forget a half-done session. Failure
// only costs them an idle timeout, so errors are logged and swallowed.
func (a *App) dropSession(target client.Target, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Cancel(ctx, target, sessionID); err != nil {
		l.Debugln("Canceling session", sessionID, "at", target, "failed:", err)
	}
}

func describeFile(path string) (protocol.FileInfo, *os.File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return protocol.FileInfo{}, nil, err
	}
	fi, err := fd.Stat()
	if err != nil {
		fd.Close()
		return protocol.FileInfo{}, nil, err
	}
	if fi.IsDir() {
		fd.Close()
		return protocol.FileInfo{}, nil, fmt.Errorf("%s is a directory, only files can be sent", path)
	}

	sum := sha256.New()
	if _, err := io.Copy(sum, fd); err != nil {
		fd.Close()
		return protocol.FileInfo{}, nil, err
	}

	info := protocol.FileInfo{
		ID:       rand.HexString(16),
		FileName: filepath.Base(path),
		Size:     fi.Size(),
		FileType: fileType(path),
		SHA256:   hex.EncodeToString(sum.Sum(nil)),
		Metadata: &protocol.FileMetadata{
			Modified: fi.ModTime().UTC().Format(time.RFC3339),
		},
	}
	return info, fd, nil
}

func fileType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
