// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import "github.com/landrop/landrop/lib/protocol"

// An Observer receives callbacks about inbound transfers. Callbacks run on
// the request handling goroutine and must return promptly.
type Observer interface {
	// OnTransferRequest is consulted once per prepare-upload when no PIN is
	// configured. Returning false rejects the batch with 403.
	OnTransferRequest(sender protocol.DeviceInfo, files map[string]protocol.FileInfo) bool

	// OnTransferProgress is invoked periodically while a chunk is being
	// received, and once with Finished set when a file completes.
	OnTransferProgress(p TransferProgress)
}

// TransferProgress describes the state of one file of an inbound session.
type TransferProgress struct {
	SessionID     string
	FileID        string
	FileName      string
	BytesReceived int64
	TotalBytes    int64
	BytesPerSec   float64
	Finished      bool
	Completion    *CompletionInfo
}

// CompletionInfo accompanies the final progress report for a file.
type CompletionInfo struct {
	FilePath         string
	TotalTimeSeconds float64
	AverageSpeed     float64
}

// AcceptAll is an Observer that accepts every transfer and discards all
// progress reports.
type AcceptAll struct{}

func (AcceptAll) OnTransferRequest(protocol.DeviceInfo, map[string]protocol.FileInfo) bool {
	return true
}

func (AcceptAll) OnTransferProgress(TransferProgress) {}
