// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"errors"
	"fmt"
)

// FileInfo describes one file offered in a prepare-upload request. The ID
// is chosen by the sender and unique within its request. The size is
// trusted as the upload length; payload beyond it is rejected.
type FileInfo struct {
	ID       string        `json:"id"`
	FileName string        `json:"fileName"`
	Size     int64         `json:"size"`
	FileType string        `json:"fileType"`
	SHA256   string        `json:"sha256,omitempty"`
	Preview  string        `json:"preview,omitempty"`
	Metadata *FileMetadata `json:"metadata,omitempty"`
}

// FileMetadata carries optional timestamps, ISO-8601 formatted.
type FileMetadata struct {
	Modified string `json:"modified,omitempty"`
	Accessed string `json:"accessed,omitempty"`
}

func (f *FileInfo) Validate() error {
	if f.ID == "" {
		return errors.New("file without id")
	}
	if f.FileName == "" {
		return fmt.Errorf("file %q without name", f.ID)
	}
	if f.Size < 0 {
		return fmt.Errorf("file %q with negative size %d", f.ID, f.Size)
	}
	return nil
}

// PrepareUploadRequest is the body of POST /prepare-upload.
type PrepareUploadRequest struct {
	Info  DeviceInfo          `json:"info"`
	Files map[string]FileInfo `json:"files"`
}

func (r *PrepareUploadRequest) Validate() error {
	if err := r.Info.Validate(); err != nil {
		return err
	}
	if len(r.Files) == 0 {
		return errors.New("request without files")
	}
	for id, f := range r.Files {
		if f.ID == "" {
			// Some senders rely on the map key alone.
			f.ID = id
			r.Files[id] = f
		}
		if id != f.ID {
			return fmt.Errorf("file id %q does not match map key %q", f.ID, id)
		}
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// PrepareUploadResponse answers a successful prepare-upload: the session
// and one token per accepted file.
type PrepareUploadResponse struct {
	SessionID string            `json:"sessionId"`
	Files     map[string]string `json:"files"`
}
