// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ErrBadFileName means a file name has no usable base name.
var ErrBadFileName = errors.New("unusable file name")

// DestinationName reduces a sender supplied file name to a plain base
// name. Senders on other platforms may use backslash separators, so
// those count as separators too. Names that are empty or only path
// structure are rejected rather than guessed at.
func DestinationName(name string) (string, error) {
	if strings.ContainsRune(name, 0) {
		return "", ErrBadFileName
	}
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	switch name {
	case "", ".", "..", "/":
		return "", ErrBadFileName
	}
	return name, nil
}

// batchPath picks the destination for one file of a batch. Files already
// on disk are overwritten, but two files of the same batch must not share
// a path, so in-batch collisions get a " (n)" suffix before the extension.
func batchPath(dir, name string, claimed map[string]struct{}) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	cand := name
	for i := 1; ; i++ {
		if _, ok := claimed[cand]; !ok {
			claimed[cand] = struct{}{}
			return filepath.Join(dir, cand)
		}
		cand = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
}
