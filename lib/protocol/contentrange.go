// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ContentRangeHeader is the header that carries the chunk range on
// uploads split into multiple requests.
const ContentRangeHeader = "X-Content-Range"

// ContentRange is one parsed "bytes <start>-<end>/<total>" header, with
// 0 <= start <= end < total. A chunk is terminal when it raises the byte
// count to the total.
type ContentRange struct {
	Start, End, Total int64
}

var errMalformedRange = errors.New("malformed content range")

// ParseContentRange parses the X-Content-Range value. The grammar is
// strict; anything else is a protocol error and the chunk is rejected.
func ParseContentRange(s string) (ContentRange, error) {
	rng, ok := strings.CutPrefix(s, "bytes ")
	if !ok {
		return ContentRange{}, errMalformedRange
	}
	span, total, ok := strings.Cut(rng, "/")
	if !ok {
		return ContentRange{}, errMalformedRange
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return ContentRange{}, errMalformedRange
	}

	var r ContentRange
	var err error
	if r.Start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return ContentRange{}, errMalformedRange
	}
	if r.End, err = strconv.ParseInt(last, 10, 64); err != nil {
		return ContentRange{}, errMalformedRange
	}
	if r.Total, err = strconv.ParseInt(total, 10, 64); err != nil {
		return ContentRange{}, errMalformedRange
	}
	if r.Start < 0 || r.End < r.Start || r.Total <= r.End {
		return ContentRange{}, errMalformedRange
	}
	return r, nil
}

func (r ContentRange) String() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Total)
}

// WholeFileRange is the range of an upload that arrives in a single
// request, including the empty range of a zero byte file.
func WholeFileRange(size int64) ContentRange {
	return ContentRange{Start: 0, End: size - 1, Total: size}
}

// Size is the number of payload bytes the chunk carries.
func (r ContentRange) Size() int64 {
	return r.End - r.Start + 1
}

// Terminal reports whether this chunk completes the file.
func (r ContentRange) Terminal() bool {
	return r.End+1 >= r.Total
}
