// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import "testing"

func TestParseContentRange(t *testing.T) {
	cases := []struct {
		in       string
		ok       bool
		rng      ContentRange
		terminal bool
	}{
		{"bytes 0-10485759/52428800", true, ContentRange{0, 10485759, 52428800}, false},
		{"bytes 52428800-62914559/73400320", true, ContentRange{52428800, 62914559, 73400320}, false},
		{"bytes 62914560-73400319/73400320", true, ContentRange{62914560, 73400319, 73400320}, true},
		{"bytes 0-0/1", true, ContentRange{0, 0, 1}, true},
		{"bytes 5-5/10", true, ContentRange{5, 5, 10}, false},

		{"", false, ContentRange{}, false},
		{"bytes", false, ContentRange{}, false},
		{"bytes ", false, ContentRange{}, false},
		{"octets 0-1/2", false, ContentRange{}, false},
		{"bytes 0-1", false, ContentRange{}, false},
		{"bytes -1-1/2", false, ContentRange{}, false},
		{"bytes 0-x/2", false, ContentRange{}, false},
		{"bytes 1-0/2", false, ContentRange{}, false},   // start > end
		{"bytes 0-2/2", false, ContentRange{}, false},   // end beyond total
		{"bytes 0-0/0", false, ContentRange{}, false},   // empty total
		{"bytes 0 - 1/2", false, ContentRange{}, false}, // interior spaces
		{"Bytes 0-1/2", false, ContentRange{}, false},   // unit is case sensitive
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			rng, err := ParseContentRange(tc.in)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatalf("expected error, got %+v", rng)
				}
				return
			}
			if rng != tc.rng {
				t.Errorf("got %+v, want %+v", rng, tc.rng)
			}
			if rng.Terminal() != tc.terminal {
				t.Errorf("Terminal() = %v, want %v", rng.Terminal(), tc.terminal)
			}
			if got := rng.String(); got != tc.in {
				t.Errorf("String() = %q, want %q", got, tc.in)
			}
		})
	}
}

func TestContentRangeSize(t *testing.T) {
	rng := ContentRange{Start: 10, End: 19, Total: 100}
	if rng.Size() != 10 {
		t.Errorf("Size() = %d, want 10", rng.Size())
	}
}
