// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package interval

import "testing"

func TestAt(t *testing.T) {
	tree := &Tree[string]{}
	tree.Insert(0, 4, "a")
	tree.Insert(4, 8, "b")
	tree.Insert(0, 8, "u")

	tests := []struct {
		point int64
		want  []string
	}{
		{0, []string{"a", "u"}},
		{3, []string{"a", "u"}},
		{4, []string{"u", "b"}},
		{7, []string{"u", "b"}},
		{8, nil},
		{-1, nil},
	}

	for _, tt := range tests {
		got := tree.At(tt.point)
		if len(got) != len(tt.want) {
			t.Fatalf("At(%d) returned %d entries, want %d", tt.point, len(got), len(tt.want))
		}
		for i, e := range got {
			if e.Value != tt.want[i] {
				t.Errorf("At(%d)[%d] = %q, want %q", tt.point, i, e.Value, tt.want[i])
			}
		}
	}
}

func TestCovers(t *testing.T) {
	tree := &Tree[int]{}
	tree.Insert(0, 4, 0)
	tree.Insert(8, 12, 1)

	if tree.Covers(0, 12) {
		t.Error("Covers(0, 12) = true with a gap at [4, 8)")
	}

	tree.Insert(4, 8, 2)
	if !tree.Covers(0, 12) {
		t.Error("Covers(0, 12) = false after filling the gap")
	}
	if !tree.Covers(2, 10) {
		t.Error("Covers(2, 10) = false inside a covered range")
	}
	if tree.Covers(0, 13) {
		t.Error("Covers(0, 13) = true beyond the last interval")
	}
}

func TestOverlap(t *testing.T) {
	tree := &Tree[int]{}
	tree.Insert(0, 4, 0)
	tree.Insert(4, 8, 1)
	tree.Insert(10, 12, 2)

	got := tree.Overlap(2, 11)
	if len(got) != 3 {
		t.Fatalf("Overlap(2, 11) returned %d entries, want 3", len(got))
	}
	got = tree.Overlap(8, 10)
	if len(got) != 0 {
		t.Fatalf("Overlap(8, 10) returned %d entries, want 0", len(got))
	}
}

func TestZeroLengthWidened(t *testing.T) {
	tree := &Tree[int]{}
	tree.Insert(16, 16, 7)
	if _, ok := tree.One(16); !ok {
		t.Error("zero-length interval not widened to cover its start")
	}
}
