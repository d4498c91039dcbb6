// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package tpi

import (
	"bytes"
	"testing"
)

func TestVarIntRoundTrip(t *testing.T) {
	values := []int64{
		0, 1, -1, 127, -127, 128, -128, 32767, -32767, 32768, -32768,
		0x7fffffff, -0x7fffffff, 0x7fffffffffffffff, -0x7fffffffffffffff,
	}
	for _, v := range values {
		var buf bytes.Buffer
		if err := WriteVarInt(&buf, v); err != nil {
			t.Fatalf("WriteVarInt(%d): %v", v, err)
		}
		got, err := ReadVarInt(&buf)
		if err != nil {
			t.Fatalf("ReadVarInt(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip of %d yielded %d", v, got)
		}
	}
}

func TestVarIntSmallValuesInline(t *testing.T) {
	for _, v := range []int64{0, 1, 0x42, 0x7fff} {
		var buf bytes.Buffer
		if err := WriteVarInt(&buf, v); err != nil {
			t.Fatal(err)
		}
		if buf.Len() != 2 {
			t.Errorf("value %#x encoded in %d bytes, want 2", v, buf.Len())
		}
	}
}
