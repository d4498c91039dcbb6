// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package msf

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

// buildContainer assembles a minimal container whose streams hold the given
// payloads, scattering stream blocks out of order to exercise reassembly.
func buildContainer(t *testing.T, blockSize int, payloads [][]byte) []byte {
	t.Helper()

	type blockRef struct{ data []byte }
	var blocks []blockRef
	// block 0 is the header, reserve it.
	blocks = append(blocks, blockRef{})

	alloc := func(data []byte) []uint16 {
		var refs []uint16
		for off := 0; off < len(data); off += blockSize {
			end := off + blockSize
			if end > len(data) {
				end = len(data)
			}
			refs = append(refs, uint16(len(blocks)))
			blocks = append(blocks, blockRef{data: data[off:end]})
		}
		return refs
	}

	// Directory body: numStreams, reserved, sizes, block lists.
	var dir bytes.Buffer
	binary.Write(&dir, binary.LittleEndian, uint16(len(payloads)))
	binary.Write(&dir, binary.LittleEndian, uint16(0))
	for _, p := range payloads {
		binary.Write(&dir, binary.LittleEndian, uint32(len(p)))
		binary.Write(&dir, binary.LittleEndian, uint32(0))
	}
	var streamBlocks [][]uint16
	for _, p := range payloads {
		streamBlocks = append(streamBlocks, alloc(p))
	}
	for _, refs := range streamBlocks {
		for _, r := range refs {
			binary.Write(&dir, binary.LittleEndian, r)
		}
	}
	dirRefs := alloc(dir.Bytes())

	var hdr bytes.Buffer
	hdr.Write(Magic)
	binary.Write(&hdr, binary.LittleEndian, uint32(blockSize))
	binary.Write(&hdr, binary.LittleEndian, uint16(1))
	binary.Write(&hdr, binary.LittleEndian, uint16(len(blocks)))
	binary.Write(&hdr, binary.LittleEndian, uint32(dir.Len()))
	binary.Write(&hdr, binary.LittleEndian, uint32(0))
	for _, r := range dirRefs {
		binary.Write(&hdr, binary.LittleEndian, r)
	}
	if hdr.Len() > blockSize {
		t.Fatalf("header does not fit a block: %d > %d", hdr.Len(), blockSize)
	}

	out := make([]byte, blockSize*len(blocks))
	copy(out, hdr.Bytes())
	for i, b := range blocks[1:] {
		copy(out[(i+1)*blockSize:], b.data)
	}
	return out
}

func TestStreamRoundTrip(t *testing.T) {
	long := bytes.Repeat([]byte("0123456789abcdef"), 40) // 640 bytes, several blocks
	payloads := [][]byte{
		[]byte("stream zero"),
		long[:637], // truncated final block
		{},
		[]byte("last"),
	}

	file, err := NewBytes(buildContainer(t, 256, payloads))
	if err != nil {
		t.Fatalf("NewBytes failed: %v", err)
	}
	if got := file.NumStreams(); got != len(payloads) {
		t.Fatalf("NumStreams = %d, want %d", got, len(payloads))
	}

	for i, want := range payloads {
		s, err := file.Stream(i)
		if err != nil {
			t.Fatalf("Stream(%d): %v", i, err)
		}
		if s.Size() != int64(len(want)) {
			t.Errorf("stream %d size = %d, want %d", i, s.Size(), len(want))
		}
		got, err := io.ReadAll(s)
		if err != nil {
			t.Fatalf("stream %d read: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("stream %d contents mismatch: got %d bytes, want %d", i, len(got), len(want))
		}
	}
}

func TestStreamSeek(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 100)
	copy(payload[90:], []byte("tailtail"))
	file, err := NewBytes(buildContainer(t, 64, [][]byte{payload}))
	if err != nil {
		t.Fatalf("NewBytes failed: %v", err)
	}
	s, _ := file.Stream(0)
	if _, err := s.Seek(90, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8)
	if _, err := io.ReadFull(s, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "tailtail" {
		t.Errorf("read after seek = %q, want %q", buf, "tailtail")
	}
}

func TestBadMagic(t *testing.T) {
	data := buildContainer(t, 256, [][]byte{[]byte("x")})
	data[0] = 'X'
	if _, err := NewBytes(data); err == nil {
		t.Fatal("NewBytes accepted a corrupt signature")
	}
}
