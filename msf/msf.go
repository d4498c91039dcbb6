// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package msf reads the small-page multi-stream container wrapping program
// databases (version 2.00, 16-bit block numbers). Each stream is presented as
// a seekable byte source reassembled from fixed-size blocks.
package msf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// Magic is the 0x2c byte signature of the small-page container.
var Magic = []byte("Microsoft C/C++ program database 2.00\r\n\x1aJG\x00\x00")

// Errors.
var (
	// ErrBadMagic is returned when the container signature does not match.
	ErrBadMagic = errors.New("not a JG 2.00 program database")

	// ErrTruncated is returned when the directory or a block lies beyond the
	// end of the file.
	ErrTruncated = errors.New("truncated program database")
)

// Superblock is the container header following the magic.
type Superblock struct {
	BlockSize         uint32
	FreeBlockMapBlock uint16
	NumBlocks         uint16
	NumDirectoryBytes uint32
	Unknown           uint32
	BlockMap          []uint16
}

// File is an open multi-stream container.
type File struct {
	Superblock Superblock
	data       []byte
	m          mmap.MMap
	f          *os.File
	streams    []*Stream
}

// Open maps the named file and parses the superblock and stream directory.
func Open(name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	file, err := NewBytes(m)
	if err != nil {
		m.Unmap()
		f.Close()
		return nil, err
	}
	file.m = m
	file.f = f
	return file, nil
}

// NewBytes parses a container held in memory.
func NewBytes(data []byte) (*File, error) {
	file := &File{data: data}
	if err := file.parse(); err != nil {
		return nil, err
	}
	return file, nil
}

// Close unmaps and closes the underlying file, if any.
func (m *File) Close() error {
	if m.m != nil {
		_ = m.m.Unmap()
	}
	if m.f != nil {
		return m.f.Close()
	}
	return nil
}

func (m *File) parse() error {
	if len(m.data) < len(Magic)+16 {
		return ErrTruncated
	}
	for i, c := range Magic {
		if m.data[i] != c {
			return ErrBadMagic
		}
	}

	off := len(Magic)
	sb := &m.Superblock
	sb.BlockSize = binary.LittleEndian.Uint32(m.data[off:])
	sb.FreeBlockMapBlock = binary.LittleEndian.Uint16(m.data[off+4:])
	sb.NumBlocks = binary.LittleEndian.Uint16(m.data[off+6:])
	sb.NumDirectoryBytes = binary.LittleEndian.Uint32(m.data[off+8:])
	sb.Unknown = binary.LittleEndian.Uint32(m.data[off+12:])
	off += 16

	if sb.BlockSize == 0 {
		return fmt.Errorf("%w: zero block size", ErrBadMagic)
	}

	numDirBlocks := int((sb.NumDirectoryBytes + sb.BlockSize - 1) / sb.BlockSize)
	if off+numDirBlocks*2 > len(m.data) {
		return ErrTruncated
	}
	sb.BlockMap = make([]uint16, numDirBlocks)
	for i := range sb.BlockMap {
		sb.BlockMap[i] = binary.LittleEndian.Uint16(m.data[off+i*2:])
	}

	dir := m.newStream(uint32(sb.NumDirectoryBytes), sb.BlockMap)
	return m.parseDirectory(dir)
}

// parseDirectory decodes the stream directory: stream count, per-stream
// sizes, then the concatenated block lists.
func (m *File) parseDirectory(dir *Stream) error {
	raw, err := io.ReadAll(dir)
	if err != nil {
		return err
	}
	if len(raw) < 4 {
		return ErrTruncated
	}
	numStreams := int(binary.LittleEndian.Uint16(raw))
	// raw[2:4] is reserved.
	off := 4
	if off+numStreams*8 > len(raw) {
		return ErrTruncated
	}

	sizes := make([]uint32, numStreams)
	for i := 0; i < numStreams; i++ {
		sizes[i] = binary.LittleEndian.Uint32(raw[off:])
		// the second dword is a pointer slot, meaningless on disk.
		off += 8
	}

	blockSize := m.Superblock.BlockSize
	m.streams = make([]*Stream, numStreams)
	for i, size := range sizes {
		count := int((size + blockSize - 1) / blockSize)
		if off+count*2 > len(raw) {
			return ErrTruncated
		}
		blocks := make([]uint16, count)
		for j := range blocks {
			blocks[j] = binary.LittleEndian.Uint16(raw[off+j*2:])
		}
		off += count * 2
		m.streams[i] = m.newStream(size, blocks)
	}
	return nil
}

// NumStreams returns the stream count declared by the directory.
func (m *File) NumStreams() int { return len(m.streams) }

// Stream returns a fresh reader positioned at the start of stream idx.
func (m *File) Stream(idx int) (*Stream, error) {
	if idx < 0 || idx >= len(m.streams) {
		return nil, fmt.Errorf("stream %d out of range (%d streams)", idx, len(m.streams))
	}
	s := m.streams[idx]
	return &Stream{file: m, size: s.size, blocks: s.blocks}, nil
}

func (m *File) newStream(size uint32, blocks []uint16) *Stream {
	return &Stream{file: m, size: size, blocks: blocks}
}

// Stream presents one stream of the container as a seekable byte source.
// Blocks are concatenated; the final block is truncated to size % blockSize.
type Stream struct {
	file   *File
	size   uint32
	blocks []uint16
	pos    int64
}

// Size returns the stream length in bytes.
func (s *Stream) Size() int64 { return int64(s.size) }

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	if s.pos >= int64(s.size) {
		return 0, io.EOF
	}
	blockSize := int64(s.file.Superblock.BlockSize)
	n := 0
	for n < len(p) && s.pos < int64(s.size) {
		blockIdx := s.pos / blockSize
		blockOff := s.pos % blockSize
		if blockIdx >= int64(len(s.blocks)) {
			break
		}
		base := int64(s.blocks[blockIdx]) * blockSize
		avail := blockSize - blockOff
		if remain := int64(s.size) - s.pos; remain < avail {
			avail = remain
		}
		if want := int64(len(p) - n); want < avail {
			avail = want
		}
		if base+blockOff+avail > int64(len(s.file.data)) {
			return n, ErrTruncated
		}
		copy(p[n:], s.file.data[base+blockOff:base+blockOff+avail])
		n += int(avail)
		s.pos += avail
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Seek implements io.Seeker.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		s.pos = offset
	case io.SeekCurrent:
		s.pos += offset
	case io.SeekEnd:
		s.pos = int64(s.size) + offset
	default:
		return 0, fmt.Errorf("bad whence %d", whence)
	}
	if s.pos < 0 {
		s.pos = 0
		return 0, errors.New("seek before start of stream")
	}
	return s.pos, nil
}

// Bytes reads the whole stream from the beginning.
func (s *Stream) Bytes() ([]byte, error) {
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	out := make([]byte, s.size)
	_, err := io.ReadFull(s, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}
