// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package decomp

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// SwitchPointers is a jump table: an array of code pointers indexed by a
// byte table of case indices. The length is bounded by the first pointer
// that lands outside the function or by the lowest target address that lies
// past the start of the block.
type SwitchPointers struct {
	Fn      *Function
	Offset  int64
	Targets []uint32
	Data    []byte
	Length  int64
}

// NewSwitchPointers parses a pointer block at a function offset. Parsing
// stops at the first value outside the function bounds; every target that
// lands past the table's start also lowers the upper bound of the table.
func NewSwitchPointers(offset int64, data []byte, fn *Function) *SwitchPointers {
	sp := &SwitchPointers{Fn: fn, Offset: offset}
	end := offset + int64(len(data))
	for i := 0; i+4 <= len(data); i += 4 {
		elementOffset := offset + int64(i)
		if elementOffset >= end {
			break
		}
		t := binary.LittleEndian.Uint32(data[i:])
		if tOff := int64(t) - int64(fn.Addr); tOff > offset && tOff < end {
			end = tOff
		}
		if t < fn.Addr || t >= fn.Addr+fn.Len {
			end = elementOffset
			break
		}
		sp.Targets = append(sp.Targets, t)
	}
	sp.Length = end - offset
	if sp.Length < 0 {
		sp.Length = 0
	}
	if sp.Length > int64(len(data)) {
		sp.Length = int64(len(data))
	}
	sp.Data = data[:sp.Length]
	return sp
}

func (sp *SwitchPointers) markerCode() string { return sp.AsCode() }

// AsCode lists the recovered branch labels.
func (sp *SwitchPointers) AsCode() string {
	var sb strings.Builder
	sb.WriteString("// Switch pointers:\n")
	for _, t := range sp.Targets {
		label := sp.Fn.LabelAt(int64(t) - int64(sp.Fn.Addr))
		if label == nil {
			fmt.Fprintf(&sb, "//   0x%08x (no label)\n", t)
		} else {
			fmt.Fprintf(&sb, "//   %s\n", label.Name)
		}
	}
	return sb.String()
}

// AccessName renders an element reference for rewritten assembly.
func (sp *SwitchPointers) AccessName(offset int64) string {
	return fmt.Sprintf("_Switch_%x[%d]", sp.Offset, offset)
}

// SwitchTable is the byte table of case indices feeding a SwitchPointers.
// Registered from an anonymous untyped local-data symbol; populated once
// the pointer block it indexes is known.
type SwitchTable struct {
	Fn       *Function
	Offset   int64
	Data     []byte
	Pointers *SwitchPointers
	Length   int64
}

func (st *SwitchTable) markerCode() string { return st.AsCode() }

// Populate sizes the table: entries are valid until the first index outside
// the pointer array.
func (st *SwitchTable) Populate(data []byte, pointers *SwitchPointers) {
	st.Pointers = pointers
	count := len(pointers.Targets)
	n := len(data)
	for i, b := range data {
		if int(b) >= count {
			n = i
			break
		}
	}
	st.Length = int64(n)
	st.Data = data[:n]
}

// AsCode renders the table contents.
func (st *SwitchTable) AsCode() string {
	var sb strings.Builder
	sb.WriteString("// Switch table\n")
	if len(st.Data) == 0 {
		sb.WriteString("//   No data available yet\n")
		return sb.String()
	}
	parts := make([]string, len(st.Data))
	for i, b := range st.Data {
		parts[i] = fmt.Sprintf("%d", b)
	}
	fmt.Fprintf(&sb, "//  [%s]\n", strings.Join(parts, ", "))
	return sb.String()
}

// AccessName renders an element reference for rewritten assembly.
func (st *SwitchTable) AccessName(offset int64, size int64) string {
	if size <= 0 {
		size = 1
	}
	return fmt.Sprintf("_SwitchTable_%x[%d]", st.Offset, offset/size)
}
