// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package decomp

import (
	"github.com/msvcdec/msvcdec/interval"
	"github.com/msvcdec/msvcdec/pdb"
	"github.com/msvcdec/msvcdec/pe"
)

// Section is one slot of the program's flat address space: a PE section
// plus the interval tree of linker contributions inside it. The section
// table is bracketed by two sentinel sections carrying no bytes.
type Section struct {
	Index int
	Name  string
	VA    uint32
	Size  uint32
	Data  []byte

	Contribs interval.Tree[*pdb.SectionContrib]
}

// buildSections lays the PE sections out against the image base, with
// sentinels at index zero and one past the last real section.
func buildSections(exe *pe.File, count int) []*Section {
	sections := make([]*Section, 0, count+2)
	sections = append(sections, &Section{Index: 0})
	for i := range exe.Sections {
		s := &exe.Sections[i]
		sections = append(sections, &Section{
			Index: i + 1,
			Name:  s.NameString(),
			VA:    exe.ImageBase() + s.Header.VirtualAddress,
			Size:  s.VirtualSize(),
			Data:  s.Data(),
		})
	}
	sections = append(sections, &Section{Index: len(sections)})
	return sections
}

// addContribution inserts a contribution into the section's tree and hands
// it its slice of the section bytes.
func (s *Section) addContribution(sc *pdb.SectionContrib) {
	size := sc.Size
	if size == 0 {
		size = 1
	}
	s.Contribs.Insert(int64(sc.Offset), int64(sc.Offset)+int64(size), sc)

	if s.Data != nil && int(sc.Offset) <= len(s.Data) {
		end := int(sc.Offset + sc.Size)
		if end > len(s.Data) {
			end = len(s.Data)
		}
		sc.Data = s.Data[sc.Offset:end]
	}
}

// ContribAt returns the contribution covering a section offset.
func (s *Section) ContribAt(offset uint32) (*pdb.SectionContrib, bool) {
	e, ok := s.Contribs.One(int64(offset))
	if !ok {
		return nil, false
	}
	return e.Value, true
}
