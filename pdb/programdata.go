// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pdb

import (
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/msvcdec/msvcdec/codeview"
	"github.com/msvcdec/msvcdec/log"
	"github.com/msvcdec/msvcdec/msf"
	"github.com/msvcdec/msvcdec/tpi"
)

// ModuleData is everything parsed out of one module's own stream.
type ModuleData struct {
	Info    ModuleInfo
	Sources []string
	Symbols []codeview.Symbol
	Lines   *codeview.ModuleLines
}

// ProgramData holds all the data parsed from a program database: type
// information, global and public symbols, and module details. Everything
// downstream consumes this view.
type ProgramData struct {
	ExeName string

	Types   *tpi.Store
	Symbols *codeview.Symbols
	DBI     *DBI
	Modules []*ModuleData

	logger *log.Helper
}

// Options configures loading.
type Options struct {
	// A custom logger.
	Logger log.Logger
}

// Load opens a program database and parses every stream the decompiler
// consumes: types, the debug-information stream, the symbol-record stream,
// both visibility hash streams, and each module's symbols and lines.
func Load(pdbPath string, opts *Options) (*ProgramData, error) {
	var logger *log.Helper
	if opts != nil && opts.Logger != nil {
		logger = log.NewHelper(opts.Logger)
	} else {
		logger = log.Default()
	}

	container, err := msf.Open(pdbPath)
	if err != nil {
		return nil, err
	}
	defer container.Close()

	return parse(container, pdbPath, logger)
}

// LoadBytes parses a program database held in memory.
func LoadBytes(data []byte, name string, opts *Options) (*ProgramData, error) {
	var logger *log.Helper
	if opts != nil && opts.Logger != nil {
		logger = log.NewHelper(opts.Logger)
	} else {
		logger = log.Default()
	}
	container, err := msf.NewBytes(data)
	if err != nil {
		return nil, err
	}
	return parse(container, name, logger)
}

func parse(container *msf.File, pdbPath string, logger *log.Helper) (*ProgramData, error) {
	p := &ProgramData{
		ExeName: strings.ToUpper(strings.TrimSuffix(filepath.Base(pdbPath),
			filepath.Ext(pdbPath))),
		logger: logger,
	}

	tpiStream, err := container.Stream(StreamTPI)
	if err != nil {
		return nil, err
	}
	if p.Types, err = tpi.Parse(tpiStream, logger); err != nil {
		return nil, fmt.Errorf("type stream: %w", err)
	}

	dbiStream, err := container.Stream(StreamDBI)
	if err != nil {
		return nil, err
	}
	if p.DBI, err = ParseDBI(dbiStream); err != nil {
		return nil, fmt.Errorf("dbi stream: %w", err)
	}

	symData, err := streamBytes(container, int(p.DBI.Header.SymbolRecordStream))
	if err != nil {
		return nil, fmt.Errorf("symbol record stream: %w", err)
	}
	if p.Symbols, err = codeview.ParseSymbols(symData, p.Types); err != nil {
		return nil, fmt.Errorf("symbol records: %w", err)
	}

	// the hash streams only matter for the visibility they assign.
	gsiData, err := streamBytes(container, int(p.DBI.Header.GlobalSymbolStream))
	if err != nil {
		return nil, fmt.Errorf("gsi stream: %w", err)
	}
	gsi, err := codeview.ParseGSI(gsiData)
	if err != nil {
		return nil, fmt.Errorf("gsi: %w", err)
	}
	gsi.ApplyVisibility(codeview.VisGlobal, p.Symbols)

	psgiData, err := streamBytes(container, int(p.DBI.Header.PublicSymbolStream))
	if err != nil {
		return nil, fmt.Errorf("psgi stream: %w", err)
	}
	psgi, err := codeview.ParsePSGI(psgiData)
	if err != nil {
		return nil, fmt.Errorf("psgi: %w", err)
	}
	psgi.GSI.ApplyVisibility(codeview.VisPublic, p.Symbols)

	for i, mi := range p.DBI.Modules {
		md := &ModuleData{Info: mi}
		if i < len(p.DBI.SourceFiles) {
			md.Sources = p.DBI.SourceFiles[i]
		}
		if mi.Stream != NilStream {
			if err := p.parseModuleStream(container, mi, md); err != nil {
				return nil, fmt.Errorf("module %s: %w", mi.ModuleName, err)
			}
		}
		p.Modules = append(p.Modules, md)
	}
	return p, nil
}

func (p *ProgramData) parseModuleStream(container *msf.File, mi ModuleInfo, md *ModuleData) error {
	data, err := streamBytes(container, int(mi.Stream))
	if err != nil {
		return err
	}

	if mi.SymbolsSize > 4 {
		if len(data) < int(mi.SymbolsSize) {
			return io.ErrUnexpectedEOF
		}
		// u32 signature, then records.
		_ = binary.LittleEndian.Uint32(data)
		syms, err := codeview.ParseSymbols(data[4:mi.SymbolsSize], p.Types)
		if err != nil {
			return err
		}
		md.Symbols = codeview.ToTree(syms.List)
	}

	if mi.LinesSize > 0 {
		start := int(mi.SymbolsSize)
		end := start + int(mi.LinesSize)
		if end > len(data) {
			return io.ErrUnexpectedEOF
		}
		lines, err := codeview.ParseLines(data[start:end])
		if err != nil {
			return err
		}
		md.Lines = lines
	}
	return nil
}

func streamBytes(container *msf.File, idx int) ([]byte, error) {
	s, err := container.Stream(idx)
	if err != nil {
		return nil, err
	}
	return s.Bytes()
}
