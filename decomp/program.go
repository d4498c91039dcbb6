// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package decomp

import (
	"fmt"
	"strings"

	"github.com/msvcdec/msvcdec/codeview"
	"github.com/msvcdec/msvcdec/interval"
	"github.com/msvcdec/msvcdec/log"
	"github.com/msvcdec/msvcdec/msvc"
	"github.com/msvcdec/msvcdec/pdb"
	"github.com/msvcdec/msvcdec/pe"
	"github.com/msvcdec/msvcdec/tpi"
)

// Program is the unified view of the executable and its debug information:
// sections with contributions, items over the address space, and modules
// grouped into libraries.
type Program struct {
	ExeName  string
	Data     *pdb.ProgramData
	Sections []*Section

	Libraries map[string]*Library
	Modules   []*Module
	Includes  map[string]*Include

	items        interval.Tree[Item]
	extraGlobals []codeview.Symbol

	cfg    *Config
	logger *log.Helper
}

// Options configures program construction.
type Options struct {
	Config *Config
	Logger log.Logger
}

// New builds the program model: sections and contributions, classes, item
// allocation, then every module with its functions.
func New(exe *pe.File, data *pdb.ProgramData, opts *Options) (*Program, error) {
	p := &Program{
		ExeName:   data.ExeName,
		Data:      data,
		Libraries: make(map[string]*Library),
		Includes:  make(map[string]*Include),
	}
	if opts != nil && opts.Config != nil {
		p.cfg = opts.Config
	} else {
		p.cfg = DefaultConfig()
	}
	if opts != nil && opts.Logger != nil {
		p.logger = log.NewHelper(opts.Logger)
	} else {
		p.logger = log.Default()
	}

	p.Sections = buildSections(exe, len(exe.Sections))
	for _, e := range data.DBI.SectionMap {
		if int(e.Frame) < len(p.Sections) && p.Sections[e.Frame].Size == 0 {
			p.Sections[e.Frame].Size = e.SectionLength
		}
	}

	// contributions into their sections and their owning modules.
	moduleContribs := make([][]*pdb.SectionContrib, len(data.Modules))
	for _, sc := range data.DBI.Contributions {
		if int(sc.ModuleIndex) < len(moduleContribs) {
			moduleContribs[sc.ModuleIndex] = append(moduleContribs[sc.ModuleIndex], sc)
		}
		if int(sc.Section) < len(p.Sections) {
			p.Sections[sc.Section].addContribution(sc)
		}
	}

	data.Types.BuildClasses(p.cfg.OverlapAllowed)

	// split globals by the module their contribution belongs to.
	moduleGlobals := make([][]codeview.Symbol, len(data.Modules))
	for _, sym := range data.Symbols.List {
		switch s := sym.(type) {
		case *codeview.DataSym:
			if idx, ok := p.moduleOf(s.Segment, s.Offset); ok && idx != 0 {
				moduleGlobals[idx] = append(moduleGlobals[idx], sym)
			} else if int(s.Segment) < len(p.Sections)-1 {
				p.extraGlobals = append(p.extraGlobals, sym)
			}
		case *codeview.RefSym:
			// references into module symbol tables; the module copies carry
			// the real records.
		case *codeview.Constant, *codeview.UserDefinedType:
			// enum values and typedefs surface through the type store.
		}
	}

	top := &Library{Name: data.ExeName}
	p.Libraries[data.ExeName] = top

	for i, md := range data.Modules {
		library := top
		name := lastPathPart(md.Info.ModuleName)
		if md.Info.ModuleName != md.Info.ObjFilename {
			libName := lastPathPart(md.Info.ObjFilename)
			library = p.Libraries[libName]
			if library == nil {
				library = &Library{Name: libName, Path: md.Info.ObjFilename}
				p.Libraries[libName] = library
			}
		}

		m, err := newModule(p, library, i, name, md, moduleContribs[i], moduleGlobals[i])
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", name, err)
		}
		p.Modules = append(p.Modules, m)
		library.AddModule(m)
	}
	return p, nil
}

// moduleOf locates the module owning (segment, offset) through the
// contribution trees.
func (p *Program) moduleOf(segment uint16, offset uint32) (int, bool) {
	if int(segment) >= len(p.Sections) {
		return 0, false
	}
	sc, ok := p.Sections[segment].ContribAt(offset)
	if !ok {
		return 0, false
	}
	return int(sc.ModuleIndex), true
}

// GetAddr maps (segment, offset) to a virtual address.
func (p *Program) GetAddr(segment uint16, offset uint32) uint32 {
	if int(segment) >= len(p.Sections) {
		return 0
	}
	return p.Sections[segment].VA + offset
}

// GetItem returns the single item enclosing addr, or nil.
func (p *Program) GetItem(addr uint32) Item {
	e, ok := p.items.One(int64(addr))
	if !ok {
		return nil
	}
	return e.Value
}

// addItem registers an item over its address range.
func (p *Program) addItem(it Item) {
	if it.Length() == 0 {
		return
	}
	p.items.Insert(int64(it.Address()), int64(it.Address())+int64(it.Length()), it)
}

// PostProcess runs the second pass: leftover globals become items, public
// symbols attach as exports, vtables resolve their entries, and every
// function body is analyzed.
func (p *Program) PostProcess() {
	for _, g := range p.extraGlobals {
		ds, ok := g.(*codeview.DataSym)
		if !ok || ds.IsPublic() {
			continue
		}
		addr := p.GetAddr(ds.Segment, ds.Offset)
		if p.GetItem(addr) != nil {
			continue
		}
		item := NewData(ds, addr, ds.Type)
		p.attachContrib(&item.BaseItem, ds.Segment, ds.Offset)
		p.addItem(item)
	}

	for _, g := range p.extraGlobals {
		ds, ok := g.(*codeview.DataSym)
		if !ok || !ds.IsPublic() {
			continue
		}
		addr := p.GetAddr(ds.Segment, ds.Offset)
		item := p.GetItem(addr)
		if item == nil {
			p.logger.Warnf("trying to export %s @ %#010x, but it does not exist",
				ds.Name, addr)
			continue
		}
		if base, ok := item.(*Data); ok {
			base.Export = g
		}
	}

	for _, m := range p.Modules {
		for _, item := range m.AllItems {
			item.PostProcess(p)
		}
	}
}

// attachContrib finds the contribution covering (segment, offset) and
// slices the item into it.
func (p *Program) attachContrib(it *BaseItem, segment uint16, offset uint32) {
	if int(segment) >= len(p.Sections) {
		return
	}
	sc, ok := p.Sections[segment].ContribAt(offset)
	if !ok {
		return
	}
	it.Contrib = sc
	it.ContribOffset = int64(offset) - int64(sc.Offset)
}

// Include is one header file referenced by modules.
type Include struct {
	Filename  string
	Modules   []*Module
	Functions []*Function
}

// getInclude interns an include by filename.
func (p *Program) getInclude(filename string) *Include {
	if inc, ok := p.Includes[filename]; ok {
		return inc
	}
	inc := &Include{Filename: filename}
	p.Includes[filename] = inc
	return inc
}

// Library groups the modules that share an originating archive.
type Library struct {
	Name       string
	Path       string
	CommonPath string
	Modules    map[string]*Module
}

// IsDLL reports a library whose every member is a DLL stub.
func (l *Library) IsDLL() bool {
	for _, m := range l.Modules {
		if ext(m.Name) != "dll" {
			return false
		}
	}
	return len(l.Modules) > 0
}

// AddModule registers a module and folds its source path into the library's
// common prefix, which grows shorter as diverging members arrive.
func (l *Library) AddModule(m *Module) {
	if l.Modules == nil {
		l.Modules = make(map[string]*Module)
	}
	fullpath := strings.ToLower(m.SourceFile)
	filename := lastPathPart(fullpath)
	path := fullpath[:len(fullpath)-len(filename)]
	l.Modules[filename] = m

	if strings.HasSuffix(fullpath, ".res") {
		return
	}

	switch {
	case l.CommonPath == "":
		l.CommonPath = path
	case l.CommonPath == path:
	case strings.HasPrefix(path, l.CommonPath):
	default:
		pathParts := strings.Split(path, "\\")
		commonParts := strings.Split(l.CommonPath, "\\")
		i := 0
		for i < len(pathParts) && i < len(commonParts) && pathParts[i] == commonParts[i] {
			i++
		}
		l.CommonPath = strings.Join(commonParts[:i], "\\") + "\\"
	}
}

func lastPathPart(p string) string {
	if idx := strings.LastIndexByte(p, '\\'); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

func ext(filename string) string {
	if idx := strings.LastIndexByte(filename, '.'); idx >= 0 {
		return strings.ToLower(filename[idx+1:])
	}
	return ""
}

// Module is one input object file: its sources, contributions, symbols and
// functions.
type Module struct {
	Index      int
	Name       string
	SourceFile string
	Library    *Library
	Includes   map[string]*Include

	Contribs  []*pdb.SectionContrib
	Globals   []codeview.Symbol
	Functions map[string]*Function
	AllItems  []Item

	UsedTypes map[tpi.Type][]TypeUsage
}

// TypeUsageKind says how a module uses a type.
type TypeUsageKind int

// Type usage kinds.
const (
	UsageUnknown TypeUsageKind = iota
	UsageArgument
	UsageReturn
	UsageLocal
	UsageLocalStatic
	UsageGlobalData
	UsageCall
	UsageMemberImpl
)

// TypeUsage records one use of a type by a module, with pointer, modifier
// and array wrappers peeled off.
type TypeUsage struct {
	Kind TypeUsageKind
	By   interface{}
}

// UseType records a usage, unwrapping pointers, modifiers and arrays down
// to the named type.
func (m *Module) UseType(ty tpi.Type, by interface{}, kind TypeUsageKind) {
	for {
		switch t := ty.(type) {
		case *tpi.Pointer:
			ty = t.Inner
		case *tpi.Modifier:
			ty = t.Inner
		case *tpi.Array:
			ty = t.Elem
		default:
			goto done
		}
		if ty == nil {
			return
		}
	}
done:
	if ty == nil {
		return
	}
	if m.UsedTypes == nil {
		m.UsedTypes = make(map[tpi.Type][]TypeUsage)
	}
	m.UsedTypes[ty] = append(m.UsedTypes[ty], TypeUsage{Kind: kind, By: by})
}

// newModule assembles one module: source attribution, globals as items, and
// function analysis for every procedure symbol.
func newModule(p *Program, library *Library, idx int, name string, md *pdb.ModuleData,
	contribs []*pdb.SectionContrib, globals []codeview.Symbol) (*Module, error) {

	m := &Module{
		Index:     idx,
		Name:      name,
		Library:   library,
		Includes:  make(map[string]*Include),
		Contribs:  contribs,
		Globals:   globals,
		Functions: make(map[string]*Function),
	}

	// the module's source file is its first .cpp/.c/.asm source; resource
	// and object-only modules fall back to the module name.
	for _, s := range md.Sources {
		switch ext(s) {
		case "cpp", "c", "asm":
			if m.SourceFile == "" {
				m.SourceFile = s
			}
		case "h", "hpp":
			inc := p.getInclude(s)
			m.Includes[s] = inc
			inc.Modules = append(inc.Modules, m)
		}
	}
	if m.SourceFile == "" {
		switch ext(name) {
		case "res", "dll", "obj":
			m.SourceFile = name
		default:
			m.SourceFile = name
		}
	}

	// globals become items.
	for _, g := range globals {
		ds, ok := g.(*codeview.DataSym)
		if !ok {
			continue
		}
		addr := p.GetAddr(ds.Segment, ds.Offset)
		if existing := p.GetItem(addr); existing != nil {
			if d, ok := existing.(*Data); ok {
				d.AddAltDef(ds)
			}
			continue
		}

		var item Item
		switch {
		case ds.Type != nil:
			d := NewData(ds, addr, ds.Type)
			p.attachContrib(&d.BaseItem, ds.Segment, ds.Offset)
			m.UseType(ds.Type, d, UsageGlobalData)
			item = d
		case strings.HasPrefix(ds.Name, msvc.StringLiteralPrefix):
			sc, off := contribOf(p, ds.Segment, ds.Offset)
			item = NewStringLiteral(ds, addr, sc, off)
		case strings.HasPrefix(ds.Name, msvc.VftablePrefix):
			sc, off := contribOf(p, ds.Segment, ds.Offset)
			item = NewVftTable(ds, addr, sc, off, p)
		case ds.IsPublic():
			continue
		case strings.HasPrefix(ds.Name, "$S"):
			continue
		default:
			p.logger.Warnf("module %s: untyped global %s", name, ds.Name)
			continue
		}

		p.addItem(item)
		m.AllItems = append(m.AllItems, item)
	}

	// root symbols: functions, thunks, stray labels.
	for _, sym := range md.Symbols {
		switch s := sym.(type) {
		case *codeview.ObjName, *codeview.CompileFlags:
		case *codeview.ProcStart:
			fn := NewFunction(p, m, s, md.Lines)
			m.Functions[fn.Name] = fn
			m.AllItems = append(m.AllItems, fn)
			if fn.Len > 0 {
				p.addItem(fn)
			}
			if fn.SourceFile != m.SourceFile {
				if inc, ok := m.Includes[fn.SourceFile]; ok {
					inc.Functions = append(inc.Functions, fn)
				}
			}
		case *codeview.Thunk:
			th := NewThunk(s, p.GetAddr(s.Segment, s.Offset))
			m.AllItems = append(m.AllItems, th)
			p.addItem(th)
		case *codeview.CodeLabel:
			// bare labels only show up in the C runtime; harmless.
		default:
			p.logger.Warnf("module %s: unexpected root symbol %T", name, sym)
		}
	}
	return m, nil
}

func contribOf(p *Program, segment uint16, offset uint32) (*pdb.SectionContrib, int64) {
	if int(segment) >= len(p.Sections) {
		return nil, -1
	}
	sc, ok := p.Sections[segment].ContribAt(offset)
	if !ok {
		return nil, -1
	}
	return sc, int64(offset) - int64(sc.Offset)
}
