// Package project implements Project & Layout (PL): a thin wrapper around
// one or more parsed LLVM modules (github.com/llir/llvm/ir) that resolves
// function lookups and computes the target-specific type layout (size,
// alignment, struct field offsets) the rest of the engine needs to turn a
// typed IR value into a concrete byte count.
package project

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/llir/llvm/ir"
	"github.com/pkg/errors"
)

// ErrDataLayoutMismatch is returned by Load when the modules being linked
// together declare conflicting target data layouts — this engine assumes a
// single, consistent memory model across an entire project.
var ErrDataLayoutMismatch = errors.New("project: mismatched data layout across modules")

// ErrUnsupportedLayout is returned by Load when the (consistent) data
// layout implies a model this engine cannot execute: anything but
// little-endian with 64-bit pointers.
var ErrUnsupportedLayout = errors.New("project: unsupported target data layout")

// ErrFunctionNotFound is returned by LookupFunction.
var ErrFunctionNotFound = errors.New("project: function not found")

// DefaultLayoutCacheSize is the LRU entry count Load falls back to when
// Options.LayoutCacheSize is zero.
const DefaultLayoutCacheSize = 4096

// Options configures Load. A zero Options selects every documented default.
type Options struct {
	// LayoutCacheSize bounds the LRU cache Load builds for memoized
	// SizeOf/AlignOf/OffsetOf results. Zero selects DefaultLayoutCacheSize.
	LayoutCacheSize int
}

// Project is the loaded, indexed view of a set of LLVM modules that share
// one data layout.
type Project struct {
	Modules    []*ir.Module
	DataLayout string

	funcs   map[string]*ir.Func
	globals map[string]*ir.Global

	layouts *lru.Cache[string, Layout]
}

// Load indexes modules by function and global name, and memoizes the
// shared data layout string every later SizeOf/AlignOf/OffsetOf call is
// computed against. Modules whose TargetDataLayout disagrees are rejected
// outright rather than silently picking one. opts is
// variadic so existing callers that don't care about layout-cache sizing
// keep compiling unchanged; only the first entry, if any, is used.
func Load(modules []*ir.Module, opts ...Options) (*Project, error) {
	if len(modules) == 0 {
		return nil, errors.New("project: no modules given")
	}

	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	cacheSize := o.LayoutCacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultLayoutCacheSize
	}
	cache, err := lru.New[string, Layout](cacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	p := &Project{
		Modules: modules,
		funcs:   map[string]*ir.Func{},
		globals: map[string]*ir.Global{},
		layouts: cache,
	}

	p.DataLayout = modules[0].DataLayout
	if err := checkLayout(p.DataLayout); err != nil {
		return nil, err
	}
	for _, m := range modules {
		if m.DataLayout != p.DataLayout {
			return nil, errors.Wrapf(ErrDataLayoutMismatch, "%q vs %q", p.DataLayout, m.DataLayout)
		}
		for _, f := range m.Funcs {
			if len(f.Blocks) == 0 {
				continue // external declaration, not a definition we can execute
			}
			p.funcs[f.Name()] = f
		}
		for _, g := range m.Globals {
			p.globals[g.Name()] = g
		}
	}
	return p, nil
}

// checkLayout rejects a data layout string that isn't little-endian with
// 64-bit pointers. An empty layout (the common case for hand-built modules
// in tests) is accepted as this engine's assumed default rather than
// rejected, since LLVM itself treats a missing layout the same way.
func checkLayout(dataLayout string) error {
	for _, tok := range strings.Split(dataLayout, "-") {
		switch {
		case tok == "E":
			return errors.Wrapf(ErrUnsupportedLayout, "big-endian layout %q", dataLayout)
		case strings.HasPrefix(tok, "p:"):
			fields := strings.Split(tok, ":")
			if len(fields) >= 2 && fields[1] != "64" {
				return errors.Wrapf(ErrUnsupportedLayout, "non-64-bit pointer layout %q", dataLayout)
			}
		}
	}
	return nil
}

// LookupFunction returns the defined function named name.
func (p *Project) LookupFunction(name string) (*ir.Func, error) {
	f, ok := p.funcs[name]
	if !ok {
		return nil, errors.Wrapf(ErrFunctionNotFound, "%q", name)
	}
	return f, nil
}

// LookupGlobal returns the global variable named name.
func (p *Project) LookupGlobal(name string) (*ir.Global, error) {
	g, ok := p.globals[name]
	if !ok {
		return nil, errors.Errorf("project: global %q not found", name)
	}
	return g, nil
}

// Globals returns every global variable across every loaded module, in a
// stable order, for pathstate's startup global-initialization pass.
func (p *Project) Globals() []*ir.Global {
	var out []*ir.Global
	for _, m := range p.Modules {
		out = append(out, m.Globals...)
	}
	return out
}

// Functions returns every defined function across every loaded module, in a
// stable order, for pathstate's startup function-address assignment
// pass (function pointers need a concrete identity for comparisons and
// indirect-call resolution).
func (p *Project) Functions() []*ir.Func {
	var out []*ir.Func
	for _, m := range p.Modules {
		for _, f := range m.Funcs {
			if len(f.Blocks) == 0 {
				continue
			}
			out = append(out, f)
		}
	}
	return out
}
