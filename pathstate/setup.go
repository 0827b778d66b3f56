package pathstate

import (
	"github.com/google/uuid"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/pkg/errors"

	"github.com/norlen/symex/bitvector"
	"github.com/norlen/symex/project"
	"github.com/norlen/symex/symmem"
)

// New builds the single root path for an exploration of entryFn: it
// initializes every global (one fresh allocation per global, so later
// getelementptr/load/store against a global address resolve through
// Symbolic Memory like any other pointer), then creates entryFn's first
// frame and binds its parameters per mode.
//
// Aggregate-typed parameters receive a symbolic allocation and a pointer to
// it, matching how a byval-like aggregate argument is passed; scalar
// parameters receive a fresh symbol directly. mode == CallerProvided still
// initializes globals but binds args to the parameters positionally instead
// of creating symbols (used by executor.RunWithArgs).
func New(id uint64, proj *project.Project, entryFn *ir.Func, mode ArgMode, args []*bitvector.BV, symbolicOffsetThreshold uint32) (*State, []SymbolicInput, error) {
	mem := symmem.New(symbolicOffsetThreshold)
	globals, funcAddrs, funcByAlloc, err := initGlobals(proj, mem)
	if err != nil {
		return nil, nil, err
	}

	s := &State{
		ID: id, RootID: uuid.New(), Lineage: "0",
		Mem: mem, Scopes: [][]*bitvector.BV{{}}, Globals: globals, FuncAddrs: funcAddrs, FuncByAlloc: funcByAlloc, Status: Running,
	}

	f := newFrame(entryFn, "")
	s.Frames = []*Frame{f}

	var inputs []SymbolicInput
	switch mode {
	case CallerProvided:
		for i, p := range entryFn.Params {
			if i >= len(args) {
				return nil, nil, errors.Errorf("pathstate: missing argument %d for %q", i, entryFn.Name())
			}
			f.Regs[p.Ident()] = args[i]
		}
	case AllSymbolic:
		for i, p := range entryFn.Params {
			bv, symbolics, err := symbolicArg(proj, mem, f, i, p)
			if err != nil {
				return nil, nil, err
			}
			f.Regs[p.Ident()] = bv
			inputs = append(inputs, symbolics...)
		}
	default:
		return nil, nil, errors.Errorf("pathstate: unknown arg mode %d", mode)
	}

	return s, inputs, nil
}

// symbolicArg creates a fresh symbolic value for parameter p. Scalars
// (integers, pointers) become a single named symbol; any other type is
// passed as a pointer to a fresh symbolic stack allocation whose bytes are
// left untouched (Symbolic Memory's first-touch semantics materialize them
// lazily as they're read).
func symbolicArg(proj *project.Project, mem *symmem.Memory, f *Frame, idx int, p *ir.Param) (*bitvector.BV, []SymbolicInput, error) {
	name := p.Ident()
	if name == "" {
		name = paramName(idx)
	}

	switch t := p.Type().(type) {
	case *types.IntType:
		sym, err := bitvector.Symbol(name, uint32(t.BitSize))
		if err != nil {
			return nil, nil, err
		}
		return sym, []SymbolicInput{{Name: name, BV: sym}}, nil

	case *types.PointerType:
		sym, err := bitvector.Symbol(name, symmem.PointerWidth)
		if err != nil {
			return nil, nil, err
		}
		return sym, []SymbolicInput{{Name: name, BV: sym}}, nil

	default:
		size, err := proj.SizeOf(t)
		if err != nil {
			return nil, nil, err
		}
		align, err := proj.AlignOf(t)
		if err != nil {
			return nil, nil, err
		}
		sizeBV, err := bitvector.ConstU64(size, symmem.PointerWidth)
		if err != nil {
			return nil, nil, err
		}
		ptr, id, err := mem.Allocate(sizeBV, align, symmem.Stack, 0)
		if err != nil {
			return nil, nil, err
		}
		f.Allocas = append(f.Allocas, id)
		return ptr, nil, nil
	}
}

func paramName(idx int) string {
	return "arg" + itoa(idx)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// initGlobals allocates storage for every global variable across the
// project and lowers its initializer into those bytes, returning the name
// -> base-pointer map LowerConstant needs to resolve global references
// within later constant expressions.
func initGlobals(proj *project.Project, mem *symmem.Memory) (map[string]*bitvector.BV, map[string]*bitvector.BV, map[uint64]*ir.Func, error) {
	globals := map[string]*bitvector.BV{}
	funcAddrs := map[string]*bitvector.BV{}
	funcByAlloc := map[uint64]*ir.Func{}

	all := proj.Globals()
	ids := make([]uint64, len(all))
	for i, g := range all {
		elemType := g.Type().(*types.PointerType).ElemType
		size, err := proj.SizeOf(elemType)
		if err != nil {
			return nil, nil, nil, err
		}
		align, err := proj.AlignOf(elemType)
		if err != nil {
			return nil, nil, nil, err
		}
		sizeBV, err := bitvector.ConstU64(size, symmem.PointerWidth)
		if err != nil {
			return nil, nil, nil, err
		}
		ptr, id, err := mem.Allocate(sizeBV, align, symmem.Global, 0)
		if err != nil {
			return nil, nil, nil, err
		}
		ids[i] = id
		globals[g.Name()] = ptr
	}

	// Functions share the global/function symbol namespace; give each a
	// synthetic unique address too so constant expressions and indirect
	// calls that compare a function pointer for identity resolve correctly.
	// Assigned before initializers are lowered so a global pointing at a
	// function (a vtable-style initializer) resolves correctly.
	oneByte, err := bitvector.ConstU64(1, symmem.PointerWidth)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, fn := range proj.Functions() {
		ptr, id, err := mem.Allocate(oneByte, 1, symmem.Global, 0)
		if err != nil {
			return nil, nil, nil, err
		}
		funcAddrs[fn.Name()] = ptr
		globals[fn.Name()] = ptr
		funcByAlloc[id] = fn
	}

	zeroOff, err := bitvector.ConstU64(0, symmem.PointerWidth)
	if err != nil {
		return nil, nil, nil, err
	}
	for i, g := range all {
		if g.Init == nil {
			continue
		}
		val, err := proj.LowerConstant(g.Init, globals)
		if err != nil {
			return nil, nil, nil, errors.Wrapf(err, "global %q initializer", g.Name())
		}
		if val.Width() == 0 {
			continue
		}
		if err := mem.Store(ids[i], zeroOff, val); err != nil {
			return nil, nil, nil, errors.Wrapf(err, "global %q initializer store", g.Name())
		}
	}
	return globals, funcAddrs, funcByAlloc, nil
}
