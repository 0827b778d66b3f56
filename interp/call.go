package interp

import (
	"context"
	"strings"

	"github.com/llir/llvm/ir"

	"github.com/norlen/symex/bitvector"
	"github.com/norlen/symex/pathstate"
)

// execCall either enters another defined IR function (pushing a frame) or
// dispatches to a registered intrinsic/builtin hook. A function-pointer
// callee is resolved through the same Symbolic Memory
// candidate search as a load/store pointer, since every function's address
// is itself a one-byte Global allocation (pathstate.setup.initGlobals).
func (in *Interp) execCall(ctx context.Context, st *pathstate.State, f *pathstate.Frame, name string, ii *ir.InstCall, nextID IDAllocator) ([]*pathstate.State, error) {
	if fn, ok := ii.Callee.(*ir.Func); ok && isNoopIntrinsic(fn.Name()) {
		return nil, nil
	}

	args, err := in.resolveOperands(st, f, ii.Args)
	if err != nil {
		return nil, err
	}

	if callee, ok := ii.Callee.(*ir.Func); ok {
		return in.callDirect(ctx, st, f, name, callee.Name(), args, ii, nextID)
	}

	ptr, err := in.resolveOperand(st, f, ii.Callee)
	if err != nil {
		return nil, err
	}
	candidates, err := in.resolvePointer(ctx, st, ptr)
	if err != nil {
		return nil, err
	}
	var targets []*ir.Func
	var conds []*bitvector.BV
	for _, c := range candidates {
		fn, ok := st.FuncByAlloc[c.AllocID]
		if !ok {
			continue
		}
		targets = append(targets, fn)
		conds = append(conds, c.PinCond)
	}
	if len(targets) == 0 {
		st.Fail(pathstate.OutOfBounds, st.CurrentSite(), "indirect call through a pointer with no feasible function target")
		return nil, nil
	}
	if len(targets) == 1 {
		if err := st.Call(targets[0], args, name); err != nil {
			return nil, err
		}
		return nil, nil
	}

	ids := make([]uint64, len(targets))
	for i := range targets {
		ids[i] = nextID()
	}
	children := st.ForkMany(ids, conds)
	for i, child := range children {
		if err := child.Call(targets[i], args, name); err != nil {
			return nil, err
		}
	}
	return children, nil
}

// callDirect dispatches callee to a builtin (intrinsic or engine hook) when
// its name matches one, otherwise looks it up as a defined IR function.
func (in *Interp) callDirect(ctx context.Context, st *pathstate.State, f *pathstate.Frame, name, callee string, args []*bitvector.BV, ii *ir.InstCall, nextID IDAllocator) ([]*pathstate.State, error) {
	if strings.HasPrefix(callee, "llvm.") || callee == "symbolic" || callee == "assume" {
		children, handled, err := in.callBuiltin(ctx, st, f, name, callee, args, ii, nextID)
		if handled {
			return children, err
		}
	}

	target, err := in.Proj.LookupFunction(callee)
	if err != nil {
		if handled, herr := in.heapBuiltin(ctx, st, f, name, callee, args); handled {
			return nil, herr
		}
		st.Fail(pathstate.UnsupportedIntrinsic, st.CurrentSite(), "call to undefined external function %q", callee)
		return nil, nil
	}
	if err := st.Call(target, args, name); err != nil {
		return nil, err
	}
	return nil, nil
}

// isNoopIntrinsic covers the debug-info and lifetime markers frontends emit
// freely. They carry metadata operands that never lower to bitvectors, so
// they are dropped before operand resolution.
func isNoopIntrinsic(callee string) bool {
	return strings.HasPrefix(callee, "llvm.dbg.") ||
		strings.HasPrefix(callee, "llvm.lifetime.") ||
		strings.HasPrefix(callee, "llvm.experimental.noalias.scope.decl")
}
