package interp

import (
	"context"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/pkg/errors"

	"github.com/norlen/symex/bitvector"
	"github.com/norlen/symex/pathstate"
	"github.com/norlen/symex/symmem"
)

// execAlloca reserves a fresh stack allocation sized by ElemType (times a
// constant or symbolic element count). A symbolic count must resolve to a
// concrete value under the current path constraint — the solver provides a
// model, and the concrete value is asserted back into the path so later
// reasoning stays consistent with what was actually allocated.
func (in *Interp) execAlloca(ctx context.Context, st *pathstate.State, f *pathstate.Frame, name string, ii *ir.InstAlloca) ([]*pathstate.State, error) {
	elemSize, err := in.Proj.StrideOf(ii.ElemType)
	if err != nil {
		return nil, err
	}
	align, err := in.Proj.AlignOf(ii.ElemType)
	if err != nil {
		return nil, err
	}

	n := uint64(1)
	if ii.NElems != nil {
		count, err := in.resolveOperand(st, f, ii.NElems)
		if err != nil {
			return nil, err
		}
		n, err = in.concretizeU64(ctx, st, count)
		if err != nil {
			return nil, err
		}
	}

	sizeBV, err := bitvector.ConstU64(elemSize*n, symmem.PointerWidth)
	if err != nil {
		return nil, err
	}
	ptr, id, err := st.Mem.Allocate(sizeBV, align, symmem.Stack, 0)
	if err != nil {
		return nil, err
	}
	f.Allocas = append(f.Allocas, id)
	setReg(f, name, ptr)
	return nil, nil
}

// concretizeU64 pins a possibly-symbolic bitvector to one concrete value
// under st's path constraint: the solver provides a model and the equality
// is asserted back into the path so later reasoning stays consistent with
// the value actually used.
func (in *Interp) concretizeU64(ctx context.Context, st *pathstate.State, bv *bitvector.BV) (uint64, error) {
	if c, ok := bv.IsConst(); ok {
		return c.Uint64(), nil
	}
	if err := in.Solv.RestoreScope(st.Depth(), st.Scopes); err != nil {
		return 0, err
	}
	if _, err := in.Solv.CheckSat(ctx); err != nil {
		return 0, err
	}
	model, err := in.Solv.GetValue(ctx, bv)
	if err != nil {
		return 0, err
	}
	v := model.Uint64()
	concrete, err := bitvector.ConstU64(v, bv.Width())
	if err != nil {
		return 0, err
	}
	eq, err := bitvector.Eq(bv, concrete)
	if err != nil {
		return 0, err
	}
	st.PushScope(eq)
	return v, nil
}

// resolvePointer syncs the shared solver to st's scope depth and asks its
// memory which allocations ptr could plausibly address.
func (in *Interp) resolvePointer(ctx context.Context, st *pathstate.State, ptr *bitvector.BV) ([]symmem.Candidate, error) {
	if err := in.Solv.RestoreScope(st.Depth(), st.Scopes); err != nil {
		return nil, err
	}
	return st.Mem.Resolve(ctx, in.Solv, ptr)
}

// memFail maps a Symbolic Memory sentinel error onto the matching path
// ErrorKind and terminates st, rather than propagating a Go error up to the
// executor — memory faults are per-path outcomes, not internal invariant
// violations.
func memFail(st *pathstate.State, err error) ([]*pathstate.State, error) {
	switch {
	case errors.Is(err, symmem.ErrOutOfBounds):
		st.Fail(pathstate.OutOfBounds, st.CurrentSite(), "%s", err.Error())
	case errors.Is(err, symmem.ErrUseAfterFree):
		st.Fail(pathstate.UseAfterFree, st.CurrentSite(), "%s", err.Error())
	case errors.Is(err, symmem.ErrDoubleFree):
		st.Fail(pathstate.DoubleFree, st.CurrentSite(), "%s", err.Error())
	case errors.Is(err, symmem.ErrUnsupportedSymbolicOffset):
		st.Fail(pathstate.UnsupportedSymbolicOffset, st.CurrentSite(), "%s", err.Error())
	default:
		return nil, err
	}
	return nil, nil
}

// warnIfMisaligned records an alignment warning when the access address is
// concretely known to violate the accessed type's natural alignment —
// misalignment is a warning, not a path error. A symbolic offset is left
// alone: the solver could rule either way, and warning on every symbolic
// access would drown the report.
func warnIfMisaligned(st *pathstate.State, c symmem.Candidate, align uint32) {
	if align <= 1 {
		return
	}
	a, err := st.Mem.Allocation(c.AllocID)
	if err != nil {
		return
	}
	off, ok := c.Offset.IsConst()
	if !ok {
		return
	}
	addr := a.Base + off.Uint64()
	if addr%uint64(align) != 0 {
		st.Warn("misaligned access at %s: address %#x is not %d-byte aligned", st.CurrentSite(), addr, align)
	}
}

// execLoad reads ElemType's byte width from Src. Zero resolved candidates
// is OutOfBounds; more than one forks the path once per candidate, each
// child pinned to the bounds condition that made it feasible.
func (in *Interp) execLoad(ctx context.Context, st *pathstate.State, f *pathstate.Frame, name string, ii *ir.InstLoad, nextID IDAllocator) ([]*pathstate.State, error) {
	ptr, err := in.resolveOperand(st, f, ii.Src)
	if err != nil {
		return nil, err
	}
	size, err := in.Proj.SizeOf(ii.ElemType)
	if err != nil {
		return nil, err
	}
	align, err := in.Proj.AlignOf(ii.ElemType)
	if err != nil {
		return nil, err
	}

	candidates, err := in.resolvePointer(ctx, st, ptr)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		st.Fail(pathstate.OutOfBounds, st.CurrentSite(), "load through a pointer with no feasible target")
		return nil, nil
	}
	if len(candidates) == 1 {
		warnIfMisaligned(st, candidates[0], align)
		val, err := st.Mem.Load(candidates[0].AllocID, candidates[0].Offset, uint32(size))
		if err != nil {
			return memFail(st, err)
		}
		setReg(f, name, val)
		return nil, nil
	}

	ids := make([]uint64, len(candidates))
	conds := make([]*bitvector.BV, len(candidates))
	for i, c := range candidates {
		ids[i] = nextID()
		conds[i] = c.PinCond
	}
	children := st.ForkMany(ids, conds)
	for i, c := range candidates {
		child := children[i]
		warnIfMisaligned(child, c, align)
		val, err := child.Mem.Load(c.AllocID, c.Offset, uint32(size))
		if err != nil {
			r, rerr := memFail(child, err)
			if rerr != nil {
				return nil, rerr
			}
			_ = r
			continue
		}
		setReg(child.Frame(), name, val)
	}
	return children, nil
}

// execStore writes Src into Dst, forking once per feasible candidate
// allocation exactly like execLoad.
func (in *Interp) execStore(ctx context.Context, st *pathstate.State, f *pathstate.Frame, ii *ir.InstStore, nextID IDAllocator) ([]*pathstate.State, error) {
	val, err := in.resolveOperand(st, f, ii.Src)
	if err != nil {
		return nil, err
	}
	ptr, err := in.resolveOperand(st, f, ii.Dst)
	if err != nil {
		return nil, err
	}
	align, err := in.Proj.AlignOf(ii.Src.Type())
	if err != nil {
		return nil, err
	}

	candidates, err := in.resolvePointer(ctx, st, ptr)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		st.Fail(pathstate.OutOfBounds, st.CurrentSite(), "store through a pointer with no feasible target")
		return nil, nil
	}
	if len(candidates) == 1 {
		warnIfMisaligned(st, candidates[0], align)
		if err := st.Mem.Store(candidates[0].AllocID, candidates[0].Offset, val); err != nil {
			return memFail(st, err)
		}
		return nil, nil
	}

	ids := make([]uint64, len(candidates))
	conds := make([]*bitvector.BV, len(candidates))
	for i, c := range candidates {
		ids[i] = nextID()
		conds[i] = c.PinCond
	}
	children := st.ForkMany(ids, conds)
	for i, c := range candidates {
		child := children[i]
		warnIfMisaligned(child, c, align)
		if err := child.Mem.Store(c.AllocID, c.Offset, val); err != nil {
			if _, rerr := memFail(child, err); rerr != nil {
				return nil, rerr
			}
		}
	}
	return children, nil
}

func resizeSigned(bv *bitvector.BV, w uint32) (*bitvector.BV, error) {
	if bv.Width() == w {
		return bv, nil
	}
	if bv.Width() < w {
		return bitvector.SExt(bv, w)
	}
	return bitvector.Trunc(bv, w)
}

// execGEP folds a getelementptr's index chain into a byte offset added to
// its base pointer, mirroring
// project.Project.lowerConstGEP but over registers, and allowing symbolic
// array/pointer indices (struct field indices must stay constant, per
// LLVM's own requirement).
func (in *Interp) execGEP(st *pathstate.State, f *pathstate.Frame, name string, ii *ir.InstGetElementPtr) ([]*pathstate.State, error) {
	base, err := in.resolveOperand(st, f, ii.Src)
	if err != nil {
		return nil, err
	}

	offset, err := bitvector.ConstU64(0, symmem.PointerWidth)
	if err != nil {
		return nil, err
	}

	elemType := ii.ElemType
	for i, idxVal := range ii.Indices {
		if i == 0 {
			stride, err := in.Proj.StrideOf(elemType)
			if err != nil {
				return nil, err
			}
			delta, err := in.scaledIndex(st, f, idxVal, stride)
			if err != nil {
				return nil, err
			}
			offset, err = bitvector.Add(offset, delta)
			if err != nil {
				return nil, err
			}
			continue
		}

		switch et := elemType.(type) {
		case *types.StructType:
			c, ok := idxVal.(*constant.Int)
			if !ok {
				return unsupported(st, "getelementptr with non-constant struct field index")
			}
			n := int(c.X.Int64())
			off, err := in.Proj.OffsetOf(et, n)
			if err != nil {
				return nil, err
			}
			offBV, err := bitvector.ConstU64(off, symmem.PointerWidth)
			if err != nil {
				return nil, err
			}
			offset, err = bitvector.Add(offset, offBV)
			if err != nil {
				return nil, err
			}
			elemType = et.Fields[n]

		case *types.ArrayType:
			stride, err := in.Proj.StrideOf(et.ElemType)
			if err != nil {
				return nil, err
			}
			delta, err := in.scaledIndex(st, f, idxVal, stride)
			if err != nil {
				return nil, err
			}
			offset, err = bitvector.Add(offset, delta)
			if err != nil {
				return nil, err
			}
			elemType = et.ElemType

		default:
			return unsupported(st, "getelementptr into unsupported aggregate type")
		}
	}

	result, err := bitvector.Add(base, offset)
	if err != nil {
		return nil, err
	}
	setReg(f, name, result)
	return nil, nil
}

// scaledIndex resolves a getelementptr index operand, sign-extends or
// truncates it to pointer width (GEP indices are signed), and scales it by
// stride bytes.
func (in *Interp) scaledIndex(st *pathstate.State, f *pathstate.Frame, idxVal value.Value, stride uint64) (*bitvector.BV, error) {
	idx, err := in.resolveOperand(st, f, idxVal)
	if err != nil {
		return nil, err
	}
	idx, err = resizeSigned(idx, symmem.PointerWidth)
	if err != nil {
		return nil, err
	}
	strideBV, err := bitvector.ConstU64(stride, symmem.PointerWidth)
	if err != nil {
		return nil, err
	}
	return bitvector.Mul(idx, strideBV)
}
