package interp

import (
	"github.com/llir/llvm/ir"

	"github.com/norlen/symex/bitvector"
	"github.com/norlen/symex/pathstate"
)

// execExtractValue bit-slices the element named by Indices out of an
// aggregate-typed register value, using the same layout offsets as memory
// access applied to a flat in-register bitvector.
func (in *Interp) execExtractValue(st *pathstate.State, f *pathstate.Frame, name string, ii *ir.InstExtractValue) ([]*pathstate.State, error) {
	agg, err := in.resolveOperand(st, f, ii.X)
	if err != nil {
		return nil, err
	}
	off, elemType, err := in.Proj.OffsetOfPath(ii.X.Type(), ii.Indices)
	if err != nil {
		return nil, err
	}
	size, err := in.Proj.SizeOf(elemType)
	if err != nil {
		return nil, err
	}
	lo := uint32(off * 8)
	hi := lo + uint32(size*8) - 1
	val, err := bitvector.Extract(agg, lo, hi)
	if err != nil {
		return nil, err
	}
	setReg(f, name, val)
	return nil, nil
}

// execInsertValue rebuilds the aggregate with the element named by Indices
// replaced, leaving every other bit untouched: low bits below the element,
// the new element, then high bits above it.
func (in *Interp) execInsertValue(st *pathstate.State, f *pathstate.Frame, name string, ii *ir.InstInsertValue) ([]*pathstate.State, error) {
	agg, err := in.resolveOperand(st, f, ii.X)
	if err != nil {
		return nil, err
	}
	elem, err := in.resolveOperand(st, f, ii.Elem)
	if err != nil {
		return nil, err
	}
	off, elemType, err := in.Proj.OffsetOfPath(ii.X.Type(), ii.Indices)
	if err != nil {
		return nil, err
	}
	size, err := in.Proj.SizeOf(elemType)
	if err != nil {
		return nil, err
	}
	lo := uint32(off * 8)
	hi := lo + uint32(size*8) - 1

	pieces := make([]*bitvector.BV, 0, 3)
	if hi+1 < agg.Width() {
		top, err := bitvector.Extract(agg, hi+1, agg.Width()-1)
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, top)
	}
	pieces = append(pieces, elem)
	if lo > 0 {
		bottom, err := bitvector.Extract(agg, 0, lo-1)
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, bottom)
	}

	result := pieces[0]
	for _, p := range pieces[1:] {
		var err error
		result, err = bitvector.Concat(result, p)
		if err != nil {
			return nil, err
		}
	}
	setReg(f, name, result)
	return nil, nil
}
