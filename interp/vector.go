package interp

import (
	"github.com/llir/llvm/ir/types"

	"github.com/norlen/symex/bitvector"
)

// vectorElemWidth reports (elemWidth, length, true) when t is a fixed-width vector
// type, so callers can decide whether an operand needs lane-splitting: a
// <N x w> vector is represented as a concatenated BV of width N*w and
// split/rejoined per lane.
func vectorElemWidth(t types.Type) (uint32, uint64, bool) {
	vt, ok := t.(*types.VectorType)
	if !ok {
		return 0, 0, false
	}
	it, ok := vt.ElemType.(*types.IntType)
	if !ok {
		return 0, 0, false
	}
	return uint32(it.BitSize), vt.Len, true
}

// splitLanes slices bv into n lanes of elemWidth bits each, lane 0 holding
// the least-significant bits.
func splitLanes(bv *bitvector.BV, elemWidth uint32, n uint64) ([]*bitvector.BV, error) {
	lanes := make([]*bitvector.BV, n)
	for i := uint64(0); i < n; i++ {
		lo := uint32(i) * elemWidth
		hi := lo + elemWidth - 1
		lane, err := bitvector.Extract(bv, lo, hi)
		if err != nil {
			return nil, err
		}
		lanes[i] = lane
	}
	return lanes, nil
}

// joinLanes concatenates lanes back into one bitvector, lane 0 contributing
// the least-significant bits (the inverse of splitLanes).
func joinLanes(lanes []*bitvector.BV) (*bitvector.BV, error) {
	result := lanes[len(lanes)-1]
	for i := len(lanes) - 2; i >= 0; i-- {
		var err error
		result, err = bitvector.Concat(result, lanes[i])
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// vectorBinOp applies fn independently to each lane of x and y (both
// elemWidth*n bits wide) and rejoins the per-lane results, so wraparound and
// carries never cross a lane boundary (unlike treating the whole vector as
// one flat bitvector, which would be correct only for and/or/xor).
func vectorBinOp(x, y *bitvector.BV, elemWidth uint32, n uint64, fn func(x, y *bitvector.BV) (*bitvector.BV, error)) (*bitvector.BV, error) {
	xs, err := splitLanes(x, elemWidth, n)
	if err != nil {
		return nil, err
	}
	ys, err := splitLanes(y, elemWidth, n)
	if err != nil {
		return nil, err
	}
	results := make([]*bitvector.BV, n)
	for i := uint64(0); i < n; i++ {
		r, err := fn(xs[i], ys[i])
		if err != nil {
			return nil, err
		}
		results[i] = r
	}
	return joinLanes(results)
}
