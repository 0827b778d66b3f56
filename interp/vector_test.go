package interp

import (
	"testing"

	"github.com/llir/llvm/ir/types"
	"github.com/stretchr/testify/require"

	"github.com/norlen/symex/bitvector"
)

func TestSplitJoinLanesRoundTrip(t *testing.T) {
	// <4 x i8> value 0x04_03_02_01 (lane 0 = least significant byte).
	packed, err := bitvector.ConstU64(0x04030201, 32)
	require.NoError(t, err)

	lanes, err := splitLanes(packed, 8, 4)
	require.NoError(t, err)
	require.Len(t, lanes, 4)
	for i, want := range []uint64{0x01, 0x02, 0x03, 0x04} {
		v, err := bitvector.Eval(lanes[i], nil)
		require.NoError(t, err)
		require.Equal(t, want, v.Uint64())
	}

	joined, err := joinLanes(lanes)
	require.NoError(t, err)
	v, err := bitvector.Eval(joined, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0x04030201), v.Uint64())
}

func TestVectorBinOpAddDoesNotCarryAcrossLanes(t *testing.T) {
	// <2 x i8>: lane 0 = 0xff, lane 1 = 0x00. Adding 1 to lane 0 must wrap
	// to 0x00 within that lane rather than carrying into lane 1.
	x, err := bitvector.ConstU64(0x00ff, 16)
	require.NoError(t, err)
	y, err := bitvector.ConstU64(0x0001, 16)
	require.NoError(t, err)

	result, err := vectorBinOp(x, y, 8, 2, bitvector.Add)
	require.NoError(t, err)
	v, err := bitvector.Eval(result, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0000), v.Uint64())
}

func TestVectorElemWidthDetectsVectorType(t *testing.T) {
	w, n, ok := vectorElemWidth(types.NewVector(4, types.I8))
	require.True(t, ok)
	require.Equal(t, uint32(8), w)
	require.Equal(t, uint64(4), n)

	_, _, ok = vectorElemWidth(nil)
	require.False(t, ok)
}
