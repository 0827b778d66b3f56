package project_test

import (
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/stretchr/testify/require"

	"github.com/norlen/symex/project"
)

func emptyProject(t *testing.T, dataLayout string) *project.Project {
	t.Helper()
	m := &ir.Module{DataLayout: dataLayout}
	p, err := project.Load([]*ir.Module{m})
	require.NoError(t, err)
	return p
}

func TestLoadRejectsNoModules(t *testing.T) {
	_, err := project.Load(nil)
	require.Error(t, err)
}

func TestLoadRejectsBigEndian(t *testing.T) {
	_, err := project.Load([]*ir.Module{{DataLayout: "E-p:64:64"}})
	require.ErrorIs(t, err, project.ErrUnsupportedLayout)
}

func TestLoadRejectsNon64BitPointers(t *testing.T) {
	_, err := project.Load([]*ir.Module{{DataLayout: "e-p:32:32"}})
	require.ErrorIs(t, err, project.ErrUnsupportedLayout)
}

func TestLoadAcceptsEmptyLayout(t *testing.T) {
	p := emptyProject(t, "")
	require.Equal(t, "", p.DataLayout)
}

func TestLoadRejectsMismatchedLayouts(t *testing.T) {
	a := &ir.Module{DataLayout: "e-p:64:64"}
	b := &ir.Module{DataLayout: "e-p:64:64-i64:64"}
	_, err := project.Load([]*ir.Module{a, b})
	require.ErrorIs(t, err, project.ErrDataLayoutMismatch)
}

func TestSizeOfIntTypes(t *testing.T) {
	p := emptyProject(t, "")

	size, err := p.SizeOf(types.I8)
	require.NoError(t, err)
	require.Equal(t, uint64(1), size)

	size, err = p.SizeOf(types.I32)
	require.NoError(t, err)
	require.Equal(t, uint64(4), size)

	size, err = p.SizeOf(types.I64)
	require.NoError(t, err)
	require.Equal(t, uint64(8), size)
}

func TestSizeOfPointerIsFixed64(t *testing.T) {
	p := emptyProject(t, "")

	size, err := p.SizeOf(types.NewPointer(types.I8))
	require.NoError(t, err)
	require.Equal(t, project.PointerSize, size)

	align, err := p.AlignOf(types.NewPointer(types.I8))
	require.NoError(t, err)
	require.Equal(t, project.PointerAlign, align)
}

func TestSizeOfArray(t *testing.T) {
	p := emptyProject(t, "")

	arr := types.NewArray(4, types.I32)
	size, err := p.SizeOf(arr)
	require.NoError(t, err)
	require.Equal(t, uint64(16), size)
}

// TestStructOffsetsWithPadding exercises the field-by-field alignment walk:
// {i8, i32, i8} has padding before the i32 and trailing padding so the
// struct's own size is a multiple of its largest field alignment.
func TestStructOffsetsWithPadding(t *testing.T) {
	p := emptyProject(t, "")

	st := types.NewStruct(types.I8, types.I32, types.I8)

	off0, err := p.OffsetOf(st, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off0)

	off1, err := p.OffsetOf(st, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(4), off1)

	off2, err := p.OffsetOf(st, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(8), off2)

	size, err := p.SizeOf(st)
	require.NoError(t, err)
	require.Equal(t, uint64(12), size)
}

func TestPackedStructHasNoPadding(t *testing.T) {
	p := emptyProject(t, "")

	st := types.NewStruct(types.I8, types.I32, types.I8)
	st.Packed = true

	off1, err := p.OffsetOf(st, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), off1)

	off2, err := p.OffsetOf(st, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(5), off2)

	size, err := p.SizeOf(st)
	require.NoError(t, err)
	require.Equal(t, uint64(6), size)
}

func TestOffsetOfPathNestedArrayInStruct(t *testing.T) {
	p := emptyProject(t, "")

	st := types.NewStruct(types.I32, types.NewArray(4, types.I8))

	off, elemType, err := p.OffsetOfPath(st, []uint64{1, 2})
	require.NoError(t, err)
	require.Equal(t, uint64(4+2), off)
	require.Equal(t, types.I8, elemType)
}

func TestLookupFunctionNotFound(t *testing.T) {
	p := emptyProject(t, "")
	_, err := p.LookupFunction("missing")
	require.ErrorIs(t, err, project.ErrFunctionNotFound)
}

// TestLoadHonorsLayoutCacheSize exercises that a non-default
// Options.LayoutCacheSize is accepted and that Load still works correctly
// with a deliberately tiny cache (forcing evictions on every distinct type).
func TestLoadHonorsLayoutCacheSize(t *testing.T) {
	m := &ir.Module{}
	p, err := project.Load([]*ir.Module{m}, project.Options{LayoutCacheSize: 1})
	require.NoError(t, err)

	size, err := p.SizeOf(types.I8)
	require.NoError(t, err)
	require.Equal(t, uint64(1), size)

	size, err = p.SizeOf(types.I32)
	require.NoError(t, err)
	require.Equal(t, uint64(4), size)
}

func TestLoadRejectsNegativeLayoutCacheSizeByFallingBackToDefault(t *testing.T) {
	m := &ir.Module{}
	p, err := project.Load([]*ir.Module{m}, project.Options{LayoutCacheSize: -1})
	require.NoError(t, err)

	size, err := p.SizeOf(types.I64)
	require.NoError(t, err)
	require.Equal(t, uint64(8), size)
}
