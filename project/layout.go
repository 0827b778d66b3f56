package project

import (
	"github.com/llir/llvm/ir/types"
	"github.com/pkg/errors"
)

// PointerSize, PointerAlign, and PointerWidth are fixed at 64-bit;
// checkLayout rejects modules whose data layout implies anything else.
const (
	PointerSize  uint64 = 8
	PointerAlign uint32 = 8
	PointerWidth uint32 = 64
)

// ErrUnsupportedType is returned for any IR type this engine's memory
// model cannot lay out — floating point and opaque types are the
// recurring case.
var ErrUnsupportedType = errors.New("project: unsupported type for layout")

// Layout is the size and alignment, in bytes, of an IR type.
type Layout struct {
	Size  uint64
	Align uint32
}

// SizeOf returns the size in bytes of t.
func (p *Project) SizeOf(t types.Type) (uint64, error) {
	l, err := p.layoutOf(t)
	if err != nil {
		return 0, err
	}
	return l.Size, nil
}

// AlignOf returns the required alignment in bytes of t.
func (p *Project) AlignOf(t types.Type) (uint32, error) {
	l, err := p.layoutOf(t)
	if err != nil {
		return 0, err
	}
	return l.Align, nil
}

func (p *Project) layoutOf(t types.Type) (Layout, error) {
	key := t.String()
	if l, ok := p.layouts.Get(key); ok {
		return l, nil
	}
	l, err := computeLayout(p, t)
	if err != nil {
		return Layout{}, err
	}
	p.layouts.Add(key, l)
	return l, nil
}

func roundUp(v uint64, align uint32) uint64 {
	a := uint64(align)
	if a <= 1 {
		return v
	}
	return (v + a - 1) / a * a
}

// intAlign approximates the System V / LLVM default ABI alignment for an
// integer of the given bit width: alignment tracks size up to 8 bytes and
// is capped there (no type this engine supports needs 16-byte alignment).
func intAlign(sizeBytes uint64) uint32 {
	switch {
	case sizeBytes <= 1:
		return 1
	case sizeBytes <= 2:
		return 2
	case sizeBytes <= 4:
		return 4
	default:
		return 8
	}
}

func computeLayout(p *Project, t types.Type) (Layout, error) {
	switch tt := t.(type) {
	case *types.VoidType:
		return Layout{Size: 0, Align: 1}, nil

	case *types.IntType:
		bytes := (uint64(tt.BitSize) + 7) / 8
		return Layout{Size: bytes, Align: intAlign(bytes)}, nil

	case *types.PointerType:
		return Layout{Size: PointerSize, Align: PointerAlign}, nil

	case *types.ArrayType:
		elem, err := p.layoutOf(tt.ElemType)
		if err != nil {
			return Layout{}, err
		}
		stride := roundUp(elem.Size, elem.Align)
		return Layout{Size: stride * tt.Len, Align: elem.Align}, nil

	case *types.VectorType:
		elem, err := p.layoutOf(tt.ElemType)
		if err != nil {
			return Layout{}, err
		}
		return Layout{Size: elem.Size * tt.Len, Align: elem.Align}, nil

	case *types.StructType:
		return computeStructLayout(p, tt)

	default:
		return Layout{}, errors.Wrapf(ErrUnsupportedType, "%T", t)
	}
}

func computeStructLayout(p *Project, st *types.StructType) (Layout, error) {
	var offset uint64
	var maxAlign uint32 = 1
	for _, f := range st.Fields {
		fl, err := p.layoutOf(f)
		if err != nil {
			return Layout{}, err
		}
		align := fl.Align
		if st.Packed {
			align = 1
		}
		offset = roundUp(offset, align)
		offset += fl.Size
		if align > maxAlign {
			maxAlign = align
		}
	}
	if !st.Packed {
		offset = roundUp(offset, maxAlign)
	} else {
		maxAlign = 1
	}
	return Layout{Size: offset, Align: maxAlign}, nil
}

// StrideOf returns the byte distance between consecutive elements of type t
// laid out contiguously (its size rounded up to its own alignment) — the
// value getelementptr's pointer-arithmetic index and array indexing both
// scale by.
func (p *Project) StrideOf(t types.Type) (uint64, error) {
	l, err := p.layoutOf(t)
	if err != nil {
		return 0, err
	}
	return roundUp(l.Size, l.Align), nil
}

// OffsetOfPath walks a multi-level extractvalue/insertvalue index path,
// returning the cumulative byte offset of the innermost element and its
// type.
func (p *Project) OffsetOfPath(t types.Type, indices []uint64) (uint64, types.Type, error) {
	var total uint64
	cur := t
	for _, idx := range indices {
		switch ct := cur.(type) {
		case *types.StructType:
			off, err := p.OffsetOf(ct, int(idx))
			if err != nil {
				return 0, nil, err
			}
			total += off
			cur = ct.Fields[idx]
		case *types.ArrayType:
			elem, err := p.layoutOf(ct.ElemType)
			if err != nil {
				return 0, nil, err
			}
			stride := roundUp(elem.Size, elem.Align)
			total += stride * idx
			cur = ct.ElemType
		default:
			return 0, nil, errors.Wrapf(ErrUnsupportedType, "index into %T", cur)
		}
	}
	return total, cur, nil
}

// OffsetOf returns the byte offset of field index idx within struct type
// st, computed with the same field-by-field walk SizeOf uses.
func (p *Project) OffsetOf(st *types.StructType, idx int) (uint64, error) {
	if idx < 0 || idx >= len(st.Fields) {
		return 0, errors.Errorf("project: struct field index %d out of range", idx)
	}
	var offset uint64
	for i := 0; i < idx; i++ {
		fl, err := p.layoutOf(st.Fields[i])
		if err != nil {
			return 0, err
		}
		align := fl.Align
		if st.Packed {
			align = 1
		}
		offset = roundUp(offset, align)
		offset += fl.Size
	}
	align := uint32(1)
	if !st.Packed {
		fl, err := p.layoutOf(st.Fields[idx])
		if err != nil {
			return 0, err
		}
		align = fl.Align
	}
	return roundUp(offset, align), nil
}
