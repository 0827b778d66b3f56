package project

import (
	"math/big"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/pkg/errors"

	"github.com/norlen/symex/bitvector"
)

func bigFromByte(b byte) *big.Int { return big.NewInt(int64(b)) }

// ErrUnsupportedConstant is returned by LowerConstant for constant forms
// this engine does not model, floating-point literals being the recurring
// case.
var ErrUnsupportedConstant = errors.New("project: unsupported constant expression")

// LowerConstant evaluates an LLVM constant (integer, array, struct, null
// pointer, or a constant expression such as getelementptr/bitcast/trunc)
// into a bitvector. globals maps a global
// variable's linkage name to the bitvector base address Symbolic Memory
// assigned it at path start; constant expressions that reference a global
// (directly, or through a getelementptr/bitcast chain) are resolved through
// this map rather than by re-allocating anything here — Project & Layout
// never touches memory itself.
func (p *Project) LowerConstant(c constant.Constant, globals map[string]*bitvector.BV) (*bitvector.BV, error) {
	switch cc := c.(type) {
	case *constant.Int:
		w, err := p.intWidth(cc.Typ)
		if err != nil {
			return nil, err
		}
		return bitvector.Const(cc.X, w)

	case *constant.Null:
		return bitvector.ConstU64(0, PointerWidth)

	case *constant.ZeroInitializer:
		return p.lowerZero(cc.Typ)

	case *constant.Undef:
		return p.lowerZero(cc.Typ)

	case *constant.Array:
		return p.lowerAggregate(cc.Elems, cc.Typ, globals)

	case *constant.CharArray:
		ct := cc.Typ
		elemType, _ := ct.ElemType.(*types.IntType)
		elems := make([]constant.Constant, len(cc.X))
		for i, b := range cc.X {
			elems[i] = &constant.Int{Typ: elemType, X: bigFromByte(b)}
		}
		return p.lowerAggregate(elems, cc.Typ, globals)

	case *constant.Struct:
		return p.lowerAggregate(cc.Fields, cc.Typ, globals)

	case *constant.Vector:
		return p.lowerAggregate(cc.Elems, cc.Typ, globals)

	case *ir.Global:
		if bv, ok := globals[cc.Name()]; ok {
			return bv, nil
		}
		return nil, errors.Errorf("project: global %q has no assigned address", cc.Name())

	case *ir.Func:
		if bv, ok := globals[cc.Name()]; ok {
			return bv, nil
		}
		return nil, errors.Errorf("project: function %q has no assigned address", cc.Name())

	case *constant.ExprBitCast:
		return p.LowerConstant(cc.From, globals)

	case *constant.ExprAddrSpaceCast:
		return p.LowerConstant(cc.From, globals)

	case *constant.ExprPtrToInt:
		from, err := p.LowerConstant(cc.From, globals)
		if err != nil {
			return nil, err
		}
		w, err := p.intWidth(cc.To.(*types.IntType))
		if err != nil {
			return nil, err
		}
		return resizeInt(from, w)

	case *constant.ExprIntToPtr:
		from, err := p.LowerConstant(cc.From, globals)
		if err != nil {
			return nil, err
		}
		return resizeInt(from, PointerWidth)

	case *constant.ExprTrunc:
		from, err := p.LowerConstant(cc.From, globals)
		if err != nil {
			return nil, err
		}
		w, err := p.intWidth(cc.To.(*types.IntType))
		if err != nil {
			return nil, err
		}
		return bitvector.Trunc(from, w)

	case *constant.ExprZExt:
		from, err := p.LowerConstant(cc.From, globals)
		if err != nil {
			return nil, err
		}
		w, err := p.intWidth(cc.To.(*types.IntType))
		if err != nil {
			return nil, err
		}
		return bitvector.ZExt(from, w)

	case *constant.ExprSExt:
		from, err := p.LowerConstant(cc.From, globals)
		if err != nil {
			return nil, err
		}
		w, err := p.intWidth(cc.To.(*types.IntType))
		if err != nil {
			return nil, err
		}
		return bitvector.SExt(from, w)

	case *constant.ExprGetElementPtr:
		return p.lowerConstGEP(cc, globals)

	default:
		return nil, errors.Wrapf(ErrUnsupportedConstant, "%T", c)
	}
}

func (p *Project) intWidth(t *types.IntType) (uint32, error) {
	if t == nil {
		return 0, errors.New("project: expected integer type")
	}
	return uint32(t.BitSize), nil
}

// lowerZero builds an all-zero bitvector of t's full byte width (used for
// zeroinitializer and undef — this engine models undef as zero rather than
// a fresh symbol).
func (p *Project) lowerZero(t types.Type) (*bitvector.BV, error) {
	size, err := p.SizeOf(t)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return bitvector.ConstU64(0, 1)
	}
	return bitvector.ConstU64(0, uint32(size*8))
}

// lowerAggregate concatenates each element's lowered bitvector in
// little-endian order, padding gaps introduced by struct alignment with
// zero bits so the overall width always matches aggTyp's byte size exactly.
func (p *Project) lowerAggregate(elems []constant.Constant, aggTyp types.Type, globals map[string]*bitvector.BV) (*bitvector.BV, error) {
	totalSize, err := p.SizeOf(aggTyp)
	if err != nil {
		return nil, err
	}

	offsets := make([]uint64, len(elems))
	sizes := make([]uint64, len(elems))
	switch at := aggTyp.(type) {
	case *types.StructType:
		for i := range elems {
			off, err := p.OffsetOf(at, i)
			if err != nil {
				return nil, err
			}
			sz, err := p.SizeOf(at.Fields[i])
			if err != nil {
				return nil, err
			}
			offsets[i], sizes[i] = off, sz
		}
	case *types.ArrayType:
		elemSize, err := p.SizeOf(at.ElemType)
		if err != nil {
			return nil, err
		}
		elemAlign, err := p.AlignOf(at.ElemType)
		if err != nil {
			return nil, err
		}
		stride := roundUp(elemSize, elemAlign)
		for i := range elems {
			offsets[i] = uint64(i) * stride
			sizes[i] = elemSize
		}
	case *types.VectorType:
		elemSize, err := p.SizeOf(at.ElemType)
		if err != nil {
			return nil, err
		}
		for i := range elems {
			offsets[i] = uint64(i) * elemSize
			sizes[i] = elemSize
		}
	default:
		return nil, errors.Wrapf(ErrUnsupportedConstant, "aggregate type %T", aggTyp)
	}

	bytes := make([]*bitvector.BV, totalSize)
	for i, el := range elems {
		lowered, err := p.LowerConstant(el, globals)
		if err != nil {
			return nil, err
		}
		if lowered.Width() != uint32(sizes[i]*8) {
			return nil, errors.Errorf("project: element %d width %d != expected %d", i, lowered.Width(), sizes[i]*8)
		}
		for b := uint64(0); b < sizes[i]; b++ {
			byteBV, err := bitvector.Extract(lowered, uint32(b*8), uint32(b*8+7))
			if err != nil {
				return nil, err
			}
			bytes[offsets[i]+b] = byteBV
		}
	}
	for i := range bytes {
		if bytes[i] == nil {
			z, err := bitvector.ConstU64(0, 8)
			if err != nil {
				return nil, err
			}
			bytes[i] = z
		}
	}

	var result *bitvector.BV
	for i := len(bytes) - 1; i >= 0; i-- {
		if result == nil {
			result = bytes[i]
			continue
		}
		var err error
		result, err = bitvector.Concat(result, bytes[i])
		if err != nil {
			return nil, err
		}
	}
	if result == nil {
		return bitvector.ConstU64(0, 1)
	}
	return result, nil
}

// lowerConstGEP folds a constant getelementptr's index chain into a byte
// offset added to its base pointer, mirroring the instruction-level
// getelementptr semantics in package interp.
func (p *Project) lowerConstGEP(gep *constant.ExprGetElementPtr, globals map[string]*bitvector.BV) (*bitvector.BV, error) {
	base, err := p.LowerConstant(gep.Src, globals)
	if err != nil {
		return nil, err
	}
	elemType := gep.ElemType
	offset := uint64(0)
	for i, idx := range gep.Indices {
		iv, ok := idx.(*constant.Int)
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedConstant, "symbolic index in constant getelementptr")
		}
		n := iv.X.Int64()
		if i == 0 {
			stride, err := p.SizeOf(elemType)
			if err != nil {
				return nil, err
			}
			align, err := p.AlignOf(elemType)
			if err != nil {
				return nil, err
			}
			offset += uint64(n) * roundUp(stride, align)
			continue
		}
		switch et := elemType.(type) {
		case *types.StructType:
			off, err := p.OffsetOf(et, int(n))
			if err != nil {
				return nil, err
			}
			offset += off
			elemType = et.Fields[n]
		case *types.ArrayType:
			stride, err := p.SizeOf(et.ElemType)
			if err != nil {
				return nil, err
			}
			offset += uint64(n) * stride
			elemType = et.ElemType
		default:
			return nil, errors.Wrapf(ErrUnsupportedConstant, "getelementptr into %T", elemType)
		}
	}
	offBV, err := bitvector.ConstU64(offset, PointerWidth)
	if err != nil {
		return nil, err
	}
	return bitvector.Add(base, offBV)
}

func resizeInt(bv *bitvector.BV, w uint32) (*bitvector.BV, error) {
	if bv.Width() == w {
		return bv, nil
	}
	if bv.Width() < w {
		return bitvector.ZExt(bv, w)
	}
	return bitvector.Trunc(bv, w)
}
