// Package bitvector implements the Bitvector Expression Layer (BEL): a thin,
// width-checked wrapper for composing fixed-width bitvector terms. A BV is
// an opaque handle — nothing outside this package inspects node internals,
// and nothing in this package decides satisfiability. That is the solver
// backend's job (see package solver); BEL only ever builds trees and, where
// every leaf is concrete, evaluates them.
package bitvector

import (
	"fmt"
	"math/big"

	"github.com/pkg/errors"
)

// MaxWidth is the widest bitvector this package will construct.
const MaxWidth = 4096

// ErrWidthMismatch is returned when an operation composes operands, or
// requests a width change, that violate the width rules in its doc comment.
var ErrWidthMismatch = errors.New("bitvector: width mismatch")

// ErrInvalidWidth is returned when a requested width is outside [1, MaxWidth].
var ErrInvalidWidth = errors.New("bitvector: invalid width")

// Kind identifies the operator at the root of a BV expression tree.
type Kind int

const (
	KindConst Kind = iota
	KindSymbol
	KindAdd
	KindSub
	KindMul
	KindUDiv
	KindSDiv
	KindURem
	KindSRem
	KindAnd
	KindOr
	KindXor
	KindNot
	KindShl
	KindLShr
	KindAShr
	KindEq
	KindNe
	KindUlt
	KindUle
	KindUgt
	KindUge
	KindSlt
	KindSle
	KindSgt
	KindSge
	KindZExt
	KindSExt
	KindTrunc
	KindConcat
	KindExtract
	KindIte
)

// BV is a fixed-width bitvector expression of known width. Every composition
// is width-checked at construction time; mixed-width operands are rejected
// rather than silently extended (width is immutable).
type BV struct {
	Kind  Kind
	W     uint32
	Args  []*BV
	Value *big.Int // KindConst
	Name  string   // KindSymbol, also used as a debug label elsewhere
	Lo    uint32   // KindExtract: inclusive low bit; KindSymbol offset tag (diagnostics only)
	Hi    uint32   // KindExtract: inclusive high bit
}

// Width returns the bit width of bv.
func (bv *BV) Width() uint32 { return bv.W }

func checkWidth(w uint32) error {
	if w < 1 || w > MaxWidth {
		return errors.Wrapf(ErrInvalidWidth, "width %d", w)
	}
	return nil
}

func mask(w uint32) *big.Int {
	m := new(big.Int).Lsh(big.NewInt(1), uint(w))
	m.Sub(m, big.NewInt(1))
	return m
}

// Const builds a concrete constant of the given width. value is reduced mod
// 2^width (two's-complement wraparound, matching the rest of the theory).
func Const(value *big.Int, width uint32) (*BV, error) {
	if err := checkWidth(width); err != nil {
		return nil, err
	}
	v := new(big.Int).And(value, mask(width))
	return &BV{Kind: KindConst, W: width, Value: v}, nil
}

// ConstU64 is a convenience wrapper over Const for unsigned 64-bit literals.
func ConstU64(value uint64, width uint32) (*BV, error) {
	return Const(new(big.Int).SetUint64(value), width)
}

// ConstI64 is a convenience wrapper over Const for signed 64-bit literals.
func ConstI64(value int64, width uint32) (*BV, error) {
	return Const(big.NewInt(value), width)
}

// Symbol builds a fresh unconstrained symbol of the given width, named for
// diagnostics and for first-touch memory naming.
func Symbol(name string, width uint32) (*BV, error) {
	if err := checkWidth(width); err != nil {
		return nil, err
	}
	return &BV{Kind: KindSymbol, W: width, Name: name}, nil
}

func sameWidth(x, y *BV) error {
	if x.W != y.W {
		return errors.Wrapf(ErrWidthMismatch, "%d vs %d", x.W, y.W)
	}
	return nil
}

func binOp(kind Kind, x, y *BV) (*BV, error) {
	if err := sameWidth(x, y); err != nil {
		return nil, err
	}
	return &BV{Kind: kind, W: x.W, Args: []*BV{x, y}}, nil
}

// Add, Sub, Mul, UDiv, SDiv, URem, SRem all preserve width and implement
// two's-complement wraparound arithmetic (division-by-zero is a concern for
// the instruction semantics layer, not BEL construction).
func Add(x, y *BV) (*BV, error)  { return binOp(KindAdd, x, y) }
func Sub(x, y *BV) (*BV, error)  { return binOp(KindSub, x, y) }
func Mul(x, y *BV) (*BV, error)  { return binOp(KindMul, x, y) }
func UDiv(x, y *BV) (*BV, error) { return binOp(KindUDiv, x, y) }
func SDiv(x, y *BV) (*BV, error) { return binOp(KindSDiv, x, y) }
func URem(x, y *BV) (*BV, error) { return binOp(KindURem, x, y) }
func SRem(x, y *BV) (*BV, error) { return binOp(KindSRem, x, y) }

// And, Or, Xor are bitwise and width-preserving; Not is unary.
func And(x, y *BV) (*BV, error) { return binOp(KindAnd, x, y) }
func Or(x, y *BV) (*BV, error)  { return binOp(KindOr, x, y) }
func Xor(x, y *BV) (*BV, error) { return binOp(KindXor, x, y) }

func Not(x *BV) (*BV, error) {
	return &BV{Kind: KindNot, W: x.W, Args: []*BV{x}}, nil
}

// Shl, LShr, AShr shift x by the amount in y (interpreted modulo x's width
// at evaluation time); both operands must share a width.
func Shl(x, y *BV) (*BV, error)  { return binOp(KindShl, x, y) }
func LShr(x, y *BV) (*BV, error) { return binOp(KindLShr, x, y) }
func AShr(x, y *BV) (*BV, error) { return binOp(KindAShr, x, y) }

func cmpOp(kind Kind, x, y *BV) (*BV, error) {
	if err := sameWidth(x, y); err != nil {
		return nil, err
	}
	return &BV{Kind: kind, W: 1, Args: []*BV{x, y}}, nil
}

// Eq, Ne, Ult, Ule, Ugt, Uge, Slt, Sle, Sgt, Sge all produce a width-1 result.
func Eq(x, y *BV) (*BV, error)  { return cmpOp(KindEq, x, y) }
func Ne(x, y *BV) (*BV, error)  { return cmpOp(KindNe, x, y) }
func Ult(x, y *BV) (*BV, error) { return cmpOp(KindUlt, x, y) }
func Ule(x, y *BV) (*BV, error) { return cmpOp(KindUle, x, y) }
func Ugt(x, y *BV) (*BV, error) { return cmpOp(KindUgt, x, y) }
func Uge(x, y *BV) (*BV, error) { return cmpOp(KindUge, x, y) }
func Slt(x, y *BV) (*BV, error) { return cmpOp(KindSlt, x, y) }
func Sle(x, y *BV) (*BV, error) { return cmpOp(KindSle, x, y) }
func Sgt(x, y *BV) (*BV, error) { return cmpOp(KindSgt, x, y) }
func Sge(x, y *BV) (*BV, error) { return cmpOp(KindSge, x, y) }

// ZExt widens bv to w' bits, zero-filling the new high bits. w' must be >= bv's width.
func ZExt(bv *BV, w uint32) (*BV, error) {
	if err := checkWidth(w); err != nil {
		return nil, err
	}
	if w < bv.W {
		return nil, errors.Wrapf(ErrWidthMismatch, "zext to narrower width %d < %d", w, bv.W)
	}
	if w == bv.W {
		return bv, nil
	}
	return &BV{Kind: KindZExt, W: w, Args: []*BV{bv}}, nil
}

// SExt widens bv to w' bits, sign-extending from its top bit. w' must be >= bv's width.
func SExt(bv *BV, w uint32) (*BV, error) {
	if err := checkWidth(w); err != nil {
		return nil, err
	}
	if w < bv.W {
		return nil, errors.Wrapf(ErrWidthMismatch, "sext to narrower width %d < %d", w, bv.W)
	}
	if w == bv.W {
		return bv, nil
	}
	return &BV{Kind: KindSExt, W: w, Args: []*BV{bv}}, nil
}

// Trunc narrows bv to w' bits, keeping the low w' bits. w' must be <= bv's width.
func Trunc(bv *BV, w uint32) (*BV, error) {
	if err := checkWidth(w); err != nil {
		return nil, err
	}
	if w > bv.W {
		return nil, errors.Wrapf(ErrWidthMismatch, "trunc to wider width %d > %d", w, bv.W)
	}
	if w == bv.W {
		return bv, nil
	}
	return &BV{Kind: KindTrunc, W: w, Args: []*BV{bv}}, nil
}

// Concat joins hi and lo into a single bitvector of width hi.W+lo.W, with hi
// occupying the most-significant bits.
func Concat(hi, lo *BV) (*BV, error) {
	w := hi.W + lo.W
	if err := checkWidth(w); err != nil {
		return nil, err
	}
	return &BV{Kind: KindConcat, W: w, Args: []*BV{hi, lo}}, nil
}

// Extract selects the inclusive bit range [lo, hi] of bv (bit 0 is least
// significant), producing a bitvector of width hi-lo+1.
func Extract(bv *BV, lo, hi uint32) (*BV, error) {
	if hi < lo {
		return nil, errors.Wrapf(ErrWidthMismatch, "extract lo=%d > hi=%d", lo, hi)
	}
	if hi >= bv.W {
		return nil, errors.Wrapf(ErrWidthMismatch, "extract hi=%d out of range for width %d", hi, bv.W)
	}
	w := hi - lo + 1
	return &BV{Kind: KindExtract, W: w, Args: []*BV{bv}, Lo: lo, Hi: hi}, nil
}

// Ite builds a width-preserving if-then-else; cond must be width 1 and then/else must share a width.
func Ite(cond, then, els *BV) (*BV, error) {
	if cond.W != 1 {
		return nil, errors.Wrapf(ErrWidthMismatch, "ite condition must be width 1, got %d", cond.W)
	}
	if err := sameWidth(then, els); err != nil {
		return nil, err
	}
	return &BV{Kind: KindIte, W: then.W, Args: []*BV{cond, then, els}}, nil
}

// IsConst reports whether bv is a concrete literal, and returns its value if so.
func (bv *BV) IsConst() (*big.Int, bool) {
	if bv.Kind == KindConst {
		return bv.Value, true
	}
	return nil, false
}

func (bv *BV) String() string {
	switch bv.Kind {
	case KindConst:
		return fmt.Sprintf("%s:i%d", bv.Value.String(), bv.W)
	case KindSymbol:
		return fmt.Sprintf("%s:i%d", bv.Name, bv.W)
	case KindExtract:
		return fmt.Sprintf("extract(%s, %d, %d)", bv.Args[0], bv.Lo, bv.Hi)
	default:
		names := [...]string{
			"const", "symbol", "add", "sub", "mul", "udiv", "sdiv", "urem", "srem",
			"and", "or", "xor", "not", "shl", "lshr", "ashr",
			"eq", "ne", "ult", "ule", "ugt", "uge", "slt", "sle", "sgt", "sge",
			"zext", "sext", "trunc", "concat", "extract", "ite",
		}
		nm := "?"
		if int(bv.Kind) < len(names) {
			nm = names[bv.Kind]
		}
		args := make([]any, len(bv.Args))
		for i, a := range bv.Args {
			args[i] = a.String()
		}
		return fmt.Sprintf("%s(%v):i%d", nm, args, bv.W)
	}
}
