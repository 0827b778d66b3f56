package bitvector

import (
	"math/big"

	"github.com/pkg/errors"
)

// ErrDivByZero is returned by Eval when a udiv/sdiv/urem/srem divisor
// evaluates to zero. Deciding whether this is reachable on a given path is
// the instruction semantics layer's job; Eval just reports what happened for the concrete assignment it was given.
var ErrDivByZero = errors.New("bitvector: division by zero")

// ErrUnboundSymbol is returned by Eval when bv references a symbol missing
// from env.
var ErrUnboundSymbol = errors.New("bitvector: unbound symbol")

// Eval concretely evaluates bv under env (a symbol name -> value map),
// returning the result reduced to bv's width as an unsigned value in
// [0, 2^width). This is used by the reference solver to check candidate
// models and by callers that want a fast path when every leaf is already
// concrete.
func Eval(bv *BV, env map[string]*big.Int) (*big.Int, error) {
	switch bv.Kind {
	case KindConst:
		return new(big.Int).Set(bv.Value), nil
	case KindSymbol:
		v, ok := env[bv.Name]
		if !ok {
			return nil, errors.Wrapf(ErrUnboundSymbol, "%s", bv.Name)
		}
		return new(big.Int).And(v, mask(bv.W)), nil
	}

	args := make([]*big.Int, len(bv.Args))
	for i, a := range bv.Args {
		v, err := Eval(a, env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	m := mask(bv.W)
	wrap := func(v *big.Int) *big.Int { return v.And(v, m) }

	switch bv.Kind {
	case KindAdd:
		return wrap(new(big.Int).Add(args[0], args[1])), nil
	case KindSub:
		return wrap(new(big.Int).Sub(args[0], args[1])), nil
	case KindMul:
		return wrap(new(big.Int).Mul(args[0], args[1])), nil
	case KindUDiv:
		if args[1].Sign() == 0 {
			return nil, ErrDivByZero
		}
		return wrap(new(big.Int).Quo(args[0], args[1])), nil
	case KindSDiv:
		if args[1].Sign() == 0 {
			return nil, ErrDivByZero
		}
		sx, sy := toSigned(args[0], bv.Args[0].W), toSigned(args[1], bv.Args[1].W)
		return wrap(new(big.Int).Quo(sx, sy)), nil
	case KindURem:
		if args[1].Sign() == 0 {
			return nil, ErrDivByZero
		}
		return wrap(new(big.Int).Rem(args[0], args[1])), nil
	case KindSRem:
		if args[1].Sign() == 0 {
			return nil, ErrDivByZero
		}
		sx, sy := toSigned(args[0], bv.Args[0].W), toSigned(args[1], bv.Args[1].W)
		return wrap(new(big.Int).Rem(sx, sy)), nil
	case KindAnd:
		return wrap(new(big.Int).And(args[0], args[1])), nil
	case KindOr:
		return wrap(new(big.Int).Or(args[0], args[1])), nil
	case KindXor:
		return wrap(new(big.Int).Xor(args[0], args[1])), nil
	case KindNot:
		return wrap(new(big.Int).Not(args[0])), nil
	case KindShl:
		amt := uint(args[1].Uint64() % uint64(bv.W))
		return wrap(new(big.Int).Lsh(args[0], amt)), nil
	case KindLShr:
		amt := uint(args[1].Uint64() % uint64(bv.W))
		return wrap(new(big.Int).Rsh(args[0], amt)), nil
	case KindAShr:
		amt := uint(args[1].Uint64() % uint64(bv.W))
		sx := toSigned(args[0], bv.Args[0].W)
		return wrap(new(big.Int).Rsh(sx, amt)), nil
	case KindEq:
		return boolBV(args[0].Cmp(args[1]) == 0), nil
	case KindNe:
		return boolBV(args[0].Cmp(args[1]) != 0), nil
	case KindUlt:
		return boolBV(args[0].Cmp(args[1]) < 0), nil
	case KindUle:
		return boolBV(args[0].Cmp(args[1]) <= 0), nil
	case KindUgt:
		return boolBV(args[0].Cmp(args[1]) > 0), nil
	case KindUge:
		return boolBV(args[0].Cmp(args[1]) >= 0), nil
	case KindSlt:
		return boolBV(toSigned(args[0], bv.Args[0].W).Cmp(toSigned(args[1], bv.Args[1].W)) < 0), nil
	case KindSle:
		return boolBV(toSigned(args[0], bv.Args[0].W).Cmp(toSigned(args[1], bv.Args[1].W)) <= 0), nil
	case KindSgt:
		return boolBV(toSigned(args[0], bv.Args[0].W).Cmp(toSigned(args[1], bv.Args[1].W)) > 0), nil
	case KindSge:
		return boolBV(toSigned(args[0], bv.Args[0].W).Cmp(toSigned(args[1], bv.Args[1].W)) >= 0), nil
	case KindZExt:
		return args[0], nil
	case KindSExt:
		sx := toSigned(args[0], bv.Args[0].W)
		return wrap(sx), nil
	case KindTrunc:
		return wrap(args[0]), nil
	case KindConcat:
		hi := new(big.Int).Lsh(args[0], uint(bv.Args[1].W))
		return wrap(hi.Or(hi, args[1])), nil
	case KindExtract:
		shifted := new(big.Int).Rsh(args[0], uint(bv.Lo))
		return wrap(shifted), nil
	case KindIte:
		if args[0].Sign() != 0 {
			return args[1], nil
		}
		return args[2], nil
	default:
		return nil, errors.Errorf("bitvector: eval: unhandled kind %d", bv.Kind)
	}
}

func boolBV(b bool) *big.Int {
	if b {
		return big.NewInt(1)
	}
	return big.NewInt(0)
}

// toSigned reinterprets the unsigned w-bit value v as a signed two's-complement integer.
func toSigned(v *big.Int, w uint32) *big.Int {
	signBit := new(big.Int).Lsh(big.NewInt(1), uint(w-1))
	if v.Cmp(signBit) < 0 {
		return new(big.Int).Set(v)
	}
	full := new(big.Int).Lsh(big.NewInt(1), uint(w))
	return new(big.Int).Sub(v, full)
}

// Symbols returns the set of distinct symbol names referenced transitively by bv.
func Symbols(bv *BV, out map[string]uint32) {
	if bv.Kind == KindSymbol {
		out[bv.Name] = bv.W
		return
	}
	for _, a := range bv.Args {
		Symbols(a, out)
	}
}
