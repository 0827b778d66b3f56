package solver

import (
	"context"
	"math/big"
	"sort"

	"github.com/norlen/symex/bitvector"
)

// smallWidthBits is the width at or below which Reference enumerates every
// possible value of a symbol — enough to fully decide sat/unsat for the
// 1-bit branch conditions and 8-bit memory-byte symbols this engine
// actually produces (memory reads and writes in 8-bit units, and branch
// conditions are always width 1).
const smallWidthBits = 8

// maxAttempts bounds the brute-force search over wider symbols so CheckSat
// always terminates quickly; exceeding it without finding a model yields
// Unknown rather than a wrong Unsat.
const maxAttempts = 200000

// Reference is a brute-force/hint-seeded bitvector decision procedure. It is
// not a substitute for a real SMT backend (Boolector/Z3): it can prove
// sat/unsat exactly only when every free symbol in scope has width <=
// smallWidthBits, and otherwise falls back to trying a handful of seeded
// candidate values, reporting Unknown when none of them satisfy the scope.
// This is adequate for the bounded bitvector theories this engine's own
// instruction semantics produce (branch conditions, memory-byte symbols,
// small arithmetic-overflow widths) and is meant as a stand-in for a
// production SMT backend.
type Reference struct {
	scopes [][]*bitvector.BV
	model  map[string]*big.Int
}

// New returns a fresh Reference solver with an empty root scope.
func New() *Reference {
	return &Reference{scopes: [][]*bitvector.BV{nil}}
}

func (r *Reference) Push() {
	r.scopes = append(r.scopes, nil)
}

func (r *Reference) Pop() {
	if len(r.scopes) <= 1 {
		r.scopes = [][]*bitvector.BV{nil}
		return
	}
	r.scopes = r.scopes[:len(r.scopes)-1]
}

func (r *Reference) Depth() int { return len(r.scopes) - 1 }

func (r *Reference) Assert(cond *bitvector.BV) error {
	if cond.Width() != 1 {
		return ErrAssertNotBool
	}
	top := len(r.scopes) - 1
	r.scopes[top] = append(r.scopes[top], cond)
	return nil
}

func (r *Reference) flatten() []*bitvector.BV {
	var all []*bitvector.BV
	for _, scope := range r.scopes {
		all = append(all, scope...)
	}
	return all
}

func (r *Reference) CheckSat(ctx context.Context) (Result, error) {
	constraints := r.flatten()
	if len(constraints) == 0 {
		r.model = map[string]*big.Int{}
		return Sat, nil
	}

	symWidths := map[string]uint32{}
	for _, c := range constraints {
		bitvector.Symbols(c, symWidths)
	}
	if len(symWidths) == 0 {
		ok, err := evalAll(constraints, nil)
		if err != nil {
			return Unknown, err
		}
		if ok {
			r.model = map[string]*big.Int{}
			return Sat, nil
		}
		return Unsat, nil
	}

	names := make([]string, 0, len(symWidths))
	for n := range symWidths {
		names = append(names, n)
	}
	sort.Strings(names)

	hints := collectHints(constraints)
	exact := true
	domains := make([][]*big.Int, len(names))
	combos := 1
	for i, name := range names {
		w := symWidths[name]
		var d []*big.Int
		if w <= smallWidthBits {
			d = allValues(w)
		} else {
			exact = false
			d = seedDomain(hints[name], w)
		}
		domains[i] = d
		combos *= len(d)
	}

	select {
	case <-ctx.Done():
		return Unknown, ctx.Err()
	default:
	}

	assignment := make(map[string]*big.Int, len(names))
	attempts := 0
	found := searchDomains(names, domains, 0, assignment, func() bool {
		attempts++
		if attempts > maxAttempts {
			return true // stop, treated as exhausted-without-proof below
		}
		ok, err := evalAll(constraints, assignment)
		return err == nil && ok
	})

	if found && attempts <= maxAttempts {
		model := make(map[string]*big.Int, len(assignment))
		for k, v := range assignment {
			model[k] = new(big.Int).Set(v)
		}
		r.model = model
		return Sat, nil
	}
	if exact && combos <= maxAttempts {
		return Unsat, nil
	}
	return Unknown, nil
}

func (r *Reference) GetValue(ctx context.Context, bv *bitvector.BV) (*big.Int, error) {
	if r.model == nil {
		return nil, ErrNoModel
	}
	return bitvector.Eval(bv, r.model)
}

func evalAll(constraints []*bitvector.BV, env map[string]*big.Int) (bool, error) {
	for _, c := range constraints {
		v, err := bitvector.Eval(c, env)
		if err != nil {
			return false, err
		}
		if v.Sign() == 0 {
			return false, nil
		}
	}
	return true, nil
}

// searchDomains performs exhaustive backtracking search, calling try() once
// every name has a candidate bound in assignment; stops at the first try()
// that reports success (by returning true), leaving that binding in
// assignment.
func searchDomains(names []string, domains [][]*big.Int, idx int, assignment map[string]*big.Int, try func() bool) bool {
	if idx == len(names) {
		return try()
	}
	for _, v := range domains[idx] {
		assignment[names[idx]] = v
		if searchDomains(names, domains, idx+1, assignment, try) {
			return true
		}
	}
	delete(assignment, names[idx])
	return false
}

func allValues(w uint32) []*big.Int {
	n := 1 << w
	out := make([]*big.Int, n)
	for i := 0; i < n; i++ {
		out[i] = big.NewInt(int64(i))
	}
	return out
}

// seedDomain builds a small candidate set for a wide symbol: the solver's
// own hints (constants compared against it), plus 0, 1, and the all-ones
// pattern, deduplicated and capped.
func seedDomain(hints []*big.Int, w uint32) []*big.Int {
	seen := map[string]bool{}
	var out []*big.Int
	add := func(v *big.Int) {
		key := v.String()
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, v)
	}

	add(big.NewInt(0))
	add(big.NewInt(1))
	m := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), uint(w)), big.NewInt(1))
	add(m)
	for _, h := range hints {
		add(h)
		if len(out) >= 8 {
			break
		}
	}
	return out
}

// collectHints walks every constraint looking for Eq/Ne comparisons between
// a symbol and a constant, seeding that symbol's candidate domain with the
// constant — the values most likely to matter are exactly the ones the
// program compared the symbol against.
func collectHints(constraints []*bitvector.BV) map[string][]*big.Int {
	out := map[string][]*big.Int{}
	var walk func(bv *bitvector.BV)
	walk = func(bv *bitvector.BV) {
		if bv.Kind == bitvector.KindEq || bv.Kind == bitvector.KindNe {
			l, r := bv.Args[0], bv.Args[1]
			if l.Kind == bitvector.KindSymbol {
				if v, ok := r.IsConst(); ok {
					out[l.Name] = append(out[l.Name], v)
				}
			}
			if r.Kind == bitvector.KindSymbol {
				if v, ok := l.IsConst(); ok {
					out[r.Name] = append(out[r.Name], v)
				}
			}
		}
		for _, a := range bv.Args {
			walk(a)
		}
	}
	for _, c := range constraints {
		walk(c)
	}
	return out
}
