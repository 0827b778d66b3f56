// Package solver defines the abstract bitvector SMT interface the engine
// consumes (push, pop, assert, check-sat, get-value), plus a reference
// implementation adequate for
// tests and small programs. Production use is expected to plug in a real
// backend (Boolector, Z3, bitwuzla); that integration is out of scope for
// this engine.
package solver

import (
	"context"
	"math/big"

	"github.com/pkg/errors"

	"github.com/norlen/symex/bitvector"
)

// Result is the three-valued outcome of a satisfiability check.
type Result int

const (
	Unsat Result = iota
	Sat
	Unknown
)

func (r Result) String() string {
	switch r {
	case Sat:
		return "sat"
	case Unsat:
		return "unsat"
	default:
		return "unknown"
	}
}

// ErrNoModel is returned by GetValue when no CheckSat call has produced a
// satisfying assignment yet.
var ErrNoModel = errors.New("solver: no model available")

// ErrAssertNotBool is returned by Assert when given a condition wider than 1 bit.
var ErrAssertNotBool = errors.New("solver: assert requires a width-1 condition")

// Solver is the abstract bitvector theory solver the engine drives. Every
// path owns a scope depth that must match the length of its constraint
// list; Push/Pop manage that scope.
type Solver interface {
	// Push opens a new scope layered on top of the current one.
	Push()
	// Pop discards the most recently pushed scope and its assertions.
	Pop()
	// Assert adds a width-1 boolean constraint to the current scope.
	Assert(cond *bitvector.BV) error
	// CheckSat decides satisfiability of the conjunction of every constraint
	// asserted in every open scope.
	CheckSat(ctx context.Context) (Result, error)
	// GetValue returns a concrete value for bv consistent with the most
	// recent satisfying model. Only valid after CheckSat returned Sat (or
	// Unknown, which this engine treats as an over-approximated Sat).
	GetValue(ctx context.Context, bv *bitvector.BV) (*big.Int, error)
	// Depth reports the current scope depth (number of open Push calls).
	Depth() int
}
