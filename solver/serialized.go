package solver

import (
	"context"
	"math/big"
	"sync"

	"github.com/norlen/symex/bitvector"
)

// Serialized wraps a Solver with a mutex so the executor's "one shared
// solver, many paths" model can never be driven from two goroutines at
// once. The executor always talks to a Serialized, never to a raw Solver,
// so this invariant cannot be bypassed by accident.
type Serialized struct {
	mu sync.Mutex
	s  Solver
	// trail records, per depth, the constraint scope currently asserted in
	// the underlying solver — the "previously active path's scope trail"
	// RestoreScope diffs the incoming path's scopes against.
	trail [][]*bitvector.BV
}

// NewSerialized wraps s for safe concurrent use.
func NewSerialized(s Solver) *Serialized {
	return &Serialized{s: s}
}

func (s *Serialized) Push() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.Push()
}

func (s *Serialized) Pop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.Pop()
}

func (s *Serialized) Assert(cond *bitvector.BV) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.Assert(cond)
}

func (s *Serialized) CheckSat(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.CheckSat(ctx)
}

func (s *Serialized) GetValue(ctx context.Context, bv *bitvector.BV) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.GetValue(ctx, bv)
}

func (s *Serialized) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.Depth()
}

// RestoreScope makes the solver's asserted state equal replayScopes (the
// owning path's ordered constraint list) up to target depth: it diffs
// against the previously active path's scope trail, pops everything past
// the longest common prefix, and replays the rest. Matching depth alone is
// not enough — two sibling paths forked from the same parent sit at the
// same depth with different top scopes, and switching between them must
// swap the top constraints, not keep them. This is how the executor
// restores the solver to match the next path's constraint list between
// path steps.
func (s *Serialized) RestoreScope(target int, replayScopes [][]*bitvector.BV) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	common := 0
	for common < len(s.trail) && common < target && common < len(replayScopes) &&
		sameScope(s.trail[common], replayScopes[common]) {
		common++
	}
	for s.s.Depth() > common {
		s.s.Pop()
	}
	s.trail = s.trail[:common]
	for s.s.Depth() < target {
		idx := s.s.Depth()
		s.s.Push()
		var sc []*bitvector.BV
		if idx < len(replayScopes) {
			sc = replayScopes[idx]
			for _, c := range sc {
				if err := s.s.Assert(c); err != nil {
					return err
				}
			}
		}
		s.trail = append(s.trail, sc)
	}
	return nil
}

// sameScope compares two scopes by expression identity: forked siblings
// share their common-prefix constraint nodes by pointer, so identity is
// exact for the prefix-diffing RestoreScope does.
func sameScope(a, b []*bitvector.BV) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
