// Package symmem implements Symbolic Memory (SM): a per-path,
// byte-addressable memory that stores bitvector expressions at allocated
// regions, with symbolic read/write at arbitrary (possibly symbolic)
// addresses and bounds tracking per allocation.
package symmem

import (
	"math/big"

	"github.com/pkg/errors"

	"github.com/norlen/symex/bitvector"
)

// Kind classifies an allocation's lifetime.
type Kind int

const (
	Stack Kind = iota
	Heap
	Global
)

func (k Kind) String() string {
	switch k {
	case Stack:
		return "stack"
	case Heap:
		return "heap"
	case Global:
		return "global"
	default:
		return "?"
	}
}

// PointerWidth is the bit width of every pointer this memory model hands
// out; modules with any other pointer width are rejected at load time.
const PointerWidth = 64

// Allocation is one allocated region's immutable record: a unique id, a
// concrete gap-based address base, a size (concrete or symbolic), an
// alignment, and a lifetime kind. The base is concrete by construction
// rather than a solver-constrained symbol; aliasing queries still resolve
// correctly because bases never overlap.
type Allocation struct {
	ID      uint64
	Base    uint64
	Size    *bitvector.BV
	Align   uint32
	Kind    Kind
	OwnerID uint64 // owner tag passed to Allocate; every caller in this repository passes 0
}

// ErrOutOfBounds, ErrUseAfterFree, ErrDoubleFree, and
// ErrUnsupportedSymbolicOffset are the sentinel errors memory operations
// raise; package interp maps them onto path error kinds.
var (
	ErrOutOfBounds               = errors.New("symmem: out of bounds")
	ErrUseAfterFree              = errors.New("symmem: use after free")
	ErrDoubleFree                = errors.New("symmem: double free")
	ErrUnsupportedSymbolicOffset = errors.New("symmem: unsupported symbolic offset")
)

// concreteSizeHint returns a concrete byte reservation for size: its exact
// value when concrete, or threshold bytes when symbolic (this engine's gap
// allocator needs a concrete span to reserve).
func concreteSizeHint(size *bitvector.BV, threshold uint32) uint64 {
	if v, ok := size.IsConst(); ok {
		return v.Uint64()
	}
	return uint64(threshold)
}

func bigFromUint64(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}
