package symmem

import (
	"context"
	"fmt"
	"sort"

	"github.com/norlen/symex/bitvector"
	"github.com/norlen/symex/solver"
)

// byteBits is the unit every allocation is addressed and stored in.
const byteBits = 8

// allocEntry is Memory's private view of one allocation: the immutable
// Allocation record, its byte storage, and copy-on-write bookkeeping. shared
// is set on every entry a Fork hands to more than one Memory; the first
// write (or first-touch read) after a fork clones bytes into a private
// slice before mutating.
type allocEntry struct {
	alloc  *Allocation
	bytes  []*bitvector.BV // nil element == never touched (lazily symbolized on first read)
	shared bool
	freed  bool
}

// Memory is one path's byte-addressable symbolic memory: a set of
// allocations, each a flat byte array of bitvector expressions, addressed
// through concrete gap-allocated base addresses.
type Memory struct {
	allocs   map[uint64]*allocEntry
	nextID   uint64
	nextBase uint64
	// threshold bounds how many concrete offsets Load/Store will
	// enumerate for a symbolic index before giving up with
	// ErrUnsupportedSymbolicOffset.
	threshold uint32
}

// Stats summarizes a Memory snapshot for diagnostics.
type Stats struct {
	LiveAllocations int
	FreedAllocations int
	TotalReservedBytes uint64
}

// DefaultSymbolicOffsetThreshold is the byte-count cap New falls back to
// when given zero.
const DefaultSymbolicOffsetThreshold = 4096

// New returns an empty Memory. Base addresses start at 0x1000 so that a
// null pointer (address 0) is never confused with a live allocation.
// symbolicOffsetThreshold of zero selects DefaultSymbolicOffsetThreshold
// rather than disabling every symbolic-offset access outright.
func New(symbolicOffsetThreshold uint32) *Memory {
	if symbolicOffsetThreshold == 0 {
		symbolicOffsetThreshold = DefaultSymbolicOffsetThreshold
	}
	return &Memory{
		allocs:    map[uint64]*allocEntry{},
		nextBase:  0x1000,
		threshold: symbolicOffsetThreshold,
	}
}

func alignUp(v uint64, align uint32) uint64 {
	if align <= 1 {
		return v
	}
	a := uint64(align)
	return (v + a - 1) / a * a
}

// Allocate reserves a new region of size bytes (concrete or symbolic; a
// symbolic size reserves this Memory's symbolic-offset threshold in bytes)
// and returns the pointer bitvector handed back to the caller.
func (m *Memory) Allocate(size *bitvector.BV, align uint32, kind Kind, ownerID uint64) (*bitvector.BV, uint64, error) {
	reserve := concreteSizeHint(size, m.threshold)
	base := alignUp(m.nextBase, align)
	id := m.nextID
	m.nextID++
	m.nextBase = base + reserve + 16 // gap between allocations

	m.allocs[id] = &allocEntry{
		alloc: &Allocation{ID: id, Base: base, Size: size, Align: align, Kind: kind, OwnerID: ownerID},
		bytes: make([]*bitvector.BV, reserve),
	}
	ptr, err := bitvector.ConstU64(base, PointerWidth)
	if err != nil {
		return nil, 0, err
	}
	return ptr, id, nil
}

// Candidate is one feasible (allocation, offset) resolution of a pointer
// value, as produced by Resolve.
type Candidate struct {
	AllocID uint64
	Offset  *bitvector.BV
	// PinCond is the bounds condition that made this candidate feasible;
	// the caller should assert it into whichever path ends up using this
	// candidate, so the choice stays consistent with the solver's model.
	PinCond *bitvector.BV
}

// Resolve asks, for every allocation, whether ptr could plausibly point
// into it (base <= ptr < base+size, computed as an unsigned less-than on the
// wrapped offset so a pointer below base is correctly rejected). Zero
// candidates is OutOfBounds, one is used directly, more than one means the
// executor must fork once per candidate. Freed
// allocations stay resolvable: a pointer into one is a use-after-free, and
// the Load/Store against the dead entry is what reports it — skipping freed
// entries here would misreport every dangling access as OutOfBounds.
func (m *Memory) Resolve(ctx context.Context, slv solver.Solver, ptr *bitvector.BV) ([]Candidate, error) {
	var out []Candidate
	// A pointer with no free symbols is evaluated once, so every candidate's
	// offset is a constant and Load/Store take their direct path.
	concrete, isConcrete := ptr.IsConst()
	if !isConcrete {
		syms := map[string]uint32{}
		bitvector.Symbols(ptr, syms)
		if len(syms) == 0 {
			if v, err := bitvector.Eval(ptr, nil); err == nil {
				concrete, isConcrete = v, true
			}
		}
	}
	for id, e := range m.allocs {
		baseBV, err := bitvector.ConstU64(e.alloc.Base, PointerWidth)
		if err != nil {
			return nil, err
		}
		var offset *bitvector.BV
		if isConcrete {
			offset, err = bitvector.ConstU64(concrete.Uint64()-e.alloc.Base, PointerWidth)
		} else {
			offset, err = bitvector.Sub(ptr, baseBV)
		}
		if err != nil {
			return nil, err
		}
		reserveBV, err := bitvector.ConstU64(uint64(len(e.bytes)), PointerWidth)
		if err != nil {
			return nil, err
		}
		cond, err := bitvector.Ult(offset, reserveBV)
		if err != nil {
			return nil, err
		}

		slv.Push()
		if err := slv.Assert(cond); err != nil {
			slv.Pop()
			return nil, err
		}
		res, err := slv.CheckSat(ctx)
		slv.Pop()
		if err != nil {
			return nil, err
		}
		if res == solver.Unsat {
			continue
		}
		out = append(out, Candidate{AllocID: id, Offset: offset, PinCond: cond})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AllocID < out[j].AllocID })
	return out, nil
}

func (m *Memory) readonly(id uint64) (*allocEntry, error) {
	e, ok := m.allocs[id]
	if !ok {
		return nil, ErrOutOfBounds
	}
	if e.freed {
		return nil, ErrUseAfterFree
	}
	return e, nil
}

// mutable returns an exclusively-owned entry for id, cloning its byte slice
// first if it is still shared with a forked sibling Memory.
func (m *Memory) mutable(id uint64) (*allocEntry, error) {
	e, err := m.readonly(id)
	if err != nil {
		return nil, err
	}
	if e.shared {
		nb := make([]*bitvector.BV, len(e.bytes))
		copy(nb, e.bytes)
		e = &allocEntry{alloc: e.alloc, bytes: nb}
		m.allocs[id] = e
	}
	return e, nil
}

// touch returns the byte at idx, materializing a fresh unconstrained
// symbol on first touch — reading an uninitialized byte is not an error.
func (m *Memory) touch(e *allocEntry, idx uint64) (*bitvector.BV, error) {
	if e.bytes[idx] != nil {
		return e.bytes[idx], nil
	}
	sym, err := bitvector.Symbol(fmt.Sprintf("mem_%d_%d", e.alloc.ID, idx), byteBits)
	if err != nil {
		return nil, err
	}
	e.bytes[idx] = sym
	return sym, nil
}

// assembleLE concatenates byteCount bytes starting at start (little-endian:
// start holds the least significant byte) into one bitvector.
func (m *Memory) assembleLE(e *allocEntry, start uint64, byteCount uint32) (*bitvector.BV, error) {
	var result *bitvector.BV
	for i := int(byteCount) - 1; i >= 0; i-- {
		b, err := m.touch(e, start+uint64(i))
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = b
			continue
		}
		result, err = bitvector.Concat(result, b)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Free marks id as dead. A later Load/Store against id raises
// ErrUseAfterFree; a second Free raises ErrDoubleFree. Freeing through a
// forked sibling's view of the same allocation is unaffected, since Free
// always installs a new entry object rather than mutating the shared one.
func (m *Memory) Free(id uint64) error {
	e, ok := m.allocs[id]
	if !ok {
		return ErrOutOfBounds
	}
	if e.freed {
		return ErrDoubleFree
	}
	m.allocs[id] = &allocEntry{alloc: e.alloc, bytes: e.bytes, freed: true}
	return nil
}

// AllocationAt returns the allocation whose base address is exactly addr,
// live or freed, plus its freed flag. Resolve deliberately skips nothing
// here: free()-style callers must see dead entries to tell a double free
// apart from a wild pointer.
func (m *Memory) AllocationAt(addr uint64) (alloc *Allocation, freed, ok bool) {
	for _, e := range m.allocs {
		if e.alloc.Base == addr {
			return e.alloc, e.freed, true
		}
	}
	return nil, false, false
}

// Load reads byteCount bytes starting at offset (bytes within allocation
// id), little-endian. A concrete offset reads directly; a symbolic offset
// is resolved into a nest of ite expressions over every feasible concrete
// start position, bounded by the allocation's size and this Memory's
// symbolic-offset threshold.
func (m *Memory) Load(id uint64, offset *bitvector.BV, byteCount uint32) (*bitvector.BV, error) {
	if off, ok := offset.IsConst(); ok {
		e, err := m.mutable(id)
		if err != nil {
			return nil, err
		}
		start := off.Uint64()
		if start+uint64(byteCount) > uint64(len(e.bytes)) {
			return nil, ErrOutOfBounds
		}
		return m.assembleLE(e, start, byteCount)
	}

	e, err := m.readonly(id)
	if err != nil {
		return nil, err
	}
	if len(e.bytes) > int(m.threshold) {
		return nil, ErrUnsupportedSymbolicOffset
	}
	e, err = m.mutable(id)
	if err != nil {
		return nil, err
	}
	maxStart := len(e.bytes) - int(byteCount)
	if maxStart < 0 {
		return nil, ErrOutOfBounds
	}

	var result *bitvector.BV
	for start := maxStart; start >= 0; start-- {
		val, err := m.assembleLE(e, uint64(start), byteCount)
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = val
			continue
		}
		startBV, err := bitvector.ConstU64(uint64(start), offset.Width())
		if err != nil {
			return nil, err
		}
		cond, err := bitvector.Eq(offset, startBV)
		if err != nil {
			return nil, err
		}
		result, err = bitvector.Ite(cond, val, result)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Store writes value (whose width must be a whole number of bytes) starting
// at offset within allocation id, little-endian. Symbolic offsets rewrite
// every byte in range as an ite chain selecting the new value only when
// offset picks a start position that covers that byte.
func (m *Memory) Store(id uint64, offset *bitvector.BV, value *bitvector.BV) error {
	byteCount := value.Width() / byteBits

	if off, ok := offset.IsConst(); ok {
		e, err := m.mutable(id)
		if err != nil {
			return err
		}
		start := off.Uint64()
		if start+uint64(byteCount) > uint64(len(e.bytes)) {
			return ErrOutOfBounds
		}
		for i := uint32(0); i < byteCount; i++ {
			b, err := bitvector.Extract(value, i*byteBits, i*byteBits+byteBits-1)
			if err != nil {
				return err
			}
			e.bytes[start+uint64(i)] = b
		}
		return nil
	}

	e, err := m.readonly(id)
	if err != nil {
		return err
	}
	if len(e.bytes) > int(m.threshold) {
		return ErrUnsupportedSymbolicOffset
	}
	e, err = m.mutable(id)
	if err != nil {
		return err
	}
	maxStart := len(e.bytes) - int(byteCount)
	if maxStart < 0 {
		return ErrOutOfBounds
	}

	newBytes := make([]*bitvector.BV, len(e.bytes))
	copy(newBytes, e.bytes)
	for p := 0; p < len(e.bytes); p++ {
		old, err := m.touch(e, uint64(p))
		if err != nil {
			return err
		}
		lowS := p - int(byteCount) + 1
		if lowS < 0 {
			lowS = 0
		}
		highS := p
		if highS > maxStart {
			highS = maxStart
		}
		for s := lowS; s <= highS; s++ {
			k := uint32(p - s)
			vb, err := bitvector.Extract(value, k*byteBits, k*byteBits+byteBits-1)
			if err != nil {
				return err
			}
			startBV, err := bitvector.ConstU64(uint64(s), offset.Width())
			if err != nil {
				return err
			}
			cond, err := bitvector.Eq(offset, startBV)
			if err != nil {
				return err
			}
			old, err = bitvector.Ite(cond, vb, old)
			if err != nil {
				return err
			}
		}
		newBytes[p] = old
	}
	e.bytes = newBytes
	return nil
}

func addOffset(off *bitvector.BV, delta uint64) (*bitvector.BV, error) {
	if v, ok := off.IsConst(); ok {
		return bitvector.ConstU64(v.Uint64()+delta, off.Width())
	}
	d, err := bitvector.ConstU64(delta, off.Width())
	if err != nil {
		return nil, err
	}
	return bitvector.Add(off, d)
}

// Memcpy and Memmove both copy n bytes from (srcID,srcOff) to
// (dstID,dstOff). Both load every source byte before storing any
// destination byte, so overlapping regions within one allocation (the
// memmove case) never observe a partially overwritten source; llvm.memcpy
// and llvm.memmove are handled identically for that reason.
func (m *Memory) Memcpy(dstID uint64, dstOff *bitvector.BV, srcID uint64, srcOff *bitvector.BV, n uint64) error {
	vals := make([]*bitvector.BV, n)
	for i := uint64(0); i < n; i++ {
		so, err := addOffset(srcOff, i)
		if err != nil {
			return err
		}
		v, err := m.Load(srcID, so, 1)
		if err != nil {
			return err
		}
		vals[i] = v
	}
	for i := uint64(0); i < n; i++ {
		do, err := addOffset(dstOff, i)
		if err != nil {
			return err
		}
		if err := m.Store(dstID, do, vals[i]); err != nil {
			return err
		}
	}
	return nil
}

// Memset writes n copies of value (a single byte) starting at dstOff.
func (m *Memory) Memset(dstID uint64, dstOff *bitvector.BV, value *bitvector.BV, n uint64) error {
	for i := uint64(0); i < n; i++ {
		do, err := addOffset(dstOff, i)
		if err != nil {
			return err
		}
		if err := m.Store(dstID, do, value); err != nil {
			return err
		}
	}
	return nil
}

// Fork returns a new Memory sharing every live allocation's bytes with m,
// copy-on-write: the first write to any given allocation, by either side,
// privately clones just that allocation's bytes.
func (m *Memory) Fork() *Memory {
	child := &Memory{
		allocs:    make(map[uint64]*allocEntry, len(m.allocs)),
		nextID:    m.nextID,
		nextBase:  m.nextBase,
		threshold: m.threshold,
	}
	for id, e := range m.allocs {
		e.shared = true
		child.allocs[id] = e
	}
	return child
}

// Threshold returns the symbolic-offset/length enumeration cap this Memory
// was constructed with, for callers (package interp's memcpy/memset/symbolic
// builtins) that must
// bound their own enumeration over a symbolic length the same way Load/Store
// bound enumeration over a symbolic offset.
func (m *Memory) Threshold() uint32 { return m.threshold }

// Stats reports current memory usage for diagnostics.
func (m *Memory) Stats() Stats {
	var s Stats
	for _, e := range m.allocs {
		if e.freed {
			s.FreedAllocations++
			continue
		}
		s.LiveAllocations++
		s.TotalReservedBytes += uint64(len(e.bytes))
	}
	return s
}

// Allocation returns the immutable allocation record for id, for callers
// (interp's alignment check) that need its base, size or kind.
func (m *Memory) Allocation(id uint64) (*Allocation, error) {
	e, err := m.readonly(id)
	if err != nil {
		return nil, err
	}
	return e.alloc, nil
}
