package vm

// heapAllocator is a bump allocator with size-class free lists over a
// fixed arena appended after the declared data segment. It is the
// generalization of the teacher's stack-pointer reserve/retract
// discipline (pushStack/popStack advancing *vm.sp by a fixed amount)
// to NEW/FREE's variable-size, non-LIFO allocate/release pattern:
// where the teacher always retracts in stack order, NEW/FREE blocks
// can be freed in any order, so blocks are bucketed by exact size and
// handed back out to the next NEW of the same size before the bump
// pointer advances further. This keeps the spec.md §8 invariant
// "NEW(p, n); FREE(p) leaves the allocator in its pre-call state"
// exact for the common case of repeated same-size alloc/free.
type heapAllocator struct {
	base uint64
	end  uint64
	next uint64
	free map[uint64][]uint64 // size -> free block addresses of that size
	size map[uint64]uint64   // addr -> size, for Free to find the size class
}

func newHeapAllocator(base, heapBytes uint64) *heapAllocator {
	return &heapAllocator{
		base: base,
		end:  base + heapBytes,
		next: base,
		free: make(map[uint64][]uint64),
		size: make(map[uint64]uint64),
	}
}

func (h *heapAllocator) alloc(n uint64) (uint64, bool) {
	if n == 0 {
		return h.base, true
	}
	if blocks := h.free[n]; len(blocks) > 0 {
		addr := blocks[len(blocks)-1]
		h.free[n] = blocks[:len(blocks)-1]
		h.size[addr] = n
		return addr, true
	}

	if h.next+n > h.end || h.next+n < h.next {
		return 0, false
	}
	addr := h.next
	h.next += n
	h.size[addr] = n
	return addr, true
}

func (h *heapAllocator) free(addr uint64) error {
	n, ok := h.size[addr]
	if !ok {
		return ErrDoubleFree
	}
	delete(h.size, addr)
	h.free[n] = append(h.free[n], addr)
	return nil
}
