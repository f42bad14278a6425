// Package heap implements the kernel heap allocator of spec.md §3.2/
// §4.B: a single contiguous arena carved into chunks, each chunk
// tracked both in address order (the "all" list, used for coalescing)
// and, while free, in one of 32 size-segregated free lists. Grounded
// on biscuit's own kernel-heap conventions (main.go's kmalloc/page
// bookkeeping in cpus_stack_init, phys_init) generalized from
// page-granular to byte-granular segregated free lists.
//
// The arena is a real Go byte slice; chunk headers live in-band at the
// front of each span [addr, addr+headerSize), and addr+headerSize is
// the payload address the caller gets back. This mirrors how the hardware-backed allocator biscuit
// replaces works: pointers are raw addresses, not Go slice handles.
package heap

import (
	"math/bits"
	"sync"
	"unsafe"

	"github.com/justanotherdot/nanokern/internal/klog"
)

const (
	numSlots = 32
	align    = 4
)

// chunkHdr is the in-band header preceding every chunk's payload.
// allPrev/allNext link the address-ordered "all chunks" list (spec.md
// §3.2 invariant a); freePrev/freeNext link the chunk's free-list slot
// and are only meaningful while used == false.
type chunkHdr struct {
	allPrev, allNext   uintptr
	freePrev, freeNext uintptr
	size               uintptr // payload bytes, excludes this header
	used               bool
}

var headerSize = uintptr(unsafe.Sizeof(chunkHdr{}))

// minPayload is the minimum chunk payload size: two machine words, the
// size of a free-list node's pair of links (spec.md §4.B). The links
// themselves live in chunkHdr, not in the payload.
var minPayload = uintptr(unsafe.Sizeof(uintptr(0)) * 2)

// Heap is a single heap arena with its segregated free lists. The
// zero value is not usable; construct with New. One spinlock (mu)
// protects all mutation, matching spec.md §5's "one spinlock, local-
// CPU IRQs off while held" policy — the mutex stands in for that
// spinlock in this hosted rewrite.
type Heap struct {
	mu        sync.Mutex
	arena     []byte // keeps the backing memory alive
	base      uintptr
	size      uintptr
	freelists [numSlots]uintptr // head address per slot, 0 = empty
}

// New carves out an arena of the given size and initializes it as one
// large free chunk bracketed by two permanently-used, zero-payload
// sentinel chunks (spec.md §3.2 invariant c).
func New(size int) *Heap {
	if size <= 0 {
		panic("heap: size must be positive")
	}
	arena := make([]byte, size)
	h := &Heap{arena: arena, base: uintptr(unsafe.Pointer(&arena[0])), size: uintptr(size)}

	if h.size < 3*headerSize {
		panic("heap: arena too small for sentinels")
	}
	free := h.size - 3*headerSize

	headAddr := h.base
	bigAddr := headAddr + headerSize
	tailAddr := bigAddr + headerSize + free

	head := h.hdrAt(headAddr)
	*head = chunkHdr{allNext: bigAddr, used: true}

	big := h.hdrAt(bigAddr)
	*big = chunkHdr{allPrev: headAddr, allNext: tailAddr, size: free, used: false}

	tail := h.hdrAt(tailAddr)
	*tail = chunkHdr{allPrev: bigAddr, used: true}

	h.insertFree(bigAddr)
	klog.Tracef("heap: init size=%d free=%d header=%d\n", size, free, headerSize)
	return h
}

func (h *Heap) hdrAt(addr uintptr) *chunkHdr {
	return (*chunkHdr)(unsafe.Pointer(addr))
}

func slotFor(size uintptr) int {
	if size == 0 {
		return 0
	}
	s := bits.Len(uint(size - 1))
	if s >= numSlots {
		s = numSlots - 1
	}
	return s
}

func roundup(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}

// Alloc returns the address of an n-byte payload, or 0 (the sentinel
// "no pointer" value) on exhaustion, leaving the heap untouched
// (spec.md §4.B failure semantics). Alloc(0) returns 0.
func (h *Heap) Alloc(n int) uintptr {
	if n <= 0 {
		return 0
	}
	need := roundup(uintptr(n), align)
	if need < minPayload {
		need = minPayload
	}
	if need > h.size {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	start := slotFor(need)
	for slot := start; slot < numSlots; slot++ {
		for addr := h.freelists[slot]; addr != 0; addr = h.hdrAt(addr).freeNext {
			hdr := h.hdrAt(addr)
			if hdr.size < need {
				continue
			}
			h.unlinkFree(slot, addr)
			h.carve(addr, need)
			hdr.used = true
			klog.Tracef("heap: alloc n=%d -> %#x (size=%d)\n", n, addr, hdr.size)
			return addr + headerSize
		}
	}
	return 0
}

// carve splits the free chunk at addr so that its payload becomes
// exactly need bytes, reinserting the remainder as a new free chunk
// when the remainder is large enough to hold its own header and
// minimum payload (spec.md §4.B step 4). addr must already be
// unlinked from its free list; its used flag is left false for the
// caller to flip.
func (h *Heap) carve(addr, need uintptr) {
	hdr := h.hdrAt(addr)
	remaining := hdr.size - need
	if remaining < headerSize+minPayload {
		return
	}
	newAddr := addr + headerSize + need
	newHdr := h.hdrAt(newAddr)
	*newHdr = chunkHdr{
		allPrev: addr,
		allNext: hdr.allNext,
		size:    remaining - headerSize,
		used:    false,
	}
	if hdr.allNext != 0 {
		h.hdrAt(hdr.allNext).allPrev = newAddr
	}
	hdr.allNext = newAddr
	hdr.size = need
	h.insertFree(newAddr)
}

// Free releases the chunk payload at p, coalescing with an adjacent
// free predecessor and/or successor so that no two adjacent chunks are
// ever both free (spec.md §4.B invariant). Free(0) is a no-op; Free of
// a non-payload pointer is undefined per spec.md §4.B.
func (h *Heap) Free(p uintptr) {
	if p == 0 {
		return
	}
	addr := p - headerSize

	h.mu.Lock()
	defer h.mu.Unlock()

	hdr := h.hdrAt(addr)

	if hdr.allNext != 0 {
		succ := h.hdrAt(hdr.allNext)
		if !succ.used {
			h.unlinkFree(slotFor(succ.size), hdr.allNext)
			hdr.size += headerSize + succ.size
			hdr.allNext = succ.allNext
			if succ.allNext != 0 {
				h.hdrAt(succ.allNext).allPrev = addr
			}
		}
	}

	if hdr.allPrev != 0 {
		pred := h.hdrAt(hdr.allPrev)
		if !pred.used {
			h.unlinkFree(slotFor(pred.size), hdr.allPrev)
			pred.size += headerSize + hdr.size
			pred.allNext = hdr.allNext
			if hdr.allNext != 0 {
				h.hdrAt(hdr.allNext).allPrev = hdr.allPrev
			}
			h.insertFree(hdr.allPrev)
			klog.Tracef("heap: free %#x merged into predecessor %#x\n", addr, hdr.allPrev)
			return
		}
	}

	hdr.used = false
	h.insertFree(addr)
	klog.Tracef("heap: free %#x size=%d\n", addr, hdr.size)
}

func (h *Heap) insertFree(addr uintptr) {
	hdr := h.hdrAt(addr)
	slot := slotFor(hdr.size)
	head := h.freelists[slot]
	hdr.freePrev = 0
	hdr.freeNext = head
	if head != 0 {
		h.hdrAt(head).freePrev = addr
	}
	h.freelists[slot] = addr
}

func (h *Heap) unlinkFree(slot int, addr uintptr) {
	hdr := h.hdrAt(addr)
	if hdr.freePrev != 0 {
		h.hdrAt(hdr.freePrev).freeNext = hdr.freeNext
	} else {
		h.freelists[slot] = hdr.freeNext
	}
	if hdr.freeNext != 0 {
		h.hdrAt(hdr.freeNext).freePrev = hdr.freePrev
	}
	hdr.freePrev, hdr.freeNext = 0, 0
}

// FreeBytes sums the payload size of every free chunk, for the
// round-trip law in spec.md §8 ("free(p) restores free_bytes to at
// least its original value").
func (h *Heap) FreeBytes() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total uintptr
	for addr := h.hdrAt(h.base).allNext; addr != 0; {
		hdr := h.hdrAt(addr)
		if hdr.allNext == 0 {
			break // tail sentinel
		}
		if !hdr.used {
			total += hdr.size
		}
		addr = hdr.allNext
	}
	return total
}

// ChunkCount walks the all-chunks list and returns the number of
// chunks between the two sentinels, used by tests asserting on the
// result of a split/merge sequence.
func (h *Heap) ChunkCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for addr := h.hdrAt(h.base).allNext; addr != 0; {
		hdr := h.hdrAt(addr)
		if hdr.allNext == 0 {
			break
		}
		n++
		addr = hdr.allNext
	}
	return n
}
