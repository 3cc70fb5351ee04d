// Package arena implements a heap allocator over a fixed, pre-allocated byte
// buffer.
//
// The host ledger gives the engine no general-purpose heap: the only durable
// memory is the byte region backing each account. This package carves a
// dynamic heap out of such a region. All bookkeeping lives inside the region
// itself, in a fixed-offset header and in free-block nodes, so a heap can be
// re-attached in a later host transaction purely by reading the buffer. No
// state survives in process memory between instructions.
//
// Two usage modes exist:
//
//   - Format/Attach bind a persistent heap inside an account's data region.
//     Format must run exactly once, by whichever code path creates the
//     account's extended region; re-formatting a live heap is rejected.
//   - Scratch wraps the program's own transient work buffer and formats it
//     lazily on first allocation, guarded by the header sentinel.
//
// The allocator is a first-fit, address-ordered free list with coalescing.
// Offsets handed to callers are absolute within the underlying buffer.
package arena

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Allocation failure and attach errors.
var (
	// ErrOutOfMemory is returned when no free block can satisfy a request.
	ErrOutOfMemory = errors.New("arena: out of memory")

	// ErrNotFormatted is returned when attaching to a region without a valid
	// heap header.
	ErrNotFormatted = errors.New("arena: region not formatted")

	// ErrAlreadyFormatted is returned when formatting a region that already
	// holds a live heap.
	ErrAlreadyFormatted = errors.New("arena: region already formatted")

	// ErrBadVersion is returned when the heap header carries an unsupported
	// layout version.
	ErrBadVersion = errors.New("arena: unsupported heap version")

	// ErrHeapTooSmall is returned when the region cannot hold the header and
	// at least one minimum-size block.
	ErrHeapTooSmall = errors.New("arena: region too small")

	// ErrBadAlign is returned for alignments that are zero or not a power of
	// two.
	ErrBadAlign = errors.New("arena: alignment must be a power of two")

	// ErrBadOffset is returned when freeing or growing an offset that does
	// not point at a live allocation.
	ErrBadOffset = errors.New("arena: invalid allocation offset")
)

// Header layout constants. The header is stored little-endian at the fixed
// offset the heap was formatted with:
//
//	magic     u32
//	version   u16
//	reserved  u16
//	heap size u32  (bytes available after the header)
//	free head u32  (absolute offset of first free block, nilOffset if none)
const (
	headerSize  = 16
	heapMagic   = uint32(0x48454C48) // "HELH"
	heapVersion = uint16(1)
	nilOffset   = uint32(0xFFFFFFFF)

	// blockHeaderSize precedes every allocation: block start u32, block size
	// u32. Free-list nodes reuse the same 8 bytes as {size, next}.
	blockHeaderSize = 8

	// minBlockSize is the smallest split remainder kept on the free list.
	minBlockSize = 16
)

// Arena is a heap bound to a byte region. It holds no allocation state of its
// own; every operation reads and writes the region's embedded bookkeeping.
type Arena struct {
	buf       []byte
	headerOff uint32
	heapStart uint32
	heapEnd   uint32
}

// Format initializes a fresh heap whose header sits at headerOff and whose
// heap region spans the remainder of buf. It fails with ErrAlreadyFormatted
// if the region already carries a valid header: a live heap must never be
// re-initialized.
func Format(buf []byte, headerOff int) (*Arena, error) {
	if headerOff < 0 || len(buf)-headerOff < headerSize+minBlockSize {
		return nil, ErrHeapTooSmall
	}
	if binary.LittleEndian.Uint32(buf[headerOff:]) == heapMagic {
		return nil, ErrAlreadyFormatted
	}
	heapSize := uint32(len(buf) - headerOff - headerSize)
	a := &Arena{
		buf:       buf,
		headerOff: uint32(headerOff),
		heapStart: uint32(headerOff) + headerSize,
		heapEnd:   uint32(headerOff) + headerSize + heapSize,
	}
	binary.LittleEndian.PutUint32(buf[headerOff:], heapMagic)
	binary.LittleEndian.PutUint16(buf[headerOff+4:], heapVersion)
	binary.LittleEndian.PutUint16(buf[headerOff+6:], 0)
	binary.LittleEndian.PutUint32(buf[headerOff+8:], heapSize)
	a.writeFreeBlock(a.heapStart, heapSize, nilOffset)
	a.setFreeHead(a.heapStart)
	return a, nil
}

// Attach binds to a heap previously created by Format. All invariants are
// re-derived from the header; Attach performs no mutation.
func Attach(buf []byte, headerOff int) (*Arena, error) {
	if headerOff < 0 || len(buf)-headerOff < headerSize {
		return nil, ErrHeapTooSmall
	}
	if binary.LittleEndian.Uint32(buf[headerOff:]) != heapMagic {
		return nil, ErrNotFormatted
	}
	if v := binary.LittleEndian.Uint16(buf[headerOff+4:]); v != heapVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	heapSize := binary.LittleEndian.Uint32(buf[headerOff+8:])
	if uint32(headerOff)+headerSize+heapSize > uint32(len(buf)) {
		return nil, ErrHeapTooSmall
	}
	return &Arena{
		buf:       buf,
		headerOff: uint32(headerOff),
		heapStart: uint32(headerOff) + headerSize,
		heapEnd:   uint32(headerOff) + headerSize + heapSize,
	}, nil
}

func (a *Arena) freeHead() uint32 {
	return binary.LittleEndian.Uint32(a.buf[a.headerOff+12:])
}

func (a *Arena) setFreeHead(off uint32) {
	binary.LittleEndian.PutUint32(a.buf[a.headerOff+12:], off)
}

// Free-list node accessors. A free block at off stores {size u32, next u32}.
func (a *Arena) freeSize(off uint32) uint32 {
	return binary.LittleEndian.Uint32(a.buf[off:])
}

func (a *Arena) freeNext(off uint32) uint32 {
	return binary.LittleEndian.Uint32(a.buf[off+4:])
}

func (a *Arena) writeFreeBlock(off, size, next uint32) {
	binary.LittleEndian.PutUint32(a.buf[off:], size)
	binary.LittleEndian.PutUint32(a.buf[off+4:], next)
}

// Alloc reserves size bytes aligned to align and returns the absolute offset
// of the usable region. align must be a power of two. A zero size allocates
// a minimal block so that the returned offset is still unique and freeable.
func (a *Arena) Alloc(size, align uint32) (uint32, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, ErrBadAlign
	}

	var prev uint32 = nilOffset
	for off := a.freeHead(); off != nilOffset; off = a.freeNext(off) {
		blockSize := a.freeSize(off)
		blockEnd := off + blockSize

		dataOff := alignUp(off+blockHeaderSize, align)
		end := dataOff + size
		if end < dataOff || end > blockEnd {
			prev = off
			continue
		}

		next := a.freeNext(off)
		start := off

		// Leading gap too small to stand alone is absorbed into the block;
		// otherwise it stays on the free list.
		if gap := dataOff - blockHeaderSize - off; gap >= minBlockSize {
			start = off + gap
			a.writeFreeBlock(off, gap, next)
		} else {
			a.unlink(prev, next)
		}

		// Trailing remainder returns to the free list if it can hold a node.
		if rem := blockEnd - end; rem >= minBlockSize {
			a.insertFree(end, rem)
			blockEnd = end
		}

		binary.LittleEndian.PutUint32(a.buf[dataOff-blockHeaderSize:], start)
		binary.LittleEndian.PutUint32(a.buf[dataOff-blockHeaderSize+4:], blockEnd-start)
		return dataOff, nil
	}
	return 0, ErrOutOfMemory
}

// AllocZeroed behaves like Alloc and additionally guarantees the returned
// region reads as all-zero, regardless of prior block reuse.
func (a *Arena) AllocZeroed(size, align uint32) (uint32, error) {
	off, err := a.Alloc(size, align)
	if err != nil {
		return 0, err
	}
	clear(a.buf[off : off+size])
	return off, nil
}

// Free releases an allocation previously returned by Alloc. The containing
// block returns to the address-ordered free list, coalescing with adjacent
// free neighbors.
func (a *Arena) Free(dataOff uint32) error {
	start, size, err := a.blockOf(dataOff)
	if err != nil {
		return err
	}
	a.insertFree(start, size)
	return nil
}

// Realloc grows or shrinks an allocation. The implementation is always
// allocate-new, copy-min, free-old; blocks never grow in place.
func (a *Arena) Realloc(dataOff, newSize, align uint32) (uint32, error) {
	start, blockSize, err := a.blockOf(dataOff)
	if err != nil {
		return 0, err
	}
	oldDataSize := start + blockSize - dataOff

	newOff, err := a.Alloc(newSize, align)
	if err != nil {
		return 0, err
	}
	n := oldDataSize
	if newSize < n {
		n = newSize
	}
	copy(a.buf[newOff:newOff+n], a.buf[dataOff:dataOff+n])
	a.insertFree(start, blockSize)
	return newOff, nil
}

// View returns the live byte slice for an allocation. The slice aliases the
// underlying account buffer; it is invalid after the allocation is freed.
func (a *Arena) View(off, size uint32) []byte {
	return a.buf[off : off+size]
}

// FreeBytes reports the total bytes currently on the free list.
func (a *Arena) FreeBytes() uint32 {
	var total uint32
	for off := a.freeHead(); off != nilOffset; off = a.freeNext(off) {
		total += a.freeSize(off)
	}
	return total
}

func (a *Arena) blockOf(dataOff uint32) (start, size uint32, err error) {
	if dataOff < a.heapStart+blockHeaderSize || dataOff > a.heapEnd {
		return 0, 0, ErrBadOffset
	}
	start = binary.LittleEndian.Uint32(a.buf[dataOff-blockHeaderSize:])
	size = binary.LittleEndian.Uint32(a.buf[dataOff-blockHeaderSize+4:])
	if start < a.heapStart || start >= dataOff || start+size > a.heapEnd || start+size < dataOff {
		return 0, 0, ErrBadOffset
	}
	return start, size, nil
}

func (a *Arena) unlink(prev, next uint32) {
	if prev == nilOffset {
		a.setFreeHead(next)
		return
	}
	binary.LittleEndian.PutUint32(a.buf[prev+4:], next)
}

// insertFree places [start, start+size) on the address-ordered free list and
// coalesces with the previous and next blocks when they touch.
func (a *Arena) insertFree(start, size uint32) {
	var prev uint32 = nilOffset
	next := a.freeHead()
	for next != nilOffset && next < start {
		prev = next
		next = a.freeNext(next)
	}

	if next != nilOffset && start+size == next {
		size += a.freeSize(next)
		next = a.freeNext(next)
	}
	if prev != nilOffset && prev+a.freeSize(prev) == start {
		a.writeFreeBlock(prev, a.freeSize(prev)+size, next)
		return
	}
	a.writeFreeBlock(start, size, next)
	if prev == nilOffset {
		a.setFreeHead(start)
	} else {
		binary.LittleEndian.PutUint32(a.buf[prev+4:], start)
	}
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}
