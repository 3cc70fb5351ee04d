package arena

// Scratch wraps the program's transient work buffer. The heap inside it only
// lives for the current instruction, but the buffer arrives uninitialized and
// more than one call path may touch it first, so formatting happens lazily on
// first use, keyed off the header sentinel rather than any init ordering.
type Scratch struct {
	buf   []byte
	arena *Arena
}

// NewScratch wraps a transient work buffer. No memory is touched until the
// first allocation.
func NewScratch(buf []byte) *Scratch {
	return &Scratch{buf: buf}
}

func (s *Scratch) ensure() (*Arena, error) {
	if s.arena != nil {
		return s.arena, nil
	}
	a, err := Attach(s.buf, 0)
	if err == ErrNotFormatted {
		a, err = Format(s.buf, 0)
	}
	if err != nil {
		return nil, err
	}
	s.arena = a
	return a, nil
}

// Alloc reserves size bytes aligned to align in the scratch heap.
func (s *Scratch) Alloc(size, align uint32) (uint32, error) {
	a, err := s.ensure()
	if err != nil {
		return 0, err
	}
	return a.Alloc(size, align)
}

// AllocZeroed reserves a zero-filled region in the scratch heap.
func (s *Scratch) AllocZeroed(size, align uint32) (uint32, error) {
	a, err := s.ensure()
	if err != nil {
		return 0, err
	}
	return a.AllocZeroed(size, align)
}

// Free releases a scratch allocation.
func (s *Scratch) Free(off uint32) error {
	a, err := s.ensure()
	if err != nil {
		return err
	}
	return a.Free(off)
}

// Realloc grows or shrinks a scratch allocation.
func (s *Scratch) Realloc(off, newSize, align uint32) (uint32, error) {
	a, err := s.ensure()
	if err != nil {
		return 0, err
	}
	return a.Realloc(off, newSize, align)
}

// View returns the live byte slice for a scratch allocation.
func (s *Scratch) View(off, size uint32) []byte {
	return s.buf[off : off+size]
}
