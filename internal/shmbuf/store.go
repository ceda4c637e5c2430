// Package shmbuf implements the shared-buffer store: anonymous shared
// memory regions that can be handed to another process as a
// transferable file descriptor. A Buffer is the opaque handle spec.md
// describes as "a process-virtual pointer and a transferable fd" —
// here the *Buffer pointer itself plays the role of the virtual
// pointer, and Fd() exposes the descriptor for SCM_RIGHTS transport.
package shmbuf

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Buffer is one allocated or attached shared-memory region.
type Buffer struct {
	fd       int
	size     int64
	data     []byte
	sealed   bool
	attached bool // mapped from a received fd rather than allocated locally
}

// Fd returns the backing file descriptor, suitable for SCM_RIGHTS.
func (b *Buffer) Fd() int { return b.fd }

// Size returns the region's current length in bytes.
func (b *Buffer) Size() int64 { return b.size }

// Bytes returns the mapped region. For a sealed or attached buffer the
// caller must treat it as read-only even though Go cannot enforce
// that at the slice level.
func (b *Buffer) Bytes() []byte { return b.data }

// Sealed reports whether Seal has been called on this buffer.
func (b *Buffer) Sealed() bool { return b.sealed }

// Store owns a registry of live buffers so that Detach is safe to call
// on any pointer: a *Buffer the store didn't create or attach is
// simply not found, and Detach becomes a no-op rather than a panic.
type Store struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	registry map[*Buffer]struct{}
	nextName uint64
}

// New returns an empty Store.
func New(logger zerolog.Logger) *Store {
	return &Store{
		logger:   logger.With().Str("component", "shmbuf").Logger(),
		registry: make(map[*Buffer]struct{}),
	}
}

// Alloc reserves size bytes of anonymous shared memory and returns a
// writable mapping backed by a transferable fd.
func (s *Store) Alloc(size int64) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmbuf: alloc size must be positive, got %d", size)
	}

	s.mu.Lock()
	name := fmt.Sprintf("hydrogend-blob-%d", s.nextName)
	s.nextName++
	s.mu.Unlock()

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("shmbuf: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmbuf: ftruncate: %w", err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmbuf: mmap: %w", err)
	}

	buf := &Buffer{fd: fd, size: size, data: data}
	s.mu.Lock()
	s.registry[buf] = struct{}{}
	s.mu.Unlock()
	return buf, nil
}

// Seal marks a buffer read-only (mprotect PROT_READ). Idempotent. The
// attached-form serialization calls it right after filling a freshly
// allocated buffer, before the fd is handed to any peer.
func (s *Store) Seal(buf *Buffer) error {
	if buf == nil || buf.sealed {
		return nil
	}
	if err := unix.Mprotect(buf.data, unix.PROT_READ); err != nil {
		return fmt.Errorf("shmbuf: mprotect seal: %w", err)
	}
	buf.sealed = true
	return nil
}

// Attach maps a received fd read-only, sizing the mapping from the
// fd's own file size.
func (s *Store) Attach(fd int) (*Buffer, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("shmbuf: fstat attach fd %d: %w", fd, err)
	}
	size := st.Size
	if size <= 0 {
		return nil, fmt.Errorf("shmbuf: attach fd %d has non-positive size %d", fd, size)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmbuf: mmap attach fd %d: %w", fd, err)
	}
	buf := &Buffer{fd: fd, size: size, data: data, sealed: true, attached: true}
	s.mu.Lock()
	s.registry[buf] = struct{}{}
	s.mu.Unlock()
	return buf, nil
}

// Detach unmaps buf and optionally closes its fd. Calling Detach on a
// pointer this store never allocated or attached is a safe no-op,
// matching the "free routine safe on any pointer" requirement.
func (s *Store) Detach(buf *Buffer, closeFd bool) error {
	if buf == nil {
		return nil
	}
	s.mu.Lock()
	_, owned := s.registry[buf]
	if owned {
		delete(s.registry, buf)
	}
	s.mu.Unlock()
	if !owned {
		return nil
	}

	var err error
	if buf.data != nil {
		if uerr := unix.Munmap(buf.data); uerr != nil {
			err = fmt.Errorf("shmbuf: munmap: %w", uerr)
		}
		buf.data = nil
	}
	if closeFd {
		if cerr := unix.Close(buf.fd); cerr != nil && err == nil {
			err = fmt.Errorf("shmbuf: close fd %d: %w", buf.fd, cerr)
		}
		buf.fd = -1
	}
	return err
}

// Realloc grows or shrinks a not-yet-sealed, store-owned allocation.
func (s *Store) Realloc(buf *Buffer, newSize int64) error {
	if buf == nil {
		return fmt.Errorf("shmbuf: realloc on nil buffer")
	}
	if buf.attached {
		return fmt.Errorf("shmbuf: cannot realloc an attached (non-owned) buffer")
	}
	if buf.sealed {
		return fmt.Errorf("shmbuf: cannot realloc a sealed buffer")
	}
	if newSize <= 0 {
		return fmt.Errorf("shmbuf: realloc size must be positive, got %d", newSize)
	}

	s.mu.Lock()
	_, owned := s.registry[buf]
	s.mu.Unlock()
	if !owned {
		return fmt.Errorf("shmbuf: realloc on a buffer this store does not own")
	}

	if buf.data != nil {
		if err := unix.Munmap(buf.data); err != nil {
			return fmt.Errorf("shmbuf: munmap before realloc: %w", err)
		}
	}
	if err := unix.Ftruncate(buf.fd, newSize); err != nil {
		return fmt.Errorf("shmbuf: ftruncate realloc: %w", err)
	}
	data, err := unix.Mmap(buf.fd, 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("shmbuf: mmap realloc: %w", err)
	}
	buf.data = data
	buf.size = newSize
	return nil
}

// FdOf reverse-looks-up the fd for a store-owned buffer. Returns -1,
// false for anything the store doesn't recognize.
func (s *Store) FdOf(buf *Buffer) (int, bool) {
	if buf == nil {
		return -1, false
	}
	s.mu.Lock()
	_, owned := s.registry[buf]
	s.mu.Unlock()
	if !owned {
		return -1, false
	}
	return buf.fd, true
}

// Len reports how many buffers are currently registered, for tests and
// metrics (leak detection).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registry)
}
