package message

import "sync"

type kind int

const (
	kindToInline kind = iota
	kindToAttached
)

// Serialization is one lazily-produced wire form of a Msg: an
// ordered, append-only chunk stream plus the set of peers currently
// reading from it. Production either runs synchronously on first
// RequestContent (when the source has no BLOBs needing transcoding)
// or is submitted to a Pool and runs on a worker goroutine, appending
// chunks and posting to notifier as it goes — mirroring spec.md §5's
// rule that the serialization's own lock is the only thing a
// background worker and the consuming goroutines share.
type Serialization struct {
	mu       sync.Mutex
	kind     kind
	status   Status
	async    bool
	chunks   []Chunk
	awaiters map[Awaiter]struct{}
	notifier *Notifier
	msg      *Msg
	ownedFds []int // fds this serialization allocated itself (ToAttached's freshly-decoded buffers)
	err      error
}

func newSerialization(msg *Msg, k kind, async bool) *Serialization {
	return &Serialization{
		kind:     k,
		status:   Pending,
		async:    async,
		awaiters: make(map[Awaiter]struct{}),
		notifier: NewNotifier(),
		msg:      msg,
	}
}

// Notifier exposes the channel a peer's write pump can select on to
// learn about new chunks without polling.
func (s *Serialization) Notifier() *Notifier { return s.notifier }

// AddAwaiter registers a peer as interested in this serialization's
// progress.
func (s *Serialization) AddAwaiter(a Awaiter) {
	s.mu.Lock()
	s.awaiters[a] = struct{}{}
	s.mu.Unlock()
}

// RemoveAwaiter drops a peer's interest. If no awaiter remains and
// production isn't Running, the origin message is told to release
// this serialization (which may in turn free the XML tree / fds).
func (s *Serialization) RemoveAwaiter(a Awaiter) {
	s.mu.Lock()
	delete(s.awaiters, a)
	shouldRelease := len(s.awaiters) == 0 && s.status != Running
	s.mu.Unlock()
	if shouldRelease {
		s.msg.releaseSerialization(s)
	}
}

// RequestContent reports whether chunk cursor.ChunkID already exists,
// or production has Terminated (so no further chunks will ever
// appear). It kicks off production on first call.
func (s *Serialization) RequestContent(cur Cursor) bool {
	s.mu.Lock()
	start := s.status == Pending
	if start {
		s.status = Running
	}
	s.mu.Unlock()

	if start {
		if s.async {
			s.msg.pool.Submit(func() { s.produce() })
		} else {
			s.produce()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return cur.ChunkID < len(s.chunks) || s.status == Terminated
}

// GetContent returns the bytes available at cur, along with any fds
// to attach — fds are only ever returned when cur.Offset == 0, since
// that's the one read of a chunk that triggers its ancillary data.
// ok is false if the chunk doesn't exist yet (NOT_READY); end is true
// once cur is past the final chunk of a Terminated serialization.
func (s *Serialization) GetContent(cur Cursor) (data []byte, fds []int, ok bool, end bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur.ChunkID >= len(s.chunks) {
		if s.status == Terminated {
			return nil, nil, true, true
		}
		return nil, nil, false, false
	}
	chunk := s.chunks[cur.ChunkID]
	data = chunk.Data[cur.Offset:]
	if cur.Offset == 0 {
		fds = chunk.Fds
	}
	return data, fds, true, false
}

// Advance moves cur forward by n bytes, rolling over to the next
// chunk (or marking EndReached) as it crosses chunk boundaries.
func (s *Serialization) Advance(cur *Cursor, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for n > 0 {
		if cur.ChunkID >= len(s.chunks) {
			return
		}
		remaining := len(s.chunks[cur.ChunkID].Data) - cur.Offset
		if n < remaining {
			cur.Offset += n
			return
		}
		n -= remaining
		cur.ChunkID++
		cur.Offset = 0
	}
	if cur.ChunkID >= len(s.chunks) && s.status == Terminated {
		cur.EndReached = true
	}
}

// requirement reports what this serialization still needs: the XML
// tree while it hasn't finished producing (ToInline zero-copies
// already-inline BLOB CDATA straight out of the source tree, so the
// tree must outlive production), and every fd appearing in any chunk
// not yet fully delivered... in practice any fd this serialization
// has ever emitted, since downstream awaiters may still be mid-read.
func (s *Serialization) requirement() Requirement {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := newRequirement()
	req.XML = s.status != Terminated
	for _, c := range s.chunks {
		for _, fd := range c.Fds {
			req.SharedBuffers[fd] = struct{}{}
		}
	}
	for _, fd := range s.ownedFds {
		req.SharedBuffers[fd] = struct{}{}
	}
	return req
}

func (s *Serialization) appendChunk(c Chunk) {
	s.mu.Lock()
	s.chunks = append(s.chunks, c)
	s.mu.Unlock()
	s.notifier.Post()
}

func (s *Serialization) markTerminated() {
	s.mu.Lock()
	s.status = Terminated
	s.mu.Unlock()
	s.notifier.Post()
}

func (s *Serialization) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.status = Terminated
	s.mu.Unlock()
	s.notifier.Post()
}

// Err returns the error that aborted production, if any.
func (s *Serialization) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// StatusNow returns the current lifecycle status.
func (s *Serialization) StatusNow() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
