package message

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hydrogend/hydrogend/internal/shmbuf"
	"github.com/hydrogend/hydrogend/internal/xmltree"
)

// Origin is the nullable back-reference a Msg holds to the peer it
// was read from, used only for flow-control signalling (the router
// checks whether a message can still be queued onto more peers).
// Msg deliberately does not depend on the peer package to avoid an
// import cycle — peer depends on message, not the reverse.
type Origin interface {
	ID() string
}

// Msg is a reference-counted XML element tree plus zero-or-more
// attached-buffer fds, per spec.md §3/§4.C. It is alive as long as
// origin is non-nil (QueuingDone not yet called) or at least one
// Serialization references it; Go's garbage collector then reclaims
// it once the last pointer (held by a peer's outgoing queue or by
// Serialize's caller) is dropped — there is no explicit destructor.
type Msg struct {
	mu     sync.Mutex
	origin Origin
	root   *xmltree.Element
	fds    []int

	hasInlineBlobs       bool
	hasSharedBufferBlobs bool
	queueSize            int64

	toInline   *Serialization
	toAttached *Serialization

	store  *shmbuf.Store
	pool   *Pool
	logger zerolog.Logger
}

// FromXML builds a Msg from one parsed top-level element, consuming
// fds from incomingFds for each attached BLOB encountered in document
// order (per spec.md §4.C "Construction & intake").
func FromXML(origin Origin, root *xmltree.Element, incomingFds *[]int, store *shmbuf.Store, pool *Pool, logger zerolog.Logger) (*Msg, error) {
	m := &Msg{
		origin: origin,
		root:   root,
		store:  store,
		pool:   pool,
		logger: logger,
	}

	var attachedSize int64
	for _, blob := range xmltree.FindBlobElements(root) {
		sizeStr, ok := blob.FindAttr("size")
		if !ok {
			return nil, fmt.Errorf("message: oneBLOB missing required size attribute")
		}
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("message: oneBLOB size %q is not a decimal integer: %w", sizeStr, err)
		}

		if attached, ok := blob.FindAttr("attached"); ok && attached == "true" {
			if len(*incomingFds) == 0 {
				return nil, fmt.Errorf("message: oneBLOB attached=\"true\" but no ancillary fd available")
			}
			fd := (*incomingFds)[0]
			*incomingFds = (*incomingFds)[1:]
			m.fds = append(m.fds, fd)
			attachedSize += size
		} else {
			m.hasInlineBlobs = true
		}
	}
	m.hasSharedBufferBlobs = len(m.fds) > 0

	var buf bytes.Buffer
	xmltree.Render(root, &buf)
	m.queueSize = int64(buf.Len()) + attachedSize

	return m, nil
}

// QueueSize returns the advertised byte size this message contributes
// to every peer queue that references it. Fixed at construction.
func (m *Msg) QueueSize() int64 { return m.queueSize }

// HasInlineBlobs reports whether the source tree carries any inline
// (non-attached) oneBLOB element.
func (m *Msg) HasInlineBlobs() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasInlineBlobs
}

// HasSharedBufferBlobs reports whether the message arrived with one
// or more attached fds.
func (m *Msg) HasSharedBufferBlobs() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasSharedBufferBlobs
}

func (m *Msg) hasAnyBlobs() bool {
	return m.hasInlineBlobs || m.hasSharedBufferBlobs
}

// Serialize returns the serialization form appropriate for a
// destination peer, building it lazily if it doesn't exist yet. At
// most one ToInline and one ToAttached serialization exist per Msg;
// both may coexist if the message fans out to both kinds of peer.
func (m *Msg) Serialize(destinationAcceptsSharedBuffers bool) *Serialization {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasAnyBlobs() {
		return m.ensureToInlineLocked()
	}
	if destinationAcceptsSharedBuffers {
		return m.ensureToAttachedLocked()
	}
	return m.ensureToInlineLocked()
}

func (m *Msg) ensureToInlineLocked() *Serialization {
	if m.toInline != nil {
		return m.toInline
	}
	async := m.hasAnyBlobs()
	s := newSerialization(m, kindToInline, async)
	m.toInline = s
	return s
}

func (m *Msg) ensureToAttachedLocked() *Serialization {
	if m.toAttached != nil {
		return m.toAttached
	}
	async := m.hasInlineBlobs
	s := newSerialization(m, kindToAttached, async)
	m.toAttached = s
	return s
}

// snapshot returns the message's current root and attached fds without
// holding m.mu for the duration of a (potentially slow) render or
// base64 pass. Production code must tolerate root being read after
// prune has cleared msg.root — in that case there is nothing left to
// render, which only happens once every serialization needing the
// tree has already finished with it.
func (m *Msg) snapshot() (*xmltree.Element, []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fds := append([]int(nil), m.fds...)
	return m.root, fds
}

// releaseSerialization is called once a Serialization has no more
// awaiters and is not Running. It clears the matching pointer and
// runs prune.
func (m *Msg) releaseSerialization(s *Serialization) {
	m.mu.Lock()
	switch s.kind {
	case kindToInline:
		if m.toInline == s {
			m.toInline = nil
		}
	case kindToAttached:
		if m.toAttached == s {
			m.toAttached = nil
		}
	}
	m.mu.Unlock()
	m.prune()
}

// QueuingDone marks that this message will not be queued onto any
// further peer; it nulls the origin pointer and prunes.
func (m *Msg) QueuingDone() {
	m.mu.Lock()
	m.origin = nil
	m.mu.Unlock()
	m.prune()
}

// alive reports whether the message is still reachable either through
// pending queuing or through a live serialization.
func (m *Msg) alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.origin != nil || m.toInline != nil || m.toAttached != nil
}

// prune collects the union of resource requirements from every live
// serialization and drops whatever isn't needed anymore: the XML tree
// if no serialization still needs it, and every attached fd that
// isn't listed by any requirement's SharedBuffers set.
func (m *Msg) prune() {
	m.mu.Lock()

	req := newRequirement()
	if m.toInline != nil {
		req.merge(m.toInline.requirement())
	}
	if m.toAttached != nil {
		req.merge(m.toAttached.requirement())
	}
	// While queuing is still in progress, the tree must stay alive for
	// any serialization created by a later peer in the same fan-out.
	if m.origin != nil {
		req.XML = true
	}

	if !req.XML {
		m.root = nil
	}

	var remaining []int
	var toClose []int
	for _, fd := range m.fds {
		if _, needed := req.SharedBuffers[fd]; needed {
			remaining = append(remaining, fd)
		} else {
			toClose = append(toClose, fd)
		}
	}
	m.fds = remaining
	m.mu.Unlock()

	for _, fd := range toClose {
		closeFd(fd)
	}
}
