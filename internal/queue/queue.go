// Package queue implements the per-peer bidirectional message queue
// (spec.md §4.D "MsgQueue"): a streaming XML read path and a
// chunked, cursor-tracked write path, with ancillary-data (SCM_RIGHTS)
// transport when the underlying connection is a UNIX socket.
//
// The single-threaded event loop of spec.md §5 is translated here the
// way the teacher's Server translates its own: one read-pump goroutine
// and one write-pump goroutine per peer, coordinating through the
// queue's own mutex-protected state rather than a shared reactor
// thread. Router tables stay single-owner by living behind their own
// locks in internal/router, exactly mirroring the teacher's
// `clients sync.Map` + per-client goroutine pair.
package queue

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hydrogend/hydrogend/internal/message"
	"github.com/hydrogend/hydrogend/internal/xmltree"
)

const (
	// MaxRead is the largest single read(), matching spec.md §4.D.
	MaxRead = 48 * 1024
	// MaxWrite is the largest single write/sendmsg, matching spec.md §4.D.
	MaxWrite = 48 * 1024
	// MaxFdsPerMessage bounds the ancillary-data control buffer.
	MaxFdsPerMessage = 16
)

// OnMessage is the router's entry point for a completed top-level XML
// element read from this peer, along with a pointer to the peer's
// accumulated-but-unconsumed incoming fd list (message.FromXML
// consumes a prefix of it per attached BLOB encountered).
type OnMessage func(q *MsgQueue, elem *xmltree.Element, incomingFds *[]int)

// OnClose is invoked once, from whichever pump notices the connection
// is finished, after the queue has fully torn itself down.
type OnClose func(q *MsgQueue)

type outgoingItem struct {
	msg *message.Msg
	ser *message.Serialization
	cur message.Cursor
}

// MsgQueue is one peer's queue: conn is used for both directions
// (readFd == writeFd, per spec.md's Peer model, since every transport
// here is a single net.Conn — TCP socket, UNIX socket, or a
// socketpair/pipe wrapped as one). ancillary is true only for UNIX
// sockets, where SCM_RIGHTS transport is possible.
type MsgQueue struct {
	id        string
	conn      net.Conn
	unixConn  *net.UnixConn // non-nil iff ancillary
	ancillary bool

	logger zerolog.Logger

	parser      *xmltree.Parser
	incomingFds []int

	mu          sync.Mutex
	outgoing    []*outgoingItem
	queueBytes  int64
	closed      bool
	writeClosed bool

	wake    chan struct{}
	onMsg   OnMessage
	onClose OnClose
}

// New wraps conn as a peer queue. If conn is a *net.UnixConn, the
// queue is ancillary-capable; otherwise it transports plain bytes
// only (pipes, TCP).
func New(id string, conn net.Conn, logger zerolog.Logger) *MsgQueue {
	q := &MsgQueue{
		id:     id,
		conn:   conn,
		logger: logger.With().Str("peer", id).Logger(),
		parser: xmltree.NewParser(),
		wake:   make(chan struct{}, 1),
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		q.unixConn = uc
		q.ancillary = true
	}
	return q
}

// ID identifies this peer for logging and as a message.Origin.
func (q *MsgQueue) ID() string { return q.id }

// AcceptsSharedBuffers reports whether this peer's transport can carry
// SCM_RIGHTS ancillary data.
func (q *MsgQueue) AcceptsSharedBuffers() bool { return q.ancillary }

// SetOnMessage installs the router callback for completed elements.
func (q *MsgQueue) SetOnMessage(f OnMessage) { q.onMsg = f }

// SetOnClose installs a callback run once when the queue finally closes.
func (q *MsgQueue) SetOnClose(f OnClose) { q.onClose = f }

// QueueBytes returns the current sum of queued messages' advertised
// sizes (spec.md §3's queue-size invariant), for router quota checks.
func (q *MsgQueue) QueueBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queueBytes
}

// Closed reports whether this peer has been torn down.
func (q *MsgQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// NotifyProgress implements message.Awaiter: a serialization this
// queue is reading from made progress, so wake the write pump.
func (q *MsgQueue) NotifyProgress() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Push enqueues msg for delivery to this peer, building (or reusing)
// the appropriate serialization for this peer's transport capability
// and registering this queue as an awaiter.
func (q *MsgQueue) Push(msg *message.Msg) {
	ser := msg.Serialize(q.ancillary)
	ser.AddAwaiter(q)

	q.mu.Lock()
	if q.closed || q.writeClosed {
		q.mu.Unlock()
		ser.RemoveAwaiter(q)
		return
	}
	q.outgoing = append(q.outgoing, &outgoingItem{msg: msg, ser: ser})
	q.queueBytes += msg.QueueSize()
	q.mu.Unlock()

	q.NotifyProgress()
}

// Start launches the read and write pump goroutines. Both exit when
// ctx is cancelled or the connection closes.
func (q *MsgQueue) Start(ctx context.Context) {
	go q.readPump(ctx)
	go q.writePump(ctx)
}

func (q *MsgQueue) readPump(ctx context.Context) {
	buf := make([]byte, MaxRead)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var n int
		var fds []int
		var err error
		if q.ancillary {
			n, fds, err = readAncillary(q.unixConn, buf)
		} else {
			n, err = q.conn.Read(buf)
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				q.logger.Debug().Err(err).Msg("peer read ended")
			}
			q.close()
			return
		}
		if n == 0 {
			q.close()
			return
		}

		q.incomingFds = append(q.incomingFds, fds...)

		elems, perr := q.parser.Feed(buf[:n])
		if perr != nil {
			q.logger.Warn().Err(perr).Msg("malformed XML fragment, closing peer")
			q.close()
			return
		}
		for _, e := range elems {
			if q.Closed() {
				break
			}
			if q.onMsg != nil {
				q.onMsg(q, e, &q.incomingFds)
			}
		}
	}
}

func (q *MsgQueue) writePump(ctx context.Context) {
	for {
		item, ok := q.headItem()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		ready := item.ser.RequestContent(item.cur)
		if !ready {
			select {
			case <-ctx.Done():
				return
			case <-item.ser.Notifier().C():
				continue
			}
		}

		data, fds, exists, end := item.ser.GetContent(item.cur)
		if end {
			q.popHead(item)
			continue
		}
		if !exists {
			select {
			case <-ctx.Done():
				return
			case <-item.ser.Notifier().C():
				continue
			}
		}
		if len(data) > MaxWrite {
			data = data[:MaxWrite]
		}

		n, err := q.writeBytes(data, fds)
		if err != nil {
			q.logger.Debug().Err(err).Msg("peer write failed, closing write side")
			q.closeWritePart()
			return
		}
		item.ser.Advance(&item.cur, n)
	}
}

func (q *MsgQueue) writeBytes(data []byte, fds []int) (int, error) {
	if len(fds) > 0 && q.ancillary {
		return writeAncillary(q.unixConn, data, fds)
	}
	return q.conn.Write(data)
}

func (q *MsgQueue) headItem() (*outgoingItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.outgoing) == 0 {
		return nil, false
	}
	return q.outgoing[0], true
}

func (q *MsgQueue) popHead(item *outgoingItem) {
	q.mu.Lock()
	if len(q.outgoing) > 0 && q.outgoing[0] == item {
		q.outgoing = q.outgoing[1:]
		q.queueBytes -= item.msg.QueueSize()
	}
	q.mu.Unlock()
	item.ser.RemoveAwaiter(q)
}

// closeWritePart implements spec.md §4.D "closeWritePart": shut down
// the write side (or half-close when read/write share one fd) while
// leaving the read watcher armed, and release every queued
// serialization's hold on this peer. It releases this peer's own hold
// on each pending message (RemoveAwaiter); the message itself stays
// alive until the dispatcher that produced it calls QueuingDone, since
// other peers in the same fan-out may still need it.
func (q *MsgQueue) closeWritePart() {
	q.mu.Lock()
	if q.writeClosed {
		q.mu.Unlock()
		return
	}
	q.writeClosed = true
	pending := q.outgoing
	q.outgoing = nil
	q.queueBytes = 0
	q.mu.Unlock()

	if uc, ok := q.conn.(interface{ CloseWrite() error }); ok {
		_ = uc.CloseWrite()
	}
	for _, item := range pending {
		item.ser.RemoveAwaiter(q)
	}
}

// close tears the peer down entirely: stop reading and writing,
// release every queued message, and fire the close callback once. As
// in closeWritePart, this only drops this peer's own awaiter hold on
// each pending message; QueuingDone is the dispatcher's job.
func (q *MsgQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.outgoing
	q.outgoing = nil
	q.queueBytes = 0
	q.mu.Unlock()

	_ = q.conn.Close()
	for _, item := range pending {
		item.ser.RemoveAwaiter(q)
	}
	if q.onClose != nil {
		q.onClose(q)
	}
}

// Close tears the peer down from outside the pumps (router-initiated
// disconnect, e.g. a quota violation).
func (q *MsgQueue) Close() {
	q.close()
}
