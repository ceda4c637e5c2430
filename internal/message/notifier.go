package message

// Awaiter is anything that wants to know when a Serialization it is
// reading from makes progress — in practice a peer's write pump. The
// queue package implements this by signalling its own wake channel.
type Awaiter interface {
	NotifyProgress()
}

// Notifier is the Go-idiomatic stand-in for spec.md's libuv async
// handle: a non-blocking, coalescing wakeup signal a background
// worker can post to and the consuming goroutine can drain. Posting
// never blocks; multiple posts before a drain coalesce into one wake,
// which is fine because the consumer always re-reads full state
// (RequestContent/GetContent) rather than trusting the wakeup count.
type Notifier struct {
	ch chan struct{}
}

// NewNotifier returns a ready-to-use Notifier.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Post wakes the consumer. Safe to call from any goroutine, including
// a Pool worker mid-production.
func (n *Notifier) Post() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// C returns the channel to select on.
func (n *Notifier) C() <-chan struct{} {
	return n.ch
}
