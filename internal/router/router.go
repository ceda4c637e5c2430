// Package router implements spec.md §4.F: classifying inbound tags
// and fanning a Msg out to interested peers via their queues, honoring
// BLOB delivery modes, remote-driver deduplication, and per-peer queue
// quotas.
package router

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hydrogend/hydrogend/internal/message"
	"github.com/hydrogend/hydrogend/internal/peer"
)

// Config holds the quota and pacing knobs spec.md §4.D/§4.F name.
type Config struct {
	// MaxQueueBytes is the driver-wide maxqsiz: a peer whose queued
	// bytes would exceed this is disconnected. Default 128 MiB.
	MaxQueueBytes int64
	// MaxStreamBytes is maxstreamsiz: a peer already over this many
	// queued bytes is disconnected rather than sent another streaming
	// BLOB. Default 5 MiB.
	MaxStreamBytes int64
	// FanoutRatePerSec and FanoutBurst pace router-wide fan-out
	// operations (not per-message bytes) the way the teacher's
	// ResourceGuard.broadcastLimiter paces broadcasts: a sustained
	// flood of fan-out calls is throttled rather than disconnecting
	// anyone. Zero disables pacing.
	FanoutRatePerSec float64
	FanoutBurst      int
}

// DefaultConfig matches spec.md §4.D's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueBytes:    128 * 1024 * 1024,
		MaxStreamBytes:   5 * 1024 * 1024,
		FanoutRatePerSec: 2000,
		FanoutBurst:      4000,
	}
}

// Router owns the active peer tables and fans Msgs out across them.
// Table mutation (register/remove) and iteration both take the same
// mutex; Q2* calls may trigger a peer's Close from inside the
// iteration, which is safe because Close only tears down the queue —
// table removal happens via RemoveClient/RemoveDriver called from the
// queue's own OnClose callback, never synchronously from within a
// fan-out loop's lock.
type Router struct {
	mu      sync.Mutex
	clients []*peer.Client
	drivers []*peer.Driver

	cfg    Config
	logger zerolog.Logger

	fanoutLimiter *rate.Limiter
}

// New builds a Router with the given quota/pacing configuration.
func New(cfg Config, logger zerolog.Logger) *Router {
	r := &Router{cfg: cfg, logger: logger}
	if cfg.FanoutRatePerSec > 0 {
		r.fanoutLimiter = rate.NewLimiter(rate.Limit(cfg.FanoutRatePerSec), cfg.FanoutBurst)
	}
	return r
}

func (r *Router) RegisterClient(c *peer.Client) {
	r.mu.Lock()
	r.clients = append(r.clients, c)
	r.mu.Unlock()
}

func (r *Router) RemoveClient(c *peer.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, x := range r.clients {
		if x == c {
			r.clients = append(r.clients[:i], r.clients[i+1:]...)
			return
		}
	}
}

func (r *Router) RegisterDriver(d *peer.Driver) {
	r.mu.Lock()
	r.drivers = append(r.drivers, d)
	r.mu.Unlock()
}

func (r *Router) RemoveDriver(d *peer.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, x := range r.drivers {
		if x == d {
			r.drivers = append(r.drivers[:i], r.drivers[i+1:]...)
			return
		}
	}
}

func (r *Router) snapshotClients() []*peer.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*peer.Client(nil), r.clients...)
}

func (r *Router) snapshotDrivers() []*peer.Driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*peer.Driver(nil), r.drivers...)
}

// FindDevice is spec.md §4.F's client interest lookup, delegating to
// the client's own subscription record.
func (r *Router) FindDevice(c *peer.Client, device, name string) (peer.Subscription, bool) {
	return c.FindSubscription(device, name)
}

// FindDriversByName returns every currently registered driver whose
// Name matches name, used by the FIFO `stop` command to locate the
// driver(s) a stable identifier refers to (a restarted local driver
// keeps the same name across respawns, so there's normally exactly
// one match).
func (r *Router) FindDriversByName(name string) []*peer.Driver {
	var out []*peer.Driver
	for _, d := range r.snapshotDrivers() {
		if d.Name() == name {
			out = append(out, d)
		}
	}
	return out
}

func blobGate(isBlob bool, mode message.BlobMode) bool {
	if isBlob && mode == message.BlobNever {
		return false
	}
	if !isBlob && mode == message.BlobOnly {
		return false
	}
	return true
}

// waitFanout paces one whole Q2* fan-out operation against
// FanoutRatePerSec/FanoutBurst. It blocks rather than drops: every
// peer a Q2* call identifies as a match has a guaranteed subscription
// and must receive the message, so pacing can only delay delivery,
// never skip a recipient the way the teacher's broadcastLimiter could
// skip a best-effort broadcast.
func (r *Router) waitFanout() {
	if r.fanoutLimiter == nil {
		return
	}
	_ = r.fanoutLimiter.Wait(context.Background())
}

// quotaExceeded reports whether pushing msg to this queue would blow
// its maxqsiz, or whether it is already over maxstreamsiz and msg is a
// BLOB, per spec.md §4.D/§4.F.
func (r *Router) quotaExceeded(queueBytes, pending int64, isBlob bool) bool {
	if queueBytes+pending > r.cfg.MaxQueueBytes {
		return true
	}
	if isBlob && queueBytes > r.cfg.MaxStreamBytes {
		return true
	}
	return false
}

// Q2Clients fans msg out to every registered client (other than
// except) whose subscription matches device/name and whose BLOB mode
// permits isBlob, enforcing per-client queue quotas.
func (r *Router) Q2Clients(except *peer.Client, isBlob bool, device, name string, msg *message.Msg) {
	r.waitFanout()
	for _, c := range r.snapshotClients() {
		if c == except || c.Closed() {
			continue
		}
		sub, ok := r.FindDevice(c, device, name)
		if !ok {
			continue
		}
		if !blobGate(isBlob, sub.Blob) {
			continue
		}
		if r.quotaExceeded(c.QueueBytes(), msg.QueueSize(), isBlob) {
			r.logger.Warn().Str("peer", c.ID()).Msg("client over queue quota, disconnecting")
			c.Close()
			continue
		}
		c.Push(msg)
	}
}

// Q2RDrivers fans msg out to drivers serving device (other than
// except, if non-nil), deduplicating remote drivers by host:port when
// device is empty (a broadcast getProperties), and skipping enableBLOB
// destined at local drivers (it only has meaning for a remote chain).
func (r *Router) Q2RDrivers(except *peer.Driver, device, tag string, msg *message.Msg) {
	r.waitFanout()
	seenRemote := make(map[string]struct{})
	for _, d := range r.snapshotDrivers() {
		if d == except || d.Closed() || !d.Serves(device) {
			continue
		}
		if device == "" && d.IsRemote() {
			uid := d.RemoteServerUID()
			if _, dup := seenRemote[uid]; dup {
				continue
			}
			seenRemote[uid] = struct{}{}
		}
		if tag == "enableBLOB" && !d.IsRemote() {
			continue
		}
		d.Push(msg)
	}
}

// Q2SDrivers fans msg out to every driver (other than sender) with a
// matching snoop subscription, skipping drivers colocated with the
// sender on the same remote host:port.
func (r *Router) Q2SDrivers(sender *peer.Driver, isBlob bool, device, name string, msg *message.Msg) {
	r.waitFanout()
	for _, d := range r.snapshotDrivers() {
		if d == sender || d.Closed() {
			continue
		}
		sub, ok := d.FindSnoop(device, name)
		if !ok {
			continue
		}
		if !blobGate(isBlob, sub.Blob) {
			continue
		}
		if sender != nil && sender.IsRemote() && d.IsRemote() && d.RemoteServerUID() == sender.RemoteServerUID() {
			continue
		}
		if r.quotaExceeded(d.QueueBytes(), msg.QueueSize(), isBlob) {
			r.logger.Warn().Str("peer", d.ID()).Msg("snooping driver over queue quota, disconnecting")
			d.Close()
			continue
		}
		d.Push(msg)
	}
}

// Q2Servers forwards msg to every upstream server-client other than
// sender, per spec.md §4.F.
func (r *Router) Q2Servers(sender *peer.Client, msg *message.Msg) {
	r.waitFanout()
	for _, c := range r.snapshotClients() {
		if c == sender || c.Closed() || !c.IsServer() {
			continue
		}
		c.Push(msg)
	}
}

// Stats reports the current peer table sizes, for health/metrics endpoints.
func (r *Router) Stats() (clients, drivers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients), len(r.drivers)
}
