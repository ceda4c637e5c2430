// Package peer implements the two peer-record specializations named
// in spec.md §3/§4.E: Client (subscriptions, BLOB policy) and Driver
// (served devices, snoop subscriptions, restart bookkeeping, local vs
// remote). Per spec.md §9's guidance against deep inheritance, both
// embed a single *queue.MsgQueue and add only their own state rather
// than forming a class hierarchy.
package peer

import (
	"fmt"
	"sync"

	"github.com/hydrogend/hydrogend/internal/message"
	"github.com/hydrogend/hydrogend/internal/queue"
)

// Subscription is spec.md's (device, name, blobMode) tuple.
type Subscription struct {
	Device string
	Name   string
	Blob   message.BlobMode
}

func (s Subscription) matches(device, name string) bool {
	if s.Device != device {
		return false
	}
	return s.Name == "" || s.Name == name
}

// Client is a peer plus its property subscriptions, per spec.md §3.
type Client struct {
	*queue.MsgQueue

	mu          sync.Mutex
	allProps    bool
	defaultBlob message.BlobMode
	subs        []Subscription
	asServer    bool
}

// NewClient wraps an accepted connection's queue as a Client record.
func NewClient(q *queue.MsgQueue) *Client {
	return &Client{MsgQueue: q}
}

// SetAllProps records that this client sent a global getProperties
// (empty device).
func (c *Client) SetAllProps() {
	c.mu.Lock()
	c.allProps = true
	c.mu.Unlock()
}

// AllProps reports whether a global getProperties was seen.
func (c *Client) AllProps() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allProps
}

// SetAsServer flags this client as an upstream server-client, per
// spec.md §4.F: connections that announce themselves with a
// getProperties carrying device="*" are chained servers, not plain
// clients, and receive the full upstream fan-out instead of ordinary
// subscription-gated delivery.
func (c *Client) SetAsServer() {
	c.mu.Lock()
	c.asServer = true
	c.mu.Unlock()
}

// IsServer reports whether this connection identified itself as an
// upstream server-client.
func (c *Client) IsServer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asServer
}

// Subscribe adds or updates a (device, name) subscription.
func (c *Client) Subscribe(device, name string, blob message.BlobMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.subs {
		if c.subs[i].Device == device && c.subs[i].Name == name {
			c.subs[i].Blob = blob
			return
		}
	}
	c.subs = append(c.subs, Subscription{Device: device, Name: name, Blob: blob})
}

// SetBlobMode updates the blob mode of the subscription matching
// device/name, used by enableBLOB handling. If no exact match
// exists, it's a no-op (the client never subscribed to this pair).
func (c *Client) SetBlobMode(device, name string, blob message.BlobMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.subs {
		if c.subs[i].Device == device && c.subs[i].Name == name {
			c.subs[i].Blob = blob
			return
		}
	}
}

// FindSubscription returns the subscription governing (device, name)
// traffic for this client, per spec.md §4.F findDevice: an allProps
// client with empty device matches everything; otherwise an exact
// (device,name) or (device,"") wildcard subscription matches.
func (c *Client) FindSubscription(device, name string) (Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allProps {
		return Subscription{Device: device, Name: name, Blob: c.defaultBlob}, true
	}
	for _, s := range c.subs {
		if s.matches(device, name) {
			return s, true
		}
	}
	return Subscription{}, false
}

// DriverKind distinguishes a Local (subprocess) driver from a Remote
// (TCP-chained) one.
type DriverKind int

const (
	Local DriverKind = iota
	Remote
)

// Driver is a peer plus served devices, snoop subscriptions, and
// restart bookkeeping, per spec.md §3/§4.E.
type Driver struct {
	*queue.MsgQueue

	mu       sync.Mutex
	name     string
	kind     DriverKind
	devices  map[string]struct{}
	snoops   []Subscription
	restarts int
	restart  bool

	// Local-only.
	PID int
	Env map[string]string

	// Remote-only.
	Host string
	Port int
}

// NewLocalDriver wraps a spawned subprocess's queue as a Local Driver.
func NewLocalDriver(q *queue.MsgQueue, name string, env map[string]string, restart bool) *Driver {
	return &Driver{
		MsgQueue: q,
		name:     name,
		kind:     Local,
		devices:  make(map[string]struct{}),
		Env:      env,
		restart:  restart,
	}
}

// NewRemoteDriver wraps a TCP-dialed connection's queue as a Remote Driver.
func NewRemoteDriver(q *queue.MsgQueue, name, host string, port int, initialDevice string) *Driver {
	d := &Driver{
		MsgQueue: q,
		name:     name,
		kind:     Remote,
		devices:  make(map[string]struct{}),
		Host:     host,
		Port:     port,
	}
	if initialDevice != "" {
		d.devices[initialDevice] = struct{}{}
	}
	return d
}

// Name returns the driver's stable identifier (executable name or
// device@host spec it was started with).
func (d *Driver) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// IsRemote reports whether this is a Remote (TCP-chained) driver.
func (d *Driver) IsRemote() bool { return d.kind == Remote }

// RemoteServerUID returns "" for a local driver and "host:port" for a
// remote one, matching original_source's remoteServerUid() exactly.
func (d *Driver) RemoteServerUID() string {
	if d.kind != Remote {
		return ""
	}
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// AddDevice records that this driver serves device, discovered from
// an inbound message carrying that device attribute.
func (d *Driver) AddDevice(device string) {
	if device == "" {
		return
	}
	d.mu.Lock()
	d.devices[device] = struct{}{}
	d.mu.Unlock()
}

// Serves reports whether this driver currently serves device. An
// empty or "*" device matches every driver (broadcast targets).
func (d *Driver) Serves(device string) bool {
	if device == "" || device == "*" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.devices[device]
	return ok
}

// Devices returns the set of devices currently known to be served by
// this driver, in no particular order.
func (d *Driver) Devices() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.devices))
	for dev := range d.devices {
		out = append(out, dev)
	}
	return out
}

// AddSnoop records (or updates) a snoop subscription.
func (d *Driver) AddSnoop(device, name string, blob message.BlobMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.snoops {
		if d.snoops[i].Device == device && d.snoops[i].Name == name {
			d.snoops[i].Blob = blob
			return
		}
	}
	d.snoops = append(d.snoops, Subscription{Device: device, Name: name, Blob: blob})
}

// SetSnoopBlobMode sets the blob mode of the snoop on (device, name),
// adding that snoop if the driver has none yet.
func (d *Driver) SetSnoopBlobMode(device, name string, blob message.BlobMode) {
	d.AddSnoop(device, name, blob)
}

// FindSnoop returns the snoop subscription matching (device, name), if any.
func (d *Driver) FindSnoop(device, name string) (Subscription, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.snoops {
		if s.matches(device, name) {
			return s, true
		}
	}
	return Subscription{}, false
}

// RestartEnabled reports whether this driver's record should be
// cloned and respawned on exit.
func (d *Driver) RestartEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restart
}

// DisableRestart permanently disables restart (used by `fifoctl stop`).
func (d *Driver) DisableRestart() {
	d.mu.Lock()
	d.restart = false
	d.mu.Unlock()
}

// Restarts returns the number of times this driver record has been
// respawned so far.
func (d *Driver) Restarts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restarts
}

// SetRestarts stamps the restart counter on a freshly constructed
// record — used when a supervisor rebuilds a driver from scratch
// after a respawn rather than going through CloneForRestart, so the
// counter it carries still reflects how many times it has exited.
func (d *Driver) SetRestarts(n int) {
	d.mu.Lock()
	d.restarts = n
	d.mu.Unlock()
}

// CloneForRestart produces a fresh record preserving name/env/restart
// policy but with a restarts counter incremented by one and no
// devices/snoops (a freshly spawned process starts blank), matching
// spec.md §4.G "clone the driver record... increment restarts".
func (d *Driver) CloneForRestart(q *queue.MsgQueue) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	clone := &Driver{
		MsgQueue: q,
		name:     d.name,
		kind:     d.kind,
		devices:  make(map[string]struct{}),
		restart:  d.restart,
		restarts: d.restarts + 1,
		PID:      0,
		Env:      d.Env,
		Host:     d.Host,
		Port:     d.Port,
	}
	return clone
}
