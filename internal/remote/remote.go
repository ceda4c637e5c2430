// Package remote implements spec.md §4.H: dialing a chained remote
// driver server, parsing its `device@host[:port]` name, and priming
// it with the initial getProperties that establishes device-scoped or
// upstream-server routing.
package remote

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hydrogend/hydrogend/internal/message"
	"github.com/hydrogend/hydrogend/internal/peer"
	"github.com/hydrogend/hydrogend/internal/queue"
	"github.com/hydrogend/hydrogend/internal/router"
	"github.com/hydrogend/hydrogend/internal/shmbuf"
	"github.com/hydrogend/hydrogend/internal/xmltree"
)

// DefaultPort is the INDI/Hydrogen wire-protocol default.
const DefaultPort = 7624

// Spec is a parsed `device@host[:port]` or `@host[:port]` name.
type Spec struct {
	Device string // empty means upstream-server mode (device="*")
	Host   string
	Port   int
}

// ParseSpec parses name per spec.md §4.H.
func ParseSpec(name string) (Spec, error) {
	device, hostport, found := strings.Cut(name, "@")
	if !found {
		return Spec{}, fmt.Errorf("remote: %q is not of the form device@host[:port] or @host[:port]", name)
	}
	host, portStr, hasPort := strings.Cut(hostport, ":")
	port := DefaultPort
	if hasPort {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return Spec{}, fmt.Errorf("remote: invalid port in %q: %w", name, err)
		}
		port = p
	}
	if host == "" {
		return Spec{}, fmt.Errorf("remote: %q has no host", name)
	}
	return Spec{Device: device, Host: host, Port: port}, nil
}

// Dialer connects to chained remote driver servers and wires the
// resulting connection into the router the same way a local driver is.
type Dialer struct {
	router     *router.Router
	dispatcher *router.Dispatcher
	store      *shmbuf.Store
	pool       *message.Pool
	logger     zerolog.Logger
	dialFunc   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New ties a Dialer to the shared router/store/pool.
func New(r *router.Router, d *router.Dispatcher, store *shmbuf.Store, pool *message.Pool, logger zerolog.Logger) *Dialer {
	return &Dialer{
		router:     r,
		dispatcher: d,
		store:      store,
		pool:       pool,
		logger:     logger,
		dialFunc:   (&net.Dialer{}).DialContext,
	}
}

// Connect dials spec, registers the resulting Driver with the router,
// and sends the priming getProperties. Remote drivers never accept
// shared buffers — TCP carries no SCM_RIGHTS.
func (d *Dialer) Connect(ctx context.Context, name string) (*peer.Driver, error) {
	spec, err := ParseSpec(name)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(spec.Host, strconv.Itoa(spec.Port))
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := d.dialFunc(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", addr, err)
	}

	logger := d.logger.With().Str("remote", addr).Str("name", name).Logger()
	q := queue.New(name, conn, logger)
	driver := peer.NewRemoteDriver(q, name, spec.Host, spec.Port, spec.Device)

	q.SetOnMessage(d.dispatcher.DriverHandler(driver))
	q.SetOnClose(func(*queue.MsgQueue) {
		d.router.RemoveDriver(driver)
	})

	d.router.RegisterDriver(driver)
	q.Start(ctx)

	if err := d.primeInitial(driver, spec); err != nil {
		d.logger.Warn().Err(err).Str("name", name).Msg("failed to build priming getProperties, closing remote driver")
		driver.Close()
		return nil, err
	}
	return driver, nil
}

// primeInitial sends the getProperties that either scopes the link to
// one device or, when spec.Device is empty, announces upstream-server
// mode with device="*".
func (d *Dialer) primeInitial(driver *peer.Driver, spec Spec) error {
	root := xmltree.NewElement("getProperties")
	root.SetAttr("version", "1.7")
	if spec.Device != "" {
		root.SetAttr("device", spec.Device)
	} else {
		root.SetAttr("device", "*")
	}
	var noFds []int
	msg, err := message.FromXML(driver, root, &noFds, d.store, d.pool, d.logger)
	if err != nil {
		return err
	}
	driver.Push(msg)
	return nil
}
