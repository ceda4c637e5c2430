package router

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/hydrogend/hydrogend/internal/message"
	"github.com/hydrogend/hydrogend/internal/peer"
	"github.com/hydrogend/hydrogend/internal/queue"
	"github.com/hydrogend/hydrogend/internal/shmbuf"
	"github.com/hydrogend/hydrogend/internal/xmltree"
)

// Dispatcher builds message.Msg values from freshly-parsed elements
// and classifies them per spec.md §4.E before handing them to the
// Router's Q2* fan-out.
type Dispatcher struct {
	router *Router
	store  *shmbuf.Store
	pool   *message.Pool
	logger zerolog.Logger
}

// NewDispatcher ties a Router to the shared-buffer store and
// serialization pool every inbound message needs to become a Msg.
func NewDispatcher(r *Router, store *shmbuf.Store, pool *message.Pool, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{router: r, store: store, pool: pool, logger: logger}
}

func attr(e *xmltree.Element, name string) string {
	v, _ := e.FindAttr(name)
	return v
}

// ClientHandler returns the queue.OnMessage callback for a newly
// accepted client connection, per spec.md §4.E "Client onMessage".
func (d *Dispatcher) ClientHandler(c *peer.Client) queue.OnMessage {
	return func(q *queue.MsgQueue, elem *xmltree.Element, incomingFds *[]int) {
		device := attr(elem, "device")
		name := attr(elem, "name")

		switch elem.Tag {
		case "getProperties":
			if device == "*" {
				c.SetAsServer()
			}
			if device == "" {
				c.SetAllProps()
			} else {
				c.Subscribe(device, name, message.BlobNever)
			}
			msg, err := message.FromXML(c, elem, incomingFds, d.store, d.pool, d.logger)
			if err != nil {
				d.logger.Warn().Err(err).Str("peer", c.ID()).Msg("malformed getProperties")
				return
			}
			d.router.Q2RDrivers(nil, device, elem.Tag, msg)
			msg.QueuingDone()

		case "enableBLOB":
			mode, err := message.ParseBlobMode(strings.TrimSpace(string(elem.CData)))
			if err != nil {
				d.logger.Warn().Err(err).Str("peer", c.ID()).Msg("malformed enableBLOB")
				return
			}
			c.SetBlobMode(device, name, mode)

		default:
			if !strings.HasPrefix(elem.Tag, "new") {
				return
			}
			msg, err := message.FromXML(c, elem, incomingFds, d.store, d.pool, d.logger)
			if err != nil {
				d.logger.Warn().Err(err).Str("peer", c.ID()).Msg("malformed client message")
				return
			}
			d.router.Q2RDrivers(nil, device, elem.Tag, msg)
			msg.QueuingDone()
		}
	}
}

// DriverHandler returns the queue.OnMessage callback for a driver
// connection (local subprocess or remote chain), per spec.md §4.E
// "Driver onMessage".
func (d *Dispatcher) DriverHandler(dr *peer.Driver) queue.OnMessage {
	return func(q *queue.MsgQueue, elem *xmltree.Element, incomingFds *[]int) {
		device := attr(elem, "device")
		name := attr(elem, "name")
		if device != "" {
			dr.AddDevice(device)
		}

		switch elem.Tag {
		case "getProperties":
			dr.AddSnoop(device, name, message.BlobNever)
			msg, err := message.FromXML(dr, elem, incomingFds, d.store, d.pool, d.logger)
			if err != nil {
				d.logger.Warn().Err(err).Str("peer", dr.ID()).Msg("malformed getProperties")
				return
			}
			d.router.Q2RDrivers(dr, device, elem.Tag, msg)
			d.router.Q2Servers(nil, msg)
			msg.QueuingDone()

		case "enableBLOB":
			mode, err := message.ParseBlobMode(strings.TrimSpace(string(elem.CData)))
			if err != nil {
				d.logger.Warn().Err(err).Str("peer", dr.ID()).Msg("malformed enableBLOB")
				return
			}
			dr.SetSnoopBlobMode(device, name, mode)

		case "pingRequest":
			elem.SetTag("pingReply")
			msg, err := message.FromXML(dr, elem, incomingFds, d.store, d.pool, d.logger)
			if err != nil {
				d.logger.Warn().Err(err).Str("peer", dr.ID()).Msg("malformed pingRequest")
				return
			}
			dr.Push(msg)
			msg.QueuingDone()

		default:
			msg, err := message.FromXML(dr, elem, incomingFds, d.store, d.pool, d.logger)
			if err != nil {
				d.logger.Warn().Err(err).Str("peer", dr.ID()).Msg("malformed driver message")
				return
			}
			isBlob := msg.HasInlineBlobs() || msg.HasSharedBufferBlobs()
			d.router.Q2Clients(nil, isBlob, device, name, msg)
			d.router.Q2SDrivers(dr, isBlob, device, name, msg)
			d.router.Q2Servers(nil, msg)
			msg.QueuingDone()
		}
	}
}
