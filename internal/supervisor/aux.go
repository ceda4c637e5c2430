package supervisor

import (
	"bufio"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hydrogend/hydrogend/internal/message"
	"github.com/hydrogend/hydrogend/internal/peer"
	"github.com/hydrogend/hydrogend/internal/router"
	"github.com/hydrogend/hydrogend/internal/shmbuf"
	"github.com/hydrogend/hydrogend/internal/xmltree"
)

// maxStderrLine bounds a single log line buffered from a driver's
// stderr before it's flushed regardless of whether a newline was seen,
// per spec.md §4.G's stderr handling.
const maxStderrLine = 1024

// watchStderr reads a driver's stderr one line at a time, logging
// each as it completes; a line exceeding maxStderrLine is flushed
// without waiting for the newline.
func watchStderr(r io.Reader, logger zerolog.Logger) {
	br := bufio.NewReaderSize(r, maxStderrLine)
	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			logger.Info().Str("stream", "stderr").Msg(strings.TrimRight(string(line), "\r\n"))
		}
		// ErrBufferFull means a full maxStderrLine chunk was logged
		// without a newline; keep reading the rest of that line.
		if err != nil && err != bufio.ErrBufferFull {
			return
		}
	}
}

// primeGetProperties sends a global getProperties to newly spawned
// driver, priming it to announce its devices, per spec.md §4.G
// "Immediately enqueue an initial getProperties to prime the driver."
func primeGetProperties(d *peer.Driver, store *shmbuf.Store, pool *message.Pool, logger zerolog.Logger) {
	root := xmltree.NewElement("getProperties")
	root.SetAttr("version", "1.7")
	var noFds []int
	msg, err := message.FromXML(d, root, &noFds, store, pool, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to build priming getProperties")
		return
	}
	d.Push(msg)
}

// broadcastDelProperties announces the loss of every device a driver
// served once it exits, per spec.md §4.G "Broadcast a delProperty for
// each device the driver served, to all clients."
func broadcastDelProperties(r *router.Router, d *peer.Driver, store *shmbuf.Store, pool *message.Pool, logger zerolog.Logger) {
	for _, device := range d.Devices() {
		root := xmltree.NewElement("delProperty")
		root.SetAttr("device", device)
		var noFds []int
		msg, err := message.FromXML(d, root, &noFds, store, pool, logger)
		if err != nil {
			logger.Warn().Err(err).Str("device", device).Msg("failed to build delProperty")
			continue
		}
		r.Q2Clients(nil, false, device, "", msg)
	}
}
