package router

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrogend/hydrogend/internal/message"
	"github.com/hydrogend/hydrogend/internal/peer"
	"github.com/hydrogend/hydrogend/internal/queue"
	"github.com/hydrogend/hydrogend/internal/shmbuf"
	"github.com/hydrogend/hydrogend/internal/xmltree"
)

func testPool(t *testing.T) *message.Pool {
	t.Helper()
	p := message.NewPool(2, 8, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		p.Stop()
	})
	return p
}

func testClient(t *testing.T, id string) (*peer.Client, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	q := queue.New(id, server, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx)
	return peer.NewClient(q), client
}

func parseElem(t *testing.T, wire string) *xmltree.Element {
	t.Helper()
	p := xmltree.NewParser()
	elems, err := p.Feed([]byte(wire))
	require.NoError(t, err)
	require.Len(t, elems, 1)
	return elems[0]
}

func buildMsg(t *testing.T, store *shmbuf.Store, pool *message.Pool, wire string) *message.Msg {
	t.Helper()
	var fds []int
	m, err := message.FromXML(fakeOriginRouter{"origin"}, parseElem(t, wire), &fds, store, pool, zerolog.Nop())
	require.NoError(t, err)
	return m
}

type fakeOriginRouter struct{ id string }

func (f fakeOriginRouter) ID() string { return f.id }

// readUntilIdle accumulates bytes until a read waits idle without
// producing anything, which is as close to "drain whatever is
// pending" as a synchronous net.Pipe allows.
func readUntilIdle(conn net.Conn, idle time.Duration) string {
	var all []byte
	buf := make([]byte, 4096)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		n, err := conn.Read(buf)
		if err != nil {
			break
		}
		all = append(all, buf[:n]...)
	}
	return string(all)
}

func TestQ2ClientsBlobGate(t *testing.T) {
	store := shmbuf.New(zerolog.Nop())
	pool := testPool(t)
	r := New(DefaultConfig(), zerolog.Nop())

	neverClient, neverConn := testClient(t, "never")
	onlyClient, onlyConn := testClient(t, "only")
	alsoClient, alsoConn := testClient(t, "also")

	neverClient.Subscribe("CCD", "", message.BlobNever)
	onlyClient.Subscribe("CCD", "", message.BlobOnly)
	alsoClient.Subscribe("CCD", "", message.BlobAlso)

	r.RegisterClient(neverClient)
	r.RegisterClient(onlyClient)
	r.RegisterClient(alsoClient)

	blobMsg := buildMsg(t, store, pool, `<setBLOBVector device="CCD" name="CCD1"><oneBLOB name="CCD1" size="1">AA==</oneBLOB></setBLOBVector>`)
	r.Q2Clients(nil, true, "CCD", "", blobMsg)

	plainMsg := buildMsg(t, store, pool, `<setNumberVector device="CCD" name="EXPOSURE"><oneNumber name="VAL">1</oneNumber></setNumberVector>`)
	r.Q2Clients(nil, false, "CCD", "", plainMsg)

	gotAlso := readUntilIdle(alsoConn, 300*time.Millisecond)
	assert.Contains(t, gotAlso, "setBLOBVector")
	assert.Contains(t, gotAlso, "setNumberVector")

	gotOnly := readUntilIdle(onlyConn, 300*time.Millisecond)
	assert.Contains(t, gotOnly, "setBLOBVector")
	assert.NotContains(t, gotOnly, "setNumberVector")

	gotNever := readUntilIdle(neverConn, 300*time.Millisecond)
	assert.NotContains(t, gotNever, "setBLOBVector")
	assert.Contains(t, gotNever, "setNumberVector")
}

func TestQ2RDriversDedupesRemoteByHostPort(t *testing.T) {
	store := shmbuf.New(zerolog.Nop())
	pool := testPool(t)
	r := New(DefaultConfig(), zerolog.Nop())

	server1, client1 := net.Pipe()
	t.Cleanup(func() { client1.Close() })
	q1 := queue.New("r1", server1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q1.Start(ctx)
	d1 := peer.NewRemoteDriver(q1, "remote1", "relay.local", 7624, "")

	server2, client2 := net.Pipe()
	t.Cleanup(func() { client2.Close() })
	q2 := queue.New("r2", server2, zerolog.Nop())
	q2.Start(ctx)
	d2 := peer.NewRemoteDriver(q2, "remote2", "relay.local", 7624, "")

	r.RegisterDriver(d1)
	r.RegisterDriver(d2)

	msg := buildMsg(t, store, pool, `<getProperties version="1.7"/>`)
	r.Q2RDrivers(nil, "", "getProperties", msg)

	got1 := readUntilIdle(client1, 300*time.Millisecond)
	assert.Contains(t, got1, "getProperties")

	got2 := readUntilIdle(client2, 300*time.Millisecond)
	assert.Empty(t, got2, "second remote driver on the same host:port must be deduplicated")
}

func TestQ2ClientsDisconnectsOverQuota(t *testing.T) {
	store := shmbuf.New(zerolog.Nop())
	pool := testPool(t)
	cfg := DefaultConfig()
	cfg.MaxQueueBytes = 4 // tiny, so any real message blows it
	r := New(cfg, zerolog.Nop())

	c, _ := testClient(t, "tiny")
	c.Subscribe("CCD", "", message.BlobAlso)
	r.RegisterClient(c)

	msg := buildMsg(t, store, pool, `<setNumberVector device="CCD" name="EXPOSURE"><oneNumber name="VAL">1</oneNumber></setNumberVector>`)
	r.Q2Clients(nil, false, "CCD", "", msg)

	require.Eventually(t, func() bool { return c.Closed() }, time.Second, 10*time.Millisecond)
}
