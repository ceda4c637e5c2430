package message

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrogend/hydrogend/internal/shmbuf"
	"github.com/hydrogend/hydrogend/internal/xmltree"
)

type fakeOrigin struct{ id string }

func (f fakeOrigin) ID() string { return f.id }

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p := NewPool(2, 8, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		p.Stop()
	})
	return p
}

func parseOne(t *testing.T, wire string) *xmltree.Element {
	t.Helper()
	parser := xmltree.NewParser()
	elems, err := parser.Feed([]byte(wire))
	require.NoError(t, err)
	require.Len(t, elems, 1)
	return elems[0]
}

// drain pulls every chunk out of a Serialization to completion,
// concatenating data and collecting every fd seen across all chunks.
func drain(t *testing.T, s *Serialization) ([]byte, []int) {
	t.Helper()
	var out []byte
	var fds []int
	cur := Cursor{}
	for {
		ok := s.RequestContent(cur)
		require.True(t, ok, "production should eventually produce or terminate")
		data, chunkFds, exists, end := s.GetContent(cur)
		if end {
			break
		}
		require.True(t, exists)
		out = append(out, data...)
		fds = append(fds, chunkFds...)
		if len(data) == 0 {
			// Zero-length chunk (e.g. an empty attached payload):
			// Advance can't consume 0 bytes of a 0-byte chunk, so
			// move to the next chunk id directly.
			cur.ChunkID++
			cur.Offset = 0
			continue
		}
		s.Advance(&cur, len(data))
	}
	return out, fds
}

func TestRoundTripNoBlobs(t *testing.T) {
	pool := newTestPool(t)
	store := shmbuf.New(zerolog.Nop())
	root := parseOne(t, `<newNumberVector device="CCD" name="EXPOSURE"><oneNumber name="VAL">3.5</oneNumber></newNumberVector>`)

	var fds []int
	m, err := FromXML(fakeOrigin{"d1"}, root, &fds, store, pool, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, m.HasInlineBlobs())
	assert.False(t, m.HasSharedBufferBlobs())

	s := m.Serialize(false)
	out, gotFds := drain(t, s)
	assert.Empty(t, gotFds)

	reparsed := parseOne(t, string(out))
	assert.Equal(t, "newNumberVector", reparsed.Tag)
	v, _ := reparsed.FindAttr("device")
	assert.Equal(t, "CCD", v)
	require.Len(t, reparsed.Children, 1)
	assert.Equal(t, "3.5", string(reparsed.Children[0].CData))
}

func TestInlineBlobToAttachedToInline(t *testing.T) {
	pool := newTestPool(t)
	store := shmbuf.New(zerolog.Nop())

	payload := []byte("hello, blob!")
	encoded := base64.StdEncoding.EncodeToString(payload)
	wire := `<setBLOBVector device="CCD" name="CCD1"><oneBLOB name="CCD1" size="` +
		itoa(len(payload)) + `">` + encoded + `</oneBLOB></setBLOBVector>`
	root := parseOne(t, wire)

	var fds []int
	m, err := FromXML(fakeOrigin{"d1"}, root, &fds, store, pool, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, m.HasInlineBlobs())

	attached := m.Serialize(true)
	attachedBytes, attachedFds := drain(t, attached)
	require.Len(t, attachedFds, 1)

	reparsedAttached := parseOne(t, string(attachedBytes))
	blobs := xmltree.FindBlobElements(reparsedAttached)
	require.Len(t, blobs, 1)
	v, ok := blobs[0].FindAttr("attached")
	require.True(t, ok)
	assert.Equal(t, "true", v)

	buf, err := store.Attach(attachedFds[0])
	require.NoError(t, err)
	assert.Equal(t, payload, buf.Bytes())
	require.NoError(t, store.Detach(buf, false))

	// Now build a fresh Msg from the attached form and convert back to inline.
	incoming := append([]int(nil), attachedFds...)
	m2, err := FromXML(fakeOrigin{"d2"}, reparsedAttached, &incoming, store, pool, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, m2.HasSharedBufferBlobs())

	inline := m2.Serialize(false)
	inlineBytes, inlineFds := drain(t, inline)
	assert.Empty(t, inlineFds)

	reparsedInline := parseOne(t, string(inlineBytes))
	blobs2 := xmltree.FindBlobElements(reparsedInline)
	require.Len(t, blobs2, 1)
	decoded, err := base64.StdEncoding.DecodeString(string(blobs2[0].CData))
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestFdAppearsAtMostOncePerPeer(t *testing.T) {
	pool := newTestPool(t)
	store := shmbuf.New(zerolog.Nop())

	buf, err := store.Alloc(4)
	require.NoError(t, err)
	copy(buf.Bytes(), []byte("abcd"))
	fd, _ := store.FdOf(buf)

	root := parseOne(t, `<setBLOBVector device="CCD" name="CCD1"><oneBLOB name="CCD1" size="4" attached="true"></oneBLOB></setBLOBVector>`)
	incoming := []int{fd}
	m, err := FromXML(fakeOrigin{"d1"}, root, &incoming, store, pool, zerolog.Nop())
	require.NoError(t, err)

	s := m.Serialize(true)
	_, fds := drain(t, s)
	require.Len(t, fds, 1)
	assert.Equal(t, fd, fds[0])
}

func TestQueuingDoneReleasesOriginAndPrunesUnreferencedFds(t *testing.T) {
	pool := newTestPool(t)
	store := shmbuf.New(zerolog.Nop())

	buf, err := store.Alloc(3)
	require.NoError(t, err)
	copy(buf.Bytes(), []byte("xyz"))
	fd, _ := store.FdOf(buf)

	root := parseOne(t, `<setBLOBVector device="CCD" name="CCD1"><oneBLOB name="CCD1" size="3" attached="true"></oneBLOB></setBLOBVector>`)
	incoming := []int{fd}
	m, err := FromXML(fakeOrigin{"d1"}, root, &incoming, store, pool, zerolog.Nop())
	require.NoError(t, err)

	assert.True(t, m.alive())
	m.QueuingDone()
	// no longer alive: no serialization has been built, and the origin
	// was released, so nothing pins the message or its fd any more.
	assert.False(t, m.alive())
	assert.Empty(t, m.fds)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		digits = append([]byte{'-'}, digits...)
	}
	return string(digits)
}
