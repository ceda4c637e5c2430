package xmltree

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserFeedSingleFragment(t *testing.T) {
	p := NewParser()
	elems, err := p.Feed([]byte(`<getProperties version="1.7" device="CCD Simulator"/>`))
	require.NoError(t, err)
	require.Len(t, elems, 1)
	assert.Equal(t, "getProperties", elems[0].Tag)
	v, ok := elems[0].FindAttr("version")
	assert.True(t, ok)
	assert.Equal(t, "1.7", v)
}

func TestParserFeedAcrossChunks(t *testing.T) {
	p := NewParser()
	whole := `<newNumberVector device="CCD" name="EXPOSURE"><oneNumber name="VAL">3.5</oneNumber></newNumberVector>`
	var got []*Element
	for i := 0; i < len(whole); i += 7 {
		end := i + 7
		if end > len(whole) {
			end = len(whole)
		}
		elems, err := p.Feed([]byte(whole[i:end]))
		require.NoError(t, err)
		got = append(got, elems...)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "newNumberVector", got[0].Tag)
	require.Len(t, got[0].Children, 1)
	assert.Equal(t, "3.5", string(got[0].Children[0].CData))
	assert.Zero(t, p.Pending())
}

func TestParserFeedMultipleTopLevelFragments(t *testing.T) {
	p := NewParser()
	elems, err := p.Feed([]byte(`<getProperties version="1.7"/><getProperties version="1.7" device="Focuser"/>`))
	require.NoError(t, err)
	require.Len(t, elems, 2)
	_, ok := elems[1].FindAttr("device")
	assert.True(t, ok)
}

func TestParserRejectsMismatchedCloseTag(t *testing.T) {
	p := NewParser()
	_, err := p.Feed([]byte(`<defTextVector></defNumberVector>`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnescapeAndRenderRoundTrip(t *testing.T) {
	p := NewParser()
	elems, err := p.Feed([]byte(`<oneText name="A">5 &lt; 10 &amp; true</oneText>`))
	require.NoError(t, err)
	require.Len(t, elems, 1)
	assert.Equal(t, "5 < 10 & true", string(elems[0].CData))

	var buf bytes.Buffer
	Render(elems[0], &buf)
	assert.Equal(t, `<oneText name="A">5 &lt; 10 &amp; true</oneText>`, buf.String())
}

func TestShallowCloneDropsPayload(t *testing.T) {
	e := NewElement("oneBLOB")
	e.SetAttr("name", "CCD1")
	e.SetAttr("size", "4096")
	e.CData = []byte("base64payload==")

	clone := e.ShallowClone()
	assert.Equal(t, "oneBLOB", clone.Tag)
	v, _ := clone.FindAttr("name")
	assert.Equal(t, "CCD1", v)
	assert.Empty(t, clone.CData)
}

func TestCloneWithReplacement(t *testing.T) {
	root := NewElement("setBLOBVector")
	blob := NewElement("oneBLOB")
	blob.CData = []byte("original")
	root.Children = []*Element{blob}

	stub := blob.ShallowClone()
	stub.SetAttr("attached", "true")

	clone := CloneWithReplacement(root, map[*Element]*Element{blob: stub})
	require.Len(t, clone.Children, 1)
	assert.NotSame(t, blob, clone.Children[0])
	v, ok := clone.Children[0].FindAttr("attached")
	assert.True(t, ok)
	assert.Equal(t, "true", v)
	assert.Empty(t, clone.Children[0].CData)
	// original untouched
	assert.Equal(t, "original", string(blob.CData))
}

func TestFindBlobElements(t *testing.T) {
	root := NewElement("setBLOBVector")
	b1 := NewElement("oneBLOB")
	b2 := NewElement("oneBLOB")
	other := NewElement("oneNumber")
	root.Children = []*Element{b1, other, b2}

	blobs := FindBlobElements(root)
	assert.Len(t, blobs, 2)
	assert.Same(t, b1, blobs[0])
	assert.Same(t, b2, blobs[1])
}

func TestRenderCDataOffset(t *testing.T) {
	root := NewElement("setBLOBVector")
	root.SetAttr("device", "CCD Simulator")
	blob := NewElement("oneBLOB")
	blob.SetAttr("name", "CCD1")
	blob.CData = []byte("AAAA")
	root.Children = []*Element{blob}

	rendered, off, err := RenderCDataOffset(root, blob)
	require.NoError(t, err)
	require.True(t, off >= 0 && off <= len(rendered))
	assert.Equal(t, "AAAA", string(rendered[off:off+4]))
}

func TestRenderCDataOffsetNotDescendant(t *testing.T) {
	root := NewElement("setBLOBVector")
	stray := NewElement("oneBLOB")
	_, _, err := RenderCDataOffset(root, stray)
	assert.Error(t, err)
}
