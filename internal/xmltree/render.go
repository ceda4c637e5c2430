package xmltree

import (
	"bytes"
	"fmt"
)

// Render writes e's wire representation to buf and returns the number
// of bytes written.
func Render(e *Element, buf *bytes.Buffer) int {
	start := buf.Len()
	renderInto(e, buf)
	return buf.Len() - start
}

func renderInto(e *Element, buf *bytes.Buffer) {
	buf.WriteByte('<')
	buf.WriteString(e.Tag)
	for _, a := range e.Attrs {
		buf.WriteByte(' ')
		buf.WriteString(a.Name)
		buf.WriteString(`="`)
		writeEscaped(buf, a.Value)
		buf.WriteByte('"')
	}
	if len(e.Children) == 0 && len(e.CData) == 0 {
		buf.WriteString("/>")
		return
	}
	buf.WriteByte('>')
	if len(e.Children) > 0 {
		for _, c := range e.Children {
			renderInto(c, buf)
		}
	} else {
		buf.Write(escapeCData(e.CData))
	}
	buf.WriteString("</")
	buf.WriteString(e.Tag)
	buf.WriteByte('>')
}

func writeEscaped(buf *bytes.Buffer, s string) {
	for _, c := range []byte(s) {
		switch c {
		case '&':
			buf.WriteString("&amp;")
		case '<':
			buf.WriteString("&lt;")
		case '>':
			buf.WriteString("&gt;")
		case '"':
			buf.WriteString("&quot;")
		default:
			buf.WriteByte(c)
		}
	}
}

func escapeCData(b []byte) []byte {
	needsEscape := false
	for _, c := range b {
		if c == '&' || c == '<' || c == '>' {
			needsEscape = true
			break
		}
	}
	if !needsEscape {
		return b
	}
	var buf bytes.Buffer
	writeEscaped(&buf, string(b))
	return buf.Bytes()
}

// RenderCDataOffset renders root and returns the byte offset within
// that rendering at which child's CDATA payload begins: the
// single-target form of RenderWithOffsets. child must be a direct or
// indirect descendant of root with no children of its own.
func RenderCDataOffset(root, child *Element) ([]byte, int, error) {
	rendered, offsets, err := RenderWithOffsets(root, []*Element{child})
	if err != nil {
		return nil, 0, err
	}
	return rendered, offsets[child], nil
}

// RenderWithOffsets renders root once and additionally reports, for
// every element in targets, the byte offset within the rendering at
// which that element's CDATA begins. Every target must be a
// childless descendant of root (typically a BLOB stand-in produced by
// CloneWithReplacement) or an error is returned. This lets a single
// rendering pass locate every BLOB splice point instead of rendering
// once per BLOB.
func RenderWithOffsets(root *Element, targets []*Element) ([]byte, map[*Element]int, error) {
	want := make(map[*Element]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}
	offsets := make(map[*Element]int, len(targets))

	var buf bytes.Buffer
	renderCollectOffsets(root, want, offsets, &buf)

	for _, t := range targets {
		if _, ok := offsets[t]; !ok {
			return nil, nil, fmt.Errorf("xmltree: %p is not a childless descendant of %p", t, root)
		}
	}
	return buf.Bytes(), offsets, nil
}

func renderCollectOffsets(e *Element, want map[*Element]bool, offsets map[*Element]int, buf *bytes.Buffer) {
	buf.WriteByte('<')
	buf.WriteString(e.Tag)
	for _, a := range e.Attrs {
		buf.WriteByte(' ')
		buf.WriteString(a.Name)
		buf.WriteString(`="`)
		writeEscaped(buf, a.Value)
		buf.WriteByte('"')
	}
	if len(e.Children) == 0 && len(e.CData) == 0 && !want[e] {
		buf.WriteString("/>")
		return
	}
	buf.WriteByte('>')
	if len(e.Children) > 0 {
		for _, c := range e.Children {
			renderCollectOffsets(c, want, offsets, buf)
		}
	} else {
		if want[e] {
			offsets[e] = buf.Len()
		}
		buf.Write(escapeCData(e.CData))
	}
	buf.WriteString("</")
	buf.WriteString(e.Tag)
	buf.WriteByte('>')
}
