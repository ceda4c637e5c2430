// Package xmltree implements the small XML element-tree operations the
// router needs: build, clone (with identity-keyed substitution), scan
// attributes/CDATA, render back to bytes, and locate BLOB children.
//
// The INDI/Hydrogen wire format is a stream of back-to-back top-level
// fragments with no document prolog and no single root element, so the
// standard library's encoding/xml decoder (which wants a well-formed
// document) doesn't fit directly. Element and the scanner in parse.go
// are hand-rolled for that reason, matching the amount of XML support
// spec.md treats as an "opaque streaming parser".
package xmltree

import "bytes"

// Attr is a single XML attribute, order-preserving.
type Attr struct {
	Name  string
	Value string
}

// Element is one node of a parsed INDI XML fragment. Leaf elements
// (defText, oneBLOB, ...) carry their payload in CData; container
// elements (defTextVector, ...) carry it in Children.
type Element struct {
	Tag      string
	Attrs    []Attr
	Children []*Element
	CData    []byte
}

// NewElement creates a bare element with the given tag.
func NewElement(tag string) *Element {
	return &Element{Tag: tag}
}

// FindAttr returns an attribute's value and whether it was present.
func (e *Element) FindAttr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttr sets (or replaces) an attribute's value.
func (e *Element) SetAttr(name, value string) {
	for i := range e.Attrs {
		if e.Attrs[i].Name == name {
			e.Attrs[i].Value = value
			return
		}
	}
	e.Attrs = append(e.Attrs, Attr{Name: name, Value: value})
}

// RemoveAttr deletes an attribute if present; no-op otherwise.
func (e *Element) RemoveAttr(name string) {
	for i := range e.Attrs {
		if e.Attrs[i].Name == name {
			e.Attrs = append(e.Attrs[:i], e.Attrs[i+1:]...)
			return
		}
	}
}

// PCData returns the element's raw character data (empty for container
// elements whose content lives in Children).
func (e *Element) PCData() []byte {
	return e.CData
}

// SetTag renames the element in place.
func (e *Element) SetTag(tag string) {
	e.Tag = tag
}

// ShallowClone copies the element's tag and attributes but not its
// children or CDATA — used to stamp out BLOB stand-ins without copying
// the original payload.
func (e *Element) ShallowClone() *Element {
	clone := &Element{Tag: e.Tag, Attrs: make([]Attr, len(e.Attrs))}
	copy(clone.Attrs, e.Attrs)
	return clone
}

// CloneWithReplacement deep-clones the tree rooted at e, except that
// any node present (by pointer identity) as a key in replacements is
// substituted with its mapped value instead of being recursed into.
// This lets one rendering stamp out BLOB placeholders without copying
// the original CDATA of every untouched sibling.
func CloneWithReplacement(e *Element, replacements map[*Element]*Element) *Element {
	if repl, ok := replacements[e]; ok {
		return repl
	}
	clone := e.ShallowClone()
	clone.CData = append([]byte(nil), e.CData...)
	if len(e.Children) > 0 {
		clone.Children = make([]*Element, len(e.Children))
		for i, c := range e.Children {
			clone.Children[i] = CloneWithReplacement(c, replacements)
		}
	}
	return clone
}

// FindBlobElements returns every descendant whose tag is "oneBLOB", in
// document order.
func FindBlobElements(root *Element) []*Element {
	var out []*Element
	var walk func(*Element)
	walk = func(e *Element) {
		if e.Tag == "oneBLOB" {
			out = append(out, e)
		}
		for _, c := range e.Children {
			walk(c)
		}
	}
	walk(root)
	return out
}

// Print returns the byte length of Render(e).
func Print(e *Element) int {
	var buf bytes.Buffer
	Render(e, &buf)
	return buf.Len()
}
