package message

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/hydrogend/hydrogend/internal/xmltree"
)

// maxBase64SliceRaw is the largest raw byte count encoded into one
// chunk: 36864 raw bytes -> exactly 49152 (48 KiB) of base64, a
// multiple of 3 so no slice splits a base64 quantum, matching spec §4.C.
const maxBase64SliceRaw = 36864

func (s *Serialization) produce() {
	switch s.kind {
	case kindToInline:
		s.produceToInline()
	case kindToAttached:
		s.produceToAttached()
	}
}

// produceToInline implements spec.md §4.C "ToInline production".
func (s *Serialization) produceToInline() {
	root, fds := s.msg.snapshot()
	if root == nil {
		s.markTerminated()
		return
	}

	blobs := xmltree.FindBlobElements(root)
	if len(blobs) == 0 {
		rendered, err := renderAll(root)
		if err != nil {
			s.fail(err)
			return
		}
		s.appendChunk(Chunk{Data: rendered})
		s.markTerminated()
		return
	}

	stubs := make([]*xmltree.Element, len(blobs))
	stubMap := make(map[*xmltree.Element]*xmltree.Element, len(blobs))
	for i, b := range blobs {
		stub := b.ShallowClone()
		stub.RemoveAttr("attached")
		stub.RemoveAttr("enclen")
		stubs[i] = stub
		stubMap[b] = stub
	}
	cloned := xmltree.CloneWithReplacement(root, stubMap)

	rendered, offsets, err := xmltree.RenderWithOffsets(cloned, stubs)
	if err != nil {
		s.fail(err)
		return
	}

	fdIdx := 0
	prevEnd := 0
	for i, b := range blobs {
		stubOff := offsets[stubs[i]]
		if stubOff > prevEnd {
			s.appendChunk(Chunk{Data: rendered[prevEnd:stubOff]})
		}

		attached, isAttached := b.FindAttr("attached")
		if isAttached && attached == "true" {
			if fdIdx >= len(fds) {
				s.fail(fmt.Errorf("message: toInline conversion ran out of attached fds"))
				return
			}
			fd := fds[fdIdx]
			fdIdx++
			buf, err := s.msg.store.Attach(fd)
			if err != nil {
				s.fail(fmt.Errorf("message: attach fd %d for inline conversion: %w", fd, err))
				return
			}
			s.encodeBase64Chunks(buf.Bytes())
			s.msg.store.Detach(buf, false)
		} else {
			s.appendChunk(Chunk{Data: b.CData})
		}
		prevEnd = stubOff
	}
	if prevEnd < len(rendered) {
		s.appendChunk(Chunk{Data: rendered[prevEnd:]})
	}
	s.markTerminated()
}

// encodeBase64Chunks base64-encodes data in ≤48 KiB pieces, each its
// own chunk so a large BLOB streams out instead of blocking on one
// giant allocation.
func (s *Serialization) encodeBase64Chunks(data []byte) {
	if len(data) == 0 {
		s.appendChunk(Chunk{Data: nil})
		return
	}
	for i := 0; i < len(data); i += maxBase64SliceRaw {
		end := i + maxBase64SliceRaw
		if end > len(data) {
			end = len(data)
		}
		slice := data[i:end]
		encoded := make([]byte, base64.StdEncoding.EncodedLen(len(slice)))
		base64.StdEncoding.Encode(encoded, slice)
		s.appendChunk(Chunk{Data: encoded})
	}
}

// produceToAttached implements spec.md §4.C "ToAttached production".
func (s *Serialization) produceToAttached() {
	root, fds := s.msg.snapshot()
	if root == nil {
		s.markTerminated()
		return
	}

	blobs := xmltree.FindBlobElements(root)
	stubMap := make(map[*xmltree.Element]*xmltree.Element)
	var allFds []int
	var ownedFds []int
	fdIdx := 0

	for _, b := range blobs {
		attached, isAttached := b.FindAttr("attached")
		if isAttached && attached == "true" {
			if fdIdx >= len(fds) {
				s.fail(fmt.Errorf("message: toAttached conversion ran out of attached fds"))
				return
			}
			allFds = append(allFds, fds[fdIdx])
			fdIdx++
			continue
		}

		sizeStr, _ := b.FindAttr("size")
		size, err := parsePositiveSize(sizeStr)
		if err != nil {
			s.fail(fmt.Errorf("message: inline BLOB for attach conversion: %w", err))
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(string(b.CData))
		if err != nil {
			s.fail(fmt.Errorf("message: base64 decode inline BLOB: %w", err))
			return
		}
		newBuf, err := s.msg.store.Alloc(size)
		if err != nil {
			s.fail(fmt.Errorf("message: alloc shared buffer for attach conversion: %w", err))
			return
		}
		copy(newBuf.Bytes(), decoded)
		if err := s.msg.store.Seal(newBuf); err != nil {
			s.fail(fmt.Errorf("message: seal new shared buffer: %w", err))
			return
		}
		fd, _ := s.msg.store.FdOf(newBuf)
		allFds = append(allFds, fd)
		ownedFds = append(ownedFds, fd)

		stub := b.ShallowClone()
		stub.SetAttr("attached", "true")
		stub.RemoveAttr("enclen")
		stubMap[b] = stub
	}

	cloned := xmltree.CloneWithReplacement(root, stubMap)
	rendered, err := renderAll(cloned)
	if err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	s.ownedFds = append(s.ownedFds, ownedFds...)
	s.mu.Unlock()

	s.appendChunk(Chunk{Data: rendered, Fds: allFds})
	s.markTerminated()
}

func renderAll(e *xmltree.Element) ([]byte, error) {
	var buf bytes.Buffer
	xmltree.Render(e, &buf)
	return buf.Bytes(), nil
}

func parsePositiveSize(s string) (int64, error) {
	size, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q is not a decimal integer: %w", s, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("size %q must be positive", s)
	}
	return size, nil
}
