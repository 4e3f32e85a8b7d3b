package car

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

// decMode decodes DAG-CBOR with string-keyed maps; unrecognized tags (the
// tag-42 links) surface as cbor.Tag values when decoding into any.
var decMode cbor.DecMode

func init() {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

type carHeader struct {
	Version uint64            `cbor:"version"`
	Roots   []cbor.RawMessage `cbor:"roots"`
}

// Reader indexes the blocks of a CARv1 archive held in memory.
type Reader struct {
	roots  []cid.Cid
	blocks map[cid.Cid][]byte
}

// NewReader parses the archive framing: a varint-prefixed DAG-CBOR header
// followed by varint-prefixed (CID, block) sections.
func NewReader(data []byte) (*Reader, error) {
	headerBytes, rest, err := readSection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to read car header: %w", err)
	}

	var header carHeader
	if err := decMode.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("failed to decode car header: %w", err)
	}
	if header.Version != 1 {
		return nil, fmt.Errorf("unsupported car version %d", header.Version)
	}
	if len(header.Roots) == 0 {
		return nil, fmt.Errorf("car header has no roots")
	}

	r := &Reader{blocks: make(map[cid.Cid][]byte)}
	for _, raw := range header.Roots {
		c, ok, err := linkFromRaw(raw)
		if err != nil || !ok {
			return nil, fmt.Errorf("invalid root link in car header: %w", err)
		}
		r.roots = append(r.roots, c)
	}

	for len(rest) > 0 {
		section, next, err := readSection(rest)
		if err != nil {
			return nil, fmt.Errorf("failed to read car section: %w", err)
		}
		n, c, err := cid.CidFromBytes(section)
		if err != nil {
			return nil, fmt.Errorf("invalid cid in car section: %w", err)
		}
		r.blocks[c] = section[n:]
		rest = next
	}

	return r, nil
}

// Root returns the archive's first root.
func (r *Reader) Root() cid.Cid {
	return r.roots[0]
}

// Block returns the raw bytes stored for c.
func (r *Reader) Block(c cid.Cid) ([]byte, error) {
	blk, ok := r.blocks[c]
	if !ok {
		return nil, fmt.Errorf("block %s not in archive", c)
	}
	return blk, nil
}

// Len reports the number of indexed blocks.
func (r *Reader) Len() int {
	return len(r.blocks)
}

// readSection splits off one varint-length-prefixed section.
func readSection(data []byte) (section, rest []byte, err error) {
	size, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, nil, fmt.Errorf("invalid section length varint")
	}
	data = data[n:]
	if size == 0 || size > uint64(len(data)) {
		return nil, nil, fmt.Errorf("section length %d exceeds remaining %d bytes", size, len(data))
	}
	return data[:size], data[size:], nil
}

// linkFromRaw decodes a DAG-CBOR link (tag 42 wrapping a multibase-prefixed
// CID byte string). A CBOR null yields ok=false.
func linkFromRaw(raw cbor.RawMessage) (cid.Cid, bool, error) {
	if len(raw) == 0 || (len(raw) == 1 && raw[0] == 0xf6) {
		return cid.Undef, false, nil
	}
	var rt cbor.RawTag
	if err := decMode.Unmarshal(raw, &rt); err != nil {
		return cid.Undef, false, fmt.Errorf("failed to decode link tag: %w", err)
	}
	if rt.Number != 42 {
		return cid.Undef, false, fmt.Errorf("link has tag %d, want 42", rt.Number)
	}
	var b []byte
	if err := decMode.Unmarshal(rt.Content, &b); err != nil {
		return cid.Undef, false, fmt.Errorf("failed to decode link bytes: %w", err)
	}
	if len(b) < 2 || b[0] != 0x00 {
		return cid.Undef, false, fmt.Errorf("link bytes missing identity prefix")
	}
	c, err := cid.Cast(b[1:])
	if err != nil {
		return cid.Undef, false, fmt.Errorf("failed to parse link cid: %w", err)
	}
	return c, true, nil
}
