package car

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

// maxTreeDepth bounds recursion while walking the record tree; honest trees
// are logarithmic in record count, so anything this deep is malformed.
const maxTreeDepth = 128

type repoCommit struct {
	DID     string          `cbor:"did"`
	Version int64           `cbor:"version"`
	Data    cbor.RawMessage `cbor:"data"`
	Rev     string          `cbor:"rev"`
}

type treeNode struct {
	Left    cbor.RawMessage `cbor:"l"`
	Entries []treeEntry     `cbor:"e"`
}

type treeEntry struct {
	PrefixLen int64           `cbor:"p"`
	KeySuffix []byte          `cbor:"k"`
	Value     cbor.RawMessage `cbor:"v"`
	Tree      cbor.RawMessage `cbor:"t"`
}

// Repo is a parsed account repository: the signed commit plus the Merkle
// search tree of records reachable from it.
type Repo struct {
	reader *Reader
	did    string
	rev    string
	data   cid.Cid
}

// Load parses archive bytes and locates the commit the root points at.
func Load(data []byte) (*Repo, error) {
	reader, err := NewReader(data)
	if err != nil {
		return nil, err
	}

	blk, err := reader.Block(reader.Root())
	if err != nil {
		return nil, fmt.Errorf("failed to load commit block: %w", err)
	}
	var commit repoCommit
	if err := decMode.Unmarshal(blk, &commit); err != nil {
		return nil, fmt.Errorf("failed to decode commit: %w", err)
	}
	dataRoot, ok, err := linkFromRaw(commit.Data)
	if err != nil || !ok {
		return nil, fmt.Errorf("commit has no data link: %w", err)
	}

	return &Repo{reader: reader, did: commit.DID, rev: commit.Rev, data: dataRoot}, nil
}

// DID returns the account identifier the commit was signed for.
func (r *Repo) DID() string { return r.did }

// Rev returns the commit revision.
func (r *Repo) Rev() string { return r.rev }

// ForEach walks the record tree in key order and invokes fn once per record
// with its collection, record key, content address, and decoded value.
// Entries whose key is not of the form "collection/rkey" are skipped.
func (r *Repo) ForEach(fn func(collection, rkey string, c cid.Cid, value any) error) error {
	return r.walk(r.data, 0, func(key string, c cid.Cid) error {
		collection, rkey, ok := strings.Cut(key, "/")
		if !ok || collection == "" || rkey == "" || strings.Contains(rkey, "/") {
			return nil
		}
		blk, err := r.reader.Block(c)
		if err != nil {
			return fmt.Errorf("record %s: %w", key, err)
		}
		var raw any
		if err := decMode.Unmarshal(blk, &raw); err != nil {
			return fmt.Errorf("failed to decode record %s: %w", key, err)
		}
		value, err := normalize(raw)
		if err != nil {
			return fmt.Errorf("record %s: %w", key, err)
		}
		return fn(collection, rkey, c, value)
	})
}

func (r *Repo) walk(c cid.Cid, depth int, fn func(key string, c cid.Cid) error) error {
	if depth > maxTreeDepth {
		return fmt.Errorf("record tree exceeds depth %d", maxTreeDepth)
	}

	blk, err := r.reader.Block(c)
	if err != nil {
		return fmt.Errorf("failed to load tree node: %w", err)
	}
	var node treeNode
	if err := decMode.Unmarshal(blk, &node); err != nil {
		return fmt.Errorf("failed to decode tree node: %w", err)
	}

	if left, ok, err := linkFromRaw(node.Left); err != nil {
		return fmt.Errorf("invalid left link: %w", err)
	} else if ok {
		if err := r.walk(left, depth+1, fn); err != nil {
			return err
		}
	}

	var prev []byte
	for i, e := range node.Entries {
		if e.PrefixLen < 0 || int(e.PrefixLen) > len(prev) {
			return fmt.Errorf("entry %d: prefix length %d exceeds previous key length %d", i, e.PrefixLen, len(prev))
		}
		key := make([]byte, 0, int(e.PrefixLen)+len(e.KeySuffix))
		key = append(key, prev[:e.PrefixLen]...)
		key = append(key, e.KeySuffix...)

		val, ok, err := linkFromRaw(e.Value)
		if err != nil || !ok {
			return fmt.Errorf("entry %q has no value link: %w", key, err)
		}
		if err := fn(string(key), val); err != nil {
			return err
		}
		prev = key

		if sub, ok, err := linkFromRaw(e.Tree); err != nil {
			return fmt.Errorf("entry %q: invalid subtree link: %w", key, err)
		} else if ok {
			if err := r.walk(sub, depth+1, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// normalize converts a decoded DAG-CBOR value into its JSON projection:
// links become {"$link": cid}, byte strings become {"$bytes": base64},
// and nested containers are converted recursively.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case cbor.Tag:
		if x.Number != 42 {
			return nil, fmt.Errorf("unexpected cbor tag %d", x.Number)
		}
		b, ok := x.Content.([]byte)
		if !ok || len(b) < 2 || b[0] != 0x00 {
			return nil, fmt.Errorf("malformed link in record")
		}
		c, err := cid.Cast(b[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to parse link in record: %w", err)
		}
		return map[string]any{"$link": c.String()}, nil
	case []byte:
		return map[string]any{"$bytes": base64.StdEncoding.EncodeToString(x)}, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string map key %v in record", k)
			}
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[ks] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return v, nil
	}
}
