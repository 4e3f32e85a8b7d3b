package car

import (
	"encoding/binary"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

// sha2-256 multihash code; kept numeric to avoid importing go-multihash
// just for one constant.
const mhSHA256 = 0x12

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	if err != nil {
		t.Fatalf("cbor marshal: %v", err)
	}
	return b
}

func mustCID(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	c, err := cid.V1Builder{Codec: cid.DagCBOR, MhType: mhSHA256}.Sum(data)
	if err != nil {
		t.Fatalf("cid sum: %v", err)
	}
	return c
}

func linkTag(t *testing.T, c cid.Cid) cbor.RawTag {
	t.Helper()
	return cbor.RawTag{
		Number:  42,
		Content: mustMarshal(t, append([]byte{0x00}, c.Bytes()...)),
	}
}

// putBlock marshals v, stores it under its computed CID, and returns the CID.
func putBlock(t *testing.T, blocks map[cid.Cid][]byte, v any) cid.Cid {
	t.Helper()
	data := mustMarshal(t, v)
	c := mustCID(t, data)
	blocks[c] = data
	return c
}

func buildCAR(t *testing.T, root cid.Cid, blocks map[cid.Cid][]byte) []byte {
	t.Helper()
	header := mustMarshal(t, map[string]any{
		"version": 1,
		"roots":   []any{linkTag(t, root)},
	})
	out := binary.AppendUvarint(nil, uint64(len(header)))
	out = append(out, header...)
	for c, data := range blocks {
		section := append(c.Bytes(), data...)
		out = binary.AppendUvarint(out, uint64(len(section)))
		out = append(out, section...)
	}
	return out
}

type testRepo struct {
	bytes    []byte
	postCID1 cid.Cid
	postCID2 cid.Cid
	likeCID  cid.Cid
}

// buildTestRepo assembles a two-node record tree: a left child holding one
// like, a root node holding two posts (the second prefix-compressed against
// the first) plus one entry with a non-record key.
func buildTestRepo(t *testing.T) testRepo {
	t.Helper()
	blocks := make(map[cid.Cid][]byte)

	post1 := putBlock(t, blocks, map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      "hello world",
		"createdAt": "2023-06-15T12:30:45.123Z",
	})
	post2 := putBlock(t, blocks, map[string]any{
		"$type": "app.bsky.feed.post",
		"text":  "second",
		"embed": linkTag(t, post1),
		"blob":  []byte{0xde, 0xad, 0xbe, 0xef},
		"langs": []any{"en"},
	})
	like := putBlock(t, blocks, map[string]any{
		"$type":     "app.bsky.feed.like",
		"createdAt": "2023-06-16T08:00:00Z",
		"subject":   map[string]any{"uri": "at://did:plc:other/app.bsky.feed.post/3jzfcijpj2z2a"},
	})

	child := putBlock(t, blocks, map[string]any{
		"l": nil,
		"e": []any{
			map[string]any{"p": 0, "k": []byte("app.bsky.feed.like/3jzfcijpj2z2a"), "v": linkTag(t, like), "t": nil},
		},
	})

	// "app.bsky.feed.post/3jzfcijpj2z2a" and "...z2b" share 31 bytes.
	root := putBlock(t, blocks, map[string]any{
		"l": linkTag(t, child),
		"e": []any{
			map[string]any{"p": 0, "k": []byte("app.bsky.feed.post/3jzfcijpj2z2a"), "v": linkTag(t, post1), "t": nil},
			map[string]any{"p": 31, "k": []byte("b"), "v": linkTag(t, post2), "t": nil},
			map[string]any{"p": 0, "k": []byte("zzz"), "v": linkTag(t, like), "t": nil},
		},
	})

	commit := putBlock(t, blocks, map[string]any{
		"did":     "did:plc:ex123",
		"version": 3,
		"data":    linkTag(t, root),
		"rev":     "3jzfcijpj2z2b",
		"prev":    nil,
	})

	return testRepo{
		bytes:    buildCAR(t, commit, blocks),
		postCID1: post1,
		postCID2: post2,
		likeCID:  like,
	}
}

func TestLoadAndForEach(t *testing.T) {
	t.Parallel()

	tr := buildTestRepo(t)
	repo, err := Load(tr.bytes)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if repo.DID() != "did:plc:ex123" {
		t.Fatalf("DID()=%q want did:plc:ex123", repo.DID())
	}
	if repo.Rev() != "3jzfcijpj2z2b" {
		t.Fatalf("Rev()=%q want 3jzfcijpj2z2b", repo.Rev())
	}

	type rec struct {
		collection string
		rkey       string
		cid        cid.Cid
		value      any
	}
	var got []rec
	err = repo.ForEach(func(collection, rkey string, c cid.Cid, value any) error {
		got = append(got, rec{collection, rkey, c, value})
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("got %d records, want 3 (non-record key must be skipped)", len(got))
	}

	// Key order: the like (left child) precedes the posts.
	if got[0].collection != "app.bsky.feed.like" || got[0].rkey != "3jzfcijpj2z2a" {
		t.Fatalf("record 0 = %s/%s, want app.bsky.feed.like/3jzfcijpj2z2a", got[0].collection, got[0].rkey)
	}
	if got[1].rkey != "3jzfcijpj2z2a" || got[2].rkey != "3jzfcijpj2z2b" {
		t.Fatalf("post rkeys = %q, %q, want prefix-compressed pair", got[1].rkey, got[2].rkey)
	}
	for _, r := range got[1:] {
		if r.collection != "app.bsky.feed.post" {
			t.Fatalf("collection %q, want app.bsky.feed.post", r.collection)
		}
	}

	if !got[0].cid.Equals(tr.likeCID) || !got[1].cid.Equals(tr.postCID1) || !got[2].cid.Equals(tr.postCID2) {
		t.Fatalf("record cids do not match value blocks")
	}

	// Normalization: links and byte strings take their JSON projections.
	v2, ok := got[2].value.(map[string]any)
	if !ok {
		t.Fatalf("record value is %T, want map", got[2].value)
	}
	embed, ok := v2["embed"].(map[string]any)
	if !ok || embed["$link"] != tr.postCID1.String() {
		t.Fatalf("embed=%v, want $link %s", v2["embed"], tr.postCID1)
	}
	blob, ok := v2["blob"].(map[string]any)
	if !ok || blob["$bytes"] != "3q2+7w==" {
		t.Fatalf("blob=%v, want $bytes 3q2+7w==", v2["blob"])
	}
	langs, ok := v2["langs"].([]any)
	if !ok || len(langs) != 1 || langs[0] != "en" {
		t.Fatalf("langs=%v, want [en]", v2["langs"])
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	t.Parallel()

	tr := buildTestRepo(t)

	cases := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "garbage", data: []byte("not a car file")},
		{name: "truncated", data: tr.bytes[:len(tr.bytes)-3]},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Load(tc.data); err == nil {
				t.Fatalf("Load(%s) succeeded, want error", tc.name)
			}
		})
	}
}

func TestForEachMissingRecordBlock(t *testing.T) {
	t.Parallel()

	blocks := make(map[cid.Cid][]byte)
	// Reference a value block that is never added to the archive.
	missing := mustCID(t, mustMarshal(t, map[string]any{"text": "ghost"}))
	root := putBlock(t, blocks, map[string]any{
		"l": nil,
		"e": []any{
			map[string]any{"p": 0, "k": []byte("app.bsky.feed.post/3jzfcijpj2z2a"), "v": linkTag(t, missing), "t": nil},
		},
	})
	commit := putBlock(t, blocks, map[string]any{
		"did":     "did:plc:ex123",
		"version": 3,
		"data":    linkTag(t, root),
		"rev":     "3jzfcijpj2z2b",
	})

	repo, err := Load(buildCAR(t, commit, blocks))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = repo.ForEach(func(string, string, cid.Cid, any) error { return nil })
	if err == nil {
		t.Fatal("ForEach succeeded with a missing record block, want error")
	}
}
