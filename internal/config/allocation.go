package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Allocation pins every known collection to a write-by-collection worker
// slot and lists hosts the fetch scheduler skips. The table is immutable
// once built; routing stability across worker restarts depends on it.
type Allocation struct {
	DenyHosts   []string       `yaml:"deny_hosts"`
	Collections map[string]int `yaml:"collections"`
}

// Built-in allocation over the default four slots. Posts, likes and follows
// dominate repo volume, so each gets a dedicated worker; the long tail
// shares the last slot.
var defaultCollections = map[string]int{
	"app.bsky.feed.post":          0,
	"app.bsky.feed.like":          1,
	"app.bsky.graph.follow":       2,
	"app.bsky.feed.repost":        3,
	"app.bsky.actor.profile":      3,
	"app.bsky.graph.block":        3,
	"app.bsky.graph.list":         3,
	"app.bsky.graph.listitem":     3,
	"app.bsky.graph.listblock":    3,
	"app.bsky.graph.starterpack":  3,
	"app.bsky.feed.generator":     3,
	"app.bsky.feed.threadgate":    3,
	"app.bsky.feed.postgate":      3,
	"chat.bsky.actor.declaration": 3,
}

// DefaultAllocation returns a copy of the built-in table.
func DefaultAllocation() *Allocation {
	collections := make(map[string]int, len(defaultCollections))
	for k, v := range defaultCollections {
		collections[k] = v
	}
	return &Allocation{Collections: collections}
}

// LoadAllocation reads an allocation override from a YAML file. An empty
// path returns the built-in table; a file that omits a section keeps the
// built-in value for it.
func LoadAllocation(path string) (*Allocation, error) {
	alloc := DefaultAllocation()
	if path == "" {
		return alloc, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read allocation file: %w", err)
	}

	var override Allocation
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse allocation file: %w", err)
	}

	if len(override.Collections) > 0 {
		alloc.Collections = override.Collections
	}
	if len(override.DenyHosts) > 0 {
		alloc.DenyHosts = override.DenyHosts
	}
	return alloc, nil
}

// Validate checks every collection maps to a slot in [0, slots).
func (a *Allocation) Validate(slots int) error {
	for collection, slot := range a.Collections {
		if slot < 0 || slot >= slots {
			return fmt.Errorf("collection %s allocated to slot %d, have %d slots", collection, slot, slots)
		}
	}
	return nil
}

// SlotFor returns the worker slot a collection is pinned to.
func (a *Allocation) SlotFor(collection string) (int, bool) {
	slot, ok := a.Collections[collection]
	return slot, ok
}

// HostDenied reports whether a PDS host is on the denylist. Comparison
// ignores scheme and case.
func (a *Allocation) HostDenied(host string) bool {
	needle := normalizeDenyHost(host)
	for _, h := range a.DenyHosts {
		if normalizeDenyHost(h) == needle {
			return true
		}
	}
	return false
}

func normalizeDenyHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	return strings.TrimSuffix(host, "/")
}
