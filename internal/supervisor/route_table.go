package supervisor

import (
	"fmt"
	"sort"
	"strings"

	"skybackfill/internal/config"
)

// RouteTable pins each collection to a write-by-collection worker slot. It
// is built once at startup and never mutated, so a respawned worker slot
// keeps receiving exactly the collections its predecessor handled.
type RouteTable struct {
	slots       int
	collections map[string]int
}

func NewRouteTable(alloc *config.Allocation, slots int) (*RouteTable, error) {
	if slots < 1 {
		return nil, fmt.Errorf("route table needs at least one slot")
	}
	if err := alloc.Validate(slots); err != nil {
		return nil, err
	}

	collections := make(map[string]int, len(alloc.Collections))
	for collection, slot := range alloc.Collections {
		collections[collection] = slot
	}
	return &RouteTable{slots: slots, collections: collections}, nil
}

// SlotFor returns the pinned slot for a collection.
func (t *RouteTable) SlotFor(collection string) (int, bool) {
	slot, ok := t.collections[collection]
	return slot, ok
}

// Slots returns the number of write-by-collection worker slots.
func (t *RouteTable) Slots() int {
	return t.slots
}

// Describe returns one line per slot naming its collections, for startup
// logging.
func (t *RouteTable) Describe() []string {
	bySlot := make([][]string, t.slots)
	for collection, slot := range t.collections {
		bySlot[slot] = append(bySlot[slot], collection)
	}
	lines := make([]string, t.slots)
	for slot, collections := range bySlot {
		sort.Strings(collections)
		lines[slot] = fmt.Sprintf("slot %d: %s", slot, strings.Join(collections, ", "))
	}
	return lines
}
