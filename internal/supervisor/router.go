package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"skybackfill/internal/eventbus"
	"skybackfill/internal/metrics"
	"skybackfill/internal/models"
)

// Router fans decode worker output out to the writer processes. Every valid
// batch goes to the write-by-collection worker its collection is pinned to
// and to one write-by-record worker picked at random.
type Router struct {
	table     *RouteTable
	schema    *jsonschema.Schema
	bus       *eventbus.Bus
	collector *metrics.Collector

	mu           sync.Mutex
	byCollection []io.Writer
	byRecord     []io.Writer
}

func NewRouter(table *RouteTable, recordSlots int, bus *eventbus.Bus, collector *metrics.Collector) (*Router, error) {
	if recordSlots < 1 {
		return nil, fmt.Errorf("router needs at least one write-by-record slot")
	}
	schema, err := compileMessageSchema()
	if err != nil {
		return nil, err
	}
	return &Router{
		table:        table,
		schema:       schema,
		bus:          bus,
		collector:    collector,
		byCollection: make([]io.Writer, table.Slots()),
		byRecord:     make([]io.Writer, recordSlots),
	}, nil
}

// SetCollectionSink wires the stdin of a write-by-collection worker. Called
// at startup and again whenever the slot's worker is respawned.
func (r *Router) SetCollectionSink(slot int, w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCollection[slot] = w
}

func (r *Router) SetRecordSink(slot int, w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRecord[slot] = w
}

// Route validates one line of decode worker output and forwards it. A
// non-nil error means the line was malformed; the caller treats that as
// fatal since nothing we ship should ever produce one.
func (r *Router) Route(line []byte) error {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := r.schema.Validate(v); err != nil {
		return fmt.Errorf("schema violation: %w", err)
	}

	var msg struct {
		Type       string            `json:"type"`
		Collection string            `json:"collection"`
		Commits    []json.RawMessage `json:"commits"`
	}
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	if msg.Type != models.MessageTypeCommit {
		return fmt.Errorf("unexpected message type %q", msg.Type)
	}
	if len(msg.Commits) == 0 {
		return nil
	}

	slot, ok := r.table.SlotFor(msg.Collection)
	if !ok {
		if r.collector != nil {
			r.collector.RecordBatchDropped()
		}
		return nil
	}

	payload := make([]byte, 0, len(trimmed)+1)
	payload = append(payload, trimmed...)
	payload = append(payload, '\n')

	r.mu.Lock()
	r.writeSink(r.byCollection[slot], "write-by-collection", slot, payload)
	recordSlot := rand.Intn(len(r.byRecord))
	r.writeSink(r.byRecord[recordSlot], "write-by-record", recordSlot, payload)
	r.mu.Unlock()

	if r.collector != nil {
		r.collector.RecordDecoded(len(msg.Commits))
		r.collector.RecordBatchRouted()
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{
			Type:      eventbus.TypeBatchRouted,
			Timestamp: time.Now().UTC(),
			Data: map[string]any{
				"collection": msg.Collection,
				"commits":    len(msg.Commits),
				"slot":       slot,
			},
		})
	}
	return nil
}

// writeSink is best effort: a failed write means the worker died mid-batch
// and the supervisor is about to respawn it.
func (r *Router) writeSink(w io.Writer, role string, slot int, payload []byte) {
	if w == nil {
		log.Printf("[router] no %s worker at slot %d, dropping batch", role, slot)
		return
	}
	if _, err := w.Write(payload); err != nil {
		log.Printf("[router] failed to write to %s worker %d: %v", role, slot, err)
	}
}
