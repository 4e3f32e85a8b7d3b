package models

import (
	"encoding/json"
	"time"
)

// AccountEntry is one line of the packed account list: a DID and the host
// (PDS) it lives on. Host may be empty, in which case it is resolved
// through the identity directory before fetching.
type AccountEntry struct {
	DID  string `json:"did"`
	Host string `json:"host,omitempty"`
}

// Record is one decoded repository record as carried in commit messages.
type Record struct {
	URI         string          `json:"uri"`
	ContentHash string          `json:"contentHash"`
	Timestamp   time.Time       `json:"timestamp"`
	Value       json.RawMessage `json:"value"`
}

// MessageTypeCommit is the only inter-process message type currently spoken
// between decode workers and the supervisor.
const MessageTypeCommit = "commit"

// CommitMessage is the batch envelope emitted by decode workers and routed
// by the supervisor to writer workers. Every record in Commits shares the
// envelope's Collection.
type CommitMessage struct {
	Type       string   `json:"type"`
	Collection string   `json:"collection"`
	Commits    []Record `json:"commits"`
}

// Job statuses in the backfill_jobs queue table.
const (
	JobPending = "PENDING"
	JobActive  = "ACTIVE"
	JobDone    = "DONE"
	JobFailed  = "FAILED"
)

// Job represents one row of the 'backfill_jobs' queue table.
type Job struct {
	DID            string    `json:"did"`
	Status         string    `json:"status"`
	Attempt        int       `json:"attempt"`
	LeasedBy       string    `json:"leased_by,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// LogEvent is one line of a pre-recorded event log, the format consumed by
// the replay tool and produced by the snapshot inspector. Timestamp is
// milliseconds since epoch.
type LogEvent struct {
	Action    string          `json:"action"`
	Timestamp int64           `json:"timestamp"`
	URI       string          `json:"uri"`
	CID       string          `json:"cid"`
	Record    json.RawMessage `json:"record"`
}
