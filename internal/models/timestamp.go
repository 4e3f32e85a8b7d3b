package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const tidAlphabet = "234567abcdefghijklmnopqrstuvwxyz"

// ParseTID decodes a 13-character base32-sortable record key into the
// creation time it embeds (microseconds since epoch in the top 54 bits,
// clock id in the low 10).
func ParseTID(rkey string) (time.Time, error) {
	if len(rkey) != 13 {
		return time.Time{}, fmt.Errorf("tid must be 13 chars, got %d", len(rkey))
	}
	var v uint64
	for i := 0; i < len(rkey); i++ {
		idx := strings.IndexByte(tidAlphabet, rkey[i])
		if idx < 0 {
			return time.Time{}, fmt.Errorf("invalid tid char %q", rkey[i])
		}
		if i == 0 && idx > 7 {
			// High bit set would overflow the 64-bit layout.
			return time.Time{}, fmt.Errorf("invalid tid leading char %q", rkey[0])
		}
		v = v<<5 | uint64(idx)
	}
	micros := v >> 10
	return time.UnixMicro(int64(micros)).UTC(), nil
}

// parseLegacyRKeyMillis handles pre-TID record keys that embed a plain
// millisecond timestamp, optionally with a dotted suffix.
func parseLegacyRKeyMillis(rkey string) (time.Time, error) {
	head := rkey
	if i := strings.IndexByte(rkey, '.'); i >= 0 {
		head = rkey[:i]
	}
	ms, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	t := time.UnixMilli(ms).UTC()
	// Reject values that are clearly not epoch milliseconds.
	if t.Year() < 2000 || t.Year() > 2200 {
		return time.Time{}, fmt.Errorf("rkey %q out of plausible range", rkey)
	}
	return t, nil
}

// RecordTimestamp derives the timestamp for a decoded record: a parseable
// createdAt field inside the value wins, then the time embedded in the
// record key, then now. Anything in the future is clamped to now.
func RecordTimestamp(value map[string]any, rkey string, now time.Time) time.Time {
	if created, ok := value["createdAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			return clampFuture(t.UTC(), now)
		}
	}
	if t, err := ParseTID(rkey); err == nil {
		return clampFuture(t, now)
	}
	if t, err := parseLegacyRKeyMillis(rkey); err == nil {
		return clampFuture(t, now)
	}
	return now
}

func clampFuture(t, now time.Time) time.Time {
	if t.After(now) {
		return now
	}
	return t
}
