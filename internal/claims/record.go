package claims

import (
	"bytes"
	"encoding/json"
	"time"
)

// Record is the value stored for a claimed key.
type Record struct {
	Timestamp time.Time `json:"-"`
	Used      bool      `json:"used"`
}

type wireRecord struct {
	Timestamp int64 `json:"timestamp"`
	Used      bool  `json:"used"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{Timestamp: r.Timestamp.UnixMilli(), Used: r.Used})
}

// entryKind tells apart the encodings a persisted value can have.
type entryKind int

const (
	entryRecord entryKind = iota
	entryLegacy
	entryMalformed
)

// entry is one persisted value. Legacy booleans and undecodable values are
// kept verbatim until cleanup rewrites or drops them, so the in-memory map
// always serializes to exactly what is stored.
type entry struct {
	kind   entryKind
	record Record
	raw    json.RawMessage
}

func (e entry) MarshalJSON() ([]byte, error) {
	switch e.kind {
	case entryRecord:
		return e.record.MarshalJSON()
	default:
		return append([]byte(nil), e.raw...), nil
	}
}

// UnmarshalJSON never fails: anything that is neither a boolean nor a record
// with a positive timestamp is marked malformed.
func (e *entry) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	e.raw = append(json.RawMessage(nil), trimmed...)

	if bytes.Equal(trimmed, []byte("true")) || bytes.Equal(trimmed, []byte("false")) {
		e.kind = entryLegacy
		return nil
	}

	if len(trimmed) == 0 || trimmed[0] != '{' {
		e.kind = entryMalformed
		return nil
	}
	var wire struct {
		Timestamp *float64 `json:"timestamp"`
		Used      bool     `json:"used"`
	}
	if err := json.Unmarshal(trimmed, &wire); err != nil || wire.Timestamp == nil || *wire.Timestamp <= 0 {
		e.kind = entryMalformed
		return nil
	}
	e.kind = entryRecord
	e.record = Record{
		Timestamp: time.UnixMilli(int64(*wire.Timestamp)).UTC(),
		Used:      wire.Used,
	}
	e.raw = nil
	return nil
}

func recordEntry(at time.Time) entry {
	return entry{
		kind:   entryRecord,
		record: Record{Timestamp: at.UTC().Truncate(time.Millisecond), Used: true},
	}
}
