// Package board holds the canonical in-memory record collection for one
// session and keeps it synchronized with a document store: local edits apply
// immediately, persist asynchronously, and inbound snapshots are reconciled
// record by record with this session's own echoes suppressed.
package board

import (
	"encoding/json"

	"github.com/planrelay/planrelay/internal/docstore"
	"github.com/planrelay/planrelay/internal/mutation"
)

// Status is the record lifecycle state shown on the board.
type Status string

const (
	StatusPlanned Status = "planned"
	StatusActive  Status = "active"
	StatusDone    Status = "done"
	StatusSkipped Status = "skipped"
)

// Record is one board entry. Records are bucketed (a day column, a lane) and
// ordered within the bucket by Rank under plain string comparison; no two
// live records in a bucket share a rank. Version is a per-record counter
// used to skip no-op merges. Meta identifies the last mutation so snapshot
// echoes can be recognized.
type Record struct {
	ID      string            `json:"id"`
	Bucket  string            `json:"bucket"`
	Rank    string            `json:"rank"`
	Status  Status            `json:"status"`
	Title   string            `json:"title"`
	Fields  map[string]string `json:"fields,omitempty"`
	Version int64             `json:"version"`
	Meta    mutation.Meta     `json:"lastMutation"`
}

func (r Record) clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// RecordUpdate is a partial update; nil fields are left untouched. Bucket
// and rank changes go through Move so ordering invariants hold.
type RecordUpdate struct {
	Status *Status
	Title  *string
	Fields map[string]string
}

func encodeDocument(rec Record) (docstore.Document, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return docstore.Document{}, err
	}
	return docstore.Document{
		ID:      rec.ID,
		Version: rec.Version,
		Data:    data,
		Meta:    rec.Meta,
	}, nil
}

func decodeDocument(doc docstore.Document) (Record, error) {
	var rec Record
	if err := json.Unmarshal(doc.Data, &rec); err != nil {
		return Record{}, err
	}
	if rec.ID == "" {
		rec.ID = doc.ID
	}
	// The envelope is authoritative for version and mutation metadata.
	rec.Version = doc.Version
	rec.Meta = doc.Meta
	return rec, nil
}
