package changeset

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chertdb/chert"
)

// Header is the decoded form of a changeset file's first record.
type Header struct {
	StartRevision uint64
	EndRevision   uint64
	Dangerous     bool
}

// Tail is the decoded form of a changeset file's last record.
type Tail struct {
	NewRevision uint64
}

// Parsed is one changeset's worth of records, decoded from the raw slices
// ReadChanges returns into the header, the per-table chert.Change records
// in between, and the tail — the same three-part layout Writer produces
// (§6): Begin writes Header, WriteChange writes one changeRecord per
// staged mutation, End writes Tail.
type Parsed struct {
	Header  Header
	Changes []chert.Change
	Tail    Tail
}

// Parse decodes the raw records ReadChanges returned for one changeset
// into typed form. It relies on Writer's fixed layout rather than any
// discriminator tag: the first record is always the header, the last is
// always the tail, and everything between is a change record.
func Parse(records [][]byte) (*Parsed, error) {
	if len(records) < 2 {
		return nil, fmt.Errorf("changeset: %d records is too few to hold a header and a tail", len(records))
	}

	var h header
	if err := msgpack.Unmarshal(records[0], &h); err != nil {
		return nil, fmt.Errorf("changeset: decoding header: %w", err)
	}
	var t tail
	if err := msgpack.Unmarshal(records[len(records)-1], &t); err != nil {
		return nil, fmt.Errorf("changeset: decoding tail: %w", err)
	}

	changes := make([]chert.Change, 0, len(records)-2)
	for _, raw := range records[1 : len(records)-1] {
		var cr changeRecord
		if err := msgpack.Unmarshal(raw, &cr); err != nil {
			return nil, fmt.Errorf("changeset: decoding change record: %w", err)
		}
		changes = append(changes, chert.Change{
			Table: cr.Table,
			Op:    chert.Op(cr.Op),
			Key:   cr.Key,
			Value: cr.Value,
		})
	}

	return &Parsed{
		Header:  Header{StartRevision: h.StartRevision, EndRevision: h.EndRevision, Dangerous: h.Dangerous},
		Changes: changes,
		Tail:    Tail{NewRevision: t.NewRevision},
	}, nil
}
