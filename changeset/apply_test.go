package changeset

import (
	"reflect"
	"testing"

	"github.com/chertdb/chert"
)

func TestParseDecodesHeaderChangesAndTail(t *testing.T) {
	dir := t.TempDir()
	inv := [4]byte{1, 2, 3, 4}

	w, err := NewWriter(dir, 5, 6, inv, false)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Begin(5, 6); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	changes := []chert.Change{
		{Table: "postlist", Op: chert.OpPut, Key: []byte("k1"), Value: []byte("v1")},
		{Table: "record", Op: chert.OpDelete, Key: []byte("k2")},
	}
	for _, ch := range changes {
		if err := w.WriteChange(ch); err != nil {
			t.Fatalf("WriteChange: %v", err)
		}
	}
	if err := w.End(6); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recs, err := ReadChanges(dir, "changeset-5-", ".chert", inv)
	if err != nil {
		t.Fatalf("ReadChanges: %v", err)
	}

	parsed, err := Parse(recs)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Header.StartRevision != 5 || parsed.Header.EndRevision != 6 {
		t.Fatalf("got header %+v, want {StartRevision:5 EndRevision:6}", parsed.Header)
	}
	if parsed.Tail.NewRevision != 6 {
		t.Fatalf("got tail %+v, want NewRevision 6", parsed.Tail)
	}
	if len(parsed.Changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(parsed.Changes))
	}
	if !reflect.DeepEqual(parsed.Changes[0], changes[0]) {
		t.Fatalf("got change[0] %+v, want %+v", parsed.Changes[0], changes[0])
	}
	if parsed.Changes[1].Table != "record" || parsed.Changes[1].Op != chert.OpDelete {
		t.Fatalf("got change[1] %+v", parsed.Changes[1])
	}
}

func TestParseRejectsTooFewRecords(t *testing.T) {
	if _, err := Parse([][]byte{{1, 2, 3}}); err == nil {
		t.Fatal("expected an error for a single record (no room for header+tail)")
	}
}
