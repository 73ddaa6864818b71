package chert

import (
	"bytes"
	"testing"
)

func createTestDB(t testing.TB, opt Options) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	co := must(Create(dir, opt))
	t.Cleanup(func() { co.Close() })
	return co
}

func TestAddAndGetDocument(t *testing.T) {
	co := createTestDB(t, Options{})

	doc := &Document{
		Data: []byte("hello world"),
		Terms: map[string]TermEntry{
			"hello": {WDF: 1, Positions: []uint32{0}},
			"world": {WDF: 1, Positions: []uint32{1}},
		},
		Values: map[uint32][]byte{0: []byte("en")},
	}
	did, err := co.AddDocument(doc)
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if did != 1 {
		t.Fatalf("got did %d, want 1", did)
	}

	got, err := co.GetDocument(did)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if !bytes.Equal(got.Data, doc.Data) {
		t.Fatalf("got data %q, want %q", got.Data, doc.Data)
	}
	if len(got.Terms) != 2 {
		t.Fatalf("got %d terms, want 2", len(got.Terms))
	}
	if entry := got.Terms["hello"]; entry.WDF != 1 || len(entry.Positions) != 1 || entry.Positions[0] != 0 {
		t.Fatalf("got hello entry %+v", entry)
	}
	if !bytes.Equal(got.Values[0], []byte("en")) {
		t.Fatalf("got values %v", got.Values)
	}

	df, cf, err := co.Postlist().GetTermFreq([]byte("hello"))
	if err != nil {
		t.Fatalf("GetTermFreq: %v", err)
	}
	if df != 1 || cf != 1 {
		t.Fatalf("got df=%d cf=%d, want 1,1", df, cf)
	}
}

// TestWriterSeesOwnCommit verifies that a writer's own handle can read back
// what it just flushed, without an explicit Refresh call.
func TestWriterSeesOwnCommit(t *testing.T) {
	co := createTestDB(t, Options{})
	doc := &Document{Data: []byte("x"), Terms: map[string]TermEntry{"x": {WDF: 1}}}
	did, err := co.AddDocument(doc)
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if err := co.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := co.GetDocument(did); err != nil {
		t.Fatalf("GetDocument after own commit: %v", err)
	}
}

func TestRefreshShortCircuitsWhenRevisionUnchanged(t *testing.T) {
	co := createTestDB(t, Options{})
	if _, err := co.AddDocument(&Document{Data: []byte("x")}); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if err := co.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	rev := co.Revision()
	staleTbl := co.termlist

	if err := co.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if co.Revision() != rev {
		t.Fatalf("got revision %d after a no-op Refresh, want %d", co.Revision(), rev)
	}
	if co.termlist != staleTbl {
		t.Fatal("Refresh must not replace the table set when the revision has not moved")
	}
}

func TestRefreshPicksUpAnotherHandlesCommit(t *testing.T) {
	dir := t.TempDir()
	writer := must(Create(dir, Options{}))
	defer writer.Close()
	did, err := writer.AddDocument(&Document{Data: []byte("x")})
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if err := writer.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reader, err := OpenForReading(dir, Options{})
	if err != nil {
		t.Fatalf("OpenForReading: %v", err)
	}
	defer reader.Close()
	rev := reader.Revision()

	if _, err := writer.AddDocument(&Document{Data: []byte("y")}); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if err := writer.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := reader.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if reader.Revision() != rev+1 {
		t.Fatalf("got revision %d after Refresh, want %d", reader.Revision(), rev+1)
	}
	if _, err := reader.GetDocument(did); err != nil {
		t.Fatalf("reader GetDocument after Refresh: %v", err)
	}
}

func TestReplaceDocumentShortcutMatchesFullDiff(t *testing.T) {
	opt := Options{}
	coA := createTestDB(t, opt)
	coB := createTestDB(t, opt)

	base := &Document{
		Data:   []byte("v1"),
		Terms:  map[string]TermEntry{"a": {WDF: 1}, "b": {WDF: 2}},
		Values: map[uint32][]byte{1: []byte("x")},
	}
	didA := must(coA.AddDocument(cloneDoc(base)))
	didB := must(coB.AddDocument(cloneDoc(base)))
	if err := coA.Flush(); err != nil {
		t.Fatalf("flush A: %v", err)
	}
	if err := coB.Flush(); err != nil {
		t.Fatalf("flush B: %v", err)
	}

	// Full-diff path: a struct literal has no origin.
	fullDiff := &Document{
		Data:   []byte("v2"),
		Terms:  map[string]TermEntry{"a": {WDF: 3}, "c": {WDF: 1}},
		Values: map[uint32][]byte{1: []byte("y")},
	}
	if err := coA.ReplaceDocument(didA, fullDiff); err != nil {
		t.Fatalf("ReplaceDocument (full diff): %v", err)
	}

	// Shortcut path: mutate the Document returned by GetDocument in place,
	// flagging every category so it touches the same ground as fullDiff.
	shortcut := must(coB.GetDocument(didB))
	shortcut.SetData([]byte("v2"))
	shortcut.AddTerm("a", 3)
	shortcut.RemoveTerm("b")
	shortcut.AddTerm("c", 1)
	shortcut.SetValue(1, []byte("y"))
	if err := coB.ReplaceDocument(didB, shortcut); err != nil {
		t.Fatalf("ReplaceDocument (shortcut): %v", err)
	}

	gotA := must(coA.GetDocument(didA))
	gotB := must(coB.GetDocument(didB))
	if !bytes.Equal(gotA.Data, gotB.Data) {
		t.Fatalf("data diverged: %q vs %q", gotA.Data, gotB.Data)
	}
	if len(gotA.Terms) != len(gotB.Terms) {
		t.Fatalf("term count diverged: %d vs %d", len(gotA.Terms), len(gotB.Terms))
	}
	for term, entry := range gotA.Terms {
		if gotB.Terms[term].WDF != entry.WDF {
			t.Fatalf("term %q wdf diverged: %d vs %d", term, entry.WDF, gotB.Terms[term].WDF)
		}
	}
	if !bytes.Equal(gotA.Values[1], gotB.Values[1]) {
		t.Fatalf("values diverged: %v vs %v", gotA.Values, gotB.Values)
	}
}

func cloneDoc(d *Document) *Document {
	terms := make(map[string]TermEntry, len(d.Terms))
	for k, v := range d.Terms {
		terms[k] = v
	}
	values := make(map[uint32][]byte, len(d.Values))
	for k, v := range d.Values {
		values[k] = append([]byte(nil), v...)
	}
	return &Document{Data: append([]byte(nil), d.Data...), Terms: terms, Values: values}
}

func TestReplaceDocumentPromotesBeyondLastDocID(t *testing.T) {
	co := createTestDB(t, Options{})
	doc := &Document{Data: []byte("first")}
	if _, err := co.AddDocument(doc); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}

	promoted := &Document{Data: []byte("promoted")}
	if err := co.ReplaceDocument(50, promoted); err != nil {
		t.Fatalf("ReplaceDocument(50, ...): %v", err)
	}
	if co.pl.Stats().LastDocID != 50 {
		t.Fatalf("got LastDocID %d, want 50", co.pl.Stats().LastDocID)
	}
	got, err := co.GetDocument(50)
	if err != nil {
		t.Fatalf("GetDocument(50): %v", err)
	}
	if !bytes.Equal(got.Data, promoted.Data) {
		t.Fatalf("got %q, want %q", got.Data, promoted.Data)
	}
}

func TestDeleteDocumentRequiresTermlist(t *testing.T) {
	co := createTestDB(t, Options{DisableTermlist: true})
	doc := &Document{Data: []byte("x")}
	did := must(co.AddDocument(doc))

	err := co.DeleteDocument(did)
	if _, ok := err.(*FeatureUnavailableError); !ok {
		t.Fatalf("got %v (%T), want FeatureUnavailableError", err, err)
	}
}

func TestDeleteDocumentRemovesTermsAndValues(t *testing.T) {
	co := createTestDB(t, Options{})
	doc := &Document{
		Data:   []byte("x"),
		Terms:  map[string]TermEntry{"x": {WDF: 1, Positions: []uint32{0}}},
		Values: map[uint32][]byte{0: []byte("v")},
	}
	did := must(co.AddDocument(doc))
	if err := co.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := co.DeleteDocument(did); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if _, err := co.GetDocument(did); err == nil {
		t.Fatalf("GetDocument after delete: expected error, got nil")
	}
	df, _, err := co.Postlist().GetTermFreq([]byte("x"))
	if err != nil {
		t.Fatalf("GetTermFreq: %v", err)
	}
	if df != 0 {
		t.Fatalf("got df %d after delete, want 0", df)
	}
}

func TestCancelDiscardsStagedChanges(t *testing.T) {
	co := createTestDB(t, Options{})
	base := &Document{Data: []byte("base")}
	did := must(co.AddDocument(base))
	if err := co.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	co.Begin()
	if _, err := co.AddDocument(&Document{Data: []byte("uncommitted")}); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if err := co.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	co.inTransaction = false

	if co.pl.Stats().LastDocID != did {
		t.Fatalf("got LastDocID %d after cancel, want %d", co.pl.Stats().LastDocID, did)
	}
}

func TestFlushNoopWhenNothingStaged(t *testing.T) {
	co := createTestDB(t, Options{})
	if err := co.Flush(); err != nil {
		t.Fatalf("Flush on empty coordinator: %v", err)
	}
	if co.Revision() != 0 {
		t.Fatalf("got revision %d, want 0", co.Revision())
	}
}

func TestOpenForReadingRejectsMissingDatabase(t *testing.T) {
	dir := t.TempDir()
	if _, err := OpenForReading(dir, Options{}); err == nil {
		t.Fatalf("OpenForReading on empty dir: expected error, got nil")
	}
}

func TestOpenForWritingRoundTrip(t *testing.T) {
	dir := t.TempDir()
	co1 := must(Create(dir, Options{}))
	did := must(co1.AddDocument(&Document{Data: []byte("persisted")}))
	if err := co1.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := co1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	co2, err := OpenForWriting(dir, Options{})
	if err != nil {
		t.Fatalf("OpenForWriting: %v", err)
	}
	defer co2.Close()
	got, err := co2.GetDocument(did)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if !bytes.Equal(got.Data, []byte("persisted")) {
		t.Fatalf("got %q", got.Data)
	}
}

func TestSetAndGetMetadata(t *testing.T) {
	co := createTestDB(t, Options{})
	if err := co.SetMetadata([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if err := co.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got, ok := co.GetMetadata([]byte("k"))
	if !ok || !bytes.Equal(got, []byte("v")) {
		t.Fatalf("got %q, %v", got, ok)
	}
}

func TestSetMetadataEmptyValueDeletes(t *testing.T) {
	co := createTestDB(t, Options{})
	if err := co.SetMetadata([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if err := co.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, ok := co.GetMetadata([]byte("k")); !ok {
		t.Fatal("expected metadata key to exist before the empty-value SetMetadata")
	}

	if err := co.SetMetadata([]byte("k"), nil); err != nil {
		t.Fatalf("SetMetadata with empty value: %v", err)
	}
	if err := co.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, ok := co.GetMetadata([]byte("k")); ok {
		t.Fatal("setting metadata to an empty value must delete the key")
	}
}

func TestBeginSuppressesAutoFlushUntilEnd(t *testing.T) {
	co := createTestDB(t, Options{FlushThreshold: 1})

	co.Begin()
	if _, err := co.AddDocument(&Document{Data: []byte("one")}); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if co.Revision() != 0 {
		t.Fatalf("got revision %d inside an open transaction, want 0 (auto-flush must be suppressed)", co.Revision())
	}

	if err := co.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if co.Revision() != 1 {
		t.Fatalf("got revision %d after End, want 1", co.Revision())
	}
	if co.inTransaction {
		t.Fatal("End must clear the open-transaction flag")
	}
}

func TestAutoFlushFiresOutsideTransaction(t *testing.T) {
	co := createTestDB(t, Options{FlushThreshold: 1})

	if _, err := co.AddDocument(&Document{Data: []byte("one")}); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if co.Revision() != 1 {
		t.Fatalf("got revision %d, want 1 (threshold of 1 should auto-flush immediately)", co.Revision())
	}
}
