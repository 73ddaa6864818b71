package chert

import "testing"

func TestPostingListCodecRoundTrip(t *testing.T) {
	postings := []Posting{{DocID: 1, Wdf: 3}, {DocID: 5, Wdf: 1}, {DocID: 9, Wdf: 7}}
	raw := encodePostingList(postings)
	got, err := decodePostingList(raw)
	if err != nil {
		t.Fatalf("decodePostingList: %v", err)
	}
	if len(got) != len(postings) {
		t.Fatalf("got %d postings, want %d", len(got), len(postings))
	}
	for i := range postings {
		if got[i] != postings[i] {
			t.Fatalf("got %+v at %d, want %+v", got[i], i, postings[i])
		}
	}
}

func TestDecodePostingListEmpty(t *testing.T) {
	got, err := decodePostingList(nil)
	if err != nil {
		t.Fatalf("decodePostingList(nil): %v", err)
	}
	if got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestMergePostingsAddsAndDeletes(t *testing.T) {
	existing := []Posting{{DocID: 1, Wdf: 2}, {DocID: 3, Wdf: 4}}
	ops := map[uint32]postingEdit{
		2: {op: PostingOpAdd, wdf: 9},
		3: {op: PostingOpDelete},
	}
	got := mergePostings(existing, ops)
	want := []Posting{{DocID: 1, Wdf: 2}, {DocID: 2, Wdf: 9}}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
}

func TestMergePostingsModifyUpdatesWdfInPlace(t *testing.T) {
	existing := []Posting{{DocID: 1, Wdf: 2}}
	ops := map[uint32]postingEdit{1: {op: PostingOpModify, wdf: 8}}
	got := mergePostings(existing, ops)
	if len(got) != 1 || got[0] != (Posting{DocID: 1, Wdf: 8}) {
		t.Fatalf("got %+v, want [{1 8}]", got)
	}
}

func TestMergePostingsDeleteOfAbsentDocIsNoop(t *testing.T) {
	existing := []Posting{{DocID: 1, Wdf: 2}}
	ops := map[uint32]postingEdit{99: {op: PostingOpDelete}}
	got := mergePostings(existing, ops)
	if len(got) != 1 || got[0] != existing[0] {
		t.Fatalf("got %+v, want %+v", got, existing)
	}
}

func TestPostlistFlushBufferMergesAndTracksStats(t *testing.T) {
	tbl := newTestTable(t, KindPostlist)
	if ok, err := tbl.Open(0); err != nil || !ok {
		t.Fatalf("Open: ok=%v err=%v", ok, err)
	}
	pl, err := openPostlist(tbl)
	if err != nil {
		t.Fatalf("openPostlist: %v", err)
	}

	buf := newPostingBuffer(pl.stats, 0)
	buf.AddPosting([]byte("dog"), 1, 2)
	buf.SetDocLength(1, 5)
	pl.stats.addDocument(1, 5)
	buf.SetValue(1, 0, []byte("v1"))

	if err := buf.FlushBuffer(pl); err != nil {
		t.Fatalf("FlushBuffer: %v", err)
	}
	if err := tbl.FlushDB(); err != nil {
		t.Fatalf("FlushDB: %v", err)
	}
	if err := tbl.Commit(1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	postings, err := pl.GetPostingList([]byte("dog"))
	if err != nil {
		t.Fatalf("GetPostingList: %v", err)
	}
	if len(postings) != 1 || postings[0] != (Posting{DocID: 1, Wdf: 2}) {
		t.Fatalf("got %+v, want [{1 2}]", postings)
	}

	length, ok := pl.GetDocLength(1)
	if !ok || length != 5 {
		t.Fatalf("got (%d, %v), want (5, true)", length, ok)
	}

	value, ok := pl.GetValue(1, 0)
	if !ok || string(value) != "v1" {
		t.Fatalf("got (%q, %v), want (%q, true)", value, ok, "v1")
	}

	if pl.stats.DocCount != 1 {
		t.Fatalf("got DocCount %d, want 1", pl.stats.DocCount)
	}
}

func TestPostlistFlushBufferRemovesEmptyPostingList(t *testing.T) {
	tbl := newTestTable(t, KindPostlist)
	if ok, err := tbl.Open(0); err != nil || !ok {
		t.Fatalf("Open: ok=%v err=%v", ok, err)
	}
	pl, err := openPostlist(tbl)
	if err != nil {
		t.Fatalf("openPostlist: %v", err)
	}

	buf := newPostingBuffer(pl.stats, 0)
	buf.AddPosting([]byte("dog"), 1, 2)
	if err := buf.FlushBuffer(pl); err != nil {
		t.Fatalf("FlushBuffer: %v", err)
	}
	if err := tbl.FlushDB(); err != nil {
		t.Fatalf("FlushDB: %v", err)
	}
	if err := tbl.Commit(1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	buf2 := newPostingBuffer(pl.stats, 0)
	buf2.DeletePosting([]byte("dog"), 1)
	if err := buf2.FlushBuffer(pl); err != nil {
		t.Fatalf("FlushBuffer: %v", err)
	}
	if err := tbl.FlushDB(); err != nil {
		t.Fatalf("FlushDB: %v", err)
	}
	if err := tbl.Commit(2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	postings, err := pl.GetPostingList([]byte("dog"))
	if err != nil {
		t.Fatalf("GetPostingList: %v", err)
	}
	if postings != nil {
		t.Fatalf("got %+v, want nil after the term's only posting was deleted", postings)
	}
}
