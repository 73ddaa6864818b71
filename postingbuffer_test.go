package chert

import "testing"

func TestTransitionPostingOpReAddAfterDeleteIsModify(t *testing.T) {
	got := transitionPostingOp(PostingOpDelete, PostingOpAdd)
	if got != PostingOpModify {
		t.Fatalf("got %v, want %v", got, PostingOpModify)
	}
}

func TestTransitionPostingOpOtherwisePassesThrough(t *testing.T) {
	cases := []struct {
		cur, next, want PostingOp
	}{
		{PostingOpNone, PostingOpAdd, PostingOpAdd},
		{PostingOpAdd, PostingOpDelete, PostingOpDelete},
		{PostingOpAdd, PostingOpModify, PostingOpModify},
		{PostingOpModify, PostingOpDelete, PostingOpDelete},
		{PostingOpNone, PostingOpDelete, PostingOpDelete},
	}
	for _, c := range cases {
		if got := transitionPostingOp(c.cur, c.next); got != c.want {
			t.Errorf("transitionPostingOp(%v, %v) = %v, want %v", c.cur, c.next, got, c.want)
		}
	}
}

func TestPostingBufferStageCollapsesRepeatedEdits(t *testing.T) {
	buf := newPostingBuffer(newAggregateStats(), 0)
	buf.AddPosting([]byte("term"), 1, 3)
	buf.DeletePosting([]byte("term"), 1)
	buf.AddPosting([]byte("term"), 1, 5)

	edit := buf.modPlists["term"][1]
	if edit.op != PostingOpModify {
		t.Fatalf("got op %v, want %v", edit.op, PostingOpModify)
	}
	if edit.wdf != 5 {
		t.Fatalf("got wdf %d, want 5", edit.wdf)
	}
}

func TestPostingBufferShouldAutoFlush(t *testing.T) {
	buf := newPostingBuffer(newAggregateStats(), 2)
	if buf.ShouldAutoFlush() {
		t.Fatal("fresh buffer should not request a flush")
	}
	buf.AddPosting([]byte("a"), 1, 1)
	if buf.ShouldAutoFlush() {
		t.Fatal("one staged edit below threshold 2 should not request a flush")
	}
	buf.AddPosting([]byte("b"), 1, 1)
	if !buf.ShouldAutoFlush() {
		t.Fatal("two staged edits at threshold 2 should request a flush")
	}
}

func TestPostingBufferShouldAutoFlushDisabledAtZero(t *testing.T) {
	buf := newPostingBuffer(newAggregateStats(), 0)
	for i := 0; i < 100; i++ {
		buf.AddPosting([]byte("a"), uint32(i), 1)
	}
	if buf.ShouldAutoFlush() {
		t.Fatal("a zero threshold must disable automatic flushing")
	}
}

func TestPostingBufferDeleteDocLengthUpdatesStats(t *testing.T) {
	stats := newAggregateStats()
	stats.addDocument(1, 10)
	stats.addDocument(2, 20)

	buf := newPostingBuffer(stats, 0)
	buf.DeleteDocLength(1, 10)

	if stats.DocCount != 1 {
		t.Fatalf("got DocCount %d, want 1", stats.DocCount)
	}
	if stats.TotalDocLen != 20 {
		t.Fatalf("got TotalDocLen %d, want 20", stats.TotalDocLen)
	}
	if buf.docLens[1] != docLenDeleted {
		t.Fatalf("got docLens[1] %d, want docLenDeleted sentinel", buf.docLens[1])
	}
}

func TestPostingBufferResetClearsStagedState(t *testing.T) {
	buf := newPostingBuffer(newAggregateStats(), 0)
	buf.AddPosting([]byte("a"), 1, 1)
	buf.SetValue(1, 0, []byte("v"))
	if buf.ChangeCount() == 0 {
		t.Fatal("expected nonzero ChangeCount before reset")
	}
	buf.reset()
	if buf.ChangeCount() != 0 {
		t.Fatalf("got ChangeCount %d after reset, want 0", buf.ChangeCount())
	}
	if len(buf.modPlists) != 0 || len(buf.values) != 0 {
		t.Fatal("reset must clear modPlists and values")
	}
}
