package chert

// docLenDeleted is the ALL_ONES sentinel §4.3 uses to mark a document
// length entry for deletion rather than update.
const docLenDeleted = ^uint32(0)

type postingEdit struct {
	op  PostingOp
	wdf uint32
}

// PostingBuffer accumulates uncommitted postlist mutations in memory, the
// way add_document/delete_document/replace_document stage work before an
// explicit or threshold-triggered flush (§4.3, §4.4). A single buffer is
// shared by every document operation against one Postlist until flushed or
// cancelled.
type PostingBuffer struct {
	modPlists map[string]map[uint32]postingEdit // term -> did -> edit
	docLens   map[uint32]uint32                 // did -> new length, or docLenDeleted
	values    map[string][]byte                 // valueKey(did,slot) -> value, or nil to delete
	stats     *AggregateStats

	changes        int
	flushThreshold int
}

func newPostingBuffer(stats *AggregateStats, flushThreshold int) *PostingBuffer {
	buf := &PostingBuffer{flushThreshold: flushThreshold}
	buf.resetWith(stats)
	return buf
}

func (buf *PostingBuffer) resetWith(stats *AggregateStats) {
	buf.modPlists = make(map[string]map[uint32]postingEdit)
	buf.docLens = make(map[uint32]uint32)
	buf.values = make(map[string][]byte)
	buf.stats = stats
	buf.changes = 0
}

func (buf *PostingBuffer) reset() { buf.resetWith(buf.stats) }

func (buf *PostingBuffer) stage(term []byte, did uint32, op PostingOp, wdf uint32) {
	k := string(term)
	dids := buf.modPlists[k]
	if dids == nil {
		dids = make(map[uint32]postingEdit)
		buf.modPlists[k] = dids
	}
	cur := dids[did].op
	dids[did] = postingEdit{op: transitionPostingOp(cur, op), wdf: wdf}
	buf.changes++
}

// AddPosting stages a fresh posting, as add_document does for each term in
// the new document.
func (buf *PostingBuffer) AddPosting(term []byte, did uint32, wdf uint32) {
	buf.stage(term, did, PostingOpAdd, wdf)
	buf.stats.noteWdf(wdf)
}

// ModifyPosting stages a within-document-frequency update against an
// already-committed posting, as replace_document does for a term whose wdf
// changed.
func (buf *PostingBuffer) ModifyPosting(term []byte, did uint32, wdf uint32) {
	buf.stage(term, did, PostingOpModify, wdf)
	buf.stats.noteWdf(wdf)
}

// DeletePosting stages removal of a (term, did) posting.
func (buf *PostingBuffer) DeletePosting(term []byte, did uint32) {
	buf.stage(term, did, PostingOpDelete, 0)
}

// SetDocLength stages a document-length update, per
// add_document/replace_document; it does not touch the aggregate stats.
func (buf *PostingBuffer) SetDocLength(did uint32, doclen uint32) {
	buf.docLens[did] = doclen
	buf.changes++
}

// DeleteDocLength marks a document's length entry for removal, per
// delete_document, and retires it from the aggregate totals.
func (buf *PostingBuffer) DeleteDocLength(did uint32, oldLength uint32) {
	buf.docLens[did] = docLenDeleted
	buf.stats.removeDocument(oldLength)
	buf.changes++
}

// SetValue stages a document value update for the given slot and updates
// the slot's aggregate stats.
func (buf *PostingBuffer) SetValue(did uint32, slot uint32, value []byte) {
	buf.values[string(valueKey(did, slot))] = append([]byte(nil), value...)
	buf.stats.noteValue(slot, value)
	buf.changes++
}

// DeleteValue stages removal of a document's value for the given slot.
func (buf *PostingBuffer) DeleteValue(did uint32, slot uint32) {
	buf.values[string(valueKey(did, slot))] = nil
	buf.changes++
}

// ChangeCount reports how many staged edits are pending.
func (buf *PostingBuffer) ChangeCount() int { return buf.changes }

// ShouldAutoFlush reports whether the staged change count has crossed the
// configured flush threshold (XAPIAN_FLUSH_THRESHOLD, §9).
func (buf *PostingBuffer) ShouldAutoFlush() bool {
	return buf.flushThreshold > 0 && buf.changes >= buf.flushThreshold
}
