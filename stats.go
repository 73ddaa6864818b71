package chert

import "github.com/vmihailenco/msgpack/v5"

// ValueSlotStats summarizes one value slot across the whole collection:
// how many documents set it, and the range of byte-string values seen,
// per §3's "Aggregate stats".
type ValueSlotStats struct {
	Freq  uint32
	Lower []byte
	Upper []byte
}

// AggregateStats is the Postlist table's summary record (§3): last_did,
// doc_count, total_doclen, per-slot stats, wdf upper bound, doclen bounds.
// It is msgpack-encoded and stored under statsKey in the postlist table.
type AggregateStats struct {
	LastDocID      uint32
	DocCount       uint32
	TotalDocLen    uint64
	WdfUpperBound  uint32
	DocLenLowerBound uint32
	DocLenUpperBound uint32
	ValueSlots     map[uint32]*ValueSlotStats
}

func newAggregateStats() *AggregateStats {
	return &AggregateStats{ValueSlots: make(map[uint32]*ValueSlotStats)}
}

func decodeAggregateStats(raw []byte) (*AggregateStats, error) {
	st := newAggregateStats()
	if raw == nil {
		return st, nil
	}
	if err := msgpack.Unmarshal(raw, st); err != nil {
		return nil, corruptErrf(err, "aggregate stats corrupt")
	}
	if st.ValueSlots == nil {
		st.ValueSlots = make(map[uint32]*ValueSlotStats)
	}
	return st, nil
}

func (st *AggregateStats) encode() ([]byte, error) {
	return msgpack.Marshal(st)
}

// NextDocID allocates the next document id, per §4.4's add_document: "did
// = stats.next_did; refuse if stats.last_did saturates at max uint32".
func (st *AggregateStats) NextDocID() (uint32, error) {
	if st.LastDocID == maxDocID {
		return 0, &InvalidArgumentError{Msg: "document id space exhausted"}
	}
	return st.LastDocID + 1, nil
}

const maxDocID = ^uint32(0)

// addDocument updates aggregate stats for a newly added document of the
// given length, promoting last_did if needed.
func (st *AggregateStats) addDocument(did, doclen uint32) {
	if did > st.LastDocID {
		st.LastDocID = did
	}
	st.DocCount++
	st.TotalDocLen += uint64(doclen)
	if st.DocCount == 1 {
		st.DocLenLowerBound = doclen
		st.DocLenUpperBound = doclen
	} else {
		if doclen < st.DocLenLowerBound {
			st.DocLenLowerBound = doclen
		}
		if doclen > st.DocLenUpperBound {
			st.DocLenUpperBound = doclen
		}
	}
}

// removeDocument updates aggregate stats when a document is deleted. Bounds
// are not recomputed precisely (matching the spec's scenario S2, where
// last_did is retained rather than recomputed) — only doc_count and
// total_doclen move.
func (st *AggregateStats) removeDocument(doclen uint32) {
	if st.DocCount > 0 {
		st.DocCount--
	}
	if st.TotalDocLen >= uint64(doclen) {
		st.TotalDocLen -= uint64(doclen)
	}
}

func (st *AggregateStats) noteWdf(wdf uint32) {
	if wdf > st.WdfUpperBound {
		st.WdfUpperBound = wdf
	}
}

func (st *AggregateStats) noteValue(slot uint32, value []byte) {
	vs := st.ValueSlots[slot]
	if vs == nil {
		vs = &ValueSlotStats{Lower: value, Upper: value}
		st.ValueSlots[slot] = vs
	}
	vs.Freq++
	if bytesLess(value, vs.Lower) {
		vs.Lower = value
	}
	if bytesLess(vs.Upper, value) {
		vs.Upper = value
	}
}

func bytesLess(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
