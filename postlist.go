package chert

import (
	"encoding/binary"
	"sort"
)

// Posting is one (document id, within-document frequency) pair in a term's
// posting list (§3, §4.3).
type Posting struct {
	DocID uint32
	Wdf   uint32
}

// Posting-list table key layout. Ordinary term postings, per-document
// lengths, aggregate stats and caller metadata must never collide
// (invariant 5): metadata keeps Xapian's historical 0x00 0xC0 prefix, and
// everything this engine owns picks disjoint prefixes.
const (
	prefixMetadata = 0xC0 // following the legacy 0x00 0xC0 two-byte prefix
	prefixTerm     = 0x01
	prefixDocLen   = 0x02
	prefixValue    = 0x03
)

var statsKey = []byte{0x00, 0xC1}

func metadataKey(userKey []byte) []byte {
	return append([]byte{0x00, prefixMetadata}, userKey...)
}

func termPostingKey(term []byte) []byte {
	return append([]byte{prefixTerm}, term...)
}

func docLenKey(did uint32) []byte {
	k := make([]byte, 5)
	k[0] = prefixDocLen
	binary.BigEndian.PutUint32(k[1:], did)
	return k
}

func valueKey(did uint32, slot uint32) []byte {
	k := appendUvarint([]byte{prefixValue}, uint64(did))
	return appendUvarint(k, uint64(slot))
}

// encodePostingList serializes postings (sorted ascending by DocID) as a
// count followed by delta-encoded (did, wdf) pairs.
func encodePostingList(postings []Posting) []byte {
	return encodePostingListInto(nil, postings)
}

// encodePostingListInto is encodePostingList against a caller-supplied
// buffer, so FlushBuffer's per-term merge loop can reuse a single pooled
// scratch buffer across every Add call instead of allocating one each time
// — Table.Add copies its value argument before it outlives the call.
func encodePostingListInto(buf []byte, postings []Posting) []byte {
	buf = appendUvarint(buf, uint64(len(postings)))
	var prev uint32
	for _, p := range postings {
		buf = appendUvarint(buf, uint64(p.DocID-prev))
		buf = appendUvarint(buf, uint64(p.Wdf))
		prev = p.DocID
	}
	return buf
}

func decodePostingList(raw []byte) ([]Posting, error) {
	if raw == nil {
		return nil, nil
	}
	d := makeByteDecoder(raw)
	n, err := d.Uvarint()
	if err != nil {
		return nil, corruptErrf(err, "posting list count")
	}
	out := make([]Posting, 0, n)
	var did uint32
	for i := uint64(0); i < n; i++ {
		delta, err := d.Uvarint()
		if err != nil {
			return nil, corruptErrf(err, "posting list delta")
		}
		wdf, err := d.Uvarint()
		if err != nil {
			return nil, corruptErrf(err, "posting list wdf")
		}
		did += uint32(delta)
		out = append(out, Posting{DocID: did, Wdf: uint32(wdf)})
	}
	return out, nil
}

// Postlist wraps the postlist Table with the merge/aggregation logic of
// §4.3: term posting lists, per-document lengths, per-slot value stats, and
// the collection-wide AggregateStats record. PostingBuffer stages mutations
// against this type; FlushBuffer folds them into the table's staged
// Add/Del operations in one pass, the way flush_postlist_changes folds
// mod_plists into postlist blocks.
type Postlist struct {
	tbl   *Table
	stats *AggregateStats
}

func openPostlist(tbl *Table) (*Postlist, error) {
	pl := &Postlist{tbl: tbl}
	raw, ok := tbl.GetExactEntry(statsKey)
	if !ok {
		pl.stats = newAggregateStats()
		return pl, nil
	}
	st, err := decodeAggregateStats(raw)
	if err != nil {
		return nil, err
	}
	pl.stats = st
	return pl, nil
}

// GetPostingList returns the full posting list for term in the currently
// open revision.
func (pl *Postlist) GetPostingList(term []byte) ([]Posting, error) {
	raw, ok := pl.tbl.GetExactEntry(termPostingKey(term))
	if !ok {
		return nil, nil
	}
	return decodePostingList(raw)
}

// GetTermFreq returns (document frequency, collection frequency) for term,
// derived directly from the posting list stored in the postlist table
// rather than cached separately. Postings still held in the PostingBuffer
// are not counted until a flush writes them to the table.
func (pl *Postlist) GetTermFreq(term []byte) (df uint64, cf uint64, err error) {
	postings, err := pl.GetPostingList(term)
	if err != nil {
		return 0, 0, err
	}
	df = uint64(len(postings))
	for _, p := range postings {
		cf += uint64(p.Wdf)
	}
	return df, cf, nil
}

// GetDocLength returns the stored document length, and whether the document
// is known (present and not deleted).
func (pl *Postlist) GetDocLength(did uint32) (uint32, bool) {
	raw, ok := pl.tbl.GetExactEntry(docLenKey(did))
	if !ok {
		return 0, false
	}
	d := makeByteDecoder(raw)
	v, err := d.Uvarint()
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// GetValue returns the stored value for (did, slot).
func (pl *Postlist) GetValue(did uint32, slot uint32) ([]byte, bool) {
	return pl.tbl.GetExactEntry(valueKey(did, slot))
}

// ValuesForDoc returns every stored value slot for a document, by scanning
// the value-key range owned by that document id.
func (pl *Postlist) ValuesForDoc(did uint32) (map[uint32][]byte, error) {
	prefix := appendUvarint([]byte{prefixValue}, uint64(did))
	cur, err := pl.tbl.CursorGet()
	if err != nil {
		return nil, err
	}
	out := make(map[uint32][]byte)
	for k, v := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cur.Next() {
		d := makeByteDecoder(k[len(prefix):])
		slot, err := d.Uvarint()
		if err != nil {
			return nil, corruptErrf(err, "value key slot")
		}
		out[uint32(slot)] = append([]byte(nil), v...)
	}
	return out, nil
}

// Stats returns the collection-wide aggregate stats record.
func (pl *Postlist) Stats() *AggregateStats { return pl.stats }

// FlushBuffer applies every mutation staged in buf into pl's backing table,
// in the order §4.3 describes: posting list merges first (so term df/cf
// reflect the new state), then doclen/value updates, then the updated
// AggregateStats record.
func (buf *PostingBuffer) FlushBuffer(pl *Postlist) error {
	terms := make([]string, 0, len(buf.modPlists))
	for term := range buf.modPlists {
		terms = append(terms, term)
	}
	for _, term := range terms {
		dids := buf.modPlists[term]
		postings, err := pl.GetPostingList([]byte(term))
		if err != nil {
			return err
		}
		merged := mergePostings(postings, dids)
		key := termPostingKey([]byte(term))
		if len(merged) == 0 {
			if err := pl.tbl.Del(key); err != nil {
				return err
			}
			continue
		}
		valBuf := encodePostingListInto(getValueBuf(), merged)
		err = pl.tbl.Add(key, valBuf)
		putValueBuf(valBuf)
		if err != nil {
			return err
		}
	}

	for did, length := range buf.docLens {
		key := docLenKey(did)
		if length == docLenDeleted {
			if err := pl.tbl.Del(key); err != nil {
				return err
			}
			continue
		}
		if err := pl.tbl.Add(key, appendUvarint(nil, uint64(length))); err != nil {
			return err
		}
	}

	for vk, value := range buf.values {
		if value == nil {
			if err := pl.tbl.Del([]byte(vk)); err != nil {
				return err
			}
			continue
		}
		if err := pl.tbl.Add([]byte(vk), value); err != nil {
			return err
		}
	}

	raw, err := buf.stats.encode()
	if err != nil {
		return err
	}
	if err := pl.tbl.Add(statsKey, raw); err != nil {
		return err
	}
	pl.stats = buf.stats

	buf.reset()
	return nil
}

// mergePostings applies the staged per-document operations for one term
// onto its existing posting list, preserving ascending DocID order.
func mergePostings(existing []Posting, ops map[uint32]postingEdit) []Posting {
	byDid := make(map[uint32]uint32, len(existing)+len(ops))
	order := make([]uint32, 0, len(existing)+len(ops))
	for _, p := range existing {
		byDid[p.DocID] = p.Wdf
		order = append(order, p.DocID)
	}
	for did, edit := range ops {
		_, existed := byDid[did]
		switch edit.op {
		case PostingOpDelete:
			if existed {
				delete(byDid, did)
			}
		case PostingOpAdd, PostingOpModify:
			if !existed {
				order = append(order, did)
			}
			byDid[did] = edit.wdf
		}
	}

	out := make([]Posting, 0, len(byDid))
	seen := make(map[uint32]bool, len(byDid))
	for _, did := range order {
		if seen[did] {
			continue
		}
		seen[did] = true
		if wdf, ok := byDid[did]; ok {
			out = append(out, Posting{DocID: did, Wdf: wdf})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out
}
