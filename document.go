package chert

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/chertdb/chert/poscodec"
)

// maxTermLength is the longest term the engine will index (§4.4): Xapian's
// own chert backend rejects anything beyond 245 bytes, since a term must
// still fit alongside its per-document suffix inside a single B-tree key.
const maxTermLength = 245

// TermEntry is one term's posting inside a document: its within-document
// frequency and, when position data is being recorded, the sorted list of
// term positions in that document.
type TermEntry struct {
	WDF       uint32
	Positions []uint32
}

// docOrigin identifies the database handle and document id a Document was
// loaded from, the "opaque handle carrying {origin_db_id, did}" of §9's
// modify-shortcut design note. replace_document compares only these two
// fields — never deep identity of the Terms/Values maps — to decide whether
// the per-field *Modified flags can be trusted.
type docOrigin struct {
	co  *Coordinator
	did uint32
}

// Document is the caller-facing unit add_document/replace_document/
// get_document operate on (§4.4): opaque stored data plus the term and
// value data used for retrieval.
//
// A Document returned by Coordinator.GetDocument carries an origin handle
// and starts with every category marked unmodified; SetData/AddTerm/
// RemoveTerm/SetValue/RemoveValue flag the category they touch so that
// ReplaceDocument's modify-shortcut (§4.4, §9) can skip categories the
// caller never touched. A Document built directly via a struct literal has
// no origin and always takes the full-diff path.
type Document struct {
	Data   []byte
	Terms  map[string]TermEntry
	Values map[uint32][]byte

	origin *docOrigin

	dataModified   bool
	termsModified  bool
	valuesModified bool
}

// SetData replaces the document's opaque stored payload.
func (d *Document) SetData(data []byte) {
	d.Data = data
	d.dataModified = true
}

// AddTerm sets or overwrites one term's posting, marking the document's
// term category modified.
func (d *Document) AddTerm(term string, wdf uint32, positions ...uint32) {
	if d.Terms == nil {
		d.Terms = make(map[string]TermEntry)
	}
	d.Terms[term] = TermEntry{WDF: wdf, Positions: positions}
	d.termsModified = true
}

// RemoveTerm deletes a term's posting, marking the document's term
// category modified.
func (d *Document) RemoveTerm(term string) {
	delete(d.Terms, term)
	d.termsModified = true
}

// SetValue sets a document value slot, marking the document's value
// category modified.
func (d *Document) SetValue(slot uint32, value []byte) {
	if d.Values == nil {
		d.Values = make(map[uint32][]byte)
	}
	d.Values[slot] = append([]byte(nil), value...)
	d.valuesModified = true
}

// RemoveValue deletes a document value slot, marking the document's value
// category modified.
func (d *Document) RemoveValue(slot uint32) {
	delete(d.Values, slot)
	d.valuesModified = true
}

func recordKey(did uint32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, did)
	return k
}

func termlistKey(did uint32) []byte { return recordKey(did) }

// positionKey builds the position table's key into a pooled scratch buffer,
// since stageTerms calls it once per term of a document and Table.Add/Del
// both copy the key before it outlives the call — putKeyBuf(key) once the
// caller is done with it.
func positionKey(term []byte, did uint32) []byte {
	buf := getKeyBuf()
	buf = append(buf, term...)
	var didBuf [4]byte
	binary.BigEndian.PutUint32(didBuf[:], did)
	return append(buf, didBuf[:]...)
}

func validateTerm(term []byte) error {
	if len(term) == 0 {
		return &InvalidArgumentError{Msg: "empty term"}
	}
	if len(term) > maxTermLength {
		return &InvalidArgumentError{Msg: "term exceeds maximum length"}
	}
	return nil
}

func validateTerms(doc *Document) error {
	for term := range doc.Terms {
		if err := validateTerm([]byte(term)); err != nil {
			return err
		}
	}
	return nil
}

// encodeTermlist serializes a document's term entries as a count followed
// by (varbytes term, uvarint wdf) tuples, sorted by term so the encoding is
// deterministic.
func encodeTermlist(terms map[string]TermEntry) []byte {
	names := make([]string, 0, len(terms))
	for name := range terms {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := appendUvarint(nil, uint64(len(names)))
	for _, name := range names {
		buf = appendVarbytes(buf, []byte(name))
		buf = appendUvarint(buf, uint64(terms[name].WDF))
	}
	return buf
}

func decodeTermlist(raw []byte) (map[string]uint32, error) {
	out := make(map[string]uint32)
	if raw == nil {
		return out, nil
	}
	d := makeByteDecoder(raw)
	n, err := d.Uvarint()
	if err != nil {
		return nil, corruptErrf(err, "termlist count")
	}
	for i := uint64(0); i < n; i++ {
		term, err := d.VarBytes()
		if err != nil {
			return nil, corruptErrf(err, "termlist term")
		}
		wdf, err := d.Uvarint()
		if err != nil {
			return nil, corruptErrf(err, "termlist wdf")
		}
		out[string(term)] = uint32(wdf)
	}
	return out, nil
}

// AddDocument allocates a fresh document id, stages its data, term
// postings, positions and values, and auto-flushes unless a transaction is
// active (§4.4). On any failure, every staged change across every table
// and the posting buffer is discarded before the error is returned, per
// §7's propagation policy.
func (co *Coordinator) AddDocument(doc *Document) (uint32, error) {
	if err := co.requireWritable(); err != nil {
		return 0, err
	}
	if err := validateTerms(doc); err != nil {
		return 0, err
	}

	did, err := co.pl.Stats().NextDocID()
	if err != nil {
		return 0, err
	}
	if err := co.addDocumentAt(did, doc); err != nil {
		co.Cancel()
		return 0, err
	}
	return did, nil
}

// addDocumentAt stages a document under an explicit did: the shared core of
// AddDocument's auto-allocated path, replace_document's "did > last_did"
// promotion, and replace_document's termlist-closed-unused-did fallback
// (§4.4).
func (co *Coordinator) addDocumentAt(did uint32, doc *Document) error {
	doclen, err := co.stageTerms(did, doc, nil)
	if err != nil {
		return err
	}
	co.stageValues(did, doc, nil)
	co.pl.Stats().addDocument(did, doclen)
	co.buf.SetDocLength(did, doclen)

	if err := co.record.Add(recordKey(did), doc.Data); err != nil {
		return err
	}
	if co.termlist.Exists() || co.termlist.IsModified() {
		if err := co.termlist.Add(termlistKey(did), encodeTermlist(doc.Terms)); err != nil {
			return err
		}
	}
	return co.autoFlushIfNeeded()
}

// stageTerms stages postings and positions for a document being added or
// replacing an existing one (prevTerms holds the old wdf map, nil for a
// brand-new document), and returns the new document length.
func (co *Coordinator) stageTerms(did uint32, doc *Document, prevTerms map[string]uint32) (uint32, error) {
	var doclen uint32
	for term, entry := range doc.Terms {
		doclen += entry.WDF
		if _, existed := prevTerms[term]; existed {
			co.buf.ModifyPosting([]byte(term), did, entry.WDF)
		} else {
			co.buf.AddPosting([]byte(term), did, entry.WDF)
		}
		if len(entry.Positions) > 0 {
			key := positionKey([]byte(term), did)
			err := co.position.Add(key, poscodec.Encode(entry.Positions))
			putKeyBuf(key)
			if err != nil {
				return 0, err
			}
		} else if _, existed := prevTerms[term]; existed && co.position.Exists() {
			key := positionKey([]byte(term), did)
			err := co.position.Del(key)
			putKeyBuf(key)
			if err != nil {
				return 0, err
			}
		}
	}
	for term := range prevTerms {
		if _, still := doc.Terms[term]; !still {
			co.buf.DeletePosting([]byte(term), did)
			key := positionKey([]byte(term), did)
			err := co.position.Del(key)
			putKeyBuf(key)
			if err != nil {
				return 0, err
			}
		}
	}
	return doclen, nil
}

// stageValues diffs doc.Values against prevValues (nil for a brand-new
// document) and stages only the slots that actually changed, so repeated
// replace_document calls on an unchanged value slot don't inflate that
// slot's aggregate frequency stats (§3's "Aggregate stats").
func (co *Coordinator) stageValues(did uint32, doc *Document, prevValues map[uint32][]byte) {
	for slot, value := range doc.Values {
		if old, existed := prevValues[slot]; existed && bytes.Equal(old, value) {
			continue
		}
		co.buf.SetValue(did, slot, value)
	}
	for slot := range prevValues {
		if _, still := doc.Values[slot]; !still {
			co.buf.DeleteValue(did, slot)
		}
	}
}

// GetDocument reconstructs a document's data, term postings and values at
// the currently open revision, tagging the result with an origin handle so
// a subsequent ReplaceDocument(did, doc) call can take the modify-shortcut
// path (§4.4, §9).
func (co *Coordinator) GetDocument(did uint32) (*Document, error) {
	raw, ok := co.record.GetExactEntry(recordKey(did))
	if !ok {
		return nil, &DocNotFoundError{DocID: did}
	}
	doc := &Document{
		Data:   raw,
		Terms:  make(map[string]TermEntry),
		Values: make(map[uint32][]byte),
		origin: &docOrigin{co: co, did: did},
	}

	if co.termlist.Exists() {
		traw, ok := co.termlist.GetExactEntry(termlistKey(did))
		if ok {
			wdfs, err := decodeTermlist(traw)
			if err != nil {
				return nil, err
			}
			for term, wdf := range wdfs {
				entry := TermEntry{WDF: wdf}
				if co.position.Exists() {
					key := positionKey([]byte(term), did)
					praw, ok := co.position.GetExactEntry(key)
					putKeyBuf(key)
					if ok {
						positions, err := poscodec.Decode(praw)
						if err != nil {
							return nil, err
						}
						entry.Positions = positions
					}
				}
				doc.Terms[term] = entry
			}
		}
	}

	values, err := co.pl.ValuesForDoc(did)
	if err != nil {
		return nil, err
	}
	doc.Values = values
	return doc, nil
}

// DeleteDocument removes a document's data, term postings, positions and
// values, and auto-flushes unless a transaction is active (§4.4). It
// requires the termlist table, since enumerating a document's terms
// without it is impossible; on a database opened with DisableTermlist it
// raises FeatureUnavailableError instead.
func (co *Coordinator) DeleteDocument(did uint32) error {
	if err := co.requireWritable(); err != nil {
		return err
	}
	if !co.termlist.Exists() {
		return &FeatureUnavailableError{Msg: "delete_document requires an open termlist table"}
	}
	if err := co.deleteDocument(did); err != nil {
		co.Cancel()
		return err
	}
	return nil
}

func (co *Coordinator) deleteDocument(did uint32) error {
	doc, err := co.GetDocument(did)
	if err != nil {
		return err
	}
	doclen, _ := co.pl.GetDocLength(did)

	for term := range doc.Terms {
		co.buf.DeletePosting([]byte(term), did)
		if co.position.Exists() {
			key := positionKey([]byte(term), did)
			err := co.position.Del(key)
			putKeyBuf(key)
			if err != nil {
				return err
			}
		}
	}
	for slot := range doc.Values {
		co.buf.DeleteValue(did, slot)
	}
	co.buf.DeleteDocLength(did, doclen)

	if err := co.record.Del(recordKey(did)); err != nil {
		return err
	}
	if err := co.termlist.Del(termlistKey(did)); err != nil {
		return err
	}
	return co.autoFlushIfNeeded()
}

// ReplaceDocument overwrites an existing document's data, terms and values
// (§4.4). Three cases besides the ordinary full diff:
//
//   - did beyond the current last_did promotes last_did and is treated as
//     add_document;
//   - with the termlist table closed, an unused did is also treated as
//     add_document, and a used one raises FeatureUnavailableError;
//   - a doc previously loaded from this same Coordinator and did (via
//     GetDocument) takes the modify-shortcut path, touching only the
//     categories its SetData/AddTerm/RemoveTerm/SetValue/RemoveValue calls
//     flagged.
//
// Any failure discards every staged change, per §7's propagation policy.
func (co *Coordinator) ReplaceDocument(did uint32, doc *Document) error {
	if err := co.requireWritable(); err != nil {
		return err
	}
	if err := validateTerms(doc); err != nil {
		return err
	}
	if err := co.replaceDocument(did, doc); err != nil {
		co.Cancel()
		return err
	}
	return nil
}

func (co *Coordinator) replaceDocument(did uint32, doc *Document) error {
	if did > co.pl.Stats().LastDocID {
		return co.addDocumentAt(did, doc)
	}

	if !co.termlist.Exists() {
		if _, exists := co.record.GetExactEntry(recordKey(did)); !exists {
			return co.addDocumentAt(did, doc)
		}
		return &FeatureUnavailableError{Msg: "replace_document requires an open termlist table to replace an existing document"}
	}

	prev, err := co.GetDocument(did)
	if err != nil {
		if _, ok := err.(*DocNotFoundError); ok {
			return co.addDocumentAt(did, doc)
		}
		return err
	}

	if doc.origin != nil && doc.origin.co == co && doc.origin.did == did {
		return co.replaceDocumentShortcut(did, doc, prev)
	}
	return co.replaceDocumentFullDiff(did, doc, prev)
}

func (co *Coordinator) replaceDocumentFullDiff(did uint32, doc, prev *Document) error {
	prevTerms := make(map[string]uint32, len(prev.Terms))
	for term, entry := range prev.Terms {
		prevTerms[term] = entry.WDF
	}
	oldDoclen, _ := co.pl.GetDocLength(did)

	doclen, err := co.stageTerms(did, doc, prevTerms)
	if err != nil {
		return err
	}
	co.stageValues(did, doc, prev.Values)
	co.pl.Stats().removeDocument(oldDoclen)
	co.pl.Stats().addDocument(did, doclen)
	co.buf.SetDocLength(did, doclen)

	if err := co.record.Add(recordKey(did), doc.Data); err != nil {
		return err
	}
	if err := co.termlist.Add(termlistKey(did), encodeTermlist(doc.Terms)); err != nil {
		return err
	}
	return co.autoFlushIfNeeded()
}

// replaceDocumentShortcut is §4.4's modify-shortcut: it only touches the
// record, termlist/position and value categories the caller flagged
// modified on doc, skipping the rest entirely rather than diffing them
// against prev. §8 property 8 requires this to reach the same end state as
// replaceDocumentFullDiff when every category happens to be modified.
func (co *Coordinator) replaceDocumentShortcut(did uint32, doc, prev *Document) error {
	if doc.dataModified {
		if err := co.record.Add(recordKey(did), doc.Data); err != nil {
			return err
		}
	}

	if doc.termsModified {
		prevTerms := make(map[string]uint32, len(prev.Terms))
		for term, entry := range prev.Terms {
			prevTerms[term] = entry.WDF
		}
		oldDoclen, _ := co.pl.GetDocLength(did)

		doclen, err := co.stageTerms(did, doc, prevTerms)
		if err != nil {
			return err
		}
		co.pl.Stats().removeDocument(oldDoclen)
		co.pl.Stats().addDocument(did, doclen)
		co.buf.SetDocLength(did, doclen)

		if err := co.termlist.Add(termlistKey(did), encodeTermlist(doc.Terms)); err != nil {
			return err
		}
	}

	if doc.valuesModified {
		co.stageValues(did, doc, prev.Values)
	}

	return co.autoFlushIfNeeded()
}
