package changeset

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chertdb/chert"
)

// header is the first record of a changeset file (§6): the half-open
// revision range it covers, and the "dangerous" marker a replica uses to
// refuse applying a changeset captured while the source was recovering
// from a crash.
type header struct {
	StartRevision uint64
	EndRevision   uint64
	Dangerous     bool
}

// changeRecord mirrors chert.Change for wire encoding; kept distinct so the
// wire format doesn't silently change shape if chert.Change grows fields
// that shouldn't be replicated.
type changeRecord struct {
	Table string
	Op    int
	Key   []byte
	Value []byte
}

// tail is the final record of a changeset file: the revision the source
// committed to once every table's blocks had been streamed.
type tail struct {
	NewRevision uint64
}

// Writer implements chert.ChangeWriter, streaming the staged mutations of
// every table touched by one flush into a changeset file (§6). Both ends of
// the revision range are known when it is created, and the file name
// carries them from the start.
type Writer struct {
	file      *File
	dangerous bool
}

// NewWriter creates the changeset file for the half-open revision range
// [startRevision, endRevision), tagged with revisionInvariant (derived from
// the database's VersionFile UUID) so files from a different database
// lifetime are never misread. The name embeds startRevision so a replica
// asking for "the changeset starting at revision N" can find it by prefix
// alone (§4.6) without opening and peeking at every candidate file.
func NewWriter(dir string, startRevision, endRevision uint64, revisionInvariant [4]byte, dangerous bool) (*Writer, error) {
	name := fmt.Sprintf("changeset-%d-%d.chert", startRevision, endRevision)
	file, err := New(dir, name, Options{RevisionInvariant: revisionInvariant})
	if err != nil {
		return nil, err
	}
	return &Writer{file: file, dangerous: dangerous}, nil
}

// Begin writes the header record opening the revision range.
func (w *Writer) Begin(startRevision, endRevision uint64) error {
	raw, err := msgpack.Marshal(&header{StartRevision: startRevision, EndRevision: endRevision, Dangerous: w.dangerous})
	if err != nil {
		return err
	}
	return w.file.WriteRecord(raw)
}

// WriteChange implements chert.ChangeWriter.
func (w *Writer) WriteChange(ch chert.Change) error {
	raw, err := msgpack.Marshal(&changeRecord{Table: ch.Table, Op: int(ch.Op), Key: ch.Key, Value: ch.Value})
	if err != nil {
		return err
	}
	return w.file.WriteRecord(raw)
}

// End writes the post-commit tail record and commits the file.
func (w *Writer) End(newRevision uint64) error {
	raw, err := msgpack.Marshal(&tail{NewRevision: newRevision})
	if err != nil {
		return err
	}
	if err := w.file.WriteRecord(raw); err != nil {
		return err
	}
	return w.file.Commit()
}

// Close releases the writer's open file.
func (w *Writer) Close() error { return w.file.Close() }

var _ chert.ChangeWriter = (*Writer)(nil)
