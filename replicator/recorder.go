package replicator

import (
	"os"

	"github.com/chertdb/chert"
	"github.com/chertdb/chert/changeset"
)

// changeCollector buffers the changes FlushCapturing streams out so
// CaptureChangeset can decide whether a changeset file is worth writing at
// all before it opens one: the Coordinator's apply()-no-op guard (§4.1)
// means a flush with nothing staged never calls WriteChange and never
// advances the revision, and a changeset file promising a revision range
// that never happened would be internally inconsistent on disk.
type changeCollector struct {
	changes []chert.Change
}

func (c *changeCollector) WriteChange(ch chert.Change) error {
	c.changes = append(c.changes, ch)
	return nil
}

var _ chert.ChangeWriter = (*changeCollector)(nil)

// CaptureChangeset flushes co and, if that flush actually advances the
// revision, records the tables' changed blocks into a changeset file under
// <dir>/changesets, named so Sender.Run's filename-prefix lookup can find
// it later (§4.6). If the flush turns out to be a no-op (nothing was
// staged), no file is written at all.
//
// Package chert cannot import package changeset itself without a cycle
// (changeset.Writer needs chert.Change), so this is the seam where a
// Coordinator's FlushCapturing and a changeset.Writer actually meet:
// whatever drives the write side of replication calls this instead of
// Coordinator.Flush directly.
func CaptureChangeset(co *chert.Coordinator, dangerous bool) error {
	startRevision := co.Revision()

	collector := &changeCollector{}
	if err := co.FlushCapturing(collector); err != nil {
		return err
	}
	newRevision := co.Revision()
	if newRevision == startRevision {
		return nil
	}

	dir := changesetDir(co)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w, err := changeset.NewWriter(dir, startRevision, newRevision, co.ChangesetInvariant(), dangerous)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Begin(startRevision, newRevision); err != nil {
		return err
	}
	for _, ch := range collector.changes {
		if err := w.WriteChange(ch); err != nil {
			return err
		}
	}
	return w.End(newRevision)
}
