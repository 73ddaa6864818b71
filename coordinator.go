package chert

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

// maxOpenRetries bounds how many times open_tables_consistent re-tries the
// whole table bundle before giving up with ModifiedError (§4.1).
const maxOpenRetries = 100

// Coordinator owns one database directory: the writer-exclusivity lock, the
// version file, and the six per-table B-trees, kept mutually consistent at
// a single revision the way db.go's DB type keeps its schema and journal in
// lockstep. It is the thing callers open, mutate through, and close.
type Coordinator struct {
	dir string
	opt Options

	record   *Table
	postlist *Table
	termlist *Table
	position *Table
	spelling *Table
	synonym  *Table

	pl  *Postlist
	buf *PostingBuffer

	revision      uint64
	inTransaction bool
	writable      bool

	lock    *WriteLock
	version *VersionFile
	metrics *metrics
}

func newCoordinator(dir string, opt Options) *Coordinator {
	opt = opt.withDefaults()
	return &Coordinator{
		dir:      dir,
		opt:      opt,
		record:   newTable(KindRecord, dir, false, opt),
		postlist: newTable(KindPostlist, dir, false, opt),
		termlist: newTable(KindTermlist, dir, true, opt),
		position: newTable(KindPosition, dir, true, opt),
		spelling: newTable(KindSpelling, dir, true, opt),
		synonym:  newTable(KindSynonym, dir, true, opt),
	}
}

func (co *Coordinator) tables() []*Table {
	return []*Table{co.record, co.postlist, co.termlist, co.position, co.spelling, co.synonym}
}

// Create makes a new, empty database at dir and opens it for writing.
func Create(dir string, opt Options) (*Coordinator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &CreateError{Dir: dir, Err: err}
	}
	co := newCoordinator(dir, opt)

	vf := newVersionFile(dir)
	if vf.Exists() {
		return nil, &CreateError{Dir: dir, Err: corruptErrf(nil, "database already exists")}
	}
	lock := newWriteLock(dir)
	if err := lock.Acquire(); err != nil {
		return nil, err
	}
	co.lock = lock

	for _, tbl := range co.tables() {
		if tbl == co.termlist && opt.DisableTermlist {
			continue
		}
		if err := tbl.CreateAndOpen(); err != nil {
			co.lock.Release()
			return nil, err
		}
	}
	if err := vf.CreateAndWrite(); err != nil {
		co.lock.Release()
		return nil, err
	}
	co.version = vf

	if _, err := co.record.Open(0); err != nil {
		co.lock.Release()
		return nil, err
	}
	if ok, err := co.postlist.Open(0); err != nil || !ok {
		co.lock.Release()
		if err != nil {
			return nil, err
		}
		return nil, corruptErrf(nil, "freshly created postlist table failed to open")
	}
	pl, err := openPostlist(co.postlist)
	if err != nil {
		co.lock.Release()
		return nil, err
	}
	co.pl = pl
	co.buf = newPostingBuffer(pl.Stats(), opt.FlushThreshold)
	co.writable = true
	co.metrics = newMetrics(prometheus.DefaultRegisterer, dir)
	return co, nil
}

// OpenForReading opens an existing database read-only, at its latest
// mutually-consistent revision (§4.1's open_tables_consistent).
func OpenForReading(dir string, opt Options) (*Coordinator, error) {
	co := newCoordinator(dir, opt)
	co.metrics = newMetrics(prometheus.DefaultRegisterer, dir)
	vf := newVersionFile(dir)
	if !vf.Exists() {
		return nil, &OpeningError{Dir: dir, Msg: "no database here"}
	}
	if err := vf.ReadAndCheck(); err != nil {
		return nil, err
	}
	co.version = vf

	if err := co.openTablesConsistent(0); err != nil {
		return nil, err
	}
	pl, err := openPostlist(co.postlist)
	if err != nil {
		return nil, err
	}
	co.pl = pl
	co.buf = newPostingBuffer(pl.Stats(), opt.FlushThreshold)
	return co, nil
}

// OpenForWriting opens an existing database for mutation, acquiring the
// writer-exclusivity lock first.
func OpenForWriting(dir string, opt Options) (*Coordinator, error) {
	lock := newWriteLock(dir)
	if err := lock.Acquire(); err != nil {
		return nil, err
	}
	co, err := OpenForReading(dir, opt)
	if err != nil {
		lock.Release()
		return nil, err
	}
	co.lock = lock
	co.writable = true
	return co, nil
}

// openTablesConsistent implements §4.1: open the record table (the
// revision arbiter), then every other table at that same revision,
// retrying the whole bundle when the writer commits out from under a
// reader. bbolt's MVCC means any individual Open either matches immediately
// or the whole bundle must restart — there is no partial-table retry.
func (co *Coordinator) openTablesConsistent(revision uint64) error {
	for attempt := 0; attempt < maxOpenRetries; attempt++ {
		ok, rev, err := co.tryOpenAll(revision)
		if err != nil {
			return err
		}
		if ok {
			co.revision = rev
			return nil
		}
		if co.metrics != nil {
			co.metrics.retries.Inc()
		}
		co.opt.Logf("chert: revision skew on attempt %d, retrying", attempt)
	}
	return &ModifiedError{Retries: maxOpenRetries}
}

func (co *Coordinator) tryOpenAll(revision uint64) (ok bool, rev uint64, err error) {
	if _, err := co.record.Open(revision); err != nil {
		return false, 0, err
	}
	rev = co.record.GetOpenRevisionNumber()

	required := []*Table{co.postlist}
	optional := []*Table{co.termlist, co.position, co.spelling, co.synonym}

	for _, tbl := range required {
		opened, err := tbl.Open(rev)
		if err != nil {
			return false, 0, err
		}
		if !opened {
			return false, 0, nil
		}
	}
	for _, tbl := range optional {
		tbl.SetBlockSize(co.record.GetBlockSize())
		if !tbl.Exists() {
			continue
		}
		opened, err := tbl.Open(rev)
		if err != nil {
			return false, 0, err
		}
		if !opened {
			return false, 0, nil
		}
	}
	return true, rev, nil
}

// Postlist exposes the postlist merge/aggregation view.
func (co *Coordinator) Postlist() *Postlist { return co.pl }

// Dir returns the database's directory.
func (co *Coordinator) Dir() string { return co.dir }

// ChangesetInvariant derives the 4-byte tag changeset segments are stamped
// with, from the database's VersionFile UUID, so a replica never applies a
// changeset captured by a different database lifetime.
func (co *Coordinator) ChangesetInvariant() [4]byte {
	id := co.version.UUID()
	return [4]byte{id[0], id[1], id[2], id[3]}
}

// Refresh re-runs open_tables_consistent against the latest committed
// revision, picking up commits made by another process since this handle
// was opened or last refreshed (§4.6's "reopen" step). If the record
// table's on-disk revision has not moved since this handle's last
// successful open, the whole table bundle is left untouched — mirroring
// the original's `if (cur_rev && cur_rev == revision) return;`
// short-circuit in open_tables_consistent, since re-pinning six unchanged
// snapshots buys nothing.
func (co *Coordinator) Refresh() error {
	co.version.read = false
	if err := co.version.ReadAndCheck(); err != nil {
		return err
	}
	latest, err := co.record.GetLatestRevisionNumber()
	if err != nil {
		return err
	}
	if latest == co.revision {
		return nil
	}
	if err := co.openTablesConsistent(0); err != nil {
		return err
	}
	newPl, err := openPostlist(co.postlist)
	if err != nil {
		return err
	}
	co.pl = newPl
	co.buf.resetWith(newPl.Stats())
	return nil
}

// TableFiles returns every existing table's on-disk path, split into
// "copy in any order" and "copy last" — a whole-database snapshot copy
// must finish with postlist (§4.6), the last file a sender's whole-database
// copy writes.
func (co *Coordinator) TableFiles() (rest []string, postlistPath string) {
	for _, tbl := range []*Table{co.record, co.termlist, co.position, co.spelling, co.synonym} {
		if tbl.Exists() {
			rest = append(rest, tbl.path())
		}
	}
	return rest, co.postlist.path()
}

// Revision reports the currently pinned, mutually-consistent revision.
func (co *Coordinator) Revision() uint64 { return co.revision }

// Begin starts an explicit transaction: document operations accumulate in
// the posting buffer without triggering an automatic threshold flush until
// End is called, per §4.4's "unless a transaction is active" clause.
func (co *Coordinator) Begin() { co.inTransaction = true }

// End closes an explicit transaction and flushes any pending changes.
func (co *Coordinator) End() error {
	co.inTransaction = false
	return co.Flush()
}

func (co *Coordinator) requireWritable() error {
	if !co.writable {
		return &FeatureUnavailableError{Msg: "database opened read-only"}
	}
	return nil
}

// autoFlushIfNeeded applies PostingBuffer's own flush-threshold check
// unless an explicit transaction is suppressing it (§4.3, §4.4).
func (co *Coordinator) autoFlushIfNeeded() error {
	if co.inTransaction {
		return nil
	}
	if co.buf.ShouldAutoFlush() {
		return co.Flush()
	}
	return nil
}

// Flush is set_revision_number's non-commit half plus the commit pipeline
// of §4.1 step 5: merge buffered postlist edits, flush every table's
// staged writes into its open transaction, then commit in
// postlist -> position -> termlist -> synonym -> spelling -> record order
// so that Record (the revision arbiter) always lands last.
func (co *Coordinator) Flush() error { return co.flush(nil) }

// FlushCapturing behaves like Flush, but additionally streams every
// table's changed blocks into cw — in termlist, synonym, spelling, record,
// position, postlist order, the replication-friendly order §6 uses because
// it lets a replica apply position/postlist last, after the tables that
// give positions and postings meaning already reflect the new revision.
func (co *Coordinator) FlushCapturing(cw ChangeWriter) error { return co.flush(cw) }

func (co *Coordinator) flush(cw ChangeWriter) error {
	if err := co.requireWritable(); err != nil {
		return err
	}
	if co.buf.ChangeCount() == 0 && !co.anyTableModified() {
		return nil // apply() no-op guard: nothing staged, nothing to do
	}
	newRevision := co.revision + 1
	if err := co.buf.FlushBuffer(co.pl); err != nil {
		return err
	}

	commitOrder := []*Table{co.postlist, co.position, co.termlist, co.synonym, co.spelling, co.record}
	for _, tbl := range commitOrder {
		if tbl == nil || !tbl.IsModified() {
			continue
		}
		if err := tbl.FlushDB(); err != nil {
			return co.modificationsFailed(newRevision, err)
		}
	}

	if cw != nil {
		streamOrder := []*Table{co.termlist, co.synonym, co.spelling, co.record, co.position, co.postlist}
		for _, tbl := range streamOrder {
			if tbl == nil || !tbl.IsModified() {
				continue
			}
			if err := tbl.WriteChangedBlocks(cw); err != nil {
				return co.modificationsFailed(newRevision, err)
			}
		}
	}

	// Every existing table commits at newRevision, modified or not, so that
	// tryOpenAll finds the whole bundle at the record table's revision.
	for _, tbl := range commitOrder {
		if !tbl.Exists() {
			continue
		}
		if err := tbl.Commit(newRevision); err != nil {
			return co.modificationsFailed(newRevision, err)
		}
	}
	co.revision = newRevision
	if co.metrics != nil {
		co.metrics.commits.Inc()
	}
	return nil
}

// modificationsFailed implements §4.1's rollback step, invoked when any
// part of the commit pipeline (flush, changeset streaming, or the final
// per-table Commit) raises partway through the bundle: it discards every
// staged change, then skips past the revision number that failed so a
// later commit never reuses it — the crash-recovery behavior §8 property 5
// and the design note's "bump to R_new+1" describe. Tables that already
// committed at failedRevision and tables that never got there both land on
// the same next revision, since Table.Commit accepts an empty write
// transaction just as readily as a populated one.
func (co *Coordinator) modificationsFailed(failedRevision uint64, cause error) error {
	co.buf.reset()
	target := failedRevision + 1
	for _, tbl := range co.tables() {
		tbl.Cancel()
	}
	for _, tbl := range []*Table{co.postlist, co.position, co.termlist, co.synonym, co.spelling, co.record} {
		if !tbl.Exists() {
			continue
		}
		if err := tbl.Commit(target); err != nil {
			co.Close()
			return &DatabaseError{Msg: "rollback failed to recover past a failed commit", Err: err}
		}
	}
	pl, err := openPostlist(co.postlist)
	if err != nil {
		co.Close()
		return &DatabaseError{Msg: "rollback failed to reopen postlist", Err: err}
	}
	co.pl = pl
	co.buf.resetWith(pl.Stats())
	co.revision = target
	if co.metrics != nil {
		co.metrics.rollbacks.Inc()
	}
	return &DatabaseError{Msg: "commit failed, skipped to next revision", Err: cause}
}

func (co *Coordinator) anyTableModified() bool {
	for _, tbl := range co.tables() {
		if tbl.IsModified() {
			return true
		}
	}
	return false
}

// Cancel discards every staged mutation, rolling each table back to its
// last committed revision and reloading aggregate stats from disk, per
// modifications_failed / cancel (§4.3: "cancel rereads aggregate stats").
func (co *Coordinator) Cancel() error {
	for _, tbl := range co.tables() {
		if tbl == nil {
			continue
		}
		if err := tbl.Cancel(); err != nil {
			return err
		}
	}
	pl, err := openPostlist(co.postlist)
	if err != nil {
		return err
	}
	co.pl = pl
	co.buf.resetWith(pl.Stats())
	return nil
}

// GetMetadata reads a caller metadata key, stored in the postlist table
// under the legacy 0x00 0xC0 prefix (invariant 5).
func (co *Coordinator) GetMetadata(key []byte) ([]byte, bool) {
	return co.postlist.GetExactEntry(metadataKey(key))
}

// SetMetadata stages a caller metadata write. An empty value deletes the
// key instead of storing an empty entry (§6's "Empty value ⇒ delete").
func (co *Coordinator) SetMetadata(key, value []byte) error {
	if err := co.requireWritable(); err != nil {
		return err
	}
	if len(value) == 0 {
		if err := co.postlist.Del(metadataKey(key)); err != nil {
			return err
		}
		return co.autoFlushIfNeeded()
	}
	if err := co.postlist.Add(metadataKey(key), value); err != nil {
		return err
	}
	return co.autoFlushIfNeeded()
}

// Close releases every table and the writer lock, if held.
func (co *Coordinator) Close() error {
	var firstErr error
	for _, tbl := range co.tables() {
		if tbl == nil {
			continue
		}
		if err := tbl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if co.lock != nil {
		if err := co.lock.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
