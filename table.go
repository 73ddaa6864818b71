package chert

import (
	"os"
)

const (
	rootBucket = "root"
	dataSub    = "data"
	metaSub    = "meta"
)

var metaRevisionKey = []byte("revision")

// ChangeWriter receives one Change per staged mutation, in table-commit
// order, for streaming into a changeset file (§6). Implemented by
// changeset.Writer; declared here, not imported, to avoid a dependency
// cycle between chert and chert/changeset.
type ChangeWriter interface {
	WriteChange(Change) error
}

// tableKind enumerates the six tables of §3. Record and Postlist always
// exist; the rest are optional and may be closed (never created) on a
// database that doesn't need them.
type tableKind string

const (
	KindPostlist tableKind = "postlist"
	KindPosition tableKind = "position"
	KindTermlist tableKind = "termlist"
	KindRecord   tableKind = "record"
	KindSpelling tableKind = "spelling"
	KindSynonym  tableKind = "synonym"
)

// Table is a single multi-revision B-tree (§4.2), backed by one bbolt file
// per table. bbolt's own meta0/meta1 page alternation and MVCC read
// transactions are the concrete mechanism satisfying the base-file
// alternation and snapshot-isolation requirements of §6 and invariant 3 —
// see DESIGN.md for the reasoning.
type Table struct {
	kind     tableKind
	dir      string
	optional bool
	opt      Options

	st        storage
	blockSize int

	// writer-side staging: a bbolt write transaction opened lazily on the
	// first Add/Del and held open until Commit/Cancel. Mirrors
	// §4.2's flush_db ("serialize dirty pages... not yet visible") /
	// commit ("atomically install revision") split: bbolt already defers
	// visibility to Commit, so flush_db here just means "apply staged ops
	// into the open write tx".
	wtx     storageTx
	staged  []Change // ordered, for changeset streaming before commit
	dirty   bool

	// overlay mirrors the net effect of staged on a per-key basis, so
	// GetExactEntry can see a table's own uncommitted Add/Del calls instead
	// of only the pinned read snapshot — matching Xapian chert's own
	// read-your-own-writes behavior within a single write pass. Keyed by
	// raw key bytes; cleared on Commit/Cancel alongside staged.
	overlay map[string]overlayEntry

	// reader-side: the currently pinned snapshot.
	rtx     storageTx
	openRev uint64
}

func newTable(kind tableKind, dir string, optional bool, opt Options) *Table {
	return &Table{kind: kind, dir: dir, optional: optional, opt: opt, blockSize: 4096}
}

// overlayEntry is one table's staged net effect on a single key: either a
// pending value (Put) or a pending tombstone (Delete).
type overlayEntry struct {
	value   []byte
	deleted bool
}

func (tbl *Table) Name() string { return string(tbl.kind) }

func (tbl *Table) path() string { return tbl.dir + "/" + string(tbl.kind) + ".edb" }

// Exists reports whether this table's file is present on disk (§4.2).
func (tbl *Table) Exists() bool {
	_, err := os.Stat(tbl.path())
	return err == nil
}

// SetBlockSize records the block size propagated from the record table for
// an optional table that may not exist yet (§4.1 step 3); bbolt manages its
// own page size internally, so this is kept only for API parity and for
// CreateAndOpen to report back via GetBlockSize.
func (tbl *Table) SetBlockSize(n int) { tbl.blockSize = n }
func (tbl *Table) GetBlockSize() int  { return tbl.blockSize }

// CreateAndOpen materializes an empty table file and opens it for writing,
// with revision 0.
func (tbl *Table) CreateAndOpen() error {
	st, err := openBoltStorage(tbl.path(), tbl.opt)
	if err != nil {
		return &CreateError{Dir: tbl.dir, Err: err}
	}
	tbl.st = st

	tx, err := st.BeginTx(true)
	if err != nil {
		return err
	}
	if _, err := tx.CreateBucket(rootBucket, dataSub); err != nil {
		tx.Rollback()
		return err
	}
	metaB, err := tx.CreateBucket(rootBucket, metaSub)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := metaB.Put(metaRevisionKey, appendUvarint(nil, 0)); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	tbl.openRev = 0
	return nil
}

func (tbl *Table) ensureOpenStorage() error {
	if tbl.st != nil {
		return nil
	}
	st, err := openBoltStorage(tbl.path(), tbl.opt)
	if err != nil {
		return err
	}
	tbl.st = st
	return nil
}

// Open attempts to open the table at the given revision (0 = latest). It
// returns (false, nil) rather than an error when the table simply doesn't
// have that revision available yet — the Coordinator's retry loop depends
// on this soft-failure shape (§4.1, §4.2).
func (tbl *Table) Open(revision uint64) (bool, error) {
	if !tbl.Exists() {
		if tbl.optional {
			return false, nil
		}
		return false, &OpeningError{Dir: tbl.dir, Msg: "required table " + tbl.Name() + " missing"}
	}
	if err := tbl.ensureOpenStorage(); err != nil {
		return false, err
	}

	tx, err := tbl.st.BeginTx(false)
	if err != nil {
		return false, err
	}
	rev, err := readRevision(tx)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	if revision != 0 && rev != revision {
		tx.Rollback()
		return false, nil
	}

	if tbl.rtx != nil {
		tbl.rtx.Rollback()
	}
	tbl.rtx = tx
	tbl.openRev = rev
	return true, nil
}

func readRevision(tx storageTx) (uint64, error) {
	b := tx.Bucket(rootBucket, metaSub)
	if b == nil {
		return 0, corruptErrf(nil, "table missing meta bucket")
	}
	raw := b.Get(metaRevisionKey)
	if raw == nil {
		return 0, corruptErrf(nil, "table missing revision key")
	}
	d := makeByteDecoder(raw)
	return d.Uvarint()
}

func (tbl *Table) GetOpenRevisionNumber() uint64 { return tbl.openRev }

// GetLatestRevisionNumber reads the table's current committed revision
// without disturbing any already-pinned snapshot.
func (tbl *Table) GetLatestRevisionNumber() (uint64, error) {
	if err := tbl.ensureOpenStorage(); err != nil {
		return 0, err
	}
	tx, err := tbl.st.BeginTx(false)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	return readRevision(tx)
}

func (tbl *Table) beginRead(revision uint64) (storageTx, error) {
	if err := tbl.ensureOpenStorage(); err != nil {
		return nil, err
	}
	tx, err := tbl.st.BeginTx(false)
	if err != nil {
		return nil, err
	}
	if revision != 0 {
		rev, err := readRevision(tx)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if rev != revision {
			tx.Rollback()
			return nil, corruptErrf(nil, "revision %d not available in %s", revision, tbl.Name())
		}
	}
	return tx, nil
}

func (tbl *Table) bucketName() string { return rootBucket }

// GetExactEntry returns the value stored for key, preferring this table's
// own uncommitted staged Add/Del over the pinned read snapshot so a table
// observes its own writes before Commit re-pins rtx.
func (tbl *Table) GetExactEntry(key []byte) ([]byte, bool) {
	if e, ok := tbl.overlay[string(key)]; ok {
		if e.deleted {
			return nil, false
		}
		return append([]byte(nil), e.value...), true
	}
	if tbl.rtx == nil {
		return nil, false
	}
	b := tbl.rtx.Bucket(rootBucket, dataSub)
	if b == nil {
		return nil, false
	}
	v := b.Get(key)
	if v == nil {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (tbl *Table) ensureWriteTx() error {
	if tbl.wtx != nil {
		return nil
	}
	if err := tbl.ensureOpenStorage(); err != nil {
		return err
	}
	tx, err := tbl.st.BeginTx(true)
	if err != nil {
		return err
	}
	tbl.wtx = tx
	return nil
}

// Add stages a key/value write. It is visible to this same table's own
// GetExactEntry calls through the staged overlay, but not through the
// pinned read snapshot (and so not to any other table or handle) until
// Commit.
func (tbl *Table) Add(key, value []byte) error {
	if err := tbl.ensureWriteTx(); err != nil {
		return err
	}
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	tbl.staged = append(tbl.staged, Change{Table: tbl.Name(), Op: OpPut, Key: k, Value: v})
	if tbl.overlay == nil {
		tbl.overlay = make(map[string]overlayEntry)
	}
	tbl.overlay[string(k)] = overlayEntry{value: v}
	tbl.dirty = true
	return nil
}

// Del stages a key deletion.
func (tbl *Table) Del(key []byte) error {
	if err := tbl.ensureWriteTx(); err != nil {
		return err
	}
	k := append([]byte(nil), key...)
	tbl.staged = append(tbl.staged, Change{Table: tbl.Name(), Op: OpDelete, Key: k})
	if tbl.overlay == nil {
		tbl.overlay = make(map[string]overlayEntry)
	}
	tbl.overlay[string(k)] = overlayEntry{deleted: true}
	tbl.dirty = true
	return nil
}

// FlushDB applies every staged Add/Del into the open write transaction's
// data bucket, per §4.2. The transaction remains uncommitted: nothing is
// visible to any reader until Commit installs the new revision.
func (tbl *Table) FlushDB() error {
	if len(tbl.staged) == 0 {
		return nil
	}
	if err := tbl.ensureWriteTx(); err != nil {
		return err
	}
	b, err := tbl.wtx.CreateBucket(rootBucket, dataSub)
	if err != nil {
		return err
	}
	for _, chg := range tbl.staged {
		switch chg.Op {
		case OpPut:
			if err := b.Put(chg.Key, chg.Value); err != nil {
				return tableErrf(tbl.Name(), chg.Key, err, "put failed")
			}
		case OpDelete:
			if err := b.Delete(chg.Key); err != nil {
				return tableErrf(tbl.Name(), chg.Key, err, "delete failed")
			}
		}
	}
	return nil
}

// WriteChangedBlocks streams the table's staged mutations (prior to
// commit) to a changeset writer, in the "block record" shape of §6 — here
// a block is a single key/value delta rather than a physical B-tree page,
// since bbolt does not expose its page layout (see DESIGN.md).
func (tbl *Table) WriteChangedBlocks(cw ChangeWriter) error {
	for _, chg := range tbl.staged {
		if err := cw.WriteChange(chg); err != nil {
			return err
		}
	}
	return nil
}

// IsModified reports whether any Add/Del has been staged since the last
// Commit/Cancel.
func (tbl *Table) IsModified() bool { return tbl.dirty }

// Commit installs revision as the table's new committed revision and
// commits the underlying storage transaction, making every staged change
// visible atomically. Record must always be committed last by the caller
// (§4.1 step 5); Table itself has no opinion about ordering across tables.
func (tbl *Table) Commit(revision uint64) error {
	if err := tbl.ensureWriteTx(); err != nil {
		return err
	}
	metaB, err := tbl.wtx.CreateBucket(rootBucket, metaSub)
	if err != nil {
		tbl.wtx.Rollback()
		tbl.wtx = nil
		return err
	}
	if err := metaB.Put(metaRevisionKey, appendUvarint(nil, revision)); err != nil {
		tbl.wtx.Rollback()
		tbl.wtx = nil
		return err
	}
	if err := tbl.wtx.Commit(); err != nil {
		tbl.wtx = nil
		return err
	}
	tbl.wtx = nil
	tbl.staged = nil
	tbl.overlay = nil
	tbl.dirty = false
	tbl.openRev = revision

	// Re-pin the read snapshot to what was just committed, so the writer's
	// own handle observes its own commits without an explicit Refresh()
	// (§9's "staged mutations are visible to reads on the same writer
	// handle" — true for the postlist overlay, and equally required here
	// once the data is actually committed rather than merely staged).
	if tbl.rtx != nil {
		if err := tbl.rtx.Rollback(); err != nil {
			return err
		}
	}
	tx, err := tbl.st.BeginTx(false)
	if err != nil {
		tbl.rtx = nil
		return err
	}
	tbl.rtx = tx
	return nil
}

// Cancel discards every staged change without committing.
func (tbl *Table) Cancel() error {
	if tbl.wtx != nil {
		err := tbl.wtx.Rollback()
		tbl.wtx = nil
		tbl.staged = nil
		tbl.overlay = nil
		tbl.dirty = false
		return err
	}
	tbl.staged = nil
	tbl.overlay = nil
	tbl.dirty = false
	return nil
}

// Close releases the table's pinned read snapshot and underlying storage.
func (tbl *Table) Close() error {
	if tbl.rtx != nil {
		tbl.rtx.Rollback()
		tbl.rtx = nil
	}
	if tbl.wtx != nil {
		tbl.wtx.Rollback()
		tbl.wtx = nil
	}
	if tbl.st != nil {
		err := tbl.st.Close()
		tbl.st = nil
		return err
	}
	return nil
}

// Cursor iterates the table's currently pinned read snapshot in key order.
type Cursor struct {
	c storageCursor
}

func (c *Cursor) First() ([]byte, []byte) { return c.c.First() }
func (c *Cursor) Last() ([]byte, []byte)  { return c.c.Last() }
func (c *Cursor) Seek(k []byte) ([]byte, []byte) { return c.c.Seek(k) }
func (c *Cursor) Next() ([]byte, []byte)  { return c.c.Next() }
func (c *Cursor) Prev() ([]byte, []byte)  { return c.c.Prev() }

// SeekLast returns the last key/value under prefix, or (nil, nil) if none.
func (c *Cursor) SeekLast(prefix []byte) ([]byte, []byte) { return seekLast(c.c, prefix) }

// CursorGet returns an ordered iterator over the table's pinned snapshot
// (used for termlist-like walks, §4.2).
func (tbl *Table) CursorGet() (*Cursor, error) {
	if tbl.rtx == nil {
		return nil, corruptErrf(nil, "table %s not open", tbl.Name())
	}
	b := tbl.rtx.Bucket(rootBucket, dataSub)
	if b == nil {
		return &Cursor{c: emptyCursor{}}, nil
	}
	return &Cursor{c: b.Cursor()}, nil
}

type emptyCursor struct{}

func (emptyCursor) First() ([]byte, []byte) { return nil, nil }
func (emptyCursor) Last() ([]byte, []byte)  { return nil, nil }
func (emptyCursor) Seek([]byte) ([]byte, []byte) { return nil, nil }
func (emptyCursor) Next() ([]byte, []byte)  { return nil, nil }
func (emptyCursor) Prev() ([]byte, []byte)  { return nil, nil }
