// Package changeset implements the on-disk file format used to stream one
// revision range's table mutations for replication (§6).
//
// Unlike a general-purpose write-ahead log, a changeset is addressed by the
// exact half-open revision range it covers: NewWriter names the file
// "changeset-<startRevision>-<endRevision>.chert" and a reader looks one up
// by that same filename prefix (§4.6). At most one file can ever match a
// given start revision, so a changeset is written once, straight through,
// and never resumed or rotated — there is no segment chain to maintain, no
// continuation scan on open, and no risk of two writers racing to append to
// the same file.
//
// File format: fileHeader record* trailer
//
//   - fileHeader = magic:64 version:8 reserved:24 timestamp:32 revisionInvariant:32 checksum:64
//   - record = size:uvarint bytes*
//   - trailer = checksum:64
package changeset

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = fmt.Errorf("changeset: incompatible file")
	ErrUnsupportedVersion = fmt.Errorf("changeset: unsupported version")
	errCorruptedFile      = fmt.Errorf("changeset: corrupted file")
)

// Options configures a File.
type Options struct {
	DebugName string
	Now       func() time.Time

	// RevisionInvariant ties the file to one database lifetime (the
	// VersionFile UUID, truncated to 4 bytes) so a changeset captured by a
	// different database lifetime is always rejected rather than silently
	// misread.
	RevisionInvariant [4]byte

	Logger *slog.Logger
}

const (
	magic          = 0x43484e4745534554 // "CHNGESET", arbitrary, distinguishes from other binary formats sharing this directory
	version0 uint8 = 0
)

const fileHeaderSize = 8 + 1 + 3 + 4 + 4 + 8

type fileHeader struct {
	Magic             uint64
	Version           uint8
	_                 [3]byte
	Timestamp         uint32
	RevisionInvariant [4]byte
	Checksum          uint64
}

// File is one changeset's single backing file: a header, a run of
// length-prefixed records, and a trailing checksum written on Commit. It is
// the lower-level transport; Writer gives it changeset-shaped semantics
// (header/change/tail records).
type File struct {
	debugName         string
	dir               string
	name              string
	now               func() time.Time
	logger            *slog.Logger
	revisionInvariant [4]byte

	f        *os.File
	hash     xxhash.Digest
	writeErr error
}

// New creates dir/name for writing, truncating any stale file left behind
// by an earlier, never-committed attempt at the same revision range — a
// changeset file is never appended to across process lifetimes, so there is
// nothing worth preserving in a half-written leftover.
func New(dir, name string, o Options) (*File, error) {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.DebugName == "" {
		o.DebugName = "changeset"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	fl := &File{
		debugName:         o.DebugName,
		dir:               dir,
		name:              name,
		now:               o.Now,
		logger:            o.Logger,
		revisionInvariant: o.RevisionInvariant,
	}
	if err := fl.openAndWriteHeader(); err != nil {
		return nil, err
	}
	return fl, nil
}

func (fl *File) openAndWriteHeader() error {
	f, err := os.OpenFile(filepath.Join(fl.dir, fl.name), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	fl.hash.Reset()
	var hbuf [fileHeaderSize]byte
	fillFileHeader(hbuf[:], fl, timeNow(fl.now), &fl.hash)
	if _, err := f.Write(hbuf[:]); err != nil {
		return err
	}

	ok = true
	fl.f = f
	return nil
}

func timeNow(now func() time.Time) uint32 {
	v := now().Unix()
	if v < 0 || v > int64(^uint32(0)) {
		panic("changeset: timestamp out of range")
	}
	return uint32(v)
}

func (fl *File) String() string { return fl.debugName }

func (fl *File) fail(err error) error {
	if err == nil {
		return nil
	}
	fl.logger.Error("changeset: failed", "file", fl.debugName, "err", err)
	if fl.writeErr == nil {
		fl.writeErr = err
	}
	return err
}

// WriteRecord appends one length-prefixed record.
func (fl *File) WriteRecord(data []byte) error {
	if fl.f == nil {
		panic("changeset: file is not open for writing")
	}
	if fl.writeErr != nil {
		return fl.writeErr
	}

	var hbuf [binary.MaxVarintLen64]byte
	h := binary.AppendUvarint(hbuf[:0], uint64(len(data)))

	fl.hash.Write(h)
	if _, err := fl.f.Write(h); err != nil {
		return fl.fail(err)
	}
	fl.hash.Write(data)
	if _, err := fl.f.Write(data); err != nil {
		return fl.fail(err)
	}
	return nil
}

// Commit writes the trailing checksum, marking every record written since
// New as durable and complete.
func (fl *File) Commit() error {
	if fl.writeErr != nil {
		return fl.writeErr
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], fl.hash.Sum64())
	if _, err := fl.f.Write(buf[:]); err != nil {
		return fl.fail(err)
	}
	return nil
}

// Close releases the open file handle. A file closed without a prior
// Commit is left on disk exactly as written so far, uncommitted trailer and
// all: a reader encountering it mid-crash-recovery replays every whole
// record it can and stops at the first one it can't, per ReadChanges.
func (fl *File) Close() error {
	if fl.f == nil {
		return fl.writeErr
	}
	err := fl.f.Close()
	fl.f = nil
	if fl.writeErr != nil {
		return fl.writeErr
	}
	return err
}

func readFileHeader(f *os.File, h *fileHeader, revisionInvariant [4]byte) error {
	var buf [fileHeaderSize]byte
	_, err := io.ReadFull(f, buf[:])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return errCorruptedFile
	} else if err != nil {
		return err
	}
	n, err := binary.Decode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("changeset: internal size mismatch")
	}

	checksum := xxhash.Sum64(buf[:fileHeaderSize-8])
	if checksum != h.Checksum {
		return errCorruptedFile
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.RevisionInvariant != revisionInvariant {
		return ErrIncompatible
	}
	return nil
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func fillFileHeader(buf []byte, fl *File, ts uint32, hash *xxhash.Digest) {
	h := fileHeader{
		Magic:             magic,
		Version:           version0,
		Timestamp:         ts,
		RevisionInvariant: fl.revisionInvariant,
	}
	n, err := binary.Encode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("changeset: internal size mismatch")
	}
	hash.Write(buf[:fileHeaderSize-8])
	binary.LittleEndian.PutUint64(buf[fileHeaderSize-8:], hash.Sum64())
	hash.Write(buf[fileHeaderSize-8 : fileHeaderSize])
}

// fileNames returns, sorted, every name under dir matching prefix and
// suffix. The naming scheme guarantees at most one match for a fully
// specified prefix (one exact start revision); this stays a search rather
// than a single Stat so a caller can also ask for "every changeset after
// revision N" with a looser prefix if that's ever useful.
func fileNames(dir, prefix, suffix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
