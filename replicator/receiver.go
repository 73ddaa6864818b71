package replicator

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chertdb/chert"
	"github.com/chertdb/chert/changeset"
)

// Receiver drives a follower database through the cycle described in
// §4.6, across however many separate conversations with a Sender it
// takes to catch up: write out a whole-database copy when that's what
// arrives, or apply an incremental changeset's decoded mutations directly
// against an already-open Coordinator. One Receiver outlives any single
// connection — Run takes the reader for one conversation and can be
// called again with a fresh one once that conversation ends.
type Receiver struct {
	dir string
	co  *chert.Coordinator
}

// NewReceiver prepares to write a replica of the sender's database into
// dir, which must either be empty (a from-scratch replica) or already
// hold a database this Receiver previously wrote.
func NewReceiver(dir string) *Receiver {
	return &Receiver{dir: dir}
}

// Coordinator returns the currently open replica handle, or nil if Run
// has not yet received a complete whole-database copy.
func (rv *Receiver) Coordinator() *chert.Coordinator { return rv.co }

// Run drains frames from r until the sender signals kindEndOfChanges (a
// fully caught-up replica) or kindFail (the sender gave up after
// MaxDBCopiesPerConversation whole-database copies), returning the
// now-open Coordinator in either case so the caller can keep serving
// reads against it and call Run again, with a new reader, for the next
// conversation.
func (rv *Receiver) Run(ctx context.Context, r io.Reader, opt chert.Options) (*chert.Coordinator, error) {
	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return rv.co, err
		}
		kind, payload, err := readFrame(br)
		if err != nil {
			return rv.co, err
		}
		switch kind {
		case kindWholeDBFile:
			var m wholeDBFileMsg
			if err := msgpack.Unmarshal(payload, &m); err != nil {
				return rv.co, err
			}
			if err := rv.writeWholeDBFile(&m); err != nil {
				return rv.co, err
			}

		case kindDBFooter:
			var m dbFooterMsg
			if err := msgpack.Unmarshal(payload, &m); err != nil {
				return rv.co, err
			}
			if m.Unfetchable {
				// The source was recreated mid-copy; what landed on disk
				// belongs to a database lifetime that no longer exists.
				// Discard it and wait for the sender's next whole-DB cycle.
				if err := rv.discardPartialCopy(); err != nil {
					return rv.co, err
				}
				continue
			}
			if err := rv.openAfterCopy(opt); err != nil {
				return rv.co, err
			}

		case kindChangeset:
			var m changesetMsg
			if err := msgpack.Unmarshal(payload, &m); err != nil {
				return rv.co, err
			}
			if err := rv.applyChangeset(m.Data); err != nil {
				return rv.co, err
			}

		case kindFail:
			return rv.co, fmt.Errorf("replicator: source exhausted its whole-database copy budget")

		case kindEndOfChanges:
			return rv.co, nil

		default:
			return rv.co, fmt.Errorf("replicator: unrecognized frame kind %d", kind)
		}
	}
}

func readFrame(br *bufio.Reader) (msgKind, []byte, error) {
	kindByte, err := br.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	size, err := binary.ReadUvarint(br)
	if err != nil {
		return 0, nil, err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(br, data); err != nil {
		return 0, nil, err
	}
	return msgKind(kindByte), data, nil
}

func (rv *Receiver) writeWholeDBFile(m *wholeDBFileMsg) error {
	if err := os.MkdirAll(rv.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(rv.dir, m.Name), m.Data, 0o666)
}

// discardPartialCopy removes every file this cycle wrote so far, short of
// wiping a previously-complete replica the Coordinator is still holding
// open: a kindDBFooter with Unfetchable set only ever follows a run of
// kindWholeDBFile frames, before rv.co exists.
func (rv *Receiver) discardPartialCopy() error {
	if rv.co != nil {
		return nil
	}
	ents, err := os.ReadDir(rv.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, ent := range ents {
		if err := os.RemoveAll(filepath.Join(rv.dir, ent.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (rv *Receiver) openAfterCopy(opt chert.Options) error {
	if rv.co != nil {
		if err := rv.co.Close(); err != nil {
			return err
		}
		rv.co = nil
	}
	co, err := chert.OpenForWriting(rv.dir, opt)
	if err != nil {
		return err
	}
	rv.co = co
	return nil
}

// applyChangeset decodes one changeset's raw records (the msgpack-encoded
// [][]byte ReadChanges produced on the sender) and installs its mutations
// against the open replica, verifying the changeset picks up exactly where
// the replica left off and refusing one whose header is marked dangerous.
func (rv *Receiver) applyChangeset(raw []byte) error {
	if rv.co == nil {
		return fmt.Errorf("replicator: received a changeset before any whole-database copy")
	}
	var records [][]byte
	if err := msgpack.Unmarshal(raw, &records); err != nil {
		return err
	}
	parsed, err := changeset.Parse(records)
	if err != nil {
		return err
	}
	if parsed.Header.Dangerous {
		return fmt.Errorf("replicator: refusing to apply a changeset marked dangerous")
	}
	if parsed.Header.StartRevision != rv.co.Revision() {
		return fmt.Errorf("replicator: changeset starts at revision %d but replica is at %d", parsed.Header.StartRevision, rv.co.Revision())
	}
	return rv.co.ApplyChangeset(parsed.Changes, parsed.Tail.NewRevision)
}
