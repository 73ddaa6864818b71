// Package replicator implements the stream-oriented replication feed of
// §4.6: a whole-database snapshot copy for a follower starting from
// scratch, and an incremental changeset transmission loop for one that is
// merely behind.
package replicator

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/chertdb/chert"
	"github.com/chertdb/chert/changeset"
)

// MaxDBCopiesPerConversation bounds how many whole-database snapshots one
// Sender will send, across all its Run calls, guaranteeing termination under rapid source churn
// (§4.6).
const MaxDBCopiesPerConversation = 3

type msgKind byte

const (
	kindWholeDBFile msgKind = iota + 1
	kindDBFooter
	kindChangeset
	kindFail
	kindEndOfChanges
)

type wholeDBFileMsg struct {
	Name string
	Data []byte
}

type dbFooterMsg struct {
	Revision    uint64
	Unfetchable bool
}

type changesetMsg struct {
	Data []byte
}

func writeFrame(w io.Writer, kind msgKind, payload any) error {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return err
	}
	var hdr [1 + binary.MaxVarintLen64]byte
	hdr[0] = byte(kind)
	n := binary.PutUvarint(hdr[1:], uint64(len(raw)))
	if _, err := w.Write(hdr[:1+n]); err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// Sender produces the replication feed for one client connection.
type Sender struct {
	co         *chert.Coordinator
	w          io.Writer
	copiesLeft int
}

func NewSender(co *chert.Coordinator, w io.Writer) *Sender {
	return &Sender{co: co, w: w, copiesLeft: MaxDBCopiesPerConversation}
}

// Run drives the transmission loop of §4.6 starting from startRevision (0
// meaning "unparseable client revision": always force a whole-DB send).
// invariant tracks the database identity startRevision is believed valid
// against, so the non-whole-DB branch can detect a primary destroyed and
// recreated (fresh VersionFile UUID) partway through the conversation,
// exactly as the whole-DB branch already does after its own copy.
func (s *Sender) Run(ctx context.Context, startRevision uint64) error {
	needWholeDB := startRevision == 0
	invariant := s.co.ChangesetInvariant()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if needWholeDB {
			if s.copiesLeft == 0 {
				return writeFrame(s.w, kindFail, struct{}{})
			}
			s.copiesLeft--
			invariant = s.co.ChangesetInvariant()
			if err := s.sendWholeDB(ctx); err != nil {
				return err
			}
			startRevision = s.co.Revision()

			if err := s.co.Refresh(); err != nil {
				return err
			}
			if s.co.ChangesetInvariant() == invariant {
				if err := writeFrame(s.w, kindDBFooter, &dbFooterMsg{Revision: startRevision}); err != nil {
					return err
				}
				break
			}
			if err := writeFrame(s.w, kindDBFooter, &dbFooterMsg{Revision: startRevision + 1, Unfetchable: true}); err != nil {
				return err
			}
			continue
		}

		if err := s.co.Refresh(); err != nil {
			return err
		}
		current := s.co.Revision()
		if startRevision >= current {
			if s.co.ChangesetInvariant() != invariant {
				needWholeDB = true
				continue
			}
			break
		}

		raw, err := changeset.ReadChanges(changesetDir(s.co), changesetPrefix(startRevision), ".chert", s.co.ChangesetInvariant())
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			needWholeDB = true
			continue
		}
		parsed, err := changeset.Parse(raw)
		if err != nil {
			return err
		}
		if parsed.Header.EndRevision <= startRevision {
			needWholeDB = true
			continue
		}
		frame, err := msgpack.Marshal(raw)
		if err != nil {
			return err
		}
		if err := writeFrame(s.w, kindChangeset, &changesetMsg{Data: frame}); err != nil {
			return err
		}
		startRevision = parsed.Header.EndRevision
	}
	return writeFrame(s.w, kindEndOfChanges, struct{}{})
}

// changesetDir and changesetPrefix fix the naming convention both the
// write side (CaptureChangeset) and the read side (Sender.Run) must agree
// on: one changeset file per captured flush, named by the revision it
// starts from so a reader can find "the changeset starting at revision N"
// by filename prefix alone.
func changesetDir(co *chert.Coordinator) string { return filepath.Join(co.Dir(), "changesets") }

func changesetPrefix(startRevision uint64) string {
	return fmt.Sprintf("changeset-%d-", startRevision)
}

// sendWholeDB reads every table file (plus the version file) concurrently,
// then writes their frames serially in a fixed order, finishing with
// postlist last so a follower's page cache warms in query order (§4.6).
// The reads fan out via errgroup; the writes never do, since s.w is a
// single shared stream and interleaving writeFrame calls from multiple
// goroutines would corrupt the length-prefixed frame protocol.
func (s *Sender) sendWholeDB(ctx context.Context) error {
	rest, postlistPath := s.co.TableFiles()
	// The version file goes first, the rest of the tables in whatever
	// order TableFiles returns them, postlist last.
	paths := append(append([]string{filepath.Join(s.co.Dir(), "iamchert")}, rest...), postlistPath)

	bufs := make([][]byte, len(paths))
	g, _ := errgroup.WithContext(ctx)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			bufs[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, p := range paths {
		if err := writeFrame(s.w, kindWholeDBFile, &wholeDBFileMsg{Name: filepath.Base(p), Data: bufs[i]}); err != nil {
			return err
		}
	}
	return nil
}
