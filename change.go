package chert

import "fmt"

// Op is the kind of a committed Table mutation, as recorded in a changeset
// block record (§6).
type Op int

const (
	OpNone   Op = 0
	OpPut    Op = 1
	OpDelete Op = 2
)

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

// Change is one staged key/value mutation against a Table, captured so it
// can be replayed into the changeset stream at flush time (§6) before the
// table's storage transaction commits.
type Change struct {
	Table string
	Op    Op
	Key   []byte
	Value []byte // nil for OpDelete
}

// PostingOp is the state of a (term, did) entry inside PostingBuffer's
// mod_plists, per the state machine in §4.3.
type PostingOp byte

const (
	PostingOpNone   PostingOp = 0
	PostingOpAdd    PostingOp = 'A'
	PostingOpModify PostingOp = 'M'
	PostingOpDelete PostingOp = 'D'
)

func (v PostingOp) String() string {
	switch v {
	case PostingOpAdd:
		return "add"
	case PostingOpModify:
		return "modify"
	case PostingOpDelete:
		return "delete"
	default:
		return "none"
	}
}

// transition advances a mod_plists entry's op when a new mutation of kind
// `next` arrives for a (term, did) pair that currently has `cur` staged.
// It implements §4.3's state diagram:
//
//	∅  --add_document-->        A
//	A  --delete-->               D
//	A  --modify-->               M (mergePostings applies A and M the same way)
//	committed --delete-->        D
//	committed --modify-->        D, then re-add within the same flush promotes D -> M
//
// The "committed" starting states are represented by cur == PostingOpNone
// (nothing staged yet this flush window, but the term/did pair may already
// exist in the committed postlist).
func transitionPostingOp(cur PostingOp, next PostingOp) PostingOp {
	if cur == PostingOpDelete && next == PostingOpAdd {
		// Was deleted earlier in this buffer window, now re-added: this is
		// a net modification of a previously-committed posting, not a
		// fresh add, so the merger must diff against committed wdf.
		return PostingOpModify
	}
	return next
}
