package chert

// ApplyChangeset installs a changeset's decoded table mutations directly
// against this Coordinator, committing at newRevision once every mutation
// has been staged. It is the replica-side counterpart to FlushCapturing
// (§4.6): a primary's Flush stages Changes and streams them out before its
// own commit; a replica receiving that stream stages the same Changes and
// commits them unchanged, reaching the same state without recomputing any
// of the term/position/value diffing that produced them (§8 property 6).
//
// Callers are responsible for checking the changeset's declared start
// revision against Revision() before calling this, and for skipping ahead
// to a whole-database copy when the check fails.
func (co *Coordinator) ApplyChangeset(changes []Change, newRevision uint64) error {
	if err := co.requireWritable(); err != nil {
		return err
	}
	if err := co.stageChangesetOps(changes); err != nil {
		return co.modificationsFailed(newRevision, err)
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
	for _, tbl := range commitOrder {
		if !tbl.Exists() {
			continue
		}
		if err := tbl.Commit(newRevision); err != nil {
			return co.modificationsFailed(newRevision, err)
		}
	}
	co.revision = newRevision

	pl, err := openPostlist(co.postlist)
	if err != nil {
		return err
	}
	co.pl = pl
	co.buf.resetWith(pl.Stats())
	if co.metrics != nil {
		co.metrics.commits.Inc()
	}
	return nil
}

func (co *Coordinator) stageChangesetOps(changes []Change) error {
	for _, chg := range changes {
		tbl := co.tableByName(chg.Table)
		if tbl == nil {
			return corruptErrf(nil, "changeset references unknown table %q", chg.Table)
		}
		switch chg.Op {
		case OpPut:
			if err := tbl.Add(chg.Key, chg.Value); err != nil {
				return err
			}
		case OpDelete:
			if err := tbl.Del(chg.Key); err != nil {
				return err
			}
		default:
			return corruptErrf(nil, "changeset has unrecognized op %v for table %q", chg.Op, chg.Table)
		}
	}
	return nil
}

func (co *Coordinator) tableByName(name string) *Table {
	switch tableKind(name) {
	case KindRecord:
		return co.record
	case KindPostlist:
		return co.postlist
	case KindTermlist:
		return co.termlist
	case KindPosition:
		return co.position
	case KindSpelling:
		return co.spelling
	case KindSynonym:
		return co.synonym
	default:
		return nil
	}
}
