package galdrdb

import (
	"github.com/galdrdb/galdrdb/internal/btree"
	"github.com/galdrdb/galdrdb/internal/catalog"
	"github.com/galdrdb/galdrdb/internal/docstore"
	"github.com/galdrdb/galdrdb/internal/slotted"
	"github.com/galdrdb/galdrdb/internal/txn"
)

// recordOp is one pending mutation against a collection, buffered in a
// [Transaction]'s write set until [Transaction.Commit] applies it under
// the single held writer lock (spec.md §4.8's deferred write-set model).
type recordOp struct {
	kind      recordOpKind
	id        int64
	payload   []byte // serialized document (insert/replace)
	fields    map[string]fieldValue // new field values (insert/replace)
	oldFields map[string]fieldValue // prior field values, for index diffing (replace/delete)
	expected  uint64                // DocVersion expected at commit time; 0 for insert
}

type recordOpKind int

const (
	opInsert recordOpKind = iota
	opReplace
	opDelete
)

// coalesce folds a new operation for the same id into the write set,
// implementing spec.md §4.8's "later writes in the same transaction
// supersede earlier ones for the same id": insert followed by replace
// stays an insert (of the new payload); insert followed by delete
// cancels both; replace/delete followed by anything just replaces the
// prior entry, except delete-after-insert which removes the id from the
// set entirely (ok=false).
func coalesce(prior *recordOp, next recordOp) (result recordOp, ok bool) {
	if prior == nil {
		return next, true
	}
	if prior.kind == opInsert && next.kind == opDelete {
		return recordOp{}, false
	}
	if prior.kind == opInsert && next.kind == opReplace {
		next.kind = opInsert
		next.expected = prior.expected
		return next, true
	}
	return next, true
}

// recordStore is the shared CRUD engine [Collection] and [DynCollection]
// both drive: it owns one collection's primary tree, secondary indexes,
// and docstore access, and applies a write set's operations at commit
// time. A fresh one is built per collection per transaction.
type recordStore struct {
	t    *txn.Txn
	cat  *catalog.Catalog
	name string
}

func newRecordStore(t *txn.Txn, cat *catalog.Catalog, name string) *recordStore {
	return &recordStore{t: t, cat: cat, name: name}
}

func (r *recordStore) meta() (catalog.CollectionMeta, error) {
	m, ok := r.cat.Get(r.name)
	if !ok {
		return catalog.CollectionMeta{}, wrapErr(ErrNotFound, withCollection(r.name), withOp("collection"))
	}
	return m, nil
}

func (r *recordStore) primary(meta catalog.CollectionMeta) *btree.Primary {
	return btree.NewPrimary(r.t, meta.PrimaryRoot, btree.DefaultOrder)
}

func (r *recordStore) secondary(idx catalog.IndexSpec) *btree.Secondary {
	return btree.NewSecondary(r.t, idx.RootPage, idx.AvgKeySize)
}

// get reads the currently committed document for id, reporting
// [ErrNotFound] if it does not exist.
func (r *recordStore) get(id int64) ([]byte, error) {
	meta, err := r.meta()
	if err != nil {
		return nil, err
	}
	loc, ok, err := r.primary(meta).Search(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, wrapErr(ErrNotFound, withCollection(r.name), withID(id), withOp("get"))
	}
	return docstore.Get(r.t, loc)
}

// validateUnique checks every unique index's constraint for a pending
// insert/replace against the currently committed tree state, returning
// [ErrUniqueViolation] on the first conflict. Call this from a
// transaction's validate phase, before [recordStore.applyInsert] or
// [recordStore.applyReplace].
func (r *recordStore) validateUnique(meta catalog.CollectionMeta, id int64, fields map[string]fieldValue) error {
	for _, idx := range meta.Indexes {
		if !idx.Unique {
			continue
		}
		key, isNull, err := encodeIndexKey(idx, fields)
		if err != nil {
			return err
		}
		if isNull {
			continue
		}
		existingID, found, err := r.secondary(idx).UniqueCheck(key)
		if err != nil {
			return err
		}
		if found && existingID != id {
			return wrapErr(ErrUniqueViolation, withCollection(r.name), withID(id), withOp("index:"+idx.Name))
		}
	}
	return nil
}

// secondaries materializes one tree handle per declared index. The
// handles must live for the whole operation: a root split updates the
// handle's root id, which persistRoots then writes back to the catalog.
func (r *recordStore) secondaries(meta catalog.CollectionMeta) []*btree.Secondary {
	secs := make([]*btree.Secondary, len(meta.Indexes))
	for i, idx := range meta.Indexes {
		secs[i] = r.secondary(idx)
	}
	return secs
}

// applyInsert stores a brand-new document and maintains every index.
// Callers must already have validated uniqueness via validateUnique.
func (r *recordStore) applyInsert(id int64, payload []byte, fields map[string]fieldValue) error {
	meta, err := r.meta()
	if err != nil {
		return err
	}

	pt := r.primary(meta)
	secs := r.secondaries(meta)
	loc, err := docstore.Insert(r.t, r.t.FSM(), payload)
	if err != nil {
		return err
	}
	if _, hadPrior, err := pt.Insert(id, loc); err != nil {
		return err
	} else if hadPrior {
		return wrapErr(ErrUniqueViolation, withCollection(r.name), withID(id), withOp("insert"))
	}

	for i, idx := range meta.Indexes {
		key, _, err := encodeIndexKey(idx, fields)
		if err != nil {
			return err
		}
		if err := secs[i].Insert(key, id, loc); err != nil {
			return err
		}
	}

	return r.persistRoots(meta, pt, secs)
}

// applyReplace overwrites an existing document's payload and rebuilds
// every secondary index entry that changed.
func (r *recordStore) applyReplace(id int64, payload []byte, oldFields, newFields map[string]fieldValue) error {
	meta, err := r.meta()
	if err != nil {
		return err
	}

	pt := r.primary(meta)
	secs := r.secondaries(meta)
	loc, ok, err := pt.Search(id)
	if err != nil {
		return err
	}
	if !ok {
		return wrapErr(ErrNotFound, withCollection(r.name), withID(id), withOp("replace"))
	}

	for i, idx := range meta.Indexes {
		oldKey, _, err := encodeIndexKey(idx, oldFields)
		if err != nil {
			return err
		}
		newKey, _, err := encodeIndexKey(idx, newFields)
		if err != nil {
			return err
		}
		if string(oldKey) == string(newKey) {
			continue
		}
		if _, err := secs[i].Delete(oldKey, id); err != nil {
			return err
		}
		if err := secs[i].Insert(newKey, id, loc); err != nil {
			return err
		}
	}

	if err := docstore.Replace(r.t, r.t.FSM(), loc, payload); err != nil {
		if err == slotted.ErrNeedsRelocate {
			// The grown document moves; every index entry must point at
			// the new location.
			if err := docstore.Delete(r.t, r.t.FSM(), loc); err != nil {
				return err
			}
			newLoc, err := docstore.Insert(r.t, r.t.FSM(), payload)
			if err != nil {
				return err
			}
			if _, _, err := pt.Insert(id, newLoc); err != nil {
				return err
			}
			for i, idx := range meta.Indexes {
				newKey, _, err := encodeIndexKey(idx, newFields)
				if err != nil {
					return err
				}
				if _, err := secs[i].Delete(newKey, id); err != nil {
					return err
				}
				if err := secs[i].Insert(newKey, id, newLoc); err != nil {
					return err
				}
			}
			return r.persistRoots(meta, pt, secs)
		}
		return err
	}

	return r.persistRoots(meta, pt, secs)
}

// applyDelete removes a document and every secondary index entry
// pointing at it.
func (r *recordStore) applyDelete(id int64, fields map[string]fieldValue) error {
	meta, err := r.meta()
	if err != nil {
		return err
	}

	pt := r.primary(meta)
	secs := r.secondaries(meta)
	loc, ok, err := pt.Search(id)
	if err != nil {
		return err
	}
	if !ok {
		return wrapErr(ErrNotFound, withCollection(r.name), withID(id), withOp("delete"))
	}

	for i, idx := range meta.Indexes {
		key, _, err := encodeIndexKey(idx, fields)
		if err != nil {
			return err
		}
		if _, err := secs[i].Delete(key, id); err != nil {
			return err
		}
	}

	if _, err := pt.Delete(id); err != nil {
		return err
	}
	if err := docstore.Delete(r.t, r.t.FSM(), loc); err != nil {
		return err
	}

	return r.persistRoots(meta, pt, secs)
}

// persistRoots writes back the primary tree's (possibly new, after a
// split/merge) root page id and every secondary tree's root page id into
// the catalog, then flushes it. Tree height changes are the reason this
// must happen after every mutating operation, not just at collection
// creation.
func (r *recordStore) persistRoots(meta catalog.CollectionMeta, pt *btree.Primary, secs []*btree.Secondary) error {
	meta.PrimaryRoot = pt.RootID()
	for i := range meta.Indexes {
		meta.Indexes[i].RootPage = secs[i].RootID()
	}
	r.cat.Put(meta)
	return r.cat.Flush()
}

// growSchema persists newly-discovered dynamic fields (spec.md §9's
// implicit schema growth) before the write that introduced them is
// applied.
func (r *recordStore) growSchema(extra []catalog.FieldSchema) error {
	if len(extra) == 0 {
		return nil
	}
	meta, err := r.meta()
	if err != nil {
		return err
	}
	meta.Fields = append(meta.Fields, extra...)
	r.cat.Put(meta)
	return r.cat.Flush()
}
