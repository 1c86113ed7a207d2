package galdrdb

import (
	"encoding/json"

	"github.com/galdrdb/galdrdb/internal/btree"
	"github.com/galdrdb/galdrdb/internal/catalog"
	"github.com/galdrdb/galdrdb/internal/docstore"
)

// Schema is [Db.Schema]'s handle for inspecting and managing a
// database's collections and indexes without going through a typed or
// dynamic collection handle (spec.md §4.10's schema-management surface).
type Schema struct {
	db *Db
}

// CollectionInfo summarizes one collection's declared shape.
type CollectionInfo struct {
	Name    string
	Fields  []catalog.FieldSchema
	Indexes []IndexSpec
	Count   int64 // NextID - 1; an upper bound on live documents, since deletes do not reclaim ids
}

// Collections lists every collection currently known to the database.
func (s *Schema) Collections() []string {
	return s.db.cat.Names()
}

// GetCollectionInfo returns name's declared fields, indexes, and
// approximate document count.
func (s *Schema) GetCollectionInfo(name string) (CollectionInfo, bool) {
	meta, ok := s.db.cat.Get(name)
	if !ok {
		return CollectionInfo{}, false
	}
	return CollectionInfo{
		Name:    meta.Name,
		Fields:  meta.Fields,
		Indexes: fromCatalogIndexes(meta.Indexes),
		Count:   meta.NextID - 1,
	}, true
}

// GetIndexes returns the indexes declared on a collection.
func (s *Schema) GetIndexes(collection string) ([]IndexSpec, error) {
	meta, ok := s.db.cat.Get(collection)
	if !ok {
		return nil, wrapErr(ErrNotFound, withCollection(collection), withOp("get_indexes"))
	}
	return fromCatalogIndexes(meta.Indexes), nil
}

// EnsureCollection creates collection if it does not already exist,
// with the given fields and indexes, matching the auto-creation every
// write path performs on first insert (spec.md §4.10). It is a no-op if
// the collection already exists.
func (s *Schema) EnsureCollection(name string, fields []catalog.FieldSchema, indexes []IndexSpec) error {
	return s.db.withTx(func(tx *Transaction) error {
		_, err := ensureCollection(tx, name, fields, indexes)
		return err
	})
}

// CreateIndex adds a new secondary index to an existing collection and
// backfills it from every currently stored document.
func (s *Schema) CreateIndex(collection string, spec IndexSpec) error {
	return s.db.withTx(func(tx *Transaction) error {
		meta, ok := tx.db.cat.Get(collection)
		if !ok {
			return wrapErr(ErrNotFound, withCollection(collection), withOp("create_index"))
		}
		if _, exists := meta.FindIndex(spec.Name); exists {
			return wrapErr(ErrInvalidArgument, withCollection(collection), withOp("create_index:"+spec.Name))
		}

		// The root page is scaffolded outside the transaction (see
		// ensureCollection); the backfill itself runs through it, so a
		// failed backfill rolls back to an empty, unreferenced tree.
		root, err := btree.CreateEmptySecondary(tx.db.direct(), btree.DefaultAverageKeySize)
		if err != nil {
			return err
		}
		kind := catalog.IndexSingle
		if len(spec.Fields) > 1 {
			kind = catalog.IndexCompound
		}
		catIdx := catalog.IndexSpec{
			Name:       spec.Name,
			Kind:       kind,
			Fields:     append([]string{}, spec.Fields...),
			Unique:     spec.Unique,
			RootPage:   root,
			AvgKeySize: btree.DefaultAverageKeySize,
		}

		sec := btree.NewSecondary(tx.txn, root, btree.DefaultAverageKeySize)
		pt := btree.NewPrimary(tx.txn, meta.PrimaryRoot, btree.DefaultOrder)
		err = pt.All(func(id int64, loc docstore.Location) (bool, error) {
			payload, err := docstore.Get(tx.txn, loc)
			if err != nil {
				return false, err
			}
			d := &Doc{}
			if err := json.Unmarshal(payload, d); err != nil {
				return false, err
			}
			fields, _ := dynFieldValues(meta, d)
			key, isNull, err := encodeIndexKey(catIdx, fields)
			if err != nil {
				return false, err
			}
			if isNull && catIdx.Unique {
				return true, nil
			}
			if err := sec.Insert(key, id, loc); err != nil {
				return false, err
			}
			return true, nil
		})
		if err != nil {
			return err
		}

		// Only a fully built index reaches the catalog; backfill splits
		// may have moved the tree's root.
		catIdx.RootPage = sec.RootID()
		meta.Indexes = append(meta.Indexes, catIdx)
		tx.db.cat.Put(meta)
		return tx.db.cat.Flush()
	})
}

// DropIndex removes a secondary index from a collection. The backing
// pages are abandoned rather than reclaimed, matching how a dropped
// collection's pages are handled until the next compaction (spec.md
// §4.10's "drop_index").
func (s *Schema) DropIndex(collection, indexName string) error {
	return s.db.withTx(func(tx *Transaction) error {
		meta, ok := tx.db.cat.Get(collection)
		if !ok {
			return wrapErr(ErrNotFound, withCollection(collection), withOp("drop_index"))
		}
		kept := meta.Indexes[:0]
		found := false
		for _, idx := range meta.Indexes {
			if idx.Name == indexName {
				found = true
				continue
			}
			kept = append(kept, idx)
		}
		if !found {
			return wrapErr(ErrNotFound, withCollection(collection), withOp("drop_index:"+indexName))
		}
		meta.Indexes = kept
		tx.db.cat.Put(meta)
		return tx.db.cat.Flush()
	})
}

func fromCatalogIndexes(specs []catalog.IndexSpec) []IndexSpec {
	out := make([]IndexSpec, len(specs))
	for i, s := range specs {
		out[i] = IndexSpec{Name: s.Name, Fields: append([]string{}, s.Fields...), Unique: s.Unique}
	}
	return out
}
