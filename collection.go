package galdrdb

import (
	"encoding/json"

	"github.com/galdrdb/galdrdb/internal/btree"
	"github.com/galdrdb/galdrdb/internal/catalog"
)

// ensureCollection returns name's catalog entry, creating it (an empty
// primary tree plus one empty secondary tree per declared index) the
// first time any record is written to it, per spec.md §4.10's "insert
// auto-creates the collection on first use, including declared indexes".
//
// The scaffolding goes through the database's direct page source, not
// the transaction: the catalog entry persists immediately (like id
// allocation does), so the root pages it references must survive a
// rollback of the enclosing transaction. A rolled-back first insert
// leaves an empty collection behind, not a corrupt one.
func ensureCollection(tx *Transaction, name string, fields []catalog.FieldSchema, indexes []IndexSpec) (catalog.CollectionMeta, error) {
	if meta, ok := tx.db.cat.Get(name); ok {
		return meta, nil
	}

	primaryRoot, err := btree.CreateEmpty(tx.db.direct())
	if err != nil {
		return catalog.CollectionMeta{}, err
	}

	catIndexes := make([]catalog.IndexSpec, len(indexes))
	for i, spec := range indexes {
		kind := catalog.IndexSingle
		if len(spec.Fields) > 1 {
			kind = catalog.IndexCompound
		}
		root, err := btree.CreateEmptySecondary(tx.db.direct(), btree.DefaultAverageKeySize)
		if err != nil {
			return catalog.CollectionMeta{}, err
		}
		catIndexes[i] = catalog.IndexSpec{
			Name:       spec.Name,
			Kind:       kind,
			Fields:     append([]string{}, spec.Fields...),
			Unique:     spec.Unique,
			RootPage:   root,
			AvgKeySize: btree.DefaultAverageKeySize,
		}
	}

	meta := catalog.CollectionMeta{
		Name:        name,
		PrimaryRoot: primaryRoot,
		NextID:      1,
		Fields:      fields,
		Indexes:     catIndexes,
	}
	tx.db.cat.Put(meta)
	if err := tx.db.cat.Flush(); err != nil {
		return catalog.CollectionMeta{}, err
	}
	return meta, nil
}

// Collection is the typed façade over one document collection (spec.md
// §4.10), backed by a [TypeInfo] describing how to get/set T's id and
// fields and how to serialize it. Obtain one with [CollectionOf].
type Collection[T any] struct {
	db *Db
	ti TypeInfo[T]
}

// CollectionOf returns a typed handle to the collection ti describes.
// Go methods cannot introduce new type parameters, so this is a package
// function rather than a [Db] method.
func CollectionOf[T any](db *Db, ti TypeInfo[T]) *Collection[T] {
	return &Collection[T]{db: db, ti: ti}
}

// Insert serializes v, assigns it the next id in this collection, and
// commits the write in its own transaction.
func (c *Collection[T]) Insert(v *T) (int64, error) {
	var id int64
	err := c.db.withTx(func(tx *Transaction) error {
		got, err := c.InsertTx(tx, v)
		id = got
		return err
	})
	return id, err
}

// InsertTx stages v's insert inside an already-open transaction; the
// write becomes visible to other transactions only once tx commits.
func (c *Collection[T]) InsertTx(tx *Transaction, v *T) (int64, error) {
	if _, err := ensureCollection(tx, c.ti.CollectionName, toCatalogFields(c.ti.Fields), c.ti.Indexes); err != nil {
		return 0, err
	}

	// An explicit pre-set id is honored: it advances the next-id
	// watermark but never overwrites a live record (a collision surfaces
	// at commit). A zero id gets the next one.
	id := c.ti.GetID(v)
	if id == 0 {
		next, err := tx.nextID(c.ti.CollectionName)
		if err != nil {
			return 0, err
		}
		id = next
		c.ti.SetID(v, id)
	} else if err := tx.db.cat.BumpNextID(c.ti.CollectionName, id); err != nil {
		return 0, err
	}

	payload, err := c.ti.Serialize(v)
	if err != nil {
		return 0, wrapErr(err, withCollection(c.ti.CollectionName), withID(id), withOp("insert"))
	}
	tx.stageInsert(c.ti.CollectionName, id, payload, typedFieldValues(c.ti, v))
	return id, nil
}

// GetByID returns the record with id, or found=false if none exists.
func (c *Collection[T]) GetByID(id int64) (record *T, found bool, err error) {
	tx, err := c.db.BeginReadOnlyTransaction()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()
	return c.GetByIDTx(tx, id)
}

// GetByIDTx is [Collection.GetByID] against an already-open transaction,
// honoring that transaction's own uncommitted writes.
func (c *Collection[T]) GetByIDTx(tx *Transaction, id int64) (record *T, found bool, err error) {
	payload, found, err := tx.get(c.ti.CollectionName, id)
	if err != nil || !found {
		return nil, found, err
	}
	v, err := c.ti.Deserialize(payload)
	if err != nil {
		return nil, false, wrapErr(err, withCollection(c.ti.CollectionName), withID(id), withOp("get"))
	}
	return v, true, nil
}

// Replace overwrites the stored record sharing v's id, reporting false
// if no such record exists.
func (c *Collection[T]) Replace(v *T) (bool, error) {
	var ok bool
	err := c.db.withTx(func(tx *Transaction) error {
		got, err := c.ReplaceTx(tx, v)
		ok = got
		return err
	})
	return ok, err
}

// ReplaceTx is [Collection.Replace] against an already-open transaction.
// Commit re-checks the document's version against what was current when
// this call was made, so a concurrent replace of the same id fails one
// of the two transactions with [ErrWriteConflict].
func (c *Collection[T]) ReplaceTx(tx *Transaction, v *T) (bool, error) {
	id := c.ti.GetID(v)
	oldPayload, found, err := tx.get(c.ti.CollectionName, id)
	if err != nil || !found {
		return false, err
	}
	oldVal, err := c.ti.Deserialize(oldPayload)
	if err != nil {
		return false, err
	}

	payload, err := c.ti.Serialize(v)
	if err != nil {
		return false, wrapErr(err, withCollection(c.ti.CollectionName), withID(id), withOp("replace"))
	}

	tx.stageReplace(c.ti.CollectionName, id, typedFieldValues(c.ti, oldVal), typedFieldValues(c.ti, v), payload)
	return true, nil
}

// DeleteByID removes the record with id, reporting false if it did not
// exist.
func (c *Collection[T]) DeleteByID(id int64) (bool, error) {
	var ok bool
	err := c.db.withTx(func(tx *Transaction) error {
		got, err := c.DeleteByIDTx(tx, id)
		ok = got
		return err
	})
	return ok, err
}

// DeleteByIDTx is [Collection.DeleteByID] against an already-open
// transaction.
func (c *Collection[T]) DeleteByIDTx(tx *Transaction, id int64) (bool, error) {
	payload, found, err := tx.get(c.ti.CollectionName, id)
	if err != nil || !found {
		return false, err
	}
	oldVal, err := c.ti.Deserialize(payload)
	if err != nil {
		return false, err
	}
	tx.stageDelete(c.ti.CollectionName, id, typedFieldValues(c.ti, oldVal))
	return true, nil
}

// Query starts a fluent query against this collection, auto-committing
// any reads in their own read-only transaction.
func (c *Collection[T]) Query() *QueryBuilder[T] {
	return &QueryBuilder[T]{col: c}
}

// QueryTx starts a fluent query that reads through tx, observing its
// own uncommitted writes.
func (c *Collection[T]) QueryTx(tx *Transaction) *QueryBuilder[T] {
	return &QueryBuilder[T]{col: c, tx: tx}
}

// UpdateBuilder is [Collection.UpdateByID]'s fluent partial-update
// builder: only the fields named via Set are touched, and only their
// secondary index entries are rewritten.
type UpdateBuilder[T any] struct {
	col *Collection[T]
	id  int64
	set map[string]any
}

// UpdateByID begins a partial update of the record with id.
func (c *Collection[T]) UpdateByID(id int64) *UpdateBuilder[T] {
	return &UpdateBuilder[T]{col: c, id: id, set: make(map[string]any)}
}

// Set stages field's new value. Calling Set again for the same field
// before Execute overwrites the earlier value.
func (u *UpdateBuilder[T]) Set(field string, value any) *UpdateBuilder[T] {
	u.set[field] = value
	return u
}

// Execute applies every staged Set in its own transaction, reporting
// false if the record no longer exists.
func (u *UpdateBuilder[T]) Execute() (bool, error) {
	var ok bool
	err := u.col.db.withTx(func(tx *Transaction) error {
		got, err := u.ExecuteTx(tx)
		ok = got
		return err
	})
	return ok, err
}

// ExecuteTx is [UpdateBuilder.Execute] against an already-open
// transaction.
func (u *UpdateBuilder[T]) ExecuteTx(tx *Transaction) (bool, error) {
	payload, found, err := tx.get(u.col.ti.CollectionName, u.id)
	if err != nil || !found {
		return false, err
	}
	v, err := u.col.ti.Deserialize(payload)
	if err != nil {
		return false, err
	}
	oldFields := typedFieldValues(u.col.ti, v)

	for _, f := range u.col.ti.Fields {
		newVal, touched := u.set[f.Name]
		if !touched || f.Set == nil {
			continue
		}
		f.Set(v, newVal)
	}

	newPayload, err := u.col.ti.Serialize(v)
	if err != nil {
		return false, err
	}
	tx.stageReplace(u.col.ti.CollectionName, u.id, oldFields, typedFieldValues(u.col.ti, v), newPayload)
	return true, nil
}

// DynCollection is the schema-less façade over one document collection,
// accepting and returning [Doc] instead of a typed T (spec.md §4.10's
// "…Dynamic" operations, rendered here as a distinct receiver type rather
// than a method-name suffix). Obtain one with [Db.Collection].
type DynCollection struct {
	db      *Db
	name    string
	indexes []IndexSpec
}

// Insert stores d as a new document, assigning it the next id.
func (c *DynCollection) Insert(d *Doc) (int64, error) {
	var id int64
	err := c.db.withTx(func(tx *Transaction) error {
		got, err := c.InsertTx(tx, d)
		id = got
		return err
	})
	return id, err
}

// InsertTx is [DynCollection.Insert] against an already-open
// transaction.
func (c *DynCollection) InsertTx(tx *Transaction, d *Doc) (int64, error) {
	meta, err := ensureCollection(tx, c.name, nil, c.indexes)
	if err != nil {
		return 0, err
	}

	id := d.ID
	if id == 0 {
		next, err := tx.nextID(c.name)
		if err != nil {
			return 0, err
		}
		id = next
		d.ID = id
	} else if err := tx.db.cat.BumpNextID(c.name, id); err != nil {
		return 0, err
	}

	fields, extra := dynFieldValues(meta, d)
	if err := tx.growSchema(c.name, extra); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return 0, wrapErr(err, withCollection(c.name), withID(id), withOp("insert"))
	}
	tx.stageInsert(c.name, id, payload, fields)
	return id, nil
}

// GetByID returns the document with id, or found=false if none exists.
func (c *DynCollection) GetByID(id int64) (doc *Doc, found bool, err error) {
	tx, err := c.db.BeginReadOnlyTransaction()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()
	return c.GetByIDTx(tx, id)
}

// GetByIDTx is [DynCollection.GetByID] against an already-open
// transaction.
func (c *DynCollection) GetByIDTx(tx *Transaction, id int64) (doc *Doc, found bool, err error) {
	payload, found, err := tx.get(c.name, id)
	if err != nil || !found {
		return nil, found, err
	}
	d := &Doc{}
	if err := json.Unmarshal(payload, d); err != nil {
		return nil, false, wrapErr(err, withCollection(c.name), withID(id), withOp("get"))
	}
	d.ID = id
	return d, true, nil
}

// Replace overwrites the stored document sharing d.ID.
func (c *DynCollection) Replace(d *Doc) (bool, error) {
	var ok bool
	err := c.db.withTx(func(tx *Transaction) error {
		got, err := c.ReplaceTx(tx, d)
		ok = got
		return err
	})
	return ok, err
}

// ReplaceTx is [DynCollection.Replace] against an already-open
// transaction.
func (c *DynCollection) ReplaceTx(tx *Transaction, d *Doc) (bool, error) {
	oldPayload, found, err := tx.get(c.name, d.ID)
	if err != nil || !found {
		return false, err
	}
	meta, err := tx.store(c.name).meta()
	if err != nil {
		return false, err
	}

	oldDoc := &Doc{}
	if err := json.Unmarshal(oldPayload, oldDoc); err != nil {
		return false, err
	}
	oldFields, _ := dynFieldValues(meta, oldDoc)
	newFields, extra := dynFieldValues(meta, d)
	if err := tx.growSchema(c.name, extra); err != nil {
		return false, err
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return false, wrapErr(err, withCollection(c.name), withID(d.ID), withOp("replace"))
	}
	tx.stageReplace(c.name, d.ID, oldFields, newFields, payload)
	return true, nil
}

// DeleteByID removes the document with id, reporting false if it did
// not exist.
func (c *DynCollection) DeleteByID(id int64) (bool, error) {
	var ok bool
	err := c.db.withTx(func(tx *Transaction) error {
		got, err := c.DeleteByIDTx(tx, id)
		ok = got
		return err
	})
	return ok, err
}

// DeleteByIDTx is [DynCollection.DeleteByID] against an already-open
// transaction.
func (c *DynCollection) DeleteByIDTx(tx *Transaction, id int64) (bool, error) {
	payload, found, err := tx.get(c.name, id)
	if err != nil || !found {
		return false, err
	}
	meta, err := tx.store(c.name).meta()
	if err != nil {
		return false, err
	}
	oldDoc := &Doc{}
	if err := json.Unmarshal(payload, oldDoc); err != nil {
		return false, err
	}
	oldFields, _ := dynFieldValues(meta, oldDoc)
	tx.stageDelete(c.name, id, oldFields)
	return true, nil
}

// Query starts a fluent query against this dynamic collection.
func (c *DynCollection) Query() *DynQueryBuilder {
	return &DynQueryBuilder{col: c}
}

// QueryTx starts a fluent query that reads through tx.
func (c *DynCollection) QueryTx(tx *Transaction) *DynQueryBuilder {
	return &DynQueryBuilder{col: c, tx: tx}
}

// DynUpdateBuilder is [DynCollection.UpdateByID]'s fluent partial-update
// builder.
type DynUpdateBuilder struct {
	col *DynCollection
	id  int64
	set map[string]any
}

// UpdateByID begins a partial update of the document with id.
func (c *DynCollection) UpdateByID(id int64) *DynUpdateBuilder {
	return &DynUpdateBuilder{col: c, id: id, set: make(map[string]any)}
}

// Set stages field's new value.
func (u *DynUpdateBuilder) Set(field string, value any) *DynUpdateBuilder {
	u.set[field] = value
	return u
}

// Execute applies every staged Set in its own transaction.
func (u *DynUpdateBuilder) Execute() (bool, error) {
	var ok bool
	err := u.col.db.withTx(func(tx *Transaction) error {
		got, err := u.ExecuteTx(tx)
		ok = got
		return err
	})
	return ok, err
}

// ExecuteTx is [DynUpdateBuilder.Execute] against an already-open
// transaction.
func (u *DynUpdateBuilder) ExecuteTx(tx *Transaction) (bool, error) {
	payload, found, err := tx.get(u.col.name, u.id)
	if err != nil || !found {
		return false, err
	}
	meta, err := tx.store(u.col.name).meta()
	if err != nil {
		return false, err
	}

	d := &Doc{}
	if err := json.Unmarshal(payload, d); err != nil {
		return false, err
	}
	d.ID = u.id
	oldFields, _ := dynFieldValues(meta, d)

	for name, v := range u.set {
		d.Set(name, v)
	}
	newFields, extra := dynFieldValues(meta, d)
	if err := tx.growSchema(u.col.name, extra); err != nil {
		return false, err
	}

	newPayload, err := json.Marshal(d)
	if err != nil {
		return false, err
	}
	tx.stageReplace(u.col.name, u.id, oldFields, newFields, newPayload)
	return true, nil
}
