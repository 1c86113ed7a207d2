package galdrdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/galdrdb/galdrdb/internal/catalog"
	"github.com/galdrdb/galdrdb/internal/txn"
)

// Transaction is a handle for a sequence of reads and writes against a
// [Db], isolated from other transactions by snapshot reads and OCC writes
// (spec.md §4.8). Writes are buffered in memory as they are made and only
// applied to the underlying B+-trees and docstore atomically, under one
// held writer lock, when [Transaction.Commit] is called — so a
// transaction that never commits leaves no physical trace beyond the ids
// it consumed and any fields it added to a dynamic collection's schema.
//
// A Transaction is not safe for concurrent use by multiple goroutines.
type Transaction struct {
	db  *Db
	txn *txn.Txn

	keys  []writeKey
	ops   map[writeKey]recordOp
	reads map[writeKey]readResult
}

type writeKey struct {
	collection string
	id         int64
}

// readResult caches a document's read inside this transaction. Snapshot
// visibility itself comes from [txn.Txn.SnapshotRead]; the cache just
// spares repeated reconstruction and page reads for ids already seen.
type readResult struct {
	payload []byte
	found   bool
}

func newTransaction(db *Db, t *txn.Txn) *Transaction {
	return &Transaction{
		db:    db,
		txn:   t,
		ops:   make(map[writeKey]recordOp),
		reads: make(map[writeKey]readResult),
	}
}

// ReadOnly reports whether this transaction may not write.
func (tx *Transaction) ReadOnly() bool { return tx.txn.Mode() == txn.ReadOnly }

func (tx *Transaction) store(collection string) *recordStore {
	return newRecordStore(tx.txn, tx.db.cat, collection)
}

// nextID allocates the next document id for collection. Id allocation is
// not part of the deferred write set: it persists immediately, the same
// simplification the catalog already makes for collection/index creation
// (see DESIGN.md).
func (tx *Transaction) nextID(collection string) (int64, error) {
	return tx.db.cat.NextID(collection)
}

// get returns the payload for id visible to this transaction: its own
// uncommitted writes first (read-your-writes), then the document's state
// as of the transaction's snapshot — reconstructed from the manager's
// version history when a newer commit has since changed it — and only
// then the current page state.
func (tx *Transaction) get(collection string, id int64) (payload []byte, found bool, err error) {
	key := writeKey{collection, id}
	if op, ok := tx.ops[key]; ok {
		switch op.kind {
		case opDelete:
			return nil, false, nil
		case opInsert, opReplace:
			return op.payload, true, nil
		}
	}
	if r, ok := tx.reads[key]; ok {
		return r.payload, r.found, nil
	}

	dk := txn.DocKey{Collection: collection, ID: id}
	if payload, deleted, ok := tx.txn.SnapshotRead(dk); ok {
		if deleted {
			tx.reads[key] = readResult{}
			return nil, false, nil
		}
		tx.reads[key] = readResult{payload: payload, found: true}
		return payload, true, nil
	}

	payload, err = tx.store(collection).get(id)
	if err != nil {
		if isNotFound(err) {
			tx.reads[key] = readResult{}
			return nil, false, nil
		}
		return nil, false, err
	}
	tx.reads[key] = readResult{payload: payload, found: true}
	return payload, true, nil
}

func isNotFound(err error) bool {
	var gErr *Error
	if e, ok := err.(*Error); ok {
		gErr = e
	}
	return gErr != nil && gErr.Err == ErrNotFound
}

// stageInsert buffers an insert of a brand-new document. expected is left
// zero: a concurrent transaction inserting the same id is instead caught
// at apply time as a primary-key collision ([ErrUniqueViolation]).
func (tx *Transaction) stageInsert(collection string, id int64, payload []byte, fields map[string]fieldValue) {
	tx.stage(collection, id, recordOp{kind: opInsert, id: id, payload: payload, fields: fields})
}

// stageReplace buffers a replace of an existing document. It captures
// the version of the document this transaction's snapshot showed it —
// the version it believes it is modifying — as the expectation
// [Transaction.Commit] re-checks at commit time, implementing optimistic
// concurrency control: if any transaction has committed a newer version
// by then, commit fails with [ErrWriteConflict].
func (tx *Transaction) stageReplace(collection string, id int64, oldFields, newFields map[string]fieldValue, payload []byte) {
	expected := tx.txn.VersionAt(txn.DocKey{Collection: collection, ID: id})
	tx.stage(collection, id, recordOp{
		kind: opReplace, id: id, payload: payload,
		fields: newFields, oldFields: oldFields, expected: expected,
	})
}

// stageDelete buffers a delete of an existing document, capturing its
// snapshot version the same way [Transaction.stageReplace] does.
func (tx *Transaction) stageDelete(collection string, id int64, oldFields map[string]fieldValue) {
	expected := tx.txn.VersionAt(txn.DocKey{Collection: collection, ID: id})
	tx.stage(collection, id, recordOp{kind: opDelete, id: id, oldFields: oldFields, expected: expected})
}

func (tx *Transaction) stage(collection string, id int64, next recordOp) {
	key := writeKey{collection, id}
	prior, had := tx.ops[key]
	var priorPtr *recordOp
	if had {
		priorPtr = &prior
	} else {
		tx.keys = append(tx.keys, key)
	}

	merged, ok := coalesce(priorPtr, next)
	if !ok {
		delete(tx.ops, key)
		return
	}
	tx.ops[key] = merged
}

// growSchema persists a dynamic collection's newly-observed fields
// immediately, ahead of commit, the same non-transactional simplification
// [Transaction.nextID] makes for id allocation.
func (tx *Transaction) growSchema(collection string, extra []catalog.FieldSchema) error {
	return tx.store(collection).growSchema(extra)
}

// Commit validates and applies every buffered write under the manager's
// single global writer lock, then durably commits via the WAL (spec.md
// §4.7, §5). A read-only transaction, or one with no buffered writes,
// commits without taking the writer lock at all.
func (tx *Transaction) Commit() error {
	err := tx.commit()
	tx.db.afterCommit(err)
	return err
}

// CommitCtx is [Transaction.Commit] preceded by a cancellation check: a
// context already cancelled when CommitCtx is called rolls the
// transaction back and returns ctx's error. ctx is not consulted after
// that; a cancellation that arrives once Commit has started, including
// before the WAL commit record is written, has no effect.
func (tx *Transaction) CommitCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// mapTxnErr converts the internal transaction package's sentinels into
// the public ones, so callers can match with errors.Is against this
// package's exported errors.
func mapTxnErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, txn.ErrTransactionEnded):
		return wrapErr(ErrTransactionEnded, withOp("txn"))
	case errors.Is(err, txn.ErrWriteConflict):
		return wrapErr(ErrWriteConflict, withOp("txn"))
	case errors.Is(err, txn.ErrReadOnly):
		return wrapErr(fmt.Errorf("%w: write attempted on a read-only transaction", ErrInvalidArgument), withOp("txn"))
	default:
		return err
	}
}

func (tx *Transaction) commit() error {
	if tx.ReadOnly() || len(tx.ops) == 0 {
		return mapTxnErr(tx.txn.Commit())
	}

	validate := func() error {
		for _, key := range tx.keys {
			op, ok := tx.ops[key]
			if !ok {
				continue
			}
			if op.kind != opInsert {
				dk := txn.DocKey{Collection: key.collection, ID: key.id}
				if err := tx.txn.CheckVersion(dk, op.expected); err != nil {
					return wrapErr(ErrWriteConflict, withCollection(key.collection), withID(key.id), withOp("commit"))
				}
			}
			if op.kind == opInsert || op.kind == opReplace {
				meta, err := tx.store(key.collection).meta()
				if err != nil {
					return err
				}
				if err := tx.store(key.collection).validateUnique(meta, key.id, op.fields); err != nil {
					return err
				}
			}
		}
		return nil
	}

	apply := func() error {
		for _, key := range tx.keys {
			op, ok := tx.ops[key]
			if !ok {
				continue
			}
			s := tx.store(key.collection)
			dk := txn.DocKey{Collection: key.collection, ID: key.id}

			// The pre-write state is captured into the version history
			// once per document, so snapshots older than this commit can
			// still reconstruct it.
			err := tx.txn.EnsureBaseVersion(dk, func() ([]byte, bool, error) {
				payload, err := s.get(key.id)
				if err != nil {
					if isNotFound(err) {
						return nil, false, nil
					}
					return nil, false, err
				}
				return payload, true, nil
			})
			if err != nil {
				return err
			}

			switch op.kind {
			case opInsert:
				err = s.applyInsert(key.id, op.payload, op.fields)
			case opReplace:
				err = s.applyReplace(key.id, op.payload, op.oldFields, op.fields)
			case opDelete:
				err = s.applyDelete(key.id, op.oldFields)
			}
			if err != nil {
				return err
			}

			if op.kind == opDelete {
				tx.txn.RecordVersion(dk, nil, true)
			} else {
				tx.txn.RecordVersion(dk, op.payload, false)
			}
			tx.txn.BumpVersion(dk)
		}
		return nil
	}

	return mapTxnErr(tx.txn.CommitChecked(validate, apply))
}

// Rollback discards every buffered write and any physical pages this
// transaction touched. Rolling back a transaction that has already ended
// is a no-op.
func (tx *Transaction) Rollback() error {
	return tx.txn.Rollback()
}
