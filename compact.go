package galdrdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/natefinch/atomic"

	"github.com/galdrdb/galdrdb/internal/btree"
	"github.com/galdrdb/galdrdb/internal/docstore"
)

// CompactResult reports what [Db.CompactTo] accomplished.
type CompactResult struct {
	// Collections is how many collections were copied.
	Collections int

	// DocumentsCopied is the total number of live documents written to
	// the target file.
	DocumentsCopied int64

	// TargetFileSize is the rebuilt file's size in bytes.
	TargetFileSize int64

	// BytesSaved is the source file size minus TargetFileSize. Negative
	// when the source was already denser than a fresh rebuild (rare, but
	// possible for a database that never deleted anything).
	BytesSaved int64
}

// CompactTo rebuilds the database into a fresh file at targetPath,
// copying only live documents and rebuilding every index from scratch,
// then atomically moves the rebuilt file into place. Tombstoned slots,
// abandoned index pages, and allocator fragmentation do not survive the
// copy. The source database stays open and untouched.
//
// The rebuilt file inherits the source's page size, WAL setting, and
// encryption (same password); open it with the same [Config].
func (db *Db) CompactTo(targetPath string) (CompactResult, error) {
	if err := db.ok(); err != nil {
		return CompactResult{}, err
	}
	if targetPath == "" || targetPath == db.path {
		return CompactResult{}, wrapErr(fmt.Errorf("%w: compact target %q", ErrInvalidArgument, targetPath), withOp("compact"))
	}

	tmpPath := targetPath + ".compacting"
	_ = os.Remove(tmpPath)
	_ = os.Remove(tmpPath + ".wal")

	dstCfg := db.cfg
	dstCfg.PageSize = db.header.PageSize
	dst, err := Create(tmpPath, dstCfg)
	if err != nil {
		return CompactResult{}, err
	}

	result, err := db.copyInto(dst)
	if err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		_ = os.Remove(tmpPath + ".wal")
		return CompactResult{}, err
	}

	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		_ = os.Remove(tmpPath + ".wal")
		return CompactResult{}, err
	}
	// The rebuilt main file is fully flushed; its WAL holds nothing the
	// file doesn't.
	_ = os.Remove(tmpPath + ".wal")

	if err := atomic.ReplaceFile(tmpPath, targetPath); err != nil {
		_ = os.Remove(tmpPath)
		return CompactResult{}, wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("compact"))
	}

	if fi, err := os.Stat(targetPath); err == nil {
		result.TargetFileSize = fi.Size()
	}
	if fi, err := os.Stat(db.path); err == nil {
		result.BytesSaved = fi.Size() - result.TargetFileSize
	}

	db.hooks.compact(result)
	return result, nil
}

// CompactToCtx is [Db.CompactTo] preceded by a cancellation check: ctx is
// consulted once, before the copy starts; a started copy runs to
// completion regardless of ctx.
func (db *Db) CompactToCtx(ctx context.Context, targetPath string) (CompactResult, error) {
	if err := ctx.Err(); err != nil {
		return CompactResult{}, err
	}
	return db.CompactTo(targetPath)
}

// copyInto streams every live document of every collection from db into
// dst, one commit per collection, preserving ids and the next-id
// watermark.
func (db *Db) copyInto(dst *Db) (CompactResult, error) {
	var result CompactResult

	src, err := db.BeginReadOnlyTransaction()
	if err != nil {
		return result, err
	}
	defer func() { _ = src.Rollback() }()

	for _, name := range db.cat.Names() {
		meta, ok := db.cat.Get(name)
		if !ok {
			continue
		}

		err := dst.withTx(func(tx *Transaction) error {
			if _, err := ensureCollection(tx, name, meta.Fields, fromCatalogIndexes(meta.Indexes)); err != nil {
				return err
			}

			pt := btree.NewPrimary(src.txn, meta.PrimaryRoot, btree.DefaultOrder)
			return pt.All(func(id int64, loc docstore.Location) (bool, error) {
				payload, err := docstore.Get(src.txn, loc)
				if err != nil {
					return false, err
				}
				d := &Doc{}
				if err := json.Unmarshal(payload, d); err != nil {
					return false, wrapErr(fmt.Errorf("%w: document %d: %v", ErrCorruption, id, err), withCollection(name), withOp("compact"))
				}
				fields, _ := dynFieldValues(meta, d)
				tx.stageInsert(name, id, payload, fields)
				result.DocumentsCopied++
				return true, nil
			})
		})
		if err != nil {
			return result, err
		}

		if err := dst.cat.SetNextID(name, meta.NextID); err != nil {
			return result, wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withCollection(name), withOp("compact"))
		}
		result.Collections++
	}

	return result, nil
}
