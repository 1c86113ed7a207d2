// Package galdrdb is an embedded, single-file document database with
// ACID transactions, secondary indexes, and optional at-rest encryption.
//
// Records are stored in named collections, keyed by an auto-assigned
// integer id, and accessed through a typed API ([Collection]), a
// schema-less dynamic API ([DynCollection] / [Doc]), and a fluent query
// builder that uses B+-tree indexes when available and falls back to
// full scans.
package galdrdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/galdrdb/galdrdb/internal/catalog"
	"github.com/galdrdb/galdrdb/internal/page"
	"github.com/galdrdb/galdrdb/internal/pagemgr"
	"github.com/galdrdb/galdrdb/internal/txn"
	"github.com/galdrdb/galdrdb/internal/wal"
)

// cachePagesEnv optionally overrides [Config.CachePages].
const cachePagesEnv = "GALDRDB_CACHE_PAGES"

// Db is one open GaldrDb database. It is safe for concurrent use by
// multiple goroutines within a single process; concurrent access from
// multiple OS processes is prevented by an advisory file lock taken on
// [Create]/[Open].
type Db struct {
	path    string
	walPath string
	cfg     Config
	hooks   *Hooks

	file   *os.File
	raw    page.IO     // physical store: ciphertext when encrypted
	io     page.IO     // logical store the engine reads/writes (cached)
	cache  *page.Cache // same object as io, typed for Invalidate/Reset
	header page.Header

	fsm *pagemgr.Manager
	cat *catalog.Catalog
	wal *wal.WAL
	mgr *txn.Manager

	closed   atomic.Bool
	poisoned atomic.Bool
}

// Create initializes a brand-new database file at path. It fails if the
// file already exists.
func Create(path string, cfg Config) (*Db, error) {
	if err := validatePageSize(uint32(cfg.pageSize())); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, wrapErr(fmt.Errorf("%w: %s already exists", ErrInvalidArgument, path), withOp("create"))
		}
		return nil, wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("create"))
	}

	db, err := createOn(f, path, cfg)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return db, nil
}

func createOn(f *os.File, path string, cfg Config) (*Db, error) {
	if err := lockFile(f); err != nil {
		return nil, err
	}

	raw, logical, err := buildStack(f, cfg, cfg.pageSize(), true)
	if err != nil {
		return nil, err
	}

	cache := page.NewCache(logical, resolveCachePages(cfg))
	pageSize := cache.PageSize()

	maxPages := pagemgr.DefaultMaxPages
	bitmapPages := pagemgr.BitmapPages(maxPages, pageSize)
	fsmPages := pagemgr.FSMPages(maxPages, pageSize)
	catalogPages := uint32(catalog.DefaultPages)

	bitmapStart := page.ID(1)
	fsmStart := bitmapStart + page.ID(bitmapPages)
	catalogStart := fsmStart + page.ID(fsmPages)
	reserved := 1 + bitmapPages + fsmPages + catalogPages

	fsm := pagemgr.NewManager(cache, bitmapStart, bitmapPages, fsmStart, fsmPages, maxPages)
	fsm.InitEmpty(reserved)
	if err := fsm.Grow(cfg.expansionPageCount()); err != nil {
		return nil, wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("create"))
	}

	cat := catalog.New(cache, catalogStart, catalogPages)
	if err := cat.InitEmpty(); err != nil {
		return nil, wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("create"))
	}

	hdr := page.Header{
		Magic:        page.Magic,
		Version:      page.FormatVersion,
		PageSize:     uint32(cfg.pageSize()),
		TotalPages:   fsm.TotalPages(),
		BitmapStart:  uint32(bitmapStart),
		BitmapPages:  bitmapPages,
		FSMStart:     uint32(fsmStart),
		FSMPages:     fsmPages,
		CatalogStart: uint32(catalogStart),
		CatalogPages: catalogPages,
	}
	if cfg.useWAL() {
		hdr.Flags |= page.FlagWAL
	}
	if cfg.Encryption != nil {
		hdr.Flags |= page.FlagEncrypted
	}

	buf := make([]byte, pageSize)
	hdr.Encode(buf)
	if err := cache.WritePage(0, buf); err != nil {
		return nil, wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("create"))
	}

	if err := fsm.Flush(); err != nil {
		return nil, wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("create"))
	}
	if err := cache.Flush(); err != nil {
		return nil, wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("create"))
	}

	db := &Db{
		path:    path,
		walPath: path + ".wal",
		cfg:     cfg,
		hooks:   cfg.hooks(),
		file:    f,
		raw:     raw,
		io:      cache,
		cache:   cache,
		header:  hdr,
		fsm:     fsm,
		cat:     cat,
	}

	if cfg.useWAL() {
		w, err := wal.Open(db.walPath, raw.PageSize())
		if err != nil {
			return nil, wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("create"))
		}
		db.wal = w
	}

	db.mgr = txn.NewManager(txn.ManagerConfig{
		IO:             cache,
		FSM:            fsm,
		WAL:            db.wal,
		WALCapture:     raw,
		ExpansionPages: cfg.expansionPageCount(),
	})
	return db, nil
}

// Open opens an existing database file at path. The file's own header is
// authoritative for the page size; cfg.PageSize is ignored. If the
// database was created encrypted, cfg.Encryption must carry the correct
// password or Open fails with [ErrInvalidPassword].
func Open(path string, cfg Config) (*Db, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wrapErr(fmt.Errorf("%w: no database at %s", ErrInvalidArgument, path), withOp("open"))
		}
		return nil, wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("open"))
	}

	db, err := openOn(f, path, cfg)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return db, nil
}

func openOn(f *os.File, path string, cfg Config) (*Db, error) {
	if err := lockFile(f); err != nil {
		return nil, err
	}

	_, physSize, err := sniffFile(f, cfg)
	if err != nil {
		return nil, err
	}

	raw, logical, err := buildStack(f, cfg, physSize, false)
	if err != nil {
		return nil, err
	}

	// Replay any committed WAL tail into the physical store before
	// anything reads through it (spec.md §4.7). Replay failure is fatal
	// corruption; an incomplete trailing group is silently discarded.
	walPath := path + ".wal"
	var w *wal.WAL
	if _, statErr := os.Stat(walPath); statErr == nil || cfg.useWAL() {
		w, err = wal.Open(walPath, raw.PageSize())
		if err != nil {
			return nil, wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("open"))
		}
		if _, err := wal.Replay(w, raw.WritePage); err != nil {
			_ = w.Close()
			return nil, wrapErr(fmt.Errorf("%w: wal replay: %v", ErrCorruption, err), withOp("open"))
		}
		if err := raw.Flush(); err != nil {
			_ = w.Close()
			return nil, wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("open"))
		}
		if !cfg.useWAL() {
			_ = w.Close()
			w = nil
		}
	}

	cache := page.NewCache(logical, resolveCachePages(cfg))
	pageSize := cache.PageSize()

	buf := make([]byte, pageSize)
	if err := cache.ReadPage(0, buf); err != nil {
		return nil, openReadErr(err)
	}
	hdr := page.DecodeHeader(buf)
	if err := validateHeader(hdr, physSize); err != nil {
		return nil, err
	}

	totalPages := hdr.TotalPages
	if n, err := cache.NumPages(); err == nil && n > totalPages {
		totalPages = n
	}

	fsm := pagemgr.NewManager(cache, page.ID(hdr.BitmapStart), hdr.BitmapPages, page.ID(hdr.FSMStart), hdr.FSMPages, pagemgr.DefaultMaxPages)
	if err := fsm.Load(totalPages); err != nil {
		return nil, wrapErr(fmt.Errorf("%w: %v", ErrCorruption, err), withOp("open"))
	}

	cat := catalog.New(cache, page.ID(hdr.CatalogStart), hdr.CatalogPages)
	if err := cat.Load(); err != nil {
		return nil, wrapErr(fmt.Errorf("%w: %v", ErrCorruption, err), withOp("open"))
	}

	db := &Db{
		path:    path,
		walPath: walPath,
		cfg:     cfg,
		hooks:   cfg.hooks(),
		file:    f,
		raw:     raw,
		io:      cache,
		cache:   cache,
		header:  hdr,
		fsm:     fsm,
		cat:     cat,
		wal:     w,
	}
	db.mgr = txn.NewManager(txn.ManagerConfig{
		IO:             cache,
		FSM:            fsm,
		WAL:            w,
		WALCapture:     raw,
		ExpansionPages: cfg.expansionPageCount(),
	})
	return db, nil
}

// sniffFile inspects the file's leading bytes to decide whether it is
// encrypted and what its physical page size is, before any page store
// exists to read page 0 through.
func sniffFile(f *os.File, cfg Config) (encrypted bool, physSize page.Size, err error) {
	probe := make([]byte, page.HeaderSize)
	n, rerr := f.ReadAt(probe, 0)
	if rerr != nil && n < page.HeaderSize {
		return false, 0, wrapErr(fmt.Errorf("%w: file too short to be a GaldrDb database", ErrCorruption), withOp("open"))
	}

	switch {
	case page.DecodeCryptoHeader(probe).Magic == page.CryptoMagic:
		if cfg.Encryption == nil {
			return false, 0, wrapErr(fmt.Errorf("%w: database is encrypted and no password was supplied", ErrInvalidPassword), withOp("open"))
		}
		ch := page.DecodeCryptoHeader(probe)
		if err := validatePageSize(ch.PageSize); err != nil {
			return false, 0, wrapErr(fmt.Errorf("%w: crypto header page size %d", ErrCorruption, ch.PageSize), withOp("open"))
		}
		return true, page.Size(ch.PageSize), nil

	case page.DecodeHeader(probe).Magic == page.Magic:
		if cfg.Encryption != nil {
			return false, 0, wrapErr(fmt.Errorf("%w: database is not encrypted but a password was supplied", ErrInvalidArgument), withOp("open"))
		}
		hdr := page.DecodeHeader(probe)
		if err := validatePageSize(hdr.PageSize); err != nil {
			return false, 0, wrapErr(fmt.Errorf("%w: header page size %d", ErrCorruption, hdr.PageSize), withOp("open"))
		}
		return false, page.Size(hdr.PageSize), nil

	default:
		return false, 0, wrapErr(fmt.Errorf("%w: bad magic number", ErrCorruption), withOp("open"))
	}
}

// buildStack assembles the physical and logical page stores for f:
// Standard (or Mmap) underneath, AES-GCM encryption on top when
// configured. create selects between CreateEncrypted and OpenEncrypted.
func buildStack(f *os.File, cfg Config, physSize page.Size, create bool) (raw, logical page.IO, err error) {
	offset := int64(0)
	if cfg.Encryption != nil {
		offset = page.CryptoHeaderSize
	}

	std := page.NewStandardWithOffset(f, physSize, offset)
	raw = std
	// Mmap maps from offset 0, so it cannot back an encrypted file whose
	// pages start after the crypto header; encryption wins over UseMmap.
	if cfg.UseMmap && cfg.Encryption == nil {
		m, err := page.NewMmap(std)
		if err != nil {
			return nil, nil, wrapErr(fmt.Errorf("%w: mmap: %v", ErrIO, err), withOp("open"))
		}
		raw = m
	}

	if cfg.Encryption == nil {
		return raw, raw, nil
	}

	var enc *page.Encrypted
	if create {
		enc, err = page.CreateEncrypted(f, raw, cfg.Encryption.Password, cfg.kdfIterations())
	} else {
		enc, err = page.OpenEncrypted(f, raw, cfg.Encryption.Password)
	}
	if err != nil {
		if errors.Is(err, page.ErrInvalidPassword) {
			return nil, nil, wrapErr(ErrInvalidPassword, withOp("open"))
		}
		return nil, nil, wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("open"))
	}
	return raw, enc, nil
}

func validatePageSize(size uint32) error {
	if size < uint32(page.MinSize) || size&(size-1) != 0 {
		return wrapErr(fmt.Errorf("%w: page size %d (must be a power of two >= %d)", ErrInvalidArgument, size, page.MinSize), withOp("config"))
	}
	return nil
}

func validateHeader(hdr page.Header, physSize page.Size) error {
	if hdr.Magic != page.Magic {
		return wrapErr(fmt.Errorf("%w: bad magic number", ErrCorruption), withOp("open"))
	}
	if hdr.Version != page.FormatVersion {
		return wrapErr(fmt.Errorf("%w: unsupported format version %d", ErrCorruption, hdr.Version), withOp("open"))
	}
	if hdr.PageSize != uint32(physSize) {
		return wrapErr(fmt.Errorf("%w: header page size %d does not match file page size %d", ErrCorruption, hdr.PageSize, physSize), withOp("open"))
	}
	return nil
}

func openReadErr(err error) error {
	if errors.Is(err, page.ErrInvalidPassword) {
		return wrapErr(ErrInvalidPassword, withOp("open"))
	}
	return wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("open"))
}

func resolveCachePages(cfg Config) int {
	if cfg.CachePages == 0 {
		if s := os.Getenv(cachePagesEnv); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				return n
			}
		}
	}
	return cfg.cachePages()
}

func lockFile(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return wrapErr(fmt.Errorf("%w: database is locked by another process", ErrIO), withOp("open"))
	}
	return nil
}

// directSource is a [pager.Source] that bypasses transactional undo:
// collection and index scaffolding (empty tree roots) is created through
// it so a later rollback cannot zero out pages the already-flushed
// catalog references. It shares the catalog's non-transactional
// simplification; durability arrives with the next store flush.
type directSource struct{ db *Db }

func (s directSource) PageSize() page.Size { return s.db.io.PageSize() }

func (s directSource) ReadPage(id page.ID) ([]byte, error) {
	buf := make([]byte, s.db.io.PageSize())
	if err := s.db.io.ReadPage(id, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s directSource) WritePage(id page.ID, buf []byte) error {
	return s.db.io.WritePage(id, buf)
}

func (s directSource) Allocate(hint page.ID) (page.ID, error) {
	id, err := s.db.fsm.Allocate(hint)
	if errors.Is(err, pagemgr.ErrNoFreeSpace) {
		if growErr := s.db.fsm.Grow(s.db.cfg.expansionPageCount()); growErr != nil {
			return 0, growErr
		}
		id, err = s.db.fsm.Allocate(hint)
	}
	return id, err
}

func (s directSource) Free(id page.ID) error { return s.db.fsm.Free(id) }

func (db *Db) direct() directSource { return directSource{db} }

// ok gates every public operation on the handle's lifecycle state.
func (db *Db) ok() error {
	if db.closed.Load() {
		return wrapErr(ErrClosed, withOp("db"))
	}
	if db.poisoned.Load() {
		return wrapErr(fmt.Errorf("%w: handle poisoned; reopen the database", ErrCorruption), withOp("db"))
	}
	return nil
}

// Path returns the database file's path.
func (db *Db) Path() string { return db.path }

// Collection returns the schema-less handle for name. Declared indexes
// are created the first time a document is written to the collection.
func (db *Db) Collection(name string, indexes ...IndexSpec) *DynCollection {
	return &DynCollection{db: db, name: name, indexes: indexes}
}

// Schema returns the schema-inspection and index-management surface.
func (db *Db) Schema() *Schema { return &Schema{db: db} }

// BeginTransaction starts an explicit read-write transaction. The caller
// must end it with [Transaction.Commit] or [Transaction.Rollback];
// abandoning it without either leaves its buffered writes unapplied, the
// same outcome as an explicit rollback.
func (db *Db) BeginTransaction() (*Transaction, error) {
	if err := db.ok(); err != nil {
		return nil, err
	}
	return newTransaction(db, db.mgr.Begin(txn.ReadWrite)), nil
}

// BeginReadOnlyTransaction starts an explicit read-only transaction.
// Within it, repeated reads of the same document observe identical
// payloads regardless of concurrent commits.
func (db *Db) BeginReadOnlyTransaction() (*Transaction, error) {
	if err := db.ok(); err != nil {
		return nil, err
	}
	return newTransaction(db, db.mgr.Begin(txn.ReadOnly)), nil
}

// withTx runs fn inside a fresh read-write transaction, committing on
// success and rolling back on error (the implicit-transaction path every
// one-shot facade operation uses).
func (db *Db) withTx(fn func(tx *Transaction) error) error {
	tx, err := db.BeginTransaction()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// afterCommit runs the post-commit bookkeeping shared by implicit and
// explicit transactions: conflict hooks, handle poisoning on fatal
// errors, and the auto-checkpoint threshold check.
func (db *Db) afterCommit(err error) {
	if err != nil {
		if errors.Is(err, ErrWriteConflict) || errors.Is(err, txn.ErrWriteConflict) {
			var e *Error
			if errors.As(err, &e) {
				db.hooks.conflict(e.Collection, e.ID)
			} else {
				db.hooks.conflict("", 0)
			}
		}
		if errors.Is(err, ErrCorruption) {
			db.poisoned.Store(true)
		}
		return
	}
	db.maybeAutoCheckpoint()
}

func (db *Db) maybeAutoCheckpoint() {
	if !db.cfg.AutoCheckpoint || db.wal == nil {
		return
	}
	size, err := db.wal.Size()
	if err != nil || size < db.cfg.walThreshold() {
		return
	}
	_ = db.Checkpoint()
}

// Checkpoint folds every committed WAL frame group into the main file,
// fsyncs it, and truncates the WAL, all under the global writer lock so
// no commit can interleave (spec.md §4.7). A no-op when the database
// runs without a WAL.
func (db *Db) Checkpoint() error {
	if err := db.ok(); err != nil {
		return err
	}
	if db.wal == nil {
		return nil
	}

	var walBytes int64
	var frames int
	err := db.mgr.Exclusive(func() error {
		size, err := db.wal.Size()
		if err != nil {
			return wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("checkpoint"))
		}
		walBytes = size

		// Checkpoint frames were captured from the physical store at
		// commit time, so rewriting them leaves logical cache contents
		// unchanged; no invalidation is needed.
		n, err := wal.ApplyCommitted(db.wal, db.raw.WritePage)
		if err != nil {
			if errors.Is(err, wal.ErrCorrupt) {
				db.poisoned.Store(true)
				return wrapErr(fmt.Errorf("%w: %v", ErrCorruption, err), withOp("checkpoint"))
			}
			return wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("checkpoint"))
		}
		frames = n

		if err := db.writeHeader(); err != nil {
			return err
		}

		// The main file must be durable before the WAL lets go of its
		// copy; truncating first would lose committed transactions if a
		// crash landed between the two.
		if err := db.raw.Flush(); err != nil {
			return wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("checkpoint"))
		}
		if err := db.wal.Truncate(); err != nil {
			return wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("checkpoint"))
		}
		return nil
	})
	if err != nil {
		return err
	}

	db.hooks.checkpoint(walBytes)
	db.hooks.pageFlush(frames)
	return nil
}

// CheckpointCtx is [Db.Checkpoint] with cancellation: a context already
// cancelled before the WAL fold starts aborts cleanly; once folding has
// begun the checkpoint runs to completion.
func (db *Db) CheckpointCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.Checkpoint()
}

// writeHeader rewrites page 0 with the current total-page count.
func (db *Db) writeHeader() error {
	buf := make([]byte, db.io.PageSize())
	if err := db.io.ReadPage(0, buf); err != nil {
		return wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("header"))
	}
	db.header.TotalPages = db.fsm.TotalPages()
	db.header.Encode(buf)
	if err := db.io.WritePage(0, buf); err != nil {
		return wrapErr(fmt.Errorf("%w: %v", ErrIO, err), withOp("header"))
	}
	return nil
}

// Info summarizes the open database for diagnostics and the CLI.
type Info struct {
	Path           string
	PageSize       uint32
	TotalPages     uint32
	AllocatedPages uint
	WALBytes       int64
	Encrypted      bool
	Collections    []string
}

// Info reports the database's current shape.
func (db *Db) Info() (Info, error) {
	if err := db.ok(); err != nil {
		return Info{}, err
	}
	info := Info{
		Path:           db.path,
		PageSize:       db.header.PageSize,
		TotalPages:     db.fsm.TotalPages(),
		AllocatedPages: db.fsm.AllocatedCount(),
		Encrypted:      db.header.Flags&page.FlagEncrypted != 0,
		Collections:    db.cat.Names(),
	}
	if db.wal != nil {
		if size, err := db.wal.Size(); err == nil {
			info.WALBytes = size
		}
	}
	return info, nil
}

// Close flushes and releases the database. Further operations on the
// handle fail with [ErrClosed]. Close is idempotent.
func (db *Db) Close() error {
	if db.closed.Swap(true) {
		return nil
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(db.mgr.Exclusive(func() error {
		if err := db.fsm.Flush(); err != nil {
			return err
		}
		if err := db.writeHeader(); err != nil {
			return err
		}
		return db.io.Flush()
	}))

	if db.wal != nil {
		keep(db.wal.Close())
	}
	_ = unix.Flock(int(db.file.Fd()), unix.LOCK_UN)
	keep(db.io.Close())

	if firstErr != nil {
		return wrapErr(fmt.Errorf("%w: %v", ErrIO, firstErr), withOp("close"))
	}
	return nil
}
