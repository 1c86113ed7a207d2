package txn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/galdrdb/galdrdb/internal/page"
	"github.com/galdrdb/galdrdb/internal/pagemgr"
	"github.com/galdrdb/galdrdb/internal/wal"
)

// Mode is whether a transaction may write.
type Mode int

const (
	ReadWrite Mode = iota
	ReadOnly
)

// Status is a transaction handle's position in its lifecycle
// (spec.md §4.8: Active → (Commit | Rollback | Error) → Final).
type Status int

const (
	Active Status = iota
	Committed
	RolledBack
	Final
)

// Sentinel errors a caller can match with errors.Is. The root galdrdb
// package wraps these into its public *Error type.
var (
	ErrWriteConflict    = errors.New("txn: write conflict")
	ErrTransactionEnded = errors.New("txn: transaction already ended")
	ErrReadOnly         = errors.New("txn: write attempted on a read-only transaction")
)

// DocKey identifies one document across collections for version
// tracking.
type DocKey struct {
	Collection string
	ID         int64
}

// versionRecord is one committed state of a document, retained so active
// snapshots older than the commit can still reconstruct what they are
// entitled to see.
type versionRecord struct {
	txnID   uint64
	payload []byte
	deleted bool
}

// Manager is the shared transaction coordinator for one open database.
type Manager struct {
	rwMu sync.RWMutex // serializes physical mutation; readers hold briefly

	mu             sync.Mutex
	io             page.IO
	fsm            *pagemgr.Manager
	wal            *wal.WAL // nil when WAL is disabled
	walCapture     page.IO  // physical image source for WAL frames
	locks          *pagemgr.LockManager
	expansion      uint32
	nextTxnID      uint64
	committedTxnID uint64
	docVersions    map[DocKey]uint64

	// active maps every live transaction id to its snapshot id, bounding
	// how far back history must retain versions.
	active map[uint64]uint64

	// history holds, per document modified in this process, its committed
	// versions in ascending txn-id order. The first record is always the
	// document's pre-modification state (txn id 0 for data loaded from
	// disk), and the last record always matches the current page state.
	history map[DocKey][]versionRecord
}

// ManagerConfig wires a Manager to its database's storage stack.
type ManagerConfig struct {
	// IO is the logical page store every transaction reads and writes.
	IO page.IO

	// FSM is the database's page allocator.
	FSM *pagemgr.Manager

	// WAL may be nil when the database was opened without a write-ahead
	// log.
	WAL *wal.WAL

	// WALCapture is the IO whose page images are appended to the WAL at
	// commit. For an encrypted database this is the physical (ciphertext)
	// store beneath the encryption layer, so WAL frames are sealed with
	// the same key as the main file. Defaults to IO.
	WALCapture page.IO

	// ExpansionPages is how many pages the file grows by when the
	// allocator runs out of space.
	ExpansionPages uint32
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	capture := cfg.WALCapture
	if capture == nil {
		capture = cfg.IO
	}
	expansion := cfg.ExpansionPages
	if expansion == 0 {
		expansion = 32
	}
	return &Manager{
		io:          cfg.IO,
		fsm:         cfg.FSM,
		wal:         cfg.WAL,
		walCapture:  capture,
		locks:       pagemgr.NewLockManager(),
		expansion:   expansion,
		docVersions: make(map[DocKey]uint64),
		active:      make(map[uint64]uint64),
		history:     make(map[DocKey][]versionRecord),
	}
}

// Exclusive runs fn while holding the manager's global writer lock, the
// same lock Commit holds. Checkpoint uses it so no commit can interleave
// with folding the WAL into the main file (spec.md §4.7, §5).
func (m *Manager) Exclusive(fn func() error) error {
	m.rwMu.Lock()
	defer m.rwMu.Unlock()
	return fn()
}

// CommittedTxnID reports the highest transaction id currently visible
// to new snapshots.
func (m *Manager) CommittedTxnID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committedTxnID
}

// Begin starts a new transaction, capturing the current committed
// watermark as its snapshot id (spec.md §4.8).
func (m *Manager) Begin(mode Mode) *Txn {
	m.mu.Lock()
	m.nextTxnID++
	id := m.nextTxnID
	snapshot := m.committedTxnID
	m.active[id] = snapshot
	m.mu.Unlock()

	return &Txn{
		mgr:        m,
		mode:       mode,
		status:     Active,
		txnID:      id,
		snapshotID: snapshot,
		touched:    make(map[page.ID]bool),
	}
}

func (m *Manager) docVersion(key DocKey) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docVersions[key]
}

func (m *Manager) setDocVersion(key DocKey, v uint64) {
	m.mu.Lock()
	m.docVersions[key] = v
	m.mu.Unlock()
}

// endTxn deregisters a finished transaction and prunes version history
// no active snapshot can reach anymore.
func (m *Manager) endTxn(id uint64) {
	m.mu.Lock()
	delete(m.active, id)
	m.pruneLocked()
	m.mu.Unlock()
}

// dropTxnVersions removes every version record a rolled-back transaction
// appended before its apply phase failed: the page rollback restored the
// prior state, so those records describe writes that never committed.
func (m *Manager) dropTxnVersions(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, versions := range m.history {
		kept := versions[:0]
		for _, v := range versions {
			if v.txnID != id {
				kept = append(kept, v)
			}
		}
		switch {
		case len(kept) == 0:
			delete(m.history, key)
		case len(kept) != len(versions):
			m.history[key] = kept
		}
	}
}

// pruneLocked discards history below the oldest active snapshot. When a
// document's newest record is itself visible to every active snapshot,
// the current page state serves all readers and the entry is dropped
// entirely.
func (m *Manager) pruneLocked() {
	minSnapshot := m.committedTxnID
	for _, s := range m.active {
		if s < minSnapshot {
			minSnapshot = s
		}
	}

	for key, versions := range m.history {
		if versions[len(versions)-1].txnID <= minSnapshot {
			delete(m.history, key)
			continue
		}
		keep := 0
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i].txnID <= minSnapshot {
				keep = i
				break
			}
		}
		if keep > 0 {
			m.history[key] = append([]versionRecord{}, versions[keep:]...)
		}
	}
}

type undoKind int

const (
	undoWrite undoKind = iota
	undoAlloc
	undoFree
)

type undoEntry struct {
	kind   undoKind
	pageID page.ID
	image  []byte
}

// Txn is one transaction handle. It implements [pager.Source], so
// [internal/btree], [internal/slotted], and [internal/docstore]
// operate against it directly.
type Txn struct {
	mgr        *Manager
	mode       Mode
	status     Status
	txnID      uint64
	snapshotID uint64

	undo       []undoEntry
	touched    map[page.ID]bool
	dirtyOrder []page.ID

	// wlocked is set while this transaction already holds mgr.rwMu
	// exclusively (inside Commit/CommitChecked/Rollback), so the page
	// accessors below skip re-acquiring the shared lock.
	wlocked bool
}

// ID is this transaction's unique id.
func (t *Txn) ID() uint64 { return t.txnID }

// SnapshotID is the highest committed transaction id visible to this
// transaction's reads.
func (t *Txn) SnapshotID() uint64 { return t.snapshotID }

// Mode reports whether this transaction may write.
func (t *Txn) Mode() Mode { return t.mode }

// Status reports this transaction's lifecycle position.
func (t *Txn) Status() Status { return t.status }

// checkActive returns ErrTransactionEnded if the handle is no longer
// Active.
func (t *Txn) checkActive() error {
	if t.status != Active {
		return fmt.Errorf("%w (status=%d)", ErrTransactionEnded, t.status)
	}
	return nil
}

// SnapshotRead returns key's state as of this transaction's snapshot
// when the document has been modified by a newer commit. ok=false means
// the current page state already is the snapshot state (no in-process
// modification newer than the snapshot), and the caller should read the
// pages as usual.
func (t *Txn) SnapshotRead(key DocKey) (payload []byte, deleted bool, ok bool) {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()

	versions := t.mgr.history[key]
	if len(versions) == 0 || versions[len(versions)-1].txnID <= t.snapshotID {
		return nil, false, false
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].txnID <= t.snapshotID {
			return versions[i].payload, versions[i].deleted, true
		}
	}
	// The base record always predates every live snapshot (its writer
	// committed before this transaction began, or it is disk data with
	// txn id 0), so this is unreachable; fail safe as invisible.
	return nil, true, true
}

// VersionAt returns key's committed version id as visible at this
// transaction's snapshot, used to capture the OCC expectation for a
// replace/delete: the version the transaction believes it is modifying
// is the one its snapshot showed it.
func (t *Txn) VersionAt(key DocKey) uint64 {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()

	versions := t.mgr.history[key]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].txnID <= t.snapshotID {
			return versions[i].txnID
		}
	}
	if len(versions) > 0 {
		return versions[0].txnID
	}
	return t.mgr.docVersions[key]
}

// EnsureBaseVersion captures key's current committed state into the
// version history before the first in-process overwrite, so readers
// holding older snapshots can still reconstruct it. read is invoked only
// when no history exists yet; callers run it under the writer lock so
// the captured state is the one being replaced.
func (t *Txn) EnsureBaseVersion(key DocKey, read func() (payload []byte, found bool, err error)) error {
	t.mgr.mu.Lock()
	_, exists := t.mgr.history[key]
	base := t.mgr.docVersions[key]
	t.mgr.mu.Unlock()
	if exists {
		return nil
	}

	payload, found, err := read()
	if err != nil {
		return err
	}

	t.mgr.mu.Lock()
	if _, raced := t.mgr.history[key]; !raced {
		t.mgr.history[key] = []versionRecord{{txnID: base, payload: payload, deleted: !found}}
	}
	t.mgr.mu.Unlock()
	return nil
}

// RecordVersion appends this transaction's new committed state for key.
// Call it, still under the writer lock, after the write has been
// applied; payload must not be mutated afterward.
func (t *Txn) RecordVersion(key DocKey, payload []byte, deleted bool) {
	t.mgr.mu.Lock()
	t.mgr.history[key] = append(t.mgr.history[key], versionRecord{txnID: t.txnID, payload: payload, deleted: deleted})
	t.mgr.mu.Unlock()
}

// ModifiedKeys returns the ids of every document in collection that has
// in-process version history — documents whose current page state may
// differ from what an older snapshot is entitled to see. Query execution
// uses it to surface documents a concurrent commit deleted or changed
// after the reader's snapshot was taken.
func (t *Txn) ModifiedKeys(collection string) []int64 {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()

	var ids []int64
	for key := range t.mgr.history {
		if key.Collection == collection {
			ids = append(ids, key.ID)
		}
	}
	return ids
}

// CheckVersion returns ErrWriteConflict if key's current committed
// version no longer matches expected (spec.md §4.8's per-write OCC
// check). Call this, still holding the write lock, immediately before
// applying a replace/delete.
func (t *Txn) CheckVersion(key DocKey, expected uint64) error {
	if t.mgr.docVersion(key) != expected {
		return fmt.Errorf("%w (collection=%s id=%d)", ErrWriteConflict, key.Collection, key.ID)
	}
	return nil
}

// BumpVersion records this transaction as key's latest writer. Call
// this, still holding the write lock, after a write has been applied.
func (t *Txn) BumpVersion(key DocKey) {
	t.mgr.setDocVersion(key, t.txnID)
}

// FSM returns the page manager backing this transaction's database, so
// callers that need free-space-map hints (e.g. [internal/docstore]) can
// reach it without this package depending on docstore.
func (t *Txn) FSM() *pagemgr.Manager { return t.mgr.fsm }

// PageSize implements pager.Source.
func (t *Txn) PageSize() page.Size { return t.mgr.io.PageSize() }

// ReadPage implements pager.Source. Outside the commit critical section
// it holds the shared half of the global lock plus the page's latch for
// the duration of the copy, matching spec.md §5's brief page latches
// during descent: latches are taken root-to-leaf as the B+-tree code
// descends and released as soon as each node's bytes are copied out.
func (t *Txn) ReadPage(id page.ID) ([]byte, error) {
	if !t.wlocked {
		t.mgr.rwMu.RLock()
		defer t.mgr.rwMu.RUnlock()
	}
	return t.mgr.readPageLatched(id)
}

// WritePage implements pager.Source. The page's pre-write image is
// captured into the undo log the first time this transaction touches
// it, so Rollback can restore it regardless of how many times it is
// written again afterward.
func (t *Txn) WritePage(id page.ID, buf []byte) error {
	if !t.wlocked {
		t.mgr.rwMu.Lock()
		defer t.mgr.rwMu.Unlock()
	}
	if !t.touched[id] {
		before, err := t.mgr.readPageLatched(id)
		if err != nil {
			return err
		}
		t.undo = append(t.undo, undoEntry{kind: undoWrite, pageID: id, image: before})
		t.touched[id] = true
		t.dirtyOrder = append(t.dirtyOrder, id)
	}
	return t.mgr.writePageLatched(id, buf)
}

// Allocate implements pager.Source, growing the file by the manager's
// expansion chunk when the allocator reports no free page (spec.md §4.2).
func (t *Txn) Allocate(hint page.ID) (page.ID, error) {
	id, err := t.mgr.fsm.Allocate(hint)
	if errors.Is(err, pagemgr.ErrNoFreeSpace) {
		if growErr := t.mgr.fsm.Grow(t.mgr.expansion); growErr != nil {
			return 0, growErr
		}
		id, err = t.mgr.fsm.Allocate(hint)
	}
	if err != nil {
		return 0, err
	}
	t.undo = append(t.undo, undoEntry{kind: undoAlloc, pageID: id})
	return id, nil
}

// Free implements pager.Source.
func (t *Txn) Free(id page.ID) error {
	t.undo = append(t.undo, undoEntry{kind: undoFree, pageID: id})
	return t.mgr.fsm.Free(id)
}

func (m *Manager) readPageLatched(id page.ID) ([]byte, error) {
	m.locks.RLock(id)
	defer m.locks.RUnlock(id)
	buf := make([]byte, m.io.PageSize())
	if err := m.io.ReadPage(id, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (m *Manager) writePageLatched(id page.ID, buf []byte) error {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)
	return m.io.WritePage(id, buf)
}

// Commit durably appends WAL frames for every page this transaction
// dirtied, flushes the page manager and page store, and advances the
// committed-transaction watermark (spec.md §4.8, §4.7). It acquires the
// manager's exclusive writer lock for the duration of the commit, per
// spec.md §5 ("exactly one global writer mutex serializes the commit
// phase").
func (t *Txn) Commit() error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.mode == ReadOnly || len(t.dirtyOrder) == 0 {
		t.status = Committed
		t.mgr.endTxn(t.txnID)
		return nil
	}

	t.mgr.rwMu.Lock()
	defer t.mgr.rwMu.Unlock()
	t.wlocked = true
	defer func() { t.wlocked = false }()
	return t.commitLocked()
}

// CommitChecked is the entry point the façade's deferred write-set layer
// uses: while holding the exclusive writer lock for the rest of this
// transaction's life, it runs validate (the OCC re-check against current
// committed document versions), then apply (the actual btree/docstore
// mutations, which dirty pages the same way direct WritePage/Allocate/Free
// calls would), then performs the same durable commit [Txn.Commit] does.
// A failure from either callback rolls the transaction back (still under
// the lock) before returning the error, so the caller never needs a
// separate Rollback call on failure.
func (t *Txn) CommitChecked(validate, apply func() error) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.mode != ReadWrite {
		return ErrReadOnly
	}

	t.mgr.rwMu.Lock()
	defer t.mgr.rwMu.Unlock()
	t.wlocked = true
	defer func() { t.wlocked = false }()

	if err := validate(); err != nil {
		t.rollbackLocked()
		return err
	}
	if err := apply(); err != nil {
		t.rollbackLocked()
		return err
	}
	return t.commitLocked()
}

// commitLocked is [Txn.Commit]'s body, assuming the caller already holds
// mgr.rwMu.
func (t *Txn) commitLocked() error {
	if len(t.dirtyOrder) == 0 {
		t.status = Committed
		t.mgr.endTxn(t.txnID)
		return nil
	}

	if t.mgr.wal != nil {
		// Frames are captured from the WAL-capture IO, which for an
		// encrypted database is the ciphertext store: the WAL then holds
		// only sealed page images (spec.md §6 "encrypted DB ⇒ encrypted
		// WAL with the same key").
		capture := t.mgr.walCapture
		frames := make([]wal.Frame, 0, len(t.dirtyOrder))
		for _, id := range t.dirtyOrder {
			img := make([]byte, capture.PageSize())
			if err := capture.ReadPage(id, img); err != nil {
				return err
			}
			frames = append(frames, wal.Frame{PageID: id, Image: img})
		}
		if err := t.mgr.wal.AppendCommit(t.txnID, frames); err != nil {
			return fmt.Errorf("txn: commit %d: %w", t.txnID, err)
		}
	}

	if err := t.mgr.fsm.Flush(); err != nil {
		return fmt.Errorf("txn: commit %d: flush page manager: %w", t.txnID, err)
	}
	if err := t.mgr.io.Flush(); err != nil {
		return fmt.Errorf("txn: commit %d: flush page store: %w", t.txnID, err)
	}

	t.mgr.mu.Lock()
	if t.txnID > t.mgr.committedTxnID {
		t.mgr.committedTxnID = t.txnID
	}
	t.mgr.mu.Unlock()

	t.status = Committed
	t.mgr.endTxn(t.txnID)
	return nil
}

// Rollback undoes every page write, allocation, and free this
// transaction performed, in reverse order. Rolling back a transaction
// that has already reached Committed/RolledBack is a no-op, matching
// "disposing an Active transaction implicitly rolls back" — disposing
// a finished one simply does nothing.
func (t *Txn) Rollback() error {
	if t.status != Active {
		return nil
	}

	t.mgr.rwMu.Lock()
	defer t.mgr.rwMu.Unlock()
	t.wlocked = true
	defer func() { t.wlocked = false }()
	t.rollbackLocked()
	return nil
}

// rollbackLocked is [Txn.Rollback]'s body, assuming the caller already
// holds mgr.rwMu.
func (t *Txn) rollbackLocked() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		e := t.undo[i]
		switch e.kind {
		case undoWrite:
			_ = t.mgr.writePageLatched(e.pageID, e.image)
		case undoAlloc:
			t.mgr.fsm.MarkFree(e.pageID)
		case undoFree:
			t.mgr.fsm.MarkAllocated(e.pageID)
		}
	}

	_ = t.mgr.fsm.Flush()
	_ = t.mgr.io.Flush()

	t.status = RolledBack
	t.mgr.dropTxnVersions(t.txnID)
	t.mgr.endTxn(t.txnID)
}
