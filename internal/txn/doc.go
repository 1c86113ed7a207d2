// Package txn implements GaldrDb's TransactionManager (spec.md §4.8): it
// issues transaction ids, tracks per-document committed versions for
// optimistic concurrency control, and gives each [Txn] a [pager.Source]
// view of the page store with an undo log backing atomic rollback.
//
// Physical page mutations are applied directly to the shared
// [page.IO]/[pagemgr.Manager] under a single writer lock, rather than
// staged in a private copy-on-write overlay per transaction. Snapshot
// isolation is provided one level up, per document: every commit records
// the document states it replaces (and the ones it creates) in an
// in-memory version history, and [Txn.SnapshotRead] reconstructs the
// state visible at a transaction's snapshot id whenever a newer commit
// has since changed a document. History is pruned as the transactions
// that could still see it finish. Commit's job is therefore to durably
// record the pages dirtied since Begin into the write-ahead log and
// finalize the handle; Rollback replays the txn's undo log in reverse to
// restore exactly the pages, allocations, and frees it touched. This
// trades page-level MVCC for one serialized writer at a time — see
// DESIGN.md for the tradeoff — while producing the caller-visible
// contract spec.md describes: a reader with snapshot S never observes a
// transaction with id greater than S, write conflicts are detected
// against the version a snapshot showed the writer, commits are durable
// once the WAL is flushed, and rollback is exact.
package txn
