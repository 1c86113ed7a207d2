// Package wal implements GaldrDb's write-ahead log and checkpointer
// (spec.md §4.7): an append-only sequence of per-transaction frame
// groups, each holding the dirtied page images of one committed
// transaction followed by a commit record, terminated with an fsync
// before the transaction is reported successful.
//
// Framing is self-describing and checksum-guarded: CRC32 Castagnoli
// over each page image and over the whole group, a magic value guarding
// the commit record, and a leading type tag on every record (frame vs.
// commit) so a scanner can find group boundaries without pre-declaring
// a frame count per transaction.
package wal
