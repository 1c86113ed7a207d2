package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/galdrdb/galdrdb/internal/page"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ErrCorrupt is returned by [Replay]/[ApplyCommitted] when a committed frame
// group fails its checksum — a genuinely corrupt WAL, as opposed to an
// incomplete trailing group left by a crash mid-commit (which is
// silently discarded, per spec.md §4.7).
var ErrCorrupt = errors.New("wal: corrupt committed frame group")

const (
	recordTagFrame  byte = 1
	recordTagCommit byte = 2
)

// commitMagic guards the commit record so replay can tell a real commit
// from stray bytes.
const commitMagic uint64 = 0x47414c4452574c31 // "GALDRWL1" read as big-endian u64

// frameHeaderSize is tag(1) + pageID(4) + txnID(8) + frameIndex(4) +
// salt(16) + checksum(4), not counting the page image that follows.
const frameHeaderSize = 1 + 4 + 8 + 4 + 16 + 4

// commitRecordSize is tag(1) + magic(8) + txnID(8) + groupChecksum(4).
const commitRecordSize = 1 + 8 + 8 + 4

// Frame is one dirtied page captured for a transaction's commit.
type Frame struct {
	PageID page.ID
	Image  []byte
}

// WAL is an append-only log file of committed transaction frame groups.
type WAL struct {
	file     *os.File
	pageSize page.Size
}

// Open opens (creating if necessary) the WAL file at path.
func Open(path string, pageSize page.Size) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	return &WAL{file: f, pageSize: pageSize}, nil
}

// Close releases the underlying file handle.
func (w *WAL) Close() error {
	return w.file.Close()
}

// Size reports the WAL file's current length in bytes.
func (w *WAL) Size() (int64, error) {
	info, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// AppendCommit durably appends frames as a single atomic transaction: it
// writes every frame (header + page image), then a commit record whose
// checksum covers the whole group, then fsyncs (spec.md §4.7, §4.8 "WAL
// commit record is written and flushed before the transaction is
// reported successful"). A failure partway through leaves, at worst, an
// incomplete trailing group that [Replay]/[ApplyCommitted] discard.
func (w *WAL) AppendCommit(txnID uint64, frames []Frame) error {
	if len(frames) == 0 {
		return nil
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: seek end: %w", err)
	}

	groupCRC := uint32(0)
	buf := make([]byte, frameHeaderSize)

	for i, frame := range frames {
		if page.Size(len(frame.Image)) != w.pageSize {
			return fmt.Errorf("wal: frame image size %d does not match page size %d", len(frame.Image), w.pageSize)
		}

		salt, err := uuid.NewRandom()
		if err != nil {
			return fmt.Errorf("wal: generate frame salt: %w", err)
		}
		imageCRC := crc32.Checksum(frame.Image, crcTable)

		buf[0] = recordTagFrame
		binary.BigEndian.PutUint32(buf[1:5], uint32(frame.PageID))
		binary.BigEndian.PutUint64(buf[5:13], txnID)
		binary.BigEndian.PutUint32(buf[13:17], uint32(i))
		copy(buf[17:33], salt[:])
		binary.BigEndian.PutUint32(buf[33:37], imageCRC)

		if _, err := w.file.Write(buf); err != nil {
			return fmt.Errorf("wal: write frame header: %w", err)
		}
		if _, err := w.file.Write(frame.Image); err != nil {
			return fmt.Errorf("wal: write frame image: %w", err)
		}

		groupCRC = crc32.Update(groupCRC, crcTable, buf)
		groupCRC = crc32.Update(groupCRC, crcTable, frame.Image)
	}

	commit := make([]byte, commitRecordSize)
	commit[0] = recordTagCommit
	binary.BigEndian.PutUint64(commit[1:9], commitMagic)
	binary.BigEndian.PutUint64(commit[9:17], txnID)
	binary.BigEndian.PutUint32(commit[17:21], groupCRC)

	if _, err := w.file.Write(commit); err != nil {
		return fmt.Errorf("wal: write commit record: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}

	return nil
}

// Apply is called once per frame found in a valid, committed group,
// in the order frames were written.
type Apply func(pageID page.ID, image []byte) error

// Replay scans the WAL from the beginning, applying every frame of
// every validly committed transaction group via apply, then truncates
// the WAL to the end of the last valid commit (discarding any
// incomplete trailing group). It returns the number of frames applied.
func Replay(w *WAL, apply Apply) (int, error) {
	return scanAndApply(w, apply, true)
}

// ApplyCommitted folds every currently committed frame group into apply
// (typically writing into the main file) without touching the WAL's
// length. It is the first half of a checkpoint; the caller must fsync
// the main file and only then call [WAL.Truncate] — truncating first
// would leave committed transactions with no durable copy anywhere if a
// crash hits before the main file syncs (spec.md §4.7's ordering).
// Callers must hold the engine's global write lock across both halves.
func ApplyCommitted(w *WAL, apply Apply) (int, error) {
	return scanAndApply(w, apply, false)
}

// Truncate empties the WAL and fsyncs it, completing a checkpoint. Call
// only once every frame [ApplyCommitted] folded is durable in the main
// file.
func (w *WAL) Truncate() error {
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek after truncate: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync after truncate: %w", err)
	}
	return nil
}

func scanAndApply(w *WAL, apply Apply, truncate bool) (int, error) {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("wal: seek start: %w", err)
	}

	data, err := io.ReadAll(w.file)
	if err != nil {
		return 0, fmt.Errorf("wal: read: %w", err)
	}

	applied := 0
	validEnd := int64(0)
	off := 0

	type pending struct {
		pageID page.ID
		image  []byte
	}
	var group []pending
	groupCRC := uint32(0)
	groupTxn := uint64(0)
	inGroup := false

scan:
	for off < len(data) {
		tag := data[off]
		switch tag {
		case recordTagFrame:
			if off+frameHeaderSize > len(data) {
				break scan // truncated mid-header: discard
			}
			header := data[off : off+frameHeaderSize]
			pageID := page.ID(binary.BigEndian.Uint32(header[1:5]))
			txnID := binary.BigEndian.Uint64(header[5:13])
			imageCRC := binary.BigEndian.Uint32(header[33:37])

			imgStart := off + frameHeaderSize
			imgEnd := imgStart + int(w.pageSize)
			if imgEnd > len(data) {
				break scan // truncated mid-image: discard
			}
			image := data[imgStart:imgEnd]
			if crc32.Checksum(image, crcTable) != imageCRC {
				break scan // frame itself corrupt: treat as uncommitted tail
			}

			if !inGroup {
				inGroup = true
				groupTxn = txnID
				groupCRC = 0
				group = group[:0]
			} else if txnID != groupTxn {
				break scan // a new txn started without a commit record: discard tail
			}

			groupCRC = crc32.Update(groupCRC, crcTable, header)
			groupCRC = crc32.Update(groupCRC, crcTable, image)
			group = append(group, pending{pageID: pageID, image: image})

			off = imgEnd

		case recordTagCommit:
			if off+commitRecordSize > len(data) {
				break scan // truncated mid-commit: discard
			}
			rec := data[off : off+commitRecordSize]
			magic := binary.BigEndian.Uint64(rec[1:9])
			txnID := binary.BigEndian.Uint64(rec[9:17])
			crc := binary.BigEndian.Uint32(rec[17:21])

			if magic != commitMagic || !inGroup || txnID != groupTxn || crc != groupCRC {
				return applied, fmt.Errorf("wal: frame group for txn %d: %w", txnID, ErrCorrupt)
			}

			for _, f := range group {
				if err := apply(f.pageID, f.image); err != nil {
					return applied, fmt.Errorf("wal: apply page %d: %w", f.pageID, err)
				}
				applied++
			}

			off += commitRecordSize
			validEnd = int64(off)
			inGroup = false

		default:
			break scan // stray byte: discard from here
		}
	}

	if truncate {
		if err := w.file.Truncate(validEnd); err != nil {
			return applied, fmt.Errorf("wal: truncate: %w", err)
		}
		if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
			return applied, fmt.Errorf("wal: seek end after truncate: %w", err)
		}
		if err := w.file.Sync(); err != nil {
			return applied, fmt.Errorf("wal: fsync after truncate: %w", err)
		}
	}

	return applied, nil
}
