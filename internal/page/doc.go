// Package page implements GaldrDb's fixed-size page I/O layer.
//
// A [IO] reads and writes whole pages of a configured size to an underlying
// file or byte buffer. Five implementations satisfy the interface:
//
//   - [Standard]: production use, backed by [os.File].
//   - [Mmap]: production use, backed by a memory-mapped file region.
//   - [Encrypted]: wraps another [IO], authenticating every page with
//     AES-256-GCM and deriving its key via PBKDF2.
//   - [Cache]: wraps another [IO] with a write-through LRU page cache.
//   - [Memory]: in-process byte slice, used by tests.
//
// Pages are addressed by zero-based [ID]. Reading a page id that was never
// written returns a zero-filled buffer, matching the on-disk behavior of a
// sparse file.
package page
