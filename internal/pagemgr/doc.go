// Package pagemgr implements GaldrDb's page allocator: an in-memory
// allocation bitmap backed by [github.com/bits-and-blooms/bitset], a
// per-page free-byte hint map (the free-space map), and a per-page latch
// manager whose latches guard individual page reads and writes
// (spec.md §4.2, §5).
package pagemgr
