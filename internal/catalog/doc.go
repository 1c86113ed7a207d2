// Package catalog implements GaldrDb's CollectionsCatalog (spec.md §2,
// §3 "Collection", §4's catalog references): the persistent map from
// collection name to its primary B+-tree root page, monotonic id
// counter, declared field schema, and secondary index list.
//
// The catalog lives in a fixed, pre-sized region of contiguous pages
// starting at the header's catalog_start (mirroring how
// [internal/pagemgr.Manager] treats the allocation bitmap and FSM as
// fixed contiguous regions rather than growable structures) and is
// (de)serialized as a single gob-encoded snapshot spanning that region.
// Catalog mutations (creating a collection, adding an index) are rare
// and small relative to document traffic, so this trades off MVCC
// versioning of the catalog itself for a simple mutex-guarded
// read-modify-flush cycle; see DESIGN.md.
package catalog
