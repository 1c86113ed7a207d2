// Package btree implements GaldrDb's two disk-resident B+-tree shapes
// (spec.md §4.5, §4.6):
//
//   - [Primary]: int64 document id -> [docstore.Location].
//   - [Secondary]: variable-length encoded byte key, always suffixed with
//     the owning document id (unique and non-unique indexes alike) ->
//     [docstore.Location].
//
// Both share the same node shape: a leaf holds (key,value) pairs and a
// right-sibling pointer so [Primary.Range]/[Secondary.Range] can walk
// leaves in ascending order without revisiting internal nodes; an internal
// node holds (key,child)* pairs bracketing child subtrees. Nodes are
// addressed purely by page id, decoded fully into memory, mutated, and
// re-encoded — see DESIGN.md for why this repo trades node-level binary
// packing for a simpler in-memory representation.
package btree
