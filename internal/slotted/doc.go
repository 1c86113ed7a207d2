// Package slotted implements GaldrDb's [Page] layout: a slot directory of
// variable-length document payloads growing down from the end of a fixed
// page buffer (spec.md §4.3), plus the overflow-page chain used to store
// documents too large to fit on one page.
package slotted
