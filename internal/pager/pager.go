// Package pager defines the minimal page-access surface shared by every
// component that needs to read, write, allocate, or free pages without
// depending on whether the caller is inside a transaction's write-set
// overlay or operating directly against the page manager (e.g. during
// Create/checkpoint). [internal/txn.Txn] is the production implementation.
package pager

import "github.com/galdrdb/galdrdb/internal/page"

// Source is the page-access contract consumed by [internal/slotted],
// [internal/docstore], and [internal/btree].
type Source interface {
	PageSize() page.Size
	ReadPage(id page.ID) ([]byte, error)
	WritePage(id page.ID, buf []byte) error
	Allocate(hint page.ID) (page.ID, error)
	Free(id page.ID) error
}
