package galdrdb

import (
	"github.com/galdrdb/galdrdb/internal/page"
)

// ExpansionPageCount is the default number of pages the file grows by each
// time [Config] does not override it.
const ExpansionPageCount = 32

// DefaultWALAutoCheckpointThreshold is the WAL byte size ([Config]'s
// WALAutoCheckpointThresholdBytes default) that triggers an automatic
// checkpoint when [Config.AutoCheckpoint] is set.
const DefaultWALAutoCheckpointThreshold = 16 * 1024 * 1024

// EncryptionConfig enables at-rest page encryption. A zero value (embedded
// in [Config] as nil) means no encryption.
type EncryptionConfig struct {
	// Password is the passphrase used to derive the page-encryption key.
	Password string

	// KDFIterations is the PBKDF2 round count. Higher is slower to open but
	// more resistant to offline brute force. Zero selects
	// [DefaultKDFIterations].
	KDFIterations uint32
}

// DefaultKDFIterations is used when [EncryptionConfig.KDFIterations] is zero.
const DefaultKDFIterations = 210_000

// Config configures a [Create] or [Open] call. The zero value is valid and
// selects all defaults: 8192-byte pages, WAL enabled, no mmap, no
// auto-checkpoint, no encryption.
type Config struct {
	// PageSize is the fixed page size in bytes. Must be a power of two, at
	// least [page.MinSize]. Zero selects [page.DefaultSize]. Ignored by
	// [Open] (the file's own header page size is authoritative); mismatches
	// there surface as [ErrCorruption].
	PageSize uint32

	// DisableWAL turns the write-ahead log off, trading durability for
	// write throughput: commits still apply atomically but a crash
	// mid-commit can lose the transaction. The zero value keeps the WAL
	// enabled.
	DisableWAL bool

	// UseMmap backs page I/O with a memory-mapped file region
	// ([page.Mmap]) instead of pread/pwrite ([page.Standard]). Ignored
	// when Encryption is set: the mapping cannot account for the crypto
	// header that precedes page 0.
	UseMmap bool

	// AutoCheckpoint folds the WAL into the main file automatically once
	// it exceeds WALAutoCheckpointThresholdBytes.
	AutoCheckpoint bool

	// WALAutoCheckpointThresholdBytes is the WAL size that triggers an
	// automatic checkpoint when AutoCheckpoint is set. Zero selects
	// [DefaultWALAutoCheckpointThreshold].
	WALAutoCheckpointThresholdBytes int64

	// ExpansionPageCount is how many pages the file grows by whenever the
	// allocator runs out of free pages. Zero selects [ExpansionPageCount].
	ExpansionPageCount uint32

	// Encryption enables page-level AES-256-GCM encryption when non-nil.
	Encryption *EncryptionConfig

	// CachePages overrides the page cache's capacity in pages. When it is
	// zero, [Open] and [Create] read the GALDRDB_CACHE_PAGES environment
	// variable (a positive integer) and otherwise use a built-in default.
	CachePages int

	// Hooks, when non-nil, receives observability callbacks during
	// checkpoint, conflict, and compaction.
	Hooks *Hooks
}

// pageSize returns the effective page size, applying defaults.
func (c Config) pageSize() page.Size {
	if c.PageSize == 0 {
		return page.DefaultSize
	}
	return page.Size(c.PageSize)
}

func (c Config) useWAL() bool { return !c.DisableWAL }

func (c Config) expansionPageCount() uint32 {
	if c.ExpansionPageCount == 0 {
		return ExpansionPageCount
	}
	return c.ExpansionPageCount
}

func (c Config) walThreshold() int64 {
	if c.WALAutoCheckpointThresholdBytes == 0 {
		return DefaultWALAutoCheckpointThreshold
	}
	return c.WALAutoCheckpointThresholdBytes
}

func (c Config) kdfIterations() uint32 {
	if c.Encryption == nil || c.Encryption.KDFIterations == 0 {
		return DefaultKDFIterations
	}
	return c.Encryption.KDFIterations
}

const defaultCachePages = 1024

func (c Config) cachePages() int {
	if c.CachePages > 0 {
		return c.CachePages
	}
	return defaultCachePages
}

func (c Config) hooks() *Hooks {
	if c.Hooks == nil {
		return &Hooks{}
	}
	return c.Hooks
}
