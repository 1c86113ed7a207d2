package galdrdb

// Hooks lets callers observe engine behavior without pulling in a
// structured-logging dependency: the CLI's progress output and tests that
// assert "a checkpoint happened" both attach a Hooks rather than scraping
// log lines. Every field is optional; nil callbacks are simply not invoked.
// Callbacks run synchronously on the calling goroutine and must not call
// back into the [Db] that invoked them.
type Hooks struct {
	// OnCheckpoint fires after a checkpoint completes, reporting how many
	// WAL bytes were folded into the main file.
	OnCheckpoint func(walBytesApplied int64)

	// OnConflict fires whenever a commit aborts with [ErrWriteConflict],
	// before the error is returned to the caller.
	OnConflict func(collection string, id int64)

	// OnCompact fires after [Db.CompactTo] finishes, with the same result
	// it returns to the caller.
	OnCompact func(result CompactResult)

	// OnPageFlush fires after each successful checkpoint, reporting how
	// many WAL page frames it wrote into the main file. Commits do not
	// fire it.
	OnPageFlush func(pages int)
}

func (h *Hooks) checkpoint(bytes int64) {
	if h != nil && h.OnCheckpoint != nil {
		h.OnCheckpoint(bytes)
	}
}

func (h *Hooks) conflict(collection string, id int64) {
	if h != nil && h.OnConflict != nil {
		h.OnConflict(collection, id)
	}
}

func (h *Hooks) compact(result CompactResult) {
	if h != nil && h.OnCompact != nil {
		h.OnCompact(result)
	}
}

func (h *Hooks) pageFlush(pages int) {
	if h != nil && h.OnPageFlush != nil {
		h.OnPageFlush(pages)
	}
}
