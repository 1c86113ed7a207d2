package main

import (
	"encoding/json"
	"os"

	"github.com/tailscale/hujson"

	"github.com/galdrdb/galdrdb"
)

// configFile is looked up in the working directory; it supplies defaults
// for any flag not given on the command line. JSON with comments and
// trailing commas is accepted.
const configFile = "galdrdb.jsonc"

// fileConfig is the subset of galdrdb.Config the CLI lets a config file
// set.
type fileConfig struct {
	PageSize                        uint32 `json:"page_size"`
	NoWAL                           bool   `json:"no_wal"`
	UseMmap                         bool   `json:"use_mmap"`
	AutoCheckpoint                  bool   `json:"auto_checkpoint"`
	WALAutoCheckpointThresholdBytes int64  `json:"wal_autocheckpoint_threshold_bytes"`
	ExpansionPageCount              uint32 `json:"expansion_page_count"`
	CachePages                      int    `json:"cache_pages"`
}

// loadFileConfig reads galdrdb.jsonc if present; a missing or malformed
// file yields the zero Config (all engine defaults) rather than an
// error, since the file is optional convenience.
func loadFileConfig() galdrdb.Config {
	raw, err := os.ReadFile(configFile)
	if err != nil {
		return galdrdb.Config{}
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return galdrdb.Config{}
	}

	var fc fileConfig
	if err := json.Unmarshal(std, &fc); err != nil {
		return galdrdb.Config{}
	}

	return galdrdb.Config{
		PageSize:                        fc.PageSize,
		DisableWAL:                      fc.NoWAL,
		UseMmap:                         fc.UseMmap,
		AutoCheckpoint:                  fc.AutoCheckpoint,
		WALAutoCheckpointThresholdBytes: fc.WALAutoCheckpointThresholdBytes,
		ExpansionPageCount:              fc.ExpansionPageCount,
		CachePages:                      fc.CachePages,
	}
}
