// Package diskv implements a checkpoint store using the diskv key-value store.
package diskv

import (
	"path/filepath"

	"github.com/orchcmd/orchcmd/engine/storage/kv"
	"github.com/orchcmd/orchcmd/utils/kv/kvdiskv"

	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a diskv-backed checkpoint store.
type Diskv struct {
	*kv.KV
}

func New(path string) *Diskv {
	flatTransform := func(s string) []string { return []string{} }
	return &Diskv{KV: kv.New(
		kvdiskv.NewBucket(diskv.New(diskv.Options{
			BasePath: filepath.Join(path, "engine", "checkpoint"),
			// TempDir turns writes into write-then-rename so a reader
			// never observes a partially-written checkpoint record.
			TempDir:      filepath.Join(path, "engine", "tmp"),
			Transform:    flatTransform,
			CacheSizeMax: 1024 * 1024,
		})),
	)}
}
