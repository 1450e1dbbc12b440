// Package inmem implements a checkpoint store using a map-based key-value store.
package inmem

import (
	"github.com/orchcmd/orchcmd/engine/storage/kv"
	"github.com/orchcmd/orchcmd/utils/kv/kvmap"
)

// InMem is an in-memory checkpoint store.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	return &InMem{KV: kv.New(kvmap.NewBucket())}
}
