package inmem

import (
	"testing"

	"github.com/orchcmd/orchcmd/engine/storage"
	"github.com/orchcmd/orchcmd/engine/storage/test"
)

func TestInmemStorage(t *testing.T) {
	test.TestCheckpointStore(t, func() storage.Store { return New() })
}
