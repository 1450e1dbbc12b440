package diskv

import (
	"os"
	"testing"

	"github.com/orchcmd/orchcmd/engine/storage"
	"github.com/orchcmd/orchcmd/engine/storage/test"
)

func TestDiskvStorage(t *testing.T) {
	test.TestCheckpointStore(t, func() storage.Store { return New("teststor") })
	os.RemoveAll("teststor")
}
