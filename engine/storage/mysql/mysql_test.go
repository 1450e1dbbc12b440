package mysql

import (
	"os"
	"testing"

	"github.com/orchcmd/orchcmd/engine/storage"
	"github.com/orchcmd/orchcmd/engine/storage/test"

	_ "github.com/go-sql-driver/mysql"
)

func TestMySQLStorage(t *testing.T) {
	testDSN := os.Getenv("ORCHCMD_MYSQL_STORAGE_TEST_DSN")
	if testDSN == "" {
		t.Skip("ORCHCMD_MYSQL_STORAGE_TEST_DSN not set")
	}

	// the DSN needs parseTime=true for written_at scanning.
	// to re-test against an existing database:
	//
	// DELETE FROM checkpoints;

	s, err := New(WithDSN(testDSN))
	if err != nil {
		t.Fatal(err)
	}

	test.TestCheckpointStore(t, func() storage.Store { return s })
}
