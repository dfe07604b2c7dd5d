package database

import (
	"testing"

	"github.com/codeready-toolchain/askrelay/pkg/database"
	"github.com/codeready-toolchain/askrelay/test/util"
	"github.com/stretchr/testify/require"
)

// NewTestClient returns a migrated client bound to a private schema.
// The schema and pool are removed when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()

	connStr, _ := util.CreateTestSchema(t)
	db := util.OpenTestDB(t, connStr)
	require.NoError(t, database.RunMigrations(db, "test"))

	return database.NewClientFromDB(db, connStr)
}
