package database

import (
	"testing"

	"github.com/codeready-toolchain/askrelay/pkg/database"
	"github.com/codeready-toolchain/askrelay/test/util"
	"github.com/stretchr/testify/require"
)

// SharedTestDB is one migrated schema used by several simulated server
// processes. Each process gets its own pool via NewClient, so cross-process
// delivery over NOTIFY/LISTEN can be exercised inside one test.
type SharedTestDB struct {
	connStrWithSchema string
}

// NewSharedTestDB creates the schema and runs migrations once.
func NewSharedTestDB(t *testing.T) *SharedTestDB {
	t.Helper()

	connStr, _ := util.CreateTestSchema(t)
	db := util.OpenTestDB(t, connStr)
	require.NoError(t, database.RunMigrations(db, "test"))

	return &SharedTestDB{connStrWithSchema: connStr}
}

// NewClient opens an independent pool on the shared schema.
func (s *SharedTestDB) NewClient(t *testing.T) *database.Client {
	t.Helper()
	return database.NewClientFromDB(util.OpenTestDB(t, s.connStrWithSchema), s.connStrWithSchema)
}
