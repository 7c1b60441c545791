package migration

import (
	"io/fs"
	"testing"

	"github.com/smallbiznis/paymaster/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(embeddedMigrations, migrationsDir+"/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(embeddedMigrations, migrationsDir+"/*.down.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}

func TestApplyCreatesTablesFromModels(t *testing.T) {
	db := testutil.NewDB(t)
	require.NoError(t, Apply(db, "sqlite"))
	require.NoError(t, Apply(db, "sqlite"))

	for _, table := range []string{"credit_accounts", "credit_holds", "credit_transactions", "idempotency_keys"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestApplyRequiresHandle(t *testing.T) {
	assert.Error(t, Apply(nil, "sqlite"))
	assert.Error(t, RunMigrations(nil))
}
