package postgres

import (
	"io/fs"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func optionsOf(t *testing.T, dsn string) url.Values {
	t.Helper()
	u, err := url.Parse(dsn)
	require.NoError(t, err)
	return u.Query()
}

func TestWithStatementTimeout(t *testing.T) {
	dsn, err := withStatementTimeout("postgres://cic:cic@db/cic_eth?sslmode=disable", 0)
	require.NoError(t, err)
	q := optionsOf(t, dsn)
	assert.Equal(t, "-c statement_timeout=30000", q.Get("options"))
	assert.Equal(t, "disable", q.Get("sslmode"))

	dsn, err = withStatementTimeout("postgresql://db/cic_eth", 4500)
	require.NoError(t, err)
	assert.Equal(t, "-c statement_timeout=4500", optionsOf(t, dsn).Get("options"))
}

func TestWithStatementTimeout_KeepsExistingOptions(t *testing.T) {
	dsn, err := withStatementTimeout("postgres://db/cic_eth?options=-c%20search_path%3Dcic", 100)
	require.NoError(t, err)
	assert.Equal(t, "-c search_path=cic -c statement_timeout=100", optionsOf(t, dsn).Get("options"))
}

func TestWithStatementTimeout_Disabled(t *testing.T) {
	dsn, err := withStatementTimeout("host=db dbname=cic_eth", -1)
	require.NoError(t, err)
	assert.Equal(t, "host=db dbname=cic_eth", dsn)
}

func TestWithStatementTimeout_Errors(t *testing.T) {
	_, err := withStatementTimeout("postgres://db/cic_eth", 3_600_001)
	assert.ErrorContains(t, err, "exceeds")

	_, err = withStatementTimeout("mysql://db/cic_eth", 100)
	assert.ErrorContains(t, err, "postgres://")
}

func TestEmbeddedMigrations(t *testing.T) {
	files, err := fs.Glob(Migrations(), "*.up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"001_otx.up.sql",
		"002_lock.up.sql",
		"003_nonce.up.sql",
		"004_blockchain_sync.up.sql",
		"005_blockchain_sync_live.up.sql",
	}, files)
}
