package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationsOrderedAndComplete(t *testing.T) {
	migrations, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	var versions []string
	var all strings.Builder
	for _, m := range migrations {
		versions = append(versions, m.Version)
		require.NotEmpty(t, strings.TrimSpace(m.SQL), m.Version)
		all.WriteString(m.SQL)
	}
	require.IsIncreasing(t, versions)

	for _, table := range []string{"stock_lots", "stock_usage", "production_runs", "shipments", "stock_aggregates", "recipes", "recipe_lines", "idempotency_keys", "audit_logs"} {
		require.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
}
