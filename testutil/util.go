// Package testutil holds helpers shared by the Postgres backed test suites.
package testutil

import (
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"

	"bankledger/internal/postgres"
)

// Postgres connects to the database described by POSTGRES_ variables, loading them from the .env file
// at the module root when present. The test is skipped when no database is configured.
func Postgres(t testing.TB, envFile string) *sqlx.DB {
	t.Helper()
	_ = godotenv.Load(envFile)

	c, err := postgres.ParseEnv()
	if err != nil {
		t.Fatalf("parsing postgres config: %v", err)
	}
	if !c.Configured() {
		t.Skip("POSTGRES_USER and POSTGRES_DB_NAME not set")
	}

	db, err := postgres.Connect(c)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}

// Reset empties the ledger tables
func Reset(db *sqlx.DB) {
	db.MustExec("DELETE FROM transaction")
	db.MustExec("DELETE FROM account")
}
