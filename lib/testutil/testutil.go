package testutil

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

// MemoryDB opens an in-memory sqlite database that lives as long as the
// test, schema is executed when it is not empty.
func MemoryDB(t testing.TB, schema string) *sql.DB {
	sqlite, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// every connection to :memory: is a separate database
	sqlite.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlite.Close() })

	if schema != "" {
		_, err = sqlite.Exec(schema)
		if err != nil {
			t.Fatal(err)
		}
	}
	return sqlite
}
