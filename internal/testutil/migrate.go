// README: Test helpers for applying migrations/0001_init.sql to a live Postgres.
package testutil

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenTestDB connects to RIDEPULSE_TEST_DSN, applies the schema and truncates
// the given tables. The test is skipped when the DSN is not set.
func OpenTestDB(t *testing.T, truncate ...string) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("RIDEPULSE_TEST_DSN")
	if dsn == "" {
		t.Skip("RIDEPULSE_TEST_DSN not set; skipping DB-backed tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ApplyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if len(truncate) > 0 {
		if _, err := db.Exec(ctx, "TRUNCATE TABLE "+strings.Join(truncate, ", ")); err != nil {
			t.Fatalf("truncate tables: %v", err)
		}
	}
	return db
}

func ApplyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}
	for _, stmt := range SplitSQL(StripSQLComments(string(content))) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func StripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func SplitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		stmt := strings.TrimSpace(p)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
