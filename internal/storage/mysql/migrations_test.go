package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"

	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/internal/storage/mysql/mysqltest"
)

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

func mustStatements(t *testing.T, name string) []string {
	t.Helper()
	statements, err := Statements(name)
	if err != nil {
		t.Fatalf("read migration %s: %v", name, err)
	}
	if len(statements) == 0 {
		t.Fatalf("migration %s has no statements", name)
	}
	return statements
}

func TestMigrateAppliesPendingVersions(t *testing.T) {
	t.Parallel()

	ops := []mysqltest.Op{
		mysqltest.Exec(createMigrationsTable, mysqltest.Result{}),
		mysqltest.Query(`SELECT version FROM schema_migrations`, mysqltest.Rows{Columns: []string{"version"}}),
		mysqltest.Begin(),
	}
	for _, stmt := range mustStatements(t, "0001_create_workflows.sql") {
		ops = append(ops, mysqltest.Exec(stmt, mysqltest.Result{}))
	}
	ops = append(ops,
		mysqltest.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mysqltest.Result{RowsAffected: 1}),
		mysqltest.Commit(),
		mysqltest.Begin(),
	)
	for _, stmt := range mustStatements(t, "0002_create_chat_tasks.sql") {
		ops = append(ops, mysqltest.Exec(stmt, mysqltest.Result{}))
	}
	ops = append(ops,
		mysqltest.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mysqltest.Result{RowsAffected: 1}),
		mysqltest.Commit(),
		mysqltest.Begin(),
	)
	for _, stmt := range mustStatements(t, "0003_add_chat_task_workflow.sql") {
		ops = append(ops, mysqltest.Exec(stmt, mysqltest.Result{}))
	}
	ops = append(ops,
		mysqltest.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mysqltest.Result{RowsAffected: 1}),
		mysqltest.Commit(),
	)

	db, drv := mysqltest.New(t, ops...)
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	t.Parallel()

	db, drv := mysqltest.New(t,
		mysqltest.Exec(createMigrationsTable, mysqltest.Result{}),
		mysqltest.Query(`SELECT version FROM schema_migrations`, mysqltest.Rows{
			Columns: []string{"version"},
			Values:  [][]driver.Value{{"0001"}, {"0002"}, {"0003"}},
		}),
	)
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMigrateRollsBackFailedStatement(t *testing.T) {
	t.Parallel()

	first := mustStatements(t, "0001_create_workflows.sql")
	db, drv := mysqltest.New(t,
		mysqltest.Exec(createMigrationsTable, mysqltest.Result{}),
		mysqltest.Query(`SELECT version FROM schema_migrations`, mysqltest.Rows{Columns: []string{"version"}}),
		mysqltest.Begin(),
		mysqltest.ExecErr(first[0], errors.New("disk full")),
		mysqltest.Rollback(),
	)
	err := Migrate(context.Background(), db)
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if xe, _ := xerrors.From(err); xe.Metadata()["version"] != "0001" {
		t.Fatalf("failed version not reported: %v", xe.Metadata())
	}
	drv.AssertConsumed(t)
}

func TestIsDuplicateKey(t *testing.T) {
	if !IsDuplicateKey(&mysql.MySQLError{Number: 1062}) {
		t.Fatalf("1062 should be a duplicate key")
	}
	if IsDuplicateKey(&mysql.MySQLError{Number: 1060}) || IsDuplicateKey(errors.New("x")) {
		t.Fatalf("unexpected duplicate key match")
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_create_workflows.sql": "0001",
		"0003.sql":                  "0003",
		"plain":                     "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestWorkflowColumnMigration(t *testing.T) {
	statements := mustStatements(t, "0003_add_chat_task_workflow.sql")
	if len(statements) != 2 {
		t.Fatalf("expected column and index statements, got %d", len(statements))
	}
	if !strings.Contains(statements[0], "$.workflow") || !strings.Contains(statements[1], "idx_chat_tasks_workflow") {
		t.Fatalf("unexpected statements: %v", statements)
	}
}
