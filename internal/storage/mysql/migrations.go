package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"time"

	"wallets-quickstart/deploy/migrations"
	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/pkg/logger"
)

const (
	createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`
	selectAppliedSQL = `SELECT version FROM schema_migrations`
	recordVersionSQL = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`
)

var embeddedMigrations fs.FS = migrations.Files

// migration 是一个版本化的 SQL 文件，文件名前缀即版本号，例如 0002_create_chat_tasks.sql。
type migration struct {
	version    string
	name       string
	statements []string
}

// Migrate 依版本顺序应用 workflows 与 chat_tasks 的表结构迁移。
// 每个版本在独立事务中执行，失败时回滚并停止，已记录的版本会被跳过。
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return storageError(err, "创建 schema_migrations 表失败", "")
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	all, err := loadMigrations()
	if err != nil {
		return err
	}

	log := logger.Named("storage.mysql")
	for _, m := range all {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
		log.Info("已应用数据库迁移", slog.String("version", m.version), slog.String("file", m.name))
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, selectAppliedSQL)
	if err != nil {
		return nil, storageError(err, "查询 schema_migrations 失败", "")
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, storageError(err, "解析 schema_migrations 失败", "")
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历 schema_migrations 失败", "")
	}
	return applied, nil
}

func apply(ctx context.Context, db *sql.DB, m migration) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "开启迁移事务失败", m.version)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return storageError(err, fmt.Sprintf("执行迁移 %s 失败", m.name), m.version)
		}
	}
	if _, err = tx.ExecContext(ctx, recordVersionSQL, m.version, time.Now().Unix()); err != nil {
		return storageError(err, "记录迁移版本失败", m.version)
	}
	if err = tx.Commit(); err != nil {
		return storageError(err, "提交迁移事务失败", m.version)
	}
	return nil
}

func storageError(cause error, message, version string) error {
	if version == "" {
		return xerrors.Wrap(xerrors.CodeStorageFailure, cause, message)
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, cause, message, xerrors.WithMetadata("version", version))
}

// Statements 返回迁移文件拆分后的语句，测试用它构造期望的执行序列。
func Statements(name string) ([]string, error) {
	content, err := fs.ReadFile(embeddedMigrations, name)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "读取迁移文件失败", xerrors.WithMetadata("file", name))
	}
	return splitSQLStatements(string(content)), nil
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(embeddedMigrations, ".")
	if err != nil {
		return nil, storageError(err, "读取迁移目录失败", "")
	}

	var out []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		statements, err := Statements(entry.Name())
		if err != nil {
			return nil, err
		}
		if len(statements) == 0 {
			continue
		}
		out = append(out, migration{
			version:    parseMigrationVersion(entry.Name()),
			name:       entry.Name(),
			statements: statements,
		})
	}

	slices.SortFunc(out, func(a, b migration) int {
		if c := strings.Compare(a.version, b.version); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	return out, nil
}

// splitSQLStatements 按分号拆分语句，迁移文件中不使用包含分号的字面量。
func splitSQLStatements(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func parseMigrationVersion(name string) string {
	if idx := strings.IndexByte(name, '_'); idx > 0 {
		return name[:idx]
	}
	if dot := strings.IndexByte(name, '.'); dot > 0 {
		return name[:dot]
	}
	return name
}
