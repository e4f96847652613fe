package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "wallets-quickstart/internal/errors"
)

// MySQLStore 使用 MySQL 保存工作流定义，表结构由内嵌迁移创建。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 基于已迁移的连接池创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

const upsertWorkflowSQL = `INSERT INTO workflows (id, name, definition, updated_at)
    VALUES (?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE name = VALUES(name), definition = VALUES(definition),
    updated_at = GREATEST(updated_at + 1, VALUES(updated_at))`

const getWorkflowSQL = `SELECT id, name, definition, updated_at FROM workflows WHERE id = ?`

const listWorkflowsSQL = `SELECT id, name, updated_at FROM workflows ORDER BY updated_at DESC, id DESC LIMIT ?`

// Upsert 实现 Store 接口。updated_at 以微秒存储，并保证同一 ID 单调递增。
func (s *MySQLStore) Upsert(ctx context.Context, id, name string, def Definition) error {
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流 ID 不能为空")
	}
	encoded, err := json.Marshal(normalize(def))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工作流定义失败")
	}
	if _, err := s.db.ExecContext(ctx, upsertWorkflowSQL, id, name, string(encoded), s.now().UnixMicro()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存工作流失败")
	}
	return nil
}

// Get 实现 Store 接口。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	var (
		record    Record
		raw       string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, getWorkflowSQL, id).Scan(&record.ID, &record.Name, &raw, &updatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流失败")
	}
	if err := json.Unmarshal([]byte(raw), &record.Definition); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作流定义失败")
	}
	record.Definition = normalize(record.Definition)
	record.UpdatedAt = time.UnixMicro(updatedAt)
	return &record, nil
}

// List 实现 Store 接口。
func (s *MySQLStore) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = PageSize
	}
	rows, err := s.db.QueryContext(ctx, listWorkflowsSQL, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流列表失败")
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			summary   Summary
			updatedAt int64
		)
		if err := rows.Scan(&summary.ID, &summary.Name, &updatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作流列表失败")
		}
		summary.UpdatedAt = time.UnixMicro(updatedAt)
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工作流列表失败")
	}
	return out, nil
}

// Close 实现 Store 接口。连接池由创建方统一关闭。
func (s *MySQLStore) Close() error { return nil }

var _ Store = (*MySQLStore)(nil)
