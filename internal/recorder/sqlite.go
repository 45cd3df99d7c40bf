package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore 把记录以 JSON 文档存入 sqlite。
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore 打开数据库并初始化表结构。
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema 初始化表结构
func (s *SQLiteStore) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS job_records (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		error_code TEXT,
		started_at DATETIME NOT NULL,
		persisted_at DATETIME NOT NULL,
		document TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_job_records_status ON job_records(status);

	CREATE TABLE IF NOT EXISTS job_history (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		updated_at DATETIME NOT NULL,
		document TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveJob 插入或覆盖作业记录。
func (s *SQLiteStore) SaveJob(ctx context.Context, rec JobRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	var code sql.NullString
	if rec.Metadata.LastError != nil {
		code = sql.NullString{String: string(rec.Metadata.LastError.Code), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_records (id, status, error_code, started_at, persisted_at, document)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error_code = excluded.error_code,
			persisted_at = excluded.persisted_at,
			document = excluded.document
	`, rec.Metadata.JobID, string(rec.Metadata.Status), code, rec.Metadata.StartTime, rec.PersistedAt, string(doc))
	return err
}

// GetJob 读取作业记录，不存在时返回 ErrNotFound。
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (JobRecord, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, "SELECT document FROM job_records WHERE id = ?", jobID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	if err != nil {
		return JobRecord{}, err
	}
	var rec JobRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return JobRecord{}, err
	}
	return rec, nil
}

// SaveHistory 覆盖写入单行历史索引。
func (s *SQLiteStore) SaveHistory(ctx context.Context, h JobHistory) error {
	doc, err := json.Marshal(h)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_history (id, updated_at, document) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, document = excluded.document
	`, time.Now(), string(doc))
	return err
}

// GetHistory 读取历史索引，不存在时返回空索引。
func (s *SQLiteStore) GetHistory(ctx context.Context) (JobHistory, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, "SELECT document FROM job_history WHERE id = 1").Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return JobHistory{}, nil
	}
	if err != nil {
		return JobHistory{}, err
	}
	var h JobHistory
	if err := json.Unmarshal([]byte(doc), &h); err != nil {
		return JobHistory{}, err
	}
	return h, nil
}

// CountByStatus 按状态统计已落盘的记录数。
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM job_records GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// Close 关闭数据库连接。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
