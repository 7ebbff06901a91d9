package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "evm-defi-agent/internal/errors"
	"evm-defi-agent/internal/storage/sqlstore"
)

const (
	taskColumns = `id, session_id, query, metadata, status, attempts, max_retries, last_error, error_code, result, created_at, updated_at`

	insertTask = `INSERT INTO task_states (` + taskColumns + `, response)
VALUES (?, ?, ?, ?, ?, ?, ?, '', '', NULL, ?, ?, '')`

	// 只有 pending 且仍有剩余次数的任务可以被领取。
	claimTask = `UPDATE task_states
SET status = 'running', attempts = attempts + 1, last_error = '', error_code = '', updated_at = ?
WHERE id = ? AND status = 'pending' AND attempts < max_retries`

	finishTask = `UPDATE task_states
SET status = 'succeeded', result = ?, response = ?, last_error = '', error_code = '', updated_at = ?
WHERE id = ?`

	failTask = `UPDATE task_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	staleTasks = `SELECT id, attempts, max_retries FROM task_states WHERE status = 'running' AND updated_at < ? ORDER BY id`

	releaseTask = `UPDATE task_states SET status = ?, last_error = ?, error_code = ?, updated_at = ?
WHERE id = ? AND status = 'running' AND updated_at < ?`

	statsColumns = `SELECT COUNT(*),
COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
COALESCE(SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END), 0),
COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
COALESCE(MIN(updated_at), 0),
COALESCE(MAX(updated_at), 0)
FROM task_states`
)

// SQLStore 把任务保存在 task_states 表中，支持 MySQL 与 SQLite。
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore 复用 sqlstore 打开的连接池，表结构由 sqlstore 的迁移创建。
func NewSQLStore(db *sqlstore.DB) *SQLStore {
	return &SQLStore{db: db.SQL(), now: time.Now}
}

func (s *SQLStore) Create(ctx context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务或任务 ID 为空")
	}
	var metadata sql.NullString
	if len(t.Metadata) > 0 {
		raw, err := json.Marshal(t.Metadata)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "任务 metadata 无法编码")
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}
	t.CreatedAt = s.now().Unix()
	t.UpdatedAt = t.CreatedAt

	_, err := s.db.ExecContext(ctx, insertTask,
		t.ID, t.SessionID, t.Query, metadata, string(t.Status), t.Attempts, t.MaxRetries, t.CreatedAt, t.UpdatedAt)
	switch {
	case sqlstore.IsDuplicateKey(err):
		return ErrTaskConflict
	case err != nil:
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务失败")
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_states WHERE id = ?`, id))
	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		return nil, ErrTaskNotFound
	case err != nil:
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务失败")
	}
	return t, nil
}

// Claim 用条件 UPDATE 抢占任务，未命中时根据当前状态给出原因。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	res, err := s.db.ExecContext(ctx, claimTask, s.now().Unix(), id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取任务失败")
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取任务失败")
	}
	t, err := s.Get(ctx, id)
	if err != nil || claimed > 0 {
		return t, err
	}
	switch t.Status {
	case StatusSucceeded:
		return t, ErrTaskCompleted
	case StatusRunning:
		return t, ErrTaskConflict
	}
	return t, ErrTaskExhausted
}

func (s *SQLStore) MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "任务结果无法编码")
	}
	return s.exec(ctx, id, finishTask, string(raw), result.Response, s.now().Unix(), id)
}

func (s *SQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	return s.exec(ctx, id, failTask, string(status), lastError, string(code), s.now().Unix(), id)
}

// ReleaseStale 先读出候选任务再逐条条件更新，期间被 worker 刷新过的任务不受影响。
func (s *SQLStore) ReleaseStale(ctx context.Context, before int64) ([]string, error) {
	type candidate struct {
		id                   string
		attempts, maxRetries int
	}
	rows, err := s.db.QueryContext(ctx, staleTasks, before)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询滞留任务失败")
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.attempts, &c.maxRetries); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析滞留任务失败")
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询滞留任务失败")
	}

	var released []string
	now := s.now().Unix()
	for _, c := range candidates {
		status := StatusFailed
		if c.attempts < c.maxRetries {
			status = StatusPending
		}
		res, err := s.db.ExecContext(ctx, releaseTask,
			string(status), staleTaskMessage, string(CodeTaskProcessing), now, c.id, before)
		if err != nil {
			return released, xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放滞留任务失败")
		}
		if n, _ := res.RowsAffected(); n > 0 && status == StatusPending {
			released = append(released, c.id)
		}
	}
	return released, nil
}

// exec 执行针对单个任务的 UPDATE。MySQL 对未改变的行返回 0，因此 0 行时再查一次确认任务存在。
func (s *SQLStore) exec(ctx context.Context, id, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = s.Get(ctx, id)
	return err
}

func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	filter = filter.normalized()
	where, args := filter.where()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task_states`+where+filter.orderBy()+` LIMIT ? OFFSET ?`,
		append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	return tasks, nil
}

func (s *SQLStore) Stats(ctx context.Context, filter Filter) (Stats, error) {
	where, args := filter.normalized().where()
	var st Stats
	err := s.db.QueryRowContext(ctx, statsColumns+where, args...).Scan(
		&st.Total, &st.Pending, &st.Running, &st.Succeeded, &st.Failed, &st.OldestUpdatedAt, &st.NewestUpdatedAt)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务失败")
	}
	return st, nil
}

// Close 不关闭共享连接池，由 sqlstore.DB 的持有者负责。
func (s *SQLStore) Close() error { return nil }

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var (
		t                         Task
		status                    string
		metadata, lastErr, result sql.NullString
	)
	err := row.Scan(&t.ID, &t.SessionID, &t.Query, &metadata, &status, &t.Attempts, &t.MaxRetries,
		&lastErr, &t.ErrorCode, &result, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.LastError = lastErr.String
	if metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return nil, err
		}
	}
	if result.String != "" {
		t.Result = new(ExecutionResult)
		if err := json.Unmarshal([]byte(result.String), t.Result); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

var _ Store = (*SQLStore)(nil)
