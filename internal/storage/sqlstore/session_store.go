package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"evm-defi-agent/internal/conversation"
	xerrors "evm-defi-agent/internal/errors"
)

// SessionStore 把每个会话的对话快照保存为一行 JSON。
type SessionStore struct {
	db *DB
}

// NewSessionStore 基于已打开的连接创建会话存储。
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// Load 返回会话历史，会话不存在时返回空历史。
func (s *SessionStore) Load(ctx context.Context, id string) (conversation.Conversation, error) {
	var raw string
	err := s.db.db.QueryRowContext(ctx, `SELECT history FROM sessions WHERE id = ?`, id).Scan(&raw)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var history conversation.Conversation
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话历史失败")
	}
	return history, nil
}

// Save 覆盖写入会话历史。
func (s *SessionStore) Save(ctx context.Context, id string, history conversation.Conversation) error {
	encoded, err := json.Marshal(history)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化会话历史失败")
	}
	now := time.Now().Unix()
	stmt := s.db.Upsert("sessions", []string{"id", "history", "turns", "created_at", "updated_at"})
	if _, err := s.db.db.ExecContext(ctx, stmt, id, string(encoded), len(history), now, now); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话失败")
	}
	return nil
}

// Delete 删除会话，会话不存在时不报错。
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
	}
	return nil
}
