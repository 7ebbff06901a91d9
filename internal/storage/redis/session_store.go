package redis

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"evm-defi-agent/internal/conversation"
	xerrors "evm-defi-agent/internal/errors"
)

// Config 描述 Redis 会话存储的连接参数。
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// SessionStore 以 JSON 字符串保存会话历史，每次写入刷新过期时间。
type SessionStore struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

// NewSessionStore 连接 Redis 并校验可用性。
func NewSessionStore(ctx context.Context, cfg Config) (*SessionStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 地址不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewSessionStoreWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewSessionStoreWithClient 复用已有的客户端。
func NewSessionStoreWithClient(client *goredis.Client, prefix string, ttl time.Duration) *SessionStore {
	if prefix == "" {
		prefix = "evmagent:session:"
	}
	return &SessionStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *SessionStore) key(id string) string {
	return s.prefix + id
}

// Load 返回会话历史，键不存在时返回空历史。
func (s *SessionStore) Load(ctx context.Context, id string) (conversation.Conversation, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if stdErrors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	var history conversation.Conversation
	if err := json.Unmarshal(raw, &history); err != nil {
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
	if err := s.client.Set(ctx, s.key(id), encoded, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	return nil
}

// Delete 删除会话。
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *SessionStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
