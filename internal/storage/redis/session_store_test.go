package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"evm-defi-agent/internal/conversation"
)

// 需要设置 EVMAGENT_TEST_REDIS_ADDR 指向可用的 Redis 实例。
func TestSessionStoreAgainstRedis(t *testing.T) {
	addr := os.Getenv("EVMAGENT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("EVMAGENT_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewSessionStore(ctx, Config{Addr: addr, Prefix: "evmagent:test:" + uuid.NewString() + ":", TTL: time.Minute})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer store.Close()

	history := conversation.Conversation{conversation.System("p"), conversation.User("hi"), conversation.Assistant("hello")}
	if err := store.Save(ctx, "s1", history); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load(ctx, "s1")
	if err != nil || len(loaded) != 3 {
		t.Fatalf("load: %+v, %v", loaded, err)
	}
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if loaded, err := store.Load(ctx, "s1"); err != nil || loaded != nil {
		t.Fatalf("expected empty after delete, got %+v, %v", loaded, err)
	}
}

func TestNewSessionStoreRequiresAddr(t *testing.T) {
	if _, err := NewSessionStore(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestKeyPrefixDefault(t *testing.T) {
	store := NewSessionStoreWithClient(nil, "", 0)
	if got := store.key("abc"); got != "evmagent:session:abc" {
		t.Fatalf("unexpected key %q", got)
	}
}
