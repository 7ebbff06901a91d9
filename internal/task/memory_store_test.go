package task

import (
	"context"
	"testing"
	"time"

	xerrors "evm-defi-agent/internal/errors"
)

// steppedClock 每次调用前进一秒，让更新时间可预测。
func steppedClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func seededMemoryStore(t *testing.T) (*MemoryStore, time.Time) {
	t.Helper()
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore()
	store.now = steppedClock(start)

	for _, task := range []*Task{
		{ID: "t1", SessionID: "alice", Query: "check my MON balance", Status: StatusPending, MaxRetries: 3},
		{ID: "t2", SessionID: "bob", Query: "swap tokens", Status: StatusPending, MaxRetries: 3},
		{ID: "t3", SessionID: "alice", Query: "send 1 MON to bob", Status: StatusPending, MaxRetries: 3},
	} {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create %s: %v", task.ID, err)
		}
	}
	// t1..t3 created at +1s..+3s; t2 fails at +4s, t3 succeeds at +5s.
	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t3", ExecutionResult{Response: "sent"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	return store, start
}

func ids(tasks []*Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestMemoryStoreListFilters(t *testing.T) {
	store, start := seededMemoryStore(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"newest first by default", Filter{}, []string{"t3", "t2", "t1"}},
		{"oldest first", NewFilter(OldestFirst()), []string{"t1", "t2", "t3"}},
		{"status", NewFilter(ByStatus(StatusFailed, "bogus")), []string{"t2"}},
		{"session", NewFilter(BySession(" alice ")), []string{"t3", "t1"}},
		{"with result", NewFilter(WithResult(true)), []string{"t3"}},
		{"without result", NewFilter(WithResult(false)), []string{"t2", "t1"}},
		{"since", NewFilter(UpdatedBetween(start.Add(4*time.Second), time.Time{})), []string{"t3", "t2"}},
		{"until", NewFilter(UpdatedBetween(time.Time{}, start.Add(time.Second))), []string{"t1"}},
		{"text in query", NewFilter(Matching("BALANCE")), []string{"t1"}},
		{"text in session", NewFilter(Matching("bob")), []string{"t3", "t2"}},
		{"text in error", NewFilter(Matching("boom")), []string{"t2"}},
		{"page", NewFilter(Page(1, 1)), []string{"t2"}},
		{"page past end", NewFilter(Page(10, 5)), []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := store.List(ctx, tc.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if g := ids(got); len(g) != len(tc.want) || (len(g) > 0 && !equalIDs(g, tc.want)) {
				t.Fatalf("got %v, want %v", g, tc.want)
			}
		})
	}
}

func equalIDs(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMemoryStoreStats(t *testing.T) {
	store, start := seededMemoryStore(t)
	ctx := context.Background()

	stats, err := store.Stats(ctx, Filter{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{Total: 3, Pending: 1, Failed: 1, Succeeded: 1,
		OldestUpdatedAt: start.Add(time.Second).Unix(), NewestUpdatedAt: start.Add(5 * time.Second).Unix()}
	if stats != want {
		t.Fatalf("got %+v, want %+v", stats, want)
	}

	alice, err := store.Stats(ctx, NewFilter(BySession("alice"), Page(1, 0)))
	if err != nil {
		t.Fatalf("stats by session: %v", err)
	}
	if alice.Total != 2 || alice.Pending != 1 || alice.Succeeded != 1 {
		t.Fatalf("paging must not affect stats: %+v", alice)
	}

	running, err := store.Stats(ctx, NewFilter(ByStatus(StatusRunning)))
	if err != nil {
		t.Fatalf("stats running: %v", err)
	}
	if running != (Stats{}) {
		t.Fatalf("expected empty stats, got %+v", running)
	}
}

func TestMemoryStoreClaimHonoursRetryBudget(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "r1", Query: "balance", Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: "r1", Query: "again"}); !xerrors.HasCode(err, CodeTaskConflict) {
		t.Fatalf("expected conflict for duplicate id, got %v", err)
	}

	claimed, err := store.Claim(ctx, "r1")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}
	if _, err := store.Claim(ctx, "r1"); !xerrors.HasCode(err, CodeTaskConflict) {
		t.Fatalf("expected conflict for running task, got %v", err)
	}

	if err := store.MarkFailed(ctx, "r1", CodeTaskProcessing, "model down", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	again, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Status != StatusPending || again.LastError != "model down" || again.ErrorCode != string(CodeTaskProcessing) {
		t.Fatalf("expected task back in pending with error recorded: %+v", again)
	}

	if _, err := store.Claim(ctx, "r1"); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "r1", CodeTaskProcessing, "model down", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); !xerrors.HasCode(err, CodeTaskExhausted) {
		t.Fatalf("expected exhausted after max attempts, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing"); !xerrors.HasCode(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &Task{ID: "c1", Query: "q", Metadata: map[string]any{"k": "v"}, MaxRetries: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := store.Get(ctx, "c1")
	got.Metadata["k"] = "changed"
	got.Status = StatusFailed

	fresh, _ := store.Get(ctx, "c1")
	if fresh.Metadata["k"] != "v" || fresh.Status != "" {
		t.Fatalf("store state leaked through returned copy: %+v", fresh)
	}
}

func TestMemoryStoreReleasesStaleRunningTasks(t *testing.T) {
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore()
	store.now = steppedClock(start)

	// 创建于 +1s..+3s，s1、s2 在 +4s、+5s 领取，s3 在 +6s 领取。
	for _, task := range []*Task{
		{ID: "s1", Query: "balance", Status: StatusPending, MaxRetries: 2},
		{ID: "s2", Query: "swap", Status: StatusPending, MaxRetries: 1},
		{ID: "s3", Query: "send", Status: StatusPending, MaxRetries: 2},
	} {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create %s: %v", task.ID, err)
		}
	}
	for _, id := range []string{"s1", "s2", "s3"} {
		if _, err := store.Claim(ctx, id); err != nil {
			t.Fatalf("claim %s: %v", id, err)
		}
	}

	released, err := store.ReleaseStale(ctx, start.Add(6*time.Second).Unix())
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(released) != 1 || released[0] != "s1" {
		t.Fatalf("expected only s1 to be released, got %v", released)
	}

	for id, want := range map[string]Status{"s1": StatusPending, "s2": StatusFailed, "s3": StatusRunning} {
		got, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Status != want {
			t.Fatalf("%s: expected %s, got %s", id, want, got.Status)
		}
		if want != StatusRunning && got.ErrorCode != string(CodeTaskProcessing) {
			t.Fatalf("%s: expected processing error code, got %+v", id, got)
		}
	}
	if claimed, err := store.Claim(ctx, "s1"); err != nil || claimed.Attempts != 2 {
		t.Fatalf("released task should be claimable again: %+v %v", claimed, err)
	}
}
