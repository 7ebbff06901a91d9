package task

import (
	"context"
	"slices"
	"sync"
	"time"

	xerrors "evm-defi-agent/internal/errors"
)

// MemoryStore 把任务保存在进程内，重启即丢失。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务或任务 ID 为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return ErrTaskConflict
	}
	t.UpdatedAt = m.now().Unix()
	if t.CreatedAt == 0 {
		t.CreatedAt = t.UpdatedAt
	}
	m.tasks[t.ID] = t.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tasks[id]; ok {
		return t.clone(), nil
	}
	return nil, ErrTaskNotFound
}

// Claim 的判定顺序与 SQLStore 一致：已成功、运行中、已失败或次数耗尽。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	return m.update(id, func(t *Task) error {
		switch {
		case t.Status == StatusSucceeded:
			return ErrTaskCompleted
		case t.Status == StatusRunning:
			return ErrTaskConflict
		case t.Status == StatusFailed, t.Attempts >= t.MaxRetries:
			return ErrTaskExhausted
		}
		t.Status = StatusRunning
		t.Attempts++
		t.LastError, t.ErrorCode = "", ""
		return nil
	})
}

func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result ExecutionResult) error {
	_, err := m.update(id, func(t *Task) error {
		t.Status = StatusSucceeded
		t.Result = result.clone()
		t.LastError, t.ErrorCode = "", ""
		return nil
	})
	return err
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	_, err := m.update(id, func(t *Task) error {
		t.Status = StatusPending
		if terminal {
			t.Status = StatusFailed
		}
		t.LastError, t.ErrorCode = lastError, string(code)
		return nil
	})
	return err
}

func (m *MemoryStore) ReleaseStale(_ context.Context, before int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released []string
	now := m.now().Unix()
	for id, t := range m.tasks {
		if t.Status != StatusRunning || t.UpdatedAt >= before {
			continue
		}
		t.Status = StatusFailed
		if t.Attempts < t.MaxRetries {
			t.Status = StatusPending
			released = append(released, id)
		}
		t.LastError, t.ErrorCode = staleTaskMessage, string(CodeTaskProcessing)
		t.UpdatedAt = now
	}
	slices.Sort(released)
	return released, nil
}

// update 在写锁内修改任务。mutate 返回错误时任务保持不变，但仍返回当前副本。
func (m *MemoryStore) update(id string, mutate func(*Task) error) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if err := mutate(t); err != nil {
		return t.clone(), err
	}
	t.UpdatedAt = m.now().Unix()
	return t.clone(), nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*Task, error) {
	filter = filter.normalized()
	m.mu.RLock()
	var matched []*Task
	for _, t := range m.tasks {
		if filter.matches(t) {
			matched = append(matched, t.clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *Task) int {
		switch {
		case filter.before(a, b):
			return -1
		case filter.before(b, a):
			return 1
		}
		return 0
	})
	if filter.Offset >= len(matched) {
		return []*Task{}, nil
	}
	matched = matched[filter.Offset:]
	return matched[:min(len(matched), filter.Limit)], nil
}

func (m *MemoryStore) Stats(_ context.Context, filter Filter) (Stats, error) {
	filter = filter.normalized()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats Stats
	for _, t := range m.tasks {
		if filter.matches(t) {
			stats.add(t)
		}
	}
	return stats, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
