package task

import (
	"slices"
	"strings"
	"time"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Filter 描述列表与统计查询的筛选条件，内存存储与 SQL 存储共用同一套语义。
type Filter struct {
	SessionID string
	Statuses  []Status
	Since     time.Time
	Until     time.Time
	HasResult *bool
	Ascending bool
	Query     string
	Limit     int
	Offset    int
}

// FilterOption 修改 Filter。
type FilterOption func(*Filter)

// NewFilter 依次应用选项并归一化分页参数。
func NewFilter(opts ...FilterOption) Filter {
	var f Filter
	for _, opt := range opts {
		if opt != nil {
			opt(&f)
		}
	}
	return f.normalized()
}

// BySession 只保留指定会话的任务。
func BySession(sessionID string) FilterOption {
	return func(f *Filter) { f.SessionID = strings.TrimSpace(sessionID) }
}

// ByStatus 只保留处于给定状态之一的任务，未知状态会被忽略。
func ByStatus(statuses ...Status) FilterOption {
	return func(f *Filter) { f.Statuses = statuses }
}

// UpdatedBetween 按更新时间闭区间筛选，零值表示该侧不设限。
func UpdatedBetween(since, until time.Time) FilterOption {
	return func(f *Filter) {
		f.Since, f.Until = since, until
	}
}

// WithResult 按是否已有执行结果筛选。
func WithResult(present bool) FilterOption {
	return func(f *Filter) { f.HasResult = &present }
}

// OldestFirst 按更新时间升序返回。
func OldestFirst() FilterOption {
	return func(f *Filter) { f.Ascending = true }
}

// Matching 在 ID、会话、查询、错误与回复文本中做不区分大小写的子串匹配。
func Matching(text string) FilterOption {
	return func(f *Filter) { f.Query = text }
}

// Page 设置分页，limit 超出范围时取默认值或上限。
func Page(limit, offset int) FilterOption {
	return func(f *Filter) {
		f.Limit, f.Offset = limit, offset
	}
}

func (f Filter) normalized() Filter {
	switch {
	case f.Limit <= 0:
		f.Limit = defaultPageSize
	case f.Limit > maxPageSize:
		f.Limit = maxPageSize
	}
	f.Offset = max(f.Offset, 0)
	f.Query = strings.TrimSpace(f.Query)
	f.SessionID = strings.TrimSpace(f.SessionID)

	var statuses []Status
	for _, status := range f.Statuses {
		if IsValidStatus(status) && !slices.Contains(statuses, status) {
			statuses = append(statuses, status)
		}
	}
	f.Statuses = statuses
	return f
}

func (f Filter) matches(t *Task) bool {
	if f.SessionID != "" && t.SessionID != f.SessionID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if !f.Since.IsZero() && t.UpdatedAt < f.Since.Unix() {
		return false
	}
	if !f.Until.IsZero() && t.UpdatedAt > f.Until.Unix() {
		return false
	}
	if f.HasResult != nil && t.hasResult() != *f.HasResult {
		return false
	}
	if f.Query == "" {
		return true
	}
	needle := strings.ToLower(f.Query)
	haystack := []string{t.ID, t.SessionID, t.Query, t.LastError}
	if t.Result != nil {
		haystack = append(haystack, t.Result.Response)
	}
	return slices.ContainsFunc(haystack, func(s string) bool {
		return strings.Contains(strings.ToLower(s), needle)
	})
}

// before 给出列表排序：默认最新更新在前，平局时依次比较创建时间与 ID。
func (f Filter) before(a, b *Task) bool {
	if f.Ascending {
		a, b = b, a
	}
	if a.UpdatedAt != b.UpdatedAt {
		return a.UpdatedAt > b.UpdatedAt
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}

// where 生成与 matches 等价的 SQL 条件，使用 ? 占位符。
func (f Filter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if n := len(f.Statuses); n > 0 {
		conds = append(conds, "status IN ("+strings.TrimSuffix(strings.Repeat("?,", n), ",")+")")
		for _, status := range f.Statuses {
			args = append(args, string(status))
		}
	}
	if !f.Since.IsZero() {
		conds = append(conds, "updated_at >= ?")
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "updated_at <= ?")
		args = append(args, f.Until.Unix())
	}
	if f.HasResult != nil {
		cond := "COALESCE(response, '') <> ''"
		if !*f.HasResult {
			cond = "COALESCE(response, '') = ''"
		}
		conds = append(conds, cond)
	}
	if f.Query != "" {
		like := "%" + strings.ToLower(f.Query) + "%"
		conds = append(conds, "(LOWER(id) LIKE ? OR LOWER(session_id) LIKE ? OR LOWER(query) LIKE ? OR LOWER(last_error) LIKE ? OR LOWER(COALESCE(response, '')) LIKE ?)")
		args = append(args, like, like, like, like, like)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (f Filter) orderBy() string {
	dir := "DESC"
	if f.Ascending {
		dir = "ASC"
	}
	return " ORDER BY updated_at " + dir + ", created_at " + dir + ", id " + dir
}
