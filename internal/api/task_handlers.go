package api

import (
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "evm-defi-agent/internal/errors"
	"evm-defi-agent/internal/task"
)

type submitTaskRequest struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Query     string         `json:"query"`
	Metadata  map[string]any `json:"metadata"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "异步任务未启用")
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET/POST")
	}
}

// handleCreateTask 把查询放入队列，立即返回任务信息。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	created, err := s.tasks.Submit(r.Context(), task.Request{
		ID:        req.ID,
		SessionID: sessionFrom(r, req.SessionID),
		Query:     req.Query,
		Metadata:  req.Metadata,
	})
	if err != nil {
		if xerrors.HasCode(err, task.CodeTaskValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("提交任务失败", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts, err := parseTaskFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "stats": stats})
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "异步任务未启用")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "缺少任务 ID")
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		if xerrors.HasCode(err, task.CodeTaskNotFound) {
			writeError(w, http.StatusNotFound, "任务不存在")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// taskFilterParams 把查询参数映射为任务筛选条件。
var taskFilterParams = map[string]func(raw string) (task.FilterOption, error){
	"session_id": func(raw string) (task.FilterOption, error) { return task.BySession(raw), nil },
	"q":          func(raw string) (task.FilterOption, error) { return task.Matching(raw), nil },
	"status": func(raw string) (task.FilterOption, error) {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, stdErrors.New(string(status))
			}
			statuses = append(statuses, status)
		}
		return task.ByStatus(statuses...), nil
	},
	"has_result": func(raw string) (task.FilterOption, error) {
		present, err := strconv.ParseBool(raw)
		return task.WithResult(present), err
	},
	"order": func(raw string) (task.FilterOption, error) {
		switch raw {
		case "asc":
			return task.OldestFirst(), nil
		case "desc":
			return nil, nil
		}
		return nil, stdErrors.New(raw)
	},
}

// parseTaskFilter 解析列表查询参数。limit 与 offset 合并为一个分页选项，since 与 until 合并为一个时间区间。
func parseTaskFilter(r *http.Request) ([]task.FilterOption, error) {
	values := r.URL.Query()
	var opts []task.FilterOption
	for name, parse := range taskFilterParams {
		raw := strings.TrimSpace(values.Get(name))
		if raw == "" {
			continue
		}
		opt, err := parse(raw)
		if err != nil {
			return nil, invalidParamError(name)
		}
		if opt != nil {
			opts = append(opts, opt)
		}
	}

	var limit, offset int
	var since, until time.Time
	for name, dst := range map[string]*int{"limit": &limit, "offset": &offset} {
		if raw := values.Get(name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, invalidParamError(name)
			}
			*dst = n
		}
	}
	for name, dst := range map[string]*time.Time{"since": &since, "until": &until} {
		if raw := values.Get(name); raw != "" {
			ts, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, invalidParamError(name)
			}
			*dst = time.Unix(ts, 0)
		}
	}
	return append(opts, task.Page(limit, offset), task.UpdatedBetween(since, until)), nil
}

type invalidParamError string

func (e invalidParamError) Error() string { return "参数不合法: " + string(e) }
