package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"evm-defi-agent/internal/chat"
	"evm-defi-agent/internal/conversation"
	xerrors "evm-defi-agent/internal/errors"
)

const defaultSession = chat.DefaultSessionID

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

type toolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// toolCallResponse 描述一次直接工具调用的结果，Result 在负载为合法 JSON 时原样输出。
type toolCallResponse struct {
	Tool     string `json:"tool"`
	Result   any    `json:"result,omitempty"`
	IsError  bool   `json:"is_error"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 POST")
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "No query provided")
		return
	}

	sessionID := sessionFrom(r, req.SessionID)
	result, err := s.chat.Query(r.Context(), sessionID, req.Query)
	if err != nil {
		s.logger.Error("处理查询失败", slog.String("session_id", sessionID), slog.Any("error", err))
		if result == nil {
			writeError(w, http.StatusInternalServerError, "Error processing query: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	writeJSON(w, http.StatusOK, s.chat.Status())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 POST")
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	if err := s.chat.Reset(r.Context(), sessionFrom(r, req.SessionID)); err != nil {
		writeError(w, http.StatusInternalServerError, "Error resetting conversation: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Conversation reset successfully",
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	sessionID := sessionFrom(r, r.URL.Query().Get("session_id"))
	history, err := s.chat.History(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Error loading conversation: "+err.Error())
		return
	}
	if history == nil {
		history = conversation.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"turns":      len(history),
		"history":    history,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	descriptors := s.chat.Tools()
	tools := make([]toolInfo, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, toolInfo{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools, "count": len(tools)})
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 POST")
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/tools/"), "/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "缺少工具名称")
		return
	}

	args := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "工具参数必须是 JSON 对象")
		return
	}

	result, err := s.chat.CallTool(r.Context(), name, args)
	if err != nil {
		status := http.StatusInternalServerError
		if xerrors.HasCode(err, xerrors.CodeToolNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	resp := toolCallResponse{Tool: name, Attempts: result.Attempts}
	if !result.OK() {
		resp.Error = result.Failure.Reason
		resp.Kind = string(result.Failure.Kind)
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	resp.IsError = result.IsError
	if json.Valid([]byte(result.Payload)) {
		resp.Result = json.RawMessage(result.Payload)
	} else {
		resp.Result = result.Payload
	}
	writeJSON(w, http.StatusOK, resp)
}
