package webapi

import (
	"net/http"
	"strings"

	"filtersync/logger"
)

// handleUserRules 用户规则：GET 读取，PUT 整体替换，POST 追加一条，DELETE 删除一条
func (s *Server) handleUserRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rules, err := s.app.UserRules(r.Context())
		if err != nil {
			s.writeAppError(w, "Failed to read user rules", err)
			return
		}
		s.writeJSONSuccess(w, "User rules retrieved", map[string]interface{}{
			"content": strings.Join(rules, "\n"),
			"rules":   rules,
		})

	case http.MethodPut:
		var payload struct {
			Content string `json:"content"`
		}
		if !s.decodeBody(w, r, &payload) {
			return
		}
		s.app.SetUserRules(r.Context(), strings.Split(payload.Content, "\n"))
		logger.Info("[WebAPI] user rules replaced")
		s.writeJSONSuccess(w, "User rules saved successfully", nil)

	case http.MethodPost, http.MethodDelete:
		var payload struct {
			Rule string `json:"rule"`
		}
		if !s.decodeBody(w, r, &payload) {
			return
		}
		var err error
		if r.Method == http.MethodPost {
			err = s.app.AddUserRule(r.Context(), payload.Rule)
		} else {
			err = s.app.RemoveUserRule(r.Context(), payload.Rule)
		}
		if err != nil {
			s.writeAppError(w, "Failed to update user rules", err)
			return
		}
		s.writeJSONSuccess(w, "User rules updated successfully", nil)

	default:
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
	}
}

// handleAllowlist 白名单：GET 读取，POST 添加域名，DELETE 删除域名
func (s *Server) handleAllowlist(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rules, err := s.app.Allowlist(r.Context())
		if err != nil {
			s.writeAppError(w, "Failed to read allowlist", err)
			return
		}
		s.writeJSONSuccess(w, "Allowlist retrieved", rules)

	case http.MethodPost, http.MethodDelete:
		var payload struct {
			Domain string `json:"domain"`
		}
		if !s.decodeBody(w, r, &payload) {
			return
		}
		var err error
		if r.Method == http.MethodPost {
			err = s.app.AddAllowlistDomain(r.Context(), payload.Domain)
		} else {
			err = s.app.RemoveAllowlistDomain(r.Context(), payload.Domain)
		}
		if err != nil {
			s.writeAppError(w, "Failed to update allowlist", err)
			return
		}
		s.writeJSONSuccess(w, "Allowlist updated successfully", nil)

	default:
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
	}
}

// handleFlush 立即处理挂起的规则变更，不等待去抖
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	res := s.app.Flush(r.Context())
	data := map[string]interface{}{
		"events":    res.Events,
		"persisted": res.Persisted,
		"rebuilt":   res.Rebuilt,
	}
	if res.Snapshot != nil {
		data["engine_version"] = res.Snapshot.Version
	}
	if res.Err != nil {
		s.writeJSONError(w, "Rebuild failed: "+res.Err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSONSuccess(w, "Pending changes applied", data)
}
