package webapi

import (
	"net/http"

	"github.com/google/uuid"

	"filtersync/engine"
	"filtersync/model"
	"filtersync/reqctx"
)

// MatchResponse 一次匹配的结果
type MatchResponse struct {
	RequestID      string       `json:"request_id,omitempty"`
	Blocked        bool         `json:"blocked"`
	Rule           *model.Rule  `json:"rule,omitempty"`
	CSPRules       []model.Rule `json:"csp_rules,omitempty"`
	ReplaceRules   []model.Rule `json:"replace_rules,omitempty"`
	StealthActions []string     `json:"stealth_actions,omitempty"`
	EngineVersion  uint64       `json:"engine_version"`
}

func (s *Server) matchResponse(requestID string, res *engine.MatchResult) MatchResponse {
	out := MatchResponse{RequestID: requestID, Blocked: res.Blocked()}
	if res != nil {
		out.Rule = res.BasicRule
		out.CSPRules = res.CSPRules
		out.ReplaceRules = res.ReplaceRules
		out.StealthActions = res.StealthActions
	}
	if snap := s.app.Holder().Current(); snap != nil {
		out.EngineVersion = snap.Version
	}
	return out
}

// handleCheck 测试 URL 是否会被拦截，不记录事务
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	target := q.Get("url")
	if target == "" {
		s.writeJSONError(w, "Missing url parameter", http.StatusBadRequest)
		return
	}

	res := s.app.Check(&engine.Request{
		URL:       target,
		SourceURL: q.Get("referrer"),
		Type:      model.ParseRequestType(q.Get("type")),
	})
	s.writeJSONSuccess(w, "Check completed", s.matchResponse("", res))
}

// handleRequests POST 开始一个事务并返回匹配结果；GET 查看进行中的事务
func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		id := r.URL.Query().Get("id")
		if id == "" {
			s.writeJSONSuccess(w, "Active transactions", map[string]int{"active": s.app.Tracker().Len()})
			return
		}
		ctx, ok := s.app.Tracker().Get(id)
		if !ok {
			s.writeJSONError(w, "Transaction not found", http.StatusNotFound)
			return
		}
		s.writeJSONSuccess(w, "Transaction retrieved", map[string]interface{}{
			"request_id":              ctx.RequestID,
			"request_url":             ctx.RequestURL,
			"request_type":            ctx.RequestType,
			"tab":                     ctx.Tab,
			"request_state":           ctx.RequestState.String(),
			"content_modifying_state": ctx.ContentModifyingState.String(),
			"rule":                    ctx.RequestRule,
		})

	case http.MethodPost:
		var payload struct {
			RequestID   string `json:"request_id"`
			URL         string `json:"url"`
			Referrer    string `json:"referrer"`
			Origin      string `json:"origin"`
			RequestType string `json:"request_type"`
			TabID       *int   `json:"tab_id"`
			TabURL      string `json:"tab_url"`
		}
		if !s.decodeBody(w, r, &payload) {
			return
		}
		if payload.URL == "" {
			s.writeJSONError(w, "URL cannot be empty", http.StatusBadRequest)
			return
		}
		if payload.RequestID == "" {
			payload.RequestID = uuid.NewString()
		}
		tab := model.Tab{ID: model.BackgroundTabID, URL: payload.TabURL}
		if payload.TabID != nil {
			tab.ID = *payload.TabID
		}

		res := s.app.Evaluate(reqctx.RecordParams{
			RequestID:   payload.RequestID,
			RequestURL:  payload.URL,
			ReferrerURL: payload.Referrer,
			OriginURL:   payload.Origin,
			RequestType: model.ParseRequestType(payload.RequestType),
			Tab:         tab,
		})
		s.writeJSONSuccess(w, "Request evaluated", s.matchResponse(payload.RequestID, res))

	default:
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
	}
}

// handleRequestComplete 请求阶段结束
func (s *Server) handleRequestComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		RequestID string `json:"request_id"`
	}
	if !s.decodeBody(w, r, &payload) {
		return
	}
	if payload.RequestID == "" {
		s.writeJSONError(w, "request_id cannot be empty", http.StatusBadRequest)
		return
	}
	s.app.Complete(payload.RequestID)
	s.writeJSONSuccess(w, "Request completed", nil)
}

// handleRequestContent 内容修改阶段：start 开始，finish 结束，rule 记录一条内容规则
func (s *Server) handleRequestContent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		RequestID string     `json:"request_id"`
		Phase     string     `json:"phase"`
		Rule      model.Rule `json:"rule"`
		Element   string     `json:"element"`
	}
	if !s.decodeBody(w, r, &payload) {
		return
	}
	if payload.RequestID == "" {
		s.writeJSONError(w, "request_id cannot be empty", http.StatusBadRequest)
		return
	}

	tracker := s.app.Tracker()
	switch payload.Phase {
	case "start":
		tracker.OnContentModificationStarted(payload.RequestID)
	case "finish":
		tracker.OnContentModificationFinished(payload.RequestID)
	case "rule":
		if payload.Rule.Text == "" {
			s.writeJSONError(w, "rule cannot be empty", http.StatusBadRequest)
			return
		}
		tracker.BindContentRule(payload.RequestID, payload.Rule, payload.Element)
	default:
		s.writeJSONError(w, "Invalid phase. Must be 'start', 'finish', or 'rule'", http.StatusBadRequest)
		return
	}
	s.writeJSONSuccess(w, "Content phase updated", nil)
}
