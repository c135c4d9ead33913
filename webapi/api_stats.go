package webapi

import (
	"net/http"

	"filtersync/logger"
	"filtersync/model"
	"filtersync/stats"
)

// handleStats 处理统计信息请求
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	data := s.app.Stats().GetStats()
	data["active_filters"] = len(s.app.Registry().ActiveFilters())
	data["active_transactions"] = s.app.Tracker().Len()
	if snap := s.app.Holder().Current(); snap != nil {
		data["engine"] = map[string]interface{}{
			"version":  snap.Version,
			"built_at": snap.BuiltAt,
			"filters":  snap.Filters,
			"rules":    snap.RuleRows,
		}
	}
	s.writeJSONSuccess(w, "Stats retrieved successfully", data)
}

func (s *Server) handleClearStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	s.app.Stats().Reset()
	logger.Info("[WebAPI] statistics cleared")
	s.writeJSONSuccess(w, "All stats cleared successfully", nil)
}

// handleHits 规则命中排行
func (s *Server) handleHits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	limit := queryInt(r, "limit", 20)
	if limit <= 0 {
		limit = 20
	}
	hits := s.app.Stats().Hits()
	s.writeJSONSuccess(w, "Rule hits retrieved successfully", map[string]interface{}{
		"top_rules":   hits.TopRules(limit),
		"top_domains": hits.TopDomains(limit),
		"filters":     hits.FilterHits(),
	})
}

// handleFilteringLog 某个标签页的过滤日志，默认后台标签页
func (s *Server) handleFilteringLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	tabID := queryInt(r, "tab", model.BackgroundTabID)
	events := s.app.FilteringLog().Events(tabID)
	if events == nil {
		events = []stats.LogEntry{}
	}
	s.writeJSONSuccess(w, "Filtering log retrieved successfully", events)
}

func (s *Server) handleLogTabs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSONSuccess(w, "Tabs retrieved successfully", s.app.FilteringLog().Tabs())
}
