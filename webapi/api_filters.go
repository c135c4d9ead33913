package webapi

import (
	"net/http"

	"filtersync/logger"
	"filtersync/model"
	"filtersync/registry"
)

// filterView 过滤器及其当前是否参与引擎构建
type filterView struct {
	model.FilterRecord
	Active bool `json:"active"`
}

// handleFilters 列出所有过滤器
func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	active := make(map[model.FilterID]bool)
	for _, f := range s.app.Registry().ActiveFilters() {
		active[f.ID] = true
	}
	filters := s.app.Registry().Filters()
	out := make([]filterView, 0, len(filters))
	for _, f := range filters {
		out = append(out, filterView{FilterRecord: f, Active: active[f.ID]})
	}
	s.writeJSONSuccess(w, "Filters retrieved successfully", out)
}

// handleFilterToggle 启用或禁用过滤器
func (s *Server) handleFilterToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		FilterID model.FilterID `json:"filter_id"`
		Enabled  bool           `json:"enabled"`
	}
	if !s.decodeBody(w, r, &payload) {
		return
	}

	var err error
	if payload.Enabled {
		err = s.app.EnableFilter(r.Context(), payload.FilterID)
	} else {
		err = s.app.DisableFilter(r.Context(), payload.FilterID)
	}
	if err != nil {
		logger.Errorf("[WebAPI] Failed to set filter %d enabled to %v: %v", payload.FilterID, payload.Enabled, err)
		s.writeAppError(w, "Failed to update filter", err)
		return
	}

	f, _ := s.app.Registry().Filter(payload.FilterID)
	s.writeJSONSuccess(w, "Filter status updated successfully", f)
}

// handleCustomFilter 添加（POST）或删除（DELETE）自定义过滤器
func (s *Server) handleCustomFilter(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			URL     string `json:"url"`
			Name    string `json:"name"`
			Trusted bool   `json:"trusted"`
		}
		if !s.decodeBody(w, r, &payload) {
			return
		}
		if payload.URL == "" {
			s.writeJSONError(w, "URL cannot be empty", http.StatusBadRequest)
			return
		}

		f, err := s.app.AddCustomFilter(r.Context(), registry.CustomFilterInfo{
			URL:     payload.URL,
			Name:    payload.Name,
			Trusted: payload.Trusted,
		})
		if err != nil {
			logger.Errorf("[WebAPI] Failed to add custom filter %s: %v", payload.URL, err)
			s.writeAppError(w, "Failed to add custom filter", err)
			return
		}
		s.writeJSONSuccess(w, "Custom filter added successfully", f)

	case http.MethodDelete:
		var payload struct {
			FilterID model.FilterID `json:"filter_id"`
		}
		if !s.decodeBody(w, r, &payload) {
			return
		}
		if err := s.app.RemoveCustomFilter(r.Context(), payload.FilterID); err != nil {
			logger.Errorf("[WebAPI] Failed to remove custom filter %d: %v", payload.FilterID, err)
			s.writeAppError(w, "Failed to remove custom filter", err)
			return
		}
		s.writeJSONSuccess(w, "Custom filter removed successfully", nil)

	default:
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
	}
}

// handleFiltersUpdate 立即检查过滤器更新
func (s *Server) handleFiltersUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	force := r.URL.Query().Get("force") != "false"
	res, err := s.app.UpdateFilters(r.Context(), force)
	if err != nil {
		s.writeAppError(w, "Failed to check updates", err)
		return
	}
	logger.Infof("[WebAPI] update check: %d checked, %d updated, %d failed",
		len(res.Checked), len(res.Updated), len(res.Failed))
	s.writeJSONSuccess(w, "Update check finished", res)
}

// handleGroups 列出所有分组
func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSONSuccess(w, "Groups retrieved successfully", s.app.Registry().Groups())
}

// handleGroupToggle 启用或禁用分组
func (s *Server) handleGroupToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		GroupID model.GroupID `json:"group_id"`
		Enabled bool          `json:"enabled"`
	}
	if !s.decodeBody(w, r, &payload) {
		return
	}
	if err := s.app.SetGroupEnabled(r.Context(), payload.GroupID, payload.Enabled); err != nil {
		s.writeAppError(w, "Failed to update group", err)
		return
	}
	g, _ := s.app.Registry().Group(payload.GroupID)
	s.writeJSONSuccess(w, "Group status updated successfully", g)
}
