package webapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"filtersync/app"
	"filtersync/config"
	"filtersync/logger"
)

// APIResponse 统一的 API 响应格式
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Server Web API 服务器
type Server struct {
	cfg      *config.Config
	app      *app.App
	listener http.Server
}

// NewServer 创建新的 Web API 服务器
func NewServer(cfg *config.Config, a *app.App) *Server {
	return &Server{
		cfg: cfg,
		app: a,
	}
}

// Handler 返回注册了所有路由的 handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.app.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/config", s.handleConfig)

	// 过滤器与分组
	mux.HandleFunc("/api/filters", s.handleFilters)
	mux.HandleFunc("/api/filters/toggle", s.handleFilterToggle)
	mux.HandleFunc("/api/filters/custom", s.handleCustomFilter) // POST 添加, DELETE 删除
	mux.HandleFunc("/api/filters/update", s.handleFiltersUpdate)
	mux.HandleFunc("/api/groups", s.handleGroups)
	mux.HandleFunc("/api/groups/toggle", s.handleGroupToggle)

	// 用户规则与白名单
	mux.HandleFunc("/api/rules/user", s.handleUserRules)
	mux.HandleFunc("/api/rules/allowlist", s.handleAllowlist)
	mux.HandleFunc("/api/rules/flush", s.handleFlush)

	// 匹配与事务
	mux.HandleFunc("/api/check", s.handleCheck)
	mux.HandleFunc("/api/requests", s.handleRequests)
	mux.HandleFunc("/api/requests/complete", s.handleRequestComplete)
	mux.HandleFunc("/api/requests/content", s.handleRequestContent)

	// 统计与过滤日志
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/stats/clear", s.handleClearStats)
	mux.HandleFunc("/api/stats/hits", s.handleHits)
	mux.HandleFunc("/api/log", s.handleFilteringLog)
	mux.HandleFunc("/api/log/tabs", s.handleLogTabs)

	return s.corsMiddleware(mux)
}

// Start 启动 Web API 服务
func (s *Server) Start() error {
	if !s.cfg.WebUI.Enabled {
		logger.Info("[WebAPI] disabled")
		return nil
	}

	addr := fmt.Sprintf(":%d", s.cfg.WebUI.ListenPort)
	s.listener = http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Infof("[WebAPI] server started on http://localhost:%d", s.cfg.WebUI.ListenPort)
	if err := s.listener.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 优雅关闭
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("[WebAPI] shutting down...")
	return s.listener.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if !s.app.Holder().Ready() {
		// 尚未构建出引擎，所有请求放行
		status = "starting"
	}
	s.writeJSONSuccess(w, status, map[string]interface{}{
		"status":       status,
		"engine_ready": s.app.Holder().Ready(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSONSuccess(w, "Config retrieved successfully", s.cfg)
}
