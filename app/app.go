// Package app 创建并连接所有组件：存储、注册表、更新调度、重建协调、引擎与请求跟踪
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/prometheus/client_golang/prometheus"

	"filtersync/config"
	"filtersync/engine"
	"filtersync/eventbus"
	"filtersync/logger"
	"filtersync/metrics"
	"filtersync/model"
	"filtersync/rebuild"
	"filtersync/registry"
	"filtersync/remote"
	"filtersync/reqctx"
	"filtersync/stats"
	"filtersync/storage"
	"filtersync/update"
)

const (
	// ErrEmptyRule 规则文本为空
	ErrEmptyRule errors.Error = "empty rule"
	// ErrInvalidDomain 白名单域名无效
	ErrInvalidDomain errors.Error = "invalid domain"
)

const (
	// 超过该时长仍未结束的事务视为被放弃
	contextMaxAge = 5 * time.Minute
	sweepInterval = time.Minute
)

var (
	userFilter      = model.FilterRecord{ID: model.UserFilterID, Name: "User rules", Enabled: true, Installed: true}
	allowlistFilter = model.FilterRecord{ID: model.AllowlistFilterID, Name: "Allowlist", Enabled: true, Installed: true}
)

// App 进程内唯一的组件集合
type App struct {
	cfg *config.Config

	store       storage.Store
	bus         *eventbus.Bus
	registry    *registry.Registry
	remote      *remote.Client
	holder      *engine.Holder
	builder     *engine.Builder
	coordinator *rebuild.Coordinator
	scheduler   *update.Scheduler

	tracker *reqctx.Tracker
	flog    *stats.FilteringLog
	stats   *stats.Stats
	metrics *metrics.Metrics
	promReg *prometheus.Registry

	unsubscribe []func()

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// hitReporter 规则命中同时写入统计与指标
type hitReporter struct {
	stats   *stats.Stats
	metrics *metrics.Metrics
}

func (h *hitReporter) AddRuleHit(domain, ruleText string, filterID model.FilterID) {
	h.stats.AddRuleHit(domain, ruleText, filterID)
	if h.metrics != nil {
		h.metrics.RuleHitsTotal.WithLabelValues(strconv.Itoa(int(filterID))).Inc()
	}
}

// New 按配置创建所有组件，不启动任何后台任务
func New(cfg *config.Config) (*App, error) {
	period, err := cfg.Update.PeriodDuration()
	if err != nil {
		return nil, err
	}

	st, err := storage.Open(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	client, err := remote.NewClient(&cfg.Remote)
	if err != nil {
		st.Close()
		return nil, err
	}

	flog, err := stats.NewFilteringLog(cfg.Stats.LogMaxTabs, cfg.Stats.LogEntriesPerTab)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		store:   st,
		bus:     eventbus.New(),
		remote:  client,
		holder:  engine.NewHolder(),
		flog:    flog,
		stats:   stats.NewStats(&cfg.Stats),
		promReg: prometheus.NewRegistry(),
		stopCh:  make(chan struct{}),
	}

	hits := &hitReporter{stats: a.stats}
	a.tracker = reqctx.NewTracker(flog, hits)
	a.metrics = metrics.New(a.promReg, func() float64 { return float64(a.tracker.Len()) })
	hits.metrics = a.metrics

	a.registry = registry.New(registry.BuiltinCatalog(), st, a.bus)
	a.builder = engine.NewBuilder(a.registry, st, engine.NewCompiler(cfg.Filtering.Engine), a.holder, a.bus, engine.BuilderOptions{
		EngineName: cfg.Filtering.Engine,
		ChunkSize:  cfg.Filtering.ChunkSize,
		Verbose:    cfg.Filtering.Verbose,
		OnBuilt:    a.onBuilt,
	})
	a.coordinator = rebuild.New(a.bus, st, a.builder, rebuild.Options{
		Debounce: time.Duration(cfg.Filtering.DebounceMs) * time.Millisecond,
		MaxWait:  time.Duration(cfg.Filtering.MaxDebounceWaitMs) * time.Millisecond,
		Metrics:  a.metrics,
	})
	a.scheduler = update.New(a.registry, client, a.bus, update.Options{
		Period:        period,
		InitialDelay:  time.Duration(cfg.Update.InitialDelaySeconds) * time.Second,
		CheckInterval: time.Duration(cfg.Update.CheckIntervalMin) * time.Minute,
		Concurrency:   cfg.Update.Concurrency,
		UseOptimized:  cfg.Filtering.UseOptimized,
		Metrics:       a.metrics,
	})

	a.unsubscribe = append(a.unsubscribe,
		a.bus.Subscribe(func(ev eventbus.Event) {
			a.stats.RecordDownload(ev.Type == eventbus.SuccessDownloadFilter)
		}, eventbus.SuccessDownloadFilter, eventbus.ErrorDownloadFilter),
	)
	return a, nil
}

func (a *App) onBuilt(s engine.BuildStats) {
	info := stats.BuildInfo{
		Version:  s.Version,
		Filters:  s.Filters,
		Rules:    s.Rules,
		Duration: s.Duration,
		RSSBytes: s.RSSBytes,
	}
	if s.Err != nil {
		info.Error = s.Err.Error()
		a.metrics.EngineBuildsTotal.WithLabelValues("failure").Inc()
		a.stats.RecordBuild(info)
		return
	}
	a.stats.RecordBuild(info)
	a.metrics.EngineBuildsTotal.WithLabelValues("success").Inc()
	a.metrics.EngineBuildDuration.Observe(s.Duration.Seconds())
	a.metrics.EngineRules.Set(float64(s.Rules))
	a.metrics.EngineVersion.Set(float64(s.Version))
	a.metrics.ActiveFilters.Set(float64(s.Filters))
}

// Start 执行迁移、加载注册表、首次运行时安装默认过滤器、构建第一个引擎，
// 然后启动更新调度和过期事务清理。
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	applied, err := migrate(ctx, a.store)
	if err != nil {
		return err
	}
	if err := a.registry.Load(ctx); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	if a.registry.FirstRun() {
		a.installDefaults(ctx)
	}

	// 安装默认过滤器产生的事件在这里直接落盘并重建
	res := a.coordinator.Flush(ctx)
	if !res.Rebuilt {
		reason := "startup"
		if applied > 0 {
			reason = "post-migration"
		}
		logger.Infof("[App] building engine (%s)", reason)
		if _, err := a.builder.Build(ctx); err != nil {
			// 构建失败时保持放行，等待下一次变更或更新
			logger.Errorf("[App] initial build failed: %v", err)
		}
	}

	a.scheduler.Start(ctx)
	a.wg.Add(1)
	go a.sweepLoop()
	logger.Infof("[App] started: engine=%s, %d filters active", a.cfg.Filtering.Engine, len(a.registry.ActiveFilters()))
	return nil
}

func (a *App) installDefaults(ctx context.Context) {
	for _, id := range a.registry.DefaultFilters() {
		if err := a.scheduler.LoadFilter(ctx, id); err != nil {
			logger.Warnf("[App] install default filter %d: %v", id, err)
			continue
		}
		if err := a.registry.EnableFilter(ctx, id); err != nil {
			logger.Warnf("[App] enable default filter %d: %v", id, err)
		}
	}
}

func (a *App) sweepLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := a.tracker.Sweep(contextMaxAge); n > 0 {
				logger.Debugf("[App] swept %d abandoned transactions", n)
			}
		case <-a.stopCh:
			return
		}
	}
}

// Close 停止后台任务，处理剩余事件后关闭存储
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()

	a.scheduler.Stop()
	if started {
		close(a.stopCh)
		a.wg.Wait()
	}
	a.coordinator.Close(ctx)
	for _, unsub := range a.unsubscribe {
		unsub()
	}
	a.bus.Close()
	a.stats.Stop()
	return a.store.Close()
}

// 过滤器管理

// EnableFilter 启用过滤器，尚未安装时先下载
func (a *App) EnableFilter(ctx context.Context, id model.FilterID) error {
	f, err := a.registry.Filter(id)
	if err != nil {
		return err
	}
	if !f.Installed {
		if err := a.scheduler.LoadFilter(ctx, id); err != nil {
			return fmt.Errorf("install filter %d: %w", id, err)
		}
	}
	return a.registry.EnableFilter(ctx, id)
}

func (a *App) DisableFilter(ctx context.Context, id model.FilterID) error {
	return a.registry.DisableFilter(ctx, id)
}

func (a *App) SetGroupEnabled(ctx context.Context, id model.GroupID, enabled bool) error {
	return a.registry.SetGroupEnabled(ctx, id, enabled)
}

// AddCustomFilter 订阅自定义过滤器：注册、下载并启用。下载失败时撤销注册。
func (a *App) AddCustomFilter(ctx context.Context, info registry.CustomFilterInfo) (model.FilterRecord, error) {
	rec, err := a.registry.AddCustomFilter(ctx, info)
	if err != nil {
		return model.FilterRecord{}, err
	}
	if err := a.scheduler.LoadFilter(ctx, rec.ID); err != nil {
		if _, rmErr := a.registry.RemoveCustomFilter(ctx, rec.ID); rmErr != nil {
			logger.Warnf("[App] rollback custom filter %d: %v", rec.ID, rmErr)
		}
		return model.FilterRecord{}, fmt.Errorf("download custom filter %s: %w", info.URL, err)
	}
	if err := a.registry.EnableFilter(ctx, rec.ID); err != nil {
		return model.FilterRecord{}, err
	}
	return a.registry.Filter(rec.ID)
}

// RemoveCustomFilter 删除自定义过滤器及其规则列表
func (a *App) RemoveCustomFilter(ctx context.Context, id model.FilterID) error {
	if _, err := a.registry.RemoveCustomFilter(ctx, id); err != nil {
		return err
	}
	// 先处理挂起的事件，避免删除后又被写回
	a.coordinator.Flush(ctx)
	if err := a.store.Remove(ctx, id); err != nil {
		logger.Warnf("[App] remove rules of filter %d: %v", id, err)
	}
	return nil
}

// UpdateFilters 立即检查更新；force 为真时忽略过期时间
func (a *App) UpdateFilters(ctx context.Context, force bool) (update.Result, error) {
	return a.scheduler.CheckUpdates(ctx, force)
}

// 用户规则与白名单

// UserRules 当前用户规则，包含尚未落盘的编辑
func (a *App) UserRules(ctx context.Context) ([]string, error) {
	return a.coordinator.View(ctx, model.UserFilterID)
}

// SetUserRules 整体替换用户规则
func (a *App) SetUserRules(ctx context.Context, lines []string) {
	rules := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			rules = append(rules, l)
		}
	}
	f := userFilter
	a.bus.Publish(eventbus.Event{Type: eventbus.RulesReplaced, Filter: &f, Rules: rules})
}

// AddUserRule 追加一条用户规则；编辑需要立即生效，所以强制重建
func (a *App) AddUserRule(ctx context.Context, text string) error {
	return a.editRule(eventbus.RuleAdded, userFilter, text)
}

// RemoveUserRule 删除所有文本相同的用户规则
func (a *App) RemoveUserRule(ctx context.Context, text string) error {
	return a.editRule(eventbus.RuleRemoved, userFilter, text)
}

// Allowlist 白名单规则
func (a *App) Allowlist(ctx context.Context) ([]string, error) {
	return a.coordinator.View(ctx, model.AllowlistFilterID)
}

// AllowlistRule 放行某个域名（含子域名）的规则
func AllowlistRule(domain string) (string, error) {
	d := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	if d == "" || strings.ContainsAny(d, "/:|^$@ ") {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return "@@||" + d + "^$important", nil
}

func (a *App) AddAllowlistDomain(ctx context.Context, domain string) error {
	rule, err := AllowlistRule(domain)
	if err != nil {
		return err
	}
	return a.editRule(eventbus.RuleAdded, allowlistFilter, rule)
}

func (a *App) RemoveAllowlistDomain(ctx context.Context, domain string) error {
	rule, err := AllowlistRule(domain)
	if err != nil {
		return err
	}
	return a.editRule(eventbus.RuleRemoved, allowlistFilter, rule)
}

func (a *App) editRule(t eventbus.EventType, f model.FilterRecord, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyRule
	}
	a.bus.Publish(eventbus.Event{Type: t, Filter: &f, Rules: []string{text}})
	a.coordinator.Invalidate()
	return nil
}

// Flush 立即处理挂起的规则变更
func (a *App) Flush(ctx context.Context) rebuild.BatchResult {
	return a.coordinator.Flush(ctx)
}

// 事务匹配

// Check 只匹配不记录
func (a *App) Check(req *engine.Request) *engine.MatchResult {
	return a.holder.Match(req)
}

// Evaluate 开始一个事务：记录、匹配，并把命中的规则写入上下文。
// 调用方在事务结束时调用 Complete。
func (a *App) Evaluate(p reqctx.RecordParams) *engine.MatchResult {
	a.tracker.Record(p)
	res := a.holder.Match(&engine.Request{URL: p.RequestURL, SourceURL: p.ReferrerURL, Type: p.RequestType})
	a.apply(p.RequestID, res)
	return res
}

// EvaluateHost 按主机名匹配（DNS 查询）
func (a *App) EvaluateHost(p reqctx.RecordParams, host string) *engine.MatchResult {
	a.tracker.Record(p)
	res := a.holder.MatchHost(host)
	a.apply(p.RequestID, res)
	return res
}

// RecheckHost 用同一事务再匹配一个主机名（例如 CNAME 目标）。
// 命中拦截规则时替换事务的请求规则，日志会重新绑定。
func (a *App) RecheckHost(requestID, host string) *engine.MatchResult {
	res := a.holder.MatchHost(host)
	if res.Blocked() {
		a.tracker.Update(requestID, reqctx.Update{RequestRule: res.BasicRule})
		a.metrics.MatchesTotal.WithLabelValues(stats.VerdictBlocked.String()).Inc()
	}
	return res
}

func (a *App) apply(requestID string, res *engine.MatchResult) {
	if !res.Empty() {
		a.tracker.Update(requestID, reqctx.Update{
			RequestRule:    res.BasicRule,
			ReplaceRules:   res.ReplaceRules,
			CSPRules:       res.CSPRules,
			StealthActions: res.StealthActions,
		})
	}
	v := verdictOf(res)
	a.stats.RecordRequest(v)
	a.metrics.MatchesTotal.WithLabelValues(v.String()).Inc()
}

// Complete 请求阶段结束
func (a *App) Complete(requestID string) {
	a.tracker.OnRequestCompleted(requestID)
}

func verdictOf(res *engine.MatchResult) stats.Verdict {
	switch {
	case res.Blocked():
		return stats.VerdictBlocked
	case res != nil && res.BasicRule != nil:
		return stats.VerdictAllowlisted
	case !res.Empty():
		return stats.VerdictModified
	default:
		return stats.VerdictAllowed
	}
}

// 访问器

func (a *App) Config() *config.Config            { return a.cfg }
func (a *App) Registry() *registry.Registry      { return a.registry }
func (a *App) Tracker() *reqctx.Tracker          { return a.tracker }
func (a *App) Stats() *stats.Stats               { return a.stats }
func (a *App) FilteringLog() *stats.FilteringLog { return a.flog }
func (a *App) Holder() *engine.Holder            { return a.holder }
func (a *App) Bus() *eventbus.Bus                { return a.bus }
func (a *App) Gatherer() prometheus.Gatherer     { return a.promReg }
func (a *App) Metrics() *metrics.Metrics         { return a.metrics }
