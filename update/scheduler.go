// Package update 定期检查过滤器更新
package update

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"filtersync/config"
	"filtersync/eventbus"
	"filtersync/logger"
	"filtersync/metrics"
	"filtersync/model"
	"filtersync/registry"
	"filtersync/remote"
)

// Fetcher 远程源
type Fetcher interface {
	FetchMetadata(ctx context.Context, ids []model.FilterID) ([]remote.FilterMetadata, error)
	FetchRuleContent(ctx context.Context, id model.FilterID, forceRemote, useOptimized bool) ([]string, error)
	FetchCustom(ctx context.Context, url string) ([]string, error)
}

// FilterRegistry 调度器需要的注册表操作
type FilterRegistry interface {
	Filter(id model.FilterID) (model.FilterRecord, error)
	Filters() []model.FilterRecord
	GroupStates() map[model.GroupID]bool
	ApplyUpdate(ctx context.Context, id model.FilterID, info registry.UpdateInfo) (model.FilterRecord, error)
	TouchCheckTime(ctx context.Context, id model.FilterID) error
}

// Options 调度参数
type Options struct {
	// Period 全局过期周期；config.PeriodPerFilter 使用各过滤器的 expires，config.PeriodNever 关闭自动更新
	Period        time.Duration
	InitialDelay  time.Duration
	CheckInterval time.Duration
	Concurrency   int
	UseOptimized  bool
	Metrics       *metrics.Metrics
}

// Result 一次检查的结果
type Result struct {
	Checked   []model.FilterID `json:"checked"`
	Updated   []model.FilterID `json:"updated"`
	Unchanged []model.FilterID `json:"unchanged"`
	Failed    []model.FilterID `json:"failed"`
	Duration  time.Duration    `json:"duration_ns"`
}

// Scheduler 过滤器更新调度器
type Scheduler struct {
	reg     FilterRegistry
	fetcher Fetcher
	bus     *eventbus.Bus
	opts    Options
	now     func() time.Time

	flight singleflight.Group

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// New 创建调度器
func New(reg FilterRegistry, fetcher Fetcher, bus *eventbus.Bus, opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Minute
	}
	return &Scheduler{
		reg:     reg,
		fetcher: fetcher,
		bus:     bus,
		opts:    opts,
		now:     time.Now,
	}
}

// SelectStale 返回需要更新的过滤器：已启用、已安装且所在分组已启用，
// 并且 force 为真或距上次检查已超过阈值。
// 阈值为全局周期；周期为 PeriodPerFilter 时使用过滤器自身的 expires（不低于一小时）。
func SelectStale(now time.Time, force bool, period time.Duration, filters []model.FilterRecord, groups map[model.GroupID]bool) []model.FilterRecord {
	var out []model.FilterRecord
	for _, f := range filters {
		if !f.Enabled || !f.Installed {
			continue
		}
		// 分组不存在视为未启用，与引擎的生效判断一致
		if !groups[f.GroupID] {
			continue
		}
		if force {
			out = append(out, f)
			continue
		}
		var threshold time.Duration
		switch {
		case period == config.PeriodNever:
			continue
		case period == config.PeriodPerFilter:
			threshold = f.ExpiresDuration()
		default:
			threshold = period
		}
		if now.Sub(f.LastCheckTime) >= threshold {
			out = append(out, f)
		}
	}
	return out
}

// CheckUpdates 检查并下载过期的过滤器。并发调用会合并为一次执行。
func (s *Scheduler) CheckUpdates(ctx context.Context, force bool) (Result, error) {
	v, err, _ := s.flight.Do(fmt.Sprintf("check-%v", force), func() (interface{}, error) {
		return s.checkUpdates(ctx, force), nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (s *Scheduler) checkUpdates(ctx context.Context, force bool) Result {
	start := time.Now()
	stale := SelectStale(s.now(), force, s.opts.Period, s.reg.Filters(), s.reg.GroupStates())

	var res Result
	if len(stale) == 0 {
		logger.Debug("[Update] no stale filters")
		return res
	}

	var standard, custom []model.FilterRecord
	for _, f := range stale {
		res.Checked = append(res.Checked, f.ID)
		if f.IsCustom() {
			custom = append(custom, f)
		} else {
			standard = append(standard, f)
		}
	}
	logger.Infof("[Update] checking %d filters (%d standard, %d custom), force=%v", len(stale), len(standard), len(custom), force)

	var mu sync.Mutex
	record := func(list *[]model.FilterID, id model.FilterID) {
		mu.Lock()
		*list = append(*list, id)
		mu.Unlock()
	}

	// 标准过滤器先批量获取版本信息，只下载版本更新的
	var downloads []download
	if len(standard) > 0 {
		ids := make([]model.FilterID, len(standard))
		for i, f := range standard {
			ids[i] = f.ID
		}
		metas, err := s.fetcher.FetchMetadata(ctx, ids)
		if err != nil {
			logger.Warnf("[Update] fetch metadata failed: %v", err)
			for _, f := range standard {
				s.fail(f, err)
				res.Failed = append(res.Failed, f.ID)
			}
		} else {
			byID := make(map[model.FilterID]remote.FilterMetadata, len(metas))
			for _, m := range metas {
				byID[m.FilterID] = m
			}
			for _, f := range standard {
				m, ok := byID[f.ID]
				if !ok {
					s.fail(f, fmt.Errorf("metadata for filter %d: %w", f.ID, remote.ErrNotFound))
					res.Failed = append(res.Failed, f.ID)
					continue
				}
				if !remote.IsNewer(m.Version, f.Version) {
					if err := s.reg.TouchCheckTime(ctx, f.ID); err != nil {
						logger.Warnf("[Update] touch filter %d: %v", f.ID, err)
					}
					res.Unchanged = append(res.Unchanged, f.ID)
					s.observe("unchanged")
					continue
				}
				downloads = append(downloads, download{filter: f, meta: &m})
			}
		}
	}
	for _, f := range custom {
		downloads = append(downloads, download{filter: f})
	}

	// Create a semaphore to limit concurrent downloads
	sem := make(chan struct{}, s.opts.Concurrency)
	var wg sync.WaitGroup
	for _, d := range downloads {
		wg.Add(1)
		go func(d download) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := s.fetchAndApply(ctx, d, true); err != nil {
				record(&res.Failed, d.filter.ID)
				return
			}
			record(&res.Updated, d.filter.ID)
		}(d)
	}
	wg.Wait()

	for _, l := range [][]model.FilterID{res.Checked, res.Updated, res.Unchanged, res.Failed} {
		sort.Slice(l, func(i, j int) bool { return l[i] < l[j] })
	}
	res.Duration = time.Since(start)
	logger.Infof("[Update] done in %v: %d updated, %d unchanged, %d failed",
		res.Duration, len(res.Updated), len(res.Unchanged), len(res.Failed))
	return res
}

type download struct {
	filter model.FilterRecord
	meta   *remote.FilterMetadata
}

// LoadFilter 首次安装一个过滤器（优先使用随程序分发的副本）
func (s *Scheduler) LoadFilter(ctx context.Context, id model.FilterID) error {
	f, err := s.reg.Filter(id)
	if err != nil {
		return err
	}
	return s.fetchAndApply(ctx, download{filter: f}, false)
}

// fetchAndApply 下载规则，成功后更新元数据并发布事件；失败时只发布失败事件
func (s *Scheduler) fetchAndApply(ctx context.Context, d download, forceRemote bool) error {
	f := d.filter
	s.bus.Publish(eventbus.Event{Type: eventbus.StartDownloadFilter, Filter: &f})

	var lines []string
	var err error
	if f.IsCustom() {
		lines, err = s.fetcher.FetchCustom(ctx, f.CustomURL)
	} else {
		lines, err = s.fetcher.FetchRuleContent(ctx, f.ID, forceRemote, s.opts.UseOptimized)
	}
	if err != nil {
		logger.Warnf("[Update] download filter %d failed: %v", f.ID, err)
		s.fail(f, err)
		return err
	}

	header := remote.ParseHeader(lines)
	info := registry.UpdateInfo{
		Version:     header.Version,
		Expires:     header.Expires,
		TimeUpdated: header.TimeUpdated,
	}
	if f.IsCustom() {
		info.Name = header.Title
	}
	if m := d.meta; m != nil {
		info.Version = m.Version
		info.TimeUpdated = m.TimeUpdated
		if m.Expires > 0 {
			info.Expires = m.Expires
		}
	}

	rec, err := s.reg.ApplyUpdate(ctx, f.ID, info)
	if err != nil {
		// 下载期间过滤器被删除
		s.fail(f, err)
		return err
	}
	s.observe("success")
	logger.Infof("[Update] filter %d (%s) updated to version %q, %d lines", rec.ID, rec.Name, rec.Version, len(lines))
	s.bus.Publish(eventbus.Event{Type: eventbus.SuccessDownloadFilter, Filter: &rec})
	s.bus.Publish(eventbus.Event{Type: eventbus.RulesReplaced, Filter: &rec, Rules: lines})
	return nil
}

func (s *Scheduler) fail(f model.FilterRecord, err error) {
	s.observe("error")
	s.bus.Publish(eventbus.Event{Type: eventbus.ErrorDownloadFilter, Filter: &f, Err: err})
}

func (s *Scheduler) observe(result string) {
	if m := s.opts.Metrics; m != nil {
		m.FilterDownloads.WithLabelValues(result).Inc()
	}
}

// Start 延迟一段时间后进行第一次检查，之后每次检查结束重新计时。
// 更新周期为 never 时不启动。
func (s *Scheduler) Start(ctx context.Context) {
	if s.opts.Period == config.PeriodNever {
		logger.Info("[Update] automatic updates disabled")
		return
	}
	logger.Infof("[Update] first check in %v, then every %v", s.opts.InitialDelay, s.opts.CheckInterval)
	s.arm(ctx, s.opts.InitialDelay)
}

func (s *Scheduler) arm(ctx context.Context, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.CheckUpdates(ctx, false); err != nil {
			logger.Warnf("[Update] scheduled check failed: %v", err)
		}
		s.arm(ctx, s.opts.CheckInterval)
	})
}

// Stop 停止定时检查
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
