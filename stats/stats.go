package stats

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"filtersync/config"
	"filtersync/logger"
	"filtersync/model"
)

// BuildInfo 最近一次引擎构建
type BuildInfo struct {
	Version  uint64        `json:"version"`
	Filters  int           `json:"filters"`
	Rules    int           `json:"rules"`
	Duration time.Duration `json:"duration_ns"`
	RSSBytes uint64        `json:"rss_bytes"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// Stats 运行统计
type Stats struct {
	requests    int64
	blocked     int64
	allowlisted int64
	modified    int64

	builds           int64
	buildFailures    int64
	downloads        int64
	downloadFailures int64

	mu        sync.RWMutex
	lastBuild BuildInfo

	hits    *RuleHitTracker
	general *GeneralStatsTracker

	// 启动时间
	startTime time.Time
}

// NewStats 创建新的统计实例
func NewStats(cfg *config.StatsConfig) *Stats {
	// 初始化 gopsutil 的 CPU 使用率计算
	// 第一次调用 Percent 会返回 0，所以在这里预热一下
	go func() {
		_, err := cpu.Percent(time.Second, false)
		if err != nil {
			logger.Warnf("[Stats] 无法初始化 CPU 使用率统计: %v", err)
		}
	}()

	bucketMinutes := max(1, cfg.HitsBucketMinutes)
	return &Stats{
		hits:      NewRuleHitTracker(cfg),
		general:   NewGeneralStatsTracker(time.Duration(bucketMinutes)*time.Minute, max(1, cfg.HitsWindowHours*60/bucketMinutes)),
		startTime: time.Now(),
	}
}

// Hits 规则命中追踪器
func (s *Stats) Hits() *RuleHitTracker {
	return s.hits
}

// AddRuleHit implements reqctx.HitCounter.
func (s *Stats) AddRuleHit(domain, ruleText string, filterID model.FilterID) {
	s.hits.AddRuleHit(domain, ruleText, filterID)
}

// RecordRequest 记录一次匹配结果
func (s *Stats) RecordRequest(v Verdict) {
	atomic.AddInt64(&s.requests, 1)
	switch v {
	case VerdictBlocked:
		atomic.AddInt64(&s.blocked, 1)
	case VerdictAllowlisted:
		atomic.AddInt64(&s.allowlisted, 1)
	case VerdictModified:
		atomic.AddInt64(&s.modified, 1)
	}
	s.general.RecordRequest(v)
}

// RecordDownload 记录过滤器下载结果
func (s *Stats) RecordDownload(ok bool) {
	if ok {
		atomic.AddInt64(&s.downloads, 1)
		return
	}
	atomic.AddInt64(&s.downloadFailures, 1)
	s.general.RecordDownloadFailure()
}

// RecordBuild 记录一次引擎构建
func (s *Stats) RecordBuild(info BuildInfo) {
	if info.Error != "" {
		atomic.AddInt64(&s.buildFailures, 1)
	} else {
		atomic.AddInt64(&s.builds, 1)
	}
	if info.At.IsZero() {
		info.At = time.Now()
	}
	s.mu.Lock()
	s.lastBuild = info
	s.mu.Unlock()
}

// LastBuild 最近一次构建信息
func (s *Stats) LastBuild() BuildInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBuild
}

// GetStats 获取所有统计数据
func (s *Stats) GetStats() map[string]interface{} {
	requests := atomic.LoadInt64(&s.requests)
	blocked := atomic.LoadInt64(&s.blocked)
	var blockRate float64
	if requests > 0 {
		blockRate = float64(blocked) / float64(requests) * 100
	}

	return map[string]interface{}{
		"total_requests":    requests,
		"blocked":           blocked,
		"allowlisted":       atomic.LoadInt64(&s.allowlisted),
		"modified":          atomic.LoadInt64(&s.modified),
		"block_rate":        blockRate,
		"engine_builds":     atomic.LoadInt64(&s.builds),
		"build_failures":    atomic.LoadInt64(&s.buildFailures),
		"downloads":         atomic.LoadInt64(&s.downloads),
		"download_failures": atomic.LoadInt64(&s.downloadFailures),
		"last_build":        s.LastBuild(),
		"last_hour":         s.general.Aggregate(time.Now().Add(-time.Hour)),
		"top_rules":         s.hits.TopRules(10),
		"top_domains":       s.hits.TopDomains(10),
		"system_stats":      systemStats(),
		"uptime_seconds":    time.Since(s.startTime).Seconds(),
	}
}

// systemStats 获取系统状态 (使用 gopsutil)
func systemStats() map[string]interface{} {
	// 使用非阻塞方式获取CPU使用率，避免阻塞统计调用
	var cpuUsage []float64
	cpuUsageCh := make(chan []float64, 1)
	go func() {
		usage, err := cpu.Percent(time.Millisecond*200, false)
		if err != nil || len(usage) == 0 {
			cpuUsageCh <- []float64{0.0}
			return
		}
		cpuUsageCh <- usage
	}()

	// 等待CPU使用率结果，但设置超时避免长时间阻塞
	select {
	case cpuUsage = <-cpuUsageCh:
	case <-time.After(100 * time.Millisecond):
		cpuUsage = []float64{0.0}
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		logger.Warnf("[Stats] 无法获取内存信息: %v", err)
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	sysStats := map[string]interface{}{
		"cpu_cores":       runtime.NumCPU(),
		"cpu_usage_pct":   cpuUsage[0],
		"mem_total_mb":    0,
		"mem_used_mb":     0,
		"mem_usage_pct":   0.0,
		"go_mem_alloc_mb": memStats.Alloc / 1024 / 1024,
		"goroutines":      runtime.NumGoroutine(),
	}
	if memInfo != nil {
		sysStats["mem_total_mb"] = memInfo.Total / 1024 / 1024
		sysStats["mem_used_mb"] = memInfo.Used / 1024 / 1024
		sysStats["mem_usage_pct"] = memInfo.UsedPercent
	}
	return sysStats
}

// Reset 重置统计
func (s *Stats) Reset() {
	for _, c := range []*int64{&s.requests, &s.blocked, &s.allowlisted, &s.modified,
		&s.builds, &s.buildFailures, &s.downloads, &s.downloadFailures} {
		atomic.StoreInt64(c, 0)
	}
	s.hits.Reset()
	s.general.Reset()
}

// Stop 停止统计服务
func (s *Stats) Stop() {
	s.hits.Stop()
	s.general.Stop()
}
