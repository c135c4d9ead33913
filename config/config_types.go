package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"

	"filtersync/logger"
)

// Config 主配置结构
type Config struct {
	Filtering FilteringConfig `yaml:"filtering" json:"filtering"`
	Update    UpdateConfig    `yaml:"update" json:"update"`
	Remote    RemoteConfig    `yaml:"remote" json:"remote"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	DNS       DNSConfig       `yaml:"dns" json:"dns"`
	WebUI     WebUIConfig     `yaml:"webui" json:"webui"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Stats     StatsConfig     `yaml:"stats" json:"stats"`
}

// FilteringConfig 过滤引擎与重建批处理配置
type FilteringConfig struct {
	// 引擎类型: urlfilter / simple
	Engine string `yaml:"engine,omitempty" json:"engine"`
	// 事件去抖窗口（毫秒），默认 500
	DebounceMs int `yaml:"debounce_ms,omitempty" json:"debounce_ms"`
	// 持续有事件时最长等待（毫秒），超过后强制执行一次批处理
	MaxDebounceWaitMs int `yaml:"max_debounce_wait_ms,omitempty" json:"max_debounce_wait_ms"`
	// 编译时每批送入的规则行数
	ChunkSize int  `yaml:"chunk_size,omitempty" json:"chunk_size"`
	Verbose   bool `yaml:"verbose" json:"verbose"`
	// 拦截方式: nxdomain / zero_ip / refused
	BlockMode string `yaml:"block_mode,omitempty" json:"block_mode"`
	// 使用优化版过滤器内容
	UseOptimized bool `yaml:"use_optimized" json:"use_optimized"`
}

// UpdateConfig 过滤器更新调度配置
type UpdateConfig struct {
	// default: 使用每个过滤器自身的 expires; never: 不自动更新; 其他为 Go duration
	Period              string `yaml:"period,omitempty" json:"period"`
	InitialDelaySeconds int    `yaml:"initial_delay_seconds,omitempty" json:"initial_delay_seconds"`
	CheckIntervalMin    int    `yaml:"check_interval_minutes,omitempty" json:"check_interval_minutes"`
	Concurrency         int    `yaml:"concurrency,omitempty" json:"concurrency"`
}

// RemoteConfig 远程过滤器源配置
type RemoteConfig struct {
	MetadataURL string `yaml:"metadata_url,omitempty" json:"metadata_url"`
	// 过滤器内容地址模板，%d 替换为过滤器 ID
	FilterURL          string  `yaml:"filter_url,omitempty" json:"filter_url"`
	OptimizedFilterURL string  `yaml:"optimized_filter_url,omitempty" json:"optimized_filter_url"`
	TimeoutSeconds     int     `yaml:"timeout_seconds,omitempty" json:"timeout_seconds"`
	RateLimit          float64 `yaml:"rate_limit,omitempty" json:"rate_limit"`
	RateBurst          int     `yaml:"rate_burst,omitempty" json:"rate_burst"`
	MaxDownloadSize    string  `yaml:"max_download_size,omitempty" json:"max_download_size"`
	// 随程序分发的过滤器副本目录，非强制更新时优先使用
	BundledDir string `yaml:"bundled_dir,omitempty" json:"bundled_dir"`
}

// StorageConfig 持久化配置
type StorageConfig struct {
	// file / sqlite
	Driver string `yaml:"driver,omitempty" json:"driver"`
	Dir    string `yaml:"dir,omitempty" json:"dir"`
	// sqlite 数据库路径，留空则使用 <dir>/filtersync.db
	DSN string `yaml:"dsn,omitempty" json:"dsn"`
}

// DNSConfig DNS 前端配置
type DNSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenPort int    `yaml:"listen_port,omitempty" json:"listen_port"`
	EnableTCP  bool   `yaml:"enable_tcp" json:"enable_tcp"`
	Upstream   string `yaml:"upstream,omitempty" json:"upstream"`
	TimeoutMs  int    `yaml:"timeout_ms,omitempty" json:"timeout_ms"`
	// 拦截响应的 TTL（秒）
	BlockedTTL int `yaml:"blocked_ttl,omitempty" json:"blocked_ttl"`
}

// WebUIConfig Web 管理接口配置
type WebUIConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	ListenPort int  `yaml:"listen_port,omitempty" json:"listen_port"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level,omitempty" json:"level"`
	Console    bool   `yaml:"console" json:"console"`
	File       string `yaml:"file,omitempty" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups,omitempty" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// StatsConfig 统计与过滤日志配置
type StatsConfig struct {
	HitsWindowHours   int `yaml:"hits_window_hours,omitempty" json:"hits_window_hours"`
	HitsBucketMinutes int `yaml:"hits_bucket_minutes,omitempty" json:"hits_bucket_minutes"`
	HitsShardCount    int `yaml:"hits_shard_count,omitempty" json:"hits_shard_count"`
	HitsMaxPerBucket  int `yaml:"hits_max_per_bucket,omitempty" json:"hits_max_per_bucket"`
	LogMaxTabs        int `yaml:"log_max_tabs,omitempty" json:"log_max_tabs"`
	LogEntriesPerTab  int `yaml:"log_entries_per_tab,omitempty" json:"log_entries_per_tab"`
}

const (
	// PeriodPerFilter 使用过滤器自身 expires 作为过期阈值
	PeriodPerFilter time.Duration = -1
	// PeriodNever 关闭自动更新
	PeriodNever time.Duration = 0
)

// PeriodDuration 解析 update.period
func (u *UpdateConfig) PeriodDuration() (time.Duration, error) {
	switch p := strings.ToLower(strings.TrimSpace(u.Period)); p {
	case "", "default":
		return PeriodPerFilter, nil
	case "never", "0":
		return PeriodNever, nil
	default:
		d, err := time.ParseDuration(p)
		if err != nil {
			return 0, fmt.Errorf("invalid update period %q: %w", u.Period, err)
		}
		if d < 0 {
			return 0, fmt.Errorf("invalid update period %q: negative", u.Period)
		}
		return d, nil
	}
}

// MaxDownloadBytes 解析 max_download_size，如 "50MB"
func (r *RemoteConfig) MaxDownloadBytes() (int64, error) {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(r.MaxDownloadSize)); err != nil {
		return 0, fmt.Errorf("invalid max_download_size %q: %w", r.MaxDownloadSize, err)
	}
	return int64(v.Bytes()), nil
}

// Options 转换为 logger 的初始化参数
func (l *LogConfig) Options() logger.Options {
	return logger.Options{
		Level:      l.Level,
		Console:    l.Console,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}
