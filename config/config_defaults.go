package config

import (
	"bytes"
	"strings"
)

// setDefaultValues 设置配置文件中缺失字段的默认值
func setDefaultValues(cfg *Config, rawData []byte) {
	setFilteringDefaults(cfg)
	setUpdateDefaults(cfg)
	setRemoteDefaults(cfg)
	setStorageDefaults(cfg)
	setDNSDefaults(cfg, rawData)
	setWebUIDefaults(cfg, rawData)
	setLogDefaults(cfg, rawData)
	setStatsDefaults(cfg)
}

// setFilteringDefaults 设置过滤引擎配置的默认值
func setFilteringDefaults(cfg *Config) {
	f := &cfg.Filtering
	f.Engine = strings.ToLower(f.Engine)
	if f.Engine != "urlfilter" && f.Engine != "simple" {
		f.Engine = "urlfilter"
	}
	if f.DebounceMs <= 0 {
		f.DebounceMs = 500
	}
	if f.MaxDebounceWaitMs < f.DebounceMs {
		f.MaxDebounceWaitMs = f.DebounceMs * 10
	}
	if f.ChunkSize <= 0 {
		f.ChunkSize = 5000
	}
	switch f.BlockMode {
	case "nxdomain", "zero_ip", "refused":
	case "refuse":
		f.BlockMode = "refused"
	default:
		f.BlockMode = "nxdomain"
	}
}

// setUpdateDefaults 设置更新调度配置的默认值
func setUpdateDefaults(cfg *Config) {
	u := &cfg.Update
	if u.Period == "" {
		u.Period = "default"
	}
	if u.InitialDelaySeconds <= 0 {
		u.InitialDelaySeconds = 300
	}
	if u.CheckIntervalMin <= 0 {
		u.CheckIntervalMin = 30
	}
	if u.Concurrency <= 0 {
		u.Concurrency = 4
	}
}

// setRemoteDefaults 设置远程源配置的默认值
func setRemoteDefaults(cfg *Config) {
	r := &cfg.Remote
	if r.MetadataURL == "" {
		r.MetadataURL = "https://filters.adtidy.org/extension/chromium/filters.json"
	}
	if r.FilterURL == "" {
		r.FilterURL = "https://filters.adtidy.org/extension/chromium/filters/%d.txt"
	}
	if r.TimeoutSeconds <= 0 {
		r.TimeoutSeconds = 15
	}
	if r.RateLimit <= 0 {
		r.RateLimit = 5
	}
	if r.RateBurst <= 0 {
		r.RateBurst = 2
	}
	if r.MaxDownloadSize == "" {
		r.MaxDownloadSize = "50MB"
	}
	if r.OptimizedFilterURL == "" {
		r.OptimizedFilterURL = r.FilterURL
	}
}

// setStorageDefaults 设置持久化配置的默认值
func setStorageDefaults(cfg *Config) {
	s := &cfg.Storage
	s.Driver = strings.ToLower(s.Driver)
	if s.Driver != "file" && s.Driver != "sqlite" {
		s.Driver = "file"
	}
	if s.Dir == "" {
		s.Dir = "data"
	}
}

// setDNSDefaults 设置 DNS 前端配置的默认值
func setDNSDefaults(cfg *Config, rawData []byte) {
	d := &cfg.DNS
	if d.ListenPort == 0 {
		d.ListenPort = 5353
	}
	if d.Upstream == "" {
		d.Upstream = "8.8.8.8:53"
	}
	if d.TimeoutMs <= 0 {
		d.TimeoutMs = 3000
	}
	if d.BlockedTTL <= 0 {
		d.BlockedTTL = 60
	}
	// enable_tcp 未写出时默认开启
	if !bytes.Contains(rawData, []byte("enable_tcp")) {
		d.EnableTCP = true
	}
}

// setWebUIDefaults 设置 Web 接口配置的默认值
func setWebUIDefaults(cfg *Config, rawData []byte) {
	if cfg.WebUI.ListenPort == 0 {
		cfg.WebUI.ListenPort = 8080
	}
	if !hasSection(rawData, "webui") {
		cfg.WebUI.Enabled = true
	}
}

// setLogDefaults 设置日志配置的默认值
func setLogDefaults(cfg *Config, rawData []byte) {
	l := &cfg.Log
	if l.Level == "" {
		l.Level = "info"
	}
	if l.MaxSizeMB <= 0 {
		l.MaxSizeMB = 20
	}
	if l.MaxBackups <= 0 {
		l.MaxBackups = 3
	}
	if l.MaxAgeDays <= 0 {
		l.MaxAgeDays = 7
	}
	if !bytes.Contains(rawData, []byte("console:")) {
		l.Console = true
	}
}

// setStatsDefaults 设置统计配置的默认值
func setStatsDefaults(cfg *Config) {
	s := &cfg.Stats
	if s.HitsWindowHours <= 0 {
		s.HitsWindowHours = 24
	}
	if s.HitsBucketMinutes <= 0 {
		s.HitsBucketMinutes = 60
	}
	if s.HitsShardCount <= 0 {
		s.HitsShardCount = 16
	}
	if s.HitsMaxPerBucket <= 0 {
		s.HitsMaxPerBucket = 5000
	}
	if s.LogMaxTabs <= 0 {
		s.LogMaxTabs = 64
	}
	if s.LogEntriesPerTab <= 0 {
		s.LogEntriesPerTab = 1000
	}
}

// hasSection 判断原始 YAML 中是否出现顶层段落
func hasSection(rawData []byte, name string) bool {
	for _, line := range strings.Split(string(rawData), "\n") {
		if strings.HasPrefix(line, name+":") {
			return true
		}
	}
	return false
}
