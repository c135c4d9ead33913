package config

// DefaultConfigContent 默认配置文件内容，包含详细说明
const DefaultConfigContent = `# filtersync 配置文件

# 过滤引擎配置
filtering:
  # 引擎类型：urlfilter（完整规则语法）或 simple（仅域名规则，内存占用更低）
  engine: "urlfilter"
  # 规则变更事件的去抖窗口（毫秒）
  debounce_ms: 500
  # 事件持续到达时的最长等待（毫秒），到时强制执行一次重建
  max_debounce_wait_ms: 5000
  # 编译引擎时每批处理的规则行数，批次之间让出调度
  chunk_size: 5000
  # 编译时输出详细日志
  verbose: false
  # DNS 拦截方式：nxdomain、zero_ip 或 refused
  block_mode: "nxdomain"
  # 下载优化版过滤器（体积更小）
  use_optimized: false

# 过滤器更新配置
update:
  # 更新周期：default（使用每个过滤器自己的 expires）、never（不自动更新）或时长，如 "12h"
  period: "default"
  # 启动后首次检查的延迟（秒）
  initial_delay_seconds: 300
  # 定时检查间隔（分钟）
  check_interval_minutes: 30
  # 并发下载数
  concurrency: 4

# 远程过滤器源
remote:
  # 过滤器版本元数据地址
  metadata_url: "https://filters.adtidy.org/extension/chromium/filters.json"
  # 过滤器内容地址模板，%d 为过滤器 ID
  filter_url: "https://filters.adtidy.org/extension/chromium/filters/%d.txt"
  optimized_filter_url: "https://filters.adtidy.org/extension/chromium/filters/%d_optimized.txt"
  # 请求超时（秒）
  timeout_seconds: 15
  # 每秒请求数上限与突发量
  rate_limit: 5
  rate_burst: 2
  # 单个过滤器最大下载大小
  max_download_size: "50MB"
  # 随程序分发的过滤器副本目录（filter_<id>.txt），首次安装时优先使用，留空则总是远程下载
  bundled_dir: ""

# 持久化
storage:
  # file（每个过滤器一个文本文件）或 sqlite
  driver: "file"
  dir: "data"
  dsn: ""

# DNS 前端（可选），每个查询作为一次事务进行过滤
dns:
  enabled: false
  listen_port: 5353
  enable_tcp: true
  upstream: "8.8.8.8:53"
  timeout_ms: 3000
  # 拦截响应的 TTL（秒）
  blocked_ttl: 60

# Web 管理接口
webui:
  enabled: true
  listen_port: 8080

# 日志
log:
  # debug、info、warn、error
  level: "info"
  console: true
  # 日志文件路径，留空则只输出到控制台
  file: ""
  max_size_mb: 20
  max_backups: 3
  max_age_days: 7
  compress: false

# 规则命中统计与过滤日志
stats:
  hits_window_hours: 24
  hits_bucket_minutes: 60
  hits_shard_count: 16
  hits_max_per_bucket: 5000
  log_max_tabs: 64
  log_entries_per_tab: 1000
`
