package stats

import (
	"container/heap"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"filtersync/config"
	"filtersync/model"
)

// RuleHitTracker 按时间桶统计规则命中，窗口滑动后旧数据自动淘汰
type RuleHitTracker struct {
	cfg      *config.StatsConfig
	mu       sync.RWMutex
	buckets  []*hitBucket
	current  int
	stopChan chan struct{}
	stopOnce sync.Once
}

type hitBucket struct {
	timestamp time.Time
	shards    []*hitShard
}

type hitShard struct {
	mu     sync.RWMutex
	counts map[hitKey]*int64
	size   int
}

type hitKey struct {
	domain   string
	ruleText string
	filterID model.FilterID
}

// RuleHitCount 一条规则的命中次数
type RuleHitCount struct {
	RuleText string         `json:"rule_text"`
	FilterID model.FilterID `json:"filter_id"`
	Count    int64          `json:"count"`
}

// DomainHitCount 一个域名上的规则命中次数
type DomainHitCount struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

// NewRuleHitTracker 创建追踪器并启动时间桶轮换
func NewRuleHitTracker(cfg *config.StatsConfig) *RuleHitTracker {
	t := newRuleHitTracker(cfg)
	go t.startRotation()
	return t
}

func newRuleHitTracker(cfg *config.StatsConfig) *RuleHitTracker {
	numBuckets := 1
	if cfg.HitsBucketMinutes > 0 {
		numBuckets = max(1, (cfg.HitsWindowHours*60)/cfg.HitsBucketMinutes)
	}
	shards := max(1, cfg.HitsShardCount)

	t := &RuleHitTracker{
		cfg:      cfg,
		buckets:  make([]*hitBucket, numBuckets),
		stopChan: make(chan struct{}),
	}
	for i := range t.buckets {
		t.buckets[i] = newHitBucket(shards)
	}
	t.buckets[0].timestamp = time.Now()
	return t
}

func newHitBucket(shardCount int) *hitBucket {
	b := &hitBucket{shards: make([]*hitShard, shardCount)}
	for i := range b.shards {
		b.shards[i] = &hitShard{counts: make(map[hitKey]*int64)}
	}
	return b
}

// Stop 停止轮换
func (t *RuleHitTracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
}

// AddRuleHit 记录一次命中；实现 reqctx.HitCounter
func (t *RuleHitTracker) AddRuleHit(domain, ruleText string, filterID model.FilterID) {
	if ruleText == "" {
		return
	}
	key := hitKey{domain: domain, ruleText: ruleText, filterID: filterID}

	t.mu.RLock()
	bucket := t.buckets[t.current]
	t.mu.RUnlock()

	h := fnv.New32a()
	h.Write([]byte(ruleText))
	h.Write([]byte(domain))
	shard := bucket.shards[int(h.Sum32()%uint32(len(bucket.shards)))]

	// Fast path
	shard.mu.RLock()
	counter, exists := shard.counts[key]
	shard.mu.RUnlock()
	if exists {
		atomic.AddInt64(counter, 1)
		return
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if counter, exists = shard.counts[key]; exists {
		atomic.AddInt64(counter, 1)
		return
	}
	// 桶满后丢弃新条目
	if t.cfg.HitsMaxPerBucket <= 0 || shard.size < t.cfg.HitsMaxPerBucket {
		n := int64(1)
		shard.counts[key] = &n
		shard.size++
	}
}

func (t *RuleHitTracker) aggregate(visit func(k hitKey, n int64)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, bucket := range t.buckets {
		for _, shard := range bucket.shards {
			shard.mu.RLock()
			for k, c := range shard.counts {
				visit(k, atomic.LoadInt64(c))
			}
			shard.mu.RUnlock()
		}
	}
}

type ruleKey struct {
	text string
	id   model.FilterID
}

// TopRules 命中最多的 k 条规则，按次数降序
func (t *RuleHitTracker) TopRules(k int) []RuleHitCount {
	if k <= 0 {
		return nil
	}
	agg := make(map[ruleKey]int64)
	t.aggregate(func(key hitKey, n int64) {
		agg[ruleKey{key.ruleText, key.filterID}] += n
	})

	h := &topHeap{}
	for rk, n := range agg {
		h.offer(k, topItem{name: rk.text, id: rk.id, count: n})
	}
	items := h.sorted()
	out := make([]RuleHitCount, len(items))
	for i, it := range items {
		out[i] = RuleHitCount{RuleText: it.name, FilterID: it.id, Count: it.count}
	}
	return out
}

// TopDomains 规则命中最多的 k 个域名
func (t *RuleHitTracker) TopDomains(k int) []DomainHitCount {
	if k <= 0 {
		return nil
	}
	agg := make(map[string]int64)
	t.aggregate(func(key hitKey, n int64) {
		if key.domain != "" {
			agg[key.domain] += n
		}
	})

	h := &topHeap{}
	for d, n := range agg {
		h.offer(k, topItem{name: d, count: n})
	}
	items := h.sorted()
	out := make([]DomainHitCount, len(items))
	for i, it := range items {
		out[i] = DomainHitCount{Domain: it.name, Count: it.count}
	}
	return out
}

// FilterHits 每个过滤器的命中总数
func (t *RuleHitTracker) FilterHits() map[model.FilterID]int64 {
	out := make(map[model.FilterID]int64)
	t.aggregate(func(key hitKey, n int64) {
		out[key.filterID] += n
	})
	return out
}

func (t *RuleHitTracker) startRotation() {
	minutes := max(1, t.cfg.HitsBucketMinutes)
	ticker := time.NewTicker(time.Duration(minutes) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.rotateBucket()
		case <-t.stopChan:
			return
		}
	}
}

func (t *RuleHitTracker) rotateBucket() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current = (t.current + 1) % len(t.buckets)
	bucket := t.buckets[t.current]
	bucket.timestamp = time.Now()
	for _, shard := range bucket.shards {
		shard.mu.Lock()
		shard.counts = make(map[hitKey]*int64)
		shard.size = 0
		shard.mu.Unlock()
	}
}

// Reset 清空所有计数
func (t *RuleHitTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, bucket := range t.buckets {
		for _, shard := range bucket.shards {
			shard.mu.Lock()
			shard.counts = make(map[hitKey]*int64)
			shard.size = 0
			shard.mu.Unlock()
		}
	}
}

type topItem struct {
	name  string
	id    model.FilterID
	count int64
}

// topHeap 最小堆，用于 Top-K
type topHeap []topItem

func (h topHeap) Len() int { return len(h) }
func (h topHeap) Less(i, j int) bool {
	if h[i].count != h[j].count {
		return h[i].count < h[j].count
	}
	return h[i].name > h[j].name // 名字更大的视为更"差"
}
func (h topHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *topHeap) Push(x interface{}) {
	*h = append(*h, x.(topItem))
}

func (h *topHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

func (h *topHeap) offer(k int, it topItem) {
	if h.Len() < k {
		heap.Push(h, it)
		return
	}
	top := (*h)[0]
	if it.count > top.count || (it.count == top.count && it.name < top.name) {
		heap.Pop(h)
		heap.Push(h, it)
	}
}

// sorted 按次数降序弹出全部元素
func (h *topHeap) sorted() []topItem {
	out := make([]topItem, h.Len())
	for i := h.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(topItem)
	}
	return out
}
