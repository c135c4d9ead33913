package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// GeneralStatsBucket 通用统计时间桶
type GeneralStatsBucket struct {
	timestamp        time.Time
	requests         int64
	blocked          int64
	allowlisted      int64
	modified         int64
	downloadFailures int64
}

func (b *GeneralStatsBucket) reset() {
	atomic.StoreInt64(&b.requests, 0)
	atomic.StoreInt64(&b.blocked, 0)
	atomic.StoreInt64(&b.allowlisted, 0)
	atomic.StoreInt64(&b.modified, 0)
	atomic.StoreInt64(&b.downloadFailures, 0)
}

// Verdict 一次匹配的结果
type Verdict int

const (
	VerdictAllowed Verdict = iota
	VerdictBlocked
	VerdictAllowlisted
	VerdictModified
)

func (v Verdict) String() string {
	switch v {
	case VerdictBlocked:
		return "blocked"
	case VerdictAllowlisted:
		return "allowlisted"
	case VerdictModified:
		return "modified"
	default:
		return "allowed"
	}
}

// GeneralStatsTracker 通用统计时间桶追踪器
type GeneralStatsTracker struct {
	mu          sync.RWMutex
	buckets     []*GeneralStatsBucket
	current     int
	stopChan    chan struct{}
	stopOnce    sync.Once
	bucketSize  time.Duration
	bucketCount int
}

func NewGeneralStatsTracker(bucketSize time.Duration, bucketCount int) *GeneralStatsTracker {
	if bucketCount <= 0 {
		bucketCount = 1
	}

	tracker := &GeneralStatsTracker{
		buckets:     make([]*GeneralStatsBucket, bucketCount),
		stopChan:    make(chan struct{}),
		bucketSize:  bucketSize,
		bucketCount: bucketCount,
	}

	// 初始化桶
	now := time.Now()
	for i := 0; i < bucketCount; i++ {
		tracker.buckets[i] = &GeneralStatsBucket{
			timestamp: now,
		}
	}

	go tracker.startRotation()
	return tracker
}

// getCurrentBucket 获取当前桶（无锁版本，调用者需确保安全）
func (t *GeneralStatsTracker) getCurrentBucket() *GeneralStatsBucket {
	return t.buckets[t.current]
}

// RecordRequest 记录一次匹配的事务及其结果
func (t *GeneralStatsTracker) RecordRequest(result Verdict) {
	t.mu.RLock()
	bucket := t.getCurrentBucket()
	t.mu.RUnlock()

	atomic.AddInt64(&bucket.requests, 1)
	switch result {
	case VerdictBlocked:
		atomic.AddInt64(&bucket.blocked, 1)
	case VerdictAllowlisted:
		atomic.AddInt64(&bucket.allowlisted, 1)
	case VerdictModified:
		atomic.AddInt64(&bucket.modified, 1)
	}
}

// RecordDownloadFailure 记录过滤器下载失败
func (t *GeneralStatsTracker) RecordDownloadFailure() {
	t.mu.RLock()
	bucket := t.getCurrentBucket()
	t.mu.RUnlock()
	atomic.AddInt64(&bucket.downloadFailures, 1)
}

// Aggregate 聚合指定时间范围内的数据
// 注意：此方法会复制桶数组，避免长时间持锁
func (t *GeneralStatsTracker) Aggregate(startTime time.Time) map[string]int64 {
	result := make(map[string]int64)

	// 快速获取桶数组快照
	t.mu.RLock()
	buckets := make([]*GeneralStatsBucket, len(t.buckets))
	copy(buckets, t.buckets)
	t.mu.RUnlock()

	// 在锁外遍历和聚合
	for _, bucket := range buckets {
		if bucket.timestamp.After(startTime) || bucket.timestamp.Equal(startTime) {
			result["requests"] += atomic.LoadInt64(&bucket.requests)
			result["blocked"] += atomic.LoadInt64(&bucket.blocked)
			result["allowlisted"] += atomic.LoadInt64(&bucket.allowlisted)
			result["modified"] += atomic.LoadInt64(&bucket.modified)
			result["download_failures"] += atomic.LoadInt64(&bucket.downloadFailures)
		}
	}

	return result
}

// rotateBucket 旋转时间桶
func (t *GeneralStatsTracker) rotateBucket() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current = (t.current + 1) % t.bucketCount
	bucket := t.buckets[t.current]
	bucket.timestamp = time.Now()

	// 重置桶内数据
	bucket.reset()
}

// startRotation 启动时间桶旋转
func (t *GeneralStatsTracker) startRotation() {
	ticker := time.NewTicker(t.bucketSize)
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

// Stop 停止追踪器
func (t *GeneralStatsTracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
}

// Reset 重置所有统计数据
func (t *GeneralStatsTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, bucket := range t.buckets {
		bucket.reset()
	}
}
