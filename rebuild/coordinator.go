// Package rebuild 将规则变更事件成批落盘并触发引擎重建
package rebuild

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"filtersync/engine"
	"filtersync/eventbus"
	"filtersync/logger"
	"filtersync/metrics"
	"filtersync/model"
	"filtersync/storage"
)

// Rebuilder 重建并发布引擎
type Rebuilder interface {
	Build(ctx context.Context) (*engine.Snapshot, error)
}

// Options 批处理参数
type Options struct {
	// Debounce 最后一个事件之后等待的时间
	Debounce time.Duration
	// MaxWait 事件持续到来时，从第一个事件起最多等待的时间
	MaxWait time.Duration
	// PersistConcurrency 并行写入的过滤器数
	PersistConcurrency int
	Metrics            *metrics.Metrics
}

// BatchResult 一次批处理的结果
type BatchResult struct {
	Events    int
	Persisted []model.FilterID
	// Requeued 写入失败、放回队列等待下一批的事件数
	Requeued int
	Rebuilt  bool
	Snapshot *engine.Snapshot
	Err      error
}

// Coordinator 订阅规则内容与启用状态事件，去抖后批量处理
type Coordinator struct {
	bus     *eventbus.Bus
	store   storage.RuleListStore
	builder Rebuilder
	opts    Options

	mu          sync.Mutex
	history     []eventbus.Event
	invalidated bool
	timer       *time.Timer
	gen         uint64
	firstAt     time.Time
	closed      bool

	// 批处理串行执行
	flushMu     sync.Mutex
	unsubscribe func()
	onBatch     func(BatchResult)
}

// watchedTypes 影响规则内容或启用状态的事件
var watchedTypes = []eventbus.EventType{
	eventbus.RuleAdded,
	eventbus.RulesAdded,
	eventbus.RuleRemoved,
	eventbus.RulesReplaced,
	eventbus.FilterEnabled,
	eventbus.FilterDisabled,
}

// New 创建协调器并订阅事件总线
func New(bus *eventbus.Bus, store storage.RuleListStore, builder Rebuilder, opts Options) *Coordinator {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.MaxWait < opts.Debounce {
		opts.MaxWait = opts.Debounce * 10
	}
	if opts.PersistConcurrency <= 0 {
		opts.PersistConcurrency = 4
	}
	c := &Coordinator{
		bus:     bus,
		store:   store,
		builder: builder,
		opts:    opts,
	}
	c.unsubscribe = bus.Subscribe(c.onEvent, watchedTypes...)
	return c
}

// OnBatch 注册批处理完成回调
func (c *Coordinator) OnBatch(fn func(BatchResult)) {
	c.mu.Lock()
	c.onBatch = fn
	c.mu.Unlock()
}

func (c *Coordinator) onEvent(ev eventbus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.history = append(c.history, ev)
	c.armLocked()
}

// Invalidate 让下一次批处理无论事件类型都重建引擎（用户规则编辑后调用）
func (c *Coordinator) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.invalidated = true
	c.armLocked()
}

// armLocked 重新设置去抖定时器；旧定时器作废
func (c *Coordinator) armLocked() {
	now := time.Now()
	if c.timer == nil {
		c.firstAt = now
	}
	delay := c.opts.Debounce
	if deadline := c.firstAt.Add(c.opts.MaxWait); now.Add(delay).After(deadline) {
		delay = max(0, deadline.Sub(now))
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(delay, func() { c.fire(gen) })
}

func (c *Coordinator) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		// 已被新的定时器取代
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Flush(context.Background())
}

// Pending 尚未处理的事件数
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// View 返回某个过滤器当前的规则：已保存的内容加上尚未落盘的事件
func (c *Coordinator) View(ctx context.Context, id model.FilterID) ([]string, error) {
	c.mu.Lock()
	var pending []eventbus.Event
	for _, ev := range c.history {
		if ev.Filter != nil && ev.Filter.ID == id && persistWorthy(ev.Type) {
			pending = append(pending, ev)
		}
	}
	c.mu.Unlock()

	base, _, err := c.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	return Replay(base, pending), nil
}

// take 取出并清空历史
func (c *Coordinator) take() ([]eventbus.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	events, invalidated := c.history, c.invalidated
	c.history, c.invalidated = nil, false
	return events, invalidated
}

// Flush 立即处理当前批次
func (c *Coordinator) Flush(ctx context.Context) BatchResult {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	events, invalidated := c.take()
	if len(events) == 0 && !invalidated {
		return BatchResult{}
	}

	res := BatchResult{Events: len(events)}
	if m := c.opts.Metrics; m != nil {
		m.RebuildBatchEvents.Observe(float64(len(events)))
	}

	var failed []eventbus.Event
	res.Persisted, failed = c.persist(ctx, events)
	if len(failed) > 0 {
		res.Requeued = len(failed)
		c.requeue(failed)
	}

	if invalidated || needsRebuild(events) {
		snap, err := c.builder.Build(ctx)
		res.Rebuilt = err == nil
		res.Snapshot = snap
		res.Err = err
		if err == nil {
			c.bus.Publish(eventbus.Event{Type: eventbus.RequestFilterUpdated})
		}
	}
	logger.Debugf("[Rebuild] batch of %d events: persisted %v, requeued %d, rebuilt=%v",
		res.Events, res.Persisted, res.Requeued, res.Rebuilt)

	c.mu.Lock()
	cb := c.onBatch
	c.mu.Unlock()
	if cb != nil {
		cb(res)
	}
	return res
}

// requeue 将写入失败的事件放回历史最前面，保持它们与之后事件的先后顺序，并重新计时
func (c *Coordinator) requeue(events []eventbus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(slices.Clone(events), c.history...)
	if !c.closed {
		c.armLocked()
	}
}

// Close 取消订阅，处理剩余事件
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.unsubscribe()
	c.Flush(ctx)
}

func needsRebuild(events []eventbus.Event) bool {
	for _, ev := range events {
		switch ev.Type {
		case eventbus.FilterEnabled, eventbus.FilterDisabled, eventbus.RulesReplaced:
			return true
		}
	}
	return false
}

func persistWorthy(t eventbus.EventType) bool {
	switch t {
	case eventbus.RuleAdded, eventbus.RulesAdded, eventbus.RuleRemoved, eventbus.RulesReplaced:
		return true
	}
	return false
}

// partition 按过滤器分组，只保留需要落盘的事件，保持原有顺序
func partition(events []eventbus.Event) (map[model.FilterID][]eventbus.Event, []model.FilterID) {
	byFilter := make(map[model.FilterID][]eventbus.Event)
	var order []model.FilterID
	for _, ev := range events {
		if ev.Filter == nil || !persistWorthy(ev.Type) {
			continue
		}
		id := ev.Filter.ID
		if _, ok := byFilter[id]; !ok {
			order = append(order, id)
		}
		byFilter[id] = append(byFilter[id], ev)
	}
	return byFilter, order
}

// persist 对每个过滤器重放事件并写入规则存储。
// 返回写入成功的过滤器，以及写入失败的过滤器的事件（按原顺序）。
func (c *Coordinator) persist(ctx context.Context, events []eventbus.Event) ([]model.FilterID, []eventbus.Event) {
	byFilter, order := partition(events)
	if len(order) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	var done []model.FilterID
	failedIDs := make(map[model.FilterID]bool)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.PersistConcurrency)
	for _, id := range order {
		subset := byFilter[id]
		g.Go(func() error {
			if err := c.persistFilter(gctx, id, subset); err != nil {
				// 写入失败保持原状，不影响其它过滤器；事件留待下一批
				logger.Errorf("[Rebuild] persist filter %d: %v, will retry", id, err)
				mu.Lock()
				failedIDs[id] = true
				mu.Unlock()
				return nil
			}
			mu.Lock()
			done = append(done, id)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var failed []eventbus.Event
	for _, ev := range events {
		if ev.Filter != nil && failedIDs[ev.Filter.ID] && persistWorthy(ev.Type) {
			failed = append(failed, ev)
		}
	}
	slices.Sort(done)
	return done, failed
}

func (c *Coordinator) persistFilter(ctx context.Context, id model.FilterID, events []eventbus.Event) error {
	var base []string
	// 最后一次整体替换之前的事件不影响结果
	start := 0
	for i, ev := range events {
		if ev.Type == eventbus.RulesReplaced {
			start = i
		}
	}
	if events[start].Type != eventbus.RulesReplaced {
		lines, _, err := c.store.Read(ctx, id)
		if err != nil {
			return err
		}
		base = lines
	}
	return c.store.Write(ctx, id, Replay(base, events[start:]))
}

// Replay 将事件依次作用到规则列表：添加追加到末尾，删除移除文本完全相同的行，替换覆盖全部
func Replay(base []string, events []eventbus.Event) []string {
	lines := append([]string(nil), base...)
	for _, ev := range events {
		switch ev.Type {
		case eventbus.RuleAdded, eventbus.RulesAdded:
			lines = append(lines, ev.Rules...)
		case eventbus.RuleRemoved:
			for _, text := range ev.Rules {
				lines = slices.DeleteFunc(lines, func(l string) bool { return l == text })
			}
		case eventbus.RulesReplaced:
			lines = append([]string(nil), ev.Rules...)
		}
	}
	if lines == nil {
		lines = []string{}
	}
	return lines
}
