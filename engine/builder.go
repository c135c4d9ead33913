package engine

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"filtersync/eventbus"
	"filtersync/logger"
	"filtersync/model"
	"filtersync/storage"
)

// FilterSource 提供当前生效的过滤器
type FilterSource interface {
	ActiveFilters() []model.FilterRecord
	SetLoaded(ids []model.FilterID, loaded bool)
}

// BuildStats 一次构建的结果
type BuildStats struct {
	Version  uint64
	Filters  int
	Rules    int
	Duration time.Duration
	RSSBytes uint64
	Err      error
}

// BuilderOptions 构建参数
type BuilderOptions struct {
	EngineName string
	ChunkSize  int
	Verbose    bool
	// OnBuilt 每次构建结束后调用（成功或失败）
	OnBuilt func(BuildStats)
}

// Builder 从规则存储与注册表状态构建引擎并发布
type Builder struct {
	mu       sync.Mutex
	source   FilterSource
	rules    storage.RuleListStore
	compiler Compiler
	holder   *Holder
	bus      *eventbus.Bus
	opts     BuilderOptions
	builds   int
}

// NewBuilder 创建构建器
func NewBuilder(source FilterSource, rules storage.RuleListStore, compiler Compiler, holder *Holder, bus *eventbus.Bus, opts BuilderOptions) *Builder {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 5000
	}
	if opts.EngineName == "" {
		opts.EngineName = "urlfilter"
	}
	return &Builder{
		source:   source,
		rules:    rules,
		compiler: compiler,
		holder:   holder,
		bus:      bus,
		opts:     opts,
	}
}

// Build 收集生效规则、编译并发布。构建互斥执行，开始后运行到结束，
// ctx 只用于读取规则存储。失败时发布 EngineBuildFailed，旧引擎保持不变。
func (b *Builder) Build(ctx context.Context) (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	b.builds++
	cfg := CompileConfig{
		EngineName: b.opts.EngineName,
		Version:    strconv.Itoa(b.builds),
		Verbose:    b.opts.Verbose,
	}

	lists, loaded := b.collect(ctx)
	eng, skipped, err := b.compile(lists, cfg)
	loaded = without(loaded, skipped)
	stats := BuildStats{Filters: len(loaded), Duration: time.Since(start), RSSBytes: sampleRSS()}
	if err != nil {
		stats.Err = err
		logger.Errorf("[Engine] build #%d failed after %v: %v", b.builds, stats.Duration, err)
		b.bus.Publish(eventbus.Event{Type: eventbus.EngineBuildFailed, Err: err})
		b.notify(stats)
		return nil, err
	}

	snap := b.holder.Publish(eng, len(loaded))
	b.source.SetLoaded(loaded, true)

	stats.Version = snap.Version
	stats.Rules = snap.RuleRows
	logger.Infof("[Engine] published engine v%d: %d filters, %d rules, took %v, rss %d MB",
		snap.Version, len(loaded), snap.RuleRows, stats.Duration, stats.RSSBytes/1024/1024)
	b.notify(stats)
	return snap, nil
}

func (b *Builder) notify(stats BuildStats) {
	if b.opts.OnBuilt != nil {
		b.opts.OnBuilt(stats)
	}
}

// collect 读取所有生效过滤器以及始终生效的用户规则和白名单。
// 读取失败的过滤器不贡献规则。
func (b *Builder) collect(ctx context.Context) ([]RuleList, []model.FilterID) {
	active := b.source.ActiveFilters()
	ids := make([]model.FilterID, 0, len(active)+2)
	for _, f := range active {
		ids = append(ids, f.ID)
	}
	ids = append(ids, model.UserFilterID, model.AllowlistFilterID)

	var lists []RuleList
	var loaded []model.FilterID
	for _, id := range ids {
		lines, ok, err := b.rules.Read(ctx, id)
		if err != nil {
			logger.Warnf("[Engine] read rules of filter %d: %v, skipping", id, err)
			continue
		}
		if !ok {
			continue
		}
		lists = append(lists, RuleList{FilterID: id, Lines: lines})
		if id != model.UserFilterID && id != model.AllowlistFilterID {
			loaded = append(loaded, id)
		}
	}
	return lists, loaded
}

// compile 分批送入编译器，批次之间让出调度；编译器 panic 转为错误。
// 某个过滤器的规则无法解析时，该过滤器不贡献任何规则：丢弃当前会话，
// 去掉该过滤器后重新编译。只有 Finish 失败或 panic 才使整个构建失败。
func (b *Builder) compile(lists []RuleList, cfg CompileConfig) (eng Engine, skipped []model.FilterID, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Debugf("[Engine] compiler panic stack:\n%s", debug.Stack())
			eng, err = nil, fmt.Errorf("compiler panic: %v", r)
		}
	}()

	for {
		res, addErr := b.feed(lists, cfg)
		if addErr == nil {
			eng, err = res.session.Finish()
			return eng, skipped, err
		}
		logger.Warnf("[Engine] filter %d: %v, skipping its rules", res.filterID, addErr)
		skipped = append(skipped, res.filterID)
		lists = slices.DeleteFunc(slices.Clone(lists), func(l RuleList) bool {
			return l.FilterID == res.filterID
		})
	}
}

// feedResult 一次送入的结果；出错时 filterID 为出错的过滤器
type feedResult struct {
	session  Session
	filterID model.FilterID
}

func (b *Builder) feed(lists []RuleList, cfg CompileConfig) (feedResult, error) {
	session := b.compiler.NewSession(cfg)
	for _, list := range lists {
		for start := 0; start < len(list.Lines); start += b.opts.ChunkSize {
			end := min(start+b.opts.ChunkSize, len(list.Lines))
			if err := session.AddRules(list.FilterID, list.Lines[start:end]); err != nil {
				return feedResult{filterID: list.FilterID}, err
			}
			runtime.Gosched()
		}
	}
	return feedResult{session: session}, nil
}

// without 返回 ids 中不在 drop 里的元素
func without(ids, drop []model.FilterID) []model.FilterID {
	if len(drop) == 0 {
		return ids
	}
	out := ids[:0:0]
	for _, id := range ids {
		if !slices.Contains(drop, id) {
			out = append(out, id)
		}
	}
	return out
}

func sampleRSS() uint64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mi, err := p.MemoryInfo()
	if err != nil || mi == nil {
		return 0
	}
	return mi.RSS
}
