package engine

import (
	"sync/atomic"
	"time"
)

// Snapshot 一次发布的引擎及其版本号。发布后不再修改。
type Snapshot struct {
	Engine   Engine
	Version  uint64
	BuiltAt  time.Time
	Filters  int
	RuleRows int
}

// Holder 持有当前发布的引擎。读取方无锁；发布是一次指针替换。
type Holder struct {
	current atomic.Pointer[Snapshot]
	seq     atomic.Uint64
}

// NewHolder 创建空的 Holder；发布前所有查询放行
func NewHolder() *Holder {
	return &Holder{}
}

// Publish 发布新引擎，返回其快照
func (h *Holder) Publish(e Engine, filters int) *Snapshot {
	s := &Snapshot{
		Engine:   e,
		Version:  h.seq.Add(1),
		BuiltAt:  time.Now(),
		Filters:  filters,
		RuleRows: e.RulesCount(),
	}
	h.current.Store(s)
	return s
}

// Current 当前快照，尚未发布时为 nil
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

// Ready 是否已经发布过引擎
func (h *Holder) Ready() bool {
	return h.current.Load() != nil
}

// Match 使用当前引擎匹配；尚无引擎时返回空结果（放行）
func (h *Holder) Match(req *Request) *MatchResult {
	s := h.current.Load()
	if s == nil {
		return &MatchResult{}
	}
	return s.Engine.Match(req)
}

// MatchHost 按主机名匹配；尚无引擎时返回空结果（放行）
func (h *Holder) MatchHost(host string) *MatchResult {
	s := h.current.Load()
	if s == nil {
		return &MatchResult{}
	}
	return s.Engine.MatchHost(host)
}
