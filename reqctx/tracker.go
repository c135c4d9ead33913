package reqctx

import (
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"filtersync/logger"
	"filtersync/model"
)

// Tracker 按事务 ID 保存 RequestContext。
// 日志与计数的回调都在锁外执行。
type Tracker struct {
	mu       sync.Mutex
	contexts map[string]*RequestContext
	eventSeq atomic.Uint64

	log  FilteringLog
	hits HitCounter
	now  func() time.Time
}

// NewTracker 创建 Tracker；log 与 hits 可以为 nil
func NewTracker(log FilteringLog, hits HitCounter) *Tracker {
	if log == nil {
		log = nopLog{}
	}
	if hits == nil {
		hits = nopHits{}
	}
	return &Tracker{
		contexts: make(map[string]*RequestContext),
		log:      log,
		hits:     hits,
		now:      time.Now,
	}
}

// Record 开始（或在重定向复用 ID 时重新开始）一个事务。
// 顶层导航且当前没有该 ID 的上下文时，清空该标签页此前的日志。
func (t *Tracker) Record(p RecordParams) uint64 {
	ctx := &RequestContext{
		RequestID:    p.RequestID,
		RequestURL:   p.RequestURL,
		ReferrerURL:  p.ReferrerURL,
		OriginURL:    p.OriginURL,
		RequestType:  p.RequestType,
		Tab:          p.Tab,
		EventID:      t.eventSeq.Add(1),
		StartedAt:    t.now(),
		RequestState: StateProcessing,
		elements:     make(map[model.Rule][]string),
	}

	t.mu.Lock()
	_, existed := t.contexts[p.RequestID]
	t.contexts[p.RequestID] = ctx
	t.mu.Unlock()

	if p.RequestType == model.RequestTypeDocument && !existed {
		t.log.ClearTab(p.Tab.ID)
	}
	t.log.AddRequestEvent(p.Tab, ctx.EventID, RequestEvent{
		RequestID:   p.RequestID,
		RequestURL:  p.RequestURL,
		ReferrerURL: p.ReferrerURL,
		RequestType: p.RequestType,
		Time:        ctx.StartedAt,
	})
	return ctx.EventID
}

// Update 合并部分字段；上下文不存在时什么都不做
func (t *Tracker) Update(requestID string, u Update) {
	t.mu.Lock()
	ctx, ok := t.contexts[requestID]
	if !ok {
		t.mu.Unlock()
		return
	}

	var rebind *model.Rule
	if u.RequestRule != nil {
		r := *u.RequestRule
		ctx.RequestRule = &r
		rebind = &r
		ctx.boundRule = &r
	}
	if u.ReplaceRules != nil {
		ctx.ReplaceRules = append([]model.Rule(nil), u.ReplaceRules...)
	}
	if len(u.CSPRules) > 0 {
		ctx.CSPRules = append(ctx.CSPRules, u.CSPRules...)
	}
	if u.StealthActions != nil {
		ctx.StealthActions = append([]string(nil), u.StealthActions...)
	}
	if u.CSPReportBlocked != nil {
		ctx.CSPReportBlocked = *u.CSPReportBlocked
	}
	ctx.RequestHeaders = append(ctx.RequestHeaders, copyHeaders(u.RequestHeaders)...)
	ctx.ResponseHeaders = append(ctx.ResponseHeaders, copyHeaders(u.ResponseHeaders)...)
	ctx.ModifiedRequestHeaders = append(ctx.ModifiedRequestHeaders, copyHeaders(u.ModifiedRequestHeaders)...)
	ctx.ModifiedResponseHeaders = append(ctx.ModifiedResponseHeaders, copyHeaders(u.ModifiedResponseHeaders)...)

	tabID, eventID := ctx.Tab.ID, ctx.EventID
	t.mu.Unlock()

	// 长时间运行的事务也要让日志尽早显示命中的规则
	if rebind != nil {
		t.log.BindRequestRule(tabID, eventID, *rebind)
	}
}

// BindContentRule 记录内容规则作用到的元素；同一规则只出现一次
func (t *Tracker) BindContentRule(requestID string, rule model.Rule, element string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, ok := t.contexts[requestID]
	if !ok {
		return
	}
	if _, seen := ctx.elements[rule]; !seen {
		ctx.ContentRules = append(ctx.ContentRules, rule)
		ctx.elements[rule] = nil
	}
	ctx.elements[rule] = append(ctx.elements[rule], element)
}

// Get 返回上下文的副本
func (t *Tracker) Get(requestID string) (RequestContext, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, ok := t.contexts[requestID]
	if !ok {
		return RequestContext{}, false
	}
	return ctx.clone(), true
}

// Len 当前跟踪的事务数
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.contexts)
}

// OnRequestCompleted 请求阶段结束
func (t *Tracker) OnRequestCompleted(requestID string) {
	t.finish(requestID, func(ctx *RequestContext) { ctx.RequestState = StateDone })
}

// OnContentModificationStarted 内容修改阶段开始
func (t *Tracker) OnContentModificationStarted(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx, ok := t.contexts[requestID]; ok {
		ctx.ContentModifyingState = StateProcessing
	}
}

// OnContentModificationFinished 内容修改阶段结束
func (t *Tracker) OnContentModificationFinished(requestID string) {
	t.finish(requestID, func(ctx *RequestContext) { ctx.ContentModifyingState = StateDone })
}

// Sweep 丢弃开始时间早于 maxAge 的上下文（完成回调丢失的事务），不上报命中
func (t *Tracker) Sweep(maxAge time.Duration) int {
	deadline := t.now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, ctx := range t.contexts {
		if ctx.StartedAt.Before(deadline) {
			delete(t.contexts, id)
			n++
		}
	}
	if n > 0 {
		logger.Debugf("[ReqCtx] swept %d abandoned contexts", n)
	}
	return n
}

// flush 一个阶段待上报的内容，在锁内取出，在锁外执行
type flush struct {
	tab       model.Tab
	eventID   uint64
	domain    string
	url       string
	request   *requestPhase
	content   *contentPhase
	bindAgain bool
}

type requestPhase struct {
	rule          *model.Rule
	replace       []model.Rule
	csp           []model.Rule
	stealth       []string
	reportBlocked bool
}

type contentPhase struct {
	rules    []model.Rule
	elements map[model.Rule][]string
}

// finish 设置阶段状态后执行共享的收尾流程：
// 每个 DONE 阶段上报一次并重置为 NONE；两个阶段都为 NONE 时删除上下文。
func (t *Tracker) finish(requestID string, mark func(*RequestContext)) {
	t.mu.Lock()
	ctx, ok := t.contexts[requestID]
	if !ok {
		t.mu.Unlock()
		return
	}
	mark(ctx)

	f := flush{
		tab:     ctx.Tab,
		eventID: ctx.EventID,
		domain:  hitDomain(ctx),
		url:     ctx.RequestURL,
	}
	if ctx.RequestState == StateDone {
		f.request = &requestPhase{
			rule:          ctx.RequestRule,
			replace:       ctx.ReplaceRules,
			csp:           ctx.CSPRules,
			stealth:       ctx.StealthActions,
			reportBlocked: ctx.CSPReportBlocked,
		}
		f.bindAgain = ctx.RequestRule != nil && (ctx.boundRule == nil || *ctx.boundRule != *ctx.RequestRule)
		ctx.RequestRule, ctx.boundRule = nil, nil
		ctx.ReplaceRules, ctx.CSPRules, ctx.StealthActions = nil, nil, nil
		ctx.CSPReportBlocked = false
		ctx.RequestState = StateNone
	}
	if ctx.ContentModifyingState == StateDone {
		f.content = &contentPhase{rules: ctx.ContentRules, elements: ctx.elements}
		ctx.ContentRules = nil
		ctx.elements = make(map[model.Rule][]string)
		ctx.ContentModifyingState = StateNone
	}
	if ctx.RequestState == StateNone && ctx.ContentModifyingState == StateNone {
		delete(t.contexts, requestID)
	}
	t.mu.Unlock()

	t.emit(f)
}

func (t *Tracker) emit(f flush) {
	if p := f.request; p != nil {
		if p.rule != nil {
			if f.bindAgain {
				t.log.BindRequestRule(f.tab.ID, f.eventID, *p.rule)
			}
			t.hit(f.domain, *p.rule)
		}
		if len(p.replace) > 0 {
			t.log.BindReplaceRules(f.tab.ID, f.eventID, p.replace)
			for _, r := range p.replace {
				t.hit(f.domain, r)
			}
		}
		for _, r := range p.csp {
			t.log.AddCSPEvent(f.tab, f.eventID, f.url, r)
			t.hit(f.domain, r)
		}
		if len(p.stealth) > 0 {
			t.log.BindStealthActions(f.tab.ID, f.eventID, p.stealth)
		}
		if p.reportBlocked {
			t.log.BindCSPReportBlocked(f.tab.ID, f.eventID, true)
		}
	}
	if c := f.content; c != nil {
		for _, r := range c.rules {
			for _, el := range c.elements[r] {
				t.log.AddCosmeticEvent(f.tab, f.eventID, el, r)
			}
			t.hit(f.domain, r)
		}
	}
}

func (t *Tracker) hit(domain string, r model.Rule) {
	t.hits.AddRuleHit(domain, r.Text, r.FilterID)
}

// hitDomain 命中统计按页面域名归类：优先 referrer，其次请求本身
func hitDomain(ctx *RequestContext) string {
	for _, raw := range []string{ctx.ReferrerURL, ctx.RequestURL} {
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			return strings.ToLower(u.Hostname())
		}
	}
	return ""
}

type nopLog struct{}

func (nopLog) ClearTab(int)                                           {}
func (nopLog) AddRequestEvent(model.Tab, uint64, RequestEvent)        {}
func (nopLog) BindRequestRule(int, uint64, model.Rule)                {}
func (nopLog) BindReplaceRules(int, uint64, []model.Rule)             {}
func (nopLog) AddCSPEvent(model.Tab, uint64, string, model.Rule)      {}
func (nopLog) AddCosmeticEvent(model.Tab, uint64, string, model.Rule) {}
func (nopLog) BindStealthActions(int, uint64, []string)               {}
func (nopLog) BindCSPReportBlocked(int, uint64, bool)                 {}

type nopHits struct{}

func (nopHits) AddRuleHit(string, string, model.FilterID) {}
