// Package reqctx 跟踪进行中的网络事务，并在两个阶段各自结束时上报命中的规则
package reqctx

import (
	"time"

	"filtersync/model"
)

// State 阶段状态
type State int

const (
	StateNone State = iota
	StateProcessing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateProcessing:
		return "processing"
	case StateDone:
		return "done"
	default:
		return "none"
	}
}

// Header 请求/响应头的一个名值对
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// copyHeaders 返回独立副本，调用方之后修改原切片不影响已保存的数据
func copyHeaders(h []Header) []Header {
	if len(h) == 0 {
		return nil
	}
	out := make([]Header, len(h))
	copy(out, h)
	return out
}

// RequestContext 一个进行中的事务。
// 只要两个阶段中任意一个不是 StateNone，它就保留在 Tracker 中。
type RequestContext struct {
	RequestID   string
	RequestURL  string
	ReferrerURL string
	OriginURL   string
	RequestType model.RequestType
	Tab         model.Tab
	EventID     uint64
	StartedAt   time.Time

	RequestState          State
	ContentModifyingState State

	// 请求阶段
	RequestRule      *model.Rule
	ReplaceRules     []model.Rule
	CSPRules         []model.Rule
	StealthActions   []string
	CSPReportBlocked bool

	// 内容修改阶段；每条规则可作用于多个元素
	ContentRules []model.Rule
	elements     map[model.Rule][]string

	RequestHeaders          []Header
	ResponseHeaders         []Header
	ModifiedRequestHeaders  []Header
	ModifiedResponseHeaders []Header

	// 已经绑定到日志的请求规则，避免完成时重复绑定
	boundRule *model.Rule
}

// Elements 返回某条内容规则作用到的元素
func (c *RequestContext) Elements(rule model.Rule) []string {
	return c.elements[rule]
}

func (c *RequestContext) clone() RequestContext {
	out := *c
	if c.RequestRule != nil {
		r := *c.RequestRule
		out.RequestRule = &r
	}
	out.boundRule = nil
	out.ReplaceRules = append([]model.Rule(nil), c.ReplaceRules...)
	out.CSPRules = append([]model.Rule(nil), c.CSPRules...)
	out.StealthActions = append([]string(nil), c.StealthActions...)
	out.ContentRules = append([]model.Rule(nil), c.ContentRules...)
	out.elements = make(map[model.Rule][]string, len(c.elements))
	for r, els := range c.elements {
		out.elements[r] = append([]string(nil), els...)
	}
	out.RequestHeaders = copyHeaders(c.RequestHeaders)
	out.ResponseHeaders = copyHeaders(c.ResponseHeaders)
	out.ModifiedRequestHeaders = copyHeaders(c.ModifiedRequestHeaders)
	out.ModifiedResponseHeaders = copyHeaders(c.ModifiedResponseHeaders)
	return out
}

// Update 对上下文的部分更新，nil 字段保持不变。
// CSPRules 和各类 Header 追加，其余字段覆盖。
type Update struct {
	RequestRule             *model.Rule
	ReplaceRules            []model.Rule
	CSPRules                []model.Rule
	StealthActions          []string
	CSPReportBlocked        *bool
	RequestHeaders          []Header
	ResponseHeaders         []Header
	ModifiedRequestHeaders  []Header
	ModifiedResponseHeaders []Header
}

// RecordParams 新事务的参数
type RecordParams struct {
	RequestID   string
	RequestURL  string
	ReferrerURL string
	OriginURL   string
	RequestType model.RequestType
	Tab         model.Tab
}

// RequestEvent 事务开始时写入过滤日志的条目
type RequestEvent struct {
	RequestID   string
	RequestURL  string
	ReferrerURL string
	RequestType model.RequestType
	Time        time.Time
}

// FilteringLog 过滤日志；条目按 (tab, eventID) 定位
type FilteringLog interface {
	ClearTab(tabID int)
	AddRequestEvent(tab model.Tab, eventID uint64, ev RequestEvent)
	BindRequestRule(tabID int, eventID uint64, rule model.Rule)
	BindReplaceRules(tabID int, eventID uint64, rules []model.Rule)
	AddCSPEvent(tab model.Tab, eventID uint64, requestURL string, rule model.Rule)
	AddCosmeticEvent(tab model.Tab, eventID uint64, element string, rule model.Rule)
	BindStealthActions(tabID int, eventID uint64, actions []string)
	BindCSPReportBlocked(tabID int, eventID uint64, blocked bool)
}

// HitCounter 规则命中计数
type HitCounter interface {
	AddRuleHit(domain, ruleText string, filterID model.FilterID)
}
