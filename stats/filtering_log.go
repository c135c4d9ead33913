package stats

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"filtersync/logger"
	"filtersync/model"
	"filtersync/reqctx"
)

// 日志条目类型
const (
	EntryRequest  = "request"
	EntryCSP      = "csp"
	EntryCosmetic = "cosmetic"
)

// LogEntry 过滤日志中的一条记录
type LogEntry struct {
	Kind             string            `json:"kind"`
	EventID          uint64            `json:"event_id"`
	TabID            int               `json:"tab_id"`
	RequestID        string            `json:"request_id,omitempty"`
	RequestURL       string            `json:"request_url,omitempty"`
	ReferrerURL      string            `json:"referrer_url,omitempty"`
	RequestType      model.RequestType `json:"request_type,omitempty"`
	Time             time.Time         `json:"time"`
	Rule             *model.Rule       `json:"rule,omitempty"`
	ReplaceRules     []model.Rule      `json:"replace_rules,omitempty"`
	StealthActions   []string          `json:"stealth_actions,omitempty"`
	CSPReportBlocked bool              `json:"csp_report_blocked,omitempty"`
	Element          string            `json:"element,omitempty"`
}

type tabLog struct {
	mu       sync.Mutex
	tab      model.Tab
	entries  []*LogEntry
	requests map[uint64]*LogEntry
}

// FilteringLog 按标签页保存的过滤日志。
// 标签页数量由 LRU 限制，每个标签页只保留最近的若干条记录。
type FilteringLog struct {
	mu         sync.Mutex
	tabs       *lru.Cache
	maxEntries int
	now        func() time.Time
}

var _ reqctx.FilteringLog = (*FilteringLog)(nil)

// NewFilteringLog 创建过滤日志
func NewFilteringLog(maxTabs, entriesPerTab int) (*FilteringLog, error) {
	if maxTabs <= 0 {
		maxTabs = 64
	}
	if entriesPerTab <= 0 {
		entriesPerTab = 1000
	}
	cache, err := lru.New(maxTabs)
	if err != nil {
		return nil, err
	}
	return &FilteringLog{tabs: cache, maxEntries: entriesPerTab, now: time.Now}, nil
}

func (l *FilteringLog) tab(tab model.Tab, create bool) *tabLog {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.tabs.Get(tab.ID); ok {
		return v.(*tabLog)
	}
	if !create {
		return nil
	}
	t := &tabLog{tab: tab, requests: make(map[uint64]*LogEntry)}
	if evicted := l.tabs.Add(tab.ID, t); evicted {
		logger.Debugf("[FilteringLog] tab limit reached, evicted least recently used tab")
	}
	return t
}

func (l *FilteringLog) append(tab model.Tab, e *LogEntry) {
	t := l.tab(tab, true)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append(t.entries, e)
	if e.Kind == EntryRequest {
		t.requests[e.EventID] = e
	}
	if over := len(t.entries) - l.maxEntries; over > 0 {
		for _, old := range t.entries[:over] {
			if old.Kind == EntryRequest && t.requests[old.EventID] == old {
				delete(t.requests, old.EventID)
			}
		}
		t.entries = append([]*LogEntry(nil), t.entries[over:]...)
	}
}

// withRequest 修改 (tab, eventID) 对应的请求条目；条目不存在时忽略
func (l *FilteringLog) withRequest(tabID int, eventID uint64, fn func(e *LogEntry)) {
	t := l.tab(model.Tab{ID: tabID}, false)
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.requests[eventID]; ok {
		fn(e)
	}
}

// ClearTab implements reqctx.FilteringLog.
func (l *FilteringLog) ClearTab(tabID int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tabs.Remove(tabID)
}

// AddRequestEvent implements reqctx.FilteringLog.
func (l *FilteringLog) AddRequestEvent(tab model.Tab, eventID uint64, ev reqctx.RequestEvent) {
	l.append(tab, &LogEntry{
		Kind:        EntryRequest,
		EventID:     eventID,
		TabID:       tab.ID,
		RequestID:   ev.RequestID,
		RequestURL:  ev.RequestURL,
		ReferrerURL: ev.ReferrerURL,
		RequestType: ev.RequestType,
		Time:        ev.Time,
	})
}

// BindRequestRule implements reqctx.FilteringLog.
func (l *FilteringLog) BindRequestRule(tabID int, eventID uint64, rule model.Rule) {
	l.withRequest(tabID, eventID, func(e *LogEntry) { e.Rule = &rule })
}

// BindReplaceRules implements reqctx.FilteringLog.
func (l *FilteringLog) BindReplaceRules(tabID int, eventID uint64, rules []model.Rule) {
	cp := append([]model.Rule(nil), rules...)
	l.withRequest(tabID, eventID, func(e *LogEntry) { e.ReplaceRules = cp })
}

// AddCSPEvent implements reqctx.FilteringLog.
func (l *FilteringLog) AddCSPEvent(tab model.Tab, eventID uint64, requestURL string, rule model.Rule) {
	l.append(tab, &LogEntry{
		Kind:        EntryCSP,
		EventID:     eventID,
		TabID:       tab.ID,
		RequestURL:  requestURL,
		RequestType: model.RequestTypeDocument,
		Time:        l.now(),
		Rule:        &rule,
	})
}

// AddCosmeticEvent implements reqctx.FilteringLog.
func (l *FilteringLog) AddCosmeticEvent(tab model.Tab, eventID uint64, element string, rule model.Rule) {
	l.append(tab, &LogEntry{
		Kind:    EntryCosmetic,
		EventID: eventID,
		TabID:   tab.ID,
		Time:    l.now(),
		Rule:    &rule,
		Element: element,
	})
}

// BindStealthActions implements reqctx.FilteringLog.
func (l *FilteringLog) BindStealthActions(tabID int, eventID uint64, actions []string) {
	cp := append([]string(nil), actions...)
	l.withRequest(tabID, eventID, func(e *LogEntry) { e.StealthActions = cp })
}

// BindCSPReportBlocked implements reqctx.FilteringLog.
func (l *FilteringLog) BindCSPReportBlocked(tabID int, eventID uint64, blocked bool) {
	l.withRequest(tabID, eventID, func(e *LogEntry) { e.CSPReportBlocked = blocked })
}

// Events 返回某个标签页的日志副本，按时间顺序
func (l *FilteringLog) Events(tabID int) []LogEntry {
	l.mu.Lock()
	v, ok := l.tabs.Peek(tabID)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	t := v.(*tabLog)
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]LogEntry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
		if e.Rule != nil {
			r := *e.Rule
			out[i].Rule = &r
		}
	}
	return out
}

// Tabs 当前保存日志的标签页
func (l *FilteringLog) Tabs() []model.Tab {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := l.tabs.Keys()
	out := make([]model.Tab, 0, len(keys))
	for _, k := range keys {
		if v, ok := l.tabs.Peek(k); ok {
			out = append(out, v.(*tabLog).tab)
		}
	}
	return out
}
