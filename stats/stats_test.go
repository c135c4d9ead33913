package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filtersync/config"
	"filtersync/model"
	"filtersync/reqctx"
)

func testStatsConfig() *config.StatsConfig {
	return &config.StatsConfig{
		HitsWindowHours:   1,
		HitsBucketMinutes: 30,
		HitsShardCount:    4,
		HitsMaxPerBucket:  100,
		LogMaxTabs:        2,
		LogEntriesPerTab:  3,
	}
}

func TestTopRules(t *testing.T) {
	tr := newRuleHitTracker(testStatsConfig())

	for range 3 {
		tr.AddRuleHit("news.example.org", "||ads.example.com^", 2)
	}
	tr.AddRuleHit("blog.example.org", "||ads.example.com^", 2)
	tr.AddRuleHit("news.example.org", "||tracker.example^", 3)
	tr.AddRuleHit("news.example.org", "||tracker.example^", 3)
	tr.AddRuleHit("shop.example.org", "##.banner", 4)
	tr.AddRuleHit("shop.example.org", "", 4)

	top := tr.TopRules(5)
	require.Len(t, top, 3)
	assert.Equal(t, RuleHitCount{RuleText: "||ads.example.com^", FilterID: 2, Count: 4}, top[0])
	assert.Equal(t, int64(2), top[1].Count)
	assert.Equal(t, "##.banner", top[2].RuleText)

	top1 := tr.TopRules(1)
	require.Len(t, top1, 1)
	assert.Equal(t, "||ads.example.com^", top1[0].RuleText)
	assert.Nil(t, tr.TopRules(0))

	domains := tr.TopDomains(2)
	require.Len(t, domains, 2)
	assert.Equal(t, DomainHitCount{Domain: "news.example.org", Count: 5}, domains[0])

	assert.Equal(t, map[model.FilterID]int64{2: 4, 3: 2, 4: 1}, tr.FilterHits())
}

func TestRuleHitsBucketLimit(t *testing.T) {
	cfg := testStatsConfig()
	cfg.HitsShardCount = 1
	cfg.HitsMaxPerBucket = 2
	tr := newRuleHitTracker(cfg)

	tr.AddRuleHit("a.example", "rule-1", 1)
	tr.AddRuleHit("a.example", "rule-2", 1)
	tr.AddRuleHit("a.example", "rule-3", 1)
	tr.AddRuleHit("a.example", "rule-1", 1)

	top := tr.TopRules(10)
	require.Len(t, top, 2)
	assert.Equal(t, "rule-1", top[0].RuleText)
	assert.Equal(t, int64(2), top[0].Count)
}

func TestRuleHitsRotationExpiresOldBuckets(t *testing.T) {
	tr := newRuleHitTracker(testStatsConfig()) // 2 buckets
	tr.AddRuleHit("a.example", "rule-1", 1)

	tr.rotateBucket()
	tr.AddRuleHit("a.example", "rule-2", 1)
	assert.Len(t, tr.TopRules(10), 2)

	tr.rotateBucket()
	top := tr.TopRules(10)
	require.Len(t, top, 1)
	assert.Equal(t, "rule-2", top[0].RuleText)

	tr.Reset()
	assert.Empty(t, tr.TopRules(10))
}

func TestFilteringLogBindsByEvent(t *testing.T) {
	l, err := NewFilteringLog(4, 10)
	require.NoError(t, err)
	tab := model.Tab{ID: 1, URL: "https://news.example.org/"}
	rule := model.Rule{FilterID: 2, Text: "||ads.example.com^"}

	l.AddRequestEvent(tab, 11, reqctx.RequestEvent{RequestID: "r1", RequestURL: "https://ads.example.com/a.js", RequestType: model.RequestTypeScript})
	l.AddRequestEvent(tab, 12, reqctx.RequestEvent{RequestID: "r2", RequestURL: "https://cdn.example.org/b.js"})
	l.BindRequestRule(1, 11, rule)
	l.BindStealthActions(1, 12, []string{"stealth"})
	l.BindCSPReportBlocked(1, 12, true)
	l.AddCosmeticEvent(tab, 12, "div.ad", model.Rule{FilterID: 3, Text: "##.ad"})

	// 未知的标签页或事件被忽略
	l.BindRequestRule(9, 11, rule)
	l.BindRequestRule(1, 99, rule)

	events := l.Events(1)
	require.Len(t, events, 3)
	require.NotNil(t, events[0].Rule)
	assert.Equal(t, rule, *events[0].Rule)
	assert.Nil(t, events[1].Rule)
	assert.Equal(t, []string{"stealth"}, events[1].StealthActions)
	assert.True(t, events[1].CSPReportBlocked)
	assert.Equal(t, EntryCosmetic, events[2].Kind)
	assert.Equal(t, "div.ad", events[2].Element)

	l.ClearTab(1)
	assert.Empty(t, l.Events(1))
}

func TestFilteringLogBounds(t *testing.T) {
	cfg := testStatsConfig()
	l, err := NewFilteringLog(cfg.LogMaxTabs, cfg.LogEntriesPerTab)
	require.NoError(t, err)

	for i := range 5 {
		l.AddRequestEvent(model.Tab{ID: 1}, uint64(i+1), reqctx.RequestEvent{RequestID: "r"})
	}
	events := l.Events(1)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].EventID)

	// 被淘汰的条目无法再绑定
	l.BindRequestRule(1, 1, model.Rule{Text: "x"})
	for _, e := range l.Events(1) {
		assert.Nil(t, e.Rule)
	}

	l.AddRequestEvent(model.Tab{ID: 2}, 10, reqctx.RequestEvent{})
	l.AddRequestEvent(model.Tab{ID: 3}, 11, reqctx.RequestEvent{})
	assert.Len(t, l.Tabs(), 2)
	assert.Empty(t, l.Events(1), "least recently used tab evicted")
}

func TestTrackerFeedsLogAndHits(t *testing.T) {
	cfg := testStatsConfig()
	s := &Stats{hits: newRuleHitTracker(cfg), general: NewGeneralStatsTracker(time.Hour, 1), startTime: time.Now()}
	defer s.Stop()
	l, err := NewFilteringLog(4, 100)
	require.NoError(t, err)

	tr := reqctx.NewTracker(l, s)
	rule := model.Rule{FilterID: 2, Text: "||ads.example.com^"}
	tr.Record(reqctx.RecordParams{
		RequestID:   "r1",
		RequestURL:  "https://ads.example.com/x.js",
		ReferrerURL: "https://news.example.org/",
		RequestType: model.RequestTypeScript,
		Tab:         model.Tab{ID: 5},
	})
	tr.Update("r1", reqctx.Update{RequestRule: &rule})
	tr.OnRequestCompleted("r1")

	events := l.Events(5)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Rule)
	assert.Equal(t, rule.Text, events[0].Rule.Text)

	top := s.Hits().TopRules(1)
	require.Len(t, top, 1)
	assert.Equal(t, int64(1), top[0].Count)
}

func TestStatsCounters(t *testing.T) {
	s := &Stats{hits: newRuleHitTracker(testStatsConfig()), general: NewGeneralStatsTracker(time.Hour, 1), startTime: time.Now()}
	defer s.Stop()

	s.RecordRequest(VerdictBlocked)
	s.RecordRequest(VerdictBlocked)
	s.RecordRequest(VerdictAllowlisted)
	s.RecordRequest(VerdictAllowed)
	s.RecordDownload(true)
	s.RecordDownload(false)
	s.RecordBuild(BuildInfo{Version: 3, Rules: 42})
	s.RecordBuild(BuildInfo{Error: "boom"})

	assert.Equal(t, int64(4), s.requests)
	assert.Equal(t, int64(2), s.blocked)
	assert.Equal(t, int64(1), s.builds)
	assert.Equal(t, int64(1), s.buildFailures)
	assert.Equal(t, "boom", s.LastBuild().Error)

	hour := s.general.Aggregate(time.Now().Add(-time.Hour))
	assert.Equal(t, int64(4), hour["requests"])
	assert.Equal(t, int64(2), hour["blocked"])
	assert.Equal(t, int64(1), hour["download_failures"])

	s.Reset()
	assert.Equal(t, int64(0), s.requests)
}
