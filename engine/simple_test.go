package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filtersync/model"
)

func TestSuffixMatcherBasic(t *testing.T) {
	matcher := NewSuffixMatcher()
	matcher.AddRule("example.com", model.Rule{FilterID: 2, Text: "||example.com^"})

	// Exact match
	got := matcher.Match("example.com")
	require.Len(t, got, 1)
	assert.Equal(t, "||example.com^", got[0].Text)
	assert.Equal(t, model.FilterID(2), got[0].FilterID)

	// Subdomain match
	assert.Len(t, matcher.Match("sub.example.com"), 1)
	assert.Len(t, matcher.Match("SUB.Example.com"), 1)

	// No match
	assert.Empty(t, matcher.Match("example.org"))
	assert.Empty(t, matcher.Match("badexample.com"))
}

func TestSuffixMatcherSingleLevel(t *testing.T) {
	matcher := NewSuffixMatcher()
	matcher.AddRule("com", model.Rule{Text: "||com^"})

	assert.NotEmpty(t, matcher.Match("example.com"))
	assert.NotEmpty(t, matcher.Match("google.com"))
	assert.Empty(t, matcher.Match("example.org"))
	assert.Empty(t, matcher.Match("example.community"))
}

func TestSuffixMatcherMultiLevel(t *testing.T) {
	matcher := NewSuffixMatcher()
	matcher.AddRule("example.com", model.Rule{Text: "||example.com^"})
	matcher.AddRule("ads.example.com", model.Rule{Text: "||ads.example.com^"})
	matcher.AddRule("ads.example.com", model.Rule{Text: "||ads.example.com^$important"})

	got := matcher.Match("x.ads.example.com")
	require.Len(t, got, 2)
	assert.Equal(t, "||example.com^", got[0].Text)
	assert.Equal(t, "||ads.example.com^", got[1].Text)
	assert.Equal(t, 2, matcher.Count())
}

func TestExactMatcher(t *testing.T) {
	m := NewExactMatcher()
	m.AddRule("Tracker.Example", model.Rule{Text: "tracker.example"})

	r, ok := m.Match("tracker.example")
	assert.True(t, ok)
	assert.Equal(t, "tracker.example", r.Text)

	_, ok = m.Match("sub.tracker.example")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Count())
}

func compileSimple(t *testing.T, lists ...RuleList) Engine {
	t.Helper()
	s := SimpleCompiler{}.NewSession(CompileConfig{EngineName: "simple"})
	for _, l := range lists {
		require.NoError(t, s.AddRules(l.FilterID, l.Lines))
	}
	e, err := s.Finish()
	require.NoError(t, err)
	return e
}

func TestSimpleEngine(t *testing.T) {
	e := compileSimple(t,
		RuleList{FilterID: 2, Lines: []string{
			"! Title: test",
			"||ads.example.com^",
			"||tracker.example^$third-party",
			"0.0.0.0 hosts.example another.example # comment",
			"127.0.0.1 localhost",
			"plain.example",
			"example.org##.banner",
			"/regex/",
		}},
		RuleList{FilterID: model.AllowlistFilterID, Lines: []string{"@@||good.ads.example.com^"}},
	)

	assert.Equal(t, 6, e.RulesCount())

	res := e.MatchHost("x.ads.example.com")
	require.True(t, res.Blocked())
	assert.Equal(t, model.FilterID(2), res.BasicRule.FilterID)

	res = e.MatchHost("good.ads.example.com")
	require.NotNil(t, res.BasicRule)
	assert.False(t, res.Blocked())
	assert.True(t, res.BasicRule.IsAllowlist())
	assert.Equal(t, model.AllowlistFilterID, res.BasicRule.FilterID)

	assert.True(t, e.MatchHost("another.example").Blocked())
	assert.True(t, e.MatchHost("plain.example.").Blocked())
	assert.False(t, e.MatchHost("sub.plain.example").Blocked())
	assert.True(t, e.MatchHost("localhost").Empty())

	res = e.Match(&Request{URL: "https://tracker.example/pixel.gif", Type: model.RequestTypeImage})
	assert.True(t, res.Blocked())
	assert.Equal(t, "||tracker.example^$third-party", res.BasicRule.Text)

	assert.True(t, e.MatchHost("").Empty())
}

func TestPickBasicPriority(t *testing.T) {
	block := model.Rule{Text: "||a.example^"}
	allow := model.Rule{Text: "@@||a.example^"}
	important := model.Rule{Text: "||a.example^$important"}
	importantAllow := model.Rule{Text: "@@||a.example^$important"}

	assert.Equal(t, allow.Text, pickBasic([]model.Rule{block, allow}).Text)
	assert.Equal(t, important.Text, pickBasic([]model.Rule{block, allow, important}).Text)
	assert.Equal(t, importantAllow.Text, pickBasic([]model.Rule{important, importantAllow}).Text)
	assert.Nil(t, pickBasic(nil))
}

func TestAssembleClassifies(t *testing.T) {
	res := assemble([]model.Rule{
		{FilterID: 1, Text: "||a.example^$csp=script-src 'none'"},
		{FilterID: 1, Text: "||a.example^$replace=/ads//"},
		{FilterID: 1, Text: "@@||a.example^$stealth=referrer"},
		{FilterID: 1, Text: "||a.example^"},
	})
	require.Len(t, res.CSPRules, 1)
	require.Len(t, res.ReplaceRules, 1)
	assert.Equal(t, []string{"stealth=referrer"}, res.StealthActions)
	assert.True(t, res.Blocked())
}

func TestRequestHostname(t *testing.T) {
	assert.Equal(t, "www.example.com", (&Request{URL: "https://WWW.example.com:8443/path?q=1"}).Hostname())
	assert.Equal(t, "example.com", (&Request{URL: "example.com"}).Hostname())
	assert.Equal(t, "", (&Request{}).Hostname())
}
