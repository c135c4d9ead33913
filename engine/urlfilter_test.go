package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filtersync/model"
)

func compileURLFilter(t *testing.T, lists ...RuleList) Engine {
	t.Helper()
	s := URLFilterCompiler{}.NewSession(CompileConfig{EngineName: "urlfilter", Version: "test"})
	for _, l := range lists {
		require.NoError(t, s.AddRules(l.FilterID, l.Lines))
	}
	e, err := s.Finish()
	require.NoError(t, err)
	return e
}

func TestURLFilterEngineBlocks(t *testing.T) {
	e := compileURLFilter(t,
		RuleList{FilterID: 2, Lines: []string{
			"! Title: AdGuard Base",
			"||ads.example.com^",
		}},
		RuleList{FilterID: 3, Lines: []string{"||tracker.example^"}},
	)
	assert.Positive(t, e.RulesCount())

	res := e.Match(&Request{
		URL:       "https://ads.example.com/banner.js",
		SourceURL: "https://news.example.org/",
		Type:      model.RequestTypeScript,
	})
	require.True(t, res.Blocked())
	assert.Equal(t, "||ads.example.com^", res.BasicRule.Text)
	assert.Equal(t, model.FilterID(2), res.BasicRule.FilterID)

	res = e.MatchHost("tracker.example")
	require.True(t, res.Blocked())
	assert.Equal(t, model.FilterID(3), res.BasicRule.FilterID)

	assert.False(t, e.MatchHost("example.net").Blocked())
	assert.False(t, e.Match(&Request{URL: "https://example.net/", Type: model.RequestTypeDocument}).Blocked())
}

func TestURLFilterAttributesFirstFilter(t *testing.T) {
	e := compileURLFilter(t,
		RuleList{FilterID: 2, Lines: []string{"||dup.example^"}},
		RuleList{FilterID: 3, Lines: []string{"||dup.example^"}},
	)
	res := e.MatchHost("dup.example")
	require.True(t, res.Blocked())
	assert.Equal(t, model.FilterID(2), res.BasicRule.FilterID)
}

func TestToRequestType(t *testing.T) {
	assert.Equal(t, toRequestType(model.RequestTypePing), toRequestType(model.RequestTypeCSPReport))
	assert.NotEqual(t, toRequestType(model.RequestTypeScript), toRequestType(model.RequestTypeImage))
	assert.Equal(t, toRequestType(model.RequestTypeOther), toRequestType(model.RequestTypeDNS))
}
