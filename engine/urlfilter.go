package engine

import (
	"strings"

	"github.com/AdguardTeam/urlfilter"
	"github.com/AdguardTeam/urlfilter/filterlist"
	"github.com/AdguardTeam/urlfilter/rules"

	"filtersync/logger"
	"filtersync/model"
)

// URLFilterCompiler 基于 AdguardTeam/urlfilter 的完整规则语法引擎
type URLFilterCompiler struct{}

// NewSession implements Compiler.
func (URLFilterCompiler) NewSession(cfg CompileConfig) Session {
	return &urlfilterSession{
		cfg:    cfg,
		origin: make(map[string]model.FilterID),
	}
}

type urlfilterSession struct {
	cfg   CompileConfig
	text  strings.Builder
	lines int
	// 规则文本 -> 来源过滤器；同一文本出现在多个列表时记第一个
	origin map[string]model.FilterID
}

// AddRules implements Session.
func (s *urlfilterSession) AddRules(filterID model.FilterID, lines []string) error {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if isComment(line) {
			continue
		}
		if _, ok := s.origin[line]; !ok {
			s.origin[line] = filterID
		}
		s.text.WriteString(line)
		s.text.WriteByte('\n')
		s.lines++
	}
	return nil
}

// Finish implements Session.
func (s *urlfilterSession) Finish() (Engine, error) {
	list := filterlist.NewString(&filterlist.StringConfig{
		RulesText:      s.text.String(),
		ID:             1,
		IgnoreCosmetic: true,
	})

	storage, err := filterlist.NewRuleStorage([]filterlist.Interface{list})
	if err != nil {
		return nil, err
	}

	e := &urlfilterEngine{
		network: urlfilter.NewNetworkEngine(storage),
		dns:     urlfilter.NewDNSEngine(storage),
		origin:  s.origin,
		lines:   s.lines,
	}
	if s.cfg.Verbose {
		logger.Debugf("[Engine] urlfilter %s compiled: %d lines, %d network rules, %d dns rules",
			s.cfg.Version, s.lines, e.network.RulesCount, e.dns.RulesCount)
	}
	return e, nil
}

type urlfilterEngine struct {
	network *urlfilter.NetworkEngine
	dns     *urlfilter.DNSEngine
	origin  map[string]model.FilterID
	lines   int
}

func (e *urlfilterEngine) toRule(r *rules.NetworkRule) model.Rule {
	text := r.Text()
	return model.Rule{FilterID: e.origin[text], Text: text}
}

// Match implements Engine.
func (e *urlfilterEngine) Match(req *Request) *MatchResult {
	r := rules.NewRequest(req.URL, req.SourceURL, toRequestType(req.Type))
	found := e.network.MatchAll(r)
	matched := make([]model.Rule, 0, len(found))
	for _, nr := range found {
		matched = append(matched, e.toRule(nr))
	}
	return assemble(matched)
}

// MatchHost implements Engine.
func (e *urlfilterEngine) MatchHost(host string) *MatchResult {
	result, ok := e.dns.Match(strings.TrimSuffix(host, "."))
	if !ok || result == nil || result.NetworkRule == nil {
		return &MatchResult{}
	}
	rule := e.toRule(result.NetworkRule)
	return &MatchResult{BasicRule: &rule}
}

// RulesCount implements Engine.
func (e *urlfilterEngine) RulesCount() int {
	if e.dns.RulesCount > 0 {
		return e.dns.RulesCount
	}
	return e.lines
}

func toRequestType(t model.RequestType) rules.RequestType {
	switch t {
	case model.RequestTypeDocument:
		return rules.TypeDocument
	case model.RequestTypeSubdocument:
		return rules.TypeSubdocument
	case model.RequestTypeScript:
		return rules.TypeScript
	case model.RequestTypeStylesheet:
		return rules.TypeStylesheet
	case model.RequestTypeImage:
		return rules.TypeImage
	case model.RequestTypeXHR:
		return rules.TypeXmlhttprequest
	case model.RequestTypeMedia:
		return rules.TypeMedia
	case model.RequestTypeFont:
		return rules.TypeFont
	case model.RequestTypeWebSocket:
		return rules.TypeWebsocket
	case model.RequestTypePing, model.RequestTypeCSPReport:
		return rules.TypePing
	default:
		return rules.TypeOther
	}
}
