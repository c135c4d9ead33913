// Package engine 过滤引擎：编译规则列表并以原子方式发布给并发查询方
package engine

import (
	"net/url"
	"strings"

	"filtersync/model"
)

// Request 一次待匹配的网络请求
type Request struct {
	URL       string
	SourceURL string
	Type      model.RequestType
}

// Hostname 返回请求 URL 的主机名；URL 只是域名时原样返回
func (r *Request) Hostname() string {
	return hostOf(r.URL)
}

func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
}

// MatchResult 一次匹配得到的所有规则
type MatchResult struct {
	// BasicRule 决定放行或拦截的规则，可能是例外规则（@@）
	BasicRule      *model.Rule
	CSPRules       []model.Rule
	ReplaceRules   []model.Rule
	StealthActions []string
}

// Blocked reports whether the request should be blocked.
func (m *MatchResult) Blocked() bool {
	return m != nil && m.BasicRule != nil && !m.BasicRule.IsAllowlist()
}

// Empty 没有任何规则命中
func (m *MatchResult) Empty() bool {
	return m == nil || (m.BasicRule == nil && len(m.CSPRules) == 0 &&
		len(m.ReplaceRules) == 0 && len(m.StealthActions) == 0)
}

// Engine 编译后的可查询结构，必须可并发读取
type Engine interface {
	Match(req *Request) *MatchResult
	MatchHost(host string) *MatchResult
	RulesCount() int
}

// RuleList 一个过滤器的规则文本
type RuleList struct {
	FilterID model.FilterID
	Lines    []string
}

// CompileConfig 编译参数
type CompileConfig struct {
	EngineName string
	Version    string
	Verbose    bool
}

// Compiler 外部编译器；规则通过 Session 分批送入
type Compiler interface {
	NewSession(cfg CompileConfig) Session
}

// Session 一次编译过程
type Session interface {
	// AddRules 送入一批规则行；可对同一过滤器多次调用
	AddRules(filterID model.FilterID, lines []string) error
	// Finish 生成引擎；失败时返回错误
	Finish() (Engine, error)
}

// NewCompiler 按名称创建编译器：urlfilter 或 simple
func NewCompiler(name string) Compiler {
	if name == "simple" {
		return SimpleCompiler{}
	}
	return URLFilterCompiler{}
}

type ruleKind int

const (
	kindBasic ruleKind = iota
	kindCSP
	kindReplace
	kindStealth
)

// ruleOptions 返回 $ 之后的修饰符列表
func ruleOptions(text string) []string {
	// 正则规则 /.../ 中的 $ 不是修饰符分隔符
	idx := strings.LastIndex(text, "$")
	if idx < 0 || idx == len(text)-1 {
		return nil
	}
	if strings.HasPrefix(strings.TrimPrefix(text, "@@"), "/") && strings.HasSuffix(text, "/") {
		return nil
	}
	return strings.Split(text[idx+1:], ",")
}

// classifyRule 按修饰符区分规则用途
func classifyRule(text string) (ruleKind, string) {
	for _, opt := range ruleOptions(text) {
		name, value, _ := strings.Cut(strings.TrimSpace(opt), "=")
		switch strings.ToLower(name) {
		case "csp":
			return kindCSP, value
		case "replace":
			return kindReplace, value
		case "stealth":
			if value == "" {
				return kindStealth, "stealth"
			}
			return kindStealth, "stealth=" + value
		}
	}
	return kindBasic, ""
}

func hasOption(text, name string) bool {
	for _, opt := range ruleOptions(text) {
		if strings.EqualFold(strings.TrimSpace(opt), name) {
			return true
		}
	}
	return false
}

// pickBasic 在多条命中规则中选出决定性的那条：
// $important 例外 > $important 拦截 > 例外 > 拦截
func pickBasic(candidates []model.Rule) *model.Rule {
	var allow, block, importantBlock, importantAllow *model.Rule
	for i := range candidates {
		r := &candidates[i]
		important := hasOption(r.Text, "important")
		switch {
		case r.IsAllowlist() && important:
			if importantAllow == nil {
				importantAllow = r
			}
		case r.IsAllowlist():
			if allow == nil {
				allow = r
			}
		case important:
			if importantBlock == nil {
				importantBlock = r
			}
		default:
			if block == nil {
				block = r
			}
		}
	}
	for _, r := range []*model.Rule{importantAllow, importantBlock, allow, block} {
		if r != nil {
			out := *r
			return &out
		}
	}
	return nil
}

// assemble 将命中规则整理为 MatchResult
func assemble(matched []model.Rule) *MatchResult {
	res := &MatchResult{}
	var basic []model.Rule
	for _, r := range matched {
		kind, value := classifyRule(r.Text)
		switch kind {
		case kindCSP:
			res.CSPRules = append(res.CSPRules, r)
		case kindReplace:
			res.ReplaceRules = append(res.ReplaceRules, r)
		case kindStealth:
			res.StealthActions = append(res.StealthActions, value)
		default:
			basic = append(basic, r)
		}
	}
	res.BasicRule = pickBasic(basic)
	return res
}

// isComment 注释、空行与元数据行
func isComment(line string) bool {
	return line == "" || strings.HasPrefix(line, "!") ||
		(strings.HasPrefix(line, "#") && !strings.HasPrefix(line, "##") && !strings.HasPrefix(line, "#@#")) ||
		(strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"))
}
