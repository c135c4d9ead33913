package engine

import (
	"net"
	"strings"

	radix "github.com/hashicorp/go-immutable-radix"

	"filtersync/model"
)

// SimpleCompiler 只理解域名级规则（||domain^、hosts、纯域名），内存占用低
type SimpleCompiler struct{}

// NewSession implements Compiler.
func (SimpleCompiler) NewSession(CompileConfig) Session {
	return &simpleSession{
		exact:      NewExactMatcher(),
		suffix:     NewSuffixMatcher(),
		allowExact: NewExactMatcher(),
		allowSuff:  NewSuffixMatcher(),
	}
}

type simpleSession struct {
	exact      *ExactMatcher
	suffix     *SuffixMatcher
	allowExact *ExactMatcher
	allowSuff  *SuffixMatcher
	count      int
}

// AddRules implements Session.
func (s *simpleSession) AddRules(filterID model.FilterID, lines []string) error {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if isComment(line) || strings.Contains(line, "##") || strings.Contains(line, "#@#") {
			continue
		}
		rule := model.Rule{FilterID: filterID, Text: line}

		body := line
		allow := strings.HasPrefix(body, "@@")
		body = strings.TrimPrefix(body, "@@")

		// AdBlock Plus style rules
		if strings.HasPrefix(body, "||") {
			domain, _, _ := strings.Cut(strings.TrimPrefix(body, "||"), "^")
			domain, _, _ = strings.Cut(domain, "$")
			if !isDomain(domain) {
				continue
			}
			if allow {
				s.allowSuff.AddRule(domain, rule)
			} else {
				s.suffix.AddRule(domain, rule)
			}
			s.count++
			continue
		}
		if allow {
			if isDomain(body) {
				s.allowExact.AddRule(body, rule)
				s.count++
			}
			continue
		}

		// Hosts file style rules
		if fields := strings.Fields(body); len(fields) >= 2 && net.ParseIP(fields[0]) != nil {
			for _, d := range fields[1:] {
				if strings.HasPrefix(d, "#") {
					break
				}
				if d == "localhost" || !isDomain(d) {
					continue
				}
				s.exact.AddRule(d, rule)
				s.count++
			}
			continue
		}

		// Plain domain (exact match)
		if isDomain(body) {
			s.exact.AddRule(body, rule)
			s.count++
		}
	}
	return nil
}

// Finish implements Session.
func (s *simpleSession) Finish() (Engine, error) {
	return &simpleEngine{
		exact:      s.exact,
		suffix:     s.suffix,
		allowExact: s.allowExact,
		allowSuff:  s.allowSuff,
		count:      s.count,
	}, nil
}

// simpleEngine 构建完成后只读
type simpleEngine struct {
	exact      *ExactMatcher
	suffix     *SuffixMatcher
	allowExact *ExactMatcher
	allowSuff  *SuffixMatcher
	count      int
}

// Match implements Engine.
func (e *simpleEngine) Match(req *Request) *MatchResult {
	return e.MatchHost(req.Hostname())
}

// MatchHost implements Engine.
func (e *simpleEngine) MatchHost(host string) *MatchResult {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return &MatchResult{}
	}

	var matched []model.Rule
	if r, ok := e.allowExact.Match(host); ok {
		matched = append(matched, r)
	}
	matched = append(matched, e.allowSuff.Match(host)...)
	if r, ok := e.exact.Match(host); ok {
		matched = append(matched, r)
	}
	matched = append(matched, e.suffix.Match(host)...)
	return assemble(matched)
}

// RulesCount implements Engine.
func (e *simpleEngine) RulesCount() int { return e.count }

// ExactMatcher 精确匹配器 (用于域名黑名单与 hosts)
type ExactMatcher struct {
	rules map[string]model.Rule
}

// NewExactMatcher 创建一个新的精确匹配器
func NewExactMatcher() *ExactMatcher {
	return &ExactMatcher{rules: make(map[string]model.Rule)}
}

// Match 检查域名是否在列表中
func (m *ExactMatcher) Match(domain string) (model.Rule, bool) {
	r, ok := m.rules[domain]
	return r, ok
}

// AddRule 添加一条精确匹配规则，同一域名保留第一条
func (m *ExactMatcher) AddRule(domain string, rule model.Rule) {
	domain = strings.ToLower(domain)
	if _, ok := m.rules[domain]; !ok {
		m.rules[domain] = rule
	}
}

// Count 返回规则数量
func (m *ExactMatcher) Count() int { return len(m.rules) }

// SuffixMatcher 后缀匹配器 (用于 ||example.com^ 类型的规则)
// 域名按标签颠倒后存入 Radix Tree，后缀匹配转化为前缀查找
type SuffixMatcher struct {
	tree *radix.Tree
}

// NewSuffixMatcher 创建一个新的后缀匹配器
func NewSuffixMatcher() *SuffixMatcher {
	return &SuffixMatcher{tree: radix.New()}
}

// reverseDomain "sub.example.com" -> "com.example.sub"
func reverseDomain(domain string) string {
	parts := strings.Split(domain, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

// Match 返回所有作为 domain 后缀的规则，按从短到长排列。
// 规则 example.com 匹配 example.com 与 sub.example.com，但不匹配 badexample.com。
func (m *SuffixMatcher) Match(domain string) []model.Rule {
	key := reverseDomain(strings.ToLower(domain))
	var out []model.Rule
	m.tree.Root().WalkPath([]byte(key), func(k []byte, v interface{}) bool {
		// 只接受标签边界上的前缀
		if len(k) == len(key) || key[len(k)] == '.' {
			out = append(out, v.(model.Rule))
		}
		return false
	})
	return out
}

// AddRule 添加一条后缀匹配规则
// 输入应该是纯域名部分，例如 "example.com" (来自 ||example.com^)
func (m *SuffixMatcher) AddRule(domain string, rule model.Rule) {
	key := []byte(reverseDomain(strings.ToLower(domain)))
	if _, ok := m.tree.Get(key); ok {
		return
	}
	// Insert 返回新树，旧树不变
	m.tree, _, _ = m.tree.Insert(key, rule)
}

// Count 返回规则数量
func (m *SuffixMatcher) Count() int { return m.tree.Len() }

// isDomain 粗略校验域名形式
func isDomain(s string) bool {
	if s == "" || len(s) > 253 || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.', c == '_':
		default:
			return false
		}
	}
	return true
}
