package model

import (
	"strconv"
	"strings"
	"time"
)

// FilterID 过滤器列表标识
type FilterID int

// GroupID 过滤器分组标识
type GroupID int

// 保留的过滤器 ID
const (
	// UserFilterID 用户自定义规则，始终生效
	UserFilterID FilterID = 0
	// AllowlistFilterID 白名单规则，始终生效
	AllowlistFilterID FilterID = 100
	// CustomFilterIDStart 用户订阅的自定义过滤器从该 ID 开始分配
	CustomFilterIDStart FilterID = 1000
)

// CustomGroupID 自定义过滤器所属分组
const CustomGroupID GroupID = 0

// MinExpires 过期阈值下限（秒），避免频繁请求更新源
const MinExpires = 3600

// DefaultExpires 未声明过期时间的过滤器使用的默认值（4 天）
const DefaultExpires = 4 * 24 * 3600

// FilterRecord 一个规则列表（内置或自定义）的元数据
type FilterRecord struct {
	ID             FilterID  `json:"filterId"`
	GroupID        GroupID   `json:"groupId"`
	Name           string    `json:"name"`
	Enabled        bool      `json:"enabled"`
	Installed      bool      `json:"installed"`
	Loaded         bool      `json:"loaded"`
	Version        string    `json:"version"`
	LastCheckTime  time.Time `json:"lastCheckTime"`
	LastUpdateTime time.Time `json:"lastUpdateTime"`
	Expires        int       `json:"expires"`
	CustomURL      string    `json:"customUrl,omitempty"`
	Trusted        bool      `json:"trusted,omitempty"`
}

// IsCustom reports whether the filter was added by the user from a URL.
func (f *FilterRecord) IsCustom() bool {
	return f.CustomURL != ""
}

// ExpiresDuration returns the staleness threshold clamped to MinExpires.
func (f *FilterRecord) ExpiresDuration() time.Duration {
	return time.Duration(ClampExpires(f.Expires)) * time.Second
}

// ClampExpires 将过期时间限制在下限之上，0 或负数使用默认值
func ClampExpires(expires int) int {
	if expires <= 0 {
		return DefaultExpires
	}
	if expires < MinExpires {
		return MinExpires
	}
	return expires
}

// GroupRecord 分组状态
type GroupRecord struct {
	ID      GroupID `json:"groupId"`
	Name    string  `json:"name"`
	Enabled bool    `json:"enabled"`
}

// Rule 命中的一条规则及其来源
type Rule struct {
	FilterID FilterID `json:"filterId"`
	Text     string   `json:"ruleText"`
}

// IsAllowlist reports whether the rule is an exception rule.
func (r *Rule) IsAllowlist() bool {
	return r != nil && strings.HasPrefix(r.Text, "@@")
}

// RequestType 请求资源类型
type RequestType string

const (
	RequestTypeDocument    RequestType = "DOCUMENT"
	RequestTypeSubdocument RequestType = "SUBDOCUMENT"
	RequestTypeScript      RequestType = "SCRIPT"
	RequestTypeStylesheet  RequestType = "STYLESHEET"
	RequestTypeImage       RequestType = "IMAGE"
	RequestTypeXHR         RequestType = "XMLHTTPREQUEST"
	RequestTypeMedia       RequestType = "MEDIA"
	RequestTypeFont        RequestType = "FONT"
	RequestTypeWebSocket   RequestType = "WEBSOCKET"
	RequestTypePing        RequestType = "PING"
	RequestTypeCSPReport   RequestType = "CSP_REPORT"
	RequestTypeDNS         RequestType = "DNS"
	RequestTypeOther       RequestType = "OTHER"
)

// ParseRequestType 解析请求类型，未知类型归为 OTHER
func ParseRequestType(s string) RequestType {
	switch t := RequestType(strings.ToUpper(strings.TrimSpace(s))); t {
	case RequestTypeDocument, RequestTypeSubdocument, RequestTypeScript,
		RequestTypeStylesheet, RequestTypeImage, RequestTypeXHR, RequestTypeMedia,
		RequestTypeFont, RequestTypeWebSocket, RequestTypePing, RequestTypeCSPReport,
		RequestTypeDNS:
		return t
	default:
		return RequestTypeOther
	}
}

// Tab 发起请求的客户端/窗口
type Tab struct {
	ID  int    `json:"tabId"`
	URL string `json:"url,omitempty"`
}

// BackgroundTabID 不属于任何页面的请求（例如 DNS 查询）
const BackgroundTabID = -1

// Time 容错的时间字段：RFC3339 字符串或毫秒时间戳，无法解析时视为零值
type Time struct {
	time.Time
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return t.Time.MarshalJSON()
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	t.Time = time.Time{}
	switch {
	case s == "null" || s == `""`:
	case strings.HasPrefix(s, `"`):
		if v, err := time.Parse(time.RFC3339Nano, strings.Trim(s, `"`)); err == nil {
			t.Time = v
		}
	default:
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
			t.Time = time.UnixMilli(ms)
		}
	}
	return nil
}
