package remote

import (
	"strconv"
	"strings"
	"time"
)

// Header 过滤器列表头部的 "! Key: value" 注释
type Header struct {
	Title       string
	Version     string
	Expires     int
	Homepage    string
	TimeUpdated time.Time
}

// 头部只出现在文件开头
const maxHeaderLines = 50

// ParseHeader 从规则列表开头解析头部信息
func ParseHeader(lines []string) Header {
	var h Header
	for i, line := range lines {
		if i >= maxHeaderLines {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "!") && !strings.HasPrefix(line, "#") {
			if strings.HasPrefix(line, "[") {
				continue
			}
			break
		}
		key, value, ok := strings.Cut(strings.TrimSpace(line[1:]), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "title":
			h.Title = value
		case "version":
			h.Version = value
		case "expires":
			h.Expires = parseExpires(value)
		case "homepage":
			h.Homepage = value
		case "timeupdated", "last modified":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				h.TimeUpdated = t
			}
		}
	}
	return h
}

// parseExpires 解析 "4 days (update frequency)"、"12 hours" 这类写法，返回秒数；无法解析返回 0
func parseExpires(v string) int {
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0
	}
	unit := "days"
	if len(fields) > 1 {
		unit = strings.ToLower(fields[1])
	}
	switch {
	case strings.HasPrefix(unit, "day"):
		return n * 24 * 3600
	case strings.HasPrefix(unit, "hour"):
		return n * 3600
	case strings.HasPrefix(unit, "min"):
		return n * 60
	default:
		return 0
	}
}

// CompareVersions 比较点分版本号，a>b 返回 1，a<b 返回 -1。
// 非数字段按 0 处理。
func CompareVersions(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			x, _ = strconv.Atoi(strings.TrimSpace(pa[i]))
		}
		if i < len(pb) {
			y, _ = strconv.Atoi(strings.TrimSpace(pb[i]))
		}
		switch {
		case x > y:
			return 1
		case x < y:
			return -1
		}
	}
	return 0
}

// IsNewer 远程版本是否比本地新；本地版本为空视为需要下载
func IsNewer(remote, local string) bool {
	if local == "" {
		return remote != ""
	}
	return CompareVersions(remote, local) > 0
}
