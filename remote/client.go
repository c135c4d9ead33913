// Package remote 从远程源获取过滤器元数据和规则内容
package remote

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"filtersync/config"
	"filtersync/logger"
	"filtersync/model"
)

const (
	// ErrNotFound 远程源明确表示资源不存在
	ErrNotFound errors.Error = "not found"
	// ErrTooLarge 内容超过下载上限
	ErrTooLarge errors.Error = "content exceeds download limit"
)

// NetworkError 网络层失败（连接、超时、非预期状态码），与 ErrNotFound 区分
type NetworkError struct {
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// FilterMetadata 远程源报告的过滤器版本信息
type FilterMetadata struct {
	FilterID    model.FilterID
	Version     string
	TimeUpdated time.Time
	Expires     int
}

// Client 远程过滤器源客户端
type Client struct {
	http         *http.Client
	limiter      *rate.Limiter
	maxSize      int64
	metadataURL  string
	filterURL    string
	optimizedURL string
	bundledDir   string
}

// NewClient 按配置创建客户端
func NewClient(cfg *config.RemoteConfig) (*Client, error) {
	maxSize, err := cfg.MaxDownloadBytes()
	if err != nil {
		return nil, err
	}
	return &Client{
		http: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		limiter:      rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		maxSize:      maxSize,
		metadataURL:  cfg.MetadataURL,
		filterURL:    cfg.FilterURL,
		optimizedURL: cfg.OptimizedFilterURL,
		bundledDir:   cfg.BundledDir,
	}, nil
}

// FetchMetadata 批量获取过滤器版本信息，只返回 ids 中列出的过滤器
func (c *Client) FetchMetadata(ctx context.Context, ids []model.FilterID) ([]FilterMetadata, error) {
	body, err := c.get(ctx, c.metadataURL)
	if err != nil {
		return nil, err
	}

	wanted := make(map[model.FilterID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("parse metadata from %s: invalid json", c.metadataURL)
	}

	var out []FilterMetadata
	gjson.GetBytes(body, "filters").ForEach(func(_, v gjson.Result) bool {
		id := model.FilterID(v.Get("filterId").Int())
		if !wanted[id] {
			return true
		}
		out = append(out, FilterMetadata{
			FilterID:    id,
			Version:     v.Get("version").String(),
			TimeUpdated: parseTime(v.Get("timeUpdated")),
			Expires:     int(v.Get("expires").Int()),
		})
		return true
	})
	return out, nil
}

// FetchRuleContent 下载内置过滤器的规则。forceRemote 为 false 时优先使用随程序分发的副本。
func (c *Client) FetchRuleContent(ctx context.Context, id model.FilterID, forceRemote, useOptimized bool) ([]string, error) {
	if !forceRemote && c.bundledDir != "" {
		path := filepath.Join(c.bundledDir, fmt.Sprintf("filter_%d.txt", id))
		if lines, err := c.readLocal(path); err == nil {
			logger.Debugf("[Remote] filter %d loaded from bundled copy", id)
			return lines, nil
		}
	}

	tmpl := c.filterURL
	if useOptimized && c.optimizedURL != "" {
		tmpl = c.optimizedURL
	}
	body, err := c.get(ctx, fmt.Sprintf(tmpl, int(id)))
	if err != nil {
		return nil, err
	}
	return splitLines(string(body)), nil
}

// FetchCustom 直接按 URL 获取自定义过滤器，支持 file://
func (c *Client) FetchCustom(ctx context.Context, url string) ([]string, error) {
	if strings.HasPrefix(url, "file://") {
		return c.readLocal(strings.TrimPrefix(url, "file://"))
	}
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	return splitLines(string(body)), nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", url, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("fetch %s: %w", url, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, &NetworkError{URL: url, Status: resp.StatusCode}
	}

	// 多读一个字节用于判断是否超限
	limited := &io.LimitedReader{R: resp.Body, N: c.maxSize + 1}
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	if int64(len(body)) > c.maxSize {
		return nil, fmt.Errorf("fetch %s: %w", url, ErrTooLarge)
	}
	return body, nil
}

func (c *Client) readLocal(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open %s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	defer file.Close()

	// 与网络下载相同：多读一个字节判断是否超限，超限时整体拒绝而不是截断
	limited := &io.LimitedReader{R: file, N: c.maxSize + 1}
	var lines []string
	scanner := bufio.NewScanner(limited)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if limited.N <= 0 {
		return nil, fmt.Errorf("read %s: %w", path, ErrTooLarge)
	}
	return lines, nil
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05",
}

// parseTime 解析远程时间字段；无法解析时返回零值
func parseTime(v gjson.Result) time.Time {
	if v.Type == gjson.Number {
		return time.UnixMilli(v.Int())
	}
	s := v.String()
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
