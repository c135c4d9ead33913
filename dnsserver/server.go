// Package dnsserver DNS 前端：每个查询作为一次事务交给过滤引擎，
// 被拦截时按配置返回拦截响应，否则转发到上游。
package dnsserver

import (
	"sync"
	"time"

	"github.com/miekg/dns"

	"filtersync/config"
	"filtersync/engine"
	"filtersync/reqctx"
)

// Filter 对事务进行匹配与跟踪
type Filter interface {
	EvaluateHost(p reqctx.RecordParams, host string) *engine.MatchResult
	RecheckHost(requestID, host string) *engine.MatchResult
	Complete(requestID string)
}

// Server DNS 服务器
type Server struct {
	mu        sync.Mutex
	cfg       config.DNSConfig
	blockMode string
	filter    Filter
	client    *dns.Client
	msgPool   *MsgPool
	udpServer *dns.Server
	tcpServer *dns.Server
	newID     func() string
}

// NewServer 创建 DNS 服务器；blockMode 为 nxdomain / zero_ip / refused
func NewServer(cfg config.DNSConfig, blockMode string, filter Filter) *Server {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Server{
		cfg:       cfg,
		blockMode: blockMode,
		filter:    filter,
		client:    &dns.Client{Net: "udp", Timeout: timeout},
		msgPool:   NewMsgPool(),
		newID:     newRequestID,
	}
}
