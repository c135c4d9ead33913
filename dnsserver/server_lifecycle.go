package dnsserver

import (
	"fmt"

	"github.com/miekg/dns"

	"filtersync/logger"
)

// Start 启动 DNS 服务器，阻塞直到 UDP 服务退出
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.ListenPort)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	s.mu.Lock()
	s.udpServer = &dns.Server{
		Addr:    addr,
		Net:     "udp",
		Handler: mux,
	}
	if s.cfg.EnableTCP {
		s.tcpServer = &dns.Server{
			Addr:    addr,
			Net:     "tcp",
			Handler: mux,
		}
	}
	udp, tcp := s.udpServer, s.tcpServer
	s.mu.Unlock()

	if tcp != nil {
		go func() {
			logger.Infof("[DNS] TCP server started on %s", addr)
			if err := tcp.ListenAndServe(); err != nil {
				logger.Errorf("[DNS] TCP server error: %v", err)
			}
		}()
	}

	logger.Infof("[DNS] UDP server started on %s, upstream %s, block mode %s", addr, s.cfg.Upstream, s.blockMode)
	return udp.ListenAndServe()
}

// Shutdown 优雅关闭服务器
func (s *Server) Shutdown() {
	s.mu.Lock()
	udp, tcp := s.udpServer, s.tcpServer
	s.mu.Unlock()

	if udp != nil {
		if err := udp.Shutdown(); err != nil {
			logger.Errorf("[DNS] UDP server shutdown error: %v", err)
		}
	}
	if tcp != nil {
		if err := tcp.Shutdown(); err != nil {
			logger.Errorf("[DNS] TCP server shutdown error: %v", err)
		}
	}
	logger.Info("[DNS] server stopped")
}
