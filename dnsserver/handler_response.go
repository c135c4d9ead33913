package dnsserver

import (
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// buildSOARecord 构造 SOA 记录用于负响应（NXDOMAIN/NODATA）
// 根据 RFC 2308，负响应应在 Authority section 包含 SOA 记录，
// MINIMUM 字段指示客户端缓存负响应的时间
func buildSOARecord(domain string, ttl uint32) *dns.SOA {
	return &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(domain),
			Rrtype: dns.TypeSOA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Ns:      "ns.filtersync.local.",
		Mbox:    "admin.filtersync.local.",
		Serial:  uint32(time.Now().Unix()),
		Refresh: 3600,
		Retry:   600,
		Expire:  86400,
		Minttl:  ttl,
	}
}

// writeBlocked 按拦截方式应答
func (s *Server) writeBlocked(w dns.ResponseWriter, r *dns.Msg) {
	switch s.blockMode {
	case "zero_ip":
		s.writeZeroIP(w, r)
	case "refused":
		s.writeRcode(w, r, dns.RcodeRefused)
	default:
		s.writeRcode(w, r, dns.RcodeNameError)
	}
}

// writeRcode 只带 SOA 的负响应
func (s *Server) writeRcode(w dns.ResponseWriter, r *dns.Msg, rcode int) {
	msg := s.msgPool.Get()
	msg.SetReply(r)
	msg.SetRcode(r, rcode)
	msg.RecursionAvailable = true

	domain := strings.TrimRight(r.Question[0].Name, ".")
	msg.Ns = append(msg.Ns, buildSOARecord(domain, uint32(s.cfg.BlockedTTL)))

	w.WriteMsg(msg)
	s.msgPool.Put(msg)
}

// writeZeroIP A 查询返回 0.0.0.0，AAAA 返回 ::，其它类型返回 NODATA
func (s *Server) writeZeroIP(w dns.ResponseWriter, r *dns.Msg) {
	msg := s.msgPool.Get()
	msg.SetReply(r)
	msg.RecursionAvailable = true

	q := r.Question[0]
	hdr := dns.RR_Header{
		Name:   q.Name,
		Rrtype: q.Qtype,
		Class:  dns.ClassINET,
		Ttl:    uint32(s.cfg.BlockedTTL),
	}
	switch q.Qtype {
	case dns.TypeA:
		msg.Answer = append(msg.Answer, &dns.A{Hdr: hdr, A: net.IPv4zero})
	case dns.TypeAAAA:
		msg.Answer = append(msg.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.IPv6zero})
	default:
		msg.Ns = append(msg.Ns, buildSOARecord(strings.TrimRight(q.Name, "."), uint32(s.cfg.BlockedTTL)))
	}

	w.WriteMsg(msg)
	s.msgPool.Put(msg)
}

// writeServFail 上游失败
func (s *Server) writeServFail(w dns.ResponseWriter, r *dns.Msg, domain string) {
	msg := s.msgPool.Get()
	msg.SetReply(r)
	msg.SetRcode(r, dns.RcodeServerFailure)
	msg.RecursionAvailable = true
	msg.Ns = append(msg.Ns, buildSOARecord(domain, uint32(s.cfg.BlockedTTL)))

	w.WriteMsg(msg)
	s.msgPool.Put(msg)
}
