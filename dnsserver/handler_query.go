package dnsserver

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"filtersync/logger"
	"filtersync/model"
	"filtersync/reqctx"
)

func newRequestID() string {
	return "dns-" + uuid.NewString()
}

// handleQuery 处理一个 DNS 查询。
// 查询开始时记录事务，无论以何种方式应答，返回前都会结束事务。
func (s *Server) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 {
		msg := s.msgPool.Get()
		msg.SetRcode(r, dns.RcodeFormatError)
		w.WriteMsg(msg)
		s.msgPool.Put(msg)
		return
	}

	question := r.Question[0]
	domain := strings.ToLower(strings.TrimRight(question.Name, "."))

	id := s.newID()
	p := reqctx.RecordParams{
		RequestID:   id,
		RequestURL:  domain,
		RequestType: model.RequestTypeDNS,
		Tab:         model.Tab{ID: model.BackgroundTabID},
	}
	if addr := w.RemoteAddr(); addr != nil {
		p.OriginURL = addr.String()
	}
	defer s.filter.Complete(id)

	if res := s.filter.EvaluateHost(p, domain); res.Blocked() {
		logger.Debugf("[DNS] blocked %s (type=%s, rule: %s)", domain, dns.TypeToString[question.Qtype], res.BasicRule.Text)
		s.writeBlocked(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()

	resp, _, err := s.client.ExchangeContext(ctx, r, s.cfg.Upstream)
	if err != nil {
		logger.Warnf("[DNS] upstream %s failed for %s: %v", s.cfg.Upstream, domain, err)
		s.writeServFail(w, r, domain)
		return
	}

	// CNAME 链上任何一个目标被拦截，整个查询都拦截
	for _, rr := range resp.Answer {
		cname, ok := rr.(*dns.CNAME)
		if !ok {
			continue
		}
		target := strings.ToLower(strings.TrimRight(cname.Target, "."))
		if res := s.filter.RecheckHost(id, target); res.Blocked() {
			logger.Debugf("[DNS] CNAME blocked: %s found in chain for %s (rule: %s)", target, domain, res.BasicRule.Text)
			s.writeBlocked(w, r)
			return
		}
	}

	resp.Id = r.Id
	if err := w.WriteMsg(resp); err != nil {
		logger.Debugf("[DNS] write response for %s: %v", domain, err)
	}
}
