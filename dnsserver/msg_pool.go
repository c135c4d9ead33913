package dnsserver

import (
	"sync"

	"github.com/miekg/dns"
)

// MsgPool 复用 dns.Msg，减少内存分配
type MsgPool struct {
	pool *sync.Pool
}

// NewMsgPool 创建一个新的 dns.Msg 对象池
func NewMsgPool() *MsgPool {
	return &MsgPool{
		pool: &sync.Pool{
			New: func() interface{} {
				return &dns.Msg{}
			},
		},
	}
}

// Get 从池中获取一个 dns.Msg 对象
func (mp *MsgPool) Get() *dns.Msg {
	return mp.pool.Get().(*dns.Msg)
}

// Put 重置后放回池中。调用方在 WriteMsg 之后不得再引用 msg。
func (mp *MsgPool) Put(msg *dns.Msg) {
	if msg == nil {
		return
	}
	reset(msg)
	mp.pool.Put(msg)
}

// reset 清空所有字段；容量过大的切片重新分配
func reset(msg *dns.Msg) {
	msg.MsgHdr = dns.MsgHdr{}
	msg.Compress = false

	resetRR := func(rrs *[]dns.RR) {
		if cap(*rrs) > 8 {
			*rrs = make([]dns.RR, 0, 8)
		} else {
			*rrs = (*rrs)[:0]
		}
	}
	resetRR(&msg.Answer)
	resetRR(&msg.Ns)
	resetRR(&msg.Extra)

	if cap(msg.Question) > 4 {
		msg.Question = make([]dns.Question, 0, 4)
	} else {
		msg.Question = msg.Question[:0]
	}
}
