package eventbus

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"

	"filtersync/logger"
)

// ErrUnknownEventType is returned by ParseEventType and used as the panic
// value of Publish for event types that were never registered.
const ErrUnknownEventType errors.Error = "unknown event type"

// ErrClosed is returned by PublishAsync after Close.
const ErrClosed errors.Error = "event bus closed"

const defaultQueueSize = 256

type subscriber struct {
	id      uint64
	types   map[EventType]struct{}
	handler Handler
}

func (s *subscriber) accepts(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus 进程内同步发布/订阅
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	nextID uint64

	queue     chan Event
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// New 创建事件总线并启动异步分发协程
func New() *Bus {
	b := &Bus{
		queue:  make(chan Event, defaultQueueSize),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// Subscribe 注册处理函数；types 为空表示接收所有类型。返回取消订阅函数。
func (b *Bus) Subscribe(handler Handler, types ...EventType) (unsubscribe func()) {
	s := &subscriber{handler: handler}
	if len(types) > 0 {
		s.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			if !t.Valid() {
				panic(fmt.Errorf("subscribe: %w: %d", ErrUnknownEventType, int(t)))
			}
			s.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	// 复制后追加，Publish 持有的旧切片不受影响
	subs := make([]*subscriber, len(b.subs), len(b.subs)+1)
	copy(subs, b.subs)
	b.subs = append(subs, s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(s.id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	b.subs = subs
}

// Publish 同步调用所有匹配的处理函数。
// 未注册的事件类型属于编程错误，直接 panic。
func (b *Bus) Publish(ev Event) {
	if !ev.Type.Valid() {
		panic(fmt.Errorf("publish: %w: %s", ErrUnknownEventType, ev.Type))
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		if s.accepts(ev.Type) {
			b.invoke(s, ev)
		}
	}
}

// PublishAsync 将事件放入队列，由独立协程按顺序分发，处理函数不会运行在调用方栈上
func (b *Bus) PublishAsync(ev Event) error {
	if !ev.Type.Valid() {
		panic(fmt.Errorf("publish: %w: %s", ErrUnknownEventType, ev.Type))
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	select {
	case <-b.closed:
		return ErrClosed
	default:
	}

	select {
	case b.queue <- ev:
		return nil
	case <-b.closed:
		return ErrClosed
	}
}

func (b *Bus) invoke(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[EventBus] handler for %s panicked: %v\n%s", ev.Type, r, debug.Stack())
		}
	}()
	s.handler(ev)
}

func (b *Bus) dispatchLoop() {
	defer close(b.done)
	for {
		select {
		case ev := <-b.queue:
			b.Publish(ev)
		case <-b.closed:
			// 分发剩余事件后退出
			for {
				select {
				case ev := <-b.queue:
					b.Publish(ev)
				default:
					return
				}
			}
		}
	}
}

// Close 停止异步分发，已入队的事件会被处理完
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
	<-b.done
}
