package eventbus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filtersync/model"
)

func TestPublishFiltersByType(t *testing.T) {
	b := New()
	defer b.Close()

	var all, onlyRules []EventType
	b.Subscribe(func(ev Event) { all = append(all, ev.Type) })
	b.Subscribe(func(ev Event) { onlyRules = append(onlyRules, ev.Type) }, RuleAdded, RuleRemoved)

	f := &model.FilterRecord{ID: 1}
	b.Publish(Event{Type: RuleAdded, Filter: f, Rules: []string{"||a.com^"}})
	b.Publish(Event{Type: FilterEnabled, Filter: f})
	b.Publish(Event{Type: RuleRemoved, Filter: f, Rules: []string{"||a.com^"}})

	assert.Equal(t, []EventType{RuleAdded, FilterEnabled, RuleRemoved}, all)
	assert.Equal(t, []EventType{RuleAdded, RuleRemoved}, onlyRules)
}

func TestPublishUnknownTypePanics(t *testing.T) {
	b := New()
	defer b.Close()

	assert.Panics(t, func() { b.Publish(Event{Type: EventUnknown}) })
	assert.Panics(t, func() { b.Publish(Event{Type: eventTypeCount + 3}) })
	assert.Panics(t, func() { b.Subscribe(func(Event) {}, EventType(-1)) })
}

func TestHandlerPanicDoesNotStopOthers(t *testing.T) {
	b := New()
	defer b.Close()

	called := 0
	b.Subscribe(func(Event) { panic("boom") })
	b.Subscribe(func(Event) { called++ })

	assert.NotPanics(t, func() { b.Publish(Event{Type: GroupEnabled}) })
	assert.Equal(t, 1, called)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	n := 0
	unsub := b.Subscribe(func(Event) { n++ })
	b.Publish(Event{Type: RulesAdded})
	unsub()
	unsub()
	b.Publish(Event{Type: RulesAdded})
	assert.Equal(t, 1, n)
}

func TestPublishAsyncOrderAndGoroutine(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	b.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, len(ev.Rules))
		n := len(got)
		mu.Unlock()
		if n == 5 {
			close(done)
		}
	}, RulesAdded)

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.PublishAsync(Event{Type: RulesAdded, Rules: make([]string, i)}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async events not delivered")
	}
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)

	assert.ErrorIs(t, b.PublishAsync(Event{Type: RulesAdded}), ErrClosed)
}

func TestParseEventType(t *testing.T) {
	typ, err := ParseEventType("RULES_REPLACED")
	require.NoError(t, err)
	assert.Equal(t, RulesReplaced, typ)
	assert.Equal(t, "RULES_REPLACED", typ.String())

	_, err = ParseEventType("UNKNOWN")
	assert.True(t, errors.Is(err, ErrUnknownEventType))

	_, err = ParseEventType("FILTER_EXPLODED")
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestEveryTypeHasName(t *testing.T) {
	for typ := EventUnknown; typ < eventTypeCount; typ++ {
		assert.NotEmpty(t, eventTypeNames[typ], "type %d", int(typ))
	}
}
