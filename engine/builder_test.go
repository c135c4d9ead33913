package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filtersync/eventbus"
	"filtersync/model"
	"filtersync/storage"
)

type fakeSource struct {
	mu     sync.Mutex
	active []model.FilterRecord
	loaded map[model.FilterID]bool
}

func (s *fakeSource) ActiveFilters() []model.FilterRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.FilterRecord(nil), s.active...)
}

func (s *fakeSource) SetLoaded(ids []model.FilterID, loaded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded == nil {
		s.loaded = make(map[model.FilterID]bool)
	}
	for _, id := range ids {
		s.loaded[id] = loaded
	}
}

type failingStore struct {
	storage.RuleListStore
	failID model.FilterID
}

func (s failingStore) Read(ctx context.Context, id model.FilterID) ([]string, bool, error) {
	if id == s.failID {
		return nil, false, errors.New("disk error")
	}
	return s.RuleListStore.Read(ctx, id)
}

// recordingCompiler 记录每次 AddRules 收到的批次大小
type recordingCompiler struct {
	mu     sync.Mutex
	chunks []int
	panic  bool
	err    error
	// rejectID 的规则在 AddRules 时报错
	rejectID model.FilterID
}

func (c *recordingCompiler) NewSession(cfg CompileConfig) Session {
	return &recordingSession{c: c, inner: SimpleCompiler{}.NewSession(cfg)}
}

type recordingSession struct {
	c     *recordingCompiler
	inner Session
}

func (s *recordingSession) AddRules(id model.FilterID, lines []string) error {
	s.c.mu.Lock()
	s.c.chunks = append(s.c.chunks, len(lines))
	s.c.mu.Unlock()
	if s.c.panic {
		panic("compiler crashed")
	}
	if s.c.rejectID != 0 && id == s.c.rejectID {
		return errors.New("unparsable rule")
	}
	return s.inner.AddRules(id, lines)
}

func (s *recordingSession) Finish() (Engine, error) {
	if s.c.err != nil {
		return nil, s.c.err
	}
	return s.inner.Finish()
}

func newTestStore(t *testing.T) *storage.FileStore {
	t.Helper()
	st, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestBuilderBuildPublishes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.Write(ctx, 2, []string{"||ads.example.com^"}))
	require.NoError(t, st.Write(ctx, 3, []string{"||disabled.example^"}))
	require.NoError(t, st.Write(ctx, model.UserFilterID, []string{"||user.example^"}))
	require.NoError(t, st.Write(ctx, model.AllowlistFilterID, []string{"@@||ok.ads.example.com^"}))

	src := &fakeSource{active: []model.FilterRecord{{ID: 2, Enabled: true, Installed: true}}}
	holder := NewHolder()
	bus := eventbus.New()
	defer bus.Close()

	var built []BuildStats
	b := NewBuilder(src, st, SimpleCompiler{}, holder, bus, BuilderOptions{
		EngineName: "simple",
		OnBuilt:    func(s BuildStats) { built = append(built, s) },
	})

	snap, err := b.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, 1, snap.Filters)
	assert.Equal(t, 3, snap.RuleRows)

	assert.True(t, holder.MatchHost("ads.example.com").Blocked())
	assert.True(t, holder.MatchHost("user.example").Blocked())
	assert.False(t, holder.MatchHost("ok.ads.example.com").Blocked())
	assert.False(t, holder.MatchHost("disabled.example").Blocked())

	assert.True(t, src.loaded[2])
	require.Len(t, built, 1)
	assert.NoError(t, built[0].Err)
	assert.Equal(t, uint64(1), built[0].Version)
}

func TestBuilderFeedsChunks(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	lines := make([]string, 0, 25)
	for i := range 25 {
		lines = append(lines, "||host"+string(rune('a'+i))+".example^")
	}
	require.NoError(t, st.Write(ctx, 2, lines))

	comp := &recordingCompiler{}
	src := &fakeSource{active: []model.FilterRecord{{ID: 2, Enabled: true, Installed: true}}}
	bus := eventbus.New()
	defer bus.Close()

	b := NewBuilder(src, st, comp, NewHolder(), bus, BuilderOptions{ChunkSize: 10})
	snap, err := b.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, snap.RuleRows)
	assert.Equal(t, []int{10, 10, 5}, comp.chunks)
}

func TestBuilderFailureKeepsPreviousEngine(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.Write(ctx, 2, []string{"||ads.example.com^"}))

	src := &fakeSource{active: []model.FilterRecord{{ID: 2, Enabled: true, Installed: true}}}
	holder := NewHolder()
	bus := eventbus.New()
	defer bus.Close()

	var failures []eventbus.Event
	bus.Subscribe(func(ev eventbus.Event) { failures = append(failures, ev) }, eventbus.EngineBuildFailed)

	comp := &recordingCompiler{}
	b := NewBuilder(src, st, comp, holder, bus, BuilderOptions{})
	_, err := b.Build(ctx)
	require.NoError(t, err)

	comp.err = errors.New("out of memory")
	_, err = b.Build(ctx)
	require.Error(t, err)
	require.Len(t, failures, 1)
	assert.ErrorContains(t, failures[0].Err, "out of memory")

	comp.err = nil
	comp.panic = true
	_, err = b.Build(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compiler panic")
	assert.Len(t, failures, 2)

	assert.Equal(t, uint64(1), holder.Current().Version)
	assert.True(t, holder.MatchHost("ads.example.com").Blocked())
}

func TestBuilderSkipsUnreadableFilter(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.Write(ctx, 2, []string{"||ads.example.com^"}))
	require.NoError(t, st.Write(ctx, 3, []string{"||tracker.example^"}))

	src := &fakeSource{active: []model.FilterRecord{
		{ID: 2, Enabled: true, Installed: true},
		{ID: 3, Enabled: true, Installed: true},
	}}
	holder := NewHolder()
	bus := eventbus.New()
	defer bus.Close()

	b := NewBuilder(src, failingStore{RuleListStore: st, failID: 3}, SimpleCompiler{}, holder, bus, BuilderOptions{})
	snap, err := b.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Filters)
	assert.True(t, holder.MatchHost("ads.example.com").Blocked())
	assert.False(t, holder.MatchHost("tracker.example").Blocked())
	assert.False(t, src.loaded[3])
}

func TestBuilderSkipsUnparsableFilter(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.Write(ctx, 2, []string{"||ads.example.com^"}))
	lines := []string{"||tracker.example^", "||tracker2.example^", "||tracker3.example^"}
	require.NoError(t, st.Write(ctx, 3, lines))
	require.NoError(t, st.Write(ctx, 4, []string{"||late.example^"}))
	require.NoError(t, st.Write(ctx, model.UserFilterID, []string{"||user.example^"}))

	src := &fakeSource{active: []model.FilterRecord{
		{ID: 2, Enabled: true, Installed: true},
		{ID: 3, Enabled: true, Installed: true},
		{ID: 4, Enabled: true, Installed: true},
	}}
	holder := NewHolder()
	bus := eventbus.New()
	defer bus.Close()

	var failures []eventbus.Event
	bus.Subscribe(func(ev eventbus.Event) { failures = append(failures, ev) }, eventbus.EngineBuildFailed)

	comp := &recordingCompiler{rejectID: 3}
	b := NewBuilder(src, st, comp, holder, bus, BuilderOptions{ChunkSize: 1})
	snap, err := b.Build(ctx)
	require.NoError(t, err)
	assert.Empty(t, failures)

	assert.Equal(t, 2, snap.Filters)
	assert.Equal(t, 3, snap.RuleRows)
	assert.True(t, holder.MatchHost("ads.example.com").Blocked())
	assert.True(t, holder.MatchHost("late.example").Blocked())
	assert.True(t, holder.MatchHost("user.example").Blocked())
	assert.False(t, holder.MatchHost("tracker.example").Blocked())

	assert.True(t, src.loaded[2])
	assert.False(t, src.loaded[3])
	assert.True(t, src.loaded[4])
}
