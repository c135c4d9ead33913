package update

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filtersync/config"
	"filtersync/eventbus"
	"filtersync/model"
	"filtersync/registry"
	"filtersync/remote"
	"filtersync/storage"
)

func TestSelectStaleFilter14(t *testing.T) {
	T := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f14 := model.FilterRecord{ID: 14, GroupID: 1, Enabled: true, Installed: true, Expires: 3600, LastCheckTime: T}
	groups := map[model.GroupID]bool{1: true}

	got := SelectStale(T.Add(1800*time.Second), false, config.PeriodPerFilter, []model.FilterRecord{f14}, groups)
	assert.Empty(t, got)

	got = SelectStale(T.Add(3601*time.Second), false, config.PeriodPerFilter, []model.FilterRecord{f14}, groups)
	require.Len(t, got, 1)
	assert.Equal(t, model.FilterID(14), got[0].ID)
}

func TestSelectStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := 7200
	filters := []model.FilterRecord{
		{ID: 1, GroupID: 1, Enabled: true, Installed: true, Expires: expires, LastCheckTime: now.Add(-time.Duration(expires+1) * time.Second)},
		{ID: 2, GroupID: 1, Enabled: true, Installed: true, Expires: expires, LastCheckTime: now},
		{ID: 3, GroupID: 1, Enabled: false, Installed: true, LastCheckTime: time.Time{}},
		{ID: 4, GroupID: 1, Enabled: true, Installed: false},
		{ID: 5, GroupID: 2, Enabled: true, Installed: true},
		// expires 低于下限时按一小时计算
		{ID: 6, GroupID: 1, Enabled: true, Installed: true, Expires: 60, LastCheckTime: now.Add(-30 * time.Minute)},
		{ID: 1000, GroupID: model.CustomGroupID, Enabled: true, Installed: true, CustomURL: "https://example.org/list.txt"},
	}
	groups := map[model.GroupID]bool{1: true, 2: false, model.CustomGroupID: true}

	ids := func(fs []model.FilterRecord) []model.FilterID {
		var out []model.FilterID
		for _, f := range fs {
			out = append(out, f.ID)
		}
		return out
	}

	assert.Equal(t, []model.FilterID{1, 1000}, ids(SelectStale(now, false, config.PeriodPerFilter, filters, groups)))
	assert.Equal(t, []model.FilterID{1, 2, 6, 1000}, ids(SelectStale(now, true, config.PeriodPerFilter, filters, groups)))
	assert.Empty(t, SelectStale(now, false, config.PeriodNever, filters, groups))
	assert.Equal(t, []model.FilterID{1, 2, 6, 1000}, ids(SelectStale(now, true, config.PeriodNever, filters, groups)))

	// 全局周期覆盖各自的 expires
	assert.Equal(t, []model.FilterID{1, 6, 1000}, ids(SelectStale(now, false, 10*time.Minute, filters, groups)))
}

func TestSelectStaleSkipsUnknownGroup(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	filters := []model.FilterRecord{
		{ID: 7, GroupID: 1, Enabled: true, Installed: true},
		{ID: 8, GroupID: 42, Enabled: true, Installed: true},
	}
	groups := map[model.GroupID]bool{1: true}

	got := SelectStale(now, true, config.PeriodPerFilter, filters, groups)
	require.Len(t, got, 1)
	assert.Equal(t, model.FilterID(7), got[0].ID)

	got = SelectStale(now, false, config.PeriodPerFilter, filters, groups)
	require.Len(t, got, 1)
	assert.Equal(t, model.FilterID(7), got[0].ID)
}

type fakeFetcher struct {
	mu          sync.Mutex
	metadata    map[model.FilterID]remote.FilterMetadata
	metadataErr error
	content     map[model.FilterID][]string
	custom      map[string][]string
	contentErr  map[model.FilterID]error
	fetches     []model.FilterID
	metaCalls   atomic.Int32
}

func (f *fakeFetcher) FetchMetadata(_ context.Context, ids []model.FilterID) ([]remote.FilterMetadata, error) {
	f.metaCalls.Add(1)
	if f.metadataErr != nil {
		return nil, f.metadataErr
	}
	var out []remote.FilterMetadata
	for _, id := range ids {
		if m, ok := f.metadata[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeFetcher) FetchRuleContent(_ context.Context, id model.FilterID, _, _ bool) ([]string, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, id)
	f.mu.Unlock()
	if err := f.contentErr[id]; err != nil {
		return nil, err
	}
	return f.content[id], nil
}

func (f *fakeFetcher) FetchCustom(_ context.Context, url string) ([]string, error) {
	lines, ok := f.custom[url]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return lines, nil
}

const testCatalog = `{
  "groups": [ { "groupId": 1, "name": "Ads", "enabled": true } ],
  "filters": [
    { "filterId": 2, "groupId": 1, "name": "Base", "expires": 3600 },
    { "filterId": 3, "groupId": 1, "name": "Tracking", "expires": 3600 },
    { "filterId": 14, "groupId": 1, "name": "Annoyances", "expires": 3600 }
  ]
}`

type eventLog struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (l *eventLog) of(t eventbus.EventType) []eventbus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []eventbus.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// newInstalled 创建注册表并安装、启用 ids 中的过滤器，版本均为 1.0.0
func newInstalled(t *testing.T, start time.Time, ids ...model.FilterID) (*registry.Registry, *eventbus.Bus, *eventLog, *time.Time) {
	t.Helper()
	ctx := context.Background()
	cat, err := registry.ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	st, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	bus := eventbus.New()
	t.Cleanup(bus.Close)

	now := start
	reg := registry.New(cat, st, bus)
	reg.SetClock(func() time.Time { return now })
	require.NoError(t, reg.Load(ctx))
	for _, id := range ids {
		_, err := reg.ApplyUpdate(ctx, id, registry.UpdateInfo{Version: "1.0.0", Expires: 3600})
		require.NoError(t, err)
		require.NoError(t, reg.EnableFilter(ctx, id))
	}

	log := &eventLog{}
	bus.Subscribe(func(ev eventbus.Event) {
		log.mu.Lock()
		log.events = append(log.events, ev)
		log.mu.Unlock()
	})
	return reg, bus, log, &now
}

func TestCheckUpdatesStandardFlow(t *testing.T) {
	T := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg, bus, log, now := newInstalled(t, T, 2, 3, 14)

	fetcher := &fakeFetcher{
		metadata: map[model.FilterID]remote.FilterMetadata{
			2:  {FilterID: 2, Version: "1.0.1", Expires: 7200},
			3:  {FilterID: 3, Version: "1.0.0"},
			14: {FilterID: 14, Version: "2.0.0"},
		},
		content: map[model.FilterID][]string{
			2: {"! Title: Base", "||ads.example.com^"},
		},
		contentErr: map[model.FilterID]error{
			14: &remote.NetworkError{URL: "https://filters.example/14.txt", Err: errors.New("timeout")},
		},
	}
	s := New(reg, fetcher, bus, Options{Period: config.PeriodPerFilter})
	s.now = func() time.Time { return *now }

	// 未过期时什么都不做
	*now = T.Add(30 * time.Minute)
	res, err := s.CheckUpdates(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, res.Checked)
	assert.Equal(t, int32(0), fetcher.metaCalls.Load())

	*now = T.Add(3601 * time.Second)
	res, err = s.CheckUpdates(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []model.FilterID{2, 3, 14}, res.Checked)
	assert.Equal(t, []model.FilterID{2}, res.Updated)
	assert.Equal(t, []model.FilterID{3}, res.Unchanged)
	assert.Equal(t, []model.FilterID{14}, res.Failed)

	// 版本更新：下载、更新时间戳并发布事件
	f2, _ := reg.Filter(2)
	assert.Equal(t, "1.0.1", f2.Version)
	assert.Equal(t, 7200, f2.Expires)
	assert.Equal(t, *now, f2.LastCheckTime)
	assert.True(t, f2.Loaded)

	replaced := log.of(eventbus.RulesReplaced)
	require.Len(t, replaced, 1)
	assert.Equal(t, model.FilterID(2), replaced[0].Filter.ID)
	assert.Equal(t, []string{"! Title: Base", "||ads.example.com^"}, replaced[0].Rules)
	assert.Len(t, log.of(eventbus.SuccessDownloadFilter), 1)

	// 版本未变：只更新检查时间，不下载
	f3, _ := reg.Filter(3)
	assert.Equal(t, *now, f3.LastCheckTime)
	assert.Equal(t, "1.0.0", f3.Version)
	assert.NotContains(t, fetcher.fetches, model.FilterID(3))

	// 下载失败：时间戳保持不变，下一轮重试
	f14, _ := reg.Filter(14)
	assert.Equal(t, T, f14.LastCheckTime)
	assert.Equal(t, "1.0.0", f14.Version)
	failures := log.of(eventbus.ErrorDownloadFilter)
	require.Len(t, failures, 1)
	var netErr *remote.NetworkError
	assert.ErrorAs(t, failures[0].Err, &netErr)

	stale := SelectStale(*now, false, config.PeriodPerFilter, reg.Filters(), reg.GroupStates())
	require.Len(t, stale, 1)
	assert.Equal(t, model.FilterID(14), stale[0].ID)
}

func TestCheckUpdatesMetadataFailure(t *testing.T) {
	T := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg, bus, log, _ := newInstalled(t, T, 2)

	fetcher := &fakeFetcher{metadataErr: &remote.NetworkError{URL: "https://filters.example/meta.json", Status: 503}}
	s := New(reg, fetcher, bus, Options{Period: config.PeriodPerFilter})

	res, err := s.CheckUpdates(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []model.FilterID{2}, res.Failed)
	assert.Len(t, log.of(eventbus.ErrorDownloadFilter), 1)
	assert.Empty(t, fetcher.fetches)

	f2, _ := reg.Filter(2)
	assert.Equal(t, T, f2.LastCheckTime)
}

func TestCheckUpdatesCustomFilter(t *testing.T) {
	T := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg, bus, log, _ := newInstalled(t, T)
	ctx := context.Background()

	const url = "https://lists.example.org/my.txt"
	rec, err := reg.AddCustomFilter(ctx, registry.CustomFilterInfo{URL: url})
	require.NoError(t, err)

	fetcher := &fakeFetcher{custom: map[string][]string{
		url: {"! Title: My List", "! Version: 3", "! Expires: 2 days", "||custom.example^"},
	}}
	s := New(reg, fetcher, bus, Options{Period: config.PeriodPerFilter})

	require.NoError(t, s.LoadFilter(ctx, rec.ID))
	require.NoError(t, reg.EnableFilter(ctx, rec.ID))

	got, err := reg.Filter(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "My List", got.Name)
	assert.Equal(t, "3", got.Version)
	assert.Equal(t, 2*24*3600, got.Expires)
	assert.True(t, got.Installed)

	// 自定义过滤器不经过元数据，强制检查时直接重新下载
	res, err := s.CheckUpdates(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []model.FilterID{rec.ID}, res.Updated)
	assert.Equal(t, int32(0), fetcher.metaCalls.Load())
	assert.Len(t, log.of(eventbus.RulesReplaced), 2)
}

func TestLoadFilterUnknown(t *testing.T) {
	reg, bus, _, _ := newInstalled(t, time.Now())
	s := New(reg, &fakeFetcher{}, bus, Options{})
	err := s.LoadFilter(context.Background(), 999)
	assert.ErrorIs(t, err, registry.ErrFilterNotFound)
}

func TestStartRunsAndRearms(t *testing.T) {
	reg, bus, _, _ := newInstalled(t, time.Now().Add(-48*time.Hour), 2)
	fetcher := &fakeFetcher{metadata: map[model.FilterID]remote.FilterMetadata{2: {FilterID: 2, Version: "1.0.0"}}}
	s := New(reg, fetcher, bus, Options{
		Period:        time.Millisecond,
		InitialDelay:  10 * time.Millisecond,
		CheckInterval: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	require.Eventually(t, func() bool { return fetcher.metaCalls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	n := fetcher.metaCalls.Load()
	time.Sleep(80 * time.Millisecond)
	assert.LessOrEqual(t, fetcher.metaCalls.Load(), n+1)
}

func TestStartNeverDoesNothing(t *testing.T) {
	reg, bus, _, _ := newInstalled(t, time.Now().Add(-48*time.Hour), 2)
	fetcher := &fakeFetcher{}
	s := New(reg, fetcher, bus, Options{Period: config.PeriodNever, InitialDelay: time.Millisecond})
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), fetcher.metaCalls.Load())
}
