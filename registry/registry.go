// Package registry 维护所有已知过滤器（内置与自定义）及分组的状态
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"

	"filtersync/eventbus"
	"filtersync/logger"
	"filtersync/model"
	"filtersync/storage"
)

const (
	ErrFilterNotFound     errors.Error = "filter not found"
	ErrGroupNotFound      errors.Error = "group not found"
	ErrFilterNotInstalled errors.Error = "filter not installed"
	ErrNotCustomFilter    errors.Error = "not a custom filter"
	ErrFilterExists       errors.Error = "filter already exists"
)

// UpdateInfo 一次成功下载后的版本信息
type UpdateInfo struct {
	Version     string
	Expires     int
	TimeUpdated time.Time
	// 自定义过滤器可从列表头部得到名称
	Name string
}

// CustomFilterInfo 添加自定义过滤器所需信息
type CustomFilterInfo struct {
	URL     string
	Name    string
	Trusted bool
}

// Registry 过滤器目录
type Registry struct {
	mu       sync.RWMutex
	filters  map[model.FilterID]*model.FilterRecord
	groups   map[model.GroupID]*model.GroupRecord
	defaults []model.FilterID
	firstRun bool

	// 串行化元数据的读-改-写
	persistMu sync.Mutex
	meta      storage.MetadataStore
	bus       *eventbus.Bus
	now       func() time.Time
}

// New 创建注册表；调用 Load 之前只包含目录中的默认状态
func New(catalog *Catalog, meta storage.MetadataStore, bus *eventbus.Bus) *Registry {
	r := &Registry{
		filters: make(map[model.FilterID]*model.FilterRecord),
		groups:  make(map[model.GroupID]*model.GroupRecord),
		meta:    meta,
		bus:     bus,
		now:     time.Now,
	}
	for _, g := range catalog.Groups {
		g := g
		r.groups[g.ID] = &g
	}
	if _, ok := r.groups[model.CustomGroupID]; !ok {
		r.groups[model.CustomGroupID] = &model.GroupRecord{ID: model.CustomGroupID, Name: "Custom", Enabled: true}
	}
	for _, f := range catalog.Filters {
		r.filters[f.ID] = &model.FilterRecord{
			ID:      f.ID,
			GroupID: f.GroupID,
			Name:    f.Name,
			Expires: model.ClampExpires(f.Expires),
		}
		if f.Default {
			r.defaults = append(r.defaults, f.ID)
		}
	}
	return r
}

// SetClock 替换时间源（测试用）
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// FirstRun 加载时没有任何已保存状态
func (r *Registry) FirstRun() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.firstRun
}

// DefaultFilters 首次运行时应安装并启用的过滤器
func (r *Registry) DefaultFilters() []model.FilterID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.FilterID(nil), r.defaults...)
}

// Filter 返回过滤器副本
func (r *Registry) Filter(id model.FilterID) (model.FilterRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.filters[id]
	if !ok {
		return model.FilterRecord{}, fmt.Errorf("filter %d: %w", id, ErrFilterNotFound)
	}
	return *f, nil
}

// Filters 返回所有过滤器副本，按 ID 排序
func (r *Registry) Filters() []model.FilterRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.FilterRecord, 0, len(r.filters))
	for _, f := range r.filters {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Group 返回分组副本
func (r *Registry) Group(id model.GroupID) (model.GroupRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return model.GroupRecord{}, fmt.Errorf("group %d: %w", id, ErrGroupNotFound)
	}
	return *g, nil
}

// Groups 返回所有分组副本
func (r *Registry) Groups() []model.GroupRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.GroupRecord, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GroupStates 分组启用状态快照
func (r *Registry) GroupStates() map[model.GroupID]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[model.GroupID]bool, len(r.groups))
	for id, g := range r.groups {
		out[id] = g.Enabled
	}
	return out
}

// isActiveLocked 过滤器规则是否应进入引擎
func (r *Registry) isActiveLocked(f *model.FilterRecord) bool {
	if !f.Enabled || !f.Installed {
		return false
	}
	g, ok := r.groups[f.GroupID]
	return ok && g.Enabled
}

// ActiveFilters 已安装、已启用且所在分组已启用的过滤器
func (r *Registry) ActiveFilters() []model.FilterRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.FilterRecord
	for _, f := range r.filters {
		if r.isActiveLocked(f) {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EnableFilter 启用过滤器；过滤器必须已安装
func (r *Registry) EnableFilter(ctx context.Context, id model.FilterID) error {
	r.mu.Lock()
	f, ok := r.filters[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("enable filter %d: %w", id, ErrFilterNotFound)
	}
	if !f.Installed {
		r.mu.Unlock()
		return fmt.Errorf("enable filter %d: %w", id, ErrFilterNotInstalled)
	}
	if f.Enabled {
		r.mu.Unlock()
		return nil
	}
	f.Enabled = true
	snapshot := *f
	r.mu.Unlock()

	r.saveFilter(ctx, &snapshot)
	logger.Infof("[Registry] filter %d (%s) enabled", id, snapshot.Name)
	r.bus.Publish(eventbus.Event{Type: eventbus.FilterEnabled, Filter: &snapshot})
	return nil
}

// DisableFilter 停用过滤器
func (r *Registry) DisableFilter(ctx context.Context, id model.FilterID) error {
	r.mu.Lock()
	f, ok := r.filters[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("disable filter %d: %w", id, ErrFilterNotFound)
	}
	if !f.Enabled {
		r.mu.Unlock()
		return nil
	}
	f.Enabled = false
	snapshot := *f
	r.mu.Unlock()

	r.saveFilter(ctx, &snapshot)
	logger.Infof("[Registry] filter %d (%s) disabled", id, snapshot.Name)
	r.bus.Publish(eventbus.Event{Type: eventbus.FilterDisabled, Filter: &snapshot})
	return nil
}

// SetGroupEnabled 切换分组。分组内已启用的过滤器会随之发布启用/停用事件，
// 以便重建协调器触发重建。
func (r *Registry) SetGroupEnabled(ctx context.Context, id model.GroupID, enabled bool) error {
	r.mu.Lock()
	g, ok := r.groups[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("group %d: %w", id, ErrGroupNotFound)
	}
	if g.Enabled == enabled {
		r.mu.Unlock()
		return nil
	}
	g.Enabled = enabled
	group := *g
	var members []model.FilterRecord
	for _, f := range r.filters {
		if f.GroupID == id && f.Enabled && f.Installed {
			members = append(members, *f)
		}
	}
	r.mu.Unlock()

	r.saveGroup(ctx, &group)

	groupEvent, filterEvent := eventbus.GroupDisabled, eventbus.FilterDisabled
	if enabled {
		groupEvent, filterEvent = eventbus.GroupEnabled, eventbus.FilterEnabled
	}
	logger.Infof("[Registry] group %d (%s) enabled=%v, %d member filters affected", id, group.Name, enabled, len(members))
	r.bus.Publish(eventbus.Event{Type: groupEvent, Group: &group})
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	for i := range members {
		r.bus.Publish(eventbus.Event{Type: filterEvent, Filter: &members[i], Group: &group})
	}
	return nil
}

// AddCustomFilter 注册一个自定义过滤器，返回新记录（尚未安装）
func (r *Registry) AddCustomFilter(ctx context.Context, info CustomFilterInfo) (model.FilterRecord, error) {
	if info.URL == "" {
		return model.FilterRecord{}, fmt.Errorf("custom filter: empty url")
	}
	r.mu.Lock()
	nextID := model.CustomFilterIDStart
	for id, f := range r.filters {
		if f.CustomURL == info.URL {
			r.mu.Unlock()
			return model.FilterRecord{}, fmt.Errorf("custom filter %s: %w (id %d)", info.URL, ErrFilterExists, id)
		}
		if id >= nextID {
			nextID = id + 1
		}
	}
	name := info.Name
	if name == "" {
		name = info.URL
	}
	f := &model.FilterRecord{
		ID:        nextID,
		GroupID:   model.CustomGroupID,
		Name:      name,
		CustomURL: info.URL,
		Trusted:   info.Trusted,
		Expires:   model.DefaultExpires,
	}
	r.filters[f.ID] = f
	snapshot := *f
	r.mu.Unlock()

	r.saveFilter(ctx, &snapshot)
	logger.Infof("[Registry] custom filter %d added: %s", snapshot.ID, info.URL)
	r.bus.Publish(eventbus.Event{Type: eventbus.FilterAdded, Filter: &snapshot})
	return snapshot, nil
}

// RemoveCustomFilter 删除自定义过滤器的元数据；规则列表由调用方删除
func (r *Registry) RemoveCustomFilter(ctx context.Context, id model.FilterID) (model.FilterRecord, error) {
	r.mu.Lock()
	f, ok := r.filters[id]
	if !ok {
		r.mu.Unlock()
		return model.FilterRecord{}, fmt.Errorf("remove filter %d: %w", id, ErrFilterNotFound)
	}
	if !f.IsCustom() {
		r.mu.Unlock()
		return model.FilterRecord{}, fmt.Errorf("remove filter %d: %w", id, ErrNotCustomFilter)
	}
	delete(r.filters, id)
	snapshot := *f
	r.mu.Unlock()

	r.deleteFilter(ctx, id)
	logger.Infof("[Registry] custom filter %d removed", id)
	r.bus.Publish(eventbus.Event{Type: eventbus.FilterRemoved, Filter: &snapshot})
	if snapshot.Enabled {
		snapshot.Enabled = false
		r.bus.Publish(eventbus.Event{Type: eventbus.FilterDisabled, Filter: &snapshot})
	}
	return snapshot, nil
}

// ApplyUpdate 记录一次成功下载：更新版本、时间戳、过期时间并标记已安装
func (r *Registry) ApplyUpdate(ctx context.Context, id model.FilterID, info UpdateInfo) (model.FilterRecord, error) {
	r.mu.Lock()
	f, ok := r.filters[id]
	if !ok {
		r.mu.Unlock()
		return model.FilterRecord{}, fmt.Errorf("apply update %d: %w", id, ErrFilterNotFound)
	}
	now := r.now()
	if info.Version != "" {
		f.Version = info.Version
	}
	if info.Expires > 0 {
		f.Expires = model.ClampExpires(info.Expires)
	}
	if info.TimeUpdated.IsZero() {
		f.LastUpdateTime = now
	} else {
		f.LastUpdateTime = info.TimeUpdated
	}
	if info.Name != "" && f.IsCustom() {
		f.Name = info.Name
	}
	f.LastCheckTime = now
	f.Installed = true
	f.Loaded = true
	snapshot := *f
	r.mu.Unlock()

	r.saveFilter(ctx, &snapshot)
	return snapshot, nil
}

// TouchCheckTime 版本未变化时只更新检查时间
func (r *Registry) TouchCheckTime(ctx context.Context, id model.FilterID) error {
	r.mu.Lock()
	f, ok := r.filters[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("touch filter %d: %w", id, ErrFilterNotFound)
	}
	f.LastCheckTime = r.now()
	snapshot := *f
	r.mu.Unlock()

	r.saveFilter(ctx, &snapshot)
	return nil
}

// SetLoaded 标记规则是否已进入内存中的引擎
func (r *Registry) SetLoaded(ids []model.FilterID, loaded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if f, ok := r.filters[id]; ok {
			f.Loaded = loaded
		}
	}
}
