package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"filtersync/logger"
	"filtersync/model"
	"filtersync/storage"
)

type filterState struct {
	ID        model.FilterID `json:"filterId"`
	Enabled   bool           `json:"enabled"`
	Installed bool           `json:"installed"`
	Loaded    bool           `json:"loaded"`
	// 仅自定义过滤器保存以下字段
	GroupID   model.GroupID `json:"groupId,omitempty"`
	Name      string        `json:"name,omitempty"`
	CustomURL string        `json:"customUrl,omitempty"`
	Trusted   bool          `json:"trusted,omitempty"`
}

type filterVersion struct {
	ID             model.FilterID `json:"filterId"`
	Version        string         `json:"version"`
	LastCheckTime  model.Time     `json:"lastCheckTime"`
	LastUpdateTime model.Time     `json:"lastUpdateTime"`
	Expires        int            `json:"expires"`
}

type groupState struct {
	ID      model.GroupID `json:"groupId"`
	Enabled bool          `json:"enabled"`
}

// Load 读取已保存的状态并合并到目录。
// 损坏的数据记录警告后按缺失处理；读取失败返回错误。
func (r *Registry) Load(ctx context.Context) error {
	var states []filterState
	var versions []filterVersion
	var groups []groupState

	found := 0
	for _, item := range []struct {
		key string
		dst any
	}{
		{storage.KeyFiltersState, &states},
		{storage.KeyFiltersVersion, &versions},
		{storage.KeyGroupsState, &groups},
	} {
		ok, err := r.readBlob(ctx, item.key, item.dst)
		if err != nil {
			return err
		}
		if ok {
			found++
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.firstRun = found == 0

	for _, g := range groups {
		if rec, ok := r.groups[g.ID]; ok {
			rec.Enabled = g.Enabled
		}
	}

	for _, s := range states {
		f, ok := r.filters[s.ID]
		if !ok {
			if s.CustomURL == "" || s.ID < model.CustomFilterIDStart {
				logger.Debugf("[Registry] skip stored state of unknown filter %d", s.ID)
				continue
			}
			f = &model.FilterRecord{
				ID:        s.ID,
				GroupID:   model.CustomGroupID,
				Name:      s.Name,
				CustomURL: s.CustomURL,
				Trusted:   s.Trusted,
				Expires:   model.DefaultExpires,
			}
			r.filters[s.ID] = f
		}
		f.Enabled = s.Enabled
		f.Installed = s.Installed
		// 重启后需要重新构建引擎才算加载
		f.Loaded = false
		if f.Enabled && !f.Installed {
			logger.Warnf("[Registry] filter %d marked enabled but not installed, disabling", f.ID)
			f.Enabled = false
		}
	}

	for _, v := range versions {
		f, ok := r.filters[v.ID]
		if !ok {
			continue
		}
		f.Version = v.Version
		f.LastCheckTime = v.LastCheckTime.Time
		f.LastUpdateTime = v.LastUpdateTime.Time
		if v.Expires > 0 {
			f.Expires = model.ClampExpires(v.Expires)
		}
	}

	logger.Infof("[Registry] loaded %d filters, %d groups (first run: %v)", len(r.filters), len(r.groups), r.firstRun)
	return nil
}

// readBlob 读取并解析一个元数据键；格式错误视为不存在
func (r *Registry) readBlob(ctx context.Context, key string, dst any) (bool, error) {
	blob, ok, err := r.meta.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(blob, dst); err != nil {
		logger.Warnf("[Registry] corrupt %s, using defaults: %v", key, err)
		return false, nil
	}
	return true, nil
}

func toState(f *model.FilterRecord) filterState {
	s := filterState{
		ID:        f.ID,
		Enabled:   f.Enabled,
		Installed: f.Installed,
		Loaded:    f.Loaded,
	}
	if f.IsCustom() {
		s.GroupID = f.GroupID
		s.Name = f.Name
		s.CustomURL = f.CustomURL
		s.Trusted = f.Trusted
	}
	return s
}

func toVersion(f *model.FilterRecord) filterVersion {
	return filterVersion{
		ID:             f.ID,
		Version:        f.Version,
		LastCheckTime:  model.Time{Time: f.LastCheckTime},
		LastUpdateTime: model.Time{Time: f.LastUpdateTime},
		Expires:        f.Expires,
	}
}

// saveFilter 将单个过滤器写入状态与版本两个数据块；写入失败只记录日志
func (r *Registry) saveFilter(ctx context.Context, f *model.FilterRecord) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.patch(ctx, storage.KeyFiltersState, "filterId", int64(f.ID), toState(f))
	r.patch(ctx, storage.KeyFiltersVersion, "filterId", int64(f.ID), toVersion(f))
}

func (r *Registry) saveGroup(ctx context.Context, g *model.GroupRecord) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.patch(ctx, storage.KeyGroupsState, "groupId", int64(g.ID), groupState{ID: g.ID, Enabled: g.Enabled})
}

func (r *Registry) deleteFilter(ctx context.Context, id model.FilterID) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	for _, key := range []string{storage.KeyFiltersState, storage.KeyFiltersVersion} {
		blob, _, err := r.meta.Get(ctx, key)
		if err != nil {
			logger.Errorf("[Registry] read %s: %v", key, err)
			continue
		}
		out, err := storage.DeleteRecord(blob, "filterId", int64(id))
		if err != nil {
			logger.Warnf("[Registry] delete filter %d from %s: %v", id, key, err)
			continue
		}
		if err := r.meta.Set(ctx, key, out); err != nil {
			logger.Errorf("[Registry] write %s: %v", key, err)
		}
	}
}

func (r *Registry) patch(ctx context.Context, key, idField string, id int64, record any) {
	blob, _, err := r.meta.Get(ctx, key)
	if err != nil {
		logger.Errorf("[Registry] read %s: %v", key, err)
		return
	}
	out, err := storage.PatchRecord(blob, idField, id, record)
	if err != nil {
		logger.Warnf("[Registry] patch %s record %d: %v", key, id, err)
		return
	}
	if err := r.meta.Set(ctx, key, out); err != nil {
		logger.Errorf("[Registry] write %s: %v", key, err)
	}
}
