package app

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"filtersync/logger"
	"filtersync/model"
	"filtersync/storage"
)

type migration struct {
	version int
	name    string
	run     func(ctx context.Context, st storage.Store) error
}

// migrations 按版本号递增排列
var migrations = []migration{
	{1, "seed user rules and allowlist", seedAlwaysActive},
	{2, "reset persisted loaded flags", resetLoadedFlags},
}

// SchemaVersion 最新的元数据版本
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// migrate 执行所有尚未执行的迁移，返回执行的数量。
// 每一步成功后立即记录版本，失败时停在上一步。
func migrate(ctx context.Context, st storage.Store) (int, error) {
	current, err := schemaVersion(ctx, st)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		logger.Infof("[Migrate] %d: %s", m.version, m.name)
		if err := m.run(ctx, st); err != nil {
			return applied, fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if err := setSchemaVersion(ctx, st, m.version); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func schemaVersion(ctx context.Context, st storage.Store) (int, error) {
	blob, ok, err := st.Get(ctx, storage.KeySchemaVersion)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if !ok {
		return 0, nil
	}
	v := gjson.GetBytes(blob, "version")
	if !v.Exists() {
		logger.Warnf("[Migrate] malformed schema version %q, starting from 0", blob)
		return 0, nil
	}
	return int(v.Int()), nil
}

func setSchemaVersion(ctx context.Context, st storage.Store, version int) error {
	blob, err := sjson.SetBytes([]byte("{}"), "version", version)
	if err != nil {
		return err
	}
	return st.Set(ctx, storage.KeySchemaVersion, blob)
}

// seedAlwaysActive 为始终生效的用户规则和白名单创建空列表
func seedAlwaysActive(ctx context.Context, st storage.Store) error {
	for _, id := range []model.FilterID{model.UserFilterID, model.AllowlistFilterID} {
		_, ok, err := st.Read(ctx, id)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := st.Write(ctx, id, []string{}); err != nil {
			return err
		}
	}
	return nil
}

// resetLoadedFlags loaded 只描述内存中的引擎，不应从旧数据中恢复
func resetLoadedFlags(ctx context.Context, st storage.Store) error {
	blob, ok, err := st.Get(ctx, storage.KeyFiltersState)
	if err != nil || !ok {
		return err
	}
	if !gjson.ValidBytes(blob) || !gjson.ParseBytes(blob).IsArray() {
		logger.Warnf("[Migrate] %s is not a json array, leaving it to the registry", storage.KeyFiltersState)
		return nil
	}
	n := int(gjson.GetBytes(blob, "#").Int())
	for i := 0; i < n; i++ {
		path := strconv.Itoa(i) + ".loaded"
		if !gjson.GetBytes(blob, path).Exists() {
			continue
		}
		if blob, err = sjson.SetBytes(blob, path, false); err != nil {
			return err
		}
	}
	return st.Set(ctx, storage.KeyFiltersState, blob)
}
