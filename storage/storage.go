// Package storage 规则列表与元数据的持久化
package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"filtersync/config"
	"filtersync/model"
)

// 元数据键
const (
	KeyFiltersState   = "filters-state"
	KeyFiltersVersion = "filters-version"
	KeyGroupsState    = "groups-state"
	KeySchemaVersion  = "schema-version"
)

// RuleListStore 按过滤器 ID 存取有序规则文本
type RuleListStore interface {
	// Read 返回规则行；不存在时 ok 为 false
	Read(ctx context.Context, id model.FilterID) (lines []string, ok bool, err error)
	// Write 整体替换
	Write(ctx context.Context, id model.FilterID, lines []string) error
	Remove(ctx context.Context, id model.FilterID) error
}

// MetadataStore 以固定键存取 JSON 数据块
type MetadataStore interface {
	Get(ctx context.Context, key string) (blob []byte, ok bool, err error)
	Set(ctx context.Context, key string, blob []byte) error
}

// Store 同时提供两种存储
type Store interface {
	RuleListStore
	MetadataStore
	Close() error
}

// Open 按配置打开存储
func Open(cfg *config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = filepath.Join(cfg.Dir, "filtersync.db")
		}
		return OpenSQLite(dsn)
	case "file", "":
		return NewFileStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
