package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"filtersync/model"
)

// RuleListRow 规则列表表
type RuleListRow struct {
	FilterID  int    `gorm:"primaryKey;autoIncrement:false"`
	Content   string `gorm:"type:text"`
	LineCount int
	UpdatedAt time.Time
}

// TableName 指定表名
func (RuleListRow) TableName() string { return "rule_lists" }

// MetadataRow 元数据表
type MetadataRow struct {
	Key       string `gorm:"column:meta_key;primaryKey"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// TableName 指定表名
func (MetadataRow) TableName() string { return "metadata" }

// SQLiteStore 基于 gorm + sqlite 的存储
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite 打开（或创建）数据库并迁移表结构
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: NewGormLogger().LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite 单写者
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&RuleListRow{}, &MetadataRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Read 读取规则列表
func (s *SQLiteStore) Read(ctx context.Context, id model.FilterID) ([]string, bool, error) {
	var rows []RuleListRow
	if err := s.db.WithContext(ctx).Where("filter_id = ?", int(id)).Limit(1).Find(&rows).Error; err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	if rows[0].Content == "" {
		return []string{}, true, nil
	}
	return strings.Split(rows[0].Content, "\n"), true, nil
}

// Write 整体替换规则列表
func (s *SQLiteStore) Write(ctx context.Context, id model.FilterID, lines []string) error {
	row := RuleListRow{
		FilterID:  int(id),
		Content:   strings.Join(lines, "\n"),
		LineCount: len(lines),
		UpdatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

// Remove 删除规则列表
func (s *SQLiteStore) Remove(ctx context.Context, id model.FilterID) error {
	return s.db.WithContext(ctx).Where("filter_id = ?", int(id)).Delete(&RuleListRow{}).Error
}

// Get 读取元数据
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var rows []MetadataRow
	if err := s.db.WithContext(ctx).Where("meta_key = ?", key).Limit(1).Find(&rows).Error; err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return []byte(rows[0].Value), true, nil
}

// Set 写入元数据
func (s *SQLiteStore) Set(ctx context.Context, key string, blob []byte) error {
	row := MetadataRow{Key: key, Value: string(blob), UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

// Close 关闭底层连接
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
