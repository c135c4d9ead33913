package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/logger"

	applog "filtersync/logger"
)

// GormLogger 将 GORM 日志输出到应用日志
type GormLogger struct {
	LogLevel      logger.LogLevel
	SlowThreshold time.Duration
}

// NewGormLogger 创建新的GormLogger实例
func NewGormLogger() *GormLogger {
	return &GormLogger{
		LogLevel:      logger.Warn,
		SlowThreshold: time.Second,
	}
}

// LogMode 设置日志级别
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

// Info 打印info级别日志
func (l *GormLogger) Info(_ context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Info {
		applog.Infof("[Storage] "+msg, data...)
	}
}

// Warn 打印warn级别日志
func (l *GormLogger) Warn(_ context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Warn {
		applog.Warnf("[Storage] "+msg, data...)
	}
}

// Error 打印error级别日志
func (l *GormLogger) Error(_ context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Error {
		applog.Errorf("[Storage] "+msg, data...)
	}
}

// Trace 打印SQL日志
func (l *GormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	desc := fmt.Sprintf("sql=%q rows=%d timeMs=%.2f", sql, rows, float64(elapsed.Nanoseconds())/1e6)

	switch {
	case err != nil && l.LogLevel >= logger.Error:
		applog.Errorf("[Storage] SQL执行错误: %v %s", err, desc)
	case elapsed > l.SlowThreshold && l.LogLevel >= logger.Warn:
		applog.Warnf("[Storage] 慢SQL查询: %s", desc)
	case l.LogLevel == logger.Info:
		applog.Debugf("[Storage] SQL执行: %s", desc)
	}
}
