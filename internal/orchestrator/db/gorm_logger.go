package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	applogger "github.com/ventupx/wrb-vpn-system/pkg/logger"
)

// gormLogger routes gorm's query log through the application logger.
type gormLogger struct {
	log   *applogger.Logger
	level gormlogger.LogLevel
}

func newGormLogger(log *applogger.Logger) gormlogger.Interface {
	if log == nil {
		return gormlogger.Default.LogMode(gormlogger.Silent)
	}
	return &gormLogger{log: log.WithComponent("db"), level: gormlogger.Warn}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &gormLogger{log: l.log, level: level}
}

func (l *gormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.WithContext(ctx).Info(fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.WithContext(ctx).Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.WithContext(ctx).Error(fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	query, rows := fc()
	elapsed := time.Since(begin)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		l.log.WarnCtx(ctx, "database query failed", err, "sql", query)
		return
	}

	op, table := describeQuery(query)
	l.log.DBQuery(ctx, op, table, elapsed, "rows", rows)
}

// describeQuery extracts the verb and target table for compact log lines.
func describeQuery(query string) (string, string) {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return "QUERY", ""
	}
	op := strings.ToUpper(fields[0])
	for i, f := range fields {
		switch strings.ToUpper(f) {
		case "FROM", "INTO", "UPDATE":
			if i+1 < len(fields) {
				return op, strings.Trim(fields[i+1], "`\"")
			}
		}
	}
	return op, ""
}
