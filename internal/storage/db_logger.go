package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"

	"tg-imagebot/internal/logger"
)

const slowQuery = 200 * time.Millisecond

// gormLogger sends gorm output to the bot log. Statements are traced only at
// DEBUG; failed and slow ones are always reported.
type gormLogger struct {
	level gormlogger.LogLevel
}

func newGormLogger(level string) gormlogger.Interface {
	switch logger.ParseLevel(level) {
	case logger.LevelDebug:
		return &gormLogger{level: gormlogger.Info}
	case logger.LevelFatal:
		return &gormLogger{level: gormlogger.Error}
	default:
		return &gormLogger{level: gormlogger.Warn}
	}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &gormLogger{level: level}
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		logger.Infof(msg, data...)
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		logger.Warningf(msg, data...)
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		logger.Errorf(msg, data...)
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)
	slow := elapsed > slowQuery

	if !failed && !(slow && l.level >= gormlogger.Warn) && l.level < gormlogger.Info {
		return
	}

	sql, rows := fc()
	line := fmt.Sprintf("[%.3fms] [%s] %s; rows=%d", float64(elapsed.Microseconds())/1000, utils.FileWithLineNum(), sql, rows)

	switch {
	case failed:
		logger.Errorf("%s; error=%v", line, err)
	case slow && l.level >= gormlogger.Warn:
		logger.Warningf("%s; slow query >= %v", line, slowQuery)
	default:
		logger.Debugf("%s", line)
	}
}
