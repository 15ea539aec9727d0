package nlog

import (
	"context"
	"errors"
	"time"

	gormlogger "gorm.io/gorm/logger"
)

// GormLogger adapts nlog to gorm/logger.Interface so every SQL statement the
// data index runs goes through the same leveled, rotated stream as the rest
// of the daemon instead of GORM's own stdout logger.
type GormLogger struct {
	slow time.Duration
}

// NewGormLogger returns a GormLogger that flags queries slower than 200ms —
// loose enough not to fire on the SQLite-in-test path, tight enough to catch
// a missing index on the FileCopy unique lookup in production use.
func NewGormLogger() *GormLogger { return &GormLogger{slow: 200 * time.Millisecond} }

func (g *GormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface { return g }

func (g *GormLogger) Info(_ context.Context, format string, args ...any) {
	Infof(format, args...)
}

func (g *GormLogger) Warn(_ context.Context, format string, args ...any) {
	Warningf(format, args...)
}

func (g *GormLogger) Error(_ context.Context, format string, args ...any) {
	Errorf(format, args...)
}

func (g *GormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()
	switch {
	case err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound):
		Errorf("gorm: %s [%dms] [rows:%d] %s", err, elapsed.Milliseconds(), rows, sql)
	case g.slow > 0 && elapsed > g.slow:
		Warningf("gorm: slow query [%dms] [rows:%d] %s", elapsed.Milliseconds(), rows, sql)
	default:
		Debugf("gorm: [%dms] [rows:%d] %s", elapsed.Milliseconds(), rows, sql)
	}
}
