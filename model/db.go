package model

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/radiocosmology/alpenhorn/cmn/nlog"
)

// Connect opens the single database named by url, dispatching on its scheme
// the way original_source/alpenhorn/db/_base.py dispatches on peewee's
// database-URL prefix: "sqlite://" or a bare path opens sqlite.Open, anything
// else (postgres://, postgresql://) opens the postgres driver. Alpenhorn
// talks to exactly one database; there is no multi-tenancy here.
func Connect(url string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		dialector = sqlite.Open(strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		dialector = postgres.Open(url)
	case url == "":
		return nil, fmt.Errorf("model: empty database url")
	default:
		// bare filesystem path, treated as sqlite for convenience in tests
		// and single-host deployments.
		dialector = sqlite.Open(url)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: nlog.NewGormLogger(),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("model: connect: %w", err)
	}
	return db, nil
}

// Migrate brings the schema up to date. Grounded on db/_base.py's
// connect()-then-create_tables() sequence; there is no separate migration
// tool in the corpus so AutoMigrate stands in for peewee's create_tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("model: migrate: %w", err)
	}
	return nil
}

// RetryOperational reports whether err is the kind of transient
// connection-level failure that original_source/alpenhorn/db/_base.py's
// RetryOperationalError middleware retries transparently (lock contention,
// dropped connection) as opposed to a data-integrity error that must
// propagate. GORM has no connection middleware hook equivalent, so callers
// that mutate the data index (the update loop, the worker pool) call this
// directly around their own retry loops.
func RetryOperational(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{
		"database is locked",
		"SQLITE_BUSY",
		"connection reset",
		"connection refused",
		"broken pipe",
		"driver: bad connection",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
