package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "autoposter/pkg/logx"
)

// Store is the persistence API used by the activity log, the content style
// picker and the notifier.
type Store interface {
	AppendActivity(ctx context.Context, e ActivityEntry) error

	GetMarker(ctx context.Context, key string) (value string, ok bool, err error)
	PutMarker(ctx context.Context, key, value string) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.Wrap(ErrUnknownDriver, driver)
	}
}

// sanitize keeps a field on one tab-separated line.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r':
			return ' '
		}
		return r
	}, strings.TrimSpace(s))
}
