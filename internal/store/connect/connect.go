// Package connect opens a store.Store from a connection string.
//
//	memory://                  in-process maps
//	sqlite:///var/lib/pidtune/studies.db
//	badger:///var/lib/pidtune/badger
//	http://tuner-host:8080     remote store served by `pidtune serve`
//
// A bare path is treated as a SQLite database file.
package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/cwbudde/pidtune/internal/store"
	"github.com/cwbudde/pidtune/internal/store/badgerstore"
	"github.com/cwbudde/pidtune/internal/store/remote"
	"github.com/cwbudde/pidtune/internal/store/sqlstore"
)

// Open parses dsn, opens the backend and checks that it is reachable.
// Every failure is a store.ErrStorageUnavailable.
func Open(ctx context.Context, dsn string) (store.Store, error) {
	s, err := open(dsn)
	if err != nil {
		return nil, unavailable(dsn, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		s.Close()
		return nil, unavailable(dsn, err)
	}
	slog.Debug("Opened store", "backend", Scheme(dsn))
	return s, nil
}

func unavailable(dsn string, err error) error {
	if errors.Is(err, store.ErrStorageUnavailable) {
		return err
	}
	return store.Unavailable(Scheme(dsn), err)
}

// Scheme returns the backend name of dsn.
func Scheme(dsn string) string {
	if i := strings.Index(dsn, "://"); i > 0 {
		return dsn[:i]
	}
	return "sqlite"
}

func open(dsn string) (store.Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("empty storage url")
	}
	if !strings.Contains(dsn, "://") {
		return sqlstore.Open(dsn)
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse storage url: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem":
		return store.NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		path := localPath(u)
		if path == "" {
			return nil, fmt.Errorf("storage url %q has no database path", dsn)
		}
		return sqlstore.Open(path)
	case "badger":
		path := localPath(u)
		if path == "" {
			return nil, fmt.Errorf("storage url %q has no database directory", dsn)
		}
		return badgerstore.Open(badgerstore.Config{
			Path:       path,
			SyncWrites: true,
			Logger:     slog.Default().With("component", "badger"),
		})
	case "http", "https":
		return remote.New(dsn, nil)
	}
	return nil, fmt.Errorf("unsupported storage scheme %q", u.Scheme)
}

// localPath accepts both sqlite:///abs/path and sqlite://relative/path.
func localPath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Host + u.Path
}
