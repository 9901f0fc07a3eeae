// Package badgerstore implements store.Store on an embedded BadgerDB.
//
// Badger locks its directory, so a database is owned by one process. Several
// workers in that process, or remote workers going through `pidtune serve`,
// share it safely: every primitive is a single serializable transaction that
// is retried on conflict.
//
// Key layout:
//
//	study/<name>              -> StudyInfo (JSON)
//	seq/<name>                -> next trial id (uint64, big endian)
//	trial/<name>/<id:%020d>   -> Trial (JSON)
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/cwbudde/pidtune/internal/space"
	"github.com/cwbudde/pidtune/internal/store"
)

const backend = "badger"

// maxConflictRetries bounds how often a transaction is replayed after
// badger.ErrConflict.
const maxConflictRetries = 64

// Config holds configuration for a Badger-backed store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives Badger's internal log output. Nil disables it.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a Badger-backed store.Store.
type Store struct {
	db *badger.DB
}

var _ store.Store = (*Store)(nil)

// Open opens the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgerstore: path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, store.Unavailable(backend, fmt.Errorf("open %s: %w", cfg.Path, err))
	}
	return &Store{db: db}, nil
}

// OpenPath opens a persistent database with durable writes.
func OpenPath(path string) (*Store, error) {
	return Open(Config{Path: path, SyncWrites: true})
}

// Names are length prefixed so that no study's keys are a prefix of
// another study's keys.
func keyName(name string) string { return fmt.Sprintf("%d:%s", len(name), name) }

func studyKey(name string) []byte { return []byte("study/" + keyName(name)) }
func seqKey(name string) []byte   { return []byte("seq/" + keyName(name)) }
func trialPrefix(name string) []byte {
	return []byte("trial/" + keyName(name) + "/")
}
func trialKey(name string, id int64) []byte {
	return []byte(fmt.Sprintf("trial/%s/%020d", keyName(name), id))
}

// update runs fn in a read-write transaction, replaying it on conflict.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		return classify(err)
	}
}

func (s *Store) view(fn func(txn *badger.Txn) error) error {
	return classify(s.db.View(fn))
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrDBClosed), errors.Is(err, badger.ErrConflict):
		return store.Unavailable(backend, err)
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getStudy(txn *badger.Txn, name string) (store.StudyInfo, error) {
	var info store.StudyInfo
	err := getJSON(txn, studyKey(name), &info)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return info, &store.NotFoundError{Study: name}
	}
	return info, err
}

func getTrial(txn *badger.Txn, study string, id int64) (*store.Trial, error) {
	var t store.Trial
	err := getJSON(txn, trialKey(study, id), &t)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &store.NotFoundError{Study: study, TrialID: id, Trial: true}
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func putTrial(txn *badger.Txn, t *store.Trial) error {
	return setJSON(txn, trialKey(t.Study, t.ID), t)
}

// nextID reads and advances the id sequence of a study.
func nextID(txn *badger.Txn, study string) (int64, error) {
	var next uint64
	item, err := txn.Get(seqKey(study))
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		if err := item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt id sequence for study %s", study)
			}
			next = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return 0, err
		}
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next+1)
	if err := txn.Set(seqKey(study), buf); err != nil {
		return 0, err
	}
	return int64(next), nil
}

func insertTrial(txn *badger.Txn, study string, params space.Vector, now time.Time) (*store.Trial, error) {
	info, err := getStudy(txn, study)
	if err != nil {
		return nil, err
	}
	if err := info.Space.Validate(params); err != nil {
		return nil, err
	}
	id, err := nextID(txn, study)
	if err != nil {
		return nil, err
	}
	return &store.Trial{
		Study:   study,
		ID:      id,
		Params:  params.Clone(),
		Status:  store.StatusPending,
		Created: now,
	}, nil
}

// scanTrials decodes every trial of the study in id order.
func scanTrials(txn *badger.Txn, study string) ([]store.Trial, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = trialPrefix(study)
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []store.Trial
	for it.Rewind(); it.Valid(); it.Next() {
		var t store.Trial
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &t)
		}); err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) CreateStudy(ctx context.Context, spec store.StudySpec) (store.StudyInfo, bool, error) {
	if err := spec.Validate(); err != nil {
		return store.StudyInfo{}, false, err
	}
	var (
		info    store.StudyInfo
		created bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		created = false
		existing, err := getStudy(txn, spec.Name)
		if err == nil {
			info = existing
			if !existing.Space.Equal(spec.Space) {
				return store.ErrSpaceMismatch
			}
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		info = store.StudyInfo{Name: spec.Name, Direction: spec.Direction, Space: spec.Space, Created: time.Now().UTC()}
		created = true
		return setJSON(txn, studyKey(spec.Name), info)
	})
	return info, created && err == nil, err
}

func (s *Store) GetStudy(ctx context.Context, name string) (store.StudyInfo, error) {
	var info store.StudyInfo
	err := s.view(func(txn *badger.Txn) error {
		var err error
		info, err = getStudy(txn, name)
		return err
	})
	return info, err
}

func (s *Store) ListStudies(ctx context.Context) ([]store.StudyInfo, error) {
	infos := []store.StudyInfo{}
	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("study/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var info store.StudyInfo
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				return err
			}
			infos = append(infos, info)
		}
		return nil
	})
	return infos, err
}

func (s *Store) DeleteStudy(ctx context.Context, name string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := getStudy(txn, name); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = trialPrefix(name)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		keys = append(keys, seqKey(name), studyKey(name))
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Enqueue(ctx context.Context, study string, params space.Vector) (store.Trial, error) {
	var out store.Trial
	err := s.update(ctx, func(txn *badger.Txn) error {
		t, err := insertTrial(txn, study, params, time.Now().UTC())
		if err != nil {
			return err
		}
		out = t.Clone()
		return putTrial(txn, t)
	})
	return out, err
}

func (s *Store) ClaimNext(ctx context.Context, study string, claim store.Claim) (store.Trial, error) {
	if err := claim.Validate(); err != nil {
		return store.Trial{}, err
	}
	var out store.Trial
	err := s.update(ctx, func(txn *badger.Txn) error {
		if _, err := getStudy(txn, study); err != nil {
			return err
		}
		trials, err := scanTrials(txn, study)
		if err != nil {
			return err
		}
		for i := range trials {
			t := &trials[i]
			if t.Status != store.StatusPending {
				continue
			}
			store.Start(t, claim, store.NewToken(), time.Now().UTC())
			out = t.Clone()
			return putTrial(txn, t)
		}
		return store.ErrNoPendingTrial
	})
	return out, err
}

func (s *Store) CreateClaimed(ctx context.Context, study string, params space.Vector, claim store.Claim) (store.Trial, error) {
	if err := claim.Validate(); err != nil {
		return store.Trial{}, err
	}
	var out store.Trial
	err := s.update(ctx, func(txn *badger.Txn) error {
		now := time.Now().UTC()
		t, err := insertTrial(txn, study, params, now)
		if err != nil {
			return err
		}
		store.Start(t, claim, store.NewToken(), now)
		out = t.Clone()
		return putTrial(txn, t)
	})
	return out, err
}

func (s *Store) Heartbeat(ctx context.Context, study string, id int64, token string, lease time.Duration) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		t, err := getTrial(txn, study, id)
		if err != nil {
			return err
		}
		if err := store.Extend(t, token, lease, time.Now().UTC()); err != nil {
			return err
		}
		return putTrial(txn, t)
	})
}

func (s *Store) Commit(ctx context.Context, study string, id int64, outcome store.Outcome) (store.Trial, bool, error) {
	if err := outcome.Validate(); err != nil {
		return store.Trial{}, false, err
	}
	var (
		out     store.Trial
		applied bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		t, err := getTrial(txn, study, id)
		if err != nil {
			return err
		}
		applied = store.Resolve(t, outcome, time.Now().UTC())
		out = t.Clone()
		if !applied {
			return nil
		}
		return putTrial(txn, t)
	})
	return out, applied, err
}

func (s *Store) ReclaimExpired(ctx context.Context, study string, now time.Time, maxClaims int) (int, error) {
	var n int
	err := s.update(ctx, func(txn *badger.Txn) error {
		n = 0
		if _, err := getStudy(txn, study); err != nil {
			return err
		}
		trials, err := scanTrials(txn, study)
		if err != nil {
			return err
		}
		for i := range trials {
			if !store.Reclaim(&trials[i], now, maxClaims) {
				continue
			}
			if err := putTrial(txn, &trials[i]); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) ReadAll(ctx context.Context, study string) ([]store.Trial, error) {
	var out []store.Trial
	err := s.view(func(txn *badger.Txn) error {
		if _, err := getStudy(txn, study); err != nil {
			return err
		}
		trials, err := scanTrials(txn, study)
		out = trials
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []store.Trial{}
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return store.Unavailable(backend, badger.ErrDBClosed)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
