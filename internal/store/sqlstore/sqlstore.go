// Package sqlstore implements store.Store on a SQLite database file, which
// lets several worker processes on one host share a study.
//
// Every primitive runs in a single IMMEDIATE transaction, so SQLite's write
// lock serializes claims and commits across processes.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/cwbudde/pidtune/internal/space"
	"github.com/cwbudde/pidtune/internal/store"
)

const backend = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS studies (
	name      TEXT PRIMARY KEY,
	direction TEXT NOT NULL,
	space     TEXT NOT NULL,
	created   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trials (
	study  TEXT NOT NULL REFERENCES studies(name) ON DELETE CASCADE,
	id     INTEGER NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('PENDING','RUNNING','COMPLETE','FAILED')),
	data   TEXT NOT NULL,
	PRIMARY KEY (study, id)
);
CREATE INDEX IF NOT EXISTS idx_trials_study_status ON trials(study, status, id);
`

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Set("_busy_timeout", "5000")
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	db, err := sql.Open("sqlite3", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, store.Unavailable(backend, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("initialize schema: %w", err))
	}
	return s, nil
}

// classify maps lock contention and I/O failures to store.ErrStorageUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen, sqlite3.ErrNotADB:
			return store.Unavailable(backend, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return store.Unavailable(backend, err)
	}
	return err
}

// update runs fn inside one write transaction.
func (s *Store) update(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getStudy(ctx context.Context, q querier, name string) (store.StudyInfo, error) {
	var (
		info    store.StudyInfo
		dir     string
		spc     string
		created string
	)
	err := q.QueryRowContext(ctx, `SELECT name, direction, space, created FROM studies WHERE name = ?`, name).
		Scan(&info.Name, &dir, &spc, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return store.StudyInfo{}, &store.NotFoundError{Study: name}
	}
	if err != nil {
		return store.StudyInfo{}, err
	}
	info.Direction = store.Direction(dir)
	if err := json.Unmarshal([]byte(spc), &info.Space); err != nil {
		return store.StudyInfo{}, fmt.Errorf("decode space of study %s: %w", name, err)
	}
	info.Created, err = time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return store.StudyInfo{}, fmt.Errorf("decode created of study %s: %w", name, err)
	}
	return info, nil
}

func getTrial(ctx context.Context, q querier, study string, id int64) (*store.Trial, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM trials WHERE study = ? AND id = ?`, study, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.NotFoundError{Study: study, TrialID: id, Trial: true}
	}
	if err != nil {
		return nil, err
	}
	return decodeTrial(data)
}

func decodeTrial(data string) (*store.Trial, error) {
	var t store.Trial
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode trial: %w", err)
	}
	return &t, nil
}

func putTrial(ctx context.Context, tx *sql.Tx, t *store.Trial) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode trial: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO trials (study, id, status, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(study, id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		t.Study, t.ID, string(t.Status), string(data))
	return err
}

func insertTrial(ctx context.Context, tx *sql.Tx, info store.StudyInfo, params space.Vector, now time.Time) (*store.Trial, error) {
	if err := info.Space.Validate(params); err != nil {
		return nil, err
	}
	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id) + 1, 0) FROM trials WHERE study = ?`, info.Name).Scan(&next); err != nil {
		return nil, err
	}
	return &store.Trial{
		Study:   info.Name,
		ID:      next,
		Params:  params.Clone(),
		Status:  store.StatusPending,
		Created: now,
	}, nil
}

func (s *Store) CreateStudy(ctx context.Context, spec store.StudySpec) (store.StudyInfo, bool, error) {
	if err := spec.Validate(); err != nil {
		return store.StudyInfo{}, false, err
	}
	var (
		info    store.StudyInfo
		created bool
	)
	err := s.update(ctx, func(tx *sql.Tx) error {
		existing, err := getStudy(ctx, tx, spec.Name)
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
		spc, err := json.Marshal(spec.Space)
		if err != nil {
			return fmt.Errorf("encode space: %w", err)
		}
		info = store.StudyInfo{Name: spec.Name, Direction: spec.Direction, Space: spec.Space, Created: time.Now().UTC()}
		_, err = tx.ExecContext(ctx, `INSERT INTO studies (name, direction, space, created) VALUES (?, ?, ?, ?)`,
			info.Name, string(info.Direction), string(spc), info.Created.Format(time.RFC3339Nano))
		created = err == nil
		return err
	})
	return info, created, err
}

func (s *Store) GetStudy(ctx context.Context, name string) (store.StudyInfo, error) {
	info, err := getStudy(ctx, s.db, name)
	return info, classify(err)
}

func (s *Store) ListStudies(ctx context.Context) ([]store.StudyInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM studies ORDER BY name`)
	if err != nil {
		return nil, classify(err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	infos := make([]store.StudyInfo, 0, len(names))
	for _, name := range names {
		info, err := getStudy(ctx, s.db, name)
		if err != nil {
			return nil, classify(err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *Store) DeleteStudy(ctx context.Context, name string) error {
	return s.update(ctx, func(tx *sql.Tx) error {
		if _, err := getStudy(ctx, tx, name); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM trials WHERE study = ?`, name); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM studies WHERE name = ?`, name)
		return err
	})
}

func (s *Store) Enqueue(ctx context.Context, study string, params space.Vector) (store.Trial, error) {
	var out store.Trial
	err := s.update(ctx, func(tx *sql.Tx) error {
		info, err := getStudy(ctx, tx, study)
		if err != nil {
			return err
		}
		t, err := insertTrial(ctx, tx, info, params, time.Now().UTC())
		if err != nil {
			return err
		}
		out = t.Clone()
		return putTrial(ctx, tx, t)
	})
	return out, err
}

func (s *Store) ClaimNext(ctx context.Context, study string, claim store.Claim) (store.Trial, error) {
	if err := claim.Validate(); err != nil {
		return store.Trial{}, err
	}
	var out store.Trial
	err := s.update(ctx, func(tx *sql.Tx) error {
		if _, err := getStudy(ctx, tx, study); err != nil {
			return err
		}
		var data string
		err := tx.QueryRowContext(ctx,
			`SELECT data FROM trials WHERE study = ? AND status = 'PENDING' ORDER BY id LIMIT 1`, study).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNoPendingTrial
		}
		if err != nil {
			return err
		}
		t, err := decodeTrial(data)
		if err != nil {
			return err
		}
		store.Start(t, claim, store.NewToken(), time.Now().UTC())
		out = t.Clone()
		return putTrial(ctx, tx, t)
	})
	return out, err
}

func (s *Store) CreateClaimed(ctx context.Context, study string, params space.Vector, claim store.Claim) (store.Trial, error) {
	if err := claim.Validate(); err != nil {
		return store.Trial{}, err
	}
	var out store.Trial
	err := s.update(ctx, func(tx *sql.Tx) error {
		info, err := getStudy(ctx, tx, study)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		t, err := insertTrial(ctx, tx, info, params, now)
		if err != nil {
			return err
		}
		store.Start(t, claim, store.NewToken(), now)
		out = t.Clone()
		return putTrial(ctx, tx, t)
	})
	return out, err
}

func (s *Store) Heartbeat(ctx context.Context, study string, id int64, token string, lease time.Duration) error {
	return s.update(ctx, func(tx *sql.Tx) error {
		t, err := getTrial(ctx, tx, study, id)
		if err != nil {
			return err
		}
		if err := store.Extend(t, token, lease, time.Now().UTC()); err != nil {
			return err
		}
		return putTrial(ctx, tx, t)
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
	err := s.update(ctx, func(tx *sql.Tx) error {
		t, err := getTrial(ctx, tx, study, id)
		if err != nil {
			return err
		}
		applied = store.Resolve(t, outcome, time.Now().UTC())
		out = t.Clone()
		if !applied {
			return nil
		}
		return putTrial(ctx, tx, t)
	})
	return out, applied, err
}

func (s *Store) ReclaimExpired(ctx context.Context, study string, now time.Time, maxClaims int) (int, error) {
	n := 0
	err := s.update(ctx, func(tx *sql.Tx) error {
		if _, err := getStudy(ctx, tx, study); err != nil {
			return err
		}
		running, err := scanTrials(ctx, tx, `SELECT data FROM trials WHERE study = ? AND status = 'RUNNING' ORDER BY id`, study)
		if err != nil {
			return err
		}
		for i := range running {
			if !store.Reclaim(&running[i], now, maxClaims) {
				continue
			}
			if err := putTrial(ctx, tx, &running[i]); err != nil {
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
	// A read transaction gives a consistent snapshot of study and trials.
	err := s.update(ctx, func(tx *sql.Tx) error {
		if _, err := getStudy(ctx, tx, study); err != nil {
			return err
		}
		trials, err := scanTrials(ctx, tx, `SELECT data FROM trials WHERE study = ? ORDER BY id`, study)
		out = trials
		return err
	})
	if out == nil && err == nil {
		out = []store.Trial{}
	}
	return out, err
}

func scanTrials(ctx context.Context, q querier, query string, args ...any) ([]store.Trial, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Trial
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		t, err := decodeTrial(data)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *Store) Close() error {
	return s.db.Close()
}
