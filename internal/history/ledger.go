// Package history keeps an append-only record of resolved trials next to the
// shared store and renders it for people: a CSV table and a contour page.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cwbudde/pidtune/internal/store"
)

// FileName is the ledger file inside a study directory.
const FileName = "history.jsonl"

// Entry is one line of the ledger.
type Entry struct {
	Trial    store.Trial `json:"trial"`
	Recorded time.Time   `json:"recorded"`
}

// Ledger appends resolved trials to <dir>/<study>/history.jsonl.
//
// Several processes may append to the same ledger. Each entry is written
// with a single write call while holding an exclusive flock, so lines never
// interleave. Lines are never rewritten; a trial recorded twice is
// deduplicated on read.
type Ledger struct {
	path string
}

// Open returns the ledger for study under dir, creating the directory.
func Open(dir, study string) (*Ledger, error) {
	if err := store.ValidateName(study); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	studyDir := filepath.Join(dir, study)
	if err := os.MkdirAll(studyDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &Ledger{path: filepath.Join(studyDir, FileName)}, nil
}

// Path returns the filesystem path of the ledger.
func (l *Ledger) Path() string {
	return l.path
}

// Append records a resolved trial.
func (l *Ledger) Append(t store.Trial) error {
	if !t.Status.Terminal() {
		return fmt.Errorf("history: trial %d is %s, only resolved trials are recorded", t.ID, t.Status)
	}

	data, err := json.Marshal(Entry{Trial: t, Recorded: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	data = append(data, '\n')

	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open history file: %w", err)
	}
	defer file.Close()

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock history file: %w", err)
	}
	defer unix.Flock(int(file.Fd()), unix.LOCK_UN)

	// A crash mid-write leaves a line without its newline; start a fresh
	// line so the new entry is not glued onto it.
	torn, err := tornTail(file)
	if err != nil {
		return fmt.Errorf("failed to inspect history file: %w", err)
	}
	if torn {
		data = append([]byte{'\n'}, data...)
	}

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write history entry: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync history file: %w", err)
	}
	return nil
}

func tornTail(file *os.File) (bool, error) {
	info, err := file.Stat()
	if err != nil || info.Size() == 0 {
		return false, err
	}
	last := make([]byte, 1)
	if _, err := file.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// ReadAll returns the recorded trials ordered by id. A missing ledger is
// empty. When a trial appears more than once the first line wins.
func (l *Ledger) ReadAll() ([]store.Trial, error) {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer file.Close()

	if err := unix.Flock(int(file.Fd()), unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("failed to lock history file: %w", err)
	}
	defer unix.Flock(int(file.Fd()), unix.LOCK_UN)

	return Decode(file)
}

// Decode reads ledger lines from r. Lines that do not parse, such as a write
// torn by a crash, are logged and skipped.
func Decode(r io.Reader) ([]store.Trial, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	seen := make(map[int64]bool)
	var trials []store.Trial
	for line := 1; scanner.Scan(); line++ {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			slog.Warn("Skipping unreadable history line", "line", line, "error", err)
			continue
		}
		if seen[e.Trial.ID] {
			continue
		}
		seen[e.Trial.ID] = true
		trials = append(trials, e.Trial)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan history: %w", err)
	}

	sort.Slice(trials, func(i, j int) bool { return trials[i].ID < trials[j].ID })
	return trials, nil
}

// Delete removes the ledger. A missing ledger is not an error.
func (l *Ledger) Delete() error {
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete history file: %w", err)
	}
	return nil
}
