package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/pidtune/internal/space"
)

// NewToken returns a fresh claim token.
func NewToken() string {
	return uuid.NewString()
}

type memStudy struct {
	info   StudyInfo
	trials []*Trial
}

// MemoryStore keeps studies in process memory. Every primitive runs under a
// single mutex, which makes each one atomic.
type MemoryStore struct {
	mu      sync.RWMutex
	studies map[string]*memStudy
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{studies: make(map[string]*memStudy)}
}

func (m *MemoryStore) study(name string) (*memStudy, error) {
	if m.closed {
		return nil, Unavailable("memory", errClosed)
	}
	s, ok := m.studies[name]
	if !ok {
		return nil, &NotFoundError{Study: name}
	}
	return s, nil
}

func (s *memStudy) trial(id int64) (*Trial, error) {
	if id < 0 || id >= int64(len(s.trials)) {
		return nil, &NotFoundError{Study: s.info.Name, TrialID: id, Trial: true}
	}
	return s.trials[id], nil
}

func (s *memStudy) insert(params space.Vector, now time.Time) *Trial {
	t := &Trial{
		Study:   s.info.Name,
		ID:      int64(len(s.trials)),
		Params:  params.Clone(),
		Status:  StatusPending,
		Created: now,
	}
	s.trials = append(s.trials, t)
	return t
}

func (m *MemoryStore) CreateStudy(ctx context.Context, spec StudySpec) (StudyInfo, bool, error) {
	if err := spec.Validate(); err != nil {
		return StudyInfo{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return StudyInfo{}, false, Unavailable("memory", errClosed)
	}

	if s, ok := m.studies[spec.Name]; ok {
		if !s.info.Space.Equal(spec.Space) {
			return s.info, false, ErrSpaceMismatch
		}
		return s.info, false, nil
	}
	info := StudyInfo{
		Name:      spec.Name,
		Direction: spec.Direction,
		Space:     spec.Space,
		Created:   time.Now().UTC(),
	}
	m.studies[spec.Name] = &memStudy{info: info}
	return info, true, nil
}

func (m *MemoryStore) GetStudy(ctx context.Context, name string) (StudyInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.study(name)
	if err != nil {
		return StudyInfo{}, err
	}
	return s.info, nil
}

func (m *MemoryStore) ListStudies(ctx context.Context) ([]StudyInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, Unavailable("memory", errClosed)
	}
	infos := make([]StudyInfo, 0, len(m.studies))
	for _, s := range m.studies {
		infos = append(infos, s.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (m *MemoryStore) DeleteStudy(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.study(name); err != nil {
		return err
	}
	delete(m.studies, name)
	return nil
}

func (m *MemoryStore) Enqueue(ctx context.Context, study string, params space.Vector) (Trial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.study(study)
	if err != nil {
		return Trial{}, err
	}
	if err := s.info.Space.Validate(params); err != nil {
		return Trial{}, err
	}
	return s.insert(params, time.Now().UTC()).Clone(), nil
}

func (m *MemoryStore) ClaimNext(ctx context.Context, study string, claim Claim) (Trial, error) {
	if err := claim.Validate(); err != nil {
		return Trial{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.study(study)
	if err != nil {
		return Trial{}, err
	}
	for _, t := range s.trials {
		if t.Status == StatusPending {
			Start(t, claim, NewToken(), time.Now().UTC())
			return t.Clone(), nil
		}
	}
	return Trial{}, ErrNoPendingTrial
}

func (m *MemoryStore) CreateClaimed(ctx context.Context, study string, params space.Vector, claim Claim) (Trial, error) {
	if err := claim.Validate(); err != nil {
		return Trial{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.study(study)
	if err != nil {
		return Trial{}, err
	}
	if err := s.info.Space.Validate(params); err != nil {
		return Trial{}, err
	}
	now := time.Now().UTC()
	t := s.insert(params, now)
	Start(t, claim, NewToken(), now)
	return t.Clone(), nil
}

func (m *MemoryStore) Heartbeat(ctx context.Context, study string, id int64, token string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.study(study)
	if err != nil {
		return err
	}
	t, err := s.trial(id)
	if err != nil {
		return err
	}
	return Extend(t, token, lease, time.Now().UTC())
}

func (m *MemoryStore) Commit(ctx context.Context, study string, id int64, outcome Outcome) (Trial, bool, error) {
	if err := outcome.Validate(); err != nil {
		return Trial{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.study(study)
	if err != nil {
		return Trial{}, false, err
	}
	t, err := s.trial(id)
	if err != nil {
		return Trial{}, false, err
	}
	applied := Resolve(t, outcome, time.Now().UTC())
	return t.Clone(), applied, nil
}

func (m *MemoryStore) ReclaimExpired(ctx context.Context, study string, now time.Time, maxClaims int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.study(study)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range s.trials {
		if Reclaim(t, now, maxClaims) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ReadAll(ctx context.Context, study string) ([]Trial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.study(study)
	if err != nil {
		return nil, err
	}
	out := make([]Trial, len(s.trials))
	for i, t := range s.trials {
		out[i] = t.Clone()
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Unavailable("memory", errClosed)
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
