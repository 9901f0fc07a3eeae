// Package storetest holds the behavioural contract every store backend must
// satisfy. Backends call Run from their own tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/pidtune/internal/space"
	"github.com/cwbudde/pidtune/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Spec returns the study spec used throughout the suite.
func Spec(name string) store.StudySpec {
	return store.StudySpec{Name: name, Direction: store.Minimize, Space: space.DefaultPI()}
}

var claimA = store.Claim{Worker: "worker-a", Lease: time.Minute}

// Run executes the full conformance suite against the backend.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateStudyIsIdempotent", testCreateStudyIdempotent},
		{"CreateStudyConcurrent", testCreateStudyConcurrent},
		{"SpaceMismatch", testSpaceMismatch},
		{"EnqueueAndClaim", testEnqueueAndClaim},
		{"EnqueueRejectsOutOfBounds", testEnqueueOutOfBounds},
		{"ConcurrentClaimsAreUnique", testConcurrentClaims},
		{"ConcurrentCreateClaimed", testConcurrentCreateClaimed},
		{"CommitIsIdempotent", testCommitIdempotent},
		{"HeartbeatStaleToken", testHeartbeat},
		{"ReclaimExpired", testReclaimExpired},
		{"ReclaimFailsExhaustedTrial", testReclaimMaxClaims},
		{"ListAndDelete", testListAndDelete},
		{"NotFound", testNotFound},
		{"StudiesAreIsolated", testStudiesIsolated},
		{"RejectsUnsafeNames", testUnsafeNames},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func testCreateStudyIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()

	info, created, err := s.CreateStudy(ctx, Spec("tank1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "tank1", info.Name)
	assert.True(t, info.Space.Equal(space.DefaultPI()))

	again, created, err := s.CreateStudy(ctx, Spec("tank1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, info.Name, again.Name)
}

func testCreateStudyConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, c, err := s.CreateStudy(ctx, Spec("shared"))
			assert.NoError(t, err)
			if c {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created, "exactly one caller creates the study")
}

func testSpaceMismatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, err := s.CreateStudy(ctx, Spec("tank1"))
	require.NoError(t, err)

	other := Spec("tank1")
	other.Space.Dims[0].High = 2
	_, _, err = s.CreateStudy(ctx, other)
	assert.ErrorIs(t, err, store.ErrSpaceMismatch)
}

func testEnqueueAndClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, err := s.CreateStudy(ctx, Spec("tank1"))
	require.NoError(t, err)

	first, err := s.Enqueue(ctx, "tank1", space.Vector{"KC": 0.2, "KI": 0.01})
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, "tank1", space.Vector{"KC": 0.3, "KI": 0.02})
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.ID)
	assert.Equal(t, int64(1), second.ID)
	assert.Equal(t, store.StatusPending, first.Status)

	claimed, err := s.ClaimNext(ctx, "tank1", claimA)
	require.NoError(t, err)
	assert.Equal(t, int64(0), claimed.ID, "oldest pending trial first")
	assert.Equal(t, store.StatusRunning, claimed.Status)
	assert.Equal(t, "worker-a", claimed.Worker)
	assert.NotEmpty(t, claimed.ClaimToken)
	assert.Equal(t, 1, claimed.Claims)
	require.NotNil(t, claimed.LeaseExpires)
	assert.InDelta(t, 0.2, claimed.Params["KC"], 1e-12)

	_, err = s.ClaimNext(ctx, "tank1", claimA)
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, "tank1", claimA)
	assert.ErrorIs(t, err, store.ErrNoPendingTrial)

	trials, err := s.ReadAll(ctx, "tank1")
	require.NoError(t, err)
	require.Len(t, trials, 2)
	for i, tr := range trials {
		assert.Equal(t, int64(i), tr.ID)
		assert.Equal(t, store.StatusRunning, tr.Status)
	}
}

func testEnqueueOutOfBounds(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, err := s.CreateStudy(ctx, Spec("tank1"))
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, "tank1", space.Vector{"KC": 9, "KI": 0.01})
	assert.ErrorIs(t, err, space.ErrOutOfBounds)

	_, err = s.CreateClaimed(ctx, "tank1", space.Vector{"KC": 0.2}, claimA)
	assert.ErrorIs(t, err, space.ErrOutOfBounds)
}

func testConcurrentClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, err := s.CreateStudy(ctx, Spec("tank1"))
	require.NoError(t, err)

	const n = 24
	for i := 0; i < n; i++ {
		_, err := s.Enqueue(ctx, "tank1", space.Vector{"KC": 0.1, "KI": 0.01})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[int64]string)
	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				tr, err := s.ClaimNext(ctx, "tank1", store.Claim{Worker: worker, Lease: time.Minute})
				if err != nil {
					assert.ErrorIs(t, err, store.ErrNoPendingTrial)
					return
				}
				mu.Lock()
				if prev, dup := seen[tr.ID]; dup {
					t.Errorf("trial %d claimed by %s and %s", tr.ID, prev, worker)
				}
				seen[tr.ID] = worker
				mu.Unlock()
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func testConcurrentCreateClaimed(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, err := s.CreateStudy(ctx, Spec("tank1"))
	require.NoError(t, err)

	const workers, each = 6, 4
	var mu sync.Mutex
	ids := make(map[int64]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				tr, err := s.CreateClaimed(ctx, "tank1", space.Vector{"KC": 0.2, "KI": 0.01}, claimA)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, store.StatusRunning, tr.Status)
				mu.Lock()
				assert.False(t, ids[tr.ID], "duplicate id %d", tr.ID)
				ids[tr.ID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, ids, workers*each)
	for id := int64(0); id < workers*each; id++ {
		assert.True(t, ids[id], "ids are dense from zero, missing %d", id)
	}
}

func testCommitIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, err := s.CreateStudy(ctx, Spec("tank1"))
	require.NoError(t, err)
	tr, err := s.CreateClaimed(ctx, "tank1", space.Vector{"KC": 0.2, "KI": 0.01}, claimA)
	require.NoError(t, err)

	done, applied, err := s.Commit(ctx, "tank1", tr.ID, store.Complete(1.5, "a.csv"))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, store.StatusComplete, done.Status)
	require.NotNil(t, done.Objective)
	assert.Equal(t, 1.5, *done.Objective)
	assert.NotNil(t, done.Completed)
	assert.Nil(t, done.LeaseExpires)

	again, applied, err := s.Commit(ctx, "tank1", tr.ID, store.Failed("late duplicate"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, store.StatusComplete, again.Status)
	assert.Equal(t, 1.5, *again.Objective)
	assert.Empty(t, again.FailReason)

	_, _, err = s.Commit(ctx, "tank1", tr.ID, store.Outcome{Status: store.StatusRunning})
	assert.Error(t, err)
}

func testHeartbeat(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, err := s.CreateStudy(ctx, Spec("tank1"))
	require.NoError(t, err)
	tr, err := s.CreateClaimed(ctx, "tank1", space.Vector{"KC": 0.2, "KI": 0.01}, claimA)
	require.NoError(t, err)

	require.NoError(t, s.Heartbeat(ctx, "tank1", tr.ID, tr.ClaimToken, time.Hour))
	trials, err := s.ReadAll(ctx, "tank1")
	require.NoError(t, err)
	require.NotNil(t, trials[0].LeaseExpires)
	assert.True(t, trials[0].LeaseExpires.After(time.Now().Add(30*time.Minute)))

	err = s.Heartbeat(ctx, "tank1", tr.ID, "not-the-token", time.Hour)
	assert.ErrorIs(t, err, store.ErrStaleClaim)

	_, _, err = s.Commit(ctx, "tank1", tr.ID, store.Complete(0, ""))
	require.NoError(t, err)
	err = s.Heartbeat(ctx, "tank1", tr.ID, tr.ClaimToken, time.Hour)
	assert.ErrorIs(t, err, store.ErrStaleClaim)
}

func testReclaimExpired(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, err := s.CreateStudy(ctx, Spec("tank1"))
	require.NoError(t, err)
	orphan, err := s.CreateClaimed(ctx, "tank1", space.Vector{"KC": 0.2, "KI": 0.01}, claimA)
	require.NoError(t, err)

	n, err := s.ReclaimExpired(ctx, "tank1", time.Now(), 3)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "live lease is not reclaimed")

	n, err = s.ReclaimExpired(ctx, "tank1", time.Now().Add(2*time.Minute), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, err := s.ClaimNext(ctx, "tank1", store.Claim{Worker: "worker-b", Lease: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, orphan.ID, reclaimed.ID)
	assert.Equal(t, "worker-b", reclaimed.Worker)
	assert.Equal(t, 2, reclaimed.Claims)
	assert.NotEqual(t, orphan.ClaimToken, reclaimed.ClaimToken)

	err = s.Heartbeat(ctx, "tank1", orphan.ID, orphan.ClaimToken, time.Minute)
	assert.ErrorIs(t, err, store.ErrStaleClaim)
}

func testReclaimMaxClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, err := s.CreateStudy(ctx, Spec("tank1"))
	require.NoError(t, err)
	_, err = s.CreateClaimed(ctx, "tank1", space.Vector{"KC": 0.2, "KI": 0.01}, claimA)
	require.NoError(t, err)

	n, err := s.ReclaimExpired(ctx, "tank1", time.Now().Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trials, err := s.ReadAll(ctx, "tank1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, trials[0].Status)
	assert.Equal(t, store.LostReason, trials[0].FailReason)
}

func testListAndDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, name := range []string{"b", "a"} {
		_, _, err := s.CreateStudy(ctx, Spec(name))
		require.NoError(t, err)
	}
	_, err := s.Enqueue(ctx, "a", space.Vector{"KC": 0.2, "KI": 0.01})
	require.NoError(t, err)

	infos, err := s.ListStudies(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Name)
	assert.Equal(t, "b", infos[1].Name)

	require.NoError(t, s.DeleteStudy(ctx, "a"))
	_, err = s.GetStudy(ctx, "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.ReadAll(ctx, "a")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, created, err := s.CreateStudy(ctx, Spec("a"))
	require.NoError(t, err)
	assert.True(t, created)
	trials, err := s.ReadAll(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, trials, "recreated study starts empty")
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetStudy(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Enqueue(ctx, "missing", space.Vector{"KC": 0.2, "KI": 0.01})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteStudy(ctx, "missing"), store.ErrNotFound)

	_, _, err = s.CreateStudy(ctx, Spec("tank1"))
	require.NoError(t, err)
	_, _, err = s.Commit(ctx, "tank1", 42, store.Complete(1, ""))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.Heartbeat(ctx, "tank1", 42, "x", time.Minute), store.ErrNotFound)
}

func testStudiesIsolated(t *testing.T, s store.Store) {
	ctx := context.Background()
	siblings := []string{"a.b", "ab", "a-1"}
	for _, name := range append([]string{"a"}, siblings...) {
		_, _, err := s.CreateStudy(ctx, Spec(name))
		require.NoError(t, err)
	}
	for _, name := range siblings {
		_, err := s.Enqueue(ctx, name, space.Vector{"KC": 0.2, "KI": 0.01})
		require.NoError(t, err)
	}

	trials, err := s.ReadAll(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, trials)
	_, err = s.ClaimNext(ctx, "a", claimA)
	assert.ErrorIs(t, err, store.ErrNoPendingTrial)

	require.NoError(t, s.DeleteStudy(ctx, "a"))
	for _, name := range siblings {
		trials, err := s.ReadAll(ctx, name)
		require.NoError(t, err)
		require.Len(t, trials, 1, name)
		assert.Equal(t, name, trials[0].Study)
		assert.Equal(t, store.StatusPending, trials[0].Status)
	}
}

func testUnsafeNames(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, err := s.CreateStudy(ctx, Spec("a"))
	require.NoError(t, err)

	for _, name := range []string{"", ".", "..", "a/b", "../etc", ".hidden", "a b", "a\\b"} {
		_, _, err := s.CreateStudy(ctx, Spec(name))
		var verr *store.ValidationError
		assert.ErrorAs(t, err, &verr, "%q", name)
	}
	infos, err := s.ListStudies(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}
