package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/pidtune/internal/space"
	"github.com/cwbudde/pidtune/internal/store"
	"github.com/cwbudde/pidtune/internal/store/storetest"
)

func TestSQLStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "studies.db"))
		require.NoError(t, err)
		return s
	})
}

func TestSQLStore_SharedFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "studies.db")

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	_, created, err := a.CreateStudy(ctx, storetest.Spec("tank1"))
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = b.CreateStudy(ctx, storetest.Spec("tank1"))
	require.NoError(t, err)
	assert.False(t, created, "second handle sees the study")

	tr, err := a.CreateClaimed(ctx, "tank1", space.Vector{"KC": 0.2, "KI": 0.01}, store.Claim{Worker: "a", Lease: time.Minute})
	require.NoError(t, err)
	_, applied, err := b.Commit(ctx, "tank1", tr.ID, store.Complete(3.5, ""))
	require.NoError(t, err)
	assert.True(t, applied)

	trials, err := a.ReadAll(ctx, "tank1")
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, store.StatusComplete, trials[0].Status)
	assert.Equal(t, 3.5, trials[0].Value())
}

func TestSQLStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "studies.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, _, err = s.CreateStudy(ctx, storetest.Spec("tank1"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Enqueue(ctx, "tank1", space.Vector{"KC": 0.1, "KI": 0.01})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	info, err := s.GetStudy(ctx, "tank1")
	require.NoError(t, err)
	assert.True(t, info.Space.Equal(space.DefaultPI()))

	tr, err := s.Enqueue(ctx, "tank1", space.Vector{"KC": 0.1, "KI": 0.01})
	require.NoError(t, err)
	assert.Equal(t, int64(3), tr.ID, "ids continue after reopen")
}
