package remote_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/pidtune/internal/server"
	"github.com/cwbudde/pidtune/internal/space"
	"github.com/cwbudde/pidtune/internal/store"
	"github.com/cwbudde/pidtune/internal/store/remote"
	"github.com/cwbudde/pidtune/internal/store/storetest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// serve starts a store server on a fresh memory store and returns a client
// for it.
func serve(t *testing.T) *remote.Client {
	t.Helper()
	ts := httptest.NewServer(server.NewServer(store.NewMemoryStore(), "").Handler())
	t.Cleanup(ts.Close)
	c, err := remote.New(ts.URL, nil)
	require.NoError(t, err)
	return c
}

func TestClient(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return serve(t)
	})
}

func TestClient_ErrorsMatchSentinels(t *testing.T) {
	c := serve(t)
	ctx := context.Background()

	_, err := c.GetStudy(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = c.CreateStudy(ctx, storetest.Spec("tank1"))
	require.NoError(t, err)

	_, err = c.ClaimNext(ctx, "tank1", store.Claim{Worker: "w", Lease: time.Minute})
	assert.ErrorIs(t, err, store.ErrNoPendingTrial)

	_, err = c.Enqueue(ctx, "tank1", space.Vector{"KC": 7, "KI": 0.01})
	assert.ErrorIs(t, err, space.ErrOutOfBounds)

	var rerr *remote.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusUnprocessableEntity, rerr.Status)
}

func TestClient_Unavailable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := remote.New(url, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Ping(context.Background()), store.ErrStorageUnavailable)

	_, err = remote.New("ftp://example.com", nil)
	assert.ErrorIs(t, err, store.ErrStorageUnavailable)
}

func TestClient_PlainServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	c, err := remote.New(ts.URL, nil)
	require.NoError(t, err)
	_, err = c.ListStudies(context.Background())
	assert.ErrorIs(t, err, store.ErrStorageUnavailable)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&store.NotFoundError{Study: "x"}, http.StatusNotFound, remote.CodeNotFound},
		{store.ErrNoPendingTrial, http.StatusNotFound, remote.CodeNoPending},
		{store.ErrSpaceMismatch, http.StatusConflict, remote.CodeSpaceMismatch},
		{store.Unavailable("sqlite", context.DeadlineExceeded), http.StatusServiceUnavailable, remote.CodeUnavailable},
		{&store.ValidationError{Field: "Name", Reason: "cannot be empty"}, http.StatusBadRequest, remote.CodeInvalid},
		{context.Canceled, http.StatusInternalServerError, remote.CodeInternal},
	}
	for _, tt := range tests {
		status, code := remote.Classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
