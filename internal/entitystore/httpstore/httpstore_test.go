package httpstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arke-labs/klados-cluster/internal/entity"
	"github.com/arke-labs/klados-cluster/internal/entitystore"
)

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestStore_Get_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/entities/e1", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(entity.Entity{ID: "e1", Type: "whale"})
	}))
	defer srv.Close()

	s := New(srv.URL, "secret", fastRetry(), nil)
	e, err := s.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", e.ID)
	assert.Equal(t, "whale", e.Type)
}

func TestStore_Get_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := New(srv.URL, "secret", fastRetry(), nil)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, entitystore.ErrNotFound)
}

func TestStore_CreateWithRelationships_ReturnsID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/entities", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "new-id"})
	}))
	defer srv.Close()

	s := New(srv.URL, "secret", fastRetry(), nil)
	id, err := s.CreateWithRelationships(context.Background(), entity.Entity{Type: "whale"})
	require.NoError(t, err)
	assert.Equal(t, "new-id", id)
}

func TestStore_DoJSON_RetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(entity.Entity{ID: "e1"})
	}))
	defer srv.Close()

	s := New(srv.URL, "secret", fastRetry(), nil)
	e, err := s.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", e.ID)
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestStore_DoJSON_ExhaustsRetriesReturnsTransientError(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := New(srv.URL, "secret", fastRetry(), nil)
	_, err := s.Get(context.Background(), "e1")
	require.Error(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestStore_ByLayer_EncodesQueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/entities/by-layer", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("layer"))
		assert.Equal(t, "whale", r.URL.Query().Get("type"))
		_ = json.NewEncoder(w).Encode([]string{"a", "b"})
	}))
	defer srv.Close()

	s := New(srv.URL, "secret", fastRetry(), nil)
	ids, err := s.ByLayer(context.Background(), 2, "whale")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestStore_ReassignSummarizedBy_SendsEmptyNewLeaderID(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := New(srv.URL, "secret", fastRetry(), nil)
	err := s.ReassignSummarizedBy(context.Background(), "e1", "")
	require.NoError(t, err)
	assert.Equal(t, "", body["new_leader_id"])
}

func TestStore_ClientError_NotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad input"))
	}))
	defer srv.Close()

	s := New(srv.URL, "secret", fastRetry(), nil)
	_, err := s.Get(context.Background(), "e1")
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}
