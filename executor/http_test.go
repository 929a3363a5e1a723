package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPExecutorSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req executeRequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []byte("hello"), req.Payload)
		json.NewEncoder(w).Encode(executeResponseBody{ResultBytes: []byte("world"), TokensUsed: 9})
	}))
	defer srv.Close()

	exec, err := NewHTTPExecutor(map[string]string{"e1": srv.URL})
	require.NoError(t, err)

	res, err := exec.Execute(context.Background(), "e1", []byte("hello"), 100, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), res.ResultBytes)
	assert.Equal(t, int64(9), res.TokensUsed)
}

func TestHTTPExecutorUnknownEndpoint(t *testing.T) {
	exec, err := NewHTTPExecutor(map[string]string{})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), "missing", nil, 0, 0)
	assert.Error(t, err)
}

func TestHTTPExecutorNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	exec, err := NewHTTPExecutor(map[string]string{"e1": srv.URL})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), "e1", nil, 0, 0)
	assert.Error(t, err)
}

func TestHTTPExecutorRespectsContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(executeResponseBody{})
	}))
	defer srv.Close()

	exec, err := NewHTTPExecutor(map[string]string{"e1": srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err = exec.Execute(ctx, "e1", nil, 0, 0)
	assert.Error(t, err)
}

func TestInvalidBaseURLRejected(t *testing.T) {
	_, err := NewHTTPExecutor(map[string]string{"e1": "not-a-url"})
	assert.Error(t, err)
}
