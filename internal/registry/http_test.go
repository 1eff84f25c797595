package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewHTTPClient(srv.URL, WithTimeout(200*time.Millisecond), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return client
}

func TestNewHTTPClient_RequiresURL(t *testing.T) {
	_, err := NewHTTPClient("")
	require.Error(t, err)
}

func TestHTTPClient_Lookup(t *testing.T) {
	t.Run("2xx returns raw body as payload", func(t *testing.T) {
		var got lookupRequest
		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, lookupPath, r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name":"Alice","valid":true}`))
		})

		res, err := client.Lookup(context.Background(), "19850101-1234")
		require.NoError(t, err)
		assert.Equal(t, "19850101-1234", got.LookupKey)
		assert.JSONEq(t, `{"name":"Alice","valid":true}`, string(res.Payload))
		assert.Equal(t, http.StatusOK, res.StatusCode)
	})

	statusCases := []struct {
		name      string
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{"bad request is invalid key", http.StatusBadRequest, KindInvalidKey, false},
		{"not found is invalid key", http.StatusNotFound, KindInvalidKey, false},
		{"unprocessable is invalid key", http.StatusUnprocessableEntity, KindInvalidKey, false},
		{"too many requests is upstream", http.StatusTooManyRequests, KindUpstream, true},
		{"server error is upstream", http.StatusInternalServerError, KindUpstream, true},
		{"unavailable is upstream", http.StatusServiceUnavailable, KindUpstream, true},
	}
	for _, tc := range statusCases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			})

			res, err := client.Lookup(context.Background(), "key")
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tc.kind, KindOf(err))
			assert.Equal(t, tc.retryable, IsRetryable(err))
			assert.Equal(t, tc.status, StatusCodeOf(err))
		})
	}

	t.Run("payload at the size limit is kept whole", func(t *testing.T) {
		body := bytes.Repeat([]byte("a"), maxBodyBytes)
		client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write(body)
		})
		client.timeout = 5 * time.Second

		res, err := client.Lookup(context.Background(), "key")
		require.NoError(t, err)
		assert.Len(t, res.Payload, maxBodyBytes)
	})

	t.Run("oversized payload is an error, not a truncated result", func(t *testing.T) {
		body := bytes.Repeat([]byte("a"), maxBodyBytes+1024)
		client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write(body)
		})
		client.timeout = 5 * time.Second

		res, err := client.Lookup(context.Background(), "key")
		require.Error(t, err)
		assert.Nil(t, res)
		assert.Equal(t, KindUpstream, KindOf(err))
		assert.Equal(t, http.StatusOK, StatusCodeOf(err))
		assert.Contains(t, err.Error(), "too large")
	})

	t.Run("slow registry is a timeout", func(t *testing.T) {
		release := make(chan struct{})
		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		})
		defer close(release)

		_, err := client.Lookup(context.Background(), "key")
		require.Error(t, err)
		assert.Equal(t, KindTimeout, KindOf(err))
		assert.True(t, IsRetryable(err))
	})

	t.Run("unreachable registry is a network error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		client, err := NewHTTPClient(url, WithTimeout(time.Second))
		require.NoError(t, err)

		_, err = client.Lookup(context.Background(), "key")
		require.Error(t, err)
		assert.Equal(t, KindNetwork, KindOf(err))
		assert.True(t, IsRetryable(err))
	})
}

func TestError_Helpers(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), NewInvalidKey(404, "gone"))
	assert.False(t, IsRetryable(wrapped))
	assert.Equal(t, KindInvalidKey, KindOf(wrapped))
	assert.Contains(t, wrapped.Error(), "status 404")

	assert.True(t, IsRetryable(errors.New("plain")))
	assert.Equal(t, KindNetwork, KindOf(errors.New("plain")))
	assert.False(t, NewInvalidKey(400, "").CountsAgainstBreaker())
	assert.True(t, NewTimeout(context.DeadlineExceeded).CountsAgainstBreaker())
}

func TestSignalsOverload(t *testing.T) {
	assert.True(t, SignalsOverload(NewTimeout(context.DeadlineExceeded)))
	assert.True(t, SignalsOverload(fmt.Errorf("lookup: %w", NewUpstream(http.StatusTooManyRequests, "slow down"))))
	assert.False(t, SignalsOverload(NewUpstream(http.StatusServiceUnavailable, "maintenance")))
	assert.False(t, SignalsOverload(NewNetwork(errors.New("reset"))))
	assert.False(t, SignalsOverload(errors.New("plain")))
}
