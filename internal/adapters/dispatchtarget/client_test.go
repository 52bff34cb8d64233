package dispatchtarget

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/outbound-dispatch/config"
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

func defaultConfig(baseURL string) config.DispatchTargetConfig {
	return config.DispatchTargetConfig{
		BaseURL:         baseURL,
		Path:            "/calls",
		Timeout:         5 * time.Second,
		SIDExpr:         "sid",
		StatusExpr:      "status",
		DurationExpr:    "duration",
		PriceExpr:       "price",
		DirectionExpr:   "direction",
		StartTimeExpr:   "start_time",
		EndTimeExpr:     "end_time",
		DateCreatedExpr: "date_created",
	}
}

func sampleRequest() model.DispatchRequest {
	return model.DispatchRequest{
		JobID:      "job-1",
		Channel:    "+15550001",
		Agent:      "agent-1",
		To:         "+15550002",
		PreContext: map[string]any{"first_name": "Ada"},
	}
}

func TestClient_DispatchMapsResponse(t *testing.T) {
	var got model.DispatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/calls", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"sid": "CA123",
			"status": "queued",
			"duration": 42,
			"price": "-0.013",
			"direction": "outbound-api",
			"date_created": "Wed, 01 Jan 2030 12:00:00 +0000",
			"start_time": "2030-01-01T12:00:05Z"
		}`)
	}))
	defer srv.Close()

	c, err := New(Options{Config: defaultConfig(srv.URL)})
	require.NoError(t, err)

	desc, err := c.Dispatch(t.Context(), sampleRequest())
	require.NoError(t, err)

	assert.Equal(t, "+15550002", got.To)
	assert.Equal(t, "Ada", got.PreContext["first_name"])

	assert.Equal(t, "CA123", desc.SID)
	assert.Equal(t, "queued", desc.Status)
	assert.Equal(t, "42", desc.Duration)
	assert.Equal(t, "-0.013", desc.Price)
	assert.Equal(t, "outbound-api", desc.Direction)
	require.NotNil(t, desc.DateCreated)
	assert.True(t, desc.DateCreated.Equal(time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)))
	require.NotNil(t, desc.StartTime)
	assert.Nil(t, desc.EndTime)
}

func TestClient_NestedExpressions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"call":{"id":"CA9","state":"ringing"}}}`)
	}))
	defer srv.Close()

	cfg := defaultConfig(srv.URL)
	cfg.SIDExpr = "data.call.id"
	cfg.StatusExpr = "data.call.state"

	c, err := New(Options{Config: cfg})
	require.NoError(t, err)

	desc, err := c.Dispatch(t.Context(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "CA9", desc.SID)
	assert.Equal(t, "ringing", desc.Status)
	assert.Empty(t, desc.Price)
}

func TestClient_StatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{name: "server error", status: http.StatusBadGateway, retryable: true},
		{name: "rate limited", status: http.StatusTooManyRequests, retryable: true},
		{name: "bad request", status: http.StatusBadRequest, retryable: false},
		{name: "unauthorized", status: http.StatusUnauthorized, retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"message":"nope"}`)
			}))
			defer srv.Close()

			c := MustNew(Options{Config: defaultConfig(srv.URL)})
			_, err := c.Dispatch(t.Context(), sampleRequest())
			require.Error(t, err)
			assert.True(t, apperrors.IsDispatchTarget(err))
			assert.Equal(t, tt.retryable, apperrors.IsRetryable(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestClient_MissingSID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"status":"queued"}`)
	}))
	defer srv.Close()

	c := MustNew(Options{Config: defaultConfig(srv.URL)})
	_, err := c.Dispatch(t.Context(), sampleRequest())
	require.Error(t, err)
	assert.True(t, apperrors.IsDispatchTarget(err))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestClient_UnreachableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := MustNew(Options{Config: defaultConfig(url)})
	_, err := c.Dispatch(t.Context(), sampleRequest())
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestClient_ClientCredentials(t *testing.T) {
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "calls.write", r.PostForm.Get("scope"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/calls", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"sid":"CA1","status":"queued"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := defaultConfig(srv.URL)
	cfg.TokenURL = srv.URL + "/oauth/token"
	cfg.ClientID = "dispatcher"
	cfg.ClientSecret = "secret"
	cfg.Scopes = []string{"calls.write"}

	c, err := New(Options{Config: cfg})
	require.NoError(t, err)

	for range 2 {
		desc, err := c.Dispatch(t.Context(), sampleRequest())
		require.NoError(t, err)
		assert.Equal(t, "CA1", desc.SID)
	}
	assert.Equal(t, int32(1), tokenCalls.Load(), "token should be cached between calls")
}

func TestNew_RejectsBadExpressions(t *testing.T) {
	cfg := defaultConfig("http://localhost")
	cfg.StatusExpr = "data.[["
	_, err := New(Options{Config: cfg})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "status"))

	cfg = defaultConfig("http://localhost")
	cfg.SIDExpr = ""
	_, err = New(Options{Config: cfg})
	require.Error(t, err)

	cfg = defaultConfig("")
	_, err = New(Options{Config: cfg})
	require.Error(t, err)
}
