package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/ratelimit"
	"github.com/ashita-ai/kokoro/internal/testutil"
)

func TestRateLimitMiddleware(t *testing.T) {
	// One token per second with a burst of 2: the first two rapid requests
	// pass, the third is rejected until tokens refill.
	limiter := ratelimit.NewMemoryLimiter(time.Second, 2)
	defer func() { _ = limiter.Close() }()

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := requestIDMiddleware(ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}, testutil.TestLogger())(inner))

	for i := range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/modules", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		handler.ServeHTTP(rec, req)

		if i < 2 {
			assert.Equal(t, http.StatusOK, rec.Code, "request %d within burst", i+1)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, "request %d over burst", i+1)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))

		var apiErr model.APIError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
		assert.Equal(t, model.ErrCodeRateLimited, apiErr.Error.Code)
		assert.Equal(t, rec.Header().Get("X-Request-ID"), apiErr.Meta.RequestID)
	}
}

func TestRateLimitMiddleware_DifferentIPs(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(time.Second, 1)
	defer func() { _ = limiter.Close() }()

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, nil, testutil.TestLogger())(inner)

	send := func(addr string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/path", nil)
		req.RemoteAddr = addr
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1000"), "separate bucket per IP")
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := requestIDMiddleware(recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/turns", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeInternalError, apiErr.Error.Code)
	assert.NotEmpty(t, apiErr.Meta.RequestID)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	handler.ServeHTTP(rec, req)
	assert.Len(t, seen, 36, "oversized ids are replaced with a uuid")
}

func TestStatusWriterKeepsFirstCode(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	_, _ = w.Write([]byte("ok"))
	w.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusOK, w.statusCode)
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "valid", input: `{"name":"a"}`},
		{name: "empty", input: ``, wantErr: "empty"},
		{name: "unknown field", input: `{"other":1}`, wantErr: "unknown field"},
		{name: "trailing object", input: `{"name":"a"}{"name":"b"}`, wantErr: "single JSON object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.input))
			var got body
			err := decodeJSON(httptest.NewRecorder(), req, &got, 1024)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, "a", got.Name)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
