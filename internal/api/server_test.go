package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-search-gateway/internal/config"
	"github.com/JakeFAU/product-search-gateway/internal/policy/ratelimit"
	"github.com/JakeFAU/product-search-gateway/internal/search"
	"github.com/JakeFAU/product-search-gateway/internal/storage/memory"
)

type fakeInvoker struct {
	mu      sync.Mutex
	calls   []search.Request
	ctxErrs []error
	outcome func(req search.Request) search.Outcome
}

func (f *fakeInvoker) Invoke(ctx context.Context, req search.Request) search.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()
	if f.outcome == nil {
		return search.Success(req.ID, json.RawMessage(`[]`))
	}
	return f.outcome(req)
}

func (f *fakeInvoker) Calls() []search.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]search.Request(nil), f.calls...)
}

type counterIDs struct{ n atomic.Int64 }

func (c *counterIDs) NewID() (string, error) {
	return fmt.Sprintf("req_test_%d", c.n.Add(1)), nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2025, 3, 14, 9, 26, 53, 589000000, time.UTC)

func testConfig() config.Config {
	return config.Config{
		Environment: config.EnvProduction,
		Limits: config.LimitsConfig{
			MaxQueryLength: 64,
			MaxBodyBytes:   1 << 10,
		},
	}
}

func newTestServer(t *testing.T, inv search.Invoker, cfg config.Config, opts ...Option) *Server {
	t.Helper()
	return NewServer(inv, &counterIDs{}, fixedClock{now: testNow}, cfg, zap.NewNop(), opts...)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSearch_Success(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{outcome: func(req search.Request) search.Outcome {
		return search.Success(req.ID, json.RawMessage(`[{"title":"a"},{"title":"b"}]`))
	}}
	srv := newTestServer(t, inv, testConfig())

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/search", `{"query":"  iphone 15  "}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "req_test_1", rec.Header().Get("X-Request-ID"))

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "  iphone 15  ", body["query"])
	assert.EqualValues(t, 2, body["count"])
	assert.Equal(t, "req_test_1", body["requestId"])
	assert.Equal(t, "2025-03-14T09:26:53.589Z", body["timestamp"])
	assert.Len(t, body["data"], 2)

	calls := inv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "req_test_1", calls[0].ID)
	assert.Equal(t, "  iphone 15  ", calls[0].Query)
	assert.Equal(t, testNow, calls[0].ReceivedAt)
}

func TestSearch_ObjectPayloadCountsAsOne(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{outcome: func(req search.Request) search.Outcome {
		return search.Success(req.ID, json.RawMessage(`{"best":"shop"}`))
	}}
	srv := newTestServer(t, inv, testConfig())

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/search", `{"query":"tv"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, map[string]any{"best": "shop"}, body["data"])
}

func TestSearch_RejectsInvalidQueryBeforeInvoking(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{name: "missing", body: `{}`, status: http.StatusBadRequest, message: msgQueryRequired},
		{name: "empty", body: `{"query":""}`, status: http.StatusBadRequest, message: msgQueryRequired},
		{name: "whitespace", body: `{"query":" \t\n "}`, status: http.StatusBadRequest, message: msgQueryRequired},
		{name: "number", body: `{"query":42}`, status: http.StatusBadRequest, message: msgQueryRequired},
		{name: "array", body: `{"query":["a"]}`, status: http.StatusBadRequest, message: msgQueryRequired},
		{name: "malformed", body: `{"query":`, status: http.StatusBadRequest, message: msgQueryRequired},
		{name: "too long", body: `{"query":"` + strings.Repeat("x", 65) + `"}`, status: http.StatusBadRequest, message: "Query parameter exceeds maximum length"},
		{name: "body too large", body: `{"query":"` + strings.Repeat("x", 2048) + `"}`, status: http.StatusRequestEntityTooLarge, message: "request body too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inv := &fakeInvoker{}
			srv := newTestServer(t, inv, testConfig())

			rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/search", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decodeBody(t, rec)
			assert.Equal(t, tt.message, body["error"])
			assert.Equal(t, "req_test_1", body["requestId"])
			assert.Empty(t, inv.Calls())
		})
	}
}

func TestSearch_FailureHidesDetailsOutsideDevelopment(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{outcome: func(req search.Request) search.Outcome {
		return search.Failed(req.ID, search.NewFailure(search.FailureTimeout, nil, "worker exceeded %s", 5*time.Minute))
	}}
	srv := newTestServer(t, inv, testConfig())

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/search", `{"query":"tv"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, msgSearchFailed, body["error"])
	assert.NotContains(t, body, "details")
	assert.Equal(t, "req_test_1", body["requestId"])
	assert.Equal(t, "2025-03-14T09:26:53.589Z", body["timestamp"])
}

func TestSearch_FailureShowsDetailsInDevelopment(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{outcome: func(req search.Request) search.Outcome {
		f := search.NewFailure(search.FailureWorkerExitError, nil, "worker exited")
		f.ExitCode = 3
		f.Stderr = "Traceback: boom"
		return search.Failed(req.ID, f)
	}}
	cfg := testConfig()
	cfg.Environment = config.EnvDevelopment
	srv := newTestServer(t, inv, cfg)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/search", `{"query":"tv"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	details, ok := body["details"].(string)
	require.True(t, ok)
	assert.Contains(t, details, "exit code 3")
	assert.Contains(t, details, "Traceback: boom")
}

func TestSearch_BusyMapsTo503(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{outcome: func(req search.Request) search.Outcome {
		return search.Failed(req.ID, search.NewFailure(search.FailureBusy, nil, "no worker slot"))
	}}
	srv := newTestServer(t, inv, testConfig())

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/search", `{"query":"tv"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	body := decodeBody(t, rec)
	assert.Equal(t, msgBusy, body["error"])
}

func TestSearch_ClientCancellationDoesNotReachInvoker(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	srv := newTestServer(t, inv, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(`{"query":"tv"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	inv.mu.Lock()
	defer inv.mu.Unlock()
	require.Len(t, inv.ctxErrs, 1)
	assert.NoError(t, inv.ctxErrs[0])
}

func TestSearch_RateLimited(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	limiter := ratelimit.New(ratelimit.Config{RPS: 0.001, Burst: 1})
	srv := newTestServer(t, inv, testConfig(), WithRateLimiter(limiter))

	first := doJSON(t, srv.Handler(), http.MethodPost, "/api/search", `{"query":"tv"}`)
	require.Equal(t, http.StatusOK, first.Code)

	second := doJSON(t, srv.Handler(), http.MethodPost, "/api/search", `{"query":"tv"}`)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.Len(t, inv.Calls(), 1)
}

func TestSearch_APIKeyRequiredWhenEnabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "s3cret"}
	inv := &fakeInvoker{}
	srv := newTestServer(t, inv, cfg)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/search", `{"query":"tv"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, inv.Calls())

	for _, wrong := range []string{"s3cre", "s3cretX", "S3CRET"} {
		req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(`{"query":"tv"}`))
		req.Header.Set("X-API-Key", wrong)
		rec = httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusForbidden, rec.Code, "key %q", wrong)
	}
	assert.Empty(t, inv.Calls())

	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(`{"query":"tv"}`))
	req.Header.Set("X-API-Key", "s3cret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/search?api_key=s3cret", `{"query":"tv"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	health := doJSON(t, srv.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, health.Code)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	srv := newTestServer(t, inv, testConfig(), WithVersion("1.2.3"))

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "OK", body["status"])
	assert.Equal(t, "production", body["environment"])
	assert.Equal(t, "req_test_1", body["requestId"])
	assert.EqualValues(t, 0, body["uptime"])
	assert.NotZero(t, body["pid"])
	version, ok := body["version"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.2.3", version["app"])
	assert.NotEmpty(t, version["go"])
	assert.Contains(t, body, "memory")
	assert.Empty(t, inv.Calls())
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeInvoker{}, testConfig())

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/nope?x=1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Route not found", body["error"])
	assert.Equal(t, http.MethodGet, body["method"])
	assert.Equal(t, "/nope?x=1", body["url"])
	assert.Equal(t, "req_test_1", body["requestId"])

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/search", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Method not allowed", decodeBody(t, rec)["error"])
}

func TestCORS(t *testing.T) {
	t.Parallel()

	t.Run("reflects origin by default", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t, &fakeInvoker{}, testConfig())

		req := httptest.NewRequest(http.MethodOptions, "/api/search", nil)
		req.Header.Set("Origin", "https://shop.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "content-type")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "https://shop.example", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
		assert.Equal(t, "content-type", strings.ToLower(rec.Header().Get("Access-Control-Allow-Headers")))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
	})

	t.Run("configured origin", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Server.CORSOrigin = "https://app.example"
		srv := newTestServer(t, &fakeInvoker{}, cfg)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://app.example")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
		assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Request-Id")
	})

	t.Run("other origins get no grant", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Server.CORSOrigin = "https://app.example"
		srv := newTestServer(t, &fakeInvoker{}, cfg)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://other.example")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestGetInvocation(t *testing.T) {
	t.Parallel()

	history := memory.NewHistoryStore(0)
	require.NoError(t, history.RecordInvocation(context.Background(), search.InvocationRecord{
		RequestID: "req_1700000000000_1",
		Query:     "tv",
		Result:    "success",
		Count:     3,
	}))
	srv := newTestServer(t, &fakeInvoker{}, testConfig(), WithHistory(history))

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/search/req_1700000000000_1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got search.InvocationRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "tv", got.Query)
	assert.Equal(t, 3, got.Count)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/search/unknown", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "invocation not found", decodeBody(t, rec)["error"])
}

func TestGetInvocation_HistoryDisabled(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeInvoker{}, testConfig())
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/search/anything", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{outcome: func(search.Request) search.Outcome {
		panic("boom")
	}}
	srv := newTestServer(t, inv, testConfig())

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/search", `{"query":"tv"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req_test_1", decodeBody(t, rec)["requestId"])
}

func TestClientKey(t *testing.T) {
	t.Parallel()

	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	tests := []struct {
		name    string
		remote  string
		fwd     string
		trusted []netip.Prefix
		want    string
	}{
		{"peer without header", "10.0.0.7:5123", "", nil, "10.0.0.7"},
		{"header ignored without trusted proxies", "203.0.113.9:5123", "10.0.0.1", nil, "203.0.113.9"},
		{"header ignored from untrusted peer", "203.0.113.9:5123", "198.51.100.4", trusted, "203.0.113.9"},
		{"trusted peer forwards client", "10.0.0.7:5123", "198.51.100.4", trusted, "198.51.100.4"},
		{"spoofed leftmost hop skipped", "10.0.0.7:5123", "1.2.3.4, 198.51.100.4, 10.0.0.2", trusted, "198.51.100.4"},
		{"all hops trusted", "10.0.0.7:5123", "10.0.0.3, 10.0.0.2", trusted, "10.0.0.3"},
		{"trusted peer without header", "10.0.0.7:5123", "", trusted, "10.0.0.7"},
		{"remote without port", "192.0.2.1", "", nil, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-For", tt.fwd)
			}
			assert.Equal(t, tt.want, clientKey(req, tt.trusted))
		})
	}
}

func TestSearch_RateLimitIgnoresRotatingForwardedFor(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	limiter := ratelimit.New(ratelimit.Config{RPS: 0.001, Burst: 1})
	srv := newTestServer(t, inv, testConfig(), WithRateLimiter(limiter))

	codes := make([]int, 0, 3)
	for _, hop := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(`{"query":"tv"}`))
		req.RemoteAddr = "203.0.113.9:40000"
		req.Header.Set("X-Forwarded-For", hop)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
	assert.Len(t, inv.Calls(), 1)
}

func TestSearch_RateLimitHonoursTrustedProxy(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.TrustedProxies = []string{"10.1.0.0/16"}
	inv := &fakeInvoker{}
	limiter := ratelimit.New(ratelimit.Config{RPS: 0.001, Burst: 1})
	srv := newTestServer(t, inv, cfg, WithRateLimiter(limiter))

	for _, client := range []string{"198.51.100.1", "198.51.100.2"} {
		req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(`{"query":"tv"}`))
		req.RemoteAddr = "10.1.2.3:40000"
		req.Header.Set("X-Forwarded-For", client)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "client %s behind the proxy has its own budget", client)
	}
	assert.Len(t, inv.Calls(), 2)
}
