package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhejian/linkshortener/internal/clicks"
	"github.com/zhejian/linkshortener/internal/config"
	"github.com/zhejian/linkshortener/internal/middleware"
	"github.com/zhejian/linkshortener/internal/observability"
	"github.com/zhejian/linkshortener/internal/server"
	"github.com/zhejian/linkshortener/internal/testutil"
)

var (
	testDB    *testutil.TestDB
	testCache *testutil.TestCache
	testCfg   *config.Config
	testObs   *observability.Observability
)

var shortCodePattern = regexp.MustCompile(`^[0-9A-Za-z]{6}$`)

// TestMain sets up the test environment once for all tests
func TestMain(m *testing.M) {
	ctx := context.Background()

	// Setup test database
	var err error
	testDB, err = testutil.SetupTestDB(ctx)
	if err != nil {
		panic("failed to setup test database: " + err.Error())
	}

	// Setup test cache
	testCache, err = testutil.SetupTestCache(ctx)
	if err != nil {
		panic("failed to setup test cache: " + err.Error())
	}

	// Load test configuration
	os.Setenv("ENV_FILE", "does-not-exist.env")
	testCfg, err = config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	testCfg.Server.Port = "0"
	testCfg.Auth.JWTSecret = "integration-secret"
	testCfg.Clicks.Workers = 2

	testObs, err = observability.Setup(ctx, observability.Config{
		ServiceName: "linkshortener-test",
		Environment: "development",
	})
	if err != nil {
		panic("failed to setup observability: " + err.Error())
	}

	// Run tests
	code := m.Run()

	// Cleanup
	testCache.Teardown(ctx)
	testDB.Teardown(ctx)
	os.Exit(code)
}

type testServer struct {
	baseURL string
	token   string
	owner   uuid.UUID
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	testDB.Cleanup(ctx)
	testCache.Cleanup(ctx)

	dispatcher := clicks.NewDispatcher(server.NewRecorder(testCfg, testDB.Pool, testObs.Logger), clicks.DispatcherOptions{
		Workers:   testCfg.Clicks.Workers,
		QueueSize: testCfg.Clicks.QueueSize,
	}, testObs.Logger)
	dispatcher.Start()

	srv := server.NewServer(testCfg, testDB.Pool, testCache.Client, dispatcher, testObs)

	// Create listener on localhost
	listener, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	baseURL := "http://" + listener.Addr().String()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			t.Logf("Server error: %v", err)
		}
	}()
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = dispatcher.Shutdown(shutdownCtx)
	})

	waitForServer(t, baseURL+"/health", 3*time.Second)

	owner := uuid.New()
	token, err := middleware.NewAuthenticator(testCfg.Auth.JWTSecret, testCfg.Auth.Issuer).Issue(owner, time.Hour)
	require.NoError(t, err)

	return &testServer{baseURL: baseURL, token: token, owner: owner}
}

func waitForServer(t *testing.T, url string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
			t.Logf("Health check returned %d:", resp.StatusCode)
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("Server did not become ready within %v", timeout)
}

func (s *testServer) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.baseURL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (s *testServer) create(t *testing.T, body map[string]string) map[string]any {
	t.Helper()
	resp := s.request(t, http.MethodPost, "/api/v1/links", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	return created
}

// noFollow returns a client that reports redirects instead of following them.
func noFollow() *http.Client {
	return &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

// TestHealthCheck verifies the health check endpoint
func TestHealthCheck(t *testing.T) {
	s := setupTestServer(t)

	resp, err := http.Get(s.baseURL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var response map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&response))
	assert.Equal(t, "ok", response["status"])
}

func TestCreateLink_Success(t *testing.T) {
	s := setupTestServer(t)

	created := s.create(t, map[string]string{"original_url": "https://example.com/page"})

	code, _ := created["short_code"].(string)
	assert.Regexp(t, shortCodePattern, code)
	assert.True(t, strings.HasSuffix(created["short_url"].(string), "/"+code))
	assert.NotEmpty(t, created["qr_code_base64"])

	var count int
	err := testDB.Pool.QueryRow(context.Background(),
		"SELECT COUNT(*) FROM links WHERE short_code = $1 AND owner_id = $2", code, s.owner).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCreateLink_RequiresToken(t *testing.T) {
	s := setupTestServer(t)
	s.token = "not-a-token"

	resp := s.request(t, http.MethodPost, "/api/v1/links", map[string]string{"original_url": "https://example.com"})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateLink_InvalidRequest(t *testing.T) {
	s := setupTestServer(t)

	tests := []struct {
		name           string
		body           map[string]string
		expectedStatus int
	}{
		{"missing url field", map[string]string{"invalid": "field"}, http.StatusBadRequest},
		{"empty url value", map[string]string{"original_url": ""}, http.StatusBadRequest},
		{"invalid url format", map[string]string{"original_url": "not-a-valid-url"}, http.StatusBadRequest},
		{"unsupported scheme", map[string]string{"original_url": "ftp://example.com/file"}, http.StatusBadRequest},
		{"alias too short", map[string]string{"original_url": "https://example.com", "custom_alias": "ab"}, http.StatusBadRequest},
		{"past expiry", map[string]string{"original_url": "https://example.com", "expires_at": "2001-01-01T00:00:00Z"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.request(t, http.MethodPost, "/api/v1/links", tt.body)
			defer resp.Body.Close()
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
		})
	}
}

func TestCreateLink_AliasConflict(t *testing.T) {
	s := setupTestServer(t)

	s.create(t, map[string]string{"original_url": "https://example.com/a", "custom_alias": "promo-2024"})

	resp := s.request(t, http.MethodPost, "/api/v1/links", map[string]string{
		"original_url": "https://example.com/b",
		"custom_alias": "promo-2024",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRedirect_Success(t *testing.T) {
	s := setupTestServer(t)
	created := s.create(t, map[string]string{"original_url": "https://example.com/page", "custom_alias": "landing"})
	code := created["short_code"].(string)

	for _, key := range []string{code, "landing"} {
		resp, err := noFollow().Get(s.baseURL + "/" + key)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
		assert.Equal(t, "https://example.com/page", resp.Header.Get("Location"))
	}
}

func TestRedirect_UnknownCode(t *testing.T) {
	s := setupTestServer(t)

	resp, err := noFollow().Get(s.baseURL + "/zzzzzz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRedirect_InactiveLink(t *testing.T) {
	s := setupTestServer(t)
	created := s.create(t, map[string]string{"original_url": "https://example.com/page"})
	id := created["id"].(string)
	code := created["short_code"].(string)

	// Warm the cache so the update has something to invalidate.
	resp, err := noFollow().Get(s.baseURL + "/" + code)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMovedPermanently, resp.StatusCode)

	resp = s.request(t, http.MethodPut, "/api/v1/links/"+id, map[string]any{
		"original_url": "https://example.com/page",
		"is_active":    false,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = noFollow().Get(s.baseURL + "/" + code)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestRedirect_RecordsClick(t *testing.T) {
	s := setupTestServer(t)
	created := s.create(t, map[string]string{"original_url": "https://example.com/page"})
	id := created["id"].(string)
	code := created["short_code"].(string)

	req, _ := http.NewRequest(http.MethodGet, s.baseURL+"/"+code, nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile Safari/604.1")
	resp, err := noFollow().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMovedPermanently, resp.StatusCode)

	var analytics struct {
		TotalClicks        int64            `json:"total_clicks"`
		DeviceDistribution map[string]int64 `json:"device_distribution"`
		TopCountries       []struct {
			Country string `json:"country"`
			Count   int64  `json:"count"`
		} `json:"top_countries"`
		RecentClicks []map[string]any `json:"recent_clicks"`
	}
	require.Eventually(t, func() bool {
		resp := s.request(t, http.MethodGet, "/api/v1/links/"+id+"/analytics", nil)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		if err := json.NewDecoder(resp.Body).Decode(&analytics); err != nil {
			return false
		}
		return analytics.TotalClicks == 1 && len(analytics.RecentClicks) == 1
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, int64(1), analytics.DeviceDistribution["MOBILE"])
	require.Len(t, analytics.TopCountries, 1)
	assert.Equal(t, "Local", analytics.TopCountries[0].Country)

	clickCount, events, err := testDB.LinkCounters(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, int64(1), clickCount)
	assert.Equal(t, int64(1), events)

	resp = s.request(t, http.MethodGet, "/api/v1/links/"+id+"/audit", nil)
	defer resp.Body.Close()
	var audit map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&audit))
	assert.Equal(t, float64(0), audit["drift"])
}

func TestAnalytics_OtherOwnerForbidden(t *testing.T) {
	s := setupTestServer(t)
	created := s.create(t, map[string]string{"original_url": "https://example.com/page"})
	id := created["id"].(string)

	other, err := middleware.NewAuthenticator(testCfg.Auth.JWTSecret, testCfg.Auth.Issuer).Issue(uuid.New(), time.Hour)
	require.NoError(t, err)
	s.token = other

	resp := s.request(t, http.MethodGet, "/api/v1/links/"+id+"/analytics", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCreateLink_RateLimited(t *testing.T) {
	s := setupTestServer(t)

	for i := int64(0); i < testCfg.RateLimit.Limit; i++ {
		s.create(t, map[string]string{"original_url": "https://example.com/burst"})
	}

	resp := s.request(t, http.MethodPost, "/api/v1/links", map[string]string{"original_url": "https://example.com/burst"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Reads are not throttled.
	list := s.request(t, http.MethodGet, "/api/v1/links", nil)
	defer list.Body.Close()
	assert.Equal(t, http.StatusOK, list.StatusCode)
}

func TestFullFlow_CreateGetRedirectDelete(t *testing.T) {
	s := setupTestServer(t)

	created := s.create(t, map[string]string{"original_url": "https://fullflow.example"})
	id := created["id"].(string)
	code := created["short_code"].(string)

	// Get
	resp := s.request(t, http.MethodGet, "/api/v1/links/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Redirect (no follow)
	resp, err := noFollow().Get(s.baseURL + "/" + code)
	require.NoError(t, err)
	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	resp.Body.Close()

	// Delete
	resp = s.request(t, http.MethodDelete, "/api/v1/links/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	// Verify gone, including from the cache
	resp = s.request(t, http.MethodGet, "/api/v1/links/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = noFollow().Get(s.baseURL + "/" + code)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t)

	resp, err := noFollow().Get(s.baseURL + "/zzzzzz")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(s.baseURL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, buf.String(), `http_requests_total{method="GET",route="/:code",status="404"}`)
}
