package clicks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newGeoServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestGeoLocator_Country(t *testing.T) {
	ctx := context.Background()

	t.Run("successful lookup", func(t *testing.T) {
		srv, calls := newGeoServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/json/8.8.8.8", r.URL.Path)
			w.Write([]byte(`{"status":"success","country":"United States"}`))
		})
		g := NewGeoLocator(GeoOptions{BaseURL: srv.URL}, nil)

		assert.Equal(t, "United States", g.Country(ctx, "8.8.8.8"))
		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("local addresses skip the network", func(t *testing.T) {
		srv, calls := newGeoServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"success","country":"Nowhere"}`))
		})
		g := NewGeoLocator(GeoOptions{BaseURL: srv.URL}, nil)

		for _, ip := range []string{"127.0.0.1", "::1", "0:0:0:0:0:0:0:1", "10.1.2.3", "192.168.0.10", "172.16.5.4", "fe80::1", "0.0.0.0", "::ffff:127.0.0.1"} {
			assert.Equal(t, "Local", g.Country(ctx, ip), ip)
		}
		assert.Equal(t, int64(0), calls.Load())
	})

	t.Run("malformed or empty address", func(t *testing.T) {
		srv, calls := newGeoServer(t, func(w http.ResponseWriter, r *http.Request) {})
		g := NewGeoLocator(GeoOptions{BaseURL: srv.URL}, nil)

		assert.Equal(t, "Unknown", g.Country(ctx, ""))
		assert.Equal(t, "Unknown", g.Country(ctx, "not-an-ip"))
		assert.Equal(t, int64(0), calls.Load())
	})

	t.Run("failures map to unknown", func(t *testing.T) {
		tests := []struct {
			name    string
			handler http.HandlerFunc
		}{
			{"fail status", func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"status":"fail","message":"reserved range"}`))
			}},
			{"server error", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}},
			{"malformed body", func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{not json`))
			}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				srv, _ := newGeoServer(t, tt.handler)
				g := NewGeoLocator(GeoOptions{BaseURL: srv.URL}, nil)
				assert.Equal(t, "Unknown", g.Country(ctx, "1.1.1.1"))
			})
		}
	})

	t.Run("timeout maps to unknown", func(t *testing.T) {
		srv, _ := newGeoServer(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		})
		g := NewGeoLocator(GeoOptions{BaseURL: srv.URL, Timeout: 100 * time.Millisecond}, nil)

		start := time.Now()
		assert.Equal(t, "Unknown", g.Country(ctx, "1.1.1.1"))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("breaker opens after repeated failures", func(t *testing.T) {
		srv, calls := newGeoServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		g := NewGeoLocator(GeoOptions{BaseURL: srv.URL, BreakerFailures: 3, BreakerOpenDelay: time.Minute}, nil)

		for i := 0; i < 10; i++ {
			assert.Equal(t, "Unknown", g.Country(ctx, "1.1.1.1"))
		}
		assert.Equal(t, int64(3), calls.Load(), "open breaker short-circuits further lookups")
	})
}
