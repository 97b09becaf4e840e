package clicks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/zhejian/linkshortener/internal/model"
	"github.com/zhejian/linkshortener/internal/observability"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// GeoOptions configures the geolocation lookup.
type GeoOptions struct {
	BaseURL          string
	Timeout          time.Duration
	BreakerFailures  uint32
	BreakerOpenDelay time.Duration
}

// GeoLocator resolves client IPs to country names through an
// ip-api.com compatible service. Lookups never fail: any problem
// yields "Unknown".
type GeoLocator struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

type geoResponse struct {
	Status  string `json:"status"`
	Country string `json:"country"`
	Message string `json:"message"`
}

// NewGeoLocator creates a GeoLocator.
func NewGeoLocator(opts GeoOptions, logger *slog.Logger) *GeoLocator {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerOpenDelay <= 0 {
		opts.BreakerOpenDelay = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	failures := opts.BreakerFailures
	return &GeoLocator{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "geo-lookup",
			MaxRequests: 1,
			Timeout:     opts.BreakerOpenDelay,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("geo breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		logger: logger,
	}
}

// Country returns the country for ip. Loopback, private, link-local and
// unspecified addresses are "Local"; empty or malformed addresses and
// failed lookups are "Unknown".
func (g *GeoLocator) Country(ctx context.Context, ip string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return model.CountryUnknown
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
		return model.CountryLocal
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.lookup(ctx, addr.String())
	})
	if err != nil {
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			g.logger.Warn("geo lookup failed", "ip", ip, "error", err)
		}
		return model.CountryUnknown
	}
	return result.(string)
}

func (g *GeoLocator) lookup(ctx context.Context, ip string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/json/"+ip, nil)
	if err != nil {
		return "", err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geo service returned %d", resp.StatusCode)
	}

	var body geoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode geo response: %w", err)
	}
	if body.Status != "success" || body.Country == "" {
		return "", fmt.Errorf("geo lookup status %q: %s", body.Status, body.Message)
	}
	return body.Country, nil
}
