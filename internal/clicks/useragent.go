package clicks

import (
	"strings"

	"github.com/zhejian/linkshortener/internal/model"
)

// browsers is checked in order. Edge and Chromium-based browsers also
// advertise "chrome", so they report as Chrome.
var browsers = []struct {
	token string
	name  string
}{
	{"chrome", "Chrome"},
	{"firefox", "Firefox"},
	{"safari", "Safari"},
	{"edge", "Edge"},
}

// DeviceType classifies a user agent as MOBILE, TABLET or DESKTOP.
func DeviceType(userAgent string) string {
	if userAgent == "" {
		return model.DeviceUnknown
	}
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "mobile"):
		return model.DeviceMobile
	case strings.Contains(ua, "tablet"):
		return model.DeviceTablet
	default:
		return model.DeviceDesktop
	}
}

// Browser returns the browser family of a user agent, or "Other".
func Browser(userAgent string) string {
	if userAgent == "" {
		return model.DeviceUnknown
	}
	ua := strings.ToLower(userAgent)
	for _, b := range browsers {
		if strings.Contains(ua, b.token) {
			return b.name
		}
	}
	return "Other"
}
