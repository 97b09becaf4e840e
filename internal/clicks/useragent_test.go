package clicks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserAgentFacets(t *testing.T) {
	tests := []struct {
		name    string
		ua      string
		device  string
		browser string
	}{
		{
			name:    "iphone safari",
			ua:      "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			device:  "MOBILE",
			browser: "Safari",
		},
		{
			name:    "android chrome",
			ua:      "Mozilla/5.0 (Linux; Android 14) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Mobile Safari/537.36",
			device:  "MOBILE",
			browser: "Chrome",
		},
		{
			name:    "tablet",
			ua:      "Mozilla/5.0 (Linux; Android 13; Tablet) Firefox/118.0",
			device:  "TABLET",
			browser: "Firefox",
		},
		{
			name:    "desktop firefox",
			ua:      "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
			device:  "DESKTOP",
			browser: "Firefox",
		},
		{
			name:    "chromium edge reports chrome",
			ua:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36 Edg/120.0",
			device:  "DESKTOP",
			browser: "Chrome",
		},
		{
			name:    "legacy edge",
			ua:      "Mozilla/5.0 (Windows NT 10.0) Edge/18.19041",
			device:  "DESKTOP",
			browser: "Edge",
		},
		{
			name:    "matching is case-insensitive",
			ua:      "SOMEBOT MOBILE FIREFOX",
			device:  "MOBILE",
			browser: "Firefox",
		},
		{
			name:    "unknown client",
			ua:      "curl/8.4.0",
			device:  "DESKTOP",
			browser: "Other",
		},
		{
			name:    "absent user agent",
			ua:      "",
			device:  "UNKNOWN",
			browser: "UNKNOWN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.device, DeviceType(tt.ua))
			assert.Equal(t, tt.browser, Browser(tt.ua))
		})
	}
}
