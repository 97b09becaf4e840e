package model

import (
	"time"

	"github.com/google/uuid"
)

// Device types derived from the user agent.
const (
	DeviceMobile  = "MOBILE"
	DeviceTablet  = "TABLET"
	DeviceDesktop = "DESKTOP"
	DeviceUnknown = "UNKNOWN"
)

// Country values that never come from the geolocation service.
const (
	CountryLocal   = "Local"
	CountryUnknown = "Unknown"
)

// ClickEvent is one recorded redirect of a link. Events are never updated.
type ClickEvent struct {
	ID         uuid.UUID `json:"id"`
	LinkID     uuid.UUID `json:"link_id"`
	ClickedAt  time.Time `json:"clicked_at"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	Referer    string    `json:"referer"`
	Country    string    `json:"country,omitempty"`
	DeviceType string    `json:"device_type"`
	Browser    string    `json:"browser"`
}

// Visit carries the request facts captured at redirect time.
type Visit struct {
	IP        string
	UserAgent string
	Referer   string
}

// ClickRequest is a click waiting to be recorded. It is also the JSON
// body of click messages published to the broker.
type ClickRequest struct {
	Code      string    `json:"code"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent,omitempty"`
	Referer   string    `json:"referer,omitempty"`
	ClickedAt time.Time `json:"clicked_at"`
}
