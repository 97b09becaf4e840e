package model

// AnalyticsResponse summarizes the clicks of a single link
type AnalyticsResponse struct {
	TotalClicks        int64            `json:"total_clicks"`
	ClicksByDate       map[string]int64 `json:"clicks_by_date"`
	DeviceDistribution map[string]int64 `json:"device_distribution"`
	TopCountries       []CountryStat    `json:"top_countries"`
	RecentClicks       []ClickDetail    `json:"recent_clicks"`
}

// CountryStat is the click count for one country
type CountryStat struct {
	Country string `json:"country"`
	Count   int64  `json:"count"`
}

// ClickDetail is the public view of a recent click
type ClickDetail struct {
	ClickedAt  string `json:"clicked_at"`
	IPAddress  string `json:"ip_address"`
	DeviceType string `json:"device_type"`
	Country    string `json:"country,omitempty"`
}

// AuditResponse compares the stored click counter with the recorded events.
// Drift is ClickCount minus RecordedEvents.
type AuditResponse struct {
	LinkID         string `json:"link_id"`
	ClickCount     int64  `json:"click_count"`
	RecordedEvents int64  `json:"recorded_events"`
	Drift          int64  `json:"drift"`
}
