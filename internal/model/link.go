package model

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// MaxURLLength is the longest original URL a link may point to.
const MaxURLLength = 2048

// AliasPattern is the character set allowed in custom aliases.
var AliasPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Link represents a shortened URL owned by a single user
type Link struct {
	ID           uuid.UUID  `json:"id"`
	OwnerID      uuid.UUID  `json:"owner_id"`
	OriginalURL  string     `json:"original_url"`
	ShortCode    string     `json:"short_code"`
	CustomAlias  *string    `json:"custom_alias,omitempty"`
	PasswordHash *string    `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	IsActive     bool       `json:"is_active"`
	ClickCount   int64      `json:"click_count"`
}

// Alias returns the custom alias or "" when none is set.
func (l *Link) Alias() string {
	if l.CustomAlias == nil {
		return ""
	}
	return *l.CustomAlias
}

// ExpiredAt reports whether the link has an expiry at or before now.
func (l *Link) ExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// Keys returns every key the link resolves under: its short code and, if set, its alias.
func (l *Link) Keys() []string {
	keys := []string{l.ShortCode}
	if alias := l.Alias(); alias != "" {
		keys = append(keys, alias)
	}
	return keys
}

// CreateLinkRequest represents the request body for creating a short link
type CreateLinkRequest struct {
	OriginalURL string     `json:"original_url" binding:"required,max=2048"`
	CustomAlias string     `json:"custom_alias,omitempty" binding:"omitempty,alias"`
	Password    string     `json:"password,omitempty" binding:"omitempty,max=72"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// UpdateLinkRequest replaces the mutable fields of a link.
// Empty alias, password or expiry clear the stored value; a nil IsActive leaves it unchanged.
type UpdateLinkRequest struct {
	OriginalURL string     `json:"original_url" binding:"required,max=2048"`
	CustomAlias string     `json:"custom_alias,omitempty" binding:"omitempty,alias"`
	Password    string     `json:"password,omitempty" binding:"omitempty,max=72"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	IsActive    *bool      `json:"is_active,omitempty"`
}

// LinkResponse is the public representation of a link
type LinkResponse struct {
	ID           uuid.UUID `json:"id"`
	OriginalURL  string    `json:"original_url"`
	ShortURL     string    `json:"short_url"`
	ShortCode    string    `json:"short_code"`
	CustomAlias  string    `json:"custom_alias,omitempty"`
	ClickCount   int64     `json:"click_count"`
	QRCodeBase64 string    `json:"qr_code_base64,omitempty"`
	CreatedAt    string    `json:"created_at"`
	ExpiresAt    string    `json:"expires_at,omitempty"`
	IsActive     bool      `json:"is_active"`
	HasPassword  bool      `json:"has_password"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
