package service

import (
	"errors"
	"fmt"
)

// Parent errors group the specific ones below for the HTTP boundary.
var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
)

var (
	ErrInvalidURL    = fmt.Errorf("%w: URL must be an absolute http or https URL of at most 2048 characters", ErrValidation)
	ErrInvalidAlias  = fmt.Errorf("%w: invalid custom alias format", ErrValidation)
	ErrInvalidExpiry = fmt.Errorf("%w: expiry must be in the future", ErrValidation)
	ErrCodeExists    = fmt.Errorf("%w: custom alias already exists", ErrConflict)

	ErrLinkNotFound        = errors.New("link not found")
	ErrForbidden           = errors.New("link belongs to another user")
	ErrLinkInactive        = errors.New("link is inactive")
	ErrLinkExpired         = errors.New("link has expired")
	ErrThrottled           = errors.New("rate limit exceeded")
	ErrShortCodeGeneration = errors.New("failed to generate short URL")
)
