package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhejian/linkshortener/internal/model"
	"github.com/zhejian/linkshortener/internal/observability"
	"github.com/zhejian/linkshortener/internal/repository"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"
)

// LinkStore is the durable link storage used by the service.
type LinkStore interface {
	Create(ctx context.Context, link *model.Link) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Link, error)
	FindByCodeOrAlias(ctx context.Context, value string) (*model.Link, error)
	CodeTaken(ctx context.Context, value string) (bool, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*model.Link, error)
	Update(ctx context.Context, link *model.Link) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// URLCache maps codes and aliases to URLs. Implementations never fail:
// a broken backend behaves like an empty cache.
type URLCache interface {
	Get(ctx context.Context, codeOrAlias string) (string, bool)
	Put(ctx context.Context, codeOrAlias, url string, ttl time.Duration)
	Invalidate(ctx context.Context, codesOrAliases ...string)
}

// CodeGenerator produces candidate short codes.
type CodeGenerator interface {
	Generate() (string, error)
}

// ClickDispatcher hands a click off for asynchronous recording.
// It returns false when the click was dropped.
type ClickDispatcher interface {
	Dispatch(click model.ClickRequest) bool
}

// QRRenderer encodes content as a base64 PNG of size×size pixels.
type QRRenderer interface {
	Render(content string, size int) (string, error)
}

// Options holds the service tunables.
type Options struct {
	BaseURL       string
	MaxRetries    int
	CacheTTL      time.Duration
	LookupTimeout time.Duration
	MinAliasLen   int
	MaxAliasLen   int
	QRSize        int
}

// reservedNames are top-level paths served by fixed routes. A link under
// one of them could be created but never resolved.
var reservedNames = map[string]bool{
	"api":     true,
	"health":  true,
	"metrics": true,
}

// LinkService implements the link lifecycle and redirect resolution.
type LinkService struct {
	store  LinkStore
	cache  URLCache
	codes  CodeGenerator
	clicks ClickDispatcher
	qr     QRRenderer
	opts   Options
	logger *slog.Logger
	group  singleflight.Group
	fills  fillGuard
	now    func() time.Time
}

// LinkServiceInterface defines the contract used by the HTTP handlers
type LinkServiceInterface interface {
	CreateLink(ctx context.Context, req *model.CreateLinkRequest, owner uuid.UUID) (*model.LinkResponse, error)
	ListLinks(ctx context.Context, owner uuid.UUID) ([]*model.LinkResponse, error)
	GetLink(ctx context.Context, id, owner uuid.UUID) (*model.LinkResponse, error)
	UpdateLink(ctx context.Context, id uuid.UUID, req *model.UpdateLinkRequest, owner uuid.UUID) (*model.LinkResponse, error)
	DeleteLink(ctx context.Context, id, owner uuid.UUID) error
	Resolve(ctx context.Context, codeOrAlias string) (string, error)
	Redirect(ctx context.Context, codeOrAlias string, visit model.Visit) (string, error)
}

// NewLinkService creates a new link service. clicks and qr may be nil.
func NewLinkService(store LinkStore, cache URLCache, codes CodeGenerator, clicks ClickDispatcher, qr QRRenderer, opts Options, logger *slog.Logger) *LinkService {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 5 * time.Second
	}
	if opts.MinAliasLen <= 0 {
		opts.MinAliasLen = 3
	}
	if opts.MaxAliasLen <= 0 {
		opts.MaxAliasLen = 30
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LinkService{
		store:  store,
		cache:  cache,
		codes:  codes,
		clicks: clicks,
		qr:     qr,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// CreateLink validates the request, assigns a unique short code and
// stores the link. The new link is cached under its code and alias.
func (s *LinkService) CreateLink(ctx context.Context, req *model.CreateLinkRequest, owner uuid.UUID) (*model.LinkResponse, error) {
	if err := validateURL(req.OriginalURL); err != nil {
		return nil, err
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return nil, ErrInvalidExpiry
	}

	link := &model.Link{
		ID:          uuid.New(),
		OwnerID:     owner,
		OriginalURL: req.OriginalURL,
		ExpiresAt:   req.ExpiresAt,
		IsActive:    true,
	}

	if req.CustomAlias != "" {
		if err := s.checkAlias(ctx, req.CustomAlias); err != nil {
			return nil, err
		}
		alias := req.CustomAlias
		link.CustomAlias = &alias
	}

	if req.Password != "" {
		hash, err := hashPassword(req.Password)
		if err != nil {
			return nil, err
		}
		link.PasswordHash = &hash
	}

	if err := s.insertWithFreshCode(ctx, link); err != nil {
		return nil, err
	}

	s.populate(ctx, link)
	return s.toResponse(link, true), nil
}

// insertWithFreshCode retries generation until the store accepts a code
// that is neither a short code nor an alias already.
func (s *LinkService) insertWithFreshCode(ctx context.Context, link *model.Link) error {
	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		candidate, err := s.codes.Generate()
		if err != nil {
			return fmt.Errorf("generate short code: %w", err)
		}

		taken, err := s.store.CodeTaken(ctx, candidate)
		if err != nil {
			return err
		}
		if taken || reservedNames[candidate] {
			continue
		}

		link.ShortCode = candidate
		err = s.store.Create(ctx, link)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, repository.ErrCodeConflict):
			continue
		case errors.Is(err, repository.ErrAliasConflict):
			return ErrCodeExists
		default:
			return err
		}
	}

	s.logger.Error("short code retries exhausted", "attempts", s.opts.MaxRetries)
	return ErrShortCodeGeneration
}

// ListLinks returns the owner's links, newest first. QR images are not rendered.
func (s *LinkService) ListLinks(ctx context.Context, owner uuid.UUID) ([]*model.LinkResponse, error) {
	links, err := s.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}

	out := make([]*model.LinkResponse, 0, len(links))
	for _, link := range links {
		out = append(out, s.toResponse(link, false))
	}
	return out, nil
}

// GetLink returns one of the owner's links.
func (s *LinkService) GetLink(ctx context.Context, id, owner uuid.UUID) (*model.LinkResponse, error) {
	link, err := s.owned(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	return s.toResponse(link, true), nil
}

// UpdateLink replaces the mutable fields of a link.
//
// The old short code, the old alias and the requested alias are evicted
// from the cache after the write, even when the alias did not change.
func (s *LinkService) UpdateLink(ctx context.Context, id uuid.UUID, req *model.UpdateLinkRequest, owner uuid.UUID) (*model.LinkResponse, error) {
	link, err := s.owned(ctx, id, owner)
	if err != nil {
		return nil, err
	}

	if err := validateURL(req.OriginalURL); err != nil {
		return nil, err
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return nil, ErrInvalidExpiry
	}

	oldAlias := link.Alias()
	if req.CustomAlias != "" && req.CustomAlias != oldAlias {
		if err := s.checkAlias(ctx, req.CustomAlias); err != nil {
			return nil, err
		}
	}

	link.OriginalURL = req.OriginalURL
	link.ExpiresAt = req.ExpiresAt
	link.CustomAlias = nil
	if req.CustomAlias != "" {
		alias := req.CustomAlias
		link.CustomAlias = &alias
	}
	link.PasswordHash = nil
	if req.Password != "" {
		hash, err := hashPassword(req.Password)
		if err != nil {
			return nil, err
		}
		link.PasswordHash = &hash
	}
	if req.IsActive != nil {
		link.IsActive = *req.IsActive
	}

	if err := s.store.Update(ctx, link); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrLinkNotFound
		case errors.Is(err, repository.ErrAliasConflict):
			return nil, ErrCodeExists
		}
		return nil, err
	}

	s.evict(ctx, link.ShortCode, oldAlias, req.CustomAlias)
	return s.toResponse(link, true), nil
}

// DeleteLink removes the link and evicts it from the cache.
func (s *LinkService) DeleteLink(ctx context.Context, id, owner uuid.UUID) error {
	link, err := s.owned(ctx, id, owner)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrLinkNotFound
		}
		return err
	}

	s.evict(ctx, link.Keys()...)
	return nil
}

// Resolve returns the original URL for a short code or alias.
//
// A cache hit is returned as is. On a miss the link is loaded from the
// store, checked for active and expiry state, and written back to the
// cache. Concurrent misses for the same key share one store read, which
// runs detached from any single caller so that one caller going away
// does not fail the others.
func (s *LinkService) Resolve(ctx context.Context, codeOrAlias string) (string, error) {
	if target, ok := s.cache.Get(ctx, codeOrAlias); ok {
		return target, nil
	}

	ch := s.group.DoChan(codeOrAlias, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.LookupTimeout)
		defer cancel()
		return s.load(lookupCtx, codeOrAlias)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// load reads the link from the store and caches its URL, unless an
// update or delete happened while the read was in flight.
func (s *LinkService) load(ctx context.Context, codeOrAlias string) (string, error) {
	gen := s.fills.begin()

	link, err := s.store.FindByCodeOrAlias(ctx, codeOrAlias)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrLinkNotFound
		}
		return "", err
	}

	if !link.IsActive {
		return "", ErrLinkInactive
	}
	if link.ExpiredAt(s.now()) {
		return "", ErrLinkExpired
	}

	if !s.fills.fill(gen, func() {
		s.cache.Put(ctx, codeOrAlias, link.OriginalURL, s.ttlFor(link))
	}) {
		s.logger.Debug("skipped stale cache fill", "code", codeOrAlias)
	}
	return link.OriginalURL, nil
}

// evict removes keys from the cache after a write to the store. In-flight
// fills are fenced off first, and later lookups never join a read that
// started before the write.
func (s *LinkService) evict(ctx context.Context, keys ...string) {
	s.fills.advance()
	s.cache.Invalidate(ctx, keys...)
	for _, key := range keys {
		if key != "" {
			s.group.Forget(key)
		}
	}
}

// Redirect resolves the code and, only when that succeeds, hands the
// visit to the click dispatcher without waiting for it to be recorded.
func (s *LinkService) Redirect(ctx context.Context, codeOrAlias string, visit model.Visit) (string, error) {
	target, err := s.Resolve(ctx, codeOrAlias)
	if err != nil {
		return "", err
	}

	if s.clicks != nil {
		s.clicks.Dispatch(model.ClickRequest{
			Code:      codeOrAlias,
			IP:        visit.IP,
			UserAgent: visit.UserAgent,
			Referer:   visit.Referer,
			ClickedAt: s.now().UTC(),
		})
	}
	return target, nil
}

func (s *LinkService) owned(ctx context.Context, id, owner uuid.UUID) (*model.Link, error) {
	link, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}
	if link.OwnerID != owner {
		return nil, ErrForbidden
	}
	return link, nil
}

func (s *LinkService) checkAlias(ctx context.Context, alias string) error {
	if len(alias) < s.opts.MinAliasLen || len(alias) > s.opts.MaxAliasLen || !model.AliasPattern.MatchString(alias) {
		return ErrInvalidAlias
	}
	if reservedNames[alias] {
		return ErrInvalidAlias
	}
	taken, err := s.store.CodeTaken(ctx, alias)
	if err != nil {
		return err
	}
	if taken {
		return ErrCodeExists
	}
	return nil
}

func (s *LinkService) populate(ctx context.Context, link *model.Link) {
	ttl := s.ttlFor(link)
	for _, key := range link.Keys() {
		s.cache.Put(ctx, key, link.OriginalURL, ttl)
	}
}

// ttlFor caps the cache TTL so an entry never outlives the link's expiry.
func (s *LinkService) ttlFor(link *model.Link) time.Duration {
	ttl := s.opts.CacheTTL
	if link.ExpiresAt != nil {
		if remaining := link.ExpiresAt.Sub(s.now()); remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

func (s *LinkService) toResponse(link *model.Link, withQR bool) *model.LinkResponse {
	resp := &model.LinkResponse{
		ID:          link.ID,
		OriginalURL: link.OriginalURL,
		ShortURL:    s.opts.BaseURL + "/" + link.ShortCode,
		ShortCode:   link.ShortCode,
		CustomAlias: link.Alias(),
		ClickCount:  link.ClickCount,
		CreatedAt:   link.CreatedAt.Format(time.RFC3339),
		IsActive:    link.IsActive,
		HasPassword: link.PasswordHash != nil,
	}
	if link.ExpiresAt != nil {
		resp.ExpiresAt = link.ExpiresAt.Format(time.RFC3339)
	}

	if withQR && s.qr != nil {
		img, err := s.qr.Render(link.OriginalURL, s.opts.QRSize)
		if err != nil {
			s.logger.Warn("qr render failed", "link_id", link.ID, "error", err)
		} else {
			resp.QRCodeBase64 = img
		}
	}
	return resp
}

// fillGuard orders cache fills against invalidations. A fill whose
// generation was taken before the latest advance is dropped, and advance
// waits for fills already writing so the following invalidation sees them.
type fillGuard struct {
	mu  sync.RWMutex
	gen uint64
}

func (g *fillGuard) begin() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.gen
}

func (g *fillGuard) fill(gen uint64, put func()) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.gen != gen {
		return false
	}
	put()
	return true
}

func (g *fillGuard) advance() {
	g.mu.Lock()
	g.gen++
	g.mu.Unlock()
}

func validateURL(raw string) error {
	if raw == "" || len(raw) > model.MaxURLLength {
		return ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidURL
	}
	return nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Ensure LinkService implements LinkServiceInterface at compile time
var _ LinkServiceInterface = (*LinkService)(nil)
