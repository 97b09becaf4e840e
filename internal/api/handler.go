package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/zhejian/linkshortener/internal/analytics"
	"github.com/zhejian/linkshortener/internal/middleware"
	"github.com/zhejian/linkshortener/internal/model"
	"github.com/zhejian/linkshortener/internal/service"
)

// Handler holds HTTP handlers and dependencies.
// It receives interfaces rather than concrete implementations for testability.
type Handler struct {
	links     service.LinkServiceInterface
	analytics analytics.ServiceInterface
	db        DBInterface
	cache     CacheInterface
	logger    *slog.Logger
}

// DBInterface defines the database operations needed by the handler.
type DBInterface interface {
	Ping(ctx context.Context) error
}

// CacheInterface defines the cache operations needed by the handler.
type CacheInterface interface {
	Ping(ctx context.Context) error
}

var registerValidators sync.Once

// NewHandler creates a new handler instance with the provided dependencies.
func NewHandler(links service.LinkServiceInterface, analyticsService analytics.ServiceInterface, db DBInterface, cache CacheInterface, logger *slog.Logger) *Handler {
	return &Handler{
		links:     links,
		analytics: analyticsService,
		db:        db,
		cache:     cache,
		logger:    logger,
	}
}

// registerAliasValidation adds the "alias" binding tag to v.
func registerAliasValidation(v *validator.Validate) error {
	return v.RegisterValidation("alias", func(fl validator.FieldLevel) bool {
		return model.AliasPattern.MatchString(fl.Field().String())
	})
}

// RegisterRoutes registers all route definitions on the given Gin engine.
// authenticate guards the /api/v1 group; throttle is applied to link
// creation only, after authentication.
func (h *Handler) RegisterRoutes(r *gin.Engine, authenticate, throttle gin.HandlerFunc) {
	registerValidators.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			if err := registerAliasValidation(v); err != nil {
				panic(fmt.Sprintf("register alias validation: %v", err))
			}
		}
	})

	r.GET("/health", h.healthCheck)

	v1 := r.Group("/api/v1", authenticate)
	{
		v1.POST("/links", throttle, h.createLink)
		v1.GET("/links", h.listLinks)
		v1.GET("/links/:id", h.getLink)
		v1.PUT("/links/:id", h.updateLink)
		v1.DELETE("/links/:id", h.deleteLink)
		v1.GET("/links/:id/analytics", h.getAnalytics)
		v1.GET("/links/:id/audit", h.getAudit)
	}

	// Redirect route (public) - must be last to avoid conflicts
	r.GET("/:code", h.redirect)
}

// healthCheck handles GET /health
//   - 200 OK: All dependencies are healthy
//   - 503 Service Unavailable: One or more dependencies are down
func (h *Handler) healthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	status := "ok"
	code := http.StatusOK
	deps := gin.H{"cache": "up", "database": "up"}

	if err := h.cache.Ping(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		deps["cache"] = "down"
	}
	if err := h.db.Ping(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		deps["database"] = "down"
	}

	c.JSON(code, gin.H{"status": status, "dependencies": deps})
}

// createLink handles POST /api/v1/links
func (h *Handler) createLink(c *gin.Context) {
	ctx := c.Request.Context()
	owner, _ := middleware.OwnerFrom(c)

	var req model.CreateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body",
			slog.String("error", err.Error()),
			slog.String("path", c.Request.URL.Path))
		h.errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.links.CreateLink(ctx, &req, owner)
	if err != nil {
		h.handleError(c, err, "creating link")
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// listLinks handles GET /api/v1/links
func (h *Handler) listLinks(c *gin.Context) {
	owner, _ := middleware.OwnerFrom(c)

	links, err := h.links.ListLinks(c.Request.Context(), owner)
	if err != nil {
		h.handleError(c, err, "listing links")
		return
	}
	c.JSON(http.StatusOK, links)
}

// getLink handles GET /api/v1/links/:id
func (h *Handler) getLink(c *gin.Context) {
	id, ok := h.linkID(c)
	if !ok {
		return
	}
	owner, _ := middleware.OwnerFrom(c)

	resp, err := h.links.GetLink(c.Request.Context(), id, owner)
	if err != nil {
		h.handleError(c, err, "fetching link")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// updateLink handles PUT /api/v1/links/:id
func (h *Handler) updateLink(c *gin.Context) {
	ctx := c.Request.Context()
	id, ok := h.linkID(c)
	if !ok {
		return
	}
	owner, _ := middleware.OwnerFrom(c)

	var req model.UpdateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body",
			slog.String("error", err.Error()),
			slog.String("path", c.Request.URL.Path))
		h.errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.links.UpdateLink(ctx, id, &req, owner)
	if err != nil {
		h.handleError(c, err, "updating link")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// deleteLink handles DELETE /api/v1/links/:id
func (h *Handler) deleteLink(c *gin.Context) {
	id, ok := h.linkID(c)
	if !ok {
		return
	}
	owner, _ := middleware.OwnerFrom(c)

	if err := h.links.DeleteLink(c.Request.Context(), id, owner); err != nil {
		h.handleError(c, err, "deleting link")
		return
	}
	c.Status(http.StatusNoContent)
}

// getAnalytics handles GET /api/v1/links/:id/analytics
func (h *Handler) getAnalytics(c *gin.Context) {
	id, ok := h.linkID(c)
	if !ok {
		return
	}
	owner, _ := middleware.OwnerFrom(c)

	resp, err := h.analytics.Aggregate(c.Request.Context(), id, owner)
	if err != nil {
		h.handleError(c, err, "aggregating analytics")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// getAudit handles GET /api/v1/links/:id/audit
func (h *Handler) getAudit(c *gin.Context) {
	id, ok := h.linkID(c)
	if !ok {
		return
	}
	owner, _ := middleware.OwnerFrom(c)

	resp, err := h.analytics.Audit(c.Request.Context(), id, owner)
	if err != nil {
		h.handleError(c, err, "auditing click counter")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// redirect handles GET /:code
// Redirects to the original URL; the click is recorded asynchronously.
//   - 301 Moved Permanently: Redirects to original URL
//   - 404 Not Found: No link with this code or alias
//   - 410 Gone: Link is inactive or expired
func (h *Handler) redirect(c *gin.Context) {
	code := c.Param("code")

	target, err := h.links.Redirect(c.Request.Context(), code, model.Visit{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Referer:   c.Request.Referer(),
	})
	if err != nil {
		h.handleError(c, err, "resolving "+code)
		return
	}

	c.Redirect(http.StatusMovedPermanently, target)
}

func (h *Handler) linkID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "Invalid link id")
		return uuid.Nil, false
	}
	return id, true
}

// handleError maps service errors to HTTP status codes.
func (h *Handler) handleError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrInvalidURL):
		h.errorResponse(c, http.StatusBadRequest, "Invalid URL")
	case errors.Is(err, service.ErrInvalidAlias):
		h.errorResponse(c, http.StatusBadRequest, "Invalid custom alias")
	case errors.Is(err, service.ErrInvalidExpiry):
		h.errorResponse(c, http.StatusBadRequest, "Expiry must be in the future")
	case errors.Is(err, service.ErrValidation):
		h.errorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrConflict):
		h.errorResponse(c, http.StatusConflict, "Custom alias already exists")
	case errors.Is(err, service.ErrLinkNotFound):
		h.errorResponse(c, http.StatusNotFound, "Link not found")
	case errors.Is(err, service.ErrForbidden):
		h.errorResponse(c, http.StatusForbidden, "Link belongs to another user")
	case errors.Is(err, service.ErrLinkInactive):
		h.errorResponse(c, http.StatusGone, "Link is inactive")
	case errors.Is(err, service.ErrLinkExpired):
		h.errorResponse(c, http.StatusGone, "Link has expired")
	case errors.Is(err, service.ErrThrottled):
		h.errorResponse(c, http.StatusTooManyRequests, "Rate limit exceeded, try again later")
	default:
		h.logger.ErrorContext(c.Request.Context(), "unexpected error "+op,
			slog.String("error", err.Error()))
		h.errorResponse(c, http.StatusInternalServerError, "Internal server error")
	}
}

// errorResponse sends a standardized JSON error response.
func (h *Handler) errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, model.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
