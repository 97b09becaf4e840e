package analytics

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/zhejian/linkshortener/internal/model"
	"github.com/zhejian/linkshortener/internal/repository"
	"github.com/zhejian/linkshortener/internal/service"
)

const (
	topCountriesLimit = 5
	recentClicksLimit = 10
	dateLayout        = "2006-01-02"
)

// LinkReader loads a link by id.
type LinkReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Link, error)
}

// EventReader loads the recorded clicks of a link.
type EventReader interface {
	ListByLink(ctx context.Context, linkID uuid.UUID) ([]*model.ClickEvent, error)
	CountByLink(ctx context.Context, linkID uuid.UUID) (int64, error)
}

// ServiceInterface defines the analytics contract used by the HTTP handlers
type ServiceInterface interface {
	Aggregate(ctx context.Context, linkID, requester uuid.UUID) (*model.AnalyticsResponse, error)
	Audit(ctx context.Context, linkID, requester uuid.UUID) (*model.AuditResponse, error)
}

// Service computes per-link click analytics on demand.
type Service struct {
	links  LinkReader
	events EventReader
}

// NewService creates a new analytics service
func NewService(links LinkReader, events EventReader) *Service {
	return &Service{links: links, events: events}
}

// Aggregate summarizes the clicks of a link owned by requester.
// Ownership is checked before any event is read. Total clicks come from
// the link's counter, not from the event count.
func (s *Service) Aggregate(ctx context.Context, linkID, requester uuid.UUID) (*model.AnalyticsResponse, error) {
	link, err := s.links.GetByID(ctx, linkID)
	if err != nil {
		return nil, mapError(err)
	}
	if link.OwnerID != requester {
		return nil, service.ErrForbidden
	}

	events, err := s.events.ListByLink(ctx, linkID)
	if err != nil {
		return nil, err
	}
	return Summarize(link.ClickCount, events), nil
}

// Audit compares the link's counter with the number of stored events.
// It only reports drift; nothing is repaired.
func (s *Service) Audit(ctx context.Context, linkID, requester uuid.UUID) (*model.AuditResponse, error) {
	link, err := s.links.GetByID(ctx, linkID)
	if err != nil {
		return nil, mapError(err)
	}
	if link.OwnerID != requester {
		return nil, service.ErrForbidden
	}

	recorded, err := s.events.CountByLink(ctx, linkID)
	if err != nil {
		return nil, err
	}

	return &model.AuditResponse{
		LinkID:         link.ID.String(),
		ClickCount:     link.ClickCount,
		RecordedEvents: recorded,
		Drift:          link.ClickCount - recorded,
	}, nil
}

// Summarize builds the analytics view from events sorted by click time,
// most recent first.
func Summarize(totalClicks int64, events []*model.ClickEvent) *model.AnalyticsResponse {
	byDate := make(map[string]int64)
	byDevice := make(map[string]int64)
	byCountry := make(map[string]int64)

	for _, e := range events {
		byDate[e.ClickedAt.UTC().Format(dateLayout)]++
		byDevice[e.DeviceType]++
		if e.Country != "" {
			byCountry[e.Country]++
		}
	}

	recent := make([]model.ClickDetail, 0, recentClicksLimit)
	for _, e := range events {
		if len(recent) == recentClicksLimit {
			break
		}
		recent = append(recent, model.ClickDetail{
			ClickedAt:  e.ClickedAt.UTC().Format(time.RFC3339),
			IPAddress:  e.IPAddress,
			DeviceType: e.DeviceType,
			Country:    e.Country,
		})
	}

	return &model.AnalyticsResponse{
		TotalClicks:        totalClicks,
		ClicksByDate:       byDate,
		DeviceDistribution: byDevice,
		TopCountries:       topCountries(byCountry),
		RecentClicks:       recent,
	}
}

// topCountries orders by count descending, then by name.
func topCountries(counts map[string]int64) []model.CountryStat {
	stats := make([]model.CountryStat, 0, len(counts))
	for country, n := range counts {
		stats = append(stats, model.CountryStat{Country: country, Count: n})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Country < stats[j].Country
	})
	if len(stats) > topCountriesLimit {
		stats = stats[:topCountriesLimit]
	}
	return stats
}

func mapError(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return service.ErrLinkNotFound
	}
	return err
}

// Ensure Service implements ServiceInterface at compile time
var _ ServiceInterface = (*Service)(nil)
