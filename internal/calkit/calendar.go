package calkit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const primaryCalendarID = "primary"

// DefaultUpcomingLimit caps event listings when the caller supplies no limit.
const DefaultUpcomingLimit = 10

// EventTime is one boundary of an event, carrying an explicit time zone.
type EventTime struct {
	DateTime time.Time `json:"dateTime"`
	TimeZone string    `json:"timeZone,omitempty"`
}

// EventDraft is the client-submitted shape of an event to create. Summary,
// start, and end are required; nothing else is validated locally.
type EventDraft struct {
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       EventTime `json:"start"`
	End         EventTime `json:"end"`
}

// Event is the simplified view of a provider-persisted calendar event.
type Event struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Status      string    `json:"status,omitempty"`
	HTMLLink    string    `json:"htmlLink,omitempty"`
}

// CalendarGateway performs list and insert operations on a user's primary
// calendar with a caller-supplied token source.
type CalendarGateway struct {
	logger        *zap.Logger
	clientOptions []option.ClientOption
	now           func() time.Time
}

// NewCalendarGateway constructs a gateway. Extra client options are appended
// after the authenticated HTTP client (tests use an endpoint override).
func NewCalendarGateway(logger *zap.Logger, options ...option.ClientOption) *CalendarGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CalendarGateway{
		logger:        logger,
		clientOptions: options,
		now:           time.Now,
	}
}

func (gateway *CalendarGateway) service(ctx context.Context, tokenSource oauth2.TokenSource) (*calendar.Service, error) {
	httpClient := oauth2.NewClient(ctx, tokenSource)
	clientOptions := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, gateway.clientOptions...)
	return calendar.NewService(ctx, clientOptions...)
}

// ListUpcoming returns events on the primary calendar starting at or after
// now, recurring events expanded to single occurrences, ordered by start
// time, capped at limit.
func (gateway *CalendarGateway) ListUpcoming(ctx context.Context, tokenSource oauth2.TokenSource, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultUpcomingLimit
	}
	service, serviceErr := gateway.service(ctx, tokenSource)
	if serviceErr != nil {
		return nil, fmt.Errorf("calendar.list.service: %w", ErrCalendarUnavailable)
	}

	listed, listErr := service.Events.List(primaryCalendarID).
		TimeMin(gateway.now().UTC().Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(int64(limit)).
		Context(ctx).
		Do()
	if listErr != nil {
		gateway.logger.Error("event listing failed",
			zap.String("code", "calendar.list.upstream"),
			zap.Error(listErr))
		return nil, fmt.Errorf("calendar.list: %w", ErrCalendarUnavailable)
	}

	events := make([]Event, 0, len(listed.Items))
	for _, item := range listed.Items {
		events = append(events, toEvent(item))
	}
	return events, nil
}

// CreateEvent inserts a draft event onto the primary calendar and returns
// the provider-assigned event.
func (gateway *CalendarGateway) CreateEvent(ctx context.Context, tokenSource oauth2.TokenSource, draft EventDraft) (Event, error) {
	if validateErr := draft.validate(); validateErr != nil {
		return Event{}, validateErr
	}
	service, serviceErr := gateway.service(ctx, tokenSource)
	if serviceErr != nil {
		return Event{}, fmt.Errorf("calendar.create.service: %w", ErrEventCreation)
	}

	inserted, insertErr := service.Events.Insert(primaryCalendarID, draft.toProviderEvent()).
		Context(ctx).
		Do()
	if insertErr != nil {
		gateway.logger.Error("event insert failed",
			zap.String("code", "calendar.create.upstream"),
			zap.Error(insertErr))
		return Event{}, fmt.Errorf("calendar.create: %w", ErrEventCreation)
	}

	gateway.logger.Info("event created",
		zap.String("code", "calendar.create.success"),
		zap.String("summary", inserted.Summary))
	return toEvent(inserted), nil
}

func (draft EventDraft) validate() error {
	if draft.Summary == "" {
		return fmt.Errorf("calendar.draft.summary: %w", ErrInvalidEventDraft)
	}
	if draft.Start.DateTime.IsZero() {
		return fmt.Errorf("calendar.draft.start: %w", ErrInvalidEventDraft)
	}
	if draft.End.DateTime.IsZero() {
		return fmt.Errorf("calendar.draft.end: %w", ErrInvalidEventDraft)
	}
	return nil
}

func (draft EventDraft) toProviderEvent() *calendar.Event {
	return &calendar.Event{
		Summary:     draft.Summary,
		Description: draft.Description,
		Location:    draft.Location,
		Start: &calendar.EventDateTime{
			DateTime: draft.Start.DateTime.Format(time.RFC3339),
			TimeZone: draft.Start.TimeZone,
		},
		End: &calendar.EventDateTime{
			DateTime: draft.End.DateTime.Format(time.RFC3339),
			TimeZone: draft.End.TimeZone,
		},
	}
}

func toEvent(item *calendar.Event) Event {
	if item == nil {
		return Event{}
	}
	event := Event{
		ID:          item.Id,
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Status:      item.Status,
		HTMLLink:    item.HtmlLink,
	}
	event.Start = parseEventTime(item.Start)
	event.End = parseEventTime(item.End)
	return event
}

func parseEventTime(boundary *calendar.EventDateTime) time.Time {
	if boundary == nil {
		return time.Time{}
	}
	if boundary.DateTime != "" {
		if parsed, err := time.Parse(time.RFC3339, boundary.DateTime); err == nil {
			return parsed
		}
		return time.Time{}
	}
	if boundary.Date != "" {
		if parsed, err := time.Parse("2006-01-02", boundary.Date); err == nil {
			return parsed
		}
	}
	return time.Time{}
}
