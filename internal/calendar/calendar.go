// Package calendar creates and deletes technique review events on a user's
// connected calendar and tracks them locally.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"calconnect-go/internal/apperr"
	"calconnect-go/internal/audit"
	"calconnect-go/internal/auth"
	"calconnect-go/internal/metrics"
	"calconnect-go/internal/provider"
	"calconnect-go/internal/storage"
)

// MaxNotesLength caps free-text notes, counted in characters.
const MaxNotesLength = 2000

// TokenSource hands out usable access tokens.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, userID string, name provider.Name) (*auth.AccessToken, error)
}

// ScheduleRequest is the input to CreateEvent.
type ScheduleRequest struct {
	ResourceID      string    `json:"resource_id" validate:"required,max=128"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes" validate:"min=5,max=720"`
	TimeZone        string    `json:"time_zone" validate:"omitempty,timezone"`
	Notes           string    `json:"notes" validate:"max=2000"`
}

// CreatedEvent is what CreateEvent returns to the caller.
type CreatedEvent struct {
	ExternalEventID string `json:"external_event_id"`
	EventURL        string `json:"event_url"`
}

// Orchestrator coordinates tokens, the provider and the event store.
type Orchestrator struct {
	tokens    TokenSource
	providers *provider.Registry
	events    storage.EventStore
	resources *ResourceCatalog
	audit     audit.Sink
	logger    logrus.FieldLogger
	validate  *validator.Validate
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the time source used to reject past start times.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithAudit sets where event outcomes are recorded.
func WithAudit(sink audit.Sink) Option {
	return func(o *Orchestrator) { o.audit = sink }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(tokens TokenSource, providers *provider.Registry, events storage.EventStore, resources *ResourceCatalog, logger logrus.FieldLogger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tokens:    tokens,
		providers: providers,
		events:    events,
		resources: resources,
		audit:     audit.Discard,
		logger:    logger,
		validate:  validator.New(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// validateRequest checks everything that can be checked without the network.
func (o *Orchestrator) validateRequest(req *ScheduleRequest) (*time.Location, error) {
	req.ResourceID = strings.TrimSpace(req.ResourceID)
	if err := o.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, apperr.New(apperr.KindValidation, fieldMessage(verrs[0]), err)
		}
		return nil, apperr.New(apperr.KindValidation, "invalid schedule request", err)
	}
	if req.Start.IsZero() {
		return nil, apperr.New(apperr.KindValidation, "start is required", nil)
	}
	if !req.Start.After(o.now()) {
		return nil, apperr.New(apperr.KindValidation, "start time must be in the future", nil)
	}

	loc := time.UTC
	if req.TimeZone != "" {
		l, err := time.LoadLocation(req.TimeZone)
		if err != nil {
			return nil, apperr.New(apperr.KindValidation, "unknown time zone", err)
		}
		loc = l
	}
	return loc, nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Field() {
	case "ResourceID":
		return "resource_id is required"
	case "DurationMinutes":
		return "duration_minutes must be between 5 and 720"
	case "TimeZone":
		return "unknown time zone"
	case "Notes":
		return fmt.Sprintf("notes must be at most %d characters", MaxNotesLength)
	}
	return "invalid schedule request"
}

// CreateEvent validates the request, creates the event on the provider and
// records it. A tracking failure removes the provider event again.
func (o *Orchestrator) CreateEvent(ctx context.Context, userID string, name provider.Name, req ScheduleRequest) (*CreatedEvent, error) {
	created, err := o.createEvent(ctx, userID, name, req)
	metrics.Events.WithLabelValues(string(name), "create", metrics.Result(err)).Inc()
	if userID != "" && !apperr.Is(err, apperr.KindValidation) {
		o.audit.Record(audit.Entry(userID, string(name), audit.ActionCreateEvent, err))
	}
	return created, err
}

func (o *Orchestrator) createEvent(ctx context.Context, userID string, name provider.Name, req ScheduleRequest) (*CreatedEvent, error) {
	if userID == "" {
		return nil, apperr.New(apperr.KindUnauthenticated, "user ID cannot be empty", nil)
	}
	p, err := o.providers.Get(name)
	if err != nil {
		return nil, err
	}
	loc, err := o.validateRequest(&req)
	if err != nil {
		return nil, err
	}
	resource, err := o.resources.Resolve(ctx, req.ResourceID)
	if err != nil {
		return nil, err
	}

	token, err := o.tokens.GetValidAccessToken(ctx, userID, name)
	if err != nil {
		return nil, err
	}

	duration := time.Duration(req.DurationMinutes) * time.Minute
	payload := buildPayload(resource, req.Start, duration, loc, req.Notes)

	logger := o.logger.WithFields(logrus.Fields{
		"user_id":     userID,
		"provider":    name,
		"resource_id": resource.ID,
	})

	ev, err := p.CreateEvent(ctx, token.Token, token.CalendarID, payload)
	if err != nil {
		logger.WithError(err).Warn("Provider rejected event creation")
		return nil, apperr.Wrap(apperr.KindProviderError, "failed to create calendar event", err)
	}

	row := &storage.ScheduledEvent{
		UserID:          userID,
		ResourceID:      resource.ID,
		Provider:        string(name),
		ExternalEventID: ev.ID,
		CalendarID:      token.CalendarID,
		Title:           payload.Title,
		StartsAt:        payload.Start,
		EndsAt:          payload.End,
		Notes:           req.Notes,
	}
	// the event exists now, so tracking it must outlive the caller
	insertCtx := context.WithoutCancel(ctx)
	err = storage.RetryOnce(insertCtx, func(ctx context.Context) error {
		return o.events.InsertScheduledEvent(ctx, row)
	})
	if err != nil {
		logger.WithError(err).Error("Failed to record scheduled event, removing it from the provider")
		o.compensate(insertCtx, p, token, ev.ID, logger)
		return nil, apperr.New(apperr.KindPersistenceFailed, "failed to save scheduled event", err)
	}

	logger.WithField("external_event_id", ev.ID).Info("Calendar event created")
	return &CreatedEvent{ExternalEventID: ev.ID, EventURL: ev.URL}, nil
}

// compensate deletes an event the store could not track.
func (o *Orchestrator) compensate(ctx context.Context, p provider.Provider, token *auth.AccessToken, eventID string, logger logrus.FieldLogger) {
	err := p.DeleteEvent(context.WithoutCancel(ctx), token.Token, token.CalendarID, eventID)
	if err != nil && !errors.Is(err, provider.ErrEventNotFound) {
		logger.WithError(err).WithField("external_event_id", eventID).Error("Failed to remove untracked provider event")
	}
}

// DeleteEvent removes a tracked event from the provider and the store. An
// event already gone on the provider counts as deleted, and once the provider
// call has been attempted the local row is removed even if it failed.
func (o *Orchestrator) DeleteEvent(ctx context.Context, userID string, name provider.Name, externalEventID string) error {
	err := o.deleteEvent(ctx, userID, name, externalEventID)
	metrics.Events.WithLabelValues(string(name), "delete", metrics.Result(err)).Inc()
	if userID != "" && !apperr.Is(err, apperr.KindValidation) {
		o.audit.Record(audit.Entry(userID, string(name), audit.ActionDeleteEvent, err))
	}
	return err
}

func (o *Orchestrator) deleteEvent(ctx context.Context, userID string, name provider.Name, externalEventID string) error {
	if userID == "" {
		return apperr.New(apperr.KindUnauthenticated, "user ID cannot be empty", nil)
	}
	p, err := o.providers.Get(name)
	if err != nil {
		return err
	}
	if strings.TrimSpace(externalEventID) == "" {
		return apperr.New(apperr.KindValidation, "event id is required", nil)
	}

	row, err := o.events.GetScheduledEvent(ctx, string(name), externalEventID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperr.New(apperr.KindNotFound, "event not found", err)
	case err != nil:
		return apperr.New(apperr.KindPersistenceFailed, "failed to load scheduled event", err)
	case row.UserID != userID:
		// someone else's event looks exactly like a missing one
		return apperr.New(apperr.KindNotFound, "event not found", nil)
	}

	logger := o.logger.WithFields(logrus.Fields{
		"user_id":           userID,
		"provider":          name,
		"external_event_id": externalEventID,
	})

	token, err := o.tokens.GetValidAccessToken(ctx, userID, name)
	if apperr.KindOf(err) == apperr.KindNoConnection {
		// the calendar is gone, so is any way to reach the event
		logger.Warn("Deleting tracked event for a disconnected calendar")
		return o.removeRow(ctx, row)
	}
	if err != nil {
		return err
	}

	calendarID := row.CalendarID
	if calendarID == "" {
		calendarID = token.CalendarID
	}

	var result error
	err = p.DeleteEvent(ctx, token.Token, calendarID, externalEventID)
	switch {
	case err == nil:
	case errors.Is(err, provider.ErrEventNotFound):
		logger.Debug("Event already gone on provider")
	case apperr.KindOf(err) == apperr.KindReauthRequired:
		logger.WithError(err).Warn("Provider rejected token during delete, removing local row")
		result = err
	default:
		logger.WithError(err).Warn("Provider delete failed, removing local row anyway")
	}

	if err := o.removeRow(ctx, row); err != nil {
		return err
	}
	if result == nil {
		logger.Info("Calendar event deleted")
	}
	return result
}

// removeRow runs detached from ctx so a provider delete that already
// happened is always reflected locally.
func (o *Orchestrator) removeRow(ctx context.Context, row *storage.ScheduledEvent) error {
	err := storage.RetryOnce(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return o.events.DeleteScheduledEvent(ctx, row.Provider, row.ExternalEventID)
	})
	if err != nil {
		return apperr.New(apperr.KindPersistenceFailed, "failed to delete scheduled event", err)
	}
	return nil
}
