// Package calendar keeps a Google Calendar event per confirmed order.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/food-order-service/internal/order"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type Config struct {
	CalendarID      string
	CredentialsFile string
	Endpoint        string
}

type Client struct {
	events     *gcal.EventsService
	calendarID string
}

var _ order.Calendar = (*Client)(nil)

// New builds the client from cfg. Extra options are appended after the ones
// derived from cfg.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Client, error) {
	var all []option.ClientOption
	if cfg.CredentialsFile != "" {
		all = append(all, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		all = append(all, option.WithEndpoint(cfg.Endpoint))
	}
	all = append(all, opts...)

	svc, err := gcal.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("calendar: failed to create service: %w", err)
	}
	return &Client{events: gcal.NewEventsService(svc), calendarID: cfg.CalendarID}, nil
}

func toEvent(ev order.CalendarEvent) *gcal.Event {
	return &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: ev.Start.Location().String()},
		End:         &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: ev.End.Location().String()},
	}
}

func (c *Client) CreateEvent(ctx context.Context, ev order.CalendarEvent) (string, error) {
	created, err := c.events.Insert(c.calendarID, toEvent(ev)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("calendar: failed to create event %q: %w", ev.Summary, err)
	}
	log.Debug().Ctx(ctx).Str("event_id", created.Id).Msg("calendar: event created")
	return created.Id, nil
}

func (c *Client) UpdateEvent(ctx context.Context, id string, ev order.CalendarEvent) error {
	if _, err := c.events.Patch(c.calendarID, id, toEvent(ev)).Context(ctx).Do(); err != nil {
		return fmt.Errorf("calendar: failed to update event %s: %w", id, err)
	}
	return nil
}

// DeleteEvent removes the event. An event that is already gone is not an
// error.
func (c *Client) DeleteEvent(ctx context.Context, id string) error {
	err := c.events.Delete(c.calendarID, id).Context(ctx).Do()
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone) {
		log.Info().Ctx(ctx).Str("event_id", id).Msg("calendar: event already deleted")
		return nil
	}
	return fmt.Errorf("calendar: failed to delete event %s: %w", id, err)
}
