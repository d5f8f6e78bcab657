package calendar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/oakridgehealth/clinic-scheduler/pkg/logging"
)

// Client implements API over the Google Calendar v3 service with retries
// for transient failures. Rate limiting and 5xx responses are retried with
// exponential backoff; everything else is terminal.
type Client struct {
	svc        *gcal.Service
	maxRetries int
	backoff    time.Duration
	logger     *logging.Logger
}

// ClientConfig tunes the retry behaviour.
type ClientConfig struct {
	MaxRetries int
	Backoff    time.Duration
	Logger     *logging.Logger
}

// NewService builds the underlying Google Calendar service from service
// account credentials JSON.
func NewService(ctx context.Context, credentialsJSON string, opts ...option.ClientOption) (*gcal.Service, error) {
	all := append([]option.ClientOption{}, opts...)
	if credentialsJSON != "" {
		all = append(all, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	svc, err := gcal.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("calendar: init service: %w", err)
	}
	return svc, nil
}

func NewClient(svc *gcal.Service, cfg ClientConfig) *Client {
	if svc == nil {
		panic("calendar: service required")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		svc:        svc,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger.Component("calendar"),
	}
}

func toGoogleEvent(ev Event) *gcal.Event {
	tz := ev.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: tz},
		End:         &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: tz},
	}
}

func (c *Client) CreateEvent(ctx context.Context, calendarID string, ev Event) (string, error) {
	var created *gcal.Event
	err := c.do(ctx, "events.insert", func() error {
		var err error
		created, err = c.svc.Events.Insert(calendarID, toGoogleEvent(ev)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("calendar: create event: %w", err)
	}
	return created.Id, nil
}

func (c *Client) UpdateEvent(ctx context.Context, calendarID, eventID string, ev Event) (string, error) {
	var updated *gcal.Event
	err := c.do(ctx, "events.update", func() error {
		var err error
		updated, err = c.svc.Events.Update(calendarID, eventID, toGoogleEvent(ev)).Context(ctx).Do()
		return err
	})
	if isGone(err) {
		// The mirrored event vanished (manual delete). Recreate so the
		// mirror converges to the database.
		c.logger.Warn("mirror event vanished on update, recreating",
			"calendar_id", calendarID, "event_id", eventID)
		return c.CreateEvent(ctx, calendarID, ev)
	}
	if err != nil {
		return "", fmt.Errorf("calendar: update event: %w", err)
	}
	return updated.Id, nil
}

func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := c.do(ctx, "events.delete", func() error {
		return c.svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	})
	if isGone(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("calendar: delete event: %w", err)
	}
	return nil
}

func (c *Client) ListUpcoming(ctx context.Context, calendarID string, from time.Time, window time.Duration) ([]Event, error) {
	var resp *gcal.Events
	err := c.do(ctx, "events.list", func() error {
		var err error
		resp, err = c.svc.Events.List(calendarID).
			TimeMin(from.Format(time.RFC3339)).
			TimeMax(from.Add(window).Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("calendar: list events: %w", err)
	}

	out := make([]Event, 0, len(resp.Items))
	for _, item := range resp.Items {
		// All-day events carry only a date; they are not bookings.
		if item.Start == nil || item.End == nil || item.Start.DateTime == "" {
			continue
		}
		start, err := time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			continue
		}
		end, err := time.Parse(time.RFC3339, item.End.DateTime)
		if err != nil {
			continue
		}
		out = append(out, Event{
			ID:          item.Id,
			Summary:     item.Summary,
			Description: item.Description,
			Start:       start,
			End:         end,
			Timezone:    item.Start.TimeZone,
		})
	}
	return out, nil
}

func (c *Client) Watch(ctx context.Context, calendarID, channelID, token, address string, ttl time.Duration) (*WatchResult, error) {
	req := &gcal.Channel{
		Id:         channelID,
		Type:       "web_hook",
		Address:    address,
		Token:      token,
		Expiration: time.Now().Add(ttl).UnixMilli(),
	}
	var ch *gcal.Channel
	err := c.do(ctx, "events.watch", func() error {
		var err error
		ch, err = c.svc.Events.Watch(calendarID, req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("calendar: watch: %w", err)
	}
	return &WatchResult{
		ResourceID: ch.ResourceId,
		Expiration: time.UnixMilli(ch.Expiration),
	}, nil
}

func (c *Client) StopWatch(ctx context.Context, channelID, resourceID string) error {
	err := c.do(ctx, "channels.stop", func() error {
		return c.svc.Channels.Stop(&gcal.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	})
	if isGone(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("calendar: stop watch: %w", err)
	}
	return nil
}

// do runs one API call with retries for transient failures.
func (c *Client) do(ctx context.Context, op string, call func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) || attempt == c.maxRetries {
			return err
		}
		lastErr = err
		c.logger.Warn("mirror call retry", "op", op, "attempt", attempt+1, "error", err)
		if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
			return sleepErr
		}
	}
	return lastErr
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	delay := c.backoff * time.Duration(1<<attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func shouldRetry(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests {
			return true
		}
		return apiErr.Code >= 500 && apiErr.Code <= 599
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// isGone reports a 404/410 from the mirror: the resource no longer exists.
func isGone(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
}
