// Package calendar wraps the Google Calendar API as the booking mirror.
// The mirror reflects confirmed appointments; it is never authoritative.
package calendar

import (
	"context"
	"time"
)

// Event is the mirror-side view of an appointment.
type Event struct {
	ID          string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Timezone    string
}

// WatchResult describes a registered push channel.
type WatchResult struct {
	ResourceID string
	Expiration time.Time
}

// API is the mirror surface consumed by the sync queue, the reconciler and
// the watch manager. Tests substitute a fake.
type API interface {
	// CreateEvent inserts an event and returns its id.
	CreateEvent(ctx context.Context, calendarID string, ev Event) (string, error)
	// UpdateEvent patches an event in place. When the event no longer
	// exists it transparently recreates it; the returned id is the live
	// one either way.
	UpdateEvent(ctx context.Context, calendarID, eventID string, ev Event) (string, error)
	// DeleteEvent removes an event. Deleting an already-gone event is a
	// success.
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	// ListUpcoming returns timed events within the window starting at from.
	ListUpcoming(ctx context.Context, calendarID string, from time.Time, window time.Duration) ([]Event, error)
	// Watch registers a push channel on the calendar.
	Watch(ctx context.Context, calendarID, channelID, token, address string, ttl time.Duration) (*WatchResult, error)
	// StopWatch tears down a push channel. Best effort; already-gone is
	// a success.
	StopWatch(ctx context.Context, channelID, resourceID string) error
}
