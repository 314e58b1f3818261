package backend

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"time"
)

type EventParticipant struct {
	MemberID         string    `json:"memberId"`
	RegistrationDate time.Time `json:"registrationDate"`
	Attended         bool      `json:"attended"`
}

type Event struct {
	ID              string             `json:"id"`
	Title           string             `json:"title"`
	Description     string             `json:"description"`
	StartDate       time.Time          `json:"startDate"`
	EndDate         *time.Time         `json:"endDate,omitempty"`
	Location        string             `json:"location"`
	Type            string             `json:"type"`   // MEETING | TRAINING | SOCIAL | FUNDRAISING | OTHER
	Status          string             `json:"status"` // PLANNED | ONGOING | COMPLETED | CANCELLED
	MaxParticipants int                `json:"maxParticipants,omitempty"`
	AssociationID   string             `json:"associationId"`
	CreatedBy       string             `json:"createdBy,omitempty"`
	Participants    []EventParticipant `json:"participants"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

type Events struct {
	c     *Client
	cache *Resource[Event]
}

func NewEvents(c *Client, ttl time.Duration) *Events {
	e := &Events{c: c}
	e.cache = newResource(c.clock, ttl, func(ctx context.Context) ([]Event, error) {
		var out []Event
		err := c.do(ctx, http.MethodGet, "/api/events", nil, &out)
		return out, err
	})
	return e
}

func (e *Events) List(ctx context.Context) ([]Event, error) {
	return e.cache.List(ctx)
}

// Upcoming returns planned events starting after now, soonest first.
func (e *Events) Upcoming(ctx context.Context, now time.Time) ([]Event, error) {
	all, err := e.cache.List(ctx)
	if err != nil {
		return nil, err
	}
	out := []Event{}
	for _, ev := range all {
		if ev.Status == "PLANNED" && ev.StartDate.After(now) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (e *Events) Create(ctx context.Context, ev Event) (Event, error) {
	var out Event
	if err := e.c.do(ctx, http.MethodPost, "/api/events", ev, &out); err != nil {
		return Event{}, err
	}
	e.cache.Invalidate()
	return out, nil
}

func (e *Events) Update(ctx context.Context, id string, updates map[string]any) error {
	if err := e.c.do(ctx, http.MethodPut, "/api/events/"+url.PathEscape(id), updates, nil); err != nil {
		return err
	}
	e.cache.Invalidate()
	return nil
}

func (e *Events) Delete(ctx context.Context, id string) error {
	if err := e.c.do(ctx, http.MethodDelete, "/api/events/"+url.PathEscape(id), nil, nil); err != nil {
		return err
	}
	e.cache.Invalidate()
	return nil
}
