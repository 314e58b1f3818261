package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

type Cotisation struct {
	ID            string    `json:"id"`
	MemberID      string    `json:"member_id"`
	Amount        float64   `json:"amount"`
	PaymentDate   time.Time `json:"payment_date"`
	PaymentMethod string    `json:"payment_method"` // CASH | BANK_TRANSFER | MOBILE_MONEY | CHECK
	Status        string    `json:"status"`         // PAID | PENDING | OVERDUE
	Year          int       `json:"year"`
	Notes         string    `json:"notes,omitempty"`
}

type CotisationFilter struct {
	Year     int
	Status   string
	MemberID string
}

type CotisationStats struct {
	Year  int `json:"year"`
	Stats []struct {
		Status string  `json:"status"`
		Count  int     `json:"count"`
		Total  float64 `json:"total"`
	} `json:"stats"`
}

type Cotisations struct {
	c     *Client
	cache *Resource[Cotisation]
}

func NewCotisations(c *Client, ttl time.Duration) *Cotisations {
	s := &Cotisations{c: c}
	s.cache = newResource(c.clock, ttl, func(ctx context.Context) ([]Cotisation, error) {
		var out []Cotisation
		err := c.do(ctx, http.MethodGet, "/api/cotisations/", nil, &out)
		return out, err
	})
	return s
}

func (s *Cotisations) List(ctx context.Context) ([]Cotisation, error) {
	return s.cache.List(ctx)
}

func (s *Cotisations) Filter(ctx context.Context, f CotisationFilter) ([]Cotisation, error) {
	all, err := s.cache.List(ctx)
	if err != nil {
		return nil, err
	}
	out := []Cotisation{}
	for _, c := range all {
		if f.Year != 0 && c.Year != f.Year {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.MemberID != "" && c.MemberID != f.MemberID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Cotisations) Create(ctx context.Context, c Cotisation) (Cotisation, error) {
	var out Cotisation
	if err := s.c.do(ctx, http.MethodPost, "/api/cotisations/", c, &out); err != nil {
		return Cotisation{}, err
	}
	s.cache.Invalidate()
	return out, nil
}

func (s *Cotisations) Update(ctx context.Context, id string, updates map[string]any) error {
	if err := s.c.do(ctx, http.MethodPut, "/api/cotisations/"+url.PathEscape(id)+"/", updates, nil); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

func (s *Cotisations) Delete(ctx context.Context, id string) error {
	if err := s.c.do(ctx, http.MethodDelete, "/api/cotisations/"+url.PathEscape(id)+"/", nil, nil); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

// Stats is computed by the backend and never cached.
func (s *Cotisations) Stats(ctx context.Context, year int) (CotisationStats, error) {
	var out CotisationStats
	err := s.c.do(ctx, http.MethodGet, fmt.Sprintf("/api/cotisations/stats?year=%d", year), nil, &out)
	return out, err
}
