package backend

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrMemberNotFound = errors.New("member not found")

type Member struct {
	ID            string `json:"id"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	Role          string `json:"role"`   // PRESIDENT | VICE_PRESIDENT | SECRETARY | TREASURER | MEMBER
	Status        string `json:"status"` // ACTIVE | INACTIVE | SUSPENDED
	JoinDate      string `json:"joinDate,omitempty"`
	AssociationID string `json:"associationId"`
}

// FullName is how members are shown in conversation titles.
func (m Member) FullName() string {
	return strings.TrimSpace(m.FirstName + " " + m.LastName)
}

type MemberFilter struct {
	Role   string
	Status string
	Search string
}

type Members struct {
	c     *Client
	cache *Resource[Member]
}

func NewMembers(c *Client, ttl time.Duration) *Members {
	m := &Members{c: c}
	m.cache = newResource(c.clock, ttl, func(ctx context.Context) ([]Member, error) {
		var out []Member
		err := c.do(ctx, http.MethodGet, "/api/members", nil, &out)
		return out, err
	})
	return m
}

func (m *Members) List(ctx context.Context) ([]Member, error) {
	return m.cache.List(ctx)
}

func (m *Members) Get(ctx context.Context, id string) (Member, error) {
	all, err := m.cache.List(ctx)
	if err != nil {
		return Member{}, err
	}
	for _, mem := range all {
		if mem.ID == id {
			return mem, nil
		}
	}
	return Member{}, ErrMemberNotFound
}

// MemberName resolves a display name for conversation titles.
func (m *Members) MemberName(ctx context.Context, id string) (string, error) {
	mem, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return mem.FullName(), nil
}

// Filter matches search against names and email case-insensitively and the
// phone number verbatim. "all" or empty role/status match everything.
func (m *Members) Filter(ctx context.Context, f MemberFilter) ([]Member, error) {
	all, err := m.cache.List(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(f.Search))
	out := []Member{}
	for _, mem := range all {
		if q != "" &&
			!strings.Contains(strings.ToLower(mem.FirstName), q) &&
			!strings.Contains(strings.ToLower(mem.LastName), q) &&
			!strings.Contains(strings.ToLower(mem.Email), q) &&
			!strings.Contains(mem.Phone, strings.TrimSpace(f.Search)) {
			continue
		}
		if f.Role != "" && f.Role != "all" && mem.Role != f.Role {
			continue
		}
		if f.Status != "" && f.Status != "all" && mem.Status != f.Status {
			continue
		}
		out = append(out, mem)
	}
	return out, nil
}

func (m *Members) Create(ctx context.Context, mem Member) (Member, error) {
	var out Member
	if err := m.c.do(ctx, http.MethodPost, "/api/members", mem, &out); err != nil {
		return Member{}, err
	}
	m.cache.Invalidate()
	return out, nil
}

func (m *Members) Update(ctx context.Context, id string, updates map[string]any) error {
	if err := m.c.do(ctx, http.MethodPut, "/api/members/"+url.PathEscape(id), updates, nil); err != nil {
		return err
	}
	m.cache.Invalidate()
	return nil
}

func (m *Members) Delete(ctx context.Context, id string) error {
	if err := m.c.do(ctx, http.MethodDelete, "/api/members/"+url.PathEscape(id), nil, nil); err != nil {
		return err
	}
	m.cache.Invalidate()
	return nil
}
