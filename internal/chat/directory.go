package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("not a participant of this conversation")
	ErrInvalidConversation  = errors.New("invalid conversation")
	ErrUnknownAction        = errors.New("unknown conversation action")
)

// MemberLookup resolves a member id to a display name.
type MemberLookup interface {
	MemberName(ctx context.Context, userID string) (string, error)
}

type Action string

const (
	ActionPin     Action = "pin"
	ActionMute    Action = "mute"
	ActionArchive Action = "archive"
	ActionStar    Action = "star"
	ActionRead    Action = "read"
	ActionDelete  Action = "delete"
)

type Filter string

const (
	FilterAll      Filter = "all"
	FilterUnread   Filter = "unread"
	FilterPinned   Filter = "pinned"
	FilterGroups   Filter = "groups"
	FilterArchived Filter = "archived"
)

var filters = []Filter{FilterAll, FilterUnread, FilterPinned, FilterGroups, FilterArchived}

type SortBy string

const (
	SortTime   SortBy = "time"
	SortName   SortBy = "name"
	SortUnread SortBy = "unread"
)

type ListOptions struct {
	Filter Filter
	Sort   SortBy
	Query  string
}

type entry struct {
	conv    Conversation
	members map[string]*memberState
	names   map[string]string
}

// Directory is the in-memory conversation list with per-member state.
type Directory struct {
	lookup MemberLookup
	now    func() time.Time

	mu    sync.RWMutex
	convs map[string]*entry
}

func NewDirectory(lookup MemberLookup, now func() time.Time) *Directory {
	if now == nil {
		now = time.Now
	}
	return &Directory{lookup: lookup, now: now, convs: make(map[string]*entry)}
}

// Create validates and adds a conversation. A private conversation between
// two members who already share one returns the existing one and created=false.
func (d *Directory) Create(ctx context.Context, creatorID string, req NewConversation) (ConversationView, bool, error) {
	members := dedupe(creatorID, req.Members)
	name := strings.TrimSpace(req.Name)

	switch req.Type {
	case TypePrivate:
		if len(members) != 1 {
			return ConversationView{}, false, fmt.Errorf("%w: a private conversation needs exactly one other member", ErrInvalidConversation)
		}
	case TypeGroup:
		if len(members) < 2 {
			return ConversationView{}, false, fmt.Errorf("%w: a group needs at least two other members", ErrInvalidConversation)
		}
		if name == "" {
			return ConversationView{}, false, fmt.Errorf("%w: a group needs a name", ErrInvalidConversation)
		}
	default:
		return ConversationView{}, false, fmt.Errorf("%w: unknown type %q", ErrInvalidConversation, req.Type)
	}

	participants := append([]string{creatorID}, members...)
	names := make(map[string]string, len(participants))
	for _, id := range participants {
		names[id] = d.resolveName(ctx, id)
	}
	if req.Type == TypePrivate {
		name = names[members[0]]
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if req.Type == TypePrivate {
		if e := d.findPrivate(creatorID, members[0]); e != nil {
			return e.view(creatorID), false, nil
		}
	}
	now := d.now()
	e := d.insert(Conversation{
		ID:              uuid.NewString(),
		Name:            name,
		Type:            req.Type,
		Participants:    participants,
		LastMessageTime: now,
		CreatedAt:       now,
	}, names)
	return e.view(creatorID), true, nil
}

// Put adds or replaces a conversation loaded from storage. Member state
// already held for remaining participants is kept.
func (d *Directory) Put(conv Conversation, names map[string]string) {
	d.mu.Lock()
	d.insert(conv, names)
	d.mu.Unlock()
}

// insert requires d.mu held for writing.
func (d *Directory) insert(conv Conversation, names map[string]string) *entry {
	e := &entry{
		conv:    conv,
		members: make(map[string]*memberState, len(conv.Participants)),
		names:   names,
	}
	if e.names == nil {
		e.names = map[string]string{}
	}
	for _, p := range conv.Participants {
		e.members[p] = &memberState{}
	}
	if old, ok := d.convs[conv.ID]; ok {
		for id, st := range old.members {
			if _, still := e.members[id]; still {
				e.members[id] = st
			}
		}
	}
	d.convs[conv.ID] = e
	return e
}

func (d *Directory) resolveName(ctx context.Context, userID string) string {
	if d.lookup == nil {
		return userID
	}
	name, err := d.lookup.MemberName(ctx, userID)
	if err != nil || name == "" {
		return userID
	}
	return name
}

func (d *Directory) findPrivate(a, b string) *entry {
	for _, e := range d.convs {
		if e.conv.Type == TypePrivate && e.conv.HasParticipant(a) && e.conv.HasParticipant(b) {
			return e
		}
	}
	return nil
}

// Get returns the conversation as userID sees it.
func (d *Directory) Get(userID, conversationID string) (ConversationView, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, err := d.lookupMember(userID, conversationID)
	if err != nil {
		return ConversationView{}, err
	}
	return e.view(userID), nil
}

// Participants returns the member ids of a conversation.
func (d *Directory) Participants(conversationID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.convs[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return append([]string(nil), e.conv.Participants...), nil
}

// Apply runs one list action for userID. Pin, mute, archive and star toggle
// the member's flag; read clears the member's unread count; delete removes
// the conversation for everyone.
func (d *Directory) Apply(userID, conversationID string, action Action) (ConversationView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.lookupMember(userID, conversationID)
	if err != nil {
		return ConversationView{}, err
	}
	st := e.members[userID]
	switch action {
	case ActionPin:
		st.IsPinned = !st.IsPinned
	case ActionMute:
		st.IsMuted = !st.IsMuted
	case ActionArchive:
		st.IsArchived = !st.IsArchived
	case ActionStar:
		st.IsStarred = !st.IsStarred
	case ActionRead:
		st.UnreadCount = 0
	case ActionDelete:
		delete(d.convs, conversationID)
	default:
		return ConversationView{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return e.view(userID), nil
}

func (d *Directory) lookupMember(userID, conversationID string) (*entry, error) {
	e, ok := d.convs[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if _, ok := e.members[userID]; !ok {
		return nil, ErrNotParticipant
	}
	return e, nil
}

// RecordMessage denormalizes msg onto its conversation and bumps the unread
// count of every participant but the sender.
func (d *Directory) RecordMessage(msg Message) (ConversationView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.convs[msg.ConversationID]
	if !ok {
		return ConversationView{}, ErrConversationNotFound
	}
	e.conv.LastMessage = preview(msg)
	e.conv.LastMessageTime = msg.Timestamp
	for id, st := range e.members {
		if id != msg.SenderID {
			st.UnreadCount++
		}
	}
	return e.view(msg.SenderID), nil
}

func preview(msg Message) string {
	if msg.Content != "" {
		return msg.Content
	}
	if n := len(msg.Attachments); n == 1 {
		return "📎 " + msg.Attachments[0].Name
	} else if n > 1 {
		return fmt.Sprintf("📎 %d files", n)
	}
	return ""
}

// List returns userID's conversations after filter, query and sort. Pinned
// conversations always come first.
func (d *Directory) List(userID string, opts ListOptions) []ConversationView {
	q := strings.ToLower(strings.TrimSpace(opts.Query))

	d.mu.RLock()
	out := make([]ConversationView, 0, len(d.convs))
	for _, e := range d.convs {
		if _, ok := e.members[userID]; !ok {
			continue
		}
		v := e.view(userID)
		if !matches(v, opts.Filter) {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(v.Name), q) &&
			!strings.Contains(strings.ToLower(v.LastMessage), q) {
			continue
		}
		out = append(out, v)
	}
	d.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsPinned != b.IsPinned {
			return a.IsPinned
		}
		switch opts.Sort {
		case SortName:
			an, bn := strings.ToLower(a.Name), strings.ToLower(b.Name)
			if an != bn {
				return an < bn
			}
		case SortUnread:
			if a.UnreadCount != b.UnreadCount {
				return a.UnreadCount > b.UnreadCount
			}
		default:
			if !a.LastMessageTime.Equal(b.LastMessageTime) {
				return a.LastMessageTime.After(b.LastMessageTime)
			}
		}
		return a.ID < b.ID
	})
	return out
}

func matches(v ConversationView, f Filter) bool {
	switch f {
	case FilterUnread:
		return v.UnreadCount > 0
	case FilterPinned:
		return v.IsPinned
	case FilterGroups:
		return v.Type == TypeGroup
	case FilterArchived:
		return v.IsArchived
	default:
		return !v.IsArchived
	}
}

// Counts returns how many of userID's conversations each filter matches,
// plus the total unread across all of them under "total_unread".
func (d *Directory) Counts(userID string) map[string]int {
	out := make(map[string]int, len(filters)+1)
	for _, f := range filters {
		out[string(f)] = 0
	}
	out["total_unread"] = 0

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.convs {
		if _, ok := e.members[userID]; !ok {
			continue
		}
		v := e.view(userID)
		for _, f := range filters {
			if matches(v, f) {
				out[string(f)]++
			}
		}
		out["total_unread"] += v.UnreadCount
	}
	return out
}

func (e *entry) view(userID string) ConversationView {
	conv := e.conv
	conv.Participants = append([]string(nil), e.conv.Participants...)
	if conv.Type == TypePrivate {
		for _, p := range conv.Participants {
			if p != userID {
				if n, ok := e.names[p]; ok {
					conv.Name = n
				}
			}
		}
	}
	v := ConversationView{Conversation: conv}
	if st, ok := e.members[userID]; ok {
		v.UnreadCount = st.UnreadCount
		v.IsPinned = st.IsPinned
		v.IsMuted = st.IsMuted
		v.IsArchived = st.IsArchived
		v.IsStarred = st.IsStarred
	}
	return v
}

func dedupe(self string, ids []string) []string {
	seen := map[string]bool{self: true}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
