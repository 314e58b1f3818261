package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLookup map[string]string

func (l staticLookup) MemberName(_ context.Context, id string) (string, error) {
	if n, ok := l[id]; ok {
		return n, nil
	}
	return "", errors.New("unknown member")
}

type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time {
	f.t = f.t.Add(time.Second)
	return f.t
}

func newTestDirectory() *Directory {
	lookup := staticLookup{"me": "Me", "alice": "Alice", "bob": "Bob", "carol": "Carol"}
	clk := &fakeNow{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewDirectory(lookup, clk.now)
}

func TestDirectory_CreateValidation(t *testing.T) {
	d := newTestDirectory()
	ctx := context.Background()

	cases := []struct {
		name string
		req  NewConversation
	}{
		{"private without member", NewConversation{Type: TypePrivate}},
		{"private with two members", NewConversation{Type: TypePrivate, Members: []string{"alice", "bob"}}},
		{"private with only self", NewConversation{Type: TypePrivate, Members: []string{"me"}}},
		{"group without name", NewConversation{Type: TypeGroup, Members: []string{"alice", "bob"}}},
		{"group with one member", NewConversation{Type: TypeGroup, Name: "Board", Members: []string{"alice"}}},
		{"unknown type", NewConversation{Type: "channel", Name: "x", Members: []string{"alice"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := d.Create(ctx, "me", tc.req)
			assert.ErrorIs(t, err, ErrInvalidConversation)
		})
	}
	assert.Empty(t, d.List("me", ListOptions{}))
}

func TestDirectory_PrivateIsFindOrCreate(t *testing.T) {
	d := newTestDirectory()
	ctx := context.Background()

	v, created, err := d.Create(ctx, "me", NewConversation{Type: TypePrivate, Members: []string{"alice"}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Alice", v.Name)
	assert.ElementsMatch(t, []string{"me", "alice"}, v.Participants)

	again, created, err := d.Create(ctx, "alice", NewConversation{Type: TypePrivate, Members: []string{"me"}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, v.ID, again.ID)
	assert.Equal(t, "Me", again.Name, "a private conversation is named after the other member")
}

func TestDirectory_UnknownMemberNameFallsBackToID(t *testing.T) {
	d := newTestDirectory()
	v, _, err := d.Create(context.Background(), "me", NewConversation{Type: TypePrivate, Members: []string{"zed"}})
	require.NoError(t, err)
	assert.Equal(t, "zed", v.Name)
}

func TestDirectory_ApplyToggles(t *testing.T) {
	d := newTestDirectory()
	v, _, err := d.Create(context.Background(), "me", NewConversation{Type: TypeGroup, Name: "Board", Members: []string{"alice", "bob"}})
	require.NoError(t, err)

	for _, a := range []Action{ActionPin, ActionMute, ActionArchive, ActionStar} {
		on, err := d.Apply("me", v.ID, a)
		require.NoError(t, err)
		off, err := d.Apply("me", v.ID, a)
		require.NoError(t, err)
		assert.NotEqual(t, on, off, string(a))
		assert.Equal(t, v, off, "toggling %s twice restores the view", a)
	}

	pinned, err := d.Apply("me", v.ID, ActionPin)
	require.NoError(t, err)
	assert.True(t, pinned.IsPinned)

	other, err := d.Get("alice", v.ID)
	require.NoError(t, err)
	assert.False(t, other.IsPinned, "flags are per member")

	_, err = d.Apply("carol", v.ID, ActionPin)
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = d.Apply("me", "nope", ActionPin)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	_, err = d.Apply("me", v.ID, "explode")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestDirectory_RecordMessageAndRead(t *testing.T) {
	d := newTestDirectory()
	v, _, err := d.Create(context.Background(), "me", NewConversation{Type: TypeGroup, Name: "Board", Members: []string{"alice", "bob"}})
	require.NoError(t, err)

	at := time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)
	_, err = d.RecordMessage(Message{ConversationID: v.ID, SenderID: "alice", Content: "AG jeudi", Timestamp: at})
	require.NoError(t, err)

	mine, _ := d.Get("me", v.ID)
	assert.Equal(t, 1, mine.UnreadCount)
	assert.Equal(t, "AG jeudi", mine.LastMessage)
	assert.True(t, at.Equal(mine.LastMessageTime))

	sender, _ := d.Get("alice", v.ID)
	assert.Equal(t, 0, sender.UnreadCount)

	read, err := d.Apply("me", v.ID, ActionRead)
	require.NoError(t, err)
	assert.Equal(t, 0, read.UnreadCount)

	_, err = d.RecordMessage(Message{ConversationID: v.ID, SenderID: "alice",
		Attachments: []Attachment{{Name: "pv.pdf"}}, Timestamp: at})
	require.NoError(t, err)
	mine, _ = d.Get("me", v.ID)
	assert.Equal(t, "📎 pv.pdf", mine.LastMessage)
}

func TestDirectory_ListFilterSortQuery(t *testing.T) {
	d := newTestDirectory()
	ctx := context.Background()

	alice, _, _ := d.Create(ctx, "me", NewConversation{Type: TypePrivate, Members: []string{"alice"}})
	bob, _, _ := d.Create(ctx, "me", NewConversation{Type: TypePrivate, Members: []string{"bob"}})
	board, _, _ := d.Create(ctx, "me", NewConversation{Type: TypeGroup, Name: "Board", Members: []string{"alice", "bob"}})
	carol, _, _ := d.Create(ctx, "me", NewConversation{Type: TypePrivate, Members: []string{"carol"}})

	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	_, _ = d.RecordMessage(Message{ConversationID: alice.ID, SenderID: "alice", Content: "cotisation payée", Timestamp: base.Add(3 * time.Hour)})
	_, _ = d.RecordMessage(Message{ConversationID: bob.ID, SenderID: "bob", Content: "salut", Timestamp: base.Add(1 * time.Hour)})
	_, _ = d.RecordMessage(Message{ConversationID: bob.ID, SenderID: "bob", Content: "tu es là ?", Timestamp: base.Add(2 * time.Hour)})
	_, _ = d.RecordMessage(Message{ConversationID: board.ID, SenderID: "me", Content: "ordre du jour", Timestamp: base.Add(4 * time.Hour)})
	_, _ = d.Apply("me", carol.ID, ActionArchive)
	_, _ = d.Apply("me", bob.ID, ActionPin)

	ids := func(vs []ConversationView) []string {
		out := make([]string, 0, len(vs))
		for _, v := range vs {
			out = append(out, v.ID)
		}
		return out
	}

	assert.Equal(t, []string{bob.ID, board.ID, alice.ID}, ids(d.List("me", ListOptions{})),
		"pinned first, then newest, archived hidden")
	assert.Equal(t, []string{bob.ID, alice.ID, board.ID}, ids(d.List("me", ListOptions{Sort: SortName})))
	assert.Equal(t, []string{bob.ID, alice.ID, board.ID}, ids(d.List("me", ListOptions{Sort: SortUnread})))
	assert.Equal(t, []string{carol.ID}, ids(d.List("me", ListOptions{Filter: FilterArchived})))
	assert.Equal(t, []string{board.ID}, ids(d.List("me", ListOptions{Filter: FilterGroups})))
	assert.Equal(t, []string{bob.ID}, ids(d.List("me", ListOptions{Filter: FilterPinned})))
	assert.Equal(t, []string{bob.ID, alice.ID}, ids(d.List("me", ListOptions{Filter: FilterUnread})))
	assert.Equal(t, []string{alice.ID}, ids(d.List("me", ListOptions{Query: "COTISATION"})))
	assert.Equal(t, []string{board.ID}, ids(d.List("me", ListOptions{Query: "boa"})))

	counts := d.Counts("me")
	assert.Equal(t, 3, counts["all"])
	assert.Equal(t, 2, counts["unread"])
	assert.Equal(t, 1, counts["pinned"])
	assert.Equal(t, 1, counts["groups"])
	assert.Equal(t, 1, counts["archived"])
	assert.Equal(t, 3, counts["total_unread"])

	assert.Empty(t, d.List("carol", ListOptions{Filter: FilterGroups}))
}

func TestDirectory_DeleteRemovesForEveryone(t *testing.T) {
	d := newTestDirectory()
	v, _, err := d.Create(context.Background(), "me", NewConversation{Type: TypePrivate, Members: []string{"alice"}})
	require.NoError(t, err)

	_, err = d.Apply("me", v.ID, ActionDelete)
	require.NoError(t, err)

	_, err = d.Get("alice", v.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.Empty(t, d.List("me", ListOptions{}))
}
