package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go-assoc-chat/internal/timer"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []EventOp
}

func (r *recorder) notify(op EventOp, _ any) {
	r.mu.Lock()
	r.events = append(r.events, op)
	r.mu.Unlock()
}

func (r *recorder) ops() []EventOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventOp(nil), r.events...)
}

func newTestSession(t *testing.T, cfg SessionConfig) (*Session, *clock.Mock, *recorder) {
	t.Helper()
	mock := clock.NewMock()
	rec := &recorder{}
	if cfg.Notify == nil {
		cfg.Notify = rec.notify
	}
	s := NewSession("conv-1", timer.New(mock), cfg, nil)
	t.Cleanup(s.Close)
	return s, mock, rec
}

func statusOf(s *Session, id string) DeliveryStatus {
	m, _ := s.Message(id)
	return m.Status
}

func TestSession_SendHello(t *testing.T) {
	s, _, rec := newTestSession(t, SessionConfig{})

	r, err := s.Send(context.Background(), "me", Draft{Content: "hello"})
	require.NoError(t, err)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.True(t, msgs[0].IsSent)
	assert.False(t, msgs[0].IsRead)
	assert.Equal(t, StatusSent, msgs[0].Status)
	assert.Equal(t, "me", msgs[0].SenderID)
	assert.Empty(t, msgs[0].Reactions)
	assert.Equal(t, msgs[0].ID, r.Message.ID)
	assert.Contains(t, rec.ops(), OpMessageCreated)
}

func TestSession_EmptySendLeavesListUnchanged(t *testing.T) {
	s, _, _ := newTestSession(t, SessionConfig{})
	_, err := s.Send(context.Background(), "me", Draft{Content: "first"})
	require.NoError(t, err)

	for _, content := range []string{"", "   ", "\n\t"} {
		_, err := s.Send(context.Background(), "me", Draft{Content: content})
		assert.ErrorIs(t, err, ErrEmptyMessage)
	}
	assert.Len(t, s.Messages(), 1)
}

func TestSession_AttachmentOnlySendIsAccepted(t *testing.T) {
	s, _, _ := newTestSession(t, SessionConfig{})
	_, err := s.Send(context.Background(), "me", Draft{
		Attachments: []Attachment{{Name: "receipt.pdf", URL: "https://files.example/receipt.pdf"}},
	})
	require.NoError(t, err)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Content)
	assert.Len(t, msgs[0].Attachments, 1)
}

func TestSession_PendingReplyIsConsumedBySend(t *testing.T) {
	s, _, _ := newTestSession(t, SessionConfig{})
	r, err := s.Send(context.Background(), "other", Draft{Content: "question?"})
	require.NoError(t, err)

	require.NoError(t, s.SetReplyTo("me", r.Message.ID))
	assert.Equal(t, r.Message.ID, s.PendingReply("me"))

	reply, err := s.Send(context.Background(), "me", Draft{Content: "answer"})
	require.NoError(t, err)
	assert.Equal(t, r.Message.ID, reply.Message.ReplyToID)
	assert.Empty(t, s.PendingReply("me"))

	next, err := s.Send(context.Background(), "me", Draft{Content: "follow-up"})
	require.NoError(t, err)
	assert.Empty(t, next.Message.ReplyToID)
}

func TestSession_ReplyToUnknownMessage(t *testing.T) {
	s, _, _ := newTestSession(t, SessionConfig{})
	assert.ErrorIs(t, s.SetReplyTo("me", "missing"), ErrMessageNotFound)

	_, err := s.Send(context.Background(), "me", Draft{Content: "hi", ReplyToID: "missing"})
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.Empty(t, s.Messages())
}

func TestSession_SimulatedDeliveryAfterOneSecond(t *testing.T) {
	s, mock, rec := newTestSession(t, SessionConfig{})
	r, err := s.Send(context.Background(), "me", Draft{Content: "hello"})
	require.NoError(t, err)

	mock.Add(999 * time.Millisecond)
	assert.Equal(t, StatusSent, statusOf(s, r.Message.ID))

	mock.Add(time.Millisecond)
	assert.Eventually(t, func() bool {
		return statusOf(s, r.Message.ID) == StatusDelivered
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		for _, op := range rec.ops() {
			if op == OpMessageStatus {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.PendingDeliveries())
}

func TestSession_SimulatedIgnoresSenderResult(t *testing.T) {
	boom := errors.New("backend down")
	s, mock, _ := newTestSession(t, SessionConfig{
		Sender: SenderFunc(func(context.Context, Message) error { return boom }),
	})
	r, err := s.Send(context.Background(), "me", Draft{Content: "hello"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), boom)
	assert.Equal(t, StatusSent, statusOf(s, r.Message.ID))

	mock.Add(time.Second)
	assert.Eventually(t, func() bool {
		return statusOf(s, r.Message.ID) == StatusDelivered
	}, time.Second, 5*time.Millisecond)
}

func TestSession_AcknowledgedMode(t *testing.T) {
	t.Run("success delivers", func(t *testing.T) {
		s, _, _ := newTestSession(t, SessionConfig{
			Mode:   DeliveryAcknowledged,
			Sender: SenderFunc(func(context.Context, Message) error { return nil }),
		})
		r, err := s.Send(context.Background(), "me", Draft{Content: "hello"})
		require.NoError(t, err)
		require.NoError(t, r.Wait(context.Background()))
		assert.Equal(t, StatusDelivered, statusOf(s, r.Message.ID))
		assert.Equal(t, 0, s.PendingDeliveries())
	})

	t.Run("error fails", func(t *testing.T) {
		boom := errors.New("rejected")
		s, _, _ := newTestSession(t, SessionConfig{
			Mode:   DeliveryAcknowledged,
			Sender: SenderFunc(func(context.Context, Message) error { return boom }),
		})
		r, err := s.Send(context.Background(), "me", Draft{Content: "hello"})
		require.NoError(t, err)
		assert.ErrorIs(t, r.Wait(context.Background()), boom)
		assert.Equal(t, StatusFailed, statusOf(s, r.Message.ID))
	})
}

func TestSession_CloseCancelsTimersAndSends(t *testing.T) {
	started := make(chan struct{})
	s, mock, _ := newTestSession(t, SessionConfig{
		Sender: SenderFunc(func(ctx context.Context, _ Message) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}),
	})
	r, err := s.Send(context.Background(), "me", Draft{Content: "hello"})
	require.NoError(t, err)
	<-started
	assert.Equal(t, 1, s.PendingDeliveries())

	s.Close()
	assert.Equal(t, 0, s.PendingDeliveries())
	assert.ErrorIs(t, r.Err(), context.Canceled)

	mock.Add(5 * time.Second)
	assert.Never(t, func() bool {
		return statusOf(s, r.Message.ID) != StatusSent
	}, 50*time.Millisecond, 5*time.Millisecond)

	_, err = s.Send(context.Background(), "me", Draft{Content: "late"})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_ToggleReaction(t *testing.T) {
	s, _, _ := newTestSession(t, SessionConfig{})
	r, err := s.Send(context.Background(), "me", Draft{Content: "hello"})
	require.NoError(t, err)
	id := r.Message.ID

	got, added, err := s.ToggleReaction(id, "👍", "me")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, Reactions{"👍": {"me"}}, got)

	got, added, err = s.ToggleReaction(id, "👍", "me")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Empty(t, got)

	m, _ := s.Message(id)
	assert.Empty(t, m.Reactions)
}

func TestSession_ToggleReactionRejects(t *testing.T) {
	s, _, _ := newTestSession(t, SessionConfig{})
	r, err := s.Send(context.Background(), "me", Draft{Content: "hello"})
	require.NoError(t, err)

	_, _, err = s.ToggleReaction("nope", "👍", "me")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	_, _, err = s.ToggleReaction(r.Message.ID, "  ", "me")
	assert.ErrorIs(t, err, ErrInvalidEmoji)

	m, _ := s.Message(r.Message.ID)
	assert.Empty(t, m.Reactions)
}

func TestSession_DeleteMessageCancelsDelivery(t *testing.T) {
	s, mock, _ := newTestSession(t, SessionConfig{})
	first, err := s.Send(context.Background(), "me", Draft{Content: "one"})
	require.NoError(t, err)
	second, err := s.Send(context.Background(), "me", Draft{Content: "two"})
	require.NoError(t, err)
	assert.Equal(t, 2, s.PendingDeliveries())

	require.NoError(t, s.DeleteMessage(first.Message.ID))
	assert.Equal(t, 1, s.PendingDeliveries())
	assert.ErrorIs(t, s.DeleteMessage(first.Message.ID), ErrMessageNotFound)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, second.Message.ID, msgs[0].ID)

	mock.Add(time.Second)
	assert.Eventually(t, func() bool {
		return statusOf(s, second.Message.ID) == StatusDelivered
	}, time.Second, 5*time.Millisecond)
}

func TestSession_MarkRead(t *testing.T) {
	history := []Message{
		{ID: "h1", ConversationID: "conv-1", SenderID: "other", Content: "hi", Status: StatusDelivered},
	}
	mock := clock.NewMock()
	s := NewSession("conv-1", timer.New(mock), SessionConfig{}, history)
	t.Cleanup(s.Close)

	mine, err := s.Send(context.Background(), "me", Draft{Content: "hello"})
	require.NoError(t, err)

	// "me" reads: only the other member's message changes.
	assert.Equal(t, []string{"h1"}, s.MarkRead("me"))

	// "other" reads: the outgoing message skips straight to read.
	assert.Equal(t, []string{mine.Message.ID}, s.MarkRead("other"))
	m, _ := s.Message(mine.Message.ID)
	assert.True(t, m.IsRead)
	assert.Equal(t, StatusRead, m.Status)
	assert.Equal(t, 0, s.PendingDeliveries())

	// read never goes back to delivered.
	mock.Add(time.Second)
	assert.Never(t, func() bool {
		return statusOf(s, mine.Message.ID) != StatusRead
	}, 30*time.Millisecond, 5*time.Millisecond)

	assert.Empty(t, s.MarkRead("other"))
}

func TestSession_AfterSentWaitsForSender(t *testing.T) {
	release := make(chan struct{})
	s, _, _ := newTestSession(t, SessionConfig{
		Sender: SenderFunc(func(context.Context, Message) error {
			<-release
			return errors.New("insert failed")
		}),
	})
	r1, err := s.Send(context.Background(), "me", Draft{Content: "one"})
	require.NoError(t, err)
	r2, err := s.Send(context.Background(), "me", Draft{Content: "two"})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	record := func(name string) func(error) {
		return func(err error) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, name)
			if err != nil {
				got = append(got, err.Error())
			}
		}
	}
	s.AfterSent([]string{r1.Message.ID}, record("first"))
	s.AfterSent([]string{r1.Message.ID, r2.Message.ID}, record("both"))
	s.AfterSent([]string{"already-gone"}, record("now"))

	mu.Lock()
	assert.Equal(t, []string{"now"}, got)
	mu.Unlock()

	close(release)
	require.Error(t, r1.Wait(context.Background()))
	require.Error(t, r2.Wait(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"now", "first", "insert failed", "both", "insert failed"}, got)
}

func TestCanAdvance(t *testing.T) {
	cases := []struct {
		from, to DeliveryStatus
		want     bool
	}{
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusSent, StatusFailed, true},
		{StatusDelivered, StatusRead, true},
		{StatusDelivered, StatusSent, false},
		{StatusDelivered, StatusFailed, false},
		{StatusRead, StatusDelivered, false},
		{StatusFailed, StatusDelivered, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, canAdvance(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
