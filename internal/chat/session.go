package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go-assoc-chat/internal/logger"
	"go-assoc-chat/internal/metrics"
	"go-assoc-chat/internal/timer"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxEmojiLength bounds the emoji key. Composite emoji (flags, families)
// can run to ten or more code points.
const MaxEmojiLength = 32

var (
	ErrEmptyMessage    = errors.New("message has no content and no attachments")
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidEmoji    = errors.New("invalid emoji")
	ErrSessionClosed   = errors.New("conversation session closed")
)

type DeliveryMode string

const (
	// DeliverySimulated advances sent -> delivered on a fixed timer,
	// whatever the Sender reports.
	DeliverySimulated DeliveryMode = "simulated"
	// DeliveryAcknowledged advances on the Sender's result.
	DeliveryAcknowledged DeliveryMode = "acknowledged"
)

// Sender is the external collaborator a sent message is handed to.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

type SessionConfig struct {
	Mode           DeliveryMode
	DeliveredAfter time.Duration
	Sender         Sender
	// Notify receives every state change, outside the session lock.
	Notify func(op EventOp, data any)
}

// Session owns the ordered message list of one conversation and the timers
// that drive each outgoing message's delivery status.
type Session struct {
	conversationID string
	cfg            SessionConfig
	timers         *timer.Group
	ctx            context.Context
	cancel         context.CancelFunc
	inflight       sync.WaitGroup

	mu       sync.Mutex
	messages []*Message
	pending  map[string]*timer.Handle
	replyTo  map[string]string
	// unsent holds the follow-ups queued for messages whose Sender call
	// has not returned yet.
	unsent map[string][]func(error)
	closed bool
}

// NewSession starts a session seeded with history (oldest first).
func NewSession(conversationID string, sched *timer.Scheduler, cfg SessionConfig, history []Message) *Session {
	if cfg.Mode == "" {
		cfg.Mode = DeliverySimulated
	}
	if cfg.DeliveredAfter <= 0 {
		cfg.DeliveredAfter = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conversationID: conversationID,
		cfg:            cfg,
		timers:         timer.NewGroup(sched),
		ctx:            ctx,
		cancel:         cancel,
		pending:        make(map[string]*timer.Handle),
		replyTo:        make(map[string]string),
		unsent:         make(map[string][]func(error)),
	}
	for _, m := range history {
		m := m.clone()
		if m.Reactions == nil {
			m.Reactions = Reactions{}
		}
		s.messages = append(s.messages, &m)
	}
	return s
}

// ConversationID returns the owning conversation.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// Send appends a message authored by authorID and hands it to the Sender.
// Blank content with no attachments is rejected without touching the list.
func (s *Session) Send(ctx context.Context, authorID string, d Draft) (*Receipt, error) {
	content := strings.TrimSpace(d.Content)
	if content == "" && len(d.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}

	replyTo := d.ReplyToID
	if replyTo == "" {
		replyTo = s.replyTo[authorID]
		if replyTo != "" && s.find(replyTo) == nil {
			replyTo = ""
		}
	} else if s.find(replyTo) == nil {
		s.mu.Unlock()
		return nil, ErrMessageNotFound
	}
	delete(s.replyTo, authorID)

	msg := &Message{
		ID:             newMessageID(),
		ConversationID: s.conversationID,
		SenderID:       authorID,
		Content:        content,
		Timestamp:      s.timers.Now(),
		IsRead:         false,
		IsSent:         true,
		Status:         StatusSent,
		ReplyToID:      replyTo,
		Reactions:      Reactions{},
	}
	if len(d.Attachments) > 0 {
		msg.Attachments = append([]Attachment(nil), d.Attachments...)
	}
	s.messages = append(s.messages, msg)

	if s.cfg.Mode == DeliverySimulated {
		id := msg.ID
		if h, err := s.timers.After(s.cfg.DeliveredAfter, func() { s.advance(id, StatusDelivered) }); err == nil {
			s.pending[id] = h
		}
	}
	if s.cfg.Sender != nil {
		s.inflight.Add(1)
		s.unsent[msg.ID] = nil
	}
	out := msg.clone()
	s.mu.Unlock()

	metrics.MessagesSent.Inc()
	s.emit(OpMessageCreated, out)

	receipt := newReceipt(out)
	s.dispatch(receipt)
	return receipt, nil
}

func (s *Session) dispatch(r *Receipt) {
	if s.cfg.Sender == nil {
		if s.cfg.Mode == DeliveryAcknowledged {
			s.advance(r.Message.ID, StatusDelivered)
		}
		r.finish(nil)
		return
	}

	go func() {
		defer s.inflight.Done()
		err := s.cfg.Sender.Send(s.ctx, r.Message)
		s.drainFollowUps(r.Message.ID, err)
		if err != nil {
			metrics.MessageSendFailures.Inc()
			logger.Log.Warn("message_send_failed",
				zap.String("conversation_id", s.conversationID),
				zap.String("message_id", r.Message.ID),
				zap.String("mode", string(s.cfg.Mode)),
				zap.Error(err),
			)
		}
		if s.cfg.Mode == DeliveryAcknowledged {
			if err != nil {
				s.advance(r.Message.ID, StatusFailed)
			} else {
				s.advance(r.Message.ID, StatusDelivered)
			}
		}
		r.finish(err)
	}()
}

// AfterSent runs fn once the Sender has returned for every message in ids,
// passing the first send error. It runs fn at once when nothing is pending.
// Follow-ups queued on one message run in order, on the send goroutine.
func (s *Session) AfterSent(ids []string, fn func(sendErr error)) {
	s.mu.Lock()
	var waiting []string
	for _, id := range ids {
		if _, ok := s.unsent[id]; ok {
			waiting = append(waiting, id)
		}
	}
	if len(waiting) == 0 {
		s.mu.Unlock()
		fn(nil)
		return
	}

	var (
		mu       sync.Mutex
		left     = len(waiting)
		firstErr error
	)
	join := func(err error) {
		mu.Lock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		left--
		last, sendErr := left == 0, firstErr
		mu.Unlock()
		if last {
			fn(sendErr)
		}
	}
	for _, id := range waiting {
		s.unsent[id] = append(s.unsent[id], join)
	}
	s.mu.Unlock()
}

// drainFollowUps runs the follow-ups queued on messageID, including any
// queued while earlier ones run, then forgets the message.
func (s *Session) drainFollowUps(messageID string, sendErr error) {
	for {
		s.mu.Lock()
		queued := s.unsent[messageID]
		if len(queued) == 0 {
			delete(s.unsent, messageID)
			s.mu.Unlock()
			return
		}
		s.unsent[messageID] = nil
		s.mu.Unlock()
		for _, fn := range queued {
			fn(sendErr)
		}
	}
}

// advance moves a message forward in the delivery state machine. Backward
// or sideways moves are ignored.
func (s *Session) advance(messageID string, to DeliveryStatus) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	m := s.find(messageID)
	if m == nil || !canAdvance(m.Status, to) {
		s.mu.Unlock()
		return
	}
	m.Status = to
	if h, ok := s.pending[messageID]; ok {
		h.Cancel()
		delete(s.pending, messageID)
	}
	s.mu.Unlock()

	metrics.DeliveryTransitions.WithLabelValues(string(to)).Inc()
	s.emit(OpMessageStatus, statusChange{MessageID: messageID, Status: to})
}

func canAdvance(from, to DeliveryStatus) bool {
	switch to {
	case StatusDelivered, StatusFailed:
		return from == StatusSent
	case StatusRead:
		return from == StatusSent || from == StatusDelivered
	}
	return false
}

// ToggleReaction adds or removes userID's emoji on a message. It returns the
// message's reactions after the toggle and whether the reaction was added.
func (s *Session) ToggleReaction(messageID, emoji, userID string) (Reactions, bool, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > MaxEmojiLength {
		return nil, false, ErrInvalidEmoji
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, ErrSessionClosed
	}
	m := s.find(messageID)
	if m == nil {
		s.mu.Unlock()
		return nil, false, ErrMessageNotFound
	}
	added := m.Reactions.Toggle(emoji, userID)
	out := m.Reactions.Clone()
	s.mu.Unlock()

	direction := "removed"
	if added {
		direction = "added"
	}
	metrics.ReactionsToggled.WithLabelValues(direction).Inc()
	s.emit(OpMessageReaction, reactionChange{
		MessageID: messageID,
		Emoji:     emoji,
		UserID:    userID,
		Added:     added,
		Reactions: out,
	})
	return out, added, nil
}

// DeleteMessage removes a message. Confirmation is the caller's concern.
func (s *Session) DeleteMessage(messageID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	idx := s.indexOf(messageID)
	if idx < 0 {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	if h, ok := s.pending[messageID]; ok {
		h.Cancel()
		delete(s.pending, messageID)
	}
	for user, ref := range s.replyTo {
		if ref == messageID {
			delete(s.replyTo, user)
		}
	}
	s.mu.Unlock()

	s.emit(OpMessageDeleted, map[string]string{"message_id": messageID})
	return nil
}

// SetReplyTo records the message userID is composing a reply to. An empty
// messageID clears it.
func (s *Session) SetReplyTo(userID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if messageID == "" {
		delete(s.replyTo, userID)
		return nil
	}
	if s.find(messageID) == nil {
		return ErrMessageNotFound
	}
	s.replyTo[userID] = messageID
	return nil
}

// PendingReply returns the reply reference userID's next send will carry.
func (s *Session) PendingReply(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replyTo[userID]
}

// MarkRead marks every message not authored by readerID as read. Outgoing
// messages that were sent or delivered move to read. It returns the ids that
// changed.
func (s *Session) MarkRead(readerID string) []string {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	var changed []string
	for _, m := range s.messages {
		if m.SenderID == readerID || m.IsRead {
			continue
		}
		m.IsRead = true
		if m.IsSent && canAdvance(m.Status, StatusRead) {
			m.Status = StatusRead
			metrics.DeliveryTransitions.WithLabelValues(string(StatusRead)).Inc()
		}
		if h, ok := s.pending[m.ID]; ok {
			h.Cancel()
			delete(s.pending, m.ID)
		}
		changed = append(changed, m.ID)
	}
	s.mu.Unlock()

	if len(changed) > 0 {
		s.emit(OpConversationRead, map[string]any{"reader_id": readerID, "message_ids": changed})
	}
	return changed
}

// Messages returns a copy of the list in arrival order.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.clone())
	}
	return out
}

// Message returns one message by id.
func (s *Session) Message(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.find(id); m != nil {
		return m.clone(), true
	}
	return Message{}, false
}

// PendingDeliveries returns how many delivery timers are still armed.
func (s *Session) PendingDeliveries() int {
	return s.timers.Pending()
}

// Close cancels every delivery timer and in-flight send and waits for the
// send goroutines to return. Nothing mutates the session afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = make(map[string]*timer.Handle)
	s.mu.Unlock()

	s.timers.Close()
	s.cancel()
	s.inflight.Wait()
}

func (s *Session) emit(op EventOp, data any) {
	if s.cfg.Notify != nil {
		s.cfg.Notify(op, data)
	}
}

func (s *Session) find(id string) *Message {
	if i := s.indexOf(id); i >= 0 {
		return s.messages[i]
	}
	return nil
}

func (s *Session) indexOf(id string) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// newMessageID returns a time-ordered id.
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Receipt reports the outcome of handing a message to the Sender.
type Receipt struct {
	Message Message
	done    chan struct{}
	err     error
}

func newReceipt(m Message) *Receipt {
	return &Receipt{Message: m, done: make(chan struct{})}
}

func (r *Receipt) finish(err error) {
	r.err = err
	close(r.done)
}

// Done is closed once the Sender has returned.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Err is the Sender's result. Only meaningful after Done is closed.
func (r *Receipt) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the Sender returns or ctx ends.
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
