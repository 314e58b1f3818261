package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go-assoc-chat/internal/logger"
	"go-assoc-chat/internal/metrics"
	"go-assoc-chat/internal/timer"

	"go.uber.org/zap"
)

var ErrNotAuthor = errors.New("only the author can delete a message")

// Store is the persistence the service writes through to. Repository is the
// Postgres implementation.
type Store interface {
	Sender
	SaveConversation(ctx context.Context, conv Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	LoadConversations(ctx context.Context) ([]Conversation, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	UpdateStatus(ctx context.Context, messageID string, status DeliveryStatus) error
	MarkRead(ctx context.Context, messageIDs []string) error
	DeleteMessage(ctx context.Context, messageID string) error
	SetReaction(ctx context.Context, messageID, emoji, userID string, added bool) error
}

type Options struct {
	Mode           DeliveryMode
	DeliveredAfter time.Duration
	HistoryLimit   int
}

// Service owns the conversation directory and one Session per open
// conversation. A nil Store keeps everything in memory.
type Service struct {
	dir    *Directory
	hub    *Hub
	store  Store
	lookup MemberLookup
	sched  *timer.Scheduler
	opts   Options

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewService(dir *Directory, hub *Hub, store Store, lookup MemberLookup, sched *timer.Scheduler, opts Options) *Service {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	return &Service{
		dir:      dir,
		hub:      hub,
		store:    store,
		lookup:   lookup,
		sched:    sched,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Load fills the directory from the store.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	convs, err := s.store.LoadConversations(ctx)
	if err != nil {
		return err
	}
	for _, c := range convs {
		names := make(map[string]string, len(c.Participants))
		for _, p := range c.Participants {
			names[p] = s.dir.resolveName(ctx, p)
		}
		s.dir.Put(c, names)
	}
	logger.Log.Info("conversations_loaded", zap.Int("count", len(convs)))
	return nil
}

func (s *Service) Create(ctx context.Context, userID string, req NewConversation) (ConversationView, bool, error) {
	v, created, err := s.dir.Create(ctx, userID, req)
	if err != nil || !created {
		return v, created, err
	}
	if s.store != nil {
		if err := s.store.SaveConversation(ctx, v.Conversation); err != nil {
			logger.Log.Error("conversation_save_failed", zap.String("conversation_id", v.ID), zap.Error(err))
		}
	}
	s.publish(ctx, OpConversationUpdated, v.ID, v.Participants, v.Conversation)
	return v, true, nil
}

func (s *Service) List(userID string, opts ListOptions) []ConversationView {
	return s.dir.List(userID, opts)
}

func (s *Service) Counts(userID string) map[string]int {
	return s.dir.Counts(userID)
}

// Apply runs a conversation list action. Delete also closes the session and
// tells every participant.
func (s *Service) Apply(ctx context.Context, userID, conversationID string, action Action) (ConversationView, error) {
	switch action {
	case ActionRead:
		if _, err := s.MarkRead(ctx, userID, conversationID); err != nil {
			return ConversationView{}, err
		}
		return s.dir.Get(userID, conversationID)

	case ActionDelete:
		participants, err := s.dir.Participants(conversationID)
		if err != nil {
			return ConversationView{}, err
		}
		v, err := s.dir.Apply(userID, conversationID, action)
		if err != nil {
			return ConversationView{}, err
		}
		s.closeSession(conversationID)
		if s.store != nil {
			if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
				logger.Log.Error("conversation_delete_failed", zap.String("conversation_id", conversationID), zap.Error(err))
			}
		}
		s.publish(ctx, OpConversationDeleted, conversationID, participants, map[string]string{"id": conversationID})
		return v, nil
	}

	v, err := s.dir.Apply(userID, conversationID, action)
	if err != nil {
		return ConversationView{}, err
	}
	s.publish(ctx, OpConversationUpdated, conversationID, []string{userID}, v)
	return v, nil
}

func (s *Service) History(ctx context.Context, userID, conversationID string) ([]Message, error) {
	sess, err := s.sessionFor(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	return sess.Messages(), nil
}

func (s *Service) Send(ctx context.Context, userID, conversationID string, d Draft) (*Receipt, error) {
	sess, err := s.sessionFor(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	r, err := sess.Send(ctx, userID, d)
	if err != nil {
		return nil, err
	}
	if _, err := s.dir.RecordMessage(r.Message); err == nil {
		if participants, err := s.dir.Participants(conversationID); err == nil {
			for _, p := range participants {
				if v, err := s.dir.Get(p, conversationID); err == nil {
					s.publish(ctx, OpConversationUpdated, conversationID, []string{p}, v)
				}
			}
		}
	}
	return r, nil
}

// SendPrivate sends d from fromID to toID in their private conversation,
// creating it if needed.
func (s *Service) SendPrivate(ctx context.Context, fromID, toID string, d Draft) (*Receipt, error) {
	v, _, err := s.Create(ctx, fromID, NewConversation{Type: TypePrivate, Members: []string{toID}})
	if err != nil {
		return nil, err
	}
	return s.Send(ctx, fromID, v.ID, d)
}

func (s *Service) SetReplyTo(ctx context.Context, userID, conversationID, messageID string) error {
	sess, err := s.sessionFor(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	return sess.SetReplyTo(userID, messageID)
}

// MarkRead marks the conversation read for userID and clears their unread
// count.
func (s *Service) MarkRead(ctx context.Context, userID, conversationID string) ([]string, error) {
	sess, err := s.sessionFor(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	changed := sess.MarkRead(userID)
	if _, err := s.dir.Apply(userID, conversationID, ActionRead); err != nil {
		return nil, err
	}
	if s.store != nil && len(changed) > 0 {
		sess.AfterSent(changed, func(error) {
			ctx, cancel := persistContext(ctx)
			defer cancel()
			if err := s.store.MarkRead(ctx, changed); err != nil {
				logger.Log.Error("mark_read_persist_failed", zap.String("conversation_id", conversationID), zap.Error(err))
			}
		})
	}
	return changed, nil
}

func (s *Service) ToggleReaction(ctx context.Context, userID, conversationID, messageID, emoji string) (Reactions, bool, error) {
	sess, err := s.sessionFor(ctx, userID, conversationID)
	if err != nil {
		return nil, false, err
	}
	reactions, added, err := sess.ToggleReaction(messageID, emoji, userID)
	if err != nil {
		return nil, false, err
	}
	if s.store != nil {
		sess.AfterSent([]string{messageID}, func(sendErr error) {
			if sendErr != nil {
				return
			}
			ctx, cancel := persistContext(ctx)
			defer cancel()
			if err := s.store.SetReaction(ctx, messageID, emoji, userID, added); err != nil {
				logger.Log.Error("reaction_persist_failed", zap.String("message_id", messageID), zap.Error(err))
			}
		})
	}
	return reactions, added, nil
}

func (s *Service) DeleteMessage(ctx context.Context, userID, conversationID, messageID string) error {
	sess, err := s.sessionFor(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	m, ok := sess.Message(messageID)
	if !ok {
		return ErrMessageNotFound
	}
	if m.SenderID != userID {
		return ErrNotAuthor
	}
	if err := sess.DeleteMessage(messageID); err != nil {
		return err
	}
	if s.store != nil {
		sess.AfterSent([]string{messageID}, func(sendErr error) {
			if sendErr != nil {
				return
			}
			ctx, cancel := persistContext(ctx)
			defer cancel()
			if err := s.store.DeleteMessage(ctx, messageID); err != nil {
				logger.Log.Error("message_delete_failed", zap.String("message_id", messageID), zap.Error(err))
			}
		})
	}
	return nil
}

// HandleFrame executes a frame received over the event stream.
func (s *Service) HandleFrame(ctx context.Context, userID string, f Frame) error {
	switch f.Op {
	case "send":
		_, err := s.Send(ctx, userID, f.ConversationID, f.Draft)
		return err
	case "read":
		_, err := s.MarkRead(ctx, userID, f.ConversationID)
		return err
	case "react":
		_, _, err := s.ToggleReaction(ctx, userID, f.ConversationID, f.MessageID, f.Emoji)
		return err
	case "reply":
		return s.SetReplyTo(ctx, userID, f.ConversationID, f.MessageID)
	}
	return errors.New("unknown op")
}

// sessionFor checks membership and returns the conversation's session,
// creating it from stored history on first use.
func (s *Service) sessionFor(ctx context.Context, userID, conversationID string) (*Session, error) {
	if _, err := s.dir.Get(userID, conversationID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	sess, ok := s.sessions[conversationID]
	s.mu.Unlock()
	if ok {
		return sess, nil
	}

	var history []Message
	if s.store != nil {
		h, err := s.store.RecentMessages(ctx, conversationID, s.opts.HistoryLimit)
		if err != nil {
			return nil, err
		}
		history = h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[conversationID]; ok {
		return sess, nil
	}
	// Deletes drop the directory entry before closing sessions under s.mu.
	if _, err := s.dir.Get(userID, conversationID); err != nil {
		return nil, err
	}
	var created *Session
	cfg := SessionConfig{
		Mode:           s.opts.Mode,
		DeliveredAfter: s.opts.DeliveredAfter,
		Notify:         s.sessionNotifier(conversationID, func() *Session { return created }),
	}
	if s.store != nil {
		cfg.Sender = s.store
	}
	created = NewSession(conversationID, s.sched, cfg, history)
	sess = created
	s.sessions[conversationID] = sess
	metrics.OpenSessions.Inc()
	return sess, nil
}

func (s *Service) sessionNotifier(conversationID string, session func() *Session) func(EventOp, any) {
	return func(op EventOp, data any) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if sc, ok := data.(statusChange); ok && s.store != nil && sc.Status != StatusRead {
			persist := func(error) {
				ctx, cancel := persistContext(context.Background())
				defer cancel()
				if err := s.store.UpdateStatus(ctx, sc.MessageID, sc.Status); err != nil {
					logger.Log.Warn("status_persist_failed", zap.String("message_id", sc.MessageID), zap.Error(err))
				}
			}
			if sess := session(); sess != nil {
				sess.AfterSent([]string{sc.MessageID}, persist)
			} else {
				persist(nil)
			}
		}
		participants, err := s.dir.Participants(conversationID)
		if err != nil {
			return
		}
		s.publish(ctx, op, conversationID, participants, data)
	}
}

// persistContext detaches a store write from the request that caused it.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

func (s *Service) publish(ctx context.Context, op EventOp, conversationID string, recipients []string, data any) {
	if s.hub == nil {
		return
	}
	ev, err := newEvent(op, conversationID, recipients, data)
	if err != nil {
		logger.Log.Error("event_encode_failed", zap.String("op", string(op)), zap.Error(err))
		return
	}
	s.hub.Publish(ctx, ev)
}

func (s *Service) closeSession(conversationID string) {
	s.mu.Lock()
	sess, ok := s.sessions[conversationID]
	delete(s.sessions, conversationID)
	s.mu.Unlock()
	if ok {
		sess.Close()
		metrics.OpenSessions.Dec()
	}
}

// Close closes every open session.
func (s *Service) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
		metrics.OpenSessions.Dec()
	}
}
