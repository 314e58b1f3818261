package chat

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) SaveConversation(ctx context.Context, conv Conversation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, name, type, last_message, last_message_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		conv.ID, conv.Name, string(conv.Type), conv.LastMessage, conv.LastMessageTime, conv.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	for _, p := range conv.Participants {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`, conv.ID, p)
		if err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return tx.Commit()
}

func (r *Repository) DeleteConversation(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = $1", id)
	return err
}

// LoadConversations returns every stored conversation with its participants.
func (r *Repository) LoadConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, type, last_message, last_message_at, created_at
		FROM conversations
		ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []Conversation
	index := map[string]int{}
	for rows.Next() {
		var c Conversation
		var typ string
		if err := rows.Scan(&c.ID, &c.Name, &typ, &c.LastMessage, &c.LastMessageTime, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Type = ConversationType(typ)
		index[c.ID] = len(convs)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := r.db.QueryContext(ctx,
		"SELECT conversation_id, user_id FROM participants ORDER BY joined_at")
	if err != nil {
		return nil, err
	}
	defer prows.Close()
	for prows.Next() {
		var convID, userID string
		if err := prows.Scan(&convID, &userID); err != nil {
			return nil, err
		}
		if i, ok := index[convID]; ok {
			convs[i].Participants = append(convs[i].Participants, userID)
		}
	}
	return convs, prows.Err()
}

// Send persists a freshly sent message. It is the session's Sender.
func (r *Repository) Send(ctx context.Context, msg Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var replyTo sql.NullString
	if msg.ReplyToID != "" {
		replyTo = sql.NullString{String: msg.ReplyToID, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, reply_to_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, replyTo, string(msg.Status), msg.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	for i, a := range msg.Attachments {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO message_attachments (message_id, position, name, url, size, mime_type)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			msg.ID, i, a.Name, a.URL, a.Size, a.MimeType)
		if err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE conversations SET last_message = $2, last_message_at = $3 WHERE id = $1",
		msg.ConversationID, preview(msg), msg.Timestamp)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit()
}

func (r *Repository) UpdateStatus(ctx context.Context, messageID string, status DeliveryStatus) error {
	// delivered and failed only ever replace sent.
	_, err := r.db.ExecContext(ctx,
		"UPDATE messages SET status = $2 WHERE id = $1 AND status = 'sent'", messageID, string(status))
	return err
}

func (r *Repository) MarkRead(ctx context.Context, messageIDs []string) error {
	for _, id := range messageIDs {
		_, err := r.db.ExecContext(ctx,
			`UPDATE messages SET is_read = TRUE,
			 status = CASE WHEN status IN ('sent', 'delivered') THEN 'read' ELSE status END
			 WHERE id = $1`, id)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM messages WHERE id = $1", messageID)
	return err
}

func (r *Repository) SetReaction(ctx context.Context, messageID, emoji, userID string, added bool) error {
	if added {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO message_reactions (message_id, emoji, user_id) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`, messageID, emoji, userID)
		return err
	}
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM message_reactions WHERE message_id = $1 AND emoji = $2 AND user_id = $3",
		messageID, emoji, userID)
	return err
}

// RecentMessages returns the newest limit messages of a conversation, oldest
// first, with reactions and attachments.
func (r *Repository) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, COALESCE(reply_to_id, ''), status, is_read, created_at
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	index := map[string]int{}
	for rows.Next() {
		var m Message
		var status string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ReplyToID, &status, &m.IsRead, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Status = DeliveryStatus(status)
		m.IsSent = true
		m.Reactions = Reactions{}
		index[m.ID] = len(messages)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return messages, nil
	}

	since := messages[0].Timestamp
	if err := r.loadReactions(ctx, conversationID, since, messages, index); err != nil {
		return nil, err
	}
	if err := r.loadAttachments(ctx, conversationID, since, messages, index); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *Repository) loadReactions(ctx context.Context, conversationID string, since time.Time, messages []Message, index map[string]int) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT mr.message_id, mr.emoji, mr.user_id
		FROM message_reactions mr
		JOIN messages m ON m.id = mr.message_id
		WHERE m.conversation_id = $1 AND m.created_at >= $2
		ORDER BY mr.created_at`, conversationID, since)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var msgID, emoji, userID string
		if err := rows.Scan(&msgID, &emoji, &userID); err != nil {
			return err
		}
		if i, ok := index[msgID]; ok && !messages[i].Reactions.Has(emoji, userID) {
			messages[i].Reactions.Toggle(emoji, userID)
		}
	}
	return rows.Err()
}

func (r *Repository) loadAttachments(ctx context.Context, conversationID string, since time.Time, messages []Message, index map[string]int) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ma.message_id, ma.name, ma.url, ma.size, ma.mime_type
		FROM message_attachments ma
		JOIN messages m ON m.id = ma.message_id
		WHERE m.conversation_id = $1 AND m.created_at >= $2
		ORDER BY ma.message_id, ma.position`, conversationID, since)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var msgID string
		var a Attachment
		if err := rows.Scan(&msgID, &a.Name, &a.URL, &a.Size, &a.MimeType); err != nil {
			return err
		}
		if i, ok := index[msgID]; ok {
			messages[i].Attachments = append(messages[i].Attachments, a)
		}
	}
	return rows.Err()
}
