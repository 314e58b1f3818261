package story

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

func (r *Repository) SaveStory(ctx context.Context, s Story) error {
	var duration sql.NullFloat64
	if s.Duration > 0 {
		duration = sql.NullFloat64{Float64: s.Duration, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO stories (id, user_id, type, url, text, background_color, text_color, font, duration, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.UserID, string(s.Content.Type), s.Content.URL, s.Content.Text,
		s.Content.BackgroundColor, s.Content.TextColor, s.Content.Font,
		duration, s.Timestamp, s.ExpiresAt)
	return err
}

func (r *Repository) SaveView(ctx context.Context, storyID string, v View) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO story_views (story_id, user_id, viewed_at) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`, storyID, v.UserID, v.Timestamp)
	return err
}

func (r *Repository) SaveReaction(ctx context.Context, storyID string, re Reaction) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO story_reactions (story_id, user_id, emoji, reacted_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (story_id, user_id) DO UPDATE SET emoji = EXCLUDED.emoji, reacted_at = EXCLUDED.reacted_at`,
		storyID, re.UserID, re.Emoji, re.Timestamp)
	return err
}

func (r *Repository) DeleteStories(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx, "DELETE FROM stories WHERE id = $1", id); err != nil {
			return fmt.Errorf("delete story %s: %w", id, err)
		}
	}
	return nil
}

// LoadActive returns stories that have not expired at now, with their views
// and reactions.
func (r *Repository) LoadActive(ctx context.Context, now time.Time) ([]Story, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, type, url, text, background_color, text_color, font, duration, created_at, expires_at
		FROM stories
		WHERE expires_at > $1
		ORDER BY created_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stories []Story
	index := map[string]int{}
	for rows.Next() {
		var s Story
		var typ string
		var duration sql.NullFloat64
		if err := rows.Scan(&s.ID, &s.UserID, &typ, &s.Content.URL, &s.Content.Text,
			&s.Content.BackgroundColor, &s.Content.TextColor, &s.Content.Font,
			&duration, &s.Timestamp, &s.ExpiresAt); err != nil {
			return nil, err
		}
		s.Content.Type = ContentType(typ)
		s.Duration = duration.Float64
		s.Views = []View{}
		s.Reactions = []Reaction{}
		index[s.ID] = len(stories)
		stories = append(stories, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	vrows, err := r.db.QueryContext(ctx, `
		SELECT v.story_id, v.user_id, v.viewed_at
		FROM story_views v JOIN stories s ON s.id = v.story_id
		WHERE s.expires_at > $1
		ORDER BY v.viewed_at`, now)
	if err != nil {
		return nil, err
	}
	defer vrows.Close()
	for vrows.Next() {
		var id string
		var v View
		if err := vrows.Scan(&id, &v.UserID, &v.Timestamp); err != nil {
			return nil, err
		}
		if i, ok := index[id]; ok {
			stories[i].Views = append(stories[i].Views, v)
		}
	}
	if err := vrows.Err(); err != nil {
		return nil, err
	}

	rrows, err := r.db.QueryContext(ctx, `
		SELECT re.story_id, re.user_id, re.emoji, re.reacted_at
		FROM story_reactions re JOIN stories s ON s.id = re.story_id
		WHERE s.expires_at > $1
		ORDER BY re.reacted_at`, now)
	if err != nil {
		return nil, err
	}
	defer rrows.Close()
	for rrows.Next() {
		var id string
		var re Reaction
		if err := rrows.Scan(&id, &re.UserID, &re.Emoji, &re.Timestamp); err != nil {
			return nil, err
		}
		if i, ok := index[id]; ok {
			stories[i].Reactions = append(stories[i].Reactions, re)
		}
	}
	return stories, rrows.Err()
}
