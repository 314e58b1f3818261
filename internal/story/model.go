package story

import (
	"time"
)

type ContentType string

const (
	ContentImage ContentType = "image"
	ContentVideo ContentType = "video"
	ContentText  ContentType = "text"
)

const (
	stillDuration        = 5 * time.Second
	defaultVideoDuration = 10 * time.Second
	// MaxVideoDuration caps a video story's declared length.
	MaxVideoDuration = 10 * time.Minute
)

type Content struct {
	Type            ContentType `json:"type"`
	URL             string      `json:"url,omitempty"`
	Text            string      `json:"text,omitempty"`
	BackgroundColor string      `json:"background_color,omitempty"`
	TextColor       string      `json:"text_color,omitempty"`
	Font            string      `json:"font,omitempty"`
}

type View struct {
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Reaction struct {
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	Timestamp time.Time `json:"timestamp"`
}

// Story is one status update. Views hold at most one entry per viewer and
// Reactions at most one entry per user.
type Story struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Content   Content    `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	ExpiresAt time.Time  `json:"expires_at"`
	Views     []View     `json:"views"`
	Reactions []Reaction `json:"reactions"`
	// Duration is the video length in seconds; zero means unknown.
	Duration float64 `json:"duration,omitempty"`
}

// PlaybackDuration is how long a story stays on screen: five seconds for
// stills and text, the video's own length for video (ten seconds if unknown,
// never more than MaxVideoDuration).
func PlaybackDuration(s Story) time.Duration {
	if s.Content.Type != ContentVideo {
		return stillDuration
	}
	if !(s.Duration > 0) {
		return defaultVideoDuration
	}
	if s.Duration >= MaxVideoDuration.Seconds() {
		return MaxVideoDuration
	}
	return time.Duration(s.Duration * float64(time.Second))
}

func (s Story) clone() Story {
	out := s
	out.Views = append([]View{}, s.Views...)
	out.Reactions = append([]Reaction{}, s.Reactions...)
	return out
}

// ViewedBy reports whether userID has a view recorded.
func (s Story) ViewedBy(userID string) bool {
	for _, v := range s.Views {
		if v.UserID == userID {
			return true
		}
	}
	return false
}

// Group is one user's stories as shown in the feed, oldest first.
type Group struct {
	UserID      string    `json:"user_id"`
	Stories     []Story   `json:"stories"`
	HasUnviewed bool      `json:"has_unviewed"`
	Latest      time.Time `json:"latest"`
}
