// Package message defines the durable chat message model and its
// PostgreSQL store. Message content is immutable after creation; only the
// delivered/read/deleted/favorited flags change. Messages are never
// physically removed.
package message

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Content kinds.
const (
	KindText  = "text"
	KindImage = "image"
)

const (
	// MaxTextChars is the maximum character count for a text body.
	MaxTextChars = 2000

	// MaxTextBytes caps the encoded size of a text body.
	MaxTextBytes = 4096
)

// Message is one durable chat message. The id is assigned by the client
// before the write is confirmed, which is what makes optimistic UI and
// delivery confirmation possible.
type Message struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	Kind        string    `json:"kind"` // text | image
	Text        string    `json:"text,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Delivered   bool      `json:"delivered"`
	Read        bool      `json:"read"`
	Deleted     bool      `json:"-"`
	FavoritedBy []string  `json:"favorited_by,omitempty"`
}

// ValidateText checks a text body against the content limits.
func ValidateText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxTextBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxTextBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}

// FilterDeleted returns msgs with soft-deleted entries removed, preserving
// order. Used on the fallback query path, where the store cannot exclude
// them server-side.
func FilterDeleted(msgs []Message) []Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if !m.Deleted {
			out = append(out, m)
		}
	}
	return out
}
