package domain

import (
	"time"

	"github.com/google/uuid"
)

// Reading is a generated fortune persisted after a successful model call.
type Reading struct {
	ID        uuid.UUID      `json:"id"`
	UserID    string         `json:"userId,omitempty"`
	Feature   Feature        `json:"feature"`
	Input     map[string]any `json:"input"`
	Text      string         `json:"text"`
	Model     string         `json:"model"`
	ImageKey  string         `json:"imageKey,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Owner returns the storage namespace for the reading.
func (r *Reading) Owner() string {
	if r.UserID == "" {
		return "anonymous"
	}
	return r.UserID
}

// TarotCard is a drawn card in a spread position.
type TarotCard struct {
	Name     string `json:"name"`
	Position string `json:"position,omitempty"`
	Reversed bool   `json:"reversed"`
}

// Hexagram is an I Ching casting: six lines bottom to top, each 6, 7, 8 or 9.
type Hexagram struct {
	Lines         []int `json:"lines"`
	Primary       int   `json:"primary"`
	Relating      int   `json:"relating,omitempty"`
	ChangingLines []int `json:"changingLines,omitempty"`
}

// Person is one side of a compatibility diagnosis.
type Person struct {
	Name      string `json:"name"`
	BirthDate string `json:"birthDate"`
	Sign      string `json:"sign,omitempty"`
}

// ChatTurn is one message of a chat conversation.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
