package store

import "time"

type User struct {
	ID             int64     `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt      time.Time `json:"created_at"`
}

type Chat struct {
	ID        string    `json:"id"` // UUID, also the history session id
	UserID    int64     `json:"user_id"`
	Title     *string   `json:"title"` // Nullable until generated
	CreatedAt time.Time `json:"created_at"`
}

// Prompt roles
const (
	PromptRoleSystem = "system"
	PromptRoleUser   = "user"
)

type Prompt struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Upload statuses
const (
	UploadPending = "pending"
	UploadRunning = "running"
	UploadDone    = "done"
	UploadFailed  = "failed"
)

type Upload struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Filename  string    `json:"filename"`
	Path      string    `json:"-"`
	IndexName string    `json:"index_name"`
	Status    string    `json:"status"`
	Rows      int       `json:"rows"`
	Chunks    int       `json:"chunks"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Interaction is one answered question, kept for auditing and feedback.
type Interaction struct {
	ID               string    `json:"id"`
	ChatID           string    `json:"chat_id"`
	Question         string    `json:"question"`
	Answer           string    `json:"answer"`
	TTFTMillis       int64     `json:"ttft_ms"`
	ElapsedMillis    int64     `json:"elapsed_ms"`
	Cached           bool      `json:"cached"`
	NegativeFeedback bool      `json:"negative_feedback"`
	CreatedAt        time.Time `json:"created_at"`
}

// History message types
const (
	MessageHuman = "human"
	MessageAI    = "ai"
)

// Reference is a retrieved row that backed an answer.
type Reference struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type HistoryMessage struct {
	Type       string      `json:"type"`
	Content    string      `json:"content"`
	References []Reference `json:"references,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}
