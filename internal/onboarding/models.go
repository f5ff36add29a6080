package onboarding

import (
	"encoding/json"
	"time"

	"github.com/metawhale/holi-platform/internal/ai"
)

type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionCancelled  SessionStatus = "cancelled"
	SessionExpired    SessionStatus = "expired"
)

// Terminal statuses admit no further transition.
func (s SessionStatus) Terminal() bool { return s != SessionInProgress }

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
)

func (s MessageStatus) Terminal() bool {
	return s == MessageCompleted || s == MessageFailed
}

type Session struct {
	ID          string        `gorm:"type:varchar(36);primaryKey" json:"session_id"`
	UserID      uint64        `gorm:"index:idx_onboarding_user_status,priority:1;not null" json:"-"`
	Status      SessionStatus `gorm:"type:varchar(16);index:idx_onboarding_user_status,priority:2;not null" json:"status"`
	SummaryJSON *string       `gorm:"type:text" json:"-"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func (Session) TableName() string { return "onboarding_sessions" }

func (s *Session) IsActive() bool    { return s.Status == SessionInProgress }
func (s *Session) IsCompleted() bool { return s.Status == SessionCompleted }

// Summary decodes the stored payload; nil when absent or unreadable.
func (s *Session) Summary() ai.Summary {
	if s.SummaryJSON == nil {
		return nil
	}
	var out ai.Summary
	if err := json.Unmarshal([]byte(*s.SummaryJSON), &out); err != nil {
		return nil
	}
	return out
}

// Message rows are append-only: status and error_message advance in place but
// there is no updated_at, and content never changes after the terminal write.
type Message struct {
	ID           uint64        `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID    string        `gorm:"type:varchar(36);index;not null" json:"session_id"`
	Role         MessageRole   `gorm:"type:varchar(16);index;not null" json:"role"`
	Content      string        `gorm:"type:text;not null" json:"content"`
	Status       MessageStatus `gorm:"type:varchar(16);index;not null;default:completed" json:"status"`
	ErrorMessage *string       `gorm:"type:text" json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

func (Message) TableName() string { return "onboarding_messages" }

func (m *Message) ToAIFormat() ai.Message {
	return ai.Message{Role: string(m.Role), Content: m.Content}
}
