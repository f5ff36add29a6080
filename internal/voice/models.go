package voice

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transcription is one audio-to-text job. SessionID is a loose reference: a
// transcription may exist with no session at all.
type Transcription struct {
	ID               string   `gorm:"type:varchar(36);primaryKey" json:"transcription_id"`
	UserID           uint64   `gorm:"index:idx_voice_user_status,priority:1;not null" json:"-"`
	SessionID        *string  `gorm:"type:varchar(36);index" json:"session_id,omitempty"`
	Provider         string   `gorm:"type:varchar(32);not null" json:"provider"`
	Language         string   `gorm:"type:varchar(8);not null" json:"language"`
	OriginalFilename string   `gorm:"type:varchar(255);not null" json:"original_filename"`
	StoredPath       string   `gorm:"type:varchar(255);not null" json:"-"`
	MimeType         string   `gorm:"type:varchar(64);not null" json:"mime_type"`
	FileSize         int64    `gorm:"not null" json:"file_size"`
	Status           Status   `gorm:"type:varchar(16);index:idx_voice_user_status,priority:2;not null" json:"status"`
	TranscribedText  *string  `gorm:"type:text" json:"text,omitempty"`
	Confidence       *float64 `json:"confidence,omitempty"`
	Duration         *float64 `json:"duration,omitempty"`
	ErrorMessage     *string  `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Transcription) TableName() string { return "voice_transcriptions" }
