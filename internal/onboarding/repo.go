package onboarding

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// FindSession scopes the lookup to the owner; a mismatched owner reads as
// not-found so ids do not leak across users.
func (r *Repo) FindSession(ctx context.Context, id string, userID uint64) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) ActiveSessionForUser(ctx context.Context, userID uint64) (*Session, error) {
	var s Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, SessionInProgress).
		Order("created_at DESC").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SummarizedSessionsForUser lists completed sessions that carry a summary,
// newest completion first.
func (r *Repo) SummarizedSessionsForUser(ctx context.Context, userID uint64, offset, limit int) ([]Session, int64, error) {
	where := "user_id = ? AND status = ? AND summary_json IS NOT NULL"

	var total int64
	if err := r.db.WithContext(ctx).Model(&Session{}).
		Where(where, userID, SessionCompleted).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var out []Session
	err := r.db.WithContext(ctx).
		Where(where, userID, SessionCompleted).
		Order("completed_at DESC").
		Offset(offset).Limit(limit).
		Find(&out).Error
	return out, total, err
}

func (r *Repo) StaleSessionsForUser(ctx context.Context, userID uint64, cutoff time.Time) ([]Session, error) {
	var out []Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND updated_at < ?", userID, SessionInProgress, cutoff).
		Find(&out).Error
	return out, err
}

// TransitionSession is the conditional-update primitive: the write lands only
// if the current status is in from, and RowsAffected tells the caller whether
// it won. Concurrent writers racing for the same transition get exactly one
// winner.
func (r *Repo) TransitionSession(ctx context.Context, id string, from []SessionStatus, to SessionStatus, fields map[string]any) (bool, error) {
	updates := map[string]any{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) GetMessage(ctx context.Context, id uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns the full conversation in creation order (ASC), which
// is the order the gateway expects history in.
func (r *Repo) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var out []Message
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

func (r *Repo) LastAssistantMessage(ctx context.Context, sessionID string) (*Message, error) {
	var m Message
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND role = ?", sessionID, RoleAssistant).
		Order("id DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// HasInFlightMessages is the advisory concurrency-guard predicate.
func (r *Repo) HasInFlightMessages(ctx context.Context, sessionID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Message{}).
		Where("session_id = ? AND status IN ?", sessionID,
			[]MessageStatus{MessagePending, MessageProcessing}).
		Count(&n).Error
	return n > 0, err
}

func (r *Repo) TransitionMessage(ctx context.Context, id uint64, from []MessageStatus, to MessageStatus, fields map[string]any) (bool, error) {
	updates := map[string]any{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FailInFlightMessages sweeps every non-terminal message of a session to
// failed. Run from the terminal-failure callback so a crashed worker cannot
// leave a processing row stuck forever.
func (r *Repo) FailInFlightMessages(ctx context.Context, sessionID, errText string) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("session_id = ? AND status IN ?", sessionID,
			[]MessageStatus{MessagePending, MessageProcessing}).
		Updates(map[string]any{
			"status":        MessageFailed,
			"error_message": errText,
		}).Error
}
