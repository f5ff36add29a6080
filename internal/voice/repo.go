package voice

import (
	"context"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, t *Transcription) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repo) Get(ctx context.Context, id string) (*Transcription, error) {
	var t Transcription
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// Find scopes by owner; a foreign id reads as not-found.
func (r *Repo) Find(ctx context.Context, id string, userID uint64) (*Transcription, error) {
	var t Transcription
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// HasInFlight is the guard predicate for the voice path, scoped to the owner
// and optionally to one session.
func (r *Repo) HasInFlight(ctx context.Context, userID uint64, sessionID *string) (bool, error) {
	q := r.db.WithContext(ctx).Model(&Transcription{}).
		Where("user_id = ? AND status IN ?", userID, []Status{StatusPending, StatusProcessing})
	if sessionID != nil {
		q = q.Where("session_id = ?", *sessionID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// Transition is the conditional status update; false means the row was not
// in any of the expected statuses and nothing was written.
func (r *Repo) Transition(ctx context.Context, id string, from []Status, to Status, fields map[string]any) (bool, error) {
	updates := map[string]any{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&Transcription{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
