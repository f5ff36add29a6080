package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/metawhale/holi-platform/internal/ai"
	"github.com/metawhale/holi-platform/internal/common"
	"github.com/metawhale/holi-platform/internal/queue"
)

var (
	// ErrAlreadyInProgress: the concurrency guard found in-flight work for
	// the session; the caller should keep polling instead of enqueueing.
	ErrAlreadyInProgress = errors.New("onboarding: message processing already in progress")
	// ErrSessionNotActive: the operation needs an in_progress session.
	ErrSessionNotActive = errors.New("onboarding: session is not active")
)

// Publisher is what the orchestrator needs from the queue; the RabbitMQ
// publisher satisfies it, tests use an in-memory fake.
type Publisher interface {
	Publish(ctx context.Context, t queue.Task) error
}

// Locker serializes check-then-insert per owner so concurrent
// GetOrCreateSession calls cannot create duplicate active sessions.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func() error) error
}

type Config struct {
	WelcomePrompt string
	SessionExpiry time.Duration
}

type Service struct {
	repo   *Repo
	client ai.Client
	pub    Publisher
	locker Locker
	cfg    Config
}

func NewService(repo *Repo, client ai.Client, pub Publisher, locker Locker, cfg Config) *Service {
	if cfg.SessionExpiry <= 0 {
		cfg.SessionExpiry = 24 * time.Hour
	}
	return &Service{repo: repo, client: client, pub: pub, locker: locker, cfg: cfg}
}

type CanStartResult struct {
	CanStart        bool    `json:"can_start"`
	Reason          *string `json:"reason"`
	ActiveSessionID *string `json:"active_session_id"`
}

// CanStart expires stale sessions first: an owner whose only active session
// is abandoned must be allowed to start fresh.
func (s *Service) CanStart(ctx context.Context, userID uint64) (CanStartResult, error) {
	if _, err := s.ExpireStaleSessions(ctx, userID); err != nil {
		return CanStartResult{}, err
	}

	active, err := s.repo.ActiveSessionForUser(ctx, userID)
	if err != nil {
		return CanStartResult{}, err
	}
	if active != nil {
		reason := "an onboarding session is already active"
		return CanStartResult{CanStart: false, Reason: &reason, ActiveSessionID: &active.ID}, nil
	}
	return CanStartResult{CanStart: true}, nil
}

// GetOrCreateSession returns the owner's in_progress session or creates one.
// The check-then-insert runs under a per-owner lock; together with the
// stale sweep this keeps at most one active session per owner.
func (s *Service) GetOrCreateSession(ctx context.Context, userID uint64) (*Session, error) {
	if _, err := s.ExpireStaleSessions(ctx, userID); err != nil {
		return nil, err
	}

	var out *Session
	err := s.locker.WithLock(ctx, fmt.Sprintf("onboarding:create:%d", userID), func() error {
		active, err := s.repo.ActiveSessionForUser(ctx, userID)
		if err != nil {
			return err
		}
		if active != nil {
			out = active
			return nil
		}

		sess := &Session{
			ID:     common.NewUUID(),
			UserID: userID,
			Status: SessionInProgress,
		}
		if err := s.repo.CreateSession(ctx, sess); err != nil {
			return err
		}
		log.Printf("onboarding session created session=%s user=%d", sess.ID, userID)
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) FindSession(ctx context.Context, id string, userID uint64) (*Session, error) {
	return s.repo.FindSession(ctx, id, userID)
}

// StartOnboarding sends the welcome prompt and appends the assistant
// greeting. Synchronous path; callers gate it behind the guard themselves.
func (s *Service) StartOnboarding(ctx context.Context, sess *Session) (ai.ChatResult, error) {
	res, err := s.client.Chat(ctx, s.cfg.WelcomePrompt, sess.ID)
	if err != nil {
		return ai.ChatResult{}, err
	}

	if err := s.repo.InsertMessage(ctx, &Message{
		SessionID: sess.ID,
		Role:      RoleAssistant,
		Content:   res.Message,
		Status:    MessageCompleted,
	}); err != nil {
		return ai.ChatResult{}, err
	}

	log.Printf("onboarding started session=%s", sess.ID)
	return res, nil
}

// ProcessMessage appends the user turn, gets the assistant reply and appends
// it. A gateway failure leaves only the user message behind; no orphaned
// assistant row is written.
func (s *Service) ProcessMessage(ctx context.Context, sess *Session, text string) (ai.ChatResult, error) {
	if !sess.IsActive() {
		return ai.ChatResult{}, ErrSessionNotActive
	}

	if err := s.repo.InsertMessage(ctx, &Message{
		SessionID: sess.ID,
		Role:      RoleUser,
		Content:   text,
		Status:    MessageCompleted,
	}); err != nil {
		return ai.ChatResult{}, err
	}

	res, err := s.client.Chat(ctx, text, sess.ID)
	if err != nil {
		return ai.ChatResult{}, err
	}

	if err := s.repo.InsertMessage(ctx, &Message{
		SessionID: sess.ID,
		Role:      RoleAssistant,
		Content:   res.Message,
		Status:    MessageCompleted,
	}); err != nil {
		return ai.ChatResult{}, err
	}

	log.Printf("onboarding message processed session=%s is_complete=%t", sess.ID, res.IsComplete)
	return res, nil
}

// CompleteOnboarding summarizes the conversation and finalizes the session.
// Idempotent: a completed session returns its stored summary without another
// gateway call. The completed write is conditional on in_progress, so a
// session that turned terminal behind our back is never overwritten.
func (s *Service) CompleteOnboarding(ctx context.Context, sess *Session) (ai.Summary, error) {
	if sess.IsCompleted() {
		if summary := sess.Summary(); summary != nil {
			return summary, nil
		}
		return ai.Summary{}, nil
	}
	if !sess.IsActive() {
		return nil, ErrSessionNotActive
	}

	history, err := s.History(ctx, sess)
	if err != nil {
		return nil, err
	}

	summary, err := s.client.Summarize(ctx, history, sess.ID)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(summary)
	if err != nil {
		return nil, err
	}
	rawStr := string(raw)
	now := time.Now()

	ok, err := s.repo.TransitionSession(ctx, sess.ID,
		[]SessionStatus{SessionInProgress}, SessionCompleted,
		map[string]any{"summary_json": rawStr, "completed_at": now})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotActive
	}

	sess.Status = SessionCompleted
	sess.SummaryJSON = &rawStr
	sess.CompletedAt = &now

	log.Printf("onboarding completed session=%s", sess.ID)
	return summary, nil
}

// CancelSession is a no-op on non-active sessions.
func (s *Service) CancelSession(ctx context.Context, sess *Session) error {
	if !sess.IsActive() {
		return nil
	}
	ok, err := s.repo.TransitionSession(ctx, sess.ID,
		[]SessionStatus{SessionInProgress}, SessionCancelled, nil)
	if err != nil {
		return err
	}
	if ok {
		sess.Status = SessionCancelled
		log.Printf("onboarding cancelled session=%s", sess.ID)
	}
	return nil
}

// ExpireStaleSessions force-terminates active sessions whose last update is
// older than the configured expiry. Double-expiring loses the conditional
// update and is a safe no-op.
func (s *Service) ExpireStaleSessions(ctx context.Context, userID uint64) (int, error) {
	cutoff := time.Now().Add(-s.cfg.SessionExpiry)
	stale, err := s.repo.StaleSessionsForUser(ctx, userID, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, sess := range stale {
		ok, err := s.repo.TransitionSession(ctx, sess.ID,
			[]SessionStatus{SessionInProgress}, SessionExpired, nil)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
			log.Printf("onboarding session expired session=%s user=%d", sess.ID, userID)
		}
	}
	return expired, nil
}

func (s *Service) History(ctx context.Context, sess *Session) ([]ai.Message, error) {
	msgs, err := s.repo.ListMessages(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	out := make([]ai.Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, msgs[i].ToAIFormat())
	}
	return out, nil
}

func (s *Service) Messages(ctx context.Context, sess *Session) ([]Message, error) {
	return s.repo.ListMessages(ctx, sess.ID)
}

type SummaryItem struct {
	SessionID   string     `json:"session_id"`
	Summary     ai.Summary `json:"summary"`
	CompletedAt *time.Time `json:"completed_at"`
}

type SummaryPage struct {
	Items   []SummaryItem `json:"items"`
	Total   int64         `json:"total"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
}

// Summaries lists the owner's completed onboarding summaries, newest first.
func (s *Service) Summaries(ctx context.Context, userID uint64, page, perPage int) (SummaryPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}

	sessions, total, err := s.repo.SummarizedSessionsForUser(ctx, userID, (page-1)*perPage, perPage)
	if err != nil {
		return SummaryPage{}, err
	}

	items := make([]SummaryItem, 0, len(sessions))
	for i := range sessions {
		items = append(items, SummaryItem{
			SessionID:   sessions[i].ID,
			Summary:     sessions[i].Summary(),
			CompletedAt: sessions[i].CompletedAt,
		})
	}
	return SummaryPage{Items: items, Total: total, Page: page, PerPage: perPage}, nil
}

type MessageStatusResult struct {
	Status  MessageStatus `json:"status"`
	Message *string       `json:"message"`
	Error   *string       `json:"error"`
}

// MessageStatus reports the polling view of the latest assistant turn.
func (s *Service) MessageStatus(ctx context.Context, sess *Session) (MessageStatusResult, error) {
	last, err := s.repo.LastAssistantMessage(ctx, sess.ID)
	if err != nil {
		return MessageStatusResult{}, err
	}
	if last == nil {
		return MessageStatusResult{Status: MessagePending}, nil
	}

	res := MessageStatusResult{Status: last.Status}
	if last.Status == MessageCompleted {
		content := last.Content
		res.Message = &content
	}
	if last.Status == MessageFailed {
		res.Error = last.ErrorMessage
	}
	return res, nil
}

// StartOnboardingAsync enqueues the greeting task. Guarded: a second start
// while one is in flight is rejected, not enqueued.
func (s *Service) StartOnboardingAsync(ctx context.Context, sess *Session) error {
	if err := s.guard(ctx, sess); err != nil {
		return err
	}

	taskID, err := common.NewULID()
	if err != nil {
		return err
	}

	if err := s.pub.Publish(ctx, queue.Task{
		ID:        taskID,
		Kind:      queue.KindOnboardingStart,
		SessionID: sess.ID,
	}); err != nil {
		return err
	}

	log.Printf("onboarding start task dispatched session=%s", sess.ID)
	return nil
}

// ProcessMessageAsync records the user turn as pending and enqueues the
// processing task. The guard is advisory; the conditional transition on
// worker pickup is the true correctness boundary.
func (s *Service) ProcessMessageAsync(ctx context.Context, sess *Session, text string) (*Message, error) {
	if !sess.IsActive() {
		return nil, ErrSessionNotActive
	}
	if err := s.guard(ctx, sess); err != nil {
		return nil, err
	}

	taskID, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	userMsg := &Message{
		SessionID: sess.ID,
		Role:      RoleUser,
		Content:   text,
		Status:    MessagePending,
	}
	if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	if err := s.pub.Publish(ctx, queue.Task{
		ID:        taskID,
		Kind:      queue.KindOnboardingMessage,
		SessionID: sess.ID,
		MessageID: userMsg.ID,
	}); err != nil {
		// No task means no worker and no terminal-failure sweep; a pending
		// orphan here would trip the guard on every later turn.
		if _, terr := s.repo.TransitionMessage(ctx, userMsg.ID,
			[]MessageStatus{MessagePending}, MessageFailed,
			map[string]any{"error_message": "could not enqueue message: " + err.Error()}); terr != nil {
			log.Printf("mark orphaned message failed error message=%d err=%v", userMsg.ID, terr)
		}
		return nil, err
	}

	log.Printf("onboarding message task dispatched session=%s message=%d", sess.ID, userMsg.ID)
	return userMsg, nil
}

func (s *Service) guard(ctx context.Context, sess *Session) error {
	busy, err := s.repo.HasInFlightMessages(ctx, sess.ID)
	if err != nil {
		return err
	}
	if busy {
		return ErrAlreadyInProgress
	}
	return nil
}
