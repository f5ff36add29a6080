package onboarding

import (
	"context"
	"errors"
	"log"

	"gorm.io/gorm"
)

// Worker-side task handlers. Workers re-fetch entity state at execution time;
// the queue payload carries ids only.

// HandleStartTask produces the greeting for a freshly created session. Each
// attempt creates its own assistant row, so a retried attempt never touches a
// terminal row from an earlier one.
func (s *Service) HandleStartTask(ctx context.Context, sessionID string) error {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	assistant, err := s.beginAssistantMessage(ctx, sess.ID)
	if err != nil {
		return err
	}

	res, err := s.client.Chat(ctx, s.cfg.WelcomePrompt, sess.ID)
	if err != nil {
		s.failMessage(ctx, assistant.ID, err.Error())
		return err
	}

	if _, err := s.repo.TransitionMessage(ctx, assistant.ID,
		[]MessageStatus{MessageProcessing}, MessageCompleted,
		map[string]any{"content": res.Message}); err != nil {
		return err
	}

	log.Printf("onboarding start task done session=%s", sess.ID)
	return nil
}

// HandleMessageTask answers one queued user message. On the first attempt the
// conditional pending->processing transition on the user row is the
// correctness boundary: of two workers racing for the same delivery exactly
// one wins and the loser drops out. Retries find the row already processing.
func (s *Service) HandleMessageTask(ctx context.Context, sessionID string, messageID uint64, attempt int) error {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	userMsg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if userMsg.Status.Terminal() {
		// Completed or failed by someone else; nothing to do.
		return nil
	}

	if attempt == 0 {
		won, err := s.repo.TransitionMessage(ctx, userMsg.ID,
			[]MessageStatus{MessagePending}, MessageProcessing, nil)
		if err != nil {
			return err
		}
		if !won {
			log.Printf("onboarding message task lost pickup race session=%s message=%d", sess.ID, userMsg.ID)
			return nil
		}
	}

	assistant, err := s.beginAssistantMessage(ctx, sess.ID)
	if err != nil {
		return err
	}

	res, err := s.client.Chat(ctx, userMsg.Content, sess.ID)
	if err != nil {
		s.failMessage(ctx, assistant.ID, err.Error())
		return err
	}

	if _, err := s.repo.TransitionMessage(ctx, assistant.ID,
		[]MessageStatus{MessageProcessing}, MessageCompleted,
		map[string]any{"content": res.Message}); err != nil {
		return err
	}
	if _, err := s.repo.TransitionMessage(ctx, userMsg.ID,
		[]MessageStatus{MessageProcessing}, MessageCompleted, nil); err != nil {
		return err
	}

	log.Printf("onboarding message task done session=%s message=%d is_complete=%t",
		sess.ID, userMsg.ID, res.IsComplete)
	return nil
}

// FailStartTask runs once retries are exhausted.
func (s *Service) FailStartTask(ctx context.Context, sessionID, errText string) {
	log.Printf("onboarding start task failed terminally session=%s err=%s", sessionID, errText)
	if err := s.repo.FailInFlightMessages(ctx, sessionID, errText); err != nil {
		log.Printf("fail sweep error session=%s err=%v", sessionID, err)
	}
}

// FailMessageTask runs once retries are exhausted: the user message and any
// other in-flight row of the session are swept to failed.
func (s *Service) FailMessageTask(ctx context.Context, sessionID string, messageID uint64, errText string) {
	log.Printf("onboarding message task failed terminally session=%s message=%d err=%s",
		sessionID, messageID, errText)

	if _, err := s.repo.TransitionMessage(ctx, messageID,
		[]MessageStatus{MessagePending, MessageProcessing}, MessageFailed,
		map[string]any{"error_message": errText}); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("fail user message error message=%d err=%v", messageID, err)
	}
	if err := s.repo.FailInFlightMessages(ctx, sessionID, errText); err != nil {
		log.Printf("fail sweep error session=%s err=%v", sessionID, err)
	}
}

func (s *Service) beginAssistantMessage(ctx context.Context, sessionID string) (*Message, error) {
	m := &Message{
		SessionID: sessionID,
		Role:      RoleAssistant,
		Content:   "",
		Status:    MessagePending,
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	if _, err := s.repo.TransitionMessage(ctx, m.ID,
		[]MessageStatus{MessagePending}, MessageProcessing, nil); err != nil {
		return nil, err
	}
	m.Status = MessageProcessing
	return m, nil
}

func (s *Service) failMessage(ctx context.Context, id uint64, errText string) {
	if _, err := s.repo.TransitionMessage(ctx, id,
		[]MessageStatus{MessagePending, MessageProcessing}, MessageFailed,
		map[string]any{"error_message": errText}); err != nil {
		log.Printf("mark message failed error message=%d err=%v", id, err)
	}
}
