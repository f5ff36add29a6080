package onboarding

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/metawhale/holi-platform/internal/ai"
	"github.com/metawhale/holi-platform/internal/queue"
	"github.com/metawhale/holi-platform/internal/store/redisstore"
	"gorm.io/gorm"
)

type fakeClient struct {
	reply    ai.ChatResult
	chatErr  error
	chatN    int
	summary  ai.Summary
	sumErr   error
	sumN     int
	lastSent string
}

func (f *fakeClient) Chat(ctx context.Context, message, sessionID string) (ai.ChatResult, error) {
	_ = ctx
	_ = sessionID
	f.chatN++
	f.lastSent = message
	if f.chatErr != nil {
		return ai.ChatResult{}, f.chatErr
	}
	return f.reply, nil
}

func (f *fakeClient) Summarize(ctx context.Context, messages []ai.Message, sessionID string) (ai.Summary, error) {
	_ = ctx
	_ = messages
	_ = sessionID
	f.sumN++
	if f.sumErr != nil {
		return nil, f.sumErr
	}
	return f.summary, nil
}

type fakePublisher struct {
	tasks []queue.Task
	err   error
}

func (f *fakePublisher) Publish(ctx context.Context, t queue.Task) error {
	_ = ctx
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, t)
	return nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Session{}, &Message{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, client ai.Client) (*Service, *Repo, *fakePublisher) {
	t.Helper()
	repo := NewRepo(openTestDB(t))
	pub := &fakePublisher{}
	svc := NewService(repo, client, pub, redisstore.NewMemory(), Config{
		WelcomePrompt: "welcome",
		SessionExpiry: 24 * time.Hour,
	})
	return svc, repo, pub
}

func TestGetOrCreateSession_NoDuplicate(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeClient{})

	s1, err := svc.GetOrCreateSession(context.Background(), 42)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if s1.Status != SessionInProgress {
		t.Fatalf("expected in_progress, got %s", s1.Status)
	}

	s2, err := svc.GetOrCreateSession(context.Background(), 42)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if s2.ID != s1.ID {
		t.Fatalf("expected same session, got %s and %s", s1.ID, s2.ID)
	}
}

func TestGetOrCreateSession_ReplacesExpired(t *testing.T) {
	svc, repo, _ := newTestService(t, &fakeClient{})

	s1, err := svc.GetOrCreateSession(context.Background(), 7)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Backdate the session past the 24h expiry.
	stale := time.Now().Add(-25 * time.Hour)
	if err := repo.db.Model(&Session{}).Where("id = ?", s1.ID).
		UpdateColumn("updated_at", stale).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	s2, err := svc.GetOrCreateSession(context.Background(), 7)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if s2.ID == s1.ID {
		t.Fatalf("expected a fresh session after expiry")
	}

	old, err := repo.GetSession(context.Background(), s1.ID)
	if err != nil {
		t.Fatalf("get old: %v", err)
	}
	if old.Status != SessionExpired {
		t.Fatalf("expected expired, got %s", old.Status)
	}
}

func TestProcessMessage_GatewayFailureLeavesNoAssistant(t *testing.T) {
	client := &fakeClient{chatErr: ai.NewError(ai.KindUnavailable, "anythingllm", "down", nil)}
	svc, repo, _ := newTestService(t, client)

	sess, err := svc.GetOrCreateSession(context.Background(), 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.ProcessMessage(context.Background(), sess, "hi"); err == nil {
		t.Fatalf("expected gateway error")
	}

	msgs, err := repo.ListMessages(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected only the user message, got %d messages", len(msgs))
	}
	if msgs[0].Role != RoleUser {
		t.Fatalf("expected user message, got %s", msgs[0].Role)
	}
}

func TestProcessMessage_StripsNothingFromClient(t *testing.T) {
	client := &fakeClient{reply: ai.ChatResult{Message: "done, thanks", IsComplete: true}}
	svc, _, _ := newTestService(t, client)

	sess, err := svc.GetOrCreateSession(context.Background(), 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := svc.ProcessMessage(context.Background(), sess, "bye")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !res.IsComplete {
		t.Fatalf("expected completion flag to propagate")
	}
	if res.Message != "done, thanks" {
		t.Fatalf("unexpected reply: %q", res.Message)
	}
}

func TestCompleteOnboarding_Idempotent(t *testing.T) {
	client := &fakeClient{summary: ai.Summary{"name": "Ann", "goal": "fitness"}}
	svc, _, _ := newTestService(t, client)

	sess, err := svc.GetOrCreateSession(context.Background(), 3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := svc.CompleteOnboarding(context.Background(), sess)
	if err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if first["name"] != "Ann" {
		t.Fatalf("unexpected summary: %v", first)
	}
	if sess.Status != SessionCompleted {
		t.Fatalf("expected completed, got %s", sess.Status)
	}
	if sess.CompletedAt == nil {
		t.Fatalf("expected completion timestamp")
	}

	second, err := svc.CompleteOnboarding(context.Background(), sess)
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if second["name"] != "Ann" {
		t.Fatalf("unexpected second summary: %v", second)
	}
	if client.sumN != 1 {
		t.Fatalf("expected exactly one summarize call, got %d", client.sumN)
	}
}

func TestCompleteOnboarding_RejectedWhenCancelled(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeClient{summary: ai.Summary{}})

	sess, err := svc.GetOrCreateSession(context.Background(), 4)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.CancelSession(context.Background(), sess); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := svc.CompleteOnboarding(context.Background(), sess); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive, got %v", err)
	}
}

func TestCancelSession_NoOpWhenTerminal(t *testing.T) {
	svc, repo, _ := newTestService(t, &fakeClient{summary: ai.Summary{"k": "v"}})

	sess, err := svc.GetOrCreateSession(context.Background(), 5)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CompleteOnboarding(context.Background(), sess); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := svc.CancelSession(context.Background(), sess); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := repo.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != SessionCompleted {
		t.Fatalf("cancel must not overwrite a terminal status, got %s", got.Status)
	}
}

func TestExpireStaleSessions_Threshold(t *testing.T) {
	svc, repo, _ := newTestService(t, &fakeClient{})

	sess, err := svc.GetOrCreateSession(context.Background(), 6)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// 23h old: inside the threshold, stays active.
	fresh := time.Now().Add(-23 * time.Hour)
	if err := repo.db.Model(&Session{}).Where("id = ?", sess.ID).
		UpdateColumn("updated_at", fresh).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}
	n, err := svc.ExpireStaleSessions(context.Background(), 6)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no expiry at 23h, got %d", n)
	}

	stale := time.Now().Add(-25 * time.Hour)
	if err := repo.db.Model(&Session{}).Where("id = ?", sess.ID).
		UpdateColumn("updated_at", stale).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}
	n, err = svc.ExpireStaleSessions(context.Background(), 6)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one expiry at 25h, got %d", n)
	}
}

func TestProcessMessageAsync_GuardRejects(t *testing.T) {
	svc, repo, pub := newTestService(t, &fakeClient{})

	sess, err := svc.GetOrCreateSession(context.Background(), 8)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := svc.ProcessMessageAsync(context.Background(), sess, "hi")
	if err != nil {
		t.Fatalf("first async: %v", err)
	}
	if first.Status != MessagePending {
		t.Fatalf("expected pending user message, got %s", first.Status)
	}
	if len(pub.tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(pub.tasks))
	}

	_, err = svc.ProcessMessageAsync(context.Background(), sess, "again")
	if !errors.Is(err, ErrAlreadyInProgress) {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}
	if len(pub.tasks) != 1 {
		t.Fatalf("guard violation must not enqueue, got %d tasks", len(pub.tasks))
	}

	msgs, err := repo.ListMessages(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
}

func TestProcessMessageAsync_PublishFailureUnblocksSession(t *testing.T) {
	svc, repo, pub := newTestService(t, &fakeClient{})

	sess, err := svc.GetOrCreateSession(context.Background(), 9)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	pub.err = errors.New("broker down")
	if _, err := svc.ProcessMessageAsync(context.Background(), sess, "hi"); err == nil {
		t.Fatalf("expected publish error")
	}

	// The orphaned user message must not stay pending: nothing was
	// enqueued, so no worker or failure sweep would ever reach it.
	msgs, err := repo.ListMessages(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Status != MessageFailed {
		t.Fatalf("expected one failed message, got %+v", msgs)
	}
	if msgs[0].ErrorMessage == nil {
		t.Fatalf("expected error message on the failed row")
	}

	// With the broker back, the session accepts the next turn.
	pub.err = nil
	if _, err := svc.ProcessMessageAsync(context.Background(), sess, "hi again"); err != nil {
		t.Fatalf("retry after broker recovery: %v", err)
	}
	if len(pub.tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(pub.tasks))
	}
}

func TestProcessMessageAsync_TaskCarriesID(t *testing.T) {
	svc, _, pub := newTestService(t, &fakeClient{})

	sess, err := svc.GetOrCreateSession(context.Background(), 10)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.ProcessMessageAsync(context.Background(), sess, "hi"); err != nil {
		t.Fatalf("async: %v", err)
	}
	if len(pub.tasks) != 1 || pub.tasks[0].ID == "" {
		t.Fatalf("dispatched task must carry an id, got %+v", pub.tasks)
	}
}

func TestSummaries_CompletedNewestFirst(t *testing.T) {
	client := &fakeClient{summary: ai.Summary{"goal": "fitness"}}
	svc, repo, _ := newTestService(t, client)

	var completed []string
	for i := 0; i < 3; i++ {
		sess, err := svc.GetOrCreateSession(context.Background(), 11)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := svc.CompleteOnboarding(context.Background(), sess); err != nil {
			t.Fatalf("complete: %v", err)
		}
		// Spread the completion timestamps so the ordering is deterministic.
		at := time.Now().Add(time.Duration(i-3) * time.Hour)
		if err := repo.db.Model(&Session{}).Where("id = ?", sess.ID).
			UpdateColumn("completed_at", at).Error; err != nil {
			t.Fatalf("backdate: %v", err)
		}
		completed = append(completed, sess.ID)
	}

	// A cancelled session and another owner's summary must not appear.
	cancelled, err := svc.GetOrCreateSession(context.Background(), 11)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.CancelSession(context.Background(), cancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	other, err := svc.GetOrCreateSession(context.Background(), 12)
	if err != nil {
		t.Fatalf("create other: %v", err)
	}
	if _, err := svc.CompleteOnboarding(context.Background(), other); err != nil {
		t.Fatalf("complete other: %v", err)
	}

	page, err := svc.Summaries(context.Background(), 11, 1, 20)
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 3 {
		t.Fatalf("expected 3 summaries, got total=%d items=%d", page.Total, len(page.Items))
	}
	// Newest completion first: the loop completed them oldest to newest.
	if page.Items[0].SessionID != completed[2] || page.Items[2].SessionID != completed[0] {
		t.Fatalf("unexpected order: %+v", page.Items)
	}
	if page.Items[0].Summary["goal"] != "fitness" {
		t.Fatalf("summary payload missing: %+v", page.Items[0])
	}
}

func TestSummaries_Pagination(t *testing.T) {
	client := &fakeClient{summary: ai.Summary{"k": "v"}}
	svc, repo, _ := newTestService(t, client)

	for i := 0; i < 3; i++ {
		sess, err := svc.GetOrCreateSession(context.Background(), 13)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := svc.CompleteOnboarding(context.Background(), sess); err != nil {
			t.Fatalf("complete: %v", err)
		}
		at := time.Now().Add(time.Duration(i-3) * time.Hour)
		if err := repo.db.Model(&Session{}).Where("id = ?", sess.ID).
			UpdateColumn("completed_at", at).Error; err != nil {
			t.Fatalf("backdate: %v", err)
		}
	}

	page, err := svc.Summaries(context.Background(), 13, 2, 2)
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("expected total 3, got %d", page.Total)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected 1 item on the last page, got %d", len(page.Items))
	}
	if page.Page != 2 || page.PerPage != 2 {
		t.Fatalf("page echo wrong: %+v", page)
	}

	// Out-of-range inputs clamp instead of erroring.
	page, err = svc.Summaries(context.Background(), 13, 0, -5)
	if err != nil {
		t.Fatalf("summaries clamped: %v", err)
	}
	if page.Page != 1 || page.PerPage != 20 {
		t.Fatalf("expected clamped defaults, got %+v", page)
	}
}

func TestMessageTransition_Monotonic(t *testing.T) {
	_, repo, _ := newTestService(t, &fakeClient{})

	m := &Message{SessionID: "s", Role: RoleUser, Content: "x", Status: MessagePending}
	if err := repo.InsertMessage(context.Background(), m); err != nil {
		t.Fatalf("insert: %v", err)
	}

	won, err := repo.TransitionMessage(context.Background(), m.ID,
		[]MessageStatus{MessagePending}, MessageProcessing, nil)
	if err != nil || !won {
		t.Fatalf("pending->processing should win: won=%t err=%v", won, err)
	}

	// Only one of two racers may claim processing.
	won, err = repo.TransitionMessage(context.Background(), m.ID,
		[]MessageStatus{MessagePending}, MessageProcessing, nil)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if won {
		t.Fatalf("second pending->processing must lose")
	}

	won, err = repo.TransitionMessage(context.Background(), m.ID,
		[]MessageStatus{MessageProcessing}, MessageCompleted, nil)
	if err != nil || !won {
		t.Fatalf("processing->completed should win: won=%t err=%v", won, err)
	}

	// Terminal is final.
	won, err = repo.TransitionMessage(context.Background(), m.ID,
		[]MessageStatus{MessagePending, MessageProcessing}, MessageFailed, nil)
	if err != nil {
		t.Fatalf("terminal transition: %v", err)
	}
	if won {
		t.Fatalf("completed message must not become failed")
	}
}
