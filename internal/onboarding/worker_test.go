package onboarding

import (
	"context"
	"testing"

	"github.com/metawhale/holi-platform/internal/ai"
)

func TestHandleMessageTask_Success(t *testing.T) {
	client := &fakeClient{reply: ai.ChatResult{Message: "hello", IsComplete: false}}
	svc, repo, _ := newTestService(t, client)

	sess, err := svc.GetOrCreateSession(context.Background(), 10)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	userMsg, err := svc.ProcessMessageAsync(context.Background(), sess, "hi")
	if err != nil {
		t.Fatalf("async: %v", err)
	}

	if err := svc.HandleMessageTask(context.Background(), sess.ID, userMsg.ID, 0); err != nil {
		t.Fatalf("handle: %v", err)
	}

	msgs, err := repo.ListMessages(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "hi" || msgs[0].Status != MessageCompleted {
		t.Fatalf("unexpected user msg: role=%s content=%q status=%s",
			msgs[0].Role, msgs[0].Content, msgs[0].Status)
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != "hello" || msgs[1].Status != MessageCompleted {
		t.Fatalf("unexpected assistant msg: role=%s content=%q status=%s",
			msgs[1].Role, msgs[1].Content, msgs[1].Status)
	}
	if client.lastSent != "hi" {
		t.Fatalf("expected user text sent to gateway, got %q", client.lastSent)
	}
}

func TestHandleMessageTask_SkipsTerminalMessage(t *testing.T) {
	client := &fakeClient{reply: ai.ChatResult{Message: "hello"}}
	svc, repo, _ := newTestService(t, client)

	sess, err := svc.GetOrCreateSession(context.Background(), 11)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m := &Message{SessionID: sess.ID, Role: RoleUser, Content: "hi", Status: MessageFailed}
	if err := repo.InsertMessage(context.Background(), m); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := svc.HandleMessageTask(context.Background(), sess.ID, m.ID, 0); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if client.chatN != 0 {
		t.Fatalf("terminal message must not reach the gateway")
	}
}

func TestHandleMessageTask_GatewayFailureMarksAssistantFailed(t *testing.T) {
	client := &fakeClient{chatErr: ai.NewError(ai.KindRemote, "anythingllm", "api error: status 500", nil)}
	svc, repo, _ := newTestService(t, client)

	sess, err := svc.GetOrCreateSession(context.Background(), 12)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	userMsg, err := svc.ProcessMessageAsync(context.Background(), sess, "hi")
	if err != nil {
		t.Fatalf("async: %v", err)
	}

	if err := svc.HandleMessageTask(context.Background(), sess.ID, userMsg.ID, 0); err == nil {
		t.Fatalf("expected handler error for retry")
	}

	assistant, err := repo.LastAssistantMessage(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("last assistant: %v", err)
	}
	if assistant == nil || assistant.Status != MessageFailed {
		t.Fatalf("expected failed assistant message, got %+v", assistant)
	}
	if assistant.ErrorMessage == nil || *assistant.ErrorMessage == "" {
		t.Fatalf("failed message must carry an error text")
	}
}

func TestFailMessageTask_SweepsInFlight(t *testing.T) {
	svc, repo, _ := newTestService(t, &fakeClient{})

	sess, err := svc.GetOrCreateSession(context.Background(), 13)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	userMsg, err := svc.ProcessMessageAsync(context.Background(), sess, "hi")
	if err != nil {
		t.Fatalf("async: %v", err)
	}
	stuck := &Message{SessionID: sess.ID, Role: RoleAssistant, Content: "", Status: MessageProcessing}
	if err := repo.InsertMessage(context.Background(), stuck); err != nil {
		t.Fatalf("insert: %v", err)
	}

	svc.FailMessageTask(context.Background(), sess.ID, userMsg.ID, "provider down")

	msgs, err := repo.ListMessages(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, m := range msgs {
		if m.Status != MessageFailed {
			t.Fatalf("expected all in-flight messages failed, got %s for id=%d", m.Status, m.ID)
		}
		if m.ErrorMessage == nil || *m.ErrorMessage != "provider down" {
			t.Fatalf("expected error text on message id=%d", m.ID)
		}
	}

	busy, err := repo.HasInFlightMessages(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	if busy {
		t.Fatalf("sweep must clear the guard")
	}
}

func TestHandleStartTask_AppendsGreeting(t *testing.T) {
	client := &fakeClient{reply: ai.ChatResult{Message: "welcome aboard"}}
	svc, repo, _ := newTestService(t, client)

	sess, err := svc.GetOrCreateSession(context.Background(), 14)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.HandleStartTask(context.Background(), sess.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}

	msgs, err := repo.ListMessages(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != RoleAssistant || msgs[0].Content != "welcome aboard" {
		t.Fatalf("unexpected greeting: %+v", msgs)
	}
	if msgs[0].Status != MessageCompleted {
		t.Fatalf("expected completed greeting, got %s", msgs[0].Status)
	}
	if client.lastSent != "welcome" {
		t.Fatalf("expected the welcome prompt, got %q", client.lastSent)
	}
}
