package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	// completionMarker is embedded by the onboarding workspace prompt to
	// signal the end of the interview. It is stripped before the reply is
	// returned; callers only ever see the IsComplete flag.
	completionMarker = "[ONBOARDING_COMPLETE]"

	chatTimeout    = 60 * time.Second
	summaryTimeout = 120 * time.Second
)

var jsonBlockRe = regexp.MustCompile(`\{[\s\S]*\}`)

type AnythingLLMClient struct {
	BaseURL          string
	APIKey           string
	Workspace        string
	SummaryWorkspace string
	Client           *http.Client
}

func NewAnythingLLMClient(baseURL, apiKey, workspace, summaryWorkspace string) *AnythingLLMClient {
	return &AnythingLLMClient{
		BaseURL:          strings.TrimRight(baseURL, "/"),
		APIKey:           apiKey,
		Workspace:        workspace,
		SummaryWorkspace: summaryWorkspace,
		Client:           &http.Client{},
	}
}

type anythingLLMChatReq struct {
	Message   string `json:"message"`
	Mode      string `json:"mode"`
	SessionID string `json:"sessionId"`
}

type anythingLLMChatResp struct {
	TextResponse string `json:"textResponse"`
	Response     string `json:"response"`
	Error        string `json:"error,omitempty"`
}

func (c *AnythingLLMClient) Chat(ctx context.Context, message, sessionID string) (ChatResult, error) {
	raw, err := c.sendRequest(ctx, c.Workspace, message, sessionID, chatTimeout)
	if err != nil {
		return ChatResult{}, err
	}

	isComplete := strings.Contains(raw, completionMarker)
	clean := strings.TrimSpace(strings.ReplaceAll(raw, completionMarker, ""))

	return ChatResult{Message: clean, IsComplete: isComplete}, nil
}

func (c *AnythingLLMClient) Summarize(ctx context.Context, messages []Message, sessionID string) (Summary, error) {
	raw, err := c.sendRequest(ctx, c.SummaryWorkspace, formatDialogue(messages), sessionID, summaryTimeout)
	if err != nil {
		return nil, err
	}
	return parseSummary(raw), nil
}

func (c *AnythingLLMClient) sendRequest(ctx context.Context, workspace, message, sessionID string, timeout time.Duration) (string, error) {
	if sessionID == "" {
		sessionID = "default"
	}

	body, err := json.Marshal(anythingLLMChatReq{
		Message:   message,
		Mode:      "chat",
		SessionID: sessionID,
	})
	if err != nil {
		return "", err
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/v1/workspace/%s/chat", c.BaseURL, workspace)
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", NewError(KindUnavailable, "anythingllm", "could not connect", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", NewError(KindRemote, "anythingllm",
			fmt.Sprintf("api error: status %d", resp.StatusCode), nil)
	}

	var decoded anythingLLMChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", NewError(KindRemote, "anythingllm", "malformed response", err)
	}
	if decoded.Error != "" {
		return "", NewError(KindRemote, "anythingllm", decoded.Error, nil)
	}

	if decoded.TextResponse != "" {
		return decoded.TextResponse, nil
	}
	return decoded.Response, nil
}

// formatDialogue flattens the conversation into the plain-text transcript the
// summarization workspace expects.
func formatDialogue(messages []Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		speaker := "HOLI"
		if m.Role == "user" {
			speaker = "User"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", speaker, m.Content))
	}
	return strings.Join(lines, "\n\n")
}

// parseSummary extracts the first JSON object from a model reply. Models wrap
// JSON in prose often enough that a raw Unmarshal of the whole body is
// useless.
func parseSummary(raw string) Summary {
	if match := jsonBlockRe.FindString(raw); match != "" {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(match), &decoded); err == nil {
			return decoded
		}
	}
	return Summary{
		"raw_response": raw,
		"parse_error":  true,
	}
}
