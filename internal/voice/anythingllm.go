package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/metawhale/holi-platform/internal/ai"
)

const anythingLLMProviderName = "anythingllm"

// AnythingLLMVoiceClient uses the AnythingLLM audio endpoint as a secondary
// transcriber in the fallback chain.
type AnythingLLMVoiceClient struct {
	APIURL string
	APIKey string
	Client *http.Client
}

func NewAnythingLLMVoiceClient(apiURL, apiKey string) *AnythingLLMVoiceClient {
	return &AnythingLLMVoiceClient{
		APIURL: strings.TrimRight(apiURL, "/"),
		APIKey: apiKey,
		Client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *AnythingLLMVoiceClient) Name() string { return anythingLLMProviderName }

func (c *AnythingLLMVoiceClient) Available() bool {
	return c.APIURL != "" && c.APIKey != ""
}

type anythingLLMVoiceResp struct {
	Text          string   `json:"text"`
	Transcription string   `json:"transcription"`
	Language      string   `json:"language"`
	Confidence    *float64 `json:"confidence"`
	Duration      *float64 `json:"duration"`
}

func (c *AnythingLLMVoiceClient) Transcribe(ctx context.Context, req Request) (Result, error) {
	if err := ValidateInput(req.MimeType, req.Size); err != nil {
		return Result{}, err
	}

	f, err := os.Open(req.Path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("audio", req.Filename)
	if err != nil {
		return Result{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return Result{}, err
	}
	if req.Language != "" {
		_ = w.WriteField("language", req.Language)
	}
	if err := w.Close(); err != nil {
		return Result{}, err
	}

	url := c.APIURL + "/api/v1/audio/transcribe"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return Result{}, ai.NewError(ai.KindUnavailable, anythingLLMProviderName,
			"could not connect to voice service", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, ai.NewError(ai.KindRemote, anythingLLMProviderName,
			fmt.Sprintf("transcription error: status %d", resp.StatusCode), nil)
	}

	var decoded anythingLLMVoiceResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, ai.NewError(ai.KindRemote, anythingLLMProviderName,
			"malformed response", err)
	}

	text := decoded.Text
	if text == "" {
		text = decoded.Transcription
	}
	language := decoded.Language
	if language == "" {
		language = req.Language
	}

	return Result{
		Text:       text,
		Language:   language,
		Confidence: decoded.Confidence,
		Duration:   decoded.Duration,
		Provider:   anythingLLMProviderName,
	}, nil
}
