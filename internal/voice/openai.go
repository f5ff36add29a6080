package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/metawhale/holi-platform/internal/ai"
)

const openAIProviderName = "openai"

// OpenAIVoiceClient talks to the Whisper transcription endpoint.
type OpenAIVoiceClient struct {
	APIURL string
	APIKey string
	Model  string
	Client *http.Client
}

func NewOpenAIVoiceClient(apiKey, model string) *OpenAIVoiceClient {
	if model == "" {
		model = "whisper-1"
	}
	return &OpenAIVoiceClient{
		APIURL: "https://api.openai.com/v1/audio/transcriptions",
		APIKey: apiKey,
		Model:  model,
		Client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *OpenAIVoiceClient) Name() string { return openAIProviderName }

func (c *OpenAIVoiceClient) Available() bool { return c.APIKey != "" }

type whisperResp struct {
	Text     string   `json:"text"`
	Language string   `json:"language"`
	Duration *float64 `json:"duration"`
	Segments []struct {
		AvgLogprob *float64 `json:"avg_logprob"`
	} `json:"segments"`
}

func (c *OpenAIVoiceClient) Transcribe(ctx context.Context, req Request) (Result, error) {
	if err := ValidateInput(req.MimeType, req.Size); err != nil {
		return Result{}, err
	}

	body, contentType, err := c.buildBody(req)
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL, body)
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return Result{}, ai.NewError(ai.KindUnavailable, openAIProviderName,
			"could not connect to whisper", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, ai.NewError(ai.KindRemote, openAIProviderName,
			fmt.Sprintf("transcription error: status %d", resp.StatusCode), nil)
	}

	var decoded whisperResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, ai.NewError(ai.KindRemote, openAIProviderName,
			"malformed response", err)
	}

	language := decoded.Language
	if language == "" {
		language = req.Language
	}

	return Result{
		Text:       decoded.Text,
		Language:   language,
		Confidence: averageConfidence(decoded.Segments),
		Duration:   decoded.Duration,
		Provider:   openAIProviderName,
	}, nil
}

func (c *OpenAIVoiceClient) buildBody(req Request) (io.Reader, string, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}

	_ = w.WriteField("model", c.Model)
	if req.Language != "" {
		_ = w.WriteField("language", req.Language)
	}
	_ = w.WriteField("response_format", "verbose_json")

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// averageConfidence converts whisper's per-segment log probabilities into a
// 0-1 confidence: exp of the mean avg_logprob.
func averageConfidence(segments []struct {
	AvgLogprob *float64 `json:"avg_logprob"`
}) *float64 {
	var sum float64
	var n int
	for _, s := range segments {
		if s.AvgLogprob != nil {
			sum += *s.AvgLogprob
			n++
		}
	}
	if n == 0 {
		return nil
	}
	conf := math.Round(math.Exp(sum/float64(n))*10000) / 10000
	return &conf
}
