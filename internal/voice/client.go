package voice

import (
	"context"
	"fmt"

	"github.com/metawhale/holi-platform/internal/ai"
)

// maxFileSize caps uploads at 25MB, the smallest limit across providers.
const maxFileSize = 25 * 1024 * 1024

// supportedFormats accepted by both providers. video/webm appears because
// browser MediaRecorder labels audio-only recordings that way.
var supportedFormats = map[string]bool{
	"audio/flac": true,
	"audio/mp3":  true,
	"audio/mpeg": true,
	"audio/mp4":  true,
	"audio/mpga": true,
	"audio/ogg":  true,
	"audio/wav":  true,
	"audio/webm": true,
	"video/webm": true,
}

type Request struct {
	Path     string
	Filename string
	Language string
	MimeType string
	Size     int64
}

type Result struct {
	Text       string
	Language   string
	Confidence *float64
	Duration   *float64
	Provider   string
}

type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
	Name() string
	Available() bool
}

// ValidateInput rejects bad uploads before anything is stored or enqueued.
func ValidateInput(mimeType string, size int64) error {
	if !supportedFormats[mimeType] {
		return ai.NewError(ai.KindUnsupportedInput, "voice",
			fmt.Sprintf("unsupported audio format: %s", mimeType), nil)
	}
	if size > maxFileSize {
		return ai.NewError(ai.KindUnsupportedInput, "voice",
			fmt.Sprintf("file too large: %d bytes (max %d)", size, maxFileSize), nil)
	}
	return nil
}
