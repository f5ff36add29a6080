package voice

import (
	"context"
	"errors"
	"io"
	"log"

	"github.com/metawhale/holi-platform/internal/ai"
	"github.com/metawhale/holi-platform/internal/common"
	"github.com/metawhale/holi-platform/internal/queue"
	"github.com/metawhale/holi-platform/internal/storage"
)

// ErrAlreadyInProgress: the owner (or owner+session) already has a
// transcription in flight.
var ErrAlreadyInProgress = errors.New("voice: transcription already in progress")

type Publisher interface {
	Publish(ctx context.Context, t queue.Task) error
}

type Config struct {
	DefaultLanguage string
}

type Service struct {
	repo  *Repo
	chain *Chain
	store *storage.AudioStore
	pub   Publisher
	cfg   Config
}

func NewService(repo *Repo, chain *Chain, store *storage.AudioStore, pub Publisher, cfg Config) *Service {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "ru"
	}
	return &Service{repo: repo, chain: chain, store: store, pub: pub, cfg: cfg}
}

type Upload struct {
	Reader   io.Reader
	Filename string
	MimeType string
	Size     int64
}

// TranscribeAsync accepts the audio for background processing: validate,
// store the blob, create the pending row, guard, enqueue. Unsupported input
// fails here, before anything is stored or enqueued.
func (s *Service) TranscribeAsync(ctx context.Context, up Upload, userID uint64, sessionID *string, language string) (*Transcription, error) {
	if err := ValidateInput(up.MimeType, up.Size); err != nil {
		return nil, err
	}

	busy, err := s.repo.HasInFlight(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, ErrAlreadyInProgress
	}

	if language == "" {
		language = s.cfg.DefaultLanguage
	}

	taskID, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	path, err := s.store.Save(up.Reader, up.Filename)
	if err != nil {
		return nil, err
	}

	t := &Transcription{
		ID:               common.NewUUID(),
		UserID:           userID,
		SessionID:        sessionID,
		Provider:         s.primaryProvider(),
		Language:         language,
		OriginalFilename: up.Filename,
		StoredPath:       path,
		MimeType:         up.MimeType,
		FileSize:         up.Size,
		Status:           StatusPending,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		_ = s.store.Delete(path)
		return nil, err
	}

	if err := s.pub.Publish(ctx, queue.Task{
		ID:              taskID,
		Kind:            queue.KindVoiceTranscribe,
		TranscriptionID: t.ID,
	}); err != nil {
		// Nothing will ever pick this row up, so it must not stay pending:
		// a pending orphan would block the owner's guard forever.
		if _, terr := s.repo.Transition(ctx, t.ID,
			[]Status{StatusPending}, StatusFailed,
			map[string]any{"error_message": "could not enqueue transcription: " + err.Error()}); terr != nil {
			log.Printf("mark orphaned transcription failed error transcription=%s err=%v", t.ID, terr)
		}
		if derr := s.store.Delete(path); derr != nil {
			log.Printf("voice blob cleanup error transcription=%s err=%v", t.ID, derr)
		}
		return nil, err
	}

	log.Printf("voice transcription queued transcription=%s user=%d", t.ID, userID)
	return t, nil
}

// Transcribe is the synchronous path: the chain runs on the caller's thread
// and nothing is persisted. The blob exists only for the duration of the
// provider call.
func (s *Service) Transcribe(ctx context.Context, up Upload, language string) (Result, error) {
	if err := ValidateInput(up.MimeType, up.Size); err != nil {
		return Result{}, err
	}
	if language == "" {
		language = s.cfg.DefaultLanguage
	}

	path, err := s.store.Save(up.Reader, up.Filename)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if derr := s.store.Delete(path); derr != nil {
			log.Printf("voice blob cleanup error path=%s err=%v", path, derr)
		}
	}()

	return s.chain.Transcribe(ctx, Request{
		Path:     path,
		Filename: up.Filename,
		Language: language,
		MimeType: up.MimeType,
		Size:     up.Size,
	})
}

func (s *Service) Find(ctx context.Context, id string, userID uint64) (*Transcription, error) {
	return s.repo.Find(ctx, id, userID)
}

type StatusResult struct {
	Status     Status   `json:"status"`
	Text       *string  `json:"text"`
	Provider   string   `json:"provider"`
	Confidence *float64 `json:"confidence"`
	Duration   *float64 `json:"duration"`
	Error      *string  `json:"error"`
	Note       *string  `json:"note,omitempty"`
}

// TranscriptionStatus is the polling payload. An empty completed text is a
// success with an advisory note, not a failure.
func (s *Service) TranscriptionStatus(t *Transcription) StatusResult {
	res := StatusResult{
		Status:     t.Status,
		Text:       t.TranscribedText,
		Provider:   t.Provider,
		Confidence: t.Confidence,
		Duration:   t.Duration,
		Error:      t.ErrorMessage,
	}
	if t.Status == StatusCompleted && (t.TranscribedText == nil || *t.TranscribedText == "") {
		note := "no recognizable speech in the recording"
		res.Note = &note
	}
	return res
}

// HandleTranscribeTask is the worker entry point. First attempts take
// pending -> processing; re-attempts revive failed -> processing. Losing the
// transition means another worker owns the job (or it is already terminal)
// and this delivery drops out.
func (s *Service) HandleTranscribeTask(ctx context.Context, id string) error {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == StatusCompleted {
		return nil
	}

	won, err := s.repo.Transition(ctx, t.ID,
		[]Status{StatusPending, StatusFailed}, StatusProcessing, nil)
	if err != nil {
		return err
	}
	if !won {
		log.Printf("voice task lost pickup race transcription=%s", t.ID)
		return nil
	}

	res, err := s.chain.Transcribe(ctx, Request{
		Path:     t.StoredPath,
		Filename: t.OriginalFilename,
		Language: t.Language,
		MimeType: t.MimeType,
		Size:     t.FileSize,
	})
	if err != nil {
		if _, terr := s.repo.Transition(ctx, t.ID,
			[]Status{StatusProcessing}, StatusFailed,
			map[string]any{"error_message": err.Error()}); terr != nil {
			log.Printf("mark transcription failed error transcription=%s err=%v", t.ID, terr)
		}
		if !ai.Retryable(err) {
			return queue.Permanent(err)
		}
		return err
	}

	fields := map[string]any{
		"transcribed_text": res.Text,
		"provider":         res.Provider,
		"confidence":       res.Confidence,
		"duration":         res.Duration,
	}
	if _, err := s.repo.Transition(ctx, t.ID,
		[]Status{StatusProcessing}, StatusCompleted, fields); err != nil {
		return err
	}

	// Success is terminal: the blob goes now.
	if err := s.store.Delete(t.StoredPath); err != nil {
		log.Printf("voice blob cleanup error transcription=%s err=%v", t.ID, err)
	}

	log.Printf("voice transcription completed transcription=%s provider=%s text_len=%d",
		t.ID, res.Provider, len(res.Text))
	return nil
}

// FailTranscribeTask runs once retries are exhausted. Cleanup of the stored
// audio is unconditional on terminality, success or not.
func (s *Service) FailTranscribeTask(ctx context.Context, id, errText string) {
	log.Printf("voice transcription failed terminally transcription=%s err=%s", id, errText)

	t, err := s.repo.Get(ctx, id)
	if err != nil {
		log.Printf("voice fail callback fetch error transcription=%s err=%v", id, err)
		return
	}

	if _, err := s.repo.Transition(ctx, t.ID,
		[]Status{StatusPending, StatusProcessing}, StatusFailed,
		map[string]any{"error_message": errText}); err != nil {
		log.Printf("voice fail callback transition error transcription=%s err=%v", t.ID, err)
	}

	if err := s.store.Delete(t.StoredPath); err != nil {
		log.Printf("voice blob cleanup error transcription=%s err=%v", t.ID, err)
	}
}

func (s *Service) primaryProvider() string {
	if s.chain != nil && len(s.chain.transcribers) > 0 {
		return s.chain.transcribers[0].Name()
	}
	return openAIProviderName
}
