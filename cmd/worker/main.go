package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/metawhale/holi-platform/internal/ai"
	"github.com/metawhale/holi-platform/internal/config"
	"github.com/metawhale/holi-platform/internal/db"
	"github.com/metawhale/holi-platform/internal/onboarding"
	"github.com/metawhale/holi-platform/internal/queue"
	"github.com/metawhale/holi-platform/internal/storage"
	"github.com/metawhale/holi-platform/internal/store/redisstore"
	"github.com/metawhale/holi-platform/internal/voice"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	reg := ai.NewRegistry()
	reg.Register("anythingllm", func(ctx context.Context) (ai.Client, error) {
		_ = ctx
		return ai.NewAnythingLLMClient(
			cfg.AnythingLLMURL, cfg.AnythingLLMKey,
			cfg.Workspace, cfg.SummaryWorkspace,
		), nil
	})
	client, err := reg.Get(context.Background(), cfg.AIProvider)
	if err != nil {
		log.Fatalf("ai provider: %v", err)
	}

	pub, err := queue.NewRabbitPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit: %v", err)
	}
	defer pub.Close()

	// Workers never create sessions; the in-process locker is enough.
	onboardingSvc := onboarding.NewService(
		onboarding.NewRepo(gdb), client, pub, redisstore.NewMemory(),
		onboarding.Config{
			WelcomePrompt: cfg.WelcomePrompt,
			SessionExpiry: time.Duration(cfg.SessionExpiryHours) * time.Hour,
		},
	)

	chain := voice.NewChain(cfg.VoiceProviders, map[string]voice.Transcriber{
		"openai":      voice.NewOpenAIVoiceClient(cfg.OpenAIAPIKey, cfg.WhisperModel),
		"anythingllm": voice.NewAnythingLLMVoiceClient(cfg.AnythingLLMURL, cfg.AnythingLLMKey),
	})
	voiceSvc := voice.NewService(
		voice.NewRepo(gdb), chain,
		storage.NewAudioStore(cfg.VoiceStorageDir), pub,
		voice.Config{DefaultLanguage: cfg.DefaultLanguage},
	)

	runner, err := queue.NewRunner(cfg.RabbitURL, queue.RunnerConfig{
		Queue:       cfg.RabbitQueue,
		Tries:       cfg.JobTries,
		Backoff:     cfg.JobBackoff,
		Concurrency: workerConcurrency(),
	})
	if err != nil {
		log.Fatalf("runner: %v", err)
	}
	defer runner.Close()

	runner.Register(queue.KindOnboardingStart, queue.Handler{
		Run: func(ctx context.Context, t queue.Task) error {
			return onboardingSvc.HandleStartTask(ctx, t.SessionID)
		},
		Failed: func(ctx context.Context, t queue.Task, errText string) {
			onboardingSvc.FailStartTask(ctx, t.SessionID, errText)
		},
	})
	runner.Register(queue.KindOnboardingMessage, queue.Handler{
		Run: func(ctx context.Context, t queue.Task) error {
			return onboardingSvc.HandleMessageTask(ctx, t.SessionID, t.MessageID, t.Attempt)
		},
		Failed: func(ctx context.Context, t queue.Task, errText string) {
			onboardingSvc.FailMessageTask(ctx, t.SessionID, t.MessageID, errText)
		},
	})
	runner.Register(queue.KindVoiceTranscribe, queue.Handler{
		Run: func(ctx context.Context, t queue.Task) error {
			return voiceSvc.HandleTranscribeTask(ctx, t.TranscriptionID)
		},
		Failed: func(ctx context.Context, t queue.Task, errText string) {
			voiceSvc.FailTranscribeTask(ctx, t.TranscriptionID, errText)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runner.Run(ctx); err != nil {
		log.Fatalf("runner stopped: %v", err)
	}
}
