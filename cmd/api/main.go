package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/metawhale/holi-platform/internal/ai"
	"github.com/metawhale/holi-platform/internal/config"
	"github.com/metawhale/holi-platform/internal/db"
	"github.com/metawhale/holi-platform/internal/httpapi"
	"github.com/metawhale/holi-platform/internal/onboarding"
	"github.com/metawhale/holi-platform/internal/queue"
	"github.com/metawhale/holi-platform/internal/storage"
	"github.com/metawhale/holi-platform/internal/store/redisstore"
	"github.com/metawhale/holi-platform/internal/voice"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(
		&onboarding.Session{},
		&onboarding.Message{},
		&voice.Transcription{},
	); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	// Chat/summarize provider, selected by config through the registry.
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

	// The redis lock serializes session creation across API instances; a
	// single-node dev setup without redis falls back to an in-process lock.
	var locker onboarding.Locker
	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := rds.Ping(pingCtx); err != nil {
		log.Printf("redis unavailable, using in-process locks err=%v", err)
		locker = redisstore.NewMemory()
	} else {
		locker = rds
	}
	cancel()

	onboardingSvc := onboarding.NewService(
		onboarding.NewRepo(gdb), client, pub, locker,
		onboarding.Config{
			WelcomePrompt: cfg.WelcomePrompt,
			SessionExpiry: time.Duration(cfg.SessionExpiryHours) * time.Hour,
		},
	)

	chain := voice.NewChain(cfg.VoiceProviders, map[string]voice.Transcriber{
		"openai":      voice.NewOpenAIVoiceClient(cfg.OpenAIAPIKey, cfg.WhisperModel),
		"anythingllm": voice.NewAnythingLLMVoiceClient(cfg.AnythingLLMURL, cfg.AnythingLLMKey),
	})
	if chain.Empty() {
		log.Printf("warning: no voice providers enabled")
	}

	voiceSvc := voice.NewService(
		voice.NewRepo(gdb), chain,
		storage.NewAudioStore(cfg.VoiceStorageDir), pub,
		voice.Config{DefaultLanguage: cfg.DefaultLanguage},
	)

	r := httpapi.NewRouter(cfg, onboardingSvc, voiceSvc)

	addr := ":8080"
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	log.Printf("api listening addr=%s", addr)
	if err := r.Run(addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
