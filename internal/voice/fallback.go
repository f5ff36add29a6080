package voice

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/metawhale/holi-platform/internal/ai"
)

// Chain tries transcription providers in configured order. Order comes from
// config, not code: providers can be enabled and disabled independently.
type Chain struct {
	transcribers []Transcriber
}

// NewChain keeps only the providers named in order, skipping names without a
// registered transcriber and transcribers that report unavailable (missing
// key, missing URL).
func NewChain(order []string, available map[string]Transcriber) *Chain {
	chain := &Chain{}
	for _, name := range order {
		t, ok := available[name]
		if !ok {
			log.Printf("voice provider not registered, skipping name=%s", name)
			continue
		}
		if !t.Available() {
			log.Printf("voice provider not configured, skipping name=%s", name)
			continue
		}
		chain.transcribers = append(chain.transcribers, t)
	}
	return chain
}

func (c *Chain) Empty() bool { return len(c.transcribers) == 0 }

// Transcribe walks the chain: the first success wins, tagged with that
// provider's name. If every provider fails, the last provider's error is
// what the caller sees.
func (c *Chain) Transcribe(ctx context.Context, req Request) (Result, error) {
	if len(c.transcribers) == 0 {
		return Result{}, errors.New("voice: no transcription providers enabled")
	}

	var lastErr error
	for _, t := range c.transcribers {
		res, err := t.Transcribe(ctx, req)
		if err == nil {
			return res, nil
		}
		var aiErr *ai.Error
		if errors.As(err, &aiErr) {
			// Provider name is already part of the error.
			lastErr = err
		} else {
			lastErr = fmt.Errorf("voice provider %s: %w", t.Name(), err)
		}
		log.Printf("voice provider failed, trying next provider=%s err=%v", t.Name(), err)
	}
	return Result{}, lastErr
}
