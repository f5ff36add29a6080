package queue

// Task kinds. One queue carries all three; the runner dispatches by kind.
const (
	KindOnboardingStart   = "onboarding.start"
	KindOnboardingMessage = "onboarding.message"
	KindVoiceTranscribe   = "voice.transcribe"
)

// Task is the wire payload: plain ids, no entity snapshots. Workers re-fetch
// current state from the store so a stale serialization can never win over
// the database.
type Task struct {
	// ID is a ULID assigned at dispatch; retries keep it, so one logical
	// task traces across attempts in the logs.
	ID              string `json:"id"`
	Kind            string `json:"kind"`
	SessionID       string `json:"session_id,omitempty"`
	MessageID       uint64 `json:"message_id,omitempty"`
	TranscriptionID string `json:"transcription_id,omitempty"`

	// Attempt counts completed tries; 0 on first delivery.
	Attempt int `json:"attempt"`
}
