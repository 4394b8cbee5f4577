package services

import (
	"context"
	"errors"

	"github.com/bme-official/withu-mirai/src/playback"
	"github.com/bme-official/withu-mirai/src/recorder"
)

// InputMode tells the chat collaborator which channel produced the user
// text.
type InputMode string

const (
	InputVoice InputMode = "voice"
	InputText  InputMode = "text"
)

// Transcriber converts a recorded blob into text. An empty transcript is a
// valid result, not an error: the caller decides how to recover.
type Transcriber interface {
	Transcribe(ctx context.Context, blob recorder.Blob) (string, error)
}

// ChatReply is the assistant's answer. IntimacyUpdate is an opaque side
// channel forwarded to the host page's display; it never affects control
// flow.
type ChatReply struct {
	Text           string
	IntimacyUpdate *float64
}

// ChatService produces the assistant reply for one user turn.
type ChatService interface {
	Reply(ctx context.Context, userText string, mode InputMode) (ChatReply, error)
}

// Synthesizer turns assistant text into a playable clip.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (playback.Clip, error)
}

// TransientError marks a provider failure worth one retry (rate limits,
// 5xx). Anything else is treated as permanent by the caller.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retry-eligible.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
