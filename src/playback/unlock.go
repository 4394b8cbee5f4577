package playback

import (
	"sync"

	pionopus "github.com/pion/opus"

	"github.com/bme-official/withu-mirai/src/audio"
	"github.com/bme-official/withu-mirai/src/logger"
)

// Unlocker primes the audio output path once per process so the first real
// synthesized utterance is not dropped by an output that only starts
// delivering after it has seen data. It writes a single near-silent frame
// to the sink and warms up a decoder with a zero-length buffer. Failures
// are logged, never surfaced; callers retry opportunistically on later
// user-interaction events.
type Unlocker struct {
	mu       sync.Mutex
	unlocked bool
}

// Unlocked reports whether priming has succeeded at least once. Never
// resets for the lifetime of the process.
func (u *Unlocker) Unlocked() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.unlocked
}

// TryUnlock performs the one-shot priming. Idempotent: once unlocked,
// subsequent calls return true without touching the sink.
func (u *Unlocker) TryUnlock(sink audio.Sink) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.unlocked {
		return true
	}
	if sink == nil {
		return false
	}

	// Near-silent rather than all-zero: some outputs gate pure silence.
	frame := make(audio.Frame, audio.FrameBytes(sink.SampleRate()))
	for i := 0; i < len(frame); i += 2 {
		frame[i] = 1
	}
	if err := sink.WriteFrame(frame); err != nil {
		logger.Debug("[Unlock] Priming write failed: %v", err)
		return false
	}

	// Warm the decode path; the error on an empty packet is expected.
	dec := pionopus.NewDecoder()
	if _, _, err := dec.Decode(nil, nil); err != nil {
		logger.Debug("[Unlock] Decoder warmup: %v", err)
	}

	u.unlocked = true
	logger.Info("[Unlock] Audio output primed")
	return true
}
