package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	pionopus "github.com/pion/opus"

	"github.com/bme-official/withu-mirai/src/audio"
	"github.com/bme-official/withu-mirai/src/logger"
)

// Clip is a synthesized-speech payload ready for playback.
type Clip struct {
	Data       []byte
	Encoding   audio.Encoding
	SampleRate int
}

// Duration returns the clip's play time.
func (c Clip) Duration() time.Duration {
	frames, err := c.frames()
	if err != nil {
		return 0
	}
	var total time.Duration
	for _, f := range frames {
		total += f.Duration(c.SampleRate)
	}
	return total
}

// frames decodes the clip into 20ms PCM frames.
func (c Clip) frames() ([]audio.Frame, error) {
	switch c.Encoding {
	case audio.EncodingPCM16:
		frameBytes := audio.FrameBytes(c.SampleRate)
		if frameBytes <= 0 {
			return nil, fmt.Errorf("playback: bad sample rate %d", c.SampleRate)
		}
		var out []audio.Frame
		for off := 0; off < len(c.Data); off += frameBytes {
			end := off + frameBytes
			if end > len(c.Data) {
				end = len(c.Data)
			}
			out = append(out, audio.Frame(c.Data[off:end]))
		}
		return out, nil
	case audio.EncodingOpus:
		packets, err := audio.SplitPackets(c.Data)
		if err != nil {
			return nil, err
		}
		dec := pionopus.NewDecoder()
		frameBytes := audio.FrameBytes(c.SampleRate)
		var out []audio.Frame
		for _, pkt := range packets {
			buf := make([]byte, frameBytes)
			if _, _, err := dec.Decode(pkt, buf); err != nil {
				logger.Debug("[Playback] Skipping undecodable packet: %v", err)
				continue
			}
			out = append(out, audio.Frame(buf))
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("playback: no decodable packets in clip")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("playback: unsupported encoding %q", c.Encoding)
	}
}

// Reason describes why playback finished.
type Reason int

const (
	ReasonCompleted Reason = iota
	ReasonCanceled
)

func (r Reason) String() string {
	switch r {
	case ReasonCompleted:
		return "completed"
	case ReasonCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Options configures one playback run. Muted is sampled every frame; while
// it reports true, silence is written and the progress clock keeps running,
// so transcript reveal stays on schedule. OnProgress receives the ratio of
// elapsed to total clip time, ending at 1.0 on natural completion.
type Options struct {
	Muted      func() bool
	OnProgress func(float64)
	OnDone     func(Reason)
}

// Handle wraps an active playback run with a cancel path. At most one
// Handle is live per orchestrator at any time.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	reason Reason
}

// Stop preempts playback immediately. Idempotent.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed once playback has fully torn down.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Reason reports how playback ended; valid after Done is closed.
func (h *Handle) Reason() Reason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Play decodes the clip and paces its frames to the sink. It returns an
// error only when the clip cannot be decoded at all; sink write failures
// during playback are logged and the progress clock continues, because the
// turn's text reveal must complete regardless of audio delivery.
func Play(ctx context.Context, clip Clip, sink audio.Sink, opts Options) (*Handle, error) {
	frames, err := clip.frames()
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("playback: empty clip")
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)

		frameDur := frames[0].Duration(clip.SampleRate)
		if frameDur <= 0 {
			frameDur = audio.FrameDuration
		}
		ticker := time.NewTicker(frameDur)
		defer ticker.Stop()

		silence := make(audio.Frame, len(frames[0]))
		reason := ReasonCompleted

	loop:
		for i, frame := range frames {
			select {
			case <-runCtx.Done():
				reason = ReasonCanceled
				break loop
			case <-ticker.C:
			}

			out := frame
			if opts.Muted != nil && opts.Muted() {
				out = silence[:len(frame)]
			}
			if err := sink.WriteFrame(out); err != nil {
				// keep pacing: progress drives text reveal
				logger.Warn("[Playback] Sink write failed: %v", err)
			}
			if opts.OnProgress != nil {
				opts.OnProgress(float64(i+1) / float64(len(frames)))
			}
		}

		h.mu.Lock()
		h.reason = reason
		h.mu.Unlock()
		logger.Debug("[Playback] Finished (%s)", reason)
		if opts.OnDone != nil {
			opts.OnDone(reason)
		}
	}()

	return h, nil
}
