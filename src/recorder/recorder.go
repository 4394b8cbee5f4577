package recorder

import (
	"fmt"
	"sync"
	"time"

	"github.com/bme-official/withu-mirai/src/audio"
	"github.com/bme-official/withu-mirai/src/logger"
)

// Blob is a finalized, immutable recording.
type Blob struct {
	Data       []byte
	Encoding   audio.Encoding
	SampleRate int
	Duration   time.Duration
}

// Size returns the encoded byte size of the blob.
func (b Blob) Size() int { return len(b.Data) }

// Params configures a Recorder.
type Params struct {
	SampleRate int
	// Codecs is the capability-probe priority order. The first codec whose
	// encoder can be constructed wins; an empty list falls back to PCM16.
	Codecs []audio.Encoding
}

// DefaultParams returns the default recorder configuration.
func DefaultParams() Params {
	return Params{
		SampleRate: audio.DefaultSampleRate,
		Codecs:     []audio.Encoding{audio.EncodingOpus, audio.EncodingPCM16},
	}
}

// encoder turns PCM frames into encoded bytes. Implementations are not
// safe for concurrent use; the Recorder serializes access.
type encoder interface {
	encode(frame audio.Frame) ([]byte, error)
	close()
}

// Recorder buffers chunked capture into a single Blob. Capture errors are
// swallowed into logs; the caller's retry policy governs user-visible
// failure.
type Recorder struct {
	params Params
	codec  audio.Encoding
	enc    encoder

	mu        sync.Mutex
	recording bool
	disposed  bool
	chunks    [][]byte
	duration  time.Duration
}

// New creates a Recorder, probing codec support in priority order.
func New(params Params) *Recorder {
	if params.SampleRate <= 0 {
		params.SampleRate = audio.DefaultSampleRate
	}
	if len(params.Codecs) == 0 {
		params.Codecs = []audio.Encoding{audio.EncodingPCM16}
	}

	r := &Recorder{params: params}
	r.codec, r.enc = probeCodec(params)
	logger.Debug("[Recorder] Using codec %s at %d Hz", r.codec, params.SampleRate)
	return r
}

// probeCodec tries each candidate in order and returns the first encoder
// that can be constructed. PCM16 always succeeds.
func probeCodec(params Params) (audio.Encoding, encoder) {
	for _, c := range params.Codecs {
		switch c {
		case audio.EncodingOpus:
			enc, err := newOpusEncoder(params.SampleRate)
			if err != nil {
				logger.Warn("[Recorder] Opus unavailable, trying next codec: %v", err)
				continue
			}
			return audio.EncodingOpus, enc
		case audio.EncodingPCM16:
			return audio.EncodingPCM16, pcmEncoder{}
		default:
			logger.Warn("[Recorder] Unknown codec candidate %q skipped", c)
		}
	}
	return audio.EncodingPCM16, pcmEncoder{}
}

// Codec returns the encoding selected at construction.
func (r *Recorder) Codec() audio.Encoding { return r.codec }

// Start begins a new capture. Starting while already recording is a no-op.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return fmt.Errorf("recorder: disposed")
	}
	if r.recording {
		return nil
	}
	r.recording = true
	r.chunks = r.chunks[:0]
	r.duration = 0
	return nil
}

// AppendFrame encodes and buffers one capture frame. Frames arriving while
// not recording are ignored; encode failures drop the frame.
func (r *Recorder) AppendFrame(frame audio.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording || r.disposed {
		return
	}
	chunk, err := r.enc.encode(frame)
	if err != nil {
		logger.Debug("[Recorder] Dropping frame: %v", err)
		return
	}
	if len(chunk) > 0 {
		r.chunks = append(r.chunks, chunk)
	}
	r.duration += frame.Duration(r.params.SampleRate)
}

// IsRecording reports whether capture is active.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Stop finalizes the current capture into a Blob. Calling Stop while not
// recording returns an empty Blob.
func (r *Recorder) Stop() (Blob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	blob := Blob{Encoding: r.codec, SampleRate: r.params.SampleRate}
	if !r.recording {
		return blob, nil
	}
	r.recording = false

	total := 0
	for _, c := range r.chunks {
		total += len(c)
	}
	blob.Data = make([]byte, 0, total)
	for _, c := range r.chunks {
		blob.Data = append(blob.Data, c...)
	}
	blob.Duration = r.duration
	r.chunks = nil
	r.duration = 0
	return blob, nil
}

// Dispose releases encoder resources regardless of state.
func (r *Recorder) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return
	}
	r.disposed = true
	r.recording = false
	r.chunks = nil
	if r.enc != nil {
		r.enc.close()
	}
}

// pcmEncoder is the always-available fallback: raw PCM passthrough.
type pcmEncoder struct{}

func (pcmEncoder) encode(frame audio.Frame) ([]byte, error) {
	out := make([]byte, len(frame))
	copy(out, frame)
	return out, nil
}

func (pcmEncoder) close() {}
