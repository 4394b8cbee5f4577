package audio

import (
	"context"
	"encoding/binary"
	"math"
	"time"
)

// Audio throughout the module is 16-bit little-endian PCM, mono, carried in
// 20ms frames. Sources and sinks declare their sample rate; components never
// resample implicitly.
const (
	DefaultSampleRate = 16000
	FrameDuration     = 20 * time.Millisecond
	bytesPerSample    = 2
)

// Frame is one buffer of 16-bit LE PCM samples.
type Frame []byte

// Samples returns the number of samples in the frame.
func (f Frame) Samples() int { return len(f) / bytesPerSample }

// Duration returns the play time of the frame at the given sample rate.
func (f Frame) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(sampleRate)
}

// FrameBytes returns the byte length of one 20ms frame at sampleRate.
func FrameBytes(sampleRate int) int {
	return sampleRate / 50 * bytesPerSample
}

// Source delivers live microphone frames. ReadFrame blocks until the next
// frame is available or the context is done; it returns io.EOF (or a wrapped
// transport error) once the stream has ended.
type Source interface {
	ReadFrame(ctx context.Context) (Frame, error)
	SampleRate() int
	Close() error
}

// Sink accepts playback frames. Writes are paced by the caller.
type Sink interface {
	WriteFrame(frame Frame) error
	SampleRate() int
	Close() error
}

// RMS computes root-mean-square loudness of a PCM frame, normalized to
// [0.0, 1.0].
func RMS(frame Frame) float64 {
	n := frame.Samples()
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2]))
		v := float64(sample) / 32768.0
		sumSquares += v * v
	}
	return math.Sqrt(sumSquares / float64(n))
}

// LevelSmoother applies exponential averaging to a raw loudness signal so
// a level meter does not flicker on single-frame spikes.
type LevelSmoother struct {
	factor float64
	value  float64
	primed bool
}

// NewLevelSmoother creates a smoother; factor 0.2 matches the meter
// tuning used across the module.
func NewLevelSmoother(factor float64) *LevelSmoother {
	if factor <= 0 || factor > 1 {
		factor = 0.2
	}
	return &LevelSmoother{factor: factor}
}

// Update folds a new raw sample into the smoothed value and returns it.
func (s *LevelSmoother) Update(raw float64) float64 {
	if !s.primed {
		s.value = raw
		s.primed = true
		return s.value
	}
	s.value = s.factor*raw + (1-s.factor)*s.value
	return s.value
}

// Value returns the current smoothed level.
func (s *LevelSmoother) Value() float64 { return s.value }

// Reset clears the smoother state.
func (s *LevelSmoother) Reset() {
	s.value = 0
	s.primed = false
}
