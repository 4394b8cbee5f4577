package vad

import (
	"context"
	"sync"
	"time"

	"github.com/bme-official/withu-mirai/src/audio"
	"github.com/bme-official/withu-mirai/src/logger"
	"github.com/bme-official/withu-mirai/src/recorder"
)

// Params holds the speech-segmentation policy. All durations are converted
// to frame time internally; a "tick" is one source frame.
type Params struct {
	// RMSThreshold: loudness at or above this value counts as voice.
	RMSThreshold float64
	// MinSpeech: segments with less voiced span than this are dropped as
	// noise, with no event emitted.
	MinSpeech time.Duration
	// Silence: continuous sub-threshold time after voice that ends a
	// segment.
	Silence time.Duration
	// MaxSpeech: hard ceiling forcing segment end without silence.
	MaxSpeech time.Duration
	// PreRoll: audio kept from just before the threshold crossing so the
	// first syllable is not clipped from the recording.
	PreRoll time.Duration
}

// DefaultParams returns the default detection policy.
func DefaultParams() Params {
	return Params{
		RMSThreshold: 0.02,
		MinSpeech:    300 * time.Millisecond,
		Silence:      700 * time.Millisecond,
		MaxSpeech:    10 * time.Second,
		PreRoll:      200 * time.Millisecond,
	}
}

// Segment is one finalized utterance handed to the caller.
type Segment struct {
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	SizeBytes int
	Blob      recorder.Blob
}

// Level is the per-tick debug signal for live level meters.
type Level struct {
	RMS float64
}

// Callbacks are the detector's discrete outputs. Nil members are skipped.
// OnError is terminal: the detector stops itself and never retries.
type Callbacks struct {
	OnSpeechStart func()
	OnSpeechEnd   func(Segment)
	OnDebug       func(Level)
	OnError       func(error)
}

// Detector drives speech segmentation over a live Source, feeding a
// Recorder while a segment is open. It does not own the Source unless
// Stop is asked to release it.
type Detector struct {
	params Params
	source audio.Source
	rec    *recorder.Recorder
	cb     Callbacks

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Detector bound to a source and recorder.
func New(source audio.Source, rec *recorder.Recorder, params Params, cb Callbacks) *Detector {
	return &Detector{
		params: params,
		source: source,
		rec:    rec,
		cb:     cb,
	}
}

// Start begins sampling. Starting a running detector is a no-op.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	d.done = make(chan struct{})
	logger.Info("[VAD] Started (threshold=%.3f min=%s silence=%s max=%s)",
		d.params.RMSThreshold, d.params.MinSpeech, d.params.Silence, d.params.MaxSpeech)
	go d.run(runCtx, d.done)
}

// Running reports whether the sampling loop is active.
func (d *Detector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Stop halts sampling and releases the analysis loop. It is idempotent and
// safe to call while not running. releaseSource additionally closes the
// underlying stream; pass false when the stream is about to be handed to
// another consumer.
func (d *Detector) Stop(releaseSource bool) {
	d.mu.Lock()
	if !d.running {
		done := d.done
		d.mu.Unlock()
		if done != nil {
			<-done
		}
		if releaseSource {
			d.source.Close()
		}
		return
	}
	d.running = false
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	cancel()
	<-done
	d.rec.Dispose()
	if releaseSource {
		d.source.Close()
	}
	logger.Info("[VAD] Stopped (releaseSource=%v)", releaseSource)
}

func (d *Detector) fail(err error) {
	logger.Error("[VAD] Terminal error: %v", err)
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	if d.cb.OnError != nil {
		d.cb.OnError(err)
	}
}

// run is the per-tick loop: sample, decide, possibly emit.
func (d *Detector) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	sampleRate := d.source.SampleRate()
	preRoll := newFrameRing(d.params.PreRoll, sampleRate)

	var (
		inSpeech   bool
		startedAt  time.Time
		elapsed    time.Duration // time since segment start
		lastVoiced time.Duration // elapsed at the most recent voiced tick
		silenceRun time.Duration // continuous sub-threshold time
	)

	finalize := func(voicedSpan time.Duration) {
		inSpeech = false
		blob, err := d.rec.Stop()
		if err != nil {
			d.fail(err)
			return
		}
		if voicedSpan < d.params.MinSpeech {
			logger.Debug("[VAD] Dropping short segment (%s < %s)", voicedSpan, d.params.MinSpeech)
			return
		}
		seg := Segment{
			StartedAt: startedAt,
			EndedAt:   time.Now(),
			Duration:  voicedSpan,
			SizeBytes: blob.Size(),
			Blob:      blob,
		}
		logger.Info("[VAD] Speech segment: %s, %d bytes", seg.Duration, seg.SizeBytes)
		if d.cb.OnSpeechEnd != nil {
			d.cb.OnSpeechEnd(seg)
		}
	}

	for {
		frame, err := d.source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.fail(err)
			return
		}

		tick := frame.Duration(sampleRate)
		rms := audio.RMS(frame)
		if d.cb.OnDebug != nil {
			d.cb.OnDebug(Level{RMS: rms})
		}
		voiced := rms >= d.params.RMSThreshold

		if !inSpeech {
			if !voiced {
				preRoll.push(frame)
				continue
			}
			if err := d.rec.Start(); err != nil {
				d.fail(err)
				return
			}
			for _, f := range preRoll.drain() {
				d.rec.AppendFrame(f)
			}
			d.rec.AppendFrame(frame)
			inSpeech = true
			startedAt = time.Now()
			elapsed = 0
			lastVoiced = 0
			silenceRun = 0
			logger.Debug("[VAD] Speech start (rms=%.4f)", rms)
			if d.cb.OnSpeechStart != nil {
				d.cb.OnSpeechStart()
			}
			continue
		}

		d.rec.AppendFrame(frame)
		elapsed += tick
		if voiced {
			lastVoiced = elapsed
			silenceRun = 0
		} else {
			silenceRun += tick
		}

		switch {
		case elapsed >= d.params.MaxSpeech:
			logger.Debug("[VAD] Max speech ceiling reached (%s)", elapsed)
			finalize(elapsed)
		case silenceRun >= d.params.Silence:
			finalize(lastVoiced)
		}
	}
}

// frameRing keeps the most recent frames up to a fixed duration.
type frameRing struct {
	budget time.Duration
	sr     int
	frames []audio.Frame
	held   time.Duration
}

func newFrameRing(budget time.Duration, sampleRate int) *frameRing {
	return &frameRing{budget: budget, sr: sampleRate}
}

func (r *frameRing) push(frame audio.Frame) {
	if r.budget <= 0 {
		return
	}
	r.frames = append(r.frames, frame)
	r.held += frame.Duration(r.sr)
	for len(r.frames) > 0 && r.held > r.budget {
		r.held -= r.frames[0].Duration(r.sr)
		r.frames = r.frames[1:]
	}
}

func (r *frameRing) drain() []audio.Frame {
	out := r.frames
	r.frames = nil
	r.held = 0
	return out
}
