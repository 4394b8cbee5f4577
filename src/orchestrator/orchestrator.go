package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bme-official/withu-mirai/src/audio"
	"github.com/bme-official/withu-mirai/src/audio/vad"
	"github.com/bme-official/withu-mirai/src/cache"
	"github.com/bme-official/withu-mirai/src/logger"
	"github.com/bme-official/withu-mirai/src/playback"
	"github.com/bme-official/withu-mirai/src/recorder"
	"github.com/bme-official/withu-mirai/src/services"
	"github.com/bme-official/withu-mirai/src/session"
)

// State is the conversation state, owned exclusively by the Orchestrator.
// Transitions happen only through setState.
type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Mode is the input channel, an axis independent of State. Switching it
// never cancels an in-flight turn; it defers.
type Mode string

const (
	ModeVoice Mode = "voice"
	ModeText  Mode = "text"
)

// UIFlags are the derived enablement flags recomputed on every state
// change for the host page.
type UIFlags struct {
	CanListen bool
	CanType   bool
	Busy      bool
}

// Notice is a recoverable, user-visible message.
type Notice struct {
	Code    string
	Message string
}

const (
	NoticeMicPermission   = "mic-permission"
	NoticeEmptyTranscript = "empty-transcript"
	NoticePipelineError   = "pipeline-error"
)

// Events is the capability set the host page supplies. All members are
// optional; the orchestrator holds exactly one implementation.
type Events struct {
	// OnStateChange fires on every conversation-state transition.
	OnStateChange func(state State, flags UIFlags)
	// OnModeChange fires when the input mode changes, including forced
	// fallbacks to text.
	OnModeChange func(mode Mode)
	// OnUserTranscript delivers the recognized user utterance.
	OnUserTranscript func(text string)
	// OnAssistantText reveals the reply progressively, in step with
	// spoken audio when audio is playing. done marks the final chunk.
	OnAssistantText func(text string, done bool)
	// OnIntimacy forwards the opaque intimacy display value.
	OnIntimacy func(level float64)
	// OnLevel is the live loudness signal for a level meter.
	OnLevel func(rms float64)
	// OnNotice surfaces recoverable user-visible messages.
	OnNotice func(n Notice)
}

// StreamProvider acquires the microphone stream. Implementations prompt
// for permission on first acquire; a denial is returned as an error.
type StreamProvider interface {
	Acquire(ctx context.Context) (audio.Source, error)
}

// Deps are the orchestrator's external collaborators.
type Deps struct {
	Streams     StreamProvider
	Sink        audio.Sink
	Transcriber services.Transcriber
	Chat        services.ChatService
	Synth       services.Synthesizer
	Sessions    session.API
	Prefs       session.Store
}

// Params tunes the orchestrator.
type Params struct {
	SiteKey string
	// Greeting is the mandatory boot utterance; listening is gated on it
	// having completed.
	Greeting string
	// AllowBargeIn lets the user interrupt assistant speech.
	AllowBargeIn bool
	// MinBlobBytes discards segments whose encoded size is below this
	// floor before they reach transcription.
	MinBlobBytes int
	// RetryDelay is the pause before the single retry of a transient
	// synthesis failure.
	RetryDelay time.Duration
	// RevealRate paces the no-audio transcript reveal fallback.
	RevealRate time.Duration

	VAD      vad.Params
	Monitor  playback.MonitorParams
	Recorder recorder.Params
}

// DefaultParams returns the default orchestrator tuning.
func DefaultParams() Params {
	return Params{
		Greeting:     "Hi, I'm Mirai. I'm really glad you're here.",
		AllowBargeIn: true,
		MinBlobBytes: 1000,
		RetryDelay:   500 * time.Millisecond,
		RevealRate:   45 * time.Millisecond,
		VAD:          vad.DefaultParams(),
		Monitor:      playback.DefaultMonitorParams(),
		Recorder:     recorder.DefaultParams(),
	}
}

// Orchestrator is the turn-taking control plane: it owns the conversation
// state, the mode, the mute flags and the single in-flight turn, drives
// the detector and the collaborators, and always recovers to a clean idle
// state on failure.
type Orchestrator struct {
	params Params
	deps   Deps
	events Events
	speech *cache.SpeechCache
	unlock *playback.Unlocker
	levels *audio.LevelSmoother

	// host callbacks all funnel through one dispatch goroutine so the
	// page observes transitions in the order they happened
	evq    chan func()
	evdone chan struct{}
	evonce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	mode         Mode
	consent      bool
	micMuted     bool
	speakerMuted bool
	inFlight     bool
	turnGen      uint64
	greetingDone bool
	sess         *session.Session

	stream  audio.Source
	det     *vad.Detector
	handle  *playback.Handle
	monitor *playback.Monitor

	// deferred intent, consumed only at turn boundaries
	deferStopVoice bool
}

// New creates an Orchestrator. Call Bootstrap before anything else.
func New(params Params, deps Deps, events Events) (*Orchestrator, error) {
	switch {
	case deps.Streams == nil:
		return nil, errors.New("orchestrator: Streams dependency is required")
	case deps.Sink == nil:
		return nil, errors.New("orchestrator: Sink dependency is required")
	case deps.Transcriber == nil || deps.Chat == nil || deps.Synth == nil:
		return nil, errors.New("orchestrator: collaborator dependencies are required")
	case deps.Sessions == nil:
		return nil, errors.New("orchestrator: Sessions dependency is required")
	}
	if deps.Prefs == nil {
		deps.Prefs = session.NewMemoryStore()
	}
	o := &Orchestrator{
		params: params,
		deps:   deps,
		events: events,
		speech: cache.New(cache.DefaultMaxEntries),
		unlock: &playback.Unlocker{},
		levels: audio.NewLevelSmoother(0.2),
		evq:    make(chan func(), 256),
		evdone: make(chan struct{}),
		state:  StateIdle,
		mode:   ModeVoice,
	}
	go o.dispatchEvents()
	return o, nil
}

// dispatchEvents delivers queued host callbacks one at a time, in the
// order they were produced. On shutdown it drains what is queued and
// exits.
func (o *Orchestrator) dispatchEvents() {
	for {
		select {
		case fn := <-o.evq:
			fn()
		case <-o.evdone:
			for {
				select {
				case fn := <-o.evq:
					fn()
				default:
					return
				}
			}
		}
	}
}

// emit queues a host callback for in-order delivery.
func (o *Orchestrator) emit(fn func()) {
	select {
	case o.evq <- fn:
	case <-o.evdone:
	}
}

// Bootstrap loads persisted preferences, establishes the session, speaks
// the boot greeting and then enters the listening gate. It must complete
// before free-form turns are accepted.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	o.mu.Lock()
	if o.ctx != nil {
		o.mu.Unlock()
		return errors.New("orchestrator: already bootstrapped")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	prefs, err := o.deps.Prefs.Load(o.params.SiteKey)
	if err != nil {
		logger.Warn("[Orchestrator] Preference load failed, using defaults: %v", err)
		prefs = session.Prefs{}
	}

	sess, err := o.deps.Sessions.Create(ctx, o.params.SiteKey)
	if err != nil {
		return fmt.Errorf("orchestrator: session bootstrap: %w", err)
	}

	o.mu.Lock()
	o.consent = prefs.Consent
	o.micMuted = prefs.MicMuted
	o.speakerMuted = prefs.SpeakerMuted
	o.sess = &sess
	gen := o.beginTurnLocked()
	o.setStateLocked(StateThinking)
	o.mu.Unlock()

	o.emitIntimacy(sess.IntimacyLevel)
	logger.Info("[Orchestrator] Boot greeting for session %s", sess.ID)
	o.speak(o.params.Greeting)

	o.mu.Lock()
	o.greetingDone = true
	o.mu.Unlock()
	o.finishTurn(gen)
	return nil
}

// beginTurnLocked opens a turn and returns its generation token. A stale
// token lets results that outlive a StopAll be discarded instead of
// spoken. Callers hold o.mu.
func (o *Orchestrator) beginTurnLocked() uint64 {
	o.inFlight = true
	o.turnGen++
	return o.turnGen
}

// Close tears everything down and stops the orchestrator for good.
func (o *Orchestrator) Close() {
	o.StopAll(Notice{})
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.evonce.Do(func() { close(o.evdone) })
}

// State returns the current conversation state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Mode returns the current input mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// InFlight reports whether a turn is being processed.
func (o *Orchestrator) InFlight() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight
}

// setStateLocked is the single transition point; it recomputes the derived
// UI flags. Callers hold o.mu.
func (o *Orchestrator) setStateLocked(s State) {
	if o.state == s {
		return
	}
	logger.Info("[Orchestrator] State %s -> %s", o.state, s)
	o.state = s
	flags := UIFlags{
		CanListen: o.mode == ModeVoice && o.consent && !o.micMuted,
		CanType:   s == StateIdle || s == StateListening,
		Busy:      o.inFlight,
	}
	if cb := o.events.OnStateChange; cb != nil {
		o.emit(func() { cb(s, flags) })
	}
}

// EnsureVoiceListening runs the listening gate and, when every check
// passes, opens the microphone pipeline. Failing a gate is a silent no-op:
// in particular, without consent no permission prompt is ever issued.
func (o *Orchestrator) EnsureVoiceListening() {
	o.mu.Lock()
	switch {
	case o.ctx == nil || o.ctx.Err() != nil,
		o.mode != ModeVoice,
		o.micMuted,
		!o.consent,
		o.inFlight,
		o.state != StateIdle,
		o.handle != nil,
		!o.greetingDone:
		logger.Debug("[Orchestrator] Listening gate closed (state=%s mode=%s)", o.state, o.mode)
		o.mu.Unlock()
		return
	}
	ctx := o.ctx
	stream := o.stream
	o.mu.Unlock()

	if stream == nil {
		acquired, err := o.deps.Streams.Acquire(ctx)
		if err != nil {
			logger.Warn("[Orchestrator] Microphone unavailable: %v", err)
			o.emitNotice(Notice{Code: NoticeMicPermission,
				Message: "Microphone access was denied. You can try again or switch to text."})
			return
		}
		stream = acquired
	}

	o.mu.Lock()
	// re-check: an event may have landed while we awaited the permission
	// prompt
	if o.mode != ModeVoice || o.micMuted || !o.consent || o.inFlight || o.state != StateIdle || o.det != nil {
		keep := o.stream == stream
		o.mu.Unlock()
		if !keep {
			stream.Close()
		}
		return
	}
	o.stream = stream
	o.levels.Reset()
	rec := recorder.New(o.params.Recorder)
	det := vad.New(stream, rec, o.params.VAD, vad.Callbacks{
		OnSpeechStart: func() { logger.Debug("[Orchestrator] User started speaking") },
		OnSpeechEnd:   func(seg vad.Segment) { go o.handleSegment(seg) },
		OnDebug:       func(l vad.Level) { o.emitLevel(l.RMS) },
		OnError:       func(err error) { go o.failPipeline("listen", err) },
	})
	o.det = det
	o.setStateLocked(StateListening)
	o.mu.Unlock()

	det.Start(ctx)
}

// takeDetectorLocked detaches the detector for stopping outside the lock;
// stopping under o.mu would deadlock against detector callbacks.
func (o *Orchestrator) takeDetectorLocked() *vad.Detector {
	det := o.det
	o.det = nil
	return det
}

// stopVoicePipeline releases the detector and the microphone stream.
func (o *Orchestrator) stopVoicePipeline() {
	o.mu.Lock()
	det := o.takeDetectorLocked()
	stream := o.stream
	o.stream = nil
	if o.state == StateListening {
		o.setStateLocked(StateIdle)
	}
	o.mu.Unlock()

	if det != nil {
		det.Stop(false)
	}
	if stream != nil {
		stream.Close()
	}
}

// StopAll is the global failure recovery: every audio resource is torn
// down, the in-flight flag is cleared and the state is forced back to
// idle. A non-empty notice is surfaced to the user.
func (o *Orchestrator) StopAll(n Notice) {
	o.mu.Lock()
	det := o.takeDetectorLocked()
	monitor := o.monitor
	o.monitor = nil
	handle := o.handle
	o.handle = nil
	stream := o.stream
	o.stream = nil
	o.inFlight = false
	o.turnGen++
	o.deferStopVoice = false
	o.setStateLocked(StateIdle)
	o.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	if handle != nil {
		handle.Stop()
	}
	if det != nil {
		det.Stop(false)
	}
	if stream != nil {
		stream.Close()
	}
	if n.Code != "" {
		o.emitNotice(n)
	}
	logger.Info("[Orchestrator] Stopped all audio resources")
}

// failPipeline handles a hard pipeline error: full teardown plus a generic
// user-visible message, tagged with the phase that failed.
func (o *Orchestrator) failPipeline(phase string, err error) {
	logger.Error("[Orchestrator] Pipeline error in %s phase: %v", phase, err)
	o.StopAll(Notice{Code: NoticePipelineError,
		Message: "Something went wrong. Let's try that again."})
}

// SetConsent records the microphone consent decision and persists it.
// Granting consent is also an unlock opportunity and re-enters the
// listening gate.
func (o *Orchestrator) SetConsent(granted bool) {
	o.mu.Lock()
	o.consent = granted
	o.persistPrefsLocked()
	o.mu.Unlock()

	o.unlock.TryUnlock(o.deps.Sink)
	if granted {
		o.EnsureVoiceListening()
	} else {
		o.stopVoicePipeline()
	}
}

// SetMicMuted toggles the microphone. Muting immediately tears down the
// listening pipeline but preserves in-flight non-listening work; unmuting
// re-enters the gate.
func (o *Orchestrator) SetMicMuted(muted bool) {
	o.mu.Lock()
	if o.micMuted == muted {
		o.mu.Unlock()
		return
	}
	o.micMuted = muted
	o.persistPrefsLocked()
	monitor := o.monitor
	if muted {
		o.monitor = nil
	}
	o.mu.Unlock()

	o.unlock.TryUnlock(o.deps.Sink)
	if muted {
		if monitor != nil {
			monitor.Stop()
		}
		o.stopVoicePipeline()
	} else {
		o.EnsureVoiceListening()
	}
}

// SetSpeakerMuted toggles audio output. Playback timing is unaffected, so
// the transcript still completes on schedule; only the sound is silenced.
func (o *Orchestrator) SetSpeakerMuted(muted bool) {
	o.mu.Lock()
	o.speakerMuted = muted
	o.persistPrefsLocked()
	o.mu.Unlock()
	o.unlock.TryUnlock(o.deps.Sink)
}

// SpeakerMuted reports the current speaker mute flag.
func (o *Orchestrator) SpeakerMuted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.speakerMuted
}

// NotifyUserGesture is the first-interaction hook: it primes the audio
// output so the first real utterance is not dropped. Best effort.
func (o *Orchestrator) NotifyUserGesture() {
	o.unlock.TryUnlock(o.deps.Sink)
}

// SetMode switches the input channel. The switch itself is immediate, but
// pipeline consequences are deferred intents applied at the next natural
// state boundary: an in-flight or listening voice turn is never truncated,
// and ongoing playback is never interrupted to start listening.
func (o *Orchestrator) SetMode(mode Mode) {
	o.mu.Lock()
	if o.mode == mode {
		o.mu.Unlock()
		return
	}
	o.mode = mode
	logger.Info("[Orchestrator] Mode -> %s (state=%s inFlight=%v)", mode, o.state, o.inFlight)
	if cb := o.events.OnModeChange; cb != nil {
		o.emit(func() { cb(mode) })
	}

	if mode == ModeText {
		if o.inFlight || o.state == StateListening {
			o.deferStopVoice = true
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()
		o.stopVoicePipeline()
		return
	}

	// -> voice
	o.deferStopVoice = false
	if o.state == StateSpeaking {
		// the turn's own completion re-enters the listening gate
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.EnsureVoiceListening()
}

// persistPrefsLocked writes the persisted flags; callers hold o.mu.
func (o *Orchestrator) persistPrefsLocked() {
	prefs := session.Prefs{
		Consent:      o.consent,
		MicMuted:     o.micMuted,
		SpeakerMuted: o.speakerMuted,
	}
	if err := o.deps.Prefs.Save(o.params.SiteKey, prefs); err != nil {
		logger.Warn("[Orchestrator] Preference save failed: %v", err)
	}
}

func (o *Orchestrator) emitNotice(n Notice) {
	logger.Info("[Orchestrator] Notice %s: %s", n.Code, n.Message)
	if cb := o.events.OnNotice; cb != nil {
		o.emit(func() { cb(n) })
	}
}

func (o *Orchestrator) emitIntimacy(level float64) {
	if cb := o.events.OnIntimacy; cb != nil {
		o.emit(func() { cb(level) })
	}
}

// emitLevel smooths the raw per-tick loudness before it reaches the
// host's level meter.
func (o *Orchestrator) emitLevel(rms float64) {
	if cb := o.events.OnLevel; cb != nil {
		smoothed := o.levels.Update(rms)
		o.emit(func() { cb(smoothed) })
	}
}
