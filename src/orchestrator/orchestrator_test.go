package orchestrator

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bme-official/withu-mirai/src/audio"
	"github.com/bme-official/withu-mirai/src/audio/vad"
	"github.com/bme-official/withu-mirai/src/playback"
	"github.com/bme-official/withu-mirai/src/recorder"
	"github.com/bme-official/withu-mirai/src/services"
	"github.com/bme-official/withu-mirai/src/session"
)

const testRate = 16000

func dcFrame(level float64, ms int) audio.Frame {
	n := testRate * ms / 1000
	f := make(audio.Frame, n*2)
	v := uint16(int16(level * 32768))
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(f[i*2:(i+1)*2], v)
	}
	return f
}

type fakeStreams struct {
	mu       sync.Mutex
	pipe     *audio.Pipe
	err      error
	acquired int
}

func (s *fakeStreams) Acquire(context.Context) (audio.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.acquired++
	s.pipe = audio.NewPipe(testRate)
	return s.pipe, nil
}

func (s *fakeStreams) acquireCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

func (s *fakeStreams) current() *audio.Pipe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipe
}

type fakeSink struct {
	mu     sync.Mutex
	frames []audio.Frame
}

func (s *fakeSink) WriteFrame(frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make(audio.Frame, len(frame))
	copy(buf, frame)
	s.frames = append(s.frames, buf)
	return nil
}

func (s *fakeSink) SampleRate() int { return testRate }
func (s *fakeSink) Close() error    { return nil }

func (s *fakeSink) written() []audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

type fakeTranscriber struct {
	text  string
	err   error
	calls int32
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ recorder.Blob) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.text, f.err
}

type fakeChat struct {
	fn func(userText string, mode services.InputMode) (services.ChatReply, error)
}

func (f *fakeChat) Reply(_ context.Context, userText string, mode services.InputMode) (services.ChatReply, error) {
	if f.fn != nil {
		return f.fn(userText, mode)
	}
	return services.ChatReply{Text: "Okay."}, nil
}

type fakeSynth struct {
	mu    sync.Mutex
	fn    func(text string) (playback.Clip, error)
	calls int
}

func (f *fakeSynth) Synthesize(_ context.Context, text string) (playback.Clip, error) {
	f.mu.Lock()
	f.calls++
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(text)
	}
	return pcmClip(2, 0.1), nil
}

func (f *fakeSynth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func pcmClip(frames int, level float64) playback.Clip {
	frameBytes := audio.FrameBytes(testRate)
	data := make([]byte, 0, frames*frameBytes)
	v := uint16(int16(level * 32768))
	for i := 0; i < frames*frameBytes/2; i++ {
		data = binary.LittleEndian.AppendUint16(data, v)
	}
	return playback.Clip{Data: data, Encoding: audio.EncodingPCM16, SampleRate: testRate}
}

type assistantChunk struct {
	text string
	done bool
}

type harness struct {
	o       *Orchestrator
	streams *fakeStreams
	sink    *fakeSink
	stt     *fakeTranscriber
	chat    *fakeChat
	synth   *fakeSynth
	prefs   *session.MemoryStore

	modes     chan Mode
	userTexts chan string
	assistant chan assistantChunk
	notices   chan Notice
	intimacy  chan float64
	levels    chan float64
}

func testParams() Params {
	p := DefaultParams()
	p.SiteKey = "test-site"
	p.Greeting = "Hello."
	p.MinBlobBytes = 10
	p.RetryDelay = 10 * time.Millisecond
	p.RevealRate = time.Millisecond
	p.VAD = vad.Params{
		RMSThreshold: 0.02,
		MinSpeech:    40 * time.Millisecond,
		Silence:      60 * time.Millisecond,
		MaxSpeech:    time.Second,
	}
	p.Monitor = playback.MonitorParams{Threshold: 0.05, MinHold: 40 * time.Millisecond}
	p.Recorder = recorder.Params{
		SampleRate: testRate,
		Codecs:     []audio.Encoding{audio.EncodingPCM16},
	}
	return p
}

func newHarness(t *testing.T, params Params) *harness {
	t.Helper()
	h := &harness{
		streams:   &fakeStreams{},
		sink:      &fakeSink{},
		stt:       &fakeTranscriber{text: "hello"},
		chat:      &fakeChat{},
		synth:     &fakeSynth{},
		prefs:     session.NewMemoryStore(),
		modes:     make(chan Mode, 16),
		userTexts: make(chan string, 16),
		assistant: make(chan assistantChunk, 64),
		notices:   make(chan Notice, 16),
		intimacy:  make(chan float64, 16),
		levels:    make(chan float64, 256),
	}
	events := Events{
		OnModeChange:     func(m Mode) { h.modes <- m },
		OnUserTranscript: func(text string) { h.userTexts <- text },
		OnAssistantText:  func(text string, done bool) { h.assistant <- assistantChunk{text, done} },
		OnIntimacy:       func(level float64) { h.intimacy <- level },
		OnNotice:         func(n Notice) { h.notices <- n },
		OnLevel:          func(rms float64) { h.levels <- rms },
	}
	o, err := New(params, Deps{
		Streams:     h.streams,
		Sink:        h.sink,
		Transcriber: h.stt,
		Chat:        h.chat,
		Synth:       h.synth,
		Sessions:    &session.LocalAPI{InitialIntimacy: 0.2},
		Prefs:       h.prefs,
	}, events)
	require.NoError(t, err)
	h.o = o
	t.Cleanup(o.Close)
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.o.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s (now %s)", want, h.o.State())
}

func (h *harness) waitAssistantDone(t *testing.T) []assistantChunk {
	t.Helper()
	var chunks []assistantChunk
	for {
		select {
		case c := <-h.assistant:
			chunks = append(chunks, c)
			if c.done {
				return chunks
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("assistant reveal never completed (got %v)", chunks)
		}
	}
}

func (h *harness) waitNotice(t *testing.T, code string) Notice {
	t.Helper()
	for {
		select {
		case n := <-h.notices:
			if n.Code == code {
				return n
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("notice %s never arrived", code)
		}
	}
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(DefaultParams(), Deps{}, Events{})
	assert.Error(t, err)
}

func TestBootstrapGreetsThenIdlesWithoutConsent(t *testing.T) {
	h := newHarness(t, testParams())
	require.NoError(t, h.o.Bootstrap(context.Background()))

	assert.Equal(t, StateIdle, h.o.State())
	assert.Equal(t, ModeVoice, h.o.Mode())
	assert.False(t, h.o.InFlight())
	// no consent, so the microphone was never touched
	assert.Zero(t, h.streams.acquireCount())
	// the greeting was spoken and revealed
	assert.NotEmpty(t, h.sink.written())
	chunks := h.waitAssistantDone(t)
	assert.Equal(t, "Hello.", chunks[0].text)

	select {
	case level := <-h.intimacy:
		assert.Equal(t, 0.2, level)
	case <-time.After(time.Second):
		t.Fatal("intimacy level never forwarded")
	}

	assert.Error(t, h.o.Bootstrap(context.Background()))
}

func TestConsentedBootstrapEntersListening(t *testing.T) {
	h := newHarness(t, testParams())
	require.NoError(t, h.prefs.Save("test-site", session.Prefs{Consent: true}))

	require.NoError(t, h.o.Bootstrap(context.Background()))
	h.waitState(t, StateListening)
	assert.Equal(t, 1, h.streams.acquireCount())
}

func TestMicDenialSurfacesNotice(t *testing.T) {
	h := newHarness(t, testParams())
	h.streams.err = errors.New("permission denied")
	require.NoError(t, h.o.Bootstrap(context.Background()))

	h.o.SetConsent(true)
	h.waitNotice(t, NoticeMicPermission)
	assert.Equal(t, StateIdle, h.o.State())
}

func TestVoiceTurnRoundTrip(t *testing.T) {
	h := newHarness(t, testParams())
	require.NoError(t, h.prefs.Save("test-site", session.Prefs{Consent: true}))
	h.chat.fn = func(userText string, mode services.InputMode) (services.ChatReply, error) {
		assert.Equal(t, "hello", userText)
		assert.Equal(t, services.InputVoice, mode)
		update := 0.4
		return services.ChatReply{Text: "Hi there.", IntimacyUpdate: &update}, nil
	}

	require.NoError(t, h.o.Bootstrap(context.Background()))
	h.waitState(t, StateListening)
	h.waitAssistantDone(t) // drain the greeting
	<-h.intimacy           // drain the bootstrap level

	for i := 0; i < 5; i++ {
		require.NoError(t, h.streams.current().Push(dcFrame(0.05, 20)))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, h.streams.current().Push(dcFrame(0, 20)))
	}

	select {
	case text := <-h.userTexts:
		assert.Equal(t, "hello", text)
	case <-time.After(3 * time.Second):
		t.Fatal("user transcript never arrived")
	}
	chunks := h.waitAssistantDone(t)
	assert.Equal(t, "Hi there.", chunks[len(chunks)-1].text)

	select {
	case level := <-h.intimacy:
		assert.Equal(t, 0.4, level)
	case <-time.After(time.Second):
		t.Fatal("intimacy update never forwarded")
	}

	// the stream is reused for the next round, not re-acquired
	h.waitState(t, StateListening)
	assert.Equal(t, 1, h.streams.acquireCount())
}

func TestEmptyTranscriptFallsBackToText(t *testing.T) {
	h := newHarness(t, testParams())
	require.NoError(t, h.prefs.Save("test-site", session.Prefs{Consent: true}))
	h.stt.text = ""

	require.NoError(t, h.o.Bootstrap(context.Background()))
	h.waitState(t, StateListening)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.streams.current().Push(dcFrame(0.05, 20)))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, h.streams.current().Push(dcFrame(0, 20)))
	}

	h.waitNotice(t, NoticeEmptyTranscript)
	select {
	case m := <-h.modes:
		assert.Equal(t, ModeText, m)
	case <-time.After(time.Second):
		t.Fatal("mode change never fired")
	}
	h.waitState(t, StateIdle)
	assert.Equal(t, ModeText, h.o.Mode())

	// the microphone stream was released
	assert.Equal(t, audio.ErrPipeClosed, h.streams.current().Push(dcFrame(0, 20)))
}

func TestSegmentDroppedWhileTurnInFlight(t *testing.T) {
	h := newHarness(t, testParams())
	require.NoError(t, h.o.Bootstrap(context.Background()))

	h.o.mu.Lock()
	h.o.inFlight = true
	h.o.state = StateListening
	h.o.mu.Unlock()

	h.o.handleSegment(vad.Segment{SizeBytes: 5000})
	assert.Zero(t, atomic.LoadInt32(&h.stt.calls))
}

func TestUndersizedSegmentDiscarded(t *testing.T) {
	h := newHarness(t, testParams())
	require.NoError(t, h.prefs.Save("test-site", session.Prefs{Consent: true}))
	require.NoError(t, h.o.Bootstrap(context.Background()))
	h.waitState(t, StateListening)

	h.o.handleSegment(vad.Segment{SizeBytes: 5})
	assert.Zero(t, atomic.LoadInt32(&h.stt.calls))
	// the turn closes out and listening resumes
	h.waitState(t, StateListening)
}

func TestSubmitTextGates(t *testing.T) {
	h := newHarness(t, testParams())
	assert.ErrorIs(t, h.o.SubmitText("early"), ErrNotReady)

	require.NoError(t, h.o.Bootstrap(context.Background()))
	assert.ErrorIs(t, h.o.SubmitText("   "), ErrNotReady)
	assert.ErrorIs(t, h.o.SubmitText("wrong mode"), ErrNotReady)

	h.o.SetMode(ModeText)
	h.o.mu.Lock()
	h.o.inFlight = true
	h.o.mu.Unlock()
	assert.ErrorIs(t, h.o.SubmitText("busy"), ErrTurnInFlight)
	h.o.mu.Lock()
	h.o.inFlight = false
	h.o.mu.Unlock()
}

func TestTextTurnRoundTrip(t *testing.T) {
	h := newHarness(t, testParams())
	h.chat.fn = func(userText string, mode services.InputMode) (services.ChatReply, error) {
		assert.Equal(t, services.InputText, mode)
		return services.ChatReply{Text: "Sure thing."}, nil
	}
	require.NoError(t, h.o.Bootstrap(context.Background()))
	h.waitAssistantDone(t) // drain the greeting

	h.o.SetMode(ModeText)
	require.NoError(t, h.o.SubmitText("  do the thing  "))

	select {
	case text := <-h.userTexts:
		assert.Equal(t, "do the thing", text)
	case <-time.After(3 * time.Second):
		t.Fatal("user transcript never arrived")
	}
	chunks := h.waitAssistantDone(t)
	assert.Equal(t, "Sure thing.", chunks[len(chunks)-1].text)
	h.waitState(t, StateIdle)
	assert.False(t, h.o.InFlight())
}

func TestModeSwitchToTextDefersTeardownWhileListening(t *testing.T) {
	h := newHarness(t, testParams())
	require.NoError(t, h.prefs.Save("test-site", session.Prefs{Consent: true}))
	require.NoError(t, h.o.Bootstrap(context.Background()))
	h.waitState(t, StateListening)
	h.waitAssistantDone(t)

	h.o.SetMode(ModeText)
	assert.Equal(t, ModeText, h.o.Mode())

	// the voice pipeline is still up until the next turn boundary
	h.o.mu.Lock()
	assert.NotNil(t, h.o.det)
	h.o.mu.Unlock()

	require.NoError(t, h.o.SubmitText("switching over"))
	h.waitAssistantDone(t)
	h.waitState(t, StateIdle)

	// now the deferred teardown has run
	h.waitMicReleased(t)
}

func (h *harness) waitMicReleased(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.o.mu.Lock()
		released := h.o.det == nil && h.o.stream == nil
		h.o.mu.Unlock()
		if released {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("voice pipeline never released")
}

func TestBargeInReturnsToListening(t *testing.T) {
	h := newHarness(t, testParams())
	require.NoError(t, h.prefs.Save("test-site", session.Prefs{Consent: true}))
	h.chat.fn = func(string, services.InputMode) (services.ChatReply, error) {
		return services.ChatReply{Text: "Let me tell you a very long story. It goes on. And on."}, nil
	}
	h.synth.fn = func(text string) (playback.Clip, error) {
		if text == "Hello." {
			return pcmClip(2, 0.1), nil
		}
		return pcmClip(100, 0.1), nil // ~2s, plenty of room to interrupt
	}

	require.NoError(t, h.o.Bootstrap(context.Background()))
	h.waitState(t, StateListening)
	h.waitAssistantDone(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.streams.current().Push(dcFrame(0.05, 20)))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, h.streams.current().Push(dcFrame(0, 20)))
	}
	h.waitState(t, StateSpeaking)

	// sustained loud input while the assistant is talking
	for i := 0; i < 10; i++ {
		require.NoError(t, h.streams.current().Push(dcFrame(0.1, 20)))
	}

	h.waitState(t, StateListening)
	assert.False(t, h.o.InFlight())

	// the reveal was closed out, completed or truncated
	chunks := h.waitAssistantDone(t)
	assert.True(t, chunks[len(chunks)-1].done)
}

func TestModeSwitchDuringSpeechConsumedOnBargeIn(t *testing.T) {
	h := newHarness(t, testParams())
	require.NoError(t, h.prefs.Save("test-site", session.Prefs{Consent: true}))
	h.chat.fn = func(string, services.InputMode) (services.ChatReply, error) {
		return services.ChatReply{Text: "Let me tell you a very long story. It goes on. And on."}, nil
	}
	h.synth.fn = func(text string) (playback.Clip, error) {
		if text == "Hello." {
			return pcmClip(2, 0.1), nil
		}
		return pcmClip(100, 0.1), nil
	}

	require.NoError(t, h.o.Bootstrap(context.Background()))
	h.waitState(t, StateListening)
	h.waitAssistantDone(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.streams.current().Push(dcFrame(0.05, 20)))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, h.streams.current().Push(dcFrame(0, 20)))
	}

	// wait for the barge-in monitor before switching, so the switch
	// lands mid-speech with the monitor already armed
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.o.mu.Lock()
		armed := h.o.monitor != nil
		h.o.mu.Unlock()
		if armed {
			break
		}
		require.True(t, time.Now().Before(deadline), "monitor never armed")
		time.Sleep(2 * time.Millisecond)
	}
	h.o.SetMode(ModeText)

	// sustained loud input interrupts playback
	for i := 0; i < 10; i++ {
		if h.streams.current().Push(dcFrame(0.1, 20)) != nil {
			break // teardown already closed the stream
		}
	}

	// the interrupted turn applies the deferred switch: text mode, no
	// microphone held open
	h.waitState(t, StateIdle)
	h.waitMicReleased(t)
	assert.Equal(t, ModeText, h.o.Mode())
	assert.False(t, h.o.InFlight())
}

func TestSpeakerMuteSilencesAudioNotText(t *testing.T) {
	h := newHarness(t, testParams())
	require.NoError(t, h.o.Bootstrap(context.Background()))
	h.waitAssistantDone(t)

	h.o.SetSpeakerMuted(true)
	assert.True(t, h.o.SpeakerMuted())
	h.o.SetMode(ModeText)
	before := len(h.sink.written())
	require.NoError(t, h.o.SubmitText("quiet please"))

	chunks := h.waitAssistantDone(t)
	assert.True(t, chunks[len(chunks)-1].done)
	h.waitState(t, StateIdle)

	for _, f := range h.sink.written()[before:] {
		assert.Zero(t, audio.RMS(f))
	}
}

func TestTransientSynthesisRetriedOnce(t *testing.T) {
	h := newHarness(t, testParams())
	var failed bool
	h.synth.fn = func(text string) (playback.Clip, error) {
		if text != "Hello." && !failed {
			failed = true
			return playback.Clip{}, &services.TransientError{Err: errors.New("rate limited")}
		}
		return pcmClip(2, 0.1), nil
	}
	require.NoError(t, h.o.Bootstrap(context.Background()))
	h.waitAssistantDone(t)
	baseline := h.synth.callCount()

	h.o.SetMode(ModeText)
	require.NoError(t, h.o.SubmitText("try again"))
	h.waitAssistantDone(t)
	h.waitState(t, StateIdle)

	assert.Equal(t, baseline+2, h.synth.callCount())
	assert.NotEmpty(t, h.sink.written())
}

func TestSynthesisFailureStillRevealsText(t *testing.T) {
	h := newHarness(t, testParams())
	h.synth.fn = func(string) (playback.Clip, error) {
		return playback.Clip{}, errors.New("no voice configured")
	}
	require.NoError(t, h.o.Bootstrap(context.Background()))

	chunks := h.waitAssistantDone(t)
	assert.Equal(t, "Hello.", chunks[0].text)
	assert.Empty(t, h.sink.written())
	h.waitState(t, StateIdle)
}

func TestChatFailureTearsDownWithNotice(t *testing.T) {
	h := newHarness(t, testParams())
	h.chat.fn = func(string, services.InputMode) (services.ChatReply, error) {
		return services.ChatReply{}, errors.New("provider exploded")
	}
	require.NoError(t, h.o.Bootstrap(context.Background()))
	h.waitAssistantDone(t)

	h.o.SetMode(ModeText)
	require.NoError(t, h.o.SubmitText("boom"))
	h.waitNotice(t, NoticePipelineError)
	h.waitState(t, StateIdle)
	assert.False(t, h.o.InFlight())
}

func TestStopAllWinsOverInFlightTurn(t *testing.T) {
	h := newHarness(t, testParams())
	release := make(chan struct{})
	h.chat.fn = func(string, services.InputMode) (services.ChatReply, error) {
		<-release
		return services.ChatReply{Text: "too late"}, nil
	}
	require.NoError(t, h.o.Bootstrap(context.Background()))
	h.waitAssistantDone(t)

	h.o.SetMode(ModeText)
	require.NoError(t, h.o.SubmitText("hang"))
	require.True(t, h.o.InFlight())

	h.o.StopAll(Notice{})
	assert.Equal(t, StateIdle, h.o.State())
	assert.False(t, h.o.InFlight())

	close(release)
	// the stuck turn finds its flag already cleared and stays down
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateIdle, h.o.State())
	assert.False(t, h.o.InFlight())
}

func TestMutePersistsAcrossPrefs(t *testing.T) {
	h := newHarness(t, testParams())
	require.NoError(t, h.o.Bootstrap(context.Background()))

	h.o.SetConsent(true)
	h.o.SetMicMuted(true)
	h.o.SetSpeakerMuted(true)

	prefs, err := h.prefs.Load("test-site")
	require.NoError(t, err)
	assert.Equal(t, session.Prefs{Consent: true, MicMuted: true, SpeakerMuted: true}, prefs)
}

func TestMicMuteStopsListening(t *testing.T) {
	h := newHarness(t, testParams())
	require.NoError(t, h.prefs.Save("test-site", session.Prefs{Consent: true}))
	require.NoError(t, h.o.Bootstrap(context.Background()))
	h.waitState(t, StateListening)

	h.o.SetMicMuted(true)
	h.waitState(t, StateIdle)

	h.o.SetMicMuted(false)
	h.waitState(t, StateListening)
}

func TestStateEventsArriveInOrder(t *testing.T) {
	h := newHarness(t, testParams())
	var mu sync.Mutex
	var seq []State
	h.o.events.OnStateChange = func(s State, _ UIFlags) {
		mu.Lock()
		seq = append(seq, s)
		mu.Unlock()
	}

	require.NoError(t, h.o.Bootstrap(context.Background()))
	h.waitAssistantDone(t)
	h.o.SetMode(ModeText)
	require.NoError(t, h.o.SubmitText("in order please"))
	h.waitAssistantDone(t)
	h.waitState(t, StateIdle)

	// the host must see each turn as thinking -> speaking -> idle, never
	// a permutation
	want := []State{
		StateThinking, StateSpeaking, StateIdle,
		StateThinking, StateSpeaking, StateIdle,
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := append([]State(nil), seq...)
		mu.Unlock()
		if len(got) >= len(want) {
			assert.Equal(t, want, got)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state sequence incomplete: %v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLevelEventsAreSmoothed(t *testing.T) {
	h := newHarness(t, testParams())

	h.o.emitLevel(1.0)
	h.o.emitLevel(0.0)
	h.o.emitLevel(0.0)

	want := []float64{1.0, 0.8, 0.64}
	for _, expected := range want {
		select {
		case got := <-h.levels:
			assert.InDelta(t, expected, got, 1e-9)
		case <-time.After(time.Second):
			t.Fatalf("level %v never arrived", expected)
		}
	}
}

func TestChunkReply(t *testing.T) {
	assert.Nil(t, chunkReply("   "))
	assert.Equal(t, []string{"Hi.", "How are you?"}, chunkReply("Hi. How are you?"))
	assert.Equal(t, []string{"Line one", "line two"}, chunkReply("Line one\nline two"))
	assert.Equal(t, []string{"No punctuation at all"}, chunkReply("No punctuation at all"))
}

func TestRevealerPacing(t *testing.T) {
	var got []assistantChunk
	r := newRevealer("One. Two. Three.", func(text string, done bool) {
		got = append(got, assistantChunk{text, done})
	})

	r.advance(0.1)
	assert.Empty(t, got)
	r.advance(0.4)
	require.Len(t, got, 1)
	assert.Equal(t, "One.", got[0].text)
	r.finish()
	require.Len(t, got, 3)
	assert.True(t, got[2].done)

	// advancing past done is a no-op
	r.advance(1.0)
	assert.Len(t, got, 3)
}

func TestRevealerTruncate(t *testing.T) {
	var got []assistantChunk
	r := newRevealer("One. Two.", func(text string, done bool) {
		got = append(got, assistantChunk{text, done})
	})
	r.advance(0.5)
	r.truncate()
	require.Len(t, got, 2)
	assert.Equal(t, "One.", got[0].text)
	assert.Equal(t, assistantChunk{"", true}, got[1])

	r.truncate() // idempotent
	assert.Len(t, got, 2)
}
