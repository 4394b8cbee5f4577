package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bme-official/withu-mirai/src/audio/vad"
	"github.com/bme-official/withu-mirai/src/logger"
	"github.com/bme-official/withu-mirai/src/playback"
	"github.com/bme-official/withu-mirai/src/services"
)

// ErrTurnInFlight is returned when a text submission arrives while a turn
// is already being processed.
var ErrTurnInFlight = errors.New("orchestrator: turn already in flight")

// ErrNotReady is returned for a text submission before the session is
// established or from a state that does not accept input.
var ErrNotReady = errors.New("orchestrator: not ready for input")

// handleSegment is the voice entry point, invoked off the detector's
// callback for each finalized speech segment. A segment arriving while a
// turn is in flight is dropped, not queued.
func (o *Orchestrator) handleSegment(seg vad.Segment) {
	o.mu.Lock()
	if o.inFlight || o.state != StateListening {
		logger.Debug("[Orchestrator] Dropping segment: turn in flight or not listening")
		o.mu.Unlock()
		return
	}
	gen := o.beginTurnLocked()
	o.setStateLocked(StateThinking)
	det := o.takeDetectorLocked()
	ctx := o.ctx
	o.mu.Unlock()

	// pause the detector; the stream stays open for barge-in and the
	// next listening round
	if det != nil {
		det.Stop(false)
	}

	if seg.SizeBytes < o.params.MinBlobBytes {
		logger.Debug("[Orchestrator] Discarding undersized segment (%d < %d bytes)",
			seg.SizeBytes, o.params.MinBlobBytes)
		o.finishTurn(gen)
		return
	}

	text, err := o.deps.Transcriber.Transcribe(ctx, seg.Blob)
	if err != nil {
		o.failPipeline("transcribe", err)
		return
	}
	if strings.TrimSpace(text) == "" {
		// never leave the user without a usable input channel
		logger.Info("[Orchestrator] Empty transcript, falling back to text mode")
		o.mu.Lock()
		o.mode = ModeText
		o.deferStopVoice = false
		if cb := o.events.OnModeChange; cb != nil {
			o.emit(func() { cb(ModeText) })
		}
		o.mu.Unlock()
		o.stopVoicePipeline()
		o.emitNotice(Notice{Code: NoticeEmptyTranscript,
			Message: "I couldn't hear that. Try typing instead."})
		o.finishTurn(gen)
		return
	}

	if cb := o.events.OnUserTranscript; cb != nil {
		o.emit(func() { cb(text) })
	}
	o.completeTurn(ctx, gen, text, services.InputVoice)
}

// SubmitText is the text entry point. Accepted from idle or listening; a
// deferred voice teardown may leave the detector running in text mode, in
// which case it is paused first.
func (o *Orchestrator) SubmitText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrNotReady
	}

	o.mu.Lock()
	switch {
	case o.sess == nil || o.ctx == nil:
		o.mu.Unlock()
		return ErrNotReady
	case o.mode != ModeText:
		o.mu.Unlock()
		return ErrNotReady
	case o.inFlight:
		o.mu.Unlock()
		return ErrTurnInFlight
	case o.state != StateIdle && o.state != StateListening:
		o.mu.Unlock()
		return ErrNotReady
	}
	gen := o.beginTurnLocked()
	o.setStateLocked(StateThinking)
	det := o.takeDetectorLocked()
	ctx := o.ctx
	o.mu.Unlock()

	if det != nil {
		det.Stop(false)
	}

	go func() {
		if cb := o.events.OnUserTranscript; cb != nil {
			o.emit(func() { cb(text) })
		}
		o.completeTurn(ctx, gen, text, services.InputText)
	}()
	return nil
}

// completeTurn runs the thinking and speaking phases shared by both input
// channels, then closes out the turn.
func (o *Orchestrator) completeTurn(ctx context.Context, gen uint64, userText string, mode services.InputMode) {
	reply, err := o.deps.Chat.Reply(ctx, userText, mode)

	o.mu.Lock()
	live := o.inFlight && o.turnGen == gen
	o.mu.Unlock()
	if !live {
		// StopAll closed this turn while the provider was busy
		logger.Debug("[Orchestrator] Discarding reply for a closed turn")
		return
	}
	if err != nil {
		o.failPipeline("chat", err)
		return
	}
	if reply.IntimacyUpdate != nil {
		o.emitIntimacy(*reply.IntimacyUpdate)
	}

	o.speak(reply.Text)
	o.finishTurn(gen)
}

// finishTurn clears the in-flight flag, applies deferred intents and
// re-enters the listening gate. Every path that opens a turn ends here or
// in StopAll.
func (o *Orchestrator) finishTurn(gen uint64) {
	o.mu.Lock()
	if !o.inFlight || o.turnGen != gen {
		// StopAll already closed this turn out
		o.mu.Unlock()
		return
	}
	o.inFlight = false
	stopVoice := o.deferStopVoice
	o.deferStopVoice = false
	o.setStateLocked(StateIdle)
	o.mu.Unlock()

	if stopVoice {
		o.stopVoicePipeline()
	}
	o.EnsureVoiceListening()
}

// synthesize resolves audio for text through the cache; a transient
// provider failure is retried once after a fixed delay.
func (o *Orchestrator) synthesize(ctx context.Context, text string) (playback.Clip, error) {
	return o.speech.Get(ctx, text, func(ctx context.Context) (playback.Clip, error) {
		clip, err := o.deps.Synth.Synthesize(ctx, text)
		if err == nil || !services.IsTransient(err) {
			return clip, err
		}
		logger.Warn("[Orchestrator] Synthesis failed, retrying once: %v", err)
		select {
		case <-ctx.Done():
			return playback.Clip{}, ctx.Err()
		case <-time.After(o.params.RetryDelay):
		}
		return o.deps.Synth.Synthesize(ctx, text)
	})
}

// speak delivers the reply: audio through the sink when synthesis works,
// and the transcript in step with it either way. The speaking phase is
// complete when text reveal finishes, not when audio does.
func (o *Orchestrator) speak(text string) {
	o.mu.Lock()
	ctx := o.ctx
	o.setStateLocked(StateSpeaking)
	o.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	var emitText func(string, bool)
	if cb := o.events.OnAssistantText; cb != nil {
		emitText = func(chunk string, done bool) {
			o.emit(func() { cb(chunk, done) })
		}
	}
	reveal := newRevealer(text, emitText)

	clip, err := o.synthesize(ctx, text)
	if err != nil {
		logger.Warn("[Orchestrator] Synthesis unavailable, revealing text only: %v", err)
		o.revealWithoutAudio(ctx, reveal)
		return
	}

	handle, err := playback.Play(ctx, clip, o.deps.Sink, playback.Options{
		Muted:      o.SpeakerMuted,
		OnProgress: reveal.advance,
	})
	if err != nil {
		logger.Warn("[Orchestrator] Clip not playable, revealing text only: %v", err)
		o.revealWithoutAudio(ctx, reveal)
		return
	}

	if o.superviseSpeech(ctx, handle) {
		// an interruption still closes the turn out through finishTurn,
		// which consumes deferred intents and re-enters the gate
		reveal.truncate()
		return
	}
	reveal.finish()
}

// superviseSpeech registers the playback handle, runs the barge-in
// monitor while audio plays and waits for completion. It reports whether
// the user barged in.
func (o *Orchestrator) superviseSpeech(ctx context.Context, handle *playback.Handle) bool {
	barged := false

	o.mu.Lock()
	o.handle = handle
	var monitor *playback.Monitor
	monitorOK := o.params.AllowBargeIn &&
		o.mode == ModeVoice &&
		!o.micMuted &&
		o.consent &&
		o.stream != nil &&
		!o.speakerMuted
	if monitorOK {
		monitor = playback.NewMonitor(o.stream, o.params.Monitor, func() {
			barged = true
			handle.Stop()
		})
		o.monitor = monitor
	}
	o.mu.Unlock()

	if monitor != nil {
		monitor.Start(ctx)
	}
	<-handle.Done()
	if monitor != nil {
		monitor.Stop()
	}

	o.mu.Lock()
	if o.handle == handle {
		o.handle = nil
	}
	if o.monitor == monitor {
		o.monitor = nil
	}
	o.mu.Unlock()

	return barged && handle.Reason() == playback.ReasonCanceled
}

// revealWithoutAudio paces the transcript over an estimated speech
// duration so the turn still progresses when audio cannot.
func (o *Orchestrator) revealWithoutAudio(ctx context.Context, r *revealer) {
	total := time.Duration(len(r.text)) * o.params.RevealRate
	if total < 300*time.Millisecond {
		total = 300 * time.Millisecond
	}
	const steps = 20
	ticker := time.NewTicker(total / steps)
	defer ticker.Stop()

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			r.truncate()
			return
		case <-ticker.C:
			r.advance(float64(i) / steps)
		}
	}
	r.finish()
}

// revealer drips the assistant text to the host in sentence-like chunks,
// keyed to a progress ratio.
type revealer struct {
	text    string
	chunks  []string
	cuts    []float64 // cumulative char ratio at each chunk boundary
	next    int
	emit    func(text string, done bool)
	doneYet bool
}

func newRevealer(text string, emit func(string, bool)) *revealer {
	chunks := chunkReply(text)
	r := &revealer{text: text, chunks: chunks, emit: emit}
	totalChars := 0
	for _, c := range chunks {
		totalChars += len(c)
	}
	if totalChars == 0 {
		r.doneYet = true
		return r
	}
	cum := 0
	for _, c := range chunks {
		cum += len(c)
		r.cuts = append(r.cuts, float64(cum)/float64(totalChars))
	}
	return r
}

// advance reveals every chunk whose boundary the progress ratio has
// passed.
func (r *revealer) advance(progress float64) {
	if r.emit == nil || r.doneYet {
		return
	}
	for r.next < len(r.chunks) && progress >= r.cuts[r.next]-1e-9 {
		last := r.next == len(r.chunks)-1
		r.emit(r.chunks[r.next], last)
		if last {
			r.doneYet = true
		}
		r.next++
	}
}

// finish flushes any unrevealed chunks and marks the reveal complete.
func (r *revealer) finish() {
	r.advance(1.0)
}

// truncate closes the reveal at the chunk boundary reached so far, the
// way an interrupted speaker stops mid-reply.
func (r *revealer) truncate() {
	if r.emit == nil || r.doneYet {
		return
	}
	r.doneYet = true
	r.emit("", true)
}

// chunkReply splits a reply into sentence-like chunks, retaining
// punctuation, so transcript reveal can track spoken audio.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	flush := func() {
		if chunk := strings.TrimSpace(b.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		b.Reset()
	}
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			flush()
		case '\n', '\r':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return chunks
}
