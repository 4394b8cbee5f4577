package playback

import (
	"context"
	"sync"
	"time"

	"github.com/bme-official/withu-mirai/src/audio"
	"github.com/bme-official/withu-mirai/src/logger"
)

// MonitorParams tunes barge-in detection. The threshold is deliberately
// higher than the listening threshold so playback bleed and room noise do
// not trip it.
type MonitorParams struct {
	// Threshold: RMS loudness that counts as the user talking over us.
	Threshold float64
	// MinHold: how long loudness must stay at or above Threshold,
	// uninterrupted, before playback is interrupted. A single dip below
	// the threshold resets the hold timer.
	MinHold time.Duration
}

// DefaultMonitorParams returns the default barge-in tuning.
func DefaultMonitorParams() MonitorParams {
	return MonitorParams{
		Threshold: 0.05,
		MinHold:   250 * time.Millisecond,
	}
}

// Monitor samples loudness from the microphone source while synthesized
// speech is playing and invokes onTrigger once sustained voice is heard.
// It reuses the orchestrator's stream; it never closes it.
type Monitor struct {
	params    MonitorParams
	source    audio.Source
	onTrigger func()

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a barge-in monitor over the given source.
func NewMonitor(source audio.Source, params MonitorParams, onTrigger func()) *Monitor {
	return &Monitor{
		params:    params,
		source:    source,
		onTrigger: onTrigger,
	}
}

// Start begins sampling. No-op if already running.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	logger.Debug("[BargeIn] Monitoring (threshold=%.3f hold=%s)", m.params.Threshold, m.params.MinHold)
	go m.run(runCtx, m.done)
}

// Stop tears down the monitor's sampling loop. Idempotent; the source is
// left open for the next consumer.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		done := m.done
		m.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	sampleRate := m.source.SampleRate()
	var hold time.Duration

	for {
		frame, err := m.source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("[BargeIn] Source ended: %v", err)
			}
			return
		}

		if audio.RMS(frame) >= m.params.Threshold {
			hold += frame.Duration(sampleRate)
			if hold >= m.params.MinHold {
				logger.Info("[BargeIn] Sustained voice for %s, interrupting playback", hold)
				m.onTrigger()
				return
			}
		} else {
			hold = 0
		}
	}
}
