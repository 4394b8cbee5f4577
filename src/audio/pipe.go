package audio

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrPipeClosed is returned by Push after the pipe has been closed.
var ErrPipeClosed = errors.New("audio: pipe closed")

// Pipe is an in-memory Source (and Sink) backed by a frame channel. It backs
// tests and examples, and adapts any push-style capture (a transport
// delivering decoded frames) into the pull-style Source the detector and the
// barge-in monitor consume.
type Pipe struct {
	sampleRate int
	frames     chan Frame

	mu     sync.Mutex
	closed bool
}

// NewPipe creates a pipe at the given sample rate with a bounded frame queue.
func NewPipe(sampleRate int) *Pipe {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Pipe{
		sampleRate: sampleRate,
		frames:     make(chan Frame, 256),
	}
}

// Push queues a frame for readers. Frames are dropped when the queue is full
// rather than blocking the capture path.
func (p *Pipe) Push(frame Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPipeClosed
	}
	select {
	case p.frames <- frame:
	default:
		// capture must never stall on a slow consumer
	}
	return nil
}

// WriteFrame makes Pipe usable as a Sink.
func (p *Pipe) WriteFrame(frame Frame) error { return p.Push(frame) }

// ReadFrame blocks for the next queued frame.
func (p *Pipe) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-p.frames:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	}
}

// SampleRate returns the pipe's sample rate.
func (p *Pipe) SampleRate() int { return p.sampleRate }

// Close ends the stream; pending frames remain readable until drained.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.frames)
	return nil
}
