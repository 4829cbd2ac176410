// Package streamutil manages the lifecycle of translated completion
// streams: a producer goroutine feeding ordered chunks to one consumer,
// with stall detection for upstream reads.
package streamutil

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Chunk is one unit of a translated stream. A non-nil Err terminates the
// stream; no further chunks follow it.
type Chunk struct {
	Data []byte
	Err  error
}

// Pipeline moves chunks from a single producer to a single consumer in
// order. The output channel is closed when the producer returns, so the
// consumer detects completion by channel close.
type Pipeline struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	output chan Chunk
}

// NewPipeline creates a pipeline whose lifetime is bounded by parent.
func NewPipeline(parent context.Context, bufferSize int) *Pipeline {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	return &Pipeline{
		ctx:    gctx,
		cancel: cancel,
		group:  g,
		output: make(chan Chunk, bufferSize),
	}
}

// Context returns the pipeline's context; producers must honor it.
func (p *Pipeline) Context() context.Context { return p.ctx }

// Output returns the consumer side of the stream.
func (p *Pipeline) Output() <-chan Chunk { return p.output }

// Send delivers a chunk to the consumer. Returns false if the pipeline
// was cancelled before delivery.
func (p *Pipeline) Send(chunk Chunk) bool {
	select {
	case p.output <- chunk:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// SendData delivers a data chunk.
func (p *Pipeline) SendData(data []byte) bool {
	return p.Send(Chunk{Data: data})
}

// SendError delivers a terminal error chunk.
func (p *Pipeline) SendError(err error) bool {
	return p.Send(Chunk{Err: err})
}

// Run starts the producer and closes the output channel once it returns.
// Call exactly once.
func (p *Pipeline) Run(producer func(ctx context.Context) error) {
	p.group.Go(func() error {
		return producer(p.ctx)
	})
	go func() {
		_ = p.group.Wait()
		close(p.output)
		p.cancel()
	}()
}

// Cancel aborts the pipeline. The producer sees context cancellation on
// its next Send or ctx check.
func (p *Pipeline) Cancel() { p.cancel() }

// Watchdog cancels a stream that stops making progress. Touch must be
// called on every read; the deadline slides forward each time.
type Watchdog struct {
	timer   *time.Timer
	timeout time.Duration
}

// NewWatchdog arms a watchdog that calls onStall after timeout elapses
// with no Touch. A non-positive timeout disables it.
func NewWatchdog(timeout time.Duration, onStall func()) *Watchdog {
	w := &Watchdog{timeout: timeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, onStall)
	}
	return w
}

// Touch resets the stall deadline.
func (w *Watchdog) Touch() {
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
}

// Stop disarms the watchdog.
func (w *Watchdog) Stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}
