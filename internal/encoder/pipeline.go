package encoder

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/screenrelay/screenrelay/internal/errdefs"
	"github.com/screenrelay/screenrelay/internal/media"
	"github.com/screenrelay/screenrelay/internal/util"
)

const (
	// DefaultPollTimeout bounds each DequeueOutput call and therefore the
	// shutdown latency of the drain loop.
	DefaultPollTimeout = 10 * time.Millisecond

	outputBufferSize = 16
)

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithPollTimeout sets the DequeueOutput timeout.
func WithPollTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.pollTimeout = d
		}
	}
}

// Pipeline owns one codec instance for the lifetime of a capture session.
type Pipeline struct {
	codec       Codec
	pollTimeout time.Duration

	mu         sync.Mutex
	configured bool
	started    bool
	stopped    bool
	cancel     context.CancelFunc
	done       chan struct{}

	errs chan error
}

// NewPipeline wraps codec.
func NewPipeline(codec Codec, opts ...Option) *Pipeline {
	p := &Pipeline{
		codec:       codec,
		pollTimeout: DefaultPollTimeout,
		errs:        make(chan error, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Configure validates the settings and configures the codec. Failures wrap
// errdefs.ErrConfiguration.
func (p *Pipeline) Configure(enc media.EncoderConfig, capture media.CaptureConfig) error {
	if err := enc.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return fmt.Errorf("%w: pipeline already stopped", errdefs.ErrConfiguration)
	}
	if err := p.codec.Configure(enc, capture); err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrConfiguration, err)
	}
	p.configured = true

	util.GetLogger().Debug("Encoder configured",
		"width", capture.TargetWidth, "height", capture.TargetHeight,
		"bitrate", enc.Bitrate, "fps", enc.FrameRate, "iframe_interval", enc.IFrameIntervalSeconds)
	return nil
}

// Start starts the codec and the drain loop. The returned channel yields
// units until end of stream, a fault, or Stop, and is then closed.
func (p *Pipeline) Start(ctx context.Context) (<-chan media.Unit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.stopped:
		return nil, fmt.Errorf("%w: pipeline already stopped", errdefs.ErrConfiguration)
	case !p.configured:
		return nil, fmt.Errorf("%w: pipeline not configured", errdefs.ErrConfiguration)
	case p.started:
		return nil, errors.New("pipeline already started")
	}

	if err := p.codec.Start(); err != nil {
		return nil, fmt.Errorf("%w: start codec: %w", errdefs.ErrConfiguration, err)
	}
	p.started = true

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	out := make(chan media.Unit, outputBufferSize)
	go p.drain(ctx, out)
	return out, nil
}

// Errors reports asynchronous drain faults. At most one error is delivered.
func (p *Pipeline) Errors() <-chan error {
	return p.errs
}

// Done is closed once the drain loop has exited. It is nil before Start.
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// RequestKeyFrame asks the codec for a keyframe if it supports it.
func (p *Pipeline) RequestKeyFrame() {
	if r, ok := p.codec.(KeyFrameRequester); ok {
		r.RequestKeyFrame()
	}
}

// Stop ends the drain loop, waits for it to exit, then stops and releases
// the codec. It is idempotent and safe after a failed Configure or Start.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cancel, done, started := p.cancel, p.done, p.started
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	var errs []error
	if started {
		if err := p.codec.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop codec: %w", err))
		}
	}
	if err := p.codec.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release codec: %w", err))
	}

	util.GetLogger().Debug("Encoder pipeline stopped")
	return errors.Join(errs...)
}

func (p *Pipeline) drain(ctx context.Context, out chan<- media.Unit) {
	logger := util.GetLogger()
	defer close(p.done)
	defer close(out)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from encoder drain panic", "panic", r, "stack", string(debug.Stack()))
			p.fail(fmt.Errorf("%w: panic: %v", errdefs.ErrEncodeFault, r))
		}
	}()

	frames := 0
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Encoder drain cancelled", "frames", frames)
			return
		default:
		}

		o, err := p.codec.DequeueOutput(p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Encoder output failed", "error", err, "frames", frames)
			p.fail(fmt.Errorf("%w: %w", errdefs.ErrEncodeFault, err))
			return
		}

		switch o.Kind {
		case OutputTryAgain:
			continue

		case OutputFormatChanged:
			config := media.ConfigUnit(o.ParameterSets...)
			logger.Info("Encoder output format changed", "config_size", len(config.Data))
			if !emit(ctx, out, config) {
				return
			}

		case OutputBuffer:
			var (
				unit media.Unit
				ok   bool
			)
			switch {
			case o.Flags&FlagCodecConfig != 0:
				if len(o.Data) > 0 {
					unit, ok = media.ConfigUnit(o.Data), true
					logger.Debug("Codec config buffer received", "size", len(o.Data))
				}
			case len(o.Data) > 0:
				unit, ok = media.FrameUnit(o.Data, o.Flags&FlagKeyFrame != 0, o.PTS), true
			}
			// unit holds its own copy, the codec may now reuse the buffer
			p.codec.ReleaseOutput(o.Index)

			if ok {
				if !unit.IsConfig() {
					frames++
				}
				if !emit(ctx, out, unit) {
					return
				}
			}
			if o.Flags&FlagEndOfStream != 0 {
				logger.Info("Encoder reached end of stream", "frames", frames)
				return
			}
		}
	}
}

func (p *Pipeline) fail(err error) {
	select {
	case p.errs <- err:
	default:
	}
}

func emit(ctx context.Context, out chan<- media.Unit, u media.Unit) bool {
	select {
	case out <- u:
		return true
	case <-ctx.Done():
		return false
	}
}
