package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/austindbirch/pier39_pixel/internal/logging"
	"github.com/austindbirch/pier39_pixel/internal/metrics"
	"github.com/austindbirch/pier39_pixel/internal/pixel"
)

// ErrNoFacade is reported when a loader returns neither a facade nor an error
var ErrNoFacade = errors.New("loader returned no facade")

type State int

const (
	StateBuffering State = iota
	StateLive
)

func (s State) String() string {
	switch s {
	case StateBuffering:
		return "buffering"
	case StateLive:
		return "live"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Facade receives forwarded track commands. *pixel.SDK implements it.
type Facade interface {
	TrackAsync(ctx context.Context, eventType string, data pixel.EventData) <-chan error
}

// Loader produces the facade asynchronously
type Loader func(ctx context.Context) (Facade, error)

// entry is what the public entry point currently does with a track command
type entry interface {
	call(cmd TrackCommand)
}

type entryCell struct{ entry }

type bufferingEntry struct{ b *Bootstrap }

func (e bufferingEntry) call(cmd TrackCommand) {
	b := e.b
	b.mu.Lock()
	if b.state == StateLive {
		// Lost the race with Ready; the queue is already drained.
		f := b.facade
		b.mu.Unlock()
		b.forward(f, cmd)
		return
	}
	b.queue = append(b.queue, cmd)
	metrics.SetBuffered(len(b.queue))
	b.mu.Unlock()
}

type forwardingEntry struct {
	b      *Bootstrap
	facade Facade
}

func (e forwardingEntry) call(cmd TrackCommand) {
	e.b.forward(e.facade, cmd)
}

// Bootstrap owns the entry point. Commands issued before the facade exists
// are queued and drained in arrival order once it does.
type Bootstrap struct {
	logger *logging.Logger
	ctx    context.Context

	mu     sync.Mutex
	state  State
	queue  []TrackCommand
	facade Facade

	entry atomic.Pointer[entryCell]

	loadOnce sync.Once
	done     chan struct{}
	inflight sync.WaitGroup
}

type Option func(*Bootstrap)

// WithContext sets the context forwarded commands run under
func WithContext(ctx context.Context) Option {
	return func(b *Bootstrap) { b.ctx = ctx }
}

func New(logger *logging.Logger, opts ...Option) *Bootstrap {
	if logger == nil {
		logger = logging.New(pixel.PixelName)
	}
	b := &Bootstrap{
		logger: logger,
		ctx:    context.Background(),
		state:  StateBuffering,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.entry.Store(&entryCell{bufferingEntry{b: b}})
	return b
}

// Call is the public entry point. It never panics and never reports errors
// to the caller; failures are logged.
func (b *Bootstrap) Call(args ...any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Plain().WithField("panic", fmt.Sprint(r)).Error("pier39 command failed")
		}
	}()

	switch cmd := ParseCommand(args...).(type) {
	case TrackCommand:
		b.entry.Load().call(cmd)
	case UnknownCommand:
		metrics.RecordRejectedCommand()
		b.logger.Plain().WithField("command", cmd.Command).Warn("Unknown pier39 command")
	}
}

func (b *Bootstrap) forward(f Facade, cmd TrackCommand) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Plain().WithEvent(cmd.Data.EventID).
				WithFields(map[string]any{"eventType": cmd.EventType, "panic": fmt.Sprint(r)}).
				Error("pier39 track failed")
		}
	}()

	result := f.TrackAsync(b.ctx, cmd.EventType, cmd.Data)
	if result == nil {
		return
	}
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		if err := <-result; err != nil {
			// The facade has already logged the failure with context.
			b.logger.Plain().WithEvent(cmd.Data.EventID).WithError(err).Debug("track command finished with error")
		}
	}()
}

// Ready moves the Bootstrap to Live with f, draining queued commands in
// order. Only the first call has any effect; it reports whether it did.
func (b *Bootstrap) Ready(f Facade) bool {
	if f == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateLive {
		return false
	}

	drained := len(b.queue)
	for _, cmd := range b.queue {
		b.forward(f, cmd)
	}
	b.queue = nil
	b.facade = f
	b.state = StateLive
	b.entry.Store(&entryCell{forwardingEntry{b: b, facade: f}})
	metrics.SetBuffered(0)

	b.logger.Plain().WithField("drained", drained).Info("Pier39 conversion SDK ready")
	return true
}

// Load runs loader in the background and goes Live with its facade. On
// failure the Bootstrap stays Buffering for good. Only the first Load runs.
func (b *Bootstrap) Load(ctx context.Context, loader Loader) {
	b.loadOnce.Do(func() {
		go b.load(ctx, loader)
	})
}

func (b *Bootstrap) load(ctx context.Context, loader Loader) {
	defer close(b.done)
	defer func() {
		if r := recover(); r != nil {
			b.logger.Plain().WithField("panic", fmt.Sprint(r)).
				Error("Pier39 conversion SDK initialization error")
		}
	}()

	f, err := loader(ctx)
	if err == nil && f == nil {
		err = ErrNoFacade
	}
	if err != nil {
		b.logger.Plain().WithError(err).Error("Pier39 conversion SDK initialization failed")
		return
	}
	b.Ready(f)
}

func (b *Bootstrap) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Pending returns the number of queued commands
func (b *Bootstrap) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Done is closed once Load has finished, successfully or not
func (b *Bootstrap) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until every forwarded command has finished
func (b *Bootstrap) Wait() {
	b.inflight.Wait()
}
