package eventsub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/pscheid92/twitchsub/internal/adapter/metrics"
	"github.com/pscheid92/twitchsub/internal/domain"
)

const DefaultQueueCapacity = 1024

// Dispatcher is the bounded queue between a session's read loop and the
// caller's Drain loop. When full it discards the oldest response, so the
// producer never blocks.
type Dispatcher struct {
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.DispatcherMetrics
	dropLog rate.Sometimes

	mu     sync.Mutex
	buf    []domain.Response
	head   int
	size   int
	closed bool
	fatal  error

	notify chan struct{}
	done   chan struct{}
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherClock(clock clockwork.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = clock }
}

func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithDispatcherMetrics(m *metrics.DispatcherMetrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a queue holding at most capacity responses.
// A non-positive capacity selects DefaultQueueCapacity.
func NewDispatcher(capacity int, opts ...DispatcherOption) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	d := &Dispatcher{
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		dropLog: rate.Sometimes{Interval: time.Second},
		buf:     make([]domain.Response, capacity),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Push enqueues r. It never blocks. Pushes after Close or a fatal failure
// are ignored.
func (d *Dispatcher) Push(r domain.Response) {
	d.mu.Lock()
	if d.closed || d.fatal != nil {
		d.mu.Unlock()
		return
	}

	dropped := false
	if d.size == len(d.buf) {
		d.buf[d.head] = nil
		d.head = (d.head + 1) % len(d.buf)
		d.size--
		dropped = true
	}
	d.buf[(d.head+d.size)%len(d.buf)] = r
	d.size++
	depth := d.size
	d.mu.Unlock()

	if dropped {
		d.metrics.Drop()
		d.dropLog.Do(func() {
			d.logger.Warn("Response queue full, dropping oldest", "capacity", len(d.buf))
		})
	}
	d.metrics.SetDepth(depth)
	d.wake()
}

// Fail queues an ErrorResponse for err and puts the dispatcher into the
// failed state: queued responses are still drained, then err is returned.
func (d *Dispatcher) Fail(err error) {
	d.Push(domain.ErrorResponse{Err: err})

	d.mu.Lock()
	if d.fatal == nil && !d.closed {
		d.fatal = err
	}
	d.mu.Unlock()
	d.wake()
}

// Close cancels in-flight and later Drain calls with ErrCancelled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	clear(d.buf)
	d.size = 0
	close(d.done)
	d.metrics.SetDepth(0)
}

// Drain returns everything queued, waiting at most timeout for the first
// response. It returns an empty slice when nothing arrived in time. A
// non-positive timeout polls without waiting.
func (d *Dispatcher) Drain(timeout time.Duration) ([]domain.Response, error) {
	var timer clockwork.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		out, ready, err := d.take()
		if ready {
			return out, err
		}
		if timeout <= 0 {
			return []domain.Response{}, nil
		}
		if timer == nil {
			timer = d.clock.NewTimer(timeout)
		}

		select {
		case <-d.notify:
		case <-timer.Chan():
			out, ready, err := d.take()
			if ready {
				return out, err
			}
			return []domain.Response{}, nil
		case <-d.done:
			return nil, domain.ErrCancelled
		}
	}
}

// Len reports the number of queued responses.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

func (d *Dispatcher) take() ([]domain.Response, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, true, domain.ErrCancelled
	}
	if d.size > 0 {
		out := make([]domain.Response, d.size)
		for i := range out {
			idx := (d.head + i) % len(d.buf)
			out[i] = d.buf[idx]
			d.buf[idx] = nil
		}
		d.head, d.size = 0, 0
		d.metrics.SetDepth(0)
		return out, true, nil
	}
	if d.fatal != nil {
		return nil, true, d.fatal
	}
	return nil, false, nil
}

func (d *Dispatcher) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}
