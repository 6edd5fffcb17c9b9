package notification

import (
	"context"
	"errors"
	"log"
	"time"
)

// ErrQueueFull is returned by Dispatcher.Send when the alert was dropped.
var ErrQueueFull = errors.New("notification: queue full")

// DefaultQueueSize bounds the number of undelivered alerts.
const DefaultQueueSize = 64

// Dispatcher decouples callers from slow backends. Send never blocks; a
// single Run goroutine delivers alerts in order.
type Dispatcher struct {
	next    Notifier
	queue   chan Alert
	timeout time.Duration

	// OnError is called when the backend fails to deliver an alert.
	OnError func(err error)
	// OnDrop is called when an alert is discarded because the queue is full.
	OnDrop func(alert Alert)
}

// NewDispatcher wraps next with a queue of the given size.
func NewDispatcher(next Notifier, size int) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Dispatcher{
		next:    next,
		queue:   make(chan Alert, size),
		timeout: 15 * time.Second,
	}
}

// Send enqueues the alert.
func (d *Dispatcher) Send(_ context.Context, alert Alert) error {
	select {
	case d.queue <- alert:
		return nil
	default:
		log.Printf("[notify] queue full, dropping alert: %s", alert.Title)
		if d.OnDrop != nil {
			d.OnDrop(alert)
		}
		return ErrQueueFull
	}
}

// Run delivers queued alerts until ctx is cancelled, then flushes what is
// already queued with a short deadline.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case a := <-d.queue:
			d.deliver(ctx, a)
		case <-ctx.Done():
			d.flush()
			return
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case a := <-d.queue:
			d.deliver(ctx, a)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, a Alert) {
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.next.Send(sendCtx, a); err != nil {
		log.Printf("[notify] delivery failed for %q: %v", a.Title, err)
		if d.OnError != nil {
			d.OnError(err)
		}
	}
}
