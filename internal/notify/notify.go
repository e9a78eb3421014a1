// Package notify delivers fire-and-forget wallet event notifications.
// Publishing never blocks the caller and failures never propagate back
// into the sync pipeline.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/nekoguntai/sanctuary/internal/storage"
	"github.com/nekoguntai/sanctuary/pkg/logging"
)

// Event is one notification about newly discovered transactions.
type Event struct {
	WalletID     string
	Transactions []*storage.Transaction
}

// Sink consumes events. Implementations may fail; the broadcaster absorbs
// the error.
type Sink interface {
	Deliver(event Event) error
}

// LogSink writes events to the log. It is the default sink.
type LogSink struct {
	log *logging.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(log *logging.Logger) *LogSink {
	return &LogSink{log: log}
}

// Deliver logs the event.
func (s *LogSink) Deliver(event Event) error {
	s.log.Info("new transactions", "wallet", event.WalletID, "count", len(event.Transactions))
	return nil
}

// Broadcaster fans events out to a sink through a buffered channel drained
// by a single worker.
type Broadcaster struct {
	sink    Sink
	events  chan Event
	dropped atomic.Int64
	log     *logging.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewBroadcaster starts a broadcaster with the given buffer size.
func NewBroadcaster(sink Sink, buffer int, log *logging.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	b := &Broadcaster{
		sink:   sink,
		events: make(chan Event, buffer),
		log:    log,
		done:   make(chan struct{}),
	}
	go b.worker()
	return b
}

// Publish queues an event. When the buffer is full the event is dropped
// and counted; the caller is never blocked.
func (b *Broadcaster) Publish(walletID string, txs []*storage.Transaction) {
	if len(txs) == 0 {
		return
	}
	select {
	case b.events <- Event{WalletID: walletID, Transactions: txs}:
	default:
		b.dropped.Add(1)
		b.log.Debug("notification dropped, buffer full", "wallet", walletID)
	}
}

// Dropped returns the number of events dropped so far.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops the worker after draining queued events.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		close(b.events)
		<-b.done
	})
}

func (b *Broadcaster) worker() {
	defer close(b.done)
	for event := range b.events {
		if err := b.sink.Deliver(event); err != nil {
			b.log.Debug("notification delivery failed", "wallet", event.WalletID, "error", err)
		}
	}
}
