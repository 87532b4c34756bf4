package engine

import (
	"fmt"
	"sync"

	"chronicle/internal/logging"
	"chronicle/internal/protocol"
)

// Sink receives events addressed to a single viewer.
type Sink interface {
	Send(event protocol.Event) error
}

type BroadcastFunc func(event protocol.Event)

type delivery struct {
	event  protocol.Event
	sink   Sink
	result chan<- error
}

// emitter delivers events in production order on its own goroutine.
type emitter struct {
	mu        sync.Mutex
	pending   []delivery
	broadcast BroadcastFunc
	closed    bool
	wake      chan struct{}
	done      chan struct{}
	logger    *logging.Logger
}

func newEmitter(logger *logging.Logger) *emitter {
	em := &emitter{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go em.run()
	return em
}

func (em *emitter) setBroadcast(fn BroadcastFunc) {
	em.mu.Lock()
	em.broadcast = fn
	em.mu.Unlock()
}

func (em *emitter) enqueue(item delivery) {
	em.mu.Lock()
	if em.closed {
		em.mu.Unlock()
		if item.result != nil {
			item.result <- ErrEngineClosed
		}
		return
	}
	em.pending = append(em.pending, item)
	em.mu.Unlock()
	select {
	case em.wake <- struct{}{}:
	default:
	}
}

func (em *emitter) close() {
	em.mu.Lock()
	em.closed = true
	em.mu.Unlock()
	select {
	case em.wake <- struct{}{}:
	default:
	}
	<-em.done
}

func (em *emitter) run() {
	defer close(em.done)
	for {
		em.mu.Lock()
		batch := em.pending
		em.pending = nil
		closed := em.closed
		em.mu.Unlock()

		for _, item := range batch {
			em.deliver(item)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-em.wake
	}
}

func (em *emitter) deliver(item delivery) {
	if item.sink != nil {
		err := em.safeSend(item)
		if item.result != nil {
			item.result <- err
		}
		return
	}

	em.mu.Lock()
	broadcast := em.broadcast
	em.mu.Unlock()
	if broadcast == nil {
		em.logger.Debug("event dropped without broadcast callback", map[string]string{
			"event": string(item.event.EventType()),
		})
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			em.logger.Error("broadcast callback panicked", map[string]string{
				"event":            string(item.event.EventType()),
				logging.FieldError: fmt.Sprint(recovered),
			})
		}
	}()
	broadcast(item.event)
}

func (em *emitter) safeSend(item delivery) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("sink panicked: %v", recovered)
		}
	}()
	return item.sink.Send(item.event)
}
