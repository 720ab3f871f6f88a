// Package events carries the engine's asynchronous notifications:
// pattern executions, learning outcomes, and session state changes.
// Delivery is best effort; a full bus drops events rather than block
// the hot path.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type identifies an event kind.
type Type string

const (
	TypePatternExecuted        Type = "pattern_executed"
	TypePatternExecutionFailed Type = "pattern_execution_failed"
	TypePatternLearned         Type = "pattern_learned"
	TypePatternDeleted         Type = "pattern_deleted"
	TypeSessionStateChanged    Type = "session_state_changed"
)

// Event is anything published on the bus.
type Event interface {
	Timestamp() time.Time
	Type() Type
}

// Handler consumes published events.
type Handler func(Event)

// Bus is the engine-wide publish/subscribe channel.
type Bus interface {
	Publish(event Event)
	Subscribe(eventType Type, handler Handler) string
	Unsubscribe(subscriptionID string)
	Stop()
}

// SimpleBus is a buffered-channel Bus. Subscribers of one event type
// are kept as an ordered list, so an event's handlers run in
// subscription order.
type SimpleBus struct {
	mu       sync.RWMutex
	subs     map[Type][]subscription
	nextID   atomic.Int64
	eventCh  chan Event
	done     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

type subscription struct {
	id string
	fn Handler
}

// NewBus creates an event bus. The logger is optional.
func NewBus(logger ...*zap.Logger) Bus {
	var l *zap.Logger
	if len(logger) > 0 && logger[0] != nil {
		l = logger[0]
	} else {
		l = zap.NewNop()
	}
	bus := &SimpleBus{
		subs:    make(map[Type][]subscription),
		eventCh: make(chan Event, 100),
		done:    make(chan struct{}),
		logger:  l,
	}
	go bus.run()
	return bus
}

// Publish enqueues an event. Drops it if the buffer is full or the bus
// is stopped.
func (b *SimpleBus) Publish(event Event) {
	select {
	case b.eventCh <- event:
	case <-b.done:
	default:
	}
}

// Subscribe registers a handler for an event type and returns the
// subscription ID.
func (b *SimpleBus) Subscribe(eventType Type, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("%s-%d", eventType, b.nextID.Add(1))
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, fn: handler})
	return id
}

// Unsubscribe removes a subscription.
func (b *SimpleBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subs {
		for i, sub := range subs {
			if sub.id != subscriptionID {
				continue
			}
			b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			if len(b.subs[eventType]) == 0 {
				delete(b.subs, eventType)
			}
			return
		}
	}
}

// run drains the event channel. Each event is delivered on its own
// goroutine so a slow handler stalls only that event, not the bus.
func (b *SimpleBus) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.mu.RLock()
			subs := append([]subscription(nil), b.subs[event.Type()]...)
			b.mu.RUnlock()
			if len(subs) == 0 {
				continue
			}
			go func(event Event, subs []subscription) {
				for _, sub := range subs {
					b.deliver(sub, event)
				}
			}(event, subs)
		case <-b.done:
			return
		}
	}
}

func (b *SimpleBus) deliver(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("subscription", sub.id),
				zap.Any("recover", r))
		}
	}()
	sub.fn(event)
}

// Stop shuts down the bus. Pending events are discarded.
func (b *SimpleBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}

// PatternExecutedEvent reports a successful pattern execution.
type PatternExecutedEvent struct {
	PatternID     string
	ActionType    string
	CorrelationID string
	Score         float64
	Confidence    float64
	DurationMs    int64
	Timestamp_    time.Time
}

func (e *PatternExecutedEvent) Timestamp() time.Time { return e.Timestamp_ }
func (e *PatternExecutedEvent) Type() Type           { return TypePatternExecuted }

// PatternExecutionFailedEvent reports a failed pattern execution.
type PatternExecutionFailedEvent struct {
	PatternID     string
	ActionType    string
	CorrelationID string
	Reason        string
	Confidence    float64
	Timestamp_    time.Time
}

func (e *PatternExecutionFailedEvent) Timestamp() time.Time { return e.Timestamp_ }
func (e *PatternExecutionFailedEvent) Type() Type           { return TypePatternExecutionFailed }

// PatternLearnedEvent reports a new pattern committed from a learning
// session.
type PatternLearnedEvent struct {
	PatternID  string
	ActionType string
	SessionID  string
	Timestamp_ time.Time
}

func (e *PatternLearnedEvent) Timestamp() time.Time { return e.Timestamp_ }
func (e *PatternLearnedEvent) Type() Type           { return TypePatternLearned }

// PatternDeletedEvent reports a pattern removed from the store.
type PatternDeletedEvent struct {
	PatternID  string
	Reason     string
	Timestamp_ time.Time
}

func (e *PatternDeletedEvent) Timestamp() time.Time { return e.Timestamp_ }
func (e *PatternDeletedEvent) Type() Type           { return TypePatternDeleted }

// SessionStateChangedEvent reports a learning-session transition.
// States are plain strings so consumers need not import the session
// package.
type SessionStateChangedEvent struct {
	SessionID  string
	FromState  string
	ToState    string
	Timestamp_ time.Time
}

func (e *SessionStateChangedEvent) Timestamp() time.Time { return e.Timestamp_ }
func (e *SessionStateChangedEvent) Type() Type           { return TypeSessionStateChanged }
