// Package events delivers synchronization events to the rest of the
// program.
package events

import (
	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"mycelica/hypha/internal/orchestrate"
)

// TopicAll receives every event regardless of name and phase.
const TopicAll = "*"

// Handler receives one event.
type Handler func(orchestrate.Event)

// Bus publishes events on their "phase:name" topic and on TopicAll.
type Bus struct {
	bus evbus.Bus
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{bus: evbus.New()}
}

// Notify implements orchestrate.EventSink.
func (b *Bus) Notify(e orchestrate.Event) {
	b.bus.Publish(e.Topic(), e)
	b.bus.Publish(TopicAll, e)
}

// Subscribe calls h for every event published on topic.
func (b *Bus) Subscribe(topic string, h Handler) error {
	return b.bus.Subscribe(topic, h)
}

// SubscribeAsync calls h on its own goroutine. Transactional handlers see
// events one at a time in publish order.
func (b *Bus) SubscribeAsync(topic string, h Handler, transactional bool) error {
	return b.bus.SubscribeAsync(topic, h, transactional)
}

// On subscribes h to one phase of one event.
func (b *Bus) On(name orchestrate.EventName, phase orchestrate.Phase, h Handler) error {
	return b.Subscribe(orchestrate.Event{Name: name, Phase: phase}.Topic(), h)
}

// Unsubscribe removes h from topic. h must be the value passed to Subscribe.
func (b *Bus) Unsubscribe(topic string, h Handler) error {
	return b.bus.Unsubscribe(topic, h)
}

// WaitAsync blocks until async handlers have drained.
func (b *Bus) WaitAsync() {
	b.bus.WaitAsync()
}

// LogSink writes events to a logger: will at debug, did at info, failures
// at warn.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(l *zap.Logger) *LogSink {
	if l == nil {
		l = zap.NewNop()
	}
	return &LogSink{logger: l.Named("events")}
}

func (s *LogSink) Notify(e orchestrate.Event) {
	fields := []zap.Field{zap.String("event", string(e.Name)), zap.Time("at", e.At)}
	switch {
	case e.Err != nil:
		s.logger.Warn(e.Topic(), append(fields, zap.Error(e.Err))...)
	case e.Phase == orchestrate.PhaseWill:
		s.logger.Debug(e.Topic(), fields...)
	default:
		if len(e.Deleted) > 0 {
			fields = append(fields, zap.Strings("deleted", e.Deleted))
		}
		s.logger.Info(e.Topic(), fields...)
	}
}

type multi []orchestrate.EventSink

func (m multi) Notify(e orchestrate.Event) {
	for _, s := range m {
		s.Notify(e)
	}
}

// Multi fans every event out to sinks in order. Nil sinks are skipped.
func Multi(sinks ...orchestrate.EventSink) orchestrate.EventSink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
