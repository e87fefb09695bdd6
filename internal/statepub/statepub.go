// Package statepub publishes signal states with change suppression.
// It remembers the last value successfully published for each signal
// and skips polled observations that would repeat it. Edge
// observations, which are themselves proof of a change, always publish.
package statepub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/deskpresence/internal/identity"
	"github.com/nugget/deskpresence/internal/mqtt"
	"github.com/nugget/deskpresence/internal/presence"
	"github.com/nugget/deskpresence/internal/topics"
)

// Sink accepts outbound messages. The connection supervisor satisfies it.
type Sink interface {
	Publish(ctx context.Context, msg mqtt.Message) error
}

// Observation is one sampled or pushed signal value.
type Observation struct {
	Key   presence.Key
	Value bool
	// Edge marks push-based observations (lock/unlock notifications).
	Edge bool
}

// PublishedState is what the publisher last put on the wire for a signal.
type PublishedState struct {
	LastValue       *bool     `json:"last_value"`
	LastPublishedAt time.Time `json:"last_published_at"`
}

// Publisher is single-writer: every method must be called from the run
// loop goroutine.
type Publisher struct {
	sink   Sink
	namer  topics.Namer
	id     identity.Identity
	logger *slog.Logger
	now    func() time.Time

	states  map[presence.Key]*PublishedState
	pending map[presence.Key]bool
}

// New creates a Publisher with no published state.
func New(sink Sink, namer topics.Namer, id identity.Identity, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		sink:    sink,
		namer:   namer,
		id:      id,
		logger:  logger,
		now:     time.Now,
		states:  make(map[presence.Key]*PublishedState),
		pending: make(map[presence.Key]bool),
	}
}

// Observe feeds one observation. A polled observation publishes only
// when its value differs from the last published value, or nothing has
// been published yet. An edge observation always publishes; if that
// fails the edge is kept and retried by [Publisher.Flush].
//
// The published state is updated only after the sink accepts the
// message, so a failed publish is retried on the next observation.
func (p *Publisher) Observe(ctx context.Context, obs Observation) (bool, error) {
	def, ok := presence.Lookup(obs.Key)
	if !ok {
		return false, fmt.Errorf("observe: unknown signal %d", int(obs.Key))
	}

	if !obs.Edge {
		if st := p.states[obs.Key]; st != nil && st.LastValue != nil && *st.LastValue == obs.Value {
			return false, nil
		}
	}

	if err := p.publish(ctx, def, obs.Value); err != nil {
		if obs.Edge {
			p.pending[obs.Key] = obs.Value
		}
		return false, err
	}
	delete(p.pending, obs.Key)
	return true, nil
}

// Flush retries edges whose publish failed earlier, the latest edge
// per signal winning. It stops at the first failure.
func (p *Publisher) Flush(ctx context.Context) error {
	for _, def := range presence.Definitions() {
		value, ok := p.pending[def.Key]
		if !ok {
			continue
		}
		if err := p.publish(ctx, def, value); err != nil {
			return err
		}
		delete(p.pending, def.Key)
	}
	return nil
}

// Pending reports how many edges are waiting to be retried.
func (p *Publisher) Pending() int {
	return len(p.pending)
}

// PublishPlaceholders publishes the "unknown" payload for every signal
// that has neither a published value nor a pending edge. Placeholders
// do not count as published values.
func (p *Publisher) PublishPlaceholders(ctx context.Context) error {
	for _, def := range presence.Definitions() {
		if st := p.states[def.Key]; st != nil && st.LastValue != nil {
			continue
		}
		if _, ok := p.pending[def.Key]; ok {
			continue
		}
		payload, err := presence.PlaceholderPayload(def)
		if err != nil {
			return fmt.Errorf("encode %s placeholder: %w", def.ObjectID, err)
		}
		topic := p.namer.Topic(p.id, def.Key, topics.State)
		if err := p.sink.Publish(ctx, stateMessage(topic, payload)); err != nil {
			return err
		}
		p.logger.Debug("placeholder state published", "signal", def.ObjectID, "topic", topic)
	}
	return nil
}

// Snapshot returns a copy of the published state of every signal.
func (p *Publisher) Snapshot() map[presence.Key]PublishedState {
	out := make(map[presence.Key]PublishedState, len(p.states))
	for k, st := range p.states {
		cp := *st
		if st.LastValue != nil {
			v := *st.LastValue
			cp.LastValue = &v
		}
		out[k] = cp
	}
	return out
}

func (p *Publisher) publish(ctx context.Context, def presence.Definition, value bool) error {
	payload, err := presence.StatePayload(def, value)
	if err != nil {
		return fmt.Errorf("encode %s state: %w", def.ObjectID, err)
	}
	topic := p.namer.Topic(p.id, def.Key, topics.State)
	if err := p.sink.Publish(ctx, stateMessage(topic, payload)); err != nil {
		return err
	}

	st := p.states[def.Key]
	if st == nil {
		st = &PublishedState{}
		p.states[def.Key] = st
	}
	v := value
	st.LastValue = &v
	st.LastPublishedAt = p.now()

	p.logger.Info("state published",
		"signal", def.ObjectID,
		"value", value,
		"topic", topic,
	)
	return nil
}

func stateMessage(topic string, payload []byte) mqtt.Message {
	return mqtt.Message{Topic: topic, Payload: payload, QoS: 1, Retain: true}
}
