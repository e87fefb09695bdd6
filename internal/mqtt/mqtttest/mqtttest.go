// Package mqtttest provides an in-memory [mqtt.Dialer] for tests. The
// fake broker records every publish across all sessions and can be
// told to refuse connects or drop the current session.
package mqtttest

import (
	"context"
	"errors"
	"sync"

	"github.com/nugget/deskpresence/internal/mqtt"
)

// ErrRefused is returned by Dial while the broker is refusing connects.
var ErrRefused = errors.New("mqtttest: connection refused")

// Broker is a fake broker and its Dialer. Safe for concurrent use.
type Broker struct {
	mu         sync.Mutex
	failDials  int  // remaining dials to refuse
	down       bool // refuse all dials while true
	failPubs   int  // remaining publishes to fail (session stays up)
	dials      int
	published  []mqtt.Message
	retained   map[string][]byte
	current    *Conn
	disconnect int
}

// NewBroker returns an accepting broker.
func NewBroker() *Broker {
	return &Broker{retained: make(map[string][]byte)}
}

// FailDials makes the next n Dial calls fail.
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	b.failDials = n
	b.mu.Unlock()
}

// SetDown refuses every Dial while down is true.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// FailPublishes makes the next n publishes fail without dropping the
// session.
func (b *Broker) FailPublishes(n int) {
	b.mu.Lock()
	b.failPubs = n
	b.mu.Unlock()
}

// Drop marks the current session as lost, as if the TCP connection
// died.
func (b *Broker) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		b.current.up = false
	}
}

// Dial implements [mqtt.Dialer].
func (b *Broker) Dial(ctx context.Context) (mqtt.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.down {
		return nil, ErrRefused
	}
	if b.failDials > 0 {
		b.failDials--
		return nil, ErrRefused
	}
	c := &Conn{broker: b, up: true}
	b.current = c
	return c, nil
}

// Dials returns how many times Dial was called.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Disconnects returns how many sessions were closed by the client.
func (b *Broker) Disconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnect
}

// Published returns a copy of every accepted publish, in order.
func (b *Broker) Published() []mqtt.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]mqtt.Message, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedTo returns the payloads accepted on topic, in order.
func (b *Broker) PublishedTo(topic string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, string(m.Payload))
		}
	}
	return out
}

// Retained returns the retained payload for topic. An empty retained
// publish clears the topic, as on a real broker.
func (b *Broker) Retained(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.retained[topic]
	return p, ok
}

// Reset forgets recorded publishes but keeps retained state.
func (b *Broker) Reset() {
	b.mu.Lock()
	b.published = nil
	b.mu.Unlock()
}

// Conn is a fake session.
type Conn struct {
	broker *Broker
	up     bool
}

// Connected implements [mqtt.Conn].
func (c *Conn) Connected() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.up
}

// Publish implements [mqtt.Conn].
func (c *Conn) Publish(ctx context.Context, msg mqtt.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if !c.up {
		return mqtt.ErrConnectionLost
	}
	if b.failPubs > 0 {
		b.failPubs--
		return errors.New("mqtttest: publish failed")
	}
	b.published = append(b.published, msg)
	if msg.Retain {
		if len(msg.Payload) == 0 {
			delete(b.retained, msg.Topic)
		} else {
			b.retained[msg.Topic] = append([]byte(nil), msg.Payload...)
		}
	}
	return nil
}

// Disconnect implements [mqtt.Conn].
func (c *Conn) Disconnect(context.Context) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.up {
		b.disconnect++
	}
	c.up = false
	return nil
}
