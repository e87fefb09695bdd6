// Package discovery announces the watched signals to Home Assistant.
// For each signal it publishes a retained sensor config whose value
// template reads the same JSON field the state publisher writes, then
// marks the device online on its availability topic.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/deskpresence/internal/identity"
	"github.com/nugget/deskpresence/internal/mqtt"
	"github.com/nugget/deskpresence/internal/presence"
	"github.com/nugget/deskpresence/internal/topics"
)

// Namespace and key under which the last announced slug is stored.
const (
	stateNamespace = "discovery"
	slugKey        = "device_slug"
)

// FatalError reports a discovery payload that could not be built. It
// indicates a definition bug rather than an environmental fault and
// must not be retried.
type FatalError struct {
	Signal string
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("build discovery config for %s: %v", e.Signal, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Sink accepts outbound messages.
type Sink interface {
	Publish(ctx context.Context, msg mqtt.Message) error
}

// SlugStore persists the last announced device slug. opstate.Store
// satisfies it.
type SlugStore interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
	UpdatedAt(namespace, key string) (time.Time, error)
}

// Options configures an Announcer.
type Options struct {
	// Store, if set, remembers the announced slug across runs so an
	// identity change can be detected.
	Store SlugStore

	// RetractStale clears the config topics of a previously announced
	// slug when the identity changes.
	RetractStale bool
}

// Payload is one built discovery message.
type Payload struct {
	Signal presence.Definition
	Topic  string
	Config SensorConfig
	Body   []byte
}

// Announcer builds and publishes discovery payloads.
type Announcer struct {
	sink    Sink
	namer   topics.Namer
	opts    Options
	logger  *slog.Logger
	marshal func(v any) ([]byte, error)
}

// New creates an Announcer.
func New(sink Sink, namer topics.Namer, opts Options, logger *slog.Logger) *Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{
		sink:    sink,
		namer:   namer,
		opts:    opts,
		logger:  logger,
		marshal: json.Marshal,
	}
}

// Payloads builds the discovery message of every signal. A failure is
// returned as *[FatalError] naming the signal.
func (a *Announcer) Payloads(id identity.Identity) ([]Payload, error) {
	device := NewDeviceInfo(id)
	origin := newOriginInfo()
	slug := id.Slug()

	var out []Payload
	for _, def := range presence.Definitions() {
		cfg := SensorConfig{
			Name:              def.Name,
			ObjectID:          def.ObjectID,
			HasEntityName:     true,
			UniqueID:          slug + "_" + def.UniqueSuffix,
			StateTopic:        a.namer.Topic(id, def.Key, topics.State),
			AvailabilityTopic: a.namer.Availability(id),
			ValueTemplate:     presence.ValueTemplate(def),
			Icon:              def.Icon,
			Device:            device,
			Origin:            origin,
		}
		configTopic := a.namer.Topic(id, def.Key, topics.DiscoveryConfig)
		for _, t := range []string{configTopic, cfg.StateTopic, cfg.AvailabilityTopic} {
			if !topics.Valid(t) {
				return nil, &FatalError{Signal: def.ObjectID, Err: fmt.Errorf("invalid topic %q", t)}
			}
		}
		body, err := a.marshal(cfg)
		if err != nil {
			return nil, &FatalError{Signal: def.ObjectID, Err: err}
		}
		if len(body) == 0 {
			return nil, &FatalError{Signal: def.ObjectID, Err: fmt.Errorf("empty payload")}
		}
		out = append(out, Payload{
			Signal: def,
			Topic:  configTopic,
			Config: cfg,
			Body:   body,
		})
	}
	return out, nil
}

// Announce publishes every discovery config, then "online" to the
// availability topic. All payloads are built before anything is
// published, so a *[FatalError] leaves the broker untouched. Publish
// failures are returned as-is for the caller to retry.
func (a *Announcer) Announce(ctx context.Context, id identity.Identity) error {
	payloads, err := a.Payloads(id)
	if err != nil {
		return err
	}

	for _, p := range payloads {
		if err := a.sink.Publish(ctx, mqtt.Message{
			Topic:   p.Topic,
			Payload: p.Body,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			return fmt.Errorf("announce %s: %w", p.Signal.ObjectID, err)
		}
		a.logger.Debug("discovery config published",
			"signal", p.Signal.ObjectID, "topic", p.Topic)
	}

	if err := a.sink.Publish(ctx, mqtt.Message{
		Topic:   a.namer.Availability(id),
		Payload: []byte("online"),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		return fmt.Errorf("announce availability: %w", err)
	}

	a.logger.Info("discovery announced",
		"device", id.Slug(), "signals", len(payloads))

	a.reconcileSlug(ctx, id.Slug())
	return nil
}

// reconcileSlug compares the announced slug with the one recorded by a
// previous run. Entities of the old slug stay registered in HA unless
// RetractStale is set, in which case their config topics are cleared.
// Store and retraction failures are logged, never returned.
func (a *Announcer) reconcileSlug(ctx context.Context, slug string) {
	if a.opts.Store == nil {
		return
	}

	prev, err := a.opts.Store.Get(stateNamespace, slugKey)
	if err != nil {
		a.logger.Warn("read previous device slug failed", "error", err)
		return
	}
	if prev == slug {
		return
	}

	if prev != "" {
		if a.opts.RetractStale {
			if !a.retract(ctx, prev) {
				return
			}
		} else {
			attrs := []any{"previous", prev, "current", slug}
			if at, err := a.opts.Store.UpdatedAt(stateNamespace, slugKey); err == nil && !at.IsZero() {
				attrs = append(attrs, "previous_announced_at", at)
			}
			a.logger.Warn("device identity changed, entities of the previous identity remain registered", attrs...)
		}
	}

	if err := a.opts.Store.Set(stateNamespace, slugKey, slug); err != nil {
		a.logger.Warn("record device slug failed", "error", err)
	}
}

// retract publishes an empty retained message to every config topic of
// slug, which makes HA remove those entities. It reports whether every
// topic was cleared; the old slug stays recorded otherwise so the next
// announcement retries.
func (a *Announcer) retract(ctx context.Context, slug string) bool {
	ok := true
	for _, def := range presence.Definitions() {
		topic := a.namer.SlugTopic(slug, def.Key, topics.DiscoveryConfig)
		if err := a.sink.Publish(ctx, mqtt.Message{Topic: topic, QoS: 1, Retain: true}); err != nil {
			a.logger.Warn("retract stale discovery failed",
				"signal", def.ObjectID, "topic", topic, "error", err)
			ok = false
			continue
		}
		a.logger.Info("stale discovery retracted",
			"signal", def.ObjectID, "previous", slug)
	}
	return ok
}
