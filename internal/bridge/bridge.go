// Package bridge runs the presence loop: it keeps the broker session
// alive, announces discovery on every new session, and republishes the
// watched signals as they change.
//
// Everything that touches the broker happens on the goroutine calling
// [Bridge.Run]. The lock watcher runs alongside it but only hands edges
// over through a channel.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/deskpresence/internal/connwatch"
	"github.com/nugget/deskpresence/internal/discovery"
	"github.com/nugget/deskpresence/internal/identity"
	"github.com/nugget/deskpresence/internal/presence"
	"github.com/nugget/deskpresence/internal/sampler"
	"github.com/nugget/deskpresence/internal/statepub"
)

// closeTimeout bounds the final offline publish and disconnect.
const closeTimeout = 5 * time.Second

// edgeBuffer is the capacity of the lock edge queue.
const edgeBuffer = 16

// Connection is the broker session. *connwatch.Supervisor satisfies it.
type Connection interface {
	Ensure(ctx context.Context) (fresh bool, err error)
	Close(ctx context.Context) error
	Status() connwatch.ServiceStatus
}

// Publisher is the debounced state publisher. *statepub.Publisher
// satisfies it.
type Publisher interface {
	Observe(ctx context.Context, obs statepub.Observation) (bool, error)
	Flush(ctx context.Context) error
	PublishPlaceholders(ctx context.Context) error
	Snapshot() map[presence.Key]statepub.PublishedState
	Pending() int
}

// Announcer publishes discovery configs. *discovery.Announcer
// satisfies it.
type Announcer interface {
	Announce(ctx context.Context, id identity.Identity) error
}

// Config wires a Bridge.
type Config struct {
	Identity  identity.Identity
	Conn      Connection
	Publisher Publisher
	Announcer Announcer

	Idle sampler.IdleSource
	// Lock is optional. Without it the locked signal is never published.
	Lock sampler.LockSource

	// TickInterval is the sampling period (default: 1s).
	TickInterval time.Duration

	// Placeholders publishes the "unknown" state of every signal after
	// the first successful announcement.
	Placeholders bool

	Logger *slog.Logger
}

// Bridge is the run loop.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	// newTicker is replaced in tests to drive ticks by hand.
	newTicker func(d time.Duration) (<-chan time.Time, func())

	needAnnounce     bool
	placeholdersDone bool

	// heldLock is the latest lock edge received while the session was
	// up but not yet announced. State must not precede discovery.
	heldLock *bool
}

// New creates a Bridge. Panics if Conn, Publisher, Announcer or Idle is
// nil.
func New(cfg Config) *Bridge {
	if cfg.Conn == nil || cfg.Publisher == nil || cfg.Announcer == nil || cfg.Idle == nil {
		panic("bridge: Config.Conn, Publisher, Announcer and Idle are required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		cfg:       cfg,
		logger:    cfg.Logger,
		newTicker: realTicker,
	}
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Run blocks until ctx is cancelled or an unrecoverable error occurs.
// Broker outages are not unrecoverable: they are logged and retried on
// the next tick. A discovery payload that cannot be built, a failing
// idle source, or a lock watcher that gives up ends the run. The
// session is closed before Run returns in every case.
func (b *Bridge) Run(ctx context.Context) (err error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer closeCancel()
		b.logSummary()
		if cerr := b.cfg.Conn.Close(closeCtx); cerr != nil && !errors.Is(cerr, connwatch.ErrClosed) {
			b.logger.Warn("broker close failed", "error", cerr)
		}
	}()

	var (
		edges   chan sampler.LockEdge
		watchCh chan error
	)
	if b.cfg.Lock != nil {
		edges = make(chan sampler.LockEdge, edgeBuffer)
		watchCh = make(chan error, 1)
		watchDone := make(chan struct{})
		go func() {
			defer close(watchDone)
			watchCh <- b.cfg.Lock.Watch(runCtx, edges)
		}()
		// The watcher must be gone before Close runs.
		defer func() {
			cancel()
			<-watchDone
		}()
	}

	ticks, stop := b.newTicker(b.cfg.TickInterval)
	defer stop()

	b.logger.Info("presence loop started",
		"device", b.cfg.Identity.Slug(),
		"tick", b.cfg.TickInterval,
		"lock_watcher", b.cfg.Lock != nil,
	)

	if err := b.step(runCtx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("presence loop stopping")
			return nil

		case werr := <-watchCh:
			// Read once; a nil channel blocks forever.
			watchCh = nil
			if werr != nil && ctx.Err() == nil {
				return fmt.Errorf("lock watcher: %w", werr)
			}
			b.logger.Info("lock watcher stopped")

		case edge := <-edges:
			if b.needAnnounce {
				locked := edge.Locked()
				b.heldLock = &locked
				continue
			}
			if err := b.observe(runCtx, statepub.Observation{
				Key:   presence.WorkstationLocked,
				Value: edge.Locked(),
				Edge:  true,
			}); err != nil {
				return err
			}

		case <-ticks:
			if err := b.step(runCtx); err != nil {
				return err
			}
		}
	}
}

// step is one tick: make sure the session is up, announce if it is
// new, retry failed edges, then sample idle state.
func (b *Bridge) step(ctx context.Context) error {
	fresh, err := b.cfg.Conn.Ensure(ctx)
	if err != nil {
		if connwatch.IsTransient(err) {
			b.logger.Warn("broker unavailable", "error", err)
			return nil
		}
		return fmt.Errorf("ensure broker session: %w", err)
	}
	if fresh {
		b.needAnnounce = true
	}

	if b.needAnnounce {
		if err := b.announce(ctx); err != nil {
			return err
		}
		if b.needAnnounce {
			// Announcement failed; publish no state until it succeeds.
			return nil
		}
	}

	if b.heldLock != nil {
		locked := *b.heldLock
		b.heldLock = nil
		if err := b.observe(ctx, statepub.Observation{
			Key:   presence.WorkstationLocked,
			Value: locked,
			Edge:  true,
		}); err != nil {
			return err
		}
	}

	if err := b.cfg.Publisher.Flush(ctx); err != nil {
		if err := b.classify("flush pending edges", err); err != nil {
			return err
		}
	}

	idle, err := b.cfg.Idle.IsIdle(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("sample idle state: %w", err)
	}
	return b.observe(ctx, statepub.Observation{Key: presence.UserActive, Value: !idle})
}

func (b *Bridge) announce(ctx context.Context) error {
	if err := b.cfg.Announcer.Announce(ctx, b.cfg.Identity); err != nil {
		var fatal *discovery.FatalError
		if errors.As(err, &fatal) {
			return err
		}
		b.logger.Warn("discovery announcement failed", "error", err)
		return nil
	}
	b.needAnnounce = false

	if b.cfg.Placeholders && !b.placeholdersDone {
		if err := b.cfg.Publisher.PublishPlaceholders(ctx); err != nil {
			// Retried with the next announcement.
			b.needAnnounce = true
			return b.classify("publish placeholders", err)
		}
		b.placeholdersDone = true
	}
	return nil
}

func (b *Bridge) observe(ctx context.Context, obs statepub.Observation) error {
	if _, err := b.cfg.Publisher.Observe(ctx, obs); err != nil {
		return b.classify("publish "+obs.Key.String(), err)
	}
	return nil
}

// classify logs broker failures and lets the loop continue. Anything
// else is returned wrapped.
// logSummary records the session and the last published value of each
// signal as the loop exits.
func (b *Bridge) logSummary() {
	st := b.cfg.Conn.Status()
	attrs := []any{
		"broker", st.Name,
		"state", st.State,
		"connect_attempts", st.Attempts,
		"pending_edges", b.cfg.Publisher.Pending(),
	}
	if st.LastError != "" {
		attrs = append(attrs, "last_error", st.LastError)
	}
	snap := b.cfg.Publisher.Snapshot()
	for _, d := range presence.Definitions() {
		value := "unknown"
		if ps, ok := snap[d.Key]; ok && ps.LastValue != nil {
			value = fmt.Sprintf("%t", *ps.LastValue)
		}
		attrs = append(attrs, d.ObjectID, value)
	}
	b.logger.Info("presence loop summary", attrs...)
}

func (b *Bridge) classify(op string, err error) error {
	if connwatch.IsTransient(err) || errors.Is(err, context.Canceled) {
		b.logger.Warn(op+" failed", "error", err)
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
