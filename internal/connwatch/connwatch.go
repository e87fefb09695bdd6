// Package connwatch supervises the single broker session. It owns the
// connection handle and moves between two states:
//
//  1. Disconnected: no live session. The next [Supervisor.Ensure]
//     performs one blocking connect attempt.
//  2. Connected: a live session. Loss is detected lazily, either when
//     Ensure finds the transport no longer connected or when a publish
//     fails on a dropped session.
//
// There is no backoff and no attempt limit. The caller retries by
// calling Ensure again on its next tick. All methods must be called
// from a single goroutine; only [Supervisor.Status] may be read
// concurrently.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/deskpresence/internal/mqtt"
)

// ErrNotConnected is returned by Publish when no session is live.
var ErrNotConnected = errors.New("not connected to broker")

// ErrClosed is returned once Close has run.
var ErrClosed = errors.New("supervisor closed")

// TransientError wraps connectivity failures that the run loop recovers
// from by retrying on the next tick.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is, or wraps, a [TransientError].
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// State is the supervisor's connection state.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Config configures a Supervisor.
type Config struct {
	// Name identifies the broker in logs and status output.
	Name string

	Dialer mqtt.Dialer

	// ConnectTimeout bounds one connect attempt (default: 10s).
	ConnectTimeout time.Duration

	// PublishTimeout bounds one publish (default: 5s).
	PublishTimeout time.Duration

	// Offline, when set, is published on Close before disconnecting.
	Offline *mqtt.Message

	Logger *slog.Logger
}

// ServiceStatus is a point-in-time view of the supervisor, suitable for
// JSON serialization.
type ServiceStatus struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	// Attempts counts consecutive failed connects since the last success.
	Attempts int `json:"attempts"`
}

// Supervisor owns the broker connection.
type Supervisor struct {
	cfg    Config
	conn   mqtt.Conn
	closed bool

	mu        sync.Mutex
	state     State
	lastErr   error
	lastCheck time.Time
	attempts  int
}

// New creates a Supervisor in the Disconnected state. It does not dial.
// Panics if cfg.Dialer is nil.
func New(cfg Config) *Supervisor {
	if cfg.Dialer == nil {
		panic("connwatch: Config.Dialer must not be nil")
	}
	if cfg.Name == "" {
		cfg.Name = "mqtt"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{cfg: cfg}
}

// Ensure makes sure a session is live, connecting if necessary. fresh
// is true when this call established a new session, which tells the
// caller to (re-)announce anything the broker should hold for it.
// Connect failures are returned as [TransientError].
func (s *Supervisor) Ensure(ctx context.Context) (fresh bool, err error) {
	if s.closed {
		return false, ErrClosed
	}
	if s.conn != nil {
		if s.conn.Connected() {
			return false, nil
		}
		s.markDown(errors.New("transport reported disconnect"))
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.cfg.Dialer.Dial(dialCtx)
	if err != nil {
		s.mu.Lock()
		s.attempts++
		attempts := s.attempts
		s.lastErr = err
		s.lastCheck = time.Now()
		s.mu.Unlock()

		s.cfg.Logger.Warn("broker connect failed, will retry",
			"broker", s.cfg.Name,
			"attempt", attempts,
			"error", err,
		)
		return false, &TransientError{Op: "connect", Err: err}
	}

	s.conn = conn
	s.mu.Lock()
	after := s.attempts + 1
	s.state = Connected
	s.attempts = 0
	s.lastErr = nil
	s.lastCheck = time.Now()
	s.mu.Unlock()

	s.cfg.Logger.Info("broker connected",
		"broker", s.cfg.Name,
		"after_attempts", after,
	)
	return true, nil
}

// Publish sends msg on the live session. Without one it returns a
// [TransientError] wrapping [ErrNotConnected] and makes no network
// call. A failure that leaves the transport disconnected moves the
// supervisor to Disconnected.
func (s *Supervisor) Publish(ctx context.Context, msg mqtt.Message) error {
	if s.closed {
		return ErrClosed
	}
	if s.conn == nil || !s.conn.Connected() {
		if s.conn != nil {
			s.markDown(errors.New("transport reported disconnect"))
		}
		return &TransientError{Op: "publish " + msg.Topic, Err: ErrNotConnected}
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()

	if err := s.conn.Publish(pubCtx, msg); err != nil {
		if !s.conn.Connected() {
			s.markDown(err)
		}
		return &TransientError{Op: "publish " + msg.Topic, Err: err}
	}
	return nil
}

// Close publishes the offline message if configured and connected,
// then disconnects. Only the first call has any effect.
func (s *Supervisor) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}

	var errs []error
	if s.cfg.Offline != nil && s.conn.Connected() {
		pubCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
		if err := s.conn.Publish(pubCtx, *s.cfg.Offline); err != nil {
			errs = append(errs, fmt.Errorf("publish offline: %w", err))
		}
		cancel()
	}
	if err := s.conn.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	s.conn = nil

	s.mu.Lock()
	s.state = Disconnected
	s.mu.Unlock()

	s.cfg.Logger.Info("broker disconnected", "broker", s.cfg.Name)
	return errors.Join(errs...)
}

// Status returns the current connection status.
func (s *Supervisor) Status() ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := ServiceStatus{
		Name:      s.cfg.Name,
		State:     s.state.String(),
		Ready:     s.state == Connected,
		LastCheck: s.lastCheck,
		Attempts:  s.attempts,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// markDown drops the current session after the transport reported it
// lost.
func (s *Supervisor) markDown(cause error) {
	if s.conn != nil {
		_ = s.conn.Disconnect(context.Background())
	}
	s.conn = nil

	s.mu.Lock()
	wasUp := s.state == Connected
	s.state = Disconnected
	s.lastErr = cause
	s.lastCheck = time.Now()
	s.mu.Unlock()

	if wasUp {
		s.cfg.Logger.Info("broker connection lost",
			"broker", s.cfg.Name,
			"error", cause,
		)
	}
}
