package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LockEdge is a workstation lock transition.
type LockEdge int

const (
	Unlocked LockEdge = iota
	Locked
)

func (e LockEdge) String() string {
	if e == Locked {
		return "locked"
	}
	return "unlocked"
}

// Locked reports whether the edge enters the locked state.
func (e LockEdge) Locked() bool { return e == Locked }

// LockSource watches the workstation lock state. Watch blocks until ctx
// is cancelled, sending one edge per observed change. A non-nil return
// other than ctx.Err() means the watcher can no longer deliver edges.
type LockSource interface {
	Watch(ctx context.Context, edges chan<- LockEdge) error
}

// LockFunc adapts a function to [LockSource].
type LockFunc func(ctx context.Context, edges chan<- LockEdge) error

// Watch calls f.
func (f LockFunc) Watch(ctx context.Context, edges chan<- LockEdge) error { return f(ctx, edges) }

// maxLockFailures is how many consecutive failed reads the loginctl
// watcher tolerates before giving up.
const maxLockFailures = 5

// LoginctlLockSource polls systemd-logind for the session's LockedHint.
type LoginctlLockSource struct {
	session  string
	interval time.Duration
	logger   *slog.Logger
	run      Runner
}

// NewLoginctlLockSource creates a lock watcher for session. An empty
// session means $XDG_SESSION_ID, falling back to "auto" (the caller's
// own session).
func NewLoginctlLockSource(session string, interval time.Duration, logger *slog.Logger) *LoginctlLockSource {
	if session == "" {
		session = os.Getenv("XDG_SESSION_ID")
	}
	if session == "" {
		session = "auto"
	}
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginctlLockSource{
		session:  session,
		interval: interval,
		logger:   logger,
		run:      execRunner,
	}
}

// Session returns the logind session being watched.
func (s *LoginctlLockSource) Session() string { return s.session }

// Watch polls until ctx is cancelled. The first successful read is
// always sent. Consecutive read failures are logged and tolerated up to
// a limit, after which Watch returns the last error.
func (s *LoginctlLockSource) Watch(ctx context.Context, edges chan<- LockEdge) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var (
		known    bool
		last     bool
		failures int
	)
	for {
		locked, err := s.read(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			failures++
			s.logger.Warn("lock state read failed",
				"session", s.session, "failures", failures, "error", err)
			if failures >= maxLockFailures {
				return fmt.Errorf("watch lock state of session %s: %w", s.session, err)
			}
		default:
			failures = 0
			if !known || locked != last {
				known, last = true, locked
				edge := Unlocked
				if locked {
					edge = Locked
				}
				select {
				case edges <- edge:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *LoginctlLockSource) read(ctx context.Context) (bool, error) {
	out, err := s.run(ctx, "loginctl", "show-session", s.session, "-p", "LockedHint", "--value")
	if err != nil {
		return false, err
	}
	switch v := strings.TrimSpace(string(out)); v {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected LockedHint %q", v)
	}
}
