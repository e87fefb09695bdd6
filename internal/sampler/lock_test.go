package sampler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedRunner returns one scripted reply per call and repeats the
// last one once the script runs out.
type scriptedRunner struct {
	mu      sync.Mutex
	replies []reply
	calls   [][]string
}

type reply struct {
	out string
	err error
}

func (r *scriptedRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	next := r.replies[0]
	if len(r.replies) > 1 {
		r.replies = r.replies[1:]
	}
	return []byte(next.out), next.err
}

func newTestLockSource(replies ...reply) (*LoginctlLockSource, *scriptedRunner) {
	r := &scriptedRunner{replies: replies}
	s := NewLoginctlLockSource("7", time.Millisecond, nil)
	s.run = r.run
	return s, r
}

func collect(t *testing.T, edges <-chan LockEdge, n int) []LockEdge {
	t.Helper()
	var got []LockEdge
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case e := <-edges:
			got = append(got, e)
		case <-timeout:
			t.Fatalf("got %d edges %v, want %d", len(got), got, n)
		}
	}
	return got
}

func TestLoginctlLockSource_EmitsOnChangeOnly(t *testing.T) {
	s, _ := newTestLockSource(
		reply{out: "no\n"},
		reply{out: "no\n"},
		reply{out: "yes\n"},
		reply{out: "yes\n"},
		reply{out: "no\n"},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	edges := make(chan LockEdge, 8)
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, edges) }()

	got := collect(t, edges, 3)
	want := []LockEdge{Unlocked, Locked, Unlocked}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("edges = %v, want %v", got, want)
		}
	}

	// The script now repeats "no", so nothing more arrives.
	select {
	case e := <-edges:
		t.Errorf("unexpected extra edge %v", e)
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Watch() = %v, want context.Canceled", err)
	}
}

func TestLoginctlLockSource_Command(t *testing.T) {
	s, r := newTestLockSource(reply{out: "yes"})
	ctx, cancel := context.WithCancel(context.Background())
	edges := make(chan LockEdge, 1)
	go s.Watch(ctx, edges)
	collect(t, edges, 1)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	want := []string{"loginctl", "show-session", "7", "-p", "LockedHint", "--value"}
	got := r.calls[0]
	if len(got) != len(want) {
		t.Fatalf("command = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("command = %v, want %v", got, want)
		}
	}
}

func TestLoginctlLockSource_ToleratesTransientFailures(t *testing.T) {
	s, _ := newTestLockSource(
		reply{err: errors.New("bus busy")},
		reply{err: errors.New("bus busy")},
		reply{out: "yes"},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	edges := make(chan LockEdge, 1)
	go s.Watch(ctx, edges)
	if got := collect(t, edges, 1); got[0] != Locked {
		t.Errorf("edge = %v, want locked", got[0])
	}
}

func TestLoginctlLockSource_GivesUp(t *testing.T) {
	boom := errors.New("no such session")
	s, _ := newTestLockSource(reply{err: boom})

	err := s.Watch(context.Background(), make(chan LockEdge, 1))
	if !errors.Is(err, boom) {
		t.Errorf("Watch() = %v, want wrapping %v", err, boom)
	}
}

func TestLoginctlLockSource_BadValue(t *testing.T) {
	s, _ := newTestLockSource(reply{out: "maybe"})
	err := s.Watch(context.Background(), make(chan LockEdge, 1))
	if err == nil {
		t.Fatal("Watch() should fail after repeated unparsable values")
	}
}

func TestNewLoginctlLockSource_Session(t *testing.T) {
	t.Setenv("XDG_SESSION_ID", "c2")
	if got := NewLoginctlLockSource("", 0, nil).Session(); got != "c2" {
		t.Errorf("Session() = %q, want c2", got)
	}
	if got := NewLoginctlLockSource("9", 0, nil).Session(); got != "9" {
		t.Errorf("Session() = %q, want 9", got)
	}

	t.Setenv("XDG_SESSION_ID", "")
	if got := NewLoginctlLockSource("", 0, nil).Session(); got != "auto" {
		t.Errorf("Session() = %q, want auto", got)
	}
}
