package sampler

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func fixedRunner(out string, err error, calls *[][]string) Runner {
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		if calls != nil {
			*calls = append(*calls, append([]string{name}, args...))
		}
		return []byte(out), err
	}
}

func TestCommandIdleSource_IsIdle(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    bool
		wantErr bool
	}{
		{"active", "1200\n", false, false},
		{"just below threshold", "299999", false, false},
		{"at threshold", "300000", true, false},
		{"long idle", "  7200000\n", true, false},
		{"zero", "0", false, false},
		{"garbage", "abc", false, true},
		{"empty", "", false, true},
		{"negative", "-5", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewCommandIdleSource([]string{"xprintidle"}, 5*time.Minute)
			s.run = fixedRunner(tt.out, nil, nil)

			got, err := s.IsIdle(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("IsIdle() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("IsIdle() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCommandIdleSource_PassesArgs(t *testing.T) {
	var calls [][]string
	s := NewCommandIdleSource([]string{"idle-helper", "--ms", "-q"}, time.Second)
	s.run = fixedRunner("10", nil, &calls)

	if _, err := s.IsIdle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || !slices.Equal(calls[0], []string{"idle-helper", "--ms", "-q"}) {
		t.Errorf("calls = %v", calls)
	}
}

func TestCommandIdleSource_CommandError(t *testing.T) {
	boom := errors.New("exit status 1")
	s := NewCommandIdleSource([]string{"xprintidle"}, time.Second)
	s.run = fixedRunner("", boom, nil)

	_, err := s.IsIdle(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("IsIdle() error = %v, want wrapping %v", err, boom)
	}
}

func TestCommandIdleSource_EmptyCommand(t *testing.T) {
	s := NewCommandIdleSource(nil, time.Second)
	if _, err := s.IsIdle(context.Background()); !errors.Is(err, errEmptyCommand) {
		t.Errorf("IsIdle() error = %v, want errEmptyCommand", err)
	}
}

func TestIdleFunc(t *testing.T) {
	var src IdleSource = IdleFunc(func(context.Context) (bool, error) { return true, nil })
	idle, err := src.IsIdle(context.Background())
	if err != nil || !idle {
		t.Errorf("IsIdle() = %v, %v", idle, err)
	}
}
