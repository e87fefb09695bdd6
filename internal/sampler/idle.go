package sampler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IdleSource reports whether the user is currently idle.
type IdleSource interface {
	IsIdle(ctx context.Context) (bool, error)
}

// IdleFunc adapts a function to [IdleSource].
type IdleFunc func(ctx context.Context) (bool, error)

// IsIdle calls f.
func (f IdleFunc) IsIdle(ctx context.Context) (bool, error) { return f(ctx) }

// CommandIdleSource runs a command that prints the user's idle time in
// milliseconds (xprintidle and compatible tools) and compares it with
// a threshold.
type CommandIdleSource struct {
	command   []string
	threshold time.Duration
	run       Runner
}

// NewCommandIdleSource creates an idle source for command. The user is
// idle once the reported idle time reaches threshold.
func NewCommandIdleSource(command []string, threshold time.Duration) *CommandIdleSource {
	return &CommandIdleSource{
		command:   command,
		threshold: threshold,
		run:       execRunner,
	}
}

// IsIdle runs the command and parses its output.
func (s *CommandIdleSource) IsIdle(ctx context.Context) (bool, error) {
	idle, err := s.IdleTime(ctx)
	if err != nil {
		return false, err
	}
	return idle >= s.threshold, nil
}

// IdleTime returns the idle duration reported by the command.
func (s *CommandIdleSource) IdleTime(ctx context.Context) (time.Duration, error) {
	if len(s.command) == 0 {
		return 0, errEmptyCommand
	}
	out, err := s.run(ctx, s.command[0], s.command[1:]...)
	if err != nil {
		return 0, fmt.Errorf("read idle time: %w", err)
	}
	return parseIdleMillis(out)
}

func parseIdleMillis(out []byte) (time.Duration, error) {
	text := strings.TrimSpace(string(out))
	ms, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse idle time %q: %w", text, err)
	}
	if ms < 0 {
		return 0, fmt.Errorf("negative idle time %d", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
