package input

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// skipThreshold is the §6 trace-file rule: a sleep shorter than this is
// skipped rather than timed, so a dense burst of near-simultaneous
// commands doesn't pay a timer per line.
const skipThreshold = 15 * time.Millisecond

// TraceLine is one parsed line of a timestamped trace file: an offset
// from the start of the trace, and the raw command text.
type TraceLine struct {
	Offset time.Time
	Raw    string
}

// SleepFunc pauses the trace player for d, returning early if ctx is
// canceled.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Play reads a trace file from r and invokes exec for each command in
// order. When hasTimestamps is true, each line is "<offset-seconds>
// <command>" and Play sleeps until that offset has elapsed since the
// first line, skipping sleeps under skipThreshold; otherwise every
// line is a bare command executed back to back.
func Play(ctx context.Context, r io.Reader, hasTimestamps bool, sleep SleepFunc, exec func(ctx context.Context, command string) error) error {
	scanner := bufio.NewScanner(r)
	start := time.Now()

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		command := line
		if hasTimestamps {
			offsetStr, rest, ok := strings.Cut(line, " ")
			if !ok {
				return fmt.Errorf("malformed trace line %q: expected \"<offset> <command>\"", line)
			}
			offset, err := strconv.ParseFloat(strings.TrimSpace(offsetStr), 64)
			if err != nil {
				return fmt.Errorf("malformed trace offset %q: %w", offsetStr, err)
			}
			command = strings.TrimSpace(rest)

			target := start.Add(time.Duration(offset * float64(time.Second)))
			if delay := time.Until(target); delay >= skipThreshold {
				if err := sleep(ctx, delay); err != nil {
					return err
				}
			}
		}

		if err := exec(ctx, command); err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return scanner.Err()
}
