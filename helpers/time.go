package helpers

import (
	"context"
	"time"
)

func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x == 0 {
		return def
	}
	return time.Duration(x) * time.Second
}

// Negative x means explicit zero, so config can disable a default delay.
func IntMillisecondDefault(x int, def time.Duration) time.Duration {
	switch {
	case x == 0:
		return def
	case x < 0:
		return 0
	}
	return time.Duration(x) * time.Millisecond
}

// Sleep returns ctx.Err() if ctx is done before d elapsed.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
