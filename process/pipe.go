package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

var ErrNotReady = errors.New("resource not ready")

const pollInterval = 200 * time.Millisecond

// WaitForPath polls until path exists, ctx ends or timeout elapses. External
// binaries create their named pipes some time after they start.
func WaitForPath(ctx context.Context, path string, timeout time.Duration) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s did not appear within %s", ErrNotReady, path, timeout)
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				return nil
			}
		}
	}
}

// OpenPipe waits for a named pipe and opens it read-write, which does not
// block waiting for the other end. Closing the file unblocks pending reads.
func OpenPipe(ctx context.Context, path string, timeout time.Duration) (*os.File, error) {
	if err := WaitForPath(ctx, path, timeout); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open pipe %s: %w", path, err)
	}
	return f, nil
}
