package sensors

import (
	"context"
	"sync"
	"time"
)

// latestMessage holds the most recently received raw message of a streaming source.
type latestMessage struct {
	mu       sync.Mutex
	data     []byte
	received time.Time
	updated  chan struct{}
}

func newLatestMessage() *latestMessage {
	return &latestMessage{updated: make(chan struct{})}
}

func (lm *latestMessage) set(data []byte, received time.Time) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.data = data
	lm.received = received
	close(lm.updated)
	lm.updated = make(chan struct{})
}

// get returns the latest message if it arrived within timeout, otherwise it waits for a new one
// until timeout or ctx expires.
func (lm *latestMessage) get(ctx context.Context, timeout time.Duration, name string) ([]byte, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		lm.mu.Lock()
		data, received, updated := lm.data, lm.received, lm.updated
		lm.mu.Unlock()

		if data != nil && time.Since(received) < timeout {
			return data, received, nil
		}

		select {
		case <-updated:
		case <-ctx.Done():
			return nil, time.Time{}, timeoutError(ctx, name)
		}
	}
}
