package ports

import (
	"context"
	"time"
)

// ResultChannel hands a terminal run result back to a synchronous caller.
// Keys are run ids; BlockingPop returns domain.ErrTimeout on expiry.
type ResultChannel interface {
	Push(ctx context.Context, key string, payload []byte) error
	BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
	Close() error
}
