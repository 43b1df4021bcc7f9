package trackerclient

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mycelian/shardtracker/pkg/wire"
)

// RetryOnConflict runs fn with the caller's last known shard until it stops
// returning a conflict or maxAttempts is reached. After a conflict fn is
// called again with the authoritative shard carried by the 409 response, so
// it can re-decide on fresh state. Other errors stop immediately.
func RetryOnConflict(ctx context.Context, maxAttempts int, known *wire.ShardRecord, fn func(cur *wire.ShardRecord) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxAttempts-1)), ctx)

	cur := known
	return backoff.Retry(func() error {
		err := fn(cur)
		if err == nil {
			return nil
		}
		if latest, ok := CurrentShard(err); ok {
			cur = latest
			return err
		}
		if IsConflict(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}
