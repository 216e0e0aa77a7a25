package ingest

import (
	"context"
	"time"
)

// Batch batches up values from a channel. Batches are emitted whenever maxItems values have been
// received or maxTimeout has elapsed since the first value of the batch arrived (whichever occurs
// first). A partial batch is flushed when the input closes. The output channel is closed once the
// input is drained or ctx is done; the consumer controls the pace because sends on the output block.
func Batch[T any](ctx context.Context, values <-chan T, maxItems int, maxTimeout time.Duration) <-chan []T {
	out := make(chan []T)

	go func() {
		defer close(out)

		emit := func(batch []T) bool {
			if len(batch) == 0 {
				return true
			}
			select {
			case out <- batch:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			var batch []T
			var expire <-chan time.Time
			var timer *time.Timer
		fill:
			for {
				select {
				case <-ctx.Done():
					if timer != nil {
						timer.Stop()
					}
					return
				case value, ok := <-values:
					if !ok {
						if timer != nil {
							timer.Stop()
						}
						emit(batch)
						return
					}
					if timer == nil {
						timer = time.NewTimer(maxTimeout)
						expire = timer.C
					}
					batch = append(batch, value)
					if len(batch) >= maxItems {
						break fill
					}
				case <-expire:
					break fill
				}
			}
			if timer != nil {
				timer.Stop()
			}
			if !emit(batch) {
				return
			}
		}
	}()
	return out
}
