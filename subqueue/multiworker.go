package subqueue

import (
	"context"

	"golang.org/x/time/rate"
)

// MultipleWorkers creates n workers sharing one rate limit, for fanning a
// single auctioneer endpoint across several workers. processFunc must be
// safe for concurrent use.
func MultipleWorkers(processFunc ProcessFunc, n int, limit rate.Limit, burst int) []ProcessFunc {
	rateLimiter := rate.NewLimiter(limit, burst)

	process := make([]ProcessFunc, n)
	for i := 0; i < n; i++ {
		process[i] = func(ctx context.Context, data []byte, info QueueItemInfo) error {
			err := rateLimiter.Wait(ctx)
			if err != nil {
				return err
			}
			return processFunc(ctx, data, info)
		}
	}
	return process
}
