// Package subqueue is a block-targeted submission queue backed by redis.
//
// The queue holds serialized bundles in one sorted set, scored by the
// minimal block they target. Workers pop the item with the lowest target
// block; items whose target block has not arrived are requeued, items
// whose whole target window has passed are dropped.
//
// Usage:
//  1. Create a queue with NewRedisQueue.
//  2. Start the processing loop with StartProcessLoop.
//  3. Push serialized bundles with Push.
//  4. Feed the queue the current block number with UpdateBlock; it never
//     discovers the chain head on its own.
//
// Items with the same target block are ordered lexicographically by the
// packed value: high priority first, then fewer retries, then earlier
// submission time.
//
// A ProcessFunc reports the outcome of one submission attempt:
//   - nil: the item is done.
//   - ErrProcessScheduleNextBlock: resubmit against the next block in the
//     item's window.
//   - ErrProcessWorkerError: retry on the same block, ideally on another
//     worker.
//
// Retries are capped by MaxRetries and backed off exponentially so a
// consistently failing worker receives less work.
//
// The queue is not perfectly loss-free: a worker that crashes after
// claiming an item loses it. Workers hold at most one item each, so a
// crash loses at most one item per worker. Cancel the context passed to
// StartProcessLoop and wait on the returned WaitGroup for a clean
// shutdown.
package subqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrBlockNumberIncorrect = errors.New("block number is invalid")
	ErrStaleItem            = errors.New("item is stale")
	ErrQueueFull            = errors.New("queue is full")
	ErrMaxRetriesReached    = errors.New("max retries reached")
	ErrNoNextBlock          = errors.New("failed to requeue item, no next block available")
	ErrRequeueFailed        = errors.New("item requeue failed")
)

// Errors returned by ProcessFunc.
var (
	// ErrProcessScheduleNextBlock reschedules the item for the next block
	// in its target window.
	ErrProcessScheduleNextBlock = errors.New("try to schedule item for the next block")
	// ErrProcessWorkerError retries the item on the same block, hopefully
	// on another worker.
	ErrProcessWorkerError = errors.New("worker error, retry processing on another worker")
)

// QueueItemInfo carries item metadata into ProcessFunc.
type QueueItemInfo struct {
	// Retries is the number of times the item was retried before this
	// attempt.
	Retries int
}

type ProcessFunc func(ctx context.Context, data []byte, info QueueItemInfo) error

type Queue interface {
	UpdateBlock(block uint64) error
	Push(ctx context.Context, data []byte, highPriority bool, minTargetBlock, maxTargetBlock uint64) error
	StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup
}

// RedisQueueConfig tunes queue limits.
type RedisQueueConfig struct {
	MaxRetries             uint16
	MaxQueuedItemsLowPrio  uint64
	MaxQueuedItemsHighPrio uint64
	WorkerTimeout          time.Duration
}

var DefaultQueueConfig = RedisQueueConfig{
	MaxRetries:             uint16(30),
	MaxQueuedItemsLowPrio:  uint64(1024),
	MaxQueuedItemsHighPrio: uint64(2048),
	WorkerTimeout:          4 * time.Second,
}

type RedisQueue struct {
	log          *zap.Logger
	red          *redis.Client
	currentBlock *uint64
	queueName    string

	Config RedisQueueConfig

	// OnQueueFull and OnStaleItem, when set, observe drops for metrics.
	OnQueueFull func()
	OnStaleItem func()
}

func NewRedisQueue(log *zap.Logger, red *redis.Client, queueName string, config RedisQueueConfig) *RedisQueue {
	currentBlock := uint64(0)
	log = log.With(zap.String("queue", queueName))
	return &RedisQueue{
		log:          log,
		red:          red,
		currentBlock: &currentBlock,
		queueName:    queueName,
		Config:       config,
	}
}

// UpdateBlock moves the queue's view of the chain head forward. Moving it
// backwards is an error.
func (s *RedisQueue) UpdateBlock(block uint64) error {
	current := atomic.LoadUint64(s.currentBlock)
	if current == block {
		return nil
	}
	if current > block {
		return ErrBlockNumberIncorrect
	}
	atomic.StoreUint64(s.currentBlock, block)
	return nil
}

func (s *RedisQueue) Push(ctx context.Context, data []byte, highPriority bool, minTargetBlock, maxTargetBlock uint64) error {
	currentBlock := atomic.LoadUint64(s.currentBlock)

	if maxTargetBlock <= currentBlock {
		s.log.Debug("max target block is less than current block, skipping", zap.Uint64("max_target_block", maxTargetBlock), zap.Uint64("current_block", currentBlock))
		return ErrStaleItem
	}

	// items are always scheduled for the next block at the earliest
	if nextBlock := currentBlock + 1; minTargetBlock < nextBlock {
		minTargetBlock = nextBlock
	}

	args := packArgs{
		data:           data,
		minTargetBlock: minTargetBlock,
		maxTargetBlock: maxTargetBlock,
		highPriority:   highPriority,
		timestamp:      time.Now(),
		iteration:      0,
	}
	err := s.pushToQueue(ctx, args)
	if err != nil {
		return err
	}
	s.log.Debug("pushed to queue", zap.Uint64("min_target_block", minTargetBlock), zap.Uint64("max_target_block", maxTargetBlock), zap.Bool("high_priority", highPriority))
	return nil
}

func (s *RedisQueue) queuedItems(ctx context.Context) (uint64, error) {
	return s.red.ZCard(ctx, s.queueName).Uint64()
}

func (s *RedisQueue) pushToQueue(ctx context.Context, args packArgs) error {
	queued, err := s.queuedItems(ctx)
	if err != nil {
		s.log.Warn("failed to get queued items", zap.Error(err))
		return err
	}
	threshold := s.Config.MaxQueuedItemsLowPrio
	if args.highPriority {
		threshold = s.Config.MaxQueuedItemsHighPrio
	}
	if queued >= threshold {
		s.log.Error("too many unprocessed items in the queue", zap.Uint64("queued", queued), zap.Uint64("max_unprocessed_items", threshold))
		if s.OnQueueFull != nil {
			s.OnQueueFull()
		}
		return ErrQueueFull
	}

	score, redisData := packData(args)
	err = s.red.ZAdd(ctx, s.queueName, redis.Z{Score: score, Member: redisData}).Err()
	if err != nil {
		s.log.Debug("failed to push to queue", zap.Error(err))
	}
	return err
}

// popFromQueue blocks for up to one second waiting for an item.
func (s *RedisQueue) popFromQueue(ctx context.Context) (packArgs, error) {
	value, err := s.red.BZPopMin(ctx, time.Second, s.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return packArgs{}, err
		}
		s.log.Error("failed to pop from queue", zap.Error(err))
		return packArgs{}, err
	}

	redisData, ok := value.Member.(string)
	if !ok {
		s.log.Error("failed to pop from queue, invalid data type")
		return packArgs{}, errInvalidPackedData
	}

	args, err := unpackData(value.Score, []byte(redisData))
	if err != nil {
		s.log.Error("failed to unpack data", zap.Error(err))
		return packArgs{}, err
	}
	return args, nil
}

func (s *RedisQueue) processNextItem(ctx context.Context, process ProcessFunc) error {
	// requeue backoff is short: losing the slot is worse than a tight loop
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = 4 * time.Second
	back := backoff.WithContext(exp, ctx)

	args, err := s.popFromQueue(ctx)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	nextBlock := atomic.LoadUint64(s.currentBlock) + 1

	// too early to process, requeue
	if nextBlock < args.minTargetBlock {
		return s.retryItem(ctx, args, false, false, back)
	}

	// stale item, skip or requeue for the next block
	if nextBlock > args.minTargetBlock {
		if nextBlock > args.maxTargetBlock {
			s.log.Debug("skipping stale item",
				zap.Uint64("next_block", nextBlock),
				zap.Uint64("min_target_block", args.minTargetBlock),
				zap.Uint64("max_target_block", args.maxTargetBlock))
			if s.OnStaleItem != nil {
				s.OnStaleItem()
			}
			return nil
		}

		args.minTargetBlock = nextBlock
		return s.retryItem(ctx, args, false, false, back)
	}

	workerCtx, workerCancel := context.WithTimeout(ctx, s.Config.WorkerTimeout)
	defer workerCancel()
	err = process(workerCtx, args.data, QueueItemInfo{Retries: int(args.iteration)})

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProcessWorkerError):
		s.log.Warn("worker failed to process item, retrying", zap.Error(err), zap.Uint16("iteration", args.iteration))
		if err := s.retryItem(ctx, args, true, false, back); err != nil {
			return err
		}
	case errors.Is(err, ErrProcessScheduleNextBlock):
		s.log.Debug("worker iteration failed, scheduled for the next block",
			zap.Error(err),
			zap.Uint64("next_block", nextBlock),
			zap.Uint64("min_target_block", args.minTargetBlock),
			zap.Uint64("max_target_block", args.maxTargetBlock),
		)
		if err := s.retryItem(ctx, args, true, true, back); err != nil {
			return err
		}
	case err != nil:
		return err
	}
	timeInQueue := time.Since(args.timestamp)
	s.log.Debug("processed queue item", zap.Uint16("iteration", args.iteration), zap.Duration("time_in_queue", timeInQueue))
	return nil
}

// StartProcessLoop spawns one goroutine per worker. Cancel ctx to stop;
// the returned WaitGroup reports when every worker drained.
func (s *RedisQueue) StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, process := range workers {
		wg.Add(1)
		go func(process ProcessFunc) {
			defer wg.Done()

			exp := backoff.NewExponentialBackOff()
			exp.MaxInterval = 30 * time.Second
			exp.MaxElapsedTime = 2 * time.Minute
			back := backoff.WithContext(exp, ctx)
			for {
				select {
				case <-ctx.Done():
					return
				default:
					err := backoff.Retry(func() error {
						return s.processNextItem(ctx, process)
					}, back)
					if err != nil && !errors.Is(err, context.Canceled) {
						s.log.Error("Processing next element failed", zap.Error(err))
					}
				}
			}
		}(process)
	}
	return &wg
}

func (s *RedisQueue) retryItem(ctx context.Context, args packArgs, incrIteration, incrBlock bool, back backoff.BackOff) error {
	if args.iteration >= s.Config.MaxRetries {
		return ErrMaxRetriesReached
	}

	if incrIteration {
		args.iteration++
	}
	if incrBlock {
		if args.minTargetBlock >= args.maxTargetBlock {
			return ErrNoNextBlock
		}
		args.minTargetBlock++
	}
	err := backoff.Retry(func() error {
		return s.pushToQueue(ctx, args)
	}, back)
	if err != nil {
		s.log.Error("failed to requeue item", zap.Error(err))
		return errors.Join(err, ErrRequeueFailed)
	}
	return nil
}

// CleanQueues removes all queue data from redis. Testing only.
func (s *RedisQueue) CleanQueues(ctx context.Context) error {
	return s.red.Del(ctx, s.queueName).Err()
}
