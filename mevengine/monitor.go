package mevengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"go.uber.org/zap"

	"github.com/brick3/mev-engine/metrics"
)

const (
	defaultPollInterval   = 100 * time.Millisecond
	defaultSeenCacheSize  = 16_384
	defaultSubscriberSize = 256
	healthFailThreshold   = 5
	maxPollBackoff        = 5 * time.Second
)

// Monitor polls the node for pending transactions, deduplicates them,
// decodes swap calldata and fans the result out to subscribers. One
// monitor serves every running bot.
type Monitor struct {
	log  *zap.Logger
	node NodeBackend

	pollInterval time.Duration
	seen         *lru.Cache[common.Hash, struct{}]

	mu      sync.Mutex
	subs    map[int]chan *MempoolTransaction
	nextSub int

	currentBlock atomic.Uint64
	healthy      atomic.Bool
	failStreak   int
}

func NewMonitor(log *zap.Logger, node NodeBackend, pollInterval time.Duration) *Monitor {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	m := &Monitor{
		log:          log.Named("monitor"),
		node:         node,
		pollInterval: pollInterval,
		seen:         lru.NewCache[common.Hash, struct{}](defaultSeenCacheSize),
		subs:         make(map[int]chan *MempoolTransaction),
	}
	m.healthy.Store(true)
	return m
}

// Subscribe registers a consumer of decoded pending transactions. The
// returned cancel func must be called when the consumer stops; delivery to
// a full subscriber channel drops the transaction instead of blocking the
// poll loop.
func (m *Monitor) Subscribe() (<-chan *MempoolTransaction, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan *MempoolTransaction, defaultSubscriberSize)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
}

// Healthy reports whether the node backend answered any of the last few
// polls.
func (m *Monitor) Healthy() bool {
	return m.healthy.Load()
}

// CurrentBlock is the latest block number observed, zero before the first
// successful poll.
func (m *Monitor) CurrentBlock() uint64 {
	return m.currentBlock.Load()
}

// Start launches the poll loops. They stop when ctx is cancelled; wait on
// the returned WaitGroup for a clean shutdown.
func (m *Monitor) Start(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.pollLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.blockLoop(ctx)
	}()
	return wg
}

func (m *Monitor) pollLoop(ctx context.Context) {
	bo := m.pollBackoff()
	timer := time.NewTimer(m.pollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := m.pollOnce(ctx); err != nil {
				m.recordFailure(err)
				timer.Reset(bo.NextBackOff())
			} else {
				m.recordSuccess()
				bo.Reset()
				timer.Reset(m.pollInterval)
			}
		}
	}
}

// pollBackoff paces retries after failed polls: starts at the poll
// cadence, grows exponentially, stays bounded and never gives up.
func (m *Monitor) pollBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.pollInterval
	bo.MaxInterval = maxPollBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (m *Monitor) blockLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			num, err := m.node.BlockNumber(ctx)
			if err != nil {
				m.log.Warn("Failed to fetch block number", zap.Error(err))
				continue
			}
			m.currentBlock.Store(num)
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context) error {
	hashes, err := m.node.PendingTransactionHashes(ctx)
	if err != nil {
		return err
	}
	for _, hash := range hashes {
		if _, ok := m.seen.Get(hash); ok {
			continue
		}
		m.seen.Add(hash, struct{}{})

		tx, err := m.fetchTransaction(ctx, hash)
		if err != nil {
			m.log.Debug("Failed to fetch pending transaction", zap.Error(err), zap.String("tx", hash.Hex()))
			continue
		}
		if tx == nil {
			// already mined or evicted
			continue
		}
		tx.FirstSeen = time.Now().UTC()
		tx.Swap = DecodeSwap(tx)
		metrics.IncPendingTxSeen()
		m.publish(tx)
	}
	return nil
}

func (m *Monitor) fetchTransaction(ctx context.Context, hash common.Hash) (*MempoolTransaction, error) {
	var tx *MempoolTransaction
	err := backoff.Retry(func() error {
		var err error
		tx, err = m.node.TransactionByHash(ctx, hash)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx))
	return tx, err
}

func (m *Monitor) publish(tx *MempoolTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		select {
		case sub <- tx:
		default:
			metrics.IncPendingTxDropped()
		}
	}
}

func (m *Monitor) recordFailure(err error) {
	m.failStreak++
	metrics.IncNodePollError()
	if m.failStreak >= healthFailThreshold && m.healthy.Load() {
		m.healthy.Store(false)
		m.log.Error("Node backend unhealthy", zap.Error(err), zap.Int("failStreak", m.failStreak))
	} else {
		m.log.Warn("Mempool poll failed", zap.Error(err))
	}
}

func (m *Monitor) recordSuccess() {
	if m.failStreak >= healthFailThreshold {
		m.log.Info("Node backend recovered")
	}
	m.failStreak = 0
	m.healthy.Store(true)
}
