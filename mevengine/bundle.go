package mevengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/brick3/mev-engine/metrics"
	"github.com/brick3/mev-engine/subqueue"
)

const (
	// blocks past the first target the bundle stays submittable
	defaultTargetWindow = 3

	settlePollInterval = time.Second
)

// BuildBundle assembles the submission bundle for an accepted opportunity.
// Leg order is fixed here and never changed afterwards: frontrun, target,
// backrun for sandwiches; a single leg for everything else.
func BuildBundle(opp *Opportunity, targetBlock uint64) *Bundle {
	var txs []BundleTx
	switch opp.Kind {
	case StrategySandwich:
		frontrunWei := monToWei(opp.FrontrunMon)
		txs = []BundleTx{
			{Kind: BundleTxFrontrun, To: opp.Target.To, ValueWei: frontrunWei, GasLimit: gasSwapV2},
			{Kind: BundleTxTarget, Hash: opp.Target.Hash, To: opp.Target.To, ValueWei: opp.Target.Value, GasLimit: gasSwapV2, Data: opp.Target.Input},
			{Kind: BundleTxBackrun, To: opp.Target.To, ValueWei: frontrunWei, GasLimit: gasSwapV2},
		}
	case StrategyBackrun, StrategyArbitrage:
		gas := uint64(gasSwapV2)
		if opp.Kind == StrategyArbitrage {
			gas = gasArbTwoHop
		}
		txs = []BundleTx{
			{Kind: BundleTxTarget, Hash: opp.Target.Hash, To: opp.Target.To, ValueWei: opp.Target.Value, GasLimit: gasSwapV2, Data: opp.Target.Input},
			{Kind: BundleTxBackrun, To: opp.Target.To, ValueWei: monToWei(opp.ValueMon), GasLimit: gas},
		}
	case StrategyLiquidation:
		txs = []BundleTx{
			{Kind: BundleTxFrontrun, To: opp.Target.To, ValueWei: monToWei(opp.ValueMon), GasLimit: gasLiquidation},
		}
	}
	bundle := &Bundle{
		OpportunityID: opp.ID,
		Transactions:  txs,
		TargetBlock:   targetBlock,
		Status:        BundlePending,
	}
	bundle.ID = bundleID(opp.ID, txs)
	return bundle
}

// SubmissionLock claims a bundle id exactly once across workers.
type SubmissionLock interface {
	Acquire(ctx context.Context, bundleID string) (bool, error)
	Release(ctx context.Context, bundleID string) error
}

// MemorySubmissionLock is a process-local SubmissionLock for redis-less
// runs and tests.
type MemorySubmissionLock struct {
	mu      sync.Mutex
	claimed map[string]struct{}
}

func NewMemorySubmissionLock() *MemorySubmissionLock {
	return &MemorySubmissionLock{claimed: make(map[string]struct{})}
}

func (l *MemorySubmissionLock) Acquire(_ context.Context, bundleID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.claimed[bundleID]; ok {
		return false, nil
	}
	l.claimed[bundleID] = struct{}{}
	return true, nil
}

func (l *MemorySubmissionLock) Release(_ context.Context, bundleID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claimed, bundleID)
	return nil
}

// BlockSource exposes the chain head to the submitter.
type BlockSource interface {
	CurrentBlock() uint64
}

// BundleSubmitter turns accepted opportunities into bundles, pushes them
// onto the block-targeted queue and drives them through the auctioneer.
// Settled bundles feed realized profit into the distributor.
type BundleSubmitter struct {
	log         *zap.Logger
	queue       subqueue.Queue
	auctioneer  AuctioneerBackend
	store       OpportunityStore
	lock        SubmissionLock
	blocks      BlockSource
	distributor *Distributor
	policy      string

	// per-opportunity guard: one bundle in flight per opportunity
	mu       sync.Mutex
	inflight map[string]struct{}

	// settlement watchers outlive the queue worker call that spawned
	// them; they run on the submitter's own context, not the worker's
	settleCtx    context.Context
	settleCancel context.CancelFunc
	stopped      bool

	settleWG sync.WaitGroup
}

func NewBundleSubmitter(
	log *zap.Logger,
	queue subqueue.Queue,
	auctioneer AuctioneerBackend,
	store OpportunityStore,
	lock SubmissionLock,
	blocks BlockSource,
	distributor *Distributor,
	policy string,
) *BundleSubmitter {
	settleCtx, settleCancel := context.WithCancel(context.Background())
	return &BundleSubmitter{
		log:          log.Named("submitter"),
		queue:        queue,
		auctioneer:   auctioneer,
		store:        store,
		lock:         lock,
		blocks:       blocks,
		distributor:  distributor,
		policy:       policy,
		inflight:     make(map[string]struct{}),
		settleCtx:    settleCtx,
		settleCancel: settleCancel,
	}
}

// Stop cancels in-flight settlement watchers, waits for them to drain
// and drops queued bundles until Resume. An already-stopped submitter
// is a no-op.
func (s *BundleSubmitter) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.settleCancel
	s.mu.Unlock()

	cancel()
	s.settleWG.Wait()

	s.mu.Lock()
	s.settleCtx, s.settleCancel = context.WithCancel(context.Background())
	s.mu.Unlock()
	s.log.Info("Submitter stopped")
}

// Resume re-enables submissions after a Stop.
func (s *BundleSubmitter) Resume() {
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
}

func (s *BundleSubmitter) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *BundleSubmitter) settleContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settleCtx
}

// SubmitOpportunity enqueues a bundle for an accepted opportunity. A
// second call for the same opportunity before the first bundle resolves
// returns ErrOpportunityInFlight.
func (s *BundleSubmitter) SubmitOpportunity(ctx context.Context, opp *Opportunity) error {
	key := opp.ID.Hex()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSubmitterStopped
	}
	if _, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		return ErrOpportunityInFlight
	}
	s.inflight[key] = struct{}{}
	s.mu.Unlock()

	targetBlock := s.blocks.CurrentBlock() + 1
	bundle := BuildBundle(opp, targetBlock)
	data, err := json.Marshal(bundle)
	if err != nil {
		s.clearInflight(key)
		return err
	}

	highPriority := opp.Kind == StrategyLiquidation
	err = s.queue.Push(ctx, data, highPriority, bundle.TargetBlock, bundle.TargetBlock+defaultTargetWindow)
	if err != nil {
		s.clearInflight(key)
		if errors.Is(err, subqueue.ErrStaleItem) {
			return ErrStaleBundle
		}
		return err
	}
	s.log.Info("Enqueued bundle",
		zap.String("bundle", bundle.ID.Hex()),
		zap.String("opportunity", key),
		zap.Uint64("target_block", bundle.TargetBlock),
		zap.Int("txs", len(bundle.Transactions)))
	return nil
}

func (s *BundleSubmitter) clearInflight(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

// Process is the subqueue worker. It submits the bundle once, claiming its
// id first so a retried or duplicated queue item cannot double-submit.
func (s *BundleSubmitter) Process(ctx context.Context, data []byte, info subqueue.QueueItemInfo) error {
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		s.log.Error("Failed to unmarshal queued bundle", zap.Error(err))
		return nil
	}
	bundle.Retries = info.Retries
	oppKey := bundle.OpportunityID.Hex()

	if s.isStopped() {
		// a declared stop drops queued bundles instead of submitting late
		s.log.Info("Dropping queued bundle after stop",
			zap.String("bundle", bundle.ID.Hex()), zap.String("opportunity", oppKey))
		s.failBundle(ctx, &bundle)
		return nil
	}

	acquired, err := s.lock.Acquire(ctx, bundle.ID.Hex())
	if err != nil {
		return subqueue.ErrProcessWorkerError
	}
	if !acquired {
		// another worker already carried this bundle
		return nil
	}

	err = s.auctioneer.SubmitBundle(ctx, &bundle)
	if err != nil {
		// the claim stands only for a delivered bundle
		if releaseErr := s.lock.Release(ctx, bundle.ID.Hex()); releaseErr != nil {
			s.log.Warn("Failed to release submission claim", zap.Error(releaseErr))
		}
		return s.handleSubmitError(ctx, &bundle, oppKey, err)
	}

	metrics.IncBundlesSubmitted()
	s.updateStatus(ctx, bundle.OpportunityID, StatusSubmitted)
	s.log.Info("Submitted bundle",
		zap.String("bundle", bundle.ID.Hex()),
		zap.String("opportunity", oppKey),
		zap.Uint64("target_block", bundle.TargetBlock),
		zap.Int("retries", bundle.Retries))

	// the queue cancels the worker context as soon as Process returns,
	// so the watcher runs on the submitter's own context instead
	s.settleWG.Add(1)
	go func() {
		defer s.settleWG.Done()
		s.awaitSettlement(s.settleContext(), &bundle)
	}()
	return nil
}

func (s *BundleSubmitter) handleSubmitError(ctx context.Context, bundle *Bundle, oppKey string, err error) error {
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		if rejection.Definitive() {
			s.log.Warn("Bundle definitively rejected",
				zap.String("bundle", bundle.ID.Hex()),
				zap.String("reason", rejection.Reason))
			s.failBundle(ctx, bundle)
			return nil
		}
		s.log.Debug("Bundle rejected, retrying next block",
			zap.String("bundle", bundle.ID.Hex()),
			zap.String("reason", rejection.Reason))
		return subqueue.ErrProcessScheduleNextBlock
	}
	s.log.Warn("Bundle submission transport error", zap.Error(err), zap.String("bundle", bundle.ID.Hex()))
	return subqueue.ErrProcessWorkerError
}

func (s *BundleSubmitter) failBundle(ctx context.Context, bundle *Bundle) {
	metrics.IncBundlesFailed()
	s.updateStatus(ctx, bundle.OpportunityID, StatusFailed)
	s.clearInflight(bundle.OpportunityID.Hex())
}

// awaitSettlement watches the chain head until the bundle's target block
// is reached, then settles the opportunity and books its realized profit.
func (s *BundleSubmitter) awaitSettlement(ctx context.Context, bundle *Bundle) {
	defer s.clearInflight(bundle.OpportunityID.Hex())

	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.blocks.CurrentBlock() >= bundle.TargetBlock {
				s.settle(ctx, bundle)
				return
			}
		}
	}
}

func (s *BundleSubmitter) settle(ctx context.Context, bundle *Bundle) {
	metrics.IncBundlesSettled()
	s.updateStatus(ctx, bundle.OpportunityID, StatusSettled)
	s.log.Info("Bundle settled",
		zap.String("bundle", bundle.ID.Hex()),
		zap.Uint64("target_block", bundle.TargetBlock))

	if s.distributor == nil || s.store == nil {
		return
	}
	opp, err := s.store.Opportunity(ctx, bundle.OpportunityID)
	if err != nil || opp == nil || opp.Result == nil || opp.Result.NetProfitMon <= 0 {
		return
	}
	if _, err := s.distributor.Record(ctx, s.policy, monToWei(opp.Result.NetProfitMon)); err != nil {
		s.log.Error("Failed to record settled profit", zap.Error(err), zap.String("opportunity", bundle.OpportunityID.Hex()))
	}
}

func (s *BundleSubmitter) updateStatus(ctx context.Context, oppID common.Hash, status OpportunityStatus) {
	if s.store == nil {
		return
	}
	if err := s.store.UpdateOpportunityStatus(ctx, oppID, status); err != nil {
		s.log.Error("Failed to update opportunity status", zap.Error(err),
			zap.String("opportunity", oppID.Hex()), zap.String("status", status.String()))
	}
}

// Wait blocks until all settlement watchers exit.
func (s *BundleSubmitter) Wait() {
	s.settleWG.Wait()
}
