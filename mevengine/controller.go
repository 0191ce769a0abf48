package mevengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brick3/mev-engine/metrics"
)

// An opportunity below this simulation confidence is rejected regardless
// of projected profit.
const minAcceptConfidence = 0.7

// BotStatus is a point-in-time snapshot of one strategy bot.
type BotStatus struct {
	Kind      StrategyKind `json:"kind"`
	Running   bool         `json:"running"`
	Config    BotConfig    `json:"config"`
	StartedAt *time.Time   `json:"startedAt,omitempty"`
	Detected  uint64       `json:"detected"`
	Accepted  uint64       `json:"accepted"`
	Rejected  uint64       `json:"rejected"`
	ProfitMon float64      `json:"profitMon"`
	LastError string       `json:"lastError,omitempty"`
}

type botState struct {
	running   bool
	cfg       BotConfig
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	detected  uint64
	accepted  uint64
	rejected  uint64
	profitMon float64
	lastError string
}

// BotController owns the lifecycle of the four strategy bots. All state
// lives on the controller instance; two controllers never share bots.
type BotController struct {
	log       *zap.Logger
	monitor   *Monitor
	detector  *Detector
	simulator *Simulator
	store     OpportunityStore
	events    EventBackend
	submitter *BundleSubmitter

	mu   sync.Mutex
	bots map[StrategyKind]*botState
}

func NewBotController(
	log *zap.Logger,
	monitor *Monitor,
	detector *Detector,
	simulator *Simulator,
	store OpportunityStore,
	events EventBackend,
	submitter *BundleSubmitter,
) *BotController {
	bots := make(map[StrategyKind]*botState, len(allStrategies))
	for _, kind := range allStrategies {
		bots[kind] = &botState{cfg: DefaultBotConfig(kind)}
	}
	return &BotController{
		log:       log.Named("controller"),
		monitor:   monitor,
		detector:  detector,
		simulator: simulator,
		store:     store,
		events:    events,
		submitter: submitter,
		bots:      bots,
	}
}

// StartBot launches the detection loop for a strategy. Starting a running
// bot fails with ErrBotAlreadyRunning.
func (c *BotController) StartBot(ctx context.Context, kind StrategyKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	bot, ok := c.bots[kind]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownStrategy, kind)
	}
	if bot.running {
		return fmt.Errorf("%w: %s", ErrBotAlreadyRunning, kind)
	}
	if err := bot.cfg.Validate(); err != nil {
		return err
	}

	botCtx, cancel := context.WithCancel(ctx)
	sub, unsubscribe := c.monitor.Subscribe()
	done := make(chan struct{})

	bot.running = true
	bot.cancel = cancel
	bot.done = done
	bot.startedAt = time.Now().UTC()
	bot.lastError = ""

	go func() {
		defer close(done)
		defer unsubscribe()
		c.runBot(botCtx, kind, sub)
	}()
	if c.submitter != nil {
		c.submitter.Resume()
	}
	c.log.Info("Started bot", zap.String("strategy", kind.String()))
	return nil
}

// StopBot stops a strategy bot and waits for its loop to drain. Stopping a
// stopped bot is a no-op.
func (c *BotController) StopBot(kind StrategyKind) error {
	c.mu.Lock()
	bot, ok := c.bots[kind]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownStrategy, kind)
	}
	if !bot.running {
		c.mu.Unlock()
		return nil
	}
	cancel, done := bot.cancel, bot.done
	bot.running = false
	bot.cancel = nil
	bot.done = nil
	c.mu.Unlock()

	cancel()
	<-done
	c.log.Info("Stopped bot", zap.String("strategy", kind.String()))
	return nil
}

// StopAllBots stops every running bot and cancels in-flight bundle
// submission work. The sweep flips every bot to stopped under one lock,
// so a concurrent StartBot either completes before it or starts after
// every strategy is already stopped.
func (c *BotController) StopAllBots() {
	type stopping struct {
		kind   StrategyKind
		cancel context.CancelFunc
		done   chan struct{}
	}
	var sweep []stopping
	c.mu.Lock()
	for _, kind := range allStrategies {
		bot := c.bots[kind]
		if !bot.running {
			continue
		}
		sweep = append(sweep, stopping{kind, bot.cancel, bot.done})
		bot.running = false
		bot.cancel = nil
		bot.done = nil
	}
	c.mu.Unlock()

	for _, s := range sweep {
		s.cancel()
		<-s.done
		c.log.Info("Stopped bot", zap.String("strategy", s.kind.String()))
	}
	if c.submitter != nil {
		c.submitter.Stop()
	}
}

// ConfigureBot swaps the config for a strategy. A running bot picks the
// new config up on its next detection cycle; in-flight cycles finish with
// the snapshot they took.
func (c *BotController) ConfigureBot(kind StrategyKind, cfg BotConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	bot, ok := c.bots[kind]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownStrategy, kind)
	}
	bot.cfg = cfg
	c.log.Info("Configured bot", zap.String("strategy", kind.String()),
		zap.Float64("min_profit_usd", cfg.MinProfitUSD),
		zap.Bool("enabled", cfg.Enabled))
	return nil
}

// Status reports a snapshot of one bot.
func (c *BotController) Status(kind StrategyKind) (BotStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bot, ok := c.bots[kind]
	if !ok {
		return BotStatus{}, fmt.Errorf("%w: %d", ErrUnknownStrategy, kind)
	}
	return c.snapshotLocked(kind, bot), nil
}

// StatusAll reports snapshots for every strategy, in priority order.
func (c *BotController) StatusAll() []BotStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]BotStatus, 0, len(allStrategies))
	for _, kind := range allStrategies {
		out = append(out, c.snapshotLocked(kind, c.bots[kind]))
	}
	return out
}

func (c *BotController) snapshotLocked(kind StrategyKind, bot *botState) BotStatus {
	status := BotStatus{
		Kind:      kind,
		Running:   bot.running,
		Config:    bot.cfg,
		Detected:  bot.detected,
		Accepted:  bot.accepted,
		Rejected:  bot.rejected,
		ProfitMon: bot.profitMon,
		LastError: bot.lastError,
	}
	if bot.running {
		startedAt := bot.startedAt
		status.StartedAt = &startedAt
	}
	return status
}

func (c *BotController) config(kind StrategyKind) BotConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bots[kind].cfg
}

func (c *BotController) runningConfig(kind StrategyKind) (BotConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bot := c.bots[kind]
	return bot.cfg, bot.running
}

// outranked reports whether a higher-priority running strategy also
// qualifies for tx. That strategy's bot owns the transaction this pass:
// one opportunity per target transaction, broken by the fixed priority
// order liquidation > sandwich > arbitrage > backrun.
func (c *BotController) outranked(kind StrategyKind, tx *MempoolTransaction) bool {
	for _, higher := range allStrategies {
		if higher == kind {
			return false
		}
		cfg, running := c.runningConfig(higher)
		if !running || !cfg.Enabled {
			continue
		}
		if c.detector.Matches(higher, tx, cfg) {
			return true
		}
	}
	return false
}

func (c *BotController) runBot(ctx context.Context, kind StrategyKind, sub <-chan *MempoolTransaction) {
	log := c.log.With(zap.String("strategy", kind.String()))
	for {
		select {
		case <-ctx.Done():
			return
		case tx, ok := <-sub:
			if !ok {
				return
			}
			cfg := c.config(kind)
			if !cfg.Enabled {
				continue
			}
			c.runCycle(ctx, log, kind, tx, cfg)
		}
	}
}

// runCycle processes one pending transaction for one bot. A panic inside
// the cycle fails that cycle only, never the bot loop.
func (c *BotController) runCycle(ctx context.Context, log *zap.Logger, kind StrategyKind, tx *MempoolTransaction, cfg BotConfig) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Detection cycle panicked", zap.Any("panic", r), zap.String("tx", tx.Hash.Hex()))
			c.recordError(kind, fmt.Sprintf("cycle panic: %v", r))
		}
	}()

	if c.outranked(kind, tx) {
		return
	}
	opp := c.detector.Detect(kind, tx, cfg)
	if opp == nil {
		return
	}
	opp.BlockSeen = c.monitor.CurrentBlock()
	c.bumpDetected(kind)

	result, err := c.simulator.Simulate(ctx, opp, cfg)
	if err != nil {
		log.Warn("Simulation failed", zap.Error(err), zap.String("opportunity", opp.ID.Hex()))
		c.recordError(kind, err.Error())
		return
	}
	opp.Result = result
	if err := opp.SetStatus(StatusSimulated); err != nil {
		log.Error("Bad status transition", zap.Error(err))
		return
	}

	accepted := result.NetProfitUSD >= cfg.MinProfitUSD && result.Confidence >= minAcceptConfidence
	if accepted {
		if err := opp.SetStatus(StatusAccepted); err != nil {
			log.Error("Bad status transition", zap.Error(err))
			return
		}
	} else {
		if err := opp.SetStatus(StatusRejected); err != nil {
			log.Error("Bad status transition", zap.Error(err))
			return
		}
	}

	if err := c.store.InsertOpportunity(ctx, opp); err != nil {
		log.Error("Failed to persist opportunity", zap.Error(err), zap.String("opportunity", opp.ID.Hex()))
	}

	if !accepted {
		c.bumpRejected(kind)
		log.Debug("Rejected opportunity",
			zap.String("opportunity", opp.ID.Hex()),
			zap.Float64("net_profit_usd", result.NetProfitUSD),
			zap.Float64("confidence", result.Confidence))
		return
	}

	c.bumpAccepted(kind, result.NetProfitMon)
	metrics.IncOpportunitiesAccepted()
	log.Info("Accepted opportunity",
		zap.String("opportunity", opp.ID.Hex()),
		zap.Float64("net_profit_usd", result.NetProfitUSD),
		zap.Float64("confidence", result.Confidence))

	// exactly one accepted event per accepted opportunity
	if err := c.events.NotifyAccepted(ctx, opp); err != nil {
		log.Warn("Failed to publish accepted event", zap.Error(err))
	}

	if c.submitter != nil {
		if err := c.submitter.SubmitOpportunity(ctx, opp); err != nil {
			log.Warn("Failed to enqueue bundle", zap.Error(err), zap.String("opportunity", opp.ID.Hex()))
			c.recordError(kind, err.Error())
		}
	}
}

func (c *BotController) bumpDetected(kind StrategyKind) {
	c.mu.Lock()
	c.bots[kind].detected++
	c.mu.Unlock()
}

func (c *BotController) bumpAccepted(kind StrategyKind, profitMon float64) {
	c.mu.Lock()
	c.bots[kind].accepted++
	c.bots[kind].profitMon += profitMon
	c.mu.Unlock()
}

func (c *BotController) bumpRejected(kind StrategyKind) {
	c.mu.Lock()
	c.bots[kind].rejected++
	c.mu.Unlock()
}

func (c *BotController) recordError(kind StrategyKind, msg string) {
	c.mu.Lock()
	c.bots[kind].lastError = msg
	c.mu.Unlock()
}
