package mevengine

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/brick3/mev-engine/metrics"
)

// DetectorConfig bounds which pending transactions are worth acting on.
// The value band keeps the engine away from dust and from whales that
// would move the pool more than the simulation model tolerates.
type DetectorConfig struct {
	MinVictimValueUSD float64
	MaxVictimValueUSD float64
	MinSlippagePct    float64
	MaxFrontrunFrac   float64
	ArbMinSlippagePct float64
	LendingContracts  map[common.Address]struct{}
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		MinVictimValueUSD: 100,
		MaxVictimValueUSD: 100_000,
		MinSlippagePct:    0.3,
		MaxFrontrunFrac:   0.10,
		ArbMinSlippagePct: 1.0,
		LendingContracts:  map[common.Address]struct{}{},
	}
}

// Detector turns filtered pending transactions into opportunities. It is
// stateless apart from its config and safe for concurrent use.
type Detector struct {
	log    *zap.Logger
	cfg    DetectorConfig
	prices PriceOracle
}

func NewDetector(log *zap.Logger, cfg DetectorConfig, prices PriceOracle) *Detector {
	return &Detector{
		log:    log.Named("detector"),
		cfg:    cfg,
		prices: prices,
	}
}

// Detect evaluates tx for a single strategy and returns nil when it does
// not qualify. The bot config caps gas price and position size.
func (d *Detector) Detect(kind StrategyKind, tx *MempoolTransaction, cfg BotConfig) *Opportunity {
	opp := d.qualify(kind, tx, cfg)
	if opp == nil {
		return nil
	}
	opp.Kind = kind
	opp.Status = StatusDetected
	opp.Target = tx
	opp.DetectedAt = time.Now().UTC()
	opp.ID = opportunityID(kind, tx.Hash, opp.DetectedAt)
	metrics.IncOpportunitiesDetected()
	return opp
}

// Matches reports whether tx qualifies for the strategy without
// emitting an opportunity.
func (d *Detector) Matches(kind StrategyKind, tx *MempoolTransaction, cfg BotConfig) bool {
	return d.qualify(kind, tx, cfg) != nil
}

func (d *Detector) qualify(kind StrategyKind, tx *MempoolTransaction, cfg BotConfig) *Opportunity {
	if tx == nil {
		return nil
	}
	if cfg.MaxGasPriceGwei > 0 && tx.GasPrice != nil {
		if tx.GasPrice.Cmp(gweiToWei(cfg.MaxGasPriceGwei)) > 0 {
			return nil
		}
	}

	switch kind {
	case StrategySandwich:
		return d.detectSandwich(tx, cfg)
	case StrategyArbitrage:
		return d.detectArbitrage(tx)
	case StrategyBackrun:
		return d.detectBackrun(tx)
	case StrategyLiquidation:
		return d.detectLiquidation(tx)
	}
	return nil
}

// Classify returns the strategies tx qualifies for, in priority order.
func (d *Detector) Classify(tx *MempoolTransaction, cfgs map[StrategyKind]BotConfig) []StrategyKind {
	matched := make([]StrategyKind, 0, len(allStrategies))
	for _, kind := range allStrategies {
		cfg, ok := cfgs[kind]
		if !ok {
			cfg = DefaultBotConfig(kind)
		}
		if d.Matches(kind, tx, cfg) {
			matched = append(matched, kind)
		}
	}
	return matched
}

func (d *Detector) swapValueMon(tx *MempoolTransaction) float64 {
	if tx.Swap == nil || tx.Swap.AmountIn == nil {
		return 0
	}
	return weiToMon(tx.Swap.AmountIn)
}

func (d *Detector) withinValueBand(valueMon float64) bool {
	usd := valueMon * d.prices.USD("MON")
	return usd >= d.cfg.MinVictimValueUSD && usd <= d.cfg.MaxVictimValueUSD
}

func (d *Detector) detectSandwich(tx *MempoolTransaction, cfg BotConfig) *Opportunity {
	swap := tx.Swap
	if swap == nil {
		return nil
	}
	valueMon := d.swapValueMon(tx)
	if !d.withinValueBand(valueMon) {
		return nil
	}
	if swap.SlippagePct < d.cfg.MinSlippagePct {
		return nil
	}

	// Frontrun size scales with the victim's slippage allowance but never
	// exceeds the configured fraction of their trade or the bot's position
	// cap.
	frontrunFrac := swap.SlippagePct / 100 * 0.5
	if frontrunFrac > d.cfg.MaxFrontrunFrac {
		frontrunFrac = d.cfg.MaxFrontrunFrac
	}
	frontrunMon := valueMon * frontrunFrac
	if frontrunMon > cfg.MaxPositionSizeMon {
		frontrunMon = cfg.MaxPositionSizeMon
	}
	if frontrunMon <= 0 {
		return nil
	}
	return &Opportunity{
		ValueMon:    valueMon,
		FrontrunMon: frontrunMon,
	}
}

func (d *Detector) detectArbitrage(tx *MempoolTransaction) *Opportunity {
	swap := tx.Swap
	if swap == nil {
		return nil
	}
	valueMon := d.swapValueMon(tx)
	if !d.withinValueBand(valueMon) {
		return nil
	}
	// Large tolerated slippage means a dislocation another pool can be
	// traded against.
	if swap.SlippagePct < d.cfg.ArbMinSlippagePct {
		return nil
	}
	return &Opportunity{ValueMon: valueMon}
}

func (d *Detector) detectBackrun(tx *MempoolTransaction) *Opportunity {
	swap := tx.Swap
	if swap == nil {
		return nil
	}
	valueMon := d.swapValueMon(tx)
	if !d.withinValueBand(valueMon) {
		return nil
	}
	return &Opportunity{ValueMon: valueMon}
}

func (d *Detector) detectLiquidation(tx *MempoolTransaction) *Opportunity {
	if len(d.cfg.LendingContracts) == 0 {
		return nil
	}
	if _, ok := d.cfg.LendingContracts[tx.To]; !ok {
		return nil
	}
	valueMon := tx.ValueMon()
	if valueMon <= 0 {
		return nil
	}
	return &Opportunity{ValueMon: valueMon}
}
