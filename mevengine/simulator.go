package mevengine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Gas units charged per strategy shape, matching typical router and
// lending-protocol costs on Monad.
const (
	gasSwapV2      = 150_000
	gasArbTwoHop   = 300_000
	gasArbThreeHop = 450_000
	gasLiquidation = 350_000

	defaultGasPriceGwei = 50
	dexFeeFrac          = 0.003

	// quote model reference pool: each side holds this multiple of the
	// victim's trade.
	quoteDepthFactor = 5
	// pipeline fallback pool depth when on-chain reserves are unknown.
	fallbackDepthFactor = 100

	highImpactWarnPct = 15
	baseConfidence    = 0.95
)

// Simulator estimates strategy profitability. Quote methods use a
// closed-form reference pool; the detection pipeline walks exact
// constant-product legs against live or synthetic reserves.
type Simulator struct {
	log      *zap.Logger
	prices   PriceOracle
	reserves ReserveProvider
}

// NewSimulator builds a simulator. reserves may be nil, in which case the
// pipeline always uses a synthetic pool sized off the victim trade.
func NewSimulator(log *zap.Logger, prices PriceOracle, reserves ReserveProvider) *Simulator {
	return &Simulator{
		log:      log.Named("simulator"),
		prices:   prices,
		reserves: reserves,
	}
}

func (s *Simulator) gasCostMon(gasUnits uint64, gasPriceGwei float64) float64 {
	if gasPriceGwei <= 0 {
		gasPriceGwei = defaultGasPriceGwei
	}
	return float64(gasUnits) * gasPriceGwei * 1e-9
}

func (s *Simulator) finish(res *SimulationResult) *SimulationResult {
	res.NetProfitMon = res.GrossProfitMon - res.GasCostMon
	res.NetProfitUSD = res.NetProfitMon * s.prices.USD("MON")
	res.Confidence = clamp01(res.Confidence)
	if res.PriceImpactPct > highImpactWarnPct {
		res.Warnings = append(res.Warnings, "high price impact")
	}
	return res
}

// SandwichQuote is the closed-form reference estimate for sandwiching a
// victim trade of the given size: the frontrun takes a quarter of the
// victim's size against a pool holding quoteDepthFactor times the trade on
// each side, and captures the victim's first-order price impact.
func (s *Simulator) SandwichQuote(victimMon float64) (*SimulationResult, error) {
	if victimMon <= 0 {
		return nil, ErrInvalidAmount
	}
	depth := victimMon * quoteDepthFactor
	victimImpact := victimMon / (2 * depth)
	frontrun := victimMon * 0.25
	gross := frontrun * victimImpact

	res := &SimulationResult{
		GrossProfitMon: gross,
		GasCostMon:     s.gasCostMon(2*gasSwapV2, defaultGasPriceGwei),
		PriceImpactPct: victimImpact * 100,
		Confidence:     baseConfidence - victimImpact,
		ExecutionPath: []string{
			fmt.Sprintf("Frontrun: Buy %.2f MON", frontrun),
			fmt.Sprintf("Victim swap: %.2f MON", victimMon),
			fmt.Sprintf("Backrun: Sell %.2f MON", frontrun),
		},
	}
	return s.finish(res), nil
}

// ArbitrageQuote estimates a cyclic arbitrage of the given size across
// hops pools, where edgePct is the price dislocation captured on the first
// hop. Each hop pays the pool fee and its own impact, modeled as 0.1% per
// traded MON-thousandth.
func (s *Simulator) ArbitrageQuote(amountMon float64, hops int, edgePct float64) (*SimulationResult, error) {
	if amountMon <= 0 {
		return nil, ErrInvalidAmount
	}
	if hops < 2 || hops > 3 {
		return nil, fmt.Errorf("%w: arbitrage supports 2 or 3 hops", ErrInvalidAmount)
	}

	amount := amountMon * (1 + edgePct/100)
	path := make([]string, 0, hops+1)
	path = append(path, fmt.Sprintf("Start: %.2f MON", amountMon))
	for hop := 1; hop <= hops; hop++ {
		impactPct := amount * 0.001
		amount = amount * (1 - dexFeeFrac) * (1 - impactPct/100)
		path = append(path, fmt.Sprintf("Hop %d: %.2f MON", hop, amount))
	}

	gasUnits := uint64(gasArbTwoHop)
	if hops == 3 {
		gasUnits = gasArbThreeHop
	}
	res := &SimulationResult{
		GrossProfitMon: amount - amountMon,
		GasCostMon:     s.gasCostMon(gasUnits, defaultGasPriceGwei),
		PriceImpactPct: amountMon * 0.001 * float64(hops),
		Confidence:     baseConfidence - 0.1*float64(hops) - amountMon*0.0001,
		ExecutionPath:  path,
	}
	return s.finish(res), nil
}

// Simulate estimates an opportunity for the pipeline and never mutates it.
// The result may carry zero confidence, which callers treat as a rejection.
func (s *Simulator) Simulate(ctx context.Context, opp *Opportunity, cfg BotConfig) (*SimulationResult, error) {
	switch opp.Kind {
	case StrategySandwich:
		return s.simulateSandwich(ctx, opp, cfg)
	case StrategyArbitrage:
		return s.simulateArbitrage(opp, cfg)
	case StrategyBackrun:
		return s.simulateBackrun(opp)
	case StrategyLiquidation:
		return s.simulateLiquidation(opp)
	}
	return nil, ErrUnknownStrategy
}

func (s *Simulator) targetGasPriceGwei(opp *Opportunity, cfg BotConfig) float64 {
	gwei := float64(defaultGasPriceGwei)
	if opp.Target != nil && opp.Target.GasPrice != nil {
		g, _ := new(big.Float).Quo(
			new(big.Float).SetInt(opp.Target.GasPrice),
			new(big.Float).SetInt(weiPerGwei),
		).Float64()
		if g > 0 {
			gwei = g
		}
	}
	if cfg.MaxGasPriceGwei > 0 && gwei > cfg.MaxGasPriceGwei {
		gwei = cfg.MaxGasPriceGwei
	}
	return gwei
}

func (s *Simulator) poolFor(ctx context.Context, opp *Opportunity) (*PoolState, error) {
	if s.reserves != nil && opp.Pool != (common.Address{}) {
		return s.reserves.PoolState(ctx, opp.Pool)
	}
	depth := monToWei(opp.ValueMon * fallbackDepthFactor)
	return NewPoolState(depth, depth, defaultPoolFeeBps)
}

// simulateSandwich walks the three bundle legs against a constant-product
// pool: buy ahead of the victim, let their swap land, sell back after.
func (s *Simulator) simulateSandwich(ctx context.Context, opp *Opportunity, cfg BotConfig) (*SimulationResult, error) {
	pool, err := s.poolFor(ctx, opp)
	if err != nil {
		return nil, err
	}

	victimWei := monToWei(opp.ValueMon)
	frontWei := monToWei(opp.FrontrunMon)
	victimImpact := pool.PriceImpact(victimWei)

	tokensBought, err := pool.ApplySwap(frontWei)
	if err != nil {
		return nil, err
	}
	victimOut, err := pool.ApplySwap(victimWei)
	if err != nil {
		return nil, err
	}

	res := &SimulationResult{
		GasCostMon:     s.gasCostMon(2*gasSwapV2, s.targetGasPriceGwei(opp, cfg)),
		PriceImpactPct: victimImpact * 100,
		Confidence:     baseConfidence - victimImpact,
		ExecutionPath: []string{
			fmt.Sprintf("Frontrun: Buy %.2f MON", opp.FrontrunMon),
			fmt.Sprintf("Victim swap: %.2f MON", opp.ValueMon),
			fmt.Sprintf("Backrun: Sell %.2f MON", opp.FrontrunMon),
		},
	}

	// The sandwich only lands if the victim still clears their minimum
	// output after the frontrun moved the price.
	if opp.Target != nil && opp.Target.Swap != nil && opp.Target.Swap.MinAmountOut != nil &&
		opp.Target.Swap.MinAmountOut.Sign() > 0 && victimOut.Cmp(opp.Target.Swap.MinAmountOut) < 0 {
		res.Confidence = 0
		res.Warnings = append(res.Warnings, "victim minimum output not met after frontrun")
		return s.finish(res), nil
	}

	backWei, err := pool.Reverse().ApplySwap(tokensBought)
	if err != nil {
		return nil, err
	}
	res.GrossProfitMon = weiToMon(new(big.Int).Sub(backWei, frontWei))
	return s.finish(res), nil
}

func (s *Simulator) simulateArbitrage(opp *Opportunity, cfg BotConfig) (*SimulationResult, error) {
	amount := opp.ValueMon
	if amount > cfg.MaxPositionSizeMon {
		amount = cfg.MaxPositionSizeMon
	}
	edgePct := 0.0
	if opp.Target != nil && opp.Target.Swap != nil {
		edgePct = opp.Target.Swap.SlippagePct
	}
	res, err := s.ArbitrageQuote(amount, 2, edgePct)
	if err != nil {
		return nil, err
	}
	res.GasCostMon = s.gasCostMon(gasArbTwoHop, s.targetGasPriceGwei(opp, cfg))
	return s.finish(res), nil
}

// simulateBackrun models capturing the residual dislocation the target
// leaves behind, roughly a fifth of its tolerated slippage.
func (s *Simulator) simulateBackrun(opp *Opportunity) (*SimulationResult, error) {
	slippagePct := 0.0
	if opp.Target != nil && opp.Target.Swap != nil {
		slippagePct = opp.Target.Swap.SlippagePct
	}
	recoveryFrac := slippagePct / 100 * 0.2
	res := &SimulationResult{
		GrossProfitMon: opp.ValueMon * recoveryFrac,
		GasCostMon:     s.gasCostMon(gasSwapV2, defaultGasPriceGwei),
		PriceImpactPct: slippagePct * 0.2,
		Confidence:     baseConfidence - 0.15,
		ExecutionPath: []string{
			fmt.Sprintf("Backrun: rebalance after %.2f MON swap", opp.ValueMon),
		},
	}
	return s.finish(res), nil
}

// simulateLiquidation assumes the standard 5% liquidation bonus on the
// repaid value.
func (s *Simulator) simulateLiquidation(opp *Opportunity) (*SimulationResult, error) {
	res := &SimulationResult{
		GrossProfitMon: opp.ValueMon * 0.05,
		GasCostMon:     s.gasCostMon(gasLiquidation, defaultGasPriceGwei),
		PriceImpactPct: 0,
		Confidence:     baseConfidence - 0.05,
		ExecutionPath: []string{
			fmt.Sprintf("Liquidate: repay %.2f MON, seize collateral", opp.ValueMon),
		},
	}
	return s.finish(res), nil
}
