package mevengine

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var lendingPool = common.HexToAddress("0x00000000000000000000000000000000000000fe")

func newTestDetector(cfg DetectorConfig) *Detector {
	return NewDetector(zap.NewNop(), cfg, DefaultPrices())
}

func swapTx(amountMon, slippagePct float64) *MempoolTransaction {
	return &MempoolTransaction{
		Hash: common.HexToHash("0x1234"),
		Swap: &SwapCall{
			AmountIn:    monToWei(amountMon),
			Kind:        SwapV2,
			SlippagePct: slippagePct,
		},
	}
}

func TestDetectSandwich(t *testing.T) {
	d := newTestDetector(DefaultDetectorConfig())
	cfg := DefaultBotConfig(StrategySandwich)

	opp := d.Detect(StrategySandwich, swapTx(100, 1.0), cfg)
	require.NotNil(t, opp)
	require.Equal(t, StrategySandwich, opp.Kind)
	require.Equal(t, StatusDetected, opp.Status)
	require.NotEqual(t, common.Hash{}, opp.ID)
	require.InDelta(t, 100, opp.ValueMon, 1e-9)
	// 1% slippage allows a frontrun of half that, 0.5% of the trade
	require.InDelta(t, 0.5, opp.FrontrunMon, 1e-9)
	require.False(t, opp.DetectedAt.IsZero())
}

func TestDetectSandwichValueBand(t *testing.T) {
	d := newTestDetector(DefaultDetectorConfig())
	cfg := DefaultBotConfig(StrategySandwich)

	// 10 MON = $15, below the $100 floor
	require.Nil(t, d.Detect(StrategySandwich, swapTx(10, 1.0), cfg))
	// 1M MON = $1.5M, above the $100k ceiling
	require.Nil(t, d.Detect(StrategySandwich, swapTx(1_000_000, 1.0), cfg))
	// just inside the floor: 67 MON = $100.50
	require.NotNil(t, d.Detect(StrategySandwich, swapTx(67, 1.0), cfg))
}

func TestDetectSandwichSlippageFloor(t *testing.T) {
	d := newTestDetector(DefaultDetectorConfig())
	cfg := DefaultBotConfig(StrategySandwich)

	require.Nil(t, d.Detect(StrategySandwich, swapTx(100, 0.1), cfg))
	require.NotNil(t, d.Detect(StrategySandwich, swapTx(100, 0.3), cfg))
}

func TestDetectSandwichFrontrunCaps(t *testing.T) {
	d := newTestDetector(DefaultDetectorConfig())
	cfg := DefaultBotConfig(StrategySandwich)

	// 40% slippage implies a 20% frontrun, capped at 10% of the trade
	opp := d.Detect(StrategySandwich, swapTx(10_000, 40), cfg)
	require.NotNil(t, opp)
	require.InDelta(t, 1000, opp.FrontrunMon, 1e-6)

	// the bot position cap binds before the fraction cap does
	opp = d.Detect(StrategySandwich, swapTx(50_000, 40), cfg)
	require.NotNil(t, opp)
	require.InDelta(t, cfg.MaxPositionSizeMon, opp.FrontrunMon, 1e-6)
}

func TestDetectGasPriceCap(t *testing.T) {
	d := newTestDetector(DefaultDetectorConfig())
	cfg := DefaultBotConfig(StrategySandwich)

	tx := swapTx(100, 1.0)
	tx.GasPrice = gweiToWei(200) // above the 100 gwei cap
	require.Nil(t, d.Detect(StrategySandwich, tx, cfg))

	tx.GasPrice = gweiToWei(90)
	require.NotNil(t, d.Detect(StrategySandwich, tx, cfg))
}

func TestDetectArbitrage(t *testing.T) {
	d := newTestDetector(DefaultDetectorConfig())
	cfg := DefaultBotConfig(StrategyArbitrage)

	// arbitrage needs a bigger dislocation than a sandwich does
	require.Nil(t, d.Detect(StrategyArbitrage, swapTx(100, 0.5), cfg))

	opp := d.Detect(StrategyArbitrage, swapTx(100, 1.5), cfg)
	require.NotNil(t, opp)
	require.Equal(t, StrategyArbitrage, opp.Kind)
	require.InDelta(t, 100, opp.ValueMon, 1e-9)
}

func TestDetectBackrun(t *testing.T) {
	d := newTestDetector(DefaultDetectorConfig())
	cfg := DefaultBotConfig(StrategyBackrun)

	opp := d.Detect(StrategyBackrun, swapTx(100, 0.1), cfg)
	require.NotNil(t, opp)
	require.Equal(t, StrategyBackrun, opp.Kind)

	// non-swap transactions never qualify
	require.Nil(t, d.Detect(StrategyBackrun, &MempoolTransaction{}, cfg))
}

func TestDetectLiquidation(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.LendingContracts = map[common.Address]struct{}{lendingPool: {}}
	d := newTestDetector(cfg)
	botCfg := DefaultBotConfig(StrategyLiquidation)

	tx := &MempoolTransaction{To: lendingPool, Value: monToWei(100)}
	opp := d.Detect(StrategyLiquidation, tx, botCfg)
	require.NotNil(t, opp)
	require.Equal(t, StrategyLiquidation, opp.Kind)
	require.InDelta(t, 100, opp.ValueMon, 1e-9)

	// calls to other contracts are not liquidations
	other := &MempoolTransaction{To: tokenA, Value: monToWei(100)}
	require.Nil(t, d.Detect(StrategyLiquidation, other, botCfg))

	// zero-value calls carry nothing to repay
	empty := &MempoolTransaction{To: lendingPool}
	require.Nil(t, d.Detect(StrategyLiquidation, empty, botCfg))
}

func TestDetectLiquidationNoContractsConfigured(t *testing.T) {
	d := newTestDetector(DefaultDetectorConfig())
	tx := &MempoolTransaction{To: lendingPool, Value: monToWei(100)}
	require.Nil(t, d.Detect(StrategyLiquidation, tx, DefaultBotConfig(StrategyLiquidation)))
}

func TestDetectNilTransaction(t *testing.T) {
	d := newTestDetector(DefaultDetectorConfig())
	require.Nil(t, d.Detect(StrategySandwich, nil, DefaultBotConfig(StrategySandwich)))
}

func TestClassifyPriorityOrder(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.LendingContracts = map[common.Address]struct{}{lendingPool: {}}
	d := newTestDetector(cfg)

	// a value-carrying swap to a lending contract with wide slippage
	// qualifies for everything
	tx := swapTx(100, 1.5)
	tx.To = lendingPool
	tx.Value = monToWei(100)

	matched := d.Classify(tx, nil)
	require.Equal(t, []StrategyKind{StrategyLiquidation, StrategySandwich, StrategyArbitrage, StrategyBackrun}, matched)

	// plain swap: no liquidation
	matched = d.Classify(swapTx(100, 1.5), nil)
	require.Equal(t, []StrategyKind{StrategySandwich, StrategyArbitrage, StrategyBackrun}, matched)
}
