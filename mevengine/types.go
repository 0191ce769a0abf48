// Package mevengine implements the Monad MEV opportunity engine: mempool
// monitoring, opportunity detection, profit simulation, bundle submission
// and revenue distribution.
package mevengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrUnknownStrategy     = errors.New("unknown strategy kind")
	ErrBotAlreadyRunning   = errors.New("bot already running")
	ErrInvalidBotConfig    = errors.New("invalid bot config")
	ErrInvalidPolicy       = errors.New("invalid distribution policy")
	ErrUnknownPolicy       = errors.New("unknown distribution policy")
	ErrInvalidStatusChange = errors.New("invalid opportunity status transition")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrNodeUnavailable     = errors.New("node backend unavailable")
	ErrStaleBundle         = errors.New("bundle target block already passed")
	ErrOpportunityInFlight = errors.New("opportunity already submitted")
	ErrSubmitterStopped    = errors.New("bundle submitter stopped")
	ErrOpportunityNotFound = errors.New("opportunity not found")
)

// StrategyKind is a closed enumeration of the bot strategies the engine
// runs. The declaration order is the priority order used when several
// strategies match the same transaction, highest first.
type StrategyKind uint8

const (
	StrategyLiquidation StrategyKind = iota
	StrategySandwich
	StrategyArbitrage
	StrategyBackrun
)

var allStrategies = []StrategyKind{StrategyLiquidation, StrategySandwich, StrategyArbitrage, StrategyBackrun}

// Strategies returns every strategy kind in priority order.
func Strategies() []StrategyKind {
	out := make([]StrategyKind, len(allStrategies))
	copy(out, allStrategies)
	return out
}

func (k StrategyKind) String() string {
	switch k {
	case StrategyLiquidation:
		return "liquidation"
	case StrategySandwich:
		return "sandwich"
	case StrategyArbitrage:
		return "arbitrage"
	case StrategyBackrun:
		return "backrun"
	}
	return "unknown"
}

func ParseStrategyKind(s string) (StrategyKind, error) {
	for _, k := range allStrategies {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

func (k StrategyKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *StrategyKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseStrategyKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// OpportunityStatus tracks an opportunity through its lifecycle. Transitions
// are monotonic: Detected -> Simulated -> Accepted|Rejected -> Submitted ->
// Settled|Failed. Rejected, Settled and Failed are terminal; Failed may be
// entered from any non-terminal state.
type OpportunityStatus uint8

const (
	StatusDetected OpportunityStatus = iota
	StatusSimulated
	StatusAccepted
	StatusRejected
	StatusSubmitted
	StatusSettled
	StatusFailed
)

func (s OpportunityStatus) String() string {
	switch s {
	case StatusDetected:
		return "detected"
	case StatusSimulated:
		return "simulated"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusSubmitted:
		return "submitted"
	case StatusSettled:
		return "settled"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

func ParseOpportunityStatus(raw string) (OpportunityStatus, error) {
	for s := StatusDetected; s <= StatusFailed; s++ {
		if s.String() == raw {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown opportunity status %q", raw)
}

func (s OpportunityStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *OpportunityStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseOpportunityStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether no further transition is allowed out of s.
func (s OpportunityStatus) Terminal() bool {
	return s == StatusRejected || s == StatusSettled || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step.
func (s OpportunityStatus) CanTransition(next OpportunityStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	switch s {
	case StatusDetected:
		return next == StatusSimulated
	case StatusSimulated:
		return next == StatusAccepted || next == StatusRejected
	case StatusAccepted:
		return next == StatusSubmitted
	case StatusSubmitted:
		return next == StatusSettled
	}
	return false
}

// SwapKind classifies the decoded router call of a pending transaction.
type SwapKind uint8

const (
	SwapV2 SwapKind = iota + 1
	SwapV3
)

func (k SwapKind) String() string {
	switch k {
	case SwapV2:
		return "v2"
	case SwapV3:
		return "v3"
	}
	return "unknown"
}

// SwapCall is the decoded payload of a DEX router swap. Amounts are in wei
// of the input token.
type SwapCall struct {
	Method       string         `json:"method"`
	Kind         SwapKind       `json:"kind"`
	AmountIn     *big.Int       `json:"amountIn"`
	MinAmountOut *big.Int       `json:"minAmountOut"`
	TokenIn      common.Address `json:"tokenIn"`
	TokenOut     common.Address `json:"tokenOut"`
	// SlippagePct is the victim's tolerated slippage implied by the
	// minimum-out, in percent of the input amount.
	SlippagePct float64 `json:"slippagePct"`
}

// MempoolTransaction is a pending transaction observed by the monitor,
// with the router call decoded when it matched a known swap selector.
type MempoolTransaction struct {
	Hash      common.Hash    `json:"hash"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Value     *big.Int       `json:"value"`
	GasPrice  *big.Int       `json:"gasPrice"`
	Input     hexutil.Bytes  `json:"input"`
	FirstSeen time.Time      `json:"firstSeen"`
	Swap      *SwapCall      `json:"swap,omitempty"`
}

// ValueMon returns the native value of the transaction in whole MON.
func (tx *MempoolTransaction) ValueMon() float64 {
	if tx.Value == nil {
		return 0
	}
	return weiToMon(tx.Value)
}

// SimulationResult is the profitability estimate for an opportunity.
// Monetary fields are denominated in MON except NetProfitUSD.
type SimulationResult struct {
	GrossProfitMon float64  `json:"grossProfitMon"`
	GasCostMon     float64  `json:"gasCostMon"`
	NetProfitMon   float64  `json:"netProfitMon"`
	NetProfitUSD   float64  `json:"netProfitUsd"`
	PriceImpactPct float64  `json:"priceImpactPct"`
	Confidence     float64  `json:"confidence"`
	ExecutionPath  []string `json:"executionPath"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Opportunity is a candidate MEV extraction detected against a single
// pending transaction.
type Opportunity struct {
	ID          common.Hash         `json:"id"`
	Kind        StrategyKind        `json:"kind"`
	Status      OpportunityStatus   `json:"status"`
	Target      *MempoolTransaction `json:"target"`
	Pool        common.Address      `json:"pool"`
	ValueMon    float64             `json:"valueMon"`
	FrontrunMon float64             `json:"frontrunMon,omitempty"`
	DetectedAt  time.Time           `json:"detectedAt"`
	BlockSeen   uint64              `json:"blockSeen"`
	Result      *SimulationResult   `json:"result,omitempty"`
}

// SetStatus applies a lifecycle transition, rejecting illegal ones.
func (o *Opportunity) SetStatus(next OpportunityStatus) error {
	if !o.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusChange, o.Status, next)
	}
	o.Status = next
	return nil
}

// BundleTxKind orders the legs of a bundle.
type BundleTxKind uint8

const (
	BundleTxFrontrun BundleTxKind = iota + 1
	BundleTxTarget
	BundleTxBackrun
)

func (k BundleTxKind) String() string {
	switch k {
	case BundleTxFrontrun:
		return "frontrun"
	case BundleTxTarget:
		return "target"
	case BundleTxBackrun:
		return "backrun"
	}
	return "unknown"
}

// BundleTx is a single leg of a submission bundle. The target leg carries
// the victim's original raw transaction; frontrun and backrun legs carry
// the engine's own calls.
type BundleTx struct {
	Kind     BundleTxKind   `json:"kind"`
	Hash     common.Hash    `json:"hash"`
	To       common.Address `json:"to"`
	ValueWei *big.Int       `json:"valueWei"`
	GasLimit uint64         `json:"gasLimit"`
	Data     hexutil.Bytes  `json:"data"`
}

// BundleStatus is the auctioneer-side state of a submitted bundle.
type BundleStatus uint8

const (
	BundlePending BundleStatus = iota
	BundleAccepted
	BundleRejected
)

func (s BundleStatus) String() string {
	switch s {
	case BundlePending:
		return "pending"
	case BundleAccepted:
		return "accepted"
	case BundleRejected:
		return "rejected"
	}
	return "unknown"
}

// Bundle is an ordered group of transactions targeting a single block.
// Transaction order is fixed at build time and never reordered afterwards.
type Bundle struct {
	ID            common.Hash  `json:"id"`
	OpportunityID common.Hash  `json:"opportunityId"`
	Transactions  []BundleTx   `json:"transactions"`
	TargetBlock   uint64       `json:"targetBlock"`
	Status        BundleStatus `json:"status"`
	Retries       int          `json:"retries"`
}

// BotConfig is the per-strategy runtime configuration. Changes apply to the
// next detection cycle; in-flight cycles keep the snapshot they started with.
type BotConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	MinProfitUSD       float64 `json:"minProfitUsd" yaml:"minProfitUsd"`
	MaxGasPriceGwei    float64 `json:"maxGasPriceGwei" yaml:"maxGasPriceGwei"`
	SlippageTolerance  float64 `json:"slippageTolerance" yaml:"slippageTolerance"`
	MaxPositionSizeMon float64 `json:"maxPositionSizeMon" yaml:"maxPositionSizeMon"`
}

func (c BotConfig) Validate() error {
	if c.MinProfitUSD < 0 {
		return fmt.Errorf("%w: minProfitUsd must be >= 0", ErrInvalidBotConfig)
	}
	if c.MaxGasPriceGwei <= 0 {
		return fmt.Errorf("%w: maxGasPriceGwei must be > 0", ErrInvalidBotConfig)
	}
	if c.SlippageTolerance < 0 || c.SlippageTolerance > 100 {
		return fmt.Errorf("%w: slippageTolerance must be in [0,100]", ErrInvalidBotConfig)
	}
	if c.MaxPositionSizeMon <= 0 {
		return fmt.Errorf("%w: maxPositionSizeMon must be > 0", ErrInvalidBotConfig)
	}
	return nil
}

// DefaultBotConfig returns the stock configuration for a strategy.
func DefaultBotConfig(kind StrategyKind) BotConfig {
	cfg := BotConfig{
		Enabled:            true,
		MaxGasPriceGwei:    100,
		SlippageTolerance:  0.5,
		MaxPositionSizeMon: 1000,
	}
	switch kind {
	case StrategyLiquidation:
		cfg.MinProfitUSD = 100
	case StrategySandwich:
		cfg.MinProfitUSD = 50
	case StrategyArbitrage:
		cfg.MinProfitUSD = 20
	case StrategyBackrun:
		cfg.MinProfitUSD = 10
	}
	return cfg
}

// ShareAmount is one recipient's cut of a distribution, computed to wei
// precision.
type ShareAmount struct {
	Recipient string   `json:"recipient"`
	Percent   int      `json:"percent"`
	AmountWei *big.Int `json:"amountWei"`
	AmountUSD float64  `json:"amountUsd"`
}

// DistributionRecord is one revenue distribution event. The share amounts
// always sum exactly to TotalWei.
type DistributionRecord struct {
	ID        common.Hash   `json:"id"`
	Policy    string        `json:"policy"`
	TotalWei  *big.Int      `json:"totalWei"`
	TotalUSD  float64       `json:"totalUsd"`
	Shares    []ShareAmount `json:"shares"`
	CreatedAt time.Time     `json:"createdAt"`
}
