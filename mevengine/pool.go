package mevengine

import (
	"errors"
	"math/big"
)

var (
	ErrEmptyPool     = errors.New("pool has no liquidity")
	ErrZeroAmountIn  = errors.New("swap amount must be positive")
	ErrInvalidFeeBps = errors.New("fee bps out of range")
)

const bpsDenominator = 10_000

// PoolState is a constant-product AMM pool snapshot. Amount math follows
// the x*y=k formula with the fee taken from the input side:
//
//	out = in*(10000-fee)*Rout / (Rin*10000 + in*(10000-fee))
//
// All amounts are wei-denominated big integers; the state is mutated only
// through ApplySwap.
type PoolState struct {
	ReserveIn  *big.Int
	ReserveOut *big.Int
	FeeBps     int64
}

// NewPoolState copies the reserves so callers can keep mutating their own
// big.Ints.
func NewPoolState(reserveIn, reserveOut *big.Int, feeBps int64) (*PoolState, error) {
	if feeBps < 0 || feeBps >= bpsDenominator {
		return nil, ErrInvalidFeeBps
	}
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrEmptyPool
	}
	return &PoolState{
		ReserveIn:  new(big.Int).Set(reserveIn),
		ReserveOut: new(big.Int).Set(reserveOut),
		FeeBps:     feeBps,
	}, nil
}

// AmountOut quotes a swap against the current reserves without mutating
// them.
func (p *PoolState) AmountOut(amountIn *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrZeroAmountIn
	}
	if p.ReserveIn.Sign() <= 0 || p.ReserveOut.Sign() <= 0 {
		return nil, ErrEmptyPool
	}
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(bpsDenominator-p.FeeBps))
	numerator := new(big.Int).Mul(inWithFee, p.ReserveOut)
	denominator := new(big.Int).Mul(p.ReserveIn, big.NewInt(bpsDenominator))
	denominator.Add(denominator, inWithFee)
	return numerator.Div(numerator, denominator), nil
}

// ApplySwap executes a swap, updating the reserves, and returns the amount
// out.
func (p *PoolState) ApplySwap(amountIn *big.Int) (*big.Int, error) {
	out, err := p.AmountOut(amountIn)
	if err != nil {
		return nil, err
	}
	p.ReserveIn.Add(p.ReserveIn, amountIn)
	p.ReserveOut.Sub(p.ReserveOut, out)
	return out, nil
}

// Reverse returns the pool viewed from the opposite trading direction.
// The returned state shares no storage with p.
func (p *PoolState) Reverse() *PoolState {
	return &PoolState{
		ReserveIn:  new(big.Int).Set(p.ReserveOut),
		ReserveOut: new(big.Int).Set(p.ReserveIn),
		FeeBps:     p.FeeBps,
	}
}

// PriceImpact returns the fraction by which a trade of amountIn moves the
// marginal price, approximated as in/(in+Rin).
func (p *PoolState) PriceImpact(amountIn *big.Int) float64 {
	if amountIn == nil || amountIn.Sign() <= 0 || p.ReserveIn.Sign() <= 0 {
		return 0
	}
	in := new(big.Float).SetInt(amountIn)
	denom := new(big.Float).SetInt(new(big.Int).Add(p.ReserveIn, amountIn))
	impact, _ := new(big.Float).Quo(in, denom).Float64()
	return impact
}
