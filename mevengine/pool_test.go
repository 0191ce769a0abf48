package mevengine

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolStateAmountOut(t *testing.T) {
	pool, err := NewPoolState(big.NewInt(1000), big.NewInt(1000), 30)
	require.NoError(t, err)

	// 100*9970*1000 / (1000*10000 + 100*9970) = 997000000/10997000 = 90
	out, err := pool.AmountOut(big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, int64(90), out.Int64())

	// quoting must not touch the reserves
	require.Equal(t, int64(1000), pool.ReserveIn.Int64())
	require.Equal(t, int64(1000), pool.ReserveOut.Int64())
}

func TestPoolStateAmountOutZeroFee(t *testing.T) {
	pool, err := NewPoolState(big.NewInt(1000), big.NewInt(1000), 0)
	require.NoError(t, err)

	out, err := pool.AmountOut(big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, int64(90), out.Int64()) // 100*1000/1100 floored
}

func TestPoolStateApplySwap(t *testing.T) {
	pool, err := NewPoolState(big.NewInt(1000), big.NewInt(1000), 30)
	require.NoError(t, err)

	out, err := pool.ApplySwap(big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, int64(90), out.Int64())
	require.Equal(t, int64(1100), pool.ReserveIn.Int64())
	require.Equal(t, int64(910), pool.ReserveOut.Int64())

	// a second swap trades against the moved price
	out2, err := pool.ApplySwap(big.NewInt(100))
	require.NoError(t, err)
	require.Less(t, out2.Int64(), out.Int64())
}

func TestPoolStateReverse(t *testing.T) {
	pool, err := NewPoolState(big.NewInt(500), big.NewInt(2000), 30)
	require.NoError(t, err)

	rev := pool.Reverse()
	require.Equal(t, int64(2000), rev.ReserveIn.Int64())
	require.Equal(t, int64(500), rev.ReserveOut.Int64())
	require.Equal(t, int64(30), rev.FeeBps)

	// reversed state must not share storage
	rev.ReserveIn.SetInt64(1)
	require.Equal(t, int64(2000), pool.ReserveOut.Int64())
}

func TestPoolStatePriceImpact(t *testing.T) {
	pool, err := NewPoolState(big.NewInt(1000), big.NewInt(1000), 30)
	require.NoError(t, err)

	require.InDelta(t, 100.0/1100.0, pool.PriceImpact(big.NewInt(100)), 1e-12)
	require.Zero(t, pool.PriceImpact(nil))
	require.Zero(t, pool.PriceImpact(big.NewInt(0)))
}

func TestPoolStateErrors(t *testing.T) {
	_, err := NewPoolState(nil, big.NewInt(1), 30)
	require.ErrorIs(t, err, ErrEmptyPool)

	_, err = NewPoolState(big.NewInt(0), big.NewInt(1), 30)
	require.ErrorIs(t, err, ErrEmptyPool)

	_, err = NewPoolState(big.NewInt(1), big.NewInt(1), 10_000)
	require.ErrorIs(t, err, ErrInvalidFeeBps)

	_, err = NewPoolState(big.NewInt(1), big.NewInt(1), -1)
	require.ErrorIs(t, err, ErrInvalidFeeBps)

	pool, err := NewPoolState(big.NewInt(1000), big.NewInt(1000), 30)
	require.NoError(t, err)
	_, err = pool.AmountOut(big.NewInt(0))
	require.ErrorIs(t, err, ErrZeroAmountIn)
	_, err = pool.AmountOut(nil)
	require.ErrorIs(t, err, ErrZeroAmountIn)
}

func TestNewPoolStateCopiesReserves(t *testing.T) {
	in, out := big.NewInt(1000), big.NewInt(1000)
	pool, err := NewPoolState(in, out, 30)
	require.NoError(t, err)

	in.SetInt64(1)
	require.Equal(t, int64(1000), pool.ReserveIn.Int64())
}

func TestPoolStateEffectivePriceMonotonic(t *testing.T) {
	pool, err := NewPoolState(monToWei(1000), monToWei(1000), 30)
	require.NoError(t, err)

	// out/in never improves as the trade grows against fixed reserves:
	// prevOut*in >= out*prevIn, compared cross-multiplied to stay exact
	var prevIn, prevOut *big.Int
	for _, mon := range []float64{1, 5, 25, 125, 625} {
		in := monToWei(mon)
		out, err := pool.AmountOut(in)
		require.NoError(t, err)
		if prevIn != nil {
			lhs := new(big.Int).Mul(prevOut, in)
			rhs := new(big.Int).Mul(out, prevIn)
			require.GreaterOrEqual(t, lhs.Cmp(rhs), 0, "amount_in %.0f MON", mon)
		}
		prevIn, prevOut = in, out
	}
}
