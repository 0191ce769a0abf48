package mevengine

// PriceOracle quotes token prices in USD. Unknown symbols quote zero so a
// missing price fails conservative checks instead of passing them.
type PriceOracle interface {
	USD(symbol string) float64
}

// StaticPrices is a fixed price table.
type StaticPrices map[string]float64

// DefaultPrices are the reference prices the engine assumes on Monad
// testnet, where no live feed exists.
func DefaultPrices() StaticPrices {
	return StaticPrices{
		"MON":  1.5,
		"USDC": 1.0,
		"USDT": 1.0,
	}
}

func (p StaticPrices) USD(symbol string) float64 {
	return p[symbol]
}
