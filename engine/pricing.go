package engine

import (
	"math"

	"github.com/shopspring/decimal"
)

// quantityPrecision is the number of decimals kept on executed quantities.
// Results are truncated, never rounded up, so a round trip can only lose.
const quantityPrecision = 8

// curve is the proportional-impact pricing model. A trade of q tokens moves
// the price by price*q/supply, which integrates to price = slope * supply.
// Trades execute along the integral of that line.
type curve struct {
	slope    float64
	minPrice float64
}

func newCurve(initialPrice, initialSupply, minPrice float64) curve {
	return curve{slope: initialPrice / initialSupply, minPrice: minPrice}
}

func (c curve) price(supply float64) float64 {
	return math.Max(c.slope*supply, c.minPrice)
}

// floorSupply is the supply at which the price reaches the floor.
func (c curve) floorSupply() float64 {
	return c.minPrice / c.slope
}

// quoteBuy returns the tokens minted by spending dollars at supply:
// the q solving slope/2 * ((s+q)^2 - s^2) = dollars.
func (c curve) quoteBuy(supply, dollars float64) float64 {
	k := 2 * dollars / c.slope
	q := k / (math.Sqrt(supply*supply+k) + supply)
	return truncate(q)
}

// quoteSell returns the dollars released by burning tokens at supply.
func (c curve) quoteSell(supply, tokens float64) float64 {
	if tokens > supply {
		tokens = supply
	}
	return truncate(c.slope / 2 * tokens * (2*supply - tokens))
}

// tokensFor returns the fewest tokens whose sale at supply releases at least
// dollars: n = s - sqrt(s^2 - 2*dollars/slope), rounded up one quantum past
// the truncation. It returns the whole supply when even that falls short.
func (c curve) tokensFor(supply, dollars float64) float64 {
	if dollars <= 0 || supply <= 0 {
		return 0
	}
	k := 2 * dollars / c.slope
	if k >= supply*supply {
		return supply
	}
	n := k / (supply + math.Sqrt(supply*supply-k))
	q := decimal.NewFromFloat(n).RoundUp(quantityPrecision).Add(decimal.New(1, -quantityPrecision))
	return math.Min(q.InexactFloat64(), supply)
}

func truncate(v float64) float64 {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return decimal.NewFromFloat(v).Truncate(quantityPrecision).InexactFloat64()
}
