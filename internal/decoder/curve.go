package decoder

import (
	"errors"
	"math/bits"
)

// curveScale is the fixed-point denominator of curve prices.
const curveScale = 10000

var errCurveOverflow = errors.New("bonding curve overflow")

// BondingCurvePrice returns initial × (1 + supply/steepness)² in the
// program's 1e4 fixed point, truncating at each step like the on-chain code.
func BondingCurvePrice(params BondingCurveParams, supply uint64) (uint64, error) {
	if supply == 0 {
		return params.InitialPrice, nil
	}
	if params.CurveSteepness == 0 {
		return 0, errors.New("bonding curve steepness is zero")
	}

	ratio, err := mulDiv(supply, curveScale, params.CurveSteepness)
	if err != nil {
		return 0, err
	}
	multiplier, carry := bits.Add64(curveScale, ratio, 0)
	if carry != 0 {
		return 0, errCurveOverflow
	}
	squared, err := mulDiv(multiplier, multiplier, curveScale)
	if err != nil {
		return 0, err
	}
	return mulDiv(params.InitialPrice, squared, curveScale)
}

func mulDiv(a, b, div uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, errCurveOverflow
	}
	return lo / div, nil
}
