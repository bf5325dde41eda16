package web3

import (
	"math/big"
	"strconv"
)

// UnitsToUSD converts raw token units to a USD float at a 1:1 peg.
func UnitsToUSD(amount *big.Int, decimals int) float64 {
	if amount == nil || amount.Sign() == 0 {
		return 0
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	value, _ := new(big.Rat).SetFrac(amount, scale).Float64()
	return value
}

// USDToUnits converts a USD amount to raw token units, truncating below the
// token precision.
func USDToUnits(usd float64, decimals int) *big.Int {
	if usd <= 0 {
		return new(big.Int)
	}
	rat, ok := new(big.Rat).SetString(strconv.FormatFloat(usd, 'f', decimals, 64))
	if !ok {
		return new(big.Int)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat.Mul(rat, new(big.Rat).SetInt(scale))
	return new(big.Int).Quo(rat.Num(), rat.Denom())
}
