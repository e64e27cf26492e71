package schema

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// weiPerEther is 10^18.
var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Ether returns n ether expressed in wei.
func Ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), weiPerEther)
}

// WeiToEther converts a wei amount to an exact ether decimal.
func WeiToEther(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18)
}

// FormatEther renders a wei amount in ether with trailing zeros removed.
func FormatEther(wei *big.Int) string {
	return WeiToEther(wei).String()
}
