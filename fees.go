package marketplace

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// ErrSplitExceedsPrice is returned by SplitPrice when the charity, royalty and
// platform shares together exceed the item price
var ErrSplitExceedsPrice = errors.New("fee shares exceed price")

// FeeSplit is the distribution of one item's price.
// Charity, Royalty and Platform are proportional to ItemAmount only;
// Seller receives the rest of Price, truncation remainders included.
type FeeSplit struct {
	Price    *big.Int
	Charity  *big.Int
	Royalty  *big.Int
	Platform *big.Int
	Seller   *big.Int
}

// SplitPrice computes the payout of an item sold at itemAmount plus the
// buyer-supplied additional amount. All arithmetic is performed in uint256
// and any overflow returns ErrArithmeticOverflow.
func SplitPrice(itemAmount, additionalAmount *big.Int, charityBps, royaltyBps, platformBps uint32) (FeeSplit, error) {
	amount, err := toUint256(itemAmount)
	if err != nil {
		return FeeSplit{}, err
	}
	additional, err := toUint256(additionalAmount)
	if err != nil {
		return FeeSplit{}, err
	}

	price, over := new(uint256.Int).AddOverflow(amount, additional)
	if over {
		return FeeSplit{}, ErrArithmeticOverflow
	}

	charity, err := bpsOf(amount, charityBps)
	if err != nil {
		return FeeSplit{}, err
	}
	royalty, err := bpsOf(amount, royaltyBps)
	if err != nil {
		return FeeSplit{}, err
	}
	platform, err := bpsOf(amount, platformBps)
	if err != nil {
		return FeeSplit{}, err
	}

	fees, over := new(uint256.Int).AddOverflow(charity, royalty)
	if over {
		return FeeSplit{}, ErrArithmeticOverflow
	}
	if _, over = fees.AddOverflow(fees, platform); over {
		return FeeSplit{}, ErrArithmeticOverflow
	}

	split := FeeSplit{
		Price:    price.ToBig(),
		Charity:  charity.ToBig(),
		Royalty:  royalty.ToBig(),
		Platform: platform.ToBig(),
	}
	if fees.Gt(price) {
		return split, ErrSplitExceedsPrice
	}
	split.Seller = new(uint256.Int).Sub(price, fees).ToBig()
	return split, nil
}

// bpsOf returns floor(amount * bps / 10000)
func bpsOf(amount *uint256.Int, bps uint32) (*uint256.Int, error) {
	product, over := new(uint256.Int).MulOverflow(amount, uint256.NewInt(uint64(bps)))
	if over {
		return nil, ErrArithmeticOverflow
	}
	return product.Div(product, uint256.NewInt(BpsDenominator)), nil
}

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, ErrInvalidRequest
	}
	u, over := uint256.FromBig(v)
	if over {
		return nil, ErrArithmeticOverflow
	}
	return u, nil
}
