package marketplace

import (
	"math/big"

	"github.com/holiman/uint256"
)

// ValidateOrderItem performs shape validation on an order item. It does not
// check the signature, the deadline or the registry.
func ValidateOrderItem(item OrderItem) error {
	return validateItem(-1, item)
}

func validateItem(index int, item OrderItem) error {
	for _, f := range []struct {
		name  string
		value *big.Int
	}{
		{"assetId", item.AssetID},
		{"quantity", item.Quantity},
		{"itemAmount", item.ItemAmount},
		{"salt", item.Salt},
	} {
		if f.value == nil {
			return invalidRequest(index, "%s is required", f.name)
		}
		if f.value.Sign() < 0 {
			return invalidRequest(index, "%s must not be negative", f.name)
		}
		if _, over := uint256.FromBig(f.value); over {
			return overflow(index, f.name)
		}
	}
	if item.Quantity.Sign() == 0 {
		return invalidRequest(index, "quantity must be at least 1")
	}
	if item.CharityShareBps > BpsDenominator {
		return invalidRequest(index, "charityShareBps %d exceeds %d", item.CharityShareBps, BpsDenominator)
	}
	if item.RoyaltyFeeBps > BpsDenominator {
		return invalidRequest(index, "royaltyFeeBps %d exceeds %d", item.RoyaltyFeeBps, BpsDenominator)
	}
	return nil
}
