package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	marketplace "github.com/givabit/marketplace"
)

// HashTypedData hashes EIP-712 typed data.
//
// The hash is computed as: keccak256("\x19\x01" + domainSeparator + structHash)
//
// Args:
//
//	domain: The EIP-712 domain separator parameters
//	types: The type definitions for the structured data
//	primaryType: The name of the primary type being hashed
//	message: The message data to hash
//
// Returns:
//
//	32-byte hash suitable for signing or verification
//	error if hashing fails
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{
				Name: field.Name,
				Type: field.Type,
			}
		}
		typedData.Types[typeName] = typedFields
	}

	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		typedData.Types["EIP712Domain"] = []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		}
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	// 0x19 0x01 <domainSeparator> <dataHash>
	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// OrderItemMessage converts an order item to its EIP-712 message form
func OrderItemMessage(item marketplace.OrderItem) map[string]interface{} {
	return map[string]interface{}{
		"nftContract":    item.AssetLedger.Hex(),
		"seller":         item.Seller.Hex(),
		"isMinted":       item.IsPreMinted,
		"tokenId":        orZero(item.AssetID),
		"tokenURI":       item.AssetURI,
		"quantity":       orZero(item.Quantity),
		"itemAmount":     orZero(item.ItemAmount),
		"charityAddress": item.CharityRecipient.Hex(),
		"charityShare":   new(big.Int).SetUint64(uint64(item.CharityShareBps)),
		"royaltyFee":     new(big.Int).SetUint64(uint64(item.RoyaltyFeeBps)),
		"deadline":       new(big.Int).SetUint64(item.Deadline),
		"salt":           orZero(item.Salt),
	}
}

// HashOrderItem returns the digest a seller signs for item under domain.
// The digest is also the order's registry key.
func HashOrderItem(domain TypedDataDomain, item marketplace.OrderItem) (common.Hash, error) {
	digest, err := HashTypedData(domain, OrderItemTypes(), PrimaryTypeOrderItem, OrderItemMessage(item))
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(digest), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
