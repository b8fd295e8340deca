package evm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// NewDomain builds the marketplace signing domain. Empty name and version
// fall back to DefaultDomainName and DefaultDomainVersion.
func NewDomain(name, version string, chainID *big.Int, settlement common.Address) TypedDataDomain {
	if name == "" {
		name = DefaultDomainName
	}
	if version == "" {
		version = DefaultDomainVersion
	}
	return TypedDataDomain{
		Name:              name,
		Version:           version,
		ChainID:           new(big.Int).Set(chainID),
		VerifyingContract: settlement.Hex(),
	}
}
