// Package evm implements order hashing and signature verification for
// EVM-compatible chains using EIP-712 typed data.
package evm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	marketplace "github.com/givabit/marketplace"
)

// OrderVerifier hashes orders under a fixed domain and authenticates seller
// signatures. It implements marketplace.OrderAuthenticator.
type OrderVerifier struct {
	domain TypedDataDomain
}

var _ marketplace.OrderAuthenticator = (*OrderVerifier)(nil)

// NewOrderVerifier creates a verifier for the given domain
func NewOrderVerifier(domain TypedDataDomain) *OrderVerifier {
	if domain.ChainID == nil {
		domain.ChainID = new(big.Int)
	}
	return &OrderVerifier{domain: domain}
}

// Domain returns the signing domain
func (v *OrderVerifier) Domain() TypedDataDomain {
	return v.domain
}

func (v *OrderVerifier) HashOrder(item marketplace.OrderItem) (common.Hash, error) {
	return HashOrderItem(v.domain, item)
}

func (v *OrderVerifier) RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	return RecoverSigner(digest, sig)
}

// VerifyOrder reports whether sig is the seller's signature over item
func (v *OrderVerifier) VerifyOrder(item marketplace.OrderItem, sig []byte) (bool, error) {
	digest, err := v.HashOrder(item)
	if err != nil {
		return false, err
	}
	signer, err := RecoverSigner(digest, sig)
	if err != nil {
		return false, nil
	}
	return signer == item.Seller, nil
}
