// Package evm provides a private-key order signer for sellers and tooling.
package evm

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	marketplace "github.com/givabit/marketplace"
	mevm "github.com/givabit/marketplace/evm"
)

// OrderSigner signs order items with an ECDSA private key.
type OrderSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domain     mevm.TypedDataDomain
}

// NewOrderSignerFromPrivateKey creates an order signer from a hex-encoded private key.
//
// Args:
//
//	privateKeyHex: Hex-encoded private key (with or without "0x" prefix)
//	domain: Signing domain of the settlement contract the orders target
//
// Returns:
//
//	OrderSigner ready to sign order items
//	Error if private key is invalid
func NewOrderSignerFromPrivateKey(privateKeyHex string, domain mevm.TypedDataDomain) (*OrderSigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewOrderSigner(privateKey, domain), nil
}

// NewOrderSigner creates an order signer from a parsed key
func NewOrderSigner(privateKey *ecdsa.PrivateKey, domain mevm.TypedDataDomain) *OrderSigner {
	return &OrderSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		domain:     domain,
	}
}

// Address returns the Ethereum address of the signer.
func (s *OrderSigner) Address() common.Address {
	return s.address
}

// SignOrderItem signs item and returns the 65-byte signature (r, s, v)
// with v in {27, 28}. The item's seller must be the signer.
func (s *OrderSigner) SignOrderItem(item marketplace.OrderItem) ([]byte, error) {
	if item.Seller != s.address {
		return nil, fmt.Errorf("seller %s is not the signer %s", item.Seller.Hex(), s.address.Hex())
	}
	digest, err := mevm.HashOrderItem(s.domain, item)
	if err != nil {
		return nil, err
	}
	return s.SignDigest(digest)
}

// SignDigest signs a precomputed order digest
func (s *OrderSigner) SignDigest(digest common.Hash) ([]byte, error) {
	signature, err := crypto.Sign(digest[:], s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27

	return signature, nil
}

// NewOrderRequest signs item and wraps it in a purchase request
func (s *OrderSigner) NewOrderRequest(item marketplace.OrderItem, additionalAmount *big.Int) (marketplace.OrderRequest, error) {
	sig, err := s.SignOrderItem(item)
	if err != nil {
		return marketplace.OrderRequest{}, err
	}
	if additionalAmount == nil {
		additionalAmount = new(big.Int)
	}
	return marketplace.OrderRequest{
		OrderItem:        item,
		AdditionalAmount: additionalAmount,
		Signature:        sig,
	}, nil
}

// AuthorizeRequest signs an authorization for one API call made by the
// signer. The authorization expires after validFor.
func (s *OrderSigner) AuthorizeRequest(action string, body []byte, validFor time.Duration) (mevm.RequestAuthorization, []byte, error) {
	nonce, err := mevm.CreateNonce()
	if err != nil {
		return mevm.RequestAuthorization{}, nil, err
	}
	validAfter, validBefore := mevm.CreateValidityWindow(validFor)
	auth := mevm.RequestAuthorization{
		Caller:      s.address,
		Action:      action,
		BodyHash:    mevm.BodyHash(body),
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}
	digest, err := mevm.HashRequestAuthorization(s.domain, auth)
	if err != nil {
		return mevm.RequestAuthorization{}, nil, err
	}
	sig, err := s.SignDigest(digest)
	if err != nil {
		return mevm.RequestAuthorization{}, nil, err
	}
	return auth, sig, nil
}

// GenerateSalt returns a random 256-bit salt
func GenerateSalt() (*big.Int, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return new(big.Int).SetBytes(buf), nil
}
