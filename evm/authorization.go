package evm

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrimaryTypeRequestAuthorization is the EIP-712 primary type API callers
// sign to act on their own behalf
const PrimaryTypeRequestAuthorization = "RequestAuthorization"

// RequestAuthorization binds one API call to the account that signed it.
// Action is the HTTP method and path, e.g. "POST /v1/orders/buy".
type RequestAuthorization struct {
	Caller      common.Address
	Action      string
	BodyHash    common.Hash
	ValidAfter  uint64
	ValidBefore uint64
	Nonce       common.Hash
}

// RequestAuthorizationTypes returns the EIP-712 type definitions of a
// request authorization
func RequestAuthorizationTypes() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		PrimaryTypeRequestAuthorization: {
			{Name: "caller", Type: "address"},
			{Name: "action", Type: "string"},
			{Name: "bodyHash", Type: "bytes32"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}
}

// HashRequestAuthorization returns the digest a caller signs for auth
func HashRequestAuthorization(domain TypedDataDomain, auth RequestAuthorization) (common.Hash, error) {
	message := map[string]interface{}{
		"caller":      auth.Caller.Hex(),
		"action":      auth.Action,
		"bodyHash":    auth.BodyHash.Bytes(),
		"validAfter":  new(big.Int).SetUint64(auth.ValidAfter),
		"validBefore": new(big.Int).SetUint64(auth.ValidBefore),
		"nonce":       auth.Nonce.Bytes(),
	}
	digest, err := HashTypedData(domain, RequestAuthorizationTypes(), PrimaryTypeRequestAuthorization, message)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(digest), nil
}

// BodyHash is the keccak256 of a request body
func BodyHash(body []byte) common.Hash {
	return crypto.Keccak256Hash(body)
}

// CreateNonce returns a random 32-byte authorization nonce
func CreateNonce() (common.Hash, error) {
	var nonce common.Hash
	if _, err := rand.Read(nonce[:]); err != nil {
		return common.Hash{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// CreateValidityWindow returns a validAfter a minute in the past, absorbing
// clock skew, and a validBefore d from now
func CreateValidityWindow(d time.Duration) (validAfter, validBefore uint64) {
	now := time.Now()
	return uint64(now.Add(-time.Minute).Unix()), uint64(now.Add(d).Unix())
}
