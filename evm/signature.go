package evm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrSignatureLength    = errors.New("signature must be 65 bytes")
	ErrSignatureRecoveryV = errors.New("signature v must be 27 or 28")
	ErrSignatureMalleable = errors.New("signature values out of canonical range")
)

// RecoverSigner returns the address that produced sig over digest.
//
// Exactly one encoding is accepted: r || s || v with v in {27, 28} and s in
// the lower half of the curve order. Any other form is rejected so a given
// authorization has a single valid signature.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: got %d", ErrSignatureLength, len(sig))
	}
	v := sig[64]
	if v != 27 && v != 28 {
		return common.Address{}, fmt.Errorf("%w: got %d", ErrSignatureRecoveryV, v)
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(v-27, r, s, true) {
		return common.Address{}, ErrSignatureMalleable
	}

	raw := make([]byte, SignatureLength)
	copy(raw, sig)
	raw[64] = v - 27

	pubKey, err := crypto.SigToPub(digest[:], raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}
