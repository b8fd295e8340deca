// Package evm implements marketplace.AssetLedger on top of ERC-721 and
// ERC-1155 collections reached over JSON-RPC, and marketplace.Treasury on
// top of the operator account's native balance.
//
// The marketplace operator key signs every transaction, so collections must
// approve it as an operator for sellers and accept it as a minter. Buyers
// fund purchases by paying the operator account first; see Deposits.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	marketplace "github.com/givabit/marketplace"
)

var (
	ErrUnsupportedLedger = errors.New("contract is neither ERC-721 nor ERC-1155")
	ErrTxReverted        = errors.New("transaction reverted")
	ErrReceiptTimeout    = errors.New("transaction receipt not found")
	ErrSingleToken       = errors.New("erc-721 transfers move exactly one token")
)

// Backend is the subset of *ethclient.Client the ledger uses
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Standard is the token standard a collection implements
type Standard string

const (
	StandardERC721  Standard = "erc721"
	StandardERC1155 Standard = "erc1155"
)

// Config holds what every ledger of a directory shares
type Config struct {
	Backend  Backend
	Operator *ecdsa.PrivateKey
	ChainID  *big.Int

	// GasLimit per transaction; zero uses 300000
	GasLimit uint64
	// ReceiptTimeout bounds the wait for a mined receipt; zero uses 30s
	ReceiptTimeout time.Duration
	// PollInterval between receipt lookups; zero uses 1s
	PollInterval time.Duration

	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.GasLimit == 0 {
		c.GasLimit = 300000
	}
	if c.ReceiptTimeout == 0 {
		c.ReceiptTimeout = 30 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// sender signs and submits operator transactions. Nonces are allocated under
// mu so concurrent ledgers sharing one operator never reuse a nonce.
type sender struct {
	cfg  Config
	from common.Address
	mu   sync.Mutex
}

func newSender(cfg Config) *sender {
	return &sender{cfg: cfg, from: crypto.PubkeyToAddress(cfg.Operator.PublicKey)}
}

func (s *sender) send(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) (common.Hash, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	return s.sendTx(ctx, to, new(big.Int), data, method)
}

// sendTx signs, submits and waits for one operator transaction. Errors
// before submission leave nothing on chain.
func (s *sender) sendTx(ctx context.Context, to common.Address, value *big.Int, data []byte, label string) (common.Hash, error) {
	s.mu.Lock()
	nonce, err := s.cfg.Backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		s.mu.Unlock()
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := s.cfg.Backend.SuggestGasPrice(ctx)
	if err != nil {
		s.mu.Unlock()
		return common.Hash{}, fmt.Errorf("failed to get gas price: %w", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      s.cfg.GasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.cfg.ChainID), s.cfg.Operator)
	if err != nil {
		s.mu.Unlock()
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	err = s.cfg.Backend.SendTransaction(ctx, signed)
	s.mu.Unlock()
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	s.cfg.Logger.Debug("transaction sent",
		zap.String("to", to.Hex()),
		zap.String("method", label),
		zap.String("value", value.String()),
		zap.String("tx", signed.Hash().Hex()))
	return signed.Hash(), s.wait(ctx, signed.Hash())
}

// wait polls for the receipt of hash. A transaction without a receipt may
// still be mined, so the timeout is reported as unresolved.
func (s *sender) wait(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := s.cfg.Backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: %s", ErrTxReverted, hash.Hex())
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w: %s", ErrReceiptTimeout, marketplace.ErrMovementUnresolved, hash.Hex())
		case <-ticker.C:
		}
	}
}

func (s *sender) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	result, err := s.cfg.Backend.CallContract(ctx, ethereum.CallMsg{From: s.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}
	outputs, err := contract.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}
	return outputs, nil
}

// Ledger is a marketplace.AssetLedger bound to one collection contract
type Ledger struct {
	address   common.Address
	standard  Standard
	royalties bool
	tx        *sender
}

var _ marketplace.AssetLedger = (*Ledger)(nil)

// Address returns the collection contract address
func (l *Ledger) Address() common.Address { return l.address }

// Standard returns the detected token standard
func (l *Ledger) Standard() Standard { return l.standard }

func (l *Ledger) Transfer(ctx context.Context, from, to common.Address, assetID, quantity *big.Int) error {
	var err error
	switch l.standard {
	case StandardERC721:
		if quantity.Cmp(big.NewInt(1)) != 0 {
			return ErrSingleToken
		}
		_, err = l.tx.send(ctx, l.address, erc721ABI, "safeTransferFrom", from, to, assetID)
	default:
		_, err = l.tx.send(ctx, l.address, erc1155ABI, "safeTransferFrom", from, to, assetID, quantity, []byte{})
	}
	return err
}

func (l *Ledger) MintTo(ctx context.Context, to common.Address, assetID *big.Int, uri string, royalty marketplace.RoyaltyInfo) error {
	fee := new(big.Int).SetUint64(uint64(royalty.FeeBps))
	_, err := l.tx.send(ctx, l.address, collectionABI, "mint", to, assetID, uri, royalty.Receiver, fee)
	return err
}

// RoyaltyReceiver reads ERC-2981 royaltyInfo. Collections without ERC-2981
// report no receiver.
func (l *Ledger) RoyaltyReceiver(ctx context.Context, assetID *big.Int) (common.Address, error) {
	if !l.royalties {
		return common.Address{}, nil
	}
	out, err := l.tx.call(ctx, l.address, collectionABI, "royaltyInfo", assetID, big.NewInt(marketplace.BpsDenominator))
	if err != nil {
		return common.Address{}, err
	}
	receiver, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected royaltyInfo receiver type %T", out[0])
	}
	return receiver, nil
}

func (s *sender) supports(ctx context.Context, contract common.Address, id [4]byte) (bool, error) {
	out, err := s.call(ctx, contract, collectionABI, "supportsInterface", id)
	if err != nil {
		return false, err
	}
	ok, _ := out[0].(bool)
	return ok, nil
}
