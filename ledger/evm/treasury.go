package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	marketplace "github.com/givabit/marketplace"
)

var (
	ErrInsufficientTreasury = errors.New("operator balance cannot cover payout")
	ErrPayoutClosed         = errors.New("payout already closed")
	ErrDepositInvalid       = errors.New("deposit does not fund this purchase")
	ErrDepositPending       = errors.New("deposit transaction is not mined yet")
	ErrDepositUsed          = errors.New("deposit already used")
)

// Treasury pays out of the operator account's native balance. Buyers fund
// it through deposits verified by Deposits.
type Treasury struct {
	tx *sender

	// staged is the value held by open payouts, so concurrent payouts cannot
	// together overdraw the balance they each checked
	mu     sync.Mutex
	staged *big.Int
}

var _ marketplace.Treasury = (*Treasury)(nil)

// Treasury returns the treasury backed by the directory's operator account
func (d *Directory) Treasury() *Treasury {
	return &Treasury{tx: d.tx, staged: new(big.Int)}
}

func (t *Treasury) Begin(context.Context) (marketplace.Payout, error) {
	return &payout{treasury: t, reserved: new(big.Int)}, nil
}

// Refund sends amount back to the buyer
func (t *Treasury) Refund(ctx context.Context, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return errors.New("refund to the zero address")
	}
	if amount.Sign() == 0 {
		return nil
	}
	_, err := t.tx.sendTx(ctx, to, amount, nil, "refund")
	return err
}

// reserve holds amount against the operator balance
func (t *Treasury) reserve(ctx context.Context, amount *big.Int) error {
	balance, err := t.tx.cfg.Backend.BalanceAt(ctx, t.tx.from, nil)
	if err != nil {
		return fmt.Errorf("failed to read operator balance: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	need := new(big.Int).Add(t.staged, amount)
	if need.Cmp(balance) > 0 {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientTreasury, need, balance)
	}
	t.staged = need
	return nil
}

func (t *Treasury) release(amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged.Sub(t.staged, amount)
}

type transfer struct {
	to     common.Address
	amount *big.Int
}

// payout reserves every transfer when it is staged and sends them in order
// on Commit
type payout struct {
	treasury *Treasury
	staged   []transfer
	reserved *big.Int
	closed   bool
}

func (p *payout) Pay(ctx context.Context, to common.Address, amount *big.Int) error {
	if p.closed {
		return ErrPayoutClosed
	}
	if to == (common.Address{}) {
		return errors.New("payout to the zero address")
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("invalid payout amount %s", amount)
	}
	if err := p.treasury.reserve(ctx, amount); err != nil {
		return err
	}
	p.reserved.Add(p.reserved, amount)
	p.staged = append(p.staged, transfer{to: to, amount: new(big.Int).Set(amount)})
	return nil
}

// Commit sends the staged transfers. A failure after the first transfer was
// submitted cannot be undone and is reported as unresolved.
func (p *payout) Commit(ctx context.Context) error {
	if p.closed {
		return ErrPayoutClosed
	}
	p.closed = true
	defer p.treasury.release(p.reserved)

	log := p.treasury.tx.cfg.Logger
	for i, tr := range p.staged {
		hash, err := p.treasury.tx.sendTx(ctx, tr.to, tr.amount, nil, "payout")
		if err == nil {
			continue
		}
		if i == 0 && !errors.Is(err, marketplace.ErrMovementUnresolved) {
			return err
		}
		log.Error("payout partially sent",
			zap.Int("sent", i),
			zap.Int("total", len(p.staged)),
			zap.String("tx", hash.Hex()),
			zap.Error(err))
		return fmt.Errorf("%w: payout stopped after %d of %d transfers: %w",
			marketplace.ErrMovementUnresolved, i, len(p.staged), err)
	}
	return nil
}

func (p *payout) Rollback(context.Context) error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.staged = nil
	p.treasury.release(p.reserved)
	return nil
}

// Deposits verifies the native transfers buyers send to the operator account
// to fund a purchase. Each deposit funds at most one purchase; claims are
// recorded in an order registry under a key derived from the transaction
// hash, so a Postgres registry makes them survive restarts.
type Deposits struct {
	tx       *sender
	registry marketplace.OrderRegistry
}

// Deposits returns the deposit verifier of the directory's operator account
func (d *Directory) Deposits(registry marketplace.OrderRegistry) *Deposits {
	return &Deposits{tx: d.tx, registry: registry}
}

// depositKey keeps deposit claims apart from order digests
func depositKey(ref common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte("marketplace-deposit:"), ref.Bytes())
}

// Claim checks that ref is a successful transfer of exactly value from buyer
// to the operator and marks it used
func (d *Deposits) Claim(ctx context.Context, buyer common.Address, ref common.Hash, value *big.Int) error {
	backend := d.tx.cfg.Backend
	tx, pending, err := backend.TransactionByHash(ctx, ref)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDepositInvalid, ref.Hex(), err)
	}
	if pending {
		return fmt.Errorf("%w: %s", ErrDepositPending, ref.Hex())
	}
	receipt, err := backend.TransactionReceipt(ctx, ref)
	if err != nil || receipt == nil {
		return fmt.Errorf("%w: %s", ErrDepositPending, ref.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s reverted", ErrDepositInvalid, ref.Hex())
	}
	from, err := types.Sender(types.LatestSignerForChainID(d.tx.cfg.ChainID), tx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDepositInvalid, err)
	}
	switch {
	case from != buyer:
		return fmt.Errorf("%w: sent by %s", ErrDepositInvalid, from.Hex())
	case tx.To() == nil || *tx.To() != d.tx.from:
		return fmt.Errorf("%w: not paid to the operator", ErrDepositInvalid)
	case tx.Value().Cmp(value) != 0:
		return fmt.Errorf("%w: carries %s, purchase declares %s", ErrDepositInvalid, tx.Value(), value)
	}

	if err := d.registry.Transition(ctx, depositKey(ref), marketplace.OrderFulfilled); err != nil {
		if errors.Is(err, marketplace.ErrOrderNotOpen) {
			return fmt.Errorf("%w: %s", ErrDepositUsed, ref.Hex())
		}
		return err
	}
	return nil
}

// Release makes a claimed deposit usable again after its purchase was
// rejected before any item ran
func (d *Deposits) Release(ctx context.Context, ref common.Hash) error {
	return d.registry.Release(ctx, depositKey(ref), marketplace.OrderFulfilled)
}
