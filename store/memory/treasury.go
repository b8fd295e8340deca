package memory

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	marketplace "github.com/givabit/marketplace"
)

var (
	ErrRecipientRejected = errors.New("recipient rejected transfer")
	ErrPayoutClosed      = errors.New("payout already closed")
)

// Treasury is an in-memory marketplace.Treasury that credits balances.
// Recipients can be blocked to simulate transfers that revert.
type Treasury struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	blocked  map[common.Address]bool
}

var _ marketplace.Treasury = (*Treasury)(nil)

func NewTreasury() *Treasury {
	return &Treasury{
		balances: make(map[common.Address]*big.Int),
		blocked:  make(map[common.Address]bool),
	}
}

// Block makes every future transfer to addr fail
func (t *Treasury) Block(addr common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked[addr] = true
}

// Unblock reverses Block
func (t *Treasury) Unblock(addr common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.blocked, addr)
}

// Balance returns the total credited to addr
func (t *Treasury) Balance(addr common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (t *Treasury) Begin(context.Context) (marketplace.Payout, error) {
	return &payout{treasury: t}, nil
}

func (t *Treasury) Refund(_ context.Context, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked(to, amount); err != nil {
		return err
	}
	t.creditLocked(to, amount)
	return nil
}

func (t *Treasury) checkLocked(to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrRecipientRejected)
	}
	if t.blocked[to] {
		return fmt.Errorf("%w: %s", ErrRecipientRejected, to.Hex())
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative amount %s", amount)
	}
	return nil
}

func (t *Treasury) creditLocked(to common.Address, amount *big.Int) {
	b, ok := t.balances[to]
	if !ok {
		b = new(big.Int)
		t.balances[to] = b
	}
	b.Add(b, amount)
}

type transfer struct {
	to     common.Address
	amount *big.Int
}

// payout buffers transfers until Commit
type payout struct {
	treasury *Treasury
	staged   []transfer
	closed   bool
}

func (p *payout) Pay(_ context.Context, to common.Address, amount *big.Int) error {
	if p.closed {
		return ErrPayoutClosed
	}
	p.treasury.mu.Lock()
	err := p.treasury.checkLocked(to, amount)
	p.treasury.mu.Unlock()
	if err != nil {
		return err
	}
	p.staged = append(p.staged, transfer{to: to, amount: new(big.Int).Set(amount)})
	return nil
}

func (p *payout) Commit(context.Context) error {
	if p.closed {
		return ErrPayoutClosed
	}
	p.closed = true
	p.treasury.mu.Lock()
	defer p.treasury.mu.Unlock()
	// a recipient blocked after staging fails the whole payout
	for _, tr := range p.staged {
		if err := p.treasury.checkLocked(tr.to, tr.amount); err != nil {
			return err
		}
	}
	for _, tr := range p.staged {
		p.treasury.creditLocked(tr.to, tr.amount)
	}
	return nil
}

func (p *payout) Rollback(context.Context) error {
	p.closed = true
	p.staged = nil
	return nil
}
