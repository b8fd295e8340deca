// Package memory provides an in-process asset ledger holding multi-unit
// balances per asset, with royalty records and failure injection for tests.
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
	ErrInsufficientBalance = errors.New("insufficient asset balance")
	ErrAlreadyMinted       = errors.New("asset already minted")
	ErrTransfersDisabled   = errors.New("transfers disabled")
	ErrUnknownLedger       = errors.New("unknown asset ledger")
)

type holding struct {
	asset string
	owner common.Address
}

// Ledger is an in-memory marketplace.AssetLedger
type Ledger struct {
	mu        sync.Mutex
	address   common.Address
	balances  map[holding]*big.Int
	royalties map[string]marketplace.RoyaltyInfo
	uris      map[string]string
	disabled  bool

	// OnMovement runs before a transfer or mint is applied, with the context
	// the caller passed. A non-nil error fails the movement.
	OnMovement func(ctx context.Context, movement marketplace.AssetMovement) error
}

var (
	_ marketplace.AssetLedger   = (*Ledger)(nil)
	_ marketplace.AssetReverter = (*Ledger)(nil)
)

func NewLedger(address common.Address) *Ledger {
	return &Ledger{
		address:   address,
		balances:  make(map[holding]*big.Int),
		royalties: make(map[string]marketplace.RoyaltyInfo),
		uris:      make(map[string]string),
	}
}

// Address returns the ledger's identity on the allow-list
func (l *Ledger) Address() common.Address {
	return l.address
}

// SetTransfersDisabled makes every movement fail
func (l *Ledger) SetTransfersDisabled(disabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disabled = disabled
}

// Seed credits quantity units of assetID to owner outside of any order
func (l *Ledger) Seed(owner common.Address, assetID, quantity *big.Int, royalty marketplace.RoyaltyInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditLocked(owner, assetID, quantity)
	l.royalties[assetID.String()] = royalty
}

// BalanceOf returns owner's units of assetID
func (l *Ledger) BalanceOf(owner common.Address, assetID *big.Int) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[holding{assetID.String(), owner}]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// TokenURI returns the URI recorded when assetID was minted
func (l *Ledger) TokenURI(assetID *big.Int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.uris[assetID.String()]
}

func (l *Ledger) Transfer(ctx context.Context, from, to common.Address, assetID, quantity *big.Int) error {
	if err := l.before(ctx, marketplace.AssetMovement{From: from, To: to, AssetID: assetID, Quantity: quantity}); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.moveLocked(from, to, assetID, quantity)
}

func (l *Ledger) MintTo(ctx context.Context, to common.Address, assetID *big.Int, uri string, royalty marketplace.RoyaltyInfo) error {
	if err := l.before(ctx, marketplace.AssetMovement{Minted: true, To: to, AssetID: assetID, Quantity: big.NewInt(1)}); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := assetID.String()
	if _, exists := l.royalties[key]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyMinted, key)
	}
	l.creditLocked(to, assetID, big.NewInt(1))
	l.royalties[key] = royalty
	l.uris[key] = uri
	return nil
}

func (l *Ledger) RoyaltyReceiver(_ context.Context, assetID *big.Int) (common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.royalties[assetID.String()].Receiver, nil
}

// RevertMovement burns the minted units or moves a transfer back to its
// origin. The mint record goes once no units of the asset remain.
func (l *Ledger) RevertMovement(_ context.Context, m marketplace.AssetMovement) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !m.Minted {
		return l.moveLocked(m.To, m.From, m.AssetID, m.Quantity)
	}
	key := holding{m.AssetID.String(), m.To}
	b, ok := l.balances[key]
	if !ok || b.Cmp(m.Quantity) < 0 {
		return fmt.Errorf("%w: %s holds less than %s of %s", ErrInsufficientBalance, m.To.Hex(), m.Quantity, m.AssetID)
	}
	b.Sub(b, m.Quantity)
	if b.Sign() == 0 {
		delete(l.balances, key)
	}
	if !l.existsLocked(key.asset) {
		delete(l.royalties, key.asset)
		delete(l.uris, key.asset)
	}
	return nil
}

func (l *Ledger) existsLocked(asset string) bool {
	for h := range l.balances {
		if h.asset == asset {
			return true
		}
	}
	return false
}

func (l *Ledger) before(ctx context.Context, m marketplace.AssetMovement) error {
	l.mu.Lock()
	disabled := l.disabled
	hook := l.OnMovement
	l.mu.Unlock()
	if disabled {
		return ErrTransfersDisabled
	}
	if hook != nil {
		return hook(ctx, m)
	}
	return nil
}

func (l *Ledger) moveLocked(from, to common.Address, assetID, quantity *big.Int) error {
	src := holding{assetID.String(), from}
	b, ok := l.balances[src]
	if !ok || b.Cmp(quantity) < 0 {
		return fmt.Errorf("%w: %s holds less than %s of %s", ErrInsufficientBalance, from.Hex(), quantity, assetID)
	}
	b.Sub(b, quantity)
	if b.Sign() == 0 {
		delete(l.balances, src)
	}
	l.creditLocked(to, assetID, quantity)
	return nil
}

func (l *Ledger) creditLocked(owner common.Address, assetID, quantity *big.Int) {
	key := holding{assetID.String(), owner}
	b, ok := l.balances[key]
	if !ok {
		b = new(big.Int)
		l.balances[key] = b
	}
	b.Add(b, quantity)
}

// Directory resolves ledgers by address
type Directory struct {
	mu      sync.RWMutex
	ledgers map[common.Address]marketplace.AssetLedger
}

var _ marketplace.LedgerDirectory = (*Directory)(nil)

func NewDirectory(ledgers ...*Ledger) *Directory {
	d := &Directory{ledgers: make(map[common.Address]marketplace.AssetLedger)}
	for _, l := range ledgers {
		d.ledgers[l.Address()] = l
	}
	return d
}

// Register adds or replaces the ledger at address
func (d *Directory) Register(address common.Address, ledger marketplace.AssetLedger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ledgers[address] = ledger
}

func (d *Directory) Ledger(_ context.Context, address common.Address) (marketplace.AssetLedger, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.ledgers[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLedger, address.Hex())
	}
	return l, nil
}
