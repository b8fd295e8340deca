package marketplace

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// AdminConfig is an immutable snapshot of the administrative state.
// Writers replace the whole snapshot; readers never observe a partial update.
type AdminConfig struct {
	Owner          common.Address
	AdminWallet    common.Address
	PlatformFeeBps uint32

	allowed map[common.Address]struct{}
}

// IsLedgerAllowed reports whether orders on ledger may be bought
func (c *AdminConfig) IsLedgerAllowed(ledger common.Address) bool {
	_, ok := c.allowed[ledger]
	return ok
}

// AllowedLedgers returns the allow-list in ascending address order
func (c *AdminConfig) AllowedLedgers() []common.Address {
	out := make([]common.Address, 0, len(c.allowed))
	for addr := range c.allowed {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

func (c *AdminConfig) clone() *AdminConfig {
	next := &AdminConfig{
		Owner:          c.Owner,
		AdminWallet:    c.AdminWallet,
		PlatformFeeBps: c.PlatformFeeBps,
		allowed:        make(map[common.Address]struct{}, len(c.allowed)),
	}
	for addr := range c.allowed {
		next.allowed[addr] = struct{}{}
	}
	return next
}

// AccessControl holds the owner, the admin wallet, the platform fee and the
// asset-ledger allow-list. Every mutation is owner-only.
type AccessControl struct {
	writeMu sync.Mutex
	config  atomic.Pointer[AdminConfig]

	events EventSink
	logger *zap.Logger
}

// AccessOption configures an AccessControl
type AccessOption func(*AccessControl)

// WithAccessEvents sets the sink receiving admin events
func WithAccessEvents(sink EventSink) AccessOption {
	return func(a *AccessControl) {
		a.events = sink
	}
}

// WithAccessLogger sets the logger
func WithAccessLogger(logger *zap.Logger) AccessOption {
	return func(a *AccessControl) {
		a.logger = logger
	}
}

// WithAllowedLedgers seeds the allow-list at construction
func WithAllowedLedgers(ledgers ...common.Address) AccessOption {
	return func(a *AccessControl) {
		cfg := a.config.Load()
		for _, l := range ledgers {
			if l != (common.Address{}) {
				cfg.allowed[l] = struct{}{}
			}
		}
	}
}

// NewAccessControl creates the access control layer with owner as the only
// privileged identity and adminWallet as the platform-fee receiver
func NewAccessControl(owner, adminWallet common.Address, platformFeeBps uint32, opts ...AccessOption) (*AccessControl, error) {
	if owner == (common.Address{}) {
		return nil, NewMarketplaceError(ErrCodeZeroAddress, ErrZeroAddress, "owner must not be the zero address", nil)
	}
	if adminWallet == (common.Address{}) {
		return nil, NewMarketplaceError(ErrCodeZeroAddress, ErrZeroAddress, "admin wallet must not be the zero address", nil)
	}
	if platformFeeBps > BpsDenominator {
		return nil, NewMarketplaceError(ErrCodeInvalidRequest, ErrInvalidRequest,
			fmt.Sprintf("platform fee %d exceeds %d bps", platformFeeBps, BpsDenominator), nil)
	}

	a := &AccessControl{
		events: nopSink{},
		logger: zap.NewNop(),
	}
	a.config.Store(&AdminConfig{
		Owner:          owner,
		AdminWallet:    adminWallet,
		PlatformFeeBps: platformFeeBps,
		allowed:        make(map[common.Address]struct{}),
	})
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Snapshot returns the current administrative state
func (a *AccessControl) Snapshot() *AdminConfig {
	return a.config.Load()
}

// IsLedgerAllowed reports whether ledger is on the current allow-list
func (a *AccessControl) IsLedgerAllowed(ledger common.Address) bool {
	return a.config.Load().IsLedgerAllowed(ledger)
}

// SetLedgerAllowed adds or removes ledger from the allow-list
func (a *AccessControl) SetLedgerAllowed(ctx context.Context, caller, ledger common.Address, allowed bool) error {
	if ledger == (common.Address{}) {
		return NewMarketplaceError(ErrCodeZeroAddress, ErrZeroAddress, "asset ledger must not be the zero address", nil)
	}
	err := a.update(ctx, caller, func(cfg *AdminConfig) {
		if allowed {
			cfg.allowed[ledger] = struct{}{}
		} else {
			delete(cfg.allowed, ledger)
		}
	})
	if err != nil {
		return err
	}
	a.emit(ctx, LedgerAllowedChanged{Ledger: ledger, Allowed: allowed})
	return nil
}

// SetAdminWallet changes the platform-fee receiver
func (a *AccessControl) SetAdminWallet(ctx context.Context, caller, wallet common.Address) error {
	if wallet == (common.Address{}) {
		return NewMarketplaceError(ErrCodeZeroAddress, ErrZeroAddress, "admin wallet must not be the zero address", nil)
	}
	var previous common.Address
	err := a.update(ctx, caller, func(cfg *AdminConfig) {
		previous = cfg.AdminWallet
		cfg.AdminWallet = wallet
	})
	if err != nil {
		return err
	}
	a.emit(ctx, AdminWalletChanged{Previous: previous, Current: wallet})
	return nil
}

// TransferOwnership hands every owner capability to newOwner
func (a *AccessControl) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	if newOwner == (common.Address{}) {
		return NewMarketplaceError(ErrCodeZeroAddress, ErrZeroAddress, "new owner must not be the zero address", nil)
	}
	var previous common.Address
	err := a.update(ctx, caller, func(cfg *AdminConfig) {
		previous = cfg.Owner
		cfg.Owner = newOwner
	})
	if err != nil {
		return err
	}
	a.emit(ctx, OwnershipTransferred{Previous: previous, Current: newOwner})
	return nil
}

// SetPlatformFee changes the platform share applied to future purchases
func (a *AccessControl) SetPlatformFee(ctx context.Context, caller common.Address, bps uint32) error {
	if bps > BpsDenominator {
		return NewMarketplaceError(ErrCodeInvalidRequest, ErrInvalidRequest,
			fmt.Sprintf("platform fee %d exceeds %d bps", bps, BpsDenominator), nil)
	}
	var previous uint32
	err := a.update(ctx, caller, func(cfg *AdminConfig) {
		previous = cfg.PlatformFeeBps
		cfg.PlatformFeeBps = bps
	})
	if err != nil {
		return err
	}
	a.emit(ctx, PlatformFeeChanged{Previous: previous, Current: bps})
	return nil
}

// update applies mutate to a copy of the current snapshot and publishes it
func (a *AccessControl) update(ctx context.Context, caller common.Address, mutate func(*AdminConfig)) error {
	if inSettlement(ctx) {
		return NewMarketplaceError(ErrCodeReentrantCall, ErrReentrantCall, "admin call during settlement", nil)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	current := a.config.Load()
	if caller != current.Owner {
		return NewMarketplaceError(ErrCodeUnauthorized, ErrUnauthorized, "caller is not the owner",
			map[string]interface{}{"caller": caller.Hex()})
	}

	next := current.clone()
	mutate(next)
	a.config.Store(next)
	return nil
}

func (a *AccessControl) emit(ctx context.Context, event Event) {
	if err := a.events.Emit(ctx, event); err != nil {
		a.logger.Warn("failed to emit event", zap.String("event", event.EventName()), zap.Error(err))
	}
}
