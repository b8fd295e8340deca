package marketplace

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ============================================================================
// Order authentication
// ============================================================================

// OrderHasher computes the domain-bound digest of an order item. The digest
// is both the signing payload and the registry key.
type OrderHasher interface {
	HashOrder(item OrderItem) (common.Hash, error)
}

// SignatureVerifier recovers the identity that produced sig over digest
type SignatureVerifier interface {
	RecoverSigner(digest common.Hash, sig []byte) (common.Address, error)
}

// OrderAuthenticator is implemented by the evm package's OrderVerifier
type OrderAuthenticator interface {
	OrderHasher
	SignatureVerifier
}

// ============================================================================
// Order registry
// ============================================================================

// OrderRegistry maps order digests to lifecycle states.
// Implementations must be safe for concurrent use.
type OrderRegistry interface {
	// State returns OrderOpen for digests never written
	State(ctx context.Context, digest common.Hash) (OrderState, error)

	// Transition moves an open digest to a terminal state.
	// Returns ErrOrderNotOpen when the digest is already terminal.
	Transition(ctx context.Context, digest common.Hash, to OrderState) error

	// Release returns a digest to open if it is currently in state from.
	// The engine calls it only to undo its own claim on an item that failed
	// after the claim; a digest in any other state is left untouched.
	Release(ctx context.Context, digest common.Hash, from OrderState) error
}

// ============================================================================
// Asset ledger (external collaborator)
// ============================================================================

// AssetLedger is the external system of record for asset ownership.
// A failing call must leave no partial state behind. A call whose outcome
// cannot be determined must return an error wrapping ErrMovementUnresolved.
type AssetLedger interface {
	// Transfer moves quantity units of a pre-minted asset
	Transfer(ctx context.Context, from, to common.Address, assetID, quantity *big.Int) error

	// MintTo creates the asset directly in the buyer's account
	MintTo(ctx context.Context, to common.Address, assetID *big.Int, uri string, royalty RoyaltyInfo) error

	// RoyaltyReceiver returns the royalty beneficiary of an existing asset,
	// or the zero address when the ledger records none
	RoyaltyReceiver(ctx context.Context, assetID *big.Int) (common.Address, error)
}

// AssetMovement describes an asset movement already applied to a ledger
type AssetMovement struct {
	Minted   bool
	From     common.Address
	To       common.Address
	AssetID  *big.Int
	Quantity *big.Int
}

// AssetReverter is optionally implemented by ledgers that can undo a movement.
// The engine uses it to keep an item atomic when its payout commit fails
// after the asset already moved. Without it such a failure aborts the batch.
type AssetReverter interface {
	RevertMovement(ctx context.Context, movement AssetMovement) error
}

// LedgerDirectory resolves the ledger client for an asset-ledger address
type LedgerDirectory interface {
	Ledger(ctx context.Context, address common.Address) (AssetLedger, error)
}

// ============================================================================
// Value movement (external collaborator)
// ============================================================================

// Treasury moves the value buyers supply with a batch
type Treasury interface {
	// Begin opens a payout transaction for one item
	Begin(ctx context.Context) (Payout, error)

	// Refund returns unconsumed value to the buyer at the end of a batch
	Refund(ctx context.Context, to common.Address, amount *big.Int) error
}

// Payout stages the transfers of one item's price split.
// Nothing is visible to other parties before Commit. Pay performs every
// recipient check, so a payout whose transfers were all staged is expected
// to commit.
type Payout interface {
	Pay(ctx context.Context, to common.Address, amount *big.Int) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ============================================================================
// Events
// ============================================================================

// EventSink receives the events emitted by the engine and access control
type EventSink interface {
	Emit(ctx context.Context, event Event) error
}
