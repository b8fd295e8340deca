package marketplace

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ============================================================================
// Hook Context Types
// ============================================================================

// BatchKind distinguishes purchase batches from cancellation batches
type BatchKind string

const (
	BatchKindBuy    BatchKind = "buy"
	BatchKindCancel BatchKind = "cancel"
)

// BuyContext contains information passed to before-buy hooks.
// It is built after the validation pass, so every request is well formed.
type BuyContext struct {
	Ctx       context.Context
	BatchID   string
	Buyer     common.Address
	Value     *big.Int
	Requests  []OrderRequest
	Digests   []common.Hash
	Timestamp time.Time
}

// CancelContext contains information passed to before-cancel hooks
type CancelContext struct {
	Ctx       context.Context
	BatchID   string
	Caller    common.Address
	Items     []OrderItem
	Digests   []common.Hash
	Timestamp time.Time
}

// BatchResultContext contains a finished batch and its timing
type BatchResultContext struct {
	Ctx      context.Context
	Kind     BatchKind
	Caller   common.Address
	Result   *BatchResult
	Duration time.Duration
}

// ItemFailureContext describes one failed item
type ItemFailureContext struct {
	Ctx     context.Context
	Kind    BatchKind
	BatchID string
	Index   int
	Digest  common.Hash
	Status  ItemStatus
	Cause   error
}

// ============================================================================
// Hook Result Types
// ============================================================================

// BeforeHookResult represents the result of a "before" hook.
// If Abort is true the batch is rejected with the given Reason and no item runs.
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Hook Function Types
// ============================================================================

// BeforeBuyHook is called before the first purchase of a batch executes
type BeforeBuyHook func(BuyContext) (*BeforeHookResult, error)

// BeforeCancelHook is called before the first cancellation of a batch executes
type BeforeCancelHook func(CancelContext) (*BeforeHookResult, error)

// AfterBatchHook is called once the batch event was emitted.
// Any error returned is logged and does not affect the result.
type AfterBatchHook func(BatchResultContext) error

// ItemFailureHook is called for every item that did not succeed
type ItemFailureHook func(ItemFailureContext)

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (m *Marketplace) OnBeforeBuy(hook BeforeBuyHook) *Marketplace {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.beforeBuyHooks = append(m.beforeBuyHooks, hook)
	return m
}

func (m *Marketplace) OnBeforeCancel(hook BeforeCancelHook) *Marketplace {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.beforeCancelHooks = append(m.beforeCancelHooks, hook)
	return m
}

func (m *Marketplace) OnAfterBatch(hook AfterBatchHook) *Marketplace {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.afterBatchHooks = append(m.afterBatchHooks, hook)
	return m
}

func (m *Marketplace) OnItemFailure(hook ItemFailureHook) *Marketplace {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.itemFailureHooks = append(m.itemFailureHooks, hook)
	return m
}

// runBeforeHooks converts an abort or hook error into a call-fatal error
func runBeforeHooks[C any, H ~func(C) (*BeforeHookResult, error)](hooks []H, hookCtx C) error {
	for _, hook := range hooks {
		result, err := hook(hookCtx)
		if err != nil {
			return NewMarketplaceError(ErrCodeAborted, ErrAborted, err.Error(), nil)
		}
		if result != nil && result.Abort {
			return NewMarketplaceError(ErrCodeAborted, ErrAborted, result.Reason, nil)
		}
	}
	return nil
}
