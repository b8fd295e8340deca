// Package marketplace implements settlement of signed sell orders: batch
// purchases with fee splitting, batch cancellations, and the owner-controlled
// administrative state they run against.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Marketplace is the settlement engine. One batch settles at a time and the
// items of a batch execute strictly in order.
type Marketplace struct {
	busy atomic.Bool

	// claimed is the digest of the item in flight. Its registry entry is
	// already Fulfilled but reads report it open until the item completes.
	claimed atomic.Pointer[common.Hash]

	auth     OrderAuthenticator
	registry OrderRegistry
	ledgers  LedgerDirectory
	treasury Treasury
	access   *AccessControl

	events  EventSink
	logger  *zap.Logger
	now     func() time.Time
	batchID func() string

	hookMu            sync.RWMutex
	beforeBuyHooks    []BeforeBuyHook
	beforeCancelHooks []BeforeCancelHook
	afterBatchHooks   []AfterBatchHook
	itemFailureHooks  []ItemFailureHook
}

// Option configures a Marketplace
type Option func(*Marketplace)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Marketplace) {
		m.logger = logger
	}
}

// WithEvents sets the sink receiving batch events
func WithEvents(sink EventSink) Option {
	return func(m *Marketplace) {
		m.events = sink
	}
}

// WithClock overrides the time source used for deadline checks
func WithClock(now func() time.Time) Option {
	return func(m *Marketplace) {
		m.now = now
	}
}

// WithBatchIDs overrides the batch identifier generator
func WithBatchIDs(gen func() string) Option {
	return func(m *Marketplace) {
		m.batchID = gen
	}
}

// New creates a settlement engine
func New(
	auth OrderAuthenticator,
	registry OrderRegistry,
	ledgers LedgerDirectory,
	treasury Treasury,
	access *AccessControl,
	opts ...Option,
) (*Marketplace, error) {
	if auth == nil || registry == nil || ledgers == nil || treasury == nil || access == nil {
		return nil, errors.New("marketplace: authenticator, registry, ledgers, treasury and access control are required")
	}
	m := &Marketplace{
		auth:     auth,
		registry: registry,
		ledgers:  ledgers,
		treasury: treasury,
		access:   access,
		events:   nopSink{},
		logger:   zap.NewNop(),
		now:      time.Now,
		batchID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Access returns the access control layer the engine reads from
func (m *Marketplace) Access() *AccessControl {
	return m.access
}

// HashOrder returns the digest of item under the engine's domain
func (m *Marketplace) HashOrder(item OrderItem) (common.Hash, error) {
	return m.auth.HashOrder(item)
}

// OrderState is a read-only query and may be called mid-item. The item in
// flight reads as open until it commits.
func (m *Marketplace) OrderState(ctx context.Context, digest common.Hash) (OrderState, error) {
	if c := m.claimed.Load(); c != nil && *c == digest {
		return OrderOpen, nil
	}
	return m.registry.State(ctx, digest)
}

// ============================================================================
// Reentrancy marker
// ============================================================================

type settlementKey struct{}

// withSettlement marks ctx as belonging to an executing batch. Every context
// handed to a ledger or the treasury carries the mark.
func withSettlement(ctx context.Context) context.Context {
	return context.WithValue(ctx, settlementKey{}, true)
}

func inSettlement(ctx context.Context) bool {
	v, _ := ctx.Value(settlementKey{}).(bool)
	return v
}

func reentrant(op string) error {
	return NewMarketplaceError(ErrCodeReentrantCall, ErrReentrantCall, op+" called during settlement", nil)
}

// enter admits a batch call. Calls never wait for one another: a call that
// arrives while a batch settles fails with ErrBusy, including a collaborator
// calling back in with a context that lost the settlement mark.
func (m *Marketplace) enter(ctx context.Context, op string) error {
	if inSettlement(ctx) {
		return reentrant(op)
	}
	if !m.busy.CompareAndSwap(false, true) {
		return NewMarketplaceError(ErrCodeBusy, ErrBusy, op+" called while another batch is settling", nil)
	}
	return nil
}

func (m *Marketplace) leave() {
	m.busy.Store(false)
}

// hookSet is a copy of the registered hooks taken when a batch starts.
// Hooks run without hookMu held and may register further hooks, which apply
// from the next batch on.
type hookSet struct {
	beforeBuy    []BeforeBuyHook
	beforeCancel []BeforeCancelHook
	afterBatch   []AfterBatchHook
	itemFailure  []ItemFailureHook
}

func (m *Marketplace) hooks() hookSet {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	return hookSet{
		beforeBuy:    slices.Clone(m.beforeBuyHooks),
		beforeCancel: slices.Clone(m.beforeCancelHooks),
		afterBatch:   slices.Clone(m.afterBatchHooks),
		itemFailure:  slices.Clone(m.itemFailureHooks),
	}
}

// ============================================================================
// BuyItems
// ============================================================================

// buyPlan is a validated purchase request
type buyPlan struct {
	req      OrderRequest
	digest   common.Hash
	split    FeeSplit
	splitErr error
}

// BuyItems executes a batch of purchases paid from value. Items fail
// individually; the call itself fails only on malformed input, arithmetic
// overflow, reentrancy or an infrastructure failure. Unspent value is
// refunded to buyer before returning.
func (m *Marketplace) BuyItems(ctx context.Context, buyer common.Address, value *big.Int, reqs []OrderRequest) (*BatchResult, error) {
	if err := m.enter(ctx, "BuyItems"); err != nil {
		return nil, err
	}
	defer m.leave()
	if value == nil {
		value = new(big.Int)
	}

	start := m.now()
	cfg := m.access.Snapshot()

	plans, err := m.prepareBuy(buyer, value, reqs, cfg)
	if err != nil {
		m.logger.Warn("rejected purchase batch", zap.String("buyer", buyer.Hex()), zap.Error(err))
		return nil, err
	}

	batchID := m.batchID()
	hooks := m.hooks()

	digests := make([]common.Hash, len(plans))
	for i, p := range plans {
		digests[i] = p.digest
	}
	if err := runBeforeHooks(hooks.beforeBuy, BuyContext{
		Ctx:       ctx,
		BatchID:   batchID,
		Buyer:     buyer,
		Value:     new(big.Int).Set(value),
		Requests:  reqs,
		Digests:   digests,
		Timestamp: start,
	}); err != nil {
		return nil, err
	}

	sctx := withSettlement(ctx)
	remaining := new(big.Int).Set(value)
	result := &BatchResult{BatchID: batchID, Items: make([]ItemResult, 0, len(plans))}

	var fatal error
	for i, plan := range plans {
		outcome, err := m.buyItem(sctx, buyer, cfg, plan, remaining)
		if err != nil {
			fatal = err
			m.logger.Error("purchase batch aborted",
				zap.String("batch", batchID),
				zap.Int("index", i),
				zap.String("digest", plan.digest.Hex()),
				zap.Error(err))
			break
		}
		result.Items = append(result.Items, newItemResult(plan.digest, outcome.status))
		if outcome.status != StatusSuccess {
			m.itemFailed(hooks, ItemFailureContext{
				Ctx: ctx, Kind: BatchKindBuy, BatchID: batchID, Index: i,
				Digest: plan.digest, Status: outcome.status, Cause: outcome.cause,
			})
		}
	}

	result.Spent = new(big.Int).Sub(value, remaining)
	results, statuses, hashes := result.Columns()
	m.emit(ctx, BatchPurchased{
		BatchID:  batchID,
		Buyer:    buyer,
		Results:  results,
		Statuses: statuses,
		Digests:  hashes,
	})

	if remaining.Sign() > 0 {
		if err := m.treasury.Refund(sctx, buyer, remaining); err != nil {
			m.logger.Error("refund failed",
				zap.String("batch", batchID),
				zap.String("buyer", buyer.Hex()),
				zap.String("amount", remaining.String()),
				zap.Error(err))
			refundErr := NewMarketplaceError(ErrCodeRefundFailed, ErrRefundFailed, err.Error(),
				map[string]interface{}{"amount": remaining.String()})
			if fatal != nil {
				return result, errors.Join(fatal, refundErr)
			}
			return result, refundErr
		}
		result.Refunded = remaining
	}

	m.logger.Info("purchase batch settled",
		zap.String("batch", batchID),
		zap.String("buyer", buyer.Hex()),
		zap.Int("items", len(plans)),
		zap.Int("succeeded", result.Succeeded()),
		zap.String("spent", result.Spent.String()))

	if fatal != nil {
		return result, fatal
	}
	m.afterBatch(hooks, BatchResultContext{Ctx: ctx, Kind: BatchKindBuy, Caller: buyer, Result: result, Duration: m.now().Sub(start)})
	return result, nil
}

// prepareBuy is the validation pass. It hashes every item and computes every
// fee split before anything executes, so failures here change no state.
func (m *Marketplace) prepareBuy(buyer common.Address, value *big.Int, reqs []OrderRequest, cfg *AdminConfig) ([]buyPlan, error) {
	if buyer == (common.Address{}) {
		return nil, NewMarketplaceError(ErrCodeZeroAddress, ErrZeroAddress, "buyer must not be the zero address", nil)
	}
	if len(reqs) == 0 {
		return nil, invalidRequest(-1, "empty batch")
	}
	if _, err := toUint256(value); err != nil {
		if errors.Is(err, ErrArithmeticOverflow) {
			return nil, overflow(-1, "value")
		}
		return nil, invalidRequest(-1, "value must not be negative")
	}

	plans := make([]buyPlan, len(reqs))
	for i, req := range reqs {
		if err := validateItem(i, req.OrderItem); err != nil {
			return nil, err
		}
		if req.AdditionalAmount != nil && req.AdditionalAmount.Sign() < 0 {
			return nil, invalidRequest(i, "additional amount must not be negative")
		}

		digest, err := m.auth.HashOrder(req.OrderItem)
		if err != nil {
			return nil, NewMarketplaceError(ErrCodeHashFailure, err, err.Error(), map[string]interface{}{"index": i})
		}

		split, err := SplitPrice(req.OrderItem.ItemAmount, req.AdditionalAmount,
			req.OrderItem.CharityShareBps, req.OrderItem.RoyaltyFeeBps, cfg.PlatformFeeBps)
		switch {
		case errors.Is(err, ErrArithmeticOverflow):
			return nil, overflow(i, "price split")
		case err != nil && !errors.Is(err, ErrSplitExceedsPrice):
			return nil, invalidRequest(i, "%v", err)
		}
		plans[i] = buyPlan{req: req, digest: digest, split: split, splitErr: err}
	}
	return plans, nil
}

// itemOutcome is the status of one item and the error behind a failure
type itemOutcome struct {
	status ItemStatus
	cause  error
}

func failed(status ItemStatus, cause error) itemOutcome {
	return itemOutcome{status: status, cause: cause}
}

// buyItem runs one purchase. A non-nil error aborts the batch; everything
// else is reported through the returned status.
func (m *Marketplace) buyItem(ctx context.Context, buyer common.Address, cfg *AdminConfig, plan buyPlan, remaining *big.Int) (itemOutcome, error) {
	item := plan.req.OrderItem

	signer, err := m.auth.RecoverSigner(plan.digest, plan.req.Signature)
	if err != nil {
		return failed(StatusInvalidSignature, err), nil
	}
	if signer != item.Seller {
		return failed(StatusInvalidSignature, fmt.Errorf("recovered %s, seller is %s", signer.Hex(), item.Seller.Hex())), nil
	}

	if !cfg.IsLedgerAllowed(item.AssetLedger) {
		return failed(StatusLedgerNotAllowed, nil), nil
	}

	if uint64(m.now().Unix()) > item.Deadline {
		return failed(StatusExpired, nil), nil
	}

	state, err := m.registry.State(ctx, plan.digest)
	if err != nil {
		return itemOutcome{}, registryFailure(plan.digest, err)
	}
	if state != OrderOpen {
		return failed(StatusAlreadyFulfilledOrCancelled, nil), nil
	}

	if plan.split.Price.Cmp(remaining) > 0 {
		return failed(StatusInsufficientFunds, nil), nil
	}
	if plan.splitErr != nil {
		return failed(StatusPaymentSplitFailed, plan.splitErr), nil
	}

	ledger, err := m.ledgers.Ledger(ctx, item.AssetLedger)
	if err != nil {
		return failed(StatusAssetTransferFailed, err), nil
	}

	royaltyReceiver := item.Seller
	if item.IsPreMinted && plan.split.Royalty.Sign() > 0 {
		receiver, err := ledger.RoyaltyReceiver(ctx, item.AssetID)
		if err != nil {
			return failed(StatusPaymentSplitFailed, err), nil
		}
		if receiver != (common.Address{}) {
			royaltyReceiver = receiver
		}
	}

	// Every recipient is checked before anything moves.
	payout, err := m.stagePayout(ctx, item, cfg, plan.split, royaltyReceiver)
	if err != nil {
		return failed(StatusPaymentSplitFailed, err), nil
	}

	// The claim makes the registry write part of the item: a concurrent or
	// replayed purchase of the same digest fails from here on.
	if err := m.registry.Transition(ctx, plan.digest, OrderFulfilled); err != nil {
		m.rollback(ctx, payout)
		if errors.Is(err, ErrOrderNotOpen) {
			return failed(StatusAlreadyFulfilledOrCancelled, err), nil
		}
		return itemOutcome{}, registryFailure(plan.digest, err)
	}
	m.claimed.Store(&plan.digest)
	defer m.claimed.Store(nil)

	movement := AssetMovement{
		Minted:   !item.IsPreMinted,
		From:     item.Seller,
		To:       buyer,
		AssetID:  item.AssetID,
		Quantity: item.Quantity,
	}
	if item.IsPreMinted {
		err = ledger.Transfer(ctx, item.Seller, buyer, item.AssetID, item.Quantity)
	} else {
		movement.Quantity = big.NewInt(1)
		err = ledger.MintTo(ctx, buyer, item.AssetID, item.AssetURI, RoyaltyInfo{Receiver: item.Seller, FeeBps: item.RoyaltyFeeBps})
	}
	if err != nil {
		m.rollback(ctx, payout)
		if errors.Is(err, ErrMovementUnresolved) {
			return itemOutcome{}, unresolved(plan.digest, err)
		}
		if err := m.release(ctx, plan.digest); err != nil {
			return itemOutcome{}, err
		}
		return failed(StatusAssetTransferFailed, err), nil
	}

	if err := payout.Commit(ctx); err != nil {
		if errors.Is(err, ErrMovementUnresolved) {
			return itemOutcome{}, unresolved(plan.digest, err)
		}
		m.rollback(ctx, payout)
		if err := m.revert(ctx, ledger, plan.digest, movement, err); err != nil {
			return itemOutcome{}, err
		}
		if err := m.release(ctx, plan.digest); err != nil {
			return itemOutcome{}, err
		}
		return failed(StatusPaymentSplitFailed, err), nil
	}
	remaining.Sub(remaining, plan.split.Price)
	return itemOutcome{status: StatusSuccess}, nil
}

// stagePayout opens a payout and stages the non-zero transfers of split.
// On error the payout is already rolled back.
func (m *Marketplace) stagePayout(ctx context.Context, item OrderItem, cfg *AdminConfig, split FeeSplit, royaltyReceiver common.Address) (Payout, error) {
	tx, err := m.treasury.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin payout: %w", err)
	}

	transfers := []struct {
		to     common.Address
		amount *big.Int
	}{
		{item.CharityRecipient, split.Charity},
		{royaltyReceiver, split.Royalty},
		{cfg.AdminWallet, split.Platform},
		{item.Seller, split.Seller},
	}
	for _, t := range transfers {
		if t.amount.Sign() == 0 {
			continue
		}
		if err := tx.Pay(ctx, t.to, t.amount); err != nil {
			m.rollback(ctx, tx)
			return nil, fmt.Errorf("pay %s to %s: %w", t.amount, t.to.Hex(), err)
		}
	}
	return tx, nil
}

func (m *Marketplace) rollback(ctx context.Context, tx Payout) {
	if err := tx.Rollback(ctx); err != nil {
		m.logger.Error("payout rollback failed", zap.Error(err))
	}
}

// revert undoes an asset movement after its payout failed to commit. A
// ledger that cannot revert leaves the item half applied, which aborts the
// batch with the order still claimed.
func (m *Marketplace) revert(ctx context.Context, ledger AssetLedger, digest common.Hash, movement AssetMovement, cause error) error {
	details := map[string]interface{}{
		"digest": digest.Hex(),
		"asset":  movement.AssetID.String(),
		"to":     movement.To.Hex(),
	}
	reverter, ok := ledger.(AssetReverter)
	if !ok {
		return NewMarketplaceError(ErrCodePayoutFailed, cause,
			"payout failed after the asset moved and the ledger cannot revert movements", details)
	}
	if err := reverter.RevertMovement(ctx, movement); err != nil {
		return NewMarketplaceError(ErrCodeRevertFailed, errors.Join(cause, err), "asset movement could not be reverted", details)
	}
	return nil
}

// release drops the claim on an item that failed with nothing applied
func (m *Marketplace) release(ctx context.Context, digest common.Hash) error {
	if err := m.registry.Release(ctx, digest, OrderFulfilled); err != nil {
		return registryFailure(digest, err)
	}
	return nil
}

func unresolved(digest common.Hash, err error) error {
	return NewMarketplaceError(ErrCodeUnresolved, err, err.Error(),
		map[string]interface{}{"digest": digest.Hex()})
}

func registryFailure(digest common.Hash, err error) error {
	return NewMarketplaceError(ErrCodeRegistryFailure, err, err.Error(),
		map[string]interface{}{"digest": digest.Hex()})
}

// ============================================================================
// CancelOrders
// ============================================================================

// CancelOrders withdraws open orders. Only the seller of an item may cancel it.
func (m *Marketplace) CancelOrders(ctx context.Context, caller common.Address, items []OrderItem) (*BatchResult, error) {
	if err := m.enter(ctx, "CancelOrders"); err != nil {
		return nil, err
	}
	defer m.leave()

	start := m.now()
	if len(items) == 0 {
		return nil, invalidRequest(-1, "empty batch")
	}
	digests := make([]common.Hash, len(items))
	for i, item := range items {
		if err := validateItem(i, item); err != nil {
			return nil, err
		}
		digest, err := m.auth.HashOrder(item)
		if err != nil {
			return nil, NewMarketplaceError(ErrCodeHashFailure, err, err.Error(), map[string]interface{}{"index": i})
		}
		digests[i] = digest
	}

	batchID := m.batchID()
	hooks := m.hooks()

	if err := runBeforeHooks(hooks.beforeCancel, CancelContext{
		Ctx:       ctx,
		BatchID:   batchID,
		Caller:    caller,
		Items:     items,
		Digests:   digests,
		Timestamp: start,
	}); err != nil {
		return nil, err
	}

	sctx := withSettlement(ctx)
	result := &BatchResult{BatchID: batchID, Items: make([]ItemResult, 0, len(items))}

	var fatal error
	for i, item := range items {
		status, err := m.cancelItem(sctx, caller, item, digests[i])
		if err != nil {
			fatal = err
			m.logger.Error("cancel batch aborted",
				zap.String("batch", batchID),
				zap.Int("index", i),
				zap.Error(err))
			break
		}
		result.Items = append(result.Items, newItemResult(digests[i], status))
		if status != StatusSuccess {
			m.itemFailed(hooks, ItemFailureContext{
				Ctx: ctx, Kind: BatchKindCancel, BatchID: batchID, Index: i,
				Digest: digests[i], Status: status,
			})
		}
	}

	results, statuses, hashes := result.Columns()
	m.emit(ctx, BatchCancelled{
		BatchID:  batchID,
		Caller:   caller,
		Results:  results,
		Statuses: statuses,
		Digests:  hashes,
	})

	m.logger.Info("cancel batch settled",
		zap.String("batch", batchID),
		zap.String("caller", caller.Hex()),
		zap.Int("items", len(items)),
		zap.Int("succeeded", result.Succeeded()))

	if fatal != nil {
		return result, fatal
	}
	m.afterBatch(hooks, BatchResultContext{Ctx: ctx, Kind: BatchKindCancel, Caller: caller, Result: result, Duration: m.now().Sub(start)})
	return result, nil
}

func (m *Marketplace) cancelItem(ctx context.Context, caller common.Address, item OrderItem, digest common.Hash) (ItemStatus, error) {
	if caller != item.Seller {
		return StatusInvalidCanceller, nil
	}
	state, err := m.registry.State(ctx, digest)
	if err != nil {
		return "", registryFailure(digest, err)
	}
	if state != OrderOpen {
		return StatusAlreadyFulfilledOrCancelled, nil
	}
	if err := m.registry.Transition(ctx, digest, OrderCancelled); err != nil {
		if errors.Is(err, ErrOrderNotOpen) {
			return StatusAlreadyFulfilledOrCancelled, nil
		}
		return "", registryFailure(digest, err)
	}
	return StatusSuccess, nil
}

// ============================================================================
// Admin operations
// ============================================================================

// SetLedgerAllowed forwards to the access control layer
func (m *Marketplace) SetLedgerAllowed(ctx context.Context, caller, ledger common.Address, allowed bool) error {
	return m.access.SetLedgerAllowed(ctx, caller, ledger, allowed)
}

// SetAdminWallet forwards to the access control layer
func (m *Marketplace) SetAdminWallet(ctx context.Context, caller, wallet common.Address) error {
	return m.access.SetAdminWallet(ctx, caller, wallet)
}

// ============================================================================
// Helpers
// ============================================================================

func (m *Marketplace) emit(ctx context.Context, event Event) {
	if err := m.events.Emit(ctx, event); err != nil {
		m.logger.Warn("failed to emit event", zap.String("event", event.EventName()), zap.Error(err))
	}
}

func (m *Marketplace) itemFailed(hooks hookSet, fc ItemFailureContext) {
	m.logger.Debug("item failed",
		zap.String("batch", fc.BatchID),
		zap.String("kind", string(fc.Kind)),
		zap.Int("index", fc.Index),
		zap.String("digest", fc.Digest.Hex()),
		zap.String("status", string(fc.Status)),
		zap.NamedError("cause", fc.Cause))
	for _, hook := range hooks.itemFailure {
		hook(fc)
	}
}

func (m *Marketplace) afterBatch(hooks hookSet, rc BatchResultContext) {
	for _, hook := range hooks.afterBatch {
		if err := hook(rc); err != nil {
			m.logger.Warn("after-batch hook failed", zap.String("batch", rc.Result.BatchID), zap.Error(err))
		}
	}
}
