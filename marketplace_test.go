package marketplace_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	marketplace "github.com/givabit/marketplace"
	"github.com/givabit/marketplace/events"
	"github.com/givabit/marketplace/evm"
	ledgermem "github.com/givabit/marketplace/ledger/memory"
	signer "github.com/givabit/marketplace/signers/evm"
	"github.com/givabit/marketplace/store/memory"
)

const sellerKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

var (
	owner       = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	adminWallet = common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")
	buyer       = common.HexToAddress("0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65")
	charity     = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	artist      = common.HexToAddress("0x976EA74026E726554dB657fA54763abd0C3a0aa9")
	ledgerAddr  = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	settlement  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

	testNow = time.Unix(1_800_000_000, 0)
)

type fixture struct {
	market   *marketplace.Marketplace
	access   *marketplace.AccessControl
	registry *memory.Registry
	treasury *memory.Treasury
	ledger   *ledgermem.Ledger
	signer   *signer.OrderSigner
	events   *events.Recorder
	salt     int64
}

// fixtureDeps are the collaborators handed to the engine. Overrides usually
// wrap the memory implementations kept on the fixture.
type fixtureDeps struct {
	registry marketplace.OrderRegistry
	ledgers  marketplace.LedgerDirectory
	treasury marketplace.Treasury
}

func newFixture(t *testing.T, platformFeeBps uint32, overrides ...func(f *fixture, d *fixtureDeps)) *fixture {
	t.Helper()
	domain := evm.NewDomain("", "", big.NewInt(31337), settlement)
	s, err := signer.NewOrderSignerFromPrivateKey(sellerKey, domain)
	require.NoError(t, err)

	rec := events.NewRecorder()
	access, err := marketplace.NewAccessControl(owner, adminWallet, platformFeeBps,
		marketplace.WithAllowedLedgers(ledgerAddr),
		marketplace.WithAccessEvents(rec))
	require.NoError(t, err)

	f := &fixture{
		access:   access,
		registry: memory.NewRegistry(),
		treasury: memory.NewTreasury(),
		ledger:   ledgermem.NewLedger(ledgerAddr),
		signer:   s,
		events:   rec,
	}
	deps := fixtureDeps{
		registry: f.registry,
		ledgers:  ledgermem.NewDirectory(f.ledger),
		treasury: f.treasury,
	}
	for _, override := range overrides {
		override(f, &deps)
	}
	f.market, err = marketplace.New(
		evm.NewOrderVerifier(domain),
		deps.registry,
		deps.ledgers,
		deps.treasury,
		access,
		marketplace.WithLogger(zaptest.NewLogger(t)),
		marketplace.WithEvents(rec),
		marketplace.WithClock(func() time.Time { return testNow }),
	)
	require.NoError(t, err)
	return f
}

// mintItem returns a lazily minted order item with a fresh salt
func (f *fixture) mintItem(amount int64, charityBps uint32) marketplace.OrderItem {
	f.salt++
	return marketplace.OrderItem{
		AssetLedger:      ledgerAddr,
		Seller:           f.signer.Address(),
		IsPreMinted:      false,
		AssetID:          big.NewInt(1000 + f.salt),
		AssetURI:         "ipfs://asset",
		Quantity:         big.NewInt(1),
		ItemAmount:       big.NewInt(amount),
		CharityRecipient: charity,
		CharityShareBps:  charityBps,
		Deadline:         uint64(testNow.Add(10 * time.Minute).Unix()),
		Salt:             big.NewInt(f.salt),
	}
}

func (f *fixture) request(t *testing.T, item marketplace.OrderItem, additional int64) marketplace.OrderRequest {
	t.Helper()
	req, err := f.signer.NewOrderRequest(item, big.NewInt(additional))
	require.NoError(t, err)
	return req
}

func (f *fixture) state(t *testing.T, item marketplace.OrderItem) marketplace.OrderState {
	t.Helper()
	digest, err := f.market.HashOrder(item)
	require.NoError(t, err)
	st, err := f.market.OrderState(context.Background(), digest)
	require.NoError(t, err)
	return st
}

// faultyRegistry fails chosen writes of the memory registry
type faultyRegistry struct {
	*memory.Registry

	mu            sync.Mutex
	transitions   int
	failAt        int // 1-based Transition call that fails with transitionErr
	transitionErr error
	releaseErr    error

	// beforeTransition runs ahead of every Transition
	beforeTransition func(digest common.Hash)
}

func (r *faultyRegistry) Transition(ctx context.Context, digest common.Hash, to marketplace.OrderState) error {
	r.mu.Lock()
	r.transitions++
	fail := r.transitions == r.failAt
	hook := r.beforeTransition
	r.mu.Unlock()
	if hook != nil {
		hook(digest)
	}
	if fail {
		return r.transitionErr
	}
	return r.Registry.Transition(ctx, digest, to)
}

func (r *faultyRegistry) Release(ctx context.Context, digest common.Hash, from marketplace.OrderState) error {
	if r.releaseErr != nil {
		return r.releaseErr
	}
	return r.Registry.Release(ctx, digest, from)
}

// fixedLedger always resolves to one ledger
type fixedLedger struct {
	ledger marketplace.AssetLedger
}

func (d fixedLedger) Ledger(context.Context, common.Address) (marketplace.AssetLedger, error) {
	return d.ledger, nil
}

// forwardOnly hides the memory ledger's RevertMovement
type forwardOnly struct {
	marketplace.AssetLedger
}

// burnRejected is a ledger whose reverts always fail
type burnRejected struct {
	*ledgermem.Ledger
}

func (burnRejected) RevertMovement(context.Context, marketplace.AssetMovement) error {
	return errors.New("burn rejected")
}

func withForwardOnlyLedger(f *fixture, d *fixtureDeps) {
	d.ledgers = fixedLedger{forwardOnly{f.ledger}}
}

func statuses(r *marketplace.BatchResult) []marketplace.ItemStatus {
	out := make([]marketplace.ItemStatus, len(r.Items))
	for i, item := range r.Items {
		out[i] = item.Status
	}
	return out
}

func TestBuyItems_MixedBatch(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	valid1 := f.mintItem(1000, 0)
	forged := f.mintItem(1000, 0)
	expired := f.mintItem(1000, 0)
	expired.Deadline = uint64(testNow.Add(-time.Second).Unix())
	valid2 := f.mintItem(2000, 0)

	forgedReq := f.request(t, forged, 0)
	forgedReq.OrderItem.ItemAmount = big.NewInt(1) // signature no longer covers the item

	reqs := []marketplace.OrderRequest{
		f.request(t, valid1, 0),
		forgedReq,
		f.request(t, expired, 0),
		f.request(t, valid2, 0),
	}

	result, err := f.market.BuyItems(ctx, buyer, big.NewInt(10_000), reqs)
	require.NoError(t, err)

	want := []marketplace.ItemStatus{
		marketplace.StatusSuccess,
		marketplace.StatusInvalidSignature,
		marketplace.StatusExpired,
		marketplace.StatusSuccess,
	}
	if diff := cmp.Diff(want, statuses(result)); diff != "" {
		t.Errorf("statuses mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, result.Succeeded())
	assert.Equal(t, "Invalid signature", result.Items[1].StatusMessage)

	for i, req := range reqs {
		digest, err := f.market.HashOrder(req.OrderItem)
		require.NoError(t, err)
		assert.Equal(t, digest, result.Items[i].Digest, "digest of item %d", i)
	}

	assert.Equal(t, marketplace.OrderFulfilled, f.state(t, valid1))
	assert.Equal(t, marketplace.OrderOpen, f.state(t, expired))
	assert.Equal(t, marketplace.OrderFulfilled, f.state(t, valid2))

	assert.Equal(t, "3000", result.Spent.String())
	assert.Equal(t, "7000", result.Refunded.String())
	assert.Equal(t, "7000", f.treasury.Balance(buyer).String())
	assert.Equal(t, "3000", f.treasury.Balance(f.signer.Address()).String())
	assert.Equal(t, "1", f.ledger.BalanceOf(buyer, valid1.AssetID).String())

	batches := f.events.Named(marketplace.EventBatchPurchased)
	require.Len(t, batches, 1)
	ev := batches[0].(marketplace.BatchPurchased)
	assert.Equal(t, buyer, ev.Buyer)
	assert.Equal(t, []bool{true, false, false, true}, ev.Results)
	assert.Equal(t, "Order has expired", ev.Statuses[2])
	assert.Equal(t, result.Items[3].Digest, ev.Digests[3])
}

func TestBuyItems_FeeSplit(t *testing.T) {
	t.Run("Charity share of 1500 bps", func(t *testing.T) {
		f := newFixture(t, 0)
		item := f.mintItem(1000, 1500)

		result, err := f.market.BuyItems(context.Background(), buyer, big.NewInt(1000),
			[]marketplace.OrderRequest{f.request(t, item, 0)})
		require.NoError(t, err)
		require.True(t, result.Items[0].Success)

		assert.Equal(t, "850", f.treasury.Balance(f.signer.Address()).String())
		assert.Equal(t, "150", f.treasury.Balance(charity).String())
		assert.Nil(t, result.Refunded)
	})

	t.Run("Platform fee and additional amount", func(t *testing.T) {
		f := newFixture(t, 250)
		item := f.mintItem(1000, 1000)
		item.RoyaltyFeeBps = 500

		_, err := f.market.BuyItems(context.Background(), buyer, big.NewInt(1500),
			[]marketplace.OrderRequest{f.request(t, item, 500)})
		require.NoError(t, err)

		// Minted assets pay royalty to the seller
		assert.Equal(t, "1375", f.treasury.Balance(f.signer.Address()).String())
		assert.Equal(t, "100", f.treasury.Balance(charity).String())
		assert.Equal(t, "25", f.treasury.Balance(adminWallet).String())
	})

	t.Run("Pre-minted royalty goes to the recorded receiver", func(t *testing.T) {
		f := newFixture(t, 0)
		item := f.mintItem(1000, 0)
		item.IsPreMinted = true
		item.RoyaltyFeeBps = 1000
		f.ledger.Seed(f.signer.Address(), item.AssetID, big.NewInt(1), marketplace.RoyaltyInfo{Receiver: artist, FeeBps: 1000})

		result, err := f.market.BuyItems(context.Background(), buyer, big.NewInt(1000),
			[]marketplace.OrderRequest{f.request(t, item, 0)})
		require.NoError(t, err)
		require.True(t, result.Items[0].Success)

		assert.Equal(t, "100", f.treasury.Balance(artist).String())
		assert.Equal(t, "900", f.treasury.Balance(f.signer.Address()).String())
		assert.Equal(t, "1", f.ledger.BalanceOf(buyer, item.AssetID).String())
		assert.Equal(t, "0", f.ledger.BalanceOf(f.signer.Address(), item.AssetID).String())
	})

	t.Run("Mint records royalty info and URI", func(t *testing.T) {
		f := newFixture(t, 0)
		item := f.mintItem(1000, 0)
		item.RoyaltyFeeBps = 20

		_, err := f.market.BuyItems(context.Background(), buyer, big.NewInt(1000),
			[]marketplace.OrderRequest{f.request(t, item, 0)})
		require.NoError(t, err)

		receiver, err := f.ledger.RoyaltyReceiver(context.Background(), item.AssetID)
		require.NoError(t, err)
		assert.Equal(t, f.signer.Address(), receiver)
		assert.Equal(t, "ipfs://asset", f.ledger.TokenURI(item.AssetID))
	})
}

func TestBuyItems_AtMostOnce(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	item := f.mintItem(1000, 0)
	req := f.request(t, item, 0)

	result, err := f.market.BuyItems(ctx, buyer, big.NewInt(2000), []marketplace.OrderRequest{req, req})
	require.NoError(t, err)
	assert.Equal(t, []marketplace.ItemStatus{
		marketplace.StatusSuccess,
		marketplace.StatusAlreadyFulfilledOrCancelled,
	}, statuses(result))
	assert.Equal(t, "1000", result.Refunded.String())

	result, err = f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{req})
	require.NoError(t, err)
	assert.Equal(t, marketplace.StatusAlreadyFulfilledOrCancelled, result.Items[0].Status)

	cancel, err := f.market.CancelOrders(ctx, f.signer.Address(), []marketplace.OrderItem{item})
	require.NoError(t, err)
	assert.Equal(t, marketplace.StatusAlreadyFulfilledOrCancelled, cancel.Items[0].Status)
	assert.Equal(t, marketplace.OrderFulfilled, f.state(t, item))
}

func TestBuyItems_ConcurrentBuyersOneWins(t *testing.T) {
	f := newFixture(t, 0)
	req := f.request(t, f.mintItem(1000, 0), 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var result *marketplace.BatchResult
			var err error
			for {
				result, err = f.market.BuyItems(context.Background(), buyer, big.NewInt(1000), []marketplace.OrderRequest{req})
				if !errors.Is(err, marketplace.ErrBusy) {
					break
				}
				runtime.Gosched()
			}
			if err != nil {
				t.Error(err)
				return
			}
			if result.Items[0].Success {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestBuyItems_ItemFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("Ledger not allowed", func(t *testing.T) {
		f := newFixture(t, 0)
		item := f.mintItem(1000, 0)
		require.NoError(t, f.access.SetLedgerAllowed(ctx, owner, ledgerAddr, false))

		result, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, item, 0)})
		require.NoError(t, err)
		assert.Equal(t, marketplace.StatusLedgerNotAllowed, result.Items[0].Status)
		assert.Equal(t, "1000", result.Refunded.String())
	})

	t.Run("Expired order fails even when otherwise valid", func(t *testing.T) {
		f := newFixture(t, 0)
		item := f.mintItem(1000, 0)
		item.Deadline = uint64(testNow.Unix()) - 1

		result, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, item, 0)})
		require.NoError(t, err)
		assert.Equal(t, marketplace.StatusExpired, result.Items[0].Status)
		assert.Equal(t, marketplace.OrderOpen, f.state(t, item))
	})

	t.Run("Deadline equal to now is accepted", func(t *testing.T) {
		f := newFixture(t, 0)
		item := f.mintItem(1000, 0)
		item.Deadline = uint64(testNow.Unix())

		result, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, item, 0)})
		require.NoError(t, err)
		assert.True(t, result.Items[0].Success)
	})

	t.Run("Insufficient funds consumes nothing", func(t *testing.T) {
		f := newFixture(t, 0)
		first, second, third := f.mintItem(1000, 0), f.mintItem(1000, 0), f.mintItem(400, 0)

		result, err := f.market.BuyItems(ctx, buyer, big.NewInt(1500), []marketplace.OrderRequest{
			f.request(t, first, 0), f.request(t, second, 0), f.request(t, third, 0),
		})
		require.NoError(t, err)
		assert.Equal(t, []marketplace.ItemStatus{
			marketplace.StatusSuccess,
			marketplace.StatusInsufficientFunds,
			marketplace.StatusSuccess,
		}, statuses(result))
		assert.Equal(t, marketplace.OrderOpen, f.state(t, second))
		assert.Equal(t, "100", result.Refunded.String())
	})

	t.Run("Asset transfer failure consumes nothing", func(t *testing.T) {
		f := newFixture(t, 0)
		item := f.mintItem(1000, 0)
		item.IsPreMinted = true // seller holds no units

		result, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, item, 0)})
		require.NoError(t, err)
		assert.Equal(t, marketplace.StatusAssetTransferFailed, result.Items[0].Status)
		assert.Equal(t, marketplace.OrderOpen, f.state(t, item))
		assert.Equal(t, "1000", f.treasury.Balance(buyer).String())
	})

	t.Run("Rejected payout recipient moves nothing", func(t *testing.T) {
		f := newFixture(t, 0)
		item := f.mintItem(1000, 1500)
		f.treasury.Block(charity)
		f.ledger.OnMovement = func(context.Context, marketplace.AssetMovement) error {
			t.Error("asset moved although the payout could not be staged")
			return nil
		}

		result, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, item, 0)})
		require.NoError(t, err)
		assert.Equal(t, marketplace.StatusPaymentSplitFailed, result.Items[0].Status)
		assert.Equal(t, marketplace.OrderOpen, f.state(t, item))
		assert.Equal(t, "0", f.ledger.BalanceOf(buyer, item.AssetID).String())
		assert.Equal(t, "0", f.treasury.Balance(f.signer.Address()).String())
		assert.Equal(t, "1000", f.treasury.Balance(buyer).String())
	})

	t.Run("Rejected payout on a ledger that cannot revert moves nothing", func(t *testing.T) {
		f := newFixture(t, 0, withForwardOnlyLedger)
		item := f.mintItem(1000, 0)
		f.treasury.Block(f.signer.Address())

		result, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, item, 0)})
		require.NoError(t, err)
		assert.Equal(t, marketplace.StatusPaymentSplitFailed, result.Items[0].Status)
		assert.Equal(t, "0", f.ledger.BalanceOf(buyer, item.AssetID).String())
		assert.Equal(t, "1000", f.treasury.Balance(buyer).String())
		assert.Equal(t, marketplace.OrderOpen, f.state(t, item))
	})

	t.Run("Payout commit failure reverts the asset", func(t *testing.T) {
		f := newFixture(t, 0)
		item := f.mintItem(1000, 0)
		// the seller becomes unpayable after staging
		f.ledger.OnMovement = func(context.Context, marketplace.AssetMovement) error {
			f.treasury.Block(f.signer.Address())
			return nil
		}

		result, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, item, 0)})
		require.NoError(t, err)
		assert.Equal(t, marketplace.StatusPaymentSplitFailed, result.Items[0].Status)
		assert.Equal(t, "0", f.ledger.BalanceOf(buyer, item.AssetID).String())
		assert.Empty(t, f.ledger.TokenURI(item.AssetID))
		assert.Equal(t, "1000", f.treasury.Balance(buyer).String())
		assert.Equal(t, marketplace.OrderOpen, f.state(t, item))

		f.ledger.OnMovement = nil
		f.treasury.Unblock(f.signer.Address())
		again, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, item, 0)})
		require.NoError(t, err)
		assert.True(t, again.Items[0].Success)
	})

	t.Run("Competing writer at the claim fails the item", func(t *testing.T) {
		var reg *faultyRegistry
		f := newFixture(t, 0, func(f *fixture, d *fixtureDeps) {
			reg = &faultyRegistry{Registry: f.registry}
			d.registry = reg
		})
		item := f.mintItem(1000, 0)
		reg.beforeTransition = func(digest common.Hash) {
			_ = f.registry.Transition(context.Background(), digest, marketplace.OrderCancelled)
		}

		result, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, item, 0)})
		require.NoError(t, err)
		assert.Equal(t, marketplace.StatusAlreadyFulfilledOrCancelled, result.Items[0].Status)
		assert.Equal(t, "0", f.ledger.BalanceOf(buyer, item.AssetID).String())
		assert.Equal(t, "0", f.treasury.Balance(f.signer.Address()).String())
		assert.Equal(t, marketplace.OrderCancelled, f.state(t, item))
	})

	t.Run("Shares above price fail the item", func(t *testing.T) {
		f := newFixture(t, 0)
		item := f.mintItem(1000, 8000)
		item.RoyaltyFeeBps = 3000

		result, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, item, 0)})
		require.NoError(t, err)
		assert.Equal(t, marketplace.StatusPaymentSplitFailed, result.Items[0].Status)
		assert.Equal(t, "0", f.ledger.BalanceOf(buyer, item.AssetID).String())
	})

	t.Run("Item failure hook sees every failure", func(t *testing.T) {
		f := newFixture(t, 0)
		expired := f.mintItem(1000, 0)
		expired.Deadline = 1

		var seen []marketplace.ItemFailureContext
		f.market.OnItemFailure(func(fc marketplace.ItemFailureContext) { seen = append(seen, fc) })

		_, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{
			f.request(t, f.mintItem(1000, 0), 0), f.request(t, expired, 0),
		})
		require.NoError(t, err)
		require.Len(t, seen, 1)
		assert.Equal(t, 1, seen[0].Index)
		assert.Equal(t, marketplace.StatusExpired, seen[0].Status)
		assert.Equal(t, marketplace.BatchKindBuy, seen[0].Kind)
	})
}

func TestBuyItems_CallFatal(t *testing.T) {
	ctx := context.Background()
	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	tests := []struct {
		name    string
		mutate  func(f *fixture, reqs []marketplace.OrderRequest) []marketplace.OrderRequest
		wantErr error
	}{
		{
			name:    "empty batch",
			mutate:  func(*fixture, []marketplace.OrderRequest) []marketplace.OrderRequest { return nil },
			wantErr: marketplace.ErrInvalidRequest,
		},
		{
			name: "zero quantity",
			mutate: func(_ *fixture, reqs []marketplace.OrderRequest) []marketplace.OrderRequest {
				reqs[1].OrderItem.Quantity = big.NewInt(0)
				return reqs
			},
			wantErr: marketplace.ErrInvalidRequest,
		},
		{
			name: "missing salt",
			mutate: func(_ *fixture, reqs []marketplace.OrderRequest) []marketplace.OrderRequest {
				reqs[1].OrderItem.Salt = nil
				return reqs
			},
			wantErr: marketplace.ErrInvalidRequest,
		},
		{
			name: "charity share above denominator",
			mutate: func(_ *fixture, reqs []marketplace.OrderRequest) []marketplace.OrderRequest {
				reqs[1].OrderItem.CharityShareBps = 10001
				return reqs
			},
			wantErr: marketplace.ErrInvalidRequest,
		},
		{
			name: "negative additional amount",
			mutate: func(_ *fixture, reqs []marketplace.OrderRequest) []marketplace.OrderRequest {
				reqs[1].AdditionalAmount = big.NewInt(-1)
				return reqs
			},
			wantErr: marketplace.ErrInvalidRequest,
		},
		{
			name: "price overflow",
			mutate: func(_ *fixture, reqs []marketplace.OrderRequest) []marketplace.OrderRequest {
				reqs[1].OrderItem.ItemAmount = maxUint256
				reqs[1].AdditionalAmount = big.NewInt(1)
				return reqs
			},
			wantErr: marketplace.ErrArithmeticOverflow,
		},
		{
			name: "fee multiplication overflow",
			mutate: func(_ *fixture, reqs []marketplace.OrderRequest) []marketplace.OrderRequest {
				reqs[1].OrderItem.ItemAmount = maxUint256
				reqs[1].OrderItem.CharityShareBps = 2
				return reqs
			},
			wantErr: marketplace.ErrArithmeticOverflow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			reqs := []marketplace.OrderRequest{
				f.request(t, f.mintItem(1000, 0), 0),
				f.request(t, f.mintItem(1000, 0), 0),
			}
			reqs = tt.mutate(f, reqs)

			result, err := f.market.BuyItems(ctx, buyer, big.NewInt(2000), reqs)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "expected %v, got %v", tt.wantErr, err)
			assert.Nil(t, result)

			// No state changed: the valid first item was not executed
			assert.Equal(t, 0, f.registry.Len())
			assert.Equal(t, "0", f.treasury.Balance(buyer).String())
			assert.Empty(t, f.events.Named(marketplace.EventBatchPurchased))
		})
	}

	t.Run("zero buyer", func(t *testing.T) {
		f := newFixture(t, 0)
		_, err := f.market.BuyItems(ctx, common.Address{}, big.NewInt(1000),
			[]marketplace.OrderRequest{f.request(t, f.mintItem(1000, 0), 0)})
		assert.True(t, errors.Is(err, marketplace.ErrZeroAddress))
	})
}

func TestBuyItems_Reentrancy(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	item := f.mintItem(1000, 0)
	other := f.mintItem(1000, 0)
	digest, err := f.market.HashOrder(item)
	require.NoError(t, err)

	var buyErr, cancelErr, adminErr error
	var midState, claimState marketplace.OrderState
	f.ledger.OnMovement = func(cbCtx context.Context, _ marketplace.AssetMovement) error {
		_, buyErr = f.market.BuyItems(cbCtx, buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, other, 0)})
		_, cancelErr = f.market.CancelOrders(cbCtx, f.signer.Address(), []marketplace.OrderItem{other})
		adminErr = f.access.SetLedgerAllowed(cbCtx, owner, ledgerAddr, false)
		midState, _ = f.market.OrderState(cbCtx, digest)
		claimState, _ = f.registry.State(cbCtx, digest)
		return nil
	}

	result, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, item, 0)})
	require.NoError(t, err)
	assert.True(t, result.Items[0].Success)

	assert.True(t, errors.Is(buyErr, marketplace.ErrReentrantCall), "buy: %v", buyErr)
	assert.True(t, errors.Is(cancelErr, marketplace.ErrReentrantCall), "cancel: %v", cancelErr)
	assert.True(t, errors.Is(adminErr, marketplace.ErrReentrantCall), "admin: %v", adminErr)
	assert.Equal(t, marketplace.OrderOpen, midState)
	assert.Equal(t, marketplace.OrderFulfilled, claimState, "the registry holds the claim while the item runs")

	assert.Equal(t, marketplace.OrderOpen, f.state(t, other))
	assert.True(t, f.access.IsLedgerAllowed(ledgerAddr))
}

func TestBuyItems_CallbackWithFreshContext(t *testing.T) {
	f := newFixture(t, 0)
	item := f.mintItem(1000, 0)
	other := f.mintItem(1000, 0)

	var buyErr, cancelErr error
	f.ledger.OnMovement = func(context.Context, marketplace.AssetMovement) error {
		_, buyErr = f.market.BuyItems(context.Background(), buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, other, 0)})
		_, cancelErr = f.market.CancelOrders(context.Background(), f.signer.Address(), []marketplace.OrderItem{other})
		return nil
	}

	done := make(chan struct{})
	var result *marketplace.BatchResult
	var err error
	go func() {
		defer close(done)
		result, err = f.market.BuyItems(context.Background(), buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, item, 0)})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("BuyItems blocked on a callback that lost the settlement context")
	}

	require.NoError(t, err)
	assert.True(t, result.Items[0].Success)
	assert.True(t, errors.Is(buyErr, marketplace.ErrBusy), "buy: %v", buyErr)
	assert.True(t, errors.Is(cancelErr, marketplace.ErrBusy), "cancel: %v", cancelErr)
	assert.Equal(t, marketplace.OrderOpen, f.state(t, other))

	// the engine accepts new batches once the first one returns
	next, err := f.market.CancelOrders(context.Background(), f.signer.Address(), []marketplace.OrderItem{other})
	require.NoError(t, err)
	assert.True(t, next.Items[0].Success)
}

func TestBuyItems_FailedClaimCanBeReplayed(t *testing.T) {
	f := newFixture(t, 0, func(f *fixture, d *fixtureDeps) {
		d.registry = &faultyRegistry{Registry: f.registry, failAt: 1, transitionErr: errors.New("connection reset")}
	})
	ctx := context.Background()
	item := f.mintItem(1000, 0)
	req := f.request(t, item, 0)

	result, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{req})
	var merr *marketplace.MarketplaceError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, marketplace.ErrCodeRegistryFailure, merr.Code)
	require.NotNil(t, result)
	assert.Empty(t, result.Items)
	assert.Equal(t, "0", f.ledger.BalanceOf(buyer, item.AssetID).String())
	assert.Equal(t, "0", f.treasury.Balance(f.signer.Address()).String())
	assert.Equal(t, "1000", f.treasury.Balance(buyer).String())

	result, err = f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{req})
	require.NoError(t, err)
	assert.True(t, result.Items[0].Success)

	result, err = f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{req})
	require.NoError(t, err)
	assert.Equal(t, marketplace.StatusAlreadyFulfilledOrCancelled, result.Items[0].Status)
	assert.Equal(t, "1", f.ledger.BalanceOf(buyer, item.AssetID).String())
	assert.Equal(t, "1000", f.treasury.Balance(f.signer.Address()).String())
}

func TestBuyItems_InfrastructureAbort(t *testing.T) {
	unresolvedErr := fmt.Errorf("%w: receipt not seen", marketplace.ErrMovementUnresolved)

	tests := []struct {
		name      string
		override  func(f *fixture, d *fixtureDeps)
		arm       func(f *fixture, target *big.Int)
		wantCode  string
		wantState marketplace.OrderState
		wantAsset string
	}{
		{
			name: "registry write fails",
			override: func(f *fixture, d *fixtureDeps) {
				d.registry = &faultyRegistry{Registry: f.registry, failAt: 2, transitionErr: errors.New("connection reset")}
			},
			wantCode:  marketplace.ErrCodeRegistryFailure,
			wantState: marketplace.OrderOpen,
			wantAsset: "0",
		},
		{
			name: "claim cannot be released",
			override: func(f *fixture, d *fixtureDeps) {
				d.registry = &faultyRegistry{Registry: f.registry, releaseErr: errors.New("connection reset")}
			},
			arm: func(f *fixture, target *big.Int) {
				f.ledger.OnMovement = func(_ context.Context, m marketplace.AssetMovement) error {
					if m.AssetID.Cmp(target) == 0 {
						return errors.New("ledger paused")
					}
					return nil
				}
			},
			wantCode:  marketplace.ErrCodeRegistryFailure,
			wantState: marketplace.OrderFulfilled,
			wantAsset: "0",
		},
		{
			name:     "payout commit fails on a ledger that cannot revert",
			override: withForwardOnlyLedger,
			arm: func(f *fixture, target *big.Int) {
				f.ledger.OnMovement = func(_ context.Context, m marketplace.AssetMovement) error {
					if m.AssetID.Cmp(target) == 0 {
						f.treasury.Block(f.signer.Address())
					}
					return nil
				}
			},
			wantCode:  marketplace.ErrCodePayoutFailed,
			wantState: marketplace.OrderFulfilled,
			wantAsset: "1",
		},
		{
			name: "revert fails",
			override: func(f *fixture, d *fixtureDeps) {
				d.ledgers = fixedLedger{burnRejected{f.ledger}}
			},
			arm: func(f *fixture, target *big.Int) {
				f.ledger.OnMovement = func(_ context.Context, m marketplace.AssetMovement) error {
					if m.AssetID.Cmp(target) == 0 {
						f.treasury.Block(f.signer.Address())
					}
					return nil
				}
			},
			wantCode:  marketplace.ErrCodeRevertFailed,
			wantState: marketplace.OrderFulfilled,
			wantAsset: "1",
		},
		{
			name: "movement outcome unknown",
			arm: func(f *fixture, target *big.Int) {
				f.ledger.OnMovement = func(_ context.Context, m marketplace.AssetMovement) error {
					if m.AssetID.Cmp(target) == 0 {
						return unresolvedErr
					}
					return nil
				}
			},
			wantCode:  marketplace.ErrCodeUnresolved,
			wantState: marketplace.OrderFulfilled,
			wantAsset: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var overrides []func(*fixture, *fixtureDeps)
			if tt.override != nil {
				overrides = append(overrides, tt.override)
			}
			f := newFixture(t, 0, overrides...)
			first, second := f.mintItem(1000, 0), f.mintItem(1000, 0)
			if tt.arm != nil {
				tt.arm(f, second.AssetID)
			}
			afterCalled := false
			f.market.OnAfterBatch(func(marketplace.BatchResultContext) error {
				afterCalled = true
				return nil
			})

			result, err := f.market.BuyItems(context.Background(), buyer, big.NewInt(2000), []marketplace.OrderRequest{
				f.request(t, first, 0), f.request(t, second, 0),
			})
			var merr *marketplace.MarketplaceError
			require.ErrorAs(t, err, &merr)
			assert.Equal(t, tt.wantCode, merr.Code)

			require.NotNil(t, result)
			require.Len(t, result.Items, 1, "items before the abort are reported")
			assert.True(t, result.Items[0].Success)
			assert.Equal(t, "1000", result.Spent.String())
			assert.Equal(t, "1000", result.Refunded.String())
			assert.False(t, afterCalled)
			assert.Len(t, f.events.Named(marketplace.EventBatchPurchased), 1)

			assert.Equal(t, marketplace.OrderFulfilled, f.state(t, first))
			assert.Equal(t, tt.wantState, f.state(t, second))
			assert.Equal(t, tt.wantAsset, f.ledger.BalanceOf(buyer, second.AssetID).String())
		})
	}
}

func TestBuyItems_HookRegistersHook(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	after := 0
	registered := false
	f.market.OnBeforeBuy(func(marketplace.BuyContext) (*marketplace.BeforeHookResult, error) {
		if !registered {
			registered = true
			f.market.OnAfterBatch(func(marketplace.BatchResultContext) error {
				after++
				return nil
			})
		}
		return nil, nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, f.mintItem(1000, 0), 0)})
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("registering a hook from a hook blocked the batch")
	}
	assert.Equal(t, 0, after, "hooks registered mid-batch apply from the next batch")

	_, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, f.mintItem(1000, 0), 0)})
	require.NoError(t, err)
	assert.Equal(t, 1, after)
}

func TestBuyItems_Hooks(t *testing.T) {
	ctx := context.Background()

	t.Run("Before hook aborts with no state change", func(t *testing.T) {
		f := newFixture(t, 0)
		f.market.OnBeforeBuy(func(bc marketplace.BuyContext) (*marketplace.BeforeHookResult, error) {
			return &marketplace.BeforeHookResult{Abort: true, Reason: "buyer is sanctioned"}, nil
		})

		_, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, f.mintItem(1000, 0), 0)})
		assert.True(t, errors.Is(err, marketplace.ErrAborted))
		assert.Equal(t, 0, f.registry.Len())
		assert.Empty(t, f.events.Named(marketplace.EventBatchPurchased))
	})

	t.Run("After hook receives the result", func(t *testing.T) {
		f := newFixture(t, 0)
		var got *marketplace.BatchResultContext
		f.market.OnAfterBatch(func(rc marketplace.BatchResultContext) error {
			got = &rc
			return errors.New("ignored")
		})

		result, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, f.mintItem(1000, 0), 0)})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, marketplace.BatchKindBuy, got.Kind)
		assert.Equal(t, result.BatchID, got.Result.BatchID)
	})
}

func TestBuyItems_RefundFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.treasury.Block(buyer)

	result, err := f.market.BuyItems(context.Background(), buyer, big.NewInt(5000),
		[]marketplace.OrderRequest{f.request(t, f.mintItem(1000, 0), 0)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, marketplace.ErrRefundFailed))
	require.NotNil(t, result)
	assert.True(t, result.Items[0].Success)
	assert.Nil(t, result.Refunded)
}

func TestCancelOrders(t *testing.T) {
	ctx := context.Background()

	t.Run("Non-seller cancel leaves the order open", func(t *testing.T) {
		f := newFixture(t, 0)
		item := f.mintItem(1000, 0)

		result, err := f.market.CancelOrders(ctx, buyer, []marketplace.OrderItem{item})
		require.NoError(t, err)
		assert.Equal(t, marketplace.StatusInvalidCanceller, result.Items[0].Status)
		assert.Equal(t, "Caller is not the seller", result.Items[0].StatusMessage)
		assert.Equal(t, marketplace.OrderOpen, f.state(t, item))
	})

	t.Run("Seller cancels and the order can no longer be bought", func(t *testing.T) {
		f := newFixture(t, 0)
		item := f.mintItem(1000, 0)

		result, err := f.market.CancelOrders(ctx, f.signer.Address(), []marketplace.OrderItem{item, item})
		require.NoError(t, err)
		assert.Equal(t, []marketplace.ItemStatus{
			marketplace.StatusSuccess,
			marketplace.StatusAlreadyFulfilledOrCancelled,
		}, statuses(result))
		assert.Equal(t, marketplace.OrderCancelled, f.state(t, item))

		buy, err := f.market.BuyItems(ctx, buyer, big.NewInt(1000), []marketplace.OrderRequest{f.request(t, item, 0)})
		require.NoError(t, err)
		assert.Equal(t, marketplace.StatusAlreadyFulfilledOrCancelled, buy.Items[0].Status)
		assert.Equal(t, "1000", buy.Refunded.String())

		cancelled := f.events.Named(marketplace.EventBatchCancelled)
		require.Len(t, cancelled, 1)
		ev := cancelled[0].(marketplace.BatchCancelled)
		assert.Equal(t, f.signer.Address(), ev.Caller)
		assert.Equal(t, []bool{true, false}, ev.Results)
	})

	t.Run("Malformed item is call-fatal", func(t *testing.T) {
		f := newFixture(t, 0)
		good := f.mintItem(1000, 0)
		bad := f.mintItem(1000, 0)
		bad.Quantity = nil

		_, err := f.market.CancelOrders(ctx, f.signer.Address(), []marketplace.OrderItem{good, bad})
		assert.True(t, errors.Is(err, marketplace.ErrInvalidRequest))
		assert.Equal(t, marketplace.OrderOpen, f.state(t, good))
	})

	t.Run("Before hook abort", func(t *testing.T) {
		f := newFixture(t, 0)
		item := f.mintItem(1000, 0)
		f.market.OnBeforeCancel(func(marketplace.CancelContext) (*marketplace.BeforeHookResult, error) {
			return nil, errors.New("maintenance")
		})

		_, err := f.market.CancelOrders(ctx, f.signer.Address(), []marketplace.OrderItem{item})
		assert.True(t, errors.Is(err, marketplace.ErrAborted))
		assert.Equal(t, marketplace.OrderOpen, f.state(t, item))
	})
}

func TestSetLedgerAllowed_ZeroAddress(t *testing.T) {
	f := newFixture(t, 0)
	before := f.access.Snapshot()

	err := f.market.SetLedgerAllowed(context.Background(), owner, common.Address{}, true)
	assert.True(t, errors.Is(err, marketplace.ErrZeroAddress))
	assert.Same(t, before, f.access.Snapshot())
	assert.Empty(t, f.events.Named(marketplace.EventLedgerAllowedChanged))
}
