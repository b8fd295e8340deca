package marketplace

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BpsDenominator is the basis-point scale used for every fee share.
const BpsDenominator = 10000

// OrderState is the lifecycle state of an order digest in the registry
type OrderState uint8

const (
	// OrderOpen is the implicit state of every digest not yet seen
	OrderOpen OrderState = iota
	// OrderFulfilled is terminal: the order was bought
	OrderFulfilled
	// OrderCancelled is terminal: the seller withdrew the order
	OrderCancelled
)

func (s OrderState) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderFulfilled:
		return "fulfilled"
	case OrderCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// IsTerminal reports whether no further transition is allowed out of s
func (s OrderState) IsTerminal() bool {
	return s == OrderFulfilled || s == OrderCancelled
}

// ParseOrderState is the inverse of OrderState.String
func ParseOrderState(s string) (OrderState, error) {
	switch s {
	case "open":
		return OrderOpen, nil
	case "fulfilled":
		return OrderFulfilled, nil
	case "cancelled":
		return OrderCancelled, nil
	default:
		return OrderOpen, fmt.Errorf("unknown order state: %q", s)
	}
}

// OrderItem is the payload a seller signs. Every field is covered by the
// signature and by the order digest.
type OrderItem struct {
	AssetLedger      common.Address `json:"assetLedger"`
	Seller           common.Address `json:"seller"`
	IsPreMinted      bool           `json:"isPreMinted"`
	AssetID          *big.Int       `json:"assetId"`
	AssetURI         string         `json:"assetURI"`
	Quantity         *big.Int       `json:"quantity"`
	ItemAmount       *big.Int       `json:"itemAmount"`
	CharityRecipient common.Address `json:"charityRecipient"`
	CharityShareBps  uint32         `json:"charityShareBps"`
	RoyaltyFeeBps    uint32         `json:"royaltyFeeBps"`
	Deadline         uint64         `json:"deadline"` // unix seconds
	Salt             *big.Int       `json:"salt"`
}

// OrderRequest is one entry of a purchase batch.
// AdditionalAmount is supplied by the buyer and is not signed.
type OrderRequest struct {
	OrderItem        OrderItem `json:"orderItem"`
	AdditionalAmount *big.Int  `json:"additionalAmount"`
	Signature        []byte    `json:"signature"`
}

// RoyaltyInfo is handed to the asset ledger when an asset is minted
type RoyaltyInfo struct {
	Receiver common.Address
	FeeBps   uint32
}

// ItemStatus is the machine-readable outcome of one batch item
type ItemStatus string

const (
	StatusSuccess                     ItemStatus = "success"
	StatusInvalidSignature            ItemStatus = "invalid_signature"
	StatusLedgerNotAllowed            ItemStatus = "ledger_not_allowed"
	StatusExpired                     ItemStatus = "expired"
	StatusAlreadyFulfilledOrCancelled ItemStatus = "already_fulfilled_or_cancelled"
	StatusInsufficientFunds           ItemStatus = "insufficient_funds"
	StatusAssetTransferFailed         ItemStatus = "asset_transfer_failed"
	StatusPaymentSplitFailed          ItemStatus = "payment_split_failed"
	StatusInvalidCanceller            ItemStatus = "invalid_canceller"
)

var statusMessages = map[ItemStatus]string{
	StatusSuccess:                     "Success",
	StatusInvalidSignature:            "Invalid signature",
	StatusLedgerNotAllowed:            "Asset ledger is not allowed",
	StatusExpired:                     "Order has expired",
	StatusAlreadyFulfilledOrCancelled: "Order already fulfilled or cancelled",
	StatusInsufficientFunds:           "Insufficient funds",
	StatusAssetTransferFailed:         "Asset transfer failed",
	StatusPaymentSplitFailed:          "Payment split failed",
	StatusInvalidCanceller:            "Caller is not the seller",
}

// Message returns the human-readable form of the status
func (s ItemStatus) Message() string {
	if m, ok := statusMessages[s]; ok {
		return m
	}
	return string(s)
}

// ItemResult is the outcome of one item in a batch
type ItemResult struct {
	Success       bool        `json:"success"`
	Status        ItemStatus  `json:"status"`
	StatusMessage string      `json:"statusMessage"`
	Digest        common.Hash `json:"digest"`
}

func newItemResult(digest common.Hash, status ItemStatus) ItemResult {
	return ItemResult{
		Success:       status == StatusSuccess,
		Status:        status,
		StatusMessage: status.Message(),
		Digest:        digest,
	}
}

// BatchResult is the ordered outcome of a BuyItems or CancelOrders call
type BatchResult struct {
	BatchID  string       `json:"batchId"`
	Items    []ItemResult `json:"items"`
	Spent    *big.Int     `json:"spent,omitempty"`
	Refunded *big.Int     `json:"refunded,omitempty"`
}

// Succeeded returns the number of successful items
func (r *BatchResult) Succeeded() int {
	n := 0
	for _, item := range r.Items {
		if item.Success {
			n++
		}
	}
	return n
}

// Columns splits the results into the parallel arrays carried by batch events
func (r *BatchResult) Columns() ([]bool, []string, []common.Hash) {
	results := make([]bool, len(r.Items))
	statuses := make([]string, len(r.Items))
	digests := make([]common.Hash, len(r.Items))
	for i, item := range r.Items {
		results[i] = item.Success
		statuses[i] = item.StatusMessage
		digests[i] = item.Digest
	}
	return results, statuses, digests
}
