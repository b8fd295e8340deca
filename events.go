package marketplace

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Event is a structured notification emitted after a state change
type Event interface {
	EventName() string
}

// Event names
const (
	EventBatchPurchased       = "BatchPurchased"
	EventBatchCancelled       = "BatchCancelled"
	EventLedgerAllowedChanged = "LedgerAllowedChanged"
	EventAdminWalletChanged   = "AdminWalletChanged"
	EventOwnershipTransferred = "OwnershipTransferred"
	EventPlatformFeeChanged   = "PlatformFeeChanged"
)

// BatchPurchased is emitted once per BuyItems call, after every item ran
type BatchPurchased struct {
	BatchID  string         `json:"batchId"`
	Buyer    common.Address `json:"buyer"`
	Results  []bool         `json:"results"`
	Statuses []string       `json:"statuses"`
	Digests  []common.Hash  `json:"digests"`
}

func (BatchPurchased) EventName() string { return EventBatchPurchased }

// BatchCancelled is emitted once per CancelOrders call
type BatchCancelled struct {
	BatchID  string         `json:"batchId"`
	Caller   common.Address `json:"caller"`
	Results  []bool         `json:"results"`
	Statuses []string       `json:"statuses"`
	Digests  []common.Hash  `json:"digests"`
}

func (BatchCancelled) EventName() string { return EventBatchCancelled }

type LedgerAllowedChanged struct {
	Ledger  common.Address `json:"ledger"`
	Allowed bool           `json:"allowed"`
}

func (LedgerAllowedChanged) EventName() string { return EventLedgerAllowedChanged }

type AdminWalletChanged struct {
	Previous common.Address `json:"previous"`
	Current  common.Address `json:"current"`
}

func (AdminWalletChanged) EventName() string { return EventAdminWalletChanged }

type OwnershipTransferred struct {
	Previous common.Address `json:"previous"`
	Current  common.Address `json:"current"`
}

func (OwnershipTransferred) EventName() string { return EventOwnershipTransferred }

type PlatformFeeChanged struct {
	Previous uint32 `json:"previous"`
	Current  uint32 `json:"current"`
}

func (PlatformFeeChanged) EventName() string { return EventPlatformFeeChanged }

// nopSink drops every event
type nopSink struct{}

func (nopSink) Emit(context.Context, Event) error { return nil }
