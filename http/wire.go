package http

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	marketplace "github.com/givabit/marketplace"
)

// OrderItemJSON is the wire form of an order item. Integers above 2^53 are
// carried as decimal strings.
type OrderItemJSON struct {
	AssetLedger      string `json:"assetLedger"`
	Seller           string `json:"seller"`
	IsPreMinted      bool   `json:"isPreMinted"`
	AssetID          string `json:"assetId"`
	AssetURI         string `json:"assetURI"`
	Quantity         string `json:"quantity"`
	ItemAmount       string `json:"itemAmount"`
	CharityRecipient string `json:"charityRecipient"`
	CharityShareBps  uint32 `json:"charityShareBps"`
	RoyaltyFeeBps    uint32 `json:"royaltyFeeBps"`
	Deadline         uint64 `json:"deadline"`
	Salt             string `json:"salt"`
}

// OrderRequestJSON is one entry of a purchase request
type OrderRequestJSON struct {
	OrderItem        OrderItemJSON `json:"orderItem"`
	AdditionalAmount string        `json:"additionalAmount,omitempty"`
	Signature        string        `json:"signature"`
}

// BuyRequest is the body of POST /v1/orders/buy
type BuyRequest struct {
	Buyer  string             `json:"buyer"`
	Value  string             `json:"value"`
	Orders []OrderRequestJSON `json:"orders"`

	// Deposit is the hash of the buyer's transfer of Value to the operator.
	// Servers that check deposits require it when Value is not zero.
	Deposit string `json:"deposit,omitempty"`
}

// CancelRequest is the body of POST /v1/orders/cancel
type CancelRequest struct {
	Caller string          `json:"caller"`
	Items  []OrderItemJSON `json:"items"`
}

// DigestResponse is returned by POST /v1/orders/digest
type DigestResponse struct {
	Digest common.Hash `json:"digest"`
}

// StateResponse is returned by GET /v1/orders/:digest/state
type StateResponse struct {
	Digest common.Hash `json:"digest"`
	State  string      `json:"state"`
}

// ConfigResponse is returned by GET /v1/admin/config
type ConfigResponse struct {
	Owner          common.Address   `json:"owner"`
	AdminWallet    common.Address   `json:"adminWallet"`
	PlatformFeeBps uint32           `json:"platformFeeBps"`
	AllowedLedgers []common.Address `json:"allowedLedgers"`
}

// LedgerAllowedRequest is the body of PUT /v1/admin/ledgers/:address
type LedgerAllowedRequest struct {
	Caller  string `json:"caller"`
	Allowed bool   `json:"allowed"`
}

// AdminWalletRequest is the body of PUT /v1/admin/wallet
type AdminWalletRequest struct {
	Caller string `json:"caller"`
	Wallet string `json:"wallet"`
}

// ErrorResponse carries a call-fatal error. Result is set when the batch
// executed partially before failing.
type ErrorResponse struct {
	Code    string                   `json:"code"`
	Message string                   `json:"message"`
	Details map[string]interface{}   `json:"details,omitempty"`
	Result  *marketplace.BatchResult `json:"result,omitempty"`
}

// NewOrderItemJSON converts a domain item to its wire form
func NewOrderItemJSON(item marketplace.OrderItem) OrderItemJSON {
	return OrderItemJSON{
		AssetLedger:      item.AssetLedger.Hex(),
		Seller:           item.Seller.Hex(),
		IsPreMinted:      item.IsPreMinted,
		AssetID:          decimal(item.AssetID),
		AssetURI:         item.AssetURI,
		Quantity:         decimal(item.Quantity),
		ItemAmount:       decimal(item.ItemAmount),
		CharityRecipient: item.CharityRecipient.Hex(),
		CharityShareBps:  item.CharityShareBps,
		RoyaltyFeeBps:    item.RoyaltyFeeBps,
		Deadline:         item.Deadline,
		Salt:             decimal(item.Salt),
	}
}

// NewOrderRequestJSON converts a signed request to its wire form
func NewOrderRequestJSON(req marketplace.OrderRequest) OrderRequestJSON {
	out := OrderRequestJSON{
		OrderItem: NewOrderItemJSON(req.OrderItem),
		Signature: hexutil.Encode(req.Signature),
	}
	if req.AdditionalAmount != nil {
		out.AdditionalAmount = req.AdditionalAmount.String()
	}
	return out
}

// Decode converts the wire item back to the domain type
func (j OrderItemJSON) Decode() (marketplace.OrderItem, error) {
	item := marketplace.OrderItem{
		AssetLedger:      common.HexToAddress(j.AssetLedger),
		Seller:           common.HexToAddress(j.Seller),
		IsPreMinted:      j.IsPreMinted,
		AssetURI:         j.AssetURI,
		CharityRecipient: common.HexToAddress(j.CharityRecipient),
		CharityShareBps:  j.CharityShareBps,
		RoyaltyFeeBps:    j.RoyaltyFeeBps,
		Deadline:         j.Deadline,
	}
	var err error
	if item.AssetID, err = parseUint("assetId", j.AssetID); err != nil {
		return item, err
	}
	if item.Quantity, err = parseUint("quantity", j.Quantity); err != nil {
		return item, err
	}
	if item.ItemAmount, err = parseUint("itemAmount", j.ItemAmount); err != nil {
		return item, err
	}
	if item.Salt, err = parseUint("salt", j.Salt); err != nil {
		return item, err
	}
	return item, nil
}

// Decode converts the wire request back to the domain type
func (j OrderRequestJSON) Decode() (marketplace.OrderRequest, error) {
	item, err := j.OrderItem.Decode()
	if err != nil {
		return marketplace.OrderRequest{}, err
	}
	req := marketplace.OrderRequest{OrderItem: item}
	if j.AdditionalAmount != "" {
		if req.AdditionalAmount, err = parseUint("additionalAmount", j.AdditionalAmount); err != nil {
			return req, err
		}
	}
	if req.Signature, err = hexutil.Decode(j.Signature); err != nil {
		return req, fmt.Errorf("signature: %w", err)
	}
	return req, nil
}

func parseUint(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s: %q is not an unsigned integer", field, s)
	}
	return v, nil
}

func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
