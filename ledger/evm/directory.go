package evm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	marketplace "github.com/givabit/marketplace"
)

// Directory resolves collection addresses to ledgers, detecting each
// collection's standard once through ERC-165.
type Directory struct {
	tx *sender

	mu      sync.Mutex
	ledgers map[common.Address]*Ledger
}

var _ marketplace.LedgerDirectory = (*Directory)(nil)

// NewDirectory creates a directory that signs with cfg.Operator
func NewDirectory(cfg Config) (*Directory, error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if cfg.Operator == nil {
		return nil, errors.New("operator key is required")
	}
	if cfg.ChainID == nil {
		return nil, errors.New("chain id is required")
	}
	cfg = cfg.withDefaults()
	cfg.Logger = cfg.Logger.Named("ledger.evm")
	return &Directory{tx: newSender(cfg), ledgers: make(map[common.Address]*Ledger)}, nil
}

// Dial connects to rpcURL and reads the chain ID from the node
func Dial(ctx context.Context, rpcURL string, cfg Config) (*Directory, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	if cfg.ChainID == nil {
		if cfg.ChainID, err = client.ChainID(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to get chain id: %w", err)
		}
	}
	cfg.Backend = client
	return NewDirectory(cfg)
}

// Operator returns the address that signs ledger transactions
func (d *Directory) Operator() common.Address {
	return d.tx.from
}

func (d *Directory) Ledger(ctx context.Context, address common.Address) (marketplace.AssetLedger, error) {
	d.mu.Lock()
	if l, ok := d.ledgers[address]; ok {
		d.mu.Unlock()
		return l, nil
	}
	d.mu.Unlock()

	l, err := d.detect(ctx, address)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.ledgers[address]; ok {
		return existing, nil
	}
	d.ledgers[address] = l
	return l, nil
}

func (d *Directory) detect(ctx context.Context, address common.Address) (*Ledger, error) {
	l := &Ledger{address: address, tx: d.tx}

	is1155, err := d.tx.supports(ctx, address, interfaceERC1155)
	if err != nil {
		return nil, fmt.Errorf("detect %s: %w", address.Hex(), err)
	}
	switch {
	case is1155:
		l.standard = StandardERC1155
	default:
		is721, err := d.tx.supports(ctx, address, interfaceERC721)
		if err != nil {
			return nil, fmt.Errorf("detect %s: %w", address.Hex(), err)
		}
		if !is721 {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedLedger, address.Hex())
		}
		l.standard = StandardERC721
	}

	if l.royalties, err = d.tx.supports(ctx, address, interfaceERC2981); err != nil {
		return nil, fmt.Errorf("detect %s: %w", address.Hex(), err)
	}

	d.tx.cfg.Logger.Info("ledger detected",
		zap.String("address", address.Hex()),
		zap.String("standard", string(l.standard)),
		zap.Bool("royalties", l.royalties))
	return l, nil
}
