// Package mcp exposes read-only marketplace queries as MCP tools, so agents
// can compute order digests and inspect order states and the allow-list.
//
//	srv := mcp.NewServer(market, mcp.WithLogger(logger))
//	handler := srv.SSEHandler()
//	mux.Handle("/mcp/sse", handler)
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	marketplace "github.com/givabit/marketplace"
	mhttp "github.com/givabit/marketplace/http"
)

// Tool names
const (
	ToolHashOrder     = "hash_order"
	ToolOrderState    = "order_state"
	ToolLedgerAllowed = "ledger_allowed"
	ToolAdminConfig   = "admin_config"
)

// Engine is the read side of *marketplace.Marketplace
type Engine interface {
	HashOrder(item marketplace.OrderItem) (common.Hash, error)
	OrderState(ctx context.Context, digest common.Hash) (marketplace.OrderState, error)
	Access() *marketplace.AccessControl
}

// Server wraps an MCP server with the marketplace tools registered
type Server struct {
	engine Engine
	logger *zap.Logger
	server *mcpsdk.Server
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer registers every tool against engine
func NewServer(engine Engine, opts ...Option) *Server {
	s := &Server{engine: engine, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("mcp")

	s.server = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "gbmarket",
		Version: "1.0.0",
	}, nil)

	s.server.AddTool(&mcpsdk.Tool{
		Name:        ToolHashOrder,
		Description: "Compute the EIP-712 digest of an order item. The digest is what the seller signs and the key of the order registry.",
		InputSchema: json.RawMessage(fmt.Sprintf(`{"type":"object","required":["orderItem"],"properties":{"orderItem":%s}}`, mhttp.OrderItemSchema)),
	}, s.tool(ToolHashOrder, s.hashOrder))

	s.server.AddTool(&mcpsdk.Tool{
		Name:        ToolOrderState,
		Description: "Return the lifecycle state (open, fulfilled, cancelled) of an order digest.",
		InputSchema: json.RawMessage(`{"type":"object","required":["digest"],"properties":{"digest":{"type":"string"}}}`),
	}, s.tool(ToolOrderState, s.orderState))

	s.server.AddTool(&mcpsdk.Tool{
		Name:        ToolLedgerAllowed,
		Description: "Report whether an asset ledger address is on the marketplace allow-list.",
		InputSchema: json.RawMessage(`{"type":"object","required":["ledger"],"properties":{"ledger":{"type":"string"}}}`),
	}, s.tool(ToolLedgerAllowed, s.ledgerAllowed))

	s.server.AddTool(&mcpsdk.Tool{
		Name:        ToolAdminConfig,
		Description: "Return the owner, admin wallet, platform fee and allowed ledgers.",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, s.tool(ToolAdminConfig, s.adminConfig))

	return s
}

// MCPServer returns the underlying SDK server
func (s *Server) MCPServer() *mcpsdk.Server {
	return s.server
}

// SSEHandler serves the tools over the SSE transport
func (s *Server) SSEHandler() http.Handler {
	return mcpsdk.NewSSEHandler(func(*http.Request) *mcpsdk.Server {
		return s.server
	}, &mcpsdk.SSEOptions{})
}

type toolFunc func(ctx context.Context, args json.RawMessage) (interface{}, error)

// tool adapts a toolFunc to the SDK handler. Failures are reported as tool
// errors, not protocol errors.
func (s *Server) tool(name string, fn toolFunc) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		out, err := fn(ctx, req.Params.Arguments)
		if err != nil {
			s.logger.Debug("tool failed", zap.String("tool", name), zap.Error(err))
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
			}, nil
		}
		text, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		return &mcpsdk.CallToolResult{
			Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
			StructuredContent: out,
		}, nil
	}
}

func decodeArgs(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return errors.New("missing arguments")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	return nil
}

func (s *Server) hashOrder(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		OrderItem mhttp.OrderItemJSON `json:"orderItem"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	item, err := args.OrderItem.Decode()
	if err != nil {
		return nil, err
	}
	digest, err := s.engine.HashOrder(item)
	if err != nil {
		return nil, err
	}
	return mhttp.DigestResponse{Digest: digest}, nil
}

func (s *Server) orderState(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Digest string `json:"digest"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	b, err := hexutil.Decode(args.Digest)
	if err != nil || len(b) != common.HashLength {
		return nil, errors.New("digest must be 32 bytes of 0x-prefixed hex")
	}
	digest := common.BytesToHash(b)
	state, err := s.engine.OrderState(ctx, digest)
	if err != nil {
		return nil, err
	}
	return mhttp.StateResponse{Digest: digest, State: state.String()}, nil
}

func (s *Server) ledgerAllowed(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Ledger string `json:"ledger"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(args.Ledger) {
		return nil, fmt.Errorf("%q is not a hex address", args.Ledger)
	}
	ledger := common.HexToAddress(args.Ledger)
	return map[string]interface{}{
		"ledger":  ledger,
		"allowed": s.engine.Access().IsLedgerAllowed(ledger),
	}, nil
}

func (s *Server) adminConfig(context.Context, json.RawMessage) (interface{}, error) {
	cfg := s.engine.Access().Snapshot()
	return mhttp.ConfigResponse{
		Owner:          cfg.Owner,
		AdminWallet:    cfg.AdminWallet,
		PlatformFeeBps: cfg.PlatformFeeBps,
		AllowedLedgers: cfg.AllowedLedgers(),
	}, nil
}
