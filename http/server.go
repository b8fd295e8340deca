package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	marketplace "github.com/givabit/marketplace"
	"github.com/givabit/marketplace/evm"
)

// Engine is the part of *marketplace.Marketplace the API serves
type Engine interface {
	HashOrder(item marketplace.OrderItem) (common.Hash, error)
	OrderState(ctx context.Context, digest common.Hash) (marketplace.OrderState, error)
	BuyItems(ctx context.Context, buyer common.Address, value *big.Int, reqs []marketplace.OrderRequest) (*marketplace.BatchResult, error)
	CancelOrders(ctx context.Context, caller common.Address, items []marketplace.OrderItem) (*marketplace.BatchResult, error)
	Access() *marketplace.AccessControl
}

var _ Engine = (*marketplace.Marketplace)(nil)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// DepositVerifier checks the on-chain payment that funds a purchase. A
// claimed deposit cannot fund a second purchase until it is released.
type DepositVerifier interface {
	Claim(ctx context.Context, buyer common.Address, ref common.Hash, value *big.Int) error
	Release(ctx context.Context, ref common.Hash) error
}

// Server serves the marketplace API
type Server struct {
	engine   Engine
	cache    *marketplace.SettlementCache
	logger   *zap.Logger
	checks   map[string]HealthCheck
	maxBody  int64
	auth     *authenticator
	deposits DepositVerifier
	busyWait time.Duration
}

type batchFunc func(ctx context.Context) (*marketplace.BatchResult, error)

// ServerOption configures a Server
type ServerOption func(*Server)

func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSettlementCache enables Idempotency-Key handling on batch endpoints
func WithSettlementCache(cache *marketplace.SettlementCache) ServerOption {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithHealthCheck adds a dependency check to GET /health
func WithHealthCheck(name string, check HealthCheck) ServerOption {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// WithMaxBodyBytes limits request bodies; the default is 1 MiB
func WithMaxBodyBytes(n int64) ServerOption {
	return func(s *Server) {
		s.maxBody = n
	}
}

// WithRequestAuth requires every state-changing request to carry a
// RequestAuthorization signed under domain by the account it acts for.
// Without it those routes answer 401.
func WithRequestAuth(domain evm.TypedDataDomain) ServerOption {
	return func(s *Server) {
		s.auth = newAuthenticator(domain)
	}
}

// WithDeposits makes purchases with a non-zero value name a deposit that
// deposits accepts for the buyer and value
func WithDeposits(deposits DepositVerifier) ServerOption {
	return func(s *Server) {
		s.deposits = deposits
	}
}

// WithBusyWait sets how long a batch waits for a running settlement to
// finish before answering 503; the default is 5s
func WithBusyWait(d time.Duration) ServerOption {
	return func(s *Server) {
		s.busyWait = d
	}
}

func NewServer(engine Engine, opts ...ServerOption) *Server {
	s := &Server{
		engine:  engine,
		logger:  zap.NewNop(),
		checks:   make(map[string]HealthCheck),
		maxBody:  1 << 20,
		busyWait: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("http")
	return s
}

// Handler builds the gin engine with every route registered
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.accessLog())

	r.GET("/health", s.health)

	v1 := r.Group("/v1")
	v1.POST("/orders/digest", s.digest)
	v1.GET("/orders/:digest/state", s.orderState)
	v1.POST("/orders/buy", s.authenticate(), s.buy)
	v1.POST("/orders/cancel", s.authenticate(), s.cancel)

	admin := v1.Group("/admin")
	admin.GET("/config", s.adminConfig)
	admin.PUT("/ledgers/:address", s.authenticate(), s.setLedgerAllowed)
	admin.PUT("/wallet", s.authenticate(), s.setAdminWallet)
	return r
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(HeaderRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(HeaderRequestID)))
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) health(c *gin.Context) {
	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check(c.Request.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "failures": failures})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) digest(c *gin.Context) {
	var wire OrderItemJSON
	if !s.bind(c, itemSchema, &wire) {
		return
	}
	item, err := wire.Decode()
	if err != nil {
		s.fail(c, invalid(err), nil)
		return
	}
	digest, err := s.engine.HashOrder(item)
	if err != nil {
		s.fail(c, invalid(err), nil)
		return
	}
	c.JSON(http.StatusOK, DigestResponse{Digest: digest})
}

func (s *Server) orderState(c *gin.Context) {
	raw, err := hexutil.Decode(c.Param("digest"))
	if err != nil || len(raw) != common.HashLength {
		s.fail(c, invalid(errors.New("digest must be 32 bytes of 0x-prefixed hex")), nil)
		return
	}
	digest := common.BytesToHash(raw)
	state, err := s.engine.OrderState(c.Request.Context(), digest)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, StateResponse{Digest: digest, State: state.String()})
}

func (s *Server) buy(c *gin.Context) {
	body, ok := s.readBody(c, buySchema)
	if !ok {
		return
	}
	var req BuyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(c, invalid(err), nil)
		return
	}
	value, err := parseUint("value", req.Value)
	if err != nil {
		s.fail(c, invalid(err), nil)
		return
	}
	orders := make([]marketplace.OrderRequest, len(req.Orders))
	for i, o := range req.Orders {
		if orders[i], err = o.Decode(); err != nil {
			s.fail(c, invalid(err), nil)
			return
		}
	}
	buyer := common.HexToAddress(req.Buyer)
	if !s.actingAs(c, buyer) {
		return
	}
	deposit, err := s.depositFor(req, value)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	s.settle(c, body, func(ctx context.Context) (*marketplace.BatchResult, error) {
		if deposit != nil {
			if err := s.deposits.Claim(ctx, buyer, *deposit, value); err != nil {
				return nil, paymentRequired(err)
			}
		}
		result, err := s.whenIdle(ctx, func(ctx context.Context) (*marketplace.BatchResult, error) {
			return s.engine.BuyItems(ctx, buyer, value, orders)
		})
		if err != nil && result == nil && deposit != nil {
			// nothing ran, so the deposit can fund a later attempt
			if rerr := s.deposits.Release(context.WithoutCancel(ctx), *deposit); rerr != nil {
				s.logger.Error("failed to release deposit",
					zap.String("deposit", deposit.Hex()),
					zap.String("buyer", buyer.Hex()),
					zap.Error(rerr))
			}
		}
		return result, err
	})
}

// depositFor returns the deposit funding req, or nil when the server does
// not check deposits or nothing is paid
func (s *Server) depositFor(req BuyRequest, value *big.Int) (*common.Hash, error) {
	if s.deposits == nil || value.Sign() == 0 {
		return nil, nil
	}
	if req.Deposit == "" {
		return nil, paymentRequired(errors.New("a purchase with value must name its deposit transaction"))
	}
	raw, err := hexutil.Decode(req.Deposit)
	if err != nil || len(raw) != common.HashLength {
		return nil, invalid(errors.New("deposit must be a 32-byte transaction hash"))
	}
	ref := common.BytesToHash(raw)
	return &ref, nil
}

func (s *Server) cancel(c *gin.Context) {
	body, ok := s.readBody(c, cancelSchema)
	if !ok {
		return
	}
	var req CancelRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(c, invalid(err), nil)
		return
	}
	items := make([]marketplace.OrderItem, len(req.Items))
	for i, w := range req.Items {
		var err error
		if items[i], err = w.Decode(); err != nil {
			s.fail(c, invalid(err), nil)
			return
		}
	}
	caller := common.HexToAddress(req.Caller)
	if !s.actingAs(c, caller) {
		return
	}
	s.settle(c, body, func(ctx context.Context) (*marketplace.BatchResult, error) {
		return s.whenIdle(ctx, func(ctx context.Context) (*marketplace.BatchResult, error) {
			return s.engine.CancelOrders(ctx, caller, items)
		})
	})
}

// whenIdle retries run while another batch holds the engine. Busy engines
// change nothing, so retrying is safe.
func (s *Server) whenIdle(ctx context.Context, run batchFunc) (*marketplace.BatchResult, error) {
	deadline := time.Now().Add(s.busyWait)
	delay := 5 * time.Millisecond
	for {
		result, err := run(ctx)
		if !errors.Is(err, marketplace.ErrBusy) || time.Now().After(deadline) {
			return result, err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result, err
		}
		delay = min(delay*2, 250*time.Millisecond)
	}
}

// settle runs a batch, deduplicating by Idempotency-Key when a cache is set.
// Only batches that finished without a call-fatal error are cached.
func (s *Server) settle(c *gin.Context, body []byte, run batchFunc) {
	key := c.GetHeader(HeaderIdempotencyKey)
	if s.cache == nil || key == "" {
		result, err := run(c.Request.Context())
		s.respond(c, result, err)
		return
	}

	cacheKey := marketplace.SettlementKey(key, body)
	status, cached, done := s.cache.CheckAndMark(cacheKey)
	switch status {
	case marketplace.SettlementCached:
		c.Header("Idempotent-Replayed", "true")
		c.JSON(http.StatusOK, cached)
		return
	case marketplace.SettlementInFlight:
		result, err := s.cache.WaitForResult(c.Request.Context(), cacheKey, done)
		if err != nil {
			s.fail(c, err, nil)
			return
		}
		if result == nil {
			c.JSON(http.StatusConflict, ErrorResponse{
				Code:    "idempotency_conflict",
				Message: "a concurrent request with this idempotency key failed; retry",
			})
			return
		}
		c.Header("Idempotent-Replayed", "true")
		c.JSON(http.StatusOK, result)
		return
	}

	result, err := run(c.Request.Context())
	if err != nil {
		s.cache.Fail(cacheKey, done)
	} else {
		s.cache.Complete(cacheKey, result, done)
	}
	s.respond(c, result, err)
}

func (s *Server) respond(c *gin.Context, result *marketplace.BatchResult, err error) {
	if err != nil {
		s.fail(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) adminConfig(c *gin.Context) {
	cfg := s.engine.Access().Snapshot()
	c.JSON(http.StatusOK, ConfigResponse{
		Owner:          cfg.Owner,
		AdminWallet:    cfg.AdminWallet,
		PlatformFeeBps: cfg.PlatformFeeBps,
		AllowedLedgers: cfg.AllowedLedgers(),
	})
}

func (s *Server) setLedgerAllowed(c *gin.Context) {
	ledger := c.Param("address")
	var req LedgerAllowedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, invalid(err), nil)
		return
	}
	if !common.IsHexAddress(ledger) || !common.IsHexAddress(req.Caller) {
		s.fail(c, invalid(errors.New("caller and ledger must be hex addresses")), nil)
		return
	}
	if !s.actingAs(c, common.HexToAddress(req.Caller)) {
		return
	}
	err := s.engine.Access().SetLedgerAllowed(c.Request.Context(),
		common.HexToAddress(req.Caller), common.HexToAddress(ledger), req.Allowed)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	s.adminConfig(c)
}

func (s *Server) setAdminWallet(c *gin.Context) {
	var req AdminWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, invalid(err), nil)
		return
	}
	if !common.IsHexAddress(req.Wallet) || !common.IsHexAddress(req.Caller) {
		s.fail(c, invalid(errors.New("caller and wallet must be hex addresses")), nil)
		return
	}
	if !s.actingAs(c, common.HexToAddress(req.Caller)) {
		return
	}
	err := s.engine.Access().SetAdminWallet(c.Request.Context(),
		common.HexToAddress(req.Caller), common.HexToAddress(req.Wallet))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	s.adminConfig(c)
}

// ============================================================================
// Helpers
// ============================================================================

func (s *Server) readBody(c *gin.Context, schema *gojsonschema.Schema) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody))
	if err != nil {
		s.fail(c, invalid(err), nil)
		return nil, false
	}
	if err := ValidateBody(schema, body); err != nil {
		s.fail(c, err, nil)
		return nil, false
	}
	return body, true
}

func (s *Server) bind(c *gin.Context, schema *gojsonschema.Schema, out interface{}) bool {
	body, ok := s.readBody(c, schema)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		s.fail(c, invalid(err), nil)
		return false
	}
	return true
}

func (s *Server) fail(c *gin.Context, err error, result *marketplace.BatchResult) {
	code := statusFor(err)
	if code == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString(HeaderRequestID)),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(code, errorResponse(err, result))
}

func paymentRequired(err error) error {
	return marketplace.NewMarketplaceError(marketplace.ErrCodePaymentRequired, marketplace.ErrPaymentRequired, err.Error(), nil)
}

func invalid(err error) error {
	return marketplace.NewMarketplaceError(marketplace.ErrCodeInvalidRequest, marketplace.ErrInvalidRequest, err.Error(), nil)
}
