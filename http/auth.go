package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	marketplace "github.com/givabit/marketplace"
	"github.com/givabit/marketplace/evm"
)

// HeaderAuthorization carries the caller's signed request authorization
const HeaderAuthorization = "X-Marketplace-Authorization"

const (
	// DefaultAuthorizationValidity is how long client authorizations live
	DefaultAuthorizationValidity = 2 * time.Minute

	// MaxAuthorizationValidity bounds validBefore on the server
	MaxAuthorizationValidity = 10 * time.Minute

	// authExpiryMargin rejects authorizations that would expire in flight
	authExpiryMargin = 6 * time.Second

	callerKey = "marketplace.caller"
)

// AuthorizationJSON is the wire form of a signed request authorization.
// The action and body hash are not sent; the server derives them from the
// request it receives.
type AuthorizationJSON struct {
	Caller      string `json:"caller"`
	ValidAfter  uint64 `json:"validAfter"`
	ValidBefore uint64 `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
}

func NewAuthorizationJSON(auth evm.RequestAuthorization, sig []byte) AuthorizationJSON {
	return AuthorizationJSON{
		Caller:      auth.Caller.Hex(),
		ValidAfter:  auth.ValidAfter,
		ValidBefore: auth.ValidBefore,
		Nonce:       auth.Nonce.Hex(),
		Signature:   hexutil.Encode(sig),
	}
}

// RequestAuthorizer signs API calls for one account.
// *signers/evm.OrderSigner implements it.
type RequestAuthorizer interface {
	AuthorizeRequest(action string, body []byte, validFor time.Duration) (evm.RequestAuthorization, []byte, error)
}

// Action is the string a caller signs for a request
func Action(method, path string) string {
	return method + " " + path
}

type usedNonce struct {
	caller common.Address
	nonce  common.Hash
}

// authenticator verifies request authorizations and remembers every nonce
// until its authorization expires
type authenticator struct {
	domain evm.TypedDataDomain
	now    func() time.Time

	mu   sync.Mutex
	used map[usedNonce]uint64
}

func newAuthenticator(domain evm.TypedDataDomain) *authenticator {
	return &authenticator{domain: domain, now: time.Now, used: make(map[usedNonce]uint64)}
}

// verify returns the account that signed header for action and body
func (a *authenticator) verify(header, action string, body []byte) (common.Address, error) {
	if header == "" {
		return common.Address{}, fmt.Errorf("missing %s header", HeaderAuthorization)
	}
	var wire AuthorizationJSON
	if err := json.Unmarshal([]byte(header), &wire); err != nil {
		return common.Address{}, fmt.Errorf("malformed authorization: %w", err)
	}
	if !common.IsHexAddress(wire.Caller) {
		return common.Address{}, errors.New("authorization caller is not a hex address")
	}
	nonce, err := hexutil.Decode(wire.Nonce)
	if err != nil || len(nonce) != common.HashLength {
		return common.Address{}, errors.New("authorization nonce must be 32 bytes of hex")
	}
	sig, err := hexutil.Decode(wire.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("authorization signature: %w", err)
	}

	now := a.now()
	switch {
	case wire.ValidAfter > uint64(now.Unix()):
		return common.Address{}, errors.New("authorization is not yet valid")
	case wire.ValidBefore < uint64(now.Add(authExpiryMargin).Unix()):
		return common.Address{}, errors.New("authorization expired")
	case wire.ValidBefore > uint64(now.Add(MaxAuthorizationValidity).Unix()):
		return common.Address{}, fmt.Errorf("authorization must expire within %s", MaxAuthorizationValidity)
	}

	auth := evm.RequestAuthorization{
		Caller:      common.HexToAddress(wire.Caller),
		Action:      action,
		BodyHash:    evm.BodyHash(body),
		ValidAfter:  wire.ValidAfter,
		ValidBefore: wire.ValidBefore,
		Nonce:       common.BytesToHash(nonce),
	}
	digest, err := evm.HashRequestAuthorization(a.domain, auth)
	if err != nil {
		return common.Address{}, err
	}
	signer, err := evm.RecoverSigner(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("authorization signature: %w", err)
	}
	if signer != auth.Caller {
		return common.Address{}, errors.New("authorization was not signed by its caller")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for k, expiry := range a.used {
		if expiry < uint64(now.Unix()) {
			delete(a.used, k)
		}
	}
	key := usedNonce{caller: auth.Caller, nonce: auth.Nonce}
	if _, ok := a.used[key]; ok {
		return common.Address{}, errors.New("authorization nonce already used")
	}
	a.used[key] = auth.ValidBefore
	return auth.Caller, nil
}

// authenticate rejects requests without a valid authorization and records
// the caller for actingAs
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.auth == nil {
			s.fail(c, unauthenticated(errors.New("request authorization is not configured on this server")), nil)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody))
		if err != nil {
			s.fail(c, invalid(err), nil)
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		caller, err := s.auth.verify(c.GetHeader(HeaderAuthorization), Action(c.Request.Method, c.Request.URL.Path), body)
		if err != nil {
			s.fail(c, unauthenticated(err), nil)
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// actingAs checks that the account a request body names is the one that
// signed the request
func (s *Server) actingAs(c *gin.Context, account common.Address) bool {
	caller, _ := c.Get(callerKey)
	if signer, ok := caller.(common.Address); ok && signer == account {
		return true
	}
	s.fail(c, marketplace.NewMarketplaceError(marketplace.ErrCodeUnauthorized, marketplace.ErrUnauthorized,
		fmt.Sprintf("request is authorized for %v, not %s", caller, account.Hex()), nil), nil)
	return false
}

func unauthenticated(err error) error {
	return marketplace.NewMarketplaceError(marketplace.ErrCodeUnauthenticated, marketplace.ErrUnauthenticated, err.Error(), nil)
}
