// Package config loads daemon settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	marketplace "github.com/givabit/marketplace"
	"github.com/givabit/marketplace/evm"
)

// Config holds every setting of gbmarketd
type Config struct {
	// Signing domain
	DomainName        string
	DomainVersion     string
	ChainID           *big.Int
	SettlementAddress common.Address

	// Access control bootstrap
	Owner          common.Address
	AdminWallet    common.Address
	PlatformFeeBps uint32
	AllowedLedgers []common.Address

	// Serving
	Port           string
	IdempotencyTTL time.Duration

	// Backends; empty values select the in-memory implementation
	DatabaseURL        string
	RedisAddr          string
	RedisPrefix        string
	EventTTL           time.Duration
	JournalPath        string
	EVMRPCURL          string
	OperatorPrivateKey string

	LogLevel  zapcore.Level
	LogFormat string
}

// Domain returns the EIP-712 signing domain
func (c *Config) Domain() evm.TypedDataDomain {
	return evm.NewDomain(c.DomainName, c.DomainVersion, c.ChainID, c.SettlementAddress)
}

// Logger builds the process logger. "console" selects the development
// encoder; anything else logs JSON.
func (c *Config) Logger() (*zap.Logger, error) {
	var zc zap.Config
	if c.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(c.LogLevel)
	return zc.Build()
}

// Load reads the given .env files (".env" when none are named) and then the
// environment. Missing files are ignored; the environment wins over files.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup and validates it. Every problem is
// reported, not only the first.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	p := &parser{lookup: lookup}
	c := &Config{
		DomainName:         p.str("MARKETPLACE_NAME", evm.DefaultDomainName),
		DomainVersion:      p.str("MARKETPLACE_VERSION", evm.DefaultDomainVersion),
		ChainID:            p.bigUint("CHAIN_ID"),
		SettlementAddress:  p.address("SETTLEMENT_ADDRESS", true),
		Owner:              p.address("OWNER_ADDRESS", true),
		AdminWallet:        p.address("ADMIN_WALLET_ADDRESS", true),
		PlatformFeeBps:     p.bps("PLATFORM_FEE_BPS"),
		AllowedLedgers:     p.addresses("ALLOWED_LEDGERS"),
		Port:               p.str("PORT", "8080"),
		IdempotencyTTL:     p.duration("IDEMPOTENCY_TTL", 10*time.Minute),
		DatabaseURL:        p.str("DATABASE_URL", ""),
		RedisAddr:          p.str("REDIS_ADDR", ""),
		RedisPrefix:        p.str("REDIS_PREFIX", "gbmarket"),
		EventTTL:           p.duration("EVENT_TTL", 24*time.Hour),
		JournalPath:        p.str("JOURNAL_PATH", ""),
		EVMRPCURL:          p.str("EVM_RPC_URL", ""),
		OperatorPrivateKey: p.str("OPERATOR_PRIVATE_KEY", ""),
		LogLevel:           p.level("LOG_LEVEL"),
		LogFormat:          p.str("LOG_FORMAT", "json"),
	}
	if c.EVMRPCURL != "" && c.OperatorPrivateKey == "" {
		p.fail("OPERATOR_PRIVATE_KEY is required when EVM_RPC_URL is set")
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return c, nil
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) fail(format string, args ...interface{}) {
	p.errs = append(p.errs, fmt.Errorf(format, args...))
}

func (p *parser) get(key string) string {
	v, _ := p.lookup(key)
	return strings.TrimSpace(v)
}

func (p *parser) str(key, def string) string {
	if v := p.get(key); v != "" {
		return v
	}
	return def
}

func (p *parser) bigUint(key string) *big.Int {
	v := p.get(key)
	if v == "" {
		p.fail("%s is required", key)
		return nil
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		p.fail("%s: %q is not an unsigned integer", key, v)
		return nil
	}
	return n
}

func (p *parser) address(key string, nonZero bool) common.Address {
	v := p.get(key)
	if v == "" {
		p.fail("%s is required", key)
		return common.Address{}
	}
	if !common.IsHexAddress(v) {
		p.fail("%s: %q is not a hex address", key, v)
		return common.Address{}
	}
	addr := common.HexToAddress(v)
	if nonZero && addr == (common.Address{}) {
		p.fail("%s must not be the zero address", key)
	}
	return addr
}

func (p *parser) addresses(key string) []common.Address {
	v := p.get(key)
	if v == "" {
		return nil
	}
	var out []common.Address
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !common.IsHexAddress(part) {
			p.fail("%s: %q is not a hex address", key, part)
			continue
		}
		out = append(out, common.HexToAddress(part))
	}
	return out
}

func (p *parser) bps(key string) uint32 {
	v := p.get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || n > marketplace.BpsDenominator {
		p.fail("%s: %q must be an integer in [0, %d]", key, v, marketplace.BpsDenominator)
		return 0
	}
	return uint32(n)
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.get(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.fail("%s: %q is not a positive duration", key, v)
		return def
	}
	return d
}

func (p *parser) level(key string) zapcore.Level {
	v := p.get(key)
	if v == "" {
		return zapcore.InfoLevel
	}
	lvl, err := zapcore.ParseLevel(v)
	if err != nil {
		p.fail("%s: %w", key, err)
		return zapcore.InfoLevel
	}
	return lvl
}
