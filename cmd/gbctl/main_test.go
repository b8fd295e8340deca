package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	marketplace "github.com/givabit/marketplace"
	"github.com/givabit/marketplace/evm"
	mhttp "github.com/givabit/marketplace/http"
)

var (
	testChainID    = big.NewInt(31337)
	testSettlement = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

func domainArgs() []string {
	return []string{"-chain-id", testChainID.String(), "-settlement", testSettlement.Hex()}
}

func writeOrder(t *testing.T, seller common.Address) (string, marketplace.OrderItem) {
	t.Helper()
	item := marketplace.OrderItem{
		AssetLedger: common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
		Seller:      seller,
		AssetID:     big.NewInt(7),
		AssetURI:    "ipfs://asset/7",
		Quantity:    big.NewInt(1),
		ItemAmount:  big.NewInt(1_000_000),
		Deadline:    1_900_000_000,
		Salt:        big.NewInt(42),
	}
	raw, err := json.Marshal(mhttp.NewOrderItemJSON(item))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "order.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path, item
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(args, &out)
	return strings.TrimSpace(out.String()), err
}

func TestSalt(t *testing.T) {
	a, err := runCmd(t, "salt")
	require.NoError(t, err)
	b, err := runCmd(t, "salt")
	require.NoError(t, err)

	n, ok := new(big.Int).SetString(a, 10)
	require.True(t, ok, a)
	assert.LessOrEqual(t, n.BitLen(), 256)
	assert.NotEqual(t, a, b)
}

func TestDigestMatchesVerifier(t *testing.T) {
	path, item := writeOrder(t, common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"))

	got, err := runCmd(t, append([]string{"digest", "-order", path}, domainArgs()...)...)
	require.NoError(t, err)

	want, err := evm.HashOrderItem(evm.NewDomain(evm.DefaultDomainName, evm.DefaultDomainVersion, testChainID, testSettlement), item)
	require.NoError(t, err)
	assert.Equal(t, want.Hex(), got)
}

func TestDigestRequiresDomain(t *testing.T) {
	path, _ := writeOrder(t, common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"))
	_, err := runCmd(t, "digest", "-order", path)
	assert.ErrorContains(t, err, "-chain-id")
}

func TestSignProducesVerifiableRequest(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	seller := crypto.PubkeyToAddress(key.PublicKey)
	path, item := writeOrder(t, seller)

	args := append([]string{"sign", "-order", path, "-key", "0x" + hex.EncodeToString(crypto.FromECDSA(key)), "-additional", "500"}, domainArgs()...)
	out, err := runCmd(t, args...)
	require.NoError(t, err)

	var wire mhttp.OrderRequestJSON
	require.NoError(t, json.Unmarshal([]byte(out), &wire))
	req, err := wire.Decode()
	require.NoError(t, err)
	assert.Equal(t, 0, big.NewInt(500).Cmp(req.AdditionalAmount))
	assert.Equal(t, item.Salt.String(), req.OrderItem.Salt.String())

	verifier := evm.NewOrderVerifier(evm.NewDomain(evm.DefaultDomainName, evm.DefaultDomainVersion, testChainID, testSettlement))
	ok, err := verifier.VerifyOrder(req.OrderItem, req.Signature)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignRejectsForeignKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	path, _ := writeOrder(t, common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"))

	args := append([]string{"sign", "-order", path, "-key", hex.EncodeToString(crypto.FromECDSA(key))}, domainArgs()...)
	_, err = runCmd(t, args...)
	assert.ErrorContains(t, err, "order's seller")
}

func TestSignRejectsMalformedOrder(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "order.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"seller":"0x1234"}`), 0o600))

	args := append([]string{"sign", "-order", path, "-key", hex.EncodeToString(crypto.FromECDSA(key))}, domainArgs()...)
	_, err = runCmd(t, args...)
	var verr *mhttp.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestState(t *testing.T) {
	digest := common.HexToHash("0x01")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders/"+digest.Hex()+"/state", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mhttp.StateResponse{Digest: digest, State: "fulfilled"})
	}))
	defer srv.Close()

	out, err := runCmd(t, "state", "-url", srv.URL, digest.Hex())
	require.NoError(t, err)
	var got mhttp.StateResponse
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "fulfilled", got.State)

	_, err = runCmd(t, "state", "-url", srv.URL, "0x1234")
	assert.ErrorContains(t, err, "32-byte")
}

func TestUnits(t *testing.T) {
	out, err := runCmd(t, "units", "-to-wei", "1.5")
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", out)

	out, err = runCmd(t, "units", "-from-wei", "1500000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "1.5", out)

	out, err = runCmd(t, "units", "-to-wei", "0.000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, "1", out)

	_, err = runCmd(t, "units", "-to-wei", "0.0000000000000000001")
	assert.ErrorContains(t, err, "decimals")

	_, err = runCmd(t, "units", "-to-wei", "-1")
	assert.ErrorContains(t, err, "negative")

	_, err = runCmd(t, "units")
	assert.Error(t, err)
}

func TestUnknownCommand(t *testing.T) {
	_, err := runCmd(t, "frobnicate")
	assert.ErrorIs(t, err, errUsage)

	_, err = runCmd(t)
	assert.ErrorIs(t, err, errUsage)
}

func TestDigestRejectsZeroQuantity(t *testing.T) {
	item := mhttp.NewOrderItemJSON(marketplace.OrderItem{
		AssetLedger: common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
		Seller:      common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		AssetID:     big.NewInt(1),
		Quantity:    big.NewInt(0),
		ItemAmount:  big.NewInt(1),
		Salt:        big.NewInt(1),
	})
	raw, err := json.Marshal(item)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "order.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = runCmd(t, append([]string{"digest", "-order", path}, domainArgs()...)...)
	assert.ErrorIs(t, err, marketplace.ErrInvalidRequest)
}
