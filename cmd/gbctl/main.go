// Command gbctl is the operator and seller toolbox for the marketplace:
// salts, order digests, signatures, state lookups and unit conversion.
//
// Usage:
//
//	gbctl salt
//	gbctl digest  [domain flags] -order order.json
//	gbctl sign    [domain flags] -order order.json -key <hex> [-additional <wei>]
//	gbctl state   -url http://localhost:8080 <digest>
//	gbctl units   -to-wei 1.5 | -from-wei 1500000000000000000
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	marketplace "github.com/givabit/marketplace"
	"github.com/givabit/marketplace/evm"
	mhttp "github.com/givabit/marketplace/http"
	evmsigner "github.com/givabit/marketplace/signers/evm"
)

const weiDecimals = 18

var errUsage = errors.New("usage: gbctl <salt|digest|sign|state|units> [flags]")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "gbctl:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "salt":
		return salt(out)
	case "digest":
		return digest(args, out)
	case "sign":
		return sign(args, out)
	case "state":
		return state(args, out)
	case "units":
		return units(args, out)
	default:
		return fmt.Errorf("unknown command %q\n%w", cmd, errUsage)
	}
}

type domainFlags struct {
	name, version, chainID, settlement string
}

func (d *domainFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&d.name, "name", evm.DefaultDomainName, "EIP-712 domain name")
	fs.StringVar(&d.version, "version", evm.DefaultDomainVersion, "EIP-712 domain version")
	fs.StringVar(&d.chainID, "chain-id", "", "chain id (required)")
	fs.StringVar(&d.settlement, "settlement", "", "settlement contract address (required)")
}

func (d *domainFlags) domain() (evm.TypedDataDomain, error) {
	chainID, ok := new(big.Int).SetString(d.chainID, 10)
	if !ok || chainID.Sign() <= 0 {
		return evm.TypedDataDomain{}, fmt.Errorf("-chain-id: %q is not a positive integer", d.chainID)
	}
	if !common.IsHexAddress(d.settlement) {
		return evm.TypedDataDomain{}, fmt.Errorf("-settlement: %q is not a hex address", d.settlement)
	}
	return evm.NewDomain(d.name, d.version, chainID, common.HexToAddress(d.settlement)), nil
}

func readOrder(path string) (mhttp.OrderItemJSON, error) {
	var item mhttp.OrderItemJSON
	if path == "" {
		return item, errors.New("-order is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return item, err
	}
	if err := mhttp.ValidateOrderItem(raw); err != nil {
		return item, fmt.Errorf("%s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return item, fmt.Errorf("%s: %w", path, err)
	}
	return item, nil
}

// decodeOrder reads path and rejects items the engine would refuse
func decodeOrder(path string) (marketplace.OrderItem, error) {
	wire, err := readOrder(path)
	if err != nil {
		return marketplace.OrderItem{}, err
	}
	item, err := wire.Decode()
	if err != nil {
		return item, err
	}
	if err := marketplace.ValidateOrderItem(item); err != nil {
		return item, fmt.Errorf("%s: %w", path, err)
	}
	return item, nil
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func salt(out io.Writer) error {
	s, err := evmsigner.GenerateSalt()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, s.String())
	return err
}

func digest(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("digest", flag.ContinueOnError)
	var d domainFlags
	d.register(fs)
	orderPath := fs.String("order", "", "order item JSON file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	domain, err := d.domain()
	if err != nil {
		return err
	}
	item, err := decodeOrder(*orderPath)
	if err != nil {
		return err
	}
	h, err := evm.HashOrderItem(domain, item)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, h.Hex())
	return err
}

func sign(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	var d domainFlags
	d.register(fs)
	orderPath := fs.String("order", "", "order item JSON file")
	key := fs.String("key", os.Getenv("SELLER_PRIVATE_KEY"), "seller private key (hex); defaults to $SELLER_PRIVATE_KEY")
	additional := fs.String("additional", "0", "additional amount in wei the buyer adds to the seller's proceeds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	domain, err := d.domain()
	if err != nil {
		return err
	}
	if *key == "" {
		return errors.New("-key is required")
	}
	signer, err := evmsigner.NewOrderSignerFromPrivateKey(*key, domain)
	if err != nil {
		return err
	}
	item, err := decodeOrder(*orderPath)
	if err != nil {
		return err
	}
	if item.Seller != signer.Address() {
		return fmt.Errorf("key belongs to %s but the order's seller is %s", signer.Address().Hex(), item.Seller.Hex())
	}
	extra, ok := new(big.Int).SetString(*additional, 10)
	if !ok || extra.Sign() < 0 {
		return fmt.Errorf("-additional: %q is not an unsigned integer", *additional)
	}
	req, err := signer.NewOrderRequest(item, extra)
	if err != nil {
		return err
	}
	return writeJSON(out, mhttp.NewOrderRequestJSON(req))
}

func state(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	url := fs.String("url", "http://localhost:8080", "gbmarketd base URL")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("state takes exactly one digest")
	}
	raw := fs.Arg(0)
	if len(common.FromHex(raw)) != common.HashLength {
		return fmt.Errorf("%q is not a 32-byte hex digest", raw)
	}
	h := common.HexToHash(raw)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := mhttp.NewClient(&mhttp.ClientConfig{URL: *url, Timeout: *timeout})
	s, err := client.State(ctx, h)
	if err != nil {
		return err
	}
	return writeJSON(out, mhttp.StateResponse{Digest: h, State: s.String()})
}

func units(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("units", flag.ContinueOnError)
	toWei := fs.String("to-wei", "", "ether amount to convert to wei")
	fromWei := fs.String("from-wei", "", "wei amount to convert to ether")
	if err := fs.Parse(args); err != nil {
		return err
	}
	switch {
	case *toWei != "" && *fromWei == "":
		wei, err := etherToWei(*toWei)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, wei.String())
		return err
	case *fromWei != "" && *toWei == "":
		wei, ok := new(big.Int).SetString(*fromWei, 10)
		if !ok || wei.Sign() < 0 {
			return fmt.Errorf("-from-wei: %q is not an unsigned integer", *fromWei)
		}
		_, err := fmt.Fprintln(out, weiToEther(wei))
		return err
	default:
		return errors.New("units takes exactly one of -to-wei or -from-wei")
	}
}

func etherToWei(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: negative", s)
	}
	wei := d.Shift(weiDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("invalid amount %q: more than %d decimals", s, weiDecimals)
	}
	return wei.BigInt(), nil
}

func weiToEther(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -weiDecimals).String()
}
