// Package exchange implements the Exchange Client (spec.md §4.3): price
// lookups, EIP-712 order signing, and order submission/cancellation against
// the Polymarket CLOB, generalized from web3guy0-polybot/exec/client.go and
// the FOK/GTC settlement shape in original_source/src/api/engine.rs.
package exchange

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/web3guy0/polybot/internal/errs"
)

// Polygon mainnet CTF Exchange contract, matching the teacher's constants.
const (
	CTFExchange = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	ChainID     = 137

	sigTypeEOA = 0

	usdcDecimals6 = 1_000_000
)

// Side is the order side.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType mirrors the session's execution mode.
type OrderType string

const (
	FOK OrderType = "FOK"
	GTC OrderType = "GTC"
)

// SettlementStatus is the CLOB's response classification, realized per
// original_source/engine.rs::execute_live's OrderStatusType match.
type SettlementStatus string

const (
	Matched   SettlementStatus = "matched"   // FOK filled
	Live      SettlementStatus = "live"      // GTC resting
	Canceled  SettlementStatus = "canceled"  // FOK rejected
	Unmatched SettlementStatus = "unmatched" // FOK rejected, no counterparty
)

// OrderResult is what the Session Engine needs out of an order submission.
type OrderResult struct {
	ExchangeOrderID string
	Status          SettlementStatus
	FillPrice        decimal.Decimal // only set when Status == Matched
	FilledShares     decimal.Decimal // only set when Status == Matched
}

// Credentials bundles everything needed to sign and authenticate requests
// for one trading wallet (spec.md §4.2 Credential Vault is the only
// producer of these, after decrypting a TradingWalletRow).
type Credentials struct {
	PrivateKey *ecdsa.PrivateKey
	Address    string // signer address, derived from PrivateKey
	Funder     string // proxy/funder wallet holding collateral; defaults to Address
	APIKey     string
	APISecret  string
	Passphrase string
}

// Client talks to the Polymarket CLOB REST API on behalf of one trading
// wallet. The engine keeps one Client per session owner, matching the
// teacher's one-Client-per-process shape generalized to multi-tenant use.
type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	limiter *rate.Limiter
}

// New constructs a Client. reqPerSec bounds outbound request rate
// (distinct from the engine's 10/min order-submission window — this is
// raw HTTP pacing against the CLOB's own rate limits).
func New(baseURL string, creds Credentials, reqPerSec float64) *Client {
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(reqPerSec), 1),
	}
}

// Price fetches the current best price for assetID on the given side,
// used for the slippage check in the trade pipeline
// (original_source/engine.rs::fetch_clob_price).
func (c *Client) Price(ctx context.Context, assetID string, side Side) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	sideParam := "BUY"
	if side == Sell {
		sideParam = "SELL"
	}
	resp, err := c.get(ctx, "/price?token_id="+assetID+"&side="+sideParam)
	if err != nil {
		return decimal.Zero, errs.WrapErr(errs.PriceUnavailable, err, "exchange: fetch price")
	}
	var result struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return decimal.Zero, errs.WrapErr(errs.PriceUnavailable, err, "exchange: parse price response")
	}
	price, err := decimal.NewFromString(result.Price)
	if err != nil {
		return decimal.Zero, errs.WrapErr(errs.PriceUnavailable, err, "exchange: invalid price %q", result.Price)
	}
	return price, nil
}

// PostMarketOrder submits a FOK market order for sizeUSDC worth of assetID.
// quotePrice is the witnessed CLOB price from the pre-trade quote step; it is
// used only as the fallback fill price if the CLOB reports a Matched status
// with zero or malformed making/taking amounts (original_source/engine.rs
// ~940-950, spec.md §4.3) — never divide by the FOK limit price itself, which
// is always zero.
func (c *Client) PostMarketOrder(ctx context.Context, assetID string, side Side, sizeUSDC, quotePrice decimal.Decimal) (*OrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	order, err := c.buildSignedOrder(assetID, side, sizeUSDC, decimal.Zero, FOK)
	if err != nil {
		return nil, err
	}
	return c.postAndClassify(ctx, order, side, FOK, sizeUSDC, quotePrice)
}

// PostLimitOrder submits a GTC limit order at price for sizeUSDC worth of
// assetID (size in shares is derived as sizeUSDC/price, matching
// original_source/engine.rs's GTC sizing).
func (c *Client) PostLimitOrder(ctx context.Context, assetID string, side Side, sizeUSDC, price decimal.Decimal) (*OrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	order, err := c.buildSignedOrder(assetID, side, sizeUSDC, price, GTC)
	if err != nil {
		return nil, err
	}
	return c.postAndClassify(ctx, order, side, GTC, sizeUSDC, price)
}

// CancelOrder cancels a single resting order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := c.deleteWithBody(ctx, "/order", map[string]string{"orderID": exchangeOrderID})
	if err != nil {
		return errs.WrapErr(errs.ExchangeUnavailable, err, "exchange: cancel order %s", exchangeOrderID)
	}
	return nil
}

func (c *Client) postAndClassify(ctx context.Context, order *signedOrder, side Side, orderType OrderType, sizeUSDC, limitPrice decimal.Decimal) (*OrderResult, error) {
	payload := orderPayload{Order: *order, Owner: c.creds.APIKey, OrderType: orderType}
	resp, err := c.post(ctx, "/order", payload)
	if err != nil {
		return nil, errs.WrapErr(errs.ExchangeUnavailable, err, "exchange: post order")
	}

	var result struct {
		OrderID        string `json:"orderID"`
		Status         string `json:"status"`
		MakingAmount   string `json:"makingAmount"`
		TakingAmount   string `json:"takingAmount"`
		Success        bool   `json:"success"`
		ErrorMsg       string `json:"errorMsg"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, errs.WrapErr(errs.ExchangeUnavailable, err, "exchange: parse order response")
	}
	if !result.Success || result.ErrorMsg != "" {
		return nil, errs.Wrap(errs.ExchangeUnavailable, "exchange: order rejected: %s", result.ErrorMsg)
	}

	out := &OrderResult{ExchangeOrderID: result.OrderID}
	switch strings.ToUpper(result.Status) {
	case "MATCHED":
		out.Status = Matched
		making, _ := decimal.NewFromString(result.MakingAmount)
		taking, _ := decimal.NewFromString(result.TakingAmount)
		if making.IsPositive() && taking.IsPositive() {
			if side == Buy {
				out.FillPrice = making.Div(taking)
				out.FilledShares = taking
			} else {
				out.FillPrice = taking.Div(making)
				out.FilledShares = making
			}
		} else if orderType == FOK && limitPrice.IsPositive() {
			out.FillPrice = limitPrice
			out.FilledShares = sizeUSDC.Div(limitPrice)
		}
	case "LIVE":
		out.Status = Live
	case "UNMATCHED":
		out.Status = Unmatched
	default:
		out.Status = Canceled
	}
	return out, nil
}

// --- EIP-712 order construction --------------------------------------------

type signedOrder struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type orderPayload struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType OrderType   `json:"orderType"`
}

func (c *Client) buildSignedOrder(assetID string, side Side, sizeUSDC, limitPrice decimal.Decimal, orderType OrderType) (*signedOrder, error) {
	maker := c.creds.Funder
	if maker == "" {
		maker = c.creds.Address
	}

	usdcScale := decimal.NewFromInt(usdcDecimals6)

	var makerAmount, takerAmount decimal.Decimal
	if side == Buy {
		if orderType == GTC {
			shares := sizeUSDC.Div(limitPrice)
			makerAmount = sizeUSDC.Mul(usdcScale).Floor()
			takerAmount = shares.Mul(usdcScale).Floor()
		} else {
			makerAmount = sizeUSDC.Mul(usdcScale).Floor()
			takerAmount = decimal.Zero // server resolves at fill price for FOK
		}
	} else {
		shares := sizeUSDC
		if limitPrice.IsPositive() {
			shares = sizeUSDC.Div(limitPrice)
		}
		makerAmount = shares.Mul(usdcScale).Floor()
		if limitPrice.IsPositive() {
			takerAmount = shares.Mul(limitPrice).Mul(usdcScale).Floor()
		}
	}

	expiration := "0"

	order := &signedOrder{
		Salt:          generateSalt(),
		Maker:         maker,
		Signer:        c.creds.Address,
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       assetID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    expiration,
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          string(side),
		SignatureType: sigTypeEOA,
	}

	sig, err := c.signOrderEIP712(order)
	if err != nil {
		return nil, errs.WrapErr(errs.SigningError, err, "exchange: sign order")
	}
	order.Signature = sig
	return order, nil
}

func (c *Client) signOrderEIP712(order *signedOrder) (string, error) {
	if c.creds.PrivateKey == nil {
		return "", errs.Wrap(errs.SigningError, "exchange: no private key loaded")
	}

	domainSeparator := buildDomainSeparator(CTFExchange, ChainID)
	orderHash := buildOrderStructHash(order)

	data := make([]byte, 0, 2+32+32)
	data = append(data, []byte("\x19\x01")...)
	data = append(data, domainSeparator[:]...)
	data = append(data, orderHash[:]...)
	finalHash := crypto.Keccak256(data)

	sig, err := crypto.Sign(finalHash, c.creds.PrivateKey)
	if err != nil {
		return "", err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}

func buildDomainSeparator(contractAddr string, chainID int) [32]byte {
	domainTypeHash := crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	nameHash := crypto.Keccak256([]byte("Polymarket CTF Exchange"))
	versionHash := crypto.Keccak256([]byte("1"))

	chainIDBytes := common.LeftPadBytes(big.NewInt(int64(chainID)).Bytes(), 32)
	contractPadded := common.LeftPadBytes(common.HexToAddress(contractAddr).Bytes(), 32)

	data := make([]byte, 0, 32*5)
	data = append(data, domainTypeHash...)
	data = append(data, nameHash...)
	data = append(data, versionHash...)
	data = append(data, chainIDBytes...)
	data = append(data, contractPadded...)

	var result [32]byte
	copy(result[:], crypto.Keccak256(data))
	return result
}

func buildOrderStructHash(order *signedOrder) [32]byte {
	orderTypeHash := crypto.Keccak256([]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"))

	sideVal := byte(0)
	if order.Side == string(Sell) {
		sideVal = 1
	}

	data := make([]byte, 0, 32*13)
	data = append(data, orderTypeHash...)
	data = append(data, padUint256(order.Salt)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(order.Maker).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(order.Signer).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(order.Taker).Bytes(), 32)...)
	data = append(data, padUint256(order.TokenID)...)
	data = append(data, padUint256(order.MakerAmount)...)
	data = append(data, padUint256(order.TakerAmount)...)
	data = append(data, padUint256(order.Expiration)...)
	data = append(data, padUint256(order.Nonce)...)
	data = append(data, padUint256(order.FeeRateBps)...)
	data = append(data, common.LeftPadBytes([]byte{sideVal}, 32)...)
	data = append(data, common.LeftPadBytes([]byte{byte(order.SignatureType)}, 32)...)

	var result [32]byte
	copy(result[:], crypto.Keccak256(data))
	return result
}

func padUint256(s string) []byte {
	n := new(big.Int)
	n.SetString(s, 10)
	return common.LeftPadBytes(n.Bytes(), 32)
}

func generateSalt() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return new(big.Int).SetBytes(b).String()
}

// --- HTTP + HMAC request signing --------------------------------------------

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	raw, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) deleteWithBody(ctx context.Context, path string, body any) ([]byte, error) {
	var raw []byte
	if body != nil {
		raw, _ = json.Marshal(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	c.addAuthHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, errs.Wrap(errs.ExchangeUnavailable, "http %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) addAuthHeaders(req *http.Request) {
	if c.creds.APIKey == "" {
		return
	}
	timestamp := time.Now().Unix()

	req.Header.Set("POLY_ADDRESS", c.creds.Address)
	req.Header.Set("POLY_API_KEY", c.creds.APIKey)
	req.Header.Set("POLY_TIMESTAMP", decimal.NewFromInt(timestamp).String())
	req.Header.Set("POLY_PASSPHRASE", c.creds.Passphrase)

	if c.creds.APISecret == "" {
		return
	}
	message := decimal.NewFromInt(timestamp).String() + req.Method + req.URL.Path
	if req.Body != nil {
		bodyBytes, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		message += string(bodyBytes)
	}
	req.Header.Set("POLY_SIGNATURE", c.hmacSign(message))
}

func (c *Client) hmacSign(message string) string {
	key, err := base64.URLEncoding.DecodeString(c.creds.APISecret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(c.creds.APISecret)
		if err != nil {
			key = []byte(c.creds.APISecret)
		}
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

// IsFilled reports whether the settlement status represents an actual fill.
func (s SettlementStatus) IsFilled() bool {
	return s == Matched
}
