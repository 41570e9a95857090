package exchange

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

func testCredentials(t *testing.T) Credentials {
	t.Helper()
	priv, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr := gethcrypto.PubkeyToAddress(*pubkey(priv)).Hex()
	return Credentials{PrivateKey: priv, Address: addr, Funder: addr}
}

func pubkey(pk *ecdsa.PrivateKey) *ecdsa.PublicKey { return &pk.PublicKey }

func TestPriceParsesCLOBResponse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/price" {
			t.Errorf("path = %q, want /price", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"price": "0.73"})
	}))
	defer srv.Close()

	c := New(srv.URL, testCredentials(t), 100)
	price, err := c.Price(context.Background(), "asset-1", Buy)
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if !price.Equal(decimal.NewFromFloat(0.73)) {
		t.Errorf("Price = %s, want 0.73", price)
	}
}

func TestPriceUnavailableOnBadResponse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, testCredentials(t), 100)
	if _, err := c.Price(context.Background(), "asset-1", Buy); err == nil {
		t.Error("Price should fail on a 500 response")
	}
}

func TestPostMarketOrderClassifiesMatched(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload orderPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode order payload: %v", err)
		}
		if payload.Order.Signature == "" {
			t.Error("order should be signed before being posted")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"orderID":      "ex-order-1",
			"status":       "matched",
			"makingAmount": "1000000",
			"takingAmount": "2000000",
			"success":      true,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, testCredentials(t), 100)
	result, err := c.PostMarketOrder(context.Background(), "asset-1", Buy, decimal.NewFromFloat(1), decimal.NewFromFloat(0.6))
	if err != nil {
		t.Fatalf("PostMarketOrder: %v", err)
	}
	if result.Status != Matched {
		t.Errorf("Status = %q, want matched", result.Status)
	}
	if !result.FillPrice.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("FillPrice = %s, want 0.5 (1000000/2000000)", result.FillPrice)
	}
}

func TestPostMarketOrderFallsBackToQuotePriceOnZeroAmounts(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"orderID":      "ex-order-4",
			"status":       "matched",
			"makingAmount": "0",
			"takingAmount": "0",
			"success":      true,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, testCredentials(t), 100)
	result, err := c.PostMarketOrder(context.Background(), "asset-1", Buy, decimal.NewFromFloat(10), decimal.NewFromFloat(0.4))
	if err != nil {
		t.Fatalf("PostMarketOrder: %v", err)
	}
	if !result.FillPrice.Equal(decimal.NewFromFloat(0.4)) {
		t.Errorf("FillPrice = %s, want the witnessed quote price 0.4", result.FillPrice)
	}
	if !result.FilledShares.Equal(decimal.NewFromFloat(25)) {
		t.Errorf("FilledShares = %s, want 25 (10/0.4)", result.FilledShares)
	}
}

func TestPostMarketOrderZeroAmountsAndZeroQuoteDoesNotPanic(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"orderID":      "ex-order-5",
			"status":       "matched",
			"makingAmount": "bogus",
			"takingAmount": "bogus",
			"success":      true,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, testCredentials(t), 100)
	result, err := c.PostMarketOrder(context.Background(), "asset-1", Buy, decimal.NewFromFloat(10), decimal.Zero)
	if err != nil {
		t.Fatalf("PostMarketOrder: %v", err)
	}
	if !result.FillPrice.IsZero() || !result.FilledShares.IsZero() {
		t.Errorf("FillPrice/FilledShares = %s/%s, want zero when no fallback price is available", result.FillPrice, result.FilledShares)
	}
}

func TestPostLimitOrderClassifiesLive(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"orderID": "ex-order-2",
			"status":  "live",
			"success": true,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, testCredentials(t), 100)
	result, err := c.PostLimitOrder(context.Background(), "asset-1", Buy, decimal.NewFromFloat(10), decimal.NewFromFloat(0.5))
	if err != nil {
		t.Fatalf("PostLimitOrder: %v", err)
	}
	if result.Status != Live {
		t.Errorf("Status = %q, want live", result.Status)
	}
	if result.ExchangeOrderID != "ex-order-2" {
		t.Errorf("ExchangeOrderID = %q, want ex-order-2", result.ExchangeOrderID)
	}
}

func TestPostOrderRejectedReturnsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success":  false,
			"errorMsg": "insufficient balance",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, testCredentials(t), 100)
	if _, err := c.PostMarketOrder(context.Background(), "asset-1", Buy, decimal.NewFromFloat(1), decimal.NewFromFloat(0.5)); err == nil {
		t.Error("PostMarketOrder should fail when the CLOB rejects the order")
	}
}

func TestCancelOrderSendsOrderID(t *testing.T) {
	t.Parallel()
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, testCredentials(t), 100)
	if err := c.CancelOrder(context.Background(), "ex-order-3"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if gotBody["orderID"] != "ex-order-3" {
		t.Errorf("orderID in request body = %q, want ex-order-3", gotBody["orderID"])
	}
}

func TestAddAuthHeadersSignsAuthenticatedRequests(t *testing.T) {
	t.Parallel()
	var gotSig, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("POLY_SIGNATURE")
		gotKey = r.Header.Get("POLY_API_KEY")
		json.NewEncoder(w).Encode(map[string]string{"price": "0.5"})
	}))
	defer srv.Close()

	creds := testCredentials(t)
	creds.APIKey = "key-1"
	creds.APISecret = "c2VjcmV0LWJ5dGVz" // base64("secret-bytes")
	creds.Passphrase = "pass-1"
	c := New(srv.URL, creds, 100)

	if _, err := c.Price(context.Background(), "asset-1", Buy); err != nil {
		t.Fatalf("Price: %v", err)
	}
	if gotKey != "key-1" {
		t.Errorf("POLY_API_KEY = %q, want key-1", gotKey)
	}
	if gotSig == "" {
		t.Error("POLY_SIGNATURE should be set when an API secret is configured")
	}
}

func TestIsFilled(t *testing.T) {
	t.Parallel()
	if !Matched.IsFilled() {
		t.Error("Matched.IsFilled() = false, want true")
	}
	for _, s := range []SettlementStatus{Live, Canceled, Unmatched} {
		if s.IsFilled() {
			t.Errorf("%s.IsFilled() = true, want false", s)
		}
	}
}
