// Package wsfeed implements the WS Subscriber (spec.md §4.4): a single
// eth_subscribe log subscription over the Polygon WS endpoint, decoding
// OrderFilled events from the CTF/NegRisk exchange contracts into
// LiveTrade values for the Trade Bus. Reconnect/backoff and decode logic
// are grounded on original_source/src/api/ws_subscriber.rs; the transport
// is gorilla/websocket per web3guy0-polybot/internal/polymarket/ws_client.go.
package wsfeed

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polybot/internal/bus"
	"github.com/web3guy0/polybot/internal/tradertracker"
)

const (
	CTFExchange     = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	NegRiskExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"

	reconnectBaseDelay      = 2 * time.Second
	reconnectMaxDelay       = 60 * time.Second
	healthLogInterval       = 60 * time.Second
	maxTrackedAddressesWarn = 200
)

// orderFilledSignature is the Keccak256 topic hash of
// OrderFilled(bytes32,address,address,uint256,uint256,uint256,uint256,uint256).
var orderFilledSignature = crypto.Keccak256Hash([]byte(
	"OrderFilled(bytes32,address,address,uint256,uint256,uint256,uint256,uint256)",
))

// LiveTrade is a decoded on-chain fill, ready for the trade pipeline.
type LiveTrade struct {
	TxHash          string
	BlockTimestamp  int64
	BlockNumber     uint64
	Trader          string
	Side            string // "buy" | "sell"
	AssetID         string
	AmountShares    string
	Price           string
	USDCAmount      string
}

// MarketLookup resolves market metadata for an asset. GammaTokenID
// canonicalizes the raw on-chain token id into the gamma-market token id the
// rest of the system (sessions, positions, dedup keys) expects, falling back
// to the raw integer id when the lookup misses or is absent. Question is part
// of the interface but is not called by this package.
type MarketLookup interface {
	GammaTokenID(rawAssetID string) (assetID string, ok bool)
	Question(assetID string) (question, outcome string, ok bool)
}

// Subscriber runs the single long-lived WS connection. One per process.
type Subscriber struct {
	wsURL    string
	rpcURL   string
	bus      *bus.TradeBus
	tracked  *tradertracker.Watch
	lookup   MarketLookup
	dialer   *websocket.Dialer
	http     *http.Client

	blockCacheNum uint64
	blockCacheTS  int64
}

// New constructs a Subscriber. lookup may be nil (asset id canonicalization
// is best-effort and falls back to the raw on-chain id).
func New(wsURL, rpcURL string, tradeBus *bus.TradeBus, tracked *tradertracker.Watch, lookup MarketLookup) *Subscriber {
	return &Subscriber{
		wsURL:   wsURL,
		rpcURL:  rpcURL,
		bus:     tradeBus,
		tracked: tracked,
		lookup:  lookup,
		dialer:  websocket.DefaultDialer,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Run blocks until ctx is canceled, reconnecting and resubscribing whenever
// the tracked address set or connection changes, per
// original_source/ws_subscriber.rs::run.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		addrs, changed := s.tracked.Snapshot()
		if len(addrs) == 0 {
			log.Info().Msg("wsfeed: no tracked addresses, waiting for sessions")
			select {
			case <-ctx.Done():
				return
			case <-changed:
				continue
			}
		}

		if len(addrs) > maxTrackedAddressesWarn {
			log.Warn().Int("count", len(addrs)).Int("max", maxTrackedAddressesWarn).
				Msg("wsfeed: tracked address count exceeds recommended maximum")
		}

		log.Info().Int("addresses", len(addrs)).Msg("wsfeed: subscribing")
		s.subscribeAndProcess(ctx, addrs)
	}
}

func (s *Subscriber) subscribeAndProcess(ctx context.Context, addrs []string) {
	backoff := reconnectBaseDelay

	for {
		if ctx.Err() != nil {
			return
		}
		if _, changed := s.tracked.SnapshotIfChanged(addrs); changed {
			log.Info().Msg("wsfeed: addresses changed during reconnect, resubscribing")
			return
		}

		conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
		if err != nil {
			log.Warn().Err(err).Msg("wsfeed: connection failed")
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = minDuration(backoff*2, reconnectMaxDelay)
			continue
		}

		subID, ok := s.subscribe(conn, addrs)
		if !ok {
			conn.Close()
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = minDuration(backoff*2, reconnectMaxDelay)
			continue
		}
		backoff = reconnectBaseDelay

		s.readLoop(ctx, conn, subID, addrs)
		conn.Close()
	}
}

func (s *Subscriber) subscribe(conn *websocket.Conn, addrs []string) (string, bool) {
	topic0 := orderFilledSignature.Hex()
	makerTopics := buildMakerTopicFilter(addrs)

	msg := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params": []any{
			"logs",
			map[string]any{
				"address": []string{CTFExchange, NegRiskExchange},
				"topics":  []any{topic0, nil, makerTopics},
			},
		},
	}
	if err := conn.WriteJSON(msg); err != nil {
		log.Warn().Err(err).Msg("wsfeed: failed to send eth_subscribe")
		return "", false
	}

	var resp struct {
		Result string          `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := conn.ReadJSON(&resp); err != nil {
		log.Warn().Err(err).Msg("wsfeed: no subscription response")
		return "", false
	}
	if resp.Result == "" {
		log.Warn().RawJSON("error", resp.Error).Msg("wsfeed: subscription rejected")
		return "", false
	}
	log.Info().Str("sub_id", resp.Result).Int("addresses", len(addrs)).Msg("wsfeed: active")
	return resp.Result, true
}

func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn, subID string, addrs []string) {
	connectedAt := time.Now()
	var eventCount uint64
	lastHealthLog := time.Now()
	changed := make(chan struct{})
	go s.watchAddressChange(ctx, addrs, changed)

	for {
		select {
		case <-ctx.Done():
			s.unsubscribe(conn, subID)
			return
		case <-changed:
			log.Info().Msg("wsfeed: address set changed, resubscribing")
			s.unsubscribe(conn, subID)
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(healthLogInterval))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if time.Since(lastHealthLog) < healthLogInterval {
				log.Warn().Err(err).Uint64("uptime_s", uint64(time.Since(connectedAt).Seconds())).
					Msg("wsfeed: disconnected")
				return
			}
			continue
		}

		if time.Since(lastHealthLog) >= healthLogInterval {
			receivers := s.bus.SubscriberCount()
			log.Info().Uint64("events", eventCount).
				Uint64("uptime_s", uint64(time.Since(connectedAt).Seconds())).
				Str("sub_id", subID).Int("addrs", len(addrs)).Int("receivers", receivers).
				Msg("wsfeed: health")
			if receivers == 0 && len(addrs) > 0 {
				log.Warn().Int("addrs", len(addrs)).
					Msg("wsfeed: tracking addresses but the trade bus has no subscribers")
			}
			lastHealthLog = time.Now()
		}

		var notif struct {
			Params *struct {
				Result logEntry `json:"result"`
			} `json:"params"`
		}
		if err := json.Unmarshal(raw, &notif); err != nil || notif.Params == nil {
			continue
		}
		entry := notif.Params.Result
		if entry.Removed {
			continue
		}
		eventCount++

		if trade, ok := s.decodeOrderFilled(entry); ok {
			s.bus.Publish(trade)
		}
	}
}

func (s *Subscriber) watchAddressChange(ctx context.Context, addrs []string, notify chan<- struct{}) {
	for {
		if _, changed := s.tracked.SnapshotIfChanged(addrs); changed {
			close(notify)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *Subscriber) unsubscribe(conn *websocket.Conn, subID string) {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "eth_unsubscribe",
		"params":  []string{subID},
	}
	_ = conn.WriteJSON(msg)
}

type logEntry struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	TransactionHash string   `json:"transactionHash"`
	BlockNumber     string   `json:"blockNumber"`
	Removed         bool     `json:"removed"`
}

// decodeOrderFilled decodes the CTF Exchange OrderFilled event into a
// LiveTrade, mirroring original_source/ws_subscriber.rs::decode_order_filled.
// One of makerAssetId/takerAssetId must be zero (the USDC leg); the other
// identifies the traded conditional-token asset.
func (s *Subscriber) decodeOrderFilled(entry logEntry) (LiveTrade, bool) {
	if len(entry.Topics) < 4 {
		return LiveTrade{}, false
	}
	dataBytes, err := hex.DecodeString(strings.TrimPrefix(entry.Data, "0x"))
	if err != nil || len(dataBytes) < 32*5 {
		return LiveTrade{}, false
	}

	maker := common.HexToAddress(entry.Topics[2])
	makerAssetID := new(big.Int).SetBytes(dataBytes[0:32])
	takerAssetID := new(big.Int).SetBytes(dataBytes[32:64])
	makerAmount := new(big.Int).SetBytes(dataBytes[64:96])
	takerAmount := new(big.Int).SetBytes(dataBytes[96:128])

	var side string
	var assetID *big.Int
	var usdcRaw, tokenRaw *big.Int
	switch {
	case makerAssetID.Sign() == 0:
		side, assetID, usdcRaw, tokenRaw = "buy", takerAssetID, makerAmount, takerAmount
	case takerAssetID.Sign() == 0:
		side, assetID, usdcRaw, tokenRaw = "sell", makerAssetID, takerAmount, makerAmount
	default:
		return LiveTrade{}, false
	}

	blockNumber, _ := strconv.ParseUint(strings.TrimPrefix(entry.BlockNumber, "0x"), 16, 64)
	ts := s.resolveBlockTimestamp(blockNumber)

	price := 0.0
	if tokenRaw.Sign() > 0 {
		usdcF := new(big.Float).SetInt(usdcRaw)
		tokenF := new(big.Float).SetInt(tokenRaw)
		price, _ = new(big.Float).Quo(usdcF, tokenF).Float64()
	}

	return LiveTrade{
		TxHash:         entry.TransactionHash,
		BlockTimestamp: ts,
		BlockNumber:    blockNumber,
		Trader:         strings.ToLower(maker.Hex()),
		Side:           side,
		AssetID:        s.canonicalAssetID(assetID.String()),
		AmountShares:   decimalString(tokenRaw, 6),
		Price:          strconv.FormatFloat(price, 'f', 6, 64),
		USDCAmount:     decimalString(usdcRaw, 6),
	}, true
}

// canonicalAssetID resolves rawAssetID against the market-metadata lookup,
// falling back to the raw integer id when lookup is absent or misses,
// mirroring original_source/ws_subscriber.rs's
// info.map(|i| i.gamma_token_id).unwrap_or_else(|| to_integer_id(...)).
func (s *Subscriber) canonicalAssetID(rawAssetID string) string {
	if s.lookup == nil {
		return rawAssetID
	}
	if id, ok := s.lookup.GammaTokenID(rawAssetID); ok && id != "" {
		return id
	}
	return rawAssetID
}

// resolveBlockTimestamp uses a single-entry cache keyed by block number,
// matching the original's cached_block tuple — fills within the same block
// never trigger a second eth_getBlockByNumber round trip.
func (s *Subscriber) resolveBlockTimestamp(blockNumber uint64) int64 {
	if s.blockCacheNum == blockNumber && s.blockCacheNum != 0 {
		return s.blockCacheTS
	}
	ts := s.fetchBlockTimestamp(blockNumber)
	s.blockCacheNum = blockNumber
	s.blockCacheTS = ts
	return ts
}

// fetchBlockTimestamp calls eth_getBlockByNumber over rpcURL. Falls back to
// the wall clock if rpcURL is unset or the call fails — the dedup/rate-limit
// windows downstream tolerate an approximate timestamp far better than a
// stalled trade pipeline.
func (s *Subscriber) fetchBlockTimestamp(blockNumber uint64) int64 {
	if s.rpcURL == "" {
		return time.Now().Unix()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	reqBody, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_getBlockByNumber",
		"params":  []any{fmt.Sprintf("0x%x", blockNumber), false},
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.rpcURL, bytes.NewReader(reqBody))
	if err != nil {
		return time.Now().Unix()
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(httpReq)
	if err != nil {
		log.Warn().Err(err).Uint64("block", blockNumber).Msg("wsfeed: eth_getBlockByNumber failed, using wall clock")
		return time.Now().Unix()
	}
	defer resp.Body.Close()

	var result struct {
		Result struct {
			Timestamp string `json:"timestamp"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.Result.Timestamp == "" {
		log.Warn().Uint64("block", blockNumber).Msg("wsfeed: malformed eth_getBlockByNumber response, using wall clock")
		return time.Now().Unix()
	}
	ts, err := strconv.ParseInt(strings.TrimPrefix(result.Result.Timestamp, "0x"), 16, 64)
	if err != nil {
		return time.Now().Unix()
	}
	return ts
}

func buildMakerTopicFilter(addrs []string) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		bare := strings.TrimPrefix(strings.ToLower(a), "0x")
		out[i] = "0x" + strings.Repeat("0", 64-len(bare)) + bare
	}
	return out
}

func decimalString(raw *big.Int, decimals int) string {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int)
	frac := new(big.Int)
	whole.DivMod(raw, scale, frac)
	return whole.String() + "." + padLeft(frac.String(), decimals)
}

func padLeft(s string, n int) string {
	for len(s) < n {
		s = "0" + s
	}
	return s
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
