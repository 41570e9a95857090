// Package engine implements the Session Engine (spec.md §4.7): the core of
// the copy-trading system. One Engine per process owns every Running
// session's in-memory state, processes the shared trade stream, and is the
// sole issuer of commands to the Exchange Client and Durable Store.
// Grounded almost directly on original_source/src/api/engine.rs — the Go
// translation replaces tokio::select! with a for{select{}} loop over native
// channels and replaces the "mutable borrow across an await" concern with
// natural single-goroutine serialization (see SPEC_FULL.md §9).
package engine

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/internal/analytics"
	"github.com/web3guy0/polybot/internal/bus"
	"github.com/web3guy0/polybot/internal/config"
	"github.com/web3guy0/polybot/internal/errs"
	"github.com/web3guy0/polybot/internal/events"
	"github.com/web3guy0/polybot/internal/exchange"
	"github.com/web3guy0/polybot/internal/store"
	"github.com/web3guy0/polybot/internal/tradertracker"
	"github.com/web3guy0/polybot/internal/vault"
	"github.com/web3guy0/polybot/internal/wsfeed"
)

// knownContracts excludes the exchange/relayer addresses themselves from
// top-N trader ranking — every on-chain fill is emitted with one of these
// as the OrderFilled maker when it's the counterparty leg, not a trader
// worth copying (spec.md §4.7, original_source/engine.rs::resolve_session_traders).
var knownContracts = []string{wsfeed.CTFExchange, wsfeed.NegRiskExchange}

// Rate limit and timing constants, defaulted from cfg but overridable for
// tests (original_source/engine.rs §56-64).
type tuning struct {
	maxOrdersPerMinute  int
	dedupWindow         time.Duration
	cooldownDuration    time.Duration
	maxConsecutiveFails int
	minOrderUSDC        float64
	gtcTimeout          time.Duration
	healthInterval      time.Duration
}

// position tracks net_shares and last_fill_price per asset, the in-memory
// mirror of store.PositionSummary used for sizing and the circuit breaker.
type position struct {
	shares    float64
	lastPrice float64
}

type openGTCOrder struct {
	ourOrderID string
	placedAt   time.Time
	usdc       float64
}

// activeSession is the in-memory runtime state for one Running or Paused
// session (original_source/engine.rs::ActiveSession).
type activeSession struct {
	row                 store.SessionRow
	traders             map[string]struct{}
	recentOrders        map[string]time.Time // "asset_id:side" -> last order time
	consecutiveFailures int
	cooldownUntil       time.Time
	remainingCapital    float64
	positions           map[string]position
	openGTCOrders       map[string]openGTCOrder // exchange order id -> our order
}

func (s *activeSession) isRunning() bool { return s.row.Status == store.SessionRunning }

// Engine owns every active session and the single goroutine that drives
// them. Construct with New and run with Run in its own goroutine.
type Engine struct {
	store     *store.Store
	analytics analytics.Client
	tracker   *tradertracker.Watch
	updates   *bus.TradeBus
	cmdCh     chan events.Command

	cfg       *config.Config
	tune      tuning
	rng       *rand.Rand
	exchanges map[string]*exchange.Client // owner -> client, lazily built

	sessions        map[string]*activeSession
	orderTimestamps []time.Time // global sliding window, shared CLOB account
}

// New constructs an Engine. rng is injected so simulated-fill slippage is
// reproducible in tests (DESIGN.md Open Question 2).
func New(cfg *config.Config, st *store.Store, an analytics.Client, tracker *tradertracker.Watch, updates *bus.TradeBus, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	minOrderFloat, _ := cfg.MinOrderUSDC.Float64()
	return &Engine{
		store:     st,
		analytics: an,
		tracker:   tracker,
		updates:   updates,
		cmdCh:     make(chan events.Command, 64),
		cfg:       cfg,
		tune: tuning{
			maxOrdersPerMinute:  cfg.MaxOrdersPerMinute,
			dedupWindow:         cfg.DedupWindow,
			cooldownDuration:    cfg.CooldownDuration,
			maxConsecutiveFails: cfg.MaxConsecutiveFails,
			minOrderUSDC:        minOrderFloat,
			gtcTimeout:          cfg.GTCTimeout,
			healthInterval:      cfg.HealthInterval,
		},
		rng:       rng,
		exchanges: make(map[string]*exchange.Client),
		sessions:  make(map[string]*activeSession),
	}
}

// Commands returns the channel HTTP handlers send Start/Pause/Resume/Stop
// commands on.
func (e *Engine) Commands() chan<- events.Command { return e.cmdCh }

// Run blocks until ctx is canceled, consuming trades from tradeCh (the
// Trade Bus subscription the caller owns) and commands from Commands(),
// ticking the health check every HealthInterval. Called once, from its own
// goroutine.
func (e *Engine) Run(ctx context.Context, tradeCh <-chan any) {
	e.recoverRunningSessions(ctx)

	ticker := time.NewTicker(e.tune.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-tradeCh:
			if !ok {
				log.Error().Msg("engine: trade bus channel closed, shutting down")
				return
			}
			trade, ok := raw.(wsfeed.LiveTrade)
			if !ok {
				continue
			}
			for _, sess := range e.sessions {
				if sess.isRunning() {
					e.processTrade(ctx, &trade, sess)
				}
			}

		case cmd := <-e.cmdCh:
			e.handleCommand(ctx, cmd)

		case <-ticker.C:
			e.healthCheck(ctx)
		}
	}
}

// recoverRunningSessions reloads every Running session from the store on
// startup, restoring positions so sells and the circuit breaker keep
// working across a restart (original_source/engine.rs's startup block).
func (e *Engine) recoverRunningSessions(ctx context.Context) {
	rows, err := e.store.ListRunningSessions()
	if err != nil {
		log.Error().Err(err).Msg("engine: failed to list running sessions on startup")
		return
	}
	for _, row := range rows {
		traders, err := e.resolveTraders(ctx, row)
		if err != nil {
			log.Error().Err(err).Str("session_id", row.ID).Msg("engine: failed to reload session traders")
			continue
		}
		positions, err := e.loadPositions(row.ID)
		if err != nil {
			log.Error().Err(err).Str("session_id", row.ID).Msg("engine: failed to restore positions")
			positions = map[string]position{}
		}
		e.sessions[row.ID] = &activeSession{
			row:              row,
			traders:          traders,
			recentOrders:     map[string]time.Time{},
			positions:        positions,
			openGTCOrders:    map[string]openGTCOrder{},
			remainingCapital: row.RemainingCapital,
		}
		log.Info().Str("session_id", row.ID).Int("traders", len(traders)).
			Int("positions", len(positions)).Msg("engine: reloaded running session")
	}
	if len(rows) > 0 {
		e.publishTrackedAddresses()
	}
}

func (e *Engine) loadPositions(sessionID string) (map[string]position, error) {
	summaries, err := e.store.PositionsBySession(sessionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]position, len(summaries))
	for _, s := range summaries {
		out[s.AssetID] = position{shares: s.NetShares, lastPrice: s.LastFillPrice}
	}
	return out, nil
}

// resolveTraders resolves a session's tracked address set, either from its
// fixed list or by querying the analytics client for its top N
// (spec.md §4.7, original_source/engine.rs::resolve_session_traders).
func (e *Engine) resolveTraders(ctx context.Context, row store.SessionRow) (map[string]struct{}, error) {
	var addrs []string
	switch {
	case row.ListID != nil:
		list, err := e.store.GetListMemberAddresses(*row.ListID, row.Owner)
		if err != nil {
			return nil, err
		}
		addrs = list
	case row.TopN != nil:
		ranked, err := e.analytics.TopTraders(ctx, *row.TopN, knownContracts)
		if err != nil {
			return nil, err
		}
		addrs = ranked
	default:
		return nil, errs.Wrap(errs.ConfigInvalid, "session %s has neither list_id nor top_n", row.ID)
	}

	out := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		out[strings.ToLower(a)] = struct{}{}
	}
	return out, nil
}

// publishTrackedAddresses recomputes the union of every Running session's
// tracked addresses and pushes it to the Trader Set Watch, which the WS
// Subscriber observes (original_source/engine.rs::publish_tracked_addresses).
func (e *Engine) publishTrackedAddresses() {
	union := map[string]struct{}{}
	for _, s := range e.sessions {
		if !s.isRunning() {
			continue
		}
		for addr := range s.traders {
			union[addr] = struct{}{}
		}
	}
	out := make([]string, 0, len(union))
	for addr := range union {
		out = append(out, addr)
	}
	log.Info().Int("addresses", len(out)).Msg("engine: publishing tracked addresses")
	e.tracker.Set(out)
}

// --- Commands ---------------------------------------------------------

func (e *Engine) handleCommand(ctx context.Context, cmd events.Command) {
	switch c := cmd.(type) {
	case events.StartCommand:
		e.handleStart(ctx, c.SessionID)
		e.publishTrackedAddresses()
	case events.PauseCommand:
		if s, ok := e.sessions[c.SessionID]; ok {
			s.row.Status = store.SessionPaused
			_ = e.store.UpdateSessionStatus(c.SessionID, store.SessionPaused)
			e.updates.Publish(events.SessionPaused{SessionID: c.SessionID, Owner: s.row.Owner})
			e.publishTrackedAddresses()
		}
	case events.ResumeCommand:
		if s, ok := e.sessions[c.SessionID]; ok {
			if traders, err := e.resolveTraders(ctx, s.row); err == nil {
				s.traders = traders
			}
			s.row.Status = store.SessionRunning
			s.consecutiveFailures = 0
			s.cooldownUntil = time.Time{}
			_ = e.store.UpdateSessionStatus(c.SessionID, store.SessionRunning)
			e.updates.Publish(events.SessionResumed{SessionID: c.SessionID, Owner: s.row.Owner})
			e.publishTrackedAddresses()
		}
	case events.StopCommand:
		if s, ok := e.sessions[c.SessionID]; ok {
			e.cancelOpenGTCOrders(ctx, s)
			delete(e.sessions, c.SessionID)
			_ = e.store.UpdateSessionStatus(c.SessionID, store.SessionStopped)
			e.updates.Publish(events.SessionStopped{SessionID: c.SessionID, Owner: s.row.Owner, Reason: "user"})
			e.publishTrackedAddresses()
		}
	}
}

func (e *Engine) handleStart(ctx context.Context, sessionID string) {
	row, err := e.findSessionByID(sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("engine: session not found for start")
		return
	}

	if !row.Simulate {
		if _, err := e.getExchangeClient(row.Owner); err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("engine: exchange client init failed")
			_ = e.store.UpdateSessionStatus(sessionID, store.SessionStopped)
			e.updates.Publish(events.SessionStopped{SessionID: sessionID, Owner: row.Owner, Reason: fmt.Sprintf("exchange init failed: %v", err)})
			return
		}
	}

	traders, err := e.resolveTraders(ctx, row)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("engine: trader resolution failed")
		_ = e.store.UpdateSessionStatus(sessionID, store.SessionStopped)
		e.updates.Publish(events.SessionStopped{SessionID: sessionID, Owner: row.Owner, Reason: fmt.Sprintf("trader resolution failed: %v", err)})
		return
	}

	e.sessions[sessionID] = &activeSession{
		row:              row,
		traders:          traders,
		recentOrders:     map[string]time.Time{},
		positions:        map[string]position{},
		openGTCOrders:    map[string]openGTCOrder{},
		remainingCapital: row.RemainingCapital,
	}
	log.Info().Str("session_id", sessionID).Int("traders", len(traders)).
		Bool("simulate", row.Simulate).Msg("engine: session started")
}

func (e *Engine) findSessionByID(sessionID string) (store.SessionRow, error) {
	// The store doesn't index by id alone without an owner in the
	// public API (ownership is always checked), but internal recovery
	// and start paths already trust the id coming from a prior
	// CreateSession call, so a direct lookup across owners is fine here.
	rows, err := e.store.ListRunningSessions()
	if err == nil {
		for _, r := range rows {
			if r.ID == sessionID {
				return r, nil
			}
		}
	}
	return store.SessionRow{}, errs.Wrap(errs.NotFound, "session %s not found", sessionID)
}

func (e *Engine) cancelOpenGTCOrders(ctx context.Context, s *activeSession) {
	if len(s.openGTCOrders) == 0 {
		return
	}
	client, err := e.getExchangeClient(s.row.Owner)
	if err != nil {
		return
	}
	for exchangeOrderID := range s.openGTCOrders {
		if err := client.CancelOrder(ctx, exchangeOrderID); err != nil {
			log.Warn().Err(err).Str("order_id", exchangeOrderID).Msg("engine: failed to cancel GTC order")
		}
	}
}

// getExchangeClient lazily builds and caches the Exchange Client for owner,
// decrypting its signing key and CLOB credentials via the Credential Vault
// (spec.md §4.2), mirroring original_source/engine.rs::init_clob_client.
func (e *Engine) getExchangeClient(owner string) (*exchange.Client, error) {
	if c, ok := e.exchanges[owner]; ok {
		return c, nil
	}

	wallet, err := e.store.GetTradingWallet(owner)
	if err != nil {
		return nil, err
	}
	userKey := vault.DeriveUserKey(e.cfg.WalletEncryptionKey, owner)
	aad := []byte(strings.ToLower(owner))

	keyBytes, err := vault.DecryptSecret(userKey, wallet.EncryptedKey, wallet.KeyNonce, aad)
	if err != nil {
		return nil, err
	}
	privKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, errs.WrapErr(errs.SigningError, err, "engine: invalid signing key for %s", owner)
	}

	creds := exchange.Credentials{
		PrivateKey: privKey,
		Address:    crypto.PubkeyToAddress(*publicKey(privKey)).Hex(),
		Funder:     wallet.WalletAddress,
	}
	if len(wallet.CLOBCredentials) > 0 {
		clobCreds, err := vault.DecryptCredentials(userKey, wallet.CLOBCredentials, wallet.CLOBCredsNonce, aad)
		if err != nil {
			return nil, err
		}
		if wallet.CLOBAPIKey != nil {
			creds.APIKey = *wallet.CLOBAPIKey
		}
		creds.APISecret = clobCreds.Secret
		creds.Passphrase = clobCreds.Passphrase
	}

	client := exchange.New(e.cfg.CLOBBaseURL, creds, 5)
	e.exchanges[owner] = client
	return client, nil
}

func publicKey(pk *ecdsa.PrivateKey) *ecdsa.PublicKey { return &pk.PublicKey }

// --- Trade processing (the 11-step pipeline) --------------------------

func (e *Engine) processTrade(ctx context.Context, trade *wsfeed.LiveTrade, s *activeSession) {
	sid := s.row.ID

	// 1. FILTER — is the trader in this session's watched set?
	if _, ok := s.traders[strings.ToLower(trade.Trader)]; !ok {
		return
	}

	// 2. COOLDOWN
	if !s.cooldownUntil.IsZero() {
		if time.Now().Before(s.cooldownUntil) {
			return
		}
		s.cooldownUntil = time.Time{}
		s.consecutiveFailures = 0
	}

	// 3. DEDUP — same asset_id+side within the dedup window?
	dedupKey := trade.AssetID + ":" + trade.Side
	if last, ok := s.recentOrders[dedupKey]; ok && time.Since(last) < e.tune.dedupWindow {
		return
	}

	sourcePrice := parsePositiveFloat(trade.Price)
	tradeUSDC := parsePositiveFloat(trade.USDCAmount)
	if sourcePrice <= 0 || tradeUSDC <= 0 {
		return
	}

	var side exchange.Side
	switch strings.ToLower(trade.Side) {
	case "buy":
		side = exchange.Buy
	case "sell":
		side = exchange.Sell
	default:
		return
	}

	// 4. SIZING (direction-aware)
	orderUSDC := e.sizeOrder(s, trade, side, sourcePrice, tradeUSDC)
	if orderUSDC < e.tune.minOrderUSDC {
		return
	}

	// 5. BALANCE — buys only, sells add capital
	if side == exchange.Buy && s.remainingCapital < orderUSDC {
		log.Warn().Str("session_id", sid).Float64("capital", s.remainingCapital).
			Float64("needed", orderUSDC).Msg("engine: insufficient capital")
		if s.remainingCapital < e.tune.minOrderUSDC {
			s.row.Status = store.SessionPaused
			_ = e.store.UpdateSessionStatus(sid, store.SessionPaused)
			e.updates.Publish(events.SessionPaused{SessionID: sid, Owner: s.row.Owner})
		}
		return
	}

	// 6. RATE LIMIT (global sliding window, shared CLOB account)
	now := time.Now()
	e.pruneOrderTimestamps(now)
	if len(e.orderTimestamps) >= e.tune.maxOrdersPerMinute {
		log.Warn().Int("max_per_minute", e.tune.maxOrdersPerMinute).Msg("engine: rate limit exceeded")
		return
	}

	orderID := uuid.NewString()

	var submitted bool
	if s.row.Simulate {
		submitted = e.executeSimulated(ctx, trade, s, orderID, orderUSDC, sourcePrice, side)
	} else {
		submitted = e.executeLive(ctx, trade, s, orderID, orderUSDC, sourcePrice, side)
	}

	if submitted {
		s.recentOrders[dedupKey] = now
		e.orderTimestamps = append(e.orderTimestamps, now)
	}
}

func (e *Engine) sizeOrder(s *activeSession, trade *wsfeed.LiveTrade, side exchange.Side, sourcePrice, tradeUSDC float64) float64 {
	copyPct := s.row.CopyPct
	if side == exchange.Buy {
		traderCount := len(s.traders)
		perTraderBudget := 0.0
		if traderCount > 0 {
			perTraderBudget = s.remainingCapital * copyPct / float64(traderCount)
		}
		return minFloat(minFloat(tradeUSDC*copyPct, perTraderBudget), s.row.MaxPositionUSDC)
	}

	pos, ok := s.positions[trade.AssetID]
	if !ok || pos.shares <= 0 {
		return 0
	}
	sourceShares := tradeUSDC / sourcePrice
	ourSellShares := minFloat(sourceShares*copyPct, pos.shares)
	return ourSellShares * sourcePrice
}

func (e *Engine) pruneOrderTimestamps(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(e.orderTimestamps); i++ {
		if e.orderTimestamps[i].After(cutoff) {
			break
		}
	}
	e.orderTimestamps = e.orderTimestamps[i:]
}

// executeSimulated performs paper trading using a real CLOB price when
// available, otherwise source price perturbed by injected randomness
// (original_source/engine.rs::execute_simulated).
func (e *Engine) executeSimulated(ctx context.Context, trade *wsfeed.LiveTrade, s *activeSession, orderID string, orderUSDC, sourcePrice float64, side exchange.Side) bool {
	sid := s.row.ID

	fillPrice := sourcePrice
	quoted := false
	if client, err := e.getExchangeClient(s.row.Owner); err == nil {
		if p, err := client.Price(ctx, trade.AssetID, side); err == nil {
			fillPrice, _ = p.Float64()
			quoted = true
		}
	}
	if !quoted {
		slippageFactor := 1.0 + (e.rng.Float64()-0.5)*0.01
		fillPrice = sourcePrice * slippageFactor
	}

	var slippageBps float64
	if side == exchange.Buy {
		slippageBps = (fillPrice - sourcePrice) / sourcePrice * 10000
	} else {
		slippageBps = (sourcePrice - fillPrice) / sourcePrice * 10000
	}
	if slippageBps > float64(s.row.MaxSlippageBps) {
		log.Info().Str("session_id", sid).Float64("slippage_bps", slippageBps).
			Msg("engine: simulated slippage exceeds max, skipping")
		return false
	}

	sizeShares := orderUSDC / fillPrice
	var actualUSDC, actualShares float64

	switch side {
	case exchange.Buy:
		actualUSDC, actualShares = orderUSDC, sizeShares
		s.remainingCapital -= actualUSDC
		cur := s.positions[trade.AssetID]
		s.positions[trade.AssetID] = position{shares: cur.shares + actualShares, lastPrice: fillPrice}
	case exchange.Sell:
		cur, ok := s.positions[trade.AssetID]
		if !ok || cur.shares <= 0 {
			return false
		}
		actualShares = minFloat(sizeShares, cur.shares)
		actualUSDC = actualShares * fillPrice
		s.remainingCapital += actualUSDC
		newShares := cur.shares - actualShares
		if newShares < 0.001 {
			delete(s.positions, trade.AssetID)
		} else {
			s.positions[trade.AssetID] = position{shares: newShares, lastPrice: fillPrice}
		}
	}

	row := &store.OrderRow{
		ID:           orderID,
		SessionID:    sid,
		SourceTxHash: trade.TxHash,
		SourceTrader: trade.Trader,
		AssetID:      trade.AssetID,
		Side:         storeSide(side),
		Price:        fillPrice,
		SourcePrice:  sourcePrice,
		SizeUSDC:     actualUSDC,
		SizeShares:   &actualShares,
		Status:       store.OrderSimulated,
		FillPrice:    &fillPrice,
		SlippageBps:  &slippageBps,
	}
	if err := e.store.InsertOrder(row); err != nil {
		log.Error().Err(err).Msg("engine: failed to insert simulated order")
		return false
	}

	log.Info().Str("session_id", sid).Str("side", trade.Side).Float64("usdc", actualUSDC).
		Float64("shares", actualShares).Str("asset_id", trade.AssetID).Float64("fill_price", fillPrice).
		Float64("slippage_bps", slippageBps).Msg("engine: simulated fill")

	e.updates.Publish(events.OrderPlaced{
		SessionID: sid, Owner: s.row.Owner, OrderID: orderID, AssetID: trade.AssetID,
		Side: trade.Side, SizeUSDC: orderUSDC, Price: fillPrice, SourceTrader: trade.Trader, Simulated: true,
	})
	e.updates.Publish(events.OrderFilled{
		SessionID: sid, Owner: s.row.Owner, OrderID: orderID, AssetID: trade.AssetID,
		FillPrice: fillPrice, SlippageBps: slippageBps,
	})

	s.consecutiveFailures = 0
	return true
}

// executeLive places a real CLOB order after a slippage check against the
// current market price, then classifies the response per
// original_source/engine.rs::execute_live's Matched/Live/Canceled/Unmatched
// handling.
func (e *Engine) executeLive(ctx context.Context, trade *wsfeed.LiveTrade, s *activeSession, orderID string, orderUSDC, sourcePrice float64, side exchange.Side) bool {
	sid := s.row.ID

	client, err := e.getExchangeClient(s.row.Owner)
	if err != nil {
		e.recordFailedOrder(s, orderID, trade, sourcePrice, orderUSDC, err.Error())
		return false
	}

	currentPriceDec, err := client.Price(ctx, trade.AssetID, side)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sid).Str("asset_id", trade.AssetID).
			Msg("engine: couldn't fetch CLOB price, skipping")
		return false
	}
	currentPrice, _ := currentPriceDec.Float64()

	var slippageBps float64
	if side == exchange.Buy {
		slippageBps = (currentPrice - sourcePrice) / sourcePrice * 10000
	} else {
		slippageBps = (sourcePrice - currentPrice) / sourcePrice * 10000
	}
	if slippageBps > float64(s.row.MaxSlippageBps) {
		log.Info().Str("session_id", sid).Float64("slippage_bps", slippageBps).Msg("engine: slippage exceeds max")
		return false
	}

	e.updates.Publish(events.OrderPlaced{
		SessionID: sid, Owner: s.row.Owner, OrderID: orderID, AssetID: trade.AssetID,
		Side: trade.Side, SizeUSDC: orderUSDC, Price: currentPrice, SourceTrader: trade.Trader, Simulated: false,
	})

	orderType := store.OrderFOK
	if strings.EqualFold(string(s.row.OrderType), string(exchange.GTC)) {
		orderType = store.OrderGTC
	}

	var result *exchange.OrderResult
	if orderType == store.OrderGTC {
		result, err = client.PostLimitOrder(ctx, trade.AssetID, side, decimalFromFloat(orderUSDC), decimalFromFloat(sourcePrice))
	} else {
		result, err = client.PostMarketOrder(ctx, trade.AssetID, side, decimalFromFloat(orderUSDC), currentPriceDec)
	}
	if err != nil {
		e.recordFailedOrder(s, orderID, trade, sourcePrice, orderUSDC, err.Error())
		return false
	}

	row := &store.OrderRow{
		ID:              orderID,
		SessionID:       sid,
		ExchangeOrderID: &result.ExchangeOrderID,
		SourceTxHash:    trade.TxHash,
		SourceTrader:    trade.Trader,
		AssetID:         trade.AssetID,
		Side:            storeSide(side),
		Price:           currentPrice,
		SourcePrice:     sourcePrice,
		SizeUSDC:        orderUSDC,
	}

	switch result.Status {
	case exchange.Matched:
		fillPrice, _ := result.FillPrice.Float64()
		shares, _ := result.FilledShares.Float64()
		actualSlippage := (fillPrice - sourcePrice) / sourcePrice * 10000
		if side == exchange.Sell {
			actualSlippage = -actualSlippage
		}
		recordedSlippage := math.Abs(actualSlippage)
		row.Status = store.OrderFilled
		row.FillPrice = &fillPrice
		row.SizeShares = &shares
		row.SlippageBps = &recordedSlippage

		if side == exchange.Buy {
			s.remainingCapital -= orderUSDC
			cur := s.positions[trade.AssetID]
			s.positions[trade.AssetID] = position{shares: cur.shares + shares, lastPrice: fillPrice}
		} else {
			s.remainingCapital += shares * fillPrice
			cur := s.positions[trade.AssetID]
			newShares := cur.shares - shares
			if newShares < 0.001 {
				delete(s.positions, trade.AssetID)
			} else {
				s.positions[trade.AssetID] = position{shares: newShares, lastPrice: fillPrice}
			}
		}
		e.updates.Publish(events.OrderFilled{
			SessionID: sid, Owner: s.row.Owner, OrderID: orderID, AssetID: trade.AssetID,
			FillPrice: fillPrice, SlippageBps: recordedSlippage,
		})

	case exchange.Live:
		row.Status = store.OrderSubmitted
		shares := orderUSDC / sourcePrice
		row.SizeShares = &shares
		if side == exchange.Buy {
			s.remainingCapital -= orderUSDC
		}
		s.openGTCOrders[result.ExchangeOrderID] = openGTCOrder{ourOrderID: orderID, placedAt: time.Now(), usdc: orderUSDC}

	default: // Canceled, Unmatched
		row.Status = store.OrderCanceled
		log.Warn().Str("session_id", sid).Str("order_id", result.ExchangeOrderID).Msg("engine: order not filled")
	}

	if err := e.store.InsertOrder(row); err != nil {
		log.Error().Err(err).Msg("engine: failed to insert live order")
	}
	s.consecutiveFailures = 0
	return true
}

// recordFailedOrder persists a failed attempt and advances the failure
// counter, entering a cooldown after maxConsecutiveFails
// (original_source/engine.rs::record_failed_order).
func (e *Engine) recordFailedOrder(s *activeSession, orderID string, trade *wsfeed.LiveTrade, sourcePrice, orderUSDC float64, reason string) {
	log.Error().Str("session_id", s.row.ID).Str("reason", reason).Msg("engine: order failed")

	row := &store.OrderRow{
		ID:           orderID,
		SessionID:    s.row.ID,
		SourceTxHash: trade.TxHash,
		SourceTrader: trade.Trader,
		AssetID:      trade.AssetID,
		Side:         store.OrderSide(strings.ToLower(trade.Side)),
		Price:        sourcePrice,
		SourcePrice:  sourcePrice,
		SizeUSDC:     orderUSDC,
		Status:       store.OrderFailed,
		ErrorMessage: &reason,
	}
	if err := e.store.InsertOrder(row); err != nil {
		log.Error().Err(err).Msg("engine: failed to insert failed order")
	}

	e.updates.Publish(events.OrderFailed{SessionID: s.row.ID, Owner: s.row.Owner, OrderID: orderID, Reason: reason})

	s.consecutiveFailures++
	if s.consecutiveFailures >= e.tune.maxConsecutiveFails {
		s.cooldownUntil = time.Now().Add(e.tune.cooldownDuration)
		log.Warn().Str("session_id", s.row.ID).Int("failures", s.consecutiveFailures).
			Dur("cooldown", e.tune.cooldownDuration).Msg("engine: entering cooldown")
	}
}

// --- Health tick --------------------------------------------------------

// healthCheck runs every HealthInterval: syncs capital to the store,
// enforces the circuit breaker, and expires stale GTC orders
// (original_source/engine.rs::health_check).
func (e *Engine) healthCheck(ctx context.Context) {
	type stopReq struct {
		id, owner, reason string
	}
	var toStop []stopReq

	for id, s := range e.sessions {
		_ = e.store.UpdateSessionCapital(id, s.remainingCapital)

		if s.row.MaxLossPct != nil {
			unrealized := 0.0
			for _, p := range s.positions {
				unrealized += p.shares * p.lastPrice
			}
			totalValue := s.remainingCapital + unrealized
			pnl := totalValue - s.row.InitialCapital
			lossPct := -pnl / s.row.InitialCapital * 100
			if lossPct > *s.row.MaxLossPct {
				log.Error().Str("session_id", id).Float64("loss_pct", lossPct).
					Float64("max_loss_pct", *s.row.MaxLossPct).Msg("engine: circuit breaker tripped")
				toStop = append(toStop, stopReq{id, s.row.Owner, "circuit_breaker"})
				continue
			}
		}

		e.expireGTCOrders(ctx, s)
	}

	hadStops := len(toStop) > 0
	for _, req := range toStop {
		s, ok := e.sessions[req.id]
		if !ok {
			continue
		}
		e.cancelOpenGTCOrders(ctx, s)
		delete(e.sessions, req.id)
		_ = e.store.UpdateSessionStatus(req.id, store.SessionStopped)
		e.updates.Publish(events.SessionStopped{SessionID: req.id, Owner: req.owner, Reason: req.reason})
	}
	if hadStops {
		e.publishTrackedAddresses()
	}
}

func (e *Engine) expireGTCOrders(ctx context.Context, s *activeSession) {
	var expired []string
	for exchangeOrderID, o := range s.openGTCOrders {
		if time.Since(o.placedAt) > e.tune.gtcTimeout {
			expired = append(expired, exchangeOrderID)
		}
	}
	if len(expired) == 0 {
		return
	}

	client, err := e.getExchangeClient(s.row.Owner)
	if err != nil {
		return
	}
	for _, exchangeOrderID := range expired {
		o := s.openGTCOrders[exchangeOrderID]
		if err := client.CancelOrder(ctx, exchangeOrderID); err != nil {
			log.Warn().Err(err).Str("order_id", exchangeOrderID).Msg("engine: failed to cancel expired GTC order")
			continue
		}
		s.remainingCapital += o.usdc
		delete(s.openGTCOrders, exchangeOrderID)
		canceled := store.OrderCanceled
		_ = e.store.UpdateOrder(o.ourOrderID, store.OrderUpdate{Status: canceled})
	}
	log.Info().Str("session_id", s.row.ID).Int("count", len(expired)).Msg("engine: canceled expired GTC orders")
}

// --- small helpers ------------------------------------------------------

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func parsePositiveFloat(s string) float64 {
	var f float64
	if _, err := fmt.Sscanf(s, "%f", &f); err != nil || f <= 0 {
		return 0
	}
	return f
}

func storeSide(s exchange.Side) store.OrderSide {
	if s == exchange.Sell {
		return store.SideSell
	}
	return store.SideBuy
}

// decimalFromFloat converts at the exchange-client boundary; sizing
// arithmetic upstream stays in float64 per spec.md §3's float-column data
// model, only converting to decimal.Decimal where exchange.Client expects it
// (SPEC_FULL §2.2).
func decimalFromFloat(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }
