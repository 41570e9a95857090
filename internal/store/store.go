// Package store implements the Durable Store (spec.md §4.1): the sole
// writer of persisted session/order/trader-list/trading-wallet rows, and
// the authoritative source of truth on engine restart.
package store

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/polybot/internal/config"
	"github.com/web3guy0/polybot/internal/errs"
)

// filledStatuses are the terminal statuses counted toward net position and
// realized size (original_source/db.rs uses the same ('filled','simulated')
// set throughout).
var filledStatuses = []OrderStatus{OrderFilled, OrderSimulated}

// Store wraps a single *gorm.DB behind a mutex. GORM's own connection pool
// is already goroutine-safe; the mutex here exists to serialize the
// read-modify-write sequences (status transition guards, capital updates)
// that the Engine depends on, mirroring the teacher's single shared
// *gorm.DB instance.
type Store struct {
	mu sync.Mutex
	db *gorm.DB
}

// New opens the store per cfg.StoreDriver and runs AutoMigrate, following
// web3guy0-polybot/internal/database.New's dual-driver branch but keying
// off the explicit StoreDriver field instead of sniffing the DSN prefix.
func New(cfg *config.Config) (*Store, error) {
	var db *gorm.DB
	var err error

	switch cfg.StoreDriver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, errs.WrapErr(errs.StorageError, err, "store: open postgres")
		}
		log.Info().Msg("store connected (postgres)")
	case "sqlite":
		dir := filepath.Dir(cfg.DatabasePath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.WrapErr(errs.StorageError, err, "store: mkdir data dir")
		}
		db, err = gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, errs.WrapErr(errs.StorageError, err, "store: open sqlite")
		}
		log.Info().Str("path", cfg.DatabasePath).Msg("store initialized (sqlite)")
	default:
		return nil, errs.Wrap(errs.ConfigInvalid, "unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	if err := db.AutoMigrate(
		&SessionRow{},
		&OrderRow{},
		&TraderListRow{},
		&TraderListMemberRow{},
		&TradingWalletRow{},
	); err != nil {
		return nil, errs.WrapErr(errs.StorageError, err, "store: automigrate")
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying *gorm.DB for read-only components that need to
// run their own queries against the same connection, such as
// analytics.GormClient's top-trader ranking query.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errs.WrapErr(errs.StorageError, err, "store: close")
	}
	return sqlDB.Close()
}

// --- Sessions ---------------------------------------------------------

// CreateSession inserts a new session row, generating an id when row.ID is
// empty. Status defaults to Running per spec.md §3 start semantics.
func (s *Store) CreateSession(row *SessionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Status == "" {
		row.Status = SessionRunning
	}
	if err := s.db.Create(row).Error; err != nil {
		return errs.WrapErr(errs.StorageError, err, "store: create session")
	}
	return nil
}

// GetSession fetches a session owned by owner. Returns errs.NotFound if it
// doesn't exist or isn't owned by owner.
func (s *Store) GetSession(id, owner string) (*SessionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row SessionRow
	err := s.db.Where("id = ? AND owner = ?", id, owner).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errs.Wrap(errs.NotFound, "session %s not found", id)
		}
		return nil, errs.WrapErr(errs.StorageError, err, "store: get session")
	}
	return &row, nil
}

// ListSessions returns all sessions owned by owner, most recent first.
func (s *Store) ListSessions(owner string) ([]SessionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []SessionRow
	if err := s.db.Where("owner = ?", owner).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, errs.WrapErr(errs.StorageError, err, "store: list sessions")
	}
	return rows, nil
}

// ListRunningSessions returns every session with status Running, across all
// owners — used for startup recovery (original_source/engine.rs reloads
// these into ActiveSessions on process start).
func (s *Store) ListRunningSessions() ([]SessionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []SessionRow
	if err := s.db.Where("status = ?", SessionRunning).Find(&rows).Error; err != nil {
		return nil, errs.WrapErr(errs.StorageError, err, "store: list running sessions")
	}
	return rows, nil
}

// UpdateSessionStatus transitions a session's status. Stopped is terminal:
// any transition away from Stopped is refused with errs.Conflict, matching
// spec.md §3's "terminal Stopped" invariant (the Rust original leaves this
// unenforced at the SQL layer; the Go core enforces it here instead).
func (s *Store) UpdateSessionStatus(id string, newStatus SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row SessionRow
	if err := s.db.Select("status").Where("id = ?", id).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return errs.Wrap(errs.NotFound, "session %s not found", id)
		}
		return errs.WrapErr(errs.StorageError, err, "store: read session status")
	}
	if row.Status == SessionStopped {
		return errs.Wrap(errs.Conflict, "session %s is stopped and cannot transition to %s", id, newStatus)
	}

	res := s.db.Model(&SessionRow{}).Where("id = ?", id).Updates(map[string]any{
		"status":     newStatus,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return errs.WrapErr(errs.StorageError, res.Error, "store: update session status")
	}
	if res.RowsAffected == 0 {
		return errs.Wrap(errs.NotFound, "session %s not found", id)
	}
	return nil
}

// UpdateSessionCapital overwrites remaining_capital. Callers are expected to
// only ever move it monotonically per the fill/refund/close-out rules in
// spec.md §3 — the store itself does not enforce monotonicity, matching
// original_source/db.rs::update_session_capital which is a plain overwrite.
func (s *Store) UpdateSessionCapital(id string, remaining float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.Model(&SessionRow{}).Where("id = ?", id).Updates(map[string]any{
		"remaining_capital": remaining,
		"updated_at":        time.Now(),
	})
	if res.Error != nil {
		return errs.WrapErr(errs.StorageError, res.Error, "store: update session capital")
	}
	if res.RowsAffected == 0 {
		return errs.Wrap(errs.NotFound, "session %s not found", id)
	}
	return nil
}

// DeleteSession removes a session and its orders. Refused unless the
// session is already Stopped, so a live session can't be deleted out from
// under the engine.
func (s *Store) DeleteSession(id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row SessionRow
	if err := s.db.Where("id = ? AND owner = ?", id, owner).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return errs.Wrap(errs.NotFound, "session %s not found", id)
		}
		return errs.WrapErr(errs.StorageError, err, "store: read session for delete")
	}
	if row.Status != SessionStopped {
		return errs.Wrap(errs.Conflict, "session %s must be stopped before deletion", id)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&OrderRow{}).Error; err != nil {
			return err
		}
		return tx.Delete(&row).Error
	})
}

// --- Orders -------------------------------------------------------------

// InsertOrder appends a new order attempt, generating an id when empty.
func (s *Store) InsertOrder(row *OrderRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Status == "" {
		row.Status = OrderPending
	}
	if err := s.db.Create(row).Error; err != nil {
		return errs.WrapErr(errs.StorageError, err, "store: insert order")
	}
	return nil
}

// OrderUpdate carries the fields the engine learns after submitting or
// settling an order (original_source/db.rs::update_copytrade_order).
type OrderUpdate struct {
	Status          OrderStatus
	ExchangeOrderID *string
	FillPrice       *float64
	SlippageBps     *float64
	TxHash          *string
	ErrorMessage    *string
}

// UpdateOrder applies an OrderUpdate to an existing order row. Only fields
// set on u are touched — a nil pointer means "leave as is", not "clear",
// so a status-only update (e.g. marking a GTC order canceled) doesn't wipe
// its already-persisted exchange_order_id or fill_price.
func (s *Store) UpdateOrder(id string, u OrderUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := map[string]any{"updated_at": time.Now()}
	if u.Status != "" {
		fields["status"] = u.Status
	}
	if u.ExchangeOrderID != nil {
		fields["exchange_order_id"] = u.ExchangeOrderID
	}
	if u.FillPrice != nil {
		fields["fill_price"] = u.FillPrice
	}
	if u.SlippageBps != nil {
		fields["slippage_bps"] = u.SlippageBps
	}
	if u.TxHash != nil {
		fields["tx_hash"] = u.TxHash
	}
	if u.ErrorMessage != nil {
		fields["error_message"] = u.ErrorMessage
	}

	res := s.db.Model(&OrderRow{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return errs.WrapErr(errs.StorageError, res.Error, "store: update order")
	}
	if res.RowsAffected == 0 {
		return errs.Wrap(errs.NotFound, "order %s not found", id)
	}
	return nil
}

// ListSessionOrders returns a session's orders, most recent first, with
// optional pagination (limit<=0 means unbounded).
func (s *Store) ListSessionOrders(sessionID string, limit, offset int) ([]OrderRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.db.Where("session_id = ?", sessionID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	var rows []OrderRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, errs.WrapErr(errs.StorageError, err, "store: list session orders")
	}
	return rows, nil
}

// PositionsBySession aggregates net shares, cost basis, and last fill price
// per asset for a session, mirroring
// original_source/db.rs::get_session_positions / get_positions_raw. Only
// assets with a net positive share count are returned (dust threshold
// 0.001, matching the original's HAVING clause).
func (s *Store) PositionsBySession(sessionID string) ([]PositionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []OrderRow
	err := s.db.Where("session_id = ? AND status IN ?", sessionID, filledStatuses).
		Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, errs.WrapErr(errs.StorageError, err, "store: positions by session")
	}

	type agg struct {
		net       float64
		cost      float64
		lastPrice float64
	}
	byAsset := map[string]*agg{}
	order := []string{}
	for _, o := range rows {
		a, ok := byAsset[o.AssetID]
		if !ok {
			a = &agg{}
			byAsset[o.AssetID] = a
			order = append(order, o.AssetID)
		}
		shares := 0.0
		if o.SizeShares != nil {
			shares = *o.SizeShares
		}
		switch o.Side {
		case SideBuy:
			a.net += shares
			a.cost += o.SizeUSDC
		case SideSell:
			a.net -= shares
		}
		if o.FillPrice != nil {
			a.lastPrice = *o.FillPrice
		}
	}

	out := make([]PositionSummary, 0, len(order))
	for _, assetID := range order {
		a := byAsset[assetID]
		if a.net <= 0.001 {
			continue
		}
		out = append(out, PositionSummary{
			AssetID:       assetID,
			NetShares:     a.net,
			CostBasis:     a.cost,
			LastFillPrice: a.lastPrice,
		})
	}
	return out, nil
}

// RestorePositions returns net_shares per asset (ignoring cost basis and
// last fill price), mirroring original_source/db.rs::get_session_positions.
// The engine's startup recovery does not call it: it reads
// PositionsBySession directly, since it also needs each asset's last fill
// price.
func (s *Store) RestorePositions(sessionID string) (map[string]float64, error) {
	positions, err := s.PositionsBySession(sessionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(positions))
	for _, p := range positions {
		out[p.AssetID] = p.NetShares
	}
	return out, nil
}

// LastFillPrice returns the most recent fill price for (session, asset), or
// (0, false) if there is none yet.
func (s *Store) LastFillPrice(sessionID, assetID string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row OrderRow
	err := s.db.Where("session_id = ? AND asset_id = ? AND fill_price IS NOT NULL AND status IN ?",
		sessionID, assetID, filledStatuses).
		Order("created_at DESC").First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.WrapErr(errs.StorageError, err, "store: last fill price")
	}
	return *row.FillPrice, true, nil
}

// GetOrderStats returns aggregate order counters for a session, mirroring
// original_source/db.rs::get_session_order_stats.
func (s *Store) GetOrderStats(sessionID string) (OrderStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats OrderStats
	if err := s.db.Model(&OrderRow{}).Where("session_id = ?", sessionID).Count(&stats.Total).Error; err != nil {
		return OrderStats{}, errs.WrapErr(errs.StorageError, err, "store: order stats total")
	}
	if err := s.db.Model(&OrderRow{}).
		Where("session_id = ? AND status IN ?", sessionID, filledStatuses).
		Count(&stats.Filled).Error; err != nil {
		return OrderStats{}, errs.WrapErr(errs.StorageError, err, "store: order stats filled")
	}
	if err := s.db.Model(&OrderRow{}).
		Where("session_id = ? AND status = ?", sessionID, OrderFailed).
		Count(&stats.Failed).Error; err != nil {
		return OrderStats{}, errs.WrapErr(errs.StorageError, err, "store: order stats failed")
	}
	if err := s.db.Model(&OrderRow{}).
		Where("session_id = ? AND status = ?", sessionID, OrderCanceled).
		Count(&stats.Canceled).Error; err != nil {
		return OrderStats{}, errs.WrapErr(errs.StorageError, err, "store: order stats canceled")
	}
	return stats, nil
}

// --- Trader lists ---------------------------------------------------------

// GetListMemberAddresses returns the lowercased member addresses of a list
// owned by owner, for Session.list_id trader resolution
// (original_source/db.rs::get_list_member_addresses).
func (s *Store) GetListMemberAddresses(listID, owner string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list TraderListRow
	err := s.db.Where("id = ? AND owner = ?", listID, owner).First(&list).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errs.Wrap(errs.NotFound, "trader list %s not found", listID)
	}
	if err != nil {
		return nil, errs.WrapErr(errs.StorageError, err, "store: get trader list")
	}

	var members []TraderListMemberRow
	if err := s.db.Where("list_id = ?", listID).Find(&members).Error; err != nil {
		return nil, errs.WrapErr(errs.StorageError, err, "store: list members")
	}
	addrs := make([]string, len(members))
	for i, m := range members {
		addrs[i] = strings.ToLower(m.Address)
	}
	return addrs, nil
}

// --- Trading wallets -------------------------------------------------------

// GetTradingWallet returns the single trading wallet row for owner, read by
// the Credential Vault to decrypt the signing key and CLOB credentials.
func (s *Store) GetTradingWallet(owner string) (*TradingWalletRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row TradingWalletRow
	err := s.db.Where("owner = ?", owner).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errs.Wrap(errs.NotFound, "trading wallet for %s not found", owner)
	}
	if err != nil {
		return nil, errs.WrapErr(errs.StorageError, err, "store: get trading wallet")
	}
	return &row, nil
}
