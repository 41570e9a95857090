// Package analytics resolves the top-N trader addresses for sessions
// configured with top_n instead of a fixed list (spec.md §4.7 trader
// resolution). Grounded on
// original_source/src/api/engine.rs::resolve_session_traders's ClickHouse
// ranking query (realized-plus-unrealized P&L, descending, excluding known
// contract addresses). The pack carries no ClickHouse Go client, so the
// default implementation runs the same ranking shape as a raw SQL query
// against the primary store's *gorm.DB (see DESIGN.md Open Question 4).
package analytics

import (
	"context"

	"gorm.io/gorm"

	"github.com/web3guy0/polybot/internal/errs"
)

// Client resolves a ranked trader address list. Swapping in a real
// ClickHouse-backed implementation only requires satisfying this interface.
type Client interface {
	TopTraders(ctx context.Context, n int, exclude []string) ([]string, error)
}

// GormClient queries trader_positions/asset_latest_price/resolved_prices
// tables maintained by an external ingestion pipeline (out of this core's
// write scope — this client only reads them).
type GormClient struct {
	db *gorm.DB
}

// NewGormClient wraps an existing *gorm.DB connection.
func NewGormClient(db *gorm.DB) *GormClient {
	return &GormClient{db: db}
}

// TopTraders ranks traders by realized-plus-unrealized P&L over
// trader_positions, clamping n to [1,50] as spec.md §3 requires for
// Session.top_n.
func (c *GormClient) TopTraders(ctx context.Context, n int, exclude []string) ([]string, error) {
	if n < 1 {
		n = 1
	}
	if n > 50 {
		n = 50
	}

	const query = `
		SELECT p.trader AS address
		FROM trader_positions p
		LEFT JOIN asset_latest_price lp ON p.asset_id = lp.asset_id
		LEFT JOIN resolved_prices rp ON p.asset_id = rp.asset_id
		WHERE p.trader NOT IN ?
		GROUP BY p.trader
		ORDER BY SUM((p.sell_usdc - p.buy_usdc) + (p.buy_amount - p.sell_amount) * COALESCE(rp.resolved_price, lp.latest_price)) DESC
		LIMIT ?`

	excludeArg := exclude
	if len(excludeArg) == 0 {
		excludeArg = []string{""}
	}

	var rows []struct{ Address string }
	if err := c.db.WithContext(ctx).Raw(query, excludeArg, n).Scan(&rows).Error; err != nil {
		return nil, errs.WrapErr(errs.StorageError, err, "analytics: top traders query")
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Address
	}
	return out, nil
}
