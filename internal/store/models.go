package store

import "time"

// SessionStatus is the Session.status lifecycle (spec.md §3). Stored as a
// plain string column so SQL tooling and migrations stay simple, matching
// the teacher's status-as-string convention (e.g. ArbTrade.Status).
type SessionStatus string

const (
	SessionRunning SessionStatus = "running"
	SessionPaused  SessionStatus = "paused"
	SessionStopped SessionStatus = "stopped"
)

// OrderSide mirrors spec.md §3 Order.side.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is the session's execution mode (spec.md §3).
type OrderType string

const (
	OrderFOK OrderType = "FOK"
	OrderGTC OrderType = "GTC"
)

// OrderStatus is the Order status lifecycle (spec.md §3).
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderSubmitted OrderStatus = "submitted"
	OrderFilled    OrderStatus = "filled"
	OrderCanceled  OrderStatus = "canceled"
	OrderFailed    OrderStatus = "failed"
	OrderSimulated OrderStatus = "simulated"
)

// SessionRow is the persistent configuration + status row for one
// copy-trading relationship (spec.md §3 Session).
type SessionRow struct {
	ID     string `gorm:"primaryKey"`
	Owner  string `gorm:"index;not null"`
	ListID *string
	TopN   *int

	CopyPct        float64
	MaxPositionUSDC float64

	MaxSlippageBps int
	MaxLossPct     *float64

	OrderType OrderType
	Simulate  bool

	InitialCapital   float64
	RemainingCapital float64

	Status SessionStatus `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SessionRow) TableName() string { return "sessions" }

// OrderRow is the append-only record for each submission attempt (spec.md
// §3 Order).
type OrderRow struct {
	ID              string `gorm:"primaryKey"`
	SessionID       string `gorm:"index;not null"`
	ExchangeOrderID *string

	SourceTxHash  string
	SourceTrader  string

	AssetID      string `gorm:"index"`
	Side         OrderSide
	Price        float64
	SourcePrice  float64
	SizeUSDC     float64
	SizeShares   *float64
	FillPrice    *float64
	SlippageBps  *float64

	Status       OrderStatus
	ErrorMessage *string
	TxHash       *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (OrderRow) TableName() string { return "orders" }

// TraderListRow names a set of addresses an owner maintains for list-based
// sessions (spec.md §6 persisted schema, supplemental per SPEC_FULL §3.1).
type TraderListRow struct {
	ID        string `gorm:"primaryKey"`
	Owner     string `gorm:"index;not null"`
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TraderListRow) TableName() string { return "trader_lists" }

// TraderListMemberRow is one address belonging to a TraderListRow.
type TraderListMemberRow struct {
	ListID  string  `gorm:"primaryKey"`
	Address string  `gorm:"primaryKey"`
	Label   *string
	AddedAt time.Time
}

func (TraderListMemberRow) TableName() string { return "trader_list_members" }

// TradingWalletRow is read by the Credential Vault only (spec.md §4.2),
// grounded on original_source/src/api/db.rs trading_wallets table.
type TradingWalletRow struct {
	ID            string `gorm:"primaryKey"`
	Owner         string `gorm:"index;not null"`
	WalletAddress string
	ProxyAddress  *string

	EncryptedKey []byte
	KeyNonce     []byte

	CLOBAPIKey      *string
	CLOBCredentials []byte
	CLOBCredsNonce  []byte

	Status string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TradingWalletRow) TableName() string { return "trading_wallets" }

// PositionSummary is a derived aggregate (spec.md §4.1, HTTP read-path only).
type PositionSummary struct {
	AssetID        string
	NetShares      float64
	CostBasis      float64
	LastFillPrice  float64
}

// OrderStats is a derived aggregate (spec.md §4.1, HTTP read-path only).
type OrderStats struct {
	Total     int64
	Filled    int64
	Failed    int64
	Canceled  int64
}
