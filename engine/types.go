package engine

import (
	"errors"
	"time"
)

// Kind represents the direction of a trade.
type Kind int

const (
	// Buy spends dollars for tokens.
	Buy Kind = iota
	// Sell returns tokens for dollars.
	Sell
)

func (k Kind) String() string {
	if k == Buy {
		return "buy"
	}
	return "sell"
}

// MarshalText renders the kind as "buy" or "sell" in JSON.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts "buy" or "sell".
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrDuplicateAccount  = errors.New("account already exists")
	ErrStopped           = errors.New("market stopped")
)

// MarketAccountID tags forced volume that is not attributed to an account.
const MarketAccountID = "market"

// Operation is an executed trade. Immutable once created.
type Operation struct {
	AccountID string    `json:"accountId"`
	Kind      Kind      `json:"kind"`
	Quantity  float64   `json:"quantity"`
	Dollars   float64   `json:"dollars"`
	Price     float64   `json:"price"`
	Forced    bool      `json:"forced,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Account holds the balances and trade history of one participant.
type Account struct {
	ID              string      `json:"id"`
	Dollars         float64     `json:"dollars"`
	Tokens          float64     `json:"tokens"`
	AverageBuyPrice float64     `json:"averageBuy"`
	TotalInvested   float64     `json:"totalInvested"`
	TotalRealized   float64     `json:"totalSold"`
	Gains           float64     `json:"gains"`
	TradeCount      int         `json:"totalClicks"`
	LastActiveAt    time.Time   `json:"lastActive"`
	CreatedAt       time.Time   `json:"createdAt"`
	InitialDollars  float64     `json:"initialDollars"`
	IsBot           bool        `json:"isSimulated"`
	History         []Operation `json:"history,omitempty"`
}

// Candle is an OHLC summary of one period of trading.
type Candle struct {
	Open       float64     `json:"o"`
	High       float64     `json:"h"`
	Low        float64     `json:"l"`
	Close      float64     `json:"c"`
	StartedAt  time.Time   `json:"t"`
	Operations []Operation `json:"operations,omitempty"`
}

// Result describes the outcome of an executed trade.
type Result struct {
	Operation Operation
	Account   Account // zero for forced trades
	Before    float64 // price before execution
	After     float64 // price after execution
}

// View is the read-only market picture agents decide on.
type View struct {
	Price       float64
	Supply      float64
	Candles     []Candle // closed candles, oldest first
	Current     Candle
	RugDetected bool
	Now         time.Time
	Slope       float64 // price per token of supply along the curve
}

// TokensFor returns the tokens to sell now to release at least dollars,
// following the curve rather than the spot price.
func (v View) TokensFor(dollars float64) float64 {
	if v.Slope <= 0 {
		return 0
	}
	return curve{slope: v.Slope}.tokensFor(v.Supply, dollars)
}

// LeaderboardEntry ranks one account by net worth.
type LeaderboardEntry struct {
	ID              string  `json:"id"`
	NetWorth        float64 `json:"netWorth"`
	Tokens          float64 `json:"tokens"`
	Dollars         float64 `json:"dollars"`
	AverageBuyPrice float64 `json:"averageBuy"`
	TradeCount      int     `json:"totalClicks"`
	IsBot           bool    `json:"isSimulated"`
}

// Snapshot is an immutable copy of the public market state.
type Snapshot struct {
	Candles     []Candle
	Current     Candle
	Leaderboard []LeaderboardEntry
	Accounts    map[string]Account // without history
	Supply      float64
	Price       float64
	ReserveBase float64
	RugDetected bool
	TakenAt     time.Time
}

// Config controls market parameters.
type Config struct {
	InitialPrice    float64
	InitialSupply   float64
	MinPrice        float64
	StartingDollars float64
	CandlePeriod    time.Duration
	CandleHistory   int
	HistoryLimit    int
	RequestBuffer   int
	UpdateBuffer    int
	Trend           TrendConfig
	Now             func() time.Time // clock for trades and candles, time.Now when nil
}

// TrendConfig parameterizes the trend detectors.
type TrendConfig struct {
	Window              int
	DeepThreshold       float64
	StagnationThreshold float64
	RugWindow           time.Duration
	RugDrop             float64
	RugCooldown         time.Duration
}

// DefaultConfig mirrors the live game: price 1000 over a seed supply of one
// token, $100 starting cash and 5 second candles.
func DefaultConfig() Config {
	return Config{
		InitialPrice:    1000,
		InitialSupply:   1,
		MinPrice:        0.01,
		StartingDollars: 100,
		CandlePeriod:    5 * time.Second,
		CandleHistory:   50,
		HistoryLimit:    500,
		RequestBuffer:   64,
		UpdateBuffer:    16,
		Trend:           DefaultTrendConfig(),
		Now:             time.Now,
	}
}

// DefaultTrendConfig returns the detector defaults.
func DefaultTrendConfig() TrendConfig {
	return TrendConfig{
		Window:              5,
		DeepThreshold:       0.2,
		StagnationThreshold: 0.03,
		RugWindow:           20 * time.Second,
		RugDrop:             0.5,
		RugCooldown:         30 * time.Second,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.InitialPrice <= 0 {
		c.InitialPrice = def.InitialPrice
	}
	if c.InitialSupply <= 0 {
		c.InitialSupply = def.InitialSupply
	}
	if c.MinPrice <= 0 {
		c.MinPrice = def.MinPrice
	}
	if c.StartingDollars < 0 {
		c.StartingDollars = def.StartingDollars
	}
	if c.CandlePeriod <= 0 {
		c.CandlePeriod = def.CandlePeriod
	}
	if c.CandleHistory <= 0 {
		c.CandleHistory = def.CandleHistory
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.RequestBuffer < 0 {
		c.RequestBuffer = 0
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = def.UpdateBuffer
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Trend = c.Trend.normalized()
	return c
}

func (c TrendConfig) normalized() TrendConfig {
	def := DefaultTrendConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.DeepThreshold <= 0 {
		c.DeepThreshold = def.DeepThreshold
	}
	if c.StagnationThreshold <= 0 {
		c.StagnationThreshold = def.StagnationThreshold
	}
	if c.RugWindow <= 0 {
		c.RugWindow = def.RugWindow
	}
	if c.RugDrop <= 0 || c.RugDrop >= 1 {
		c.RugDrop = def.RugDrop
	}
	if c.RugCooldown <= 0 {
		c.RugCooldown = def.RugCooldown
	}
	return c
}
