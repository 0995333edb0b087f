package storage

import (
	"context"
	"time"

	"trenches/engine"
)

// Store persists account dumps and market history. Implementations must be
// safe for concurrent use by the two persister loops.
type Store interface {
	SaveAccounts(ctx context.Context, accounts []engine.Account) error
	AppendMarket(ctx context.Context, rec MarketRecord) error
	Close() error
}

// MarketRecord is one persisted picture of the market.
type MarketRecord struct {
	TakenAt     time.Time                 `json:"takenAt"`
	Price       float64                   `json:"price"`
	Supply      float64                   `json:"supply"`
	ReserveBase float64                   `json:"reserveBase"`
	RugDetected bool                      `json:"rugDetected"`
	Candles     []engine.Candle           `json:"candles"`
	Current     engine.Candle             `json:"currentCandle"`
	Leaderboard []engine.LeaderboardEntry `json:"leaderboard"`
}

// RecordFromSnapshot keeps the market half of a snapshot.
func RecordFromSnapshot(s engine.Snapshot) MarketRecord {
	return MarketRecord{
		TakenAt:     s.TakenAt,
		Price:       s.Price,
		Supply:      s.Supply,
		ReserveBase: s.ReserveBase,
		RugDetected: s.RugDetected,
		Candles:     s.Candles,
		Current:     s.Current,
		Leaderboard: s.Leaderboard,
	}
}

// Discard drops everything. It backs the "none" driver.
type Discard struct{}

func (Discard) SaveAccounts(context.Context, []engine.Account) error { return nil }
func (Discard) AppendMarket(context.Context, MarketRecord) error     { return nil }
func (Discard) Close() error                                         { return nil }
