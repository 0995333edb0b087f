package engine

import "sort"

// Rank orders accounts by net worth at price, highest first. Accounts with
// equal net worth keep their input order.
func Rank(accounts []Account, price float64) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(accounts))
	for _, acc := range accounts {
		entries = append(entries, LeaderboardEntry{
			ID:              acc.ID,
			NetWorth:        NetWorth(acc, price),
			Tokens:          acc.Tokens,
			Dollars:         acc.Dollars,
			AverageBuyPrice: acc.AverageBuyPrice,
			TradeCount:      acc.TradeCount,
			IsBot:           acc.IsBot,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].NetWorth > entries[j].NetWorth
	})
	return entries
}

// snapshotLocked builds the public snapshot. Only called from the market loop.
func (m *Market) snapshotLocked() Snapshot {
	price := m.price()
	accounts := make([]Account, 0, len(m.ledger.order))
	byID := make(map[string]Account, len(m.ledger.order))
	for _, acc := range m.ledger.order {
		pub := acc.public()
		accounts = append(accounts, pub)
		byID[pub.ID] = pub
	}
	return Snapshot{
		Candles:     m.candles.closed(),
		Current:     m.candles.currentCopy(),
		Leaderboard: Rank(accounts, price),
		Accounts:    byID,
		Supply:      m.state.reserveToken,
		Price:       price,
		ReserveBase: m.state.reserveBase,
		RugDetected: m.rug.Detected(),
		TakenAt:     m.now(),
	}
}
