package engine

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ParseKind accepts the trade directions understood on the wire.
func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(value) {
	case "buy", "b":
		return Buy, nil
	case "sell", "s":
		return Sell, nil
	default:
		return 0, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, value)
	}
}

// ValidAmount reports whether amount can be traded.
func ValidAmount(amount float64) bool {
	return amount > 0 && !math.IsInf(amount, 0) && !math.IsNaN(amount)
}

// NetWorth values an account's tokens at price plus its cash.
func NetWorth(acc Account, price float64) float64 {
	return acc.Tokens*price + acc.Dollars
}

// ledger keeps accounts in creation order so rankings are stable.
type ledger struct {
	accounts     map[string]*Account
	order        []*Account
	historyLimit int
}

func newLedger(historyLimit int) *ledger {
	return &ledger{accounts: make(map[string]*Account), historyLimit: historyLimit}
}

func (l *ledger) get(id string) (*Account, bool) {
	acc, ok := l.accounts[id]
	return acc, ok
}

func (l *ledger) open(id string, dollars float64, isBot bool, now time.Time) (*Account, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	if dollars < 0 || math.IsNaN(dollars) || math.IsInf(dollars, 0) {
		return nil, fmt.Errorf("%w: starting capital %v", ErrInvalidInput, dollars)
	}
	if _, ok := l.accounts[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAccount, id)
	}
	acc := &Account{
		ID:             id,
		Dollars:        dollars,
		InitialDollars: dollars,
		IsBot:          isBot,
		CreatedAt:      now,
		LastActiveAt:   now,
	}
	l.accounts[id] = acc
	l.order = append(l.order, acc)
	return acc, nil
}

func (l *ledger) record(acc *Account, op Operation) {
	acc.History = append(acc.History, op)
	if over := len(acc.History) - l.historyLimit; over > 0 {
		acc.History = append(acc.History[:0:0], acc.History[over:]...)
	}
}

func (l *ledger) restoreAll(now time.Time) {
	for _, acc := range l.order {
		acc.restore(now)
	}
}

func (a *Account) applyBuy(dollars, tokens float64, now time.Time) {
	a.AverageBuyPrice = (a.AverageBuyPrice*a.Tokens + dollars) / (a.Tokens + tokens)
	a.Tokens += tokens
	a.Dollars -= dollars
	if a.Dollars < 0 {
		a.Dollars = 0
	}
	a.TotalInvested += dollars
	a.Gains = a.TotalRealized - a.TotalInvested
	a.TradeCount++
	a.LastActiveAt = now
}

func (a *Account) applySell(tokens, proceeds float64, now time.Time) {
	a.Tokens -= tokens
	if a.Tokens < 0 {
		a.Tokens = 0
	}
	a.Dollars += proceeds
	a.TotalRealized += proceeds
	a.Gains = a.TotalRealized - a.TotalInvested
	a.TradeCount++
	a.LastActiveAt = now
}

func (a *Account) restore(now time.Time) {
	a.Dollars = a.InitialDollars
	a.Tokens = 0
	a.AverageBuyPrice = 0
	a.TotalInvested = 0
	a.TotalRealized = 0
	a.Gains = 0
	a.TradeCount = 0
	a.History = nil
	a.LastActiveAt = now
}

// public returns a copy without the operation history.
func (a *Account) public() Account {
	out := *a
	out.History = nil
	return out
}

// clone returns a deep copy including history.
func (a *Account) clone() Account {
	out := *a
	out.History = append([]Operation(nil), a.History...)
	return out
}
