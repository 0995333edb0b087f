package bots

import (
	"math"

	"trenches/engine"
)

// Action is one trading decision. Amount is dollars for buys and tokens for
// sells.
type Action struct {
	Kind    engine.Kind
	Amount  float64
	Reason  string
	Exit    bool // close out and go dormant
	Recover bool // marks the invested amount as taken back
}

var entryChance = map[Behavior]float64{
	Whale:  0.3,
	Sniper: 0.4,
	Sheep:  0.5,
}

// decide applies the rules in order: rug override, emotion, emotional
// action, entry when flat, exits when holding. The first rule that yields a
// trade wins.
//
// Fear and greed sell a slice on a coin flip. When the flip declines, the
// evaluation falls through to entry and exit, so a fearful holder can still
// hit its stop-loss and a greedy one its take-profit on the same tick.
// Panic and FOMO always act when they can.
func (a *Agent) decide(view engine.View, acc engine.Account) (Action, bool) {
	holding := acc.Tokens > dust
	if view.RugDetected {
		if !holding {
			return Action{}, false
		}
		act, ok := a.sell(acc.Tokens, "rug", acc)
		act.Exit = true
		return act, ok
	}

	a.Emotion = a.assessEmotion(view, acc)
	switch a.Emotion {
	case Panic:
		if holding {
			return a.sell(acc.Tokens*a.between(0.5, 1.0), "panic", acc)
		}
		return Action{}, false
	case FOMO:
		if act, ok := a.buy(acc.Dollars*a.between(0.5, 0.9), "fomo", acc); ok {
			return act, true
		}
	case Fear:
		if holding && a.rng.Float64() < 0.5 {
			return a.sell(acc.Tokens*a.between(0.1, 0.25), "fear", acc)
		}
	case Greed:
		if holding && a.rng.Float64() < 0.5 {
			return a.sell(acc.Tokens*a.between(0.3, 0.7), "greed", acc)
		}
	case Neutral:
		if act, ok := a.neutralAction(view, acc, holding); ok {
			return act, true
		}
	}

	if !holding {
		return a.entry(view, acc)
	}
	return a.exit(view, acc)
}

// assessEmotion derives the agent's mood from the candle streak and its own
// profit against the average price it paid.
func (a *Agent) assessEmotion(view engine.View, acc engine.Account) Emotion {
	p := a.profile()
	streak := engine.Streak(view.Candles, view.Price)
	switch {
	case streak <= -p.streak:
		return Panic
	case streak >= p.streak:
		return FOMO
	}
	if acc.Tokens > dust {
		profit := a.profit(view.Price, acc)
		switch {
		case profit < -p.lossTolerance:
			return Fear
		case profit > p.greedTolerance:
			return Greed
		}
	}
	return Neutral
}

func (a *Agent) profit(price float64, acc engine.Account) float64 {
	entry := a.averageBuy()
	if entry <= 0 {
		entry = acc.AverageBuyPrice
	}
	if entry <= 0 {
		return 0
	}
	return price/entry - 1
}

func (a *Agent) neutralAction(view engine.View, acc engine.Account, holding bool) (Action, bool) {
	tc := a.tuning.trend
	if holding && a.profit(view.Price, acc) > 0.1 && engine.Stagnating(view.Candles, tc.Window, tc.StagnationThreshold) {
		return a.sell(acc.Tokens*a.between(0.2, 0.4), "trim", acc)
	}

	var prev engine.Candle
	hasPrev := len(view.Candles) > 0
	if hasPrev {
		prev = view.Candles[len(view.Candles)-1]
	}

	switch a.Behavior {
	case Whale:
		if !holding && engine.DeepDetected(view.Candles, tc.Window, tc.DeepThreshold) && a.nearLow(view) && a.belowCeiling(view.Price) {
			return a.buy(acc.Dollars*a.between(0.8, 0.95), "deep-dip", acc)
		}
	case Sheep:
		if !hasPrev {
			break
		}
		if holding && view.Price < prev.Close && a.rng.Float64() < 0.4 {
			return a.sell(acc.Tokens*a.between(0.2, 0.5), "follow-down", acc)
		}
		if !holding && view.Price > prev.Close && a.rng.Float64() < 0.3 && a.belowCeiling(view.Price) {
			return a.buy(acc.Dollars*a.between(0.2, 0.5), "follow-up", acc)
		}
	case Sniper:
		if !hasPrev {
			break
		}
		if holding && view.Price > prev.High {
			limit := 1.5
			if a.Personality == Rugger {
				limit = 1.1
			}
			if entry := a.entryPrice(acc); entry > 0 && view.Price/entry > limit {
				return a.sell(acc.Tokens*0.9, "spike", acc)
			}
		}
		if !holding && view.Price < prev.Low*0.9 && a.belowCeiling(view.Price) {
			return a.buy(acc.Dollars*a.between(0.5, 1.0), "snipe", acc)
		}
	}
	return Action{}, false
}

func (a *Agent) entry(view engine.View, acc engine.Account) (Action, bool) {
	if a.Emotion == Panic || a.Emotion == Fear {
		return Action{}, false
	}
	p := a.profile()
	if !a.nearLow(view) || !a.belowCeiling(view.Price) {
		return Action{}, false
	}
	if a.rng.Float64() >= entryChance[a.Behavior] {
		return Action{}, false
	}
	return a.buy(acc.Dollars*a.between(p.entryMin, p.entryMax), "entry", acc)
}

func (a *Agent) exit(view engine.View, acc engine.Account) (Action, bool) {
	entry := a.entryPrice(acc)
	if entry <= 0 {
		return Action{}, false
	}
	price := view.Price
	if a.StopLoss > 0 && price <= a.StopLoss {
		act, ok := a.sell(acc.Tokens, "stop-loss", acc)
		act.Exit = true
		return act, ok
	}
	gain := price / entry
	if gain >= hardCeiling || (a.Personality == Rugger && gain >= ruggerCeiling) {
		act, ok := a.sell(acc.Tokens, "cash-out", acc)
		act.Exit = true
		return act, ok
	}
	if !a.Recovered && a.TakeProfit > 0 && price >= a.TakeProfit {
		act, ok := a.sell(view.TokensFor(a.Invested), "take-profit", acc)
		act.Recover = true
		return act, ok
	}
	return Action{}, false
}

func (a *Agent) entryPrice(acc engine.Account) float64 {
	if a.EntryPrice > 0 {
		return a.EntryPrice
	}
	return acc.AverageBuyPrice
}

// nearLow reports whether the price sits within the class multiplier of the
// recent low.
func (a *Agent) nearLow(view engine.View) bool {
	low := engine.RecentLow(view.Candles, view.Current, a.tuning.trend.Window)
	return low > 0 && view.Price <= low*a.profile().dipMultiplier
}

func (a *Agent) belowCeiling(price float64) bool {
	return price <= a.profile().entryCeiling*a.tuning.referencePrice
}

func (a *Agent) buy(dollars float64, reason string, acc engine.Account) (Action, bool) {
	dollars = math.Min(dollars, acc.Dollars)
	if dollars < minTradeCash {
		return Action{}, false
	}
	return Action{Kind: engine.Buy, Amount: dollars, Reason: reason}, true
}

// sell rounds a sale up to the whole position when the remainder would be
// negligible.
func (a *Agent) sell(tokens float64, reason string, acc engine.Account) (Action, bool) {
	tokens = math.Min(tokens, acc.Tokens)
	if tokens <= dust {
		return Action{}, false
	}
	if rest := acc.Tokens - tokens; rest <= dust || rest < acc.Tokens*0.02 {
		tokens = acc.Tokens
	}
	return Action{Kind: engine.Sell, Amount: tokens, Reason: reason}, true
}
