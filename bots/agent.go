package bots

import (
	"math/rand"
	"time"

	"trenches/engine"
)

// Behavior is the trading style of an agent.
type Behavior int

const (
	Sheep Behavior = iota
	Whale
	Sniper
)

func (b Behavior) String() string {
	switch b {
	case Whale:
		return "whale"
	case Sniper:
		return "sniper"
	default:
		return "sheep"
	}
}

// Personality is fixed at creation. Ruggers cash out early.
type Personality int

const (
	Believer Personality = iota
	Rugger
)

func (p Personality) String() string {
	if p == Rugger {
		return "rugger"
	}
	return "believer"
}

// Emotion is recomputed on every evaluation.
type Emotion int

const (
	Neutral Emotion = iota
	FOMO
	Fear
	Greed
	Panic
)

func (e Emotion) String() string {
	switch e {
	case FOMO:
		return "fomo"
	case Fear:
		return "fear"
	case Greed:
		return "greed"
	case Panic:
		return "panic"
	default:
		return "neutral"
	}
}

// Phase is the position state of an agent.
type Phase int

const (
	// Idle agents are flat and waiting for an entry.
	Idle Phase = iota
	// Holding agents have an open position.
	Holding
	// Dormant agents exited and wait for a revival with fresh capital.
	Dormant
)

func (p Phase) String() string {
	switch p {
	case Holding:
		return "holding"
	case Dormant:
		return "dormant"
	default:
		return "idle"
	}
}

// profile holds the per-behavior policy knobs. Price levels are multiples of
// the market's reference price.
type profile struct {
	capital        float64
	entryCeiling   float64
	dipMultiplier  float64
	entryMin       float64
	entryMax       float64
	streak         int
	lossTolerance  float64
	greedTolerance float64
}

var profiles = map[Behavior]profile{
	Whale: {
		capital: 1000, entryCeiling: 20, dipMultiplier: 1.10,
		entryMin: 0.5, entryMax: 1.0, streak: 4,
		lossTolerance: 0.35, greedTolerance: 1.5,
	},
	Sniper: {
		capital: 300, entryCeiling: 10, dipMultiplier: 1.0,
		entryMin: 0.3, entryMax: 0.8, streak: 3,
		lossTolerance: 0.25, greedTolerance: 0.8,
	},
	Sheep: {
		capital: 100, entryCeiling: 1.5, dipMultiplier: 1.02,
		entryMin: 0.2, entryMax: 0.5, streak: 2,
		lossTolerance: 0.15, greedTolerance: 0.5,
	},
}

const (
	dust          = 1e-9
	minTradeCash  = 0.01
	hardCeiling   = 3.0
	ruggerCeiling = 1.5
)

// Exchange is what an agent trades through during one driver tick.
type Exchange interface {
	Now() time.Time
	View() engine.View
	Account(id string) (engine.Account, bool)
	Execute(id string, kind engine.Kind, amount float64) (engine.Result, error)
}

// memoryEntry is one of the agent's own trades. flat marks the trade that
// closed the position.
type memoryEntry struct {
	kind     engine.Kind
	quantity float64
	dollars  float64
	at       time.Time
	flat     bool
}

type forcedAction struct {
	kind     engine.Kind
	fraction float64
}

// Agent is one autonomous trader wrapping a bot account.
type Agent struct {
	ID          string
	Behavior    Behavior
	Personality Personality
	Emotion     Emotion
	Phase       Phase

	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	Invested   float64
	Recovered  bool
	Capital    float64

	Cooldown       time.Duration
	NextEligibleAt time.Time

	memory     []memoryEntry
	memorySize int
	forced     *forcedAction
	rng        *rand.Rand
	tuning     tuning
}

// tuning is the market-dependent part of the policy shared by all agents.
type tuning struct {
	referencePrice float64
	trend          engine.TrendConfig
	cooldownMin    time.Duration
	cooldownMax    time.Duration
}

func newAgent(id string, behavior Behavior, personality Personality, capital float64, rng *rand.Rand, memorySize int, tn tuning, now time.Time) *Agent {
	a := &Agent{
		ID:          id,
		Behavior:    behavior,
		Personality: personality,
		Capital:     capital,
		memorySize:  memorySize,
		rng:         rng,
		tuning:      tn,
	}
	a.Cooldown = a.randomCooldown()
	// Stagger first evaluations across one cooldown.
	a.NextEligibleAt = now.Add(time.Duration(rng.Int63n(int64(a.Cooldown) + 1)))
	return a
}

func (a *Agent) profile() profile {
	return profiles[a.Behavior]
}

func (a *Agent) randomCooldown() time.Duration {
	span := a.tuning.cooldownMax - a.tuning.cooldownMin
	if span <= 0 {
		return a.tuning.cooldownMin
	}
	return a.tuning.cooldownMin + time.Duration(a.rng.Int63n(int64(span)+1))
}

// between returns a uniform value in [lo, hi).
func (a *Agent) between(lo, hi float64) float64 {
	return lo + a.rng.Float64()*(hi-lo)
}

// Tick evaluates the agent once. It reports the executed action, if any.
func (a *Agent) Tick(ex Exchange) (Action, bool) {
	now := ex.Now()
	forced := a.forced
	if forced == nil && (a.Phase == Dormant || now.Before(a.NextEligibleAt)) {
		return Action{}, false
	}
	a.forced = nil

	acc, ok := ex.Account(a.ID)
	if !ok {
		return Action{}, false
	}
	view := ex.View()

	var act Action
	if forced != nil {
		act, ok = a.forcedDecision(*forced, acc)
	} else {
		act, ok = a.decide(view, acc)
	}
	a.NextEligibleAt = now.Add(a.Cooldown)
	if !ok {
		return Action{}, false
	}

	res, err := ex.Execute(a.ID, act.Kind, act.Amount)
	if err != nil {
		return Action{}, false
	}
	a.apply(act, res, now)
	a.Cooldown = a.randomCooldown()
	a.NextEligibleAt = now.Add(a.Cooldown)
	return act, true
}

func (a *Agent) forcedDecision(f forcedAction, acc engine.Account) (Action, bool) {
	if f.kind == engine.Buy {
		return a.buy(acc.Dollars*f.fraction, "forced", acc)
	}
	return a.sell(acc.Tokens*f.fraction, "forced", acc)
}

// apply updates the position after an executed action.
func (a *Agent) apply(act Action, res engine.Result, now time.Time) {
	op := res.Operation
	entry := memoryEntry{kind: op.Kind, quantity: op.Quantity, dollars: op.Dollars, at: now}

	switch op.Kind {
	case engine.Buy:
		if a.Phase != Holding {
			a.EntryPrice = op.Dollars / op.Quantity
			a.Invested = op.Dollars
			a.Recovered = false
			a.Phase = Holding
		} else {
			a.Invested += op.Dollars
		}
		a.remember(entry)
		if avg := a.averageBuy(); avg > 0 {
			a.EntryPrice = avg
		}
		a.TakeProfit, a.StopLoss = exitLevels(a.EntryPrice, a.Invested)
	case engine.Sell:
		if act.Recover {
			a.Recovered = true
		}
		entry.flat = res.Account.Tokens <= dust
		a.remember(entry)
		if entry.flat {
			a.closePosition()
		}
	}
	if act.Exit {
		a.closePosition()
		a.Phase = Dormant
	}
}

func (a *Agent) closePosition() {
	a.Phase = Idle
	a.EntryPrice = 0
	a.StopLoss = 0
	a.TakeProfit = 0
	a.Invested = 0
	a.Recovered = false
}

func (a *Agent) remember(e memoryEntry) {
	a.memory = append(a.memory, e)
	if over := len(a.memory) - a.memorySize; over > 0 {
		a.memory = append(a.memory[:0:0], a.memory[over:]...)
	}
}

// averageBuy is the average price of the buys remembered since the position
// was last flat.
func (a *Agent) averageBuy() float64 {
	var dollars, quantity float64
	for i := len(a.memory) - 1; i >= 0; i-- {
		e := a.memory[i]
		if e.flat {
			break
		}
		if e.kind == engine.Buy {
			dollars += e.dollars
			quantity += e.quantity
		}
	}
	if quantity <= 0 {
		return 0
	}
	return dollars / quantity
}

// exitLevels derives take-profit and stop-loss from the entry. Larger
// positions get tighter targets.
func exitLevels(entry, invested float64) (takeProfit, stopLoss float64) {
	switch {
	case invested >= 500:
		return entry * 1.3, entry * 0.8
	case invested >= 100:
		return entry * 1.6, entry * 0.7
	default:
		return entry * 2.0, entry * 0.6
	}
}

// revive reactivates a dormant agent. The caller restores its capital.
func (a *Agent) revive(now time.Time) {
	a.closePosition()
	a.Emotion = Neutral
	a.memory = nil
	a.Cooldown = a.randomCooldown()
	a.NextEligibleAt = now.Add(a.Cooldown)
}
