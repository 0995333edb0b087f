package bots

import (
	"math/rand"
	"testing"
	"time"

	"trenches/engine"
)

type fakeExchange struct {
	now   time.Time
	view  engine.View
	acc   engine.Account
	calls []engine.Operation
}

func (f *fakeExchange) Now() time.Time { return f.now }

func (f *fakeExchange) View() engine.View {
	v := f.view
	v.Now = f.now
	return v
}

func (f *fakeExchange) Account(id string) (engine.Account, bool) {
	if id != f.acc.ID {
		return engine.Account{}, false
	}
	return f.acc, true
}

// Execute fills at the view price without impact.
func (f *fakeExchange) Execute(id string, kind engine.Kind, amount float64) (engine.Result, error) {
	price := f.view.Price
	op := engine.Operation{AccountID: id, Kind: kind, Price: price, Timestamp: f.now}
	switch kind {
	case engine.Buy:
		if amount > f.acc.Dollars {
			return engine.Result{}, engine.ErrInsufficientFunds
		}
		op.Dollars, op.Quantity = amount, amount/price
		f.acc.Dollars -= amount
		f.acc.Tokens += op.Quantity
	case engine.Sell:
		if amount > f.acc.Tokens {
			return engine.Result{}, engine.ErrInsufficientFunds
		}
		op.Quantity, op.Dollars = amount, amount*price
		f.acc.Tokens -= amount
		f.acc.Dollars += op.Dollars
	}
	f.calls = append(f.calls, op)
	return engine.Result{Operation: op, Account: f.acc, Before: price, After: price}, nil
}

func testAgent(behavior Behavior, personality Personality, seed int64) *Agent {
	tn := tuning{
		referencePrice: 100,
		trend:          engine.DefaultTrendConfig(),
		cooldownMin:    time.Second,
		cooldownMax:    2 * time.Second,
	}
	a := newAgent("bot-test", behavior, personality, 100, rand.New(rand.NewSource(seed)), 20, tn, time.Unix(0, 0))
	a.NextEligibleAt = time.Time{}
	return a
}

func candlesAt(closes ...float64) []engine.Candle {
	out := make([]engine.Candle, 0, len(closes))
	for _, c := range closes {
		out = append(out, engine.Candle{Open: c, High: c, Low: c, Close: c})
	}
	return out
}

func viewAt(price float64, candles []engine.Candle) engine.View {
	return engine.View{
		Price:   price,
		Supply:  price,
		Slope:   1,
		Candles: candles,
		Current: engine.Candle{Open: price, High: price, Low: price, Close: price},
	}
}

func holdingAgent(behavior Behavior, personality Personality, entry, invested float64) *Agent {
	a := testAgent(behavior, personality, 1)
	a.Phase = Holding
	a.EntryPrice = entry
	a.Invested = invested
	a.TakeProfit, a.StopLoss = exitLevels(entry, invested)
	return a
}

func TestPanicSellsAtLeastHalf(t *testing.T) {
	view := viewAt(60, candlesAt(100, 90, 80, 70))
	acc := engine.Account{ID: "bot-test", Tokens: 10, AverageBuyPrice: 100}

	for seed := int64(1); seed <= 50; seed++ {
		a := testAgent(Sheep, Believer, seed)
		a.Phase = Holding
		act, ok := a.decide(view, acc)
		if !ok {
			t.Fatalf("seed %d: expected a panic sale", seed)
		}
		if a.Emotion != Panic {
			t.Fatalf("seed %d: expected panic, got %s", seed, a.Emotion)
		}
		if act.Kind != engine.Sell || act.Amount < 5 || act.Amount > 10 {
			t.Fatalf("seed %d: expected to sell between 5 and 10 tokens, got %+v", seed, act)
		}
	}
}

func TestPanicWithoutTokensDoesNothing(t *testing.T) {
	a := testAgent(Sheep, Believer, 1)
	view := viewAt(60, candlesAt(100, 90, 80, 70))
	if act, ok := a.decide(view, engine.Account{ID: a.ID, Dollars: 100}); ok {
		t.Fatalf("expected no action while panicking flat, got %+v", act)
	}
}

func TestPanicSellingEndsIdle(t *testing.T) {
	a := testAgent(Sheep, Believer, 7)
	a.Phase = Holding
	a.EntryPrice = 100
	ex := &fakeExchange{
		now:  time.Unix(0, 0),
		view: viewAt(60, candlesAt(100, 90, 80, 70)),
		acc:  engine.Account{ID: a.ID, Tokens: 10, AverageBuyPrice: 100},
	}

	for i := 0; i < 200 && ex.acc.Tokens > 0; i++ {
		ex.now = ex.now.Add(time.Hour)
		before := ex.acc.Tokens
		if _, ok := a.Tick(ex); !ok {
			t.Fatalf("tick %d: expected a sale", i)
		}
		if sold := before - ex.acc.Tokens; sold < before*0.5-1e-12 {
			t.Fatalf("tick %d: sold %v of %v", i, sold, before)
		}
	}
	if ex.acc.Tokens != 0 {
		t.Fatalf("expected position to be closed, tokens=%v", ex.acc.Tokens)
	}
	if a.Phase != Idle || a.EntryPrice != 0 {
		t.Fatalf("expected idle agent with cleared entry, got phase=%s entry=%v", a.Phase, a.EntryPrice)
	}
}

func TestRugSellsEverythingAndGoesDormant(t *testing.T) {
	a := testAgent(Whale, Believer, 1)
	a.Phase = Holding
	a.EntryPrice = 100
	view := viewAt(40, nil)
	view.RugDetected = true
	ex := &fakeExchange{now: time.Unix(10, 0), view: view, acc: engine.Account{ID: a.ID, Tokens: 5}}

	act, ok := a.Tick(ex)
	if !ok || act.Reason != "rug" || act.Amount != 5 {
		t.Fatalf("expected full rug exit, got %+v ok=%v", act, ok)
	}
	if a.Phase != Dormant {
		t.Fatalf("expected dormant, got %s", a.Phase)
	}

	ex.now = ex.now.Add(time.Hour)
	ex.acc.Dollars = 1000
	if _, ok := a.Tick(ex); ok || len(ex.calls) != 1 {
		t.Fatalf("dormant agent must not trade")
	}
}

func TestRugKeepsFlatAgentsOut(t *testing.T) {
	a := testAgent(Whale, Believer, 1)
	view := viewAt(40, nil)
	view.RugDetected = true
	if act, ok := a.decide(view, engine.Account{ID: a.ID, Dollars: 1000}); ok {
		t.Fatalf("expected no entry during a rug, got %+v", act)
	}
}

func TestCooldownGatesEvaluation(t *testing.T) {
	a := testAgent(Sheep, Believer, 1)
	a.Phase = Holding
	ex := &fakeExchange{
		now:  time.Unix(100, 0),
		view: viewAt(60, candlesAt(100, 90, 80, 70)),
		acc:  engine.Account{ID: a.ID, Tokens: 10},
	}
	a.NextEligibleAt = ex.now.Add(time.Second)
	if _, ok := a.Tick(ex); ok || len(ex.calls) != 0 {
		t.Fatalf("agent traded during its cooldown")
	}

	ex.now = a.NextEligibleAt
	if _, ok := a.Tick(ex); !ok {
		t.Fatalf("agent should trade once the cooldown elapsed")
	}
	if !a.NextEligibleAt.After(ex.now) {
		t.Fatalf("expected a fresh cooldown after acting")
	}
	if a.Cooldown < time.Second || a.Cooldown > 2*time.Second {
		t.Fatalf("cooldown %v outside configured range", a.Cooldown)
	}
}

func TestForcedActionBypassesCooldownAndDormancy(t *testing.T) {
	a := testAgent(Sheep, Believer, 1)
	a.Phase = Dormant
	a.NextEligibleAt = time.Unix(1<<40, 0)
	a.forced = &forcedAction{kind: engine.Buy, fraction: 0.5}
	ex := &fakeExchange{now: time.Unix(0, 0), view: viewAt(100, nil), acc: engine.Account{ID: a.ID, Dollars: 100}}

	act, ok := a.Tick(ex)
	if !ok || act.Kind != engine.Buy || act.Amount != 50 {
		t.Fatalf("expected forced buy of $50, got %+v ok=%v", act, ok)
	}
	if a.Phase != Holding || a.EntryPrice != 100 {
		t.Fatalf("expected holding at 100, got phase=%s entry=%v", a.Phase, a.EntryPrice)
	}
	if a.forced != nil {
		t.Fatalf("forced action must be consumed")
	}
}

func TestStopLossExits(t *testing.T) {
	a := holdingAgent(Whale, Believer, 100, 500)
	acc := engine.Account{ID: a.ID, Tokens: 5, AverageBuyPrice: 100}

	act, ok := a.decide(viewAt(75, nil), acc)
	if !ok || act.Reason != "stop-loss" || act.Amount != 5 || !act.Exit {
		t.Fatalf("expected stop-loss exit, got %+v ok=%v", act, ok)
	}
}

func TestDeclinedFearFallsThroughToStopLoss(t *testing.T) {
	acc := engine.Account{ID: "bot-test", Tokens: 10, AverageBuyPrice: 100}
	seen := map[string]int{}
	for seed := int64(1); seed <= 50; seed++ {
		a := holdingAgent(Whale, Believer, 100, 500)
		a.rng = rand.New(rand.NewSource(seed))
		act, ok := a.decide(viewAt(60, nil), acc)
		if !ok || a.Emotion != Fear {
			t.Fatalf("seed %d: expected a fearful trade, got %+v ok=%v emotion=%s", seed, act, ok, a.Emotion)
		}
		switch act.Reason {
		case "fear":
			if act.Exit || act.Amount > 2.5 {
				t.Fatalf("seed %d: fear sells a slice, got %+v", seed, act)
			}
		case "stop-loss":
			if !act.Exit || act.Amount != 10 {
				t.Fatalf("seed %d: stop-loss closes out, got %+v", seed, act)
			}
		default:
			t.Fatalf("seed %d: unexpected %+v", seed, act)
		}
		seen[act.Reason]++
	}
	if seen["fear"] == 0 || seen["stop-loss"] == 0 {
		t.Fatalf("expected both branches across seeds, got %v", seen)
	}
}

func TestTakeProfitRecoversInvestmentOnce(t *testing.T) {
	a := holdingAgent(Whale, Believer, 100, 1000)
	ex := &fakeExchange{
		now:  time.Unix(0, 0),
		view: viewAt(140, nil),
		acc:  engine.Account{ID: a.ID, Tokens: 10, AverageBuyPrice: 100},
	}

	act, ok := a.Tick(ex)
	if !ok || act.Reason != "take-profit" || !act.Recover {
		t.Fatalf("expected take-profit, got %+v ok=%v", act, ok)
	}
	if want := ex.View().TokensFor(1000); act.Amount != want || act.Amount <= 1000.0/140 {
		t.Fatalf("expected to sell %v tokens along the curve, sold %v", want, act.Amount)
	}
	if !a.Recovered || a.Phase != Holding {
		t.Fatalf("expected recovered holding agent, got recovered=%v phase=%s", a.Recovered, a.Phase)
	}

	acc, _ := ex.Account(a.ID)
	if act, ok := a.decide(ex.View(), acc); ok {
		t.Fatalf("take-profit must not repeat, got %+v", act)
	}
}

func TestTakeProfitReleasesInvestmentOnMarket(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.InitialPrice = 100
	cfg.InitialSupply = 1
	cfg.StartingDollars = 1000
	cfg.Now = func() time.Time { return time.Unix(3600, 0) }
	m := engine.NewMarket(cfg)
	t.Cleanup(m.Stop)

	a := testAgent(Whale, Believer, 1)
	if err := m.AddBot(a.ID, 1000); err != nil {
		t.Fatalf("add bot: %v", err)
	}
	if _, _, err := m.Connect("pump"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var act Action
	var ok bool
	var after engine.Account
	err := m.Atomically(func(tx *engine.Tx) {
		res, err := tx.Execute(a.ID, engine.Buy, 500)
		if err != nil {
			t.Errorf("bot buy: %v", err)
			return
		}
		a.apply(Action{Kind: engine.Buy}, res, tx.Now())
		if _, err := tx.Execute("pump", engine.Buy, 200); err != nil {
			t.Errorf("pump buy: %v", err)
			return
		}
		act, ok = a.Tick(tx)
		after, _ = tx.Account(a.ID)
	})
	if err != nil {
		t.Fatalf("atomically: %v", err)
	}
	if !ok || act.Reason != "take-profit" {
		t.Fatalf("expected take-profit, got %+v ok=%v", act, ok)
	}
	// 500 left in cash plus at least the 500 invested.
	if after.Dollars < 1000 {
		t.Fatalf("take-profit released %v, want at least 500", after.Dollars-500)
	}
	if after.Tokens <= 0 {
		t.Fatalf("take-profit should leave a position, got %+v", after)
	}
}

func TestRuggerCashesOutEarly(t *testing.T) {
	acc := engine.Account{ID: "bot-test", Tokens: 10, AverageBuyPrice: 100}
	view := viewAt(160, nil)

	rugger := holdingAgent(Whale, Rugger, 100, 1000)
	act, ok := rugger.decide(view, acc)
	if !ok || act.Reason != "cash-out" || !act.Exit || act.Amount != 10 {
		t.Fatalf("expected rugger cash-out, got %+v ok=%v", act, ok)
	}

	believer := holdingAgent(Whale, Believer, 100, 1000)
	act, ok = believer.decide(view, acc)
	if !ok || act.Reason != "take-profit" {
		t.Fatalf("expected believer take-profit, got %+v ok=%v", act, ok)
	}
}

func TestAssessEmotion(t *testing.T) {
	cases := []struct {
		name string
		view engine.View
		acc  engine.Account
		want Emotion
	}{
		{"rising streak", viewAt(100, candlesAt(60, 70, 80, 90)), engine.Account{Dollars: 100}, FOMO},
		{"falling streak", viewAt(60, candlesAt(100, 90, 80, 70)), engine.Account{Dollars: 100}, Panic},
		{"underwater", viewAt(80, nil), engine.Account{Tokens: 1, AverageBuyPrice: 100}, Fear},
		{"deep in profit", viewAt(160, nil), engine.Account{Tokens: 1, AverageBuyPrice: 100}, Greed},
		{"flat market", viewAt(100, nil), engine.Account{Dollars: 100}, Neutral},
	}
	for _, tc := range cases {
		a := testAgent(Sheep, Believer, 1)
		if got := a.assessEmotion(tc.view, tc.acc); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestEntryRespectsCeiling(t *testing.T) {
	acc := engine.Account{ID: "bot-test", Dollars: 100}
	bought := 0
	for seed := int64(1); seed <= 40; seed++ {
		a := testAgent(Sheep, Believer, seed)
		act, ok := a.decide(viewAt(100, nil), acc)
		if !ok {
			continue
		}
		bought++
		if act.Kind != engine.Buy || act.Amount < 20 || act.Amount > 50 {
			t.Fatalf("seed %d: unexpected entry %+v", seed, act)
		}
	}
	if bought == 0 {
		t.Fatalf("expected some sheep to enter at the recent low")
	}

	for seed := int64(1); seed <= 40; seed++ {
		a := testAgent(Sheep, Believer, seed)
		if act, ok := a.decide(viewAt(1000, nil), acc); ok {
			t.Fatalf("seed %d: sheep entered above its ceiling: %+v", seed, act)
		}
	}
}

func TestMemoryIsBounded(t *testing.T) {
	a := testAgent(Sheep, Believer, 1)
	for i := 0; i < 30; i++ {
		a.remember(memoryEntry{kind: engine.Buy, quantity: 1, dollars: float64(i + 1)})
	}
	if len(a.memory) != 20 {
		t.Fatalf("expected 20 remembered trades, got %d", len(a.memory))
	}
	if a.memory[19].dollars != 30 {
		t.Fatalf("expected newest trade kept, got %+v", a.memory[19])
	}
}

func TestAverageBuyStartsAfterFlat(t *testing.T) {
	a := testAgent(Sheep, Believer, 1)
	a.remember(memoryEntry{kind: engine.Buy, quantity: 1, dollars: 100})
	a.remember(memoryEntry{kind: engine.Sell, quantity: 1, dollars: 150, flat: true})
	a.remember(memoryEntry{kind: engine.Buy, quantity: 1, dollars: 200})
	a.remember(memoryEntry{kind: engine.Buy, quantity: 2, dollars: 700})
	if got := a.averageBuy(); got != 300 {
		t.Fatalf("expected average buy 300, got %v", got)
	}
}

func TestDecisionsAreDeterministic(t *testing.T) {
	run := func() []engine.Operation {
		a := testAgent(Sniper, Rugger, 42)
		ex := &fakeExchange{now: time.Unix(0, 0), acc: engine.Account{ID: a.ID, Dollars: 300}}
		prices := []float64{100, 95, 120, 80, 70, 140, 150, 90, 60, 100, 180, 200}
		var candles []engine.Candle
		for _, p := range prices {
			ex.view = viewAt(p, candles)
			ex.now = ex.now.Add(10 * time.Second)
			a.Tick(ex)
			candles = append(candles, engine.Candle{Open: p, High: p, Low: p, Close: p})
		}
		return ex.calls
	}

	first, second := run(), run()
	if len(first) != len(second) {
		t.Fatalf("runs diverged: %d vs %d trades", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("trade %d diverged: %+v vs %+v", i, first[i], second[i])
		}
	}
}
