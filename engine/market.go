package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"trenches/metrics"
)

type requestType int

const (
	requestConnect requestType = iota
	requestAddBot
	requestExecute
	requestForced
	requestAtomic
	requestTick
	requestSnapshot
	requestAccounts
	requestRefill
	requestReset
	requestStop
)

type marketRequest struct {
	typ        requestType
	accountID  string
	kind       Kind
	amount     float64
	humansOnly bool
	fn         func(*Tx)
	resp       chan marketResponse
}

type marketResponse struct {
	id       string
	created  bool
	recorded bool
	result   Result
	snapshot Snapshot
	accounts []Account
	err      error
}

// marketState is the authoritative curve position. The price is always
// derived from reserveToken, never stored.
type marketState struct {
	reserveToken float64 // circulating supply including the seed
	reserveBase  float64 // dollars committed to the curve
}

// Market owns the ledger, the market state and the candles of the shared
// token. All mutations are serialized through a single worker loop.
type Market struct {
	cfg     Config
	curve   curve
	state   marketState
	ledger  *ledger
	candles *candleSeries
	rug     *RugDetector
	reqCh   chan marketRequest
	updates chan Snapshot
	done    chan struct{}
	now     func() time.Time
	newID   func() string
}

// NewMarket builds a market at its initial conditions and launches the
// worker loop.
func NewMarket(cfg Config) *Market {
	cfg = cfg.normalized()
	m := &Market{
		cfg:     cfg,
		curve:   newCurve(cfg.InitialPrice, cfg.InitialSupply, cfg.MinPrice),
		ledger:  newLedger(cfg.HistoryLimit),
		rug:     NewRugDetector(cfg.Trend),
		reqCh:   make(chan marketRequest, cfg.RequestBuffer),
		updates: make(chan Snapshot, cfg.UpdateBuffer),
		done:    make(chan struct{}),
		now:     cfg.Now,
		newID:   newPlayerID,
	}
	m.state = m.initialState()
	m.candles = newCandleSeries(m.price(), m.now(), cfg.CandleHistory)
	go m.run()
	return m
}

func newPlayerID() string {
	return "P" + uuid.New().String()[:8]
}

// Config returns the normalized configuration.
func (m *Market) Config() Config {
	return m.cfg
}

// Connect attaches to an existing account or opens a new one with the
// starting capital. An empty id gets a generated one.
func (m *Market) Connect(id string) (string, bool, error) {
	res := m.send(marketRequest{typ: requestConnect, accountID: id})
	return res.id, res.created, res.err
}

// AddBot opens a bot account with the given capital.
func (m *Market) AddBot(id string, dollars float64) error {
	return m.send(marketRequest{typ: requestAddBot, accountID: id, amount: dollars}).err
}

// Execute trades for an account. amount is dollars for a buy and tokens for
// a sell. A failed trade changes nothing.
func (m *Market) Execute(id string, kind Kind, amount float64) (Result, error) {
	res := m.send(marketRequest{typ: requestExecute, accountID: id, kind: kind, amount: amount})
	return res.result, res.err
}

// ExecuteForced injects system volume. Balances are neither checked nor
// changed; the curve and the candle move exactly as for a regular trade.
func (m *Market) ExecuteForced(id string, kind Kind, amount float64) (Result, error) {
	res := m.send(marketRequest{typ: requestForced, accountID: id, kind: kind, amount: amount})
	return res.result, res.err
}

// Atomically runs fn inside the worker loop. No other mutation interleaves
// with fn, and a single snapshot is published afterwards.
func (m *Market) Atomically(fn func(*Tx)) error {
	return m.send(marketRequest{typ: requestAtomic, fn: fn}).err
}

// Tick closes the current candle period. It reports whether a candle was
// recorded; empty periods are skipped.
func (m *Market) Tick() (bool, error) {
	res := m.send(marketRequest{typ: requestTick})
	return res.recorded, res.err
}

// Run ticks the market every candle period until ctx is done.
func (m *Market) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CandlePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Tick(); err != nil {
				return
			}
		}
	}
}

// Snapshot returns a consistent copy of the public state.
func (m *Market) Snapshot() (Snapshot, error) {
	res := m.send(marketRequest{typ: requestSnapshot})
	return res.snapshot, res.err
}

// Accounts returns deep copies of accounts, history included, in creation
// order.
func (m *Market) Accounts(humansOnly bool) ([]Account, error) {
	res := m.send(marketRequest{typ: requestAccounts, humansOnly: humansOnly})
	return res.accounts, res.err
}

// Refill tops an account's cash up to at least dollars.
func (m *Market) Refill(id string, dollars float64) error {
	return m.send(marketRequest{typ: requestRefill, accountID: id, amount: dollars}).err
}

// Reset restores initial market conditions and every account's initial
// capital. Accounts are kept.
func (m *Market) Reset() error {
	return m.send(marketRequest{typ: requestReset}).err
}

// Updates exposes the stream of snapshots published after each mutation.
// Slow readers only miss intermediate snapshots, never the latest one.
func (m *Market) Updates() <-chan Snapshot {
	return m.updates
}

// Stop terminates the worker loop and closes the update stream.
func (m *Market) Stop() {
	m.send(marketRequest{typ: requestStop})
}

func (m *Market) send(req marketRequest) marketResponse {
	req.resp = make(chan marketResponse, 1)
	select {
	case m.reqCh <- req:
	case <-m.done:
		return marketResponse{err: ErrStopped}
	}
	select {
	case res := <-req.resp:
		return res
	case <-m.done:
		return marketResponse{err: ErrStopped}
	}
}

func (m *Market) run() {
	for req := range m.reqCh {
		now := m.now()
		var res marketResponse
		changed := false

		switch req.typ {
		case requestConnect:
			res.id, res.created, res.err = m.processConnect(req.accountID, now)
			changed = res.created
		case requestAddBot:
			_, res.err = m.ledger.open(req.accountID, req.amount, true, now)
			changed = res.err == nil
		case requestExecute:
			res.result, res.err = m.execute(req.accountID, req.kind, req.amount, now)
			changed = res.err == nil
		case requestForced:
			res.result, res.err = m.executeForced(req.accountID, req.kind, req.amount, now)
			changed = res.err == nil
		case requestAtomic:
			tx := &Tx{m: m, now: now}
			req.fn(tx)
			tx.m = nil
			changed = tx.dirty
		case requestTick:
			res.recorded = m.processTick(now)
			changed = true
		case requestSnapshot:
			res.snapshot = m.snapshotLocked()
		case requestAccounts:
			res.accounts = m.dumpAccounts(req.humansOnly)
		case requestRefill:
			res.err = m.refill(req.accountID, req.amount)
			changed = res.err == nil
		case requestReset:
			m.processReset(now)
			changed = true
		case requestStop:
			close(m.done)
			close(m.updates)
			return
		}

		if changed {
			m.publish()
		}
		req.resp <- res
	}
}

func (m *Market) initialState() marketState {
	supply := m.cfg.InitialSupply
	return marketState{reserveToken: supply, reserveBase: m.curve.slope / 2 * supply * supply}
}

func (m *Market) price() float64 {
	return m.curve.price(m.state.reserveToken)
}

func (m *Market) processConnect(id string, now time.Time) (string, bool, error) {
	if id == "" {
		id = m.newID()
	}
	if _, ok := m.ledger.get(id); ok {
		log.Debug().Str("account", id).Msg("reconnected existing player")
		return id, false, nil
	}
	if _, err := m.ledger.open(id, m.cfg.StartingDollars, false, now); err != nil {
		return "", false, err
	}
	log.Info().Str("account", id).Msg("created new player")
	return id, true, nil
}

func (m *Market) execute(id string, kind Kind, amount float64, now time.Time) (Result, error) {
	if !ValidAmount(amount) {
		return m.reject("invalid", id, kind, amount, fmt.Errorf("%w: amount must be a positive number", ErrInvalidInput))
	}
	acc, ok := m.ledger.get(id)
	if !ok {
		return m.reject("unknown_account", id, kind, amount, fmt.Errorf("%w: %s", ErrUnknownAccount, id))
	}

	before := m.price()
	op := Operation{AccountID: id, Kind: kind, Timestamp: now}

	switch kind {
	case Buy:
		if acc.Dollars < amount {
			return m.reject("insufficient_funds", id, kind, amount,
				fmt.Errorf("%w: %s has %.2f dollars, needs %.2f", ErrInsufficientFunds, id, acc.Dollars, amount))
		}
		tokens := m.curve.quoteBuy(m.state.reserveToken, amount)
		if tokens <= 0 {
			return m.reject("invalid", id, kind, amount, fmt.Errorf("%w: amount too small", ErrInvalidInput))
		}
		m.state.reserveToken += tokens
		m.state.reserveBase += amount
		acc.applyBuy(amount, tokens, now)
		op.Quantity, op.Dollars = tokens, amount
	case Sell:
		if acc.Tokens < amount {
			return m.reject("insufficient_funds", id, kind, amount,
				fmt.Errorf("%w: %s has %.8f tokens, needs %.8f", ErrInsufficientFunds, id, acc.Tokens, amount))
		}
		proceeds := m.curve.quoteSell(m.state.reserveToken, amount)
		m.state.reserveToken = math.Max(m.state.reserveToken-amount, 0)
		m.state.reserveBase = math.Max(m.state.reserveBase-proceeds, 0)
		acc.applySell(amount, proceeds, now)
		op.Quantity, op.Dollars = amount, proceeds
	default:
		return m.reject("invalid", id, kind, amount, fmt.Errorf("%w: unknown trade kind %d", ErrInvalidInput, kind))
	}

	op.Price = m.price()
	m.ledger.record(acc, op)
	m.afterTrade(op, before, "player", acc.IsBot)
	return Result{Operation: op, Account: acc.public(), Before: before, After: op.Price}, nil
}

func (m *Market) executeForced(id string, kind Kind, amount float64, now time.Time) (Result, error) {
	if !ValidAmount(amount) {
		return m.reject("invalid", id, kind, amount, fmt.Errorf("%w: amount must be a positive number", ErrInvalidInput))
	}
	if id == "" {
		id = MarketAccountID
	}

	before := m.price()
	op := Operation{AccountID: id, Kind: kind, Forced: true, Timestamp: now}

	switch kind {
	case Buy:
		tokens := m.curve.quoteBuy(m.state.reserveToken, amount)
		if tokens <= 0 {
			return m.reject("invalid", id, kind, amount, fmt.Errorf("%w: amount too small", ErrInvalidInput))
		}
		m.state.reserveToken += tokens
		m.state.reserveBase += amount
		op.Quantity, op.Dollars = tokens, amount
	case Sell:
		// Clamp so the curve never goes below the price floor.
		tokens := math.Min(amount, m.state.reserveToken-m.curve.floorSupply())
		if tokens <= 0 {
			return Result{Operation: op, Before: before, After: before}, nil
		}
		proceeds := m.curve.quoteSell(m.state.reserveToken, tokens)
		m.state.reserveToken -= tokens
		m.state.reserveBase = math.Max(m.state.reserveBase-proceeds, 0)
		op.Quantity, op.Dollars = tokens, proceeds
	default:
		return m.reject("invalid", id, kind, amount, fmt.Errorf("%w: unknown trade kind %d", ErrInvalidInput, kind))
	}

	op.Price = m.price()
	m.afterTrade(op, before, "forced", false)
	return Result{Operation: op, Before: before, After: op.Price}, nil
}

func (m *Market) afterTrade(op Operation, before float64, source string, isBot bool) {
	m.candles.record(op)
	rug := m.rug.Observe(op.Timestamp, op.Price)

	if isBot {
		source = "bot"
	}
	metrics.TradesTotal.WithLabelValues(op.Kind.String(), source).Inc()
	metrics.Price.Set(op.Price)
	metrics.Supply.Set(m.state.reserveToken)
	metrics.RugLatched.Set(metrics.BoolGauge(rug))

	log.Debug().
		Str("account", op.AccountID).
		Str("kind", op.Kind.String()).
		Str("source", source).
		Float64("quantity", op.Quantity).
		Float64("dollars", op.Dollars).
		Float64("impact_pct", (op.Price-before)/before*100).
		Float64("price", op.Price).
		Msg("trade executed")
}

func (m *Market) reject(reason, id string, kind Kind, amount float64, err error) (Result, error) {
	metrics.TradesRejected.WithLabelValues(reason).Inc()
	log.Warn().
		Str("account", id).
		Str("kind", kind.String()).
		Float64("amount", amount).
		Str("reason", reason).
		Msg("trade rejected")
	return Result{}, err
}

func (m *Market) processTick(now time.Time) bool {
	closing := m.candles.current
	recorded := m.candles.roll(now)
	m.rug.Observe(now, m.price())
	metrics.RugLatched.Set(metrics.BoolGauge(m.rug.Detected()))

	if recorded {
		metrics.CandlesTotal.WithLabelValues("recorded").Inc()
		log.Info().
			Float64("open", closing.Open).
			Float64("high", closing.High).
			Float64("low", closing.Low).
			Float64("close", closing.Close).
			Int("operations", len(closing.Operations)).
			Msg("candle recorded")
	} else {
		metrics.CandlesTotal.WithLabelValues("skipped").Inc()
	}
	return recorded
}

func (m *Market) processReset(now time.Time) {
	m.state = m.initialState()
	m.candles.reset(m.price(), now)
	m.rug.Reset()
	m.ledger.restoreAll(now)
	metrics.Price.Set(m.price())
	metrics.Supply.Set(m.state.reserveToken)
	metrics.RugLatched.Set(0)
	log.Info().Int("accounts", len(m.ledger.order)).Msg("market reset")
}

func (m *Market) refill(id string, dollars float64) error {
	if dollars < 0 || math.IsNaN(dollars) || math.IsInf(dollars, 0) {
		return fmt.Errorf("%w: refill amount %v", ErrInvalidInput, dollars)
	}
	acc, ok := m.ledger.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	if acc.Dollars < dollars {
		acc.Dollars = dollars
	}
	return nil
}

func (m *Market) dumpAccounts(humansOnly bool) []Account {
	out := make([]Account, 0, len(m.ledger.order))
	for _, acc := range m.ledger.order {
		if humansOnly && acc.IsBot {
			continue
		}
		out = append(out, acc.clone())
	}
	return out
}

func (m *Market) view(now time.Time) View {
	return View{
		Price:       m.price(),
		Supply:      m.state.reserveToken,
		Candles:     m.candles.closed(),
		Current:     m.candles.currentCopy(),
		RugDetected: m.rug.Detected(),
		Now:         now,
		Slope:       m.curve.slope,
	}
}

// publish hands the latest snapshot to the update stream, replacing a stale
// queued one when the reader is behind.
func (m *Market) publish() {
	snap := m.snapshotLocked()
	select {
	case m.updates <- snap:
		return
	default:
	}
	select {
	case <-m.updates:
	default:
	}
	select {
	case m.updates <- snap:
	default:
	}
}
