package bots

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"trenches/engine"
	"trenches/metrics"
)

var (
	ErrUnknownAgent = errors.New("unknown bot")
	ErrBadFraction  = errors.New("fraction must be in (0, 1]")
)

// Market is the surface the supervisor drives.
type Market interface {
	Atomically(fn func(*engine.Tx)) error
	Tick() (bool, error)
}

// Config controls the population and cadence of the swarm.
type Config struct {
	Population     int
	WhaleShare     float64
	SniperShare    float64
	RuggerShare    float64
	MaxAgents      int
	SpawnBatch     int
	SpawnInterval  time.Duration
	ReviveInterval time.Duration
	TickInterval   time.Duration
	CooldownMin    time.Duration
	CooldownMax    time.Duration
	MemorySize     int
	Seed           int64
	// ReferencePrice scales entry ceilings and spawn capital, normally the
	// market's initial price.
	ReferencePrice float64
	Trend          engine.TrendConfig
	// StartOnFirstTrade keeps the swarm idle until Activate is called.
	StartOnFirstTrade bool
}

// DefaultConfig returns the live swarm settings.
func DefaultConfig() Config {
	return Config{
		Population:        1000,
		WhaleShare:        0.05,
		SniperShare:       0.15,
		RuggerShare:       0.10,
		MaxAgents:         2000,
		SpawnBatch:        5,
		SpawnInterval:     15 * time.Second,
		ReviveInterval:    60 * time.Second,
		TickInterval:      500 * time.Millisecond,
		CooldownMin:       time.Second,
		CooldownMax:       6 * time.Second,
		MemorySize:        20,
		Seed:              1,
		ReferencePrice:    engine.DefaultConfig().InitialPrice,
		Trend:             engine.DefaultTrendConfig(),
		StartOnFirstTrade: true,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Population < 0 {
		c.Population = 0
	}
	if c.MaxAgents < c.Population {
		c.MaxAgents = c.Population
	}
	if c.SpawnBatch < 0 {
		c.SpawnBatch = 0
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.CooldownMin <= 0 {
		c.CooldownMin = def.CooldownMin
	}
	if c.CooldownMax < c.CooldownMin {
		c.CooldownMax = c.CooldownMin
	}
	if c.MemorySize <= 0 {
		c.MemorySize = def.MemorySize
	}
	if c.ReferencePrice <= 0 {
		c.ReferencePrice = def.ReferencePrice
	}
	if c.Trend.Window <= 0 {
		c.Trend = def.Trend
	}
	return c
}

// AgentInfo is the public view of one agent.
type AgentInfo struct {
	ID             string    `json:"id"`
	Behavior       string    `json:"behavior"`
	Personality    string    `json:"personality"`
	Emotion        string    `json:"emotion"`
	Phase          string    `json:"phase"`
	EntryPrice     float64   `json:"entryPrice,omitempty"`
	TakeProfit     float64   `json:"takeProfit,omitempty"`
	StopLoss       float64   `json:"stopLoss,omitempty"`
	Invested       float64   `json:"invested,omitempty"`
	Recovered      bool      `json:"recovered,omitempty"`
	NextEligibleAt time.Time `json:"nextEligibleAt"`
}

// Stats summarizes the swarm.
type Stats struct {
	Enabled bool `json:"enabled"`
	Agents  int  `json:"agents"`
	Idle    int  `json:"idle"`
	Holding int  `json:"holding"`
	Dormant int  `json:"dormant"`
}

// TickReport summarizes one driver tick.
type TickReport struct {
	Evaluated int
	Trades    int
	Spawned   int
	Revived   int
}

// Supervisor owns the agents and drives them against the market. Each driver
// tick runs as one atomic batch, visiting agents in creation order.
type Supervisor struct {
	market Market
	cfg    Config

	mu         sync.Mutex
	agents     []*Agent
	byID       map[string]*Agent
	enabled    bool
	populated  bool
	seq        int
	rng        *rand.Rand
	lastSpawn  time.Time
	lastRevive time.Time
}

// NewSupervisor builds an empty swarm. Agents are created on the first
// enabled tick.
func NewSupervisor(market Market, cfg Config) *Supervisor {
	cfg = cfg.normalized()
	return &Supervisor{
		market:  market,
		cfg:     cfg,
		byID:    make(map[string]*Agent),
		enabled: !cfg.StartOnFirstTrade,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Start drives the swarm until the context is canceled.
func (s *Supervisor) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	logTicker := time.NewTicker(10 * time.Second)
	defer logTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(); err != nil {
				if errors.Is(err, engine.ErrStopped) {
					return
				}
				log.Error().Err(err).Msg("bot tick failed")
			}
		case <-logTicker.C:
			st := s.Stats()
			if st.Enabled {
				log.Info().
					Int("agents", st.Agents).
					Int("holding", st.Holding).
					Int("dormant", st.Dormant).
					Msg("bot swarm")
			}
		}
	}
}

// Tick runs one driver tick. It does nothing while the swarm is disabled.
func (s *Supervisor) Tick() (TickReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report TickReport
	if !s.enabled {
		return report, nil
	}
	var failure error
	err := s.market.Atomically(func(tx *engine.Tx) {
		now := tx.Now()
		if !s.populated {
			failure = s.populate(tx, now)
			s.populated = true
			s.lastSpawn, s.lastRevive = now, now
		}
		report.Revived = s.maybeRevive(tx, now)
		report.Spawned = s.maybeSpawn(tx, now)
		for _, a := range s.agents {
			report.Evaluated++
			if _, ok := a.Tick(tx); ok {
				report.Trades++
			}
		}
	})
	if err == nil {
		err = failure
	}
	st := s.countLocked()
	metrics.BotsActive.Set(float64(st.Agents - st.Dormant))
	return report, err
}

func (s *Supervisor) populate(tx *engine.Tx, now time.Time) error {
	whales := int(math.Round(float64(s.cfg.Population) * s.cfg.WhaleShare))
	snipers := int(math.Round(float64(s.cfg.Population) * s.cfg.SniperShare))
	// Failed slots are skipped, not retried.
	var first error
	failed := 0
	for i := 0; i < s.cfg.Population; i++ {
		behavior := Sheep
		switch {
		case i < whales:
			behavior = Whale
		case i < whales+snipers:
			behavior = Sniper
		}
		if _, err := s.spawn(tx, behavior, profiles[behavior].capital, now); err != nil {
			failed++
			if first == nil {
				first = err
			}
		}
	}
	if failed > 0 {
		log.Warn().Err(first).Int("agents", len(s.agents)).Int("wanted", s.cfg.Population).Msg("bot swarm populated short")
		return fmt.Errorf("populate: %d of %d agents failed: %w", failed, s.cfg.Population, first)
	}
	log.Info().Int("agents", len(s.agents)).Int("whales", whales).Int("snipers", snipers).Msg("bot swarm populated")
	return nil
}

func (s *Supervisor) spawn(tx *engine.Tx, behavior Behavior, capital float64, now time.Time) (*Agent, error) {
	s.seq++
	id := fmt.Sprintf("bot-%04d-%s", s.seq, behavior)
	personality := Believer
	if s.rng.Float64() < s.cfg.RuggerShare {
		personality = Rugger
	}
	if err := tx.AddBot(id, capital); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(s.cfg.Seed + int64(s.seq)*7919))
	a := newAgent(id, behavior, personality, capital, rng, s.cfg.MemorySize, s.tuning(), now)
	s.agents = append(s.agents, a)
	s.byID[id] = a
	return a, nil
}

func (s *Supervisor) tuning() tuning {
	return tuning{
		referencePrice: s.cfg.ReferencePrice,
		trend:          s.cfg.Trend,
		cooldownMin:    s.cfg.CooldownMin,
		cooldownMax:    s.cfg.CooldownMax,
	}
}

// maybeSpawn grows the swarm with market activity. Late arrivals bring
// capital scaled to how far the price has run.
func (s *Supervisor) maybeSpawn(tx *engine.Tx, now time.Time) int {
	if s.cfg.SpawnInterval <= 0 || s.cfg.SpawnBatch == 0 || now.Sub(s.lastSpawn) < s.cfg.SpawnInterval {
		return 0
	}
	s.lastSpawn = now
	room := s.cfg.MaxAgents - len(s.agents)
	if room <= 0 {
		return 0
	}
	view := tx.View()
	volume := len(view.Current.Operations)
	if n := len(view.Candles); n > 0 {
		volume += len(view.Candles[n-1].Operations)
	}
	count := min(s.cfg.SpawnBatch, 1+volume/50, room)
	scale := math.Max(1, math.Sqrt(view.Price/s.cfg.ReferencePrice))

	spawned := 0
	for i := 0; i < count; i++ {
		behavior := Sheep
		switch r := s.rng.Float64(); {
		case r < s.cfg.WhaleShare:
			behavior = Whale
		case r < s.cfg.WhaleShare+s.cfg.SniperShare:
			behavior = Sniper
		}
		if _, err := s.spawn(tx, behavior, profiles[behavior].capital*scale, now); err != nil {
			log.Warn().Err(err).Msg("bot spawn failed")
			break
		}
		spawned++
	}
	if spawned > 0 {
		log.Debug().Int("spawned", spawned).Int("agents", len(s.agents)).Msg("bots joined")
	}
	return spawned
}

// maybeRevive gives dormant agents fresh capital and puts them back to work.
func (s *Supervisor) maybeRevive(tx *engine.Tx, now time.Time) int {
	if s.cfg.ReviveInterval <= 0 || now.Sub(s.lastRevive) < s.cfg.ReviveInterval {
		return 0
	}
	s.lastRevive = now
	revived := 0
	for _, a := range s.agents {
		if a.Phase != Dormant {
			continue
		}
		if err := tx.Refill(a.ID, a.Capital); err != nil {
			log.Warn().Err(err).Str("bot", a.ID).Msg("bot revival failed")
			continue
		}
		a.revive(now)
		revived++
	}
	if revived > 0 {
		log.Debug().Int("revived", revived).Msg("dormant bots revived")
	}
	return revived
}

// Warmup injects forced volume over rounds candle periods so the chart has
// history before players arrive. Forced sells only return tokens the warm-up
// itself bought.
func (s *Supervisor) Warmup(rounds, tradesPerRound int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inventory := 0.0
	for r := 0; r < rounds; r++ {
		err := s.market.Atomically(func(tx *engine.Tx) {
			for i := 0; i < tradesPerRound; i++ {
				if inventory > dust && s.rng.Float64() < 0.5 {
					res, err := tx.ExecuteForced(engine.MarketAccountID, engine.Sell, inventory*(0.2+0.6*s.rng.Float64()))
					if err == nil {
						inventory -= res.Operation.Quantity
					}
					continue
				}
				dollars := s.cfg.ReferencePrice * (0.01 + 0.09*s.rng.Float64())
				res, err := tx.ExecuteForced(engine.MarketAccountID, engine.Buy, dollars)
				if err == nil {
					inventory += res.Operation.Quantity
				}
			}
		})
		if err != nil {
			return err
		}
		if _, err := s.market.Tick(); err != nil {
			return err
		}
	}
	log.Info().Int("rounds", rounds).Float64("inventory", inventory).Msg("market warmed up")
	return nil
}

// Activate enables a swarm that was waiting for the first player trade. It
// reports whether this call started it.
func (s *Supervisor) Activate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled || s.populated {
		return false
	}
	s.enabled = true
	log.Info().Msg("bot swarm activated")
	return true
}

// SetEnabled turns the swarm on or off.
func (s *Supervisor) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled != enabled {
		log.Info().Bool("enabled", enabled).Msg("bot swarm toggled")
	}
	s.enabled = enabled
}

// Enabled reports whether the swarm is trading.
func (s *Supervisor) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Force queues a one-off trade for an agent that runs on the next driver
// tick regardless of cooldown or rules. fraction applies to cash for buys and
// tokens for sells.
func (s *Supervisor) Force(id string, kind engine.Kind, fraction float64) error {
	if !(fraction > 0 && fraction <= 1) {
		return ErrBadFraction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	a.forced = &forcedAction{kind: kind, fraction: fraction}
	return nil
}

// Reset returns every agent to a flat neutral state. Call it after the
// market has been reset.
func (s *Supervisor) Reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		a.revive(now)
		a.Phase = Idle
		a.forced = nil
	}
	s.lastSpawn, s.lastRevive = now, now
}

// Agents lists the agents in creation order.
func (s *Supervisor) Agents() []AgentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentInfo, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, AgentInfo{
			ID:             a.ID,
			Behavior:       a.Behavior.String(),
			Personality:    a.Personality.String(),
			Emotion:        a.Emotion.String(),
			Phase:          a.Phase.String(),
			EntryPrice:     a.EntryPrice,
			TakeProfit:     a.TakeProfit,
			StopLoss:       a.StopLoss,
			Invested:       a.Invested,
			Recovered:      a.Recovered,
			NextEligibleAt: a.NextEligibleAt,
		})
	}
	return out
}

// Stats counts agents per phase.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked()
}

func (s *Supervisor) countLocked() Stats {
	st := Stats{Enabled: s.enabled, Agents: len(s.agents)}
	for _, a := range s.agents {
		switch a.Phase {
		case Holding:
			st.Holding++
		case Dormant:
			st.Dormant++
		default:
			st.Idle++
		}
	}
	return st
}
