package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"trenches/engine"
	"trenches/metrics"
)

// Source is the engine surface the persister reads from.
type Source interface {
	Accounts(humansOnly bool) ([]engine.Account, error)
	Snapshot() (engine.Snapshot, error)
}

type PersisterConfig struct {
	AccountsInterval time.Duration
	MarketInterval   time.Duration
	// IncludeBots also saves bot accounts. Bots are recreated on start, so
	// they are skipped by default.
	IncludeBots bool
}

// Persister saves accounts and market history on two independent schedules.
// Every attempt takes a fresh dump; failures are logged and counted and the
// next attempt starts from scratch.
type Persister struct {
	src   Source
	store Store
	cfg   PersisterConfig
}

func NewPersister(src Source, store Store, cfg PersisterConfig) *Persister {
	return &Persister{src: src, store: store, cfg: cfg}
}

// Run blocks until ctx is done. A zero interval disables that loop.
func (p *Persister) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loop := func(interval time.Duration, save func(context.Context) error) {
		defer wg.Done()
		if interval <= 0 {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = save(ctx)
			}
		}
	}
	wg.Add(2)
	go loop(p.cfg.AccountsInterval, p.SaveAccounts)
	go loop(p.cfg.MarketInterval, p.SaveMarket)
	wg.Wait()
}

// SaveAccounts persists one account dump.
func (p *Persister) SaveAccounts(ctx context.Context) error {
	return p.attempt("accounts", func() error {
		accounts, err := p.src.Accounts(!p.cfg.IncludeBots)
		if err != nil {
			return err
		}
		return p.store.SaveAccounts(ctx, accounts)
	})
}

// SaveMarket appends one market record.
func (p *Persister) SaveMarket(ctx context.Context) error {
	return p.attempt("market", func() error {
		snap, err := p.src.Snapshot()
		if err != nil {
			return err
		}
		return p.store.AppendMarket(ctx, RecordFromSnapshot(snap))
	})
}

// Flush saves both targets once, typically on shutdown.
func (p *Persister) Flush(ctx context.Context) error {
	return errors.Join(p.SaveAccounts(ctx), p.SaveMarket(ctx))
}

func (p *Persister) attempt(target string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.PersistDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistFailures.WithLabelValues(target).Inc()
		log.Error().Err(err).Str("target", target).Msg("persistence failed")
		return err
	}
	log.Debug().Str("target", target).Dur("took", time.Since(start)).Msg("persisted")
	return nil
}
