package main

import (
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime/pprof"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"trenches/bots"
	"trenches/engine"
)

func main() {
	totalTrades := flag.Int("trades", 200000, "number of player trades to submit")
	accounts := flag.Int("accounts", 100, "number of player accounts")
	workers := flag.Int("workers", 4, "goroutines submitting trades concurrently")
	maxBuy := flag.Float64("max-buy", 20, "largest buy in dollars")
	sellRatio := flag.Int("sell-ratio", 3, "1 in N trades will be a sell")
	startingDollars := flag.Float64("starting-dollars", 1000, "cash each account starts with")
	botCount := flag.Int("bots", 0, "bot agents trading alongside the players")
	tickEvery := flag.Int("tick-every", 1000, "run a bot tick and close a candle every N trades")
	reqBuffer := flag.Int("request-buffer", 2048, "market request queue length")
	seed := flag.Int64("seed", time.Now().UnixNano(), "seed for deterministic random streams")
	cpuProfile := flag.String("cpuprofile", "", "write cpu profile to file")
	memProfile := flag.String("memprofile", "", "write heap profile to file")
	verbose := flag.Bool("v", false, "log every trade and rejection")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			panic(err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			panic(err)
		}
		defer pprof.StopCPUProfile()
	}

	cfg := engine.DefaultConfig()
	cfg.StartingDollars = *startingDollars
	cfg.RequestBuffer = *reqBuffer
	market := engine.NewMarket(cfg)

	// Nobody renders snapshots here.
	go func() {
		for range market.Updates() {
		}
	}()

	for i := 0; i < *accounts; i++ {
		if _, _, err := market.Connect(accountID(i)); err != nil {
			panic(err)
		}
	}

	var swarm *bots.Supervisor
	if *botCount > 0 {
		swarmCfg := bots.DefaultConfig()
		swarmCfg.Population = *botCount
		swarmCfg.MaxAgents = *botCount
		swarmCfg.StartOnFirstTrade = false
		swarmCfg.Seed = *seed
		swarm = bots.NewSupervisor(market, swarmCfg)
	}

	var executed, rejected, insufficient, botTrades int64
	var submitted int64
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(*seed + int64(w)))
			for {
				n := atomic.AddInt64(&submitted, 1)
				if n > int64(*totalTrades) {
					return
				}
				id := accountID(rng.Intn(*accounts))
				kind, amount := nextRandomTrade(rng, *maxBuy, *sellRatio)
				_, err := market.Execute(id, kind, amount)
				switch {
				case err == nil:
					atomic.AddInt64(&executed, 1)
				case errors.Is(err, engine.ErrInsufficientFunds):
					atomic.AddInt64(&insufficient, 1)
				default:
					atomic.AddInt64(&rejected, 1)
				}
				if *tickEvery > 0 && n%int64(*tickEvery) == 0 {
					if swarm != nil {
						report, err := swarm.Tick()
						if err != nil {
							fmt.Fprintf(os.Stderr, "bot tick failed: %v\n", err)
						}
						atomic.AddInt64(&botTrades, int64(report.Trades))
					}
					_, _ = market.Tick()
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	snap, err := market.Snapshot()
	if err != nil {
		panic(err)
	}
	market.Stop()

	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err == nil {
			defer f.Close()
			_ = pprof.WriteHeapProfile(f)
		}
	}

	tradesPerSec := float64(*totalTrades) / elapsed.Seconds()
	fmt.Printf("submitted %d trades in %s (%.0f trades/s)\n", *totalTrades, elapsed.Truncate(time.Millisecond), tradesPerSec)
	fmt.Printf("executed %d, insufficient funds %d, other rejections %d, bot trades %d\n", executed, insufficient, rejected, botTrades)
	fmt.Printf("final price %.8f, supply %.8f, candles %d, accounts %d\n", snap.Price, snap.Supply, len(snap.Candles), len(snap.Accounts))
	fmt.Printf("config: workers=%d accounts=%d bots=%d request-buffer=%d sell-ratio=1/%d\n", *workers, *accounts, *botCount, *reqBuffer, *sellRatio)
}

func accountID(i int) string {
	return "lg-" + strconv.Itoa(i)
}

// nextRandomTrade sells a token fraction 1 in sellRatio times and otherwise
// buys up to maxBuy dollars.
func nextRandomTrade(rng *rand.Rand, maxBuy float64, sellRatio int) (engine.Kind, float64) {
	if sellRatio > 0 && rng.Intn(sellRatio) == 0 {
		return engine.Sell, 0.001 + rng.Float64()*0.01
	}
	return engine.Buy, 0.01 + rng.Float64()*maxBuy
}
