package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"trenches/auth"
	"trenches/bots"
	"trenches/config"
	"trenches/engine"
)

type server struct {
	cfg      *config.Config
	market   *engine.Market
	swarm    *bots.Supervisor
	updates  *hub[[]byte]
	latest   atomic.Pointer[[]byte]
	upgrader websocket.Upgrader
	auth     *auth.Manager // nil leaves admin routes open
	started  atomic.Bool
	now      func() time.Time
}

type tradeRequest struct {
	AccountID string  `json:"accountId"`
	Action    string  `json:"action"`
	Amount    float64 `json:"amount"`
}

type tradeResponse struct {
	Operation   engine.Operation `json:"operation"`
	Account     engine.Account   `json:"account"`
	PriceBefore float64          `json:"priceBefore"`
	PriceAfter  float64          `json:"priceAfter"`
}

type connectRequest struct {
	PlayerID string `json:"playerId"`
}

type connectResponse struct {
	PlayerID string `json:"playerId"`
	Created  bool   `json:"created"`
}

type forceRequest struct {
	Action   string  `json:"action"`
	Fraction float64 `json:"fraction"`
}

type botsRequest struct {
	Enabled *bool `json:"enabled"`
}

type botsResponse struct {
	Stats  bots.Stats       `json:"stats"`
	Agents []bots.AgentInfo `json:"agents,omitempty"`
}

// gameState is the shape browsers render.
type gameState struct {
	Candles                  []engine.Candle           `json:"candles"`
	CurrentCandle            engine.Candle             `json:"currentCandle"`
	Leaderboard              []engine.LeaderboardEntry `json:"leaderboard"`
	Players                  map[string]engine.Account `json:"players"`
	TotalTokensInCirculation float64                   `json:"totalTokensInCirculation"`
	Price                    float64                   `json:"price"`
	RugDetected              bool                      `json:"rugDetected"`
}

func newServer(cfg *config.Config, market *engine.Market, swarm *bots.Supervisor) *server {
	s := &server{
		cfg:      cfg,
		market:   market,
		swarm:    swarm,
		updates:  newHub[[]byte](),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		now:      market.Config().Now,
	}
	if cfg.Server.AdminSecret != "" {
		s.auth = auth.NewManager(cfg.Server.AdminSecret)
	}
	return s
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(s.withCORS)

	r.Get("/ws", s.handleGameStream)
	r.Get("/state", s.handleState)
	r.Post("/trades", s.handleTrade)
	r.Post("/accounts", s.handleConnect)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware)
		}
		r.Post("/reset", s.handleReset)
		r.Get("/bots", s.handleListBots)
		r.Post("/bots", s.handleToggleBots)
		r.Post("/bots/{id}/force", s.handleForceBot)
	})
	return r
}

// consumeUpdates encodes every market snapshot once and fans it out. It
// returns when the market stops.
func (s *server) consumeUpdates() {
	for snap := range s.market.Updates() {
		state := toGameState(snap)
		frame, err := json.Marshal(outboundMessage{Type: "update", GameState: &state})
		if err != nil {
			log.Error().Err(err).Msg("encode update")
			continue
		}
		s.latest.Store(&frame)
		s.updates.Broadcast(frame)
	}
	s.updates.Close()
}

// trade executes a player trade and starts the swarm on the first one.
func (s *server) trade(id string, action string, amount float64) (engine.Result, error) {
	kind, err := engine.ParseKind(action)
	if err != nil {
		return engine.Result{}, err
	}
	res, err := s.market.Execute(id, kind, amount)
	if err != nil {
		return res, err
	}
	if !res.Account.IsBot && s.started.CompareAndSwap(false, true) {
		s.swarm.Activate()
	}
	return res, nil
}

func (s *server) reset() error {
	if err := s.market.Reset(); err != nil {
		return err
	}
	s.swarm.Reset(s.now())
	return nil
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.market.Snapshot()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toGameState(snap))
}

func (s *server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, errors.New("accountId is required"))
		return
	}

	res, err := s.trade(req.AccountID, req.Action, req.Amount)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse{
		Operation:   res.Operation,
		Account:     res.Account,
		PriceBefore: res.Before,
		PriceAfter:  res.After,
	})
}

func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	// An empty body asks for a generated id.
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	id, created, err := s.market.Connect(req.PlayerID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, connectResponse{PlayerID: id, Created: created})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"clients":     s.updates.Len(),
		"botsEnabled": s.swarm.Enabled(),
	})
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.reset(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *server) handleListBots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, botsResponse{Stats: s.swarm.Stats(), Agents: s.swarm.Agents()})
}

func (s *server) handleToggleBots(w http.ResponseWriter, r *http.Request) {
	var req botsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New("expected {\"enabled\": true|false}"))
		return
	}
	s.swarm.SetEnabled(*req.Enabled)
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		log.Info().Str("operator", claims.Subject).Bool("enabled", *req.Enabled).Msg("bots toggled by operator")
	}
	writeJSON(w, http.StatusOK, botsResponse{Stats: s.swarm.Stats()})
}

func (s *server) handleForceBot(w http.ResponseWriter, r *http.Request) {
	var req forceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	kind, err := engine.ParseKind(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.swarm.Force(id, kind, req.Fraction); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "agent": id})
}

func toGameState(snap engine.Snapshot) gameState {
	candles := make([]engine.Candle, len(snap.Candles))
	for i, c := range snap.Candles {
		c.Operations = nil
		candles[i] = c
	}
	current := snap.Current
	current.Operations = nil
	return gameState{
		Candles:                  candles,
		CurrentCandle:            current,
		Leaderboard:              snap.Leaderboard,
		Players:                  snap.Accounts,
		TotalTokensInCirculation: snap.Supply,
		Price:                    snap.Price,
		RugDetected:              snap.RugDetected,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, bots.ErrBadFraction):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnknownAccount), errors.Is(err, bots.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicateAccount):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
