package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"trenches/auth"
	"trenches/bots"
	"trenches/config"
	"trenches/engine"
)

func newTestServer(t *testing.T, secret string) (*server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.AdminSecret = secret
	cfg.Storage.Driver = "none"

	market := engine.NewMarket(cfg.EngineConfig())
	swarmCfg := cfg.SwarmConfig()
	swarmCfg.Population = 3
	swarmCfg.MaxAgents = 3
	swarmCfg.CooldownMin = time.Hour
	swarmCfg.CooldownMax = 2 * time.Hour
	swarm := bots.NewSupervisor(market, swarmCfg)

	srv := newServer(cfg, market, swarm)
	go srv.consumeUpdates()
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(func() {
		ts.Close()
		market.Stop()
	})
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]interface{}) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(outboundMessage) bool) outboundMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg outboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func connectPlayer(t *testing.T, conn *websocket.Conn, id string) {
	t.Helper()
	send(t, conn, map[string]interface{}{"type": "connect", "playerId": id})
	msg := readUntil(t, conn, func(m outboundMessage) bool { return m.Type == "init" })
	if msg.PlayerID != id {
		t.Fatalf("expected init for %s, got %+v", id, msg)
	}
}

func playerDollars(id string, dollars float64) func(outboundMessage) bool {
	return func(m outboundMessage) bool {
		if m.Type != "update" || m.GameState == nil {
			return false
		}
		acc, ok := m.GameState.Players[id]
		return ok && acc.Dollars == dollars
	}
}

func doJSON(t *testing.T, method, url, token string, body interface{}, out interface{}) int {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestGameStreamConnectAndTrade(t *testing.T) {
	_, ts := newTestServer(t, "")
	conn := dial(t, ts)
	connectPlayer(t, conn, "P1")

	send(t, conn, map[string]interface{}{"action": "buy", "amount": 10})
	msg := readUntil(t, conn, playerDollars("P1", 90))
	state := msg.GameState
	if state.Players["P1"].Tokens <= 0 {
		t.Fatalf("expected tokens after buy, got %+v", state.Players["P1"])
	}
	if state.TotalTokensInCirculation <= 1 || state.Price <= 1000 {
		t.Fatalf("expected supply and price to rise, got supply=%f price=%f", state.TotalTokensInCirculation, state.Price)
	}
	if len(state.Leaderboard) != 1 || state.Leaderboard[0].ID != "P1" {
		t.Fatalf("unexpected leaderboard %+v", state.Leaderboard)
	}
	if len(state.CurrentCandle.Operations) != 0 {
		t.Fatalf("broadcast candles must not carry operations")
	}
}

func TestGameStreamReconnectGetsLatestState(t *testing.T) {
	_, ts := newTestServer(t, "")
	first := dial(t, ts)
	connectPlayer(t, first, "P1")
	send(t, first, map[string]interface{}{"action": "buy", "amount": 25})
	readUntil(t, first, playerDollars("P1", 75))

	second := dial(t, ts)
	connectPlayer(t, second, "P1")
	readUntil(t, second, playerDollars("P1", 75))
}

func TestGameStreamErrorsGoToSenderOnly(t *testing.T) {
	_, ts := newTestServer(t, "")
	alice := dial(t, ts)
	bob := dial(t, ts)
	connectPlayer(t, alice, "A")
	connectPlayer(t, bob, "B")

	send(t, alice, map[string]interface{}{"action": "sell", "amount": 5})
	msg := readUntil(t, alice, func(m outboundMessage) bool { return m.Type == "error" })
	if !strings.Contains(msg.Error, "insufficient funds") {
		t.Fatalf("unexpected error frame %+v", msg)
	}

	send(t, bob, map[string]interface{}{"action": "buy", "amount": 10})
	readUntil(t, bob, func(m outboundMessage) bool {
		if m.Type == "error" {
			t.Fatalf("bob received an error meant for alice: %+v", m)
		}
		return playerDollars("B", 90)(m)
	})
}

func TestGameStreamRequiresConnect(t *testing.T) {
	_, ts := newTestServer(t, "")
	conn := dial(t, ts)

	send(t, conn, map[string]interface{}{"action": "buy", "amount": 10})
	msg := readUntil(t, conn, func(m outboundMessage) bool { return m.Type == "error" })
	if msg.Error != errNotConnected.Error() {
		t.Fatalf("unexpected error %q", msg.Error)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg = readUntil(t, conn, func(m outboundMessage) bool { return m.Type == "error" })
	if msg.Error != "malformed message" {
		t.Fatalf("unexpected error %q", msg.Error)
	}
}

func TestHTTPTradeAndState(t *testing.T) {
	_, ts := newTestServer(t, "")

	var connected connectResponse
	if code := doJSON(t, http.MethodPost, ts.URL+"/accounts", "", connectRequest{PlayerID: "H1"}, &connected); code != http.StatusCreated || !connected.Created {
		t.Fatalf("expected a new account, got %d %+v", code, connected)
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/accounts", "", connectRequest{PlayerID: "H1"}, &connected); code != http.StatusOK || connected.Created {
		t.Fatalf("expected the existing account, got %d %+v", code, connected)
	}

	var trade tradeResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/trades", "", tradeRequest{AccountID: "H1", Action: "buy", Amount: 10}, &trade)
	if code != http.StatusOK {
		t.Fatalf("buy returned %d", code)
	}
	if trade.Account.Dollars != 90 || trade.PriceAfter <= trade.PriceBefore {
		t.Fatalf("unexpected trade response %+v", trade)
	}

	cases := []struct {
		name string
		req  tradeRequest
		want int
	}{
		{"oversell", tradeRequest{AccountID: "H1", Action: "sell", Amount: 1000}, http.StatusUnprocessableEntity},
		{"unknown account", tradeRequest{AccountID: "nobody", Action: "buy", Amount: 1}, http.StatusNotFound},
		{"bad action", tradeRequest{AccountID: "H1", Action: "hold", Amount: 1}, http.StatusBadRequest},
		{"zero amount", tradeRequest{AccountID: "H1", Action: "buy", Amount: 0}, http.StatusBadRequest},
		{"missing account", tradeRequest{Action: "buy", Amount: 1}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		var body map[string]string
		if got := doJSON(t, http.MethodPost, ts.URL+"/trades", "", tc.req, &body); got != tc.want {
			t.Fatalf("%s: expected %d, got %d (%v)", tc.name, tc.want, got, body)
		}
		if body["error"] == "" {
			t.Fatalf("%s: expected an error message", tc.name)
		}
	}

	var state gameState
	if code := doJSON(t, http.MethodGet, ts.URL+"/state", "", nil, &state); code != http.StatusOK {
		t.Fatalf("state returned %d", code)
	}
	if acc := state.Players["H1"]; acc.Dollars != 90 || acc.Tokens != trade.Account.Tokens {
		t.Fatalf("state disagrees with the trade: %+v", acc)
	}
}

func TestFirstHumanTradeActivatesBots(t *testing.T) {
	srv, ts := newTestServer(t, "")
	if srv.swarm.Enabled() {
		t.Fatalf("swarm should wait for the first trade")
	}
	doJSON(t, http.MethodPost, ts.URL+"/accounts", "", connectRequest{PlayerID: "H1"}, nil)
	if srv.swarm.Enabled() {
		t.Fatalf("connecting alone must not start the swarm")
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/trades", "", tradeRequest{AccountID: "H1", Action: "buy", Amount: 5}, nil); code != http.StatusOK {
		t.Fatalf("buy returned %d", code)
	}
	if !srv.swarm.Enabled() {
		t.Fatalf("expected the swarm to start after the first trade")
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	_, ts := newTestServer(t, "s3cret")
	doJSON(t, http.MethodPost, ts.URL+"/accounts", "", connectRequest{PlayerID: "H1"}, nil)
	doJSON(t, http.MethodPost, ts.URL+"/trades", "", tradeRequest{AccountID: "H1", Action: "buy", Amount: 40}, nil)

	if code := doJSON(t, http.MethodPost, ts.URL+"/admin/reset", "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", code)
	}
	forged, _ := auth.NewManager("other").GenerateToken("ops", time.Minute)
	if code := doJSON(t, http.MethodPost, ts.URL+"/admin/reset", forged, nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a foreign token, got %d", code)
	}

	token, err := auth.NewManager("s3cret").GenerateToken("ops", time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/admin/reset", token, nil, nil); code != http.StatusOK {
		t.Fatalf("expected reset to succeed, got %d", code)
	}

	var state gameState
	doJSON(t, http.MethodGet, ts.URL+"/state", "", nil, &state)
	if acc := state.Players["H1"]; acc.Dollars != 100 || acc.Tokens != 0 {
		t.Fatalf("expected the account restored, got %+v", acc)
	}
	if state.Price != 1000 || len(state.Candles) != 0 {
		t.Fatalf("expected initial market conditions, got price=%f candles=%d", state.Price, len(state.Candles))
	}
}

func TestAdminBotControls(t *testing.T) {
	srv, ts := newTestServer(t, "")

	var res botsResponse
	if code := doJSON(t, http.MethodPost, ts.URL+"/admin/bots", "", map[string]bool{"enabled": true}, &res); code != http.StatusOK || !res.Stats.Enabled {
		t.Fatalf("expected bots enabled, got %d %+v", code, res)
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/admin/bots", "", map[string]string{}, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 without enabled, got %d", code)
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/admin/bots/ghost/force", "", forceRequest{Action: "buy", Fraction: 0.5}, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown bot, got %d", code)
	}

	if _, err := srv.swarm.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/admin/bots", "", nil, &res); code != http.StatusOK || len(res.Agents) != 3 {
		t.Fatalf("expected three agents, got %d %+v", code, res)
	}
	id := res.Agents[0].ID

	if code := doJSON(t, http.MethodPost, ts.URL+"/admin/bots/"+id+"/force", "", forceRequest{Action: "buy", Fraction: 2}, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad fraction, got %d", code)
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/admin/bots/"+id+"/force", "", forceRequest{Action: "buy", Fraction: 0.5}, nil); code != http.StatusAccepted {
		t.Fatalf("expected the force to be queued, got %d", code)
	}
	if _, err := srv.swarm.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	var state gameState
	doJSON(t, http.MethodGet, ts.URL+"/state", "", nil, &state)
	if acc := state.Players[id]; acc.Tokens <= 0 {
		t.Fatalf("expected the forced buy to fill, got %+v", acc)
	}
}

func TestHealthAndCORS(t *testing.T) {
	_, ts := newTestServer(t, "")

	var health map[string]interface{}
	if code := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil, &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("unexpected health %d %v", code, health)
	}

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/trades", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected preflight response %d %v", resp.StatusCode, resp.Header)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics returned %d", resp.StatusCode)
	}
}

func TestHubKeepsNewestForSlowSubscribers(t *testing.T) {
	h := newHub[int]()
	sub := h.Subscribe(2)
	for i := 1; i <= 5; i++ {
		h.Broadcast(i)
	}
	var got []int
	for len(sub.ch) > 0 {
		got = append(got, <-sub.ch)
	}
	if len(got) != 2 || got[len(got)-1] != 5 {
		t.Fatalf("expected the newest value to survive, got %v", got)
	}
	h.Unsubscribe(sub)
	if _, ok := <-sub.ch; ok {
		t.Fatalf("expected the channel closed")
	}
	if h.Len() != 0 {
		t.Fatalf("expected no subscribers")
	}
}
