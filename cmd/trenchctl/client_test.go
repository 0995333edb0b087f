package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trenches/auth"
	"trenches/bots"
)

func TestClientSendsAdminToken(t *testing.T) {
	mgr := auth.NewManager("s3cret")
	ts := httptest.NewServer(mgr.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := auth.ClaimsFromContext(r.Context())
		if claims.Subject != "ops" {
			t.Errorf("unexpected subject %q", claims.Subject)
		}
		_ = json.NewEncoder(w).Encode(botsResponse{Stats: bots.Stats{Enabled: true, Agents: 3}})
	})))
	defer ts.Close()

	token, err := mgr.GenerateToken("ops", time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	c := &client{baseURL: ts.URL + "/", token: token}
	var res botsResponse
	if err := c.do(context.Background(), http.MethodGet, "/admin/bots", nil, &res); err != nil {
		t.Fatalf("do: %v", err)
	}
	if !res.Stats.Enabled || res.Stats.Agents != 3 {
		t.Fatalf("unexpected response %+v", res)
	}
}

func TestClientSurfacesServerErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"unknown agent: ghost"}`))
	}))
	defer ts.Close()

	c := &client{baseURL: ts.URL}
	err := c.do(context.Background(), http.MethodPost, "/admin/bots/ghost/force", map[string]interface{}{"action": "buy", "fraction": 0.5}, nil)
	if err == nil || !strings.Contains(err.Error(), "404 unknown agent: ghost") {
		t.Fatalf("expected the server error, got %v", err)
	}
}
