// Package api_test provides tests for the API server.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kestrel-quant/backtester/internal/api"
	"github.com/kestrel-quant/backtester/internal/data"
	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func setupTestServer(t *testing.T) (*api.Server, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()
	store := data.NewStore(logger)
	cfg := &types.ServerConfig{
		Host: "127.0.0.1", Port: 0, WebSocketPath: "/ws",
		ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second,
	}

	server := api.NewServer(logger, cfg, store)
	ts := httptest.NewServer(server.Router())
	return server, ts
}

func sampleConfig(id string) types.EngineConfig {
	return types.EngineConfig{
		ID: id,
		Exchanges: []types.ExchangeConfig{{
			ID: "crypto", AssetType: types.AssetTypeEquity, Frequency: types.Frequency1h,
			AssetIDs: []string{"SOL/USDT"},
		}},
		Portfolios: []types.PortfolioConfig{{
			ID: "main", StartingCash: decimal.NewFromInt(10000), Frequency: types.Frequency1h,
		}},
		Strategies: []types.StrategyConfig{{
			ID: "mom-1", PortfolioID: "main", ExchangeID: "crypto", Kind: "momentum",
			AllocType: "leverage", StepFrequency: 1,
		}},
		Commission: decimal.NewFromFloat(0.001),
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", result["status"])
	}
}

func TestBacktestRunAndStatus(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	cfg := sampleConfig("test-http-backtest")
	body, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}

	resp, err := http.Post(ts.URL+"/api/v1/backtest/run", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("backtest run request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["id"] != cfg.ID {
		t.Fatalf("response missing expected backtest id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/api/v1/backtest/" + cfg.ID)
		if err != nil {
			t.Fatalf("status request failed: %v", err)
		}
		var status map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if status["status"] == "completed" || status["status"] == "failed" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("backtest did not reach a terminal status in time")
}

func TestBacktestRunGeneratesIDWhenOmitted(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	cfg := sampleConfig("")
	body, _ := json.Marshal(cfg)

	resp, err := http.Post(ts.URL+"/api/v1/backtest/run", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("backtest run request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for an omitted id, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	id, _ := result["id"].(string)
	if id == "" {
		t.Fatal("expected a generated run id in the response")
	}
}

func TestBacktestRunRejectsUnknownPortfolio(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	cfg := sampleConfig("test-bad-backtest")
	cfg.Strategies[0].PortfolioID = "does-not-exist"
	body, _ := json.Marshal(cfg)

	resp, err := http.Post(ts.URL+"/api/v1/backtest/run", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("backtest run request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400 for unknown portfolio, got %d", resp.StatusCode)
	}
}

func TestBacktestNotFound(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/backtest/does-not-exist")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", resp.StatusCode)
	}
}

func TestWebSocketSubscribeUnsubscribe(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket connection failed: %v", err)
	}
	defer conn.Close()

	sub := api.WSMessage{Type: api.MsgTypeSubscribe, Channel: "backtest:test-123"}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	unsub := api.WSMessage{Type: api.MsgTypeUnsubscribe, Channel: "backtest:test-123"}
	if err := conn.WriteJSON(unsub); err != nil {
		t.Fatalf("failed to send unsubscribe: %v", err)
	}
}

func TestConcurrentWebSocketConnections(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):] + "/ws"
	numConnections := 5
	conns := make([]*websocket.Conn, numConnections)
	for i := 0; i < numConnections; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("connection %d failed: %v", i, err)
		}
		conns[i] = conn
	}
	for _, conn := range conns {
		conn.Close()
	}
}

func TestServerShutdown(t *testing.T) {
	logger := zap.NewNop()
	store := data.NewStore(logger)
	cfg := &types.ServerConfig{
		Host: "127.0.0.1", Port: 18081, WebSocketPath: "/ws",
		ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second,
	}
	server := api.NewServer(logger, cfg, store)

	go server.Start()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		t.Errorf("shutdown error: %v", err)
	}
}
