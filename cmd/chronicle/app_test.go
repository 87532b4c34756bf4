package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chronicle/internal/logging"
	"chronicle/internal/metrics"
	"chronicle/internal/narrator"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := loadConfig(nil, map[string]string{}, nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Server.CheckpointDir = t.TempDir()
	return cfg
}

func TestNewApplicationServesStatus(t *testing.T) {
	cfg := testConfig(t)
	app, err := newApplication(cfg, logging.NewDiscardLogger(), &metrics.Registry{})
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	coordinator := newShutdownCoordinator(logging.NewDiscardLogger())
	app.shutdownPhases(coordinator)
	defer coordinator.Run(context.Background())

	server := httptest.NewServer(app.handler)
	defer server.Close()

	response, err := http.Get(server.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	var status struct {
		Sessions    int `json:"sessions"`
		Connections int `json:"connections"`
	}
	if err := json.NewDecoder(response.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Sessions != 0 || status.Connections != 0 {
		t.Fatalf("unexpected status %+v", status)
	}

	if _, err := app.manager.Resolve(context.Background(), "tavern-night"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if app.manager.Len() != 1 {
		t.Fatalf("expected one session, got %d", app.manager.Len())
	}
}

func TestNewApplicationRejectsUnknownDefaultParty(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.DefaultParty = "missing"
	if _, err := newApplication(cfg, logging.NewDiscardLogger(), &metrics.Registry{}); err == nil {
		t.Fatalf("expected error for unknown default party")
	}
}

func TestNewExecutor(t *testing.T) {
	executor, err := newExecutor(ExecutorConfig{Kind: executorScripted})
	if err != nil {
		t.Fatalf("scripted: %v", err)
	}
	if _, ok := executor.(narrator.Scripted); !ok {
		t.Fatalf("expected scripted executor, got %T", executor)
	}

	executor, err = newExecutor(ExecutorConfig{Kind: executorHTTP, URL: "http://localhost:9999/turn", Timeout: time.Second})
	if err != nil {
		t.Fatalf("http: %v", err)
	}
	if _, ok := executor.(*narrator.HTTP); !ok {
		t.Fatalf("expected http executor, got %T", executor)
	}

	if _, err := newExecutor(ExecutorConfig{Kind: "oracle"}); err == nil {
		t.Fatalf("expected error for unknown executor")
	}
}

func TestRunPrintsVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--version"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("expected exit 0, got %d (%s)", code, stderr.String())
	}
	if len(stdout.String()) == 0 {
		t.Fatalf("expected version output")
	}
}

func TestRunRejectsBadFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--speed", "warp"}, &stdout, &stderr); code != exitUsage {
		t.Fatalf("expected usage exit, got %d", code)
	}
}
