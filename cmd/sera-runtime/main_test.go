package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/floegence/sera-runtime/internal/ai"
	"github.com/floegence/sera-runtime/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, err := newLogger(&buf, "auto", "warn")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	log.Info("hidden")
	log.Warn("shown", "run_id", "r1")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info logged at warn level: %q", out)
	}
	// A buffer is not a terminal, so auto selects JSON.
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
		t.Fatalf("auto format is not JSON off a terminal: %q", out)
	}
	if rec["run_id"] != "r1" {
		t.Fatalf("record=%v", rec)
	}

	if _, err := newLogger(io.Discard, "xml", "info"); err == nil {
		t.Fatalf("unknown format accepted")
	}
	if _, err := newLogger(io.Discard, "text", "loud"); err == nil {
		t.Fatalf("unknown level accepted")
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Runtime.Version = "1.10.0"
	cfg.AI.APIKey = "sk-test"
	cfg.AI.Model = "claude-sonnet-4-5"
	cfg.Storage.DataDir = t.TempDir()
	cfg.Server.Port = 3001
	return cfg
}

func TestNewApp_WiresSQLiteAndDiskBackends(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.StateBackend = config.StateBackendSQLite
	cfg.Storage.BlobBackend = config.BlobBackendDisk
	docs := t.TempDir()
	if err := os.WriteFile(filepath.Join(docs, "refunds.md"), []byte("# Refunds\n\nRefunds are processed within 5 days."), 0o600); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	cfg.Knowledge.DocumentsDir = docs
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	for _, name := range []string{"threads.sqlite", "chats.sqlite", "blobs", "audit/events.jsonl"} {
		if _, err := os.Stat(filepath.Join(cfg.Storage.DataDir, name)); err != nil {
			t.Fatalf("%s not created: %v", name, err)
		}
	}

	srv := httptest.NewServer(a.gateway.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/copilotkit/info")
	if err != nil {
		t.Fatalf("GET info: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var info ai.RuntimeInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Version != "1.10.0" || info.Agents[config.DefaultAgentName].ClassName != config.DefaultAgentClassName {
		t.Fatalf("info=%+v", info)
	}

	mresp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer func() { _ = mresp.Body.Close() }()
	if mresp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status=%d", mresp.StatusCode)
	}
}

func TestNewApp_RejectsBadProvider(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.AI.Provider = "gemini"
	if _, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("newApp accepted an unsupported provider")
	}
}
