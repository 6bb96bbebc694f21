package config

import (
	"testing"
	"time"
)

func TestLoadServer_Defaults(t *testing.T) {
	t.Setenv("SERVER_NAME", "test-1")

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":3001" {
		t.Errorf("expected listen addr :3001, got %q", cfg.ListenAddr)
	}
	if cfg.HistoryBackend != BackendMemory {
		t.Errorf("expected memory backend, got %q", cfg.HistoryBackend)
	}
	if cfg.HistoryLimit != 100 {
		t.Errorf("expected history limit 100, got %d", cfg.HistoryLimit)
	}
	if cfg.WriteTimeout != 10*time.Second {
		t.Errorf("expected write timeout 10s, got %s", cfg.WriteTimeout)
	}
	if cfg.ServerName != "test-1" {
		t.Errorf("expected server name test-1, got %q", cfg.ServerName)
	}
}

func TestLoadServer_Overrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("HISTORY_BACKEND", BackendRedis)
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("WRITE_TIMEOUT", "2s")
	t.Setenv("MODERATION", "true")
	t.Setenv("MODERATION_TERMS", "foo,bar baz")

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":9000" || cfg.HistoryBackend != BackendRedis || cfg.WriteTimeout != 2*time.Second {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if !cfg.Moderation || len(cfg.ModerationTerms) != 2 || cfg.ModerationTerms[1] != "bar baz" {
		t.Errorf("moderation overrides not applied: %v %q", cfg.Moderation, cfg.ModerationTerms)
	}
}

func TestServerValidate(t *testing.T) {
	base := Server{HistoryBackend: BackendMemory, HistoryLimit: 10, MaxConnections: 1}

	tests := []struct {
		name    string
		mutate  func(*Server)
		wantErr bool
	}{
		{"memory ok", func(*Server) {}, false},
		{"redis without addr", func(s *Server) { s.HistoryBackend = BackendRedis }, true},
		{"redis with addr", func(s *Server) { s.HistoryBackend = BackendRedis; s.RedisAddr = "x:1" }, false},
		{"postgres without dsn", func(s *Server) { s.HistoryBackend = BackendPostgres }, true},
		{"unknown backend", func(s *Server) { s.HistoryBackend = "sqlite" }, true},
		{"zero limit", func(s *Server) { s.HistoryLimit = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadClient_Defaults(t *testing.T) {
	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != "ws://localhost:3001/ws" {
		t.Errorf("unexpected url %q", cfg.URL)
	}
	if cfg.TypingTimeout != time.Second {
		t.Errorf("expected 1s typing timeout, got %s", cfg.TypingTimeout)
	}
}
