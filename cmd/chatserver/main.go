package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/whisper/livechat/internal/config"
	"github.com/whisper/livechat/internal/history"
	"github.com/whisper/livechat/internal/messaging"
	"github.com/whisper/livechat/internal/moderation"
	"github.com/whisper/livechat/internal/ratelimit"
	"github.com/whisper/livechat/internal/session"
	"github.com/whisper/livechat/internal/ws"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.WriteTimeout = cfg.WriteTimeout

	// --- Redis (optional) ---
	var (
		sessionStore *session.Store
		limiter      *ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		sessionStore, err = session.NewStore(cfg.RedisAddr, cfg.ServerName, cfg.Room)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		limiter = ratelimit.NewLimiter(sessionStore.Client())
	}

	// --- History ---
	var store history.Store
	switch cfg.HistoryBackend {
	case config.BackendRedis:
		store = history.NewRedis(sessionStore.Client(), cfg.Room, cfg.HistoryLimit)
	case config.BackendPostgres:
		store, err = history.NewPostgres(context.Background(), cfg.PostgresDSN, cfg.Room, cfg.HistoryLimit)
		if err != nil {
			log.Fatalf("failed to open history: %v", err)
		}
	default:
		store = history.NewMemory(cfg.HistoryLimit)
	}

	// --- Fan-out ---
	var broker messaging.Broker
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "livechat-" + cfg.ServerName
		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		broker = natsClient
	} else {
		broker = messaging.NewLocal()
	}

	// --- Moderation (optional) ---
	var filter *moderation.Filter
	if cfg.Moderation {
		if len(cfg.ModerationTerms) > 0 {
			filter = moderation.NewFilterWithTerms(cfg.ModerationTerms)
		} else {
			filter = moderation.NewFilter()
		}
	}

	log.Printf("livechat server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  write_timeout:   %s", cfg.WriteTimeout)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  room:            %s", cfg.Room)
	log.Printf("  history:         %s (limit %d)", cfg.HistoryBackend, cfg.HistoryLimit)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  moderation:      %v", cfg.Moderation)

	dispatcher := ws.NewDispatcher()
	server := ws.NewServer(serverConfig, sessionStore, dispatcher.Dispatch)
	if limiter != nil {
		server.SetLimiter(limiter)
	}

	room := ws.NewRoom(ws.RoomOptions{
		Name:       cfg.Room,
		ServerName: cfg.ServerName,
		History:    store,
		Broker:     broker,
		Sessions:   sessionStore,
		Limiter:    limiter,
		Filter:     filter,
	}, server.Connections())
	room.Register(dispatcher)
	server.SetOnDisconnect(room.HandleDisconnect)
	if err := room.Subscribe(); err != nil {
		log.Fatalf("room: %v", err)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		broker.Close()
		if err := store.Close(); err != nil {
			log.Printf("history close error: %v", err)
		}
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
