package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mfshell/shell/internal/config"
	"github.com/mfshell/shell/internal/embed"
	"github.com/mfshell/shell/internal/login"
	"github.com/mfshell/shell/internal/messaging"
	"github.com/mfshell/shell/internal/ratelimit"
	"github.com/mfshell/shell/internal/remote"
	"github.com/mfshell/shell/internal/session"
)

func main() {
	cfg, err := config.LoadRemote()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	// --- Session store ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, closeStore, err := session.Open(ctx, cfg.StoreOptions())
	cancel()
	if err != nil {
		log.Fatalf("failed to open %s session store: %v", cfg.SessionBackend, err)
	}

	// --- NATS ---
	natsConfig := cfg.NATSConfig("mfshell-" + cfg.Mode)
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// Events go up to the shell; the broadcast comes back down and is only
	// trusted when it carries the shell's origin.
	events := messaging.NewNATSBus(natsClient, messaging.EventsSubject(cfg.ShellID), cfg.Origin, nil)
	broadcast := messaging.NewNATSBus(natsClient, messaging.BroadcastSubject(cfg.ShellID), cfg.Origin,
		messaging.NewOriginPolicy([]string{cfg.ShellOrigin}))

	adapter := embed.NewAdapter(cfg.Mode, store, events)
	if s, ok := adapter.Resume(context.Background()); ok {
		log.Printf("[remote:%s] resumed session email=%s", cfg.Mode, s.User.Email)
	}
	if err := adapter.Follow(broadcast); err != nil {
		log.Fatalf("failed to follow %s: %v", messaging.BroadcastSubject(cfg.ShellID), err)
	}

	opts := remote.Options{
		Name:    cfg.Mode,
		Adapter: adapter,
		Rule:    ratelimit.RuleLogin,
	}
	opts.Rule.Limit = cfg.LoginLimit

	var limiterClient *redis.Client
	if cfg.Mode == config.ModeLogin {
		verifierConfig := login.DefaultConfig([]byte(cfg.JWTSecret))
		verifierConfig.TokenTTL = cfg.TokenTTL
		opts.Verifier, err = login.NewVerifier(verifierConfig)
		if err != nil {
			log.Fatalf("failed to create verifier: %v", err)
		}

		// Throttling needs Redis; without it logins are unthrottled.
		if cfg.SessionBackend == config.BackendRedis {
			limiterClient, err = session.NewRedisClient(cfg.RedisAddr)
			if err != nil {
				log.Fatalf("failed to connect to Redis: %v", err)
			}
			opts.Throttle = ratelimit.NewLimiter(limiterClient)
		}
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: remote.NewHandler(opts),
	}

	log.Printf("Remote starting")
	log.Printf("  mode:            %s", cfg.Mode)
	log.Printf("  shell_id:        %s", cfg.ShellID)
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  origin:          %s", cfg.Origin)
	log.Printf("  shell_origin:    %s", cfg.ShellOrigin)
	log.Printf("  session_backend: %s", cfg.SessionBackend)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  nats_auth:       %v", natsConfig.Token != "" || natsConfig.User != "")
	log.Printf("  throttled:       %v", opts.Throttle != nil)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}

		if err := adapter.Close(); err != nil {
			log.Printf("unfollow error: %v", err)
		}
		natsClient.Close()
		if limiterClient != nil {
			limiterClient.Close()
		}
		if err := closeStore(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
