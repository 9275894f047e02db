package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mfshell/shell/internal/config"
	"github.com/mfshell/shell/internal/messaging"
	"github.com/mfshell/shell/internal/session"
	"github.com/mfshell/shell/internal/shell"
	"github.com/mfshell/shell/internal/ws"
)

func main() {
	cfg, err := config.LoadShell()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	policy := messaging.NewOriginPolicy(cfg.TrustedOrigins)
	if policy.AllowsAny() {
		log.Printf("WARNING: TRUSTED_ORIGINS=* accepts session events from any origin")
	}

	// --- Session store ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, closeStore, err := session.Open(ctx, cfg.StoreOptions())
	cancel()
	if err != nil {
		log.Fatalf("failed to open %s session store: %v", cfg.SessionBackend, err)
	}

	router := shell.NewRouter(shell.Anonymous)
	coordinator := shell.NewCoordinator(context.Background(), store, router)

	// --- NATS ---
	natsConfig := cfg.NATSConfig("mfshell-shell-" + cfg.ShellID)
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	events := messaging.NewNATSBus(natsClient, messaging.EventsSubject(cfg.ShellID), cfg.Origin, policy)
	broadcast := messaging.NewNATSBus(natsClient, messaging.BroadcastSubject(cfg.ShellID), cfg.Origin, nil)
	coordinator.SetBroadcast(broadcast)

	natsSub, err := coordinator.Attach(events)
	if err != nil {
		log.Fatalf("failed to subscribe to %s: %v", messaging.EventsSubject(cfg.ShellID), err)
	}

	// --- Browser bridge ---
	browserBus := messaging.NewLocalBus(cfg.Origin, policy).Label("ws")
	browserSub, err := coordinator.Attach(browserBus)
	if err != nil {
		log.Fatalf("failed to attach browser bridge: %v", err)
	}

	bridgeConfig := ws.DefaultServerConfig()
	bridgeConfig.MaxConnections = cfg.MaxBrowsers
	bridge := ws.NewServer(bridgeConfig, ws.NewMessageDispatcher(browserBus).Dispatch)
	router.OnNavigate(func(r shell.Route) { bridge.Navigate(r.Path()) })

	httpServer := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: shell.NewHandler(coordinator, shell.Frames{
			LoginURL:     cfg.LoginURL,
			DashboardURL: cfg.DashboardURL,
		}, bridge),
	}

	log.Printf("Shell starting")
	log.Printf("  shell_id:        %s", cfg.ShellID)
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  origin:          %s", cfg.Origin)
	log.Printf("  trusted_origins: %v", cfg.TrustedOrigins)
	log.Printf("  session_backend: %s", cfg.SessionBackend)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  nats_auth:       %v", natsConfig.Token != "" || natsConfig.User != "")
	log.Printf("  login_url:       %s", cfg.LoginURL)
	log.Printf("  dashboard_url:   %s", cfg.DashboardURL)
	log.Printf("  initial_route:   %s", router.Current().Path())

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
		bridge.Shutdown()

		if err := natsSub.Unsubscribe(); err != nil {
			log.Printf("nats unsubscribe error: %v", err)
		}
		if err := browserSub.Unsubscribe(); err != nil {
			log.Printf("browser bridge unsubscribe error: %v", err)
		}
		natsClient.Close()

		if err := closeStore(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
