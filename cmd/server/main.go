package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"claude-relay-go/internal/account"
	"claude-relay-go/internal/apikey"
	"claude-relay-go/internal/config"
	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/crypto"
	"claude-relay-go/internal/events"
	"claude-relay-go/internal/lock"
	"claude-relay-go/internal/logging"
	"claude-relay-go/internal/middleware"
	"claude-relay-go/internal/pool"
	"claude-relay-go/internal/pricing"
	"claude-relay-go/internal/relay"
	"claude-relay-go/internal/scheduler"
	srv "claude-relay-go/internal/server"
	"claude-relay-go/internal/store"
	"claude-relay-go/internal/token"
	"claude-relay-go/internal/usage"

	log "github.com/sirupsen/logrus"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv := store.New(cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err := kv.Initialize(ctx); err != nil {
		log.WithError(err).Fatal("redis unavailable")
	}
	defer kv.Close()

	sealer := crypto.NewSealer(cfg.EncryptionKey, cfg.EncryptionSalt)
	accounts := account.NewStore(kv, sealer)

	table := pricing.NewTable()
	if cfg.PricingFile != "" {
		if err := table.LoadFile(cfg.PricingFile); err != nil {
			log.WithError(err).Warn("pricing_file_load_failed")
		}
		middleware.SafeGo("pricing-watcher", func() {
			if err := table.Watch(ctx, cfg.PricingFile); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("pricing_watcher_stopped")
			}
		})
	}

	hub := events.NewHub()
	subscribeEventTrace(hub)

	sched := scheduler.New(accounts, kv,
		scheduler.WithSessionTTL(cfg.SessionTTL),
		scheduler.WithUnauthorizedThreshold(int64(cfg.UnauthorizedThreshold)),
		scheduler.WithServerErrorThreshold(int64(cfg.ServerErrorThreshold)),
		scheduler.WithPublisher(hub),
	)

	locks := lock.NewCoordinator(kv)
	defer locks.Cleanup()

	refresher := token.NewRefresher(accounts, locks, sched,
		token.WithGoogleCredentials(cfg.GoogleClientID, cfg.GoogleClientSecret),
		token.WithPublisher(hub))

	pm := pool.NewManager(constants.PoolDefaultSize, cfg.ProxyTimeout)
	defer pm.Destroy(constants.PoolDestroyTimeout)
	middleware.SafeGo("pool-events", func() { drainPoolEvents(ctx, pm, hub) })

	keys := apikey.NewService(kv, table, cfg.APIKeySalt, cfg.APIKeyPrefix)
	defer keys.Close()

	recorder := usage.NewRecorder(keys, accounts)
	engine := relay.NewEngine(cfg, accounts, sched, refresher, pm, table, recorder)

	middleware.SafeGo("sweeps", func() { runSweeps(ctx, keys, sched) })

	server := srv.New(cfg, srv.Dependencies{
		Store:    kv,
		Keys:     keys,
		Accounts: accounts,
		Engine:   engine,
		Pricing:  table,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.WithField("signal", s.String()).Info("shutdown_signal_received")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("server_failed")
		}
	}

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown_incomplete")
	}
	log.Info("server_stopped")
}

// runSweeps periodically deactivates expired keys and restores accounts
// whose rate-limit or error-counter windows have elapsed.
func runSweeps(ctx context.Context, keys *apikey.Service, sched *scheduler.Scheduler) {
	ticker := time.NewTicker(constants.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			keys.SweepExpired(ctx)
			sched.Sweep(ctx)
		}
	}
}

// drainPoolEvents surfaces connection health changes in the logs and
// republishes them on the bus.
func drainPoolEvents(ctx context.Context, pm *pool.Manager, hub *events.Hub) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-pm.Events():
			if !ok {
				return
			}
			entry := log.WithFields(log.Fields{
				"account_id": ev.AccountID,
				"conn_id":    ev.ConnID,
			})
			switch ev.Type {
			case pool.EventPoolDegraded:
				entry.Warn("pool_degraded")
			case pool.EventConnBroken:
				entry.Warn("pool_connection_broken")
			default:
				entry.Debug("pool_event")
			}
			hub.Publish(ctx, events.TopicPoolConnection, ev,
				map[string]string{"type": string(ev.Type)})
		}
	}
}

// subscribeEventTrace keeps a debug-level trace of every bus event.
func subscribeEventTrace(hub *events.Hub) {
	trace := func(_ context.Context, ev events.Event) {
		log.WithFields(log.Fields{"topic": ev.Topic, "payload": ev.Payload}).Debug("event_published")
	}
	hub.Subscribe(events.TopicAccountStatusChanged, trace)
	hub.Subscribe(events.TopicTokenRefreshed, trace)
	hub.Subscribe(events.TopicPoolConnection, trace)
}
