package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"publication-pipeline/internal/config"
	"publication-pipeline/internal/gateway"
	"publication-pipeline/internal/leader"
	"publication-pipeline/internal/media"
	"publication-pipeline/internal/publisher"
	"publication-pipeline/internal/store"
	"publication-pipeline/internal/telemetry"
)

func main() {
	cfg := config.Load()
	if cfg.Env == "dev" {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	// Health and metrics are served by every instance, leader or not, so an
	// orchestrator never kills a healthy passive replica.
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	router.Mount("/metrics", telemetry.Handler())
	httpServer := &http.Server{Addr: ":" + cfg.PublisherPort, Handler: router}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("listen")
		}
	}()
	logrus.WithField("port", cfg.PublisherPort).Info("publisher listening")

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logrus.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logrus.WithError(err).Fatal("run migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lock := leader.New(redisClient, cfg.LockKey, cfg.LockTTL)

	token, ok := awaitLeadership(ctx, lock, cfg.AcquireInterval)
	if !ok {
		shutdown(httpServer)
		return
	}
	telemetry.LeaderGauge.Set(1)
	logrus.Info("acquired leadership, starting publication cycles")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	hbErr := make(chan error, 1)
	go func() {
		hbErr <- lock.Heartbeat(runCtx, token, cfg.HeartbeatInterval)
	}()

	var mirror publisher.Mirror
	if cfg.MediaS3Bucket != "" {
		m, err := media.NewMirror(ctx, cfg)
		if err != nil {
			logrus.WithError(err).Fatal("init media mirror")
		}
		mirror = m
	}

	pub := publisher.New(st, gateway.New(cfg), mirror)
	go func() {
		if err := pub.Run(runCtx, cfg.PublishInterval); err != nil && !errors.Is(err, context.Canceled) {
			logrus.WithError(err).Error("publication loop stopped")
		}
	}()

	select {
	case <-ctx.Done():
		// Graceful shutdown: stop leader-only work, then release the lock so
		// a standby can take over without waiting for the TTL.
		cancelRun()
		releaseCtx, cancelRelease := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelRelease()
		if _, err := lock.Release(releaseCtx, token); err != nil {
			logrus.WithError(err).Warn("lock release failed")
		}
		telemetry.LeaderGauge.Set(0)
		shutdown(httpServer)
	case err := <-hbErr:
		if errors.Is(err, leader.ErrLockLost) {
			// Fail fast so supervision restarts this instance into a clean
			// election instead of letting it limp along as a false leader.
			logrus.Error("leadership lost, terminating")
			cancelRun()
			shutdown(httpServer)
			os.Exit(1)
		}
		logrus.WithError(err).Info("heartbeat stopped")
		shutdown(httpServer)
	}
}

// awaitLeadership retries acquisition until it succeeds or the context ends.
// Passive instances sit in this loop serving health checks; the TTL expiry of
// a crashed leader is what eventually lets one of them through.
func awaitLeadership(ctx context.Context, lock *leader.Lock, interval time.Duration) (string, bool) {
	for {
		token, acquired, err := lock.Acquire(ctx)
		if err != nil {
			logrus.WithError(err).Error("lock acquisition failed")
		} else if acquired {
			return token, true
		} else {
			logrus.Debug("lock held elsewhere, staying passive")
		}

		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(interval):
		}
	}
}

func shutdown(s *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Shutdown(shutdownCtx)
}
