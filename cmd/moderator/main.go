package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/pitchtalk/chat-server/internal/config"
	"github.com/pitchtalk/chat-server/internal/messaging"
	"github.com/pitchtalk/chat-server/internal/metrics"
	"github.com/pitchtalk/chat-server/internal/moderation"
)

func main() {
	cfg, err := config.LoadAudit()
	cfg.Logging().ConfigureLogging()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis keeps the audit trail when configured.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.WithError(err).Warn("redis unavailable, audit trail disabled")
			rdb.Close()
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "pitchtalk-moderator"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to NATS")
	}
	defer natsClient.Close()

	auditor := moderation.NewAuditor(rdb, cfg.AuditLen)
	err = natsClient.SubscribeModerationEvents(func(data []byte) {
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := auditor.Handle(hctx, data); err != nil {
			log.WithField("component", "audit").WithError(err).Warn("event dropped")
		}
	})
	if err != nil {
		log.WithError(err).Fatal("failed to subscribe to moderation events")
	}
	err = natsClient.SubscribeRoomMessages(func(room string, data []byte) {
		if _, err := auditor.HandleRoomMessage(room, data); err != nil && !errors.Is(err, moderation.ErrUncensored) {
			log.WithFields(log.Fields{"component": "audit", "room": room}).WithError(err).Debug("room message skipped")
		}
	})
	if err != nil {
		log.WithError(err).Fatal("failed to subscribe to room messages")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	log.WithFields(log.Fields{
		"nats":      cfg.NATSURL,
		"redis":     rdb != nil,
		"metrics":   cfg.MetricsAddr,
		"audit_len": cfg.AuditLen,
	}).Info("moderation audit consumer running")

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
