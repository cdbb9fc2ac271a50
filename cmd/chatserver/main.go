package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/pitchtalk/chat-server/internal/auth"
	"github.com/pitchtalk/chat-server/internal/ban"
	"github.com/pitchtalk/chat-server/internal/chat"
	"github.com/pitchtalk/chat-server/internal/config"
	"github.com/pitchtalk/chat-server/internal/database"
	"github.com/pitchtalk/chat-server/internal/httpapi"
	"github.com/pitchtalk/chat-server/internal/messaging"
	"github.com/pitchtalk/chat-server/internal/moderation"
	"github.com/pitchtalk/chat-server/internal/protocol"
	"github.com/pitchtalk/chat-server/internal/ratelimit"
	"github.com/pitchtalk/chat-server/internal/report"
	"github.com/pitchtalk/chat-server/internal/session"
	"github.com/pitchtalk/chat-server/internal/user"
	"github.com/pitchtalk/chat-server/internal/ws"
)

func main() {
	cfg, err := config.Load()
	cfg.ConfigureLogging()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if log.GetLevel() < log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- PostgreSQL ---
	if err := database.Migrate(cfg.DatabaseURL); err != nil {
		log.WithError(err).Fatal("database migration failed")
	}
	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to PostgreSQL")
	}
	defer db.Close()

	users := user.NewStore(db)
	if _, err := users.DetectBanSupport(ctx); err != nil {
		log.WithError(err).Warn("ban capability check failed, assuming supported")
	}
	reports := report.NewStore(db)

	// --- Redis (optional) ---
	var (
		presence *session.Store
		limiter  *ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		presence, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, presence and connect limiting disabled")
			presence = nil
		} else {
			defer presence.Close()
			limiter = ratelimit.NewLimiter(presence.Client())
		}
	}

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "pitchtalk-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.WithError(err).Warn("nats unavailable, event feed disabled")
			natsClient = nil
		} else {
			defer natsClient.Close()
		}
	}

	// --- Services ---
	authn := auth.NewAuthenticator(auth.NewTokenManager(cfg.JWTSecret), users)

	var events moderation.EventPublisher
	if natsClient != nil {
		events = natsClient
	}
	var banFlags moderation.UserStore = users
	if presence != nil {
		banFlags = ban.NewCache(presence.Client(), users, ban.FallbackTTL)
	}
	modService := moderation.NewService(banFlags, reports, cfg.AdminEmails, events)

	cooldown := ratelimit.NewCooldown(ratelimit.MessageCooldown)
	go cooldown.Run(ctx, cfg.PruneInterval)

	opts := chat.Options{}
	if natsClient != nil {
		opts.Publisher = natsClient
	}
	if presence != nil {
		opts.Presence = presence
	}
	manager := chat.NewManager(chat.NewRegistry(), cooldown, modService, opts)
	if presence != nil {
		go manager.RunPresence(ctx, session.RefreshInterval)
	}

	// --- WebSocket ---
	dispatcher := ws.NewMessageDispatcher()
	dispatcher.Register(protocol.TypeJoinRoom, func(conn *ws.Connection, msg interface{}) {
		jr, ok := msg.(protocol.JoinRoomMsg)
		if !ok {
			return
		}
		if _, err := manager.JoinRoom(conn.ID, jr.Room); err != nil {
			log.WithField("session", conn.ID).WithError(err).Warn("join_room failed")
		}
	})
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sm, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		_, err := manager.SendMessage(sendCtx, conn.ID, sm.Payload)
		var rej *chat.Rejection
		if err != nil && !errors.As(err, &rej) {
			log.WithField("session", conn.ID).WithError(err).Warn("send_message failed")
		}
	})

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout

	server := ws.NewServer(wsConfig, dispatcher.Dispatch)
	server.SetOnConnect(func(c *ws.Connection, r *http.Request) {
		var ident *user.Identity
		if raw := auth.TokenFromRequest(r); raw != "" {
			ident = authn.Authenticate(r.Context(), raw)
		}
		manager.Connect(c.ID, c, ident)
	})
	server.SetOnDisconnect(manager.Disconnect)

	// --- HTTP ---
	deps := httpapi.Deps{
		Auth:       authn,
		Moderation: modService,
		Rooms:      manager,
		Upgrade:    server.HandleUpgrade,
		Uptime:     server.Uptime,
		CORSOrigin: cfg.CORSOrigin,
	}
	if presence != nil {
		deps.Sessions = presence
	}
	if limiter != nil {
		deps.Limiter = limiter
	}
	router := httpapi.NewRouter(deps)

	log.WithFields(log.Fields{
		"addr":    cfg.ListenAddr,
		"server":  cfg.ServerName,
		"redis":   presence != nil,
		"nats":    natsClient != nil,
		"admins":  len(cfg.AdminEmails),
		"ban_col": users.BanSupported(),
	}).Info("starting chat server")

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(router) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	if ctx.Err() == nil {
		os.Exit(1)
	}
}
