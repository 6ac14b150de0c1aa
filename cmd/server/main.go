package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalith-99/huddle/internal/api"
	"github.com/lalith-99/huddle/internal/calls"
	"github.com/lalith-99/huddle/internal/config"
	"github.com/lalith-99/huddle/internal/conversation"
	"github.com/lalith-99/huddle/internal/db"
	"github.com/lalith-99/huddle/internal/dedup"
	"github.com/lalith-99/huddle/internal/identity"
	"github.com/lalith-99/huddle/internal/media"
	"github.com/lalith-99/huddle/internal/messaging"
	"github.com/lalith-99/huddle/internal/observ"
	"github.com/lalith-99/huddle/internal/realtime"
	"github.com/lalith-99/huddle/internal/repository"
	"github.com/lalith-99/huddle/internal/repository/memory"
	"github.com/lalith-99/huddle/internal/repository/postgres"
	"github.com/lalith-99/huddle/internal/serial"
	"github.com/lalith-99/huddle/internal/ws"
)

const (
	lastSeenTTL     = 30 * 24 * time.Hour
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type stores struct {
	users    repository.UserRepository
	convs    repository.ConversationRepository
	messages repository.MessageRepository
	media    repository.MediaRepository
	ping     repository.Pinger
	close    func()
}

// pingFunc adapts a function to repository.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func run() (err error) {
	// ---------------------------------------------------------------
	// 1. Config and logger
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	// ---------------------------------------------------------------
	// 2. Storage
	// ---------------------------------------------------------------
	st, err := openStores(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}
	defer st.close()

	checks := map[string]repository.Pinger{"storage": st.ping}

	// ---------------------------------------------------------------
	// 3. Redis (optional): shared dedup window and durable last-seen
	// ---------------------------------------------------------------
	var (
		cache    dedup.Cache = dedup.NewLRU(cfg.DedupCapacity, cfg.DedupWindow)
		lastSeen realtime.LastSeenStore
	)
	if cfg.RedisURL != "" {
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			return fmt.Errorf("parse REDIS_URL: %w", perr)
		}
		rdb := redis.NewClient(opts)
		defer func() {
			err = multierr.Append(err, rdb.Close())
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		cache = dedup.NewRedis(rdb, cfg.DedupWindow)
		lastSeen = realtime.NewRedisLastSeen(rdb, lastSeenTTL)
		checks["redis"] = pingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		logger.Info("redis connected", zap.String("addr", opts.Addr))
	} else {
		lastSeen = realtime.NewMemoryLastSeen()
	}

	// ---------------------------------------------------------------
	// 4. Services
	// ---------------------------------------------------------------
	locks := serial.NewKeyedMutex()
	registry := identity.NewRegistry(st.users, st.convs, identity.Options{
		NameCacheSize: cfg.NameCacheSize,
		NameCacheTTL:  cfg.NameCacheTTL,
		EditWindow:    cfg.EditWindow,
		Clock:         clock,
	}, logger)

	presence := realtime.NewPresence(lastSeen, clock, logger)
	hub := realtime.NewHub(cfg.OutboundQueue, presence, logger)
	typing := realtime.NewTypingTracker(hub, clock, cfg.TypingTimeout)

	messages := messaging.NewService(st.convs, st.messages, st.media, registry, locks, cache, hub, messaging.Options{
		PageLimit:    cfg.PageLimit,
		MaxPageLimit: cfg.MaxPageLimit,
		Clock:        clock,
	}, logger)
	conversations := conversation.NewService(st.convs, st.media, registry, locks, messages, hub, clock, logger)

	blobStore, err := media.NewDiskStore(cfg.MediaDir)
	if err != nil {
		return fmt.Errorf("open media dir: %w", err)
	}
	uploads := media.NewService(st.media, blobStore, media.NewPolicy(cfg.AllowedMIME), registry, hub, media.Options{
		MaxBytes: cfg.MaxUploadBytes,
		Timeout:  cfg.UploadTimeout,
		Clock:    clock,
	}, logger)

	callManager := calls.NewManager(registry, hub, clock, cfg.RingTimeout, logger)
	defer callManager.Close()

	// A user whose last session is gone stops typing and loses any
	// upload still in flight.
	hub.OnOffline(func(userID string) {
		typing.StopUser(userID)
		if n := uploads.CancelUser(userID); n > 0 {
			logger.Info("cancelled uploads of offline user", zap.String("user_id", userID), zap.Int("count", n))
		}
	})

	gateway := ws.NewGateway(ws.Deps{
		Hub:           hub,
		Presence:      presence,
		Typing:        typing,
		Registry:      registry,
		Messages:      messages,
		Conversations: conversations,
		Media:         uploads,
		Calls:         callManager,
	}, cfg.JWTSecret, logger)

	// ---------------------------------------------------------------
	// 5. HTTP server
	// ---------------------------------------------------------------
	router := api.NewRouter(api.Handlers{
		Auth:          api.NewAuthHandler(st.users, cfg.JWTSecret, cfg.TokenTTL, logger),
		Users:         api.NewUserHandler(registry, logger),
		Conversations: api.NewConversationHandler(conversations, messages, logger),
		Messages:      api.NewMessageHandler(messages, logger),
		Media:         api.NewMediaHandler(uploads, messages, cfg.MaxUploadBytes, logger),
		Calls:         api.NewCallHandler(callManager, logger),
		Health:        api.NewHealthHandler(checks, logger),
		WebSocket:     gateway.ServeWS,
	}, cfg.JWTSecret, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting huddle",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.String("storage", cfg.Storage),
		zap.Bool("redis", cfg.RedisURL != ""),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Sockets are hijacked connections, so http.Server.Shutdown does
		// not wait for them. Close them first.
		return multierr.Combine(
			gateway.Shutdown(shutdownCtx),
			srv.Shutdown(shutdownCtx),
		)
	})
	return g.Wait()
}

// openStores builds the repositories for cfg.Storage. Postgres runs the
// embedded migrations before anything else touches it.
func openStores(ctx context.Context, cfg *config.Config, clock clockwork.Clock, logger *zap.Logger) (*stores, error) {
	switch cfg.Storage {
	case "postgres":
		database, err := db.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, err
		}
		pool := database.Pool()
		return &stores{
			users:    postgres.NewUserStore(pool),
			convs:    postgres.NewConversationStore(pool),
			messages: postgres.NewMessageStore(pool),
			media:    postgres.NewMediaStore(pool),
			ping:     database,
			close:    database.Close,
		}, nil
	default:
		mem := memory.NewDB(clock)
		logger.Warn("using in-memory storage; data is lost on restart")
		return &stores{
			users:    memory.NewUserStore(mem),
			convs:    memory.NewConversationStore(mem),
			messages: memory.NewMessageStore(mem),
			media:    memory.NewMediaStore(mem),
			ping:     mem,
			close:    func() {},
		}, nil
	}
}
