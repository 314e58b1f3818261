package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-assoc-chat/internal/backend"
	"go-assoc-chat/internal/chat"
	"go-assoc-chat/internal/config"
	"go-assoc-chat/internal/db"
	"go-assoc-chat/internal/logger"
	myMiddleware "go-assoc-chat/internal/middleware"
	"go-assoc-chat/internal/story"
	"go-assoc-chat/internal/timer"
	"go-assoc-chat/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config & Flags
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	addr := flag.String("addr", cfg.Server.Addr, "http service address")
	flag.Parse()

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database (optional)
	var (
		userStore user.Store = user.NewMemoryStore()
		chatStore chat.Store
		storyRepo *story.Repository
		persister story.Persister
	)
	if cfg.DB.DSN != "" {
		database, err := db.NewDatabase(ctx, cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("connect to DB: %w", err)
		}
		defer database.Close()
		log.Info("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(ctx); err != nil {
			return err
		}
		log.Info("✅ Database Schema Initialized")

		userStore = user.NewRepository(database.Conn)
		chatStore = chat.NewRepository(database.Conn)
		storyRepo = story.NewRepository(database.Conn)
		persister = storyRepo
	} else {
		log.Warn("DB_DSN is not set, running memory-only")
	}

	// 3. Connect to Redis (optional)
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rc.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unreachable, fan-out stays local", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			rc.Close()
		} else {
			redisClient = rc
			defer redisClient.Close()
			log.Info("✅ Connected to Redis")
		}
	}

	sched := timer.New(nil)

	// 4. Users & association backend
	userService := user.NewService(userStore, cfg.JWT.Secret, cfg.JWT.TTL)
	userHandler := user.NewHandler(userService)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	backendClient := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token, cfg.Backend.Timeout)
	members := backend.NewMembers(backendClient, backend.DefaultCacheTTL)
	backendHandler := backend.NewHandler(
		members,
		backend.NewCotisations(backendClient, backend.DefaultCacheTTL),
		backend.NewEvents(backendClient, backend.DefaultCacheTTL),
	)

	var lookup chat.MemberLookup = userService
	if cfg.Backend.BaseURL != "" {
		lookup = lookupChain{members, userService}
	}

	// 5. Chat
	hub := chat.NewHub(redisClient)
	chatService := chat.NewService(chat.NewDirectory(lookup, time.Now), hub, chatStore, lookup, sched, chat.Options{
		Mode:           chat.DeliveryMode(cfg.Chat.DeliveryMode),
		DeliveredAfter: cfg.Chat.DeliveredAfter,
		HistoryLimit:   cfg.Chat.HistoryLimit,
	})
	defer chatService.Close()
	if err := chatService.Load(ctx); err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	limiter := myMiddleware.NewRateLimiter(cfg.Chat.SendRPS, cfg.Chat.SendBurst)
	checkOrigin := allowOrigins(cfg.Server.AllowedOrigins)
	chatHandler := chat.NewHandler(ctx, chatService, hub, limiter, checkOrigin)

	// 6. Stories
	storyStore := story.NewStore(sched, cfg.Story.TTL, persister)
	if storyRepo != nil {
		active, err := storyRepo.LoadActive(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("load stories: %w", err)
		}
		storyStore.Load(active)
		log.Info("stories_loaded", zap.Int("count", len(active)))
	}
	storyHandler := story.NewHandler(storyStore, sched, cfg.Story.TickInterval, storyReplier{chatService}, checkOrigin)

	// 7. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		// WebSocket (Real-time)
		r.Get("/ws", chatHandler.ServeWs)
		r.Get("/ws/stories", storyHandler.ServeWs)

		r.Route("/api/conversations", func(r chi.Router) {
			r.Post("/", chatHandler.StartConversation)
			r.Get("/", chatHandler.ListConversations)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/actions", chatHandler.ApplyAction)
				r.Get("/messages", chatHandler.GetChatHistory)
				r.With(limiter.Limit("send")).Post("/messages", chatHandler.SendMessage)
				r.Put("/reply", chatHandler.SetReply)
				r.Post("/read", chatHandler.MarkRead)
				r.Post("/messages/{mid}/reactions", chatHandler.ToggleReaction)
				r.Delete("/messages/{mid}", chatHandler.DeleteMessage)
			})
		})

		r.Route("/api/stories", func(r chi.Router) {
			r.Post("/", storyHandler.Create)
			r.Get("/", storyHandler.Feed)
			r.Get("/{id}", storyHandler.Get)
			r.Post("/{id}/views", storyHandler.RecordView)
			r.Post("/{id}/reactions", storyHandler.React)
			r.With(limiter.Limit("story_reply")).Post("/{id}/replies", storyHandler.Reply)
		})

		r.Route("/api/association", func(r chi.Router) {
			r.Get("/members", backendHandler.ListMembers)
			r.Post("/members", backendHandler.CreateMember)
			r.Put("/members/{id}", backendHandler.UpdateMember)
			r.Delete("/members/{id}", backendHandler.DeleteMember)

			r.Get("/cotisations", backendHandler.ListCotisations)
			r.Get("/cotisations/stats", backendHandler.CotisationStats)
			r.Post("/cotisations", backendHandler.CreateCotisation)
			r.Put("/cotisations/{id}", backendHandler.UpdateCotisation)
			r.Delete("/cotisations/{id}", backendHandler.DeleteCotisation)

			r.Get("/events", backendHandler.ListEvents)
			r.Post("/events", backendHandler.CreateEvent)
			r.Put("/events/{id}", backendHandler.UpdateEvent)
			r.Delete("/events/{id}", backendHandler.DeleteEvent)
		})
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 8. Start the engines
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if redisClient != nil {
		g.Go(func() error { return hub.SubscribeToRedis(gctx) })
	}
	g.Go(func() error { return storyStore.RunJanitor(gctx, cfg.Story.PruneInterval) })
	g.Go(func() error { return limiter.Run(gctx, time.Minute) })
	g.Go(func() error {
		log.Info("🚀 Server starting", zap.String("addr", *addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// lookupChain asks each lookup in turn and returns the first name found.
type lookupChain []chat.MemberLookup

func (c lookupChain) MemberName(ctx context.Context, id string) (string, error) {
	var errs []error
	for _, l := range c {
		name, err := l.MemberName(ctx, id)
		if err == nil && name != "" {
			return name, nil
		}
		errs = append(errs, err)
	}
	return "", errors.Join(errs...)
}

// storyReplier delivers story replies as private chat messages.
type storyReplier struct {
	chat *chat.Service
}

func (s storyReplier) ReplyToStory(ctx context.Context, fromID string, st story.Story, text string) error {
	_, err := s.chat.SendPrivate(ctx, fromID, st.UserID, chat.Draft{Content: "↩ " + text})
	return err
}

func allowOrigins(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}
