// Package server is the public entry point for assembling the Cupo
// reservation engine.
//
// It lives in pkg/ (not internal/) so transport binaries — the bundled
// HTTP server, a WhatsApp gateway, a test harness — can import it and
// compose the fully wired engine behind their own surface.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/cupobot/cupobot/engine/internal/api"
	"github.com/cupobot/cupobot/engine/internal/api/handlers"
	"github.com/cupobot/cupobot/engine/internal/breaker"
	"github.com/cupobot/cupobot/engine/internal/catalog"
	"github.com/cupobot/cupobot/engine/internal/config"
	"github.com/cupobot/cupobot/engine/internal/dateutil"
	"github.com/cupobot/cupobot/engine/internal/engine"
	"github.com/cupobot/cupobot/engine/internal/entities"
	"github.com/cupobot/cupobot/engine/internal/flow"
	"github.com/cupobot/cupobot/engine/internal/intent"
	"github.com/cupobot/cupobot/engine/internal/llm"
	"github.com/cupobot/cupobot/engine/internal/metrics"
	"github.com/cupobot/cupobot/engine/internal/normalizer"
	"github.com/cupobot/cupobot/engine/internal/notify"
	"github.com/cupobot/cupobot/engine/internal/payment"
	"github.com/cupobot/cupobot/engine/internal/resolver"
	"github.com/cupobot/cupobot/engine/internal/retention"
	"github.com/cupobot/cupobot/engine/internal/sessions"
	"github.com/cupobot/cupobot/engine/internal/stock"
	"github.com/cupobot/cupobot/engine/internal/store"
	"github.com/cupobot/cupobot/engine/internal/telemetry"
	"github.com/cupobot/cupobot/engine/pkg/contracts"
)

// The engine satisfies the public service interfaces.
var (
	_ contracts.BotService       = (*engine.Engine)(nil)
	_ contracts.WebhookProcessor = (*flow.Service)(nil)
)

// Server holds the initialized reservation engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the datastore (in-memory unless DATABASE_URL is set).
	Store contracts.Store

	// Sessions is the conversation context store.
	Sessions contracts.SessionStore

	// Engine handles inbound messages; exposed so a transport binary
	// can bypass HTTP and call it directly.
	Engine *engine.Engine

	// Janitor sweeps abandoned flows; the caller starts it.
	Janitor *retention.Janitor

	// Config is the resolved configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry and stops background loops.
	// Call it on graceful shutdown, after the HTTP server drains.
	ShutdownFunc func(context.Context) error
}

// New initializes the engine from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	shutdowns := []func(context.Context) error{telemetryShutdown}

	// Datastore: Postgres when configured, snapshot-backed memory otherwise.
	var dataStore store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("open datastore: %w", err)
		}
		dataStore = pg
		log.Info().Msg("postgres store initialized")
	} else {
		dataStore = store.NewMemoryStore(cfg.Database.SnapshotPath)
		log.Info().Str("snapshot", cfg.Database.SnapshotPath).Msg("in-memory store initialized")
	}

	if cfg.SeedDemo {
		seedDemoTenants(ctx, dataStore)
	}

	// Conversation context store: Redis when configured.
	var sess sessions.Store
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if cfg.Redis.DB != 0 {
			opts.DB = cfg.Redis.DB
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		shutdowns = append(shutdowns, func(context.Context) error { return client.Close() })
		sess = sessions.NewRedis(client, cfg.Flow.ContextTTL)
		log.Info().Msg("redis context store initialized")
	} else {
		mem := sessions.NewMemory(cfg.Flow.ContextTTL)
		shutdowns = append(shutdowns, func(context.Context) error { mem.Close(); return nil })
		sess = mem
		log.Info().Dur("ttl", cfg.Flow.ContextTTL).Msg("in-process context store initialized")
	}

	days, err := dateutil.New(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}

	m := metrics.New()
	res := resolver.New()

	notifier := notify.NewNotifier(notify.LogSink{})
	if cfg.Notify.WebhookURL != "" {
		notifier.RegisterSink(notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret))
	}

	stk := stock.NewService(dataStore, notifier, m, cfg.Flow.StockDeadline)
	pay := payment.NewService(dataStore, cfg.Payment, cfg.Breaker, m)

	fl := flow.NewService(flow.Deps{
		Store:    dataStore,
		Stock:    stk,
		Payments: pay,
		Resolver: res,
		Sessions: sess,
		Metrics:  m,
		Days:     days,
	}, cfg.Flow.RetryBudget)

	// Tier 3 needs a model; without one the cascade stops at Tier 2.
	var classifier *llm.Classifier
	if cfg.LLM.Model != "" {
		brk := breaker.New(cfg.Breaker.Failures, cfg.Breaker.Timeout, cfg.Breaker.Probes)
		classifier = llm.New(llm.Options{
			Provider:    cfg.LLM.Provider,
			Endpoint:    cfg.LLM.Endpoint,
			Model:       cfg.LLM.Model,
			APIKey:      cfg.LLM.APIKey,
			Deadline:    cfg.LLM.Deadline,
			MaxInflight: cfg.LLM.MaxInflight,
		}, brk)
		log.Info().Str("provider", cfg.LLM.Provider).Str("model", cfg.LLM.Model).Msg("tier-3 classifier initialized")
	} else {
		log.Warn().Msg("LLM_MODEL not set; tier 3 disabled, cascade falls back to keyword/similarity")
	}

	eng := engine.New(engine.Deps{
		Store:      dataStore,
		Sessions:   sess,
		Gate:       sessions.NewGate(0),
		Normalizer: normalizer.New(),
		Entities:   entities.New(days),
		Intents:    intent.New(),
		Classifier: classifier,
		Flow:       fl,
		Resolver:   res,
		Metrics:    m,
		Days:       days,
	}, cfg.Flow.MessageDeadline)

	jan := retention.NewJanitor(dataStore, sess, fl, cfg.Flow.ContextTTL, 0)

	h := handlers.New(dataStore, eng, fl, stk, sess, m)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:  router,
		Store:    dataStore,
		Sessions: sess,
		Engine:   eng,
		Janitor:  jan,
		Config:   cfg,
		Port:     cfg.Port,
		ShutdownFunc: func(ctx context.Context) error {
			var firstErr error
			for _, fn := range shutdowns {
				if err := fn(ctx); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	}, nil
}

// seedDemoTenants provisions the global keyword set and the demo
// companies. Seed IDs are fixed, so a tenant that already exists is
// left untouched and a restart never duplicates rows.
func seedDemoTenants(ctx context.Context, s store.Store) {
	if err := s.ReplaceSystemKeywords(ctx, catalog.SystemKeywords()); err != nil {
		log.Warn().Err(err).Msg("failed to seed system keywords")
	}
	for _, seed := range catalog.DemoSeeds() {
		if _, err := s.GetCompany(ctx, seed.Company.ID); err == nil {
			continue
		}
		if err := applySeed(ctx, s, seed); err != nil {
			log.Warn().Err(err).Str("company", seed.Company.Name).Msg("failed to seed demo tenant")
			continue
		}
		log.Info().Str("company", seed.Company.Name).Msg("demo tenant seeded")
	}
}

func applySeed(ctx context.Context, s store.Store, seed *catalog.Seed) error {
	if err := s.CreateCompany(ctx, &seed.Company); err != nil {
		return fmt.Errorf("company: %w", err)
	}
	for i := range seed.Products {
		if err := s.CreateProduct(ctx, &seed.Products[i]); err != nil {
			return fmt.Errorf("product %s: %w", seed.Products[i].Name, err)
		}
	}
	for i := range seed.Intentions {
		if err := s.CreateIntention(ctx, &seed.Intentions[i]); err != nil {
			return fmt.Errorf("intention %s: %w", seed.Intentions[i].Name, err)
		}
	}
	for i := range seed.Patterns {
		if err := s.CreatePattern(ctx, &seed.Patterns[i]); err != nil {
			return fmt.Errorf("pattern %s: %w", seed.Patterns[i].Pattern, err)
		}
	}
	for i := range seed.Examples {
		if err := s.CreateExample(ctx, &seed.Examples[i]); err != nil {
			return fmt.Errorf("example: %w", err)
		}
	}
	for i := range seed.ServiceKeywords {
		if err := s.CreateServiceKeyword(ctx, &seed.ServiceKeywords[i]); err != nil {
			return fmt.Errorf("service keyword %s: %w", seed.ServiceKeywords[i].Keyword, err)
		}
	}
	return nil
}
