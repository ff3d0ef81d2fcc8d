// Package server wires the campaign coordination substrate together: the
// durable context store, the message bus, the guarded job pipeline, the
// retention janitor and the operator API.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//	defer srv.Shutdown(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/api"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/api/handlers"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/bus"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/campaign"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/config"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/pipeline"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/resilience"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/retention"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/store"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/telemetry"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

// Server holds the initialized substrate.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Contexts *campaign.Store
	Bus      *bus.Bus
	Pipeline *pipeline.Pipeline

	// Config is the configuration the server was built from.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	backend     store.Backend
	participant *bus.Participant
	stopJanitor context.CancelFunc
	telemetry   func(context.Context) error
}

// New loads configuration from the environment and builds the server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig builds every component from cfg and starts the background
// workers. Call Shutdown to stop them.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	backend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		_ = shutdownTelemetry(ctx)
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info().Str("backend", cfg.Storage.Backend).Msg("✅ Storage backend initialized")

	contexts := campaign.New(backend, campaign.Config{
		CacheSize:         cfg.Context.CacheSize,
		CacheTTL:          cfg.Context.CacheTTL,
		MaxUpdateAttempts: cfg.Context.MaxUpdateAttempts,
	})
	log.Info().Int("cache_size", cfg.Context.CacheSize).Msg("✅ Campaign context store initialized")

	b := bus.New(bus.Config{
		HistorySize:   cfg.Bus.HistorySize,
		QueueGrace:    cfg.Bus.QueueGrace,
		MaxQueueDepth: cfg.Bus.MaxQueueDepth,
	})
	log.Info().Int("history_size", cfg.Bus.HistorySize).Msg("✅ Message bus initialized")

	breakers := resilience.NewBreakerSet(resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	})
	quota := resilience.NewQuotaController("generation", resilience.QuotaConfig{
		DailyLimit: cfg.Quota.DailyLimit,
		UnitCost:   cfg.Quota.UnitCost,
	})
	cache := resilience.NewResultCache(cfg.Pipeline.ResultCacheTTL)

	providers, fallback := buildProviders(cfg.Providers, cfg.Pipeline)
	p := pipeline.New(pipeline.Config{
		Workers:         cfg.Pipeline.Workers,
		MaxRetries:      cfg.Pipeline.MaxRetries,
		ProviderTimeout: cfg.Pipeline.ProviderTimeout,
		RetryDelay:      cfg.Pipeline.RetryDelay,
		DefaultEstimates: map[models.JobKind]time.Duration{
			models.JobKindImage: cfg.Pipeline.ImageEstimate,
			models.JobKindVideo: cfg.Pipeline.VideoEstimate,
		},
	}, pipeline.Deps{
		Providers: providers,
		Fallback:  fallback,
		Cache:     cache,
		Breakers:  breakers,
		Quota:     quota,
		Events:    contexts,
		Notifier:  b,
	})
	if err := p.Start(ctx); err != nil {
		b.Close()
		backend.Close()
		_ = shutdownTelemetry(ctx)
		return nil, fmt.Errorf("start pipeline: %w", err)
	}
	participant, err := pipeline.Join(ctx, b, p)
	if err != nil {
		p.Stop()
		b.Close()
		backend.Close()
		_ = shutdownTelemetry(ctx)
		return nil, fmt.Errorf("join bus: %w", err)
	}

	srv := &Server{
		Contexts:    contexts,
		Bus:         b,
		Pipeline:    p,
		Config:      cfg,
		Port:        cfg.Port,
		backend:     backend,
		participant: participant,
		telemetry:   shutdownTelemetry,
	}

	if cfg.Retention.Enabled {
		opts := retention.Options{
			Interval:     cfg.Retention.Interval,
			JobRetention: cfg.Retention.JobRetention,
			Results:      cache,
			Contexts:     contexts,
			Jobs:         p,
		}
		if cfg.Retention.ArchiveDir != "" {
			opts.Archiver = retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, cfg.Retention.ArchiveCompress)
		}
		janitorCtx, cancel := context.WithCancel(context.Background())
		srv.stopJanitor = cancel
		go retention.NewJanitor(opts).Start(janitorCtx)
	}

	h := handlers.New(contexts, b, p, breakers, quota, cache)
	srv.Handler = api.NewRouter(cfg, h)
	return srv, nil
}

// Shutdown stops background work in dependency order: the janitor, the
// pipeline (so no more outcomes are recorded), the bus, then storage and
// telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopJanitor != nil {
		s.stopJanitor()
	}
	if s.participant != nil {
		_ = s.participant.Stop()
	}
	s.Pipeline.Stop()
	s.Bus.Close()

	var errs []error
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	if err := s.telemetry(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush telemetry: %w", err))
	}
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, cfg config.StorageConfig) (store.Backend, error) {
	kind := store.Kind(cfg.Backend)
	dir := cfg.DataDir
	if dir == "" && (kind == store.KindFile || kind == store.KindBadger) {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		dir = filepath.Join(home, ".campaign-substrate", string(kind))
	}
	return store.Open(ctx, store.Config{
		Kind:          kind,
		DataDir:       dir,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		KeyPrefix:     cfg.KeyPrefix,
	})
}

// buildProviders binds an HTTP provider to every configured endpoint.
func buildProviders(cfg config.ProvidersConfig, pcfg config.PipelineConfig) (map[models.JobKind]pipeline.Provider, pipeline.Provider) {
	providers := make(map[models.JobKind]pipeline.Provider)
	if cfg.ImageEndpoint != "" {
		providers[models.JobKindImage] = pipeline.NewHTTPProvider("image", cfg.ImageEndpoint, cfg.APIKey, pcfg.ProviderTimeout)
	}
	if cfg.VideoEndpoint != "" {
		providers[models.JobKindVideo] = pipeline.NewHTTPProvider("video", cfg.VideoEndpoint, cfg.APIKey, pcfg.ProviderTimeout)
	}
	var fallback pipeline.Provider
	if cfg.FallbackEndpoint != "" {
		fallback = pipeline.NewHTTPProvider("fallback", cfg.FallbackEndpoint, cfg.APIKey, pcfg.ProviderTimeout)
	}

	for kind, prov := range providers {
		log.Info().Str("kind", string(kind)).Str("provider", prov.Name()).Msg("✅ Generation provider bound")
	}
	if len(providers) == 0 && fallback == nil {
		log.Warn().Msg("No generation providers configured; jobs will fail as provider_unavailable")
	}
	return providers, fallback
}
