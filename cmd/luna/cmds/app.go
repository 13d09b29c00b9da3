package cmds

import (
	"context"
	"net/http"
	"time"

	"github.com/go-go-golems/luna/pkg/events"
	"github.com/go-go-golems/luna/pkg/metrics"
	"github.com/go-go-golems/luna/pkg/models"
	"github.com/go-go-golems/luna/pkg/orchestrator"
	"github.com/go-go-golems/luna/pkg/provider"
	"github.com/go-go-golems/luna/pkg/runtimeconfig"
	"github.com/go-go-golems/luna/pkg/settings"
	"github.com/go-go-golems/luna/pkg/store"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// App wires the core together from the launch settings.
type App struct {
	Settings     *settings.Settings
	Catalog      *models.Catalog
	Store        *store.SQLiteChatStore
	Broadcaster  *runtimeconfig.Broadcaster
	Bus          *events.Bus
	Registry     *prometheus.Registry
	Orchestrator *orchestrator.Orchestrator

	metricsServer *http.Server
}

// openStore loads the settings and opens the chat store, for commands that
// need nothing else.
func openStore() (*settings.Settings, *store.SQLiteChatStore, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, nil, err
	}
	path, err := s.DatabasePath()
	if err != nil {
		return nil, nil, err
	}
	dsn, err := store.DSNForFile(path)
	if err != nil {
		return nil, nil, err
	}
	log.Debug().Str("database", path).Msg("opening chat store")
	st, err := store.NewSQLiteChatStore(dsn)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "could not open database %s", path)
	}
	return s, st, nil
}

func NewApp() (*App, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	catalog, err := s.Catalog()
	if err != nil {
		return nil, err
	}
	cfg, err := s.RuntimeConfig(catalog)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	path, err := s.DatabasePath()
	if err != nil {
		return nil, err
	}
	dsn, err := store.DSNForFile(path)
	if err != nil {
		return nil, err
	}
	st, err := store.NewSQLiteChatStore(dsn, store.WithMetrics(m))
	if err != nil {
		return nil, errors.Wrapf(err, "could not open database %s", path)
	}

	p, err := newProvider(s)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	broadcaster := runtimeconfig.NewBroadcaster(cfg)
	broadcaster.Subscribe(runtimeconfig.SubscriberFunc(func(ctx context.Context, c runtimeconfig.Config) {
		log.Info().Str("model", c.SelectedModel().ID).Msg("runtime configuration changed")
	}))

	bus := events.NewBus(events.WithLogger(events.NewWatermillLogger(log.Logger)))

	orch := orchestrator.New(st, catalog, broadcaster, p,
		orchestrator.WithEventSinks(bus),
		orchestrator.WithMetrics(m),
		orchestrator.WithRetryPolicy(s.RetryPolicy()),
	)

	return &App{
		Settings:     s,
		Catalog:      catalog,
		Store:        st,
		Broadcaster:  broadcaster,
		Bus:          bus,
		Registry:     registry,
		Orchestrator: orch,
	}, nil
}

// newProvider routes models to their backend. OpenAI models need an API key;
// without one they fail when used. Ollama models talk to OLLAMA_HOST.
func newProvider(s *settings.Settings) (provider.Provider, error) {
	options := []provider.RouterOption{
		provider.WithProvider(settings.ProviderEcho, provider.NewEchoProvider()),
	}
	if ollama, err := provider.NewOllamaProviderFromEnvironment(); err == nil {
		options = append(options, provider.WithProvider(settings.ProviderOllama, ollama))
	} else {
		log.Debug().Err(err).Msg("ollama models are unavailable")
	}
	if s.OpenAIAPIKey != "" {
		client, err := provider.MakeClient(s.OpenAIAPIKey, s.OpenAIBaseURL)
		if err != nil {
			return nil, err
		}
		options = append(options, provider.WithProvider(settings.ProviderOpenAI, provider.NewOpenAIProvider(client)))
	} else {
		log.Debug().Msg("no openai-api-key set, openai models are unavailable")
	}
	return provider.NewRouter(options...), nil
}

// ServeMetrics exposes the registry on addr until Close.
func (a *App) ServeMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	a.metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
}

func (a *App) Close() {
	a.Orchestrator.Close()
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.metricsServer.Shutdown(ctx)
	}
	if err := a.Bus.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close event bus")
	}
	if err := a.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close chat store")
	}
}
