package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vango-go/vai-relay/internal/dotenv"
	"github.com/vango-go/vai-relay/pkg/relay/agent"
	"github.com/vango-go/vai-relay/pkg/relay/config"
	"github.com/vango-go/vai-relay/pkg/relay/metrics"
	"github.com/vango-go/vai-relay/pkg/relay/notify"
	relayserver "github.com/vango-go/vai-relay/pkg/relay/server"
	"github.com/vango-go/vai-relay/pkg/relay/store"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newAgent     func(context.Context, config.Config) (agent.Streamer, error)
	openStore    func(context.Context, config.Config) (store.Store, error)
	newNotifier  func(config.Config, *slog.Logger) (notify.Publisher, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig:  loadConfig,
		newAgent:    newAgent,
		openStore:   openStore,
		newNotifier: newNotifier,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// loadConfig reads the environment and layers the optional agent profile on
// top of it.
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return config.Config{}, err
	}
	profile, err := config.LoadProfile(cfg.AgentProfilePath)
	if err != nil {
		return config.Config{}, err
	}
	cfg.ApplyProfile(profile)
	return cfg, nil
}

func newAgent(ctx context.Context, cfg config.Config) (agent.Streamer, error) {
	switch cfg.AgentProvider {
	case config.AgentProviderOpenAI:
		return agent.NewOpenAI(agent.OpenAIConfig{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			Model:        cfg.OpenAIModel,
			SystemPrompt: cfg.SystemPrompt,
			MaxTokens:    cfg.OpenAIMaxTokens,
		})
	case config.AgentProviderGemini:
		return agent.NewGemini(ctx, agent.GeminiConfig{
			APIKey:       cfg.GeminiAPIKey,
			Model:        cfg.GeminiModel,
			SystemPrompt: cfg.SystemPrompt,
		})
	default:
		return nil, fmt.Errorf("unsupported agent provider %q", cfg.AgentProvider)
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreNone:
		return nil, nil
	case config.StoreMemory:
		return store.NewMemory(0), nil
	case config.StoreFirestore:
		return store.NewFirestore(ctx, store.FirestoreConfig{
			ProjectID:       cfg.FirestoreProjectID,
			Collection:      cfg.FirestoreCollection,
			CredentialsFile: cfg.FirestoreCredentialsFile,
			CredentialsJSON: cfg.FirestoreCredentialsJSON,
		})
	case config.StorePostgres:
		return store.NewPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported store %q", cfg.StoreBackend)
	}
}

func newNotifier(cfg config.Config, logger *slog.Logger) (notify.Publisher, error) {
	if cfg.NATSURL == "" {
		return nil, nil
	}
	return notify.NewNATS(cfg.NATSURL, cfg.NATSSubject, logger)
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runRelay(ctx context.Context, stderr io.Writer, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newAgent == nil || deps.openStore == nil || deps.newNotifier == nil {
		return errors.New("missing relay dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg)

	a, err := deps.newAgent(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init agent: %w", err)
	}

	st, err := deps.openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if st != nil {
		defer func() {
			if err := st.Close(); err != nil {
				logger.Warn("close store", "error", err)
			}
		}()
	}

	pub, err := deps.newNotifier(cfg, logger)
	if err != nil {
		return fmt.Errorf("connect notifier: %w", err)
	}
	if pub != nil {
		defer pub.Close()
	}

	relay := relayserver.New(cfg, logger, relayserver.Dependencies{
		Agent:    a,
		Metrics:  metrics.New(cfg.MetricsNamespace),
		Store:    st,
		Notifier: pub,
	})
	httpSrv := buildHTTPServer(cfg, relay.Handler())

	logger.Info("starting relay",
		"addr", cfg.Addr,
		"agent_provider", cfg.AgentProvider,
		"store", cfg.StoreBackend,
		"signature_checks", cfg.ValidateTwilioSignature,
		"nats", cfg.NATSURL != "",
		"max_concurrent_calls", cfg.MaxConcurrentCalls,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	relay.SetDraining()
	relay.EndLiveCalls("draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !relay.WaitLiveCalls(waitCtx) {
		relay.CancelLiveCalls()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-relay: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "vai-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
