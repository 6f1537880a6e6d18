package main

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"roundtable/internal/config"
	"roundtable/internal/discussion"
	"roundtable/internal/httpapi"
	"roundtable/internal/notify"
	"roundtable/internal/providers"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	registry := buildRegistry(cfg, log.Logger)
	webhookSink := notify.NewSink(cfg.Webhook.Endpoint, log.Logger)

	server := httpapi.NewServer(registry, webhookSink, defaultOptions(cfg), log.Logger)
	mux := http.NewServeMux()
	server.Register(mux)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	log.Info().Str("addr", cfg.Server.Addr).Msg("roundtable listening")
	if err := http.ListenAndServe(cfg.Server.Addr, mux); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

// defaultOptions converts the configured discussion defaults into the
// Options value a start request falls back to when it omits its own
// `options` (spec §6.3).
func defaultOptions(cfg *config.Config) discussion.Options {
	return discussion.Options{
		MaxIterations:            cfg.Discussion.MaxIterations,
		Temperature:              cfg.Discussion.Temperature,
		MaxTokensPerTurn:         cfg.Discussion.MaxTokensPerTurn,
		TurnTimeout:              cfg.Discussion.TurnTimeout(),
		TotalTimeout:             cfg.Discussion.TotalTimeout(),
		RequireBothConsensus:     cfg.Discussion.RequireBothConsensus,
		MinRoundsBeforeConsensus: cfg.Discussion.MinRoundsBeforeConsensus,
	}
}

// buildRegistry wires every enabled provider from cfg into a Registry,
// circuit-breaker wrapped with the default LLM breaker settings and
// rate-limited against the registry's shared per-provider bucket.
func buildRegistry(cfg *config.Config, log zerolog.Logger) *providers.Registry {
	registry := providers.NewRegistry()
	settings := providers.DefaultBreakerSettings()

	if cfg.Providers.Claude.Enabled {
		registry.Register(providers.NewClaudeProvider(cfg.Providers.Claude.CLIPath), settings)
	}
	if cfg.Providers.Gemini.Enabled {
		registry.Register(providers.NewGeminiProvider(cfg.Providers.Gemini.CLIPath), settings)
	}
	if cfg.Providers.GPT.Enabled {
		registry.Register(providers.NewGPTProvider(cfg.Providers.GPT.APIKey, cfg.Providers.GPT.ModelName), settings)
	}
	if cfg.Providers.Grok.Enabled {
		registry.Register(providers.NewGrokProvider(cfg.Providers.Grok.APIKey, cfg.Providers.Grok.ModelName), settings)
	}

	log.Info().Int("count", len(registry.Enabled())).Msg("providers registered")
	return registry
}
