// Package httpapi is the thin HTTP glue for starting a discussion and
// streaming its events back as Server-Sent-Events: request validation
// (spec §6.3) plus the SSE response (spec §6.2). Routing, auth, and
// everything else a full HTTP surface would need stay out of scope —
// this is one handler. Grounded on the teacher's internal/voice/
// intents.go Manager: an http.ServeMux-free struct holding the
// registry, a method-checked handler per route, and JSON request/
// response bodies; generalized from the voice control command/status
// vocabulary to a single start-and-stream operation.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"roundtable/internal/discussion"
	"roundtable/internal/eventbus"
	"roundtable/internal/notify"
	"roundtable/internal/orchestrator"
	"roundtable/internal/providers"
	"roundtable/internal/sse"
	"roundtable/internal/telemetry"
)

// Server holds the dependencies every discussion run needs. One Server
// serves any number of concurrent discussions; each gets its own
// Event Bus and Orchestrator so they don't serialize against each
// other.
type Server struct {
	registry       *providers.Registry
	webhookSink    *notify.Sink
	telemetry      *telemetry.Sink
	defaultOptions discussion.Options
	log            zerolog.Logger
}

// NewServer returns a Server ready to register against a mux, logging
// through log. A start request that omits `options` falls back to
// defaultOptions.
func NewServer(registry *providers.Registry, webhookSink *notify.Sink, defaultOptions discussion.Options, log zerolog.Logger) *Server {
	return &Server{
		registry:       registry,
		webhookSink:    webhookSink,
		telemetry:      telemetry.NewSink(),
		defaultOptions: defaultOptions,
		log:            log.With().Str("component", "httpapi").Logger(),
	}
}

// Register attaches the server's routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/discussions", s.handleStart)
}

// modelRefRequest mirrors discussion.ModelRef for request decoding;
// displayName is optional and defaults to modelId.
type modelRefRequest struct {
	ModelID     string `json:"modelId"`
	ProviderID  string `json:"providerId"`
	DisplayName string `json:"displayName,omitempty"`
}

// partialOptions carries only the option fields a caller chose to
// override (spec §6.3 "options?: partial-of-options"); omitted (nil)
// fields fall back to the default Options the Server was built with.
type partialOptions struct {
	MaxIterations            *int     `json:"maxIterations,omitempty"`
	Temperature              *float64 `json:"temperature,omitempty"`
	MaxTokensPerTurn         *int     `json:"maxTokensPerTurn,omitempty"`
	TurnTimeoutSeconds       *int     `json:"turnTimeoutSeconds,omitempty"`
	TotalTimeoutSeconds      *int     `json:"totalTimeoutSeconds,omitempty"`
	RequireBothConsensus     *bool    `json:"requireBothConsensus,omitempty"`
	MinRoundsBeforeConsensus *int     `json:"minRoundsBeforeConsensus,omitempty"`
}

type startRequest struct {
	Prompt  string          `json:"prompt"`
	ModelA  modelRefRequest `json:"modelA"`
	ModelB  modelRefRequest `json:"modelB"`
	Options *partialOptions `json:"options,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message})
}

// handleStart validates the start request synchronously; on success it
// switches the same response to an SSE stream and runs the discussion
// to completion, writing each event as the orchestrator emits it (spec
// §6.3: "Validation errors produce a synchronous non-stream 4xx
// response; all subsequent failures are reported as SSE
// discussion-error events").
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	cfg, err := s.buildConfig(req)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	providerA := s.registry.Get(cfg.ParticipantA.ProviderID)
	providerB := s.registry.Get(cfg.ParticipantB.ProviderID)
	if providerA == nil {
		writeJSONError(w, http.StatusBadRequest, "unknown providerId: "+cfg.ParticipantA.ProviderID)
		return
	}
	if providerB == nil {
		writeJSONError(w, http.StatusBadRequest, "unknown providerId: "+cfg.ParticipantB.ProviderID)
		return
	}

	stream, err := sse.NewStream(w, s.log)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	bus := eventbus.New(s.log)
	unsubSSE := bus.Subscribe(func(event discussion.Event) {
		if sendErr := stream.Send(event); sendErr != nil {
			stream.LogDropped(event.DiscussionID, sendErr)
		}
	})
	defer unsubSSE()

	if s.webhookSink != nil {
		unsubWebhook := s.webhookSink.Attach(bus)
		defer unsubWebhook()
	}
	unsubTelemetry := s.telemetry.Attach(bus)
	defer unsubTelemetry()

	keepAliveCtx, cancelKeepAlive := context.WithCancel(r.Context())
	defer cancelKeepAlive()
	go stream.KeepAlive(keepAliveCtx)

	orch := orchestrator.New(s.registry, bus, s.log)
	_, _ = orch.Run(r.Context(), cfg)

	select {
	case <-stream.Done():
	case <-time.After(5 * time.Second):
	}
}

func (s *Server) buildConfig(req startRequest) (discussion.Config, error) {
	options := s.defaultOptions
	if req.Options != nil {
		applyPartialOptions(&options, req.Options)
	}

	cfg := discussion.Config{
		Prompt: req.Prompt,
		ParticipantA: discussion.Participant{
			Role:        discussion.RoleA,
			ModelID:     req.ModelA.ModelID,
			ProviderID:  req.ModelA.ProviderID,
			DisplayName: displayNameOrDefault(req.ModelA),
		},
		ParticipantB: discussion.Participant{
			Role:        discussion.RoleB,
			ModelID:     req.ModelB.ModelID,
			ProviderID:  req.ModelB.ProviderID,
			DisplayName: displayNameOrDefault(req.ModelB),
		},
		Options: options,
	}

	if err := cfg.Validate(); err != nil {
		return discussion.Config{}, err
	}
	return cfg, nil
}

func displayNameOrDefault(ref modelRefRequest) string {
	if ref.DisplayName != "" {
		return ref.DisplayName
	}
	return ref.ModelID
}

func applyPartialOptions(dst *discussion.Options, src *partialOptions) {
	if src.MaxIterations != nil {
		dst.MaxIterations = *src.MaxIterations
	}
	if src.Temperature != nil {
		dst.Temperature = *src.Temperature
	}
	if src.MaxTokensPerTurn != nil {
		dst.MaxTokensPerTurn = *src.MaxTokensPerTurn
	}
	if src.TurnTimeoutSeconds != nil {
		dst.TurnTimeout = time.Duration(*src.TurnTimeoutSeconds) * time.Second
	}
	if src.TotalTimeoutSeconds != nil {
		dst.TotalTimeout = time.Duration(*src.TotalTimeoutSeconds) * time.Second
	}
	if src.RequireBothConsensus != nil {
		dst.RequireBothConsensus = *src.RequireBothConsensus
	}
	if src.MinRoundsBeforeConsensus != nil {
		dst.MinRoundsBeforeConsensus = *src.MinRoundsBeforeConsensus
	}
}
