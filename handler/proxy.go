package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/orchestrate-ai/gateway/backend"
	"github.com/orchestrate-ai/gateway/budget"
	"github.com/orchestrate-ai/gateway/middleware"
	"github.com/orchestrate-ai/gateway/orchestrator"
	"github.com/orchestrate-ai/gateway/routing"
	"github.com/orchestrate-ai/gateway/workflow"
)

// ChatHandler serves the chat, search, and research endpoints, decoding
// each wire shape into an orchestrator.Request and translating the
// orchestrator's response back to the documented JSON/SSE shape.
type ChatHandler struct {
	logger zerolog.Logger
	orch   *orchestrator.Orchestrator
}

func NewChatHandler(logger zerolog.Logger, orch *orchestrator.Orchestrator) *ChatHandler {
	return &ChatHandler{logger: logger, orch: orch}
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type requestConstraints struct {
	MaxCostPerUnit float64 `json:"max_cost_per_unit"`
	MinQuality     float64 `json:"min_quality"`
	MaxLatencyMS   int     `json:"max_latency_ms"`
}

func (c requestConstraints) toRouting() routing.Constraints {
	return routing.Constraints{
		MaxCostPerUnit: c.MaxCostPerUnit,
		MinQuality:     c.MinQuality,
		MaxLatencyMS:   c.MaxLatencyMS,
	}
}

type chatRequestBody struct {
	Message     string             `json:"message"`
	SessionID   string             `json:"session_id"`
	History     []historyMessage   `json:"history,omitempty"`
	Constraints requestConstraints `json:"constraints,omitempty"`
	ThumbsUp    *bool              `json:"thumbs_up,omitempty"`
}

func (b chatRequestBody) toMessages() []backend.ChatMessage {
	out := make([]backend.ChatMessage, 0, len(b.History))
	for _, m := range b.History {
		out = append(out, backend.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

type chatResponseBody struct {
	Answer        string   `json:"answer"`
	ModelsUsed    []string `json:"models_used"`
	Cost          float64  `json:"cost"`
	CacheHit      bool     `json:"cache_hit"`
	LatencyMS     int64    `json:"latency_ms"`
	CorrelationID string   `json:"correlation_id"`
}

// Complete serves POST /chat/complete.
func (h *ChatHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}

	req := orchestrator.Request{
		TaskType:    "chat",
		UserID:      userIdentifier(r, body.SessionID),
		Query:       body.Message,
		Messages:    body.toMessages(),
		Constraints: body.Constraints.toRouting(),
		ThumbsUp:    body.ThumbsUp,
	}

	resp, err := h.orch.Handle(r.Context(), req)
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}

	models := []string{}
	if !resp.CacheHit && resp.Model != "" {
		models = append(models, resp.Model)
	}
	writeJSON(w, http.StatusOK, chatResponseBody{
		Answer:        resp.Answer,
		ModelsUsed:    models,
		Cost:          resp.CostUSD,
		CacheHit:      resp.CacheHit,
		LatencyMS:     resp.LatencyMS,
		CorrelationID: resp.RequestID,
	})
}

type streamFrame struct {
	Delta   string      `json:"delta,omitempty"`
	Done    bool        `json:"done"`
	Summary *streamTail `json:"summary,omitempty"`
}

type streamTail struct {
	ModelsUsed    []string `json:"models_used"`
	Cost          float64  `json:"cost"`
	CacheHit      bool     `json:"cache_hit"`
	LatencyMS     int64    `json:"latency_ms"`
	CorrelationID string   `json:"correlation_id"`
}

// Stream serves POST /chat/stream. Chunks are delivered strictly in
// production order; the final summary frame is always last, even if the
// client disconnects mid-stream. On a disconnect the orchestrator refunds
// the budget reservation and skips both the bandit update and the cache write.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	req := orchestrator.Request{
		TaskType:    "chat",
		UserID:      userIdentifier(r, body.SessionID),
		Query:       body.Message,
		Messages:    body.toMessages(),
		Constraints: body.Constraints.toRouting(),
		ThumbsUp:    body.ThumbsUp,
	}

	clientGone := r.Context().Done()
	sink := func(chunk workflow.Chunk) error {
		frame := streamFrame{Delta: chunk.Delta, Done: chunk.Done}
		if err := writeSSEFrame(w, frame); err != nil {
			return err
		}
		flusher.Flush()
		select {
		case <-clientGone:
			return context.Canceled
		default:
			return nil
		}
	}

	result, err := h.orch.HandleStream(r.Context(), req, sink)
	if err != nil {
		h.logger.Warn().Err(err).Str("session_id", body.SessionID).Msg("stream request failed")
		_ = writeSSEFrame(w, streamFrame{Done: true, Summary: &streamTail{CorrelationID: ""}})
		flusher.Flush()
		return
	}

	models := []string{}
	if !result.CacheHit && result.Model != "" {
		models = append(models, result.Model)
	}
	_ = writeSSEFrame(w, streamFrame{
		Done: true,
		Summary: &streamTail{
			ModelsUsed:    models,
			Cost:          result.CostUSD,
			CacheHit:      result.CacheHit,
			LatencyMS:     result.LatencyMS,
			CorrelationID: result.RequestID,
		},
	})
	flusher.Flush()
}

func writeSSEFrame(w http.ResponseWriter, frame streamFrame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

type searchRequestBody struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

type searchResult struct {
	Snippet string `json:"snippet"`
}

type searchResponseBody struct {
	Results       []searchResult `json:"results"`
	CorrelationID string         `json:"correlation_id"`
	LatencyMS     int64          `json:"latency_ms"`
}

// Search serves POST /search/basic. Live web retrieval is an external
// collaborator this gateway doesn't implement; the search graph still
// runs end to end, synthesizing from whatever the wired SearchProvider
// returns (empty, until one is configured).
func (h *ChatHandler) Search(w http.ResponseWriter, r *http.Request) {
	var body searchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}

	resp, err := h.orch.Handle(r.Context(), orchestrator.Request{
		TaskType: "search",
		UserID:   userIdentifier(r, ""),
		Query:    body.Query,
	})
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, searchResponseBody{
		Results:       []searchResult{{Snippet: resp.Answer}},
		CorrelationID: resp.RequestID,
		LatencyMS:     resp.LatencyMS,
	})
}

type researchRequestBody struct {
	ResearchQuestion string `json:"research_question"`
	Depth            int    `json:"depth,omitempty"`
}

type researchResponseBody struct {
	Synthesis     string   `json:"synthesis"`
	Citations     []string `json:"citations"`
	Degraded      bool     `json:"degraded"`
	CorrelationID string   `json:"correlation_id"`
	LatencyMS     int64    `json:"latency_ms"`
}

// DeepDive serves POST /research/deep-dive. The critic loop bound (S5) is
// enforced inside the research graph itself; a critic that never approves
// still yields a best-so-far answer with Degraded set, not an error.
func (h *ChatHandler) DeepDive(w http.ResponseWriter, r *http.Request) {
	var body researchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if strings.TrimSpace(body.ResearchQuestion) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "research_question is required")
		return
	}

	resp, err := h.orch.Handle(r.Context(), orchestrator.Request{
		TaskType: "research",
		UserID:   userIdentifier(r, ""),
		Query:    body.ResearchQuestion,
	})
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, researchResponseBody{
		Synthesis:     resp.Answer,
		Citations:     []string{},
		Degraded:      resp.Degraded,
		CorrelationID: resp.RequestID,
		LatencyMS:     resp.LatencyMS,
	})
}

func (h *ChatHandler) writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, budget.ErrBudgetExceeded):
		writeError(w, http.StatusPaymentRequired, "BUDGET_EXCEEDED", err.Error())
	case strings.Contains(err.Error(), "no graph wired"):
		writeError(w, http.StatusBadRequest, "invalid_task_type", err.Error())
	default:
		h.logger.Error().Err(err).Msg("orchestrator request failed")
		writeError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "request could not be completed")
	}
}

// userIdentifier resolves the per-user budget/rate-limit identity: the
// authenticated API key if present, else the caller-supplied session id.
func userIdentifier(r *http.Request, sessionID string) string {
	if key := GetAPIKeyFromRequest(r); key != "" {
		return key
	}
	if sessionID != "" {
		return sessionID
	}
	return r.RemoteAddr
}

// GetAPIKeyFromRequest extracts the resolved API key from context, falling
// back to a direct Authorization header read for handlers invoked outside
// the auth middleware (e.g. in tests).
func GetAPIKeyFromRequest(r *http.Request) string {
	apiKey := middleware.GetAPIKey(r.Context())
	if apiKey != "" {
		return apiKey
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return auth[7:]
	}
	return auth
}
