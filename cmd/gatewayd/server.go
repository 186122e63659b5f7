package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/aerochat-ai/gateway"
	"github.com/aerochat-ai/gateway/internal/auth"
	"github.com/aerochat-ai/gateway/internal/metrics"
	"github.com/aerochat-ai/gateway/internal/ratelimit"
	"github.com/aerochat-ai/gateway/internal/session"
	"github.com/aerochat-ai/gateway/providers"
)

// server holds the wired dependencies the HTTP handlers close over.
type server struct {
	gw         *gateway.Gateway
	limiter    ratelimit.Store // nil when rate limiting is disabled
	limits     ratelimit.Limits
	sessions   session.Store
	sessionTTL time.Duration
}

// chatRequest is the wire shape of POST /chat and /chat/stream.
type chatRequest struct {
	Agent     string              `json:"agent"`
	Messages  []providers.Message `json:"messages"`
	Config    providers.GenConfig `json:"config"`
	SessionID string              `json:"session_id,omitempty"`
}

// chatResponse adds the session identifier the caller should echo on its
// next turn (spec §6 "returns a GenerationResponse-shaped body plus
// session_id") to the canonical generation response.
type chatResponse struct {
	providers.GenerationResponse
	SessionID string `json:"session_id,omitempty"`
}

// sessionState is the JSON shape persisted in a session.Record's opaque
// state blob: the turn history accumulated so far.
type sessionState struct {
	Messages []providers.Message `json:"messages"`
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, providers.ErrInvalidRequest, err.Error())
		return
	}

	sessionID, history, err := s.resolveSession(r.Context(), req.SessionID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, providers.ErrUnavailable, err.Error())
		return
	}
	messages := append(history, req.Messages...)

	start := time.Now()
	resp, err := s.gw.Generate(r.Context(), req.Agent, providers.GenerationRequest{
		Messages: messages,
		Config:   req.Config,
	})
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	metrics.RequestsTotal.WithLabelValues(resp.Provider, resp.Model, "success").Inc()
	metrics.RequestDuration.WithLabelValues(resp.Provider, resp.Model).Observe(time.Since(start).Seconds())
	metrics.TokensInput.WithLabelValues(resp.Provider, resp.Model).Add(float64(resp.Usage.InputTokens))
	metrics.TokensOutput.WithLabelValues(resp.Provider, resp.Model).Add(float64(resp.Usage.OutputTokens))

	s.saveSession(r.Context(), sessionID, messages, resp.Content)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(chatResponse{GenerationResponse: *resp, SessionID: sessionID})
}

func (s *server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, providers.ErrInvalidRequest, err.Error())
		return
	}

	sessionID, history, err := s.resolveSession(r.Context(), req.SessionID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, providers.ErrUnavailable, err.Error())
		return
	}
	messages := append(history, req.Messages...)

	ch, err := s.gw.GenerateStream(r.Context(), req.Agent, providers.GenerationRequest{
		Messages: messages,
		Config:   req.Config,
	})
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if sessionID != "" {
		w.Header().Set("X-Session-Id", sessionID)
	}
	flusher, _ := w.(http.Flusher)

	var reply string
	var sawErr bool
	for chunk := range ch {
		data, _ := json.Marshal(chunk)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
		if chunk.Err != nil {
			sawErr = true
		} else {
			reply += chunk.Delta
		}
		if chunk.IsTerminal() {
			break
		}
	}
	_, _ = fmt.Fprint(w, "data: "+providers.SSEDone+"\n\n")
	if flusher != nil {
		flusher.Flush()
	}

	// Cancellation or a terminal error must not write a partial session
	// update (spec §4.5 "Cancellation").
	if !sawErr && r.Context().Err() == nil {
		s.saveSession(r.Context(), sessionID, messages, reply)
	}
}

// resolveSession loads the prior turn history for sessionID, minting a
// fresh opaque identifier when the caller omitted one and a session store
// is configured. It returns ("", nil, nil) when sessions are disabled.
func (s *server) resolveSession(ctx context.Context, sessionID string) (string, []providers.Message, error) {
	if s.sessions == nil {
		return "", nil, nil
	}
	if sessionID == "" {
		return newSessionID(), nil, nil
	}

	rec, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return sessionID, nil, nil
		}
		return "", nil, err
	}
	identity, _ := auth.FromContext(ctx)
	if identity.TenantID != "" && rec.TenantID != identity.TenantID {
		// Different tenant: spec §3 "Session state is observable only by
		// callers presenting the same tenant identity" — treat as fresh.
		return sessionID, nil, nil
	}
	var st sessionState
	if err := json.Unmarshal(rec.State, &st); err != nil {
		return sessionID, nil, nil
	}
	return sessionID, st.Messages, nil
}

// saveSession persists the turn history plus the model's reply under
// sessionID, stamping the caller's tenant identity (spec §4.5 "Security").
func (s *server) saveSession(ctx context.Context, sessionID string, messages []providers.Message, reply string) {
	if s.sessions == nil || sessionID == "" {
		return
	}
	identity, _ := auth.FromContext(ctx)
	full := append(append([]providers.Message{}, messages...), providers.Message{Role: providers.RoleAssistant, Content: reply})
	state, err := json.Marshal(sessionState{Messages: full})
	if err != nil {
		return
	}
	ttl := s.sessionTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	_ = s.sessions.Save(ctx, sessionID, identity.TenantID, state, ttl)
}

// newSessionID mints an opaque, unguessable session identifier (spec §4.5
// "Security").
func newSessionID() string {
	return uuid.NewString()
}

func (s *server) writeGatewayError(w http.ResponseWriter, err error) {
	ge, ok := providers.AsGatewayError(err)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, providers.ErrUnavailable, err.Error())
		return
	}
	metrics.ProviderErrors.WithLabelValues(ge.Provider, string(ge.Kind)).Inc()
	status := statusForKind(ge.Kind)
	switch {
	case ge.Kind == providers.ErrRateLimited && ge.RetryAfter > 0:
		w.Header().Set("Retry-After", strconv.Itoa(ge.RetryAfter))
	case ge.Kind == providers.ErrNoProviderAvailable:
		// spec §7: "no_provider_available → 503 with Retry-After"; the
		// candidate list is exhausted, so there's no back-end-supplied
		// value to forward — advise a short, fixed retry window.
		retryAfter := ge.RetryAfter
		if retryAfter <= 0 {
			retryAfter = 5
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	writeJSONError(w, status, ge.Kind, ge.Message)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeJSONError(w, http.StatusNotImplemented, providers.ErrConfiguration, "session store not configured")
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := s.sessions.Load(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, providers.ErrModelNotFound, "session not found")
		return
	}
	identity, _ := auth.FromContext(r.Context())
	if identity.TenantID != "" && rec.TenantID != identity.TenantID {
		writeJSONError(w, http.StatusNotFound, providers.ErrModelNotFound, "session not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeJSONError(w, http.StatusNotImplemented, providers.ErrConfiguration, "session store not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		writeJSONError(w, http.StatusInternalServerError, providers.ErrUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.gw.HealthCheckAll(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

func (s *server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("alive"))
}

// rateLimitMiddleware enforces the sliding-window limits per spec §4.4,
// deriving the identity from the authenticated tenant (falling back to
// remote address when auth is disabled). It consumes no budget for
// excluded health/metrics endpoints.
func (s *server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/ready", "/live", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		identity := rateLimitIdentity(r)
		decision, err := s.limiter.Admit(r.Context(), identity, s.limits, time.Now())
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limits.PerMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			metrics.RateLimitRejections.WithLabelValues("tenant").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
			writeJSONError(w, http.StatusTooManyRequests, providers.ErrRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitIdentity derives the per-client identity per spec §4.4: the
// authenticated tenant ID when present, else the remote address.
func rateLimitIdentity(r *http.Request) string {
	if identity, ok := auth.FromContext(r.Context()); ok && identity.TenantID != "" && identity.TenantID != auth.DemoTenantID {
		return identity.TenantID
	}
	return r.RemoteAddr
}
