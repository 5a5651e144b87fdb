package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/opencall/phonecore/internal/config"
	"github.com/opencall/phonecore/internal/history"
	"github.com/opencall/phonecore/internal/interruptmgr"
	"github.com/opencall/phonecore/internal/observability"
	"github.com/opencall/phonecore/internal/protocol"
	"github.com/opencall/phonecore/internal/session"
)

// Engine is the PipelineEngine contract SessionHub drives one WebSocket
// connection through.
type Engine interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, send func(any)) error
}

// Server is the SessionHub: the REST handshake plus the WS upgrade that
// hands a connection to the PipelineEngine, and the read-only call-history
// and operational endpoints layered on top of it.
type Server struct {
	cfg        config.Config
	sessions   *session.Manager
	engine     Engine
	interrupts *interruptmgr.Manager
	history    history.Store
	metrics    *observability.Metrics
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, engine Engine, interrupts *interruptmgr.Manager, historyStore history.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		engine:     engine,
		interrupts: interrupts,
		history:    historyStore,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/phone/session", s.handleCreateSession)
	r.Get("/phone/stream", s.handleStream)

	r.Get("/history/{user_id}", s.handleHistory)
	r.Get("/call/{turn_id}", s.handleGetTurn)
	r.Post("/search", s.handleSearch)
	r.Get("/active-sessions", s.handleActiveSessions)
	r.Post("/interrupt/{session_id}", s.handleAdminInterrupt)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"active_sessions": s.sessions.ActiveCount(),
		"voice_provider": s.cfg.VoiceProvider,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Language) == "" {
		req.Language = "en"
	}
	if !req.KidFriendly {
		req.KidFriendly = s.cfg.KidFriendlyDefault
	}

	sess := s.sessions.Create(req.UserID, req.Language, req.ModelHint, req.KidFriendly)
	_ = s.history.BeginSession(r.Context(), history.Session{
		ID:          sess.ID,
		UserID:      sess.UserID,
		Language:    sess.Language,
		KidFriendly: sess.KidFriendly,
		StartedAt:   sess.StartedAt,
	})
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Language:        sess.Language,
		KidFriendly:     sess.KidFriendly,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.engine == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "pipeline engine not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, s.cfg.InboundQueueSize)
	outbound := make(chan any, s.cfg.OutboundQueueSize)
	runDone := make(chan struct{})

	send := func(msg any) {
		select {
		case outbound <- msg:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(runDone)
		_ = s.engine.RunConnection(ctx, sess, inbound, send)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeoutMS))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("out", string(t)).Inc()
					s.metrics.ObserveOutboundMessage(string(t), "sent")
				}
			}
		}
	}()

	conn.SetReadLimit(int64(s.cfg.MaxChunkBytes) * 4)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			select {
			case outbound <- protocol.ErrorEvent{Type: protocol.TypeError, SessionID: sessionID, Kind: "invalid_client_message", Message: err.Error(), Recoverable: true}:
				s.metrics.ObserveOutboundMessage(string(protocol.TypeError), "queued")
			default:
				s.metrics.ObserveOutboundMessage(string(protocol.TypeError), "drop_full")
			}
			continue
		}

		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	_ = s.history.EndSession(context.Background(), sessionID, time.Now().UTC())
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	limit := 20
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	summaries, err := s.history.GetHistory(r.Context(), userID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_query_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	turnID := chi.URLParam(r, "turn_id")
	turn, err := s.history.GetTurn(r.Context(), turnID)
	if err != nil {
		if errors.Is(err, history.ErrTurnNotFound) {
			respondError(w, http.StatusNotFound, "turn_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "history_query_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, turn)
}

type searchRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	turns, err := s.history.SearchByText(r.Context(), req.UserID, req.Query)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_query_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, turns)
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleAdminInterrupt(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if _, err := s.sessions.Get(sessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	rec := s.interrupts.TriggerInterrupt(sessionID, interruptmgr.KindManual)
	respondJSON(w, http.StatusAccepted, map[string]any{
		"session_id": rec.SessionID,
		"kind":       rec.Kind,
		"at":         rec.At,
	})
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Kind: code, Message: message})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.SessionStarted:
		return m.Type, true
	case protocol.Transcription:
		return m.Type, true
	case protocol.LLMResponseChunk:
		return m.Type, true
	case protocol.StreamingAudioChunk:
		return m.Type, true
	case protocol.AIResponseComplete:
		return m.Type, true
	case protocol.InterruptConfirmed:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.Pong:
		return m.Type, true
	case protocol.SessionEnded:
		return m.Type, true
	default:
		return "", false
	}
}
