package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opencall/phonecore/internal/config"
	"github.com/opencall/phonecore/internal/history"
	"github.com/opencall/phonecore/internal/interruptmgr"
	"github.com/opencall/phonecore/internal/observability"
	"github.com/opencall/phonecore/internal/session"
)

func newTestServer(t *testing.T, engine Engine) (*Server, history.Store) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		InboundQueueSize:         16,
		OutboundQueueSize:        16,
		SendTimeoutMS:            time.Second,
		MaxChunkBytes:            4096,
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	interrupts := interruptmgr.NewManager(2*time.Second, 200*time.Millisecond)
	historyStore, err := history.NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("new in-memory history store: %v", err)
	}
	metrics := observability.NewMetrics("test_httpapi_" + time.Now().Format("150405.000000000"))
	return New(cfg, sessions, engine, interrupts, historyStore, metrics), historyStore
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", payload["status"])
	}
}

func TestCreateSessionAndFetchHistory(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	createReq := map[string]any{
		"user_id":  "user-1",
		"language": "en",
	}
	body, _ := json.Marshal(createReq)
	res, err := http.Post(ts.URL+"/phone/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.SessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if created.UserID != "user-1" {
		t.Fatalf("user_id = %q, want %q", created.UserID, "user-1")
	}

	histRes, err := http.Get(ts.URL + "/history/user-1?limit=5")
	if err != nil {
		t.Fatalf("GET /history error = %v", err)
	}
	defer histRes.Body.Close()
	if histRes.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d, want %d", histRes.StatusCode, http.StatusOK)
	}
}

func TestAdminInterruptUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/interrupt/does-not-exist", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("POST /interrupt error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestActiveSessionsCount(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/active-sessions")
	if err != nil {
		t.Fatalf("GET /active-sessions error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["active_sessions"] != float64(0) {
		t.Fatalf("active_sessions = %v, want 0", payload["active_sessions"])
	}
}

type echoEngine struct{}

func (echoEngine) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, send func(any)) error {
	send(map[string]any{"type": "session_started", "session_id": s.ID})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-inbound:
			if !ok {
				return nil
			}
		}
	}
}

func TestStreamUpgradeRequiresKnownSession(t *testing.T) {
	srv, _ := newTestServer(t, echoEngine{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):] + "/phone/stream?session_id=does-not-exist"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail for unknown session")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		t.Fatalf("status = %d, want %d", status, http.StatusNotFound)
	}
}
