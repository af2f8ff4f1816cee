package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mkovalev/birdlens/internal/analytics"
	"github.com/mkovalev/birdlens/internal/dispatch"
	"github.com/mkovalev/birdlens/internal/reply"
	"github.com/mkovalev/birdlens/internal/storage"
)

// newTestDeps wires a full handler over an in-memory store and a mock
// analytics upstream.
func newTestDeps(t *testing.T, upstream http.HandlerFunc) Deps {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	var client *analytics.Client
	if upstream != nil {
		srv := httptest.NewServer(upstream)
		t.Cleanup(srv.Close)
		client = analytics.New(srv.URL, "test-key", 1)
	}

	replier := reply.New()
	return Deps{
		Store:      store,
		Dispatcher: dispatch.NewDispatcher(store, client, replier),
		Analytics:  client,
		Replier:    replier,
	}
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response body: %v (body: %q)", err, rr.Body.String())
	}
	return body
}

func TestHealth(t *testing.T) {
	h := NewHandler(newTestDeps(t, nil))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if body := decodeBody(t, rr); body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestQuery_Sync(t *testing.T) {
	h := NewHandler(newTestDeps(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"response":"42 tweets mention it"}`)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/llm", strings.NewReader(`{"query":"how many?"}`))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body: %s)", rr.Code, http.StatusOK, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["response"] != "42 tweets mention it" {
		t.Errorf("body = %v", body)
	}
}

func TestQuery_QuestionAlias(t *testing.T) {
	h := NewHandler(newTestDeps(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":"ok"}`)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/llm", strings.NewReader(`{"question":"alias?"}`))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (body: %s)", rr.Code, rr.Body.String())
	}
}

func TestQuery_MissingQuery(t *testing.T) {
	h := NewHandler(newTestDeps(t, nil))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/llm", strings.NewReader(`{}`))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	if body := decodeBody(t, rr); body["error"] != "Missing required parameter: query" {
		t.Errorf("body = %v", body)
	}
}

func TestQuery_NotConfigured(t *testing.T) {
	h := NewHandler(newTestDeps(t, nil))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/llm", strings.NewReader(`{"query":"q"}`))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
	if body := decodeBody(t, rr); body["error"] != "Server configuration error" {
		t.Errorf("body = %v", body)
	}
}

func TestQuery_UpstreamErrorPropagated(t *testing.T) {
	h := NewHandler(newTestDeps(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"detail":"model loading"}`)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/llm", strings.NewReader(`{"query":"q"}`))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
	body := decodeBody(t, rr)
	if body["error"] != "model loading" {
		t.Errorf("error = %v", body["error"])
	}
	if body["response"] != syncErrorFallback {
		t.Errorf("response = %v", body["response"])
	}
}

func TestQuery_AsyncLifecycle(t *testing.T) {
	deps := newTestDeps(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":"done"}`)
	})
	h := NewHandler(deps)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/llm", strings.NewReader(`{"query":"q","usePolling":true}`))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("submit status = %d (body: %s)", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	requestID, _ := body["requestId"].(string)
	if requestID == "" {
		t.Fatalf("no requestId in %v", body)
	}
	if body["status"] != "pending" {
		t.Errorf("status = %v", body["status"])
	}

	// Pending until a worker picks the job up.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/response/"+requestID, nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("pending status = %d (body: %s)", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["message"] != PendingResponseMessage {
		t.Errorf("pending body = %v", body)
	}

	// Drain the queue, then the result is servable.
	w := dispatch.NewWorker(deps.Store, deps.Analytics, deps.Replier, 0)
	if done, err := w.RunOnce(req.Context()); err != nil || !done {
		t.Fatalf("RunOnce = %v, %v", done, err)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/response/"+requestID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("final status = %d (body: %s)", rr.Code, rr.Body.String())
	}
	body = decodeBody(t, rr)
	if body["status"] != "completed" || body["response"] != "done" {
		t.Errorf("final body = %v", body)
	}
}

func TestResponse_UnknownIDPending(t *testing.T) {
	h := NewHandler(newTestDeps(t, nil))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/response/no-such-id", nil))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusAccepted)
	}
}

func TestQuery_Streaming(t *testing.T) {
	ndjson := `{"keepalive":true,"elapsed":1}` + "\n" + `{"status":"completed","response":"streamed"}` + "\n"
	h := NewHandler(newTestDeps(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Error("upstream request did not enable streaming")
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprint(w, ndjson)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/llm", strings.NewReader(`{"query":"q","useStreaming":true}`))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (body: %s)", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rr.Body.String() != ndjson {
		t.Errorf("body = %q, want passthrough of upstream stream", rr.Body.String())
	}
}

func TestReply_Sync(t *testing.T) {
	h := NewHandler(newTestDeps(t, nil))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/bot", strings.NewReader(`{"tweet":"just setting up"}`))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (body: %s)", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	want := `This is a bot-generated response to: "just setting up"`
	if body["reply"] != want {
		t.Errorf("reply = %v, want %q", body["reply"], want)
	}
}

func TestReply_MissingTweet(t *testing.T) {
	h := NewHandler(newTestDeps(t, nil))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/bot", strings.NewReader(`{}`))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestReply_Streaming(t *testing.T) {
	h := NewHandler(newTestDeps(t, nil))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/bot", strings.NewReader(`{"tweet":"gm","useStreaming":true}`))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (body: %s)", rr.Code, rr.Body.String())
	}

	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("stream too short: %q", rr.Body.String())
	}
	var last struct {
		Status string `json:"status"`
		Reply  string `json:"reply"`
	}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatalf("decoding final line: %v", err)
	}
	if last.Status != "completed" {
		t.Errorf("final status = %q", last.Status)
	}
	if !strings.Contains(last.Reply, "gm") {
		t.Errorf("final reply = %q", last.Reply)
	}
}

func TestReply_Async(t *testing.T) {
	deps := newTestDeps(t, nil)
	h := NewHandler(deps)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/bot", strings.NewReader(`{"tweet":"hello","usePolling":true}`))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("submit status = %d (body: %s)", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	requestID, _ := body["requestId"].(string)
	if requestID == "" {
		t.Fatalf("no requestId in %v", body)
	}

	w := dispatch.NewWorker(deps.Store, deps.Analytics, deps.Replier, 0)
	if done, err := w.RunOnce(req.Context()); err != nil || !done {
		t.Fatalf("RunOnce = %v, %v", done, err)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/response/"+requestID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("final status = %d", rr.Code)
	}
	body = decodeBody(t, rr)
	if reply, _ := body["reply"].(string); !strings.Contains(reply, "hello") {
		t.Errorf("final body = %v", body)
	}
}

func TestStatus_NotConfigured(t *testing.T) {
	h := NewHandler(newTestDeps(t, nil))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
	if body := decodeBody(t, rr); body["configured"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestStatus_UpstreamReachable(t *testing.T) {
	h := NewHandler(newTestDeps(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"status":"ok"}`)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["status"] != "ok" || body["available"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestStatus_UpstreamDownStill200(t *testing.T) {
	deps := newTestDeps(t, func(w http.ResponseWriter, r *http.Request) {})
	// Point the client at a closed server.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	deps.Analytics = analytics.New(srv.URL, "test-key", 1)
	h := NewHandler(deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even when upstream is down", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["available"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestRateLimit(t *testing.T) {
	deps := newTestDeps(t, nil)
	deps.RateRPS = 1
	deps.RateBurst = 2
	h := NewHandler(deps)

	codes := make(map[int]int)
	for range 10 {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		h.ServeHTTP(rr, req)
		codes[rr.Code]++
	}

	if codes[http.StatusTooManyRequests] == 0 {
		t.Errorf("no request was rate limited: %v", codes)
	}
	if codes[http.StatusOK] == 0 {
		t.Errorf("every request was rate limited: %v", codes)
	}
}
