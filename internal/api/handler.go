// Package api implements the HTTP surface of the gateway: the analytics query
// endpoint, the reply-bot endpoint, the polling response endpoint, and the
// upstream status probe. Each computation endpoint answers in one of three
// modes — synchronous passthrough, async with a request identifier, or a
// newline-delimited JSON stream — selected by flags in the request body.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mkovalev/birdlens/internal/analytics"
	"github.com/mkovalev/birdlens/internal/dispatch"
	"github.com/mkovalev/birdlens/internal/reply"
	"github.com/mkovalev/birdlens/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// PendingResponseMessage is what pollers see while a request is in flight.
const PendingResponseMessage = "Response is still being processed"

// Fallback bodies shown alongside error envelopes on the synchronous path.
const (
	syncErrorFallback      = "Sorry, I encountered an error while processing your request."
	transportErrorFallback = "I'm having trouble connecting to the service right now. Please try again in a moment."
)

// Deps carries the wired components for the HTTP surface. Analytics may be
// nil when no upstream credentials are configured; query endpoints then
// answer with a configuration error instead of failing at startup.
type Deps struct {
	Store      *storage.Store
	Dispatcher *dispatch.Dispatcher
	Analytics  *analytics.Client
	Replier    *reply.Generator

	// RateRPS/RateBurst bound per-client request rates. Zero values pick
	// the defaults.
	RateRPS   float64
	RateBurst int
}

func (d Deps) configured() bool { return d.Analytics != nil }

// NewHandler returns the gateway's HTTP handler.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(RateLimit(deps.RateRPS, deps.RateBurst))

	r.Get("/health", handleHealth)
	r.Get("/api/status", handleStatus(deps))
	r.Post("/api/llm", handleQuery(deps))
	r.Post("/api/bot", handleReply(deps))
	r.Get("/api/response/{requestID}", handleResponse(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// queryRequest accepts both "query" and "question" for the prompt field.
type queryRequest struct {
	Query        string `json:"query"`
	Question     string `json:"question"`
	TopK         int    `json:"top_k"`
	UsePolling   bool   `json:"usePolling"`
	UseStreaming bool   `json:"useStreaming"`
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid request body"})
			return
		}

		query := req.Query
		if query == "" {
			query = req.Question
		}
		if query == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Missing required parameter: query"})
			return
		}

		if !deps.configured() {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Server configuration error"})
			return
		}

		topK := req.TopK
		if topK <= 0 {
			topK = 5
		}

		work := dispatch.Work{Kind: dispatch.KindQuery, Query: query, TopK: topK}

		switch {
		case req.UseStreaming:
			rc, err := deps.Analytics.AnalyzeStream(r.Context(), query, topK)
			if err != nil {
				writeSyncError(w, err, "response")
				return
			}
			defer rc.Close()
			streamResponse(w, rc)
		case req.UsePolling:
			submitAsync(w, deps, work)
		default:
			result, err := deps.Dispatcher.Sync(r.Context(), work)
			if err != nil {
				writeSyncError(w, err, "response")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"response": result})
		}
	}
}

type replyRequest struct {
	Tweet        string `json:"tweet"`
	UsePolling   bool   `json:"usePolling"`
	UseStreaming bool   `json:"useStreaming"`
}

func handleReply(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req replyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid request or server error"})
			return
		}
		if req.Tweet == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Missing required parameter: tweet"})
			return
		}

		work := dispatch.Work{Kind: dispatch.KindReply, Tweet: req.Tweet}

		switch {
		case req.UseStreaming:
			streamReply(w, r, deps.Replier, req.Tweet)
		case req.UsePolling:
			submitAsync(w, deps, work)
		default:
			result, err := deps.Dispatcher.Sync(r.Context(), work)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Invalid request or server error"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"reply": result})
		}
	}
}

func submitAsync(w http.ResponseWriter, deps Deps, work dispatch.Work) {
	requestID, err := deps.Dispatcher.Submit(work)
	if err != nil {
		slog.Error("failed to stage async request", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Failed to accept request for processing"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId": requestID,
		"status":    "pending",
		"message":   dispatch.PendingMessage,
	})
}

func handleResponse(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := chi.URLParam(r, "requestID")
		if requestID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Missing required parameter: requestId"})
			return
		}

		rec, err := deps.Store.GetResult(requestID)
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusAccepted, map[string]any{"status": "pending", "message": PendingResponseMessage})
			return
		}
		if err != nil {
			slog.Error("failed to read result record", "request_id", requestID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Failed to read response data"})
			return
		}

		switch rec.Status {
		case storage.StatusPending:
			writeJSON(w, http.StatusAccepted, map[string]any{"status": "pending", "message": PendingResponseMessage})
		case storage.StatusError:
			writeJSON(w, http.StatusOK, map[string]any{"status": "error", "error": rec.Error})
		default:
			body := map[string]any{"status": "completed"}
			if rec.Kind == string(dispatch.KindReply) {
				body["reply"] = rec.Payload
			} else {
				body["response"] = rec.Payload
			}
			writeJSON(w, http.StatusOK, body)
		}
	}
}

// handleStatus probes the upstream service. The upstream being down is not a
// failure of this service, so connectivity problems still answer 200; only a
// missing configuration is a 500.
func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.configured() {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"status":     "error",
				"message":    "Server configuration error: Missing API credentials",
				"configured": false,
			})
			return
		}

		if err := deps.Analytics.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"status":     "error",
				"message":    "API connection failed",
				"configured": true,
				"available":  false,
				"error":      err.Error(),
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"message":    "API is running and accessible",
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"configured": true,
			"available":  true,
		})
	}
}

// streamResponse copies upstream stream lines to the client as they arrive.
func streamResponse(w http.ResponseWriter, rc io.Reader) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	reader := bufio.NewReader(rc)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			w.Write(line)
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("upstream stream read error", "error", err)
				payload, marshalErr := json.Marshal(map[string]any{
					"status": "error",
					"error":  "upstream read error",
				})
				if marshalErr == nil {
					w.Write(append(payload, '\n'))
					flusher.Flush()
				}
			}
			break
		}
	}
}

func streamReply(w http.ResponseWriter, r *http.Request, replier *reply.Generator, tweet string) {
	if _, ok := w.(http.Flusher); !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := replier.StreamReply(r.Context(), tweet, w); err != nil {
		slog.Warn("reply stream aborted", "error", err)
	}
}

// writeSyncError maps a synchronous-path failure onto the wire: upstream
// errors keep their status code and detail, everything else is a 500 with a
// generic connectivity message.
func writeSyncError(w http.ResponseWriter, err error, field string) {
	var upstream *analytics.UpstreamError
	if errors.As(err, &upstream) {
		writeJSON(w, upstream.Status, map[string]any{
			"error": upstream.Error(),
			field:   syncErrorFallback,
		})
		return
	}
	slog.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error": "An error occurred while processing the request",
		field:   transportErrorFallback,
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response body", "error", err)
	}
}
