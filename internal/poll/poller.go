// Package poll implements the client side of the async request flow: submit
// a unit of work to a birdlens server, then poll its response endpoint until
// a terminal state, a timeout, or cancellation. Callbacks fire from a single
// goroutine, so OnPoll never interleaves with OnFinal and nothing fires after
// a cancel.
package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mkovalev/birdlens/internal/dispatch"
)

const (
	// DefaultInterval is the target spacing between consecutive polls.
	DefaultInterval = 2 * time.Second
	// DefaultMaxAttempts bounds how many status queries a poll session makes.
	DefaultMaxAttempts = 200
	// DefaultMaxPollingTime bounds a poll session's wall-clock duration.
	DefaultMaxPollingTime = 7 * time.Minute
)

// Result is the wire form of a response-endpoint reply.
type Result struct {
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
	Reply    string `json:"reply,omitempty"`
	Error    string `json:"error,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Answer returns whichever payload field the record carries.
func (r Result) Answer() string {
	if r.Reply != "" {
		return r.Reply
	}
	return r.Response
}

// Callbacks receive poll-session events. Any field may be nil. OnPoll fires
// before each status query; exactly one of OnFinal or OnError ends a session
// (a timeout fires OnTimeout first, then OnError).
type Callbacks struct {
	OnPoll    func(attempt int, elapsed time.Duration)
	OnFinal   func(res Result)
	OnError   func(err error)
	OnTimeout func()
}

// Poller submits work to a birdlens server and watches for its result.
type Poller struct {
	BaseURL        string
	HTTPClient     *http.Client
	Interval       time.Duration
	MaxAttempts    int
	MaxPollingTime time.Duration
	Logger         *slog.Logger
}

// New returns a Poller with the default cadence and bounds.
func New(baseURL string) *Poller {
	return &Poller{
		BaseURL:        baseURL,
		HTTPClient:     &http.Client{Timeout: 30 * time.Second},
		Interval:       DefaultInterval,
		MaxAttempts:    DefaultMaxAttempts,
		MaxPollingTime: DefaultMaxPollingTime,
		Logger:         slog.Default(),
	}
}

// session owns one submit-then-poll lifecycle. The done channel gates every
// callback: once closed, nothing fires.
type session struct {
	p    *Poller
	cb   Callbacks
	ctx  context.Context
	stop context.CancelFunc

	once sync.Once
	done chan struct{}
}

// Start submits the work and begins polling in a background goroutine. The
// returned function cancels the session: in-flight HTTP calls abort and no
// further callbacks fire. Calling it more than once is harmless.
func (p *Poller) Start(work dispatch.Work, cb Callbacks) func() {
	ctx, stop := context.WithCancel(context.Background())
	s := &session{
		p:    p,
		cb:   cb,
		ctx:  ctx,
		stop: stop,
		done: make(chan struct{}),
	}
	go s.run(work)
	return s.cancel
}

func (s *session) cancel() {
	s.once.Do(func() {
		close(s.done)
		s.stop()
	})
}

func (s *session) cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) emitError(err error) {
	if s.cancelled() {
		return
	}
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

func (s *session) run(work dispatch.Work) {
	defer s.stop()

	requestID, err := s.submit(work)
	if err != nil {
		s.emitError(err)
		return
	}

	start := time.Now()
	for attempt := 1; attempt <= s.p.MaxAttempts; attempt++ {
		if s.cancelled() {
			return
		}
		elapsed := time.Since(start)
		if elapsed > s.p.MaxPollingTime {
			break
		}

		if s.cb.OnPoll != nil {
			s.cb.OnPoll(attempt, elapsed)
		}

		queryStart := time.Now()
		res, terminal, err := s.check(requestID)
		if err != nil {
			// Transient: a flaky network hop should not abandon a request
			// the server is still working on.
			s.p.Logger.Debug("status query failed", "request_id", requestID, "attempt", attempt, "error", err)
		} else if terminal {
			if s.cancelled() {
				return
			}
			if res.Status == "error" {
				s.emitError(fmt.Errorf("request failed: %s", res.Error))
				return
			}
			if s.cb.OnFinal != nil {
				s.cb.OnFinal(res)
			}
			return
		}

		// Space polls so consecutive queries start ~Interval apart even when
		// the query itself was slow. Never negative.
		wait := s.p.Interval - time.Since(queryStart)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-s.done:
			return
		case <-time.After(wait):
		}
	}

	if s.cancelled() {
		return
	}
	if s.cb.OnTimeout != nil {
		s.cb.OnTimeout()
	}
	s.emitError(fmt.Errorf("polling gave up after %s without a result", time.Since(start).Round(time.Second)))
}

// submit posts the work with usePolling set and returns the issued request
// identifier.
func (s *session) submit(work dispatch.Work) (string, error) {
	var path string
	body := map[string]any{"usePolling": true}
	switch work.Kind {
	case dispatch.KindReply:
		path = "/api/bot"
		body["tweet"] = work.Tweet
	default:
		path = "/api/llm"
		body["query"] = work.Query
		if work.TopK > 0 {
			body["top_k"] = work.TopK
		}
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.p.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.p.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("submit failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}
	if out.RequestID == "" {
		return "", fmt.Errorf("server did not issue a request identifier")
	}
	return out.RequestID, nil
}

// check queries the response endpoint once. terminal is false while the
// server still reports the request as pending.
func (s *session) check(requestID string) (Result, bool, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.p.BaseURL+"/api/response/"+requestID, nil)
	if err != nil {
		return Result{}, false, err
	}

	resp, err := s.p.HTTPClient.Do(req)
	if err != nil {
		return Result{}, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		io.Copy(io.Discard, resp.Body)
		return Result{}, false, nil
	case http.StatusOK:
		var res Result
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return Result{}, false, fmt.Errorf("decoding result: %w", err)
		}
		if res.Status == "pending" {
			return Result{}, false, nil
		}
		return res, true, nil
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, false, fmt.Errorf("status query returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
}
