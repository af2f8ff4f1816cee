// Package stream implements the client side of the streaming response mode:
// submit a unit of work with streaming enabled and surface each
// newline-delimited JSON event as it arrives, without waiting for the
// connection to close.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/mkovalev/birdlens/internal/dispatch"
)

// Event is the union of every line shape the server emits. Classification
// checks fields in priority order: keepalive, processing status, partial
// text, completed. Some emitters send partial as a boolean flag alongside a
// text field, others put the fragment directly in partial, so the field is
// kept raw and interpreted by truthiness.
type Event struct {
	Keepalive bool            `json:"keepalive"`
	Elapsed   float64         `json:"elapsed"`
	Message   string          `json:"message"`
	Progress  float64         `json:"progress"`
	Status    string          `json:"status"`
	Partial   json.RawMessage `json:"partial"`
	Text      string          `json:"text"`
	Response  string          `json:"response"`
	Reply     string          `json:"reply"`
	Error     string          `json:"error"`
}

// IsPartial reports whether the event carries partial output: partial is
// present and truthy (true, a non-empty string, or a nonzero number).
func (ev Event) IsPartial() bool {
	trimmed := strings.TrimSpace(string(ev.Partial))
	switch trimmed {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

// PartialText returns the fragment for a partial event: the text field when
// set, otherwise the partial value itself when it is a string.
func (ev Event) PartialText() string {
	if ev.Text != "" {
		return ev.Text
	}
	var s string
	if err := json.Unmarshal(ev.Partial, &s); err == nil {
		return s
	}
	return ""
}

// Final is the terminal payload of a stream.
type Final struct {
	Response string
	Reply    string
}

// Answer returns whichever payload field the stream ended with.
func (f Final) Answer() string {
	if f.Reply != "" {
		return f.Reply
	}
	return f.Response
}

// Callbacks receive stream events. Any field may be nil. Exactly one of
// OnFinal or OnError ends a stream; nothing fires after cancellation.
type Callbacks struct {
	OnKeepalive func(elapsed float64, message string, progress float64)
	OnUpdate    func(ev Event)
	OnPartial   func(text string)
	OnFinal     func(f Final)
	OnError     func(err error)
}

// Consumer connects to a birdlens server in streaming mode. The HTTP client
// must not carry a response timeout: streams stay open for the duration of
// the computation.
type Consumer struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// New returns a Consumer over an untimed HTTP client.
func New(baseURL string) *Consumer {
	return &Consumer{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
		Logger:     slog.Default(),
	}
}

type session struct {
	c    *Consumer
	cb   Callbacks
	ctx  context.Context
	stop context.CancelFunc

	once sync.Once
	done chan struct{}
}

// Start submits the work with streaming enabled and consumes events in a
// background goroutine. The returned function cancels the session: the
// in-flight read aborts and no further callbacks fire.
func (c *Consumer) Start(work dispatch.Work, cb Callbacks) func() {
	ctx, stop := context.WithCancel(context.Background())
	s := &session{
		c:    c,
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

	body, err := s.open(work)
	if err != nil {
		s.emitError(err)
		return
	}
	defer body.Close()

	// ReadString hands back whatever arrived, so a line split across two
	// chunks is carried over until its terminator shows up. A non-empty
	// remainder at EOF is treated as the last line.
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if len(strings.TrimSpace(line)) > 0 {
			if finished := s.handleLine(line); finished {
				return
			}
		}
		if err != nil {
			if s.cancelled() {
				return
			}
			if err == io.EOF {
				s.emitError(fmt.Errorf("stream ended without a completed event"))
			} else {
				s.emitError(fmt.Errorf("reading stream: %w", err))
			}
			return
		}
	}
}

// handleLine classifies one event line. Returns true when the stream is
// finished (completed event or reported failure).
func (s *session) handleLine(line string) bool {
	if s.cancelled() {
		return true
	}

	var ev Event
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &ev); err != nil {
		// One garbled line does not end the stream.
		s.c.Logger.Debug("skipping unparseable stream line", "error", err)
		return false
	}

	switch {
	case ev.Keepalive:
		if s.cb.OnKeepalive != nil {
			s.cb.OnKeepalive(ev.Elapsed, ev.Message, ev.Progress)
		}
	case ev.Status == "processing":
		if s.cb.OnUpdate != nil {
			s.cb.OnUpdate(ev)
		}
	case ev.IsPartial():
		if s.cb.OnPartial != nil {
			s.cb.OnPartial(ev.PartialText())
		}
	case ev.Status == "completed":
		if s.cb.OnFinal != nil {
			s.cb.OnFinal(Final{Response: ev.Response, Reply: ev.Reply})
		}
		return true
	case ev.Status == "error" || ev.Error != "":
		s.emitError(fmt.Errorf("stream reported failure: %s", ev.Error))
		return true
	default:
		if s.cb.OnUpdate != nil {
			s.cb.OnUpdate(ev)
		}
	}
	return false
}

func (s *session) open(work dispatch.Work) (io.ReadCloser, error) {
	var path string
	body := map[string]any{"useStreaming": true}
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
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := s.c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("stream request failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return resp.Body, nil
}
