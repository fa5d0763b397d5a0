// internal/interception/registry.go
package interception

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/payslip-cli/internal/errs"
)

// Serialization declares how a matched response body is interpreted.
type Serialization string

const (
	SerializationJSON Serialization = "json"
	SerializationBlob Serialization = "blob"
)

// Pattern is one entry of the static match configuration.
type Pattern struct {
	Label         string
	Method        string
	URL           string
	Exact         bool
	Serialization Serialization
}

// Matches reports whether a request with this method and URL belongs to the pattern.
func (p Pattern) Matches(method, url string) bool {
	if p.Method != "" && !strings.EqualFold(p.Method, method) {
		return false
	}
	if p.Exact {
		return url == p.URL
	}
	return strings.Contains(url, p.URL)
}

// Event is a completed request/response pair observed by any transport.
type Event struct {
	Method         string
	URL            string
	RequestHeaders map[string]string
	Status         int
	Body           []byte
}

// Response is a buffered match, handed to exactly one waiter.
type Response struct {
	Label          string
	Method         string
	URL            string
	RequestHeaders map[string]string
	Status         int
	Serialization  Serialization
	Body           []byte
	ReceivedAt     time.Time
}

// Decode unmarshals a JSON body into v.
func (r Response) Decode(v any) error {
	if r.Serialization == SerializationBlob {
		return fmt.Errorf("response %q is a blob", r.Label)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding %q response: %w", r.Label, err)
	}
	return nil
}

// Header returns a request header value, matched case-insensitively.
func (r Response) Header(name string) string {
	for k, v := range r.RequestHeaders {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Registry buffers matched responses in per label queues. Observe may run on
// any goroutine; events that arrive before a waiter are kept until consumed
// or cleared.
type Registry struct {
	logger *zap.Logger

	mu       sync.Mutex
	patterns []Pattern
	queues   map[string][]Response
	// signal is closed and replaced whenever a label's queue grows.
	signal map[string]chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("interception"),
		queues: make(map[string][]Response),
		signal: make(map[string]chan struct{}),
	}
}

// Register adds a pattern and returns its label.
func (r *Registry) Register(p Pattern) (string, error) {
	if p.Label == "" || p.URL == "" {
		return "", fmt.Errorf("pattern requires a label and a url matcher")
	}
	if p.Serialization == "" {
		p.Serialization = SerializationJSON
	}
	p.Method = strings.ToUpper(p.Method)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.patterns {
		if existing.Label == p.Label {
			return "", fmt.Errorf("label %q already registered", p.Label)
		}
	}
	r.patterns = append(r.patterns, p)
	if _, ok := r.signal[p.Label]; !ok {
		r.signal[p.Label] = make(chan struct{})
	}
	return p.Label, nil
}

// RegisterAll registers a list of patterns, stopping at the first error.
func (r *Registry) RegisterAll(patterns []Pattern) error {
	for _, p := range patterns {
		if _, err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// Wants reports whether any pattern matches the request, so transports can
// skip fetching bodies nobody will read.
func (r *Registry) Wants(method, url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.patterns {
		if p.Matches(method, url) {
			return true
		}
	}
	return false
}

// Observe buffers the event under every matching label and wakes waiters.
// It returns the labels that matched.
func (r *Registry) Observe(ev Event) []string {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []string
	for _, p := range r.patterns {
		if !p.Matches(ev.Method, ev.URL) {
			continue
		}
		if p.Serialization == SerializationJSON && !json.Valid(ev.Body) {
			r.logger.Warn("Intercepted body is not valid JSON",
				zap.String("label", p.Label), zap.String("url", ev.URL), zap.Int("size", len(ev.Body)))
		}
		r.queues[p.Label] = append(r.queues[p.Label], Response{
			Label:          p.Label,
			Method:         ev.Method,
			URL:            ev.URL,
			RequestHeaders: ev.RequestHeaders,
			Status:         ev.Status,
			Serialization:  p.Serialization,
			Body:           ev.Body,
			ReceivedAt:     now,
		})
		close(r.signal[p.Label])
		r.signal[p.Label] = make(chan struct{})
		matched = append(matched, p.Label)
	}
	if len(matched) > 0 {
		r.logger.Debug("Intercepted response", zap.Strings("labels", matched), zap.String("url", ev.URL), zap.Int("status", ev.Status))
	}
	return matched
}

// ObserveHTTP adapts a standard library request/response pair.
func (r *Registry) ObserveHTTP(req *http.Request, status int, body []byte) []string {
	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}
	return r.Observe(Event{Method: req.Method, URL: req.URL.String(), RequestHeaders: headers, Status: status, Body: body})
}

// Await blocks until a response for label is buffered, then consumes it.
func (r *Registry) Await(ctx context.Context, label string, timeout time.Duration) (Response, error) {
	got, err := r.AwaitN(ctx, label, 1, timeout)
	if err != nil {
		return Response{}, err
	}
	return got[0], nil
}

// AwaitN blocks until n responses for label are buffered and consumes them in
// arrival order. On timeout it consumes and returns whatever arrived together
// with an InterceptionTimeout error.
func (r *Registry) AwaitN(ctx context.Context, label string, n int, timeout time.Duration) ([]Response, error) {
	if n <= 0 {
		return nil, nil
	}
	start := time.Now()

	r.mu.Lock()
	if _, ok := r.signal[label]; !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("label %q is not registered", label)
	}
	r.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		r.mu.Lock()
		queue := r.queues[label]
		if len(queue) >= n {
			got := append([]Response(nil), queue[:n]...)
			r.queues[label] = queue[n:]
			r.mu.Unlock()
			return got, nil
		}
		wake := r.signal[label]
		r.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			r.mu.Lock()
			partial := r.queues[label]
			if len(partial) > n {
				partial = partial[:n]
			}
			partial = append([]Response(nil), partial...)
			r.queues[label] = r.queues[label][len(partial):]
			r.mu.Unlock()
			if len(partial) == n {
				return partial, nil
			}
			return partial, errs.New(errs.CodeInterceptionTimeout, "interception.await",
				"label %q: got %d of %d responses after %s", label, len(partial), n, time.Since(start).Round(time.Millisecond))
		}
	}
}

// Len returns the number of buffered responses for label.
func (r *Registry) Len(label string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[label])
}

// Clear drops buffered responses for the given labels, or for all labels
// when none are given.
func (r *Registry) Clear(labels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(labels) == 0 {
		r.queues = make(map[string][]Response)
		return
	}
	for _, l := range labels {
		delete(r.queues, l)
	}
}
