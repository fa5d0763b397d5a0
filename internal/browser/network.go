// internal/browser/network.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"

	"github.com/xkilldash9x/payslip-cli/internal/interception"
)

const defaultBodyFetchTimeout = 15 * time.Second

// Observer receives completed request/response pairs. *interception.Registry implements it.
type Observer interface {
	Wants(method, url string) bool
	Observe(ev interception.Event) []string
}

// trackedRequest is a request the observer asked for, kept until its body is read.
type trackedRequest struct {
	method  string
	url     string
	headers map[string]string
	status  int
}

// networkListener feeds matching CDP network traffic into an Observer.
type networkListener struct {
	ctx              context.Context
	cancel           context.CancelFunc
	logger           *zap.Logger
	observer         Observer
	getBody          bodyFetcher
	bodyFetchTimeout time.Duration

	mu       sync.Mutex
	requests map[network.RequestID]*trackedRequest

	wg sync.WaitGroup
}

// bodyFetcher reads a response body by request id.
type bodyFetcher func(ctx context.Context, id network.RequestID) ([]byte, error)

func newNetworkListener(ctx context.Context, logger *zap.Logger, observer Observer, bodyFetchTimeout time.Duration, getBody bodyFetcher) *networkListener {
	if bodyFetchTimeout <= 0 {
		bodyFetchTimeout = defaultBodyFetchTimeout
	}
	lctx, cancel := context.WithCancel(ctx)
	return &networkListener{
		ctx:              lctx,
		cancel:           cancel,
		logger:           logger.Named("network"),
		observer:         observer,
		getBody:          getBody,
		bodyFetchTimeout: bodyFetchTimeout,
		requests:         make(map[network.RequestID]*trackedRequest),
	}
}

// handle dispatches one CDP event. It never blocks on CDP calls.
func (l *networkListener) handle(ev interface{}) {
	select {
	case <-l.ctx.Done():
		return
	default:
	}

	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		l.handleRequestWillBeSent(ev)
	case *network.EventResponseReceived:
		l.handleResponseReceived(ev)
	case *network.EventLoadingFinished:
		l.handleLoadingFinished(ev)
	case *network.EventLoadingFailed:
		l.handleLoadingFailed(ev)
	}
}

func (l *networkListener) handleRequestWillBeSent(ev *network.EventRequestWillBeSent) {
	if ev.Request == nil || !l.observer.Wants(ev.Request.Method, ev.Request.URL) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// A redirect reuses the request id; the latest request wins.
	l.requests[ev.RequestID] = &trackedRequest{
		method:  ev.Request.Method,
		url:     ev.Request.URL,
		headers: flattenHeaders(ev.Request.Headers),
	}
}

func (l *networkListener) handleResponseReceived(ev *network.EventResponseReceived) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if req, ok := l.requests[ev.RequestID]; ok && ev.Response != nil {
		req.status = int(ev.Response.Status)
	}
}

func (l *networkListener) handleLoadingFinished(ev *network.EventLoadingFinished) {
	l.mu.Lock()
	req, ok := l.requests[ev.RequestID]
	delete(l.requests, ev.RequestID)
	l.mu.Unlock()
	if ok {
		l.fetchBody(ev.RequestID, req)
	}
}

func (l *networkListener) handleLoadingFailed(ev *network.EventLoadingFailed) {
	l.mu.Lock()
	req, ok := l.requests[ev.RequestID]
	delete(l.requests, ev.RequestID)
	l.mu.Unlock()
	if ok {
		l.logger.Warn("Intercepted request failed", zap.String("url", req.url), zap.String("error", ev.ErrorText))
	}
}

// fetchBody reads the response body in the background and hands the pair to the observer.
func (l *networkListener) fetchBody(reqID network.RequestID, req *trackedRequest) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		fetchCtx, cancel := context.WithTimeout(context.Background(), l.bodyFetchTimeout)
		defer cancel()

		body, err := l.getBody(fetchCtx, reqID)
		if err != nil {
			if l.ctx.Err() == nil {
				l.logger.Warn("Failed to fetch intercepted response body",
					zap.String("url", req.url), zap.String("reqID", string(reqID)), zap.Error(err))
			}
			return
		}

		l.observer.Observe(interception.Event{
			Method:         req.method,
			URL:            req.url,
			RequestHeaders: req.headers,
			Status:         req.status,
			Body:           body,
		})
	}()
}

// stop halts event handling and waits for outstanding body fetches.
func (l *networkListener) stop(ctx context.Context) {
	l.cancel()
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		l.logger.Warn("Network listener stop interrupted before all bodies were fetched.", zap.Error(ctx.Err()))
	}
}

func flattenHeaders(h network.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
