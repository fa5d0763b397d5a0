// internal/browser/binding.go
package browser

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/payslip-cli/internal/bus"
)

// PageEventBinding is the window function page scripts call with a JSON
// encoded {event, payload} envelope.
const PageEventBinding = "__payslipEmit"

// pageEventQueueSize bounds the events buffered between the CDP listener and the dispatcher.
const pageEventQueueSize = 64

// pageEvent is the envelope sent through PageEventBinding.
type pageEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// decodePageEvent maps a binding payload onto a bus topic and typed payload.
func decodePageEvent(raw string) (bus.Topic, interface{}, error) {
	var env pageEvent
	if err := json.UnmarshalFromString(raw, &env); err != nil {
		return "", nil, fmt.Errorf("malformed page event: %w", err)
	}

	switch bus.Topic(env.Event) {
	case bus.TopicLoginSubmit:
		var v bus.LoginSubmit
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return "", nil, fmt.Errorf("malformed %s payload: %w", env.Event, err)
		}
		return bus.TopicLoginSubmit, v, nil
	case bus.TopicLoginError:
		var v bus.LoginError
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return "", nil, fmt.Errorf("malformed %s payload: %w", env.Event, err)
		}
		return bus.TopicLoginError, v, nil
	default:
		return "", nil, fmt.Errorf("unknown page event %q", env.Event)
	}
}

// exposeBinding registers name in the page and delivers each call's payload
// to the session's dispatcher in call order.
func (s *Session) exposeBinding(ctx context.Context, name string) error {
	if err := s.runActions(ctx, runtime.AddBinding(name)); err != nil {
		return fmt.Errorf("failed to add binding '%s': %w", name, err)
	}

	chromedp.ListenTarget(s.ctx, func(ev interface{}) {
		called, ok := ev.(*runtime.EventBindingCalled)
		if !ok || called.Name != name {
			return
		}
		select {
		case s.pageEvents <- called.Payload:
		case <-s.ctx.Done():
		default:
			s.logger.Warn("Page event queue full, dropping event.", zap.String("binding", name))
		}
	})
	return nil
}

// dispatchPageEvents forwards queued binding payloads to the bus until the session ends.
func (s *Session) dispatchPageEvents() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case raw := <-s.pageEvents:
			s.dispatchPageEvent(raw)
		}
	}
}

func (s *Session) dispatchPageEvent(raw string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic during page event dispatch.",
				zap.Any("panic_reason", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()

	topic, payload, err := decodePageEvent(raw)
	if err != nil {
		s.logger.Warn("Ignoring page event.", zap.Error(err))
		return
	}
	if s.events == nil {
		return
	}
	if err := s.events.Post(s.ctx, topic, payload); err != nil && s.ctx.Err() == nil {
		s.logger.Warn("Failed to post page event.", zap.String("topic", string(topic)), zap.Error(err))
	}
}

// InjectScriptPersistently adds a script that runs on every new document of the session.
func (s *Session) InjectScriptPersistently(ctx context.Context, script string) error {
	var scriptID page.ScriptIdentifier
	err := s.runActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		scriptID, err = page.AddScriptToEvaluateOnNewDocument(script).Do(c)
		return err
	}))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("could not inject persistent script: %w", err)
	}
	s.logger.Debug("Injected persistent script.", zap.String("scriptID", string(scriptID)))
	return nil
}
