// internal/mocks/fake_page.go
package mocks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/xkilldash9x/payslip-cli/internal/browser"
	"github.com/xkilldash9x/payslip-cli/internal/errs"
	"github.com/xkilldash9x/payslip-cli/internal/waitfor"
)

// FakePage is an in-memory browser.Page. Elements are keyed by selector, or by
// selector and text for text-restricted queries. Hooks run without the lock held.
type FakePage struct {
	mu       sync.Mutex
	url      string
	elements map[string]bool
	storage  map[string]string
	visible  bool
	calls    []string

	OnNavigate func(url string)
	OnReload   func()
	OnClick    func(selector, text string) error
	OnFill     func(selector, value string) error
	// OnEvaluate answers Evaluate calls. res is the caller's decode target.
	OnEvaluate func(script string, res any) error
	// OnStorageSet lets a test drop or alter writes.
	OnStorageSet func(key, value string) (string, bool)
	OnSetVisible func(visible bool)
	// OnPresence runs before every IsElementPresent lookup. A non-nil error is returned to the caller.
	OnPresence func(selector string) error
}

var _ browser.Page = (*FakePage)(nil)

// NewFakePage returns an empty page at about:blank.
func NewFakePage() *FakePage {
	return &FakePage{
		url:      "about:blank",
		elements: make(map[string]bool),
		storage:  make(map[string]string),
	}
}

func elementKey(selector, text string) string {
	if text == "" {
		return selector
	}
	return selector + "\x00" + text
}

// Show makes selector present.
func (p *FakePage) Show(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		p.elements[s] = true
	}
}

// ShowText makes an element matching selector with text present.
func (p *FakePage) ShowText(selector, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[elementKey(selector, text)] = true
}

// Hide removes selector and every text variant of it.
func (p *FakePage) Hide(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		for k := range p.elements {
			if k == s || strings.HasPrefix(k, s+"\x00") {
				delete(p.elements, k)
			}
		}
	}
}

// HideAll empties the DOM.
func (p *FakePage) HideAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements = make(map[string]bool)
}

// Calls returns the recorded operations in order.
func (p *FakePage) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Visible reports the last SetVisible value.
func (p *FakePage) Visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

// Storage returns a copy of local storage.
func (p *FakePage) Storage() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.storage))
	for k, v := range p.storage {
		out[k] = v
	}
	return out
}

func (p *FakePage) record(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
}

func (p *FakePage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.record("navigate %s", url)
	p.mu.Lock()
	p.url = url
	hook := p.OnNavigate
	p.mu.Unlock()
	if hook != nil {
		hook(url)
	}
	return nil
}

func (p *FakePage) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.record("reload")
	p.mu.Lock()
	hook := p.OnReload
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (p *FakePage) CurrentURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *FakePage) IsElementPresent(ctx context.Context, selector string, opts ...browser.QueryOption) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	hook := p.OnPresence
	p.mu.Unlock()
	if hook != nil {
		if err := hook(selector); err != nil {
			return false, err
		}
	}
	q := browser.ResolveQuery(opts...)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elements[elementKey(selector, q.IncludesText)], nil
}

func (p *FakePage) WaitForElement(ctx context.Context, selector string, opts ...browser.QueryOption) error {
	q := browser.ResolveQuery(opts...)
	check := func(c context.Context) (bool, error) {
		return p.IsElementPresent(c, selector, browser.WithText(q.IncludesText))
	}
	err := waitfor.Until(ctx, "element "+selector, check, waitfor.Options{Interval: q.Interval, Timeout: q.Timeout, TolerateErrors: true})
	if waitfor.IsTimeout(err) {
		return errs.Wrap(err, errs.CodeNavigationTimeout, "wait for element", selector)
	}
	return err
}

func (p *FakePage) Click(ctx context.Context, selector string, opts ...browser.QueryOption) error {
	if err := p.WaitForElement(ctx, selector, opts...); err != nil {
		return err
	}
	q := browser.ResolveQuery(opts...)
	if q.IncludesText != "" {
		p.record("click %s [%s]", selector, q.IncludesText)
	} else {
		p.record("click %s", selector)
	}
	p.mu.Lock()
	hook := p.OnClick
	p.mu.Unlock()
	if hook != nil {
		return hook(selector, q.IncludesText)
	}
	return nil
}

func (p *FakePage) FillText(ctx context.Context, selector, value string) error {
	if err := p.WaitForElement(ctx, selector); err != nil {
		return err
	}
	p.record("fill %s", selector)
	p.mu.Lock()
	hook := p.OnFill
	p.mu.Unlock()
	if hook != nil {
		return hook(selector, value)
	}
	return nil
}

func (p *FakePage) Evaluate(ctx context.Context, script string, res any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	hook := p.OnEvaluate
	p.mu.Unlock()
	if hook != nil {
		return hook(script, res)
	}
	return nil
}

func (p *FakePage) LocalStorageGet(ctx context.Context, key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.storage[key]
	return v, ok, nil
}

func (p *FakePage) LocalStorageSet(ctx context.Context, key, value string) error {
	p.record("storage set %s", key)
	p.mu.Lock()
	hook := p.OnStorageSet
	p.mu.Unlock()
	if hook != nil {
		var keep bool
		if value, keep = hook(key, value); !keep {
			return nil
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.storage[key] = value
	return nil
}

// SetStorage writes local storage without recording a call.
func (p *FakePage) SetStorage(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.storage[key] = value
}

func (p *FakePage) LocalStorageClear(ctx context.Context) error {
	p.record("storage clear")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.storage = make(map[string]string)
	return nil
}

func (p *FakePage) LocalStorageLen(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.storage), nil
}

func (p *FakePage) SetVisible(ctx context.Context, visible bool) error {
	p.record("visible %t", visible)
	p.mu.Lock()
	p.visible = visible
	hook := p.OnSetVisible
	p.mu.Unlock()
	if hook != nil {
		hook(visible)
	}
	return nil
}
