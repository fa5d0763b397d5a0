// internal/browser/page.go
package browser

import (
	"context"
	"time"
)

// Page is the navigation and DOM surface the portal automation drives.
// Query methods fail with an errs.CodeNavigationTimeout error when the target
// never appears within the bound given by WithTimeout.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)

	IsElementPresent(ctx context.Context, selector string, opts ...QueryOption) (bool, error)
	WaitForElement(ctx context.Context, selector string, opts ...QueryOption) error
	Click(ctx context.Context, selector string, opts ...QueryOption) error
	FillText(ctx context.Context, selector, value string) error

	// Evaluate runs a JavaScript expression in the page and decodes its JSON
	// result into res, which may be nil.
	Evaluate(ctx context.Context, script string, res any) error

	LocalStorageGet(ctx context.Context, key string) (string, bool, error)
	LocalStorageSet(ctx context.Context, key, value string) error
	LocalStorageClear(ctx context.Context) error
	LocalStorageLen(ctx context.Context) (int, error)

	// SetVisible brings the window to the user for human paced steps.
	SetVisible(ctx context.Context, visible bool) error
}

// Query holds the resolved options of a DOM query.
type Query struct {
	// IncludesText restricts matches to elements whose text contains this value.
	IncludesText string
	Timeout      time.Duration
	Interval     time.Duration
}

// QueryOption customizes a DOM query.
type QueryOption func(*Query)

// WithText matches only elements whose textContent includes text.
func WithText(text string) QueryOption {
	return func(q *Query) { q.IncludesText = text }
}

// WithTimeout bounds WaitForElement and Click. Zero waits until ctx is done.
func WithTimeout(d time.Duration) QueryOption {
	return func(q *Query) { q.Timeout = d }
}

// WithInterval sets the polling period of WaitForElement.
func WithInterval(d time.Duration) QueryOption {
	return func(q *Query) { q.Interval = d }
}

// DefaultQueryTimeout applies when no WithTimeout option is given.
const DefaultQueryTimeout = 30 * time.Second

// ResolveQuery applies opts over the defaults.
func ResolveQuery(opts ...QueryOption) Query {
	q := Query{Timeout: DefaultQueryTimeout, Interval: 250 * time.Millisecond}
	for _, opt := range opts {
		opt(&q)
	}
	return q
}
