package harvest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/payslip-cli/internal/browser"
	"github.com/xkilldash9x/payslip-cli/internal/errs"
	"github.com/xkilldash9x/payslip-cli/internal/site"
)

func (h *Harvester) snapshot(ctx context.Context) (site.ListingSnapshot, error) {
	var snap site.ListingSnapshot
	if err := h.page.Evaluate(ctx, site.ListingSnapshotScript(h.site.Listing()), &snap); err != nil {
		return snap, fmt.Errorf("reading payslip list: %w", err)
	}
	if !snap.Found {
		return snap, errs.New(errs.CodeNavigationTimeout, "harvest.snapshot", "payslip list %s is gone", h.site.Listing().Container)
	}
	return snap, nil
}

func (h *Harvester) scroll(ctx context.Context, script string) error {
	if err := h.page.Evaluate(ctx, script, nil); err != nil {
		return fmt.Errorf("scrolling payslip list: %w", err)
	}
	return h.pause(ctx)
}

// Enumerate scrolls the virtualized list to its end and returns the distinct
// document ids in display order, newest first. Unless forceAll is set it
// stops after the incremental limit.
func (h *Harvester) Enumerate(ctx context.Context, forceAll bool) ([]string, error) {
	l := h.site.Listing()
	if err := h.page.WaitForElement(ctx, l.Container,
		browser.WithTimeout(h.cfg.ListingTimeout), browser.WithInterval(h.cfg.PollInterval)); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	for attempt := 0; ; attempt++ {
		snap, err := h.snapshot(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range snap.IDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
			if !forceAll && len(ids) >= h.cfg.IncrementalLimit {
				h.logger.Debug("Incremental limit reached", zap.Int("ids", len(ids)))
				return ids, nil
			}
		}
		if snap.IsLastPage() {
			h.logger.Debug("Payslip list enumerated", zap.Int("ids", len(ids)), zap.Int("scrolls", attempt))
			return ids, nil
		}
		if attempt >= h.cfg.MaxScrollAttempts {
			return nil, errs.New(errs.CodeNavigationTimeout, "harvest.enumerate",
				"list end not reached after %d scrolls (%d ids)", attempt, len(ids))
		}
		if err := h.scroll(ctx, site.ListingScrollScript(l)); err != nil {
			return nil, err
		}
	}
}

// reveal scrolls until the item of id is rendered, first onward from the
// current position and then once more from the top.
func (h *Harvester) reveal(ctx context.Context, id string) error {
	l := h.site.Listing()
	selector := site.ItemSelector(l, id)
	for pass := 0; pass < 2; pass++ {
		if pass == 1 {
			if err := h.scroll(ctx, site.ListingScrollTopScript(l)); err != nil {
				return err
			}
		}
		for attempt := 0; attempt <= h.cfg.MaxScrollAttempts; attempt++ {
			present, err := h.page.IsElementPresent(ctx, selector)
			if err != nil {
				return err
			}
			if present {
				return nil
			}
			snap, err := h.snapshot(ctx)
			if err != nil {
				return err
			}
			if snap.IsLastPage() {
				break
			}
			if err := h.scroll(ctx, site.ListingScrollScript(l)); err != nil {
				return err
			}
		}
	}
	return errs.New(errs.CodeUnresolvedDocument, "harvest.reveal", "document %s is not rendered in the list", id)
}
