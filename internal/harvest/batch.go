package harvest

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
	"github.com/xkilldash9x/payslip-cli/internal/browser"
	"github.com/xkilldash9x/payslip-cli/internal/errs"
	"github.com/xkilldash9x/payslip-cli/internal/interception"
	"github.com/xkilldash9x/payslip-cli/internal/site"
)

// Partition splits ids into batches of at most size, starting with the highest
// index range. Order inside a batch is preserved.
func Partition(ids []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	batches := make([][]string, 0, (len(ids)+size-1)/size)
	for end := len(ids); end > 0; end -= size {
		start := end - size
		if start < 0 {
			start = 0
		}
		batches = append(batches, ids[start:end:end])
	}
	return batches
}

// FetchBatch clicks every document of the batch and waits for as many signed
// URL responses as clicks. A shortfall is an errs.CodeUnresolvedDocument error.
func (h *Harvester) FetchBatch(ctx context.Context, ids []string) ([]interception.Response, error) {
	l := h.site.Listing()
	h.registry.Clear(site.LabelSignedURL)

	for _, id := range ids {
		h.enter(StateScrollBatch, zap.String("vendor_id", id))
		if err := h.reveal(ctx, id); err != nil {
			return nil, err
		}
		h.enter(StateClickBatch, zap.String("vendor_id", id))
		selector := site.ItemSelector(l, id)
		if err := h.page.Click(ctx, selector, browser.WithTimeout(h.cfg.ListingTimeout), browser.WithInterval(h.cfg.PollInterval)); err != nil {
			return nil, fmt.Errorf("clicking document %s: %w", id, err)
		}
	}

	h.enter(StateAwaitSignedURLs, zap.Int("clicked", len(ids)))
	signed, err := h.registry.AwaitN(ctx, site.LabelSignedURL, len(ids), h.cfg.BatchWait)
	if err != nil {
		if !errs.Is(err, errs.CodeInterceptionTimeout) {
			return nil, err
		}
		return signed, errs.Wrap(err, errs.CodeUnresolvedDocument, "harvest.fetchBatch",
			"no signed URL for "+strings.Join(missing(ids, signed), ", "))
	}
	return signed, nil
}

// missing lists the ids that no response URL mentions.
func missing(ids []string, signed []interception.Response) []string {
	var out []string
	for _, id := range ids {
		found := false
		for _, resp := range signed {
			if strings.Contains(resp.URL, id) || strings.Contains(string(resp.Body), id) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, id)
		}
	}
	return out
}

// unresolved fails when a clicked id produced no document.
func unresolved(batch []string, docs []schemas.PayslipDocument) error {
	got := make(map[string]bool, len(docs))
	for _, d := range docs {
		got[d.VendorID] = true
	}
	var lost []string
	for _, id := range batch {
		if !got[id] {
			lost = append(lost, id)
		}
	}
	if len(lost) == 0 {
		return nil
	}
	return errs.New(errs.CodeUnresolvedDocument, "harvest.assemble", "no matching signed URL for %s", strings.Join(lost, ", "))
}
