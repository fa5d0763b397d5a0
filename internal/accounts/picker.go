package accounts

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
	"github.com/xkilldash9x/payslip-cli/internal/browser"
	"github.com/xkilldash9x/payslip-cli/internal/errs"
	"github.com/xkilldash9x/payslip-cli/internal/observability"
	"github.com/xkilldash9x/payslip-cli/internal/site"
)

// pickerDate matches dd/mm/yyyy or mm/yyyy.
var pickerDate = regexp.MustCompile(`(?:(\d{1,2})/)?(\d{1,2})/(\d{4})`)

// PickerDate returns the last date written in a picker entry and its text.
func PickerDate(e site.PickerEntry) (time.Time, string, bool) {
	matches := pickerDate.FindAllStringSubmatch(e.Label(), -1)
	if len(matches) == 0 {
		return time.Time{}, "", false
	}
	m := matches[len(matches)-1]
	day := 1
	if m[1] != "" {
		day, _ = strconv.Atoi(m[1])
	}
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, "", false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), m[0], true
}

// SelectClosestToDateContract picks the entry whose date is closest to now.
// Ties go to the first entry in DOM order; undated entries are never picked.
func SelectClosestToDateContract(entries []site.PickerEntry, now time.Time) (site.PickerEntry, bool) {
	var best site.PickerEntry
	var bestDistance time.Duration
	found := false
	for _, e := range entries {
		date, _, ok := PickerDate(e)
		if !ok {
			continue
		}
		distance := now.Sub(date)
		if distance < 0 {
			distance = -distance
		}
		if !found || distance < bestDistance {
			best, bestDistance, found = e, distance, true
		}
	}
	return best, found
}

// PickerTracker remembers which contract dates a run has already fetched.
type PickerTracker struct {
	visited []string
}

// Visited returns the fetched contract dates in visit order.
func (t *PickerTracker) Visited() []string {
	return append([]string(nil), t.visited...)
}

func (t *PickerTracker) seen(date string) bool {
	for _, v := range t.visited {
		if v == date {
			return true
		}
	}
	return false
}

// DetermineContractToSelect returns the next entry to open and records it. An
// incremental run opens only the contract closest to now; a full refresh opens
// every entry whose date was not fetched yet, in DOM order.
func (t *PickerTracker) DetermineContractToSelect(entries []site.PickerEntry, fullRefresh bool, now time.Time) (site.PickerEntry, bool) {
	if !fullRefresh {
		if len(t.visited) > 0 {
			return site.PickerEntry{}, false
		}
		e, ok := SelectClosestToDateContract(entries, now)
		if ok {
			_, date, _ := PickerDate(e)
			t.visited = append(t.visited, date)
		}
		return e, ok
	}

	for _, e := range entries {
		_, date, ok := PickerDate(e)
		if !ok {
			date = e.Label()
		}
		if !t.seen(date) {
			t.visited = append(t.visited, date)
			return e, true
		}
	}
	return site.PickerEntry{}, false
}

// PickerEntries lists the contracts offered on the picker screen.
func (s *Switcher) PickerEntries(ctx context.Context) ([]site.PickerEntry, error) {
	p := s.site.Picker()
	if err := s.page.WaitForElement(ctx, p.Entry, browser.WithTimeout(s.cfg.ReadbackTimeout), browser.WithInterval(s.cfg.ReadbackInterval)); err != nil {
		return nil, err
	}
	var entries []site.PickerEntry
	if err := s.page.Evaluate(ctx, site.PickerEntriesScript(p), &entries); err != nil {
		return nil, fmt.Errorf("listing picker entries: %w", err)
	}
	return entries, nil
}

// SelectPickerEntry opens entry and returns the contract context the portal loads for it.
func (s *Switcher) SelectPickerEntry(ctx context.Context, entry site.PickerEntry) (schemas.Account, schemas.ContractContext, error) {
	defer observability.StartStep(s.logger, "selectPickerEntry", zap.String("company", entry.Company))()

	var contract schemas.ContractContext
	account := schemas.Account{CompanyName: entry.Company, ContractDescriptor: entry.Description}
	if _, date, ok := PickerDate(entry); ok {
		account.ContractStartKey = ContractStartKey(date)
	}

	s.registry.Clear(site.LabelUserInfos)
	var clicked bool
	if err := s.page.Evaluate(ctx, site.PickerClickScript(s.site.Picker(), entry.Index), &clicked); err != nil {
		return account, contract, fmt.Errorf("clicking picker entry %d: %w", entry.Index, err)
	}
	if !clicked {
		return account, contract, errs.New(errs.CodeStateMismatch, "selectPickerEntry", "entry %d %q is gone", entry.Index, entry.Label())
	}

	resp, err := s.registry.Await(ctx, site.LabelUserInfos, s.interceptionTimeout)
	if err != nil {
		return account, contract, err
	}
	if err := resp.Decode(&contract); err != nil {
		return account, contract, fmt.Errorf("decoding contract context: %w", err)
	}
	return account, contract, nil
}
