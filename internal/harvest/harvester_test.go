package harvest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
	"github.com/xkilldash9x/payslip-cli/internal/config"
	"github.com/xkilldash9x/payslip-cli/internal/errs"
	"github.com/xkilldash9x/payslip-cli/internal/interception"
	"github.com/xkilldash9x/payslip-cli/internal/mocks"
	"github.com/xkilldash9x/payslip-cli/internal/site"
)

var testHarvestConfig = config.HarvestConfig{
	BatchSize:         10,
	BatchWait:         100 * time.Millisecond,
	IncrementalLimit:  3,
	PollInterval:      time.Millisecond,
	ListingTimeout:    100 * time.Millisecond,
	MaxScrollAttempts: 50,
}

const itemHeight = 80

// virtualList renders a window of the payslip list on a FakePage and answers
// the listing scripts the way the portal's windowed list does.
type virtualList struct {
	mu       sync.Mutex
	page     *mocks.FakePage
	registry *interception.Registry
	adapter  site.Adapter
	ids      []string // newest first
	start    int
	window   int
	scrolls  int
	// drop lists ids whose click never produces a signed URL.
	drop map[string]bool
}

func docIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("vendor%06d", i)
	}
	return ids
}

func newVirtualList(t *testing.T, n int) *virtualList {
	t.Helper()
	adapter, err := site.New(config.RevisionStorage)
	require.NoError(t, err)
	registry := interception.NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, registry.RegisterAll(adapter.Patterns()))

	v := &virtualList{
		page:     mocks.NewFakePage(),
		registry: registry,
		adapter:  adapter,
		ids:      docIDs(n),
		window:   4,
		drop:     make(map[string]bool),
	}
	v.page.OnNavigate = v.onNavigate
	v.page.OnEvaluate = v.onEvaluate
	v.page.OnClick = v.onClick
	return v
}

func (v *virtualList) end() int {
	end := v.start + v.window
	if end > len(v.ids) {
		end = len(v.ids)
	}
	return end
}

func (v *virtualList) render() {
	l := v.adapter.Listing()
	for _, id := range v.ids {
		v.page.Hide(site.ItemSelector(l, id))
	}
	v.page.Show(l.Container)
	for _, id := range v.ids[v.start:v.end()] {
		v.page.Show(site.ItemSelector(l, id))
	}
}

func (v *virtualList) listingBody() []byte {
	entries := make([]ListingEntry, len(v.ids))
	for i, id := range v.ids {
		entries[i] = ListingEntry{ID: id, AbsoluteMonth: 120 - i, CreatedAt: "2024-01-31T10:00:00Z"}
	}
	body, _ := json.Marshal(entries)
	return body
}

func (v *virtualList) onNavigate(url string) {
	if url != v.adapter.URLs().Payslips {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.start = 0
	v.render()
	v.registry.Observe(interception.Event{
		Method:         "POST",
		URL:            "https://api.payfit.com/files/files",
		RequestHeaders: map[string]string{"Authorization": "Bearer token-123"},
		Status:         200,
		Body:           v.listingBody(),
	})
}

func (v *virtualList) onEvaluate(script string, res any) error {
	l := v.adapter.Listing()
	v.mu.Lock()
	defer v.mu.Unlock()
	switch script {
	case site.ListingSnapshotScript(l):
		end := v.end()
		*(res.(*site.ListingSnapshot)) = site.ListingSnapshot{
			IDs:             append([]string(nil), v.ids[v.start:end]...),
			LastOffset:      float64((end - 1) * itemHeight),
			LastHeight:      itemHeight,
			MaxScrollHeight: float64(len(v.ids) * itemHeight),
			Found:           true,
		}
	case site.ListingScrollScript(l):
		v.scrolls++
		v.start += v.window - 1
		if last := len(v.ids) - v.window; v.start > last {
			v.start = last
		}
		if v.start < 0 {
			v.start = 0
		}
		v.render()
	case site.ListingScrollTopScript(l):
		v.start = 0
		v.render()
	default:
		return fmt.Errorf("unexpected script")
	}
	return nil
}

func (v *virtualList) onClick(selector, text string) error {
	l := v.adapter.Listing()
	for _, id := range v.ids {
		if selector != site.ItemSelector(l, id) {
			continue
		}
		if v.drop[id] {
			return nil
		}
		v.registry.Observe(interception.Event{
			Method: "GET",
			URL:    "https://api.payfit.com/files/file/" + id + "/presigned-url?attachment=1",
			Status: 200,
			Body:   []byte(`{"url":"/file/` + id + `/download?signature=abc"}`),
		})
		return nil
	}
	return fmt.Errorf("unknown item %s", selector)
}

func (v *virtualList) harvester(t *testing.T, sink DocumentSink) *Harvester {
	return New(v.page, v.registry, v.adapter, sink, testHarvestConfig, 100*time.Millisecond, zaptest.NewLogger(t))
}

func capturingSink() (*mocks.MockDocumentSink, *[][]schemas.PayslipDocument, *[]schemas.SaveOptions) {
	sink := new(mocks.MockDocumentSink)
	var batches [][]schemas.PayslipDocument
	var opts []schemas.SaveOptions
	sink.On("SaveFiles", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		batches = append(batches, args.Get(1).([]schemas.PayslipDocument))
		opts = append(opts, args.Get(2).(schemas.SaveOptions))
	}).Return(nil)
	return sink, &batches, &opts
}

var testRequest = Request{
	Account:       schemas.Account{CompanyName: "Acme"},
	Contract:      schemas.ContractContext{ContractName: "CDI", ContractStartDate: "01/09/2020"},
	SourceAccount: "jane@example.com",
}

func TestEnumerate(t *testing.T) {
	t.Run("incremental stops at the limit", func(t *testing.T) {
		v := newVirtualList(t, 25)
		v.onNavigate(v.adapter.URLs().Payslips)
		ids, err := v.harvester(t, nil).Enumerate(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, v.ids[:3], ids)
		assert.Zero(t, v.scrolls)
	})

	t.Run("force all scrolls to the last page", func(t *testing.T) {
		v := newVirtualList(t, 25)
		v.onNavigate(v.adapter.URLs().Payslips)
		ids, err := v.harvester(t, nil).Enumerate(context.Background(), true)
		require.NoError(t, err)
		assert.Equal(t, v.ids, ids)
		assert.Positive(t, v.scrolls)
	})

	t.Run("short list", func(t *testing.T) {
		v := newVirtualList(t, 2)
		v.onNavigate(v.adapter.URLs().Payslips)
		ids, err := v.harvester(t, nil).Enumerate(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, v.ids, ids)
	})

	t.Run("scroll cap", func(t *testing.T) {
		v := newVirtualList(t, 25)
		v.onNavigate(v.adapter.URLs().Payslips)
		h := v.harvester(t, nil)
		h.cfg.MaxScrollAttempts = 2
		_, err := h.Enumerate(context.Background(), true)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.CodeNavigationTimeout))
	})

	t.Run("missing list", func(t *testing.T) {
		v := newVirtualList(t, 5)
		_, err := v.harvester(t, nil).Enumerate(context.Background(), true)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.CodeNavigationTimeout))
	})
}

func TestHarvest_FullRefresh(t *testing.T) {
	v := newVirtualList(t, 25)
	sink, batches, opts := capturingSink()
	h := v.harvester(t, sink)

	req := testRequest
	req.FullRefresh = true
	res, err := h.Harvest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Result{Documents: 25, Batches: 3}, res)
	assert.Equal(t, StateDone, h.State())

	require.Len(t, *batches, 3)
	var sizes []int
	seen := make(map[string]bool)
	for _, batch := range *batches {
		sizes = append(sizes, len(batch))
		for _, d := range batch {
			assert.False(t, seen[d.VendorID], "duplicate %s", d.VendorID)
			seen[d.VendorID] = true
		}
	}
	assert.Equal(t, []int{10, 10, 5}, sizes)
	assert.Len(t, seen, 25)

	// The newest ten documents go first.
	for _, d := range (*batches)[0] {
		idx := strings.TrimPrefix(d.VendorID, "vendor")
		assert.Less(t, idx, "000010", d.VendorID)
	}

	first := (*batches)[0][0]
	assert.Equal(t, "https://api.payfit.com/files/file/"+first.VendorID+"/download?signature=abc", first.DownloadURL)

	o := (*opts)[0]
	assert.Equal(t, "Acme - CDI - 2020-09-01", o.SubPath)
	assert.Equal(t, "token-123", o.Token)
	assert.Equal(t, []string{"vendorId"}, o.FileIDAttributes)
	assert.Equal(t, "application/pdf", o.ContentType)
	assert.Equal(t, "pay_sheet", o.QualificationLabel)
	assert.Equal(t, "jane@example.com", o.SourceAccount)
	sink.AssertNumberOfCalls(t, "SaveFiles", 3)
}

func TestHarvest_Incremental(t *testing.T) {
	v := newVirtualList(t, 25)
	sink, batches, _ := capturingSink()

	res, err := v.harvester(t, sink).Harvest(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, Result{Documents: 3, Batches: 1}, res)
	require.Len(t, *batches, 1)

	var got []string
	for _, d := range (*batches)[0] {
		got = append(got, d.VendorID)
	}
	assert.ElementsMatch(t, v.ids[:3], got)
}

func TestHarvest_UnresolvedDocumentKeepsEarlierBatches(t *testing.T) {
	v := newVirtualList(t, 25)
	// vendor000012 belongs to the second batch.
	v.drop["vendor000012"] = true
	sink, batches, _ := capturingSink()

	req := testRequest
	req.FullRefresh = true
	res, err := v.harvester(t, sink).Harvest(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeUnresolvedDocument))
	assert.Contains(t, err.Error(), "vendor000012")
	assert.Contains(t, err.Error(), "batch 2/3")

	assert.Equal(t, Result{Documents: 10, Batches: 1}, res)
	assert.Len(t, *batches, 1)
}

func TestHarvest_DropsUnclaimedSignedURLs(t *testing.T) {
	v := newVirtualList(t, 25)
	newest := site.ItemSelector(v.adapter.Listing(), v.ids[0])
	v.page.OnClick = func(selector, text string) error {
		if err := v.onClick(selector, text); err != nil {
			return err
		}
		if selector == newest {
			// A double click yields a second signed URL for the same document.
			return v.onClick(selector, text)
		}
		return nil
	}
	core, logs := observer.New(zapcore.DebugLevel)
	sink, _, _ := capturingSink()
	h := New(v.page, v.registry, v.adapter, sink, testHarvestConfig, 100*time.Millisecond, zap.New(core))

	res, err := h.Harvest(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, Result{Documents: 3, Batches: 1}, res)

	dropped := logs.FilterMessage("Dropping signed URLs no document claimed.").All()
	require.Len(t, dropped, 1)
	assert.EqualValues(t, 1, dropped[0].ContextMap()["count"])
	assert.Equal(t, 0, v.registry.Len(site.LabelSignedURL))
}

func TestHarvest_EmptyListingSkipsTheList(t *testing.T) {
	v := newVirtualList(t, 0)
	v.page.OnNavigate = func(url string) {
		v.onNavigate(url)
		// Contracts without payslips show an empty-state panel instead.
		v.page.Hide(v.adapter.Listing().Container)
	}
	sink := new(mocks.MockDocumentSink)

	h := v.harvester(t, sink)
	res, err := h.Harvest(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, StateDone, h.State())
	sink.AssertNotCalled(t, "SaveFiles", mock.Anything, mock.Anything, mock.Anything)
}

func TestHarvest_ListingTimeout(t *testing.T) {
	v := newVirtualList(t, 5)
	v.page.OnNavigate = nil
	sink := new(mocks.MockDocumentSink)

	_, err := v.harvester(t, sink).Harvest(context.Background(), testRequest)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeInterceptionTimeout))
	sink.AssertNotCalled(t, "SaveFiles", mock.Anything, mock.Anything, mock.Anything)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "NavigateToListing", StateNavigateToListing.String())
	assert.Equal(t, "AwaitSignedUrls", StateAwaitSignedURLs.String())
	assert.Equal(t, "State(42)", State(42).String())
}
