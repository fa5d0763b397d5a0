// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
	"github.com/xkilldash9x/payslip-cli/internal/config"
	"github.com/xkilldash9x/payslip-cli/internal/errs"
	"github.com/xkilldash9x/payslip-cli/internal/harvest"
	"github.com/xkilldash9x/payslip-cli/internal/mocks"
	"github.com/xkilldash9x/payslip-cli/internal/site"
)

// -- Mock Implementations for Testing --

type mockAuth struct {
	mock.Mock
}

func (m *mockAuth) EnsureAuthenticated(ctx context.Context, hint string) (bool, error) {
	args := m.Called(ctx, hint)
	return args.Bool(0), args.Error(1)
}

func (m *mockAuth) CapturedCredentials() *schemas.Credentials {
	creds, _ := m.Called().Get(0).(*schemas.Credentials)
	return creds
}

type mockSwitcher struct {
	mock.Mock
}

func (m *mockSwitcher) ShowAccountSwitchPage(ctx context.Context) ([]schemas.Account, error) {
	args := m.Called(ctx)
	accts, _ := args.Get(0).([]schemas.Account)
	return accts, args.Error(1)
}

func (m *mockSwitcher) SwitchActiveAccount(ctx context.Context, a schemas.Account) (schemas.ContractContext, error) {
	args := m.Called(ctx, a)
	return args.Get(0).(schemas.ContractContext), args.Error(1)
}

func (m *mockSwitcher) PickerEntries(ctx context.Context) ([]site.PickerEntry, error) {
	args := m.Called(ctx)
	entries, _ := args.Get(0).([]site.PickerEntry)
	return entries, args.Error(1)
}

func (m *mockSwitcher) SelectPickerEntry(ctx context.Context, e site.PickerEntry) (schemas.Account, schemas.ContractContext, error) {
	args := m.Called(ctx, e)
	return args.Get(0).(schemas.Account), args.Get(1).(schemas.ContractContext), args.Error(2)
}

type mockHarvester struct {
	mock.Mock
}

func (m *mockHarvester) Harvest(ctx context.Context, req harvest.Request) (harvest.Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(harvest.Result), args.Error(1)
}

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Extract(ctx context.Context) (schemas.IdentityRecord, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.IdentityRecord), args.Error(1)
}

// -- Fixture --

type fixture struct {
	auth      *mockAuth
	switcher  *mockSwitcher
	harvester *mockHarvester
	extractor *mockExtractor
	creds     *mocks.MockCredentialStore
	sink      *mocks.MockIdentitySink
	runs      *mocks.MockRunStore
	cfg       *config.Config
	now       time.Time
}

func newFixture() *fixture {
	return &fixture{
		auth:      new(mockAuth),
		switcher:  new(mockSwitcher),
		harvester: new(mockHarvester),
		extractor: new(mockExtractor),
		creds:     new(mocks.MockCredentialStore),
		sink:      new(mocks.MockIdentitySink),
		runs:      new(mocks.MockRunStore),
		cfg:       config.NewDefaultConfig(),
		now:       time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) build(t *testing.T, mode site.SwitchMode) *Orchestrator {
	t.Helper()
	o, err := New(f.cfg, mode, Deps{
		Auth:        f.auth,
		Switcher:    f.switcher,
		Harvester:   f.harvester,
		Identity:    f.extractor,
		Credentials: f.creds,
		Identities:  f.sink,
		Runs:        f.runs,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	o.now = func() time.Time { return f.now }
	return o
}

func (f *fixture) assertAll(t *testing.T) {
	mock.AssertExpectationsForObjects(t, f.auth, f.switcher, f.harvester, f.extractor, f.creds, f.sink, f.runs)
}

func timeAt(t time.Time) *time.Time { return &t }

func account(company, start, role string) schemas.Account {
	return schemas.Account{CompanyName: company, ContractStartKey: start, UserRole: role, Raw: []byte(`{"company":"` + company + `"}`)}
}

var (
	captured  = &schemas.Credentials{Email: "jane@example.com", Password: "hunter2"}
	identity  = schemas.IdentityRecord{Email: []schemas.Email{{Address: "jane@example.com"}}}
	noHistory = schemas.TriggerState{}
)

// -- Tests --

func TestNew_NilDependencies(t *testing.T) {
	_, err := New(config.NewDefaultConfig(), site.SwitchStorage, Deps{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestRun_FirstRunHarvestsEveryAccount(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	alpha := account("Alpha", "20200101", "employee")
	beta := account("Beta", "20210101", "employee")
	admin := account("Admin Corp", "20230101", "admin")
	contract := schemas.ContractContext{ContractName: "CDI", ContractStartDate: "2020-01-01"}

	f.runs.On("TriggerState", ctx).Return(schemas.TriggerState{}, nil)
	f.runs.On("StartRun", ctx, true, mock.Anything).Return("run-1", nil)
	f.creds.On("GetCredentials", ctx).Return(nil, nil)
	f.auth.On("EnsureAuthenticated", ctx, "").Return(true, nil)
	f.switcher.On("ShowAccountSwitchPage", ctx).Return([]schemas.Account{alpha, admin, beta}, nil).Once()
	f.auth.On("CapturedCredentials").Return(captured)

	var order []string
	f.switcher.On("SwitchActiveAccount", ctx, mock.Anything).Return(contract, nil).
		Run(func(args mock.Arguments) { order = append(order, args.Get(1).(schemas.Account).CompanyName) })
	f.harvester.On("Harvest", ctx, mock.MatchedBy(func(r harvest.Request) bool {
		return r.FullRefresh && r.SourceAccount == "jane@example.com" && r.Contract == contract
	})).Return(harvest.Result{Documents: 4, Batches: 1}, nil)
	f.extractor.On("Extract", ctx).Return(identity, nil)
	f.sink.On("SaveIdentity", ctx, "jane@example.com", identity).Return(nil)
	f.creds.On("SaveCredentials", ctx, *captured).Return(nil)
	f.runs.On("FinishRun", mock.Anything, "run-1", "jane@example.com", 8, nil).Return(nil)

	sum, err := f.build(t, site.SwitchStorage).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"Beta", "Alpha"}, order, "newest contract first, admin excluded")
	assert.Equal(t, 2, sum.Accounts)
	assert.Equal(t, 8, sum.Documents)
	assert.True(t, sum.Mode.FullRefresh)
	f.assertAll(t)
}

func TestRun_IncrementalHarvestsNewestAccountOnly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	last := f.now.Add(-48 * time.Hour)

	alpha := account("Alpha", "20200101", "employee")
	beta := account("Beta", "20210101", "employee")

	f.runs.On("TriggerState", ctx).Return(schemas.TriggerState{LastExecution: timeAt(last), LastSuccess: timeAt(last)}, nil)
	f.runs.On("StartRun", ctx, false, mock.Anything).Return("run-2", nil)
	f.creds.On("GetCredentials", ctx).Return(&schemas.Credentials{Email: "jane@example.com", Password: "x"}, nil)
	f.auth.On("EnsureAuthenticated", ctx, "jane@example.com").Return(true, nil)
	f.switcher.On("ShowAccountSwitchPage", ctx).Return([]schemas.Account{alpha, beta}, nil)
	f.auth.On("CapturedCredentials").Return(nil)
	f.switcher.On("SwitchActiveAccount", ctx, beta).Return(schemas.ContractContext{}, nil).Once()
	f.harvester.On("Harvest", ctx, mock.MatchedBy(func(r harvest.Request) bool { return !r.FullRefresh })).
		Return(harvest.Result{Documents: 1, Batches: 1}, nil)
	f.runs.On("FinishRun", mock.Anything, "run-2", "jane@example.com", 1, nil).Return(nil)

	sum, err := f.build(t, site.SwitchStorage).Run(ctx)
	require.NoError(t, err)
	assert.False(t, sum.Mode.FullRefresh)
	assert.Equal(t, 1, sum.Accounts)

	f.extractor.AssertNotCalled(t, "Extract", mock.Anything)
	f.creds.AssertNotCalled(t, "SaveCredentials", mock.Anything, mock.Anything)
	f.assertAll(t)
}

func TestRun_NoSourceAccount(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.runs.On("TriggerState", ctx).Return(noHistory, nil)
	f.runs.On("StartRun", ctx, true, mock.Anything).Return("run-3", nil)
	f.creds.On("GetCredentials", ctx).Return(nil, nil)
	f.auth.On("EnsureAuthenticated", ctx, "").Return(true, nil)
	f.switcher.On("ShowAccountSwitchPage", ctx).Return([]schemas.Account{account("A", "20200101", "employee")}, nil)
	f.auth.On("CapturedCredentials").Return(nil)
	f.runs.On("FinishRun", mock.Anything, "run-3", "", 0, mock.Anything).Return(nil)

	_, err := f.build(t, site.SwitchStorage).Run(ctx)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeIdentityIncomplete))
	f.harvester.AssertNotCalled(t, "Harvest", mock.Anything, mock.Anything)
	f.assertAll(t)
}

func TestRun_HarvestFailureKeepsCredentialsUnsaved(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	harvestErr := errs.New(errs.CodeUnresolvedDocument, "harvest.fetchBatch", "no signed URL for vendor42")

	f.runs.On("TriggerState", ctx).Return(noHistory, nil)
	f.runs.On("StartRun", ctx, true, mock.Anything).Return("run-4", nil)
	f.creds.On("GetCredentials", ctx).Return(nil, nil)
	f.auth.On("EnsureAuthenticated", ctx, "").Return(true, nil)
	f.switcher.On("ShowAccountSwitchPage", ctx).Return([]schemas.Account{account("A", "20200101", "employee")}, nil)
	f.auth.On("CapturedCredentials").Return(captured)
	f.switcher.On("SwitchActiveAccount", ctx, mock.Anything).Return(schemas.ContractContext{}, nil)
	f.harvester.On("Harvest", ctx, mock.Anything).Return(harvest.Result{Documents: 10, Batches: 1}, harvestErr)
	f.runs.On("FinishRun", mock.Anything, "run-4", "jane@example.com", 10, mock.MatchedBy(func(err error) bool {
		return errs.Is(err, errs.CodeUnresolvedDocument)
	})).Return(nil)

	sum, err := f.build(t, site.SwitchStorage).Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, harvestErr)
	assert.Contains(t, err.Error(), "account 1/1 A")
	assert.Equal(t, 10, sum.Documents, "documents persisted before the failure are counted")
	f.creds.AssertNotCalled(t, "SaveCredentials", mock.Anything, mock.Anything)
	f.extractor.AssertNotCalled(t, "Extract", mock.Anything)
	f.assertAll(t)
}

func TestRun_SwitchMismatchIsFatal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	mismatch := errs.New(errs.CodeStateMismatch, "waitForAccountInLocalStorage", "accountChoice differs")

	f.runs.On("TriggerState", ctx).Return(noHistory, nil)
	f.runs.On("StartRun", ctx, true, mock.Anything).Return("run-5", nil)
	f.creds.On("GetCredentials", ctx).Return(nil, nil)
	f.auth.On("EnsureAuthenticated", ctx, "").Return(true, nil)
	f.switcher.On("ShowAccountSwitchPage", ctx).Return([]schemas.Account{
		account("A", "20200101", "employee"), account("B", "20190101", "employee"),
	}, nil)
	f.auth.On("CapturedCredentials").Return(captured)
	f.switcher.On("SwitchActiveAccount", ctx, mock.Anything).Return(schemas.ContractContext{}, mismatch).Once()
	f.runs.On("FinishRun", mock.Anything, "run-5", "jane@example.com", 0, mock.Anything).Return(nil)

	_, err := f.build(t, site.SwitchStorage).Run(ctx)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeStateMismatch))
	f.switcher.AssertNumberOfCalls(t, "SwitchActiveAccount", 1)
	f.harvester.AssertNotCalled(t, "Harvest", mock.Anything, mock.Anything)
}

func TestRun_PickerVisitsEveryContractOnFullRefresh(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	entries := []site.PickerEntry{
		{Index: 0, Company: "Acme", Description: "CDI depuis le 01/09/2022"},
		{Index: 1, Company: "Acme", Description: "CDD du 01/01/2021 au 31/08/2022"},
	}

	f.runs.On("TriggerState", ctx).Return(noHistory, nil)
	f.runs.On("StartRun", ctx, true, mock.Anything).Return("run-6", nil)
	f.creds.On("GetCredentials", ctx).Return(nil, nil)
	f.auth.On("EnsureAuthenticated", ctx, "").Return(true, nil)
	f.switcher.On("ShowAccountSwitchPage", ctx).Return(nil, nil)
	f.auth.On("CapturedCredentials").Return(captured)
	f.switcher.On("PickerEntries", ctx).Return(entries, nil)
	for _, e := range entries {
		f.switcher.On("SelectPickerEntry", ctx, e).Return(schemas.Account{CompanyName: e.Company}, schemas.ContractContext{}, nil).Once()
	}
	f.harvester.On("Harvest", ctx, mock.Anything).Return(harvest.Result{Documents: 2, Batches: 1}, nil)
	f.extractor.On("Extract", ctx).Return(identity, nil)
	f.sink.On("SaveIdentity", ctx, "jane@example.com", identity).Return(nil)
	f.creds.On("SaveCredentials", ctx, *captured).Return(nil)
	f.runs.On("FinishRun", mock.Anything, "run-6", "jane@example.com", 4, nil).Return(nil)

	sum, err := f.build(t, site.SwitchPicker).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Accounts)
	// Once for the account list, once more to return to the picker per extra contract,
	// and a final time to find nothing left.
	f.switcher.AssertNumberOfCalls(t, "ShowAccountSwitchPage", 3)
	f.switcher.AssertNotCalled(t, "SwitchActiveAccount", mock.Anything, mock.Anything)
	f.assertAll(t)
}

func TestRun_FinishRunSurvivesCancellation(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())

	f.runs.On("TriggerState", ctx).Return(noHistory, nil)
	f.runs.On("StartRun", ctx, true, mock.Anything).Return("run-7", nil)
	f.creds.On("GetCredentials", ctx).Return(nil, nil)
	f.auth.On("EnsureAuthenticated", ctx, "").Return(false, context.Canceled).Run(func(mock.Arguments) { cancel() })
	f.runs.On("FinishRun", mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }), "run-7", "", 0, context.Canceled).Return(nil)

	_, err := f.build(t, site.SwitchStorage).Run(ctx)
	require.Error(t, err)
	assert.True(t, IsInterrupted(err))
	f.runs.AssertExpectations(t)
}

func TestRun_HistoryError(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.runs.On("TriggerState", ctx).Return(schemas.TriggerState{}, errors.New("db down"))

	_, err := f.build(t, site.SwitchStorage).Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading run history")
	f.runs.AssertNotCalled(t, "StartRun", mock.Anything, mock.Anything, mock.Anything)
}
