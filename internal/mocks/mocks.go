// internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
)

// -- Credential Store Mock --

// MockCredentialStore mocks the credential vault.
type MockCredentialStore struct {
	mock.Mock
}

func (m *MockCredentialStore) GetCredentials(ctx context.Context) (*schemas.Credentials, error) {
	args := m.Called(ctx)
	creds, _ := args.Get(0).(*schemas.Credentials)
	return creds, args.Error(1)
}

func (m *MockCredentialStore) SaveCredentials(ctx context.Context, creds schemas.Credentials) error {
	args := m.Called(ctx, creds)
	return args.Error(0)
}

// -- Document Sink Mock --

// MockDocumentSink mocks the payslip file sink.
type MockDocumentSink struct {
	mock.Mock
}

func (m *MockDocumentSink) SaveFiles(ctx context.Context, docs []schemas.PayslipDocument, opts schemas.SaveOptions) error {
	args := m.Called(ctx, docs, opts)
	return args.Error(0)
}

// -- Identity Sink Mock --

// MockIdentitySink mocks the identity sink.
type MockIdentitySink struct {
	mock.Mock
}

func (m *MockIdentitySink) SaveIdentity(ctx context.Context, sourceAccount string, record schemas.IdentityRecord) error {
	args := m.Called(ctx, sourceAccount, record)
	return args.Error(0)
}

// -- Run History Mock --

// MockRunStore mocks the run history.
type MockRunStore struct {
	mock.Mock
}

func (m *MockRunStore) TriggerState(ctx context.Context) (schemas.TriggerState, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.TriggerState), args.Error(1)
}

func (m *MockRunStore) StartRun(ctx context.Context, fullRefresh bool, reason string) (string, error) {
	args := m.Called(ctx, fullRefresh, reason)
	return args.String(0), args.Error(1)
}

func (m *MockRunStore) FinishRun(ctx context.Context, id, sourceAccount string, documents int, runErr error) error {
	args := m.Called(ctx, id, sourceAccount, documents, runErr)
	return args.Error(0)
}
