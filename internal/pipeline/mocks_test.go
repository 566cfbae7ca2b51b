package pipeline_test

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"

	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// --- Mocks using testify/mock ---

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) Put(ctx context.Context, conn notify.Connection) error {
	args := m.Called(ctx, conn)
	return args.Error(0)
}
func (m *mockRegistry) Delete(ctx context.Context, connectionID string) error {
	args := m.Called(ctx, connectionID)
	return args.Error(0)
}
func (m *mockRegistry) LookupByConnection(ctx context.Context, connectionID string) (string, error) {
	args := m.Called(ctx, connectionID)
	return args.String(0), args.Error(1)
}
func (m *mockRegistry) LookupByUser(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	var result []string
	if val, ok := args.Get(0).([]string); ok {
		result = val
	}
	return result, args.Error(1)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Send(ctx context.Context, connectionID string, payload []byte) (notify.SendResult, error) {
	args := m.Called(ctx, connectionID, payload)
	return args.Get(0).(notify.SendResult), args.Error(1)
}
func (m *mockGateway) Revoke(ctx context.Context, connectionID string) error {
	args := m.Called(ctx, connectionID)
	return args.Error(0)
}

type mockPushProducer struct {
	mock.Mock
}

func (m *mockPushProducer) Publish(ctx context.Context, req notify.PushRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

type mockCleanupProducer struct {
	mock.Mock
}

func (m *mockCleanupProducer) Publish(ctx context.Context, req notify.CleanupRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

// --- Shared test fixtures ---

var (
	nopLogger = zerolog.Nop()
	testErr   = errors.New("something went wrong")
)
