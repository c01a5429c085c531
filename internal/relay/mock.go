package relay

import (
	"context"

	"github.com/npezzotti/go-squadchat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRelay struct {
	mock.Mock
}

func (m *MockRelay) Publish(ctx context.Context, env Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}
func (m *MockRelay) Subscribe(ctx context.Context, handler func(Envelope)) error {
	args := m.Called(ctx, handler)
	return args.Error(0)
}
func (m *MockRelay) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockPresence struct {
	mock.Mock
}

func (m *MockPresence) Track(ctx context.Context, ref types.RoomRef, principalId string, delta int64) error {
	args := m.Called(ctx, ref, principalId, delta)
	return args.Error(0)
}
func (m *MockPresence) Present(ctx context.Context, ref types.RoomRef, principalIds []string) (map[string]bool, error) {
	args := m.Called(ctx, ref, principalIds)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]bool), args.Error(1)
}
func (m *MockPresence) Online(ctx context.Context, principalIds []string) (map[string]bool, error) {
	args := m.Called(ctx, principalIds)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]bool), args.Error(1)
}
