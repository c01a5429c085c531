package push

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, principalId string, n Notification) error {
	args := m.Called(ctx, principalId, n)
	return args.Error(0)
}
