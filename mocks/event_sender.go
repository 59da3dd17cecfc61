package mocks

import (
	"context"
	"github.com/atc-home/atc/message"
	"github.com/stretchr/testify/mock"
)

type MockEventSender struct {
	mock.Mock
}

func (m *MockEventSender) SendEvent(ctx context.Context, e message.Event) error {
	return m.Called(ctx, e).Error(0)
}
