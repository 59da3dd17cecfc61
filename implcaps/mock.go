package implcaps

import (
	"context"
	"github.com/atc-home/atc/message"
	"github.com/jonboulle/clockwork"
	"github.com/shimmeringbee/logwrap"
	"github.com/stretchr/testify/mock"
)

type MockDeviceInterface struct {
	mock.Mock
}

func (m *MockDeviceInterface) Identifier() string {
	return m.Called().String(0)
}

func (m *MockDeviceInterface) Logger() logwrap.Logger {
	return m.Called().Get(0).(logwrap.Logger)
}

func (m *MockDeviceInterface) Clock() clockwork.Clock {
	return m.Called().Get(0).(clockwork.Clock)
}

func (m *MockDeviceInterface) SendEvent(ctx context.Context, e message.Event) error {
	return m.Called(ctx, e).Error(0)
}

var _ DeviceInterface = (*MockDeviceInterface)(nil)
