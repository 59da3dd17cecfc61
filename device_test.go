package atc

import (
	"context"
	"errors"
	"github.com/atc-home/atc/capabilities"
	"github.com/atc-home/atc/config"
	"github.com/atc-home/atc/implcaps/percentage"
	"github.com/atc-home/atc/implcaps/rangecontrol"
	"github.com/atc-home/atc/message"
	"github.com/atc-home/atc/mocks"
	"github.com/atc-home/atc/rules"
	"github.com/jonboulle/clockwork"
	"github.com/shimmeringbee/da"
	"github.com/shimmeringbee/persistence/impl/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"testing"
	"time"
)

const testDeviceID = "5dc1564130xxxxxxxxxxxxxx"

func testConfig() config.Config {
	cfg := config.Default()
	cfg.EventRetries = 0
	cfg.EventTimeout = time.Second
	return cfg
}

func TestDevice_AddCapability(t *testing.T) {
	t.Run("attaches capabilities in order and exposes them by flag", func(t *testing.T) {
		d := NewDevice(testDeviceID, "Desk")

		pc := percentage.NewPercentageController()
		rc := rangecontrol.NewRangeController()

		assert.NoError(t, d.AddCapability(context.TODO(), pc))
		assert.NoError(t, d.AddCapability(context.TODO(), rc))

		assert.Equal(t, []da.Capability{capabilities.PercentageControllerFlag, capabilities.RangeControllerFlag}, d.Capabilities())
		assert.True(t, d.HasCapability(capabilities.RangeControllerFlag))
		assert.Same(t, pc, d.Capability(capabilities.PercentageControllerFlag))
		assert.Nil(t, d.Capability(0x9999))
	})

	t.Run("a capability with the same flag replaces the previous one", func(t *testing.T) {
		d := NewDevice(testDeviceID, "Desk")

		first := percentage.NewPercentageController()
		second := percentage.NewPercentageController()

		assert.NoError(t, d.AddCapability(context.TODO(), first))
		assert.NoError(t, d.AddCapability(context.TODO(), second))

		assert.Len(t, d.Capabilities(), 1)
		assert.Same(t, second, d.Capability(capabilities.PercentageControllerFlag))
	})

	t.Run("passes settings for the implementation name to the capability", func(t *testing.T) {
		d := NewDevice(testDeviceID, "Desk", WithSettings(map[string]rules.Settings{
			"RangeController": {"Minimum": 60, "Maximum": 125},
		}))

		rc := rangecontrol.NewRangeController()
		assert.NoError(t, d.AddCapability(context.TODO(), rc))

		minimum, maximum := rc.Bounds()
		assert.Equal(t, 60, minimum)
		assert.Equal(t, 125, maximum)
	})

	t.Run("does not attach a capability that refuses its settings", func(t *testing.T) {
		d := NewDevice(testDeviceID, "Desk", WithSettings(map[string]rules.Settings{
			"RangeController": {"Minimum": 10, "Maximum": 5},
		}))

		err := d.AddCapability(context.TODO(), rangecontrol.NewRangeController())
		assert.ErrorIs(t, err, rangecontrol.ErrOutOfRange)
		assert.False(t, d.HasCapability(capabilities.RangeControllerFlag))
		assert.Empty(t, d.Capabilities())
	})
}

func TestDevice_RemoveCapability(t *testing.T) {
	t.Run("detaches and forgets the capability", func(t *testing.T) {
		d := NewDevice(testDeviceID, "Desk")

		pc := percentage.NewPercentageController()
		pc.OnSetPercentage(func(_ context.Context, _ string, p int) (int, error) { return p, nil })
		assert.NoError(t, d.AddCapability(context.TODO(), pc))

		assert.True(t, d.RemoveCapability(context.TODO(), capabilities.PercentageControllerFlag))
		assert.False(t, d.RemoveCapability(context.TODO(), capabilities.PercentageControllerFlag))
		assert.Empty(t, d.Capabilities())

		resp := d.HandleRequest(context.TODO(), message.Request{Action: percentage.ActionSetPercentage, Value: map[string]any{"percentage": 10}})
		assert.False(t, resp.Success)
	})
}

func TestDevice_HandleRequest(t *testing.T) {
	t.Run("routes the action to the capability and echoes the resulting value", func(t *testing.T) {
		d := NewDevice(testDeviceID, "Desk")

		pc := percentage.NewPercentageController()
		assert.NoError(t, d.AddCapability(context.TODO(), pc))

		var gotID string
		pc.OnSetPercentage(func(_ context.Context, id string, p int) (int, error) {
			gotID = id
			return p, nil
		})

		resp := d.HandleRequest(context.TODO(), message.Request{Action: percentage.ActionSetPercentage, Value: map[string]any{"percentage": 42.0}})
		assert.True(t, resp.Success)
		assert.Equal(t, testDeviceID, resp.DeviceID)
		assert.Equal(t, map[string]any{"percentage": 42}, resp.Value)
		assert.Equal(t, testDeviceID, gotID)

		p, _ := pc.Percentage(context.TODO())
		assert.Equal(t, 42, p)
	})

	t.Run("fails a request addressed to another device", func(t *testing.T) {
		d := NewDevice(testDeviceID, "Desk")

		resp := d.HandleRequest(context.TODO(), message.Request{DeviceID: "other", Action: percentage.ActionSetPercentage})
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Message, ErrWrongDevice.Error())
	})

	t.Run("fails an action no capability handles", func(t *testing.T) {
		d := NewDevice(testDeviceID, "Desk")
		assert.NoError(t, d.AddCapability(context.TODO(), percentage.NewPercentageController()))

		resp := d.HandleRequest(context.TODO(), message.Request{DeviceID: testDeviceID, Action: "setPowerState"})
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Message, ErrActionNotSupported.Error())
		assert.NotNil(t, resp.Value)
	})

	t.Run("reports a capability error in the response", func(t *testing.T) {
		d := NewDevice(testDeviceID, "Desk")
		assert.NoError(t, d.AddCapability(context.TODO(), percentage.NewPercentageController()))

		resp := d.HandleRequest(context.TODO(), message.Request{Action: percentage.ActionSetPercentage, Value: map[string]any{"percentage": 150}})
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Message, percentage.ErrOutOfRange.Error())
	})

	t.Run("fails if the context is done before the device is free", func(t *testing.T) {
		d := NewDevice(testDeviceID, "Desk")
		assert.NoError(t, d.requestSem.Acquire(context.TODO(), 1))
		defer d.requestSem.Release(1)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		resp := d.HandleRequest(ctx, message.Request{Action: percentage.ActionSetPercentage})
		assert.False(t, resp.Success)
	})
}

func TestDevice_SendEvent(t *testing.T) {
	t.Run("stamps the device identifier and time before sending", func(t *testing.T) {
		mes := &mocks.MockEventSender{}
		defer mes.AssertExpectations(t)

		mes.On("SendEvent", mock.Anything, mock.MatchedBy(func(e message.Event) bool {
			return e.DeviceID == testDeviceID && !e.Timestamp.IsZero() && e.Action == percentage.ActionSetPercentage
		})).Return(nil)

		d := NewDevice(testDeviceID, "Desk", WithEventSender(mes), WithConfig(testConfig()))

		err := d.SendEvent(context.TODO(), message.Event{DeviceID: "spoofed", Action: percentage.ActionSetPercentage})
		assert.NoError(t, err)
	})

	t.Run("fails without an event sender", func(t *testing.T) {
		d := NewDevice(testDeviceID, "Desk")

		err := d.SendEvent(context.TODO(), message.Event{Action: percentage.ActionSetPercentage})
		assert.ErrorIs(t, err, ErrNoEventSender)
	})

	t.Run("drops a repeated event inside the interval", func(t *testing.T) {
		mes := &mocks.MockEventSender{}
		defer mes.AssertExpectations(t)

		mes.On("SendEvent", mock.Anything, mock.Anything).Return(nil).Once()

		d := NewDevice(testDeviceID, "Desk", WithEventSender(mes), WithConfig(testConfig()))

		now := time.Now()

		assert.NoError(t, d.SendEvent(context.TODO(), message.Event{Action: percentage.ActionSetPercentage, Timestamp: now}))

		err := d.SendEvent(context.TODO(), message.Event{Action: percentage.ActionSetPercentage, Timestamp: now.Add(100 * time.Millisecond)})
		assert.ErrorIs(t, err, ErrEventRateLimited)
	})

	t.Run("timestamps and limits events with the configured clock", func(t *testing.T) {
		clock := clockwork.NewFakeClock()

		mes := &mocks.MockEventSender{}
		defer mes.AssertExpectations(t)

		mes.On("SendEvent", mock.Anything, mock.MatchedBy(func(e message.Event) bool {
			return e.Timestamp.Equal(clock.Now())
		})).Return(nil).Twice()

		d := NewDevice(testDeviceID, "Desk", WithEventSender(mes), WithConfig(testConfig()), WithClock(clock))

		assert.NoError(t, d.SendEvent(context.TODO(), message.Event{Action: percentage.ActionSetPercentage}))
		assert.ErrorIs(t, d.SendEvent(context.TODO(), message.Event{Action: percentage.ActionSetPercentage}), ErrEventRateLimited)

		clock.Advance(time.Second)

		assert.NoError(t, d.SendEvent(context.TODO(), message.Event{Action: percentage.ActionSetPercentage}))
	})

	t.Run("returns the error once sending has failed", func(t *testing.T) {
		mes := &mocks.MockEventSender{}
		defer mes.AssertExpectations(t)

		expectedErr := errors.New("disconnected")
		mes.On("SendEvent", mock.Anything, mock.Anything).Return(expectedErr).Once()

		d := NewDevice(testDeviceID, "Desk", WithEventSender(mes), WithConfig(testConfig()))

		err := d.SendEvent(context.TODO(), message.Event{Action: percentage.ActionSetPercentage})
		assert.ErrorIs(t, err, expectedErr)
	})

	t.Run("makes one attempt more than the configured retries", func(t *testing.T) {
		mes := &mocks.MockEventSender{}
		defer mes.AssertExpectations(t)

		mes.On("SendEvent", mock.Anything, mock.Anything).Return(errors.New("disconnected")).Twice()
		mes.On("SendEvent", mock.Anything, mock.Anything).Return(nil).Once()

		cfg := testConfig()
		cfg.EventRetries = 2

		d := NewDevice(testDeviceID, "Desk", WithEventSender(mes), WithConfig(cfg))

		err := d.SendEvent(context.TODO(), message.Event{Action: percentage.ActionSetPercentage})
		assert.NoError(t, err)
	})

	t.Run("a failed event does not hold back a resend inside the interval", func(t *testing.T) {
		mes := &mocks.MockEventSender{}
		defer mes.AssertExpectations(t)

		expectedErr := errors.New("disconnected")
		mes.On("SendEvent", mock.Anything, mock.Anything).Return(expectedErr).Once()
		mes.On("SendEvent", mock.Anything, mock.Anything).Return(nil).Once()

		d := NewDevice(testDeviceID, "Desk", WithEventSender(mes), WithConfig(testConfig()))

		now := time.Now()

		err := d.SendEvent(context.TODO(), message.Event{Action: percentage.ActionSetPercentage, Timestamp: now})
		assert.ErrorIs(t, err, expectedErr)

		err = d.SendEvent(context.TODO(), message.Event{Action: percentage.ActionSetPercentage, Timestamp: now.Add(100 * time.Millisecond)})
		assert.NoError(t, err)

		err = d.SendEvent(context.TODO(), message.Event{Action: percentage.ActionSetPercentage, Timestamp: now.Add(200 * time.Millisecond)})
		assert.ErrorIs(t, err, ErrEventRateLimited)
	})
}

func TestDevice_Load(t *testing.T) {
	t.Run("reconstructs persisted capabilities and their state", func(t *testing.T) {
		s := memory.New()
		mes := &mocks.MockEventSender{}
		mes.On("SendEvent", mock.Anything, mock.Anything).Return(nil)

		d1 := NewDevice(testDeviceID, "Desk", WithSection(s), WithEventSender(mes), WithConfig(testConfig()))

		pc := percentage.NewPercentageController()
		assert.NoError(t, d1.AddCapability(context.TODO(), pc))
		assert.NoError(t, pc.SendSetPercentageEvent(context.TODO(), 35, ""))

		d2 := NewDevice(testDeviceID, "Desk", WithSection(s))
		assert.NoError(t, d2.Load(context.TODO()))

		loaded, ok := d2.Capability(capabilities.PercentageControllerFlag).(capabilities.PercentageController)
		if assert.True(t, ok) {
			p, err := loaded.Percentage(context.TODO())
			assert.NoError(t, err)
			assert.Equal(t, 35, p)
		}
	})

	t.Run("removes a capability whose persisted state is invalid", func(t *testing.T) {
		s := memory.New()

		d1 := NewDevice(testDeviceID, "Desk", WithSection(s))
		assert.NoError(t, d1.AddCapability(context.TODO(), percentage.NewPercentageController()))

		s.Section(capabilitySectionKey, "PercentageController", dataSectionKey).Set(percentage.PercentageKey, 250)

		d2 := NewDevice(testDeviceID, "Desk", WithSection(s))
		err := d2.Load(context.TODO())
		assert.ErrorIs(t, err, percentage.ErrOutOfRange)
		assert.False(t, d2.HasCapability(capabilities.PercentageControllerFlag))
	})
}
