package implcaps

import (
	"context"
	"github.com/atc-home/atc/message"
	"github.com/jonboulle/clockwork"
	"github.com/shimmeringbee/da"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/persistence"
)

const (
	LastChangedKey = "LastChanged"
	LastUpdatedKey = "LastUpdated"
)

type DetachType int

const (
	// DeviceRemoved is used when the device has been removed from its hub, no further events can be sent.
	DeviceRemoved DetachType = iota
	// FailedAttach is used when an Enumerate failed or declined to attach.
	FailedAttach
)

type Capability interface {
	// BasicCapability functions should also be present.
	da.BasicCapability
	// Init is used upon creation of the capability to provide the owning device and persistence.
	Init(DeviceInterface, persistence.Section)
	// Load is used upon load of the capability from persistence at start up.
	Load(context.Context) (bool, error)
	// Enumerate configures the capability with per device settings. It should return true if the capability
	// should be attached to the device. A return value of true and error is possible, and the capability
	// should attach.
	Enumerate(context.Context, map[string]any) (bool, error)
	// Detach is called when a capability is removed from a device.
	Detach(context.Context, DetachType) error
	// ImplName returns the implementation name of the capability.
	ImplName() string
	// Actions lists the request actions the capability handles.
	Actions() []string
	// HandleRequest performs a request whose action is one of Actions, returning the resulting value.
	HandleRequest(context.Context, message.Request) (map[string]any, error)
}

type DeviceInterface interface {
	// Identifier is the cloud identifier of the device the capability belongs to.
	Identifier() string
	// Logger returns the device's logger.
	Logger() logwrap.Logger
	// Clock is the source of time for state changes, it also timestamps the device's events.
	Clock() clockwork.Clock
	// SendEvent publishes a device initiated event, the device id and timestamp are filled in by the device.
	SendEvent(context.Context, message.Event) error
}
