package atc

import (
	"context"
	"errors"
	"fmt"
	"github.com/atc-home/atc/config"
	"github.com/atc-home/atc/implcaps"
	"github.com/atc-home/atc/implcaps/factory"
	"github.com/atc-home/atc/message"
	"github.com/atc-home/atc/rules"
	"github.com/jonboulle/clockwork"
	"github.com/shimmeringbee/da"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/retry"
	"golang.org/x/sync/semaphore"
	"sync"
)

var (
	ErrWrongDevice        = errors.New("request addressed to another device")
	ErrActionNotSupported = errors.New("action not supported by device")
	ErrNoEventSender      = errors.New("device has no event sender")
	ErrEventRateLimited   = errors.New("event rate limited")
	ErrCapabilityDeclined = errors.New("capability declined to attach")
)

// EventSender is the transport side of a device, publishing device initiated events to the cloud.
type EventSender interface {
	SendEvent(context.Context, message.Event) error
}

var _ implcaps.DeviceInterface = (*Device)(nil)

// Device is the base all product types are composed on. It holds the device's identity and the capabilities
// attached to it, routing requests to them and publishing their events.
type Device struct {
	// Immutable, no locking required.
	identifier  string
	productType string
	logger      logwrap.Logger
	section     persistence.Section
	sender      EventSender
	cfg         config.Config
	settings    map[string]rules.Settings
	clock       clockwork.Clock
	metrics     *Metrics
	requestSem  *semaphore.Weighted
	limiter     *eventLimiter

	// Mutable, locking must be obtained first.
	m            *sync.RWMutex
	capabilities []da.Capability
	impls        map[da.Capability]implcaps.Capability
}

func NewDevice(identifier string, productType string, opts ...Option) *Device {
	o := newOptions(opts)

	return &Device{
		identifier:  identifier,
		productType: productType,
		logger:      o.logger,
		section:     o.section,
		sender:      o.sender,
		cfg:         o.cfg,
		settings:    o.settings,
		clock:       o.clock,
		metrics:     o.metrics,
		requestSem:  semaphore.NewWeighted(1),
		limiter:     newEventLimiter(o.cfg.EventInterval),
		m:           &sync.RWMutex{},
		impls:       map[da.Capability]implcaps.Capability{},
	}
}

// Base returns the device itself, satisfying Product.
func (d *Device) Base() *Device {
	return d
}

func (d *Device) Identifier() string {
	return d.identifier
}

func (d *Device) ProductType() string {
	return d.productType
}

func (d *Device) Logger() logwrap.Logger {
	return d.logger
}

func (d *Device) Clock() clockwork.Clock {
	return d.clock
}

// Capabilities returns the flags of attached capabilities in the order they were attached.
func (d *Device) Capabilities() []da.Capability {
	d.m.RLock()
	defer d.m.RUnlock()

	return append([]da.Capability(nil), d.capabilities...)
}

func (d *Device) HasCapability(c da.Capability) bool {
	d.m.RLock()
	defer d.m.RUnlock()

	_, found := d.impls[c]
	return found
}

// Capability returns the implementation attached for c, or nil.
func (d *Device) Capability(c da.Capability) any {
	d.m.RLock()
	defer d.m.RUnlock()

	if impl, found := d.impls[c]; found {
		return impl
	}

	return nil
}

const (
	capabilitySectionKey = "Capability"
	implementationKey    = "Implementation"
	dataSectionKey       = "Data"
)

func (d *Device) capabilitySection(implName string) persistence.Section {
	return d.section.Section(capabilitySectionKey, implName)
}

// AddCapability initialises c against this device, configures it with any settings held for its implementation
// name, and attaches it. An implementation replaces any attached one with the same flag.
func (d *Device) AddCapability(ctx context.Context, c implcaps.Capability) error {
	var settings map[string]any
	if s, found := d.settings[c.ImplName()]; found {
		settings = s
	}

	return d.attach(ctx, c, settings)
}

func (d *Device) attach(ctx context.Context, c implcaps.Capability, settings map[string]any) error {
	cSection := d.capabilitySection(c.ImplName())
	c.Init(d, cSection.Section(dataSectionKey))

	attached, err := c.Enumerate(ctx, settings)
	if !attached {
		if detachErr := c.Detach(ctx, implcaps.FailedAttach); detachErr != nil {
			d.logger.LogWarn(ctx, "Failed to detach capability that declined to attach.", logwrap.Datum("Capability", c.ImplName()), logwrap.Err(detachErr))
		}

		if err == nil {
			err = ErrCapabilityDeclined
		}

		return fmt.Errorf("attach %s: %w", c.ImplName(), err)
	}

	if err != nil {
		d.logger.LogWarn(ctx, "Capability attached with error.", logwrap.Datum("Capability", c.ImplName()), logwrap.Err(err))
	}

	cSection.Set(implementationKey, c.ImplName())

	if previous := d.register(c); previous != nil && previous != c {
		if err := previous.Detach(ctx, implcaps.DeviceRemoved); err != nil {
			d.logger.LogWarn(ctx, "Replaced capability failed to detach.", logwrap.Datum("Capability", previous.ImplName()), logwrap.Err(err))
		}
	}

	d.logger.LogDebug(ctx, "Capability attached.", logwrap.Datum("Device", d.identifier), logwrap.Datum("Capability", c.ImplName()))

	return nil
}

// register attaches c under its flag, returning any implementation it replaced.
func (d *Device) register(c implcaps.Capability) implcaps.Capability {
	d.m.Lock()
	defer d.m.Unlock()

	previous, found := d.impls[c.Capability()]
	if !found {
		d.capabilities = append(d.capabilities, c.Capability())
	}

	d.impls[c.Capability()] = c

	return previous
}

func (d *Device) attachedImplementation(implName string) implcaps.Capability {
	d.m.RLock()
	defer d.m.RUnlock()

	for _, impl := range d.impls {
		if impl.ImplName() == implName {
			return impl
		}
	}

	return nil
}

// RemoveCapability detaches the capability with flag c and forgets its persisted state, returning false if none was
// attached.
func (d *Device) RemoveCapability(ctx context.Context, c da.Capability) bool {
	d.m.Lock()
	impl, found := d.impls[c]

	if found {
		delete(d.impls, c)

		var remaining []da.Capability

		for _, existing := range d.capabilities {
			if existing != c {
				remaining = append(remaining, existing)
			}
		}

		d.capabilities = remaining
	}
	d.m.Unlock()

	if !found {
		return false
	}

	if err := impl.Detach(ctx, implcaps.DeviceRemoved); err != nil {
		d.logger.LogWarn(ctx, "Capability failed to detach.", logwrap.Datum("Capability", impl.ImplName()), logwrap.Err(err))
	}

	d.section.Section(capabilitySectionKey).SectionDelete(impl.ImplName())

	return true
}

// detachAll detaches every capability, leaving persisted state in place.
func (d *Device) detachAll(ctx context.Context) {
	d.m.Lock()
	order := d.capabilities
	impls := d.impls
	d.capabilities = nil
	d.impls = map[da.Capability]implcaps.Capability{}
	d.m.Unlock()

	for _, c := range order {
		if err := impls[c].Detach(ctx, implcaps.DeviceRemoved); err != nil {
			d.logger.LogWarn(ctx, "Capability failed to detach.", logwrap.Datum("Capability", impls[c].ImplName()), logwrap.Err(err))
		}
	}
}

// Load restores capability state from persistence. Persisted capabilities that are not attached are constructed
// and attached, and any capability that declines to load is removed.
func (d *Device) Load(pctx context.Context) error {
	ctx, end := d.logger.Segment(pctx, "Loading device data.", logwrap.Datum("Device", d.identifier))
	defer end()

	capSection := d.section.Section(capabilitySectionKey)

	for _, cName := range capSection.SectionKeys() {
		if err := d.loadCapability(ctx, capSection.Section(cName)); err != nil {
			return err
		}
	}

	return nil
}

func (d *Device) loadCapability(pctx context.Context, cSection persistence.Section) error {
	implName, ok := cSection.String(implementationKey)
	if !ok {
		return nil
	}

	ctx, end := d.logger.Segment(pctx, "Loading capability data.", logwrap.Datum("Capability", implName))
	defer end()

	impl := d.attachedImplementation(implName)
	if impl == nil {
		if impl = factory.Create(implName); impl == nil {
			d.logger.LogError(ctx, "Could not find capability implementation.")
			return nil
		}

		impl.Init(d, cSection.Section(dataSectionKey))
	}

	loaded, err := impl.Load(ctx)
	if err != nil {
		d.logger.LogError(ctx, "Error while loading from persistence.", logwrap.Err(err))
	}

	if !loaded {
		d.logger.LogWarn(ctx, "Rejected capability from persistence.")
		d.RemoveCapability(ctx, impl.Capability())

		if err != nil {
			return fmt.Errorf("load %s: %w", implName, err)
		}

		return nil
	}

	d.register(impl)

	return nil
}

func (d *Device) capabilityForAction(action string) implcaps.Capability {
	d.m.RLock()
	defer d.m.RUnlock()

	for _, c := range d.capabilities {
		impl := d.impls[c]

		for _, a := range impl.Actions() {
			if a == action {
				return impl
			}
		}
	}

	return nil
}

// HandleRequest performs r against the capability that handles its action. Requests to a device are handled one at
// a time. Failures are reported in the response rather than returned.
func (d *Device) HandleRequest(ctx context.Context, r message.Request) message.Response {
	resp := d.handleRequest(ctx, r)
	d.metrics.request(d.productType, r.Action, resp.Success)
	return resp
}

func (d *Device) handleRequest(pctx context.Context, r message.Request) message.Response {
	ctx, end := d.logger.Segment(pctx, "Handling request.", logwrap.Datum("Device", d.identifier), logwrap.Datum("Action", r.Action), logwrap.Datum("Instance", r.Instance))
	defer end()

	if len(r.DeviceID) > 0 && r.DeviceID != d.identifier {
		d.logger.LogWarn(ctx, "Request for another device.", logwrap.Datum("RequestDevice", r.DeviceID))
		return message.Failure(r, fmt.Errorf("%w: %s", ErrWrongDevice, r.DeviceID))
	}

	r.DeviceID = d.identifier

	if err := d.requestSem.Acquire(ctx, 1); err != nil {
		return message.Failure(r, err)
	}
	defer d.requestSem.Release(1)

	impl := d.capabilityForAction(r.Action)
	if impl == nil {
		d.logger.LogWarn(ctx, "No capability handles action.")
		return message.Failure(r, fmt.Errorf("%w: %s", ErrActionNotSupported, r.Action))
	}

	value, err := impl.HandleRequest(ctx, r)
	if err != nil {
		d.logger.LogWarn(ctx, "Request failed.", logwrap.Datum("Capability", impl.ImplName()), logwrap.Err(err))
		return message.Failure(r, err)
	}

	d.logger.LogInfo(ctx, "Request handled.", logwrap.Datum("Capability", impl.ImplName()), logwrap.Datum("Value", value))

	return message.Success(r, value)
}

// SendEvent publishes e on behalf of this device, retrying failed attempts. Events for the same action and instance
// closer together than the configured interval are dropped with ErrEventRateLimited.
func (d *Device) SendEvent(ctx context.Context, e message.Event) error {
	if d.sender == nil {
		return ErrNoEventSender
	}

	e.DeviceID = d.identifier

	if e.Timestamp.IsZero() {
		e.Timestamp = d.clock.Now()
	}

	key := eventLimiterKey(e.Action, e.Instance)

	if ok, rejected := d.limiter.allow(key, e.Timestamp); !ok {
		d.logger.LogWarn(ctx, "Event dropped, sent too soon after the previous one.", logwrap.Datum("Device", d.identifier), logwrap.Datum("Action", e.Action), logwrap.Datum("Instance", e.Instance), logwrap.Datum("Rejected", rejected))
		d.metrics.event(d.productType, e.Action, resultRateLimited)
		return fmt.Errorf("%w: %s", ErrEventRateLimited, e.Action)
	}

	err := retry.Retry(ctx, d.cfg.EventTimeout, d.cfg.EventRetries+1, func(ctx context.Context) error {
		return d.sender.SendEvent(ctx, e)
	})

	if err != nil {
		d.metrics.event(d.productType, e.Action, resultFailure)
		d.logger.LogError(ctx, "Failed to send event.", logwrap.Datum("Device", d.identifier), logwrap.Datum("Action", e.Action), logwrap.Err(err))
		return err
	}

	d.limiter.record(key, e.Timestamp)
	d.metrics.event(d.productType, e.Action, resultSuccess)

	d.logger.LogDebug(ctx, "Event sent.", logwrap.Datum("Device", d.identifier), logwrap.Datum("Action", e.Action), logwrap.Datum("Value", e.Value))

	return nil
}
