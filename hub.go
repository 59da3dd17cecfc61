package atc

import (
	"context"
	"errors"
	"fmt"
	"github.com/atc-home/atc/config"
	"github.com/atc-home/atc/message"
	"github.com/atc-home/atc/rules"
	"github.com/jonboulle/clockwork"
	"github.com/shimmeringbee/callbacks"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/persistence"
	"os"
	"sort"
	"sync"
	"time"
)

var (
	ErrDeviceExists       = errors.New("device already exists")
	ErrUnknownDevice      = errors.New("unknown device")
	ErrUnknownProductType = errors.New("unknown product type")
)

const eventQueueSize = 100

// Product is a device type composed on a base Device.
type Product interface {
	Base() *Device
	Load(context.Context) error
}

// ProductConstructor builds a product of one product type. It is expected to attach the product's capabilities.
type ProductConstructor func(ctx context.Context, id string, opts ...Option) (Product, error)

// Hub holds the devices of an account, routing requests to them and persisting which devices exist.
type Hub struct {
	logger   logwrap.Logger
	section  persistence.Section
	sender   EventSender
	cfg      config.Config
	settings map[string]rules.Settings
	engine   *rules.Engine
	clock    clockwork.Clock
	metrics  *Metrics

	callbacks callbacks.AdderCaller
	events    chan any
	poller    *poller

	m        *sync.RWMutex
	products map[string]ProductConstructor
	devices  map[string]Product
}

func NewHub(opts ...Option) (*Hub, error) {
	o := newOptions(opts)

	h := &Hub{
		logger:    o.logger,
		section:   o.section,
		sender:    o.sender,
		cfg:       o.cfg,
		settings:  o.settings,
		engine:    o.engine,
		clock:     o.clock,
		metrics:   o.metrics,
		callbacks: callbacks.Create(),
		events:    make(chan any, eventQueueSize),
		m:         &sync.RWMutex{},
		products:  map[string]ProductConstructor{},
		devices:   map[string]Product{},
	}

	if h.engine == nil && len(h.cfg.RulesPath) > 0 {
		e := rules.New()

		if err := e.LoadFS(os.DirFS(h.cfg.RulesPath)); err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}

		if err := e.CompileRules(); err != nil {
			return nil, fmt.Errorf("compile rules: %w", err)
		}

		h.engine = e
	}

	h.poller = newPoller(h.Device)

	h.RegisterProductType(TableProductType, func(ctx context.Context, id string, opts ...Option) (Product, error) {
		return newTable(ctx, id, opts...)
	})

	h.callbacks.Add(h.persistDeviceAdded)
	h.callbacks.Add(h.persistDeviceRemoved)
	h.callbacks.Add(h.countDeviceAdded)
	h.callbacks.Add(h.countDeviceRemoved)

	return h, nil
}

// Start begins running polls added with Poll.
func (h *Hub) Start() {
	h.poller.Start()
}

// Stop ends polling. A stopped hub can not be started again.
func (h *Hub) Stop() {
	h.poller.Stop()
}

// Poll runs fn against the device with identifier every interval until fn returns false or the device is removed.
func (h *Hub) Poll(identifier string, interval time.Duration, fn PollFunc) {
	h.poller.Add(identifier, interval, fn)
}

// RegisterProductType adds or replaces the constructor used for productType.
func (h *Hub) RegisterProductType(productType string, c ProductConstructor) {
	h.m.Lock()
	defer h.m.Unlock()

	h.products[productType] = c
}

func (h *Hub) deviceOptions(id string, productType string) ([]Option, error) {
	opts := []Option{
		WithLogWrapLogger(h.logger),
		WithSection(h.sectionForDevice(id)),
		WithEventSender(h.sender),
		WithConfig(h.cfg),
		WithSettings(h.settings),
		WithClock(h.clock),
		WithMetrics(h.metrics),
	}

	if h.engine != nil {
		out, err := h.engine.Execute(rules.Input{Identifier: id, ProductType: productType})
		if err != nil {
			return nil, fmt.Errorf("rules: %w", err)
		}

		opts = append(opts, WithSettings(out.Settings))
	}

	return opts, nil
}

func (h *Hub) create(ctx context.Context, id string, productType string) (Product, error) {
	h.m.RLock()
	c, found := h.products[productType]
	_, exists := h.devices[id]
	h.m.RUnlock()

	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProductType, productType)
	}

	if exists {
		return nil, fmt.Errorf("%w: %s", ErrDeviceExists, id)
	}

	persisted := h.sectionDeviceExists(id)

	opts, err := h.deviceOptions(id, productType)
	if err != nil {
		return nil, err
	}

	p, err := c(ctx, id, opts...)
	if err != nil {
		if p != nil {
			p.Base().detachAll(ctx)
		}

		if !persisted {
			h.sectionRemoveDevice(id)
		}

		return nil, fmt.Errorf("create %s: %w", id, err)
	}

	h.m.Lock()
	defer h.m.Unlock()

	if _, exists := h.devices[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDeviceExists, id)
	}

	h.devices[id] = p

	return p, nil
}

func (h *Hub) addProduct(pctx context.Context, id string, productType string) (Product, error) {
	ctx, end := h.logger.Segment(pctx, "Adding device.", logwrap.Datum("Device", id), logwrap.Datum("ProductType", productType))
	defer end()

	p, err := h.create(ctx, id, productType)
	if err != nil {
		h.logger.LogError(ctx, "Failed to add device.", logwrap.Err(err))
		return nil, err
	}

	if err := h.callbacks.Call(ctx, internalDeviceAdded{device: p}); err != nil {
		h.logger.LogError(ctx, "Device added callbacks failed.", logwrap.Err(err))
	}

	h.sendEvent(ctx, DeviceAdded{Device: p.Base()})

	return p, nil
}

// AddDevice creates a device of productType, configured by the hub's settings and rules.
func (h *Hub) AddDevice(ctx context.Context, id string, productType string) (*Device, error) {
	p, err := h.addProduct(ctx, id, productType)
	if err != nil {
		return nil, err
	}

	return p.Base(), nil
}

func (h *Hub) AddTable(ctx context.Context, id string) (*Table, error) {
	p, err := h.addProduct(ctx, id, TableProductType)
	if err != nil {
		return nil, err
	}

	t, ok := p.(*Table)
	if !ok {
		return nil, fmt.Errorf("%w: %s constructor did not build a table", ErrUnknownProductType, TableProductType)
	}

	return t, nil
}

// Device returns the product registered under id, or nil.
func (h *Hub) Device(id string) Product {
	h.m.RLock()
	defer h.m.RUnlock()

	return h.devices[id]
}

// Devices returns every device, ordered by identifier.
func (h *Hub) Devices() []*Device {
	h.m.RLock()
	defer h.m.RUnlock()

	var ids []string
	for id := range h.devices {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	devices := make([]*Device, 0, len(ids))
	for _, id := range ids {
		devices = append(devices, h.devices[id].Base())
	}

	return devices
}

// RemoveDevice detaches all of a device's capabilities and forgets it, returning false if it was not known.
func (h *Hub) RemoveDevice(pctx context.Context, id string) bool {
	ctx, end := h.logger.Segment(pctx, "Removing device.", logwrap.Datum("Device", id))
	defer end()

	h.m.Lock()
	p, found := h.devices[id]
	delete(h.devices, id)
	h.m.Unlock()

	if !found {
		return false
	}

	p.Base().detachAll(ctx)

	if err := h.callbacks.Call(ctx, internalDeviceRemoved{device: p}); err != nil {
		h.logger.LogError(ctx, "Device removed callbacks failed.", logwrap.Err(err))
	}

	h.sendEvent(ctx, DeviceRemoved{Device: p.Base()})

	return true
}

// HandleRequest routes r to the device named by its DeviceID.
func (h *Hub) HandleRequest(ctx context.Context, r message.Request) message.Response {
	p := h.Device(r.DeviceID)
	if p == nil {
		h.logger.LogWarn(ctx, "Request for unknown device.", logwrap.Datum("Device", r.DeviceID), logwrap.Datum("Action", r.Action))
		return message.Failure(r, fmt.Errorf("%w: %s", ErrUnknownDevice, r.DeviceID))
	}

	return p.Base().HandleRequest(ctx, r)
}

// Load recreates every persisted device and restores its capability state. Devices that fail to load are logged and
// skipped.
func (h *Hub) Load(pctx context.Context) {
	ctx, end := h.logger.Segment(pctx, "Loading persistence.")
	defer end()

	for _, id := range h.deviceListFromPersistence() {
		h.loadDevice(ctx, id)
	}
}

func (h *Hub) loadDevice(pctx context.Context, id string) {
	ctx, end := h.logger.Segment(pctx, "Loading device.", logwrap.Datum("Device", id))
	defer end()

	productType, ok := h.sectionForDevice(id).String(productTypeKey)
	if !ok {
		h.logger.LogWarn(ctx, "Persisted device has no product type.")
		return
	}

	p, err := h.create(ctx, id, productType)
	if err != nil {
		h.logger.LogError(ctx, "Failed to recreate device.", logwrap.Err(err))
		return
	}

	if err := p.Load(ctx); err != nil {
		h.logger.LogError(ctx, "Failed to load device state.", logwrap.Err(err))
	}

	if err := h.callbacks.Call(ctx, internalDeviceAdded{device: p}); err != nil {
		h.logger.LogError(ctx, "Device added callbacks failed.", logwrap.Err(err))
	}

	h.sendEvent(ctx, DeviceLoaded{Device: p.Base()})
}

func (h *Hub) persistDeviceAdded(_ context.Context, e internalDeviceAdded) error {
	d := e.device.Base()
	h.sectionForDevice(d.Identifier()).Set(productTypeKey, d.ProductType())
	return nil
}

func (h *Hub) persistDeviceRemoved(_ context.Context, e internalDeviceRemoved) error {
	h.sectionRemoveDevice(e.device.Base().Identifier())
	return nil
}

func (h *Hub) countDeviceAdded(_ context.Context, e internalDeviceAdded) error {
	h.metrics.deviceAdded(e.device.Base().ProductType())
	return nil
}

func (h *Hub) countDeviceRemoved(_ context.Context, e internalDeviceRemoved) error {
	h.metrics.deviceRemoved(e.device.Base().ProductType())
	return nil
}
