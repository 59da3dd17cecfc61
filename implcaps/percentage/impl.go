package percentage

import (
	"context"
	"errors"
	"fmt"
	"github.com/atc-home/atc/capabilities"
	"github.com/atc-home/atc/implcaps"
	"github.com/atc-home/atc/message"
	"github.com/shimmeringbee/da"
	dacapabilities "github.com/shimmeringbee/da/capabilities"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/persistence/converter"
	"sync"
	"time"
)

var _ capabilities.PercentageController = (*Implementation)(nil)
var _ dacapabilities.WithLastChangeTime = (*Implementation)(nil)
var _ dacapabilities.WithLastUpdateTime = (*Implementation)(nil)
var _ implcaps.Capability = (*Implementation)(nil)

const (
	ActionSetPercentage    = "setPercentage"
	ActionAdjustPercentage = "adjustPercentage"

	ValueKey      = "percentage"
	PercentageKey = "Percentage"

	Minimum = 0
	Maximum = 100
)

var ErrOutOfRange = errors.New("percentage out of range")

// SetCallback is invoked for a setPercentage request. It returns the percentage the device actually reached.
type SetCallback func(ctx context.Context, deviceID string, percentage int) (int, error)

// AdjustCallback is invoked for an adjustPercentage request with a relative change. It returns the absolute
// percentage the device reached.
type AdjustCallback func(ctx context.Context, deviceID string, delta int) (int, error)

func NewPercentageController() *Implementation {
	return &Implementation{m: &sync.RWMutex{}}
}

type Implementation struct {
	s persistence.Section
	d implcaps.DeviceInterface

	m        *sync.RWMutex
	onSet    SetCallback
	onAdjust AdjustCallback
}

func (i *Implementation) Capability() da.Capability {
	return capabilities.PercentageControllerFlag
}

func (i *Implementation) Name() string {
	return capabilities.StandardNames[capabilities.PercentageControllerFlag]
}

func (i *Implementation) ImplName() string {
	return "PercentageController"
}

func (i *Implementation) Init(d implcaps.DeviceInterface, s persistence.Section) {
	i.d = d
	i.s = s
}

func (i *Implementation) Load(_ context.Context) (bool, error) {
	if p, ok := i.s.Int(PercentageKey); ok && (p < Minimum || p > Maximum) {
		return false, fmt.Errorf("%w: persisted %d", ErrOutOfRange, p)
	}

	return true, nil
}

func (i *Implementation) Enumerate(_ context.Context, _ map[string]any) (bool, error) {
	return true, nil
}

func (i *Implementation) Detach(_ context.Context, _ implcaps.DetachType) error {
	i.m.Lock()
	defer i.m.Unlock()

	i.onSet = nil
	i.onAdjust = nil

	return nil
}

func (i *Implementation) Actions() []string {
	return []string{ActionSetPercentage, ActionAdjustPercentage}
}

// OnSetPercentage registers the callback for absolute percentage requests, replacing any previous one.
func (i *Implementation) OnSetPercentage(cb SetCallback) {
	i.m.Lock()
	defer i.m.Unlock()
	i.onSet = cb
}

// OnAdjustPercentage registers the callback for relative percentage requests, replacing any previous one.
func (i *Implementation) OnAdjustPercentage(cb AdjustCallback) {
	i.m.Lock()
	defer i.m.Unlock()
	i.onAdjust = cb
}

func (i *Implementation) HandleRequest(ctx context.Context, r message.Request) (map[string]any, error) {
	switch r.Action {
	case ActionSetPercentage:
		return i.handleSet(ctx, r)
	case ActionAdjustPercentage:
		return i.handleAdjust(ctx, r)
	default:
		return nil, fmt.Errorf("%w: %s", implcaps.ErrUnsupportedAction, r.Action)
	}
}

func (i *Implementation) handleSet(ctx context.Context, r message.Request) (map[string]any, error) {
	p, err := implcaps.RequiredInt(r.Value, ValueKey)
	if err != nil {
		return nil, err
	}

	if p < Minimum || p > Maximum {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, p)
	}

	i.m.RLock()
	cb := i.onSet
	i.m.RUnlock()

	if cb == nil {
		return nil, fmt.Errorf("%w: %s", implcaps.ErrNoCallback, r.Action)
	}

	reached, err := cb(ctx, i.d.Identifier(), p)
	if err != nil {
		i.d.Logger().LogWarn(ctx, "Set percentage callback failed.", logwrap.Datum("Percentage", p), logwrap.Err(err))
		return nil, err
	}

	reached = clamp(reached)
	i.update(reached)

	i.d.Logger().LogDebug(ctx, "Percentage set.", logwrap.Datum("Requested", p), logwrap.Datum("Percentage", reached))

	return map[string]any{ValueKey: reached}, nil
}

func (i *Implementation) handleAdjust(ctx context.Context, r message.Request) (map[string]any, error) {
	delta, err := implcaps.RequiredInt(r.Value, ValueKey)
	if err != nil {
		return nil, err
	}

	if delta < -Maximum || delta > Maximum {
		return nil, fmt.Errorf("%w: delta %d", ErrOutOfRange, delta)
	}

	i.m.RLock()
	cb := i.onAdjust
	i.m.RUnlock()

	if cb == nil {
		return nil, fmt.Errorf("%w: %s", implcaps.ErrNoCallback, r.Action)
	}

	reached, err := cb(ctx, i.d.Identifier(), delta)
	if err != nil {
		i.d.Logger().LogWarn(ctx, "Adjust percentage callback failed.", logwrap.Datum("Delta", delta), logwrap.Err(err))
		return nil, err
	}

	reached = clamp(reached)
	i.update(reached)

	i.d.Logger().LogDebug(ctx, "Percentage adjusted.", logwrap.Datum("Delta", delta), logwrap.Datum("Percentage", reached))

	return map[string]any{ValueKey: reached}, nil
}

// SendSetPercentageEvent records a percentage reached without a request, such as a button on the desk, and reports
// it. An empty cause is sent as a physical interaction.
func (i *Implementation) SendSetPercentageEvent(ctx context.Context, p int, cause string) error {
	if p < Minimum || p > Maximum {
		return fmt.Errorf("%w: %d", ErrOutOfRange, p)
	}

	if cause == "" {
		cause = message.CausePhysicalInteraction
	}

	i.update(p)

	return i.d.SendEvent(ctx, message.Event{
		Action: ActionSetPercentage,
		Cause:  cause,
		Value:  map[string]any{ValueKey: p},
	})
}

func (i *Implementation) update(p int) {
	now := i.d.Clock().Now()

	if current, found := i.s.Int(PercentageKey); !found || current != int64(p) {
		i.s.Set(PercentageKey, p)
		converter.Store(i.s, implcaps.LastChangedKey, now, converter.TimeEncoder)
	}

	converter.Store(i.s, implcaps.LastUpdatedKey, now, converter.TimeEncoder)
}

// Percentage returns the last known percentage, zero if none has been set or reported.
func (i *Implementation) Percentage(_ context.Context) (int, error) {
	p, _ := i.s.Int(PercentageKey)
	return int(p), nil
}

// PercentageKnown reports whether a percentage has ever been set or reported.
func (i *Implementation) PercentageKnown() bool {
	return i.s.Exists(PercentageKey)
}

func (i *Implementation) LastUpdateTime(_ context.Context) (time.Time, error) {
	t, _ := converter.Retrieve(i.s, implcaps.LastUpdatedKey, converter.TimeDecoder)
	return t, nil
}

func (i *Implementation) LastChangeTime(_ context.Context) (time.Time, error) {
	t, _ := converter.Retrieve(i.s, implcaps.LastChangedKey, converter.TimeDecoder)
	return t, nil
}

func clamp(p int) int {
	if p < Minimum {
		return Minimum
	}

	if p > Maximum {
		return Maximum
	}

	return p
}
