package rangecontrol

import (
	"context"
	"errors"
	"fmt"
	"github.com/atc-home/atc/capabilities"
	"github.com/atc-home/atc/implcaps"
	"github.com/atc-home/atc/message"
	"github.com/atc-home/atc/rules"
	"github.com/shimmeringbee/da"
	dacapabilities "github.com/shimmeringbee/da/capabilities"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/persistence/converter"
	"math"
	"sort"
	"sync"
	"time"
)

var _ capabilities.RangeController = (*Implementation)(nil)
var _ dacapabilities.WithLastChangeTime = (*Implementation)(nil)
var _ dacapabilities.WithLastUpdateTime = (*Implementation)(nil)
var _ implcaps.Capability = (*Implementation)(nil)

const (
	ActionSetRangeValue    = "setRangeValue"
	ActionAdjustRangeValue = "adjustRangeValue"

	ValueKey      = "rangeValue"
	DeltaValueKey = "rangeValueDelta"

	RangeValueKey = "RangeValue"
	MinimumKey    = "Minimum"
	MaximumKey    = "Maximum"

	instanceSectionKey        = "Instance"
	defaultInstanceSectionKey = "DefaultInstance"
)

var ErrOutOfRange = errors.New("range value out of bounds")

// SetCallback is invoked for a setRangeValue request. It returns the value the device actually reached.
type SetCallback func(ctx context.Context, deviceID string, value int) (int, error)

// AdjustCallback is invoked for an adjustRangeValue request with a relative change. It returns the absolute value
// the device reached.
type AdjustCallback func(ctx context.Context, deviceID string, delta int) (int, error)

func NewRangeController() *Implementation {
	return &Implementation{
		m:        &sync.RWMutex{},
		onSet:    map[string]SetCallback{},
		onAdjust: map[string]AdjustCallback{},
		minimum:  math.MinInt,
		maximum:  math.MaxInt,
	}
}

type Implementation struct {
	s persistence.Section
	d implcaps.DeviceInterface

	m        *sync.RWMutex
	onSet    map[string]SetCallback
	onAdjust map[string]AdjustCallback
	minimum  int
	maximum  int
}

func (i *Implementation) Capability() da.Capability {
	return capabilities.RangeControllerFlag
}

func (i *Implementation) Name() string {
	return capabilities.StandardNames[capabilities.RangeControllerFlag]
}

func (i *Implementation) ImplName() string {
	return "RangeController"
}

func (i *Implementation) Init(d implcaps.DeviceInterface, s persistence.Section) {
	i.d = d
	i.s = s
}

func (i *Implementation) Load(_ context.Context) (bool, error) {
	i.m.Lock()
	defer i.m.Unlock()

	minimum, _ := i.s.Int(MinimumKey, math.MinInt)
	maximum, _ := i.s.Int(MaximumKey, math.MaxInt)

	if minimum > maximum {
		return false, fmt.Errorf("%w: persisted minimum %d above maximum %d", ErrOutOfRange, minimum, maximum)
	}

	i.minimum = int(minimum)
	i.maximum = int(maximum)

	return true, nil
}

// Enumerate accepts optional Minimum and Maximum settings bounding every instance's value. A bound that is not
// supplied is removed from persistence.
func (i *Implementation) Enumerate(_ context.Context, m map[string]any) (bool, error) {
	minimum, hasMinimum, err := bound(m, MinimumKey, math.MinInt)
	if err != nil {
		return false, err
	}

	maximum, hasMaximum, err := bound(m, MaximumKey, math.MaxInt)
	if err != nil {
		return false, err
	}

	if minimum > maximum {
		return false, fmt.Errorf("%w: minimum %d above maximum %d", ErrOutOfRange, minimum, maximum)
	}

	i.m.Lock()
	defer i.m.Unlock()

	i.minimum = minimum
	i.maximum = maximum

	storeBound(i.s, MinimumKey, minimum, hasMinimum)
	storeBound(i.s, MaximumKey, maximum, hasMaximum)

	return true, nil
}

func bound(m map[string]any, k string, def int) (int, bool, error) {
	if _, found := m[k]; !found {
		return def, false, nil
	}

	v, ok := rules.Settings(m).Int(k)
	if !ok {
		return 0, false, fmt.Errorf("%w: %s: %v", implcaps.ErrInvalidValue, k, m[k])
	}

	return v, true, nil
}

func storeBound(s persistence.Section, k string, v int, present bool) {
	if present {
		s.Set(k, v)
	} else {
		s.Delete(k)
	}
}

func (i *Implementation) Detach(_ context.Context, _ implcaps.DetachType) error {
	i.m.Lock()
	defer i.m.Unlock()

	i.onSet = map[string]SetCallback{}
	i.onAdjust = map[string]AdjustCallback{}

	return nil
}

func (i *Implementation) Actions() []string {
	return []string{ActionSetRangeValue, ActionAdjustRangeValue}
}

// Bounds returns the inclusive range values are held within.
func (i *Implementation) Bounds() (int, int) {
	i.m.RLock()
	defer i.m.RUnlock()
	return i.minimum, i.maximum
}

// OnRangeValue registers the callback used for any instance without its own callback.
func (i *Implementation) OnRangeValue(cb SetCallback) {
	i.OnRangeValueForInstance(capabilities.DefaultInstance, cb)
}

// OnAdjustRangeValue registers the adjust callback used for any instance without its own callback.
func (i *Implementation) OnAdjustRangeValue(cb AdjustCallback) {
	i.OnAdjustRangeValueForInstance(capabilities.DefaultInstance, cb)
}

func (i *Implementation) OnRangeValueForInstance(instance string, cb SetCallback) {
	i.m.Lock()
	defer i.m.Unlock()
	i.onSet[instance] = cb
}

func (i *Implementation) OnAdjustRangeValueForInstance(instance string, cb AdjustCallback) {
	i.m.Lock()
	defer i.m.Unlock()
	i.onAdjust[instance] = cb
}

func (i *Implementation) HandleRequest(ctx context.Context, r message.Request) (map[string]any, error) {
	switch r.Action {
	case ActionSetRangeValue:
		return i.handleSet(ctx, r)
	case ActionAdjustRangeValue:
		return i.handleAdjust(ctx, r)
	default:
		return nil, fmt.Errorf("%w: %s", implcaps.ErrUnsupportedAction, r.Action)
	}
}

func (i *Implementation) handleSet(ctx context.Context, r message.Request) (map[string]any, error) {
	v, err := implcaps.RequiredInt(r.Value, ValueKey)
	if err != nil {
		return nil, err
	}

	i.m.RLock()
	cb, found := i.onSet[r.Instance]
	if !found {
		cb = i.onSet[capabilities.DefaultInstance]
	}
	minimum, maximum := i.minimum, i.maximum
	i.m.RUnlock()

	if v < minimum || v > maximum {
		return nil, fmt.Errorf("%w: %d not within %d to %d", ErrOutOfRange, v, minimum, maximum)
	}

	if cb == nil {
		return nil, fmt.Errorf("%w: %s", implcaps.ErrNoCallback, r.Action)
	}

	reached, err := cb(ctx, i.d.Identifier(), v)
	if err != nil {
		i.d.Logger().LogWarn(ctx, "Set range value callback failed.", logwrap.Datum("Instance", r.Instance), logwrap.Datum("RangeValue", v), logwrap.Err(err))
		return nil, err
	}

	reached = clamp(reached, minimum, maximum)
	i.update(r.Instance, reached)

	i.d.Logger().LogDebug(ctx, "Range value set.", logwrap.Datum("Instance", r.Instance), logwrap.Datum("Requested", v), logwrap.Datum("RangeValue", reached))

	return map[string]any{ValueKey: reached}, nil
}

func (i *Implementation) handleAdjust(ctx context.Context, r message.Request) (map[string]any, error) {
	delta, err := implcaps.RequiredInt(r.Value, DeltaValueKey)
	if err != nil {
		return nil, err
	}

	i.m.RLock()
	cb, found := i.onAdjust[r.Instance]
	if !found {
		cb = i.onAdjust[capabilities.DefaultInstance]
	}
	minimum, maximum := i.minimum, i.maximum
	i.m.RUnlock()

	if cb == nil {
		return nil, fmt.Errorf("%w: %s", implcaps.ErrNoCallback, r.Action)
	}

	reached, err := cb(ctx, i.d.Identifier(), delta)
	if err != nil {
		i.d.Logger().LogWarn(ctx, "Adjust range value callback failed.", logwrap.Datum("Instance", r.Instance), logwrap.Datum("Delta", delta), logwrap.Err(err))
		return nil, err
	}

	reached = clamp(reached, minimum, maximum)
	i.update(r.Instance, reached)

	i.d.Logger().LogDebug(ctx, "Range value adjusted.", logwrap.Datum("Instance", r.Instance), logwrap.Datum("Delta", delta), logwrap.Datum("RangeValue", reached))

	return map[string]any{ValueKey: reached}, nil
}

// SendRangeValueEvent records a value an instance reached without a request and reports it. An empty cause is sent
// as a physical interaction.
func (i *Implementation) SendRangeValueEvent(ctx context.Context, instance string, v int, cause string) error {
	minimum, maximum := i.Bounds()

	if v < minimum || v > maximum {
		return fmt.Errorf("%w: %d not within %d to %d", ErrOutOfRange, v, minimum, maximum)
	}

	if cause == "" {
		cause = message.CausePhysicalInteraction
	}

	i.update(instance, v)

	return i.d.SendEvent(ctx, message.Event{
		Action:   ActionSetRangeValue,
		Instance: instance,
		Cause:    cause,
		Value:    map[string]any{ValueKey: v},
	})
}

// instanceSection holds the state of one instance. The default instance lives outside the named instance section.
func (i *Implementation) instanceSection(instance string) persistence.Section {
	if instance == capabilities.DefaultInstance {
		return i.s.Section(defaultInstanceSectionKey)
	}

	return i.s.Section(instanceSectionKey, instance)
}

func (i *Implementation) update(instance string, v int) {
	now := i.d.Clock().Now()
	s := i.instanceSection(instance)

	if current, found := s.Int(RangeValueKey); !found || current != int64(v) {
		s.Set(RangeValueKey, v)
		converter.Store(s, implcaps.LastChangedKey, now, converter.TimeEncoder)
		converter.Store(i.s, implcaps.LastChangedKey, now, converter.TimeEncoder)
	}

	converter.Store(s, implcaps.LastUpdatedKey, now, converter.TimeEncoder)
	converter.Store(i.s, implcaps.LastUpdatedKey, now, converter.TimeEncoder)
}

func (i *Implementation) RangeValue(_ context.Context, instance string) (int, error) {
	v, _ := i.instanceSection(instance).Int(RangeValueKey)
	return int(v), nil
}

// Instances lists the instances that have reported or been set to a value, the default instance first and then
// named instances in order.
func (i *Implementation) Instances() []string {
	var instances []string

	if i.s.SectionExists(defaultInstanceSectionKey) && i.s.Section(defaultInstanceSectionKey).Exists(RangeValueKey) {
		instances = append(instances, capabilities.DefaultInstance)
	}

	if !i.s.SectionExists(instanceSectionKey) {
		return instances
	}

	named := i.s.Section(instanceSectionKey)
	keys := named.SectionKeys()
	sort.Strings(keys)

	for _, k := range keys {
		if named.Section(k).Exists(RangeValueKey) {
			instances = append(instances, k)
		}
	}

	return instances
}

// LastUpdateTime returns the last time any instance was updated.
func (i *Implementation) LastUpdateTime(_ context.Context) (time.Time, error) {
	t, _ := converter.Retrieve(i.s, implcaps.LastUpdatedKey, converter.TimeDecoder)
	return t, nil
}

// LastChangeTime returns the last time any instance changed value.
func (i *Implementation) LastChangeTime(_ context.Context) (time.Time, error) {
	t, _ := converter.Retrieve(i.s, implcaps.LastChangedKey, converter.TimeDecoder)
	return t, nil
}

func clamp(v, minimum, maximum int) int {
	if v < minimum {
		return minimum
	}

	if v > maximum {
		return maximum
	}

	return v
}
