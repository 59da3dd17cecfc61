package atc

import (
	"context"
	"github.com/atc-home/atc/implcaps/percentage"
	"github.com/atc-home/atc/implcaps/rangecontrol"
	"github.com/atc-home/atc/message"
	"github.com/shimmeringbee/da"
	"github.com/shimmeringbee/logwrap"
	"time"
)

const TableProductType = "Table"

type PercentageController = percentage.Implementation
type RangeController = rangecontrol.Implementation

// Table is a motorised table, positioned by percentage and by range value (such as a height).
type Table struct {
	*Device
	*PercentageController
	*RangeController
}

func NewTable(deviceID string, opts ...Option) *Table {
	t, err := newTable(context.Background(), deviceID, opts...)
	if err != nil {
		t.logger.LogError(context.Background(), "Table created with capability errors.", logwrap.Datum("Device", deviceID), logwrap.Err(err))
	}

	return t
}

// newTable always returns a usable table. A capability that refuses its settings is attached unconfigured and the
// refusal returned.
func newTable(ctx context.Context, deviceID string, opts ...Option) (*Table, error) {
	t := &Table{
		Device:               NewDevice(deviceID, TableProductType, opts...),
		PercentageController: percentage.NewPercentageController(),
		RangeController:      rangecontrol.NewRangeController(),
	}

	if err := t.Device.AddCapability(ctx, t.PercentageController); err != nil {
		return t, err
	}

	if err := t.Device.AddCapability(ctx, t.RangeController); err != nil {
		if fallbackErr := t.Device.attach(ctx, t.RangeController, nil); fallbackErr != nil {
			return t, fallbackErr
		}

		return t, err
	}

	return t, nil
}

func (t *Table) Base() *Device {
	return t.Device
}

func (t *Table) Capability(c da.Capability) any {
	return t.Device.Capability(c)
}

func (t *Table) Load(ctx context.Context) error {
	return t.Device.Load(ctx)
}

func (t *Table) HandleRequest(ctx context.Context, r message.Request) message.Response {
	return t.Device.HandleRequest(ctx, r)
}

func (t *Table) LastUpdateTime(ctx context.Context) (time.Time, error) {
	return latest(ctx, t.PercentageController.LastUpdateTime, t.RangeController.LastUpdateTime)
}

func (t *Table) LastChangeTime(ctx context.Context) (time.Time, error) {
	return latest(ctx, t.PercentageController.LastChangeTime, t.RangeController.LastChangeTime)
}

// ReportState sends the current percentage and the value of every known range instance as periodic poll events.
// Nothing is sent for state that has never been set or reported.
func (t *Table) ReportState(ctx context.Context) error {
	if t.PercentageKnown() {
		p, err := t.Percentage(ctx)
		if err != nil {
			return err
		}

		if err := t.SendSetPercentageEvent(ctx, p, message.CausePeriodicPoll); err != nil {
			return err
		}
	}

	for _, instance := range t.Instances() {
		v, err := t.RangeValue(ctx, instance)
		if err != nil {
			return err
		}

		if err := t.SendRangeValueEvent(ctx, instance, v, message.CausePeriodicPoll); err != nil {
			return err
		}
	}

	return nil
}

// PollTableState is a PollFunc reporting a Table's state, it stops polling anything that is not a Table.
func PollTableState(ctx context.Context, p Product) bool {
	t, ok := p.(*Table)
	if !ok {
		return false
	}

	if err := t.ReportState(ctx); err != nil {
		t.logger.LogWarn(ctx, "Failed to report table state.", logwrap.Datum("Device", t.identifier), logwrap.Err(err))
	}

	return true
}

func latest(ctx context.Context, fns ...func(context.Context) (time.Time, error)) (time.Time, error) {
	var l time.Time

	for _, fn := range fns {
		t, err := fn(ctx)
		if err != nil {
			return time.Time{}, err
		}

		if t.After(l) {
			l = t
		}
	}

	return l, nil
}
