package capabilities

import (
	"context"
	"github.com/shimmeringbee/da"
)

const (
	PercentageControllerFlag da.Capability = 0x1000
	RangeControllerFlag      da.Capability = 0x1001
)

var StandardNames = map[da.Capability]string{
	PercentageControllerFlag: "PercentageController",
	RangeControllerFlag:      "RangeController",
}

// DefaultInstance is the instance name of a range that was not given one.
const DefaultInstance = ""

type PercentageController interface {
	da.BasicCapability
	// Percentage returns the last percentage the device reached, 0 to 100.
	Percentage(context.Context) (int, error)
	// SendSetPercentageEvent reports a percentage change that originated on the device.
	SendSetPercentageEvent(context.Context, int, string) error
}

type RangeController interface {
	da.BasicCapability
	// RangeValue returns the last value of the named range instance.
	RangeValue(context.Context, string) (int, error)
	// SendRangeValueEvent reports a range change that originated on the device.
	SendRangeValueEvent(context.Context, string, int, string) error
}
