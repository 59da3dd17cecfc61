package factory

import (
	"github.com/atc-home/atc/capabilities"
	"github.com/atc-home/atc/implcaps"
	"github.com/atc-home/atc/implcaps/percentage"
	"github.com/atc-home/atc/implcaps/rangecontrol"
	"github.com/shimmeringbee/da"
)

const PercentageController = "PercentageController"
const RangeController = "RangeController"

var Mapping = map[string]da.Capability{
	PercentageController: capabilities.PercentageControllerFlag,
	RangeController:      capabilities.RangeControllerFlag,
}

func Create(name string) implcaps.Capability {
	switch name {
	case PercentageController:
		return percentage.NewPercentageController()
	case RangeController:
		return rangecontrol.NewRangeController()
	default:
		return nil
	}
}
