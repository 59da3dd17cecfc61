package atc

import (
	"context"
	"github.com/shimmeringbee/logwrap"
)

// DeviceAdded is published when a device is added to the hub.
type DeviceAdded struct {
	Device *Device
}

// DeviceRemoved is published when a device is removed from the hub.
type DeviceRemoved struct {
	Device *Device
}

// DeviceLoaded is published when a device has been recreated from persistence.
type DeviceLoaded struct {
	Device *Device
}

func (h *Hub) sendEvent(ctx context.Context, e any) {
	select {
	case h.events <- e:
	default:
		h.logger.LogWarn(ctx, "Event queue full, dropping hub event.", logwrap.Datum("Event", e))
	}
}

// ReadEvent blocks until a hub event is available or ctx is done.
func (h *Hub) ReadEvent(ctx context.Context) (any, error) {
	select {
	case e := <-h.events:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
