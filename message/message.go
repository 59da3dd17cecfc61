package message

import "time"

const (
	CausePhysicalInteraction = "PHYSICAL_INTERACTION"
	CauseAppInteraction      = "APP_INTERACTION"
	CausePeriodicPoll        = "PERIODIC_POLL"
)

// Request is an action directed at a device, as delivered by the transport.
type Request struct {
	DeviceID string
	Action   string
	Instance string
	Value    map[string]any
}

// Response is the outcome of a Request. Value holds the state the device
// actually reached, which may differ from what was requested.
type Response struct {
	DeviceID string
	Action   string
	Instance string
	Success  bool
	Message  string
	Value    map[string]any
}

// Event is a device initiated state report.
type Event struct {
	DeviceID  string
	Action    string
	Instance  string
	Cause     string
	Value     map[string]any
	Timestamp time.Time
}

// Failure builds an unsuccessful response to r carrying err's text.
func Failure(r Request, err error) Response {
	return Response{
		DeviceID: r.DeviceID,
		Action:   r.Action,
		Instance: r.Instance,
		Success:  false,
		Message:  err.Error(),
		Value:    map[string]any{},
	}
}

// Success builds a successful response to r with the resulting value.
func Success(r Request, value map[string]any) Response {
	if value == nil {
		value = map[string]any{}
	}

	return Response{
		DeviceID: r.DeviceID,
		Action:   r.Action,
		Instance: r.Instance,
		Success:  true,
		Value:    value,
	}
}
