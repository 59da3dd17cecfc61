package implcaps

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrNoCallback   = errors.New("no callback registered for action")
	ErrMissingValue = errors.New("request value missing")
	ErrInvalidValue = errors.New("request value invalid")
)

// Int converts the numeric representations a request or settings value may arrive in to an int. Floats are only
// accepted if they are whole numbers.
func Int(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	default:
		return 0, false
	}
}

func floatToInt(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}

	return int(f), true
}

// RequiredInt reads an integer request value, failing if it is missing or not an integer.
func RequiredInt(m map[string]any, k string) (int, error) {
	v, found := m[k]
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrMissingValue, k)
	}

	i, ok := Int(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidValue, k, v)
	}

	return i, nil
}

// ErrUnsupportedAction is returned by a capability handed a request action it does not list in Actions.
var ErrUnsupportedAction = errors.New("action not supported by capability")
