package rules

import "math"

type Settings map[string]interface{}

// Int returns an integer setting. Whole float64 values are accepted, as that is how JSON rule files decode numbers.
func (s Settings) Int(k string) (int, bool) {
	val, found := s[k]

	if !found {
		return 0, false
	}

	switch v := val.(type) {
	case int:
		return v, true
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return int(v), true
		}
	}

	return 0, false
}

// merge overlays o onto a copy of s.
func (s Settings) merge(o Settings) Settings {
	n := Settings{}

	for k, v := range s {
		n[k] = v
	}

	for k, v := range o {
		n[k] = v
	}

	return n
}
