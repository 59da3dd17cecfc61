package config

import (
	"github.com/stretchr/testify/assert"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Run("defaults match Default", func(t *testing.T) {
		cfg, err := Load()
		assert.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("reads overrides from the environment", func(t *testing.T) {
		t.Setenv("ATC_EVENT_RETRIES", "0")
		t.Setenv("ATC_EVENT_TIMEOUT", "250ms")
		t.Setenv("ATC_EVENT_INTERVAL", "0s")
		t.Setenv("ATC_RULES_PATH", "/etc/atc/rules")

		cfg, err := Load()
		assert.NoError(t, err)
		assert.Equal(t, Config{
			EventRetries:  0,
			EventTimeout:  250 * time.Millisecond,
			EventInterval: 0,
			RulesPath:     "/etc/atc/rules",
		}, cfg)
	})

	t.Run("fails on an unparsable value", func(t *testing.T) {
		t.Setenv("ATC_EVENT_TIMEOUT", "soon")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "parse env")
	})

	t.Run("fails validation on a negative retry count", func(t *testing.T) {
		t.Setenv("ATC_EVENT_RETRIES", "-1")

		_, err := Load()
		assert.Error(t, err)
	})
}
