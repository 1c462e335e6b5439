package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/knowton/cdcsync/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleThresholdsFromConfig(t *testing.T) {
	c := cfg.Default()
	c.Prometheus.Namespace = "sync"
	c.Health.LagWarningSeconds = 1.5
	c.Health.LagCriticalSeconds = 30
	c.Health.ErrorWindowSeconds = 120
	c.Health.LowThroughputWindowMins = 10
	c.Consistency.DiscrepancyThreshold = 3

	r := ruleThresholds(c)
	assert.Equal(t, "sync", r.Namespace)
	assert.Equal(t, 1500*time.Millisecond, r.LagWarning)
	assert.Equal(t, 30*time.Second, r.LagCritical)
	assert.Equal(t, 2*time.Minute, r.ErrorWindow)
	assert.Equal(t, 10*time.Minute, r.LowThroughputWindow)
	assert.Equal(t, c.Health.ErrorRateWarning, r.ErrorRateWarning)
	assert.Equal(t, int64(3), r.DiscrepancyThreshold)
}

func TestRulesCommandPrintsConfiguredThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[health]
lag_warning_seconds = 12
lag_critical_seconds = 90
`), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"rules", "--config", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())

	text := out.String()
	assert.Contains(t, text, "CDCSyncLagWarning")
	assert.Contains(t, text, "cdcsync_sync_lag_seconds) > 12")
	assert.Contains(t, text, "cdcsync_sync_lag_seconds) > 90")
	assert.Contains(t, text, "CDCSyncConsistencyDrift")
}
