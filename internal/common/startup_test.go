package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	AgentIndex    int
	PublicAddress string
	Monitor       struct {
		Interval time.Duration
	}
}

func TestLoadConfig_OverridesInOrder(t *testing.T) {
	defaults := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(defaults, "config.yaml"), []byte(
		"agentIndex: 1\npublicAddress: 127.0.0.1\nmonitor:\n  interval: 1s\n"), 0o644))
	override := filepath.Join(t.TempDir(), "override.yaml")
	require.NoError(t, os.WriteFile(override, []byte("monitor:\n  interval: 250ms\n"), 0o644))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("agentIndex", 0, "")
	flags.String("publicAddress", "", "")
	require.NoError(t, flags.Parse([]string{"--agentIndex=3"}))

	var config testConfig
	LoadConfig(&config, defaults, []string{override}, flags)

	assert.Equal(t, 3, config.AgentIndex)
	assert.Equal(t, "127.0.0.1", config.PublicAddress)
	assert.Equal(t, 250*time.Millisecond, config.Monitor.Interval)
}
