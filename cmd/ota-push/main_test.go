package main

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ota_config "github.com/temoto/ota-push/ota/config"
)

func TestApplyFlags(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		args      []string
		check     func(testing.TB, *ota_config.Config)
		expectErr string
	}{
		{"none", nil, func(t testing.TB, c *ota_config.Config) {
			assert.Equal(t, "file.local", c.Broker)
			assert.Equal(t, 512, c.Chunk())
			assert.Equal(t, ota_config.DefaultMaxRetries, c.Retries())
		}, ""},
		{"override", []string{"-broker", "b", "-chunk-size", "2048", "-retries", "5", "-timeout", "9", "-device-id", "d"},
			func(t testing.TB, c *ota_config.Config) {
				assert.Equal(t, "b", c.Broker)
				assert.Equal(t, 2048, c.Chunk())
				assert.Equal(t, 5, c.Retries())
				assert.Equal(t, 9*time.Second, c.Timeout())
				assert.Equal(t, "d", c.Device())
			}, ""},
		{"chunk-delay-zero", []string{"-chunk-delay", "0"}, func(t testing.TB, c *ota_config.Config) {
			assert.Equal(t, time.Duration(0), c.ChunkDelay())
		}, ""},
		{"chunk-size-zero", []string{"-chunk-size", "0"}, nil, "-chunk-size=0 must be positive"},
		{"retries-zero", []string{"-retries", "0"}, nil, "-retries=0 must be positive"},
		{"timeout-zero", []string{"-timeout", "0"}, nil, "-timeout=0 must be positive"},
		{"chunk-delay-negative", []string{"-chunk-delay", "-5"}, nil, "-chunk-delay=-5"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			cmdline := newFlagSet("ota-push-test")
			require.NoError(t, cmdline.Parse(c.args))
			config := &ota_config.Config{Broker: "file.local", ChunkSize: 512}
			err := applyFlags(cmdline, config)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.True(t, errors.IsNotValid(err), "err=%v", err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			c.check(t, config)
		})
	}
}

func TestFirmwarePath(t *testing.T) {
	t.Parallel()

	path, err := firmwarePath([]string{"fw.bin"})
	require.NoError(t, err)
	assert.Equal(t, "fw.bin", path)

	_, err = firmwarePath([]string{"a", "b"})
	assert.True(t, errors.IsNotValid(err), "err=%v", err)
}
