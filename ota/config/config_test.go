package ota_config

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/ota-push/log2"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		sources   map[string]string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", map[string]string{"main": ""}, func(t testing.TB, c *Config) {
			assert.Equal(t, "tcp://localhost:1883", c.BrokerURL())
			assert.Equal(t, "default", c.Device())
			assert.Equal(t, "esp32", c.TopicSpace())
			assert.Equal(t, 1024, c.Chunk())
			assert.Equal(t, 3, c.Retries())
			assert.Equal(t, 100*time.Millisecond, c.ChunkDelay())
			assert.Equal(t, 1*time.Second, c.StartDelay())
			assert.Equal(t, 1*time.Second, c.PollInterval())
			assert.Equal(t, 60*time.Second, c.Timeout())
			assert.Equal(t, 5*time.Second, c.ConnectTimeout())
			assert.Equal(t, MqttClientPaho, c.Client())
			assert.Equal(t, byte(0), c.QOS())
		}, ""},

		{"broker", map[string]string{"main": `
broker = "mqtt.example.net"
port = 1885
username = "iot"
password = "secret"
device_id = "kitchen-7"
chunk_size = 512
max_retries = 5
chunk_delay_ms = -1
timeout_sec = 90
`}, func(t testing.TB, c *Config) {
			assert.Equal(t, "tcp://mqtt.example.net:1885", c.BrokerURL())
			assert.Equal(t, "iot", c.Username)
			assert.Equal(t, "secret", c.Password)
			assert.Equal(t, "kitchen-7", c.Device())
			assert.Equal(t, 512, c.Chunk())
			assert.Equal(t, 5, c.Retries())
			assert.Equal(t, time.Duration(0), c.ChunkDelay())
			assert.Equal(t, 90*time.Second, c.Timeout())
		}, ""},

		{"url-and-tls", map[string]string{"main": `broker = "ws://broker:8080/mqtt"`}, func(t testing.TB, c *Config) {
			assert.Equal(t, "ws://broker:8080/mqtt", c.BrokerURL())
			c.Broker = "secure.example.net"
			c.TlsCaFile = "/etc/ssl/ca.pem"
			assert.Equal(t, "tls://secure.example.net:1883", c.BrokerURL())
		}, ""},

		{"include", map[string]string{
			"main": `
include "secrets" {}
include "local" { optional = true }
device_id = "a"
`,
			"secrets": `
password = "p4ss"
device_id = "b"
`,
		}, func(t testing.TB, c *Config) {
			assert.Equal(t, "p4ss", c.Password)
			assert.Equal(t, "b", c.Device())
		}, ""},

		{"include-required-missing", map[string]string{"main": `include "nope" {}`}, nil,
			"config required name=nope path=nope not found"},

		{"include-loop", map[string]string{
			"main": `include "other" {}`, "other": `include "main" {}`,
		}, nil, "config include loop: from=other include=main"},

		{"invalid", map[string]string{"main": `
qos = 2
mqtt_client = "zmq"
device_id = "a/b"
`}, nil,
			"qos=2 supported 0,1 not valid\nmqtt_client=zmq not valid\ndevice_id=a/b contains MQTT topic separator or wildcard not valid"},

		{"syntax", map[string]string{"main": "port = \n device_id = \"x\""}, nil, "config unmarshal source=main"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(c.sources)
			config, err := ReadConfig(log, fs, "main")
			if c.expectErr == "" {
				require.NoError(t, err)
				if c.check != nil {
					c.check(t, config)
				}
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
			}
		})
	}
}

func TestReadConfigMissing(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	_, err := ReadConfig(log, NewMockFullReader(nil), "ota.hcl")
	assert.True(t, errors.IsNotFound(err), "err=%v", err)

	c, err := ReadConfig(log, NewMockFullReader(nil))
	require.NoError(t, err)
	assert.Equal(t, "default", c.Device())
}
