// Separate package is workaround to import cycles.
package ota_config

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/ota-push/helpers"
)

const (
	DefaultBroker         = "localhost"
	DefaultPort           = 1883
	DefaultDeviceId       = "default"
	DefaultNamespace      = "esp32"
	DefaultChunkSize      = 1024
	DefaultMaxRetries     = 3
	DefaultChunkDelay     = 100 * time.Millisecond
	DefaultStartDelay     = 1 * time.Second
	DefaultTimeout        = 60 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultPollInterval   = 1 * time.Second
	DefaultKeepalive      = 60 * time.Second

	MqttClientPaho   = "paho"
	MqttClientGomqtt = "gomqtt"
)

type Config struct { //nolint:maligned
	// includeSeen contains normalized paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Broker       string `hcl:"broker"`
	Port         int    `hcl:"port"`
	Username     string `hcl:"username"`
	Password     string `hcl:"password"` // secret
	ClientId     string `hcl:"client_id"`
	MqttClient   string `hcl:"mqtt_client"`
	MqttLogDebug bool   `hcl:"mqtt_log_debug"`
	Qos          int    `hcl:"qos"`
	KeepaliveSec int    `hcl:"keepalive_sec"`
	TlsCaFile    string `hcl:"tls_ca_file"`

	DeviceId          string `hcl:"device_id"`
	Namespace         string `hcl:"namespace"`
	ChunkSize         int    `hcl:"chunk_size"`
	MaxRetries        int    `hcl:"max_retries"`
	ChunkDelayMs      int    `hcl:"chunk_delay_ms"`
	StartDelayMs      int    `hcl:"start_delay_ms"`
	PollIntervalMs    int    `hcl:"poll_interval_ms"`
	TimeoutSec        int    `hcl:"timeout_sec"`
	ConnectTimeoutSec int    `hcl:"connect_timeout_sec"`

	Verbose  bool `hcl:"verbose"`
	LogDebug bool `hcl:"log_debug"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func defaultString(main, def string) string {
	if main == "" {
		return def
	}
	return main
}

func defaultInt(main, def int) int {
	if main == 0 {
		return def
	}
	return main
}

// BrokerURL accepts either host or full URL in broker.
func (c *Config) BrokerURL() string {
	broker := defaultString(c.Broker, DefaultBroker)
	if strings.Contains(broker, "://") {
		return broker
	}
	scheme := "tcp"
	if c.TlsCaFile != "" {
		scheme = "tls"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, broker, defaultInt(c.Port, DefaultPort))
}

func (c *Config) Device() string     { return defaultString(c.DeviceId, DefaultDeviceId) }
func (c *Config) TopicSpace() string { return defaultString(c.Namespace, DefaultNamespace) }
func (c *Config) Client() string     { return defaultString(c.MqttClient, MqttClientPaho) }
func (c *Config) Chunk() int         { return defaultInt(c.ChunkSize, DefaultChunkSize) }
func (c *Config) Retries() int       { return defaultInt(c.MaxRetries, DefaultMaxRetries) }
func (c *Config) QOS() byte          { return byte(c.Qos) }

func (c *Config) ChunkDelay() time.Duration {
	return helpers.IntMillisecondDefault(c.ChunkDelayMs, DefaultChunkDelay)
}
func (c *Config) StartDelay() time.Duration {
	return helpers.IntMillisecondDefault(c.StartDelayMs, DefaultStartDelay)
}
func (c *Config) PollInterval() time.Duration {
	d := helpers.IntMillisecondDefault(c.PollIntervalMs, DefaultPollInterval)
	if d <= 0 {
		d = DefaultPollInterval
	}
	return d
}
func (c *Config) Timeout() time.Duration {
	return helpers.IntSecondDefault(c.TimeoutSec, DefaultTimeout)
}
func (c *Config) ConnectTimeout() time.Duration {
	return helpers.IntSecondDefault(c.ConnectTimeoutSec, DefaultConnectTimeout)
}
func (c *Config) Keepalive() time.Duration {
	return helpers.IntSecondDefault(c.KeepaliveSec, DefaultKeepalive)
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 8)
	if c.ChunkSize < 0 {
		errs = append(errs, errors.NotValidf("chunk_size=%d", c.ChunkSize))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.NotValidf("max_retries=%d", c.MaxRetries))
	}
	if c.Qos < 0 || c.Qos > 1 {
		errs = append(errs, errors.NotValidf("qos=%d supported 0,1", c.Qos))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, errors.NotValidf("port=%d", c.Port))
	}
	if c.TimeoutSec < 0 || c.ConnectTimeoutSec < 0 || c.KeepaliveSec < 0 {
		errs = append(errs, errors.NotValidf("negative timeout"))
	}
	switch c.Client() {
	case MqttClientPaho, MqttClientGomqtt:
	default:
		errs = append(errs, errors.NotValidf("mqtt_client=%s", c.MqttClient))
	}
	if strings.ContainsAny(c.Device(), "/+#") {
		errs = append(errs, errors.NotValidf("device_id=%s contains MQTT topic separator or wildcard", c.DeviceId))
	}
	return helpers.FoldErrors(errs)
}
