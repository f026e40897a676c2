// Package transport binds an update session to MQTT broker.
// Two client backends: eclipse/paho (default) and 256dpi/gomqtt.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/juju/errors"
	ota_config "github.com/temoto/ota-push/ota/config"
	"github.com/temoto/ota-push/log2"
)

// Handler is called on client delivery goroutine, one message at a time.
type Handler func(topic string, payload []byte)

// Transporter contract:
// - Connect() returns after broker acknowledged connection and subscriptions, or error
// - Connect() fails with errors.Timeout if broker did not answer in connect timeout
// - Publish() is fire-and-forget at QoS 0, waits PUBACK at QoS 1
// - Close() is safe to call on every exit path, including before Connect()
type Transporter interface {
	Connect(ctx context.Context, topics []string, onMessage Handler) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

func New(ctx context.Context, log *log2.Log, conf *ota_config.Config) (Transporter, error) {
	clientId := ClientId(conf)
	switch conf.Client() {
	case ota_config.MqttClientPaho:
		return NewPaho(ctx, log, conf, clientId)
	case ota_config.MqttClientGomqtt:
		return NewGomqtt(log, conf, clientId)
	}
	return nil, errors.NotValidf("mqtt_client=%s", conf.MqttClient)
}

func ClientId(conf *ota_config.Config) string {
	if conf.ClientId != "" {
		return conf.ClientId
	}
	return "ota-push-" + uuid.New().String()[:8]
}

// SetLibraryLog routes paho internal logging. Process global, call once from main.
func SetLibraryLog(log *log2.Log, debug bool) {
	mqttLog := log.Clone(log2.LDebug)
	mqttLog.SetPrefix("mqtt ")
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if debug {
		mqtt.DEBUG = mqttLog
	}
}

func tlsConfig(conf *ota_config.Config) (*tls.Config, error) {
	if conf.TlsCaFile == "" {
		return nil, nil
	}
	tlsconf := new(tls.Config)
	tlsconf.RootCAs = x509.NewCertPool()
	cabytes, err := ioutil.ReadFile(conf.TlsCaFile)
	if err != nil {
		return nil, errors.Annotate(err, "tls_ca_file")
	}
	if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
		return nil, errors.NotValidf("tls_ca_file=%s no PEM certificates", conf.TlsCaFile)
	}
	return tlsconf, nil
}
