package transport

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	ota_config "github.com/temoto/ota-push/ota/config"
	"github.com/temoto/ota-push/log2"
)

const disconnectQuiesce = 250 // milliseconds

type Paho struct {
	log            *log2.Log
	brokerURL      string
	m              mqtt.Client
	mopt           *mqtt.ClientOptions
	qos            byte
	connectTimeout time.Duration
	onMessage      Handler
	closeOnce      sync.Once

	mu           sync.Mutex
	connectToken mqtt.Token
}

var _ Transporter = &Paho{}

func NewPaho(ctx context.Context, log *log2.Log, conf *ota_config.Config, clientId string) (*Paho, error) {
	self := &Paho{
		log:            log,
		brokerURL:      conf.BrokerURL(),
		qos:            conf.QOS(),
		connectTimeout: conf.ConnectTimeout(),
	}

	tlsconf, err := tlsConfig(conf)
	if err != nil {
		return nil, err
	}
	defaultHandler := func(_ mqtt.Client, msg mqtt.Message) {
		self.log.Errorf("unexpected mqtt message topic=%s payload=%q", msg.Topic(), msg.Payload())
	}
	lostHandler := func(_ mqtt.Client, err error) {
		self.log.Errorf("mqtt connection lost err=%v", err)
	}
	self.mopt = mqtt.NewClientOptions().
		AddBroker(self.brokerURL).
		// session lives for one update, device messages after reconnect would be lost anyway
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetClientID(clientId).
		SetConnectTimeout(self.connectTimeout).
		SetConnectionLostHandler(lostHandler).
		SetDefaultPublishHandler(defaultHandler).
		SetKeepAlive(conf.Keepalive()).
		SetOrderMatters(true).
		SetPingTimeout(self.connectTimeout).
		SetWriteTimeout(self.connectTimeout)
	if conf.Username != "" {
		self.mopt.SetUsername(conf.Username)
		self.mopt.SetPassword(conf.Password)
	}
	if tlsconf != nil {
		self.mopt.SetTLSConfig(tlsconf)
	}

	// test code puts mock into context
	if mock, ok := ctx.Value(mqttMockContextKey).(*MqttMock); ok {
		mock.MockNew(self.mopt)
		self.m = mock
	} else { // production path
		self.m = mqtt.NewClient(self.mopt)
	}
	return self, nil
}

func (self *Paho) Connect(ctx context.Context, topics []string, onMessage Handler) error {
	self.onMessage = onMessage
	self.log.Debugf("mqtt connect broker=%s", self.brokerURL)
	t := self.m.Connect()
	self.mu.Lock()
	self.connectToken = t
	self.mu.Unlock()
	if err := self.tokenWait(ctx, t, "connect"); err != nil {
		return err
	}
	for _, topic := range topics {
		t := self.m.Subscribe(topic, self.qos, self.mqttMessage)
		if err := self.tokenWait(ctx, t, "subscribe:"+topic); err != nil {
			return err
		}
		self.log.Debugf("mqtt subscribed topic=%s", topic)
	}
	return nil
}

func (self *Paho) Publish(ctx context.Context, topic string, payload []byte) error {
	t := self.m.Publish(topic, self.qos, false, payload)
	return self.tokenWait(ctx, t, "publish:"+topic)
}

func (self *Paho) Close() error {
	self.closeOnce.Do(func() {
		self.mu.Lock()
		t := self.connectToken
		self.mu.Unlock()
		if t == nil {
			return
		}
		// Connect interrupted by ctx leaves paho connecting in background,
		// CONNACK may still arrive within connect timeout.
		t.WaitTimeout(self.connectTimeout)
		if self.m.IsConnected() {
			self.m.Disconnect(disconnectQuiesce)
		}
	})
	return nil
}

func (self *Paho) mqttMessage(_ mqtt.Client, msg mqtt.Message) {
	if self.onMessage != nil {
		self.onMessage(msg.Topic(), msg.Payload())
	}
	msg.Ack()
}

func (self *Paho) tokenWait(ctx context.Context, t mqtt.Token, tag string) error {
	waitch := make(chan bool, 1)
	go func() { waitch <- t.WaitTimeout(self.connectTimeout) }()
	select {
	case ok := <-waitch:
		if !ok {
			err := errors.Timeoutf("mqtt %s", tag)
			self.log.Errorf("%s", err.Error())
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := t.Error(); err != nil {
		err = errors.Annotatef(err, "mqtt %s", tag)
		self.log.Errorf("%s", err.Error())
		return err
	}
	return nil
}
