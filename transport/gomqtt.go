package transport

import (
	"context"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	ota_config "github.com/temoto/ota-push/ota/config"
	"github.com/temoto/ota-push/log2"
	"github.com/temoto/ota-push/transport/gomqtt"
)

type Gomqtt struct {
	log            *log2.Log
	opt            gomqtt.ClientOptions
	qos            packet.QOS
	connectTimeout time.Duration

	mu sync.Mutex
	c  *gomqtt.Client
}

var _ Transporter = &Gomqtt{}

func NewGomqtt(log *log2.Log, conf *ota_config.Config, clientId string) (*Gomqtt, error) {
	tlsconf, err := tlsConfig(conf)
	if err != nil {
		return nil, err
	}
	self := &Gomqtt{
		log:            log,
		qos:            packet.QOS(conf.QOS()),
		connectTimeout: conf.ConnectTimeout(),
	}
	self.opt = gomqtt.ClientOptions{
		BrokerURL:      conf.BrokerURL(),
		TLS:            tlsconf,
		NetworkTimeout: self.connectTimeout,
		KeepaliveSec:   uint16(conf.Keepalive() / time.Second),
		ClientID:       clientId,
		Username:       conf.Username,
		Password:       conf.Password,
		Log:            log.Clone(log2.LError),
	}
	if conf.MqttLogDebug {
		self.opt.Log.SetLevel(log2.LDebug)
	}
	return self, nil
}

func (self *Gomqtt) Connect(ctx context.Context, topics []string, onMessage Handler) error {
	opt := self.opt
	opt.Subscriptions = make([]packet.Subscription, len(topics))
	for i, topic := range topics {
		opt.Subscriptions[i] = packet.Subscription{Topic: topic, QOS: self.qos}
	}
	opt.OnMessage = func(m *packet.Message) error {
		onMessage(m.Topic, m.Payload)
		return nil
	}
	c, err := gomqtt.NewClient(opt)
	if err != nil {
		return errors.Annotate(err, "mqtt connect")
	}
	self.mu.Lock()
	self.c = c
	self.mu.Unlock()

	self.log.Debugf("mqtt connect broker=%s", opt.BrokerURL)
	waitCtx, cancel := context.WithTimeout(ctx, self.connectTimeout)
	defer cancel()
	switch err = c.WaitReady(waitCtx); err {
	case nil:
		return nil
	case context.Canceled:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = errors.Timeoutf("mqtt connect broker=%s", opt.BrokerURL)
	default:
		if cause := c.Err(); cause != nil {
			err = cause
		}
		err = errors.Annotatef(err, "mqtt connect broker=%s", opt.BrokerURL)
	}
	self.log.Errorf("%s", err.Error())
	return err
}

func (self *Gomqtt) Publish(ctx context.Context, topic string, payload []byte) error {
	self.mu.Lock()
	c := self.c
	self.mu.Unlock()
	if c == nil {
		return errors.Errorf("mqtt publish:%s before connect", topic)
	}
	msg := &packet.Message{Topic: topic, Payload: payload, QOS: self.qos}
	if err := c.Publish(ctx, msg); err != nil {
		return errors.Annotatef(err, "mqtt publish:%s", topic)
	}
	return nil
}

func (self *Gomqtt) Close() error {
	self.mu.Lock()
	c := self.c
	self.c = nil
	self.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}
