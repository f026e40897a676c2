package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

// MqttMock is in-memory mqtt.Client for tests of code above Paho transport.
// Publish records messages, TestPublish delivers to subscribed handlers.
type MqttMock struct {
	sync.Mutex
	Opt        *mqtt.ClientOptions
	ConnectErr error // errors.Timeoutf() simulates missing CONNACK
	OnPublish  func(MockMsg)

	// non-nil holds CONNACK until closed
	ConnectRelease chan struct{}

	connected bool
	pub       []MockMsg
	subs      []MockSub
}
type MockSub struct {
	Pattern string
	Qos     byte
	Handler mqtt.MessageHandler
}

var _ mqtt.Client = &MqttMock{}

func NewMqttMock() *MqttMock {
	return &MqttMock{
		pub:  make([]MockMsg, 0, 32),
		subs: make([]MockSub, 0, 4),
	}
}

func (self *MqttMock) MockNew(opt *mqtt.ClientOptions) {
	self.Opt = opt
}

// Published returns copy of messages sent so far.
func (self *MqttMock) Published() []MockMsg {
	self.Lock()
	defer self.Unlock()
	return append([]MockMsg(nil), self.pub...)
}

func (self *MqttMock) TestPublish(t testing.TB, topic string, payload []byte) {
	self.Lock()
	subs := append([]MockSub(nil), self.subs...)
	self.Unlock()
	for _, sub := range subs {
		// exact match is enough, transport never subscribes with wildcards
		if topic == sub.Pattern {
			msg := MockMsg{T: topic, P: payload}
			if sub.Qos > 0 {
				msg.acked = make(chan struct{})
			}
			sub.Handler(self, msg)
			if sub.Qos > 0 {
				select {
				case <-msg.acked:
				default:
					t.Errorf("message='%s' handled without Ack()", string(payload))
				}
			}
			return
		}
	}
	t.Errorf("not subscribed for topic=%s", topic)
}

func (self *MqttMock) Disconnect(uint) {
	self.Lock()
	self.connected = false
	self.Unlock()
}
func (self *MqttMock) IsConnected() bool {
	self.Lock()
	defer self.Unlock()
	return self.connected
}
func (self *MqttMock) IsConnectionOpen() bool { return self.IsConnected() }

func (self *MqttMock) Connect() mqtt.Token {
	self.Lock()
	defer self.Unlock()
	if release := self.ConnectRelease; release != nil {
		done := make(chan struct{})
		go func() {
			<-release
			self.Lock()
			self.connected = true
			self.Unlock()
			close(done)
		}()
		return delayedToken{done}
	}
	if self.ConnectErr == nil {
		self.connected = true
	}
	return mockToken{self.ConnectErr}
}

func (self *MqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = append([]byte(nil), p...)
	case string:
		b = []byte(p)
	default:
		return mockToken{fmt.Errorf("unknown payload type %T", payload)}
	}
	msg := MockMsg{T: topic, P: b, Q: qos}
	self.Lock()
	if !self.connected {
		self.Unlock()
		return mockToken{errors.New("not connected")}
	}
	self.pub = append(self.pub, msg)
	onPublish := self.OnPublish
	self.Unlock()
	if onPublish != nil {
		onPublish(msg)
	}
	return mockToken{nil}
}

func (self *MqttMock) Subscribe(pattern string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	self.Lock()
	defer self.Unlock()
	self.subs = append(self.subs, MockSub{pattern, qos, handler})
	return mockToken{nil}
}

func (self *MqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }

func (self *MqttMock) OptionsReader() mqtt.ClientOptionsReader {
	panic("not implemented")
}

func (self *MqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *MqttMock) Unsubscribe(...string) mqtt.Token { panic("not implemented") }

type mockToken struct{ error }

func (tok mockToken) Error() error                   { return tok.error }
func (tok mockToken) Wait() bool                     { return !errors.IsTimeout(tok.error) }
func (tok mockToken) WaitTimeout(time.Duration) bool { return !errors.IsTimeout(tok.error) }

type delayedToken struct{ done <-chan struct{} }

func (tok delayedToken) Error() error { return nil }
func (tok delayedToken) Wait() bool   { <-tok.done; return true }
func (tok delayedToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-tok.done:
		return true
	case <-time.After(d):
		return false
	}
}

type MockMsg struct {
	T     string
	P     []byte
	Q     byte
	acked chan struct{}
}

func (msg MockMsg) Ack() {
	if msg.acked != nil {
		close(msg.acked)
	}
}

func (msg MockMsg) Duplicate() bool   { return false }
func (msg MockMsg) MessageID() uint16 { return 0 }
func (msg MockMsg) Payload() []byte   { return msg.P }
func (msg MockMsg) Qos() byte         { return msg.Q }
func (msg MockMsg) Retained() bool    { return false }
func (msg MockMsg) Topic() string     { return msg.T }

type mqttMockKeyType string

const mqttMockContextKey mqttMockKeyType = "transport/mqtt-mock"

func ContextWithMqttMock(ctx context.Context, c *MqttMock) context.Context {
	return context.WithValue(ctx, mqttMockContextKey, c)
}
