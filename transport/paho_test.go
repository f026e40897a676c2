package transport

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ota_config "github.com/temoto/ota-push/ota/config"
	"github.com/temoto/ota-push/log2"
)

func newTestPaho(t testing.TB, conf *ota_config.Config) (*Paho, *MqttMock) {
	mock := NewMqttMock()
	ctx := ContextWithMqttMock(context.Background(), mock)
	p, err := NewPaho(ctx, log2.NewTest(t, log2.LDebug), conf, "ota-push-test")
	require.NoError(t, err)
	require.NotNil(t, mock.Opt, "NewPaho must hand options to mock")
	return p, mock
}

func TestPahoConnect(t *testing.T) {
	t.Parallel()
	conf := &ota_config.Config{Broker: "broker.local", Port: 1885, Username: "iot", Password: "p"}
	p, mock := newTestPaho(t, conf)
	assert.Equal(t, "ota-push-test", mock.Opt.ClientID)
	assert.Equal(t, "iot", mock.Opt.Username)
	require.Len(t, mock.Opt.Servers, 1)
	assert.Equal(t, "tcp://broker.local:1885", mock.Opt.Servers[0].String())

	var mu sync.Mutex
	got := make([]string, 0)
	topics := []string{"esp32/dev/ota/status", "esp32/dev/ota/progress"}
	require.NoError(t, p.Connect(context.Background(), topics, func(topic string, payload []byte) {
		mu.Lock()
		got = append(got, topic+"="+string(payload))
		mu.Unlock()
	}))
	assert.True(t, mock.IsConnected())

	mock.TestPublish(t, "esp32/dev/ota/progress", []byte("42"))
	mock.TestPublish(t, "esp32/dev/ota/status", []byte("chunk_failed:3"))
	mu.Lock()
	assert.Equal(t, []string{"esp32/dev/ota/progress=42", "esp32/dev/ota/status=chunk_failed:3"}, got)
	mu.Unlock()

	require.NoError(t, p.Publish(context.Background(), "esp32/dev/ota/command", []byte("END")))
	pub := mock.Published()
	require.Len(t, pub, 1)
	assert.Equal(t, "esp32/dev/ota/command", pub[0].Topic())
	assert.Equal(t, "END", string(pub[0].Payload()))

	require.NoError(t, p.Close())
	assert.False(t, mock.IsConnected())
	require.NoError(t, p.Close())
}

func TestPahoConnectTimeout(t *testing.T) {
	t.Parallel()
	p, mock := newTestPaho(t, &ota_config.Config{})
	mock.ConnectErr = errors.Timeoutf("CONNACK")
	err := p.Connect(context.Background(), []string{"a"}, func(string, []byte) {})
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), "err=%v", err)
	assert.False(t, mock.IsConnected())
	require.NoError(t, p.Close())
}

func TestPahoCloseReleasesLateConnect(t *testing.T) {
	t.Parallel()
	p, mock := newTestPaho(t, &ota_config.Config{ConnectTimeoutSec: 5})
	release := make(chan struct{})
	mock.ConnectRelease = release
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Connect(ctx, []string{"a"}, func(string, []byte) {})
	assert.Equal(t, context.Canceled, err)
	assert.False(t, mock.IsConnected())

	// CONNACK arrives after caller gave up
	time.AfterFunc(10*time.Millisecond, func() { close(release) })
	require.NoError(t, p.Close())
	assert.False(t, mock.IsConnected())
}

func TestPahoConnectRefused(t *testing.T) {
	t.Parallel()
	p, mock := newTestPaho(t, &ota_config.Config{})
	mock.ConnectErr = errors.New("bad user name or password")
	err := p.Connect(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mqtt connect: bad user name or password")
}

func TestPahoPublishNotConnected(t *testing.T) {
	t.Parallel()
	p, _ := newTestPaho(t, &ota_config.Config{})
	err := p.Publish(context.Background(), "x", []byte("y"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mqtt publish:x")
}

func TestNew(t *testing.T) {
	t.Parallel()
	ctx := ContextWithMqttMock(context.Background(), NewMqttMock())
	log := log2.NewTest(t, log2.LDebug)

	tr, err := New(ctx, log, &ota_config.Config{})
	require.NoError(t, err)
	assert.IsType(t, &Paho{}, tr)

	tr, err = New(ctx, log, &ota_config.Config{MqttClient: ota_config.MqttClientGomqtt})
	require.NoError(t, err)
	assert.IsType(t, &Gomqtt{}, tr)
	require.NoError(t, tr.Close())

	_, err = New(ctx, log, &ota_config.Config{MqttClient: "carrier-pigeon"})
	assert.True(t, errors.IsNotValid(err), "err=%v", err)
}

func TestClientId(t *testing.T) {
	t.Parallel()
	a := ClientId(&ota_config.Config{})
	b := ClientId(&ota_config.Config{})
	assert.True(t, strings.HasPrefix(a, "ota-push-"), a)
	assert.Len(t, a, len("ota-push-")+8)
	assert.NotEqual(t, a, b)
	assert.Equal(t, "fixed", ClientId(&ota_config.Config{ClientId: "fixed"}))
}
