// Package gomqtt is minimal MQTT 3.1.1 client on top of 256dpi/gomqtt packets and transport.
package gomqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/ota-push/helpers/atomic_clock"
	"github.com/temoto/ota-push/log2"
)

const DefaultNetworkTimeout = 30 * time.Second

var ErrClientClosing = fmt.Errorf("MQTT client is closing")

type ClientOptions struct {
	BrokerURL      string
	TLS            *tls.Config
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	Subscriptions  []packet.Subscription
	OnMessage      func(*packet.Message) error
	Log            *log2.Log

	conpkt *packet.Connect
	dialer *transport.Dialer
}

// Client for one update session.
// - NewClient() returns only configuration errors, network IO is done in background
// - Connect with clean session only, no reconnect: lost connection is final
// - Subscribe for configured list right after CONNACK, no unsubscribe
// - QOS 0,1
// - Serialized Publish
// - OnMessage is called on single reader goroutine in arrival order
type Client struct { //nolint:maligned
	alive  *alive.Alive
	cc     *clientConn
	lastID uint32
	opt    ClientOptions

	flowPublish struct {
		sync.Mutex
		fu *future.Future
		id packet.ID
	}
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error gomqtt.ClientOptions.OnMessage=nil")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if u, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	} else if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	opt.conpkt = packet.NewConnect()
	opt.conpkt.ClientID = defaultString(opt.ClientID, opt.Username)
	opt.conpkt.KeepAlive = opt.KeepaliveSec
	opt.conpkt.CleanSession = true
	opt.conpkt.Username = opt.Username
	opt.conpkt.Password = opt.Password
	opt.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})

	c := &Client{
		alive:  alive.NewAlive(),
		lastID: uint32(time.Now().UnixNano()),
		opt:    opt,
	}
	var subpkt *packet.Subscribe
	if len(opt.Subscriptions) != 0 {
		subpkt = &packet.Subscribe{
			ID:            c.nextID(),
			Subscriptions: opt.Subscriptions,
		}
	}
	c.cc = newClientConn(c.opt, subpkt, c.onPacket)
	return c, nil
}

// Close sends DISCONNECT if connected and waits for background goroutines.
func (c *Client) Close() error {
	var err error
	if c.cc.isReady() {
		err = c.cc.send(packet.NewDisconnect())
	}
	_ = c.cc.die(ErrClientClosing)
	c.cc.alive.Wait()
	c.alive.Stop()
	c.alive.Wait()
	return err
}

func (c *Client) Publish(ctx context.Context, msg *packet.Message) error {
	if msg.QOS >= packet.QOSExactlyOnce {
		return errors.NotSupportedf("QOS ExactlyOnce")
	}

	f, err := c.publishBegin(ctx, msg)
	if err != nil {
		return err
	}

	switch err = f.Wait(c.opt.NetworkTimeout); err {
	case nil:
		return nil

	case future.ErrCanceled:
		if e, ok := f.Result().(error); ok {
			return e
		}
		return ErrClientClosing

	case future.ErrTimeout:
		err = errors.Timeoutf("Publish ack")
		f.Cancel(err)
		return c.cc.die(err)

	default:
		return fmt.Errorf("code error future.Wait()=%v", err)
	}
}

// Returns, in this order:
// - ErrClientClosing if connection failed or Close() was called
// - nil if connected and subscribed within context limit
// - context.Canceled if context canceled/expired before successful connection
func (c *Client) WaitReady(ctx context.Context) error {
	return c.cc.waitReady(ctx)
}

// Err returns reason of connection failure, nil while connection is alive.
func (c *Client) Err() error {
	if e, ok := c.cc.confu.Result().(error); ok {
		return e
	}
	if e, ok := c.cc.subfu.Result().(error); ok {
		return e
	}
	return nil
}

func (c *Client) publishBegin(ctx context.Context, msg *packet.Message) (*future.Future, error) {
	if err := c.WaitReady(ctx); err != nil {
		return nil, err
	}
	c.flowPublish.Lock()
	defer c.flowPublish.Unlock()
	if fprev := c.flowPublish.fu; fprev != nil {
		if err := fprev.Wait(c.opt.NetworkTimeout); err == future.ErrTimeout {
			return nil, errors.Timeoutf("previous Publish ack")
		}
	}

	publish := packet.NewPublish()
	publish.Message = *msg
	if msg.QOS >= packet.QOSAtLeastOnce {
		publish.ID = c.nextID()
	}

	fu := future.New()
	c.flowPublish.fu = fu
	c.flowPublish.id = publish.ID
	if err := c.cc.send(publish); err != nil {
		fu.Cancel(err)
		return nil, errors.Annotate(err, "send PUBLISH")
	}
	if msg.QOS == packet.QOSAtMostOnce {
		fu.Complete(nil)
	}
	return fu, nil
}

func (c *Client) nextID() packet.ID {
	u32 := atomic.AddUint32(&c.lastID, 1)
	id := packet.ID(u32 % (1 << 16))
	if id == 0 {
		id = 1
	}
	return id
}

func (c *Client) onPacket(p packet.Generic) {
	switch pt := p.(type) {
	case *packet.Publish:
		c.onPublish(pt)
	case *packet.Puback:
		c.onPuback(pt.ID)
	default:
		c.opt.Log.Debugf("unknown packet %s", PacketString(p))
	}
}

func (c *Client) onPublish(publish *packet.Publish) {
	if publish.Message.QOS == packet.QOSExactlyOnce {
		_ = c.cc.die(errors.NotSupportedf("incoming QOS ExactlyOnce"))
		return
	}

	if err := c.opt.OnMessage(&publish.Message); err != nil {
		c.opt.Log.Errorf("onMessage topic=%s payload=%x err=%v", publish.Message.Topic, publish.Message.Payload, err)
	}

	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		_ = c.cc.send(puback)
	}
}

func (c *Client) onPuback(id packet.ID) {
	c.flowPublish.Lock()
	defer c.flowPublish.Unlock()
	if c.flowPublish.fu == nil {
		c.opt.Log.Errorf("unexpected PUBACK id=%d", id)
		return
	}
	if c.flowPublish.id != id {
		// given no concurrent publish flow of this code, PUBACK for unexpected id is severe error
		_ = c.cc.die(errors.Errorf("PUBACK id=%d expected=%d", id, c.flowPublish.id))
		return
	}
	c.flowPublish.fu.Complete(id)
}

// Single client connection. `transport.Conn` with CONNECT, SUBSCRIBE and pings.
// - observe connected and subscribed events via futures
// - state is set once at creation, except transport.Conn which requires blocking Dial
// - subscribe once right after connect
type clientConn struct {
	alive    *alive.Alive
	closed   uint32
	confu    *future.Future
	conn     atomic.Value // transport.Conn
	opt      ClientOptions
	onpacket func(packet.Generic)
	pingat   *atomic_clock.Clock // timestamp of last outgoing control packet
	pongat   *atomic_clock.Clock // timestamp of last incoming control packet
	sendmu   sync.Mutex
	subfu    *future.Future
	subpkt   *packet.Subscribe
}

func newClientConn(opt ClientOptions, subpkt *packet.Subscribe, onpacket func(packet.Generic)) *clientConn {
	cc := &clientConn{
		alive:    alive.NewAlive(),
		confu:    future.New(),
		opt:      opt,
		onpacket: onpacket,
		pingat:   atomic_clock.Now(),
		pongat:   atomic_clock.Now(),
		subfu:    future.New(),
		subpkt:   subpkt,
	}
	cc.alive.Add(1)
	go cc.connect()
	return cc
}

func (cc *clientConn) die(e error) error {
	if e == nil {
		e = ErrClientClosing
	}
	if !atomic.CompareAndSwapUint32(&cc.closed, 0, 1) {
		return e
	}
	cc.alive.Stop()
	cc.confu.Cancel(e)
	cc.subfu.Cancel(e)
	if conn := cc.getConn(); conn != nil {
		_ = conn.Close()
	}
	return e
}

func (cc *clientConn) getConn() transport.Conn {
	if x := cc.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

func (cc *clientConn) isReady() bool {
	connected, _ := cc.confu.Result().(bool)
	return connected && cc.alive.IsRunning()
}

// dial, send CONNECT, wait CONNACK, start pinger, reader and subscriber
func (cc *clientConn) connect() {
	defer cc.alive.Done()

	conn, err := cc.opt.dialer.Dial(cc.opt.BrokerURL)
	if err != nil {
		_ = cc.die(errors.Annotatef(err, "connect: dial broker=%s", cc.opt.BrokerURL))
		return
	}
	cc.conn.Store(conn)
	if !cc.alive.IsRunning() {
		_ = conn.Close()
		return
	}
	if err = cc.send(cc.opt.conpkt); err != nil {
		return
	}

	{ // expect CONNACK
		conn.SetReadTimeout(cc.opt.NetworkTimeout)
		pkt, err := conn.Receive()
		if err != nil {
			_ = cc.die(errors.Annotate(err, "connect: expect CONNACK"))
			return
		}
		connack, ok := pkt.(*packet.Connack)
		if !ok {
			_ = cc.die(errors.Annotatef(client.ErrClientExpectedConnack, "connect: server error pkt=%s", PacketString(pkt)))
			return
		}
		cc.opt.Log.Debugf("CONNACK=%s", connack.String())
		if connack.ReturnCode != packet.ConnectionAccepted {
			_ = cc.die(errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String()))
			return
		}
		cc.confu.Complete(true)
		conn.SetReadTimeout(0)
	}

	if !cc.alive.Add(3) {
		_ = cc.die(context.Canceled)
		return
	}
	cc.pongat.SetNow()
	go cc.pinger()
	go cc.reader()
	go cc.subscriber()
}

func (cc *clientConn) onSuback(suback *packet.Suback) {
	if cc.subpkt == nil || suback.ID != cc.subpkt.ID {
		_ = cc.die(errors.Annotatef(client.ErrFailedSubscription, "unexpected SUBACK.id=%d", suback.ID))
		return
	}
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			_ = cc.die(client.ErrFailedSubscription)
			return
		}
	}
	cc.subfu.Complete(true)
}

// Sends ping packets to keep the connection alive.
// PINGREQ is only sent if Keepalive-NetworkTimeout has passed since last command.
func (cc *clientConn) pinger() {
	defer cc.alive.Done()
	if cc.opt.KeepaliveSec == 0 {
		return
	}

	// [MQTT-3.1.2-24] control packets must arrive at most KeepaliveSec*1.5 apart.
	keepalive := keepaliveAndHalf(cc.opt.KeepaliveSec)
	interval := keepalive - cc.opt.NetworkTimeout
	if interval <= 0 {
		interval = keepalive / 2
	}
	stopch := cc.alive.StopChan()
	for cc.alive.IsRunning() {
		now := atomic_clock.Now()
		window := now.Sub(cc.pingat)
		sincePong := now.Sub(cc.pongat)

		if window >= interval {
			if err := cc.send(packet.NewPingreq()); err != nil {
				return
			}
			window = 0
		}
		if sincePong > keepalive {
			_ = cc.die(client.ErrClientMissingPong)
			return
		}

		select {
		case <-time.After(interval - window):
		case <-stopch:
			return
		}
	}
}

func (cc *clientConn) reader() {
	defer cc.alive.Done()

	conn := cc.getConn()
	for {
		pkt, err := conn.Receive()
		if !cc.alive.IsRunning() {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF: // server closed connection
			cc.opt.Log.Errorf("server closed connection")
			_ = cc.die(nil)
			return

		default:
			_ = cc.die(errors.Annotate(err, "receive"))
			return
		}
		cc.opt.Log.Debugf("received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			_ = cc.die(errors.Errorf("server error duplicate CONNACK pkt=%s", PacketString(pkt)))
			return

		case *packet.Pingresp:
			cc.pongat.SetNow()

		case *packet.Suback:
			cc.onSuback(pt)

		default:
			cc.onpacket(pkt)
		}
	}
}

func (cc *clientConn) send(p packet.Generic) error {
	conn := cc.getConn()
	if conn == nil {
		return client.ErrClientNotConnected
	}
	cc.sendmu.Lock()
	err := conn.Send(p, false)
	cc.sendmu.Unlock()
	if err != nil {
		return cc.die(errors.Annotatef(err, "send %s", p.Type().String()))
	}
	cc.pingat.SetNow()
	cc.opt.Log.Debugf("sent %s", PacketString(p))
	return nil
}

func (cc *clientConn) subscriber() {
	defer cc.alive.Done()
	if cc.subpkt == nil {
		cc.subfu.Complete(true)
		return
	}

	if err := cc.send(cc.subpkt); err != nil {
		return
	}

	if cc.subfu.Wait(cc.opt.NetworkTimeout) == future.ErrTimeout {
		_ = cc.die(errors.Timeoutf("subscribe"))
	}
}

func (cc *clientConn) waitReady(ctx context.Context) error {
	pollInterval := 100 * time.Millisecond
	donech := ctx.Done()
	for {
		if !cc.alive.IsRunning() {
			return ErrClientClosing
		}
		_ = cc.confu.Wait(pollInterval)
		_ = cc.subfu.Wait(pollInterval)
		connected, _ := cc.confu.Result().(bool)
		subscribed, _ := cc.subfu.Result().(bool)
		if connected && subscribed {
			return nil
		}

		select {
		case <-time.After(pollInterval):

		case <-donech:
			return context.Canceled
		}
	}
}
