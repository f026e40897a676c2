package ota

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/ota-push/firmware"
	"github.com/temoto/ota-push/helpers"
	"github.com/temoto/ota-push/log2"
	ota_config "github.com/temoto/ota-push/ota/config"
	"github.com/temoto/ota-push/transport"
)

const waitLogInterval = 10 * time.Second

var (
	ErrCompletionTimeout = errors.Timeoutf("update completion")
	ErrClosed            = errors.New("updater is closed")
)

// Updater drives one session: connect, START, chunk passes, END, wait for device.
// Updater contract:
// - Connect() fails on broker error or missing acknowledgment within connect timeout
// - SendFirmware() returns (true,nil) only after device reported success
// - SendFirmware() is not reentrant
// - chunk delivery problems never fail SendFirmware, device has the final word
// - Close() interrupts SendFirmware and disconnects, safe on every exit path
type Updater struct {
	log       *log2.Log
	transport transport.Transporter
	session   *Session
	listener  *Listener
	alive     *alive.Alive
	running   uint32
	closeOnce sync.Once

	chunkSize    int
	maxRetries   int
	chunkDelay   time.Duration
	startDelay   time.Duration
	pollInterval time.Duration
	timeout      time.Duration
}

func NewUpdater(log *log2.Log, conf *ota_config.Config, tr transport.Transporter, onProgress func(Snapshot)) *Updater {
	topics := NewTopics(conf.TopicSpace(), conf.Device())
	session := NewSession(conf.Device(), topics, conf.Retries())
	return &Updater{
		log:          log,
		transport:    tr,
		session:      session,
		listener:     NewListener(log, session, onProgress),
		alive:        alive.NewAlive(),
		chunkSize:    conf.Chunk(),
		maxRetries:   conf.Retries(),
		chunkDelay:   conf.ChunkDelay(),
		startDelay:   conf.StartDelay(),
		pollInterval: conf.PollInterval(),
		timeout:      conf.Timeout(),
	}
}

func (self *Updater) Session() *Session { return self.session }

func (self *Updater) Connect(ctx context.Context) error {
	if !self.alive.IsRunning() {
		return ErrClosed
	}
	self.session.setState(StateConnecting)
	topics := []string{self.session.Topics.Status, self.session.Topics.Progress}
	if err := self.transport.Connect(ctx, topics, self.listener.Handle); err != nil {
		return errors.Annotate(err, "ota connect")
	}
	self.session.setState(StateConnected)
	self.log.Debugf("ota connected, subscribed %v", topics)
	return nil
}

func (self *Updater) SendFirmware(ctx context.Context, path string) (bool, error) {
	if !atomic.CompareAndSwapUint32(&self.running, 0, 1) {
		return false, errors.AlreadyExistsf("ota SendFirmware in progress")
	}
	defer atomic.StoreUint32(&self.running, 0)
	if !self.alive.Add(1) {
		return false, ErrClosed
	}
	defer self.alive.Done()
	if s := self.session.State(); s != StateConnected {
		return false, errors.NotValidf("ota SendFirmware state=%s", s)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-self.alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	ok, err := self.sendFirmware(ctx, path)
	if ok && err == nil {
		self.session.setState(StateSucceeded)
	} else {
		self.session.setState(StateFailed)
	}
	return ok, err
}

func (self *Updater) sendFirmware(ctx context.Context, path string) (bool, error) {
	image, err := firmware.Load(path)
	if err != nil {
		return false, errors.Annotate(err, "ota")
	}
	chunks, err := firmware.Partition(image, self.chunkSize)
	if err != nil {
		return false, errors.Annotate(err, "ota")
	}
	self.log.Infof("firmware size: %d bytes", image.Size())
	self.log.Infof("MD5 checksum: %s", image.Checksum)

	self.session.begin(len(chunks))
	start := startMessage(image.Size(), image.Checksum)
	if err = self.publish(ctx, self.session.Topics.Command, start); err != nil {
		return false, err
	}
	self.log.Debugf("sent start message: %s", start)
	// device allocates write buffer, it does not acknowledge START
	if err = helpers.Sleep(ctx, self.startDelay); err != nil {
		return false, err
	}

	for pass := 0; ; pass++ {
		if err = self.sendPass(ctx, chunks, pass); err != nil {
			return false, err
		}
		failed := self.session.FailedChunks()
		if len(failed) == 0 {
			break
		}
		retry, more := self.session.retried()
		if !more {
			self.log.Errorf("unresolved chunks=%v after %d passes, device decides", failed, retry)
			break
		}
		self.log.Infof("retrying %d failed chunks (attempt %d/%d)", len(failed), retry, self.maxRetries)
		self.log.Debugf("failed chunks=%v", failed)
	}

	if err = self.publish(ctx, self.session.Topics.Command, []byte("END")); err != nil {
		return false, err
	}
	self.log.Debugf("sent END message")
	self.session.setState(StateAwaitingCompletion)
	return self.waitComplete(ctx)
}

func (self *Updater) sendPass(ctx context.Context, chunks []firmware.Chunk, pass int) error {
	total := len(chunks)
	next := 0
	for {
		i, ok := self.session.nextPending(pass, next)
		if !ok {
			break
		}
		self.session.setCurrent(i)
		if err := self.publish(ctx, self.session.Topics.Data, chunks[i].Message()); err != nil {
			return err
		}
		self.log.Debugf("sent chunk %d/%d pass=%d", i, total, pass)
		if err := helpers.Sleep(ctx, self.chunkDelay); err != nil {
			return err
		}
		next = i + 1
	}
	self.session.setCurrent(total)
	return nil
}

// publish returns only context errors, broker errors are logged.
// Lost chunk is reported by device, lost START/END ends in completion timeout.
func (self *Updater) publish(ctx context.Context, topic string, payload []byte) error {
	err := self.transport.Publish(ctx, topic, payload)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	self.log.Errorf("ota publish topic=%s err=%v", topic, err)
	return nil
}

func (self *Updater) waitComplete(ctx context.Context) (bool, error) {
	deadline := time.NewTimer(self.timeout)
	defer deadline.Stop()
	poll := time.NewTicker(self.pollInterval)
	defer poll.Stop()
	begin := time.Now()
	lastLog := begin
	for {
		if self.session.Complete() {
			return true, nil
		}
		select {
		case <-self.session.CompleteChan():
			return true, nil

		case <-deadline.C:
			self.log.Infof("update timed out after %v", self.timeout)
			return self.session.Complete(), nil

		case <-ctx.Done():
			return false, ctx.Err()

		case now := <-poll.C:
			if now.Sub(lastLog) >= waitLogInterval {
				lastLog = now
				remaining := self.timeout - now.Sub(begin)
				self.log.Debugf("waiting for completion... %v remaining, last device message %v ago",
					remaining.Round(time.Second), self.session.SinceLastMessage().Round(time.Second))
			}
		}
	}
}

// Close interrupts SendFirmware, waits for it to return, then disconnects.
func (self *Updater) Close() error {
	var err error
	self.closeOnce.Do(func() {
		self.alive.Stop()
		self.alive.Wait()
		err = self.transport.Close()
	})
	return err
}

func startMessage(size int, checksum string) []byte {
	return []byte("START:" + strconv.Itoa(size) + ":" + checksum)
}

// Run is complete update attempt with guaranteed disconnect.
func Run(ctx context.Context, log *log2.Log, conf *ota_config.Config, tr transport.Transporter, path string, onProgress func(Snapshot)) error {
	u := NewUpdater(log, conf, tr, onProgress)
	defer u.Close()

	if err := u.Connect(ctx); err != nil {
		return err
	}
	log.Debugf("starting OTA update for device: %s", conf.Device())
	ok, err := u.SendFirmware(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCompletionTimeout
	}
	return nil
}
