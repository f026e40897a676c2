package ota

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/ota-push/log2"
)

const (
	statusChunkFailed = "chunk_failed"
	statusSuccessful  = "successful"
)

type StatusKind int

const (
	StatusOther StatusKind = iota
	StatusChunkFailed
	StatusSuccessful
)

type Status struct {
	Kind  StatusKind
	Chunk int
	Text  string
}

// ParseProgress accepts ASCII integer 0..100, surrounding space allowed.
func ParseProgress(payload []byte) (int, error) {
	s := string(bytes.TrimSpace(payload))
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.NotValidf("progress=%q", s)
	}
	if p < 0 || p > 100 {
		return 0, errors.NotValidf("progress=%d out of range", p)
	}
	return p, nil
}

// ParseStatus looks for "chunk_failed:<index>" first, then "successful" anywhere in text.
func ParseStatus(payload []byte) (Status, error) {
	text := string(payload)
	st := Status{Kind: StatusOther, Text: text}
	if pos := strings.Index(text, statusChunkFailed); pos >= 0 {
		rest := text[pos+len(statusChunkFailed):]
		if !strings.HasPrefix(rest, ":") {
			return st, errors.NotValidf("status=%q chunk index", text)
		}
		rest = strings.TrimLeft(rest[1:], " ")
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		index, err := strconv.Atoi(rest[:end])
		if err != nil {
			return st, errors.NotValidf("status=%q chunk index", text)
		}
		st.Kind = StatusChunkFailed
		st.Chunk = index
		return st, nil
	}
	if strings.Contains(text, statusSuccessful) {
		st.Kind = StatusSuccessful
	}
	return st, nil
}

// Listener applies device messages to session.
// Runs on transport delivery goroutine: never blocks, never panics out.
type Listener struct {
	log        *log2.Log
	session    *Session
	onProgress func(Snapshot)
}

func NewListener(log *log2.Log, session *Session, onProgress func(Snapshot)) *Listener {
	return &Listener{log: log, session: session, onProgress: onProgress}
}

func (self *Listener) Handle(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			self.log.Errorf("ota listener skipped message topic=%s payload=%q panic=%v", topic, payload, r)
		}
	}()

	self.session.touch()
	switch topic {
	case self.session.Topics.Progress:
		self.handleProgress(payload)
	case self.session.Topics.Status:
		self.handleStatus(payload)
	default:
		self.log.Debugf("ota listener unexpected topic=%s payload=%q", topic, payload)
	}
}

func (self *Listener) handleProgress(payload []byte) {
	p, err := ParseProgress(payload)
	if err != nil {
		self.log.Debugf("ota malformed acknowledgment discarded: %v", err)
		return
	}
	self.session.setProgress(p)
	if self.onProgress != nil {
		self.onProgress(self.session.Snapshot())
	}
}

func (self *Listener) handleStatus(payload []byte) {
	st, err := ParseStatus(payload)
	if err != nil {
		self.log.Debugf("ota malformed acknowledgment discarded: %v", err)
		return
	}
	switch st.Kind {
	case StatusChunkFailed:
		if !self.session.addFailed(st.Chunk) {
			self.log.Debugf("ota malformed acknowledgment discarded: chunk=%d out of range", st.Chunk)
			return
		}
		self.log.Debugf("chunk %d failed, will retry", st.Chunk)

	case StatusSuccessful:
		if self.session.markComplete() {
			self.log.Infof("device %s reported update successful", self.session.DeviceId)
		}

	default:
		self.log.Debugf("status message received: %s", st.Text)
	}
}
