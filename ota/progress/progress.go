// Package progress formats transfer progress for humans.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/temoto/ota-push/ota"
)

func Render(progress, current, total, failed int) string {
	s := fmt.Sprintf("Progress: %d%% [%d/%d chunks]", progress, current, total)
	if failed > 0 {
		s += fmt.Sprintf(" (Retrying %d chunks)", failed)
	}
	return s
}

func RenderSnapshot(s ota.Snapshot) string {
	return Render(s.Progress, s.CurrentChunk, s.TotalChunks, s.FailedCount)
}

// Reporter draws bar on terminal, plain lines otherwise.
// Update is called from transport delivery goroutine.
type Reporter struct {
	mu     sync.Mutex
	w      io.Writer
	bar    *progressbar.ProgressBar
	last   string
	notify func(line string)
}

func NewReporter(w io.Writer) *Reporter {
	self := &Reporter{w: w}
	if f, ok := w.(*os.File); ok && isTerminal(f.Fd()) {
		self.bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetDescription(Render(0, 0, 0, 0)),
		)
	}
	return self
}

func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// SetNotify registers extra sink for every rendered line, e.g. service manager status.
func (self *Reporter) SetNotify(f func(line string)) {
	self.mu.Lock()
	self.notify = f
	self.mu.Unlock()
}

func (self *Reporter) Update(s ota.Snapshot) {
	line := RenderSnapshot(s)
	self.mu.Lock()
	defer self.mu.Unlock()
	if line == self.last {
		return
	}
	self.last = line
	if self.bar != nil {
		self.bar.Describe(line)
		_ = self.bar.Set(s.Progress)
	} else {
		fmt.Fprintln(self.w, line)
	}
	if self.notify != nil {
		self.notify(line)
	}
}

func (self *Reporter) Finish(msg string) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.bar != nil {
		_ = self.bar.Finish()
		fmt.Fprintln(self.w)
	}
	if msg != "" {
		fmt.Fprintln(self.w, msg)
	}
	if self.notify != nil {
		self.notify(msg)
	}
}
