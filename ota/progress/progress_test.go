package progress

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/temoto/ota-push/ota"
)

func TestRender(t *testing.T) {
	t.Parallel()

	cases := []struct {
		progress, current, total, failed int
		expect                           string
	}{
		{0, 0, 0, 0, "Progress: 0% [0/0 chunks]"},
		{45, 2, 4, 0, "Progress: 45% [2/4 chunks]"},
		{45, 2, 4, 1, "Progress: 45% [2/4 chunks] (Retrying 1 chunks)"},
		{100, 4, 4, 0, "Progress: 100% [4/4 chunks]"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.expect, func(t *testing.T) {
			assert.Equal(t, c.expect, Render(c.progress, c.current, c.total, c.failed))
		})
	}
}

func TestReporterPlain(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r := NewReporter(&buf)
	notified := []string{}
	r.SetNotify(func(line string) { notified = append(notified, line) })
	r.Update(ota.Snapshot{Progress: 10, CurrentChunk: 1, TotalChunks: 4})
	r.Update(ota.Snapshot{Progress: 10, CurrentChunk: 1, TotalChunks: 4}) // duplicate skipped
	r.Update(ota.Snapshot{Progress: 50, CurrentChunk: 2, TotalChunks: 4, FailedCount: 1})
	r.Finish("done")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{
		"Progress: 10% [1/4 chunks]",
		"Progress: 50% [2/4 chunks] (Retrying 1 chunks)",
		"done",
	}, lines)
	assert.Equal(t, 3, len(notified), fmt.Sprint(notified))
}
