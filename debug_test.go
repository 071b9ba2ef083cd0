//nolint:paralleltest // debug state is package-level
package iso14a

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withSessionWriter(t *testing.T, w io.Writer) {
	t.Helper()
	enabled := DebugEnabled()
	sessionMu.Lock()
	prev := sessionLogWriter
	sessionLogWriter = w
	sessionMu.Unlock()
	SetDebugEnabled(false)
	t.Cleanup(func() {
		sessionMu.Lock()
		sessionLogWriter = prev
		sessionMu.Unlock()
		SetDebugEnabled(enabled)
	})
}

func TestDebugf_WritesTimestampedLine(t *testing.T) {
	var buf bytes.Buffer
	withSessionWriter(t, &buf)

	Debugf("bcc mismatch %02x", 0x3c)

	assert.Regexp(t, `^\d{2}:\d{2}:\d{2}\.\d{3} DEBUG: bcc mismatch 3c\n$`, buf.String())
}

func TestDebugln_WritesLine(t *testing.T) {
	var buf bytes.Buffer
	withSessionWriter(t, &buf)

	Debugln("lost sync", 3)

	assert.Contains(t, buf.String(), "DEBUG: lost sync3")
}

func TestDebugf_NoWriter(t *testing.T) {
	withSessionWriter(t, nil)
	assert.NotPanics(t, func() { Debugf("nothing to see %d", 1) })
}

func TestSetDebugEnabled(t *testing.T) {
	withSessionWriter(t, nil)
	SetDebugEnabled(true)
	assert.True(t, DebugEnabled())
	SetDebugEnabled(false)
	assert.False(t, DebugEnabled())
}
