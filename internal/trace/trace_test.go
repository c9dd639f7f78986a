package trace

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	assert "github.com/stretchr/testify/require"
)

func TestDefaultedNilYieldsNoOp(t *testing.T) {
	assert.Same(t, NoOp, Defaulted(nil))
}

func TestDefaultedFillsUnsetFields(t *testing.T) {
	var attempts int
	h := Defaulted(&Hooks{
		AuthAttempt: func(method, user string) { attempts++ },
	})

	h.AuthAttempt("password", "admin")
	assert.Equal(t, 1, attempts)

	// Unset fields must be callable without a nil check.
	h.Listened("127.0.0.1:830", nil)
	h.SessionEnded("id", "client", io.EOF)
	h.RuleError("id", io.EOF)
}

func TestDiagnosticLoggerLevelMapping(t *testing.T) {
	for count, expected := range map[int]logrus.Level{
		1: logrus.FatalLevel,
		2: logrus.ErrorLevel,
		3: logrus.WarnLevel,
		4: logrus.InfoLevel,
		5: logrus.DebugLevel,
		9: logrus.DebugLevel,
	} {
		l := NewDiagnosticLogger(count, io.Discard)
		assert.Equal(t, expected, l.GetLevel(), "count %d", count)
	}
}

func TestDiagnosticLoggerZeroCountDiscardsEverything(t *testing.T) {
	var buf bytes.Buffer
	l := NewDiagnosticLogger(0, &buf)
	l.Error("should not appear")
	assert.Empty(t, buf.String())
}

func TestSinkSerializesAndFlushes(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)

	n, err := s.Write([]byte("framed-bytes"))
	assert.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.NoError(t, s.Flush())
	assert.Equal(t, "framed-bytes", buf.String())
}
