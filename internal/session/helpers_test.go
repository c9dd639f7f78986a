package session

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	assert "github.com/stretchr/testify/require"

	"github.com/damianoneill/ncproxy/internal/trace"
)

func writeMinimalRuleFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func hooksCapturingSessionEnded(closedFirst *string) *trace.Hooks {
	h := *trace.NoOp
	h.SessionEnded = func(sessionID, first string, err error) {
		*closedFirst = first
	}
	return &h
}

func hooksCapturingSessionStarted(seen *net.Addr) *trace.Hooks {
	h := *trace.NoOp
	h.SessionStarted = func(sessionID string, remote net.Addr) {
		*seen = remote
	}
	return &h
}
