package sshfront

import (
	"io"

	"golang.org/x/crypto/ssh"

	"github.com/damianoneill/ncproxy/internal/rules"
	"github.com/damianoneill/ncproxy/internal/trace"
)

// Config describes everything the front end needs to terminate inbound
// SSH and mirror credentials upstream (§4.4).
type Config struct {
	// ListenAddress and ListenPort describe the inbound socket (§4.5).
	ListenAddress string
	ListenPort    int

	// UpstreamAddr is host:port of the real NETCONF server (§6's
	// server URL, already normalized and defaulted to port 830).
	UpstreamAddr string

	// ProxyHostKey is advertised to the inbound client. Required.
	ProxyHostKey ssh.Signer

	// ClientIdentity is the proxy's own key, offered to the upstream
	// server in place of the client's key (§4.4, §9). Required only if
	// a client ever attempts publickey auth.
	ClientIdentity ssh.Signer

	// UpstreamHostKeyCallback validates the upstream server's host key.
	// If nil, ssh.InsecureIgnoreHostKey is used (no --serverhostkey
	// configured, per §6).
	UpstreamHostKeyCallback ssh.HostKeyCallback

	Rules *rules.Set

	// ServerSink and ClientSink are the observer sinks of §6, already
	// serialized for concurrent sessions by the launcher (trace.Sink).
	ServerSink, ClientSink io.Writer

	Hooks *trace.Hooks
}

func (c *Config) hostKeyCallback() ssh.HostKeyCallback {
	if c.UpstreamHostKeyCallback != nil {
		return c.UpstreamHostKeyCallback
	}
	return ssh.InsecureIgnoreHostKey() // nolint: gosec
}

func (c *Config) hooks() *trace.Hooks {
	return trace.Defaulted(c.Hooks)
}
