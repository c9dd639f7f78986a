// Package sshfront implements the SSH front end (§4.4): it terminates
// the inbound SSH connection, authenticates the client by mirroring
// its credentials to the real upstream NETCONF server, and on a
// "netconf" subsystem request wires the two resulting channels into a
// Session pump.
//
// Grounded on v2/netconf/server/ssh/server.go for the inbound
// accept/channel-request shape, v2/netconf/client/transport.go and the
// v1 netconf/rpcsessionfactory.go for the outbound dial, and ncproxy.py's
// ssh_server class for the auth-callback-dials-upstream-synchronously
// control flow this package reproduces in Go.
package sshfront

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/damianoneill/ncproxy/internal/session"
)

// FrontEnd accepts inbound SSH connections and wires each into an
// upstream session.
type FrontEnd struct {
	cfg      Config
	listener net.Listener

	mu        sync.Mutex
	upstreams map[string]upstreamResult

	pubkeyCache sync.Map // remote addr + "|" + string(marshaled key) -> upstreamResult
}

type upstreamResult struct {
	client *ssh.Client
	err    error
}

// New constructs a FrontEnd. Call Serve to start accepting.
func New(cfg Config) *FrontEnd {
	return &FrontEnd{cfg: cfg, upstreams: make(map[string]upstreamResult)}
}

// Serve binds the listening socket (with address reuse, per §4.5) and
// accepts connections until ctx is cancelled or Close is called. Each
// accepted connection is handled in its own goroutine so that a
// failure in one cannot affect others (§4.5's Concurrency clause).
func (f *FrontEnd) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", f.cfg.ListenAddress, f.cfg.ListenPort)

	lc := net.ListenConfig{Control: setReuseAddr}
	listener, err := lc.Listen(ctx, "tcp", addr)
	f.cfg.hooks().Listened(addr, err)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	f.listener = listener

	serverConfig := f.serverConfig()

	go func() {
		<-ctx.Done()
		_ = f.listener.Close()
	}()

	for {
		conn, err := f.listener.Accept()
		f.cfg.hooks().Accepted(conn, err)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "accept")
		}
		go f.handleConnection(conn, serverConfig)
	}
}

// Port reports the TCP port actually bound, useful when ListenPort was
// 0 (tests).
func (f *FrontEnd) Port() int {
	return f.listener.Addr().(*net.TCPAddr).Port
}

// Close stops accepting new connections.
func (f *FrontEnd) Close() error {
	if f.listener == nil {
		return nil
	}
	return f.listener.Close()
}

func (f *FrontEnd) serverConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PasswordCallback:  f.passwordCallback,
		PublicKeyCallback: f.publicKeyCallback,
	}
	cfg.AddHostKey(f.cfg.ProxyHostKey)
	return cfg
}

// passwordCallback mirrors ncproxy.py's check_auth_password: dial the
// upstream synchronously, offering both the client's password and (if
// configured) the proxy's own client identity key, and report the same
// outcome to the inbound client.
func (f *FrontEnd) passwordCallback(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	user := conn.User()
	f.cfg.hooks().AuthAttempt("password", user)

	auth := []ssh.AuthMethod{ssh.Password(string(password))}
	if f.cfg.ClientIdentity != nil {
		auth = append([]ssh.AuthMethod{ssh.PublicKeys(f.cfg.ClientIdentity)}, auth...)
	}

	client, err := f.dialUpstream(user, auth...)
	f.cfg.hooks().AuthResult("password", user, err)
	if err != nil {
		return nil, errors.Wrap(err, "upstream password authentication failed")
	}

	f.storeUpstream(conn, client)
	return nil, nil
}

// publicKeyCallback mirrors ncproxy.py's check_auth_publickey: the
// client's key is never forwarded; the proxy authenticates upstream
// using its own client identity key (§4.4, §9).
//
// golang.org/x/crypto/ssh invokes PublicKeyCallback once for the
// client's unsigned "is this key acceptable" query and again for the
// signed attempt; pubkeyCache makes the second call reuse the first
// dial instead of opening the upstream connection twice.
func (f *FrontEnd) publicKeyCallback(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	user := conn.User()
	f.cfg.hooks().AuthAttempt("publickey", user)

	if f.cfg.ClientIdentity == nil {
		err := errors.New("publickey auth requires a configured client identity key")
		f.cfg.hooks().AuthResult("publickey", user, err)
		return nil, err
	}

	cacheKey := conn.RemoteAddr().String() + "|" + string(key.Marshal())
	if cached, ok := f.pubkeyCache.Load(cacheKey); ok {
		result := cached.(upstreamResult)
		if result.err != nil {
			return nil, result.err
		}
		f.storeUpstream(conn, result.client)
		return nil, nil
	}

	client, err := f.dialUpstream(user, ssh.PublicKeys(f.cfg.ClientIdentity))
	f.pubkeyCache.Store(cacheKey, upstreamResult{client: client, err: err})
	f.cfg.hooks().AuthResult("publickey", user, err)
	if err != nil {
		return nil, errors.Wrap(err, "upstream publickey authentication failed")
	}

	f.storeUpstream(conn, client)
	return nil, nil
}

func (f *FrontEnd) dialUpstream(user string, auth ...ssh.AuthMethod) (*ssh.Client, error) {
	clientConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: f.cfg.hostKeyCallback(),
	}
	return ssh.Dial("tcp", f.cfg.UpstreamAddr, clientConfig)
}

func (f *FrontEnd) storeUpstream(conn ssh.ConnMetadata, client *ssh.Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upstreams[sessionKey(conn)] = upstreamResult{client: client}
}

func (f *FrontEnd) takeUpstream(conn ssh.ConnMetadata) (*ssh.Client, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sessionKey(conn)
	result, ok := f.upstreams[key]
	delete(f.upstreams, key)
	return result.client, ok
}

func sessionKey(conn ssh.ConnMetadata) string {
	return hex.EncodeToString(conn.SessionID())
}

// handleConnection completes the inbound SSH handshake, then services
// the single "netconf" subsystem channel this proxy supports (§1's
// scope: "only a single netconf subsystem channel per inbound SSH
// connection is in scope").
func (f *FrontEnd) handleConnection(nConn net.Conn, serverConfig *ssh.ServerConfig) {
	svrConn, chans, reqs, err := ssh.NewServerConn(nConn, serverConfig)
	if err != nil {
		_ = nConn.Close()
		return
	}
	defer svrConn.Close() // nolint: errcheck

	upstream, ok := f.takeUpstream(svrConn)
	if !ok {
		return
	}
	defer upstream.Close() // nolint: errcheck

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		f.handleSessionChannel(newChannel, svrConn, upstream)
	}
}

// handleSessionChannel accepts one "session" channel, rejects shell,
// exec and pty requests, and on a "netconf" subsystem request opens
// the matching upstream channel and hands the pair to a Session pump
// (§4.4's Inbound / Subsystem wiring clauses).
func (f *FrontEnd) handleSessionChannel(newChannel ssh.NewChannel, svrConn *ssh.ServerConn, upstream *ssh.Client) {
	channel, requests, err := newChannel.Accept()
	if err != nil {
		return
	}

	for req := range requests {
		switch req.Type {
		case "subsystem":
			name := parseSubsystemName(req.Payload)
			if name != "netconf" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			f.startSession(channel, svrConn, upstream)
			return

		case "shell", "exec", "pty-req":
			_ = req.Reply(false, nil)

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (f *FrontEnd) startSession(clientChannel ssh.Channel, svrConn *ssh.ServerConn, upstream *ssh.Client) {
	upstreamChannel, upstreamRequests, err := upstream.OpenChannel("session", nil)
	if err != nil {
		_ = clientChannel.Close()
		return
	}
	go ssh.DiscardRequests(upstreamRequests)

	ok, err := upstreamChannel.SendRequest("subsystem", true, ssh.Marshal(&subsystemRequest{Name: "netconf"}))
	if err != nil || !ok {
		_ = clientChannel.Close()
		_ = upstreamChannel.Close()
		return
	}

	sess := session.New(clientChannel, upstreamChannel)
	sess.UpstreamTransport = upstream
	sess.RemoteAddr = svrConn.RemoteAddr()
	sess.Rules = f.cfg.Rules
	sess.ServerSink = f.cfg.ServerSink
	sess.ClientSink = f.cfg.ClientSink
	sess.Hooks = f.cfg.Hooks

	sess.Run()

	// The pump leaves the inbound side to the front end: close the
	// inbound transport (and with it the client channel) now that it
	// has returned.
	_ = svrConn.Close()
}

type subsystemRequest struct {
	Name string
}

// parseSubsystemName unmarshals the payload of a "subsystem"
// channel request, which is a single SSH string.
func parseSubsystemName(payload []byte) string {
	var req subsystemRequest
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return ""
	}
	return req.Name
}
