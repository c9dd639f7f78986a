package sshfront

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/damianoneill/ncproxy/internal/rules"
	"github.com/damianoneill/ncproxy/internal/trace"
)

const (
	testUser     = "testUser"
	testPassword = "testPassword"
)

// upstreamEchoServer is a minimal hand-rolled fake NETCONF-over-SSH server,
// in the style of v2/netconf/server/ssh/server.go: it accepts every
// channel it is offered, replies true to any subsystem request, and
// echoes every byte it reads back to the channel.
type upstreamEchoServer struct {
	listener net.Listener
}

func startUpstreamEchoServer(t *testing.T) *upstreamEchoServer {
	t.Helper()
	key := generateTestHostKey(t)
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(key)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)

	srv := &upstreamEchoServer{listener: listener}
	go srv.acceptLoop(cfg)
	return srv
}

func (s *upstreamEchoServer) acceptLoop(cfg *ssh.ServerConfig) {
	for {
		nConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(nConn, cfg)
	}
}

func (s *upstreamEchoServer) handleConn(nConn net.Conn, cfg *ssh.ServerConfig) {
	svrConn, chans, reqs, err := ssh.NewServerConn(nConn, cfg)
	if err != nil {
		return
	}
	defer svrConn.Close() // nolint: errcheck
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range requests {
				if req.Type == "subsystem" {
					_ = req.Reply(true, nil)
					go func() {
						buf := make([]byte, 4096)
						for {
							n, err := channel.Read(buf)
							if n > 0 {
								_, _ = channel.Write(buf[:n])
							}
							if err != nil {
								return
							}
						}
					}()
				} else if req.WantReply {
					_ = req.Reply(false, nil)
				}
			}
		}()
	}
}

func (s *upstreamEchoServer) addr() string {
	return s.listener.Addr().String()
}

func (s *upstreamEchoServer) close() {
	_ = s.listener.Close()
}

func generateTestHostKey(t *testing.T) ssh.Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NoError(t, err)
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	signer, err := ssh.ParsePrivateKey(pem.EncodeToMemory(block))
	assert.NoError(t, err)
	return signer
}

func startFrontEnd(t *testing.T, cfg Config) (*FrontEnd, func()) {
	t.Helper()
	cfg.ProxyHostKey = generateTestHostKey(t)

	ready := make(chan struct{}, 1)
	var listenErr error
	baseHooks := cfg.Hooks
	if baseHooks == nil {
		baseHooks = trace.NoOp
	}
	wrapped := *baseHooks
	wrapped.Listened = func(address string, err error) {
		listenErr = err
		close(ready)
	}
	cfg.Hooks = &wrapped

	front := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = front.Serve(ctx) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("front end never bound its listener")
	}
	assert.NoError(t, listenErr)

	return front, cancel
}

func dialFrontEnd(t *testing.T, port int, clientCfg *ssh.ClientConfig) *ssh.Client {
	t.Helper()
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	var client *ssh.Client
	var err error
	for i := 0; i < 20; i++ {
		client, err = ssh.Dial("tcp", addr, clientCfg)
		if err == nil {
			return client
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.NoError(t, err)
	return client
}

func TestFrontEndMirrorsPasswordAuthAndEchoesThroughNetconfSubsystem(t *testing.T) {
	upstream := startUpstreamEchoServer(t)
	defer upstream.close()

	front, cancel := startFrontEnd(t, Config{
		ListenAddress: "127.0.0.1",
		UpstreamAddr:  upstream.addr(),
		Rules:         rules.Empty,
	})
	defer cancel()

	clientCfg := &ssh.ClientConfig{
		User:            testUser,
		Auth:            []ssh.AuthMethod{ssh.Password(testPassword)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // nolint: gosec
	}
	client := dialFrontEnd(t, front.Port(), clientCfg)
	defer client.Close()

	session, err := client.NewSession()
	assert.NoError(t, err)
	defer session.Close()

	stdin, err := session.StdinPipe()
	assert.NoError(t, err)
	stdout, err := session.StdoutPipe()
	assert.NoError(t, err)

	assert.NoError(t, session.RequestSubsystem("netconf"))

	_, err = stdin.Write([]byte("hello" + eom))
	assert.NoError(t, err)

	buf := make([]byte, 64)
	n, err := stdout.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, "hello"+eom, string(buf[:n]))
}

func TestFrontEndRejectsPasswordThatUpstreamRejects(t *testing.T) {
	upstream := startUpstreamEchoServer(t)
	defer upstream.close()

	front, cancel := startFrontEnd(t, Config{
		ListenAddress: "127.0.0.1",
		UpstreamAddr:  upstream.addr(),
		Rules:         rules.Empty,
	})
	defer cancel()

	clientCfg := &ssh.ClientConfig{
		User:            testUser,
		Auth:            []ssh.AuthMethod{ssh.Password("wrong-password")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // nolint: gosec
	}
	_, err := ssh.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", front.Port()), clientCfg)
	assert.Error(t, err)
}

func TestFrontEndPublicKeyAuthSubstitutesClientIdentity(t *testing.T) {
	upstream := startUpstreamEchoServer(t)
	defer upstream.close()

	clientIdentity := generateTestHostKey(t)

	front, cancel := startFrontEnd(t, Config{
		ListenAddress:  "127.0.0.1",
		UpstreamAddr:   upstream.addr(),
		ClientIdentity: clientIdentity,
		Rules:          rules.Empty,
	})
	defer cancel()

	clientOwnKey := generateTestHostKey(t)
	clientCfg := &ssh.ClientConfig{
		User:            testUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(clientOwnKey)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // nolint: gosec
	}
	client := dialFrontEnd(t, front.Port(), clientCfg)
	defer client.Close()

	session, err := client.NewSession()
	assert.NoError(t, err)
	defer session.Close()
	assert.NoError(t, session.RequestSubsystem("netconf"))
}

const eom = "]]>]]>"
