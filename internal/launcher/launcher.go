// Package launcher implements the Launcher component of §4.5: load
// configuration and keys, compile the RuleSet, bind the listening
// socket, and hand every accepted connection to the SSH front end.
package launcher

import (
	"context"
	"io"
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/damianoneill/ncproxy/internal/rules"
	"github.com/damianoneill/ncproxy/internal/sshfront"
	"github.com/damianoneill/ncproxy/internal/trace"
)

// Options mirrors the CLI surface of §6. Fields left as the zero value
// take the documented default, except Port: a zero Port is passed on
// unchanged and binds an OS-chosen port.
type Options struct {
	Server string // positional "server" argument
	Port   int

	PatchFile string

	ClientPrivateKeyFile string

	ProxyHostKeyFile string
	ProxyHostKeyAlg  string

	ServerHostKeyFile string
	ServerHostKeyAlg  string

	ServerLogFile string
	ClientLogFile string
	LogFile       string

	Verbose int
	Debug   int
}

// Run loads everything Options describes and serves until ctx is
// cancelled. It returns a non-nil error for any of the configuration
// or bind failures of §7 ("Configuration error", "Bind/listen error"),
// which the caller (cmd/ncproxy) turns into exit code 1.
func Run(ctx context.Context, opts Options) error {
	upstreamAddr, err := ParseServerURL(opts.Server)
	if err != nil {
		return err
	}

	logOut, err := openLogFile(opts.LogFile, os.Stderr)
	if err != nil {
		return err
	}

	diagLog := trace.NewDiagnosticLogger(opts.Verbose, logOut)
	sshLog := trace.NewDiagnosticLogger(opts.Debug, logOut)

	ruleSet := rules.Empty
	if opts.PatchFile != "" {
		ruleSet, err = rules.Load(opts.PatchFile)
		if err != nil {
			return errors.Wrap(err, "loading rule file")
		}
	}

	var clientIdentity ssh.Signer
	if opts.ClientPrivateKeyFile != "" {
		clientIdentity, err = sshfront.LoadPrivateKey(opts.ClientPrivateKeyFile)
		if err != nil {
			return errors.Wrap(err, "loading client private key")
		}
	}

	proxyHostKey, err := loadOrGenerateProxyHostKey(opts)
	if err != nil {
		return err
	}

	hostKeyCallback, err := upstreamHostKeyCallback(opts)
	if err != nil {
		return err
	}

	serverSink, err := openSink(opts.ServerLogFile, os.Stdout)
	if err != nil {
		return err
	}
	clientSink, err := openSink(opts.ClientLogFile, os.Stdout)
	if err != nil {
		return err
	}

	cfg := sshfront.Config{
		ListenAddress:           "",
		ListenPort:              opts.Port,
		UpstreamAddr:            upstreamAddr,
		ProxyHostKey:            proxyHostKey,
		ClientIdentity:          clientIdentity,
		UpstreamHostKeyCallback: hostKeyCallback,
		Rules:                   ruleSet,
		ServerSink:              serverSink,
		ClientSink:              clientSink,
		Hooks:                   trace.LoggingHooks(diagLog, sshLog),
	}

	front := sshfront.New(cfg)
	return front.Serve(ctx)
}

func openLogFile(path string, fallback *os.File) (io.Writer, error) {
	if path == "" {
		return fallback, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening log file %s", path)
	}
	return f, nil
}

func openSink(path string, fallback *os.File) (*trace.Sink, error) {
	if path == "" || path == "-" {
		return trace.NewSink(fallback), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening sink file %s", path)
	}
	return trace.NewSink(f), nil
}

func loadOrGenerateProxyHostKey(opts Options) (ssh.Signer, error) {
	if opts.ProxyHostKeyFile == "" {
		key, err := sshfront.GenerateHostKey(sshfront.HostKeyAlgorithm(defaultAlg(opts.ProxyHostKeyAlg)))
		if err != nil {
			return nil, errors.Wrap(err, "generating proxy host key")
		}
		return key, nil
	}
	key, err := sshfront.LoadPrivateKeyWithAlgorithm(opts.ProxyHostKeyFile, sshfront.HostKeyAlgorithm(defaultAlg(opts.ProxyHostKeyAlg)))
	if err != nil {
		return nil, errors.Wrap(err, "loading proxy host key")
	}
	return key, nil
}

// upstreamHostKeyCallback returns nil (meaning "accept anything", via
// sshfront.Config.hostKeyCallback's InsecureIgnoreHostKey fallback)
// when --serverhostkey is not configured, matching §6's "expected
// upstream host key (pinning)" being optional.
func upstreamHostKeyCallback(opts Options) (ssh.HostKeyCallback, error) {
	if opts.ServerHostKeyFile == "" {
		return nil, nil
	}
	pinned, err := sshfront.LoadPrivateKeyWithAlgorithm(opts.ServerHostKeyFile, sshfront.HostKeyAlgorithm(defaultAlg(opts.ServerHostKeyAlg)))
	if err != nil {
		return nil, errors.Wrap(err, "loading server host key")
	}
	pinnedPublic := pinned.PublicKey()
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if string(key.Marshal()) != string(pinnedPublic.Marshal()) {
			return errors.New("upstream host key does not match pinned key")
		}
		return nil
	}, nil
}

func defaultAlg(alg string) string {
	if alg == "" {
		return "RSA"
	}
	return alg
}
