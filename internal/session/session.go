// Package session implements the Session pump (§4.3): the component
// that owns one accepted client's paired channels, drives bytes
// through a Framer and the rule engine in each direction, and decides
// when the conversation is over.
//
// Grounded on v2/netconf/server/netconf/server.go's SessionHandler (one
// handler per channel pair, a single Handle/Run entry point, trace-hook
// instrumentation around every state transition) and on ncproxy.py's
// ncHandler.start_subsystem loop for the buffer-draining and
// termination algorithm. Where the reference polls with
// recv_ready()/time.sleep(0.01), this implementation uses a
// goroutine-per-direction reader feeding a select loop — the
// alternative §9's "Concurrency primitive" note calls "equally valid
// and may be preferred": a single execution context multiplexing both
// directions with a select-like construct.
package session

import (
	"io"
	"net"

	"github.com/google/uuid"

	"github.com/damianoneill/ncproxy/internal/framing"
	"github.com/damianoneill/ncproxy/internal/rules"
	"github.com/damianoneill/ncproxy/internal/trace"
)

// Channel is the minimal surface the pump needs from an SSH channel.
// golang.org/x/crypto/ssh.Channel satisfies this.
type Channel interface {
	io.Reader
	io.Writer
	io.Closer
}

// Session is the tuple described in §3: the two channels, plus the two
// Framers that own the per-direction reception buffer and framing
// mode. RuleSet and the observer sinks are referenced, not owned (§9's
// "Cyclic references" note).
type Session struct {
	ID string

	ClientChannel Channel
	ServerChannel Channel

	// UpstreamTransport, if set, is closed when the pump exits, per
	// §4.3's Termination clause ("closes the server channel and the
	// outbound transport").
	UpstreamTransport io.Closer

	// RemoteAddr is used only for diagnostic logging.
	RemoteAddr net.Addr

	Rules *rules.Set

	ServerSink io.Writer
	ClientSink io.Writer

	Hooks *trace.Hooks

	clientFramer *framing.Framer
	serverFramer *framing.Framer
}

// New constructs a Session ready to Run. Rules, ServerSink, ClientSink
// and Hooks may be left nil; nil Rules is treated as rules.Empty, nil
// sinks discard, and a nil Hooks defaults to trace.NoOp.
func New(client, server Channel) *Session {
	return &Session{
		ID:            uuid.NewString(),
		ClientChannel: client,
		ServerChannel: server,
		clientFramer:  framing.New(),
		serverFramer:  framing.New(),
	}
}

func (s *Session) ruleSet() *rules.Set {
	if s.Rules == nil {
		return rules.Empty
	}
	return s.Rules
}

func (s *Session) hooks() *trace.Hooks {
	return trace.Defaulted(s.Hooks)
}

func (s *Session) serverlog() io.Writer {
	if s.ServerSink == nil {
		return io.Discard
	}
	return s.ServerSink
}

func (s *Session) clientlog() io.Writer {
	if s.ClientSink == nil {
		return io.Discard
	}
	return s.ClientSink
}

type readResult struct {
	data []byte
	err  error
}

const readBufferSize = 32 * 1024

func readLoop(r io.Reader, out chan<- readResult, done <-chan struct{}) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- readResult{data: chunk}:
			case <-done:
				return
			}
		}
		if err != nil {
			select {
			case out <- readResult{err: err}:
			case <-done:
			}
			return
		}
	}
}

// drainPending routes any read results already buffered on ch, without
// blocking. select chooses pseudo-randomly among ready cases, so when
// one direction closes in the same instant the other has data waiting
// (a final rpc-reply arriving as the client disconnects), the closure
// can be picked first; the waiting bytes must still be routed, not
// dropped. The reference's loop has the same property: it drains both
// directions' buffers every iteration before checking exit status.
func drainPending(ch <-chan readResult, handle func([]byte)) {
	for {
		select {
		case r := <-ch:
			if r.err != nil {
				return
			}
			handle(r.data)
		default:
			return
		}
	}
}

// Run drives the session to completion: it blocks until either channel
// reports closure (§4.3's Termination clause), then flushes both sinks,
// logs which side closed first, and closes the server channel. The
// inbound (client) channel and its transport remain the caller's
// responsibility (§4.4: "The inbound transport is closed by the SSH
// front end once the pump returns").
func (s *Session) Run() {
	s.hooks().SessionStarted(s.ID, s.RemoteAddr)

	clientCh := make(chan readResult, 1)
	serverCh := make(chan readResult, 1)
	done := make(chan struct{})
	defer close(done)

	go readLoop(s.ClientChannel, clientCh, done)
	go readLoop(s.ServerChannel, serverCh, done)

	closedFirst := "server"
	var termErr error

loop:
	for {
		select {
		case r := <-clientCh:
			if r.err != nil {
				closedFirst = "client"
				termErr = r.err
				drainPending(serverCh, s.handleServerBytes)
				break loop
			}
			s.handleClientBytes(r.data)

		case r := <-serverCh:
			if r.err != nil {
				closedFirst = "server"
				termErr = r.err
				drainPending(clientCh, s.handleClientBytes)
				break loop
			}
			s.handleServerBytes(r.data)
		}
	}

	if f, ok := s.ServerSink.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	if f, ok := s.ClientSink.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}

	s.hooks().SessionEnded(s.ID, closedFirst, termErr)

	_ = s.ServerChannel.Close()
	if s.UpstreamTransport != nil {
		_ = s.UpstreamTransport.Close()
	}
}

// handleServerBytes decodes server-origin bytes, applies
// server_to_client rewrites, and forwards the result to the client
// channel and the server observer sink (§4.3, direction server→client).
func (s *Session) handleServerBytes(data []byte) {
	messages, err := s.serverFramer.Feed(data)
	if err != nil {
		s.hooks().FramingError(s.ID, "server->client", err)
	}
	for _, msg := range messages {
		s.forwardToClient(msg)
	}
}

func (s *Session) forwardToClient(msg []byte) {
	rewritten := s.ruleSet().ApplyServerToClient(msg, func(err error) {
		s.hooks().RuleError(s.ID, err)
	})

	framed := s.serverFramer.Encode(rewritten)
	if _, err := s.ClientChannel.Write(framed); err != nil {
		return
	}
	_, _ = s.serverlog().Write(framed)
}

// handleClientBytes decodes client-origin bytes, applies
// client_to_server rewrites and the auto-responder, and either
// forwards the result upstream or absorbs it and synthesizes a
// server→client response (§4.3, §4.2, invariants 4-5 of §3).
func (s *Session) handleClientBytes(data []byte) {
	messages, err := s.clientFramer.Feed(data)
	if err != nil {
		s.hooks().FramingError(s.ID, "client->server", err)
	}
	for _, msg := range messages {
		s.handleClientMessage(msg)
	}
}

func (s *Session) handleClientMessage(msg []byte) {
	decision := s.ruleSet().ApplyClientToServer(msg, func(err error) {
		s.hooks().RuleError(s.ID, err)
	})

	// §3 invariant 5 / §9: the client sink always records the client
	// message as considered by the client-to-server pipeline (i.e. after
	// client_to_server_rewrites, before any absorb), whether or not it is
	// ultimately forwarded.
	framed := s.clientFramer.Encode(decision.ClientMessage)
	_, _ = s.clientlog().Write(framed)

	if decision.Forward {
		if _, err := s.ServerChannel.Write(framed); err != nil {
			return
		}
		return
	}

	// Absorbed: route the synthesized response into the server→client
	// pipeline as if the server had produced it, per §3 invariant 5. This
	// subjects it to server_to_client_rewrites and the server observer
	// sink, matching the reference's behaviour of reinjecting the
	// synthesized bytes into the server reception buffer for normal
	// processing. If the server has not yet sent anything, the response
	// is framed in the client's detected mode (the reference frames the
	// reinjected bytes that way too).
	if s.serverFramer.Mode() == framing.ModeUnknown {
		s.serverFramer.SetMode(s.clientFramer.Mode())
	}
	s.forwardToClient(decision.Response)
}
