// Package framing implements the RFC 6242 NETCONF transport framing used
// between the proxy and each of its two peers.
//
// Unlike github.com/damianoneill/net/netconf/rfc6242, which wraps an
// io.Reader as a pull-model filter, a Framer here is fed byte slices as
// they arrive off a non-blocking channel read and hands back whichever
// Messages those bytes complete. This push-model shape is what the
// session pump (internal/session) needs: it never wants to block waiting
// for more input on one direction while the other direction has work to
// do.
package framing

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
)

// Mode identifies which NETCONF transport framing a stream uses.
type Mode int

const (
	// ModeUnknown means no data has yet been inspected to pin a Mode.
	ModeUnknown Mode = iota
	// ModeBase10 is end-of-message framing: messages are terminated by
	// the six byte sequence "]]>]]>".
	ModeBase10
	// ModeBase11 is chunked framing: "\n#<len>\n<len bytes>" repeated,
	// terminated by "\n##\n".
	ModeBase11
)

const (
	eomDelimiter   = "]]>]]>"
	chunkEnd       = "\n##\n"
	maxChunkLength = 4294967295

	// defaultMaxWriteChunk is the largest chunk body Encode emits in
	// Base11 mode. A longer message is not framed as one chunk: it is
	// split into several chunks of at most this many bytes, each with its
	// own "\n#<len>\n" header.
	defaultMaxWriteChunk = 16384
)

// ErrFraming is returned (wrapped) when a stream violates its pinned
// framing mode.
var ErrFraming = errors.New("netconf framing error")

// Framer owns one direction's reception buffer and framing mode. It is
// not safe for concurrent use; the session pump owns one Framer per
// direction and drives it from a single goroutine.
type Framer struct {
	mode Mode
	buf  []byte

	// chunkAccumulator holds bytes decoded from completed chunks for the
	// message currently being assembled in Base11 mode.
	chunkAccumulator []byte
}

// New creates a Framer with mode ModeUnknown; the mode is pinned on the
// first call to Feed that sees more than four buffered bytes.
func New() *Framer {
	return &Framer{}
}

// Mode reports the Framer's pinned mode, or ModeUnknown if no mode has
// been pinned yet.
func (f *Framer) Mode() Mode {
	return f.mode
}

// Feed appends data to the reception buffer and extracts as many whole
// Messages as are now available. Feed never blocks and never reorders
// messages. A framing error discards the buffer and is returned wrapped
// in ErrFraming; the Framer resynchronizes (re-running mode detection)
// on the next Feed call.
func (f *Framer) Feed(data []byte) (messages [][]byte, err error) {
	f.buf = append(f.buf, data...)

	if f.mode == ModeUnknown {
		if len(f.buf) <= 4 {
			return nil, nil
		}
		f.pinMode()
	}

	switch f.mode {
	case ModeBase10:
		return f.decodeBase10()
	case ModeBase11:
		return f.decodeBase11()
	default:
		return nil, nil
	}
}

// pinMode inspects the first two bytes of the accumulated buffer to
// select Base10 vs Base11, per §4.1. Once pinned it is not revisited
// unless a framing error un-pins it (see resetOnError).
func (f *Framer) pinMode() {
	if len(f.buf) >= 2 && f.buf[0] == '\n' && f.buf[1] == '#' {
		f.mode = ModeBase11
	} else {
		f.mode = ModeBase10
	}
}

func (f *Framer) decodeBase10() (messages [][]byte, err error) {
	for {
		idx := bytes.Index(f.buf, []byte(eomDelimiter))
		if idx < 0 {
			return messages, nil
		}
		msg := make([]byte, idx)
		copy(msg, f.buf[:idx])
		messages = append(messages, msg)
		f.buf = f.buf[idx+len(eomDelimiter):]
	}
}

func (f *Framer) decodeBase11() (messages [][]byte, err error) {
	for len(f.buf) >= 4 {
		if string(f.buf[:4]) == chunkEnd {
			msg := f.chunkAccumulator
			f.chunkAccumulator = nil
			f.buf = f.buf[4:]
			messages = append(messages, msg)
			continue
		}

		if f.buf[0] == '\n' && f.buf[1] == '#' {
			nl := bytes.IndexByte(f.buf[2:], '\n')
			if nl < 0 {
				// Chunk header not yet fully arrived; wait for more bytes.
				return messages, nil
			}
			header := f.buf[2 : 2+nl]
			n, perr := strconv.ParseUint(string(header), 10, 64)
			if perr != nil || n > maxChunkLength {
				f.resetOnError()
				return messages, errors.Wrapf(ErrFraming, "invalid chunk header %q", header)
			}

			start := 2 + nl + 1
			if uint64(len(f.buf)-start) < n {
				// Wait for the rest of the chunk body.
				return messages, nil
			}

			f.chunkAccumulator = append(f.chunkAccumulator, f.buf[start:start+int(n)]...)
			f.buf = f.buf[start+int(n):]
			continue
		}

		f.resetOnError()
		return messages, errors.WithStack(ErrFraming)
	}
	return messages, nil
}

// resetOnError discards the buffer and chunk accumulator and un-pins the
// mode, per §4.1's Failures clause: "subsequent feed attempts to
// resynchronize by re-running mode detection at the current cursor."
func (f *Framer) resetOnError() {
	f.buf = nil
	f.chunkAccumulator = nil
	f.mode = ModeUnknown
}

// Encode renders message m in the Framer's pinned mode. Encode must not
// be called before a mode has been pinned by Feed; callers that need to
// emit before ever having read anything (e.g. a server sending its own
// first message) should pin a mode explicitly with SetMode.
func (f *Framer) Encode(message []byte) []byte {
	switch f.mode {
	case ModeBase11:
		return encodeBase11(message)
	default:
		return encodeBase10(message)
	}
}

// SetMode pins the Framer's mode directly, bypassing detection. Used
// when a side of the proxy must encode before it has ever decoded
// anything on the same direction (the encode and decode directions of a
// single TCP/channel byte stream are otherwise independent Framers).
func (f *Framer) SetMode(m Mode) {
	f.mode = m
}

func encodeBase10(m []byte) []byte {
	out := make([]byte, 0, len(m)+len(eomDelimiter))
	out = append(out, m...)
	out = append(out, eomDelimiter...)
	return out
}

func encodeBase11(m []byte) []byte {
	out := make([]byte, 0, len(m)+len(m)/defaultMaxWriteChunk*8+16)
	for n := 0; n < len(m); {
		chunkLen := len(m) - n
		if chunkLen > defaultMaxWriteChunk {
			chunkLen = defaultMaxWriteChunk
		}
		out = append(out, '\n', '#')
		out = append(out, strconv.Itoa(chunkLen)...)
		out = append(out, '\n')
		out = append(out, m[n:n+chunkLen]...)
		n += chunkLen
	}
	out = append(out, chunkEnd...)
	return out
}
