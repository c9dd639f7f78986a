// Package rules implements the RuleSet and rule engine described in
// §3 and §4.2 of the specification: ordered rewrite lists applied to
// whole NETCONF messages, and an auto-responder consulted only on the
// client-to-server direction.
package rules

import (
	"regexp"

	"github.com/pkg/errors"
)

// Rewrite is a single {pattern, replacement} rule. Pattern is compiled
// in dot-matches-all mode (Go's "(?s)" flag) so a pattern spanning a
// multi-line XML document behaves like the reference implementation's
// Python re.DOTALL.
type Rewrite struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// AutoResponse is a single {pattern, response} rule; the first whose
// Pattern matches at the start of a client message absorbs it.
type AutoResponse struct {
	Pattern  *regexp.Regexp
	Response string
}

// Set is an immutable, ordered RuleSet, safe to share read-only across
// all sessions (§5).
type Set struct {
	ServerToClient []Rewrite
	ClientToServer []Rewrite
	AutoRespond    []AutoResponse
}

// Empty is a RuleSet with no rules; every message is forwarded
// unmodified. Used when the launcher is not given a --patch file.
var Empty = &Set{}

// Decision is the result of evaluating one client→server message
// through the Set.
type Decision struct {
	// ClientMessage is the client message after client_to_server_rewrites
	// (§3 invariant 5 / §9: this is what the client observer sink
	// records, whether or not the message is forwarded).
	ClientMessage []byte
	// Forward is true unless an auto-response absorbed the message.
	Forward bool
	// Response is the synthesized response body, set only when Forward
	// is false.
	Response []byte
}

// ApplyServerToClient runs the server_to_client_rewrites list against
// msg, in order, per step 1 of §4.2's algorithm. Rewrite evaluation
// errors are reported via onError and the original body is used.
func (s *Set) ApplyServerToClient(msg []byte, onError func(error)) []byte {
	return applyRewrites(s.ServerToClient, msg, onError)
}

// ApplyClientToServer runs the client_to_server pipeline: rewrites
// first, then auto_responses (§3 invariant 4, §4.2). The returned
// Decision.Forward is false iff an auto-response fired.
func (s *Set) ApplyClientToServer(msg []byte, onError func(error)) Decision {
	rewritten := applyRewrites(s.ClientToServer, msg, onError)

	for _, ar := range s.AutoRespond {
		loc := ar.Pattern.FindSubmatchIndex(rewritten)
		if loc == nil || loc[0] != 0 {
			continue
		}
		resp, err := expand(ar.Pattern, ar.Response, rewritten, loc)
		if err != nil {
			if onError != nil {
				onError(errors.Wrap(err, "auto-response evaluation"))
			}
			continue
		}
		return Decision{ClientMessage: rewritten, Forward: false, Response: resp}
	}

	return Decision{ClientMessage: rewritten, Forward: true}
}

func applyRewrites(rw []Rewrite, msg []byte, onError func(error)) []byte {
	for _, r := range rw {
		loc := r.Pattern.FindSubmatchIndex(msg)
		if loc == nil {
			continue
		}
		out, err := expandAll(r.Pattern, r.Replacement, msg)
		if err != nil {
			if onError != nil {
				onError(errors.Wrap(err, "rewrite evaluation"))
			}
			continue
		}
		msg = out
	}
	return msg
}

// expandAll substitutes every non-overlapping match of pattern in src
// with template, honoring backreferences ($1, ${name}, ...), matching
// Go's regexp.ReplaceAll semantics.
func expandAll(pattern *regexp.Regexp, template string, src []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("backreference evaluation failed: %v", r)
		}
	}()
	return pattern.ReplaceAll(src, []byte(template)), nil
}

// expand substitutes backreferences in template against the single
// match described by loc, matching regexp.Expand semantics.
func expand(pattern *regexp.Regexp, template string, src []byte, loc []int) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("backreference evaluation failed: %v", r)
		}
	}()
	return pattern.Expand(nil, []byte(template), src, loc), nil
}
